package session

import "fmt"

// Key prefix for all coordinator data
const keyPrefix = "gatekeeper"

// sessionKey returns the Redis key for an account's session hash
func sessionKey(accountID int) string {
	return fmt.Sprintf("%s:session:%d", keyPrefix, accountID)
}

// transitionLockKey returns the Redis key guarding PendingLogin -> Active
func transitionLockKey(accountID int) string {
	return fmt.Sprintf("%s:session:%d:lock", keyPrefix, accountID)
}
