// Gatekeeper is the login and channel routing server. Clients authenticate
// here, pick a world and are handed off to a channel server. Session state
// is shared with the rest of the fleet through the session coordinator.
package main

import (
	"fmt"
	"os"
)

// Version information set at build time.
var (
	version = "1.0.0"
	commit  = "unknown"
)

const banner = `
   ____       _       _
  / ___| __ _| |_ ___| | _____  ___ _ __   ___ _ __
 | |  _ / _' | __/ _ \ |/ / _ \/ _ \ '_ \ / _ \ '__|
 | |_| | (_| | ||  __/   <  __/  __/ |_) |  __/ |
  \____|\__,_|\__\___|_|\_\___|\___| .__/ \___|_|
                                   |_|  v%s
`

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
