package db

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/oops"

	"github.com/energizer-project/gatekeeper/internal/account"
)

// Administrative writes used by tooling and tests. The login flow itself
// never calls these.

// CreateCharacter adds a character to an account and returns its id.
func (s *AccountStore) CreateCharacter(ctx context.Context, accountID, world int, name string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (account_id, world, name) VALUES (?, ?, ?)`, accountID, world, name)
	if err != nil {
		return 0, unavailable("create_character").With("account_id", accountID).Wrap(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("create_character").With("account_id", accountID).Wrap(err)
	}
	return int(id), nil
}

// SetPic sets the character-select PIN of an account.
func (s *AccountStore) SetPic(ctx context.Context, accountID int, pic string) error {
	return s.update(ctx, "set_pic", accountID, `UPDATE accounts SET pic = ? WHERE id = ?`, pic, accountID)
}

// AcceptTerms records terms-of-service acceptance.
func (s *AccountStore) AcceptTerms(ctx context.Context, accountID int) error {
	return s.update(ctx, "accept_terms", accountID, `UPDATE accounts SET tos_accepted = 1 WHERE id = ?`, accountID)
}

// SetBan sets or clears the permanent ban flag.
func (s *AccountStore) SetBan(ctx context.Context, accountID int, banned bool, reason byte) error {
	return s.update(ctx, "set_ban", accountID,
		`UPDATE accounts SET banned = ?, ban_reason = ? WHERE id = ?`, boolInt(banned), reason, accountID)
}

// SetTempBan bans an account until the given time.
func (s *AccountStore) SetTempBan(ctx context.Context, accountID int, until time.Time, reason byte) error {
	return s.update(ctx, "set_temp_ban", accountID,
		`UPDATE accounts SET temp_ban = ?, ban_reason = ? WHERE id = ?`, until.UnixMilli(), reason, accountID)
}

// BanAddress adds addr to the address ban list.
func (s *AccountStore) BanAddress(ctx context.Context, addr string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO ip_bans (address) VALUES (?)`, addr); err != nil {
		return unavailable("ban_address").With("address", addr).Wrap(err)
	}
	return nil
}

// BanHwid adds a hardware fingerprint to the ban list.
func (s *AccountStore) BanHwid(ctx context.Context, hwid string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO hwid_bans (hwid) VALUES (?)`, hwid); err != nil {
		return unavailable("ban_hwid").With("hwid", hwid).Wrap(err)
	}
	return nil
}

// AccountCount returns the number of registered accounts.
func (s *AccountStore) AccountCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, unavailable("count").Wrap(err)
	}
	return n, nil
}

func (s *AccountStore) update(ctx context.Context, op string, accountID int, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(op).With("account_id", accountID).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("account_id", accountID).Wrap(account.ErrNotFound)
	}
	return nil
}
