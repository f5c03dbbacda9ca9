package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/oops"

	"github.com/energizer-project/gatekeeper/internal/account"
)

const dateLayout = "2006-01-02"

// AccountStore is the SQL implementation of account.Store.
type AccountStore struct {
	db     *Database
	hasher account.Hasher
}

var _ account.Store = (*AccountStore)(nil)

// NewAccountStore opens the database, migrates the schema and returns a
// store that checks passwords with hasher.
func NewAccountStore(cfg Config, hasher account.Hasher) (*AccountStore, error) {
	database, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	store := &AccountStore{db: database, hasher: hasher}

	if err := store.Migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate account database: %w", err)
	}

	return store, nil
}

// Close closes the underlying database.
func (s *AccountStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *AccountStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		pic TEXT NOT NULL DEFAULT '',
		gender INTEGER NOT NULL DEFAULT 10,
		gm_level INTEGER NOT NULL DEFAULT 0,
		tos_accepted INTEGER NOT NULL DEFAULT 0,
		banned INTEGER NOT NULL DEFAULT 0,
		ban_reason INTEGER NOT NULL DEFAULT 0,
		temp_ban INTEGER NOT NULL DEFAULT 0,
		birthday TEXT NOT NULL DEFAULT '2005-05-11',
		last_hwid TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS characters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		world INTEGER NOT NULL,
		name TEXT UNIQUE NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS ip_bans (
		address TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS hwid_bans (
		hwid TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_characters_account ON characters(account_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id INT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(13) NOT NULL UNIQUE,
		password VARCHAR(128) NOT NULL,
		pic VARCHAR(26) NOT NULL DEFAULT '',
		gender TINYINT NOT NULL DEFAULT 10,
		gm_level TINYINT NOT NULL DEFAULT 0,
		tos_accepted TINYINT NOT NULL DEFAULT 0,
		banned TINYINT NOT NULL DEFAULT 0,
		ban_reason TINYINT NOT NULL DEFAULT 0,
		temp_ban BIGINT NOT NULL DEFAULT 0,
		birthday VARCHAR(10) NOT NULL DEFAULT '2005-05-11',
		last_hwid VARCHAR(12) NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS characters (
		id INT AUTO_INCREMENT PRIMARY KEY,
		account_id INT NOT NULL,
		world INT NOT NULL,
		name VARCHAR(13) NOT NULL UNIQUE,
		INDEX idx_characters_account (account_id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS ip_bans (
		address VARCHAR(45) PRIMARY KEY,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS hwid_bans (
		hwid VARCHAR(12) PRIMARY KEY,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Migrate creates the schema for the configured driver.
func (s *AccountStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.db.Driver() == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}

	log.Debug().Str("driver", s.db.Driver()).Msg("account schema migrated")
	return nil
}

func unavailable(op string) oops.OopsErrorBuilder {
	return oops.Code("STORE_UNAVAILABLE").With("op", op)
}

func (s *AccountStore) loadAccount(ctx context.Context, name string) (account.Account, error) {
	var (
		a        account.Account
		tos      int
		banned   int
		reason   int
		tempBan  int64
		birthday string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, password, gender, gm_level, tos_accepted, banned, ban_reason, temp_ban, birthday
		FROM accounts WHERE name = ?`, name,
	).Scan(&a.ID, &a.Name, &a.PasswordHash, &a.Gender, &a.GMLevel, &tos, &banned, &reason, &tempBan, &birthday)
	if err != nil {
		return account.Account{}, err
	}

	a.TermsAccepted = tos != 0
	a.Ban = banState(banned, reason, tempBan)
	a.Birthday, _ = time.Parse(dateLayout, birthday)
	return a, nil
}

func banState(banned, reason int, tempBan int64) account.BanState {
	b := account.BanState{Permanent: banned != 0, Reason: byte(reason)}
	if tempBan > 0 {
		b.TempUntil = time.UnixMilli(tempBan)
	}
	return b
}

// VerifyCredentials checks name and password. Terms acceptance is only
// reported once the password is known to be right.
func (s *AccountStore) VerifyCredentials(ctx context.Context, name, password, hwid string) (account.Verification, error) {
	a, err := s.loadAccount(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Verification{Result: account.ResultNotRegistered}, nil
	}
	if err != nil {
		return account.Verification{}, unavailable("verify").With("account", name).Wrap(err)
	}

	v := account.Verification{Account: a}

	if hwid != "" {
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hwid_bans WHERE hwid = ?`, hwid).Scan(&n)
		if err != nil {
			return account.Verification{}, unavailable("verify").With("account", name).Wrap(err)
		}
		v.HwidBanned = n > 0
	}

	switch s.hasher.Compare(a.PasswordHash, password) {
	case account.NoMatch:
		v.Result = account.ResultWrongPassword
	case account.MatchedLegacy:
		v.Result = account.ResultNeedsMigration
	case account.Matched:
		if a.TermsAccepted {
			v.Result = account.ResultOK
		} else {
			v.Result = account.ResultMustAcceptTerms
		}
	}

	if v.Result == account.ResultOK && hwid != "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_hwid = ? WHERE id = ?`, hwid, a.ID); err != nil {
			return account.Verification{}, unavailable("verify").With("account", name).Wrap(err)
		}
	}

	return v, nil
}

// RegisterAccount inserts a new account and returns its id.
func (s *AccountStore) RegisterAccount(ctx context.Context, name, passwordHash string, defaults account.Defaults) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (name, password, gender, birthday, temp_ban, tos_accepted)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, passwordHash, defaults.Gender, defaults.Birthday.Format(dateLayout), defaults.TempBan.UnixMilli(),
		boolInt(defaults.TermsAccepted),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, oops.Code("ACCOUNT_EXISTS").With("account", name).Wrap(account.ErrNameTaken)
		}
		return 0, unavailable("register").With("account", name).Wrap(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, unavailable("register").With("account", name).Wrap(err)
	}

	log.Info().Str("account", name).Int64("account_id", id).Msg("account registered")
	return int(id), nil
}

// boolInt encodes flags the way the schema stores them on both drivers.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate entry")
}

// Rehash replaces the stored password hash.
func (s *AccountStore) Rehash(ctx context.Context, accountID int, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET password = ? WHERE id = ?`, passwordHash, accountID)
	if err != nil {
		return unavailable("rehash").With("account_id", accountID).Wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("account_id", accountID).Wrap(account.ErrNotFound)
	}
	return nil
}

// GetBanState returns the current ban columns of an account.
func (s *AccountStore) GetBanState(ctx context.Context, accountID int) (account.BanState, error) {
	var (
		banned, reason int
		tempBan        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT banned, ban_reason, temp_ban FROM accounts WHERE id = ?`, accountID,
	).Scan(&banned, &reason, &tempBan)
	if errors.Is(err, sql.ErrNoRows) {
		return account.BanState{}, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", accountID).Wrap(account.ErrNotFound)
	}
	if err != nil {
		return account.BanState{}, unavailable("ban_state").With("account_id", accountID).Wrap(err)
	}
	return banState(banned, reason, tempBan), nil
}

// ClearTempBan zeroes an elapsed temporary ban and its reason. Rows that
// are permanently banned or whose ban runs past now are not touched.
func (s *AccountStore) ClearTempBan(ctx context.Context, accountID int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET temp_ban = 0, ban_reason = 0
		WHERE id = ? AND banned = 0 AND temp_ban > 0 AND temp_ban <= ?`,
		accountID, now.UnixMilli(),
	)
	if err != nil {
		return unavailable("clear_temp_ban").With("account_id", accountID).Wrap(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int("account_id", accountID).Msg("cleared elapsed temporary ban")
	}
	return nil
}

// IsAddressBanned reports whether addr is in the address ban list.
func (s *AccountStore) IsAddressBanned(ctx context.Context, addr string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ip_bans WHERE address = ?`, addr).Scan(&n)
	if err != nil {
		return false, unavailable("address_ban").With("address", addr).Wrap(err)
	}
	return n > 0, nil
}

// GetCharacterWorld returns the world of a character owned by accountID.
// Characters owned by someone else are reported as not found.
func (s *AccountStore) GetCharacterWorld(ctx context.Context, accountID, characterID int) (int, error) {
	var world int
	err := s.db.QueryRowContext(ctx,
		`SELECT world FROM characters WHERE id = ? AND account_id = ?`, characterID, accountID,
	).Scan(&world)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, oops.Code("CHARACTER_NOT_FOUND").
			With("account_id", accountID).
			With("character_id", characterID).
			Wrap(account.ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("character_world").With("account_id", accountID).Wrap(err)
	}
	return world, nil
}

// ListCharacters returns every character of an account ordered by id.
func (s *AccountStore) ListCharacters(ctx context.Context, accountID int) ([]account.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, world, name FROM characters WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, unavailable("list_characters").With("account_id", accountID).Wrap(err)
	}
	defer rows.Close()

	var chars []account.Character
	for rows.Next() {
		var c account.Character
		if err := rows.Scan(&c.ID, &c.AccountID, &c.World, &c.Name); err != nil {
			return nil, unavailable("list_characters").With("account_id", accountID).Wrap(err)
		}
		chars = append(chars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list_characters").With("account_id", accountID).Wrap(err)
	}
	return chars, nil
}

// CheckPic compares pic with the account's PIN. Accounts without a PIN
// accept any input.
func (s *AccountStore) CheckPic(ctx context.Context, accountID int, pic string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT pic FROM accounts WHERE id = ?`, accountID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", accountID).Wrap(account.ErrNotFound)
	}
	if err != nil {
		return false, unavailable("check_pic").With("account_id", accountID).Wrap(err)
	}
	return stored == "" || stored == pic, nil
}
