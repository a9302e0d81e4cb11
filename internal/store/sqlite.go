package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS licenses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phone TEXT UNIQUE NOT NULL,
			license_key TEXT UNIQUE NOT NULL,
			bound_host_phone TEXT NOT NULL DEFAULT '',
			manage_permission INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			nickname TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			target_account_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS record_sets (
			category TEXT NOT NULL,
			account_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (category, account_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Licenses ---

func (s *SQLiteStore) CreateLicense(ctx context.Context, lic *License) error {
	now := time.Now()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = now
	}
	lic.UpdatedAt = now
	if lic.Status == "" {
		lic.Status = StatusActive
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.Phone, lic.LicenseKey, lic.BoundHostPhone, lic.ManagePermission, lic.Status, lic.ExpiresAt, lic.CreatedAt, lic.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	lic.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetLicense(ctx context.Context, id int64) (*License, error) {
	return scanLicense(s.db.QueryRowContext(ctx,
		`SELECT id, phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at
		 FROM licenses WHERE id = ?`, id))
}

func (s *SQLiteStore) GetLicenseByPhone(ctx context.Context, phone string) (*License, error) {
	return scanLicense(s.db.QueryRowContext(ctx,
		`SELECT id, phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at
		 FROM licenses WHERE phone = ?`, phone))
}

func (s *SQLiteStore) ListLicenses(ctx context.Context, filter LicenseFilter) ([]License, error) {
	query := `SELECT id, phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at
		 FROM licenses WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Phone != "" {
		query += " AND phone LIKE ?"
		args = append(args, "%"+filter.Phone+"%")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		var lic License
		if err := rows.Scan(&lic.ID, &lic.Phone, &lic.LicenseKey, &lic.BoundHostPhone,
			&lic.ManagePermission, &lic.Status, &lic.ExpiresAt, &lic.CreatedAt, &lic.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateLicense(ctx context.Context, lic *License) error {
	lic.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET phone = ?, license_key = ?, bound_host_phone = ?, manage_permission = ?,
		 status = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		lic.Phone, lic.LicenseKey, lic.BoundHostPhone, lic.ManagePermission,
		lic.Status, lic.ExpiresAt, lic.UpdatedAt, lic.ID)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateLicenseStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update license status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLicense(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	return nil
}

func scanLicense(row *sql.Row) (*License, error) {
	var lic License
	err := row.Scan(&lic.ID, &lic.Phone, &lic.LicenseKey, &lic.BoundHostPhone,
		&lic.ManagePermission, &lic.Status, &lic.ExpiresAt, &lic.CreatedAt, &lic.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan license: %w", err)
	}
	return &lic, nil
}

// --- Accounts ---

func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct *Account) error {
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, nickname, avatar, phone, device_id, unread_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
			nickname = excluded.nickname, avatar = excluded.avatar, phone = excluded.phone,
			device_id = excluded.device_id, unread_count = excluded.unread_count, updated_at = excluded.updated_at`,
		acct.AccountID, acct.Nickname, acct.Avatar, acct.Phone, acct.DeviceID, acct.UnreadCount, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, nickname, avatar, phone, device_id, unread_count, created_at, updated_at
		 FROM accounts WHERE account_id = ?`, accountID).
		Scan(&acct.AccountID, &acct.Nickname, &acct.Avatar, &acct.Phone,
			&acct.DeviceID, &acct.UnreadCount, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acct, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, nickname, avatar, phone, device_id, unread_count, created_at, updated_at
		 FROM accounts ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var acct Account
		if err := rows.Scan(&acct.AccountID, &acct.Nickname, &acct.Avatar, &acct.Phone,
			&acct.DeviceID, &acct.UnreadCount, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// --- Commands ---

func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	now := time.Now()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	if cmd.Status == "" {
		cmd.Status = "pending"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (command_id, kind, payload, target_account_id, status, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.CommandID, cmd.Kind, cmd.Payload, cmd.TargetAccountID, cmd.Status, cmd.Result, cmd.CreatedAt, cmd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var cmd Command
	err := s.db.QueryRowContext(ctx,
		`SELECT command_id, kind, payload, target_account_id, status, result, created_at, updated_at
		 FROM commands WHERE command_id = ?`, commandID).
		Scan(&cmd.CommandID, &cmd.Kind, &cmd.Payload, &cmd.TargetAccountID,
			&cmd.Status, &cmd.Result, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return &cmd, nil
}

func (s *SQLiteStore) SetCommandResult(ctx context.Context, commandID, status, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, result = ?, updated_at = ? WHERE command_id = ?`,
		status, result, time.Now(), commandID)
	if err != nil {
		return fmt.Errorf("set command result: %w", err)
	}
	return nil
}

// --- Record sets ---

func (s *SQLiteStore) UpsertRecords(ctx context.Context, category, accountID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_sets (category, account_id, payload, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(category, account_id) DO UPDATE SET
			payload = excluded.payload, updated_at = excluded.updated_at`,
		category, accountID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecords(ctx context.Context, category, accountID string) (*RecordSet, error) {
	var rs RecordSet
	err := s.db.QueryRowContext(ctx,
		`SELECT category, account_id, payload, updated_at
		 FROM record_sets WHERE category = ? AND account_id = ?`, category, accountID).
		Scan(&rs.Category, &rs.AccountID, &rs.Payload, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	return &rs, nil
}
