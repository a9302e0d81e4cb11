package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS licenses (
			id BIGSERIAL PRIMARY KEY,
			phone TEXT UNIQUE NOT NULL,
			license_key TEXT UNIQUE NOT NULL,
			bound_host_phone TEXT NOT NULL DEFAULT '',
			manage_permission BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			nickname TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			command_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			target_account_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS record_sets (
			category TEXT NOT NULL,
			account_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Licenses ---

func (s *PostgresStore) CreateLicense(ctx context.Context, lic *License) error {
	now := time.Now()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = now
	}
	lic.UpdatedAt = now
	if lic.Status == "" {
		lic.Status = StatusActive
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO licenses (phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		lic.Phone, lic.LicenseKey, lic.BoundHostPhone, lic.ManagePermission, lic.Status, lic.ExpiresAt, lic.CreatedAt, lic.UpdatedAt).
		Scan(&lic.ID)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLicense(ctx context.Context, id int64) (*License, error) {
	return scanLicense(s.db.QueryRowContext(ctx,
		`SELECT id, phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at
		 FROM licenses WHERE id = $1`, id))
}

func (s *PostgresStore) GetLicenseByPhone(ctx context.Context, phone string) (*License, error) {
	return scanLicense(s.db.QueryRowContext(ctx,
		`SELECT id, phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at
		 FROM licenses WHERE phone = $1`, phone))
}

func (s *PostgresStore) ListLicenses(ctx context.Context, filter LicenseFilter) ([]License, error) {
	query := `SELECT id, phone, license_key, bound_host_phone, manage_permission, status, expires_at, created_at, updated_at
		 FROM licenses WHERE 1=1`
	var args []any
	argn := 0
	if filter.Status != "" {
		argn++
		query += fmt.Sprintf(" AND status = $%d", argn)
		args = append(args, filter.Status)
	}
	if filter.Phone != "" {
		argn++
		query += fmt.Sprintf(" AND phone LIKE $%d", argn)
		args = append(args, "%"+filter.Phone+"%")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argn+1, argn+2)
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

func (s *PostgresStore) UpdateLicense(ctx context.Context, lic *License) error {
	lic.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET phone = $1, license_key = $2, bound_host_phone = $3, manage_permission = $4,
		 status = $5, expires_at = $6, updated_at = $7 WHERE id = $8`,
		lic.Phone, lic.LicenseKey, lic.BoundHostPhone, lic.ManagePermission,
		lic.Status, lic.ExpiresAt, lic.UpdatedAt, lic.ID)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateLicenseStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update license status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLicense(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) UpsertAccount(ctx context.Context, acct *Account) error {
	now := time.Now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, nickname, avatar, phone, device_id, unread_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (account_id) DO UPDATE SET
			nickname = EXCLUDED.nickname, avatar = EXCLUDED.avatar, phone = EXCLUDED.phone,
			device_id = EXCLUDED.device_id, unread_count = EXCLUDED.unread_count, updated_at = EXCLUDED.updated_at`,
		acct.AccountID, acct.Nickname, acct.Avatar, acct.Phone, acct.DeviceID, acct.UnreadCount, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, nickname, avatar, phone, device_id, unread_count, created_at, updated_at
		 FROM accounts WHERE account_id = $1`, accountID).
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

func (s *PostgresStore) ListAccounts(ctx context.Context, limit, offset int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, nickname, avatar, phone, device_id, unread_count, created_at, updated_at
		 FROM accounts ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
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

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *Command) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cmd.CommandID, cmd.Kind, cmd.Payload, cmd.TargetAccountID, cmd.Status, cmd.Result, cmd.CreatedAt, cmd.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	var cmd Command
	err := s.db.QueryRowContext(ctx,
		`SELECT command_id, kind, payload, target_account_id, status, result, created_at, updated_at
		 FROM commands WHERE command_id = $1`, commandID).
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

func (s *PostgresStore) SetCommandResult(ctx context.Context, commandID, status, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = $1, result = $2, updated_at = $3 WHERE command_id = $4`,
		status, result, time.Now(), commandID)
	if err != nil {
		return fmt.Errorf("set command result: %w", err)
	}
	return nil
}

// --- Record sets ---

func (s *PostgresStore) UpsertRecords(ctx context.Context, category, accountID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO record_sets (category, account_id, payload, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (category, account_id) DO UPDATE SET
			payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		category, accountID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecords(ctx context.Context, category, accountID string) (*RecordSet, error) {
	var rs RecordSet
	err := s.db.QueryRowContext(ctx,
		`SELECT category, account_id, payload, updated_at
		 FROM record_sets WHERE category = $1 AND account_id = $2`, category, accountID).
		Scan(&rs.Category, &rs.AccountID, &rs.Payload, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	return &rs, nil
}
