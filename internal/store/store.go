// Package store defines the persistence interface for licenses, account
// snapshots, command records, and relayed record sets, with SQLite and
// PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// License statuses.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// Store is the persistence interface.
type Store interface {
	// Licenses
	CreateLicense(ctx context.Context, lic *License) error
	GetLicense(ctx context.Context, id int64) (*License, error)
	GetLicenseByPhone(ctx context.Context, phone string) (*License, error)
	ListLicenses(ctx context.Context, filter LicenseFilter) ([]License, error)
	UpdateLicense(ctx context.Context, lic *License) error
	UpdateLicenseStatus(ctx context.Context, id int64, status string) error
	DeleteLicense(ctx context.Context, id int64) error

	// Account snapshots
	UpsertAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]Account, error)

	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, commandID string) (*Command, error)
	SetCommandResult(ctx context.Context, commandID, status, result string) error

	// Record sets (contacts / timeline / tags / chat)
	UpsertRecords(ctx context.Context, category, accountID, payload string) error
	GetRecords(ctx context.Context, category, accountID string) (*RecordSet, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// License authorizes one login phone.
type License struct {
	ID               int64      `json:"id"`
	Phone            string     `json:"phone"`
	LicenseKey       string     `json:"license_key"`
	BoundHostPhone   string     `json:"bound_host_phone"`
	ManagePermission bool       `json:"manage_permission"`
	Status           string     `json:"status"` // "active", "revoked", "expired"
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// LicenseFilter narrows ListLicenses results.
type LicenseFilter struct {
	Status string
	Phone  string // substring match
	Limit  int
	Offset int
}

// Account is a snapshot of the remote automated host's account.
type Account struct {
	AccountID   string    `json:"account_id"`
	Nickname    string    `json:"nickname"`
	Avatar      string    `json:"avatar"`
	Phone       string    `json:"phone"`
	DeviceID    string    `json:"device_id"`
	UnreadCount int       `json:"unread_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Command is a persisted command record for the stateless channel.
type Command struct {
	CommandID       string    `json:"command_id"`
	Kind            string    `json:"kind"`
	Payload         string    `json:"payload"` // JSON-encoded
	TargetAccountID string    `json:"target_account_id,omitempty"`
	Status          string    `json:"status"` // "pending", "processing", "completed", "failed"
	Result          string    `json:"result,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecordSet is an opaque relayed payload persisted per category and account.
type RecordSet struct {
	Category  string    `json:"category"` // "contacts", "timeline", "tags", "chat"
	AccountID string    `json:"account_id"`
	Payload   string    `json:"payload"` // JSON-encoded
	UpdatedAt time.Time `json:"updated_at"`
}
