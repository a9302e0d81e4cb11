// Package protocol defines the wire frames exchanged between pairlink and its
// peers (controller host and viewer app) over the persistent WebSocket channel.
//
// All frames are flat JSON objects with a "type" field that selects handling.
// Once a connection has completed the key exchange, every frame is wrapped in
// an Envelope: {"encrypted":true,"data":"<base64 nonce||ciphertext||tag>"}.
package protocol

// Frame type tags.
const (
	TypePublicKey        = "public_key"
	TypeDeclareRole      = "declare_role"
	TypeKeyExchange      = "key_exchange"
	TypeKeyExchangeAck   = "key_exchange_ack"
	TypeLogin            = "login"
	TypeLoginResult      = "login_result"
	TypeQuickLogin       = "quick_login"
	TypeQuickLoginResult = "quick_login_result"
	TypeSetIdentity      = "set_identity"
	TypeCommand          = "command"
	TypeCommandResult    = "command_result"
	TypeSyncContacts     = "sync_contacts"
	TypeSyncTimeline     = "sync_timeline"
	TypeSyncTags         = "sync_tags"
	TypeSyncChat         = "sync_chat"
	TypeSyncAccount      = "sync_account"
	TypeError            = "error"
)

// Role values carried by declare_role frames.
const (
	RoleController = "controller"
	RoleViewer     = "viewer"
)

// Command result statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// Envelope wraps a sealed frame. Data is the base64 encoding of
// nonce(12) || ciphertext || tag(16) under the connection's session key.
type Envelope struct {
	Encrypted bool   `json:"encrypted"`
	Data      string `json:"data"`
}

// Header is the minimal decode used to pick a handler.
type Header struct {
	Type string `json:"type"`
}

// PublicKey is pushed by the server immediately after a connection is
// accepted, and is also served over the stateless channel.
type PublicKey struct {
	Type         string `json:"type"`
	PublicKeyPEM string `json:"public_key_pem"`
}

// DeclareRole classifies a connection as controller or viewer.
type DeclareRole struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

// KeyExchange carries the client-generated session key, RSA-OAEP encrypted
// under the server public key and base64 encoded.
type KeyExchange struct {
	Type       string `json:"type"`
	WrappedKey string `json:"wrapped_key"`
}

// KeyExchangeAck confirms (or rejects) a key exchange.
type KeyExchangeAck struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Login authenticates a peer against its license.
type Login struct {
	Type       string `json:"type"`
	Phone      string `json:"phone"`
	Credential string `json:"credential"`
}

// LoginResult reports the outcome of a login attempt.
type LoginResult struct {
	Type             string `json:"type"`
	Success          bool   `json:"success"`
	Reason           string `json:"reason,omitempty"`
	ManagePermission bool   `json:"manage_permission,omitempty"`
}

// QuickLogin re-establishes a viewer's identity from a known account snapshot
// without re-entering credentials.
type QuickLogin struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
}

// QuickLoginResult reports the outcome of a quick login.
type QuickLoginResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// SetIdentity binds a remote-account id to a viewer connection.
type SetIdentity struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
}

// Command is sent by a viewer toward the controller.
type Command struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Kind      string `json:"kind"`
	Payload   any    `json:"payload,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// CommandResult reports command execution back to the viewer, or a local
// rejection back to the sender.
type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// Sync carries an opaque data payload from the controller to the viewer bound
// to the matching identity. The same shape is used for all sync_* types.
type Sync struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Error is a typed error frame returned to the originating peer.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SyncTypes lists the relayed data categories.
var SyncTypes = map[string]bool{
	TypeSyncContacts: true,
	TypeSyncTimeline: true,
	TypeSyncTags:     true,
	TypeSyncChat:     true,
	TypeSyncAccount:  true,
}
