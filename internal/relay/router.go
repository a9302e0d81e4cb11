// Package relay manages the persistent WebSocket channel between controller
// and viewer peers: per-connection key exchange, frame dispatch, and
// identity-scoped delivery.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pairlink/pairlink/internal/crypto"
	"github.com/pairlink/pairlink/internal/license"
	"github.com/pairlink/pairlink/internal/registry"
	"github.com/pairlink/pairlink/internal/store"
	"github.com/pairlink/pairlink/pkg/protocol"
)

// Command kinds that must reach the controller bound to the sender's own
// phone; they are never handed to an arbitrary controller.
var phoneBoundKinds = map[string]bool{
	"fetch_logs":     true,
	"list_log_files": true,
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

type peerConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// Options configures the Router.
type Options struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64         // max WebSocket message size (default 1MB)
	WriteTimeout      time.Duration // per-frame write deadline (default 10s)
	PlaintextFallback bool          // allow unencrypted frames before key exchange
	LegacyKey         []byte        // optional pre-handshake shared key (32 bytes)
}

// Router owns the persistent channel: it classifies connections, completes
// the key exchange, and routes frames between roles.
type Router struct {
	keys     *crypto.KeyManager
	sessions *crypto.SessionStore
	registry *registry.Registry
	gate     *license.Service
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes   int64
	writeTimeout      time.Duration
	plaintextFallback bool
	legacyKey         []byte

	mu    sync.RWMutex
	conns map[string]*peerConn
}

// New creates a Router.
func New(keys *crypto.KeyManager, sessions *crypto.SessionStore, reg *registry.Registry,
	gate *license.Service, st store.Store, logger *slog.Logger, opts Options) *Router {

	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 1024 * 1024
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 10 * time.Second
	}

	return &Router{
		keys:              keys,
		sessions:          sessions,
		registry:          reg,
		gate:              gate,
		store:             st,
		logger:            logger.With("component", "relay"),
		upgrader:          makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes:   maxBytes,
		writeTimeout:      writeTimeout,
		plaintextFallback: opts.PlaintextFallback,
		legacyKey:         opts.LegacyKey,
		conns:             make(map[string]*peerConn),
	}
}

// HandleWS upgrades the request and serves the connection until the peer
// disconnects. Cleanup of registry, session, and identity state is
// unconditional on every exit path.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(r.maxMessageBytes)

	connID := uuid.New().String()
	pc := &peerConn{id: connID, conn: conn}

	r.mu.Lock()
	r.conns[connID] = pc
	r.mu.Unlock()
	r.registry.Add(connID)

	r.logger.Info("peer connected", "conn_id", connID, "remote", req.RemoteAddr)

	defer func() {
		r.mu.Lock()
		delete(r.conns, connID)
		r.mu.Unlock()
		r.registry.Remove(connID)
		r.sessions.Delete(connID)
		r.logger.Info("peer disconnected", "conn_id", connID)
	}()

	// Push the public key proactively so the peer can start the key exchange
	// without a round trip.
	r.sendPlain(connID, protocol.PublicKey{
		Type:         protocol.TypePublicKey,
		PublicKeyPEM: r.keys.PublicKeyPEM(),
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("read error", "conn_id", connID, "error", err)
			return
		}

		plain, err := r.decode(connID, msg)
		if err != nil {
			r.logger.Warn("frame decode failed", "conn_id", connID, "error", err)
			continue
		}

		var hdr protocol.Header
		if err := json.Unmarshal(plain, &hdr); err != nil {
			r.logger.Warn("malformed frame", "conn_id", connID, "error", err)
			continue
		}

		r.dispatch(connID, hdr.Type, plain)
	}
}

// decode unwraps an inbound message. Sealed envelopes are opened with the
// connection's session key, falling back to the legacy shared key when no
// session exists yet. Anything else is treated as a plaintext frame; the
// handshake frames always arrive this way.
func (r *Router) decode(connID string, msg []byte) ([]byte, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err == nil && env.Encrypted {
		plain, err := r.sessions.Open(connID, env.Data)
		if err == nil {
			return plain, nil
		}
		if errors.Is(err, crypto.ErrNoSession) && r.legacyKey != nil {
			return crypto.Open(r.legacyKey, env.Data)
		}
		return nil, err
	}
	return msg, nil
}

func (r *Router) dispatch(connID, frameType string, plain []byte) {
	switch frameType {
	case protocol.TypeDeclareRole:
		var frame protocol.DeclareRole
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed declare_role", "conn_id", connID, "error", err)
			return
		}
		r.handleDeclareRole(connID, frame)

	case protocol.TypeKeyExchange:
		var frame protocol.KeyExchange
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed key_exchange", "conn_id", connID, "error", err)
			return
		}
		r.handleKeyExchange(connID, frame)

	case protocol.TypeLogin:
		var frame protocol.Login
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed login", "conn_id", connID, "error", err)
			return
		}
		r.handleLogin(connID, frame)

	case protocol.TypeQuickLogin:
		var frame protocol.QuickLogin
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed quick_login", "conn_id", connID, "error", err)
			return
		}
		r.handleQuickLogin(connID, frame)

	case protocol.TypeSetIdentity:
		var frame protocol.SetIdentity
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed set_identity", "conn_id", connID, "error", err)
			return
		}
		r.handleSetIdentity(connID, frame)

	case protocol.TypeCommand:
		var frame protocol.Command
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed command", "conn_id", connID, "error", err)
			return
		}
		r.handleCommand(connID, frame)

	case protocol.TypeCommandResult:
		var frame protocol.CommandResult
		if err := json.Unmarshal(plain, &frame); err != nil {
			r.logger.Warn("malformed command_result", "conn_id", connID, "error", err)
			return
		}
		r.handleCommandResult(connID, frame)

	default:
		if protocol.SyncTypes[frameType] {
			var frame protocol.Sync
			if err := json.Unmarshal(plain, &frame); err != nil {
				r.logger.Warn("malformed sync frame", "conn_id", connID, "type", frameType, "error", err)
				return
			}
			r.handleSync(connID, frameType, frame)
			return
		}
		r.logger.Warn("unknown frame type", "conn_id", connID, "type", frameType)
	}
}

func (r *Router) handleDeclareRole(connID string, frame protocol.DeclareRole) {
	var role registry.Role
	switch frame.Role {
	case protocol.RoleController:
		role = registry.RoleController
	case protocol.RoleViewer:
		role = registry.RoleViewer
	default:
		r.logger.Warn("unknown role declared", "conn_id", connID, "role", frame.Role)
		r.send(connID, protocol.Error{
			Type: protocol.TypeError, Code: "unknown_role", Message: frame.Role,
		})
		return
	}

	r.registry.Classify(connID, role)
	r.logger.Info("role declared", "conn_id", connID, "role", frame.Role)
}

func (r *Router) handleKeyExchange(connID string, frame protocol.KeyExchange) {
	key, err := r.keys.Unwrap(frame.WrappedKey)
	if err != nil {
		r.logger.Warn("key exchange failed", "conn_id", connID, "error", err)
		r.sendPlain(connID, protocol.KeyExchangeAck{
			Type: protocol.TypeKeyExchangeAck, OK: false, Error: "key exchange failed",
		})
		return
	}

	if err := r.sessions.Put(connID, key); err != nil {
		r.logger.Error("session install failed", "conn_id", connID, "error", err)
		r.sendPlain(connID, protocol.KeyExchangeAck{
			Type: protocol.TypeKeyExchangeAck, OK: false, Error: "key exchange failed",
		})
		return
	}

	// The session exists now, so the ack itself goes out sealed.
	r.send(connID, protocol.KeyExchangeAck{Type: protocol.TypeKeyExchangeAck, OK: true})
	r.logger.Info("session established", "conn_id", connID)
}

func (r *Router) handleCommand(connID string, frame protocol.Command) {
	senderPhone := r.registry.Phone(connID)
	if senderPhone == "" {
		r.send(connID, protocol.CommandResult{
			Type:      protocol.TypeCommandResult,
			CommandID: frame.CommandID,
			Status:    protocol.StatusRejected,
			Error:     "login required",
		})
		return
	}

	// Commands carry the sender's phone so the controller can attribute them.
	if frame.Phone == "" {
		frame.Phone = senderPhone
	}

	if phoneBoundKinds[frame.Kind] {
		target, ok := r.registry.ControllerByPhone(senderPhone)
		if !ok {
			r.send(connID, protocol.CommandResult{
				Type:      protocol.TypeCommandResult,
				CommandID: frame.CommandID,
				Status:    protocol.StatusRejected,
				Error:     "no controller for phone",
			})
			return
		}
		if !r.send(target, frame) {
			r.send(connID, protocol.CommandResult{
				Type:      protocol.TypeCommandResult,
				CommandID: frame.CommandID,
				Status:    protocol.StatusRejected,
				Error:     "controller unreachable",
			})
		}
		return
	}

	if !r.sendToRole(registry.RoleController, frame) {
		r.send(connID, protocol.CommandResult{
			Type:      protocol.TypeCommandResult,
			CommandID: frame.CommandID,
			Status:    protocol.StatusRejected,
			Error:     "no controller available",
		})
	}
}

func (r *Router) handleCommandResult(connID string, frame protocol.CommandResult) {
	if r.store != nil && frame.CommandID != "" {
		var result string
		if frame.Result != nil {
			if b, err := json.Marshal(frame.Result); err == nil {
				result = string(b)
			}
		}
		status := frame.Status
		if status == "" {
			status = protocol.StatusCompleted
		}
		if err := r.store.SetCommandResult(context.Background(), frame.CommandID, status, result); err != nil {
			r.logger.Debug("command result not persisted", "command_id", frame.CommandID, "error", err)
		}
	}

	if !r.deliverToViewer(frame.Phone, frame.AccountID, frame) {
		r.logger.Warn("command result undeliverable", "command_id", frame.CommandID,
			"phone", frame.Phone, "account_id", frame.AccountID)
	}
}

// handleSync relays a data frame to the identity-matched viewer. Account
// snapshots are additionally persisted so quick_login can resolve them;
// contacts/timeline/tags/chat payloads stay opaque here — the stateless
// channel owns their persistence.
func (r *Router) handleSync(connID, frameType string, frame protocol.Sync) {
	if frameType == protocol.TypeSyncAccount {
		r.upsertSnapshot(frame)
	}

	if !r.deliverToViewer(frame.Phone, frame.AccountID, frame) {
		r.logger.Debug("sync frame undeliverable", "type", frameType,
			"phone", frame.Phone, "account_id", frame.AccountID)
	}
}

// upsertSnapshot persists an account snapshot carried by a sync_account
// frame, so quick_login can resolve the account later.
func (r *Router) upsertSnapshot(frame protocol.Sync) {
	if r.store == nil {
		return
	}
	data, err := json.Marshal(frame.Data)
	if err != nil {
		return
	}
	var acct store.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		r.logger.Warn("malformed account snapshot", "error", err)
		return
	}
	if acct.AccountID == "" {
		acct.AccountID = frame.AccountID
	}
	if acct.Phone == "" {
		acct.Phone = frame.Phone
	}
	if acct.AccountID == "" {
		return
	}
	if err := r.store.UpsertAccount(context.Background(), &acct); err != nil {
		r.logger.Warn("account snapshot not persisted", "account_id", acct.AccountID, "error", err)
	}
}

// deliverToViewer resolves the viewer for an identity-tagged payload. Phone
// binds tighter than account id; a payload with neither falls back to the
// single-target viewer broadcast.
func (r *Router) deliverToViewer(phone, accountID string, payload any) bool {
	if phone != "" {
		if target, ok := r.registry.ViewerByPhone(phone); ok {
			return r.send(target, payload)
		}
		return false
	}
	if accountID != "" {
		if target, ok := r.registry.ViewerByAccount(accountID); ok {
			return r.send(target, payload)
		}
		return false
	}
	return r.sendToRole(registry.RoleViewer, payload)
}

// sendToRole delivers to the role's connections in most-recently-classified
// order and stops after the first successful write. Connections whose write
// fails are removed after the iteration.
func (r *Router) sendToRole(role registry.Role, payload any) bool {
	var failed []string
	delivered := false
	for _, id := range r.registry.RoleConns(role) {
		if r.send(id, payload) {
			delivered = true
			break
		}
		failed = append(failed, id)
	}
	for _, id := range failed {
		r.dropConn(id)
	}
	return delivered
}

// ForwardCommand hands a command from the stateless channel to the canonical
// controller. Reports whether a controller accepted the write.
func (r *Router) ForwardCommand(cmd protocol.Command) bool {
	cmd.Type = protocol.TypeCommand
	return r.sendToRole(registry.RoleController, cmd)
}

// ForwardCommandResult hands a result from the stateless channel to the
// identity-matched viewer.
func (r *Router) ForwardCommandResult(res protocol.CommandResult) bool {
	res.Type = protocol.TypeCommandResult
	return r.deliverToViewer(res.Phone, res.AccountID, res)
}

// Counts reports live connections per role for the status endpoint.
func (r *Router) Counts() (controllers, viewers, unclassified int) {
	return r.registry.Counts()
}

// send seals a frame with the connection's session key and writes it. Before
// a session exists it falls back to the legacy shared key, then to plaintext
// when the compatibility mode is enabled; otherwise the frame is dropped.
func (r *Router) send(connID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("frame marshal failed", "conn_id", connID, "error", err)
		return false
	}

	if r.sessions.Has(connID) {
		sealed, err := r.sessions.Seal(connID, data)
		if err != nil {
			r.logger.Error("frame seal failed", "conn_id", connID, "error", err)
			return false
		}
		return r.writeEnvelope(connID, sealed)
	}

	if r.legacyKey != nil {
		sealed, err := crypto.Seal(r.legacyKey, data)
		if err != nil {
			r.logger.Error("legacy seal failed", "conn_id", connID, "error", err)
			return false
		}
		return r.writeEnvelope(connID, sealed)
	}

	if r.plaintextFallback {
		r.logger.Debug("plaintext fallback send", "conn_id", connID)
		return r.write(connID, data)
	}

	r.logger.Warn("dropping frame for session-less connection", "conn_id", connID)
	return false
}

// sendPlain writes a frame without sealing. Only the handshake frames
// (public key push, failed key-exchange ack) use it.
func (r *Router) sendPlain(connID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return r.write(connID, data)
}

func (r *Router) writeEnvelope(connID, sealed string) bool {
	data, err := json.Marshal(protocol.Envelope{Encrypted: true, Data: sealed})
	if err != nil {
		return false
	}
	return r.write(connID, data)
}

func (r *Router) write(connID string, data []byte) bool {
	r.mu.RLock()
	pc, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logger.Debug("write failed", "conn_id", connID, "error", err)
		return false
	}
	return true
}

// dropConn force-closes a connection after a failed write. The read loop's
// deferred cleanup purges the registry and session state; the eager purge
// here keeps routing correct in the window before that runs.
func (r *Router) dropConn(connID string) {
	r.mu.Lock()
	pc, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	_ = pc.conn.Close()
	r.registry.Remove(connID)
	r.sessions.Delete(connID)
	r.logger.Warn("peer dropped after failed write", "conn_id", connID)
}
