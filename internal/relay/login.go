package relay

import (
	"context"

	"github.com/pairlink/pairlink/internal/registry"
	"github.com/pairlink/pairlink/pkg/protocol"
)

// handleLogin verifies the phone/credential pair against the license gate and
// binds the phone to the connection on success. Failures carry the gate's
// typed reason back to the sender only.
func (r *Router) handleLogin(connID string, frame protocol.Login) {
	if frame.Phone == "" || frame.Credential == "" {
		r.send(connID, protocol.LoginResult{
			Type: protocol.TypeLoginResult, Success: false, Reason: "missing phone or credential",
		})
		return
	}

	v, err := r.gate.Verify(context.Background(), frame.Phone, frame.Credential)
	if err != nil {
		r.logger.Error("license verification failed", "conn_id", connID, "error", err)
		r.send(connID, protocol.LoginResult{
			Type: protocol.TypeLoginResult, Success: false, Reason: "verification unavailable",
		})
		return
	}
	if !v.OK {
		r.logger.Info("login rejected", "conn_id", connID, "phone", frame.Phone, "reason", v.Reason)
		r.send(connID, protocol.LoginResult{
			Type: protocol.TypeLoginResult, Success: false, Reason: v.Reason,
		})
		return
	}

	if !r.registry.BindPhone(connID, frame.Phone) {
		// Only possible when the connection disappeared mid-login.
		r.logger.Warn("phone binding failed", "conn_id", connID, "phone", frame.Phone)
		r.send(connID, protocol.LoginResult{
			Type: protocol.TypeLoginResult, Success: false, Reason: "connection closed",
		})
		return
	}
	r.logger.Info("login succeeded", "conn_id", connID, "phone", frame.Phone,
		"role", r.registry.Role(connID).String())
	r.send(connID, protocol.LoginResult{
		Type:             protocol.TypeLoginResult,
		Success:          true,
		ManagePermission: v.ManagePermission,
	})
}

// handleQuickLogin re-establishes a viewer's identity from a stored account
// snapshot. Only viewer connections may quick-login; anything else gets a
// typed role reason instead of an implicit reclassification.
func (r *Router) handleQuickLogin(connID string, frame protocol.QuickLogin) {
	if r.registry.Role(connID) != registry.RoleViewer {
		r.send(connID, protocol.QuickLoginResult{
			Type: protocol.TypeQuickLoginResult, Success: false, Reason: "viewer role required",
		})
		return
	}
	if frame.AccountID == "" {
		r.send(connID, protocol.QuickLoginResult{
			Type: protocol.TypeQuickLoginResult, Success: false, Reason: "missing account id",
		})
		return
	}

	acct, err := r.store.GetAccount(context.Background(), frame.AccountID)
	if err != nil {
		r.logger.Error("account lookup failed", "conn_id", connID, "error", err)
		r.send(connID, protocol.QuickLoginResult{
			Type: protocol.TypeQuickLoginResult, Success: false, Reason: "lookup unavailable",
		})
		return
	}
	if acct == nil {
		r.send(connID, protocol.QuickLoginResult{
			Type: protocol.TypeQuickLoginResult, Success: false, Reason: "account not found",
		})
		return
	}

	r.registry.BindAccount(connID, acct.AccountID)
	if acct.Phone != "" {
		r.registry.BindPhone(connID, acct.Phone)
	}
	r.logger.Info("quick login succeeded", "conn_id", connID,
		"account_id", acct.AccountID, "phone", acct.Phone)
	r.send(connID, protocol.QuickLoginResult{
		Type:    protocol.TypeQuickLoginResult,
		Success: true,
		Phone:   acct.Phone,
	})
}

// handleSetIdentity binds a remote-account id to a viewer connection so later
// account-tagged payloads resolve to it.
func (r *Router) handleSetIdentity(connID string, frame protocol.SetIdentity) {
	if r.registry.Role(connID) != registry.RoleViewer {
		r.send(connID, protocol.Error{
			Type: protocol.TypeError, Code: "role", Message: "viewer role required",
		})
		return
	}
	if frame.AccountID == "" {
		return
	}
	r.registry.BindAccount(connID, frame.AccountID)
	r.logger.Info("identity set", "conn_id", connID, "account_id", frame.AccountID)
}
