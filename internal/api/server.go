// Package api provides the stateless HTTP surface: key exchange, management
// authentication, command submission, record sync, and license administration.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pairlink/pairlink/internal/auth"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/crypto"
	"github.com/pairlink/pairlink/internal/license"
	"github.com/pairlink/pairlink/internal/relay"
	"github.com/pairlink/pairlink/internal/store"
	"github.com/pairlink/pairlink/pkg/protocol"
)

// recordCategories are the persisted record-set kinds the sync endpoints accept.
var recordCategories = map[string]bool{
	"contacts": true,
	"timeline": true,
	"tags":     true,
	"chat":     true,
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	relay        *relay.Router
	keys         *crypto.KeyManager
	httpSessions *crypto.HTTPSessionStore
	logger       *slog.Logger
	mux          *chi.Mux
	maxBodyBytes int64
	startTime    time.Time
}

// NewServer creates a new API server.
func NewServer(st store.Store, authSvc *auth.Service, rt *relay.Router,
	keys *crypto.KeyManager, httpSessions *crypto.HTTPSessionStore,
	cfg *config.Config, logger *slog.Logger) *Server {

	srv := &Server{
		store:        st,
		auth:         authSvc,
		relay:        rt,
		keys:         keys,
		httpSessions: httpSessions,
		logger:       logger.With("component", "api"),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		startTime:    time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Key exchange for the stateless channel (unauthenticated by design:
	// the wrapped key is opaque without the server's private key).
	mux.Get("/api/key-exchange/public-key", srv.handlePublicKey)
	mux.Post("/api/key-exchange/session-key", srv.handleSessionKey)

	// Management login.
	mux.Post("/api/auth/login", srv.handleLogin)

	// Persistent channel.
	mux.Get("/ws", rt.HandleWS)

	// Data surface: bodies may arrive sealed under an HTTP session.
	mux.Group(func(r chi.Router) {
		r.Use(srv.bodyDecryptMiddleware)

		r.Get("/api/status", srv.handleStatus)

		r.Post("/api/commands", srv.handleCreateCommand)
		r.Get("/api/commands/{commandID}", srv.handleGetCommand)
		r.Post("/api/commands/{commandID}/result", srv.handleCommandResult)

		r.Get("/api/account", srv.handleGetAccount)
		r.Get("/api/accounts", srv.handleListAccounts)

		r.Post("/api/{category}/sync", srv.handleSyncRecords)
		r.Get("/api/{category}", srv.handleGetRecords)
	})

	// License administration (JWT with manage permission).
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.manageMiddleware)

		r.Get("/api/licenses", srv.handleListLicenses)
		r.Post("/api/licenses", srv.handleCreateLicense)
		r.Get("/api/licenses/{licenseID}", srv.handleGetLicense)
		r.Put("/api/licenses/{licenseID}", srv.handleUpdateLicense)
		r.Post("/api/licenses/{licenseID}/revoke", srv.handleRevokeLicense)
		r.Post("/api/licenses/{licenseID}/extend", srv.handleExtendLicense)
		r.Delete("/api/licenses/{licenseID}", srv.handleDeleteLicense)
	})

	// Serve static files if configured.
	if dir := cfg.Server.StaticDir; dir != "" {
		fileServer := http.FileServer(http.Dir(dir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Key exchange handlers ---

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key_pem": s.keys.PublicKeyPEM()})
}

func (s *Server) handleSessionKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		WrappedKey string `json:"wrapped_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WrappedKey == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := s.keys.Unwrap(req.WrappedKey)
	if err != nil {
		s.logger.Warn("http key exchange failed", "error", err)
		writeError(w, http.StatusBadRequest, "key exchange failed")
		return
	}

	token, err := s.httpSessions.Create(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session creation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": token})
}

// --- Auth handler ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Phone      string `json:"phone"`
		LicenseKey string `json:"license_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phone == "" || req.LicenseKey == "" {
		writeError(w, http.StatusBadRequest, "phone and license_key are required")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Phone, req.LicenseKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Status handler ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	controllers, viewers, unclassified := s.relay.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"controllers":  controllers,
		"viewers":      viewers,
		"unclassified": unclassified,
		"uptime":       time.Since(s.startTime).String(),
	})
}

// --- Command handlers ---

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Kind            string `json:"kind"`
		Payload         any    `json:"payload"`
		TargetAccountID string `json:"target_account_id"`
		Phone           string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payloadJSON, _ := json.Marshal(req.Payload)
	cmd := &store.Command{
		CommandID:       uuid.New().String(),
		Kind:            req.Kind,
		Payload:         string(payloadJSON),
		TargetAccountID: req.TargetAccountID,
		Status:          "pending",
	}
	if err := s.store.CreateCommand(r.Context(), cmd); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist command")
		return
	}

	forwarded := s.relay.ForwardCommand(protocol.Command{
		CommandID: cmd.CommandID,
		Kind:      cmd.Kind,
		Payload:   req.Payload,
		AccountID: req.TargetAccountID,
		Phone:     req.Phone,
	})
	if !forwarded {
		s.logger.Warn("command not forwarded: no controller online", "command_id", cmd.CommandID)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"command_id": cmd.CommandID,
		"forwarded":  forwarded,
	})
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.store.GetCommand(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load command")
		return
	}
	if cmd == nil {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Status    string `json:"status"`
		Result    any    `json:"result"`
		Error     string `json:"error"`
		Phone     string `json:"phone"`
		AccountID string `json:"account_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status == "" {
		req.Status = protocol.StatusCompleted
	}

	var resultJSON string
	if req.Result != nil {
		if b, err := json.Marshal(req.Result); err == nil {
			resultJSON = string(b)
		}
	}
	if err := s.store.SetCommandResult(r.Context(), commandID, req.Status, resultJSON); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist result")
		return
	}

	forwarded := s.relay.ForwardCommandResult(protocol.CommandResult{
		CommandID: commandID,
		Status:    req.Status,
		Result:    req.Result,
		Error:     req.Error,
		Phone:     req.Phone,
		AccountID: req.AccountID,
	})

	writeJSON(w, http.StatusOK, map[string]any{"forwarded": forwarded})
}

// --- Account handlers ---

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	acct, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	accts, err := s.store.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accts == nil {
		accts = []store.Account{}
	}
	writeJSON(w, http.StatusOK, accts)
}

// --- Record handlers ---

func (s *Server) handleSyncRecords(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !recordCategories[category] {
		writeError(w, http.StatusNotFound, "unknown record category")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		AccountID string `json:"account_id"`
		Data      any    `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload, _ := json.Marshal(req.Data)
	if err := s.store.UpsertRecords(r.Context(), category, req.AccountID, string(payload)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !recordCategories[category] {
		writeError(w, http.StatusNotFound, "unknown record category")
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	rs, err := s.store.GetRecords(r.Context(), category, accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	if rs == nil {
		writeError(w, http.StatusNotFound, "no records for account")
		return
	}

	var data any
	_ = json.Unmarshal([]byte(rs.Payload), &data)
	writeJSON(w, http.StatusOK, map[string]any{
		"category":   rs.Category,
		"account_id": rs.AccountID,
		"data":       data,
		"updated_at": rs.UpdatedAt,
	})
}

// --- License handlers ---

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.LicenseFilter{
		Status: r.URL.Query().Get("status"),
		Phone:  r.URL.Query().Get("phone"),
		Limit:  limit,
		Offset: offset,
	}
	lics, err := s.store.ListLicenses(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list licenses")
		return
	}
	if lics == nil {
		lics = []store.License{}
	}
	writeJSON(w, http.StatusOK, lics)
}

func (s *Server) handleCreateLicense(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Phone            string `json:"phone"`
		LicenseKey       string `json:"license_key"`
		BoundHostPhone   string `json:"bound_host_phone"`
		ManagePermission bool   `json:"manage_permission"`
		ValidDays        int    `json:"valid_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := req.LicenseKey
	if key == "" {
		generated, err := license.GenerateKey()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "key generation failed")
			return
		}
		key = generated
	} else if !license.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "license_key has invalid format")
		return
	}

	lic := &store.License{
		Phone:            req.Phone,
		LicenseKey:       key,
		BoundHostPhone:   req.BoundHostPhone,
		ManagePermission: req.ManagePermission,
		Status:           store.StatusActive,
	}
	if req.ValidDays > 0 {
		expires := time.Now().AddDate(0, 0, req.ValidDays)
		lic.ExpiresAt = &expires
	}

	if err := s.store.CreateLicense(r.Context(), lic); err != nil {
		writeError(w, http.StatusConflict, "license already exists for phone")
		return
	}
	writeJSON(w, http.StatusCreated, lic)
}

func (s *Server) handleGetLicense(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (s *Server) handleUpdateLicense(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		BoundHostPhone   *string `json:"bound_host_phone"`
		ManagePermission *bool   `json:"manage_permission"`
		Status           *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.BoundHostPhone != nil {
		lic.BoundHostPhone = *req.BoundHostPhone
	}
	if req.ManagePermission != nil {
		lic.ManagePermission = *req.ManagePermission
	}
	if req.Status != nil {
		switch *req.Status {
		case store.StatusActive, store.StatusRevoked, store.StatusExpired:
			lic.Status = *req.Status
		default:
			writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
	}

	if err := s.store.UpdateLicense(r.Context(), lic); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (s *Server) handleRevokeLicense(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.UpdateLicenseStatus(r.Context(), lic.ID, store.StatusRevoked); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke license")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.StatusRevoked})
}

func (s *Server) handleExtendLicense(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	// Extend from the current expiry when still in the future, else from now.
	base := time.Now()
	if lic.ExpiresAt != nil && lic.ExpiresAt.After(base) {
		base = *lic.ExpiresAt
	}
	expires := base.AddDate(0, 0, req.Days)
	lic.ExpiresAt = &expires
	// Extending an expired license reactivates it.
	if lic.Status == store.StatusExpired {
		lic.Status = store.StatusActive
	}

	if err := s.store.UpdateLicense(r.Context(), lic); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to extend license")
		return
	}
	writeJSON(w, http.StatusOK, lic)
}

func (s *Server) handleDeleteLicense(w http.ResponseWriter, r *http.Request) {
	lic, ok := s.licenseFromPath(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteLicense(r.Context(), lic.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete license")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) licenseFromPath(w http.ResponseWriter, r *http.Request) (*store.License, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "licenseID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid license id")
		return nil, false
	}
	lic, err := s.store.GetLicense(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load license")
		return nil, false
	}
	if lic == nil {
		writeError(w, http.StatusNotFound, "license not found")
		return nil, false
	}
	return lic, true
}

// --- Helpers ---

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
