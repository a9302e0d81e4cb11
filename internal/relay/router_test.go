package relay

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pairlink/pairlink/internal/crypto"
	"github.com/pairlink/pairlink/internal/license"
	"github.com/pairlink/pairlink/internal/registry"
	"github.com/pairlink/pairlink/internal/store"
	"github.com/pairlink/pairlink/pkg/protocol"
)

func setupTestRelay(t *testing.T, opts Options) (*Router, *registry.Registry, store.Store, *httptest.Server) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	keys, err := crypto.NewKeyManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.Default()
	reg := registry.New(logger)
	sessions := crypto.NewSessionStore()
	gate := license.NewService(st, logger)

	r := New(keys, sessions, reg, gate, st, logger, opts)
	srv := httptest.NewServer(http.HandlerFunc(r.HandleWS))
	t.Cleanup(srv.Close)

	return r, reg, st, srv
}

func seedLicense(t *testing.T, st store.Store, phone, key string) {
	t.Helper()
	lic := &store.License{Phone: phone, LicenseKey: key, Status: store.StatusActive}
	if err := st.CreateLicense(context.Background(), lic); err != nil {
		t.Fatalf("CreateLicense: %v", err)
	}
}

// testPeer drives one side of the persistent channel the way a real client
// would: it completes the handshake and seals/opens frames with its own copy
// of the session key.
type testPeer struct {
	t    *testing.T
	conn *websocket.Conn
	key  []byte
}

func dialPeer(t *testing.T, srv *httptest.Server) *testPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testPeer{t: t, conn: conn}
}

// handshake reads the pushed public key, wraps a fresh session key under it,
// and completes the key exchange.
func (p *testPeer) handshake() {
	p.t.Helper()

	raw := p.readRaw()
	var pk protocol.PublicKey
	if err := json.Unmarshal(raw, &pk); err != nil || pk.Type != protocol.TypePublicKey {
		p.t.Fatalf("expected public_key push, got %s", raw)
	}

	block, _ := pem.Decode([]byte(pk.PublicKeyPEM))
	if block == nil {
		p.t.Fatal("public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		p.t.Fatalf("parse public key: %v", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		p.t.Fatalf("unexpected public key type %T", parsed)
	}

	key := make([]byte, crypto.KeySize)
	if _, err := rand.Read(key); err != nil {
		p.t.Fatal(err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		p.t.Fatalf("wrap key: %v", err)
	}

	p.sendRaw(protocol.KeyExchange{
		Type:       protocol.TypeKeyExchange,
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
	})
	p.key = key

	var ack protocol.KeyExchangeAck
	p.readFrame(&ack)
	if ack.Type != protocol.TypeKeyExchangeAck || !ack.OK {
		p.t.Fatalf("key exchange not acknowledged: %+v", ack)
	}
}

func (p *testPeer) declareRole(role string) {
	p.t.Helper()
	p.send(protocol.DeclareRole{Type: protocol.TypeDeclareRole, Role: role})
}

func (p *testPeer) login(phone, key string) protocol.LoginResult {
	p.t.Helper()
	p.send(protocol.Login{Type: protocol.TypeLogin, Phone: phone, Credential: key})
	var res protocol.LoginResult
	p.readFrame(&res)
	return res
}

// send seals with the session key when the handshake has run, else sends the
// frame in clear.
func (p *testPeer) send(v any) {
	p.t.Helper()
	if p.key == nil {
		p.sendRaw(v)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.t.Fatal(err)
	}
	sealed, err := crypto.Seal(p.key, data)
	if err != nil {
		p.t.Fatal(err)
	}
	p.sendRaw(protocol.Envelope{Encrypted: true, Data: sealed})
}

func (p *testPeer) sendRaw(v any) {
	p.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		p.t.Fatal(err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.t.Fatalf("write: %v", err)
	}
}

// readFrame reads the next frame, opening the envelope when it is sealed,
// and decodes it into v.
func (p *testPeer) readFrame(v any) {
	p.t.Helper()
	raw := p.readRaw()

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Encrypted {
		if p.key == nil {
			p.t.Fatal("received sealed frame before handshake")
		}
		plain, err := crypto.Open(p.key, env.Data)
		if err != nil {
			p.t.Fatalf("open frame: %v", err)
		}
		raw = plain
	}
	if err := json.Unmarshal(raw, v); err != nil {
		p.t.Fatalf("decode frame %s: %v", raw, err)
	}
}

func (p *testPeer) readRaw() []byte {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return msg
}

// expectSilence asserts that no frame arrives within the window.
func (p *testPeer) expectSilence(d time.Duration) {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(d))
	if _, msg, err := p.conn.ReadMessage(); err == nil {
		p.t.Fatalf("unexpected frame: %s", msg)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshakeAndEncryptedAck(t *testing.T) {
	_, _, _, srv := setupTestRelay(t, Options{})

	p := dialPeer(t, srv)
	p.handshake()
	// handshake already asserts the ack arrived sealed and decrypts it.
}

func TestKeyExchangeRejectsGarbage(t *testing.T) {
	_, _, _, srv := setupTestRelay(t, Options{})

	p := dialPeer(t, srv)
	raw := p.readRaw() // public key push
	_ = raw

	p.sendRaw(protocol.KeyExchange{Type: protocol.TypeKeyExchange, WrappedKey: "bm90LWEta2V5"})

	var ack protocol.KeyExchangeAck
	p.readFrame(&ack)
	if ack.OK {
		t.Fatal("garbage wrapped key acknowledged")
	}
	if ack.Error == "" {
		t.Error("rejection carries no error")
	}
}

func TestViewerLoginAndScopedSyncDelivery(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "13800000000", "VALIDKEY20CHARS00000")

	viewer := dialPeer(t, srv)
	viewer.handshake()
	viewer.declareRole(protocol.RoleViewer)

	res := viewer.login("13800000000", "VALIDKEY20CHARS00000")
	if !res.Success {
		t.Fatalf("login failed: %q", res.Reason)
	}

	waitFor(t, func() bool {
		_, ok := reg.ViewerByPhone("13800000000")
		return ok
	}, "viewer phone binding not established")

	controller := dialPeer(t, srv)
	controller.handshake()
	controller.declareRole(protocol.RoleController)

	controller.send(protocol.Sync{
		Type:  protocol.TypeSyncContacts,
		Phone: "13800000000",
		Data:  []any{map[string]any{"name": "alice"}},
	})

	var got protocol.Sync
	viewer.readFrame(&got)
	if got.Type != protocol.TypeSyncContacts {
		t.Fatalf("type = %q, want sync_contacts", got.Type)
	}
	if got.Phone != "13800000000" {
		t.Errorf("phone = %q", got.Phone)
	}
	items, ok := got.Data.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("data did not survive the round trip: %#v", got.Data)
	}
}

func TestIdentityScopedDeliveryExcludesOtherViewers(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")
	seedLicense(t, st, "222", "key-222")

	v1 := dialPeer(t, srv)
	v1.handshake()
	v1.declareRole(protocol.RoleViewer)
	if res := v1.login("111", "key-111"); !res.Success {
		t.Fatalf("v1 login: %q", res.Reason)
	}

	v2 := dialPeer(t, srv)
	v2.handshake()
	v2.declareRole(protocol.RoleViewer)
	if res := v2.login("222", "key-222"); !res.Success {
		t.Fatalf("v2 login: %q", res.Reason)
	}

	waitFor(t, func() bool {
		_, ok1 := reg.ViewerByPhone("111")
		_, ok2 := reg.ViewerByPhone("222")
		return ok1 && ok2
	}, "viewer bindings not established")

	controller := dialPeer(t, srv)
	controller.handshake()
	controller.declareRole(protocol.RoleController)
	controller.send(protocol.Sync{Type: protocol.TypeSyncTimeline, Phone: "111", Data: "post"})

	var got protocol.Sync
	v1.readFrame(&got)
	if got.Phone != "111" {
		t.Errorf("v1 received frame for phone %q", got.Phone)
	}
	v2.expectSilence(300 * time.Millisecond)
}

func TestCommandRequiresLogin(t *testing.T) {
	_, _, _, srv := setupTestRelay(t, Options{})

	p := dialPeer(t, srv)
	p.handshake()
	p.declareRole(protocol.RoleViewer)

	p.send(protocol.Command{Type: protocol.TypeCommand, CommandID: "c1", Kind: "send_message"})

	var res protocol.CommandResult
	p.readFrame(&res)
	if res.Status != protocol.StatusRejected {
		t.Fatalf("status = %q, want rejected", res.Status)
	}
	if res.CommandID != "c1" {
		t.Errorf("command id = %q", res.CommandID)
	}
}

func TestCommandWithoutControllerRejected(t *testing.T) {
	_, _, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")

	p := dialPeer(t, srv)
	p.handshake()
	p.declareRole(protocol.RoleViewer)
	if res := p.login("111", "key-111"); !res.Success {
		t.Fatalf("login: %q", res.Reason)
	}

	p.send(protocol.Command{Type: protocol.TypeCommand, CommandID: "c1", Kind: "send_message"})

	var res protocol.CommandResult
	p.readFrame(&res)
	if res.Status != protocol.StatusRejected {
		t.Fatalf("status = %q, want rejected", res.Status)
	}
}

func TestCommandRelayedToController(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")
	seedLicense(t, st, "999", "key-999")

	controller := dialPeer(t, srv)
	controller.handshake()
	controller.declareRole(protocol.RoleController)
	if res := controller.login("999", "key-999"); !res.Success {
		t.Fatalf("controller login: %q", res.Reason)
	}

	viewer := dialPeer(t, srv)
	viewer.handshake()
	viewer.declareRole(protocol.RoleViewer)
	if res := viewer.login("111", "key-111"); !res.Success {
		t.Fatalf("viewer login: %q", res.Reason)
	}

	waitFor(t, func() bool {
		controllers, viewers, _ := reg.Counts()
		return controllers == 1 && viewers == 1
	}, "peers not classified")

	viewer.send(protocol.Command{Type: protocol.TypeCommand, CommandID: "c1", Kind: "send_message"})

	var got protocol.Command
	controller.readFrame(&got)
	if got.CommandID != "c1" {
		t.Fatalf("command id = %q", got.CommandID)
	}
	// The relay stamps the sender's phone for attribution.
	if got.Phone != "111" {
		t.Errorf("phone = %q, want sender's phone", got.Phone)
	}
}

func TestPhoneBoundCommandRequiresMatchingController(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")
	seedLicense(t, st, "222", "key-222")

	// Controller is bound to a different phone than the sender.
	controller := dialPeer(t, srv)
	controller.handshake()
	controller.declareRole(protocol.RoleController)
	if res := controller.login("222", "key-222"); !res.Success {
		t.Fatalf("controller login: %q", res.Reason)
	}

	viewer := dialPeer(t, srv)
	viewer.handshake()
	viewer.declareRole(protocol.RoleViewer)
	if res := viewer.login("111", "key-111"); !res.Success {
		t.Fatalf("viewer login: %q", res.Reason)
	}

	waitFor(t, func() bool {
		_, ok := reg.ControllerByPhone("222")
		return ok
	}, "controller binding not established")

	viewer.send(protocol.Command{Type: protocol.TypeCommand, CommandID: "c1", Kind: "fetch_logs"})

	var res protocol.CommandResult
	viewer.readFrame(&res)
	if res.Status != protocol.StatusRejected {
		t.Fatalf("status = %q, want rejected", res.Status)
	}
	controller.expectSilence(300 * time.Millisecond)
}

func TestQuickLoginBindsSnapshotIdentity(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})

	if err := st.UpsertAccount(context.Background(), &store.Account{
		AccountID: "wx-1001",
		Phone:     "13800000000",
		Nickname:  "alpha",
	}); err != nil {
		t.Fatal(err)
	}

	p := dialPeer(t, srv)
	p.handshake()
	p.declareRole(protocol.RoleViewer)

	p.send(protocol.QuickLogin{Type: protocol.TypeQuickLogin, AccountID: "wx-1001"})
	var res protocol.QuickLoginResult
	p.readFrame(&res)
	if !res.Success {
		t.Fatalf("quick login failed: %q", res.Reason)
	}
	if res.Phone != "13800000000" {
		t.Errorf("phone = %q", res.Phone)
	}

	waitFor(t, func() bool {
		_, byAcct := reg.ViewerByAccount("wx-1001")
		_, byPhone := reg.ViewerByPhone("13800000000")
		return byAcct && byPhone
	}, "quick login bindings not established")
}

func TestQuickLoginRejectsUnknownAccount(t *testing.T) {
	_, _, _, srv := setupTestRelay(t, Options{})

	p := dialPeer(t, srv)
	p.handshake()
	p.declareRole(protocol.RoleViewer)

	p.send(protocol.QuickLogin{Type: protocol.TypeQuickLogin, AccountID: "no-such"})
	var res protocol.QuickLoginResult
	p.readFrame(&res)
	if res.Success {
		t.Fatal("unknown account quick login succeeded")
	}
}

func TestQuickLoginRequiresViewerRole(t *testing.T) {
	_, _, st, srv := setupTestRelay(t, Options{})
	if err := st.UpsertAccount(context.Background(), &store.Account{AccountID: "wx-1001"}); err != nil {
		t.Fatal(err)
	}

	p := dialPeer(t, srv)
	p.handshake()
	p.declareRole(protocol.RoleController)

	p.send(protocol.QuickLogin{Type: protocol.TypeQuickLogin, AccountID: "wx-1001"})
	var res protocol.QuickLoginResult
	p.readFrame(&res)
	if res.Success {
		t.Fatal("quick login succeeded on a controller connection")
	}
}

func TestDisconnectPurgesBindings(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")

	p := dialPeer(t, srv)
	p.handshake()
	p.declareRole(protocol.RoleViewer)
	if res := p.login("111", "key-111"); !res.Success {
		t.Fatalf("login: %q", res.Reason)
	}

	waitFor(t, func() bool {
		_, ok := reg.ViewerByPhone("111")
		return ok
	}, "binding not established")

	_ = p.conn.Close()

	waitFor(t, func() bool {
		_, ok := reg.ViewerByPhone("111")
		_, viewers, _ := reg.Counts()
		return !ok && viewers == 0
	}, "disconnect did not purge bindings")
}

func TestPlaintextFallbackMode(t *testing.T) {
	_, _, st, srv := setupTestRelay(t, Options{PlaintextFallback: true})
	seedLicense(t, st, "111", "key-111")

	p := dialPeer(t, srv)
	_ = p.readRaw() // public key push, ignored: this peer never completes the handshake

	p.sendRaw(protocol.DeclareRole{Type: protocol.TypeDeclareRole, Role: protocol.RoleViewer})
	p.sendRaw(protocol.Login{Type: protocol.TypeLogin, Phone: "111", Credential: "key-111"})

	// With the compatibility mode on, the result comes back in clear.
	var res protocol.LoginResult
	p.readFrame(&res)
	if !res.Success {
		t.Fatalf("login failed: %q", res.Reason)
	}
}

func TestSessionLessFrameDroppedWhenHardened(t *testing.T) {
	_, _, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")

	p := dialPeer(t, srv)
	_ = p.readRaw()

	p.sendRaw(protocol.DeclareRole{Type: protocol.TypeDeclareRole, Role: protocol.RoleViewer})
	p.sendRaw(protocol.Login{Type: protocol.TypeLogin, Phone: "111", Credential: "key-111"})

	// Without the fallback or a session, the login result cannot be sent.
	p.expectSilence(300 * time.Millisecond)
}


func TestLoginBeforeDeclareRoleBindsPhone(t *testing.T) {
	_, reg, st, srv := setupTestRelay(t, Options{})
	seedLicense(t, st, "111", "key-111")

	p := dialPeer(t, srv)
	p.handshake()

	// Login ahead of declare_role: success must come with a real binding.
	res := p.login("111", "key-111")
	if !res.Success {
		t.Fatalf("login failed: %q", res.Reason)
	}

	ids := reg.RoleConns(registry.RoleUnclassified)
	if len(ids) != 1 {
		t.Fatalf("unclassified conns = %v, want exactly one", ids)
	}
	if got := reg.Phone(ids[0]); got != "111" {
		t.Fatalf("phone binding = %q, want %q", got, "111")
	}

	// Declaring the role afterwards keeps the binding and makes the
	// connection reachable by phone.
	p.declareRole(protocol.RoleViewer)
	waitFor(t, func() bool {
		id, ok := reg.ViewerByPhone("111")
		return ok && id == ids[0]
	}, "phone not indexed after declare_role")
}
