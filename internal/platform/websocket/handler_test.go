package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/auth"
	"github.com/medcab/realtime/internal/platform/notification"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeMembers struct {
	allowed map[uuid.UUID]bool
}

func (f fakeMembers) IsMember(_ context.Context, _, structureID uuid.UUID) (bool, error) {
	return f.allowed[structureID], nil
}

type fakeSession struct {
	mu       sync.Mutex
	messages chan ClientMessage
	switched chan uuid.UUID
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{messages: make(chan ClientMessage, 8), switched: make(chan uuid.UUID, 8)}
}

func (s *fakeSession) HandleMessage(_ context.Context, msg ClientMessage) { s.messages <- msg }

func (s *fakeSession) SwitchStructure(_ context.Context, id uuid.UUID) { s.switched <- id }

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type testServer struct {
	hub     *Hub
	server  *httptest.Server
	session *fakeSession
	clients chan *Client
	// permissions records each client's permission when its session is built.
	permissions chan notification.Permission
}

func newTestServer(t *testing.T, members fakeMembers) *testServer {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.JWTConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	ts := &testServer{
		hub:         NewHub(),
		session:     newFakeSession(),
		clients:     make(chan *Client, 4),
		permissions: make(chan notification.Permission, 4),
	}
	handler := NewHandler(ts.hub, members, func(ctx context.Context, c *Client) Session {
		p, _ := c.Permission(ctx)
		ts.permissions <- p
		ts.clients <- c
		return ts.session
	}, nil, zerolog.Nop())

	e := echo.New()
	g := e.Group("/api/v1", auth.JWTMiddleware(verifier))
	handler.RegisterRoutes(g)
	ts.server = httptest.NewServer(e)
	t.Cleanup(ts.server.Close)
	return ts
}

func signToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func (ts *testServer) dial(t *testing.T, query string) (*gorillawebsocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/api/v1/ws?" + query
	return gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
}

func (ts *testServer) waitClient(t *testing.T) *Client {
	t.Helper()
	select {
	case c := <-ts.clients:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client was not registered")
	}
	return nil
}

func readConnFrame(t *testing.T, conn *gorillawebsocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	return f
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(NewHub(), nil, nil, nil, zerolog.Nop()).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, fakeMembers{})
	_, resp, err := ts.dial(t, "")
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHandler_RejectsNonMember(t *testing.T) {
	ts := newTestServer(t, fakeMembers{})
	_, resp, err := ts.dial(t, "access_token="+signToken(t, uuid.New())+"&structure_id="+uuid.NewString())
	if err == nil {
		t.Fatal("expected dial to fail for non-member")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestHandler_ConnectAndPresentationActions(t *testing.T) {
	sid := uuid.New()
	ts := newTestServer(t, fakeMembers{allowed: map[uuid.UUID]bool{sid: true}})

	conn, resp, err := ts.dial(t, "access_token="+signToken(t, uuid.New())+"&structure_id="+sid.String())
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	client := ts.waitClient(t)
	if ts.hub.StructureCount(sid) != 1 {
		t.Fatalf("expected 1 client on structure, got %d", ts.hub.StructureCount(sid))
	}

	if err := conn.WriteJSON(ClientMessage{Action: ActionVisibility, Hidden: true}); err != nil {
		t.Fatalf("write visibility: %v", err)
	}
	eventually(t, client.Hidden, "expected client to be hidden")

	if err := conn.WriteJSON(ClientMessage{Action: ActionNotificationClick, Tag: "queue-new-1"}); err != nil {
		t.Fatalf("write click: %v", err)
	}
	if f := readConnFrame(t, conn); f.Type != FrameFocus {
		t.Fatalf("expected focus frame, got %s", f.Type)
	}
	if f := readConnFrame(t, conn); f.Type != FrameDesktopClose {
		t.Fatalf("expected desktop close frame, got %s", f.Type)
	}

	if err := conn.WriteJSON(ClientMessage{Action: ActionReorder, SourceID: "a", TargetID: "b"}); err != nil {
		t.Fatalf("write reorder: %v", err)
	}
	select {
	case msg := <-ts.session.messages:
		if msg.Action != ActionReorder || msg.SourceID != "a" || msg.TargetID != "b" {
			t.Errorf("unexpected forwarded message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reorder was not forwarded to the session")
	}
}

func TestHandler_PermissionPromptRoundTrip(t *testing.T) {
	ts := newTestServer(t, fakeMembers{})
	conn, _, err := ts.dial(t, "access_token="+signToken(t, uuid.New()))
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	client := ts.waitClient(t)

	result := make(chan string, 1)
	go func() {
		p, _ := client.RequestPermission(context.Background())
		result <- string(p)
	}()

	if f := readConnFrame(t, conn); f.Type != FramePermissionRequest {
		t.Fatalf("expected permission_request, got %s", f.Type)
	}
	if err := conn.WriteJSON(ClientMessage{Action: ActionPermission, Permission: "granted"}); err != nil {
		t.Fatalf("write permission: %v", err)
	}
	select {
	case p := <-result:
		if p != "granted" {
			t.Errorf("expected granted, got %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("permission prompt was not answered")
	}
}

func TestHandler_PermissionFromUpgradeRequest(t *testing.T) {
	tests := []struct {
		query string
		want  notification.Permission
	}{
		{"&" + PermissionParam + "=granted", notification.PermissionGranted},
		{"&" + PermissionParam + "=denied", notification.PermissionDenied},
		{"&" + PermissionParam + "=bogus", notification.PermissionDefault},
		{"", notification.PermissionDefault},
	}
	for _, tt := range tests {
		ts := newTestServer(t, fakeMembers{})
		conn, _, err := ts.dial(t, "access_token="+signToken(t, uuid.New())+tt.query)
		if err != nil {
			t.Fatalf("failed to dial websocket: %v", err)
		}
		ts.waitClient(t)
		if got := <-ts.permissions; got != tt.want {
			t.Errorf("query %q: expected %s before the session starts, got %s", tt.query, tt.want, got)
		}
		conn.Close()
	}
}

func TestHandler_StructureSwitch(t *testing.T) {
	a, b, forbidden := uuid.New(), uuid.New(), uuid.New()
	ts := newTestServer(t, fakeMembers{allowed: map[uuid.UUID]bool{a: true, b: true}})

	conn, _, err := ts.dial(t, "access_token="+signToken(t, uuid.New())+"&structure_id="+a.String())
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	ts.waitClient(t)

	if err := conn.WriteJSON(ClientMessage{Action: ActionStructure, StructureID: forbidden.String()}); err != nil {
		t.Fatalf("write structure: %v", err)
	}
	if f := readConnFrame(t, conn); f.Type != FrameError {
		t.Fatalf("expected error frame for foreign structure, got %s", f.Type)
	}

	if err := conn.WriteJSON(ClientMessage{Action: ActionStructure, StructureID: b.String()}); err != nil {
		t.Fatalf("write structure: %v", err)
	}
	select {
	case got := <-ts.session.switched:
		if got != b {
			t.Errorf("expected switch to %s, got %s", b, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not switched")
	}
	if f := readConnFrame(t, conn); f.Type != FrameStructure {
		t.Fatalf("expected structure frame, got %s", f.Type)
	}
	if ts.hub.StructureCount(a) != 0 || ts.hub.StructureCount(b) != 1 {
		t.Errorf("expected client to move from %s to %s", a, b)
	}
}

func TestHandler_DisconnectClosesSession(t *testing.T) {
	ts := newTestServer(t, fakeMembers{})
	conn, _, err := ts.dial(t, "access_token="+signToken(t, uuid.New()))
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	ts.waitClient(t)

	conn.Close()
	eventually(t, ts.session.isClosed, "expected session to be closed on disconnect")
	eventually(t, func() bool { return ts.hub.ClientCount() == 0 }, "expected client to be unregistered")
}

func TestHub_CloseAllDisconnectsClients(t *testing.T) {
	ts := newTestServer(t, fakeMembers{})
	conn, _, err := ts.dial(t, "access_token="+signToken(t, uuid.New()))
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	ts.waitClient(t)

	ts.hub.CloseAll()
	eventually(t, func() bool { return ts.hub.ClientCount() == 0 }, "expected CloseAll to unregister clients")
}
