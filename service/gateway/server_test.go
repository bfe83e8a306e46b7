package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ChatGateway/global"
	"ChatGateway/service/broker"
	"ChatGateway/service/security"
	"ChatGateway/service/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

func testConfig() *global.Config {
	return &global.Config{
		GatewayID:     "gw-test",
		JWTSecret:     "test-secret",
		JWTAlg:        "HS256",
		AllowedOrigin: "*",
		PingInterval:  25 * time.Second,
		PongTimeout:   60 * time.Second,
		WriteTimeout:  5 * time.Second,
		FanoutWorkers: 4,
		FanoutQueue:   64,
		SendQueueSize: 64,
	}
}

var ginTestMode sync.Once

func newGatewayServer(t *testing.T, cfg *global.Config) (*Server, *httptest.Server) {
	t.Helper()
	ginTestMode.Do(func() { gin.SetMode(gin.TestMode) })

	s, err := NewServer(cfg, broker.NewMemoryBroker())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ts
}

func signToken(t *testing.T, secret, userID, username string) string {
	t.Helper()
	tok, err := security.Generate(
		security.Options{Secret: []byte(secret), Alg: "HS256"},
		security.Identity{UserID: userID, Username: username},
		time.Hour,
	)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, evtType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, _ := json.Marshal(Envelope{Type: evtType, Payload: data})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor reads frames until one of the wanted type arrives, skipping
// presence and membership chatter that interleaves nondeterministically.
func waitFor(t *testing.T, conn *websocket.Conn, evtType string) Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", evtType, err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		if env.Type == evtType {
			return env
		}
	}
	t.Fatalf("timed out waiting for %s", evtType)
	return Envelope{}
}

// requireAbsent fails when a frame of the given type arrives within the
// window. Other frame types are skipped; a read timeout is success.
func requireAbsent(t *testing.T, conn *websocket.Conn, evtType string, window time.Duration) {
	t.Helper()
	end := time.Now().Add(window)
	for {
		_ = conn.SetReadDeadline(end)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil && env.Type == evtType {
			t.Fatalf("unexpected %s frame: %s", evtType, data)
		}
	}
}

func TestEndToEndMessageRoundTrip(t *testing.T) {
	cfg := testConfig()
	srv, ts := newGatewayServer(t, cfg)

	a := dialWS(t, ts, signToken(t, cfg.JWTSecret, "ua", "alice"))
	b := dialWS(t, ts, signToken(t, cfg.JWTSecret, "ub", "bob"))

	sendEvent(t, a, EvtJoinGroup, GroupRef{GroupID: "general"})
	sendEvent(t, b, EvtJoinGroup, GroupRef{GroupID: "general"})
	waitFor(t, a, EvtUserJoined)

	sendEvent(t, a, EvtMessageSend, map[string]string{"content": "hi", "groupId": "general"})

	env := waitFor(t, b, EvtMessageNew)
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Content != "hi" || msg.SenderID != "ua" || msg.SenderUsername != "alice" {
		t.Errorf("wrong message: %+v", msg)
	}
	if msg.ID == "" || msg.Timestamp.IsZero() || msg.MessageType != "text" {
		t.Errorf("message not enriched: %+v", msg)
	}

	// The sender gets the broker round trip copy too.
	waitFor(t, a, EvtMessageNew)

	if got := srv.Registry().UserCount(); got != 2 {
		t.Errorf("expected 2 connected users, got %d", got)
	}
}

func TestBadTokenRefusedAtHandshake(t *testing.T) {
	cfg := testConfig()
	srv, ts := newGatewayServer(t, cfg)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" +
		signToken(t, "some-other-secret", "ua", "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("handshake should have been refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if got := srv.Registry().ConnCount(); got != 0 {
		t.Errorf("refused handshake must leave no registry entry, got %d", got)
	}
}

func TestExpiredTokenRefused(t *testing.T) {
	cfg := testConfig()
	srv, ts := newGatewayServer(t, cfg)

	past := time.Now().Add(-2 * time.Hour)
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"id":       "ua",
		"username": "alice",
		"iat":      past.Unix(),
		"exp":      past.Add(time.Minute).Unix(),
	}).SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("expired token should have been refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if got := srv.Registry().ConnCount(); got != 0 {
		t.Errorf("refused handshake must leave no registry entry, got %d", got)
	}
}

func TestMissingTokenRefused(t *testing.T) {
	cfg := testConfig()
	_, ts := newGatewayServer(t, cfg)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("handshake should have been refused")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigin = "http://app.example"
	_, ts := newGatewayServer(t, cfg)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" +
		signToken(t, cfg.JWTSecret, "ua", "alice")

	h := http.Header{"Origin": []string{"http://evil.example"}}
	if conn, _, err := websocket.DefaultDialer.Dial(url, h); err == nil {
		conn.Close()
		t.Fatal("disallowed origin should fail the upgrade")
	}

	h = http.Header{"Origin": []string{"http://app.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("allowed origin should upgrade: %v", err)
	}
	conn.Close()
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig()
	srv, ts := newGatewayServer(t, cfg)

	dialWS(t, ts, signToken(t, cfg.JWTSecret, "ua", "alice"))
	waitForUserCount(t, srv, 1)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var hs healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if hs.Status != "healthy" || hs.Service != "websocket-gateway" {
		t.Errorf("wrong health payload: %+v", hs)
	}
	if hs.ConnectedUsers != 1 {
		t.Errorf("expected 1 connected user, got %d", hs.ConnectedUsers)
	}
	if hs.BrokerDegraded {
		t.Error("memory broker should not report degraded")
	}
	if _, err := time.Parse(time.RFC3339, hs.Timestamp); err != nil {
		t.Errorf("timestamp not RFC3339: %q", hs.Timestamp)
	}
}

func TestSingleOfflineOnLastDisconnect(t *testing.T) {
	cfg := testConfig()
	srv, ts := newGatewayServer(t, cfg)

	observer := dialWS(t, ts, signToken(t, cfg.JWTSecret, "ub", "bob"))

	tok := signToken(t, cfg.JWTSecret, "ua", "alice")
	phone := dialWS(t, ts, tok)
	laptop := dialWS(t, ts, tok)
	waitFor(t, observer, EvtUserOnline)
	waitForUserCount(t, srv, 2)

	// First device going away is invisible: the user is still online.
	phone.Close()
	requireAbsent(t, observer, EvtUserOffline, 300*time.Millisecond)

	laptop.Close()
	env := waitFor(t, observer, EvtUserOffline)
	var ev PresenceEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if ev.UserID != "ua" {
		t.Errorf("wrong offline user: %+v", ev)
	}
}

func TestMembershipRestoredOnReconnect(t *testing.T) {
	cfg := testConfig()

	mr := miniredis.RunT(t)
	storage.InitWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	srv, ts := newGatewayServer(t, cfg)

	tok := signToken(t, cfg.JWTSecret, "ua", "alice")
	a := dialWS(t, ts, tok)
	sendEvent(t, a, EvtJoinGroup, GroupRef{GroupID: "general"})

	b := dialWS(t, ts, signToken(t, cfg.JWTSecret, "ub", "bob"))
	sendEvent(t, b, EvtJoinGroup, GroupRef{GroupID: "general"})
	waitFor(t, a, EvtUserJoined)

	// Drop and reconnect: the cached membership puts the new connection
	// straight back into the room, no explicit re-join.
	a.Close()
	waitForUserCount(t, srv, 1)
	a2 := dialWS(t, ts, tok)
	// Presence publishes after the membership restore, so seeing alice
	// online means her rooms are back.
	waitForOnline(t, b, "ua")

	sendEvent(t, b, EvtMessageSend, map[string]string{"content": "wb", "groupId": "general"})
	env := waitFor(t, a2, EvtMessageNew)
	var msg Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Content != "wb" || msg.SenderID != "ub" {
		t.Errorf("wrong restored delivery: %+v", msg)
	}
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	cfg := testConfig()
	_, ts := newGatewayServer(t, cfg)

	a := dialWS(t, ts, signToken(t, cfg.JWTSecret, "ua", "alice"))

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := waitFor(t, a, EvtError)
	var ep ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Message == "" {
		t.Error("error payload should carry a message")
	}

	// The connection survives and keeps working.
	sendEvent(t, a, EvtMessageSend, map[string]string{"content": "x"})
	waitFor(t, a, EvtError)
	sendEvent(t, a, EvtJoinGroup, GroupRef{GroupID: "general"})
	sendEvent(t, a, EvtMessageSend, map[string]string{"content": "still here", "groupId": "general"})
	waitFor(t, a, EvtMessageNew)
}

func TestRunAndShutdownConcurrently(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	ginTestMode.Do(func() { gin.SetMode(gin.TestMode) })

	s, err := NewServer(cfg, broker.NewMemoryBroker())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	// Same shape as the process main: Run in a goroutine, Shutdown from
	// the signal path with no ordering between them.
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after shutdown")
	}
}

func TestShutdownClosesBusBeforeFanout(t *testing.T) {
	cfg := testConfig()
	ginTestMode.Do(func() { gin.SetMode(gin.TestMode) })

	bus := broker.NewMemoryBroker()
	s, err := NewServer(cfg, bus)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	// A registered client with no socket never unregisters itself, so the
	// drain wait runs out with a connection still on the books.
	s.registry.Register(testClient("c1", "u1"))
	s.registry.AddRoom("u1", "general")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = s.Shutdown(ctx)

	// The bus must be gone by the time the workers are: nothing can be
	// delivered into the stopped fanout.
	if err := bus.Publish(context.Background(), broker.TopicMessageNew, []byte(`{}`)); err == nil {
		t.Fatal("bus should be closed after shutdown")
	}
}

func TestBroadcastAfterCloseIsDropped(t *testing.T) {
	f := NewFanout(2, 4)
	c := testClient("c1", "u1")
	f.Close()

	// Late teardown work may still broadcast; it must be a no-op.
	f.Broadcast("general", []*Client{c}, []byte("x"))

	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame after close: %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForOnline(t *testing.T, conn *websocket.Conn, userID string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := waitFor(t, conn, EvtUserOnline)
		var ev PresenceEvent
		if json.Unmarshal(env.Payload, &ev) == nil && ev.UserID == userID {
			return
		}
	}
	t.Fatalf("never saw %s come online", userID)
}

func waitForUserCount(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Registry().UserCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user count never reached %d, have %d", want, srv.Registry().UserCount())
}
