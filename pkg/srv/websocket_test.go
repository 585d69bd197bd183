package srv

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/gitnotify/pkg/auth"
	"github.com/codeGROOVE-dev/gitnotify/pkg/protocol"
	"github.com/codeGROOVE-dev/gitnotify/pkg/security"
)

const (
	testSecret = "s3cret"
	testRepo   = "org/repo"
)

func startServer(t *testing.T, h *WebSocketHandler) string {
	t.Helper()
	srv := httptest.NewServer(h.Server())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck // test cleanup
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := websocket.Message.Send(ws, string(frame)); err != nil {
		t.Fatalf("send error = %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var raw []byte
	if err := websocket.Message.Receive(ws, &raw); err != nil {
		t.Fatalf("receive error = %v", err)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", raw, err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// handshake dials and consumes the new_client announcement.
func handshake(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws := dial(t, url)
	msg := recv(t, ws)
	if msg.Command != protocol.CommandNewClient || msg.Status != protocol.StatusOK {
		t.Fatalf("first frame = %+v, want new_client ok", msg)
	}
	return ws
}

func TestNewClientIsFirstFrame(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, nil, testSecret))

	handshake(t, url)
	waitFor(t, "connection entry", func() bool {
		total, registered := registry.Stats()
		return total == 1 && registered == 0
	})
}

func TestRegisterAndReceiveBroadcast(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, nil, testSecret))
	ws := handshake(t, url)

	send(t, ws, protocol.Register(testRepo, auth.Token(testRepo, testSecret)))
	ack := recv(t, ws)
	if ack.Command != protocol.CommandRegister || ack.Status != protocol.StatusOK {
		t.Fatalf("ack = %+v, want register ok", ack)
	}

	waitFor(t, "registration", func() bool { return len(registry.FindByRepo(testRepo)) == 1 })

	pr := map[string]any{"merged": true, "base": map[string]any{"ref": "main"}}
	delivered, failed := registry.Broadcast(testRepo, protocol.PullRequestClosed(testRepo, pr))
	if delivered != 1 || failed != 0 {
		t.Fatalf("Broadcast() = (%d, %d)", delivered, failed)
	}

	event := recv(t, ws)
	if event.Command != protocol.CommandPullRequestClosed || event.String("repo") != testRepo {
		t.Fatalf("event = %+v", event)
	}
	got, ok := event.PullRequest()
	if !ok || protocol.BaseRef(got) != "main" {
		t.Errorf("pull_request = %+v", got)
	}
}

func TestRegisterWrongHash(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, nil, testSecret))
	ws := handshake(t, url)

	send(t, ws, protocol.Register(testRepo, auth.Token(testRepo, "wrong")))
	reply := recv(t, ws)
	if reply.Status != protocol.StatusError || reply.String("message") != msgInvalidPassword {
		t.Fatalf("reply = %+v, want Invalid password", reply)
	}
	if got := registry.FindByRepo(testRepo); len(got) != 0 {
		t.Fatalf("rejected subscriber is registered: %+v", got)
	}

	// The connection stays open and may retry.
	send(t, ws, protocol.Register(testRepo, auth.Token(testRepo, testSecret)))
	if ack := recv(t, ws); ack.Status != protocol.StatusOK {
		t.Fatalf("retry ack = %+v", ack)
	}
}

func TestMessageBeforeRegistration(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, nil, testSecret))
	ws := handshake(t, url)

	send(t, ws, protocol.Pong(nil))
	reply := recv(t, ws)
	if reply.Command != protocol.CommandRegister || reply.String("message") != msgRegistrationRequired {
		t.Fatalf("reply = %+v, want Registration required", reply)
	}

	if err := websocket.Message.Send(ws, "{not json"); err != nil {
		t.Fatal(err)
	}
	if reply := recv(t, ws); reply.String("message") != msgMalformedMessage {
		t.Fatalf("reply = %+v, want Malformed message", reply)
	}

	total, registered := registry.Stats()
	if total != 1 || registered != 0 {
		t.Errorf("Stats() = (%d, %d), want (1, 0)", total, registered)
	}
}

func TestRegisterTwice(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, nil, testSecret))
	ws := handshake(t, url)

	register := protocol.Register(testRepo, auth.Token(testRepo, testSecret))
	send(t, ws, register)
	recv(t, ws)
	send(t, ws, register)
	if reply := recv(t, ws); reply.String("message") != msgAlreadyRegistered {
		t.Fatalf("reply = %+v, want Already registered", reply)
	}
}

func TestDisconnectRemovesEntry(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, nil, testSecret))

	ws := handshake(t, url)
	waitFor(t, "connection entry", func() bool {
		total, _ := registry.Stats()
		return total == 1
	})

	if err := ws.Close(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "entry removal", func() bool {
		total, _ := registry.Stats()
		return total == 0
	})
}

func TestKeepalivePing(t *testing.T) {
	registry := NewRegistry()
	h := NewWebSocketHandler(registry, nil, testSecret)
	h.pingInterval = 20 * time.Millisecond
	url := startServer(t, h)
	ws := handshake(t, url)

	send(t, ws, protocol.Register(testRepo, auth.Token(testRepo, testSecret)))
	if ack := recv(t, ws); ack.Status != protocol.StatusOK {
		t.Fatalf("ack = %+v", ack)
	}

	ping := recv(t, ws)
	if ping.Command != protocol.CommandPing {
		t.Fatalf("frame = %+v, want ping", ping)
	}
	send(t, ws, protocol.Pong(ping.Data["seq"]))

	// The pong is accepted silently and pings keep coming.
	if next := recv(t, ws); next.Command != protocol.CommandPing {
		t.Fatalf("frame = %+v, want another ping", next)
	}
}

func TestConnectionLimit(t *testing.T) {
	limiter := security.NewConnectionLimiter(1, 1)
	defer limiter.Stop()

	registry := NewRegistry()
	url := startServer(t, NewWebSocketHandler(registry, limiter, testSecret))
	handshake(t, url)

	second := dial(t, url)
	if err := second.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var raw []byte
	if err := websocket.Message.Receive(second, &raw); err == nil {
		t.Fatalf("over-limit connection received %s, want close", raw)
	}
}

func TestConnectionLimitBehindProxy(t *testing.T) {
	limiter := security.NewConnectionLimiter(1, 0)
	defer limiter.Stop()

	registry := NewRegistry()
	h := NewWebSocketHandler(registry, limiter, testSecret)
	h.TrustProxy(true)
	url := startServer(t, h)

	dialFrom := func(ip string) *websocket.Conn {
		config, err := websocket.NewConfig(url, "http://localhost/")
		if err != nil {
			t.Fatal(err)
		}
		config.Header.Set("X-Forwarded-For", ip)
		ws, err := websocket.DialConfig(config)
		if err != nil {
			t.Fatalf("DialConfig() error = %v", err)
		}
		t.Cleanup(func() { ws.Close() }) //nolint:errcheck // test cleanup
		return ws
	}

	// Every peer is 127.0.0.1; only the forwarded address distinguishes agents.
	for _, ip := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		if msg := recv(t, dialFrom(ip)); msg.Command != protocol.CommandNewClient {
			t.Fatalf("agent %s: first frame = %+v, want new_client", ip, msg)
		}
	}

	again := dialFrom("203.0.113.1")
	if err := again.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var raw []byte
	if err := websocket.Message.Receive(again, &raw); err == nil {
		t.Fatalf("second connection from one agent address received %s, want close", raw)
	}
	if total, _ := registry.Stats(); total != 3 {
		t.Errorf("connections = %d, want 3", total)
	}
}
