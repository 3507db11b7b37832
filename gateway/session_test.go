package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/exelabs/concord/discord"
)

// fakeGateway runs a scripted websocket server. The script is invoked
// once per accepted connection with its zero-based index, so tests can
// act differently across reconnects.
type fakeGateway struct {
	srv    *httptest.Server
	up     websocket.Upgrader
	mu     sync.Mutex
	nConns int
}

func newFakeGateway(t *testing.T, script func(c *websocket.Conn, n int)) *fakeGateway {
	t.Helper()
	f := &fakeGateway{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := f.up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		f.mu.Lock()
		n := f.nConns
		f.nConns++
		f.mu.Unlock()
		script(c, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeGateway) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nConns
}

func writeFrame(t *testing.T, c *websocket.Conn, op discord.GatewayOp, typ string, seq int64, d any) {
	t.Helper()
	p := discord.GatewayPayload{Op: op, Type: typ, Seq: seq}
	if d != nil {
		data, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal frame: %v", err)
		}
		p.Data = data
	}
	if err := c.WriteJSON(&p); err != nil {
		t.Logf("write frame: %v", err)
	}
}

// readUntilOp reads client frames until op arrives, answering interleaved
// heartbeats so the session's beat loop never stalls the script.
func readUntilOp(c *websocket.Conn, op discord.GatewayOp) (*discord.GatewayPayload, error) {
	for {
		p := new(discord.GatewayPayload)
		if err := c.ReadJSON(p); err != nil {
			return nil, err
		}
		if p.Op == op {
			return p, nil
		}
		if p.Op == discord.OpHeartbeat {
			ack := discord.GatewayPayload{Op: discord.OpHeartbeatACK}
			_ = c.WriteJSON(&ack)
		}
	}
}

// readNoAck reads until op arrives, deliberately leaving heartbeats
// unanswered.
func readNoAck(c *websocket.Conn, op discord.GatewayOp) (*discord.GatewayPayload, error) {
	for {
		p := new(discord.GatewayPayload)
		if err := c.ReadJSON(p); err != nil {
			return nil, err
		}
		if p.Op == op {
			return p, nil
		}
	}
}

// serveHeartbeats keeps the connection alive until the client drops it.
func serveHeartbeats(c *websocket.Conn) {
	for {
		p := new(discord.GatewayPayload)
		if err := c.ReadJSON(p); err != nil {
			return
		}
		if p.Op == discord.OpHeartbeat {
			ack := discord.GatewayPayload{Op: discord.OpHeartbeatACK}
			_ = c.WriteJSON(&ack)
		}
	}
}

func waitStatus(t *testing.T, s *Session, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %v (currently %v)", want, s.Status())
}

func TestSessionIdentifyAndReady(t *testing.T) {
	identified := make(chan identifyData, 1)
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 45000})
		p, err := readUntilOp(c, discord.OpIdentify)
		if err != nil {
			t.Errorf("never got identify: %v", err)
			return
		}
		var id identifyData
		if err := json.Unmarshal(p.Data, &id); err != nil {
			t.Errorf("bad identify payload: %v", err)
			return
		}
		identified <- id
		writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{
			Version:   10,
			SessionID: "sess-1",
		})
		serveHeartbeats(c)
	})

	events := make(chan string, 16)
	s := NewSession(Options{
		Token:      "tok-abc",
		Intents:    discord.IntentGuilds | discord.IntentGuildMessages,
		GatewayURL: gw.url(),
		OnEvent:    func(p *discord.GatewayPayload) { events <- p.Type },
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitStatus(t, s, StatusReady, 5*time.Second)

	id := <-identified
	if id.Token != "tok-abc" {
		t.Errorf("identify carried token %q", id.Token)
	}
	if id.Shard == nil || *id.Shard != [2]int{0, 1} {
		t.Errorf("identify carried shard %v", id.Shard)
	}
	if id.Intents != discord.IntentGuilds|discord.IntentGuildMessages {
		t.Errorf("identify carried intents %d", id.Intents)
	}

	if got := s.SessionID(); got != "sess-1" {
		t.Errorf("session id %q", got)
	}
	select {
	case typ := <-events:
		if typ != "READY" {
			t.Errorf("first event %q, want READY", typ)
		}
	case <-time.After(time.Second):
		t.Error("READY never forwarded to OnEvent")
	}
}

func TestSessionResumesAfterDrop(t *testing.T) {
	resumes := make(chan resumeData, 1)
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 45000})
		switch n {
		case 0:
			if _, err := readUntilOp(c, discord.OpIdentify); err != nil {
				return
			}
			writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{SessionID: "sess-A"})
			writeFrame(t, c, discord.OpDispatch, "GUILD_CREATE", 5, map[string]any{"id": "42"})
			// Resumable server-side drop.
			msg := websocket.FormatCloseMessage(int(discord.CloseUnknownError), "restarting")
			_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			time.Sleep(100 * time.Millisecond)
		default:
			p, err := readUntilOp(c, discord.OpResume)
			if err != nil {
				t.Errorf("second connection never resumed: %v", err)
				return
			}
			var r resumeData
			_ = json.Unmarshal(p.Data, &r)
			resumes <- r
			writeFrame(t, c, discord.OpDispatch, "RESUMED", 6, nil)
			serveHeartbeats(c)
		}
	})

	s := NewSession(Options{Token: "tok", GatewayURL: gw.url()})
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case r := <-resumes:
		if r.SessionID != "sess-A" {
			t.Errorf("resume carried session id %q", r.SessionID)
		}
		if r.Seq != 5 {
			t.Errorf("resume carried seq %d, want 5", r.Seq)
		}
		if r.Token != "tok" {
			t.Errorf("resume carried token %q", r.Token)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("session never attempted a resume")
	}
	waitStatus(t, s, StatusReady, 5*time.Second)
	if got := s.SessionID(); got != "sess-A" {
		t.Errorf("resumed session id %q", got)
	}
}

func TestSessionReidentifiesAfterInvalidSession(t *testing.T) {
	secondHandshake := make(chan discord.GatewayOp, 1)
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 45000})
		switch n {
		case 0:
			if _, err := readUntilOp(c, discord.OpIdentify); err != nil {
				return
			}
			writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{SessionID: "sess-A"})
			// Non-resumable invalidation: the client must discard the
			// session and identify from scratch.
			writeFrame(t, c, discord.OpInvalidSession, "", 0, false)
			serveHeartbeats(c)
		default:
			for {
				p := new(discord.GatewayPayload)
				if err := c.ReadJSON(p); err != nil {
					return
				}
				if p.Op == discord.OpHeartbeat {
					ack := discord.GatewayPayload{Op: discord.OpHeartbeatACK}
					_ = c.WriteJSON(&ack)
					continue
				}
				secondHandshake <- p.Op
				if p.Op != discord.OpIdentify {
					return
				}
				writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{SessionID: "sess-B"})
				serveHeartbeats(c)
				return
			}
		}
	})

	s := NewSession(Options{Token: "tok", GatewayURL: gw.url()})
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case op := <-secondHandshake:
		if op != discord.OpIdentify {
			t.Fatalf("after invalidation client sent op %d, want identify", op)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("client never reconnected after invalidation")
	}
	waitStatus(t, s, StatusReady, 5*time.Second)
	if got := s.SessionID(); got != "sess-B" {
		t.Errorf("post-invalidation session id %q", got)
	}
}

func TestSessionAuthFailureIsFatal(t *testing.T) {
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 45000})
		if _, err := readUntilOp(c, discord.OpIdentify); err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(int(discord.CloseAuthenticationFailed), "Authentication failed.")
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
	})

	fatal := make(chan error, 1)
	s := NewSession(Options{
		Token:      "bad-token",
		GatewayURL: gw.url(),
		OnFatal:    func(err error) { fatal <- err },
	})
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("fatal error %v, want ErrAuthenticationFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auth rejection never surfaced as fatal")
	}
	waitStatus(t, s, StatusClosed, 5*time.Second)

	// No further dials after a fatal close.
	before := gw.connections()
	time.Sleep(300 * time.Millisecond)
	if after := gw.connections(); after != before {
		t.Errorf("session kept reconnecting after fatal close: %d -> %d", before, after)
	}
}

func TestSessionAnswersServerHeartbeat(t *testing.T) {
	beat := make(chan int64, 1)
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 120000})
		if _, err := readUntilOp(c, discord.OpIdentify); err != nil {
			return
		}
		writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{SessionID: "sess-1"})
		writeFrame(t, c, discord.OpHeartbeat, "", 0, nil)
		p, err := readUntilOp(c, discord.OpHeartbeat)
		if err != nil {
			return
		}
		var seq int64
		_ = json.Unmarshal(p.Data, &seq)
		beat <- seq
		ack := discord.GatewayPayload{Op: discord.OpHeartbeatACK}
		_ = c.WriteJSON(&ack)
		serveHeartbeats(c)
	})

	s := NewSession(Options{Token: "tok", GatewayURL: gw.url()})
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case seq := <-beat:
		if seq != 1 {
			t.Errorf("heartbeat carried seq %d, want 1", seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never answered the server heartbeat")
	}
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	resumed := make(chan struct{})
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		switch n {
		case 0:
			// Short interval and no acks: the missed-ack deadline fires
			// within a few beats.
			writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 250})
			if _, err := readNoAck(c, discord.OpIdentify); err != nil {
				return
			}
			writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{SessionID: "sess-hb"})
			for {
				p := new(discord.GatewayPayload)
				if err := c.ReadJSON(p); err != nil {
					return
				}
			}
		default:
			writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 45000})
			if _, err := readUntilOp(c, discord.OpResume); err != nil {
				return
			}
			writeFrame(t, c, discord.OpDispatch, "RESUMED", 2, nil)
			close(resumed)
			serveHeartbeats(c)
		}
	})

	sawReconnecting := make(chan struct{}, 1)
	s := NewSession(Options{
		Token:      "tok",
		GatewayURL: gw.url(),
		OnStatus: func(st Status) {
			if st == StatusReconnecting {
				select {
				case sawReconnecting <- struct{}{}:
				default:
				}
			}
		},
	})
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case <-sawReconnecting:
	case <-time.After(10 * time.Second):
		t.Fatal("missed acks never forced a reconnect")
	}
	select {
	case <-resumed:
	case <-time.After(10 * time.Second):
		t.Fatal("session never resumed after the heartbeat timeout")
	}
	waitStatus(t, s, StatusReady, 5*time.Second)
}

func TestOpenSurfacesDialError(t *testing.T) {
	s := NewSession(Options{Token: "tok", GatewayURL: "ws://127.0.0.1:1"})
	defer s.Close()

	if err := s.Open(context.Background()); err == nil {
		t.Fatal("open succeeded against a dead endpoint")
	}
	waitStatus(t, s, StatusClosed, 5*time.Second)
}

func TestSessionIdentifyWaitGate(t *testing.T) {
	release := make(chan struct{})
	gw := newFakeGateway(t, func(c *websocket.Conn, n int) {
		writeFrame(t, c, discord.OpHello, "", 0, helloData{HeartbeatInterval: 45000})
		if _, err := readUntilOp(c, discord.OpIdentify); err != nil {
			return
		}
		writeFrame(t, c, discord.OpDispatch, "READY", 1, readyData{SessionID: "sess-1"})
		serveHeartbeats(c)
	})

	var gateSeen atomic.Bool
	s := NewSession(Options{
		Token:      "tok",
		GatewayURL: gw.url(),
		IdentifyWait: func(ctx context.Context, shardID int) error {
			gateSeen.Store(true)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	defer s.Close()

	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	if s.Status() == StatusReady {
		t.Fatal("session identified before the gate released it")
	}
	if !gateSeen.Load() {
		t.Fatal("identify gate was never consulted")
	}
	close(release)

	if err := <-opened; err != nil {
		t.Fatalf("open failed: %v", err)
	}
	waitStatus(t, s, StatusReady, 5*time.Second)
}
