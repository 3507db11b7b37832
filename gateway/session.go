// Package gateway maintains one persistent duplex connection to the
// Discord gateway: handshake, heartbeat, resume and reconnect handling.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/internal/pool"
	"github.com/exelabs/concord/sessionstore"
	"github.com/exelabs/concord/telemetry"
)

// DefaultGatewayURL is the entry point when /gateway/bot was not queried.
const DefaultGatewayURL = "wss://gateway.discord.gg"

// Status is the session lifecycle state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusIdentifying
	StatusReady
	StatusResuming
	StatusReconnecting
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusReady:
		return "ready"
	case StatusResuming:
		return "resuming"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// ErrNotConnected is returned by sends while no socket is up.
var ErrNotConnected = errors.New("gateway: not connected")

// ErrAuthenticationFailed is fatal: the token was rejected and no further
// reconnect attempts are made.
var ErrAuthenticationFailed = errors.New("gateway: authentication failed")

var (
	errReconnectRequested = errors.New("gateway: server requested reconnect")
	errSessionInvalidated = errors.New("gateway: session invalidated")
	errHeartbeatTimeout   = errors.New("gateway: heartbeat ack timeout")
)

// Options configure a Session.
type Options struct {
	Token      string
	Intents    discord.Intent
	ShardID    int
	ShardCount int
	GatewayURL string
	Compress   bool
	Properties IdentifyProperties

	// Store persists resume state. Defaults to an in-memory store.
	Store sessionstore.Store
	// IdentifyWait gates IDENTIFY sends under the shared budget. Called
	// before every identify, including re-identifies after invalidation.
	IdentifyWait func(ctx context.Context, shardID int) error

	// OnEvent receives every dispatch payload in arrival order, on the
	// session's read goroutine.
	OnEvent func(p *discord.GatewayPayload)
	// OnStatus observes lifecycle transitions (best-effort notification).
	OnStatus func(s Status)
	// OnFatal fires once when the session gives up permanently.
	OnFatal func(err error)

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Dialer  *websocket.Dialer
}

// Session owns one gateway connection and its reconnect loop.
type Session struct {
	opts Options
	log  *zap.Logger

	status   atomic.Int32
	seq      atomic.Int64
	lastAck  atomic.Int64 // unix nanos of last ack (or dispatch)
	lastBeat atomic.Int64 // unix nanos of last heartbeat sent

	// hbTimeout marks a forced socket close from the heartbeat loop so
	// the read loop can classify its error correctly.
	hbTimeout atomic.Bool

	stateMu   sync.Mutex
	sessionID string
	resumeURL string

	writeMu sync.Mutex
	conn    *websocket.Conn

	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

// NewSession builds a Session; Open starts it.
func NewSession(opts Options) *Session {
	if opts.GatewayURL == "" {
		opts.GatewayURL = DefaultGatewayURL
	}
	if opts.ShardCount <= 0 {
		opts.ShardCount = 1
	}
	if opts.Store == nil {
		opts.Store = sessionstore.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	if opts.Properties.OS == "" {
		opts.Properties = IdentifyProperties{OS: runtime.GOOS, Browser: "concord", Device: "concord"}
	}
	return &Session{
		opts: opts,
		log:  opts.Logger.With(zap.Int("shard", opts.ShardID)),
		done: make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// Sequence returns the last observed dispatch sequence number.
func (s *Session) Sequence() int64 { return s.seq.Load() }

// ShardID returns this session's shard id.
func (s *Session) ShardID() int { return s.opts.ShardID }

// SessionID returns the active gateway session id, empty before READY.
func (s *Session) SessionID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

// HeartbeatLatency is the last measured heartbeat round trip.
func (s *Session) HeartbeatLatency() time.Duration {
	beat, ack := s.lastBeat.Load(), s.lastAck.Load()
	if beat == 0 || ack < beat {
		return 0
	}
	return time.Duration(ack - beat)
}

func (s *Session) setStatus(st Status) {
	old := Status(s.status.Swap(int32(st)))
	if old != st && s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

// Open connects the session and starts its supervision loop. It returns
// after the first connection attempt resolves so dial and handshake
// errors surface to the caller; reconnects happen in the background.
func (s *Session) Open(ctx context.Context) error {
	var openErr error
	s.openOnce.Do(func() {
		s.runCtx, s.cancel = context.WithCancel(context.Background())

		// Seed from persisted state so a restarted process resumes.
		if st, ok, err := s.opts.Store.Load(ctx, s.opts.ShardID); err == nil && ok && st.ShardCount == s.opts.ShardCount {
			s.stateMu.Lock()
			s.sessionID = st.SessionID
			s.resumeURL = st.ResumeURL
			s.stateMu.Unlock()
			s.seq.Store(st.Sequence)
		}

		first := make(chan error, 1)
		go s.run(first)

		select {
		case openErr = <-first:
		case <-ctx.Done():
			openErr = ctx.Err()
			s.Close()
		}
	})
	return openErr
}

// Close stops the session permanently.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.writeMu.Lock()
		if s.conn != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = s.conn.Close()
		}
		s.writeMu.Unlock()
		if s.runCtx != nil {
			<-s.done
		}
		s.setStatus(StatusClosed)
	})
	return nil
}

type verdict struct {
	resume bool
	delay  time.Duration
	fatal  error
}

// run supervises connect/serve cycles until closed or fatal.
func (s *Session) run(first chan<- error) {
	defer close(s.done)

	resume := s.SessionID() != ""
	backoff := time.Second
	const backoffCap = 64 * time.Second

	// Only the first attempt reports back to Open; if that attempt never
	// got past the handshake, Open has surfaced the error and the loop
	// must not keep dialing behind the caller's back.
	var openFailed bool
	report := func(err error) {
		if first == nil {
			return
		}
		first <- err
		first = nil
		openFailed = err != nil
	}

	for attempt := 0; ; attempt++ {
		v, sawReady := s.runConnection(s.runCtx, resume, report)
		s.persist()
		if openFailed {
			s.setStatus(StatusClosed)
			return
		}

		if s.runCtx.Err() != nil {
			s.setStatus(StatusClosed)
			return
		}
		if v.fatal != nil {
			s.log.Error("session failed permanently", zap.Error(v.fatal))
			s.setStatus(StatusClosed)
			if s.opts.OnFatal != nil {
				s.opts.OnFatal(v.fatal)
			}
			return
		}

		if sawReady {
			backoff = time.Second
		} else if backoff < backoffCap {
			backoff *= 2
		}
		delay := v.delay
		if delay == 0 {
			// Bounded random wait, doubling on repeated failures.
			delay = backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		}

		s.setStatus(StatusReconnecting)
		s.opts.Metrics.ObserveReconnect(s.opts.ShardID)
		s.log.Info("reconnecting", zap.Duration("delay", delay), zap.Bool("resume", v.resume))

		select {
		case <-time.After(delay):
		case <-s.runCtx.Done():
			s.setStatus(StatusClosed)
			return
		}
		resume = v.resume
	}
}

// runConnection performs one full connection lifecycle: dial, HELLO,
// IDENTIFY or RESUME, then the read loop until failure.
func (s *Session) runConnection(ctx context.Context, resume bool, report func(error)) (verdict, bool) {
	s.hbTimeout.Store(false)
	s.setStatus(StatusConnecting)

	canResume := resume && s.SessionID() != ""

	url := s.opts.GatewayURL
	if canResume {
		s.stateMu.Lock()
		if s.resumeURL != "" {
			url = s.resumeURL
		}
		s.stateMu.Unlock()
	}
	url += "/?v=" + apiVersion + "&encoding=json"
	if s.opts.Compress {
		url += "&compress=zlib-stream"
	}

	conn, resp, err := s.opts.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		report(fmt.Errorf("gateway: dial %s: %w", url, err))
		return verdict{resume: canResume}, false
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer func() {
		s.writeMu.Lock()
		s.conn = nil
		s.writeMu.Unlock()
		conn.Close()
	}()

	read := s.payloadReader(conn)

	// HELLO must be the first frame.
	hello, err := read()
	if err != nil || hello.Op != discord.OpHello {
		if err == nil {
			err = fmt.Errorf("gateway: expected HELLO, got op %d", hello.Op)
		}
		report(err)
		return verdict{resume: canResume}, false
	}
	var h helloData
	if err := json.Unmarshal(hello.Data, &h); err != nil {
		report(err)
		return verdict{resume: canResume}, false
	}
	interval := time.Duration(h.HeartbeatInterval) * time.Millisecond
	s.lastAck.Store(time.Now().UnixNano())
	s.lastBeat.Store(0)

	if canResume {
		s.setStatus(StatusResuming)
		err = s.sendResume()
	} else {
		s.setStatus(StatusIdentifying)
		err = s.sendIdentify(ctx)
	}
	if err != nil {
		report(err)
		return verdict{resume: canResume}, false
	}
	report(nil)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx, conn, interval)

	err = s.readLoop(read)
	return s.classify(err, canResume)
}

// classify turns a read-loop error into a reconnect verdict.
func (s *Session) classify(err error, wasResuming bool) (verdict, bool) {
	sawReady := s.Status() == StatusReady

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := discord.CloseCode(ce.Code)
		if code == discord.CloseAuthenticationFailed {
			return verdict{fatal: fmt.Errorf("%w: close code %d: %s", ErrAuthenticationFailed, ce.Code, ce.Text)}, sawReady
		}
		if code.Fatal() {
			return verdict{fatal: fmt.Errorf("gateway: unrecoverable close code %d: %s", ce.Code, ce.Text)}, sawReady
		}
		return verdict{resume: code.Resumable()}, sawReady
	}

	switch {
	case errors.Is(err, errReconnectRequested):
		return verdict{resume: true}, sawReady
	case errors.Is(err, errSessionInvalidated):
		// Fresh identify after a short random delay.
		s.clearSession()
		return verdict{resume: false, delay: time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))}, sawReady
	case errors.Is(err, errHeartbeatTimeout):
		return verdict{resume: true}, sawReady
	}
	// Socket-level failure: resume if we ever had a session.
	return verdict{resume: s.SessionID() != ""}, sawReady
}

// payloadReader builds the per-connection frame decoder, with or without
// the shared-context zlib stream.
func (s *Session) payloadReader(conn *websocket.Conn) func() (*discord.GatewayPayload, error) {
	if !s.opts.Compress {
		return func() (*discord.GatewayPayload, error) {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return nil, err
			}
			p := new(discord.GatewayPayload)
			if err := json.Unmarshal(data, p); err != nil {
				return nil, err
			}
			return p, nil
		}
	}

	inf := newStreamInflater()
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				inf.CloseWrite(err)
				return
			}
			if _, err := inf.Write(data); err != nil {
				return
			}
		}
	}()
	dec := json.NewDecoder(inf)
	return func() (*discord.GatewayPayload, error) {
		p := new(discord.GatewayPayload)
		if err := dec.Decode(p); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// readLoop consumes payloads until an error, applying the opcode state
// machine.
func (s *Session) readLoop(read func() (*discord.GatewayPayload, error)) error {
	for {
		p, err := read()
		if err != nil {
			if s.hbTimeout.Load() {
				return errHeartbeatTimeout
			}
			return err
		}

		switch p.Op {
		case discord.OpDispatch:
			if p.Seq > s.seq.Load() {
				s.seq.Store(p.Seq)
			}
			s.lastAck.Store(time.Now().UnixNano())
			s.handleDispatch(p)

		case discord.OpHeartbeat:
			// Server-requested beat, answered immediately.
			_ = s.sendHeartbeat()

		case discord.OpHeartbeatACK:
			now := time.Now().UnixNano()
			s.lastAck.Store(now)
			if beat := s.lastBeat.Load(); beat > 0 {
				s.opts.Metrics.ObserveHeartbeat(s.opts.ShardID, time.Duration(now-beat))
			}

		case discord.OpReconnect:
			s.log.Debug("server requested reconnect")
			return errReconnectRequested

		case discord.OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.Data, &resumable)
			s.log.Warn("session invalidated", zap.Bool("resumable", resumable))
			if resumable {
				return errReconnectRequested
			}
			return errSessionInvalidated

		default:
			s.log.Debug("unhandled opcode", zap.Int("op", int(p.Op)))
		}
	}
}

func (s *Session) handleDispatch(p *discord.GatewayPayload) {
	switch p.Type {
	case "READY":
		var r readyData
		if err := json.Unmarshal(p.Data, &r); err != nil {
			s.log.Error("bad READY payload", zap.Error(err))
			return
		}
		s.stateMu.Lock()
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
		s.stateMu.Unlock()
		s.setStatus(StatusReady)
		s.persist()
		s.log.Info("session ready", zap.String("session_id", r.SessionID))

	case "RESUMED":
		s.setStatus(StatusReady)
		s.log.Info("session resumed", zap.Int64("seq", s.seq.Load()))
	}

	if s.opts.OnEvent != nil {
		s.opts.OnEvent(p)
	}
}

// heartbeatLoop beats at the HELLO interval and forces a reconnect when
// an ack is overdue by more than half an interval.
func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	// First beat at a random fraction of the interval, per protocol.
	first := time.Duration(rand.Float64() * float64(interval))
	t := time.NewTimer(first)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		deadline := time.Duration(float64(interval) * 1.5)
		if age := time.Duration(time.Now().UnixNano() - s.lastAck.Load()); age > deadline {
			s.log.Warn("heartbeat ack overdue, forcing reconnect", zap.Duration("age", age))
			s.hbTimeout.Store(true)
			conn.Close()
			return
		}
		if err := s.sendHeartbeat(); err != nil {
			return
		}
		t.Reset(interval)
	}
}

func (s *Session) sendHeartbeat() error {
	s.lastBeat.Store(time.Now().UnixNano())
	seq := s.seq.Load()
	var d any
	if seq > 0 {
		d = seq
	}
	return s.send(discord.OpHeartbeat, d)
}

func (s *Session) sendIdentify(ctx context.Context) error {
	if s.opts.IdentifyWait != nil {
		if err := s.opts.IdentifyWait(ctx, s.opts.ShardID); err != nil {
			return err
		}
	}
	s.opts.Metrics.ObserveIdentify()
	shard := [2]int{s.opts.ShardID, s.opts.ShardCount}
	return s.send(discord.OpIdentify, identifyData{
		Token:      s.opts.Token,
		Properties: s.opts.Properties,
		Compress:   s.opts.Compress,
		Shard:      &shard,
		Intents:    s.opts.Intents,
	})
}

func (s *Session) sendResume() error {
	s.stateMu.Lock()
	id := s.sessionID
	s.stateMu.Unlock()
	return s.send(discord.OpResume, resumeData{
		Token:     s.opts.Token,
		SessionID: id,
		Seq:       s.seq.Load(),
	})
}

// send marshals and writes one payload; writes are serialized. The
// frame is encoded into a pooled buffer, which WriteMessage copies out
// of before it is returned.
func (s *Session) send(op discord.GatewayOp, d any) error {
	p := discord.GatewayPayload{Op: op}
	if d != nil {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		p.Data = data
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(&p); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// RequestGuildMembers issues an op 8 bulk member request.
func (s *Session) RequestGuildMembers(cmd RequestGuildMembersCommand) error {
	if cmd.Limit == 0 && cmd.Query == "" && len(cmd.UserIDs) == 0 {
		cmd.Query = "" // full guild sync
	}
	return s.send(discord.OpRequestGuildMembers, cmd)
}

// UpdatePresence issues an op 3 presence update.
func (s *Session) UpdatePresence(cmd PresenceUpdateCommand) error {
	return s.send(discord.OpPresenceUpdate, cmd)
}

// UpdateVoiceState issues an op 4 voice state update.
func (s *Session) UpdateVoiceState(cmd VoiceStateUpdateCommand) error {
	return s.send(discord.OpVoiceStateUpdate, cmd)
}

// clearSession wipes resume state after a non-resumable invalidation.
func (s *Session) clearSession() {
	s.stateMu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.stateMu.Unlock()
	s.seq.Store(0)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.opts.Store.Clear(ctx, s.opts.ShardID)
}

// persist writes current resume state to the session store.
func (s *Session) persist() {
	s.stateMu.Lock()
	st := sessionstore.SessionState{
		SessionID:  s.sessionID,
		ResumeURL:  s.resumeURL,
		Sequence:   s.seq.Load(),
		ShardID:    s.opts.ShardID,
		ShardCount: s.opts.ShardCount,
	}
	s.stateMu.Unlock()
	if !st.Valid() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.opts.Store.Save(ctx, s.opts.ShardID, st); err != nil {
		s.log.Warn("failed to persist session state", zap.Error(err))
	}
}

const apiVersion = "10"
