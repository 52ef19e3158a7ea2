package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/protocol"
	"github.com/gluk-w/termhub/internal/ptyterm"
	"github.com/gluk-w/termhub/internal/ratelimit"
)

const testSecret = "gateway-test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	t     *testing.T
	g     *Gateway
	reg   *ptyterm.Registry
	srv   *httptest.Server
	clock *testClock
	jwt   *auth.JWTVerifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	jwtv := auth.NewJWTVerifier([]byte(testSecret))
	if cfg.Verifier == nil {
		cfg.Verifier = jwtv
	}
	reg := ptyterm.NewRegistry(ptyterm.RegistryConfig{DefaultShell: "/bin/sh", KillGrace: time.Second})
	g := New(reg, cfg)
	clock := &testClock{now: time.Now()}
	g.SetNowFunc(clock.Now)

	srv := httptest.NewServer(http.HandlerFunc(g.ServeWS))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{t: t, g: g, reg: reg, srv: srv, clock: clock, jwt: jwtv}
}

func (e *testEnv) token(userID string) string {
	e.t.Helper()
	tok, err := e.jwt.Generate(userID, time.Hour)
	if err != nil {
		e.t.Fatalf("generate token: %v", err)
	}
	return tok
}

// testClient records every frame the gateway sends.
type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	mu      sync.Mutex
	frames  []protocol.Envelope
	nextAck int64
	done    chan struct{}
}

func (e *testEnv) dial(header http.Header, query string) *testClient {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	if query != "" {
		url += "?" + query
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		e.t.Fatalf("dial: %v", err)
	}
	ws.SetReadLimit(1 << 20)

	c := &testClient{t: e.t, ws: ws, done: make(chan struct{})}
	go c.readLoop()
	e.t.Cleanup(func() { ws.CloseNow() })
	return c
}

func (e *testEnv) dialAs(userID string) *testClient {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+e.token(userID))
	return e.dial(h, "")
}

func (c *testClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			return
		}
		env, err := protocol.ParseServerFrame(data)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, env)
		c.mu.Unlock()
	}
}

func (c *testClient) snapshot() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *testClient) write(event string, ack *int64, data interface{}) {
	c.t.Helper()
	raw, err := protocol.Encode(event, ack, data)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		c.t.Fatalf("write %s: %v", event, err)
	}
}

// send writes a request with a fresh ack id and returns the id.
func (c *testClient) send(event string, data interface{}) int64 {
	c.t.Helper()
	c.mu.Lock()
	c.nextAck++
	ack := c.nextAck
	c.mu.Unlock()
	c.write(event, &ack, data)
	return ack
}

// call sends a request and waits for its ack or error frame.
func (c *testClient) call(event string, data interface{}) protocol.Envelope {
	c.t.Helper()
	ack := c.send(event, data)
	return c.waitFrame(func(env protocol.Envelope) bool {
		id, ok := env.AckID()
		return ok && id == ack && (env.Event == protocol.EventAck || env.Event == protocol.EventError)
	})
}

func (c *testClient) waitFrame(match func(protocol.Envelope) bool) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range c.snapshot() {
			if match(env) {
				return env
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for frame; got %d frames", len(c.snapshot()))
	return protocol.Envelope{}
}

func (c *testClient) waitEvent(event string) protocol.Envelope {
	c.t.Helper()
	return c.waitFrame(func(env protocol.Envelope) bool { return env.Event == event })
}

func (c *testClient) output(terminalID string) string {
	var b strings.Builder
	for _, env := range c.snapshot() {
		if env.Event != protocol.EventTerminalOutput {
			continue
		}
		var out protocol.Output
		if json.Unmarshal(env.Data, &out) == nil && out.TerminalID == terminalID {
			b.WriteString(out.Data)
		}
	}
	return b.String()
}

func (c *testClient) waitOutput(terminalID, substr string) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(c.output(terminalID), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("timed out waiting for %q in output %q", substr, c.output(terminalID))
}

func (c *testClient) create() string {
	c.t.Helper()
	env := c.call(protocol.EventTerminalCreate, protocol.CreateRequest{Cols: 80, Rows: 24})
	if env.Event != protocol.EventAck {
		c.t.Fatalf("create failed: %s %s", env.Event, env.Data)
	}
	var res protocol.CreateResult
	if err := protocol.DecodeData(env, &res); err != nil || res.TerminalID == "" {
		c.t.Fatalf("create result %s: %v", env.Data, err)
	}
	return res.TerminalID
}

func (c *testClient) close() {
	c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done
}

func errorCode(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	if env.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %s %s", env.Event, env.Data)
	}
	var pe protocol.Error
	if err := protocol.DecodeData(env, &pe); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return pe.Code
}

func expectSuccess(t *testing.T, env protocol.Envelope) {
	t.Helper()
	if env.Event != protocol.EventAck {
		t.Fatalf("expected ack, got %s %s", env.Event, env.Data)
	}
	var res protocol.SuccessResult
	if err := protocol.DecodeData(env, &res); err != nil || !res.Success {
		t.Fatalf("ack data = %s (%v)", env.Data, err)
	}
}

// waitUnbound polls until sessionID has no bound socket.
func (e *testEnv) waitUnbound(sessionID string) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		list, err := e.g.ListSessions(context.Background(), "")
		if err != nil {
			e.t.Fatalf("ListSessions: %v", err)
		}
		for _, s := range list {
			if s.ID == sessionID && !s.Bound && !s.Alive {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.t.Fatalf("session %s still bound", sessionID)
}

func TestGateway_CreateEchoKill(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")

	id := c.create()

	c.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo hi\n"})
	c.waitOutput(id, "hi")

	expectSuccess(t, c.call(protocol.EventTerminalKill, protocol.KillRequest{TerminalID: id}))

	resp := c.call(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo again\n"})
	if code := errorCode(t, resp); code != protocol.CodeSessionNotFound {
		t.Errorf("input after kill = %s, want SessionNotFound", code)
	}
}

func TestGateway_KillOnlyTarget(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")

	ids := []string{c.create(), c.create(), c.create()}
	expectSuccess(t, c.call(protocol.EventTerminalKill, protocol.KillRequest{TerminalID: ids[1]}))

	for i, id := range []string{ids[0], ids[2]} {
		c.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo alive-$((10+" + string(rune('0'+i)) + "))\n"})
		c.waitOutput(id, "alive-1"+string(rune('0'+i)))
	}

	list, err := env.g.ListSessions(context.Background(), "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListSessions = %d sessions, want 2", len(list))
	}
	for _, s := range list {
		if s.ID == ids[1] {
			t.Error("killed session still listed")
		}
	}
}

func TestGateway_ResizeAndHeartbeat(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")
	id := c.create()

	expectSuccess(t, c.call(protocol.EventTerminalResize, protocol.ResizeRequest{TerminalID: id, Cols: 132, Rows: 50}))
	s, ok := env.reg.Get(id)
	if !ok {
		t.Fatal("session missing from registry")
	}
	if cols, rows := s.Size(); cols != 132 || rows != 50 {
		t.Errorf("size = %dx%d, want 132x50", cols, rows)
	}

	resp := c.call(protocol.EventHeartbeat, protocol.HeartbeatRequest{})
	var hb protocol.HeartbeatResult
	if err := protocol.DecodeData(resp, &hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.Timestamp != env.clock.Now().UnixMilli() {
		t.Errorf("timestamp = %d, want %d", hb.Timestamp, env.clock.Now().UnixMilli())
	}
}

func TestGateway_ExitPushed(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")
	id := c.create()

	c.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "exit 7\n"})
	frame := c.waitEvent(protocol.EventTerminalExit)

	var ex protocol.Exit
	if err := protocol.DecodeData(frame, &ex); err != nil {
		t.Fatalf("decode exit: %v", err)
	}
	if ex.TerminalID != id || ex.ExitCode != 7 {
		t.Errorf("exit = %+v", ex)
	}
}

func TestGateway_OtherSocketNotAuthorized(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dial(nil, "")
	b := env.dial(nil, "")

	id := a.create()
	for _, event := range []string{protocol.EventTerminalInput, protocol.EventTerminalKill, protocol.EventSessionRecover} {
		var data interface{}
		switch event {
		case protocol.EventTerminalInput:
			data = protocol.InputRequest{TerminalID: id, Input: "id\n"}
		case protocol.EventTerminalKill:
			data = protocol.KillRequest{TerminalID: id}
		default:
			data = protocol.RecoverRequest{TerminalID: id}
		}
		if code := errorCode(t, b.call(event, data)); code != protocol.CodeNotAuthorized {
			t.Errorf("%s from other socket = %s, want NotAuthorized", event, code)
		}
	}

	resp := b.call(protocol.EventTerminalKill, protocol.KillRequest{TerminalID: "no-such-session"})
	if code := errorCode(t, resp); code != protocol.CodeSessionNotFound {
		t.Errorf("kill unknown = %s, want SessionNotFound", code)
	}
}

func TestGateway_RecoverWithinGrace(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dialAs("alice")
	id := a.create()
	a.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo before-$((2+3))\n"})
	a.waitOutput(id, "before-5")
	a.close()
	env.waitUnbound(id)

	env.clock.Advance(4*time.Minute + 59*time.Second)
	if err := env.g.RunMaintenance(context.Background()); err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}

	b := env.dialAs("alice")
	push := b.waitEvent(protocol.EventSessionRecoverable)
	var rec protocol.Recoverable
	if err := protocol.DecodeData(push, &rec); err != nil {
		t.Fatalf("decode recoverable: %v", err)
	}
	if len(rec.Sessions) != 1 || rec.Sessions[0].ID != id {
		t.Fatalf("recoverable = %+v", rec)
	}

	expectSuccess(t, b.call(protocol.EventSessionRecover, protocol.RecoverRequest{TerminalID: id}))
	b.waitOutput(id, "before-5")

	b.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo after-$((3+4))\n"})
	b.waitOutput(id, "after-7")

	// Recovering again from the bound socket is a no-op success.
	expectSuccess(t, b.call(protocol.EventSessionRecover, protocol.RecoverRequest{TerminalID: id}))
}

func TestGateway_ReapedAfterGrace(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dialAs("alice")
	id := a.create()
	s, _ := env.reg.Get(id)
	a.close()
	env.waitUnbound(id)

	env.clock.Advance(5*time.Minute + time.Second)
	if err := env.g.RunMaintenance(context.Background()); err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reaped session process still running")
	}
	if s.CloseReason() != ptyterm.ReasonReaped {
		t.Errorf("CloseReason = %q, want %q", s.CloseReason(), ptyterm.ReasonReaped)
	}

	b := env.dialAs("alice")
	resp := b.call(protocol.EventSessionRecover, protocol.RecoverRequest{TerminalID: id})
	if code := errorCode(t, resp); code != protocol.CodeSessionNotFound {
		t.Errorf("recover after reap = %s, want SessionNotFound", code)
	}
}

func TestGateway_RecoverOtherUserRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dialAs("alice")
	id := a.create()
	a.close()
	env.waitUnbound(id)

	b := env.dialAs("bob")
	resp := b.call(protocol.EventSessionRecover, protocol.RecoverRequest{TerminalID: id})
	if code := errorCode(t, resp); code != protocol.CodeNotAuthorized {
		t.Errorf("recover by bob = %s, want NotAuthorized", code)
	}
}

func TestGateway_RecoverMovesBinding(t *testing.T) {
	env := newTestEnv(t, Config{})
	a := env.dialAs("alice")
	b := env.dialAs("alice")
	id := a.create()

	expectSuccess(t, b.call(protocol.EventSessionRecover, protocol.RecoverRequest{TerminalID: id}))

	resp := a.call(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo x\n"})
	if code := errorCode(t, resp); code != protocol.CodeNotAuthorized {
		t.Errorf("input from previous socket = %s, want NotAuthorized", code)
	}

	b.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: "echo moved-$((4*4))\n"})
	b.waitOutput(id, "moved-16")
	if strings.Contains(a.output(id), "moved-16") {
		t.Error("previous socket still receives output")
	}
}

func TestGateway_HandshakeAuth(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")

	resp := c.call(protocol.EventHandshake, protocol.Handshake{Auth: protocol.HandshakeAuth{Token: env.token("alice")}})
	var hs protocol.HandshakeResult
	if err := protocol.DecodeData(resp, &hs); err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if !hs.Authenticated || hs.UserID != "alice" {
		t.Errorf("handshake = %+v", hs)
	}

	id := c.create()
	list, _ := env.g.ListSessions(context.Background(), "alice")
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("alice's sessions = %+v", list)
	}
}

func TestGateway_LateHandshakeIgnored(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")

	c.call(protocol.EventHeartbeat, protocol.HeartbeatRequest{})
	resp := c.call(protocol.EventHandshake, protocol.Handshake{Auth: protocol.HandshakeAuth{Token: env.token("alice")}})
	var hs protocol.HandshakeResult
	protocol.DecodeData(resp, &hs)
	if hs.Authenticated {
		t.Error("handshake after the first frame must not authenticate")
	}
}

func TestGateway_BadTokenStaysAnonymous(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "token=not-a-jwt")

	push := c.waitEvent(protocol.EventError)
	if code := errorCode(t, push); code != protocol.CodeAuthFailure {
		t.Errorf("push = %s, want AuthFailure", code)
	}

	// The socket still works anonymously.
	id := c.create()
	list, _ := env.g.ListSessions(context.Background(), "")
	if len(list) != 1 || list[0].ID != id || list[0].OwnerID == "" {
		t.Errorf("sessions = %+v", list)
	}
}

func TestGateway_CreateRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{Buckets: map[string]ratelimit.Bucket{
		ratelimit.ActionCreate: {MaxRequests: 1, Window: time.Minute},
	}})
	c := env.dial(nil, "")

	c.create()
	resp := c.call(protocol.EventTerminalCreate, protocol.CreateRequest{})
	if code := errorCode(t, resp); code != protocol.CodeRateLimitExceeded {
		t.Errorf("second create = %s, want RateLimitExceeded", code)
	}

	env.clock.Advance(time.Minute + time.Millisecond)
	c.create()
}

func TestGateway_InputRateLimitIsSilent(t *testing.T) {
	env := newTestEnv(t, Config{Buckets: map[string]ratelimit.Bucket{
		ratelimit.ActionInput: {MaxRequests: 2, Window: time.Minute, Silent: true},
	}})
	c := env.dial(nil, "")
	id := c.create()

	var acks []int64
	for i := 0; i < 3; i++ {
		acks = append(acks, c.send(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: ":\n"}))
	}
	// Frames are handled in order, so once the heartbeat is answered every
	// earlier reply has been sent.
	c.call(protocol.EventHeartbeat, protocol.HeartbeatRequest{})

	for _, env := range c.snapshot() {
		if id, ok := env.AckID(); ok && id == acks[2] {
			t.Fatalf("over-limit input got a reply: %s %s", env.Event, env.Data)
		}
	}
}

func TestGateway_InputOwnershipCheckedBeforeRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{Buckets: map[string]ratelimit.Bucket{
		ratelimit.ActionInput: {MaxRequests: 1, Window: time.Minute, Silent: true},
	}})
	a := env.dial(nil, "")
	b := env.dial(nil, "")
	id := a.create()

	for i := 0; i < 3; i++ {
		resp := b.call(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: ":\n"})
		if code := errorCode(t, resp); code != protocol.CodeNotAuthorized {
			t.Fatalf("input %d from other socket = %s, want NotAuthorized", i, code)
		}
	}

	expectSuccess(t, a.call(protocol.EventTerminalInput, protocol.InputRequest{TerminalID: id, Input: ":\n"}))
}

func TestGateway_BadRequest(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")

	if code := errorCode(t, c.call("terminal:explode", nil)); code != protocol.CodeBadRequest {
		t.Errorf("unknown event = %s, want BadRequest", code)
	}
	if code := errorCode(t, c.call(protocol.EventTerminalResize, protocol.ResizeRequest{})); code != protocol.CodeBadRequest {
		t.Errorf("empty resize = %s, want BadRequest", code)
	}
}

func TestGateway_SpawnFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")

	resp := c.call(protocol.EventTerminalCreate, protocol.CreateRequest{Shell: "/usr/bin/python3"})
	if code := errorCode(t, resp); code != protocol.CodeProcessSpawnFailure {
		t.Errorf("create with bad shell = %s, want ProcessSpawnFailure", code)
	}
}

func TestGateway_KillSessionREST(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dialAs("alice")
	id := c.create()

	ctx := context.Background()
	if err := env.g.KillSession(ctx, "bob", id); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("KillSession by bob = %v, want ErrNotAuthorized", err)
	}
	if err := env.g.KillSession(ctx, "alice", id); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	if err := env.g.KillSession(ctx, "alice", id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second KillSession = %v, want ErrSessionNotFound", err)
	}
}

func TestGateway_ShutdownKillsSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	c := env.dial(nil, "")
	id := c.create()
	s, _ := env.reg.Get(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.g.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("session still running after Shutdown")
	}
	if _, err := env.g.ListSessions(ctx, ""); !errors.Is(err, ErrClosed) {
		t.Errorf("ListSessions after Shutdown = %v, want ErrClosed", err)
	}
}

func TestIncompleteTail(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		in   []byte
		want int
	}{
		{[]byte("abc"), 0},
		{euro, 0},
		{euro[:1], 1},
		{euro[:2], 2},
		{append([]byte("ab"), euro[:2]...), 2},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := incompleteTail(tt.in); got != tt.want {
			t.Errorf("incompleteTail(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
