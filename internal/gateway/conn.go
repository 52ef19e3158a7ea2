package gateway

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/gluk-w/termhub/internal/audit"
	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/logutil"
	"github.com/gluk-w/termhub/internal/protocol"
	"github.com/gluk-w/termhub/internal/ratelimit"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// connection is one client socket. Fields under "loop-owned" are only
// touched by the event loop.
type connection struct {
	id          string
	remoteIP    string
	connectedAt time.Time
	ws          *websocket.Conn
	send        chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once

	// loop-owned
	userID       string
	lastActivity time.Time
	owned        map[string]struct{}
	limiter      *ratelimit.Limiter
	closed       bool
	// tokenPresented is set when the upgrade request carried a token, in
	// which case the handshake frame is not consulted.
	tokenPresented bool
}

// ownerID is the identity sessions are recorded under: the authenticated
// user, or the socket itself for anonymous connections.
func (c *connection) ownerID() string {
	if c.userID != "" {
		return c.userID
	}
	return c.id
}

// enqueue hands a frame to the writer without blocking. A connection that
// cannot keep up is closed rather than allowed to stall the loop or a relay.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Printf("[gateway] socket %s send queue full, closing", c.id)
		go c.close(websocket.StatusPolicyViolation, "send queue overflow")
		return false
	}
}

func (c *connection) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.ws.Close(code, reason); err != nil {
			c.ws.CloseNow()
		}
	})
}

// writer drains the send queue until the connection is cancelled.
func (c *connection) writer() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// ServeWS upgrades the request and serves the socket until it closes.
// Authentication never rejects: a missing or bad token leaves the
// connection anonymous.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.ctx.Done():
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	opts := &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns}
	if len(g.cfg.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("[gateway] failed to accept websocket: %v", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(protocol.MaxFrameSize)

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()

	c := &connection{
		id:          uuid.New().String(),
		remoteIP:    clientIP(r),
		connectedAt: g.now(),
		ws:          ws,
		send:        make(chan []byte, g.cfg.SendQueue),
		ctx:         ctx,
		cancel:      cancel,
		owned:       make(map[string]struct{}),
		limiter:     ratelimit.New(g.cfg.Buckets),
	}
	c.limiter.SetNowFunc(g.now)
	c.lastActivity = c.connectedAt

	token, source := auth.ExtractToken(r)
	userID, authErr := g.verify(token)
	c.tokenPresented = source != auth.SourceNone

	if err := g.call(ctx, func() { g.register(c, userID, authErr, source) }); err != nil {
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writer()
	}()

	g.readLoop(c)

	g.post(func() { g.unregister(c) })
	c.close(websocket.StatusNormalClosure, "")
	<-writerDone
}

func (g *Gateway) verify(token string) (string, error) {
	if token == "" {
		return "", auth.ErrNoToken
	}
	if g.cfg.Verifier == nil {
		return "", auth.ErrInvalidToken
	}
	return g.cfg.Verifier.Verify(token)
}

// register adds c to the connection table. Loop only.
func (g *Gateway) register(c *connection, userID string, authErr error, source auth.TokenSource) {
	g.conns[c.id] = c
	if source != auth.SourceNone {
		g.applyAuth(c, userID, authErr, source)
	}
	log.Printf("[gateway] socket %s connected from %s (user %q)", c.id, c.remoteIP, logutil.SanitizeForLog(c.userID))
}

// applyAuth records the outcome of token verification. Loop only.
func (g *Gateway) applyAuth(c *connection, userID string, authErr error, source auth.TokenSource) {
	if authErr != nil {
		log.Printf("[gateway] socket %s auth via %s failed: %v", c.id, source, authErr)
		g.cfg.Auditor.Record(audit.Entry{
			EventType: audit.EventAuthFailure,
			SocketID:  c.id,
			SourceIP:  c.remoteIP,
			Details:   string(source) + ": " + authErr.Error(),
		})
		g.push(c, protocol.EventError, protocol.Errorf(protocol.CodeAuthFailure, "authentication failed, continuing anonymously"))
		return
	}
	c.userID = userID
	g.pushRecoverable(c)
}

// unregister drops c and orphans its sessions. Loop only.
func (g *Gateway) unregister(c *connection) {
	if c.closed {
		return
	}
	c.closed = true
	delete(g.conns, c.id)
	ids := g.dir.Unbind(c.id, g.now())
	log.Printf("[gateway] socket %s disconnected, %d sessions orphaned", c.id, len(ids))
}

// readLoop decodes frames and posts them to the loop until the socket
// fails.
func (g *Gateway) readLoop(c *connection) {
	first := true
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("[gateway] socket %s read: %v", c.id, err)
			}
			return
		}
		if typ != websocket.MessageText {
			g.post(func() { g.reply(c, nil, nil, protocol.Errorf(protocol.CodeBadRequest, "binary frames are not supported")) })
			first = false
			continue
		}

		env, req, derr := protocol.Decode(data)
		if derr != nil {
			g.post(func() { g.reply(c, env.Ack, nil, derr) })
			first = false
			continue
		}

		// The handshake token is verified here, off the loop, because bcrypt
		// is slow. Later frames wait for it since this goroutine is serial.
		if hs, ok := req.(*protocol.Handshake); ok && first && !c.tokenPresented && hs.Auth.Token != "" {
			userID, authErr := g.verify(hs.Auth.Token)
			g.post(func() { g.handleHandshake(c, env, userID, authErr, true) })
			first = false
			continue
		}
		first = false

		g.post(func() { g.dispatch(c, env, req) })
	}
}

// outputListener builds the subscription that forwards a session's output
// to c. It runs on the session's relay goroutine. Multi-byte runes split
// across reads are held back so every frame is valid UTF-8.
func (g *Gateway) outputListener(c *connection, sessionID string) func([]byte) {
	var carry []byte
	return func(data []byte) {
		if len(carry) > 0 {
			data = append(carry, data...)
			carry = nil
		}
		if cut := incompleteTail(data); cut > 0 {
			carry = append([]byte(nil), data[len(data)-cut:]...)
			data = data[:len(data)-cut]
		}
		if len(data) == 0 {
			return
		}
		frame, err := protocol.Encode(protocol.EventTerminalOutput, nil, protocol.Output{TerminalID: sessionID, Data: string(data)})
		if err != nil {
			return
		}
		c.enqueue(frame)
	}
}

// incompleteTail returns how many trailing bytes of p form the start of a
// rune that is not complete yet.
func incompleteTail(p []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(p); i++ {
		b := p[len(p)-i]
		if b < utf8.RuneSelf {
			return 0
		}
		if utf8.RuneStart(b) {
			if !utf8.FullRune(p[len(p)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
