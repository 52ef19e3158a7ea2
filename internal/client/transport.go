package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/termhub/internal/protocol"
)

// ErrConnClosed is returned by calls on a connection that has gone away.
var ErrConnClosed = errors.New("connection closed")

// Conn is one client socket to the gateway.
type Conn interface {
	// Call sends an acknowledged request and decodes the ack payload into
	// resp. An "error" answer is returned as a *protocol.Error.
	Call(ctx context.Context, event string, req, resp interface{}) error
	// Send sends a request without waiting for an answer.
	Send(ctx context.Context, event string, req interface{}) error
	// Pushes delivers unsolicited frames: output, exit, recoverable and
	// errors without an ack id.
	Pushes() <-chan protocol.Envelope
	// Done is closed when the socket is gone; Err tells why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens connections to the gateway.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer connects with coder/websocket. The token goes in the
// Authorization header unless TokenInHandshake is set, in which case it is
// sent in a handshake frame right after the upgrade.
type WebsocketDialer struct {
	URL              string
	Token            string
	TokenInHandshake bool
	HTTPClient       *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if d.Token != "" && !d.TokenInHandshake {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + d.Token}}
	}
	ws, _, err := websocket.Dial(ctx, d.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	ws.SetReadLimit(protocol.MaxFrameSize)

	c := newWSConn(ws)
	if d.Token != "" && d.TokenInHandshake {
		var res protocol.HandshakeResult
		if err := c.Call(ctx, protocol.EventHandshake, protocol.Handshake{Auth: protocol.HandshakeAuth{Token: d.Token}}, &res); err != nil {
			c.Close()
			return nil, fmt.Errorf("handshake: %w", err)
		}
	}
	return c, nil
}

const (
	pushBuffer   = 256
	writeTimeout = 10 * time.Second
)

type wsConn struct {
	ws      *websocket.Conn
	nextAck atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan protocol.Envelope
	err     error

	pushes    chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:      ws,
		pending: make(map[int64]chan protocol.Envelope),
		pushes:  make(chan protocol.Envelope, pushBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.fail(err)
			return
		}
		env, err := protocol.ParseServerFrame(data)
		if err != nil {
			continue
		}
		if id, ok := env.AckID(); ok && (env.Event == protocol.EventAck || env.Event == protocol.EventError) {
			c.mu.Lock()
			ch, found := c.pending[id]
			delete(c.pending, id)
			c.mu.Unlock()
			if found {
				ch <- env
			}
			continue
		}
		select {
		case c.pushes <- env:
		case <-c.done:
			return
		}
	}
}

// fail records why the socket went away and wakes every waiter.
func (c *wsConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) write(ctx context.Context, event string, ack *int64, req interface{}) error {
	frame, err := protocol.Encode(event, ack, req)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) Call(ctx context.Context, event string, req, resp interface{}) error {
	id := c.nextAck.Add(1)
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, event, &id, req); err != nil {
		return err
	}

	select {
	case env := <-ch:
		if env.Event == protocol.EventError {
			var pe protocol.Error
			if err := json.Unmarshal(env.Data, &pe); err != nil {
				return fmt.Errorf("decode error frame: %w", err)
			}
			return &pe
		}
		if resp == nil {
			return nil
		}
		return protocol.DecodeData(env, resp)
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Send(ctx context.Context, event string, req interface{}) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	return c.write(ctx, event, nil, req)
}

func (c *wsConn) Pushes() <-chan protocol.Envelope { return c.pushes }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.fail(ErrConnClosed)
	return err
}
