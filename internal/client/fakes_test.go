package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/termhub/internal/protocol"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Advance moves the clock and runs due timers in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.when.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
	for _, t := range due {
		t.fn()
	}
}

// Delays returns every scheduled delay other than the heartbeat interval.
func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, d := range c.delays {
		if d != DefaultHeartbeatInterval {
			out = append(out, d)
		}
	}
	return out
}

// Pending reports how many timers are still armed.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type call struct {
	Event string
	Data  json.RawMessage
}

// handlerFunc answers an acknowledged request.
type handlerFunc func(event string, data json.RawMessage) (interface{}, error)

type fakeConn struct {
	handler handlerFunc

	mu    sync.Mutex
	calls []call
	sends []call

	pushes    chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn(h handlerFunc) *fakeConn {
	return &fakeConn{
		handler: h,
		pushes:  make(chan protocol.Envelope, 64),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) Call(ctx context.Context, event string, req, resp interface{}) error {
	data, _ := json.Marshal(req)
	c.mu.Lock()
	c.calls = append(c.calls, call{Event: event, Data: data})
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	out, err := c.handler(event, data)
	if err != nil {
		return err
	}
	if resp != nil && out != nil {
		raw, _ := json.Marshal(out)
		return json.Unmarshal(raw, resp)
	}
	return nil
}

func (c *fakeConn) Send(ctx context.Context, event string, req interface{}) error {
	data, _ := json.Marshal(req)
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.sends = append(c.sends, call{Event: event, Data: data})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Pushes() <-chan protocol.Envelope { return c.pushes }
func (c *fakeConn) Done() <-chan struct{}            { return c.done }
func (c *fakeConn) Err() error                       { return errors.New("socket dropped") }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(event string, data interface{}) {
	raw, _ := json.Marshal(data)
	c.pushes <- protocol.Envelope{Event: event, Data: raw}
}

func (c *fakeConn) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cl := range c.calls {
		out = append(out, cl.Event)
	}
	return out
}

func (c *fakeConn) Sends() []call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call(nil), c.sends...)
}

// fakeDialer hands out connections built by newConn, or fails while
// failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	failing bool
	dials   int
	conns   []*fakeConn
	newConn func() *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing {
		return nil, errors.New("connection refused")
	}
	c := d.newConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// creatingHandler answers create with sequential ids and everything else
// with success.
func creatingHandler(ids ...string) handlerFunc {
	var mu sync.Mutex
	n := 0
	return func(event string, data json.RawMessage) (interface{}, error) {
		switch event {
		case protocol.EventTerminalCreate:
			mu.Lock()
			defer mu.Unlock()
			id := ids[n%len(ids)]
			n++
			return protocol.CreateResult{TerminalID: id}, nil
		case protocol.EventHeartbeat:
			return protocol.HeartbeatResult{Timestamp: 1}, nil
		default:
			return protocol.SuccessResult{Success: true}, nil
		}
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) record(t Tab) {
	l.mu.Lock()
	l.statuses = append(l.statuses, t.Status)
	l.mu.Unlock()
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}
