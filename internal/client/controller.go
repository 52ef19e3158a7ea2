// Package client is the terminal client: a per-tab controller that keeps a
// server session attached across socket loss, an offline emulator, and a
// workspace that arranges tabs in split panes.
//
// # State machine
//
// A tab starts connecting and becomes connected once the gateway
// acknowledges terminal:create or session:recover. Losing the socket moves
// it to reconnecting and schedules a retry after BackoffDelay(attempt).
// After MaxAttempts failed retries the tab enters error, resets its
// attempt counter and starts the local emulator. Reconnect leaves error
// (or cuts a pending retry short); Close and Detach end in disconnected.
//
// # Log Prefixes
//
// Client log messages use the [client] prefix.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/termhub/internal/protocol"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusReconnecting Status = "reconnecting"
)

// Reconnect backoff: BaseDelay doubled per attempt, capped at MaxDelay.
const (
	BaseDelay   = time.Second
	MaxDelay    = 10 * time.Second
	MaxAttempts = 5

	DefaultHeartbeatInterval = 30 * time.Second
	requestTimeout           = 15 * time.Second
)

var (
	ErrClosed       = errors.New("tab closed")
	ErrNotConnected = errors.New("tab not connected")
)

// BackoffDelay is the wait before reconnect attempt n (1-based).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// Tab is a snapshot of a controller's state.
type Tab struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    Status `json:"status"`
	SessionID string `json:"sessionId,omitempty"`
	Attempts  int    `json:"attempts"`
}

// Options configure a Controller.
type Options struct {
	Dialer Dialer
	// Output receives terminal output, local notices and emulator echo.
	Output io.Writer
	Clock  Clock

	Cols, Rows int
	ProjectID  string
	Cwd        string
	Shell      string
	// SessionID attaches to an existing session instead of creating one.
	SessionID string

	HeartbeatInterval time.Duration
	// OnStatus is called after every status change, without locks held.
	OnStatus func(Tab)
	// OnExit is called when the shell exits.
	OnExit func(exitCode int)
}

// Controller drives one tab.
type Controller struct {
	opts  Options
	clock Clock

	ctx    context.Context
	cancel context.CancelFunc

	outMu sync.Mutex

	mu          sync.Mutex
	tab         Tab
	cols, rows  int
	conn        Conn
	gen         uint64
	retry       Timer
	heartbeat   Timer
	emu         *Emulator
	recoverable []protocol.RecoverableSession
	closed      bool

	// Output and exits that arrive while terminal:create is still waiting
	// for its ack, keyed by terminal id.
	early     map[string][]byte
	earlyExit map[string]int
}

// NewController creates a tab in the connecting state. Call Connect to
// start it.
func NewController(id, name string, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:   opts,
		clock:  opts.Clock,
		ctx:    ctx,
		cancel: cancel,
		cols:   opts.Cols,
		rows:   opts.Rows,
		tab: Tab{
			ID:        id,
			Name:      name,
			Status:    StatusConnecting,
			SessionID: opts.SessionID,
		},
	}
}

// Tab returns a snapshot of the tab state.
func (c *Controller) Tab() Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tab
}

// Emulator returns the offline emulator while the tab is in error.
func (c *Controller) Emulator() *Emulator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu
}

// Recoverable returns the last orphaned-session list the gateway pushed.
func (c *Controller) Recoverable() []protocol.RecoverableSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.RecoverableSession(nil), c.recoverable...)
}

// setStatus changes status and returns the notification to run unlocked.
func (c *Controller) setStatus(s Status) func() {
	c.tab.Status = s
	snap := c.tab
	if c.opts.OnStatus == nil {
		return func() {}
	}
	return func() { c.opts.OnStatus(snap) }
}

func (c *Controller) print(s string) {
	c.outMu.Lock()
	io.WriteString(c.opts.Output, s)
	c.outMu.Unlock()
}

// Connect dials the gateway and creates or recovers the tab's session.
// Transport failures are not returned to the caller as fatal: they move
// the tab to reconnecting. The returned error reports the first attempt.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimersLocked()
	c.gen++
	gen := c.gen
	notify := c.setStatus(StatusConnecting)
	c.mu.Unlock()
	notify()

	return c.attempt(ctx, gen)
}

// Reconnect is the manual retry: it leaves error or reconnecting, resets
// the attempt counter and connects now.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tab.Attempts = 0
	c.emu = nil
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("[client] tab %s: manual reconnect", c.tab.ID)
	return c.Connect(ctx)
}

func (c *Controller) attempt(ctx context.Context, gen uint64) error {
	dctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	conn, err := c.opts.Dialer.Dial(dctx)
	if err != nil {
		c.lost(gen, err)
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.early, c.earlyExit = nil, nil
	sid := c.tab.SessionID
	c.mu.Unlock()

	go c.watch(gen, conn)

	id, err := c.open(dctx, conn, sid)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) {
			c.refused(gen, conn, pe)
		} else {
			conn.Close()
			c.lost(gen, err)
		}
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.tab.SessionID = id
	c.tab.Attempts = 0
	if data := c.early[id]; len(data) > 0 {
		c.print(string(data))
	}
	code, exitedEarly := c.earlyExit[id]
	c.early, c.earlyExit = nil, nil
	c.scheduleHeartbeatLocked(gen, conn)
	notify := c.setStatus(StatusConnected)
	c.mu.Unlock()
	notify()

	log.Printf("[client] tab %s: connected to session %s", c.tab.ID, id)
	if exitedEarly {
		c.exited(gen, code)
	}
	return nil
}

// open recovers sid when set, falling back to a new session when the
// gateway no longer knows it.
func (c *Controller) open(ctx context.Context, conn Conn, sid string) (string, error) {
	c.mu.Lock()
	cols, rows := c.cols, c.rows
	c.mu.Unlock()

	if sid != "" {
		// the gateway replays scrollback after recovery
		c.print(clearScreen)
		var res protocol.SuccessResult
		err := conn.Call(ctx, protocol.EventSessionRecover, protocol.RecoverRequest{TerminalID: sid}, &res)
		if err == nil {
			if cols > 0 && rows > 0 {
				conn.Send(ctx, protocol.EventTerminalResize, protocol.ResizeRequest{TerminalID: sid, Cols: cols, Rows: rows})
			}
			return sid, nil
		}
		if !errors.Is(err, &protocol.Error{Code: protocol.CodeSessionNotFound}) &&
			!errors.Is(err, &protocol.Error{Code: protocol.CodeNotAuthorized}) {
			return "", err
		}
		c.print("\r\n[previous session is gone, starting a new one]\r\n")
		c.mu.Lock()
		c.tab.SessionID = ""
		c.mu.Unlock()
	}

	var res protocol.CreateResult
	err := conn.Call(ctx, protocol.EventTerminalCreate, protocol.CreateRequest{
		Cols:      cols,
		Rows:      rows,
		ProjectID: c.opts.ProjectID,
		Cwd:       c.opts.Cwd,
		Shell:     c.opts.Shell,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.TerminalID, nil
}

// refused handles a gateway error answer to create/recover. It is not a
// transport failure, so no retry is scheduled.
func (c *Controller) refused(gen uint64, conn Conn, pe *protocol.Error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.conn = nil
	c.print(fmt.Sprintf("\r\n[cannot start terminal: %s]\r\n", pe.Message))
	notify := c.enterErrorLocked()
	c.mu.Unlock()

	conn.Close()
	log.Printf("[client] tab %s: gateway refused session: %v", c.tab.ID, pe)
	notify()
}

// watch forwards pushes until the socket goes away.
func (c *Controller) watch(gen uint64, conn Conn) {
	for {
		select {
		case env := <-conn.Pushes():
			c.handlePush(gen, env)
		case <-conn.Done():
			c.drain(gen, conn)
			c.lost(gen, conn.Err())
			return
		}
	}
}

// drain delivers pushes that were buffered before the socket closed.
func (c *Controller) drain(gen uint64, conn Conn) {
	for {
		select {
		case env := <-conn.Pushes():
			c.handlePush(gen, env)
		default:
			return
		}
	}
}

func (c *Controller) handlePush(gen uint64, env protocol.Envelope) {
	c.mu.Lock()
	current := gen == c.gen && !c.closed
	c.mu.Unlock()
	if !current {
		return
	}

	switch env.Event {
	case protocol.EventTerminalOutput:
		var out protocol.Output
		if protocol.DecodeData(env, &out) == nil {
			c.output(gen, out)
		}
	case protocol.EventTerminalExit:
		var ex protocol.Exit
		if protocol.DecodeData(env, &ex) != nil {
			return
		}
		c.mu.Lock()
		sid := c.tab.SessionID
		if sid == "" && gen == c.gen {
			if c.earlyExit == nil {
				c.earlyExit = make(map[string]int)
			}
			c.earlyExit[ex.TerminalID] = ex.ExitCode
		}
		c.mu.Unlock()
		if sid != "" && ex.TerminalID == sid {
			c.exited(gen, ex.ExitCode)
		}
	case protocol.EventSessionRecoverable:
		var rec protocol.Recoverable
		if protocol.DecodeData(env, &rec) == nil {
			c.mu.Lock()
			c.recoverable = rec.Sessions
			c.mu.Unlock()
		}
	case protocol.EventError:
		var pe protocol.Error
		if protocol.DecodeData(env, &pe) == nil {
			if pe.Code == protocol.CodeAuthFailure {
				c.print("\r\n[authentication failed, continuing anonymously]\r\n")
			}
			log.Printf("[client] tab %s: gateway error %s", c.tab.ID, pe.Error())
		}
	}
}

// output prints a chunk for the tab's session. While a create is waiting
// for its ack the session id is unknown, so chunks are held until attempt
// learns it. Held and live chunks are both printed under c.mu.
func (c *Controller) output(gen uint64, out protocol.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	switch sid := c.tab.SessionID; {
	case sid == "":
		if c.early == nil {
			c.early = make(map[string][]byte)
		}
		c.early[out.TerminalID] = append(c.early[out.TerminalID], out.Data...)
	case out.TerminalID == sid:
		c.print(out.Data)
	}
}

// exited ends the tab after the shell exits.
func (c *Controller) exited(gen uint64, code int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.tab.SessionID = ""
	notify := c.setStatus(StatusDisconnected)
	c.mu.Unlock()

	c.print(fmt.Sprintf("\r\n[process exited with code %d]\r\n", code))
	if conn != nil {
		conn.Close()
	}
	notify()
	if c.opts.OnExit != nil {
		c.opts.OnExit(code)
	}
}

// lost handles an unexpected socket loss or a failed dial.
func (c *Controller) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	switch c.tab.Status {
	case StatusDisconnected, StatusError:
		c.mu.Unlock()
		return
	}

	c.gen++
	next := c.gen
	c.stopTimersLocked()
	c.conn = nil
	c.tab.Attempts++

	if c.tab.Attempts > MaxAttempts {
		notify := c.enterErrorLocked()
		c.mu.Unlock()
		log.Printf("[client] tab %s: giving up after %d attempts: %v", c.tab.ID, MaxAttempts, cause)
		notify()
		return
	}

	attempt := c.tab.Attempts
	delay := BackoffDelay(attempt)
	c.retry = c.clock.AfterFunc(delay, func() { c.attempt(c.ctx, next) })
	notify := c.setStatus(StatusReconnecting)
	c.mu.Unlock()

	log.Printf("[client] tab %s: connection lost (%v), retry %d in %s", c.tab.ID, cause, attempt, delay)
	notify()
}

// enterErrorLocked moves the tab to error and starts the local emulator.
func (c *Controller) enterErrorLocked() func() {
	c.tab.Attempts = 0
	notify := c.setStatus(StatusError)
	c.emu = NewEmulator(&lockedWriter{c}, EmulatorHooks{
		Status:    c.describe,
		Reconnect: func() { go c.Reconnect(c.ctx) },
		Exit:      c.Detach,
		Now:       c.clock.Now,
	})
	return notify
}

// describe is the emulator's status line.
func (c *Controller) describe() string {
	t := c.Tab()
	s := fmt.Sprintf("tab %s (%s): %s", t.Name, t.ID, t.Status)
	if t.SessionID != "" {
		s += ", last session " + t.SessionID
	}
	return s
}

type lockedWriter struct{ c *Controller }

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.c.outMu.Lock()
	defer w.c.outMu.Unlock()
	return w.c.opts.Output.Write(p)
}

func (c *Controller) scheduleHeartbeatLocked(gen uint64, conn Conn) {
	c.heartbeat = c.clock.AfterFunc(c.opts.HeartbeatInterval, func() {
		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
		var res protocol.HeartbeatResult
		err := conn.Call(ctx, protocol.EventHeartbeat, protocol.HeartbeatRequest{}, &res)
		cancel()
		if err != nil {
			select {
			case <-conn.Done():
				return
			default:
			}
			log.Printf("[client] tab %s: heartbeat: %v", c.tab.ID, err)
		}

		c.mu.Lock()
		if gen == c.gen && !c.closed {
			c.scheduleHeartbeatLocked(gen, conn)
		}
		c.mu.Unlock()
	})
}

func (c *Controller) stopTimersLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// Input sends keystrokes to the session, or to the emulator while the tab
// is in error. Input typed while (re)connecting is dropped.
func (c *Controller) Input(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.emu != nil {
		emu := c.emu
		c.mu.Unlock()
		emu.Feed(data)
		return nil
	}
	if c.tab.Status != StatusConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn, sid := c.conn, c.tab.SessionID
	c.mu.Unlock()

	for len(data) > 0 {
		chunk := data
		if len(chunk) > protocol.MaxInputSize {
			chunk = chunk[:protocol.MaxInputSize]
		}
		data = data[len(chunk):]
		if err := conn.Send(c.ctx, protocol.EventTerminalInput, protocol.InputRequest{TerminalID: sid, Input: string(chunk)}); err != nil {
			return err
		}
	}
	return nil
}

// Resize records the pane size and forwards it when connected.
func (c *Controller) Resize(cols, rows int) error {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	if c.closed || c.tab.Status != StatusConnected || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn, sid := c.conn, c.tab.SessionID
	c.mu.Unlock()
	return conn.Send(c.ctx, protocol.EventTerminalResize, protocol.ResizeRequest{TerminalID: sid, Cols: cols, Rows: rows})
}

// Size returns the last size set with Resize.
func (c *Controller) Size() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// Close kills the session when connected and ends the tab.
func (c *Controller) Close() {
	conn, sid := c.shutdown()
	if conn == nil {
		return
	}
	if sid != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var res protocol.SuccessResult
		if err := conn.Call(ctx, protocol.EventTerminalKill, protocol.KillRequest{TerminalID: sid}, &res); err != nil {
			log.Printf("[client] tab %s: kill %s: %v", c.tab.ID, sid, err)
		}
		cancel()
	}
	conn.Close()
}

// Detach ends the tab but leaves the session running on the gateway, where
// it stays recoverable for the grace period.
func (c *Controller) Detach() {
	if conn, _ := c.shutdown(); conn != nil {
		conn.Close()
	}
}

func (c *Controller) shutdown() (Conn, string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ""
	}
	c.closed = true
	c.gen++
	c.stopTimersLocked()
	c.emu = nil
	conn, sid := c.conn, c.tab.SessionID
	c.conn = nil
	notify := c.setStatus(StatusDisconnected)
	c.mu.Unlock()

	c.cancel()
	notify()
	return conn, sid
}
