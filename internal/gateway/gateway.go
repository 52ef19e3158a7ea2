// Package gateway terminates terminal client sockets and routes their
// requests to the PTY registry.
//
// # Concurrency
//
// A single event-loop goroutine owns the session directory, the connection
// table and every connection's rate-limit counters. Socket readers decode
// frames and post closures to the loop; spawning a shell can take a while,
// so it runs in its own goroutine and posts the result back. Output reaches
// clients through per-session subscriptions that enqueue frames on the bound
// connection's send queue without blocking.
//
// # Schedules
//
// Two robfig/cron jobs post maintenance onto the loop: a heartbeat sweep
// that soft-marks idle sessions not-alive, and a reaper that destroys
// sessions that stayed not-alive past the grace period.
//
// # Log Prefixes
//
// Gateway log messages use the [gateway] prefix.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/termhub/internal/audit"
	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/directory"
	"github.com/gluk-w/termhub/internal/ptyterm"
	"github.com/gluk-w/termhub/internal/ratelimit"
	"github.com/robfig/cron/v3"
)

// Defaults for Config durations left at zero.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultReapInterval      = 60 * time.Second
	DefaultGracePeriod       = 5 * time.Minute

	defaultSendQueue = 1024
)

// ErrClosed is returned by operations attempted after Shutdown.
var ErrClosed = errors.New("gateway closed")

// Config holds gateway settings.
type Config struct {
	// Verifier authenticates tokens. Nil leaves every connection anonymous.
	Verifier auth.TokenVerifier
	// Auditor receives security events (nil = no audit).
	Auditor *audit.Auditor
	// Buckets overrides the rate-limit buckets (nil = ratelimit.DefaultBuckets).
	Buckets map[string]ratelimit.Bucket

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	GracePeriod       time.Duration

	// PersistSessions writes a database.SessionRecord per session.
	PersistSessions bool
	// OriginPatterns restricts websocket origins. Empty accepts any origin.
	OriginPatterns []string
	// SendQueue is the per-connection outbound frame buffer.
	SendQueue int
}

// SessionInfo is the REST view of one session.
type SessionInfo struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Bound        bool      `json:"bound"`
	Alive        bool      `json:"alive"`
	Shell        string    `json:"shell,omitempty"`
	Dir          string    `json:"dir,omitempty"`
	Cols         int       `json:"cols"`
	Rows         int       `json:"rows"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Gateway is the connection gateway.
type Gateway struct {
	cfg   Config
	reg   *ptyterm.Registry
	dir   *directory.Directory
	conns map[string]*connection

	nowFn func() time.Time

	ops      chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	sched     *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a gateway around reg and starts its event loop. It installs
// itself as reg's exit handler. Start adds the maintenance schedules.
func New(reg *ptyterm.Registry, cfg Config) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		reg:      reg,
		conns:    make(map[string]*connection),
		nowFn:    time.Now,
		ops:      make(chan func(), 256),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		sched:    cron.New(),
	}
	g.dir = directory.New(reaper{reg})
	reg.SetExitHandler(g.onSessionExit)
	go g.loop()
	return g
}

// reaper destroys reaped sessions with the "reaped" close reason.
type reaper struct{ reg *ptyterm.Registry }

func (r reaper) Destroy(id string) bool {
	return r.reg.DestroyWithReason(id, ptyterm.ReasonReaped)
}

// SetNowFunc replaces the clock. Call before Start.
func (g *Gateway) SetNowFunc(fn func() time.Time) {
	g.nowFn = fn
}

// Start launches the maintenance schedules.
func (g *Gateway) Start() error {
	var err error
	g.startOnce.Do(func() {
		if _, err = g.sched.AddFunc(every(g.cfg.HeartbeatInterval), func() { g.post(g.sweep) }); err != nil {
			err = fmt.Errorf("schedule heartbeat sweep: %w", err)
			return
		}
		if _, err = g.sched.AddFunc(every(g.cfg.ReapInterval), func() { g.post(g.reap) }); err != nil {
			err = fmt.Errorf("schedule reaper: %w", err)
			return
		}
		g.sched.Start()
		log.Printf("[gateway] started (sweep every %s, idle %s, reap every %s, grace %s)",
			g.cfg.HeartbeatInterval, g.cfg.IdleTimeout, g.cfg.ReapInterval, g.cfg.GracePeriod)
	})
	return err
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

func (g *Gateway) loop() {
	defer close(g.loopDone)
	for {
		select {
		case fn := <-g.ops:
			fn()
		case <-g.ctx.Done():
			return
		}
	}
}

// post queues fn on the event loop. It returns false after Shutdown.
func (g *Gateway) post(fn func()) bool {
	select {
	case g.ops <- fn:
		return true
	case <-g.ctx.Done():
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (g *Gateway) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !g.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-g.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) now() time.Time {
	return g.nowFn()
}

// sweep soft-marks sessions idle past IdleTimeout.
func (g *Gateway) sweep() {
	ids := g.dir.MarkStale(g.now(), g.cfg.IdleTimeout)
	if len(ids) > 0 {
		log.Printf("[gateway] marked %d idle sessions not-alive", len(ids))
	}
}

// reap destroys sessions not-alive past GracePeriod.
func (g *Gateway) reap() {
	for _, e := range g.dir.Reap(g.now(), g.cfg.GracePeriod) {
		if c, ok := g.conns[e.SocketID]; ok {
			delete(c.owned, e.SessionID)
		}
		g.cfg.Auditor.Record(audit.Entry{
			EventType: audit.EventSessionReaped,
			OwnerID:   e.OwnerID,
			SessionID: e.SessionID,
			Details:   fmt.Sprintf("not alive since %s", e.DeadSince.UTC().Format(time.RFC3339)),
		})
	}
}

// RunMaintenance runs one heartbeat sweep and one reap pass synchronously.
func (g *Gateway) RunMaintenance(ctx context.Context) error {
	return g.call(ctx, func() {
		g.sweep()
		g.reap()
	})
}

// ListSessions returns the sessions owned by ownerID, or every session when
// ownerID is empty.
func (g *Gateway) ListSessions(ctx context.Context, ownerID string) ([]SessionInfo, error) {
	var out []SessionInfo
	err := g.call(ctx, func() {
		for _, e := range g.dir.All() {
			if ownerID != "" && e.OwnerID != ownerID {
				continue
			}
			info := SessionInfo{
				ID:           e.SessionID,
				OwnerID:      e.OwnerID,
				Bound:        e.SocketID != "",
				Alive:        e.Alive,
				CreatedAt:    e.CreatedAt,
				LastActivity: e.LastActivity,
			}
			if s, ok := g.reg.Get(e.SessionID); ok {
				cols, rows := s.Size()
				info.Shell, info.Dir = s.Shell, s.Dir
				info.Cols, info.Rows = int(cols), int(rows)
			}
			out = append(out, info)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// Errors returned by KillSession.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotAuthorized   = errors.New("not authorized")
)

// KillSession destroys a session on behalf of ownerID. An empty ownerID
// may kill any session.
func (g *Gateway) KillSession(ctx context.Context, ownerID, sessionID string) error {
	var result error
	err := g.call(ctx, func() {
		e, ok := g.dir.Get(sessionID)
		if !ok {
			result = ErrSessionNotFound
			return
		}
		if ownerID != "" && e.OwnerID != ownerID {
			result = ErrNotAuthorized
			return
		}
		g.killLocked(e.SessionID, e.SocketID)
	})
	if err != nil {
		return err
	}
	return result
}

// killLocked destroys a session and forgets it. Loop only.
func (g *Gateway) killLocked(sessionID, socketID string) {
	g.reg.Destroy(sessionID)
	g.dir.Remove(sessionID)
	if c, ok := g.conns[socketID]; ok {
		delete(c.owned, sessionID)
	}
}

// Stats is a point-in-time count for health checks.
type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
	Processes   int `json:"processes"`
}

func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := g.call(ctx, func() {
		st.Connections = len(g.conns)
		st.Sessions = g.dir.Len()
	})
	st.Processes = g.reg.Len()
	return st, err
}

// Shutdown stops the schedules, closes every socket and kills every live
// session.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var err error
	g.stopOnce.Do(func() {
		stopped := g.sched.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}

		var conns []*connection
		if cerr := g.call(ctx, func() {
			for _, c := range g.conns {
				conns = append(conns, c)
			}
		}); cerr != nil && !errors.Is(cerr, ErrClosed) {
			err = cerr
		}
		for _, c := range conns {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}

		g.cancel()
		<-g.loopDone

		g.reg.CloseAll()
		log.Printf("[gateway] shut down (%d connections closed)", len(conns))
	})
	return err
}
