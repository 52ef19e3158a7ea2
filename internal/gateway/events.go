package gateway

import (
	"fmt"
	"log"

	"github.com/gluk-w/termhub/internal/audit"
	"github.com/gluk-w/termhub/internal/auth"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/directory"
	"github.com/gluk-w/termhub/internal/logutil"
	"github.com/gluk-w/termhub/internal/protocol"
	"github.com/gluk-w/termhub/internal/ptyterm"
)

// dispatch routes a decoded request. Loop only.
func (g *Gateway) dispatch(c *connection, env protocol.Envelope, req interface{}) {
	if c.closed {
		return
	}
	// Input is limited in handleInput, after the ownership check.
	switch req.(type) {
	case *protocol.Handshake, *protocol.InputRequest:
	default:
		if !g.allow(c, env) {
			return
		}
	}
	c.lastActivity = g.now()

	switch r := req.(type) {
	case *protocol.Handshake:
		g.handleHandshake(c, env, "", nil, false)
	case *protocol.CreateRequest:
		g.handleCreate(c, env, r)
	case *protocol.InputRequest:
		g.handleInput(c, env, r)
	case *protocol.ResizeRequest:
		g.handleResize(c, env, r)
	case *protocol.KillRequest:
		g.handleKill(c, env, r)
	case *protocol.RecoverRequest:
		g.handleRecover(c, env, r)
	case *protocol.HeartbeatRequest:
		g.handleHeartbeat(c, env)
	default:
		g.reply(c, env.Ack, nil, protocol.Errorf(protocol.CodeBadRequest, "unsupported event %q", env.Event))
	}
}

// allow charges env against c's rate limit. Over the limit it replies
// RateLimitExceeded, or drops the request for silent buckets. Loop only.
func (g *Gateway) allow(c *connection, env protocol.Envelope) bool {
	err := c.limiter.Allow(env.Event)
	if err == nil {
		return true
	}
	if c.limiter.Silent(env.Event) {
		return false
	}
	g.cfg.Auditor.Record(audit.Entry{
		EventType: audit.EventRateLimited,
		OwnerID:   c.ownerID(),
		SocketID:  c.id,
		SourceIP:  c.remoteIP,
		Details:   env.Event,
	})
	g.reply(c, env.Ack, nil, protocol.Errorf(protocol.CodeRateLimitExceeded, "%v", err))
	return false
}

// reply answers a request: an "error" frame when err is set, otherwise an
// "ack" frame when the request carried an ack id.
func (g *Gateway) reply(c *connection, ack *int64, data interface{}, err error) {
	var frame []byte
	var encErr error
	switch {
	case err != nil:
		frame, encErr = protocol.ErrorFrame(ack, err)
	case ack != nil:
		frame, encErr = protocol.AckFrame(*ack, data)
	default:
		return
	}
	if encErr != nil {
		log.Printf("[gateway] socket %s: encode reply: %v", c.id, encErr)
		return
	}
	c.enqueue(frame)
}

// push sends an unsolicited frame.
func (g *Gateway) push(c *connection, event string, data interface{}) {
	frame, err := protocol.Encode(event, nil, data)
	if err != nil {
		log.Printf("[gateway] socket %s: encode %s: %v", c.id, event, err)
		return
	}
	c.enqueue(frame)
}

// pushRecoverable tells an authenticated connection about its user's
// orphaned sessions.
func (g *Gateway) pushRecoverable(c *connection) {
	if c.userID == "" {
		return
	}
	entries := g.dir.Recoverable(c.userID)
	if len(entries) == 0 {
		return
	}
	list := protocol.Recoverable{Sessions: make([]protocol.RecoverableSession, 0, len(entries))}
	for _, e := range entries {
		list.Sessions = append(list.Sessions, protocol.RecoverableSession{
			ID:           e.SessionID,
			CreatedAt:    e.CreatedAt.UnixMilli(),
			LastActivity: e.LastActivity.UnixMilli(),
		})
	}
	g.push(c, protocol.EventSessionRecoverable, list)
}

// handleHandshake applies a handshake frame. verified is true when the
// reader checked the frame's token; otherwise the frame arrived too late
// (or a token was already presented) and only the current state is
// reported.
func (g *Gateway) handleHandshake(c *connection, env protocol.Envelope, userID string, authErr error, verified bool) {
	if c.closed {
		return
	}
	if verified {
		g.applyAuth(c, userID, authErr, auth.SourceHandshake)
	}
	g.reply(c, env.Ack, protocol.HandshakeResult{Authenticated: c.userID != "", UserID: c.userID}, nil)
}

func (g *Gateway) handleCreate(c *connection, env protocol.Envelope, r *protocol.CreateRequest) {
	owner := c.ownerID()
	opts := ptyterm.CreateOptions{
		Cols:      r.Cols,
		Rows:      r.Rows,
		Shell:     r.Shell,
		Cwd:       r.Cwd,
		ProjectID: r.ProjectID,
	}
	ack := env.Ack

	go func() {
		s, err := g.reg.Create(owner, opts)
		if err == nil && g.cfg.PersistSessions {
			g.persistStart(s)
		}
		if !g.post(func() { g.finishCreate(c, ack, s, err) }) && s != nil {
			g.reg.Destroy(s.ID)
		}
	}()
}

// finishCreate runs on the loop once the spawn goroutine is done.
func (g *Gateway) finishCreate(c *connection, ack *int64, s *ptyterm.Session, err error) {
	if err != nil {
		log.Printf("[gateway] socket %s: create failed: %v", c.id, err)
		g.reply(c, ack, nil, protocol.Errorf(protocol.CodeProcessSpawnFailure, "%v", err))
		return
	}

	select {
	case <-s.Done():
		// Exited before we got here; the exit handler found nothing to
		// clean up, so report both the creation and the exit now.
		g.reply(c, ack, protocol.CreateResult{TerminalID: s.ID}, nil)
		g.push(c, protocol.EventTerminalExit, protocol.Exit{TerminalID: s.ID, ExitCode: s.ExitCode()})
		return
	default:
	}

	now := g.now()
	if c.closed {
		// The socket went away while the shell was starting; keep the
		// session recoverable like any other orphan.
		g.dir.Add(s.ID, s.OwnerID, c.id, now, nil)
		g.dir.Unbind(c.id, now)
	} else {
		g.reply(c, ack, protocol.CreateResult{TerminalID: s.ID}, nil)
		cancel := s.SubscribeWithReplay(g.outputListener(c, s.ID))
		g.dir.Add(s.ID, s.OwnerID, c.id, now, cancel)
		c.owned[s.ID] = struct{}{}
	}
	g.cfg.Auditor.Record(audit.Entry{
		EventType: audit.EventSessionStart,
		OwnerID:   s.OwnerID,
		SessionID: s.ID,
		SocketID:  c.id,
		SourceIP:  c.remoteIP,
		Details:   fmt.Sprintf("shell=%s dir=%s", s.Shell, logutil.SanitizeForLog(s.Dir)),
	})
}

// authorize resolves a session for a request that must come from the
// socket currently bound to it.
func (g *Gateway) authorize(c *connection, sessionID string, requireBound bool) (*directory.Entry, error) {
	e, ok := g.dir.Get(sessionID)
	if !ok {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if e.OwnerID != c.ownerID() || (requireBound && e.SocketID != c.id) {
		g.cfg.Auditor.Record(audit.Entry{
			EventType: audit.EventNotAuthorized,
			OwnerID:   c.ownerID(),
			SessionID: sessionID,
			SocketID:  c.id,
			SourceIP:  c.remoteIP,
		})
		return nil, protocol.Errorf(protocol.CodeNotAuthorized, "session %s is not bound to this connection", sessionID)
	}
	return e, nil
}

func (g *Gateway) handleInput(c *connection, env protocol.Envelope, r *protocol.InputRequest) {
	if _, err := g.authorize(c, r.TerminalID, true); err != nil {
		g.reply(c, env.Ack, nil, err)
		return
	}
	if !g.allow(c, env) {
		return
	}
	if !g.reg.Write(r.TerminalID, []byte(r.Input)) {
		g.reply(c, env.Ack, nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %s is not running", r.TerminalID))
		return
	}
	g.dir.Touch(r.TerminalID, g.now())
	g.reply(c, env.Ack, protocol.SuccessResult{Success: true}, nil)
}

func (g *Gateway) handleResize(c *connection, env protocol.Envelope, r *protocol.ResizeRequest) {
	if _, err := g.authorize(c, r.TerminalID, true); err != nil {
		g.reply(c, env.Ack, nil, err)
		return
	}
	if !g.reg.Resize(r.TerminalID, r.Cols, r.Rows) {
		g.reply(c, env.Ack, nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %s is not running", r.TerminalID))
		return
	}
	g.dir.Touch(r.TerminalID, g.now())
	g.reply(c, env.Ack, protocol.SuccessResult{Success: true}, nil)
}

// handleKill only requires ownership, so a user can close a session left
// bound to another of their sockets.
func (g *Gateway) handleKill(c *connection, env protocol.Envelope, r *protocol.KillRequest) {
	e, err := g.authorize(c, r.TerminalID, false)
	if err != nil {
		g.reply(c, env.Ack, nil, err)
		return
	}
	g.killLocked(e.SessionID, e.SocketID)
	delete(c.owned, r.TerminalID)
	g.reply(c, env.Ack, protocol.SuccessResult{Success: true}, nil)
}

func (g *Gateway) handleRecover(c *connection, env protocol.Envelope, r *protocol.RecoverRequest) {
	e, err := g.authorize(c, r.TerminalID, false)
	if err != nil {
		g.reply(c, env.Ack, nil, err)
		return
	}
	now := g.now()
	if e.SocketID == c.id {
		g.dir.Touch(e.SessionID, now)
		g.reply(c, env.Ack, protocol.SuccessResult{Success: true}, nil)
		return
	}

	s, ok := g.reg.Get(e.SessionID)
	if !ok {
		g.dir.Remove(e.SessionID)
		g.reply(c, env.Ack, nil, protocol.Errorf(protocol.CodeSessionNotFound, "session %s is not running", e.SessionID))
		return
	}

	prev := e.SocketID
	// Bind cancels the previous socket's subscription before the new one
	// starts, so output never reaches two sockets.
	g.dir.Bind(s.ID, c.id, now, nil)
	replayed := s.Scrollback.Len()
	cancel := s.SubscribeWithReplay(g.outputListener(c, s.ID))
	g.dir.Bind(s.ID, c.id, now, cancel)
	if pc, ok := g.conns[prev]; ok {
		delete(pc.owned, s.ID)
	}
	c.owned[s.ID] = struct{}{}
	g.reply(c, env.Ack, protocol.SuccessResult{Success: true}, nil)

	g.cfg.Auditor.Record(audit.Entry{
		EventType: audit.EventSessionRecovered,
		OwnerID:   e.OwnerID,
		SessionID: s.ID,
		SocketID:  c.id,
		SourceIP:  c.remoteIP,
		Details:   fmt.Sprintf("replayed %d bytes", replayed),
	})
	log.Printf("[gateway] socket %s recovered session %s", c.id, s.ID)
}

func (g *Gateway) handleHeartbeat(c *connection, env protocol.Envelope) {
	now := g.now()
	g.dir.TouchSocket(c.id, now)
	g.reply(c, env.Ack, protocol.HeartbeatResult{Timestamp: now.UnixMilli()}, nil)
}

// onSessionExit is the registry's exit handler. It runs on the session's
// exit waiter goroutine.
func (g *Gateway) onSessionExit(s *ptyterm.Session, code int) {
	if g.cfg.PersistSessions {
		g.persistEnd(s, code)
	}
	g.cfg.Auditor.Record(audit.Entry{
		EventType: audit.EventSessionEnd,
		OwnerID:   s.OwnerID,
		SessionID: s.ID,
		Details:   fmt.Sprintf("reason=%s exit=%d", s.CloseReason(), code),
	})

	g.post(func() {
		e, ok := g.dir.Get(s.ID)
		if !ok {
			return
		}
		if c, ok := g.conns[e.SocketID]; ok {
			g.push(c, protocol.EventTerminalExit, protocol.Exit{TerminalID: s.ID, ExitCode: code})
			delete(c.owned, s.ID)
		}
		g.dir.Remove(s.ID)
	})
}

func (g *Gateway) persistStart(s *ptyterm.Session) {
	if database.DB == nil {
		return
	}
	cols, rows := s.Size()
	rec := &database.SessionRecord{
		ID:        s.ID,
		OwnerID:   s.OwnerID,
		Shell:     s.Shell,
		Dir:       s.Dir,
		ProjectID: s.ProjectID,
		Cols:      int(cols),
		Rows:      int(rows),
		CreatedAt: s.CreatedAt,
	}
	if err := database.CreateSessionRecord(rec); err != nil {
		log.Printf("[gateway] session %s: save record: %v", s.ID, err)
	}
}

func (g *Gateway) persistEnd(s *ptyterm.Session, code int) {
	if database.DB == nil {
		return
	}
	reason := s.CloseReason()
	if err := database.CloseSessionRecord(s.ID, reason, &code); err != nil && !database.IsNotFound(err) {
		log.Printf("[gateway] session %s: close record: %v", s.ID, err)
	}
}
