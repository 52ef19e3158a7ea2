// Package directory tracks which socket owns the output of each terminal
// session and how long each session has gone without a live owner.
//
// A Directory is not safe for concurrent use. The gateway touches it only
// from its event loop.
package directory

import (
	"log"
	"sort"
	"time"
)

// Destroyer terminates a session's process. *ptyterm.Registry satisfies it.
type Destroyer interface {
	Destroy(id string) bool
}

// Entry is the directory's view of one session.
type Entry struct {
	SessionID string
	OwnerID   string
	// SocketID is the connection that currently receives output, or ""
	// when the session is orphaned.
	SocketID     string
	Alive        bool
	CreatedAt    time.Time
	LastActivity time.Time
	// DeadSince is when Alive last went false (zero while alive).
	DeadSince time.Time

	cancel func()
}

// Directory maps session ids to entries.
type Directory struct {
	entries   map[string]*Entry
	destroyer Destroyer
}

// New creates an empty directory. Reap destroys expired sessions through d.
func New(d Destroyer) *Directory {
	return &Directory{
		entries:   make(map[string]*Entry),
		destroyer: d,
	}
}

// Add registers a freshly created session bound to socketID. cancel
// unsubscribes the socket's output listener.
func (d *Directory) Add(sessionID, ownerID, socketID string, now time.Time, cancel func()) *Entry {
	if old, ok := d.entries[sessionID]; ok {
		old.cancelSub()
	}
	e := &Entry{
		SessionID:    sessionID,
		OwnerID:      ownerID,
		SocketID:     socketID,
		Alive:        true,
		CreatedAt:    now,
		LastActivity: now,
		cancel:       cancel,
	}
	d.entries[sessionID] = e
	return e
}

// Get returns the entry for sessionID.
func (d *Directory) Get(sessionID string) (*Entry, bool) {
	e, ok := d.entries[sessionID]
	return e, ok
}

// Touch records activity and marks the session alive.
func (d *Directory) Touch(sessionID string, now time.Time) bool {
	e, ok := d.entries[sessionID]
	if !ok {
		return false
	}
	e.LastActivity = now
	e.setAlive(true, now)
	return true
}

// TouchSocket touches every session bound to socketID. Heartbeats use it
// to keep a connected client's sessions alive while it sits idle.
func (d *Directory) TouchSocket(socketID string, now time.Time) int {
	n := 0
	for _, e := range d.entries {
		if e.SocketID == socketID {
			e.LastActivity = now
			e.setAlive(true, now)
			n++
		}
	}
	return n
}

// Bind moves output delivery to socketID, cancelling the previous
// subscription, and marks the session alive.
func (d *Directory) Bind(sessionID, socketID string, now time.Time, cancel func()) bool {
	e, ok := d.entries[sessionID]
	if !ok {
		return false
	}
	e.cancelSub()
	e.SocketID = socketID
	e.cancel = cancel
	e.LastActivity = now
	e.setAlive(true, now)
	return true
}

// Unbind detaches every session bound to socketID: their subscriptions are
// cancelled and they become not-alive. Ownership is kept. It returns the
// affected session ids.
func (d *Directory) Unbind(socketID string, now time.Time) []string {
	var ids []string
	for id, e := range d.entries {
		if e.SocketID != socketID {
			continue
		}
		e.cancelSub()
		e.SocketID = ""
		e.setAlive(false, now)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkStale soft-marks every session idle for longer than idle as
// not-alive. It returns the ids that changed state.
func (d *Directory) MarkStale(now time.Time, idle time.Duration) []string {
	var ids []string
	for id, e := range d.entries {
		if e.Alive && now.Sub(e.LastActivity) > idle {
			e.setAlive(false, now)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Reap removes and destroys sessions that have been not-alive for longer
// than grace, returning their final entries.
func (d *Directory) Reap(now time.Time, grace time.Duration) []Entry {
	var reaped []Entry
	for id, e := range d.entries {
		if e.Alive || now.Sub(e.DeadSince) <= grace {
			continue
		}
		e.cancelSub()
		delete(d.entries, id)
		if d.destroyer != nil {
			d.destroyer.Destroy(id)
		}
		reaped = append(reaped, *e)
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i].SessionID < reaped[j].SessionID })
	if len(reaped) > 0 {
		log.Printf("[directory] reaped %d sessions idle past %s", len(reaped), grace)
	}
	return reaped
}

// Remove drops an entry without destroying the process, cancelling its
// subscription.
func (d *Directory) Remove(sessionID string) bool {
	e, ok := d.entries[sessionID]
	if !ok {
		return false
	}
	e.cancelSub()
	delete(d.entries, sessionID)
	return true
}

// Recoverable returns ownerID's not-alive sessions, oldest first.
func (d *Directory) Recoverable(ownerID string) []Entry {
	var out []Entry
	for _, e := range d.entries {
		if e.OwnerID == ownerID && !e.Alive {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// All returns a copy of every entry, oldest first.
func (d *Directory) All() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of tracked sessions.
func (d *Directory) Len() int {
	return len(d.entries)
}

func (e *Entry) setAlive(alive bool, now time.Time) {
	if e.Alive == alive {
		return
	}
	e.Alive = alive
	if alive {
		e.DeadSince = time.Time{}
	} else {
		e.DeadSince = now
	}
}

func (e *Entry) cancelSub() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}
