package ptyterm

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// Close reasons reported by [Session.CloseReason].
const (
	ReasonExited   = "exited"
	ReasonKilled   = "killed"
	ReasonReaped   = "reaped"
	ReasonShutdown = "shutdown"
)

// OutputFunc receives a chunk of PTY output. It is called from the
// session's relay goroutine and must not block.
type OutputFunc func(data []byte)

// Session is one shell running under a pseudo-terminal.
//
// Lifecycle:
//  1. Created via Registry.Create() → relay and exit waiter running
//  2. Output fans out to subscribers and the scrollback
//  3. Process exits, or Registry.Destroy() terminates it → Done() closed
type Session struct {
	ID        string
	OwnerID   string
	Shell     string
	Dir       string
	ProjectID string
	CreatedAt time.Time

	// Scrollback stores recent output for replay on recovery.
	Scrollback *ScrollbackBuffer
	// Recording captures timestamped I/O (nil if disabled).
	Recording *SessionRecording

	cmd  *exec.Cmd
	ptmx *os.File

	mu           sync.Mutex
	cols, rows   uint16
	lastActivity time.Time
	closeReason  string
	exitCode     int

	outMu     sync.Mutex
	listeners map[uint64]OutputFunc
	nextSub   uint64

	relayDone chan struct{}
	done      chan struct{}
	exitOnce  sync.Once
}

func newSession(id, ownerID string, cmd *exec.Cmd, ptmx *os.File, cols, rows uint16, scrollback int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		OwnerID:      ownerID,
		CreatedAt:    now,
		Scrollback:   NewScrollbackBuffer(scrollback),
		cmd:          cmd,
		ptmx:         ptmx,
		cols:         cols,
		rows:         rows,
		lastActivity: now,
		listeners:    make(map[uint64]OutputFunc),
		relayDone:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Subscribe registers fn for every future output chunk. The returned
// cancel func removes it and is safe to call more than once.
func (s *Session) Subscribe(fn OutputFunc) (cancel func()) {
	return s.subscribe(fn, false)
}

// SubscribeWithReplay first hands fn the current scrollback, then
// registers it for future output. Both happen under the output lock, so no
// chunk is lost, repeated or reordered between the replay and the live
// stream.
func (s *Session) SubscribeWithReplay(fn OutputFunc) (cancel func()) {
	return s.subscribe(fn, true)
}

func (s *Session) subscribe(fn OutputFunc, replay bool) func() {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if replay {
		if snap := s.Scrollback.Snapshot(); len(snap) > 0 {
			fn(snap)
		}
	}
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.outMu.Lock()
			delete(s.listeners, id)
			s.outMu.Unlock()
		})
	}
}

// SubscriberCount returns the number of registered output listeners.
func (s *Session) SubscriberCount() int {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return len(s.listeners)
}

// relay copies PTY output into the scrollback, the recording and every
// subscriber until the PTY read fails.
func (s *Session) relay() {
	defer close(s.relayDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.publish(data)
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) publish(data []byte) {
	s.outMu.Lock()
	s.Scrollback.Write(data)
	if s.Recording != nil {
		s.Recording.RecordOutput(data)
	}
	fns := make([]OutputFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.outMu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (s *Session) write(data []byte) error {
	if _, err := s.ptmx.Write(data); err != nil {
		return err
	}
	if s.Recording != nil {
		s.Recording.RecordInput(data)
	}
	s.touch()
	return nil
}

func (s *Session) resize(cols, rows uint16) error {
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// LastActivity returns the time of the last input or resize.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed once the shell has exited and the session is finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode is valid after Done is closed. Processes killed by a signal
// report -1.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// CloseReason is one of the Reason constants once the session is going
// away, and "" before that.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// markClosing records why the session is going away. The first reason wins.
func (s *Session) markClosing(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason != "" {
		return false
	}
	s.closeReason = reason
	return true
}
