package ptyterm

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gluk-w/termhub/internal/logutil"
	"github.com/google/uuid"
)

// DefaultKillGrace is how long Destroy waits after SIGTERM before SIGKILL.
const DefaultKillGrace = 3 * time.Second

// drainTimeout bounds how long the exit waiter waits for buffered output
// after the shell exits. A background job holding the PTY open would
// otherwise keep the session alive forever.
const drainTimeout = 2 * time.Second

// DirResolver maps a project id to a workspace directory.
type DirResolver interface {
	Resolve(projectID string) (string, bool)
}

// ExitFunc is called exactly once when a session's process is gone.
type ExitFunc func(s *Session, exitCode int)

// RegistryConfig holds the settings applied to every new session.
type RegistryConfig struct {
	// ScrollbackSize is the max scrollback buffer size per session.
	ScrollbackSize int
	// DefaultShell is preferred when a create request names no shell.
	DefaultShell string
	// RecordingDir enables session recording when non-empty.
	RecordingDir string
	// Sealer encrypts recordings before they are written (nil = plaintext).
	Sealer Sealer
	// Resolver maps project ids to directories (nil = none).
	Resolver DirResolver
	// KillGrace overrides DefaultKillGrace.
	KillGrace time.Duration
}

// CreateOptions are the per-session parameters of Create.
type CreateOptions struct {
	Cols      int
	Rows      int
	Shell     string
	Cwd       string
	ProjectID string
}

// Registry tracks every live PTY session of this process.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	sessions map[string]*Session
	onExit   ExitFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// SetExitHandler installs the callback fired when a session ends.
func (r *Registry) SetExitHandler(fn ExitFunc) {
	r.mu.Lock()
	r.onExit = fn
	r.mu.Unlock()
}

// Create spawns a shell under a new PTY owned by ownerID. It is safe to
// call from any goroutine; spawning may take a while, so the gateway calls
// it off its event loop.
func (r *Registry) Create(ownerID string, opts CreateOptions) (*Session, error) {
	shell, err := ValidateShell(opts.Shell)
	if err != nil {
		return nil, err
	}
	if shell == "" {
		shell = DefaultShell(r.cfg.DefaultShell)
	}

	dir := r.resolveDir(opts)

	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	cols, rows := ClampSize(opts.Cols, opts.Rows)

	cmd := exec.Command(shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrSpawnFailed, shell, err)
	}

	if dir == "" {
		dir, _ = os.Getwd()
	}

	s := newSession(uuid.New().String(), ownerID, cmd, ptmx, cols, rows, r.cfg.ScrollbackSize)
	s.Shell = shell
	s.Dir = dir
	s.ProjectID = opts.ProjectID
	if r.cfg.RecordingDir != "" {
		s.Recording = NewSessionRecording(0)
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go s.relay()
	go r.wait(s)

	log.Printf("[ptyterm] created session %s pid=%d (shell %s, %dx%d)", s.ID, s.Pid(), shell, cols, rows)
	return s, nil
}

func (r *Registry) resolveDir(opts CreateOptions) string {
	if opts.Cwd != "" && dirExists(opts.Cwd) {
		return opts.Cwd
	}
	if opts.ProjectID != "" && r.cfg.Resolver != nil {
		if p, ok := r.cfg.Resolver.Resolve(opts.ProjectID); ok && dirExists(p) {
			return p
		}
	}
	return ""
}

// wait reaps the process, drains remaining output and finishes the session.
func (r *Registry) wait(s *Session) {
	err := s.cmd.Wait()
	code := 0
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}

	select {
	case <-s.relayDone:
	case <-time.After(drainTimeout):
	}
	s.ptmx.Close()
	<-s.relayDone

	r.finish(s, code)
}

func (r *Registry) finish(s *Session, code int) {
	s.exitOnce.Do(func() {
		s.markClosing(ReasonExited)
		s.mu.Lock()
		s.exitCode = code
		s.mu.Unlock()

		r.mu.Lock()
		if cur, ok := r.sessions[s.ID]; ok && cur == s {
			delete(r.sessions, s.ID)
		}
		onExit := r.onExit
		r.mu.Unlock()

		close(s.done)
		r.saveRecording(s)

		log.Printf("[ptyterm] session %s ended (exit %d, %s)", s.ID, code, s.CloseReason())
		if onExit != nil {
			onExit(s, code)
		}
	})
}

func (r *Registry) saveRecording(s *Session) {
	if s.Recording == nil || r.cfg.RecordingDir == "" {
		return
	}
	cols, rows := s.Size()
	path, err := WriteRecording(r.cfg.RecordingDir, s.ID, cols, rows, s.Recording, r.cfg.Sealer)
	if err != nil {
		log.Printf("[ptyterm] session %s: %v", s.ID, err)
		return
	}
	log.Printf("[ptyterm] session %s recording saved to %s", s.ID, path)
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every live session.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Write forwards input to a session. It returns false for unknown ids,
// oversized input or a failed write.
func (r *Registry) Write(id string, data []byte) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	if len(data) > MaxInputMessageSize {
		log.Printf("[ptyterm] session %s: dropped %s input (limit %d)", id, logutil.ByteCount(data), MaxInputMessageSize)
		return false
	}
	if err := s.write(data); err != nil {
		log.Printf("[ptyterm] session %s: write: %v", id, err)
		return false
	}
	return true
}

// Resize sets the PTY window size, clamping to the allowed bounds.
func (r *Registry) Resize(id string, cols, rows int) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	c, rw := ClampSize(cols, rows)
	if err := s.resize(c, rw); err != nil {
		log.Printf("[ptyterm] session %s: resize: %v", id, err)
		return false
	}
	return true
}

// Destroy terminates a session and removes it from the registry. It
// returns false when the id is unknown, so a second call is a no-op.
func (r *Registry) Destroy(id string) bool {
	return r.DestroyWithReason(id, ReasonKilled)
}

// DestroyWithReason is Destroy with the close reason reported to the exit
// handler through Session.CloseReason.
func (r *Registry) DestroyWithReason(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.markClosing(reason)
	r.terminate(s)
	return true
}

// terminate hangs up and signals the process group, then escalates to
// SIGKILL if the shell is still around after the grace period.
func (r *Registry) terminate(s *Session) {
	pid := s.Pid()
	if pid > 0 {
		// pty.Start makes the shell a session leader, so -pid is its group.
		_ = syscall.Kill(-pid, syscall.SIGHUP)
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Printf("[ptyterm] session %s: SIGTERM: %v", s.ID, err)
		}
	}

	go func() {
		select {
		case <-s.done:
		case <-time.After(r.cfg.KillGrace):
			if pid > 0 {
				log.Printf("[ptyterm] session %s still running after %s, sending SIGKILL", s.ID, r.cfg.KillGrace)
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}
	}()
}

// CloseAll destroys every live session and waits for them to finish, up to
// the kill grace period plus the drain timeout.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		ids = append(ids, id)
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.DestroyWithReason(id, ReasonShutdown)
	}

	deadline := time.After(r.cfg.KillGrace + drainTimeout + time.Second)
	for _, s := range all {
		select {
		case <-s.Done():
		case <-deadline:
			log.Printf("[ptyterm] CloseAll: gave up waiting for %d sessions", len(all))
			return
		}
	}
	if len(all) > 0 {
		log.Printf("[ptyterm] closed %d sessions", len(all))
	}
}
