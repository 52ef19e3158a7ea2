package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/gluk-w/termhub/internal/client"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type connectOptions struct {
	shell   string
	project string
	cwd     string
	logFile string
}

func newConnectCmd(opts *rootOptions) *cobra.Command {
	co := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a new interactive shell on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd, opts, co, "")
		},
	}
	addConnectFlags(cmd, co)
	return cmd
}

func newAttachCmd(opts *rootOptions) *cobra.Command {
	co := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Reattach to a session that is still running on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, opts, co, args[0])
		},
	}
	addConnectFlags(cmd, co)
	return cmd
}

func addConnectFlags(cmd *cobra.Command, co *connectOptions) {
	cmd.Flags().StringVar(&co.shell, "shell", "", "shell to start (overrides config)")
	cmd.Flags().StringVar(&co.project, "project", "", "project id whose directory the shell starts in")
	cmd.Flags().StringVar(&co.cwd, "cwd", "", "working directory on the server")
	cmd.Flags().StringVar(&co.logFile, "log-file", "", "write client logs here instead of discarding them")
}

func runInteractive(cmd *cobra.Command, opts *rootOptions, co *connectOptions, sessionID string) error {
	cfg, err := opts.resolve()
	if err != nil {
		return err
	}
	wsURL, err := cfg.wsURL()
	if err != nil {
		return err
	}
	prefix, err := cfg.detachByte()
	if err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return errors.New("stdin is not a terminal")
	}

	// Raw mode owns the screen, so client logs go to a file or nowhere.
	logOut := io.Discard
	if co.logFile != "" {
		f, err := os.OpenFile(co.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log.SetOutput(logOut)
	defer log.SetOutput(os.Stderr)

	cols, rows := terminalSize()
	out := cmd.OutOrStdout()
	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }

	ws := client.NewWorkspace(cols, rows, client.Options{
		Dialer: &client.WebsocketDialer{
			URL:              wsURL,
			Token:            cfg.Token,
			TokenInHandshake: cfg.TokenInHandshake,
		},
		Output:    out,
		Shell:     firstNonEmpty(co.shell, cfg.Shell),
		ProjectID: firstNonEmpty(co.project, cfg.Project),
		Cwd:       firstNonEmpty(co.cwd, cfg.Cwd),
		OnStatus: func(t client.Tab) {
			fmt.Fprint(out, statusLine(t))
			if t.Status == client.StatusDisconnected {
				finish()
			}
		},
	})

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	tab, err := ws.Open(ctx, "", sessionID)
	if err != nil && tab == nil {
		return err
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-winch:
				ws.Resize(terminalSize())
			case <-done:
				return
			}
		}
	}()

	keys := &keyFilter{prefix: prefix}
	var killed atomic.Bool
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				fwd, actions := keys.feed(buf[:n])
				if len(fwd) > 0 {
					ws.Input(fwd)
				}
				for _, a := range actions {
					if a == actionKill {
						killed.Store(true)
					}
					runAction(ctx, ws, a, out)
				}
			}
			if err != nil {
				finish()
				return
			}
		}
	}()

	<-done
	fmt.Fprint(out, "\r\n")
	if t := ws.Active(); t != nil && !killed.Load() {
		if sid := t.Tab().SessionID; sid != "" {
			fmt.Fprintf(out, "session %s is still running; reattach with: termctl attach %s\r\n", sid, sid)
		}
	}
	return nil
}

// keyAction is a command entered after the prefix key.
type keyAction byte

const (
	actionDetach    keyAction = 'd'
	actionKill      keyAction = 'k'
	actionReconnect keyAction = 'r'
	actionHelp      keyAction = '?'
)

// keyFilter splits stdin into bytes for the shell and prefix commands. The
// prefix key followed by itself sends the prefix byte through.
type keyFilter struct {
	prefix  byte
	pending bool
}

func (f *keyFilter) feed(p []byte) ([]byte, []keyAction) {
	var fwd []byte
	var actions []keyAction
	for _, b := range p {
		if f.pending {
			f.pending = false
			switch keyAction(b) {
			case actionDetach, actionKill, actionReconnect, actionHelp:
				actions = append(actions, keyAction(b))
			default:
				if b == f.prefix {
					fwd = append(fwd, b)
				}
			}
			continue
		}
		if b == f.prefix {
			f.pending = true
			continue
		}
		fwd = append(fwd, b)
	}
	return fwd, actions
}

func runAction(ctx context.Context, ws *client.Workspace, a keyAction, out io.Writer) {
	tab := ws.Active()
	if tab == nil {
		return
	}
	switch a {
	case actionDetach:
		tab.Detach()
	case actionKill:
		ws.CloseTab(tab.Tab().ID)
	case actionReconnect:
		go tab.Reconnect(ctx)
	case actionHelp:
		fmt.Fprint(out, "\r\n"+color.CyanString("prefix commands: d detach, k kill session, r reconnect, prefix twice sends it")+"\r\n")
	}
}

func statusLine(t client.Tab) string {
	var s string
	switch t.Status {
	case client.StatusConnected:
		s = color.GreenString("connected")
		if t.SessionID != "" {
			s += color.HiBlackString(" (session %s)", t.SessionID)
		}
	case client.StatusConnecting:
		s = color.CyanString("connecting...")
	case client.StatusReconnecting:
		s = color.YellowString("reconnecting (attempt %d/%d)", t.Attempts, client.MaxAttempts)
	case client.StatusError:
		s = color.RedString("server unreachable")
	case client.StatusDisconnected:
		s = color.HiBlackString("disconnected")
	default:
		s = string(t.Status)
	}
	return "\r\n[termctl] " + s + "\r\n"
}

func terminalSize() (int, int) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return cols, rows
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
