package client

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEmulator(t *testing.T, hooks EmulatorHooks) (*Emulator, *safeBuffer) {
	t.Helper()
	out := &safeBuffer{}
	return NewEmulator(out, hooks), out
}

func TestEmulator_EchoAndUnknown(t *testing.T) {
	e, out := newTestEmulator(t, EmulatorHooks{})

	e.Feed([]byte("echo hello   world\r"))
	assert.Contains(t, out.String(), "hello world\r\n")

	e.Feed([]byte("vim\r"))
	assert.Contains(t, out.String(), "vim: not available offline")
	assert.Equal(t, []string{"echo hello   world", "vim"}, e.History())
}

func TestEmulator_BackspaceIsWidthAware(t *testing.T) {
	e, out := newTestEmulator(t, EmulatorHooks{})

	e.Feed([]byte("ab世"))
	before := len(out.String())
	e.Feed([]byte{0x7f})
	assert.Equal(t, "ab", e.Line())
	assert.Equal(t, "\b\b  \b\b", out.String()[before:])

	e.Feed([]byte{0x7f, 0x7f, 0x7f})
	assert.Equal(t, "", e.Line(), "backspace on empty line is a no-op")
}

func TestEmulator_SplitRune(t *testing.T) {
	e, _ := newTestEmulator(t, EmulatorHooks{})
	r := []byte("世")
	e.Feed(r[:1])
	e.Feed(r[1:])
	assert.Equal(t, "世", e.Line())
}

func TestEmulator_History(t *testing.T) {
	e, _ := newTestEmulator(t, EmulatorHooks{})
	e.Feed([]byte("echo one\r"))
	e.Feed([]byte("echo two\r"))

	e.Feed([]byte("\x1b[A"))
	assert.Equal(t, "echo two", e.Line())
	e.Feed([]byte("\x1b[A"))
	assert.Equal(t, "echo one", e.Line())
	e.Feed([]byte("\x1b[A"))
	assert.Equal(t, "echo one", e.Line(), "stops at oldest")
	e.Feed([]byte("\x1b[B\x1b[B"))
	assert.Equal(t, "", e.Line(), "down past newest clears the line")
}

func TestEmulator_ControlKeys(t *testing.T) {
	exited := false
	e, out := newTestEmulator(t, EmulatorHooks{Exit: func() { exited = true }})

	e.Feed([]byte("partial\x03"))
	assert.Equal(t, "", e.Line())
	assert.Contains(t, out.String(), "^C\r\n")

	e.Feed([]byte("x\x0c"))
	assert.True(t, strings.HasSuffix(out.String(), clearScreen+emulatorPrompt+"x"))

	e.Feed([]byte{0x04})
	assert.False(t, e.Closed(), "Ctrl+D with a pending line does nothing")
	e.Feed([]byte{0x03, 0x04})
	assert.True(t, e.Closed())
	assert.True(t, exited)

	e.Feed([]byte("echo ignored\r"))
	assert.NotContains(t, out.String(), "ignored\r\n")
}

func TestEmulator_Builtins(t *testing.T) {
	reconnects := 0
	now := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	e, out := newTestEmulator(t, EmulatorHooks{
		Status:    func() string { return "tab T: error" },
		Reconnect: func() { reconnects++ },
		Now:       func() time.Time { return now },
	})

	e.Feed([]byte("help\r"))
	for _, cmd := range []string{"help", "clear", "echo", "date", "history", "status", "reconnect", "exit"} {
		assert.Contains(t, out.String(), "  "+cmd)
	}

	e.Feed([]byte("date\r"))
	assert.Contains(t, out.String(), now.Format(time.RFC1123))

	e.Feed([]byte("status\r"))
	assert.Contains(t, out.String(), "tab T: error")

	e.Feed([]byte("history\r"))
	assert.Contains(t, out.String(), "   3  status")

	e.Feed([]byte("clear\r"))
	assert.Contains(t, out.String(), clearScreen)

	e.Feed([]byte("reconnect\r"))
	require.Equal(t, 1, reconnects)
	assert.True(t, e.Closed())
}

func TestEmulator_Exit(t *testing.T) {
	exited := false
	e, _ := newTestEmulator(t, EmulatorHooks{Exit: func() { exited = true }})
	e.Feed([]byte("exit\r"))
	assert.True(t, exited)
	assert.True(t, e.Closed())
}
