package client

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

const (
	emulatorPrompt = "offline$ "
	maxHistory     = 100
	clearScreen    = "\x1b[2J\x1b[H"
)

// EmulatorHooks connect the emulator's built-ins to its tab.
type EmulatorHooks struct {
	Status    func() string
	Reconnect func()
	Exit      func()
	Now       func() time.Time
}

// Emulator is the offline line editor shown when a tab gives up
// reconnecting. It never touches the network.
type Emulator struct {
	out   io.Writer
	hooks EmulatorHooks

	mu      sync.Mutex
	line    []rune
	history []string
	histPos int
	esc     int
	carry   []byte
	closed  bool
}

// NewEmulator prints a banner and the prompt to out.
func NewEmulator(out io.Writer, hooks EmulatorHooks) *Emulator {
	if hooks.Now == nil {
		hooks.Now = time.Now
	}
	e := &Emulator{out: out, hooks: hooks}
	fmt.Fprint(out, "\r\n\x1b[33mConnection lost. Local mode: type 'help' for commands, 'reconnect' to retry.\x1b[0m\r\n")
	fmt.Fprint(out, emulatorPrompt)
	return e
}

// Closed reports whether the emulator has exited.
func (e *Emulator) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Line returns the current edit buffer.
func (e *Emulator) Line() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return string(e.line)
}

// History returns the executed command lines, oldest first.
func (e *Emulator) History() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.history...)
}

// Feed processes keyboard input. Runes split across calls are joined.
func (e *Emulator) Feed(p []byte) {
	var after []func()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.carry) > 0 {
		p = append(e.carry, p...)
		e.carry = nil
	}
	for len(p) > 0 && !e.closed {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && !utf8.FullRune(p) {
			e.carry = append([]byte(nil), p...)
			break
		}
		p = p[size:]
		if fn := e.key(r); fn != nil {
			after = append(after, fn)
		}
	}
	e.mu.Unlock()

	// hooks run unlocked so they may call back into the emulator
	for _, fn := range after {
		fn()
	}
}

// key handles one rune and returns a hook to run after unlocking.
func (e *Emulator) key(r rune) func() {
	switch e.esc {
	case 1:
		if r == '[' || r == 'O' {
			e.esc = 2
		} else {
			e.esc = 0
		}
		return nil
	case 2:
		e.esc = 0
		switch r {
		case 'A':
			e.historyStep(-1)
		case 'B':
			e.historyStep(1)
		}
		return nil
	}

	switch r {
	case 0x1b:
		e.esc = 1
	case '\r', '\n':
		return e.execute()
	case 0x7f, 0x08:
		e.backspace()
	case 0x03:
		e.line = e.line[:0]
		e.histPos = len(e.history)
		e.write("^C\r\n" + emulatorPrompt)
	case 0x0c:
		e.write(clearScreen + emulatorPrompt + string(e.line))
	case 0x04:
		if len(e.line) == 0 {
			e.closed = true
			e.write("\r\n[local mode closed]\r\n")
			return e.hooks.Exit
		}
	default:
		if r >= 0x20 {
			e.line = append(e.line, r)
			e.write(string(r))
		}
	}
	return nil
}

func (e *Emulator) write(s string) {
	io.WriteString(e.out, s)
}

func (e *Emulator) backspace() {
	if len(e.line) == 0 {
		return
	}
	last := e.line[len(e.line)-1]
	e.line = e.line[:len(e.line)-1]
	w := runewidth.RuneWidth(last)
	if w < 1 {
		return
	}
	e.write(strings.Repeat("\b", w) + strings.Repeat(" ", w) + strings.Repeat("\b", w))
}

// historyStep moves through history and redraws the line.
func (e *Emulator) historyStep(dir int) {
	if len(e.history) == 0 {
		return
	}
	pos := e.histPos + dir
	if pos < 0 {
		pos = 0
	}
	if pos > len(e.history) {
		pos = len(e.history)
	}
	e.histPos = pos
	e.eraseLine()
	if pos == len(e.history) {
		e.line = e.line[:0]
	} else {
		e.line = []rune(e.history[pos])
	}
	e.write(string(e.line))
}

func (e *Emulator) eraseLine() {
	w := runewidth.StringWidth(string(e.line))
	if w == 0 {
		return
	}
	e.write(strings.Repeat("\b", w) + strings.Repeat(" ", w) + strings.Repeat("\b", w))
}

func (e *Emulator) execute() func() {
	input := strings.TrimSpace(string(e.line))
	e.line = e.line[:0]
	e.write("\r\n")
	if input != "" {
		e.history = append(e.history, input)
		if len(e.history) > maxHistory {
			e.history = e.history[len(e.history)-maxHistory:]
		}
	}
	e.histPos = len(e.history)

	fields := strings.Fields(input)
	var hook func()
	if len(fields) > 0 {
		hook = e.builtin(fields[0], fields[1:])
	}
	if !e.closed {
		e.write(emulatorPrompt)
	}
	return hook
}

func (e *Emulator) builtin(name string, args []string) func() {
	switch name {
	case "help":
		e.write("Available commands:\r\n" +
			"  help       show this help\r\n" +
			"  clear      clear the screen\r\n" +
			"  echo ARGS  print ARGS\r\n" +
			"  date       show the local time\r\n" +
			"  history    list previous commands\r\n" +
			"  status     show connection status\r\n" +
			"  reconnect  try to reach the server again\r\n" +
			"  exit       close local mode\r\n")
	case "clear":
		e.write(clearScreen)
	case "echo":
		e.write(strings.Join(args, " ") + "\r\n")
	case "date":
		e.write(e.hooks.Now().Format(time.RFC1123) + "\r\n")
	case "history":
		for i, h := range e.history {
			e.write(fmt.Sprintf("%4d  %s\r\n", i+1, h))
		}
	case "status":
		status := "offline"
		if e.hooks.Status != nil {
			status = e.hooks.Status()
		}
		e.write(status + "\r\n")
	case "reconnect":
		e.write("Reconnecting...\r\n")
		e.closed = true
		return e.hooks.Reconnect
	case "exit":
		e.closed = true
		e.write("[local mode closed]\r\n")
		return e.hooks.Exit
	default:
		e.write(name + ": not available offline (type 'help')\r\n")
	}
	return nil
}
