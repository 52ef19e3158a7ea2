package ptyterm

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var (
	ErrShellNotAllowed = errors.New("shell not allowed")
	ErrSpawnFailed     = errors.New("process spawn failed")
	ErrInputTooLarge   = errors.New("input too large")
)

// AllowedShells is the whitelist of shells that may be started. Keys are
// absolute paths; bare names like "zsh" are resolved through PATH and the
// result must be in this set.
var AllowedShells = map[string]bool{
	"/bin/bash":     true,
	"/bin/sh":       true,
	"/bin/zsh":      true,
	"/bin/dash":     true,
	"/usr/bin/bash": true,
	"/usr/bin/zsh":  true,
	"/usr/bin/fish": true,
	"/bin/fish":     true,
}

// Security-related limits for terminal sessions.
const (
	// MaxInputMessageSize is the largest single input write accepted.
	MaxInputMessageSize = 64 * 1024

	MaxCols = 500
	MaxRows = 200

	DefaultCols = 80
	DefaultRows = 24
)

// ValidateShell resolves shell to an absolute allowed path. An empty shell
// is valid and means "use the default".
func ValidateShell(shell string) (string, error) {
	if shell == "" {
		return "", nil
	}
	if AllowedShells[shell] {
		return shell, nil
	}
	if filepath.Base(shell) == shell {
		if p, err := exec.LookPath(shell); err == nil && AllowedShells[p] {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrShellNotAllowed, shell)
}

// DefaultShell picks the shell used when a create request names none:
// preferred (if allowed and present), then $SHELL, then bash, then sh.
func DefaultShell(preferred string) string {
	candidates := []string{preferred, os.Getenv("SHELL"), "/bin/bash", "/usr/bin/bash"}
	for _, c := range candidates {
		if c == "" || !AllowedShells[c] {
			continue
		}
		if fileExists(c) {
			return c
		}
	}
	return "/bin/sh"
}

// ClampSize bounds terminal dimensions to [1, MaxCols] x [1, MaxRows].
func ClampSize(cols, rows int) (uint16, uint16) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return uint16(cols), uint16(rows)
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
