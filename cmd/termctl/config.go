package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const (
	configDirName  = "termhub"
	configFileName = "termctl.toml"
	defaultServer  = "http://localhost:8000"
)

// cliConfig is the on-disk termctl.toml.
type cliConfig struct {
	Server           string `toml:"server"`
	Token            string `toml:"token,omitempty"`
	TokenInHandshake bool   `toml:"token_in_handshake,omitempty"`
	Shell            string `toml:"shell,omitempty"`
	Project          string `toml:"project,omitempty"`
	Cwd              string `toml:"cwd,omitempty"`
	// DetachKey is the control character that opens the command prefix,
	// written as "ctrl-]" or "ctrl-a".
	DetachKey string `toml:"detach_key,omitempty"`
}

func defaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}
	return filepath.Join(dir, configDirName, configFileName), nil
}

// loadConfig reads path. A missing file yields the defaults.
func loadConfig(path string) (cliConfig, error) {
	cfg := cliConfig{Server: defaultServer, DetachKey: "ctrl-]"}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cliConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if cfg.Server == "" {
		cfg.Server = defaultServer
	}
	if cfg.DetachKey == "" {
		cfg.DetachKey = "ctrl-]"
	}
	return cfg, nil
}

func saveConfig(path string, cfg cliConfig) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

// wsURL derives the gateway socket URL from the server base URL.
func (c cliConfig) wsURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.Server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// detachByte maps DetachKey to its control byte.
func (c cliConfig) detachByte() (byte, error) {
	key := strings.ToLower(strings.TrimSpace(c.DetachKey))
	rest, ok := strings.CutPrefix(key, "ctrl-")
	if !ok || len(rest) != 1 {
		return 0, fmt.Errorf("invalid detach key %q", c.DetachKey)
	}
	ch := rest[0]
	switch {
	case ch >= 'a' && ch <= 'z':
		return ch - 'a' + 1, nil
	case ch >= '[' && ch <= '_':
		return ch - '@', nil
	}
	return 0, fmt.Errorf("invalid detach key %q", c.DetachKey)
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update the termctl config file",
	}

	var shell, project string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Persist the server, token, shell and project settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				p, err := defaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if shell != "" {
				cfg.Shell = shell
			}
			if project != "" {
				cfg.Project = project
			}
			if _, err := cfg.wsURL(); err != nil {
				return err
			}
			if err := saveConfig(path, cfg); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
			return err
		},
	}
	setCmd.Flags().StringVar(&shell, "shell", "", "default shell for new sessions")
	setCmd.Flags().StringVar(&project, "project", "", "default project id")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if cfg.Token != "" {
				cfg.Token = maskToken(cfg.Token)
			}
			data, err := toml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(setCmd, showCmd)
	return cmd
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
