// Command termctl is the terminal client for a termhub server. It opens
// interactive tabs over the gateway socket and manages sessions through the
// REST API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	server     string
	token      string
	asJSON     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "termctl",
		Short:         "termctl: attach to and manage termhub terminal sessions",
		Long:          "termctl opens interactive shells on a termhub server, reattaches to sessions that survived a disconnect, and lists or kills sessions through the REST API.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/termhub/termctl.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "server base URL, e.g. http://localhost:8000")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (JWT or API token)")

	rootCmd.AddCommand(
		newConnectCmd(opts),
		newAttachCmd(opts),
		newSessionsCmd(opts),
		newKillCmd(opts),
		newHistoryCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

// resolve loads the config file and applies flag overrides.
func (o *rootOptions) resolve() (cliConfig, error) {
	path := o.configPath
	if path == "" {
		p, err := defaultConfigPath()
		if err != nil {
			return cliConfig{}, err
		}
		path = p
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return cliConfig{}, err
	}
	if o.server != "" {
		cfg.Server = o.server
	}
	if o.token != "" {
		cfg.Token = o.token
	}
	if env := os.Getenv("TERMHUB_TOKEN"); cfg.Token == "" && env != "" {
		cfg.Token = env
	}
	return cfg, nil
}
