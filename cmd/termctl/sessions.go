package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gluk-w/termhub/internal/database"
	"github.com/gluk-w/termhub/internal/gateway"
	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List live sessions on the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			sessions, err := newAPIClient(cfg).listSessions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSONOutput(cmd.OutOrStdout(), sessions)
			}
			return renderSessions(cmd.OutOrStdout(), sessions, time.Now())
		},
	}
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON")
	return cmd
}

func newKillCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if err := newAPIClient(cfg).killSession(cmd.Context(), args[0]); err != nil {
				if ae, ok := err.(*apiError); ok && ae.Status == http.StatusNotFound {
					return fmt.Errorf("session %s not found", args[0])
				}
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", args[0])
			return err
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past and current session records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			recs, err := newAPIClient(cfg).sessionHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return writeJSONOutput(cmd.OutOrStdout(), recs)
			}
			return renderHistory(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print JSON")
	return cmd
}

func writeJSONOutput(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderSessions(w io.Writer, sessions []gateway.SessionInfo, now time.Time) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no sessions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSHELL\tSIZE\tIDLE\tDIR")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d\t%s\t%s\n",
			s.ID, sessionState(s), s.Shell, s.Cols, s.Rows,
			now.Sub(s.LastActivity).Truncate(time.Second), s.Dir)
	}
	return tw.Flush()
}

func sessionState(s gateway.SessionInfo) string {
	switch {
	case s.Bound && s.Alive:
		return color.GreenString("attached")
	case s.Alive:
		return color.YellowString("detached")
	default:
		return color.RedString("stale")
	}
}

func renderHistory(w io.Writer, recs []database.SessionRecord) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no session records")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tENDED\tREASON\tEXIT\tSHELL")
	for _, r := range recs {
		ended, reason, exit := color.GreenString("running"), "", ""
		if r.ClosedAt != nil {
			ended = r.ClosedAt.Local().Format("2006-01-02 15:04:05")
			reason = r.CloseReason
		}
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), ended, reason, exit, r.Shell)
	}
	return tw.Flush()
}
