package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pipemedic/internal/session"
)

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions",
		Long:  "Lists active investigation sessions with their project, fix progress, and expiry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipemedic.yaml", "path to pipemedic config file")
	return cmd
}

func runSessions(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	sessions, err := session.ListActive(gormDB)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No active sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tPROJECT\tBRANCH\tATTEMPTS\tMR\tEXPIRES")
	for _, s := range sessions {
		mr := s.MergeRequestID
		if mr == "" {
			mr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.SessionType, s.ProjectName, s.Branch,
			s.FixIteration, cfg.Limits.MaxFixAttempts, mr,
			s.ExpiresAt.UTC().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}
