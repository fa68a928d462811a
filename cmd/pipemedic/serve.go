package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pipemedic/internal/agent"
	"pipemedic/internal/config"
	"pipemedic/internal/db"
	"pipemedic/internal/gitlab"
	"pipemedic/internal/notify"
	"pipemedic/internal/server"
	"pipemedic/internal/sonarqube"
	"pipemedic/internal/sweeper"
	"pipemedic/internal/triage"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and expiry sweeper",
		Long: "Runs the HTTP server that receives GitLab and SonarQube webhooks, serves\n" +
			"the session API, and expires stale sessions in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pipemedic.yaml", "path to pipemedic config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	// Secrets land in the environment; a .env file is the dev shortcut.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(out, "Loaded environment from .env")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := buildProvider(ctx, cfg, out)
	if err != nil {
		return err
	}

	gl := gitlab.NewClient(cfg.GitLab.URL, cfg.GitLab.Token)
	sq := sonarqube.NewClient(cfg.SonarQube.URL, cfg.SonarQube.Token)
	notifier := notify.FromConfig(cfg.Notifications)
	if notifier.Enabled() {
		fmt.Fprintln(out, "Notifications enabled")
	}

	svc := agent.NewService(agent.ServiceOpts{
		DB:        gormDB,
		Provider:  provider,
		GitLab:    gl,
		SonarQube: sq,
		Notifier:  notifier,
		Limits:    cfg.Limits,
	})
	tr, err := triage.New(triage.Opts{
		DB:        gormDB,
		Agent:     svc,
		GitLab:    gl,
		SonarQube: sq,
		Notifier:  notifier,
		Limits:    cfg.Limits,
	})
	if err != nil {
		return err
	}
	sw, err := sweeper.New(sweeper.Opts{DB: gormDB, Notifier: notifier})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	go sw.Run(ctx)

	return server.Start(ctx, server.StartOpts{
		DB:            gormDB,
		Triager:       tr,
		Agent:         svc,
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.Server.WebhookSecret,
		Version:       Version,
		Out:           out,
	})
}

// buildProvider selects the LLM backend. "mock" is for local smoke runs
// where analyses come back as canned text.
func buildProvider(ctx context.Context, cfg *config.Config, out io.Writer) (agent.Provider, error) {
	if cfg.LLM.Provider == "mock" {
		fmt.Fprintln(out, "WARNING: mock LLM provider selected, analyses return canned text")
		return agent.NewMockProvider(), nil
	}
	return agent.NewClaudeProvider(ctx, cfg.LLM)
}
