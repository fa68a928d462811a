package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pipemedic/internal/agent"
	"pipemedic/internal/config"
)

func TestServeCmd_Help(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"serve", "--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("serve --help failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "webhooks") {
		t.Errorf("expected help to mention webhooks, got: %s", out)
	}
	if !strings.Contains(out, "--config") {
		t.Errorf("expected help to mention '--config' flag, got: %s", out)
	}
	if !strings.Contains(out, "pipemedic.yaml") {
		t.Errorf("expected default config path 'pipemedic.yaml', got: %s", out)
	}
}

func TestServeCmd_MissingDSN(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("DATABASE_DSN", "")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"serve", "--config", "/nonexistent/pipemedic.yaml"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for config without a DSN")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "load config")
	}
}

func TestBuildProvider_Mock(t *testing.T) {
	buf := new(bytes.Buffer)
	cfg := &config.Config{}
	cfg.LLM.Provider = "mock"

	p, err := buildProvider(context.Background(), cfg, buf)
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if _, ok := p.(*agent.MockProvider); !ok {
		t.Errorf("provider = %T, want *agent.MockProvider", p)
	}
	if !strings.Contains(buf.String(), "WARNING") {
		t.Errorf("expected a warning about the mock provider, got: %s", buf.String())
	}
}
