// Package triage turns inbound CI webhooks into session actions. Each
// delivery is classified and routed to exactly one outcome: open a new
// session, hand a fix-branch result back to the session that owns the
// branch, auto-retry, resolve, or ignore.
package triage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"pipemedic/internal/agent"
	"pipemedic/internal/config"
	"pipemedic/internal/gitlab"
	"pipemedic/internal/notify"
	"pipemedic/internal/session"
	"pipemedic/internal/sonarqube"
)

// ErrNoProject reports a SonarQube project key with no matching GitLab
// project. The API layer renders it as a 404.
var ErrNoProject = errors.New("triage: no matching gitlab project")

// Outcome is the decision produced for one webhook delivery, rendered
// verbatim as the HTTP response body.
type Outcome struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	SessionType string `json:"session_type,omitempty"`
	Message     string `json:"message,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Response    string `json:"response,omitempty"`
}

// Triager routes webhook deliveries. It owns no state of its own; all
// session state lives in the store, so concurrent deliveries coordinate
// through the database (unique active_key, session-row locks).
type Triager struct {
	db       *gorm.DB
	agent    *agent.Service
	gl       *gitlab.Client
	sq       *sonarqube.Client
	notifier *notify.Dispatcher
	limits   config.LimitsConfig

	// spawn runs background analysis; tests replace it to run inline.
	spawn func(fn func())
}

// Opts holds the dependencies for a Triager.
type Opts struct {
	DB        *gorm.DB
	Agent     *agent.Service
	GitLab    *gitlab.Client
	SonarQube *sonarqube.Client // optional; quality enrichment degrades without it
	Notifier  *notify.Dispatcher
	Limits    config.LimitsConfig

	// Spawn runs deferred analysis work. Nil runs it on a new goroutine;
	// tests inject a synchronous variant.
	Spawn func(fn func())
}

// New creates a Triager.
func New(opts Opts) (*Triager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("triage: db is required")
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("triage: agent service is required")
	}
	if opts.GitLab == nil {
		return nil, fmt.Errorf("triage: gitlab client is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewDispatcher()
	}
	spawn := opts.Spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	return &Triager{
		db:       opts.DB,
		agent:    opts.Agent,
		gl:       opts.GitLab,
		sq:       opts.SonarQube,
		notifier: notifier,
		limits:   opts.Limits,
		spawn:    spawn,
	}, nil
}

func (t *Triager) maxAttempts() int {
	if t.limits.MaxFixAttempts > 0 {
		return t.limits.MaxFixAttempts
	}
	return session.DefaultMaxAttempts
}

func (t *Triager) timeout() time.Duration {
	if t.limits.SessionTimeoutMinutes > 0 {
		return time.Duration(t.limits.SessionTimeoutMinutes) * time.Minute
	}
	return session.DefaultTimeout
}
