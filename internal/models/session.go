package models

import "time"

// Session tracks one investigation of a single failure (pipeline or quality
// gate) for a project. At most one active session may exist per
// (project, session_type) pair, enforced by the unique index on ActiveKey,
// which holds "<session_type>:<project_id>" while the session is active and
// NULL once it is resolved or expired.
type Session struct {
	ID          string  `gorm:"primaryKey;size:36"`
	SessionType string  `gorm:"size:16;not null;index"` // "pipeline" or "quality"
	Status      string  `gorm:"size:16;default:active;index"` // active, resolved, expired
	ActiveKey   *string `gorm:"size:128;uniqueIndex"`

	ProjectID   string `gorm:"size:64;not null;index"`
	ProjectName string `gorm:"size:255"`
	Branch      string `gorm:"size:255"` // target branch the failure occurred on
	CommitSHA   string `gorm:"size:64"`

	// Pipeline failure context.
	PipelineID  string `gorm:"size:32"`
	PipelineURL string `gorm:"size:512"`
	JobName     string `gorm:"size:255"`
	FailedStage string `gorm:"size:64"`

	// Quality-gate failure context.
	SonarProjectKey   string `gorm:"size:255"`
	QualityGateStatus string `gorm:"size:32"`

	CurrentFixBranch string `gorm:"size:255;index"`
	FixIteration     int    `gorm:"not null;default:0"`
	MergeRequestID   string `gorm:"size:32"`
	MergeRequestURL  string `gorm:"size:512"`

	// Original inbound webhook payload, written once at creation. Accumulated
	// state (analysis results, metrics, attempt summaries) lives in Events.
	WebhookData string `gorm:"type:json"`

	LastActivity time.Time
	ExpiresAt    time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Messages     []SessionMessage `gorm:"foreignKey:SessionID"`
	FixAttempts  []FixAttempt     `gorm:"foreignKey:SessionID"`
	Events       []SessionEvent   `gorm:"foreignKey:SessionID"`
	TrackedFiles []TrackedFile    `gorm:"foreignKey:SessionID"`
}

// SessionMessage stores a single message in a session's conversation history,
// ordered by Sequence within the session.
type SessionMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;not null;uniqueIndex:idx_session_message_seq,priority:1"`
	Sequence  int    `gorm:"not null;uniqueIndex:idx_session_message_seq,priority:2"`
	Role      string `gorm:"size:16;not null"` // "user", "assistant", "system"
	Content   string `gorm:"type:mediumtext;not null"`
	CreatedAt time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}
