package models

import "time"

// FixAttempt is one numbered remediation cycle within a session: a fix branch,
// optionally a merge request, and an outcome. AttemptNumber is strictly
// monotonic per session; the unique index backs up the row-lock allocation in
// the store so concurrent creation can never produce duplicates.
type FixAttempt struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	SessionID     string `gorm:"size:36;not null;uniqueIndex:idx_fix_attempt_seq,priority:1"`
	AttemptNumber int    `gorm:"not null;uniqueIndex:idx_fix_attempt_seq,priority:2"`
	BranchName    string `gorm:"size:255;not null;index"`
	FilesChanged  string `gorm:"type:json"` // JSON array of file paths
	Status        string `gorm:"size:16;default:pending"` // pending, success, failed

	MergeRequestID  string `gorm:"size:32"`
	MergeRequestURL string `gorm:"size:512"`
	ErrorDetails    string `gorm:"type:text"`

	CreatedAt   time.Time
	CompletedAt *time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}
