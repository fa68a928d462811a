package models

import "time"

// SessionEvent is one record in a session's append-only event log: analysis
// output, quality metrics, a fix-attempt transition, or the final resolution.
// Events are only ever appended, never merged or rewritten, so concurrent
// writers cannot lose each other's updates.
type SessionEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;not null;index"`
	EventType string `gorm:"size:32;not null;index"` // analysis_result, fix_attempt_update, quality_metrics, resolution
	Payload   string `gorm:"type:json"`
	CreatedAt time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}
