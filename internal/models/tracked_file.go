package models

import "time"

// TrackedFile caches a repository file's content as last fetched during a
// session's analysis. One row per (session, path); repeat fetches overwrite
// (latest wins), so a later merge-request turn can reuse file bodies without
// re-fetching from GitLab.
type TrackedFile struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;not null;uniqueIndex:idx_tracked_file_path,priority:1"`
	FilePath  string `gorm:"size:512;not null;uniqueIndex:idx_tracked_file_path,priority:2"`
	Ref       string `gorm:"size:255"`
	Content   string `gorm:"type:mediumtext"`
	Status    string `gorm:"size:16;default:success"` // success, not_found, error
	FetchedAt time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}
