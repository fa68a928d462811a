package session

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pipemedic/internal/models"
)

// TrackFile records a repository file the agent fetched during the
// session. Re-fetching the same path upserts, so the tracked copy is
// always the latest one the agent saw.
func TrackFile(db *gorm.DB, sessionID, path, ref, content, status string) error {
	if path == "" {
		return fmt.Errorf("session: file path is required")
	}
	if status == "" {
		status = "success"
	}

	rec := models.TrackedFile{
		SessionID: sessionID,
		FilePath:  path,
		Ref:       ref,
		Content:   content,
		Status:    status,
		FetchedAt: time.Now(),
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "file_path"}},
		DoUpdates: clause.AssignmentColumns([]string{"ref", "content", "status", "fetched_at"}),
	}).Create(&rec).Error; err != nil {
		return fmt.Errorf("session: track file %s: %w", path, err)
	}
	return nil
}

// TrackedFiles returns the files fetched during the session.
func TrackedFiles(db *gorm.DB, sessionID string) ([]models.TrackedFile, error) {
	var files []models.TrackedFile
	if err := db.Where("session_id = ?", sessionID).
		Order("file_path ASC").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("session: tracked files for %s: %w", sessionID, err)
	}
	return files, nil
}
