package session

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pipemedic/internal/models"
)

// AppendMessage adds a message to the session's conversation history and
// refreshes the session's activity window. The session row is locked for
// the numbering so concurrent appends never collide on the
// (session_id, sequence) index.
func AppendMessage(db *gorm.DB, sessionID, role, content string, timeout time.Duration) (*models.SessionMessage, error) {
	if role != "user" && role != "assistant" && role != "system" {
		return nil, fmt.Errorf("session: message role %q is not supported", role)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var msg models.SessionMessage

	err := db.Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("session not found: %s", sessionID)
			}
			return fmt.Errorf("load session: %w", err)
		}

		var maxSeq int
		tx.Model(&models.SessionMessage{}).Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq)

		msg = models.SessionMessage{
			SessionID: sessionID,
			Sequence:  maxSeq + 1,
			Role:      role,
			Content:   content,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}

		now := time.Now()
		if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"last_activity": now,
				"expires_at":    now.Add(timeout),
			}).Error; err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: append message: %w", err)
	}
	return &msg, nil
}

// Messages returns the session's conversation history in order.
func Messages(db *gorm.DB, sessionID string) ([]models.SessionMessage, error) {
	var msgs []models.SessionMessage
	if err := db.Where("session_id = ?", sessionID).
		Order("sequence ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("session: messages for %s: %w", sessionID, err)
	}
	return msgs, nil
}
