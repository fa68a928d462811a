package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pipemedic/internal/models"
)

// DefaultMaxAttempts bounds how many fix attempts a session may make
// before the assistant stops proposing new fixes.
const DefaultMaxAttempts = 5

// ErrAttemptLimit is returned by CreateAttempt when the session has used
// up its fix attempt budget.
var ErrAttemptLimit = errors.New("fix attempt limit reached")

// CreateAttempt records a new fix attempt on the session and advances the
// session's fix branch and iteration counter. The session row is locked
// for the numbering so concurrent attempts get distinct, gap-free attempt
// numbers; an attempt past maxAttempts fails with ErrAttemptLimit.
func CreateAttempt(db *gorm.DB, sessionID, branch string, files []string, maxAttempts int) (*models.FixAttempt, error) {
	if branch == "" {
		return nil, fmt.Errorf("session: attempt branch is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var attempt models.FixAttempt

	err := db.Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("session not found: %s", sessionID)
			}
			return fmt.Errorf("lock session: %w", err)
		}

		var maxNum int
		tx.Model(&models.FixAttempt{}).Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(attempt_number), 0)").Scan(&maxNum)

		if maxNum >= maxAttempts {
			return fmt.Errorf("session %s used %d of %d attempts: %w",
				sessionID, maxNum, maxAttempts, ErrAttemptLimit)
		}

		if files == nil {
			files = []string{}
		}
		filesJSON, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("marshal files: %w", err)
		}

		attempt = models.FixAttempt{
			SessionID:     sessionID,
			AttemptNumber: maxNum + 1,
			BranchName:    branch,
			FilesChanged:  string(filesJSON),
			Status:        "pending",
		}
		if err := tx.Create(&attempt).Error; err != nil {
			return fmt.Errorf("create attempt: %w", err)
		}

		if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"current_fix_branch": branch,
				"fix_iteration":      maxNum + 1,
			}).Error; err != nil {
			return fmt.Errorf("update session fix state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: create attempt: %w", err)
	}
	return &attempt, nil
}

// AttemptUpdate holds the fields UpdateAttempt may change. Empty fields
// are left untouched.
type AttemptUpdate struct {
	Status          string // pending, success, failed
	MergeRequestID  string
	MergeRequestURL string
	ErrorDetails    string
}

// UpdateAttempt modifies a fix attempt, stamps completed_at on terminal
// statuses, denormalizes merge request references onto the session, and
// records a fix_attempt_update event.
func UpdateAttempt(db *gorm.DB, sessionID string, attemptNumber int, upd AttemptUpdate) (*models.FixAttempt, error) {
	if upd.Status != "" && upd.Status != "pending" && upd.Status != "success" && upd.Status != "failed" {
		return nil, fmt.Errorf("session: attempt status %q is not supported", upd.Status)
	}

	var attempt models.FixAttempt

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ? AND attempt_number = ?", sessionID, attemptNumber).
			First(&attempt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("attempt %d not found for session %s", attemptNumber, sessionID)
			}
			return fmt.Errorf("load attempt: %w", err)
		}

		updates := map[string]interface{}{}
		if upd.Status != "" {
			updates["status"] = upd.Status
			if upd.Status == "success" || upd.Status == "failed" {
				updates["completed_at"] = time.Now()
			}
		}
		if upd.MergeRequestID != "" {
			updates["merge_request_id"] = upd.MergeRequestID
		}
		if upd.MergeRequestURL != "" {
			updates["merge_request_url"] = upd.MergeRequestURL
		}
		if upd.ErrorDetails != "" {
			updates["error_details"] = upd.ErrorDetails
		}
		if len(updates) == 0 {
			return nil
		}

		if err := tx.Model(&models.FixAttempt{}).
			Where("session_id = ? AND attempt_number = ?", sessionID, attemptNumber).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("update attempt: %w", err)
		}

		if upd.MergeRequestID != "" || upd.MergeRequestURL != "" {
			sessUpdates := map[string]interface{}{}
			if upd.MergeRequestID != "" {
				sessUpdates["merge_request_id"] = upd.MergeRequestID
			}
			if upd.MergeRequestURL != "" {
				sessUpdates["merge_request_url"] = upd.MergeRequestURL
			}
			if err := tx.Model(&models.Session{}).Where("id = ?", sessionID).
				Updates(sessUpdates).Error; err != nil {
				return fmt.Errorf("denormalize merge request: %w", err)
			}
		}

		// Re-read so the returned attempt reflects the applied updates.
		if err := tx.Where("session_id = ? AND attempt_number = ?", sessionID, attemptNumber).
			First(&attempt).Error; err != nil {
			return fmt.Errorf("reload attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: update attempt: %w", err)
	}

	if _, err := RecordEvent(db, sessionID, "fix_attempt_update", map[string]interface{}{
		"attempt_number":    attempt.AttemptNumber,
		"branch_name":       attempt.BranchName,
		"status":            attempt.Status,
		"merge_request_id":  attempt.MergeRequestID,
		"merge_request_url": attempt.MergeRequestURL,
	}); err != nil {
		return nil, err
	}
	return &attempt, nil
}

// PendingAttemptOn returns the most recent pending attempt for the given
// branch, or nil when the branch has none. Used when a fix branch
// pipeline reports back and the attempt that pushed it needs its verdict.
func PendingAttemptOn(db *gorm.DB, sessionID, branch string) (*models.FixAttempt, error) {
	var attempt models.FixAttempt
	err := db.Where("session_id = ? AND branch_name = ? AND status = ?",
		sessionID, branch, "pending").
		Order("attempt_number DESC").First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: pending attempt on %s: %w", branch, err)
	}
	return &attempt, nil
}

// Attempts returns all fix attempts for a session in attempt order.
func Attempts(db *gorm.DB, sessionID string) ([]models.FixAttempt, error) {
	var attempts []models.FixAttempt
	if err := db.Where("session_id = ?", sessionID).
		Order("attempt_number ASC").Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("session: attempts for %s: %w", sessionID, err)
	}
	return attempts, nil
}

// AttemptCount returns how many fix attempts the session has made.
func AttemptCount(db *gorm.DB, sessionID string) (int, error) {
	var count int64
	if err := db.Model(&models.FixAttempt{}).Where("session_id = ?", sessionID).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("session: attempt count for %s: %w", sessionID, err)
	}
	return int(count), nil
}
