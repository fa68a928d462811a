// Package session provides failure session lifecycle operations.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pipemedic/internal/models"
)

// DefaultTimeout is how long a session stays active without activity
// before the sweeper expires it.
const DefaultTimeout = 180 * time.Minute

// CreateOpts holds parameters for opening a new failure session.
type CreateOpts struct {
	SessionType string // pipeline, quality
	ProjectID   string
	ProjectName string
	Branch      string
	CommitSHA   string
	PipelineID  string
	PipelineURL string
	JobName     string
	FailedStage string

	// Quality sessions only.
	SonarProjectKey   string
	QualityGateStatus string

	// Raw webhook payload, stored once at creation.
	WebhookData string

	// Inactivity window; DefaultTimeout when zero.
	Timeout time.Duration
}

// ActiveKey builds the uniqueness key that enforces one active session
// per (type, project). It is NULLed when the session leaves the active
// state so the next failure can open a fresh session.
func ActiveKey(sessionType, projectID string) string {
	return sessionType + ":" + projectID
}

// Create opens a new session, or returns the existing active one for the
// same (type, project). The second return value reports whether a new
// session was created. Two webhooks racing on the same project both get
// the same row: the loser hits the unique index on active_key and loads
// the winner's session.
func Create(db *gorm.DB, opts CreateOpts) (*models.Session, bool, error) {
	if opts.SessionType != "pipeline" && opts.SessionType != "quality" {
		return nil, false, fmt.Errorf("session: session type %q is not supported", opts.SessionType)
	}
	if opts.ProjectID == "" {
		return nil, false, fmt.Errorf("session: project ID is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.WebhookData == "" {
		opts.WebhookData = "{}"
	}

	if existing, err := FindActive(db, opts.SessionType, opts.ProjectID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	key := ActiveKey(opts.SessionType, opts.ProjectID)
	now := time.Now()
	sess := models.Session{
		ID:                uuid.NewString(),
		SessionType:       opts.SessionType,
		Status:            "active",
		ActiveKey:         &key,
		ProjectID:         opts.ProjectID,
		ProjectName:       opts.ProjectName,
		Branch:            opts.Branch,
		CommitSHA:         opts.CommitSHA,
		PipelineID:        opts.PipelineID,
		PipelineURL:       opts.PipelineURL,
		JobName:           opts.JobName,
		FailedStage:       opts.FailedStage,
		SonarProjectKey:   opts.SonarProjectKey,
		QualityGateStatus: opts.QualityGateStatus,
		WebhookData:       opts.WebhookData,
		LastActivity:      now,
		ExpiresAt:         now.Add(opts.Timeout),
	}

	if err := db.Create(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := FindActive(db, opts.SessionType, opts.ProjectID)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("session: create: %w", err)
	}
	return &sess, true, nil
}

// Get retrieves a session by ID. The error wraps gorm.ErrRecordNotFound
// when no such session exists.
func Get(db *gorm.DB, id string) (*models.Session, error) {
	var sess models.Session
	if err := db.Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session: not found: %s: %w", id, err)
		}
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	return &sess, nil
}

// ListActive returns all active sessions, most recent activity first.
func ListActive(db *gorm.DB) ([]models.Session, error) {
	var sessions []models.Session
	if err := db.Where("status = ?", "active").
		Order("last_activity DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session: list active: %w", err)
	}
	return sessions, nil
}

// FindActive returns the active session for (type, project), or nil when
// the project has none.
func FindActive(db *gorm.DB, sessionType, projectID string) (*models.Session, error) {
	var sess models.Session
	err := db.Where("session_type = ? AND project_id = ? AND status = ?",
		sessionType, projectID, "active").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: find active %s for project %s: %w", sessionType, projectID, err)
	}
	return &sess, nil
}

// FindByFixBranch returns the active session whose current fix branch is
// the given branch, or nil if no session owns it. Used to route pipeline
// results on fix/ branches back to the session that pushed them.
func FindByFixBranch(db *gorm.DB, branch string) (*models.Session, error) {
	if branch == "" {
		return nil, nil
	}
	var sess models.Session
	err := db.Where("current_fix_branch = ? AND status = ?", branch, "active").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: find by fix branch %s: %w", branch, err)
	}
	return &sess, nil
}

// Update modifies session fields. Status changes are rejected: lifecycle
// transitions must go through Resolve or ExpireStale so active_key stays
// consistent with status.
func Update(db *gorm.DB, id string, updates map[string]interface{}) error {
	if _, ok := updates["status"]; ok {
		return fmt.Errorf("session: status changes go through Resolve or ExpireStale")
	}
	if _, ok := updates["active_key"]; ok {
		return fmt.Errorf("session: active_key is managed by lifecycle transitions")
	}

	result := db.Model(&models.Session{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("session: update %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: not found: %s", id)
	}
	return nil
}

// Resolve marks an active session resolved and releases its active_key so
// a future failure on the same project opens a fresh session. The
// resolution reason is recorded on the event log.
func Resolve(db *gorm.DB, id, resolution string) error {
	result := db.Model(&models.Session{}).
		Where("id = ? AND status = ?", id, "active").
		Updates(map[string]interface{}{
			"status":     "resolved",
			"active_key": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("session: resolve %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: resolve: session %s not found or not active", id)
	}

	if _, err := RecordEvent(db, id, "resolution", map[string]string{"resolution": resolution}); err != nil {
		return err
	}
	return nil
}

// ExpireStale transitions every active session past its expiry deadline
// to expired and releases its active_key. The expired sessions are
// returned so the caller can notify about them.
func ExpireStale(db *gorm.DB) ([]models.Session, error) {
	var stale []models.Session

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND expires_at < ?", "active", time.Now()).
			Find(&stale).Error; err != nil {
			return fmt.Errorf("find stale sessions: %w", err)
		}
		if len(stale) == 0 {
			return nil
		}

		ids := make([]string, len(stale))
		for i, s := range stale {
			ids[i] = s.ID
		}
		if err := tx.Model(&models.Session{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     "expired",
				"active_key": nil,
			}).Error; err != nil {
			return fmt.Errorf("expire sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: expire stale: %w", err)
	}

	for i := range stale {
		stale[i].Status = "expired"
		stale[i].ActiveKey = nil
	}
	return stale, nil
}
