package server

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"pipemedic/internal/models"
	"pipemedic/internal/session"
)

// sessionSummary is the wire shape of one session in list responses.
type sessionSummary struct {
	ID                string    `json:"id"`
	SessionType       string    `json:"session_type"`
	Status            string    `json:"status"`
	ProjectID         string    `json:"project_id"`
	ProjectName       string    `json:"project_name"`
	Branch            string    `json:"branch"`
	CommitSHA         string    `json:"commit_sha,omitempty"`
	PipelineID        string    `json:"pipeline_id,omitempty"`
	PipelineURL       string    `json:"pipeline_url,omitempty"`
	JobName           string    `json:"job_name,omitempty"`
	FailedStage       string    `json:"failed_stage,omitempty"`
	SonarProjectKey   string    `json:"sonar_project_key,omitempty"`
	QualityGateStatus string    `json:"quality_gate_status,omitempty"`
	CurrentFixBranch  string    `json:"current_fix_branch,omitempty"`
	FixIteration      int       `json:"fix_iteration"`
	MergeRequestID    string    `json:"merge_request_id,omitempty"`
	MergeRequestURL   string    `json:"merge_request_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func summarize(sess *models.Session) sessionSummary {
	return sessionSummary{
		ID:                sess.ID,
		SessionType:       sess.SessionType,
		Status:            sess.Status,
		ProjectID:         sess.ProjectID,
		ProjectName:       sess.ProjectName,
		Branch:            sess.Branch,
		CommitSHA:         sess.CommitSHA,
		PipelineID:        sess.PipelineID,
		PipelineURL:       sess.PipelineURL,
		JobName:           sess.JobName,
		FailedStage:       sess.FailedStage,
		SonarProjectKey:   sess.SonarProjectKey,
		QualityGateStatus: sess.QualityGateStatus,
		CurrentFixBranch:  sess.CurrentFixBranch,
		FixIteration:      sess.FixIteration,
		MergeRequestID:    sess.MergeRequestID,
		MergeRequestURL:   sess.MergeRequestURL,
		CreatedAt:         sess.CreatedAt,
		LastActivity:      sess.LastActivity,
		ExpiresAt:         sess.ExpiresAt,
	}
}

type messageView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type attemptView struct {
	AttemptNumber   int             `json:"attempt_number"`
	BranchName      string          `json:"branch_name"`
	Status          string          `json:"status"`
	FilesChanged    json.RawMessage `json:"files_changed,omitempty"`
	MergeRequestID  string          `json:"merge_request_id,omitempty"`
	MergeRequestURL string          `json:"merge_request_url,omitempty"`
	ErrorDetails    string          `json:"error_details,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// trackedFileView indexes a cached file without its body; content stays
// server-side.
type trackedFileView struct {
	FilePath  string    `json:"file_path"`
	Ref       string    `json:"ref,omitempty"`
	Status    string    `json:"status"`
	FetchedAt time.Time `json:"fetched_at"`
}

type eventView struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// sessionDetail is the full session view: the summary plus conversation,
// fix attempts, the tracked-file index, and the event log.
type sessionDetail struct {
	sessionSummary
	Messages     []messageView     `json:"conversation_history"`
	FixAttempts  []attemptView     `json:"fix_attempts"`
	TrackedFiles []trackedFileView `json:"tracked_files"`
	Events       []eventView       `json:"events"`
}

func sessionDetailView(db *gorm.DB, id string) (*sessionDetail, error) {
	sess, err := session.Get(db, id)
	if err != nil {
		return nil, err
	}
	msgs, err := session.Messages(db, id)
	if err != nil {
		return nil, err
	}
	attempts, err := session.Attempts(db, id)
	if err != nil {
		return nil, err
	}
	files, err := session.TrackedFiles(db, id)
	if err != nil {
		return nil, err
	}
	events, err := session.Events(db, id)
	if err != nil {
		return nil, err
	}

	detail := &sessionDetail{
		sessionSummary: summarize(sess),
		Messages:       make([]messageView, 0, len(msgs)),
		FixAttempts:    make([]attemptView, 0, len(attempts)),
		TrackedFiles:   make([]trackedFileView, 0, len(files)),
		Events:         make([]eventView, 0, len(events)),
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, messageView{
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	for _, a := range attempts {
		detail.FixAttempts = append(detail.FixAttempts, attemptView{
			AttemptNumber:   a.AttemptNumber,
			BranchName:      a.BranchName,
			Status:          a.Status,
			FilesChanged:    rawJSON(a.FilesChanged),
			MergeRequestID:  a.MergeRequestID,
			MergeRequestURL: a.MergeRequestURL,
			ErrorDetails:    a.ErrorDetails,
			CreatedAt:       a.CreatedAt,
			CompletedAt:     a.CompletedAt,
		})
	}
	for _, f := range files {
		detail.TrackedFiles = append(detail.TrackedFiles, trackedFileView{
			FilePath:  f.FilePath,
			Ref:       f.Ref,
			Status:    f.Status,
			FetchedAt: f.FetchedAt,
		})
	}
	for _, e := range events {
		detail.Events = append(detail.Events, eventView{
			EventType: e.EventType,
			Payload:   rawJSON(e.Payload),
			CreatedAt: e.CreatedAt,
		})
	}
	return detail, nil
}

// rawJSON passes stored JSON through untouched; non-JSON text is quoted so
// the response stays valid.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
