package triage

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pipemedic/internal/agent"
	"pipemedic/internal/config"
	"pipemedic/internal/gitlab"
	"pipemedic/internal/models"
	"pipemedic/internal/notify"
	"pipemedic/internal/session"
	"pipemedic/internal/sonarqube"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "sessions.db") + "?_txlock=immediate&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Session{},
		&models.SessionMessage{},
		&models.FixAttempt{},
		&models.TrackedFile{},
		&models.SessionEvent{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testGitLab(t *testing.T, mux *http.ServeMux) *gitlab.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return gitlab.NewClient(srv.URL, "secret")
}

func testSonarQube(t *testing.T, mux *http.ServeMux) *sonarqube.Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return sonarqube.NewClient(srv.URL, "sqtoken")
}

// newTestTriager wires a triager against fake GitLab/SonarQube servers and
// runs background work inline so tests observe it synchronously. A nil mux
// means a server that 404s everything.
func newTestTriager(t *testing.T, p agent.Provider, glMux, sqMux *http.ServeMux) (*Triager, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	if glMux == nil {
		glMux = http.NewServeMux()
	}
	if sqMux == nil {
		sqMux = http.NewServeMux()
	}
	gl := testGitLab(t, glMux)
	sq := testSonarQube(t, sqMux)
	limits := config.LimitsConfig{MaxLogSize: 30000, MaxFixAttempts: 3}

	svc := agent.NewService(agent.ServiceOpts{
		DB:        db,
		Provider:  p,
		GitLab:    gl,
		SonarQube: sq,
		Notifier:  notify.NewDispatcher(),
		Limits:    limits,
	})
	tr, err := New(Opts{
		DB:        db,
		Agent:     svc,
		GitLab:    gl,
		SonarQube: sq,
		Notifier:  notify.NewDispatcher(),
		Limits:    limits,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.spawn = func(fn func()) { fn() }
	return tr, db
}

// pipelineHook builds a GitLab pipeline webhook payload for project 42
// (group/app) with the given pipeline status, ref, and builds array entries.
func pipelineHook(status, ref string, builds ...string) []byte {
	joined := ""
	for i, b := range builds {
		if i > 0 {
			joined += ","
		}
		joined += b
	}
	return []byte(fmt.Sprintf(`{
		"object_kind": "pipeline",
		"object_attributes": {
			"id": 991,
			"ref": %q,
			"status": %q,
			"sha": "abc123",
			"url": "https://gitlab.example.com/group/app/-/pipelines/991"
		},
		"project": {
			"id": 42,
			"name": "app",
			"path_with_namespace": "group/app",
			"web_url": "https://gitlab.example.com/group/app"
		},
		"builds": [%s]
	}`, ref, status, joined))
}

const (
	failedUnitBuild = `{"id": 7001, "name": "unit tests", "stage": "test", "status": "failed",
		"failure_reason": "script_failure", "finished_at": "2026-01-02T03:04:05Z"}`
	passedLintBuild = `{"id": 7000, "name": "lint", "stage": "check", "status": "success",
		"finished_at": "2026-01-02T03:00:00Z"}`
	failedSonarBuild = `{"id": 7002, "name": "sonarqube-check", "stage": "scan", "status": "failed",
		"failure_reason": "script_failure", "finished_at": "2026-01-02T03:05:00Z"}`
	failedIntegrationBuild = `{"id": 7003, "name": "integration", "stage": "test", "status": "failed",
		"failure_reason": "script_failure", "finished_at": "2026-01-02T03:06:00Z"}`
)

// seedFixSession creates an active session with one pending fix attempt on
// the given branch, the state left behind by a fix that was just pushed.
func seedFixSession(t *testing.T, db *gorm.DB, sessionType, branch string) *models.Session {
	t.Helper()
	sess, _, err := session.Create(db, session.CreateOpts{
		SessionType:     sessionType,
		ProjectID:       "42",
		ProjectName:     "group/app",
		Branch:          "main",
		PipelineID:      "991",
		PipelineURL:     "https://gitlab.example.com/group/app/-/pipelines/991",
		JobName:         "unit tests",
		FailedStage:     "test",
		SonarProjectKey: "group_app",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := session.CreateAttempt(db, sess.ID, branch, []string{"src/app.py"}, 5); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	return sess
}

func sessionMessages(t *testing.T, db *gorm.DB, sessionID string) []models.SessionMessage {
	t.Helper()
	msgs, err := session.Messages(db, sessionID)
	if err != nil {
		t.Fatalf("load messages: %v", err)
	}
	return msgs
}

func sessionAttempts(t *testing.T, db *gorm.DB, sessionID string) []models.FixAttempt {
	t.Helper()
	attempts, err := session.Attempts(db, sessionID)
	if err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	return attempts
}

func TestNewValidatesDependencies(t *testing.T) {
	db := openTestDB(t)
	gl := testGitLab(t, http.NewServeMux())
	svc := agent.NewService(agent.ServiceOpts{DB: db, Provider: agent.NewMockProvider(), GitLab: gl})

	cases := []struct {
		name string
		opts Opts
	}{
		{"missing db", Opts{Agent: svc, GitLab: gl}},
		{"missing agent", Opts{DB: db, GitLab: gl}},
		{"missing gitlab", Opts{DB: db, Agent: svc}},
	}
	for _, tc := range cases {
		if _, err := New(tc.opts); err == nil {
			t.Errorf("New with %s: want error, got nil", tc.name)
		}
	}

	tr, err := New(Opts{DB: db, Agent: svc, GitLab: gl})
	if err != nil {
		t.Fatalf("New with required deps: %v", err)
	}
	if tr.notifier == nil {
		t.Error("New left notifier nil, want default dispatcher")
	}
	if tr.spawn == nil {
		t.Error("New left spawn nil, want goroutine default")
	}
}
