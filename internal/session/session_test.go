package session

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pipemedic/internal/models"
)

// openTestDB opens a file-backed SQLite database for one test. Transactions
// begin immediate so concurrent test transactions serialize instead of
// deadlocking; TranslateError is on because Create's dedupe matches
// gorm.ErrDuplicatedKey, same as the production connector.
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

func pipelineOpts(projectID string) CreateOpts {
	return CreateOpts{
		SessionType: "pipeline",
		ProjectID:   projectID,
		ProjectName: "group/app",
		Branch:      "main",
		CommitSHA:   "abc123",
		PipelineID:  "991",
		PipelineURL: "https://gitlab.example.com/group/app/-/pipelines/991",
		JobName:     "unit-tests",
		FailedStage: "test",
		WebhookData: `{"object_kind":"pipeline"}`,
	}
}

func TestCreate_Success(t *testing.T) {
	db := openTestDB(t)

	sess, created, err := Create(db, pipelineOpts("42"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if sess.ID == "" {
		t.Fatal("expected session ID to be set")
	}
	if sess.Status != "active" {
		t.Errorf("Status = %q, want %q", sess.Status, "active")
	}
	if sess.ActiveKey == nil || *sess.ActiveKey != "pipeline:42" {
		t.Errorf("ActiveKey = %v, want pipeline:42", sess.ActiveKey)
	}
	if sess.FixIteration != 0 {
		t.Errorf("FixIteration = %d, want 0", sess.FixIteration)
	}
	if sess.ExpiresAt.Before(time.Now()) {
		t.Error("ExpiresAt should be in the future")
	}
}

func TestCreate_InvalidType(t *testing.T) {
	db := openTestDB(t)

	_, _, err := Create(db, CreateOpts{SessionType: "deploy", ProjectID: "42"})
	if err == nil {
		t.Fatal("expected error for unsupported session type")
	}
	if !strings.Contains(err.Error(), "not supported") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "not supported")
	}
}

func TestCreate_MissingProject(t *testing.T) {
	db := openTestDB(t)

	_, _, err := Create(db, CreateOpts{SessionType: "pipeline"})
	if err == nil {
		t.Fatal("expected error for missing project ID")
	}
}

func TestCreate_ReusesActiveSession(t *testing.T) {
	db := openTestDB(t)

	first, _, err := Create(db, pipelineOpts("42"))
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	second, created, err := Create(db, pipelineOpts("42"))
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Error("created = true, want false for reused session")
	}
	if second.ID != first.ID {
		t.Errorf("second Create returned session %s, want %s", second.ID, first.ID)
	}

	var count int64
	db.Model(&models.Session{}).Count(&count)
	if count != 1 {
		t.Errorf("session count = %d, want 1", count)
	}
}

func TestCreate_DifferentTypesDoNotCollide(t *testing.T) {
	db := openTestDB(t)

	pipe, _, err := Create(db, pipelineOpts("42"))
	if err != nil {
		t.Fatalf("pipeline Create: %v", err)
	}

	quality, created, err := Create(db, CreateOpts{
		SessionType:       "quality",
		ProjectID:         "42",
		SonarProjectKey:   "group_app",
		QualityGateStatus: "ERROR",
	})
	if err != nil {
		t.Fatalf("quality Create: %v", err)
	}
	if !created {
		t.Error("created = false, want true for different session type")
	}
	if quality.ID == pipe.ID {
		t.Error("quality and pipeline sessions should be distinct")
	}
}

func TestCreate_AfterResolveOpensFresh(t *testing.T) {
	db := openTestDB(t)

	first, _, _ := Create(db, pipelineOpts("42"))
	if err := Resolve(db, first.ID, "pipeline_succeeded"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	second, created, err := Create(db, pipelineOpts("42"))
	if err != nil {
		t.Fatalf("Create after resolve: %v", err)
	}
	if !created {
		t.Error("created = false, want true after previous session resolved")
	}
	if second.ID == first.ID {
		t.Error("expected a fresh session after resolve")
	}
}

func TestConcurrent_Create_SingleSession(t *testing.T) {
	db := openTestDB(t)

	const goroutines = 10
	var createdCount atomic.Int32
	ids := make([]string, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := range goroutines {
		go func(idx int) {
			defer wg.Done()
			sess, created, err := Create(db, pipelineOpts("race"))
			if err != nil {
				t.Errorf("Create[%d]: %v", idx, err)
				return
			}
			if created {
				createdCount.Add(1)
			}
			ids[idx] = sess.ID
		}(i)
	}
	wg.Wait()

	if got := createdCount.Load(); got != 1 {
		t.Errorf("created count = %d, want exactly 1", got)
	}
	for i := 1; i < goroutines; i++ {
		if ids[i] != ids[0] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], ids[0])
		}
	}

	var count int64
	db.Model(&models.Session{}).Count(&count)
	if count != 1 {
		t.Errorf("session count = %d, want 1", count)
	}
}

func TestGet_Success(t *testing.T) {
	db := openTestDB(t)

	created, _, _ := Create(db, pipelineOpts("42"))
	got, err := Get(db, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProjectName != "group/app" {
		t.Errorf("ProjectName = %q, want %q", got.ProjectName, "group/app")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := Get(db, "no-such-session")
	if err == nil {
		t.Fatal("expected error for missing session")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("error = %v, want to wrap gorm.ErrRecordNotFound", err)
	}
}

func TestListActive(t *testing.T) {
	db := openTestDB(t)

	a, _, _ := Create(db, pipelineOpts("1"))
	Create(db, pipelineOpts("2"))
	Resolve(db, a.ID, "manual")

	active, err := ListActive(db)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("len(active) = %d, want 1", len(active))
	}
	if active[0].ProjectID != "2" {
		t.Errorf("active[0].ProjectID = %q, want %q", active[0].ProjectID, "2")
	}
}

func TestFindActive_None(t *testing.T) {
	db := openTestDB(t)

	sess, err := FindActive(db, "pipeline", "42")
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if sess != nil {
		t.Errorf("FindActive = %+v, want nil", sess)
	}
}

func TestFindByFixBranch(t *testing.T) {
	db := openTestDB(t)

	sess, _, _ := Create(db, pipelineOpts("42"))
	if _, err := CreateAttempt(db, sess.ID, "fix/pipeline_unit_tests_20260825_101500", nil, 5); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	found, err := FindByFixBranch(db, "fix/pipeline_unit_tests_20260825_101500")
	if err != nil {
		t.Fatalf("FindByFixBranch: %v", err)
	}
	if found == nil || found.ID != sess.ID {
		t.Fatalf("FindByFixBranch = %+v, want session %s", found, sess.ID)
	}

	// Blank and unknown branches match nothing.
	if got, _ := FindByFixBranch(db, ""); got != nil {
		t.Errorf("FindByFixBranch(\"\") = %+v, want nil", got)
	}
	if got, _ := FindByFixBranch(db, "fix/other"); got != nil {
		t.Errorf("FindByFixBranch(unknown) = %+v, want nil", got)
	}
}

func TestUpdate_Fields(t *testing.T) {
	db := openTestDB(t)

	sess, _, _ := Create(db, pipelineOpts("42"))
	err := Update(db, sess.ID, map[string]interface{}{
		"pipeline_id":         "992",
		"commit_sha":          "def456",
		"quality_gate_status": "OK",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := Get(db, sess.ID)
	if got.PipelineID != "992" {
		t.Errorf("PipelineID = %q, want %q", got.PipelineID, "992")
	}
	if got.CommitSHA != "def456" {
		t.Errorf("CommitSHA = %q, want %q", got.CommitSHA, "def456")
	}
}

func TestUpdate_RejectsStatus(t *testing.T) {
	db := openTestDB(t)

	sess, _, _ := Create(db, pipelineOpts("42"))
	err := Update(db, sess.ID, map[string]interface{}{"status": "resolved"})
	if err == nil {
		t.Fatal("expected error for status update")
	}
	if !strings.Contains(err.Error(), "Resolve or ExpireStale") {
		t.Errorf("error = %q, want to mention Resolve or ExpireStale", err.Error())
	}

	err = Update(db, sess.ID, map[string]interface{}{"active_key": "x"})
	if err == nil {
		t.Fatal("expected error for active_key update")
	}
}

func TestUpdate_NotFound(t *testing.T) {
	db := openTestDB(t)

	err := Update(db, "no-such-session", map[string]interface{}{"pipeline_id": "1"})
	if err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestResolve_Success(t *testing.T) {
	db := openTestDB(t)

	sess, _, _ := Create(db, pipelineOpts("42"))
	if err := Resolve(db, sess.ID, "fix_branch_passed"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, _ := Get(db, sess.ID)
	if got.Status != "resolved" {
		t.Errorf("Status = %q, want %q", got.Status, "resolved")
	}
	if got.ActiveKey != nil {
		t.Errorf("ActiveKey = %v, want nil after resolve", got.ActiveKey)
	}

	event, err := LatestEvent(db, sess.ID, "resolution")
	if err != nil {
		t.Fatalf("LatestEvent: %v", err)
	}
	if event == nil {
		t.Fatal("expected a resolution event")
	}
	if !strings.Contains(event.Payload, "fix_branch_passed") {
		t.Errorf("event payload = %q, want to contain %q", event.Payload, "fix_branch_passed")
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	db := openTestDB(t)

	sess, _, _ := Create(db, pipelineOpts("42"))
	Resolve(db, sess.ID, "manual")

	err := Resolve(db, sess.ID, "manual")
	if err == nil {
		t.Fatal("expected error resolving an already-resolved session")
	}
	if !strings.Contains(err.Error(), "not found or not active") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "not found or not active")
	}
}

func TestExpireStale(t *testing.T) {
	db := openTestDB(t)

	stale, _, _ := Create(db, pipelineOpts("1"))
	fresh, _, _ := Create(db, pipelineOpts("2"))

	// Push the first session past its deadline.
	db.Model(&models.Session{}).Where("id = ?", stale.ID).
		Update("expires_at", time.Now().Add(-time.Minute))

	expired, err := ExpireStale(db)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("len(expired) = %d, want 1", len(expired))
	}
	if expired[0].ID != stale.ID {
		t.Errorf("expired[0].ID = %s, want %s", expired[0].ID, stale.ID)
	}
	if expired[0].Status != "expired" {
		t.Errorf("expired[0].Status = %q, want %q", expired[0].Status, "expired")
	}

	got, _ := Get(db, stale.ID)
	if got.Status != "expired" {
		t.Errorf("stale session status = %q, want %q", got.Status, "expired")
	}
	if got.ActiveKey != nil {
		t.Error("stale session ActiveKey should be nil after expiry")
	}

	untouched, _ := Get(db, fresh.ID)
	if untouched.Status != "active" {
		t.Errorf("fresh session status = %q, want %q", untouched.Status, "active")
	}

	// Expiry frees the key for a new failure on the same project.
	next, created, err := Create(db, pipelineOpts("1"))
	if err != nil {
		t.Fatalf("Create after expiry: %v", err)
	}
	if !created || next.ID == stale.ID {
		t.Error("expected a fresh session after expiry")
	}
}

func TestExpireStale_NothingStale(t *testing.T) {
	db := openTestDB(t)

	Create(db, pipelineOpts("1"))

	expired, err := ExpireStale(db)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("len(expired) = %d, want 0", len(expired))
	}
}
