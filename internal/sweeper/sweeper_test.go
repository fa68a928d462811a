package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pipemedic/internal/models"
	"pipemedic/internal/notify"
	"pipemedic/internal/session"
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

type recordingSender struct {
	events []notify.Event
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Send(_ context.Context, ev notify.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func backdate(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	err := db.Model(&models.Session{}).Where("id = ?", id).
		Update("expires_at", time.Now().Add(-time.Minute)).Error
	if err != nil {
		t.Fatalf("backdate session: %v", err)
	}
}

func TestNewValidatesOpts(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("New without db: want error, got nil")
	}

	db := openTestDB(t)
	if _, err := New(Opts{DB: db, Schedule: "not a cron expr"}); err == nil {
		t.Error("New with bad schedule: want error, got nil")
	}

	sw, err := New(Opts{DB: db})
	if err != nil {
		t.Fatalf("New with defaults: %v", err)
	}
	if sw.notifier == nil {
		t.Error("New left notifier nil, want default dispatcher")
	}
	if sw.schedule == nil {
		t.Error("New left schedule nil, want hourly default")
	}
}

func TestSweepExpiresOverdueSessions(t *testing.T) {
	db := openTestDB(t)
	sender := &recordingSender{}
	sw, err := New(Opts{DB: db, Notifier: notify.NewDispatcher(sender)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	overdue, _, err := session.Create(db, session.CreateOpts{
		SessionType: "pipeline", ProjectID: "1", ProjectName: "group/app", Branch: "main",
	})
	if err != nil {
		t.Fatalf("seed overdue: %v", err)
	}
	fresh, _, err := session.Create(db, session.CreateOpts{
		SessionType: "pipeline", ProjectID: "2", ProjectName: "group/other", Branch: "main",
	})
	if err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	backdate(t, db, overdue.ID)

	if n := sw.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}

	got, err := session.Get(db, overdue.ID)
	if err != nil {
		t.Fatalf("Get overdue: %v", err)
	}
	if got.Status != "expired" || got.ActiveKey != nil {
		t.Errorf("overdue session = %s/%v, want expired with nil active_key", got.Status, got.ActiveKey)
	}
	got, err = session.Get(db, fresh.ID)
	if err != nil {
		t.Fatalf("Get fresh: %v", err)
	}
	if got.Status != "active" {
		t.Errorf("fresh session = %s, want active", got.Status)
	}

	if len(sender.events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sender.events))
	}
	ev := sender.events[0]
	if ev.Title != "Session expired" || ev.Severity != "warning" {
		t.Errorf("event = %q/%q", ev.Title, ev.Severity)
	}
	var sessionField string
	for _, f := range ev.Fields {
		if f.Name == "Session" {
			sessionField = f.Value
		}
	}
	if sessionField != overdue.ID {
		t.Errorf("Session field = %q, want %q", sessionField, overdue.ID)
	}
}

func TestSweepWithNothingOverdue(t *testing.T) {
	db := openTestDB(t)
	sender := &recordingSender{}
	sw, err := New(Opts{DB: db, Notifier: notify.NewDispatcher(sender)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, err := session.Create(db, session.CreateOpts{
		SessionType: "quality", ProjectID: "1", ProjectName: "group/app", Branch: "main",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if n := sw.Sweep(context.Background()); n != 0 {
		t.Errorf("Sweep = %d, want 0", n)
	}
	if len(sender.events) != 0 {
		t.Errorf("notifications = %d, want 0", len(sender.events))
	}
}

func TestRunSweepsOnStartAndStopsWithContext(t *testing.T) {
	db := openTestDB(t)
	sw, err := New(Opts{DB: db})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	overdue, _, err := session.Create(db, session.CreateOpts{
		SessionType: "pipeline", ProjectID: "1", ProjectName: "group/app", Branch: "main",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	backdate(t, db, overdue.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	got, err := session.Get(db, overdue.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != "expired" {
		t.Errorf("session = %s, want expired by the startup sweep", got.Status)
	}
}
