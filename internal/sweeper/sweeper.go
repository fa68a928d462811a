// Package sweeper expires sessions that have gone quiet. Every session
// carries an expiry deadline that message activity pushes forward; the
// sweeper flips overdue active sessions to expired on a cron schedule so
// their active_key frees up for the next failure on the same project.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"pipemedic/internal/notify"
	"pipemedic/internal/session"
)

// defaultSchedule sweeps at the top of every hour.
const defaultSchedule = "0 * * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper periodically expires overdue active sessions.
type Sweeper struct {
	db       *gorm.DB
	notifier *notify.Dispatcher
	schedule cron.Schedule
}

// Opts holds the dependencies for a Sweeper.
type Opts struct {
	DB       *gorm.DB
	Notifier *notify.Dispatcher

	// Schedule is a 5-field cron expression. Empty means hourly.
	Schedule string
}

// New creates a Sweeper. An invalid schedule expression is an error.
func New(opts Opts) (*Sweeper, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("sweeper: db is required")
	}
	expr := opts.Schedule
	if expr == "" {
		expr = defaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sweeper: parse schedule %q: %w", expr, err)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewDispatcher()
	}
	return &Sweeper{db: opts.DB, notifier: notifier, schedule: schedule}, nil
}

// Run sweeps once immediately, then on every schedule fire until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Sweep(ctx)
			timer.Reset(s.untilNext())
		}
	}
}

func (s *Sweeper) untilNext() time.Duration {
	d := time.Until(s.schedule.Next(time.Now()))
	if d <= 0 {
		d = time.Minute
	}
	return d
}

// Sweep expires every overdue active session and reports how many it closed.
// Store errors are logged; the next fire retries.
func (s *Sweeper) Sweep(ctx context.Context) int {
	expired, err := session.ExpireStale(s.db)
	if err != nil {
		log.Printf("sweeper: %v", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}
	log.Printf("sweeper: expired %d stale session(s)", len(expired))

	for i := range expired {
		sess := &expired[i]
		s.notifier.Send(ctx, notify.Event{
			Title: "Session expired",
			Body: fmt.Sprintf("No activity since %s. The next %s failure for %s opens a fresh session.",
				sess.LastActivity.UTC().Format("2006-01-02 15:04"), sess.SessionType, sess.ProjectName),
			Severity: "warning",
			Fields: []notify.Field{
				{Name: "Project", Value: sess.ProjectName},
				{Name: "Session", Value: sess.ID},
			},
		})
	}
	return len(expired)
}
