// Package notify pushes session lifecycle events to operator chat channels.
//
// Delivery is best-effort: a failed send is logged and never blocks or fails
// the operation that produced the event.
package notify

import (
	"context"
	"log"
	"time"

	"pipemedic/internal/config"
)

// sendTimeout bounds a single platform delivery.
const sendTimeout = 10 * time.Second

// Event is a session lifecycle notification formatted for chat display.
type Event struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Fields   []Field
}

// Field is a key-value pair rendered alongside an event.
type Field struct {
	Name  string
	Value string
}

// Sender delivers events to a single chat platform.
type Sender interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to every configured sender.
type Dispatcher struct {
	senders []Sender
}

// NewDispatcher creates a Dispatcher over the given senders. A Dispatcher
// with no senders is valid and drops every event.
func NewDispatcher(senders ...Sender) *Dispatcher {
	return &Dispatcher{senders: senders}
}

// FromConfig builds a Dispatcher from the notification config. Platforms
// missing a token or channel are skipped.
func FromConfig(cfg config.NotificationsConfig) *Dispatcher {
	var senders []Sender
	if cfg.Slack.BotToken != "" && cfg.Slack.Channel != "" {
		senders = append(senders, NewSlackSender(cfg.Slack.BotToken, cfg.Slack.Channel))
	}
	if cfg.Discord.BotToken != "" && cfg.Discord.Channel != "" {
		ds, err := NewDiscordSender(cfg.Discord.BotToken, cfg.Discord.Channel)
		if err != nil {
			log.Printf("notify: discord sender disabled: %v", err)
		} else {
			senders = append(senders, ds)
		}
	}
	return NewDispatcher(senders...)
}

// Enabled reports whether at least one sender is configured.
func (d *Dispatcher) Enabled() bool {
	return d != nil && len(d.senders) > 0
}

// Send delivers the event to every sender in order. Failures are logged,
// not returned; a nil Dispatcher drops the event.
func (d *Dispatcher) Send(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	for _, s := range d.senders {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(sctx, ev)
		cancel()
		if err != nil {
			log.Printf("notify: %s delivery failed: %v", s.Name(), err)
		}
	}
}

// severityColor returns the sidebar color hint for a severity.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return "#36a64f"
	case "warning":
		return "#daa038"
	case "error":
		return "#a30200"
	default:
		return "#439fe0"
	}
}
