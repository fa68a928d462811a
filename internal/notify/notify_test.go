package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	slackapi "github.com/slack-go/slack"

	"pipemedic/internal/config"
)

// fakeSender records delivered events and optionally fails every send.
type fakeSender struct {
	name     string
	events   []Event
	err      error
	deadline bool // whether the last ctx carried a deadline
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, ev Event) error {
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func TestDispatcherFansOutToAllSenders(t *testing.T) {
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	d := NewDispatcher(a, b)

	ev := Event{Title: "Pipeline failure detected", Severity: "error"}
	d.Send(context.Background(), ev)

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("deliveries = %d, %d, want 1, 1", len(a.events), len(b.events))
	}
	if a.events[0].Title != ev.Title {
		t.Errorf("Title = %q, want %q", a.events[0].Title, ev.Title)
	}
	if !a.deadline {
		t.Error("sender context has no deadline")
	}
}

func TestDispatcherContinuesAfterFailure(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	d := NewDispatcher(bad, good)

	d.Send(context.Background(), Event{Title: "Fix verified", Severity: "success"})

	if len(good.events) != 1 {
		t.Fatalf("good deliveries = %d, want 1", len(good.events))
	}
}

func TestDispatcherNilSafe(t *testing.T) {
	var d *Dispatcher
	d.Send(context.Background(), Event{Title: "dropped"})
	if d.Enabled() {
		t.Error("Enabled() = true on nil dispatcher")
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.NotificationsConfig
		senders int
	}{
		{"none configured", config.NotificationsConfig{}, 0},
		{
			"slack only",
			config.NotificationsConfig{
				Slack: config.SlackConfig{BotToken: "xoxb-1", Channel: "C1"},
			},
			1,
		},
		{
			"slack missing channel skipped",
			config.NotificationsConfig{
				Slack: config.SlackConfig{BotToken: "xoxb-1"},
			},
			0,
		},
		{
			"both configured",
			config.NotificationsConfig{
				Slack:   config.SlackConfig{BotToken: "xoxb-1", Channel: "C1"},
				Discord: config.DiscordConfig{BotToken: "tok", Channel: "123"},
			},
			2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := FromConfig(tt.cfg)
			if got := len(d.senders); got != tt.senders {
				t.Errorf("senders = %d, want %d", got, tt.senders)
			}
			if want := tt.senders > 0; d.Enabled() != want {
				t.Errorf("Enabled() = %v, want %v", d.Enabled(), want)
			}
		})
	}
}

// --- Slack sender ---

type mockSlackClient struct {
	posted  []string // channel IDs
	postErr error
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, channelID)
	return channelID, "1234567890.123456", nil
}

func TestSlackSenderPostsToChannel(t *testing.T) {
	client := &mockSlackClient{}
	s := &SlackSender{client: client, channelID: "C_OPS"}

	err := s.Send(context.Background(), Event{
		Title:    "Fix ready for review",
		Body:     "MR !7 opened",
		Severity: "success",
		Fields:   []Field{{Name: "Branch", Value: "fix/pipeline_test_20240101_000000"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.posted) != 1 || client.posted[0] != "C_OPS" {
		t.Errorf("posted = %v, want [C_OPS]", client.posted)
	}
}

func TestSlackSenderWrapsError(t *testing.T) {
	client := &mockSlackClient{postErr: errors.New("channel_not_found")}
	s := &SlackSender{client: client, channelID: "C_OPS"}

	err := s.Send(context.Background(), Event{Title: "x"})
	if err == nil {
		t.Fatal("Send: expected error")
	}
	if !strings.Contains(err.Error(), "post message") {
		t.Errorf("err = %v, want post message wrap", err)
	}
}

// --- Discord sender ---

type mockDiscordSession struct {
	channels []string
	embeds   []*discordgo.MessageEmbed
	sendErr  error
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.channels = append(m.channels, channelID)
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{ID: "1"}, nil
}

func TestDiscordSenderBuildsEmbed(t *testing.T) {
	sess := &mockDiscordSession{}
	d := &DiscordSender{sess: sess, channelID: "9000"}

	err := d.Send(context.Background(), Event{
		Title:    "Fix verified",
		Body:     "Pipeline passed on fix branch",
		Severity: "success",
		Fields: []Field{
			{Name: "Project", Value: "group/app"},
			{Name: "Session", Value: "abc-123"},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sess.embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(sess.embeds))
	}
	embed := sess.embeds[0]
	if embed.Title != "Fix verified" {
		t.Errorf("Title = %q, want %q", embed.Title, "Fix verified")
	}
	if embed.Color != 0x36a64f {
		t.Errorf("Color = %#x, want %#x", embed.Color, 0x36a64f)
	}
	if len(embed.Fields) != 2 || !embed.Fields[0].Inline {
		t.Errorf("Fields = %+v, want 2 inline fields", embed.Fields)
	}
	if sess.channels[0] != "9000" {
		t.Errorf("channel = %q, want %q", sess.channels[0], "9000")
	}
}

func TestDiscordSenderWrapsError(t *testing.T) {
	sess := &mockDiscordSession{sendErr: errors.New("50001: missing access")}
	d := &DiscordSender{sess: sess, channelID: "9000"}

	err := d.Send(context.Background(), Event{Title: "x"})
	if err == nil {
		t.Fatal("Send: expected error")
	}
	if !strings.Contains(err.Error(), "send embed") {
		t.Errorf("err = %v, want send embed wrap", err)
	}
}

func TestSeverityColor(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"success", "#36a64f"},
		{"warning", "#daa038"},
		{"error", "#a30200"},
		{"info", "#439fe0"},
		{"", "#439fe0"},
	}
	for _, tt := range tests {
		if got := severityColor(tt.severity); got != tt.want {
			t.Errorf("severityColor(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		hex  string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"36a64f", 0x36a64f},
		{"#FFFFFF", 0xffffff},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.hex); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.hex, got, tt.want)
		}
	}
}
