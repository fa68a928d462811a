package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackSender delivers events to a Slack channel as attachment messages.
type SlackSender struct {
	client    slackClient
	channelID string
}

// NewSlackSender creates a SlackSender posting to the given channel.
func NewSlackSender(botToken, channelID string) *SlackSender {
	return &SlackSender{
		client:    slackapi.New(botToken),
		channelID: channelID,
	}
}

// Name identifies the platform in dispatcher logs.
func (s *SlackSender) Name() string { return "slack" }

// Send posts the event as a colored attachment.
func (s *SlackSender) Send(ctx context.Context, ev Event) error {
	att := slackapi.Attachment{
		Title:    ev.Title,
		Text:     ev.Body,
		Color:    severityColor(ev.Severity),
		Fallback: ev.Title,
	}
	for _, f := range ev.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: true,
		})
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slackapi.MsgOptionAttachments(att))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
