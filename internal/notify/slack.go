package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/reindex"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts run reports to a Slack channel.
type Slack struct {
	client  slackClient
	channel string
}

// NewSlack creates a Slack notifier from a bot token and channel ID.
func NewSlack(token, channel string) *Slack {
	return &Slack{client: slackapi.New(token), channel: channel}
}

// Post sends the report as a message with a colored attachment.
func (s *Slack) Post(ctx context.Context, rep *reindex.Report) error {
	fields := make([]slackapi.AttachmentField, 0, len(reportFields(rep)))
	for _, f := range reportFields(rep) {
		fields = append(fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	attachment := slackapi.Attachment{
		Color:  reportColor(rep),
		Title:  reportTitle(rep),
		Fields: fields,
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slackapi.MsgOptionAttachments(attachment))
	if err != nil {
		return fmt.Errorf("notify: slack post to %s: %w", s.channel, err)
	}
	return nil
}
