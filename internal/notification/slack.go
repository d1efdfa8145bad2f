package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts messages to a Slack channel with a bot token.
type SlackSender struct {
	name      string
	token     string
	channelID string
	apiURL    string
	client    *resty.Client
}

// NewSlackSender creates a Slack channel.
func NewSlackSender(name, token, channelID string) *SlackSender {
	return &SlackSender{
		name:      name,
		token:     token,
		channelID: channelID,
		apiURL:    slackPostMessageURL,
		client:    resty.New().SetTimeout(15 * time.Second),
	}
}

func (s *SlackSender) Type() string { return "slack" }
func (s *SlackSender) Name() string { return s.name }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	if s.channelID == "" {
		return fmt.Errorf("slack channel %q missing channel_id", s.name)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.token).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(map[string]string{"channel": s.channelID, "text": text}).
		SetResult(&result).
		Post(s.apiURL)
	if err != nil {
		return fmt.Errorf("sending slack message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode(), truncate(resp.String(), 1024))
	}
	// Slack answers 200 on errors too.
	if !result.OK {
		return fmt.Errorf("slack API error: %s", result.Error)
	}
	return nil
}
