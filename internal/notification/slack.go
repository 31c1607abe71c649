package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts alerts through the Slack Web API.
type SlackSender struct {
	botToken   string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(botToken string, logger *slog.Logger) *SlackSender {
	return &SlackSender{
		botToken: botToken,
		apiURL:   slackPostMessageURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// WithAPIURL overrides the chat.postMessage endpoint.
func (s *SlackSender) WithAPIURL(u string) *SlackSender {
	s.apiURL = u
	return s
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	channelID := ch.Config["channel_id"]
	if channelID == "" {
		return fmt.Errorf("slack channel %q missing channel_id in config", ch.Name)
	}
	token := s.botToken
	if t := ch.Config["token"]; t != "" {
		token = t
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}

	body, err := json.Marshal(map[string]any{
		"channel": channelID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack answers 200 on API errors too.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}
