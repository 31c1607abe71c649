package notification

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jkaninda/codegate/internal/config"
	"github.com/jkaninda/codegate/internal/observability"
)

// NewFromConfig builds a dispatcher with the Slack and webhook senders
// registered. It returns nil when no channels are configured.
func NewFromConfig(cfg *config.AlertsConfig, logger *slog.Logger) (*Dispatcher, error) {
	if cfg == nil || len(cfg.Channels) == 0 {
		return nil, nil
	}
	channels := make([]Channel, 0, len(cfg.Channels))
	for i, c := range cfg.Channels {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", c.Type, i)
		}
		ch := Channel{Name: name, Type: c.Type, Config: map[string]string{}}
		switch c.Type {
		case "webhook":
			if c.URL == "" {
				return nil, fmt.Errorf("alert channel %q: url is required", name)
			}
			ch.Config["url"] = c.URL
		case "slack":
			if c.ChannelID == "" || c.Token == "" {
				return nil, fmt.Errorf("alert channel %q: token and channel_id are required", name)
			}
			ch.Config["channel_id"] = c.ChannelID
			ch.Config["token"] = c.Token
		default:
			return nil, fmt.Errorf("alert channel %q: unknown type %q", name, c.Type)
		}
		channels = append(channels, ch)
	}

	d := NewDispatcher(Config{
		Channels: channels,
		Cooldown: cfg.Cooldown(),
		Fallback: cfg.Fallback,
	}, logger)
	d.RegisterSender(NewWebhookSender(logger))
	d.RegisterSender(NewSlackSender("", logger))
	return d, nil
}

// AnomalyAlert turns a flagged client into an alert keyed by client id, so
// one noisy client raises at most one alert per cooldown.
func AnomalyAlert(a observability.Anomaly) *Message {
	return &Message{
		Key:     "anomaly:" + a.ClientID,
		Subject: "codegate: high execution failure rate",
		Body: fmt.Sprintf("client %q failed %d of %d executions (%.0f%%, threshold %.0f%%), detected at %s",
			a.ClientID, a.Failures, a.Total, a.FailureRate*100, a.Threshold*100,
			a.DetectedAt.UTC().Format("2006-01-02 15:04:05Z")),
		Metadata: map[string]string{
			"client_id":    a.ClientID,
			"failure_rate": strconv.FormatFloat(a.FailureRate, 'f', 3, 64),
			"failures":     strconv.Itoa(a.Failures),
			"total":        strconv.Itoa(a.Total),
		},
	}
}
