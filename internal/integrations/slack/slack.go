// Package slack posts host updates to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/watch"
)

const (
	// DefaultRatePerMinute bounds webhook posts per minute.
	DefaultRatePerMinute = 20
	defaultTimeout       = 10 * time.Second
	maxErrorBody         = 512
)

// Config holds webhook settings.
type Config struct {
	WebhookURL    string
	Channel       string
	Username      string
	RatePerMinute int
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *logging.Logger
}

// Notifier is a publisher subscriber sending one Slack message per update.
type Notifier struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

type payload struct {
	Text     string `json:"text"`
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Mrkdwn   bool   `json:"mrkdwn"`
}

// New creates a notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.ErrConfigMissing("integrations.slack.webhook_url")
	}
	if !strings.HasPrefix(cfg.WebhookURL, "http://") && !strings.HasPrefix(cfg.WebhookURL, "https://") {
		return nil, errors.ErrConfigInvalid("integrations.slack.webhook_url", cfg.WebhookURL)
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRatePerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Notifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		client:     client,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
		logger:     logger.WithComponent("slack"),
	}, nil
}

// Name implements publisher.Subscriber.
func (n *Notifier) Name() string {
	return "slack"
}

// Deliver waits for the rate limiter and posts the formatted update. A
// webhook that Slack reports as removed yields a subscriber-gone error.
func (n *Notifier) Deliver(ctx context.Context, update *watch.HostUpdate) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slack rate limiter: %w", err)
	}

	body, err := json.Marshal(payload{
		Text:     FormatUpdate(update),
		Channel:  n.channel,
		Username: n.username,
		Mrkdwn:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	n.logger.Debug("Sending slack message", "host", update.Host, "type", update.Type)
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errors.ErrSubscriberGone(n.Name(),
			fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	default:
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

// FormatUpdate renders an update as Slack mrkdwn.
func FormatUpdate(update *watch.HostUpdate) string {
	var b strings.Builder

	switch update.Type {
	case watch.UpdateInitial, watch.UpdateUp:
		if update.Type == watch.UpdateInitial {
			fmt.Fprintf(&b, "Host *%s* initial report:\n", update.Host)
		} else {
			fmt.Fprintf(&b, "Host *%s* is now up, initial report:\n", update.Host)
		}
		if len(update.PortUpdates) == 0 {
			b.WriteString(">No open ports.")
		}
		for _, p := range update.PortUpdates {
			fmt.Fprintf(&b, ">*%d* (%s) *%s*\n", p.Port, p.Service(), p.New.State)
		}
	case watch.UpdateChange:
		fmt.Fprintf(&b, "Host *%s* update:\n", update.Host)
		for _, p := range update.PortUpdates {
			old := "closed"
			if p.Old != nil {
				old = string(p.Old.State)
			}
			fmt.Fprintf(&b, ">*%d* (%s) %s -> *%s*\n", p.Port, p.Service(), old, p.New.State)
		}
	case watch.UpdateDown:
		fmt.Fprintf(&b, "Host *%s* is down.", update.Host)
	}

	return strings.TrimSuffix(b.String(), "\n")
}
