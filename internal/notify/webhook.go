package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Webhook templates
const (
	TemplateGeneric = "generic"
	TemplateSlack   = "slack"
)

// WebhookConfig configures an outgoing webhook
type WebhookConfig struct {
	URL      string
	Template string
	Timeout  time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenTimeout
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Webhook POSTs events to a chat or generic HTTP endpoint behind a circuit breaker
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewWebhook creates a webhook notifier
func NewWebhook(cfg WebhookConfig, logger zerolog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Minute
	}
	logger = logger.With().Str("component", "webhook").Logger()

	threshold := cfg.FailureThreshold
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "webhook",
			Timeout: cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Webhook circuit breaker state changed")
			},
		}),
		logger: logger,
	}
}

// State returns the breaker state
func (w *Webhook) State() gobreaker.State {
	return w.breaker.State()
}

func (w *Webhook) Notify(ctx context.Context, evt Event) error {
	var (
		body []byte
		err  error
	)
	switch w.cfg.Template {
	case TemplateSlack:
		body, err = buildSlackPayload(evt)
	default:
		body, err = json.Marshal(evt)
	}
	if err != nil {
		return fmt.Errorf("build webhook payload: %w", err)
	}

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("webhook suspended: %w", err)
	}
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// buildSlackPayload creates a Slack Block Kit message
func buildSlackPayload(evt Event) ([]byte, error) {
	emoji := ":white_check_mark:"
	if evt.Page {
		emoji = ":rotating_light:"
	} else if evt.Run != nil && evt.Run.OverallStatus != "success" {
		emoji = ":warning:"
	}

	blocks := []map[string]interface{}{
		{
			"type": "section",
			"text": map[string]string{
				"type": "mrkdwn",
				"text": fmt.Sprintf("%s *%s*", emoji, evt.Message),
			},
		},
	}
	if evt.Run != nil {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"fields": []map[string]string{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Service:* %s", evt.Run.ServiceName)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Environment:* %s", evt.Run.Environment)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Version:* %s", evt.Run.Version)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", evt.Run.OverallStatus)},
			},
		})
	}

	return json.Marshal(map[string]interface{}{
		"text":   evt.Message,
		"blocks": blocks,
	})
}
