package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/model"
)

// LogChannel writes alert notifications to the structured log. Useful as a
// default channel and in development.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("channel.log")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, alert *model.Alert, recipients []string, message string) error {
	c.logger.Info("Alert notification",
		zap.String("alert_id", alert.ID),
		zap.String("severity", string(alert.Severity)),
		zap.Strings("recipients", recipients),
		zap.String("message", message))
	return nil
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel sends alert notifications over SMTP.
type EmailChannel struct {
	logger *zap.Logger
	config EmailConfig
}

// NewEmailChannel creates an SMTP-backed channel.
func NewEmailChannel(logger *zap.Logger, config EmailConfig) *EmailChannel {
	return &EmailChannel{logger: logger.Named("channel.email"), config: config}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, alert *model.Alert, recipients []string, message string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("email channel requires recipients")
	}

	auth := smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: [%s] %s\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n",
		c.config.From, recipients[0], alert.Severity, alert.Title, message)

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	return smtp.SendMail(addr, auth, c.config.From, recipients, []byte(msg))
}

// WebhookChannel POSTs alert notifications as JSON to an external endpoint.
type WebhookChannel struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
}

// NewWebhookChannel creates an HTTP webhook channel.
func NewWebhookChannel(logger *zap.Logger, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		logger:     logger.Named("channel.webhook"),
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert, recipients []string, message string) error {
	payload := struct {
		Alert      *model.Alert `json:"alert"`
		Message    string       `json:"message"`
		Recipients []string     `json:"recipients,omitempty"`
	}{Alert: alert, Message: message, Recipients: recipients}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// NATSChannel publishes alert notifications to JetStream on
// alert.<severity> subjects for downstream consumers.
type NATSChannel struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewNATSChannel creates a JetStream-backed channel. It ensures the ALERTS
// stream exists.
func NewNATSChannel(logger *zap.Logger, js nats.JetStreamContext) (*NATSChannel, error) {
	_, err := js.StreamInfo("ALERTS")
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     "ALERTS",
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("failed to create alerts stream: %w", err)
		}
	}
	return &NATSChannel{logger: logger.Named("channel.nats"), js: js}, nil
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Send(ctx context.Context, alert *model.Alert, recipients []string, message string) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := c.js.Publish("alert."+string(alert.Severity), data); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}
