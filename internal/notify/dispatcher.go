// Package notify maps alerts to delivery channels and records the outcome
// of every attempt.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/model"
)

// Channel delivers a formatted alert message to a set of recipients.
// A nil error means the delivery was handed off successfully.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *model.Alert, recipients []string, message string) error
}

// Dispatcher fans an alert out to its configured channels. Channel failures
// are independent: one failing channel never blocks the others.
type Dispatcher struct {
	logger   *zap.Logger
	channels map[string]Channel
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *zap.Logger, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		logger:   logger.Named("dispatcher"),
		channels: make(map[string]Channel),
		now:      time.Now,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// Register adds or replaces a channel.
func (d *Dispatcher) Register(ch Channel) {
	d.channels[ch.Name()] = ch
}

// DefaultTemplate is used when a rule configures no message template.
const DefaultTemplate = "[{{severity}}] {{title}}: {{description}}"

// Deliver formats the alert and attempts delivery on each named channel,
// appending a NotificationAttempt to the alert per channel. Returns the
// number of successful attempts.
func (d *Dispatcher) Deliver(ctx context.Context, alert *model.Alert, channels []string, recipients []string, template string) int {
	if template == "" {
		template = DefaultTemplate
	}
	message := Render(template, alertContext(alert))

	sent := 0
	for _, name := range channels {
		attempt := model.NotificationAttempt{
			Channel:   name,
			Timestamp: d.now(),
			Status:    model.AttemptSent,
		}
		ch, ok := d.channels[name]
		if !ok {
			attempt.Status = model.AttemptFailed
			attempt.Error = fmt.Sprintf("unknown channel: %s", name)
			d.logger.Warn("Unknown notification channel",
				zap.String("channel", name),
				zap.String("alert_id", alert.ID))
			alert.Notifications = append(alert.Notifications, attempt)
			continue
		}

		if err := d.send(ctx, ch, alert, recipients, message); err != nil {
			attempt.Status = model.AttemptFailed
			attempt.Error = err.Error()
			d.logger.Error("Notification delivery failed",
				zap.String("channel", name),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		} else {
			sent++
			d.logger.Info("Notification sent",
				zap.String("channel", name),
				zap.String("alert_id", alert.ID),
				zap.Int("recipients", len(recipients)))
		}
		alert.Notifications = append(alert.Notifications, attempt)
	}
	return sent
}

// send guards against panicking channel implementations; a panic counts as
// a failed delivery, not a crashed engine.
func (d *Dispatcher) send(ctx context.Context, ch Channel, alert *model.Alert, recipients []string, message string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Send(ctx, alert, recipients, message)
}

// alertContext merges the alert's exported fields with its context values
// for template substitution.
func alertContext(alert *model.Alert) map[string]interface{} {
	merged := map[string]interface{}{
		"id":          alert.ID,
		"rule_id":     alert.RuleID,
		"severity":    string(alert.Severity),
		"title":       alert.Title,
		"description": alert.Description,
		"status":      string(alert.Status),
		"created_at":  alert.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if len(alert.Context.ActualValues) > 0 {
		for k, v := range alert.Context.ActualValues {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
		merged["values"] = alert.Context.ActualValues
	}
	return merged
}
