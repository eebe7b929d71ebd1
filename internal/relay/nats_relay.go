// Package relay forwards broker events to NATS JetStream so external
// consumers (dashboards, audit pipelines) can observe the status stream.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/broker"
	"github.com/t77yq/status-alerting/internal/model"
)

const (
	streamName    = "STATUS_EVENTS"
	subjectPrefix = "events.status."
)

// NATSRelay is a webhook-mode broker subscriber that publishes each
// flushed event batch to events.status.<type> subjects.
type NATSRelay struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// New creates a relay and ensures its JetStream stream exists.
func New(logger *zap.Logger, js nats.JetStreamContext) (*NATSRelay, error) {
	_, err := js.StreamInfo(streamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectPrefix + ">"},
			Storage:  nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("failed to create event stream: %w", err)
		}
	}
	return &NATSRelay{logger: logger.Named("relay"), js: js}, nil
}

// Subscription returns the broker subscription the relay wants.
func (r *NATSRelay) Subscription(eventTypes []model.EventType) model.Subscription {
	return model.Subscription{
		SubscriberID: "nats-relay",
		EventTypes:   eventTypes,
		Mode:         model.DeliveryWebhook,
	}
}

// HandleBatch is the broker delivery callback: each event in the batch is
// published to its type's subject. The first publish error aborts the
// batch; the broker logs it and does not re-queue.
func (r *NATSRelay) HandleBatch(events []*model.StatusEvent) error {
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
		}
		if _, err := r.js.Publish(subjectPrefix+string(ev.Type), data); err != nil {
			return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
		}
	}
	r.logger.Debug("Event batch relayed", zap.Int("events", len(events)))
	return nil
}

// Target returns the broker delivery target for this relay.
func (r *NATSRelay) Target() broker.Target {
	return broker.Target{OnBatch: r.HandleBatch}
}
