package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/status-alerting/internal/broker"
	"github.com/t77yq/status-alerting/internal/model"
	"github.com/t77yq/status-alerting/internal/schedule"
	"github.com/t77yq/status-alerting/internal/testutil"
)

func TestRelayPublishesBatchToJetStream(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	relay, err := New(zaptest.NewLogger(t), js)
	require.NoError(t, err)

	events := []*model.StatusEvent{
		{
			ID:        "evt-1",
			Type:      model.EventTaskFailed,
			Timestamp: time.Now(),
			Source:    "worker-1",
			Data:      map[string]interface{}{"error": "timeout"},
			Priority:  model.PriorityHigh,
		},
		{
			ID:        "evt-2",
			Type:      model.EventAgentOffline,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"agent_id": "agent-7"},
			Priority:  model.PriorityCritical,
		},
	}
	require.NoError(t, relay.HandleBatch(events))

	messages := testutil.ConsumeMessages(t, js, "events.status.>", 2*time.Second)
	require.Len(t, messages, 2)

	var first model.StatusEvent
	require.NoError(t, json.Unmarshal(messages[0], &first))
	assert.Equal(t, "evt-1", first.ID)
	assert.Equal(t, model.EventTaskFailed, first.Type)
}

func TestRelayIdempotentStreamCreation(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	_, err := New(zaptest.NewLogger(t), js)
	require.NoError(t, err)
	_, err = New(zaptest.NewLogger(t), js)
	require.NoError(t, err, "creating a relay over an existing stream must succeed")
}

func TestRelayAsBrokerSubscriber(t *testing.T) {
	js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	relay, err := New(zaptest.NewLogger(t), js)
	require.NoError(t, err)

	sched := schedule.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b := broker.New(zaptest.NewLogger(t), sched)
	defer b.Close()

	sub := relay.Subscription([]model.EventType{model.EventTaskFailed})
	require.Equal(t, model.DeliveryWebhook, sub.Mode)
	require.NoError(t, b.Subscribe(sub, relay.Target()))

	b.Publish(model.EventTaskFailed, map[string]interface{}{"error": "timeout"}, broker.PublishOptions{})
	b.Publish(model.EventTaskCompleted, nil, broker.PublishOptions{})

	// The webhook queue flushes on the next sweep.
	sched.Advance(10 * time.Second)

	messages := testutil.ConsumeMessages(t, js, "events.status.>", 2*time.Second)
	require.Len(t, messages, 1, "only the subscribed event type is relayed")

	var got model.StatusEvent
	require.NoError(t, json.Unmarshal(messages[0], &got))
	assert.Equal(t, model.EventTaskFailed, got.Type)
}
