package broker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/status-alerting/internal/model"
	"github.com/t77yq/status-alerting/internal/schedule"
)

func newTestBroker(t *testing.T) (*Broker, *schedule.Manual) {
	t.Helper()
	sched := schedule.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	b := New(zaptest.NewLogger(t), sched)
	t.Cleanup(b.Close)
	return b, sched
}

func realtimeSub(id string, types ...model.EventType) model.Subscription {
	return model.Subscription{
		SubscriberID: id,
		EventTypes:   types,
		Mode:         model.DeliveryRealtime,
	}
}

func TestSubscribeValidation(t *testing.T) {
	b, _ := newTestBroker(t)

	err := b.Subscribe(model.Subscription{
		EventTypes: []model.EventType{model.EventTaskFailed},
		Mode:       model.DeliveryRealtime,
	}, Target{OnEvent: func(*model.StatusEvent) {}})
	assert.ErrorIs(t, err, ErrMissingSubscriberID)

	err = b.Subscribe(model.Subscription{
		SubscriberID: "s1",
		Mode:         model.DeliveryRealtime,
	}, Target{OnEvent: func(*model.StatusEvent) {}})
	assert.ErrorIs(t, err, ErrNoEventTypes)

	err = b.Subscribe(realtimeSub("s1", model.EventTaskFailed), Target{})
	assert.ErrorIs(t, err, ErrMissingHandler)

	err = b.Subscribe(model.Subscription{
		SubscriberID: "s1",
		EventTypes:   []model.EventType{model.EventTaskFailed},
		Mode:         model.DeliveryBatched,
	}, Target{OnEvent: func(*model.StatusEvent) {}})
	assert.ErrorIs(t, err, ErrMissingHandler)

	err = b.Subscribe(model.Subscription{
		SubscriberID: "s1",
		EventTypes:   []model.EventType{model.EventTaskFailed},
		Mode:         model.DeliveryMode("carrier-pigeon"),
	}, Target{OnEvent: func(*model.StatusEvent) {}})
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestRealtimeDelivery(t *testing.T) {
	b, _ := newTestBroker(t)

	var got []*model.StatusEvent
	require.NoError(t, b.Subscribe(
		realtimeSub("s1", model.EventTaskFailed, model.EventTaskCompleted),
		Target{OnEvent: func(ev *model.StatusEvent) { got = append(got, ev) }},
	))

	ev := b.Publish(model.EventTaskFailed, map[string]interface{}{"task_id": "t1"}, PublishOptions{Source: "worker-1"})
	require.NotNil(t, ev)
	b.Publish(model.EventAgentHeartbeat, nil, PublishOptions{})

	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, model.EventTaskFailed, got[0].Type)
	assert.Equal(t, "worker-1", got[0].Source)
	assert.Equal(t, model.PriorityNormal, got[0].Priority, "priority defaults to normal")
}

func TestPriorityThresholdFiltering(t *testing.T) {
	b, _ := newTestBroker(t)

	var got []*model.StatusEvent
	sub := realtimeSub("s1", model.EventSystemMetrics)
	sub.Filters.PriorityThreshold = model.PriorityHigh
	require.NoError(t, b.Subscribe(sub, Target{
		OnEvent: func(ev *model.StatusEvent) { got = append(got, ev) },
	}))

	b.Publish(model.EventSystemMetrics, nil, PublishOptions{Priority: model.PriorityLow})
	b.Publish(model.EventSystemMetrics, nil, PublishOptions{Priority: model.PriorityNormal})
	b.Publish(model.EventSystemMetrics, nil, PublishOptions{Priority: model.PriorityHigh})
	b.Publish(model.EventSystemMetrics, nil, PublishOptions{Priority: model.PriorityCritical})

	require.Len(t, got, 2)
	assert.Equal(t, model.PriorityHigh, got[0].Priority)
	assert.Equal(t, model.PriorityCritical, got[1].Priority)
}

func TestTagAndAgentFiltering(t *testing.T) {
	b, _ := newTestBroker(t)

	var tagged, byAgent []*model.StatusEvent

	tagSub := realtimeSub("tags", model.EventTaskFailed)
	tagSub.Filters.Tags = []string{"prod", "canary"}
	require.NoError(t, b.Subscribe(tagSub, Target{
		OnEvent: func(ev *model.StatusEvent) { tagged = append(tagged, ev) },
	}))

	agentSub := realtimeSub("agents", model.EventTaskFailed)
	agentSub.Filters.AgentIDs = []string{"agent-7"}
	require.NoError(t, b.Subscribe(agentSub, Target{
		OnEvent: func(ev *model.StatusEvent) { byAgent = append(byAgent, ev) },
	}))

	b.Publish(model.EventTaskFailed, nil, PublishOptions{Tags: []string{"staging"}})
	b.Publish(model.EventTaskFailed, nil, PublishOptions{Tags: []string{"prod", "db"}})
	b.Publish(model.EventTaskFailed, map[string]interface{}{"agent_id": "agent-1"}, PublishOptions{})
	b.Publish(model.EventTaskFailed, map[string]interface{}{"agent_id": "agent-7"}, PublishOptions{})

	require.Len(t, tagged, 1)
	assert.True(t, tagged[0].HasTag("prod"))

	// Events without an agent id pass the agent filter; with one, it must match.
	require.Len(t, byAgent, 3)
	id, ok := byAgent[2].AgentID()
	require.True(t, ok)
	assert.Equal(t, "agent-7", id)
}

func TestBatchedFlushAfterInterval(t *testing.T) {
	b, sched := newTestBroker(t)

	var batches [][]*model.StatusEvent
	require.NoError(t, b.Subscribe(model.Subscription{
		SubscriberID:  "batcher",
		EventTypes:    []model.EventType{model.EventTaskCompleted},
		Mode:          model.DeliveryBatched,
		BatchInterval: 30 * time.Second,
	}, Target{OnBatch: func(evs []*model.StatusEvent) error {
		batches = append(batches, evs)
		return nil
	}}))

	first := b.Publish(model.EventTaskCompleted, nil, PublishOptions{})
	sched.Advance(10 * time.Second)
	second := b.Publish(model.EventTaskCompleted, nil, PublishOptions{})

	// Sweeps before the interval elapses must not flush.
	sched.Advance(15 * time.Second)
	assert.Empty(t, batches)

	sched.Advance(10 * time.Second)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	assert.Equal(t, first.ID, batches[0][0].ID)
	assert.Equal(t, second.ID, batches[0][1].ID)

	// Pending is cleared after a flush; the next sweep delivers nothing.
	sched.Advance(time.Minute)
	assert.Len(t, batches, 1)
}

func TestWebhookFlushesEverySweep(t *testing.T) {
	b, sched := newTestBroker(t)

	var batches [][]*model.StatusEvent
	require.NoError(t, b.Subscribe(model.Subscription{
		SubscriberID: "hook",
		EventTypes:   []model.EventType{model.EventAuditAction},
		Mode:         model.DeliveryWebhook,
	}, Target{OnBatch: func(evs []*model.StatusEvent) error {
		batches = append(batches, evs)
		return nil
	}}))

	b.Publish(model.EventAuditAction, nil, PublishOptions{})
	b.Publish(model.EventAuditAction, nil, PublishOptions{})
	sched.Advance(defaultSweepTick)

	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestFailedBatchIsNotRequeued(t *testing.T) {
	b, sched := newTestBroker(t)

	calls := 0
	require.NoError(t, b.Subscribe(model.Subscription{
		SubscriberID: "hook",
		EventTypes:   []model.EventType{model.EventAuditAction},
		Mode:         model.DeliveryWebhook,
	}, Target{OnBatch: func(evs []*model.StatusEvent) error {
		calls++
		return errors.New("endpoint down")
	}}))

	b.Publish(model.EventAuditAction, nil, PublishOptions{})
	sched.Advance(defaultSweepTick)
	require.Equal(t, 1, calls)

	sched.Advance(defaultSweepTick)
	assert.Equal(t, 1, calls, "failed batch must not be delivered again")
}

func TestFlushForced(t *testing.T) {
	b, _ := newTestBroker(t)

	var batches [][]*model.StatusEvent
	require.NoError(t, b.Subscribe(model.Subscription{
		SubscriberID:  "batcher",
		EventTypes:    []model.EventType{model.EventTaskCompleted},
		Mode:          model.DeliveryBatched,
		BatchInterval: time.Hour,
	}, Target{OnBatch: func(evs []*model.StatusEvent) error {
		batches = append(batches, evs)
		return nil
	}}))
	require.NoError(t, b.Subscribe(realtimeSub("rt", model.EventTaskCompleted),
		Target{OnEvent: func(*model.StatusEvent) {}}))

	b.Publish(model.EventTaskCompleted, nil, PublishOptions{})

	assert.False(t, b.Flush("nobody"))
	assert.False(t, b.Flush("rt"), "realtime subscribers have nothing to flush")

	require.True(t, b.Flush("batcher"))
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)
}

func TestUnsubscribeDropsPending(t *testing.T) {
	b, sched := newTestBroker(t)

	delivered := 0
	require.NoError(t, b.Subscribe(model.Subscription{
		SubscriberID:  "batcher",
		EventTypes:    []model.EventType{model.EventTaskCompleted},
		Mode:          model.DeliveryBatched,
		BatchInterval: time.Second,
	}, Target{OnBatch: func(evs []*model.StatusEvent) error {
		delivered += len(evs)
		return nil
	}}))

	b.Publish(model.EventTaskCompleted, nil, PublishOptions{})
	b.Unsubscribe("batcher")

	sched.Advance(time.Minute)
	assert.Zero(t, delivered, "unsubscribed pending events must not be delivered")
	assert.False(t, b.Flush("batcher"))
}

func TestResubscribeReplacesAndDropsPending(t *testing.T) {
	b, sched := newTestBroker(t)

	var old, replacement int
	sub := model.Subscription{
		SubscriberID:  "s1",
		EventTypes:    []model.EventType{model.EventTaskCompleted},
		Mode:          model.DeliveryBatched,
		BatchInterval: time.Second,
	}
	require.NoError(t, b.Subscribe(sub, Target{OnBatch: func(evs []*model.StatusEvent) error {
		old += len(evs)
		return nil
	}}))
	b.Publish(model.EventTaskCompleted, nil, PublishOptions{})

	require.NoError(t, b.Subscribe(sub, Target{OnBatch: func(evs []*model.StatusEvent) error {
		replacement += len(evs)
		return nil
	}}))

	sched.Advance(time.Minute)
	assert.Zero(t, old)
	assert.Zero(t, replacement, "pending batch is dropped on replace")
}

func TestHistoryFilteringAndOrdering(t *testing.T) {
	b, sched := newTestBroker(t)

	b.Publish(model.EventTaskFailed, nil, PublishOptions{Source: "worker-1", Priority: model.PriorityHigh, Tags: []string{"prod"}})
	sched.Advance(time.Second)
	b.Publish(model.EventTaskCompleted, nil, PublishOptions{Source: "worker-2"})
	sched.Advance(time.Second)
	cutoff := sched.Now()
	b.Publish(model.EventTaskFailed, nil, PublishOptions{Source: "worker-2", Priority: model.PriorityHigh})

	all := b.History(HistoryFilter{}, 0)
	require.Len(t, all, 3)
	assert.True(t, !all[0].Timestamp.Before(all[1].Timestamp), "newest first")

	failed := b.History(HistoryFilter{Type: model.EventTaskFailed}, 0)
	assert.Len(t, failed, 2)

	combined := b.History(HistoryFilter{
		Type:     model.EventTaskFailed,
		Source:   "worker-1",
		Priority: model.PriorityHigh,
		Tags:     []string{"prod"},
	}, 0)
	require.Len(t, combined, 1)
	assert.Equal(t, "worker-1", combined[0].Source)

	since := b.History(HistoryFilter{Since: cutoff}, 0)
	assert.Len(t, since, 1)

	limited := b.History(HistoryFilter{}, 2)
	assert.Len(t, limited, 2)

	// Querying history does not consume it.
	again := b.History(HistoryFilter{}, 0)
	assert.Len(t, again, 3)
}

func TestEventLogEviction(t *testing.T) {
	b, _ := newTestBroker(t)

	for i := 0; i < eventLogCapacity+50; i++ {
		b.Publish(model.EventAgentHeartbeat, map[string]interface{}{"seq": i}, PublishOptions{})
	}

	assert.Equal(t, eventLogCapacity, b.EventCount())

	all := b.History(HistoryFilter{}, 0)
	require.Len(t, all, eventLogCapacity)
	// The oldest 50 were evicted; ids are monotonic so the earliest retained
	// event is #51.
	oldest := all[0].ID
	for _, ev := range all {
		if ev.ID < oldest {
			oldest = ev.ID
		}
	}
	assert.Equal(t, fmt.Sprintf("evt-%016d", 51), oldest)
}

func TestPublishAfterClose(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Close()

	assert.Nil(t, b.Publish(model.EventTaskFailed, nil, PublishOptions{}))
	err := b.Subscribe(realtimeSub("s1", model.EventTaskFailed),
		Target{OnEvent: func(*model.StatusEvent) {}})
	assert.ErrorIs(t, err, ErrClosed)
}
