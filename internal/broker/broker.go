// Package broker implements the status event broker: publish/subscribe
// routing with per-subscriber filtering and realtime, batched, and
// webhook-queued delivery.
package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/model"
	"github.com/t77yq/status-alerting/internal/schedule"
)

const (
	// eventLogCapacity bounds the rolling event log; oldest evicted first.
	eventLogCapacity = 1000

	// defaultSweepTick is how often pending batches are checked for flush.
	defaultSweepTick = 5 * time.Second

	// defaultBatchInterval is the flush threshold for batched subscribers
	// that don't configure their own.
	defaultBatchInterval = 30 * time.Second
)

// EventFunc receives a single event for a realtime subscriber.
type EventFunc func(*model.StatusEvent)

// BatchFunc receives a flushed pending list as one ordered unit. The error
// is logged; a failed batch is still considered dispatched and is not
// re-queued.
type BatchFunc func([]*model.StatusEvent) error

// Target holds the delivery callbacks for a subscriber. OnEvent serves
// realtime mode; OnBatch serves batched and webhook modes.
type Target struct {
	OnEvent EventFunc
	OnBatch BatchFunc
}

// PublishOptions carries the optional attributes of a published event.
type PublishOptions struct {
	Source   string
	Priority model.Priority
	Tags     []string
}

// HistoryFilter narrows an event history query. All set fields must match.
type HistoryFilter struct {
	Type     model.EventType
	Source   string
	Priority model.Priority
	Tags     []string
	Since    time.Time
}

type subscriber struct {
	sub     model.Subscription
	target  Target
	pending []*model.StatusEvent
}

// Broker routes published status events to subscribers and retains a
// bounded rolling event log.
type Broker struct {
	logger *zap.Logger
	sched  schedule.Scheduler
	tick   time.Duration

	mu     sync.Mutex
	subs   map[string]*subscriber
	log    *eventRing
	seq    uint64
	sweep  schedule.Handle
	closed bool
}

// Option customizes broker construction.
type Option func(*Broker)

// WithSweepTick overrides the pending-batch sweep interval.
func WithSweepTick(d time.Duration) Option {
	return func(b *Broker) { b.tick = d }
}

// New creates a broker and arms its periodic batch sweep.
func New(logger *zap.Logger, sched schedule.Scheduler, opts ...Option) *Broker {
	b := &Broker{
		logger: logger.Named("broker"),
		sched:  sched,
		tick:   defaultSweepTick,
		subs:   make(map[string]*subscriber),
		log:    newEventRing(eventLogCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.mu.Lock()
	b.armSweepLocked()
	b.mu.Unlock()
	return b
}

// Subscribe registers a subscriber. Re-subscribing an existing id replaces
// the prior configuration and drops its pending batch.
func (b *Broker) Subscribe(sub model.Subscription, target Target) error {
	if sub.SubscriberID == "" {
		return ErrMissingSubscriberID
	}
	if len(sub.EventTypes) == 0 {
		return ErrNoEventTypes
	}
	switch sub.Mode {
	case model.DeliveryRealtime:
		if target.OnEvent == nil {
			return fmt.Errorf("%w: %s", ErrMissingHandler, sub.Mode)
		}
	case model.DeliveryBatched, model.DeliveryWebhook:
		if target.OnBatch == nil {
			return fmt.Errorf("%w: %s", ErrMissingHandler, sub.Mode)
		}
		if sub.Mode == model.DeliveryBatched && sub.BatchInterval <= 0 {
			sub.BatchInterval = defaultBatchInterval
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, sub.Mode)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = b.sched.Now()
	}
	if prev, ok := b.subs[sub.SubscriberID]; ok && len(prev.pending) > 0 {
		b.logger.Warn("Replacing subscription, dropping pending events",
			zap.String("subscriber_id", sub.SubscriberID),
			zap.Int("dropped", len(prev.pending)))
	}
	b.subs[sub.SubscriberID] = &subscriber{sub: sub, target: target}

	b.logger.Info("Subscriber registered",
		zap.String("subscriber_id", sub.SubscriberID),
		zap.String("mode", string(sub.Mode)),
		zap.Int("event_types", len(sub.EventTypes)))
	return nil
}

// Unsubscribe removes a subscriber and its pending queue. Unknown ids are a
// no-op.
func (b *Broker) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[subscriberID]; !ok {
		b.logger.Warn("Unsubscribe for unknown subscriber",
			zap.String("subscriber_id", subscriberID))
		return
	}
	delete(b.subs, subscriberID)
	b.logger.Info("Subscriber removed", zap.String("subscriber_id", subscriberID))
}

// Publish constructs a StatusEvent, appends it to the event log, and
// dispatches it to every matching subscriber. Realtime delivery completes
// before Publish returns; batched and webhook delivery is deferred to the
// sweep. Returns the published event, or nil if the broker is closed.
func (b *Broker) Publish(eventType model.EventType, data map[string]interface{}, opts PublishOptions) *model.StatusEvent {
	if opts.Priority == "" {
		opts.Priority = model.PriorityNormal
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Warn("Publish on closed broker", zap.String("type", string(eventType)))
		return nil
	}
	b.seq++
	event := &model.StatusEvent{
		ID:        fmt.Sprintf("evt-%016d", b.seq),
		Type:      eventType,
		Timestamp: b.sched.Now(),
		Source:    opts.Source,
		Data:      data,
		Priority:  opts.Priority,
		Tags:      opts.Tags,
	}
	b.log.append(event)

	var realtime []EventFunc
	for _, s := range b.subs {
		if !matches(&s.sub, event) {
			continue
		}
		switch s.sub.Mode {
		case model.DeliveryRealtime:
			realtime = append(realtime, s.target.OnEvent)
		case model.DeliveryBatched, model.DeliveryWebhook:
			s.pending = append(s.pending, event)
		}
	}
	b.mu.Unlock()

	for _, fn := range realtime {
		fn(event)
	}
	return event
}

// matches implements the subscriber matching algorithm: event type in the
// subscribed set, priority at or above the threshold, at least one shared
// tag when a tag filter is set, and agent id membership when an agent
// filter is set and the event names an agent.
func matches(sub *model.Subscription, event *model.StatusEvent) bool {
	if !sub.WantsType(event.Type) {
		return false
	}
	if t := sub.Filters.PriorityThreshold; t != "" {
		if event.Priority.Rank() < t.Rank() {
			return false
		}
	}
	if len(sub.Filters.Tags) > 0 {
		found := false
		for _, tag := range sub.Filters.Tags {
			if event.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(sub.Filters.AgentIDs) > 0 {
		if agentID, ok := event.AgentID(); ok {
			found := false
			for _, id := range sub.Filters.AgentIDs {
				if id == agentID {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// Flush forces immediate delivery of a subscriber's pending batch,
// bypassing the interval timer. Returns false for unknown subscribers and
// for realtime subscribers, which have nothing to flush.
func (b *Broker) Flush(subscriberID string) bool {
	b.mu.Lock()
	s, ok := b.subs[subscriberID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("Flush for unknown subscriber",
			zap.String("subscriber_id", subscriberID))
		return false
	}
	if s.sub.Mode == model.DeliveryRealtime {
		b.mu.Unlock()
		return false
	}
	batch := s.pending
	s.pending = nil
	fn := s.target.OnBatch
	b.mu.Unlock()

	if len(batch) > 0 {
		b.deliverBatch(subscriberID, fn, batch)
	}
	return true
}

// History returns retained events matching the filter, newest first,
// truncated to limit when limit > 0. Filters are conjunctive.
func (b *Broker) History(filter HistoryFilter, limit int) []*model.StatusEvent {
	b.mu.Lock()
	events := b.log.snapshot()
	b.mu.Unlock()

	var out []*model.StatusEvent
	for _, ev := range events {
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.Source != "" && ev.Source != filter.Source {
			continue
		}
		if filter.Priority != "" && ev.Priority != filter.Priority {
			continue
		}
		if !filter.Since.IsZero() && ev.Timestamp.Before(filter.Since) {
			continue
		}
		if len(filter.Tags) > 0 {
			found := false
			for _, tag := range filter.Tags {
				if ev.HasTag(tag) {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, ev)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EventCount returns the number of retained events.
func (b *Broker) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log.len()
}

// Close stops the sweep timer and rejects further publishes. Pending
// batches are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.sweep != nil {
		b.sweep.Stop()
		b.sweep = nil
	}
	b.logger.Info("Broker closed")
}

// armSweepLocked schedules the next sweep. The sweep re-arms itself only
// after running to completion, so sweeps never overlap.
func (b *Broker) armSweepLocked() {
	b.sweep = b.sched.Schedule(b.tick, b.runSweep)
}

func (b *Broker) runSweep() {
	type flush struct {
		id    string
		fn    BatchFunc
		batch []*model.StatusEvent
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	now := b.sched.Now()
	var flushes []flush
	for id, s := range b.subs {
		if len(s.pending) == 0 {
			continue
		}
		switch s.sub.Mode {
		case model.DeliveryBatched:
			if now.Sub(s.pending[0].Timestamp) >= s.sub.BatchInterval {
				flushes = append(flushes, flush{id: id, fn: s.target.OnBatch, batch: s.pending})
				s.pending = nil
			}
		case model.DeliveryWebhook:
			flushes = append(flushes, flush{id: id, fn: s.target.OnBatch, batch: s.pending})
			s.pending = nil
		}
	}
	b.mu.Unlock()

	for _, f := range flushes {
		b.deliverBatch(f.id, f.fn, f.batch)
	}

	b.mu.Lock()
	if !b.closed {
		b.armSweepLocked()
	}
	b.mu.Unlock()
}

func (b *Broker) deliverBatch(subscriberID string, fn BatchFunc, batch []*model.StatusEvent) {
	if err := fn(batch); err != nil {
		// Failed batches are not re-queued: the delivery is recorded as
		// attempted and the pending list stays bounded.
		b.logger.Error("Batch delivery failed",
			zap.String("subscriber_id", subscriberID),
			zap.Int("events", len(batch)),
			zap.Error(err))
		return
	}
	b.logger.Debug("Batch delivered",
		zap.String("subscriber_id", subscriberID),
		zap.Int("events", len(batch)))
}
