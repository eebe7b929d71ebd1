package model

import "time"

// DeliveryMode controls how matched events reach a subscriber
type DeliveryMode string

const (
	DeliveryRealtime DeliveryMode = "realtime"
	DeliveryBatched  DeliveryMode = "batched"
	DeliveryWebhook  DeliveryMode = "webhook"
)

// SubscriptionFilters narrows the events a subscriber receives beyond the
// event type set. All set filters must hold (conjunctive).
type SubscriptionFilters struct {
	// PriorityThreshold delivers only events whose priority ranks at or
	// above the threshold. Empty means no priority filtering.
	PriorityThreshold Priority `json:"priority_threshold,omitempty"`

	// Tags delivers only events sharing at least one tag with this set.
	Tags []string `json:"tags,omitempty"`

	// AgentIDs delivers only events whose data carries one of these agent
	// ids. Events without an agent id pass this filter.
	AgentIDs []string `json:"agent_ids,omitempty"`
}

// Subscription describes a registered interest in a subset of events.
type Subscription struct {
	SubscriberID  string              `json:"subscriber_id"`
	EventTypes    []EventType         `json:"event_types"`
	Filters       SubscriptionFilters `json:"filters"`
	Mode          DeliveryMode        `json:"mode"`
	BatchInterval time.Duration       `json:"batch_interval,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// WantsType reports whether the subscription covers the given event type.
func (s *Subscription) WantsType(t EventType) bool {
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}
