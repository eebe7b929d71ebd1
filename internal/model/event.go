package model

import "time"

// EventType identifies the kind of lifecycle occurrence an event describes
type EventType string

const (
	EventTaskStarted    EventType = "task.started"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventTaskCanceled   EventType = "task.canceled"
	EventAgentHeartbeat EventType = "agent.heartbeat"
	EventAgentOffline   EventType = "agent.offline"
	EventSystemMetrics  EventType = "system.metrics"
	EventAuditAction    EventType = "audit.action"
	EventAlertTriggered EventType = "alert.triggered"
	EventAlertResolved  EventType = "alert.resolved"
)

// Priority represents the priority level of a status event
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the ordering rank of a priority: low < normal < high < critical.
// Unknown priorities rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

// StatusEvent is an immutable record of a lifecycle occurrence. Producers
// must not modify an event after publishing it.
type StatusEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Priority  Priority               `json:"priority"`
	Tags      []string               `json:"tags,omitempty"`
}

// AgentID returns the agent identifier carried in the event data, if any.
func (e *StatusEvent) AgentID() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	id, ok := e.Data["agent_id"].(string)
	return id, ok
}

// HasTag reports whether the event carries the given tag.
func (e *StatusEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
