package model

import (
	"time"

	"github.com/t77yq/status-alerting/internal/condition"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusSuppressed   AlertStatus = "suppressed"
)

// NotifyAction configures where a firing rule sends notifications.
type NotifyAction struct {
	Channels   []string `json:"channels"`
	Recipients []string `json:"recipients,omitempty"`
	Template   string   `json:"template,omitempty"`
}

// RemediateAction configures an automatic remediation attempt on trigger.
type RemediateAction struct {
	AutoRemediate bool              `json:"auto_remediate"`
	Action        string            `json:"action"`
	Params        map[string]string `json:"params,omitempty"`
}

// EscalationLevel is one step of an escalation ladder. After elapses with
// the alert still unacknowledged, the level's channels are notified.
type EscalationLevel struct {
	After      time.Duration `json:"after"`
	Channels   []string      `json:"channels"`
	Recipients []string      `json:"recipients,omitempty"`
}

// EscalateAction configures time-based promotion of unacknowledged alerts.
type EscalateAction struct {
	Levels []EscalationLevel `json:"levels"`
}

// RuleActions groups everything a rule does when its condition holds.
type RuleActions struct {
	Notify    NotifyAction     `json:"notify"`
	Remediate *RemediateAction `json:"remediate,omitempty"`
	Escalate  *EscalateAction  `json:"escalate,omitempty"`
}

// AlertRule defines a named condition plus the actions taken when it holds.
type AlertRule struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Category          string              `json:"category,omitempty"`
	Severity          AlertSeverity       `json:"severity"`
	Enabled           bool                `json:"enabled"`
	Condition         condition.Condition `json:"condition"`
	TriggerEventTypes []EventType         `json:"trigger_event_types"`
	Actions           RuleActions         `json:"actions"`
	Cooldown          time.Duration       `json:"cooldown"`

	// AllowConcurrent permits multiple active alerts for the rule at once.
	// Default false: at most one active alert per rule.
	AllowConcurrent bool `json:"allow_concurrent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggersOn reports whether the rule listens for the given event type.
func (r *AlertRule) TriggersOn(t EventType) bool {
	for _, et := range r.TriggerEventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// AttemptStatus is the outcome of one notification delivery attempt
type AttemptStatus string

const (
	AttemptSent   AttemptStatus = "sent"
	AttemptFailed AttemptStatus = "failed"
)

// NotificationAttempt records one delivery attempt for an alert.
type NotificationAttempt struct {
	Channel   string        `json:"channel"`
	Timestamp time.Time     `json:"timestamp"`
	Status    AttemptStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}

// AlertContext carries the evidence a rule fired on.
type AlertContext struct {
	TriggeringEventIDs []string               `json:"triggering_event_ids,omitempty"`
	ActualValues       map[string]interface{} `json:"actual_values,omitempty"`
}

// Alert is a materialized, stateful occurrence of a rule firing.
type Alert struct {
	ID              string                `json:"id"`
	RuleID          string                `json:"rule_id"`
	Severity        AlertSeverity         `json:"severity"`
	Title           string                `json:"title"`
	Description     string                `json:"description,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	Status          AlertStatus           `json:"status"`
	EscalationLevel int                   `json:"escalation_level"`
	Context         AlertContext          `json:"context"`
	Notifications   []NotificationAttempt `json:"notifications,omitempty"`

	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}

// Open reports whether the alert still occupies its rule's active slot.
func (a *Alert) Open() bool {
	return a.Status == AlertStatusActive || a.Status == AlertStatusAcknowledged
}
