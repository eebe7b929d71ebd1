// Package engine implements the alert rule engine: condition evaluation on
// incoming events and periodic ticks, cooldown and suppression gating, the
// alert lifecycle state machine, escalation, and remediation dispatch.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/broker"
	"github.com/t77yq/status-alerting/internal/condition"
	"github.com/t77yq/status-alerting/internal/model"
	"github.com/t77yq/status-alerting/internal/notify"
	"github.com/t77yq/status-alerting/internal/schedule"
	"github.com/t77yq/status-alerting/internal/storage"
)

const (
	defaultTickInterval   = 30 * time.Second
	defaultSampleCapacity = 512
)

// Remediator executes a named remediation action. Satisfied by
// remediate.Registry.
type Remediator interface {
	Execute(ctx context.Context, action string, params map[string]string) error
}

// EventPublisher lets the engine emit alert lifecycle events back into the
// event stream. Satisfied by *broker.Broker.
type EventPublisher interface {
	Publish(eventType model.EventType, data map[string]interface{}, opts broker.PublishOptions) *model.StatusEvent
}

type suppressionWindow struct {
	pattern   string
	expiresAt time.Time
}

// Engine owns alert rules, alert lifecycle state, cooldowns, and
// suppression windows. It observes the broker as a realtime subscriber and
// never reaches into broker internals.
type Engine struct {
	logger     *zap.Logger
	sched      schedule.Scheduler
	dispatcher *notify.Dispatcher
	remediator Remediator
	history    storage.AlertHistoryStorage
	publisher  EventPublisher

	tickInterval   time.Duration
	sampleCapacity int

	mu           sync.Mutex
	rules        map[string]*model.AlertRule
	alerts       map[string]*model.Alert
	activeByRule map[string]string    // ruleID -> open alert occupying the slot
	cooldowns    map[string]time.Time // ruleID -> lastTriggeredAt
	suppressions []suppressionWindow
	samples      map[string]*condition.History
	escalations  map[string]*escalationState
	tick         schedule.Handle
	closed       bool
}

// Option customizes engine construction.
type Option func(*Engine)

// WithRemediator enables automatic remediation dispatch.
func WithRemediator(r Remediator) Option {
	return func(e *Engine) { e.remediator = r }
}

// WithHistory mirrors alert lifecycle changes to persistent storage.
func WithHistory(h storage.AlertHistoryStorage) Option {
	return func(e *Engine) { e.history = h }
}

// WithPublisher emits alert.triggered / alert.resolved events.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithTickInterval overrides the periodic evaluation interval for
// window-based rules.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tickInterval = d }
}

// WithSampleCapacity overrides the per-metric rolling sample capacity.
func WithSampleCapacity(n int) Option {
	return func(e *Engine) { e.sampleCapacity = n }
}

// New creates an engine and arms its periodic evaluation tick.
func New(logger *zap.Logger, sched schedule.Scheduler, dispatcher *notify.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		logger:         logger.Named("engine"),
		sched:          sched,
		dispatcher:     dispatcher,
		tickInterval:   defaultTickInterval,
		sampleCapacity: defaultSampleCapacity,
		rules:          make(map[string]*model.AlertRule),
		alerts:         make(map[string]*model.Alert),
		activeByRule:   make(map[string]string),
		cooldowns:      make(map[string]time.Time),
		samples:        make(map[string]*condition.History),
		escalations:    make(map[string]*escalationState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.mu.Lock()
	e.armTickLocked()
	e.mu.Unlock()
	return e
}

// Subscription returns the broker subscription the engine wants: realtime
// delivery of every producer event type, so rule trigger sets can change at
// runtime. Alert lifecycle events are excluded; the engine publishes those
// itself and must not observe its own output.
func (e *Engine) Subscription() model.Subscription {
	return model.Subscription{
		SubscriberID: "alert-engine",
		EventTypes: []model.EventType{
			model.EventTaskStarted, model.EventTaskCompleted,
			model.EventTaskFailed, model.EventTaskCanceled,
			model.EventAgentHeartbeat, model.EventAgentOffline,
			model.EventSystemMetrics, model.EventAuditAction,
		},
		Mode: model.DeliveryRealtime,
	}
}

// RegisterRule validates and stores a rule. A missing id is generated.
func (e *Engine) RegisterRule(rule *model.AlertRule) error {
	if err := rule.Condition.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := e.sched.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule

	e.logger.Info("Rule registered",
		zap.String("rule_id", rule.ID),
		zap.String("name", rule.Name),
		zap.String("severity", string(rule.Severity)),
		zap.Bool("enabled", rule.Enabled))
	return nil
}

// UpdateRule replaces an existing rule. Returns false for unknown ids.
func (e *Engine) UpdateRule(rule *model.AlertRule) (bool, error) {
	if err := rule.Condition.Validate(); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.rules[rule.ID]
	if !ok {
		e.logger.Warn("Update for unknown rule", zap.String("rule_id", rule.ID))
		return false, nil
	}
	rule.CreatedAt = prev.CreatedAt
	rule.UpdatedAt = e.sched.Now()
	e.rules[rule.ID] = rule
	return true, nil
}

// DeleteRule removes a rule. Returns false for unknown ids. Open alerts
// for the rule are left to run their lifecycle.
func (e *Engine) DeleteRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		e.logger.Warn("Delete for unknown rule", zap.String("rule_id", id))
		return false
	}
	delete(e.rules, id)
	delete(e.cooldowns, id)
	e.logger.Info("Rule deleted", zap.String("rule_id", id))
	return true
}

// GetRule returns a rule by id.
func (e *Engine) GetRule(id string) (*model.AlertRule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns all registered rules.
func (e *Engine) Rules() []*model.AlertRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.AlertRule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}

// HandleEvent is the broker delivery callback: it records metric samples
// and evaluates every enabled rule that triggers on the event type.
// Notifications for fired rules complete before HandleEvent returns.
func (e *Engine) HandleEvent(event *model.StatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.recordSamplesLocked(event)

	for _, rule := range e.rules {
		if !rule.Enabled || !rule.TriggersOn(event.Type) {
			continue
		}
		e.evaluateRuleLocked(rule, event.Data, []string{event.ID})
	}
}

// recordSamplesLocked appends every numeric event field to its rolling
// sample history, keyed by field name.
func (e *Engine) recordSamplesLocked(event *model.StatusEvent) {
	for name, value := range event.Data {
		var v float64
		switch n := value.(type) {
		case float64:
			v = n
		case float32:
			v = float64(n)
		case int:
			v = float64(n)
		case int64:
			v = float64(n)
		default:
			continue
		}
		h, ok := e.samples[name]
		if !ok {
			h = condition.NewHistory(e.sampleCapacity)
			e.samples[name] = h
		}
		h.Append(v, event.Timestamp)
	}
}

// evaluateRuleLocked runs the trigger algorithm for one rule: cooldown
// gate, condition evaluation, suppression check, active-slot enforcement,
// alert creation, and action dispatch.
func (e *Engine) evaluateRuleLocked(rule *model.AlertRule, fields map[string]interface{}, eventIDs []string) {
	now := e.sched.Now()

	if last, ok := e.cooldowns[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
		e.logger.Debug("Rule in cooldown",
			zap.String("rule_id", rule.ID),
			zap.Duration("remaining", rule.Cooldown-now.Sub(last)))
		return
	}

	ctx := condition.Context{
		Fields: fields,
		Samples: func(field string) []condition.Sample {
			if h, ok := e.samples[field]; ok {
				return h.Recent(0, now)
			}
			return nil
		},
		Now: now,
	}
	met, err := condition.Evaluate(rule.Condition, ctx)
	if err != nil {
		// Evaluation errors count as "condition not met" for the cycle;
		// the rule stays enabled.
		e.logger.Warn("Condition evaluation failed",
			zap.String("rule_id", rule.ID),
			zap.String("rule", rule.Name),
			zap.Error(err))
		return
	}
	if !met {
		return
	}

	title := rule.Name
	suppressed := e.suppressedLocked(title, nil, now)

	if !rule.AllowConcurrent && !suppressed {
		if openID, ok := e.activeByRule[rule.ID]; ok {
			if existing, ok := e.alerts[openID]; ok && existing.Open() {
				// One active alert per rule: fold the new evidence into
				// the existing alert instead of duplicating it.
				existing.Context.TriggeringEventIDs = append(existing.Context.TriggeringEventIDs, eventIDs...)
				e.persistLocked(existing, false)
				e.logger.Debug("Rule already has an active alert",
					zap.String("rule_id", rule.ID),
					zap.String("alert_id", openID))
				return
			}
		}
	}

	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Severity:  rule.Severity,
		Title:     title,
		CreatedAt: now,
		Status:    model.AlertStatusActive,
		Context: model.AlertContext{
			TriggeringEventIDs: eventIDs,
			ActualValues:       actualValues(rule.Condition, fields),
		},
	}

	if suppressed {
		// Recorded for the audit trail, but no notifications, no
		// escalation, no cooldown stamp: once the window expires the rule
		// fires normally again.
		alert.Status = model.AlertStatusSuppressed
		e.alerts[alert.ID] = alert
		e.persistLocked(alert, true)
		e.logger.Info("Alert suppressed",
			zap.String("alert_id", alert.ID),
			zap.String("rule_id", rule.ID))
		return
	}

	e.alerts[alert.ID] = alert
	if !rule.AllowConcurrent {
		e.activeByRule[rule.ID] = alert.ID
	}
	e.cooldowns[rule.ID] = now

	e.logger.Info("Alert created",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("severity", string(alert.Severity)),
		zap.String("title", alert.Title))

	e.dispatcher.Deliver(context.Background(), alert,
		rule.Actions.Notify.Channels,
		rule.Actions.Notify.Recipients,
		rule.Actions.Notify.Template)

	if rule.Actions.Escalate != nil && len(rule.Actions.Escalate.Levels) > 0 {
		e.armEscalationLocked(alert.ID, rule.Actions.Escalate.Levels, 0)
	}

	if rem := rule.Actions.Remediate; rem != nil && rem.AutoRemediate {
		e.launchRemediationLocked(alert.ID, rem)
	}

	e.persistLocked(alert, true)

	if e.publisher != nil {
		e.publisher.Publish(model.EventAlertTriggered, map[string]interface{}{
			"alert_id": alert.ID,
			"rule_id":  rule.ID,
			"severity": string(alert.Severity),
			"title":    alert.Title,
		}, broker.PublishOptions{Source: "alert-engine", Priority: severityPriority(alert.Severity)})
	}
}

// launchRemediationLocked runs the remediation fire-and-forget and records
// the outcome on the alert.
func (e *Engine) launchRemediationLocked(alertID string, rem *model.RemediateAction) {
	if e.remediator == nil {
		e.logger.Warn("Remediation configured but no remediator wired",
			zap.String("alert_id", alertID),
			zap.String("action", rem.Action))
		return
	}
	action, params := rem.Action, rem.Params
	go func() {
		err := e.remediator.Execute(context.Background(), action, params)

		e.mu.Lock()
		defer e.mu.Unlock()
		alert, ok := e.alerts[alertID]
		if !ok {
			return
		}
		if alert.Context.ActualValues == nil {
			alert.Context.ActualValues = make(map[string]interface{})
		}
		if err != nil {
			alert.Context.ActualValues["remediation_error"] = err.Error()
		} else {
			alert.Context.ActualValues["remediation"] = action
		}
		e.persistLocked(alert, false)
	}()
}

// Acknowledge moves an active alert to acknowledged and cancels its
// pending escalation timer without resetting the level. Returns false when
// the alert is unknown or not active.
func (e *Engine) Acknowledge(id, by string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[id]
	if !ok || alert.Status != model.AlertStatusActive {
		e.logger.Warn("Acknowledge rejected",
			zap.String("alert_id", id),
			zap.Bool("found", ok))
		return false
	}

	now := e.sched.Now()
	alert.Status = model.AlertStatusAcknowledged
	alert.AcknowledgedBy = by
	alert.AcknowledgedAt = &now
	e.cancelEscalationLocked(id)
	e.persistLocked(alert, false)

	e.logger.Info("Alert acknowledged",
		zap.String("alert_id", id),
		zap.String("by", by))
	return true
}

// Resolve moves an active or acknowledged alert to resolved, cancels all
// timers, and frees the rule's active slot. Resolving twice returns false.
func (e *Engine) Resolve(id, by, note string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[id]
	if !ok || !alert.Open() {
		e.logger.Warn("Resolve rejected",
			zap.String("alert_id", id),
			zap.Bool("found", ok))
		return false
	}

	now := e.sched.Now()
	alert.Status = model.AlertStatusResolved
	alert.ResolvedBy = by
	alert.ResolvedAt = &now
	alert.ResolutionNote = note
	e.cancelEscalationLocked(id)
	if e.activeByRule[alert.RuleID] == id {
		delete(e.activeByRule, alert.RuleID)
	}
	e.persistLocked(alert, false)

	e.logger.Info("Alert resolved",
		zap.String("alert_id", id),
		zap.String("by", by))

	if e.publisher != nil {
		e.publisher.Publish(model.EventAlertResolved, map[string]interface{}{
			"alert_id": id,
			"rule_id":  alert.RuleID,
		}, broker.PublishOptions{Source: "alert-engine", Priority: model.PriorityNormal})
	}
	return true
}

// Suppress opens a suppression window: alerts whose title or tags match
// the pattern (case-insensitive substring) are created in suppressed
// status until the window expires. Existing alerts are not changed.
func (e *Engine) Suppress(pattern string, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suppressions = append(e.suppressions, suppressionWindow{
		pattern:   strings.ToLower(pattern),
		expiresAt: e.sched.Now().Add(duration),
	})
	e.logger.Info("Suppression window opened",
		zap.String("pattern", pattern),
		zap.Duration("duration", duration))
}

// PruneSuppressions drops expired suppression windows. Called from the
// maintenance janitor.
func (e *Engine) PruneSuppressions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.sched.Now()
	kept := e.suppressions[:0]
	for _, w := range e.suppressions {
		if w.expiresAt.After(now) {
			kept = append(kept, w)
		}
	}
	removed := len(e.suppressions) - len(kept)
	e.suppressions = kept
	return removed
}

func (e *Engine) suppressedLocked(title string, tags []string, now time.Time) bool {
	lowered := strings.ToLower(title)
	for _, w := range e.suppressions {
		if !w.expiresAt.After(now) {
			continue
		}
		if strings.Contains(lowered, w.pattern) {
			return true
		}
		for _, tag := range tags {
			if strings.Contains(strings.ToLower(tag), w.pattern) {
				return true
			}
		}
	}
	return false
}

// GetAlert returns an alert by id.
func (e *Engine) GetAlert(id string) (*model.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	return a, ok
}

// ActiveAlerts returns all alerts currently in active status.
func (e *Engine) ActiveAlerts() []*model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.Alert
	for _, a := range e.alerts {
		if a.Status == model.AlertStatusActive {
			out = append(out, a)
		}
	}
	return out
}

// Alerts returns every alert the engine still tracks.
func (e *Engine) Alerts() []*model.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, a)
	}
	return out
}

// DashboardData summarizes engine state for monitoring consumers.
type DashboardData struct {
	TotalRules   int                         `json:"total_rules"`
	EnabledRules int                         `json:"enabled_rules"`
	TotalAlerts  int                         `json:"total_alerts"`
	ByStatus     map[model.AlertStatus]int   `json:"by_status"`
	BySeverity   map[model.AlertSeverity]int `json:"by_severity"`
	Suppressions int                         `json:"suppression_windows"`
	GeneratedAt  time.Time                   `json:"generated_at"`
}

// Dashboard returns a summary of rules and alert counts.
func (e *Engine) Dashboard() DashboardData {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := DashboardData{
		TotalRules:  len(e.rules),
		TotalAlerts: len(e.alerts),
		ByStatus:    make(map[model.AlertStatus]int),
		BySeverity:  make(map[model.AlertSeverity]int),
		GeneratedAt: e.sched.Now(),
	}
	for _, r := range e.rules {
		if r.Enabled {
			d.EnabledRules++
		}
	}
	now := e.sched.Now()
	for _, w := range e.suppressions {
		if w.expiresAt.After(now) {
			d.Suppressions++
		}
	}
	for _, a := range e.alerts {
		d.ByStatus[a.Status]++
		d.BySeverity[a.Severity]++
	}
	return d
}

// Close cancels the tick and every pending escalation timer.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.tick != nil {
		e.tick.Stop()
		e.tick = nil
	}
	for id := range e.escalations {
		e.cancelEscalationLocked(id)
	}
	e.logger.Info("Engine closed")
}

// armTickLocked schedules the next periodic evaluation. The tick re-arms
// itself only after running to completion, so ticks never overlap.
func (e *Engine) armTickLocked() {
	e.tick = e.sched.Schedule(e.tickInterval, e.runTick)
}

// runTick re-evaluates every enabled rule with a window-based condition
// against the latest recorded samples.
func (e *Engine) runTick() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	fields := e.latestSampleFieldsLocked()
	for _, rule := range e.rules {
		if !rule.Enabled || !rule.Condition.WindowBased() {
			continue
		}
		e.evaluateRuleLocked(rule, fields, nil)
	}

	e.armTickLocked()
}

// latestSampleFieldsLocked exposes the most recent sample of each metric
// as the "current value" for tick-driven evaluation.
func (e *Engine) latestSampleFieldsLocked() map[string]interface{} {
	fields := make(map[string]interface{}, len(e.samples))
	now := e.sched.Now()
	for name, h := range e.samples {
		recent := h.Recent(0, now)
		if len(recent) > 0 {
			fields[name] = recent[len(recent)-1].Value
		}
	}
	return fields
}

// persistLocked mirrors an alert to history storage, best effort.
func (e *Engine) persistLocked(alert *model.Alert, created bool) {
	if e.history == nil {
		return
	}
	var err error
	if created {
		err = e.history.Store(context.Background(), alert)
	} else {
		err = e.history.Update(context.Background(), alert)
	}
	if err != nil {
		e.logger.Error("Failed to persist alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}

// actualValues captures the field values a condition looked at, for the
// alert's context record.
func actualValues(c condition.Condition, fields map[string]interface{}) map[string]interface{} {
	names := make(map[string]bool)
	collectFields(c, names)
	out := make(map[string]interface{})
	for name := range names {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}

func collectFields(c condition.Condition, names map[string]bool) {
	switch c.Kind {
	case condition.KindThreshold:
		if c.Threshold != nil {
			names[c.Threshold.Field] = true
		}
	case condition.KindPattern:
		if c.Pattern != nil {
			names[c.Pattern.Field] = true
		}
	case condition.KindAnomaly:
		if c.Anomaly != nil {
			names[c.Anomaly.Field] = true
		}
	case condition.KindComposite:
		for _, sub := range c.All {
			collectFields(sub, names)
		}
	}
}

func severityPriority(s model.AlertSeverity) model.Priority {
	switch s {
	case model.AlertSeverityCritical:
		return model.PriorityCritical
	case model.AlertSeverityError:
		return model.PriorityHigh
	case model.AlertSeverityWarning:
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}
