package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/model"
	"github.com/t77yq/status-alerting/internal/schedule"
)

// escalationState tracks the pending escalation timer for one alert.
type escalationState struct {
	levels    []model.EscalationLevel
	nextLevel int
	handle    schedule.Handle
}

// armEscalationLocked schedules the timer for the given level index.
func (e *Engine) armEscalationLocked(alertID string, levels []model.EscalationLevel, level int) {
	state := &escalationState{levels: levels, nextLevel: level}
	state.handle = e.sched.Schedule(levels[level].After, func() {
		e.escalate(alertID)
	})
	e.escalations[alertID] = state

	e.logger.Debug("Escalation armed",
		zap.String("alert_id", alertID),
		zap.Int("level", level+1),
		zap.Duration("after", levels[level].After))
}

// cancelEscalationLocked stops the pending timer for an alert, if any.
// After cancellation the callback can no longer take effect: it re-checks
// alert status under the engine lock before acting.
func (e *Engine) cancelEscalationLocked(alertID string) {
	state, ok := e.escalations[alertID]
	if !ok {
		return
	}
	state.handle.Stop()
	delete(e.escalations, alertID)
}

// escalate is the timer callback. It promotes the alert one level and
// notifies that level's wider audience, then re-arms for the next level if
// one remains. A timer firing after acknowledge/resolve is a guarded
// no-op.
func (e *Engine) escalate(alertID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.escalations[alertID]
	if !ok {
		return
	}
	alert, found := e.alerts[alertID]
	if !found || alert.Status != model.AlertStatusActive {
		// Acknowledged or resolved while the timer was in flight.
		delete(e.escalations, alertID)
		e.logger.Debug("Escalation skipped, alert no longer active",
			zap.String("alert_id", alertID))
		return
	}

	level := state.levels[state.nextLevel]
	alert.EscalationLevel = state.nextLevel + 1

	e.logger.Warn("Alert escalated",
		zap.String("alert_id", alertID),
		zap.Int("level", alert.EscalationLevel),
		zap.Strings("channels", level.Channels))

	e.dispatcher.Deliver(context.Background(), alert, level.Channels, level.Recipients, "")
	e.persistLocked(alert, false)

	if state.nextLevel+1 < len(state.levels) {
		e.armEscalationLocked(alertID, state.levels, state.nextLevel+1)
	} else {
		delete(e.escalations, alertID)
	}
}
