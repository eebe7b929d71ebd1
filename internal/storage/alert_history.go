package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/status-alerting/internal/model"
)

// HistoryFilter narrows alert history queries. All set fields must match.
type HistoryFilter struct {
	RuleID   string
	Status   model.AlertStatus
	Severity model.AlertSeverity
	Since    time.Time
}

// AlertHistoryStorage defines the interface for alert audit persistence
type AlertHistoryStorage interface {
	// Store persists a newly created alert
	Store(ctx context.Context, alert *model.Alert) error

	// Update persists the current lifecycle state of an alert
	Update(ctx context.Context, alert *model.Alert) error

	// Get retrieves an alert by ID; nil when not found
	Get(ctx context.Context, id string) (*model.Alert, error)

	// List retrieves alerts matching the filter, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.Alert, error)

	// Count returns the number of alerts matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore removes alerts created before the given time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store
	Close() error
}

// SQLiteAlertHistory implements AlertHistoryStorage using SQLite
type SQLiteAlertHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteAlertHistory opens (or creates) the alert history database.
func NewSQLiteAlertHistory(logger *zap.Logger, dbPath string) (*SQLiteAlertHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteAlertHistory{logger: logger.Named("alert-history"), db: db}
	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

func (s *SQLiteAlertHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alert_history (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			escalation_level INTEGER NOT NULL DEFAULT 0,
			context TEXT,
			notifications TEXT,
			acknowledged_by TEXT,
			acknowledged_at DATETIME,
			resolved_by TEXT,
			resolved_at DATETIME,
			resolution_note TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_alert_history_rule_id ON alert_history(rule_id);
		CREATE INDEX IF NOT EXISTS idx_alert_history_status ON alert_history(status);
		CREATE INDEX IF NOT EXISTS idx_alert_history_severity ON alert_history(severity);
		CREATE INDEX IF NOT EXISTS idx_alert_history_created_at ON alert_history(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements AlertHistoryStorage.Store
func (s *SQLiteAlertHistory) Store(ctx context.Context, alert *model.Alert) error {
	contextJSON, err := json.Marshal(alert.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal alert context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_history (
			id, rule_id, severity, status, title, description,
			escalation_level, context, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.RuleID,
		alert.Severity,
		alert.Status,
		alert.Title,
		alert.Description,
		alert.EscalationLevel,
		string(contextJSON),
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}
	return nil
}

// Update implements AlertHistoryStorage.Update
func (s *SQLiteAlertHistory) Update(ctx context.Context, alert *model.Alert) error {
	contextJSON, err := json.Marshal(alert.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal alert context: %w", err)
	}
	notificationsJSON, err := json.Marshal(alert.Notifications)
	if err != nil {
		return fmt.Errorf("failed to marshal notifications: %w", err)
	}

	var ackAt, resolvedAt sql.NullTime
	if alert.AcknowledgedAt != nil {
		ackAt = sql.NullTime{Time: *alert.AcknowledgedAt, Valid: true}
	}
	if alert.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *alert.ResolvedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE alert_history SET
			status = ?,
			escalation_level = ?,
			context = ?,
			notifications = ?,
			acknowledged_by = ?,
			acknowledged_at = ?,
			resolved_by = ?,
			resolved_at = ?,
			resolution_note = ?
		WHERE id = ?`,
		alert.Status,
		alert.EscalationLevel,
		string(contextJSON),
		string(notificationsJSON),
		sql.NullString{String: alert.AcknowledgedBy, Valid: alert.AcknowledgedBy != ""},
		ackAt,
		sql.NullString{String: alert.ResolvedBy, Valid: alert.ResolvedBy != ""},
		resolvedAt,
		sql.NullString{String: alert.ResolutionNote, Valid: alert.ResolutionNote != ""},
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	return nil
}

// Get implements AlertHistoryStorage.Get
func (s *SQLiteAlertHistory) Get(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM alert_history WHERE id = ?", id)
	alert, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return alert, err
}

// List implements AlertHistoryStorage.List
func (s *SQLiteAlertHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.Alert, error) {
	query, args := buildWhere(selectColumns+" FROM alert_history", filter)
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return alerts, nil
}

// Count implements AlertHistoryStorage.Count
func (s *SQLiteAlertHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	query, args := buildWhere("SELECT COUNT(*) FROM alert_history", filter)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// DeleteBefore implements AlertHistoryStorage.DeleteBefore
func (s *SQLiteAlertHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM alert_history WHERE created_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete alert history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old alert history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// ExportAuditData serializes matching alerts as indented JSON with RFC3339
// timestamps. Re-filtering the output with the same query reproduces the
// same ordered set.
func (s *SQLiteAlertHistory) ExportAuditData(ctx context.Context, filter HistoryFilter) ([]byte, error) {
	alerts, err := s.List(ctx, filter, 0, -1)
	if err != nil {
		return nil, err
	}
	export := struct {
		ExportedAt time.Time      `json:"exported_at"`
		Count      int            `json:"count"`
		Alerts     []*model.Alert `json:"alerts"`
	}{
		ExportedAt: time.Now().UTC(),
		Count:      len(alerts),
		Alerts:     alerts,
	}
	return json.MarshalIndent(export, "", "  ")
}

// Close closes the database connection
func (s *SQLiteAlertHistory) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT
	id, rule_id, severity, status, title, description,
	escalation_level, context, notifications,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at,
	resolution_note, created_at`

func buildWhere(query string, filter HistoryFilter) (string, []interface{}) {
	var args []interface{}
	var clauses []string
	if filter.RuleID != "" {
		clauses = append(clauses, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, filter.Severity)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*model.Alert, error) {
	alert := &model.Alert{}
	var description, contextJSON, notificationsJSON sql.NullString
	var ackBy, resolvedBy, note sql.NullString
	var ackAt, resolvedAt sql.NullTime

	err := row.Scan(
		&alert.ID,
		&alert.RuleID,
		&alert.Severity,
		&alert.Status,
		&alert.Title,
		&description,
		&alert.EscalationLevel,
		&contextJSON,
		&notificationsJSON,
		&ackBy,
		&ackAt,
		&resolvedBy,
		&resolvedAt,
		&note,
		&alert.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	if description.Valid {
		alert.Description = description.String
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &alert.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert context: %w", err)
		}
	}
	if notificationsJSON.Valid && notificationsJSON.String != "" {
		if err := json.Unmarshal([]byte(notificationsJSON.String), &alert.Notifications); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
		}
	}
	if ackBy.Valid {
		alert.AcknowledgedBy = ackBy.String
	}
	if ackAt.Valid {
		alert.AcknowledgedAt = &ackAt.Time
	}
	if resolvedBy.Valid {
		alert.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if note.Valid {
		alert.ResolutionNote = note.String
	}
	return alert, nil
}
