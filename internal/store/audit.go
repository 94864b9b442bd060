package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry represents one entry in the plugin audit log: a single hook
// invocation or admin action taken against a plugin.
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	PluginID     string
	Hook         string
	Target       sql.NullString
	PayloadJSON  sql.NullString
	Result       string
	ErrorMessage sql.NullString
}

// AuditPayload is a helper for structured audit payloads.
type AuditPayload map[string]any

// WriteAudit appends an entry to the plugin audit log.
func (s *Store) WriteAudit(ctx context.Context, traceID, pluginID, hook, target, result string, payload AuditPayload, errorMsg string) error {
	var payloadJSON sql.NullString
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(jsonBytes), Valid: true}
	}

	var targetNull sql.NullString
	if target != "" {
		targetNull = sql.NullString{String: target, Valid: true}
	}

	var errorNull sql.NullString
	if errorMsg != "" {
		errorNull = sql.NullString{String: errorMsg, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_audit_log (ts, trace_id, plugin_id, hook, target, payload_json, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, time.Now(), traceID, pluginID, hook, targetNull, payloadJSON, result, errorNull)
	if err != nil {
		return fmt.Errorf("failed to write plugin audit log: %w", err)
	}

	return nil
}

// GetAuditLog returns the most recent audit entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, plugin_id, hook, target, payload_json, result, error_message
		FROM plugin_audit_log
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin audit log: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// GetAuditByTrace returns every audit entry recorded under traceID, oldest
// first, so a single dispatch can be replayed in the order it happened.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, plugin_id, hook, target, payload_json, result, error_message
		FROM plugin_audit_log
		WHERE trace_id = ?
		ORDER BY ts ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin audit log by trace: %w", err)
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

func scanAuditRows(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.TraceID, &entry.PluginID,
			&entry.Hook, &entry.Target, &entry.PayloadJSON,
			&entry.Result, &entry.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plugin audit log: %w", err)
	}
	return entries, nil
}
