// Package store is the durable, append-only repository for alerts,
// investigations, and action records. It owns the authoritative copy of every
// record; the bus only carries copies. Inserts are idempotent on the record's
// primary key: a duplicate id is a silent no-op, which makes replayed bus
// payloads safe.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/sentinelops/aegis/internal/models"
)

// Store wraps the relational database. All methods are safe for concurrent
// use; write atomicity comes from the underlying store's transactions.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
    id        TEXT PRIMARY KEY,
    ts        REAL NOT NULL,
    severity  TEXT NOT NULL,
    payload   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);

CREATE TABLE IF NOT EXISTS investigations (
    alert_id  TEXT PRIMARY KEY,
    ts        REAL NOT NULL,
    verdict   TEXT NOT NULL,
    payload   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_investigations_ts ON investigations(ts);

CREATE TABLE IF NOT EXISTS actions (
    action_id   TEXT PRIMARY KEY,
    alert_id    TEXT NOT NULL,
    ts          REAL NOT NULL,
    action_type TEXT NOT NULL,
    reverted    INTEGER NOT NULL DEFAULT 0,
    revert_of   TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts);
CREATE INDEX IF NOT EXISTS idx_actions_alert_id ON actions(alert_id);
`

// Open connects to the sqlite database named by url (a file path or file:
// URL) and creates the schema if absent. A store that cannot be opened is a
// fatal startup error for the caller.
func Open(url string) (*Store, error) {
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}
	// sqlite allows one writer at a time; serializing through a single
	// connection avoids SQLITE_BUSY under concurrent component writes.
	db.SetMaxOpenConns(1)
	// journal_mode returns the resulting mode as a row.
	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAlert persists an alert. Duplicate ids are ignored.
func (s *Store) SaveAlert(ctx context.Context, a models.AlertEvent) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts (id, ts, severity, payload) VALUES (?, ?, ?, ?)`,
		a.ID, a.TS, string(a.Severity), string(payload))
	return err
}

// SaveInvestigation persists a report. Duplicate alert ids are ignored.
func (s *Store) SaveInvestigation(ctx context.Context, r models.InvestigationReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode investigation %s: %w", r.AlertID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO investigations (alert_id, ts, verdict, payload) VALUES (?, ?, ?, ?)`,
		r.AlertID, r.TS, string(r.Verdict), string(payload))
	return err
}

// SaveAction persists an action record. Duplicate action ids are ignored.
func (s *Store) SaveAction(ctx context.Context, a models.ActionRecord) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ActionID, err)
	}
	reverted := 0
	if a.Reverted {
		reverted = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO actions (action_id, alert_id, ts, action_type, reverted, revert_of, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ActionID, a.AlertID, a.TS, a.ActionType, reverted, a.RevertOf, string(payload))
	return err
}

// GetAlert returns one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (models.AlertEvent, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM alerts WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		return models.AlertEvent{}, err
	}
	var a models.AlertEvent
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return models.AlertEvent{}, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return a, nil
}

// GetAction returns one action record by id.
func (s *Store) GetAction(ctx context.Context, actionID string) (models.ActionRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM actions WHERE action_id = ?`, actionID).Scan(&payload)
	if err != nil {
		return models.ActionRecord{}, err
	}
	var rec models.ActionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return models.ActionRecord{}, fmt.Errorf("decode action %s: %w", actionID, err)
	}
	return rec, nil
}

// FindRevert returns the revert record referencing actionID, if one exists.
func (s *Store) FindRevert(ctx context.Context, actionID string) (models.ActionRecord, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM actions WHERE revert_of = ? LIMIT 1`, actionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return models.ActionRecord{}, false, nil
	}
	if err != nil {
		return models.ActionRecord{}, false, err
	}
	var rec models.ActionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return models.ActionRecord{}, false, err
	}
	return rec, true, nil
}

func listPayloads(ctx context.Context, db *sql.DB, table string, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT payload FROM %s ORDER BY ts DESC LIMIT ? OFFSET ?`, table),
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payloads []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, limit, offset int) ([]models.AlertEvent, error) {
	payloads, err := listPayloads(ctx, s.db, "alerts", limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]models.AlertEvent, 0, len(payloads))
	for _, p := range payloads {
		var a models.AlertEvent
		if err := json.Unmarshal([]byte(p), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ListInvestigations returns reports newest first.
func (s *Store) ListInvestigations(ctx context.Context, limit, offset int) ([]models.InvestigationReport, error) {
	payloads, err := listPayloads(ctx, s.db, "investigations", limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]models.InvestigationReport, 0, len(payloads))
	for _, p := range payloads {
		var r models.InvestigationReport
		if err := json.Unmarshal([]byte(p), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ListActions returns action records newest first.
func (s *Store) ListActions(ctx context.Context, limit, offset int) ([]models.ActionRecord, error) {
	payloads, err := listPayloads(ctx, s.db, "actions", limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]models.ActionRecord, 0, len(payloads))
	for _, p := range payloads {
		var a models.ActionRecord
		if err := json.Unmarshal([]byte(p), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	return n, err
}

// CountAlerts returns the total number of persisted alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	return s.count(ctx, "alerts")
}

// CountInvestigations returns the total number of persisted reports.
func (s *Store) CountInvestigations(ctx context.Context) (int64, error) {
	return s.count(ctx, "investigations")
}

// CountActions returns the total number of persisted action records.
func (s *Store) CountActions(ctx context.Context) (int64, error) {
	return s.count(ctx, "actions")
}

func (s *Store) groupCount(ctx context.Context, table, column string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, COUNT(*) FROM %s GROUP BY %s`, column, table, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}

// Stats is the aggregate snapshot served to dashboards.
type Stats struct {
	Alerts          int64            `json:"alerts"`
	Investigations  int64            `json:"investigations"`
	Actions         int64            `json:"actions"`
	AlertSeverities map[string]int64 `json:"alert_severities"`
	ActionTypes     map[string]int64 `json:"action_types"`
	Verdicts        map[string]int64 `json:"verdicts"`
}

// GetStats returns the aggregate counters in one pass.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	var err error
	if stats.Alerts, err = s.CountAlerts(ctx); err != nil {
		return stats, err
	}
	if stats.Investigations, err = s.CountInvestigations(ctx); err != nil {
		return stats, err
	}
	if stats.Actions, err = s.CountActions(ctx); err != nil {
		return stats, err
	}
	if stats.AlertSeverities, err = s.groupCount(ctx, "alerts", "severity"); err != nil {
		return stats, err
	}
	if stats.ActionTypes, err = s.groupCount(ctx, "actions", "action_type"); err != nil {
		return stats, err
	}
	if stats.Verdicts, err = s.groupCount(ctx, "investigations", "verdict"); err != nil {
		return stats, err
	}
	return stats, nil
}
