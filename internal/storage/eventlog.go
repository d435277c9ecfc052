package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orcbot-ai/orcbot/internal/events"
)

const eventLogSchema = `
CREATE TABLE IF NOT EXISTS events (
	id        TEXT PRIMARY KEY,
	ts        INTEGER NOT NULL,
	type      TEXT NOT NULL,
	source    TEXT NOT NULL,
	action_id TEXT,
	payload   TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_action ON events(action_id);
`

// EventLog persists bus events to a SQLite database for later inspection.
type EventLog struct {
	db     *sql.DB
	unsub  func()
	logger *slog.Logger
}

// NewEventLog opens (or creates) the event database at dir/events.db.
func NewEventLog(dir string, logger *slog.Logger) (*EventLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "events.db"))
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(eventLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create event schema: %w", err)
	}

	return &EventLog{db: db, logger: logger}, nil
}

// Attach subscribes the log to a bus. All event types are recorded.
func (l *EventLog) Attach(bus *events.Bus) {
	l.unsub = bus.Subscribe(func(e events.Event) {
		if err := l.Record(e); err != nil {
			l.logger.Warn("event log: record failed", "type", e.Type, "error", err)
		}
	})
}

// Record inserts a single event.
func (l *EventLog) Record(e events.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT OR IGNORE INTO events (id, ts, type, source, action_id, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), string(e.Type), string(e.Source), e.ActionID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest last.
func (l *EventLog) Recent(limit int) ([]events.Event, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, type, source, action_id, payload FROM events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	evts, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	return evts, nil
}

// ByAction returns all events recorded for a given action, oldest first.
func (l *EventLog) ByAction(actionID string) ([]events.Event, error) {
	rows, err := l.db.Query(
		`SELECT id, ts, type, source, action_id, payload FROM events WHERE action_id = ? ORDER BY ts, id`, actionID)
	if err != nil {
		return nil, fmt.Errorf("query action events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Prune deletes events older than the retention window.
func (l *EventLog) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.Exec(`DELETE FROM events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close detaches from the bus and closes the database.
func (l *EventLog) Close() error {
	if l.unsub != nil {
		l.unsub()
	}
	return l.db.Close()
}

func scanEvents(rows *sql.Rows) ([]events.Event, error) {
	var evts []events.Event
	for rows.Next() {
		var (
			e        events.Event
			ts       int64
			typ, src string
			actionID sql.NullString
			payload  sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &typ, &src, &actionID, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Type = events.EventType(typ)
		e.Source = events.EventSource(src)
		e.ActionID = actionID.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}
