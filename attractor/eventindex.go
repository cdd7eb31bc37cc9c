// ABOUTME: SQLite-backed index mirroring the JSONL event log for fast run/event queries.
// ABOUTME: Always rebuildable from the log; the log, not the index, is the source of truth.
package attractor

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RunRow is a summary row from the runs table.
type RunRow struct {
	RunID      string
	GraphName  string
	StartedAt  time.Time
	EventCount int
	LastEvent  EngineEventType
}

// EventIndex is a SQLite-backed index over engine events, queried by run
// tooling (list runs, tail a run's events) without replaying the JSONL log.
// It is a cache: ApplyEvent/RebuildFromLog are the only writers, and the
// index can be deleted and rebuilt from the log at any time.
type EventIndex struct {
	db *sql.DB
}

// OpenEventIndex opens or creates a SQLite event index at the given path.
func OpenEventIndex(path string) (*EventIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open event index: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0,
			last_event TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			node_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_events_run_type ON events(run_id, type);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create event index schema: %w", err)
	}

	return &EventIndex{db: db}, nil
}

// Close closes the index's database connection.
func (idx *EventIndex) Close() error {
	return idx.db.Close()
}

// ApplyEvent indexes a single event for a run, creating the run row on its
// first event if needed.
func (idx *EventIndex) ApplyEvent(runID, graphName string, seq int, evt EngineEvent) error {
	var data []byte
	if evt.Data != nil {
		encoded, err := json.Marshal(evt.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = encoded
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO runs (run_id, graph_name, started_at, event_count, last_event)
		 VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			event_count = event_count + 1,
			last_event = excluded.last_event`,
		runID, graphName, evt.Timestamp.Format(time.RFC3339Nano), string(evt.Type),
	); err != nil {
		return fmt.Errorf("upsert run row: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO events (run_id, seq, type, node_id, timestamp, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, seq) DO UPDATE SET
			type = excluded.type, node_id = excluded.node_id,
			timestamp = excluded.timestamp, data = excluded.data`,
		runID, seq, string(evt.Type), evt.NodeID, evt.Timestamp.Format(time.RFC3339Nano), data,
	); err != nil {
		return fmt.Errorf("insert event row: %w", err)
	}

	return tx.Commit()
}

// RebuildFromLog clears and rebuilds the index for a single run from its
// full event log, as read from a LogSink's Tail (with a large n) or direct
// JSONL replay. Used after the index file is deleted or suspected stale.
func (idx *EventIndex) RebuildFromLog(runID, graphName string, events []EngineEvent) error {
	if _, err := idx.db.Exec("DELETE FROM events WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("clear events for run %q: %w", runID, err)
	}
	if _, err := idx.db.Exec("DELETE FROM runs WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("clear run %q: %w", runID, err)
	}

	for i, evt := range events {
		if err := idx.ApplyEvent(runID, graphName, i, evt); err != nil {
			return fmt.Errorf("apply event %d during rebuild: %w", i, err)
		}
	}

	return nil
}

// ListRuns returns all indexed runs, most recently started first.
func (idx *EventIndex) ListRuns() ([]RunRow, error) {
	rows, err := idx.db.Query(
		"SELECT run_id, graph_name, started_at, event_count, last_event FROM runs ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRow
	for rows.Next() {
		var r RunRow
		var startedAt string
		var lastEvent string
		if err := rows.Scan(&r.RunID, &r.GraphName, &startedAt, &r.EventCount, &lastEvent); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			r.StartedAt = ts
		}
		r.LastEvent = EngineEventType(lastEvent)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TailEvents returns the last n events indexed for a run, oldest first.
func (idx *EventIndex) TailEvents(runID string, n int) ([]EngineEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := idx.db.Query(
		`SELECT type, node_id, timestamp, data FROM events
		 WHERE run_id = ? ORDER BY seq DESC LIMIT ?`,
		runID, n)
	if err != nil {
		return nil, fmt.Errorf("query tail events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reversed []EngineEvent
	for rows.Next() {
		var typ, nodeID, timestamp string
		var data sql.NullString
		if err := rows.Scan(&typ, &nodeID, &timestamp, &data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		evt := EngineEvent{
			Type:   EngineEventType(typ),
			NodeID: nodeID,
		}
		if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			evt.Timestamp = ts
		}
		if data.Valid && data.String != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(data.String), &m); err == nil {
				evt.Data = m
			}
		}
		reversed = append(reversed, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	events := make([]EngineEvent, len(reversed))
	for i, evt := range reversed {
		events[len(reversed)-1-i] = evt
	}
	return events, nil
}
