// ABOUTME: Read-side query API over the append-only event log a run writes as it executes.
// ABOUTME: Filtering, pagination, tailing, and aggregate summaries all run against FSRunStateStore.
package attractor

import (
	"time"
)

// EventFilter narrows a QueryEvents/CountEvents call. The zero value matches
// every event.
type EventFilter struct {
	Types  []EngineEventType
	NodeID string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// EventQuery is the read surface over a run's event history. FSEventQuery
// is the only implementation; the interface exists so logsink.go's
// FSLogSink can be tested against a substitute store.
type EventQuery interface {
	QueryEvents(runID string, filter EventFilter) ([]EngineEvent, error)
	CountEvents(runID string, filter EventFilter) (int, error)
	TailEvents(runID string, n int) ([]EngineEvent, error)
	SummarizeEvents(runID string) (*EventSummary, error)
}

// EventSummary is the aggregate view SummarizeEvents produces over a run's
// full event log.
type EventSummary struct {
	TotalEvents int
	ByType      map[EngineEventType]int
	ByNode      map[string]int
	FirstEvent  *time.Time
	LastEvent   *time.Time
}

// FSEventQuery answers EventQuery against the JSONL event log an
// FSRunStateStore already persists; it does no indexing of its own and
// loads+filters in memory on every call.
type FSEventQuery struct {
	store *FSRunStateStore
}

var _ EventQuery = (*FSEventQuery)(nil)

// NewFSEventQuery builds a query layer over store.
func NewFSEventQuery(store *FSRunStateStore) *FSEventQuery {
	return &FSEventQuery{store: store}
}

// QueryEvents returns the filtered, paginated event slice for runID.
func (q *FSEventQuery) QueryEvents(runID string, filter EventFilter) ([]EngineEvent, error) {
	events, err := q.loadEvents(runID)
	if err != nil {
		return nil, err
	}
	return paginate(filterEvents(events, filter), filter.Offset, filter.Limit), nil
}

// CountEvents returns how many events match filter, ignoring its
// Offset/Limit fields entirely.
func (q *FSEventQuery) CountEvents(runID string, filter EventFilter) (int, error) {
	events, err := q.loadEvents(runID)
	if err != nil {
		return 0, err
	}
	return len(filterEvents(events, filter)), nil
}

// TailEvents returns up to the last n events for runID, oldest first.
func (q *FSEventQuery) TailEvents(runID string, n int) ([]EngineEvent, error) {
	events, err := q.loadEvents(runID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return []EngineEvent{}, nil
	}
	if n >= len(events) {
		return events, nil
	}
	return events[len(events)-n:], nil
}

// SummarizeEvents aggregates runID's full event log by type, by node, and
// by first/last timestamp.
func (q *FSEventQuery) SummarizeEvents(runID string) (*EventSummary, error) {
	events, err := q.loadEvents(runID)
	if err != nil {
		return nil, err
	}

	summary := &EventSummary{
		TotalEvents: len(events),
		ByType:      make(map[EngineEventType]int),
		ByNode:      make(map[string]int),
	}
	for i := range events {
		evt := &events[i]
		summary.ByType[evt.Type]++
		summary.ByNode[evt.NodeID]++
		stampBounds(summary, evt.Timestamp, i == 0)
	}
	return summary, nil
}

// stampBounds updates summary's first/last timestamps as events are
// folded in one at a time; first is forced on the initial call since
// FirstEvent/LastEvent start nil.
func stampBounds(summary *EventSummary, ts time.Time, first bool) {
	if first || ts.Before(*summary.FirstEvent) {
		t := ts
		summary.FirstEvent = &t
	}
	if first || ts.After(*summary.LastEvent) {
		t := ts
		summary.LastEvent = &t
	}
}

func (q *FSEventQuery) loadEvents(runID string) ([]EngineEvent, error) {
	state, err := q.store.Get(runID)
	if err != nil {
		return nil, err
	}
	return state.Events, nil
}

// filterEvents keeps only events matching every set field of filter.
func filterEvents(events []EngineEvent, filter EventFilter) []EngineEvent {
	out := make([]EngineEvent, 0, len(events))
	for _, evt := range events {
		if eventMatches(evt, filter) {
			out = append(out, evt)
		}
	}
	return out
}

func eventMatches(evt EngineEvent, filter EventFilter) bool {
	if len(filter.Types) > 0 && !typeIn(evt.Type, filter.Types) {
		return false
	}
	if filter.NodeID != "" && evt.NodeID != filter.NodeID {
		return false
	}
	if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && evt.Timestamp.After(*filter.Until) {
		return false
	}
	return true
}

func typeIn(t EngineEventType, types []EngineEventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// paginate slices events by offset then limit, in that order.
func paginate(events []EngineEvent, offset, limit int) []EngineEvent {
	if offset > 0 {
		if offset >= len(events) {
			return []EngineEvent{}
		}
		events = events[offset:]
	}
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}
