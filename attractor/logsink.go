// ABOUTME: LogSink interface for structured, queryable, retention-managed event storage.
// ABOUTME: FSLogSink is the filesystem implementation, layering a JSON run index over FSRunStateStore.
package attractor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// LogSink is the write+query+lifecycle surface a run's event stream is
// recorded through.
type LogSink interface {
	Append(runID string, event EngineEvent) error
	Query(runID string, filter EventFilter) ([]EngineEvent, int, error)
	Tail(runID string, n int) ([]EngineEvent, error)
	Summarize(runID string) (*EventSummary, error)
	Prune(olderThan time.Duration) (int, error)
	Close() error
}

// RunIndexEntry is one run's row in the index file — enough to list and
// filter runs without reading each run's full event log.
type RunIndexEntry struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	EventCount int       `json:"event_count"`
}

// RunIndex is the full contents of index.json.
type RunIndex struct {
	Runs    map[string]RunIndexEntry `json:"runs"`
	Updated time.Time                `json:"updated"`
}

// RetentionConfig bounds how much run history a LogSink keeps, by age,
// by count, or both.
type RetentionConfig struct {
	MaxAge  time.Duration
	MaxRuns int
}

// PruneLoop runs an immediate age-based prune followed by one every
// interval, until ctx is cancelled. Blocking; run it in its own goroutine.
func (rc RetentionConfig) PruneLoop(ctx context.Context, sink LogSink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pruneByAge := func() {
		if rc.MaxAge > 0 {
			_, _ = sink.Prune(rc.MaxAge)
		}
	}
	pruneByAge()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneByAge()
		}
	}
}

// PruneByMaxRuns deletes the oldest runs past rc.MaxRuns, oldest start
// time first. Only *FSLogSink is supported since it owns the on-disk
// index this needs to sort.
func (rc RetentionConfig) PruneByMaxRuns(sink LogSink) (int, error) {
	fsSink, ok := sink.(*FSLogSink)
	if !ok {
		return 0, fmt.Errorf("PruneByMaxRuns requires an *FSLogSink")
	}
	if rc.MaxRuns <= 0 {
		return 0, nil
	}

	index, err := fsSink.loadIndex()
	if err != nil {
		return 0, fmt.Errorf("load index: %w", err)
	}

	overflow := len(index.Runs) - rc.MaxRuns
	if overflow <= 0 {
		return 0, nil
	}

	oldest := oldestFirst(index.Runs)[:overflow]
	pruned := 0
	for _, entry := range oldest {
		if err := fsSink.deleteRun(entry.ID); err == nil {
			pruned++
		}
	}
	return pruned, nil
}

func oldestFirst(runs map[string]RunIndexEntry) []RunIndexEntry {
	entries := make([]RunIndexEntry, 0, len(runs))
	for _, e := range runs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(entries[j].StartTime)
	})
	return entries
}

// FSLogSink is the filesystem LogSink: events persist through
// FSRunStateStore, reads go through FSEventQuery, and a JSON index file
// at baseDir/index.json keeps run enumeration from requiring a directory
// walk.
type FSLogSink struct {
	mu      sync.Mutex
	store   *FSRunStateStore
	query   *FSEventQuery
	baseDir string
	closed  bool
}

var _ LogSink = (*FSLogSink)(nil)

const indexFileName = "index.json"

// NewFSLogSink opens (creating if needed) a filesystem log sink rooted at
// baseDir.
func NewFSLogSink(baseDir string) (*FSLogSink, error) {
	store, err := NewFSRunStateStore(baseDir)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	sink := &FSLogSink{
		store:   store,
		query:   NewFSEventQuery(store),
		baseDir: baseDir,
	}
	if err := sink.ensureIndex(); err != nil {
		return nil, fmt.Errorf("ensure index: %w", err)
	}
	return sink, nil
}

// Append records event against runID and refreshes that run's index entry.
func (s *FSLogSink) Append(runID string, event EngineEvent) error {
	if err := s.store.AddEvent(runID, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := s.updateIndexEntry(runID); err != nil {
		return fmt.Errorf("update index: %w", err)
	}
	return nil
}

// Query returns the paginated event slice for filter plus the total match
// count before pagination was applied.
func (s *FSLogSink) Query(runID string, filter EventFilter) ([]EngineEvent, int, error) {
	unpaginated := filter
	unpaginated.Limit, unpaginated.Offset = 0, 0

	total, err := s.query.CountEvents(runID, unpaginated)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	events, err := s.query.QueryEvents(runID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	return events, total, nil
}

// Tail returns runID's last n events.
func (s *FSLogSink) Tail(runID string, n int) ([]EngineEvent, error) {
	return s.query.TailEvents(runID, n)
}

// Summarize returns aggregate statistics for runID's event log.
func (s *FSLogSink) Summarize(runID string) (*EventSummary, error) {
	return s.query.SummarizeEvents(runID)
}

// Prune deletes every run started before olderThan ago, removing both its
// directory and its index entry, and returns how many were deleted.
func (s *FSLogSink) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndexLocked()
	if err != nil {
		return 0, fmt.Errorf("load index: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	pruned := 0
	for runID, entry := range index.Runs {
		if !entry.StartTime.Before(cutoff) {
			continue
		}
		if err := s.deleteRunLocked(runID); err != nil {
			continue
		}
		delete(index.Runs, runID)
		pruned++
	}

	if pruned > 0 {
		index.Updated = time.Now()
		if err := s.saveIndexLocked(index); err != nil {
			return pruned, fmt.Errorf("save index after prune: %w", err)
		}
	}
	return pruned, nil
}

// Close marks the sink closed. Safe to call more than once.
func (s *FSLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ListRuns returns every entry currently in the run index.
func (s *FSLogSink) ListRuns() ([]RunIndexEntry, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	entries := make([]RunIndexEntry, 0, len(index.Runs))
	for _, e := range index.Runs {
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FSLogSink) indexPath() string {
	return filepath.Join(s.baseDir, indexFileName)
}

func (s *FSLogSink) ensureIndex() error {
	if _, err := os.Stat(s.indexPath()); err == nil {
		return nil
	}
	return s.saveIndex(&RunIndex{Runs: make(map[string]RunIndexEntry), Updated: time.Now()})
}

func (s *FSLogSink) loadIndex() (*RunIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadIndexLocked()
}

func (s *FSLogSink) loadIndexLocked() (*RunIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &RunIndex{Runs: make(map[string]RunIndexEntry)}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var index RunIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if index.Runs == nil {
		index.Runs = make(map[string]RunIndexEntry)
	}
	return &index, nil
}

func (s *FSLogSink) saveIndex(index *RunIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked(index)
}

func (s *FSLogSink) saveIndexLocked(index *RunIndex) error {
	return writeJSONAtomic(s.indexPath(), index)
}

func (s *FSLogSink) updateIndexEntry(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	state, err := s.store.Get(runID)
	if err != nil {
		return fmt.Errorf("get run state: %w", err)
	}

	index.Runs[runID] = RunIndexEntry{
		ID:         runID,
		Status:     state.Status,
		StartTime:  state.StartedAt,
		EventCount: len(state.Events),
	}
	index.Updated = time.Now()
	return s.saveIndexLocked(index)
}

func (s *FSLogSink) deleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRunLocked(runID)
}

func (s *FSLogSink) deleteRunLocked(runID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, runID))
}
