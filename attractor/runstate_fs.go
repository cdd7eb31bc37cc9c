// ABOUTME: Filesystem RunStateStore: each run is a directory of manifest.json, context.json, events.jsonl.
// ABOUTME: Writes of manifest/context go through a temp-file-plus-rename for crash-safe atomicity.
package attractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// runTimeLayout is how StartedAt/CompletedAt are rendered into manifest.json.
const runTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// onDiskManifest is manifest.json's shape; RunState carries richer
// in-memory fields (Source, Context, Events) that live in separate files.
type onDiskManifest struct {
	ID             string   `json:"id"`
	PipelineFile   string   `json:"pipeline_file"`
	Status         string   `json:"status"`
	SourceHash     string   `json:"source_hash,omitempty"`
	StartedAt      string   `json:"started_at"`
	CompletedAt    *string  `json:"completed_at,omitempty"`
	CurrentNode    string   `json:"current_node"`
	CompletedNodes []string `json:"completed_nodes"`
	Error          string   `json:"error,omitempty"`
}

// FSRunStateStore is a RunStateStore backed by one subdirectory of baseDir
// per run.
type FSRunStateStore struct {
	mu      sync.RWMutex
	baseDir string
}

var _ RunStateStore = (*FSRunStateStore)(nil)

// NewFSRunStateStore opens (creating if needed) a run state store rooted
// at baseDir.
func NewFSRunStateStore(baseDir string) (*FSRunStateStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &FSRunStateStore{baseDir: baseDir}, nil
}

func (s *FSRunStateStore) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *FSRunStateStore) exists(dir string) bool {
	_, err := os.Stat(dir)
	return err == nil
}

// Create writes a brand new run directory for state. Fails if state.ID
// already has one.
func (s *FSRunStateStore) Create(state *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(state.ID)
	if s.exists(dir) {
		return fmt.Errorf("run %q already exists", state.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nodes"), 0755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := s.writeManifest(dir, state); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := s.writeContext(dir, state.Context); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	if state.Source != "" {
		if err := os.WriteFile(filepath.Join(dir, "source.dot"), []byte(state.Source), 0644); err != nil {
			return fmt.Errorf("write source.dot: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "events.jsonl"), nil, 0644); err != nil {
		return fmt.Errorf("create events file: %w", err)
	}
	return nil
}

// Get loads the RunState for id.
func (s *FSRunStateStore) Get(id string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

func (s *FSRunStateStore) load(id string) (*RunState, error) {
	dir := s.runDir(id)
	if !s.exists(dir) {
		return nil, fmt.Errorf("run %q not found", id)
	}

	manifest, err := s.readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest for %q: %w", id, err)
	}
	ctx, err := s.readContext(dir)
	if err != nil {
		return nil, fmt.Errorf("read context for %q: %w", id, err)
	}
	events, err := s.readEvents(dir)
	if err != nil {
		return nil, fmt.Errorf("read events for %q: %w", id, err)
	}

	source, err := s.readOptionalSource(dir)
	if err != nil {
		return nil, fmt.Errorf("read source.dot for %q: %w", id, err)
	}

	state := &RunState{
		ID:             manifest.ID,
		PipelineFile:   manifest.PipelineFile,
		Status:         manifest.Status,
		Source:         source,
		SourceHash:     manifest.SourceHash,
		CurrentNode:    manifest.CurrentNode,
		CompletedNodes: manifest.CompletedNodes,
		Context:        ctx,
		Events:         events,
		Error:          manifest.Error,
	}

	if manifest.StartedAt != "" {
		t, err := time.Parse(runTimeLayout, manifest.StartedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for %q: %w", id, err)
		}
		state.StartedAt = t
	}
	if manifest.CompletedAt != nil {
		t, err := time.Parse(runTimeLayout, *manifest.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at for %q: %w", id, err)
		}
		state.CompletedAt = &t
	}
	return state, nil
}

func (s *FSRunStateStore) readOptionalSource(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "source.dot"))
	if err == nil {
		return string(data), nil
	}
	if os.IsNotExist(err) {
		return "", nil
	}
	return "", err
}

// Update rewrites the manifest and context for an existing run.
func (s *FSRunStateStore) Update(state *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(state.ID)
	if !s.exists(dir) {
		return fmt.Errorf("run %q not found", state.ID)
	}
	if err := s.writeManifest(dir, state); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return s.writeContext(dir, state.Context)
}

// List returns every run stored under baseDir; entries that fail to load
// (or aren't directories) are silently skipped.
func (s *FSRunStateStore) List() ([]*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}

	var states []*RunState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if state, err := s.load(entry.Name()); err == nil {
			states = append(states, state)
		}
	}
	return states, nil
}

// FindResumable returns the newest non-completed run matching sourceHash
// that also has a checkpoint.json, or nil if none qualifies. A "running"
// run only counts once it looks stale (started more than 5 minutes ago),
// since a genuinely active run shouldn't be resumed out from under itself.
func (s *FSRunStateStore) FindResumable(sourceHash string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read base dir: %w", err)
	}

	var candidates []*RunState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := s.load(entry.Name())
		if err != nil || !s.isResumeCandidate(state, sourceHash) {
			continue
		}
		candidates = append(candidates, state)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].StartedAt.After(candidates[j].StartedAt)
	})
	return candidates[0], nil
}

func (s *FSRunStateStore) isResumeCandidate(state *RunState, sourceHash string) bool {
	if state.SourceHash != sourceHash || state.Status == "completed" {
		return false
	}
	if state.Status == "running" && time.Since(state.StartedAt) < 5*time.Minute {
		return false
	}
	_, err := os.Stat(filepath.Join(s.runDir(state.ID), "checkpoint.json"))
	return err == nil
}

// CheckpointPath is where runID's checkpoint.json lives.
func (s *FSRunStateStore) CheckpointPath(runID string) string {
	return filepath.Join(s.runDir(runID), "checkpoint.json")
}

// RunDir is runID's top-level directory.
func (s *FSRunStateStore) RunDir(runID string) string {
	return s.runDir(runID)
}

// AddEvent appends event as one JSON line to runID's events.jsonl.
func (s *FSRunStateStore) AddEvent(id string, event EngineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(id)
	if !s.exists(dir) {
		return fmt.Errorf("run %q not found", id)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *FSRunStateStore) writeManifest(dir string, state *RunState) error {
	m := onDiskManifest{
		ID:             state.ID,
		PipelineFile:   state.PipelineFile,
		Status:         state.Status,
		SourceHash:     state.SourceHash,
		StartedAt:      state.StartedAt.Format(runTimeLayout),
		CurrentNode:    state.CurrentNode,
		CompletedNodes: state.CompletedNodes,
		Error:          state.Error,
	}
	if state.CompletedAt != nil {
		ct := state.CompletedAt.Format(runTimeLayout)
		m.CompletedAt = &ct
	}
	if m.CompletedNodes == nil {
		m.CompletedNodes = []string{}
	}
	return writeJSONAtomic(filepath.Join(dir, "manifest.json"), m)
}

func (s *FSRunStateStore) readManifest(dir string) (*onDiskManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var m onDiskManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *FSRunStateStore) writeContext(dir string, ctx map[string]any) error {
	if ctx == nil {
		ctx = map[string]any{}
	}
	return writeJSONAtomic(filepath.Join(dir, "context.json"), ctx)
}

func (s *FSRunStateStore) readContext(dir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(dir, "context.json"))
	if err != nil {
		return nil, err
	}
	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// readEvents parses events.jsonl, one EngineEvent per non-blank line.
func (s *FSRunStateStore) readEvents(dir string) ([]EngineEvent, error) {
	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return []EngineEvent{}, nil
	}

	lines := strings.Split(content, "\n")
	events := make([]EngineEvent, 0, len(lines))
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var evt EngineEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", i, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// writeJSONAtomic marshals v as indented JSON and writes it to path via a
// temp file in the same directory followed by rename, so readers never
// observe a partially written file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
