// ABOUTME: Defines RunState types and the RunStateStore interface for tracking pipeline run lifecycle.
// ABOUTME: Provides monotonic ULID run ID generation and the core data model for persistent run tracking.
package attractor

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunState represents the full state of a single pipeline run.
type RunState struct {
	ID             string         `json:"id"`
	PipelineFile   string         `json:"pipeline_file"`
	Status         string         `json:"status"` // "running", "completed", "failed", "cancelled"
	Source         string         `json:"source,omitempty"`
	SourceHash     string         `json:"source_hash,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CurrentNode    string         `json:"current_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	Context        map[string]any `json:"context"`
	Events         []EngineEvent  `json:"events"`
	Error          string         `json:"error,omitempty"`
}

// RunStateStore is the interface for persisting and retrieving pipeline run state.
type RunStateStore interface {
	Create(state *RunState) error
	Get(id string) (*RunState, error)
	Update(state *RunState) error
	List() ([]*RunState, error)
	AddEvent(id string, event EngineEvent) error
}

// GenerateRunID produces a monotonic ULID, sortable by creation time, for
// identifying a single pipeline run across the engine, run directory, and
// run state store.
func GenerateRunID() (string, error) {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
