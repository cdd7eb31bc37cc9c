// ABOUTME: Run manifest describing a pipeline run's identity and starting conditions.
// ABOUTME: Supports both JSON (run directory) and YAML (operator-editable) encodings.
package attractor

import (
	"time"

	"gopkg.in/yaml.v3"
)

// RunManifest is the manifest.json/manifest.yaml document written once at
// the start of a run, recording the graph identity and goal for the run
// directory described in the run directory layout.
type RunManifest struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	GraphName string    `json:"graph_name" yaml:"graph_name"`
	Goal      string    `json:"goal,omitempty" yaml:"goal,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

// ToYAML encodes the manifest as YAML.
func (m *RunManifest) ToYAML() ([]byte, error) {
	return yaml.Marshal(m)
}

// ManifestFromYAML decodes a manifest from YAML.
func ManifestFromYAML(data []byte) (*RunManifest, error) {
	var m RunManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
