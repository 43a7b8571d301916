package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotVersion is incremented when the format changes.
const SnapshotVersion = 1

// StateSnapshot holds the full engine state needed to resume a run.
type StateSnapshot struct {
	Version int    `json:"version"`
	Model   string `json:"model"`
	Shape   []int  `json:"shape"`

	Step int     `json:"step"`
	Time float64 `json:"time"`
	DT   float64 `json:"dt"`
	DR   float64 `json:"dr"`

	// Full-grid arrays, row-major.
	Potential []float64            `json:"potential"`
	Variables map[string][]float64 `json:"variables"`

	Params map[string]float64 `json:"params,omitempty"`
	Label  string             `json:"label,omitempty"`
}

// Validate checks internal consistency of a snapshot.
func (s *StateSnapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("snapshot version %d, want %d", s.Version, SnapshotVersion)
	}
	n := 1
	for _, e := range s.Shape {
		n *= e
	}
	if len(s.Shape) == 0 || len(s.Potential) != n {
		return fmt.Errorf("snapshot potential has %d values for shape %v", len(s.Potential), s.Shape)
	}
	for name, v := range s.Variables {
		if len(v) != n {
			return fmt.Errorf("snapshot variable %q has %d values, want %d", name, len(v), n)
		}
	}
	return nil
}

// SaveSnapshot writes a snapshot to disk.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *StateSnapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	name := fmt.Sprintf("snapshot_%d", snapshot.Step)
	if snapshot.Label != "" {
		name = fmt.Sprintf("snapshot_%d_%s", snapshot.Step, snapshot.Label)
	}
	path := filepath.Join(dir, name+".json")

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// LoadSnapshot reads a snapshot from disk and validates it.
func LoadSnapshot(path string) (*StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return &snapshot, nil
}
