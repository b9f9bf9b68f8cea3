// Package checkpoints persists trained model weights and training state as
// JSON files, and restores them into a live parameter set with shape checks.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantmill/stocknet/layers"
)

// WeightTensor is one named parameter with its shape and flat values.
type WeightTensor struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// TrainingState records where training stood when the checkpoint was taken.
type TrainingState struct {
	BestEpoch int     `json:"best_epoch"`
	BestScore float64 `json:"best_score"`
	Metric    string  `json:"metric"`
}

// Metadata describes the checkpoint file itself.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the on-disk representation of a trained model.
type Checkpoint struct {
	Weights  []WeightTensor `json:"weights"`
	State    TrainingState  `json:"training_state"`
	Metadata Metadata       `json:"metadata"`
}

// FromParams captures the current values of a parameter set.
func FromParams(params []*layers.Param, state TrainingState) *Checkpoint {
	cp := &Checkpoint{
		State: state,
		Metadata: Metadata{
			Version:   "1.0",
			Framework: "stocknet",
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, p := range params {
		data := make([]float64, len(p.Data))
		copy(data, p.Data)
		cp.Weights = append(cp.Weights, WeightTensor{
			Name: p.Name,
			Rows: p.Rows,
			Cols: p.Cols,
			Data: data,
		})
	}
	return cp
}

// ApplyTo loads the checkpoint weights into a parameter set. Every tensor is
// matched by name and checked against the parameter's shape.
func (cp *Checkpoint) ApplyTo(params []*layers.Param) error {
	byName := make(map[string]*WeightTensor, len(cp.Weights))
	for i := range cp.Weights {
		w := &cp.Weights[i]
		if _, dup := byName[w.Name]; dup {
			return fmt.Errorf("checkpoint has duplicate tensor %s", w.Name)
		}
		byName[w.Name] = w
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing tensor %s", p.Name)
		}
		if w.Rows != p.Rows || w.Cols != p.Cols {
			return fmt.Errorf("tensor %s has shape [%d,%d], model expects [%d,%d]",
				p.Name, w.Rows, w.Cols, p.Rows, p.Cols)
		}
		if len(w.Data) != len(p.Data) {
			return fmt.Errorf("tensor %s has %d values, expected %d", p.Name, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	return nil
}

// Save writes the checkpoint as indented JSON, creating parent directories
// as needed.
func (cp *Checkpoint) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint file: %w", err)
	}
	return &cp, nil
}
