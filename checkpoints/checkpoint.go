// Package checkpoints persists training state as JSON: run metadata,
// epoch losses, and every optimizer parameter as a flat weight record.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/georgezywang/mrs/network"
)

// WeightRecord is one parameter tensor in serializable form.
type WeightRecord struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Checkpoint is the full persisted state of a training run at one epoch.
type Checkpoint struct {
	RunID   string             `json:"run_id"`
	Epoch   int                `json:"epoch"`
	SavedAt time.Time          `json:"saved_at"`
	Losses  map[string]float64 `json:"losses,omitempty"`
	Weights []WeightRecord     `json:"weights"`
}

// FromGroups snapshots every parameter of the optimizer groups into a
// checkpoint. Records are named by group and position, so Restore can
// only be applied to a model with the same parameter layout.
func FromGroups(runID string, epoch int, losses map[string]float64, groups []network.ParamGroup) (*Checkpoint, error) {
	cp := &Checkpoint{
		RunID:   runID,
		Epoch:   epoch,
		SavedAt: time.Now().UTC(),
		Losses:  losses,
	}

	for gi, group := range groups {
		for pi, param := range group.Params {
			data, err := param.GetFloat32Data()
			if err != nil {
				return nil, errors.Wrapf(err, "group %d parameter %d is not a float tensor", gi, pi)
			}
			record := WeightRecord{
				Name:  recordName(gi, pi),
				Shape: append([]int{}, param.Shape...),
				Data:  append([]float32{}, data...),
			}
			cp.Weights = append(cp.Weights, record)
		}
	}
	return cp, nil
}

// Restore copies checkpoint weights back into the parameters of the
// groups, in place. Every record must match its parameter's shape.
func (cp *Checkpoint) Restore(groups []network.ParamGroup) error {
	records := make(map[string]*WeightRecord, len(cp.Weights))
	for i := range cp.Weights {
		records[cp.Weights[i].Name] = &cp.Weights[i]
	}

	for gi, group := range groups {
		for pi, param := range group.Params {
			name := recordName(gi, pi)
			record, ok := records[name]
			if !ok {
				return errors.Errorf("checkpoint is missing weights for %s", name)
			}
			if !shapesMatch(record.Shape, param.Shape) {
				return errors.Errorf("shape mismatch for %s: checkpoint %v, parameter %v",
					name, record.Shape, param.Shape)
			}
			data, err := param.GetFloat32Data()
			if err != nil {
				return errors.Wrapf(err, "parameter %s is not a float tensor", name)
			}
			copy(data, record.Data)
		}
	}
	return nil
}

// Save writes the checkpoint to path, creating parent directories as
// needed.
func (cp *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	encoded, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

// Load reads a checkpoint from path.
func Load(path string) (*Checkpoint, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint file")
	}

	var cp Checkpoint
	if err := json.Unmarshal(encoded, &cp); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &cp, nil
}

func recordName(group, param int) string {
	return fmt.Sprintf("group%d.param%d", group, param)
}

func shapesMatch(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
