package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrCheckpointNotFound is returned when a checkpoint or weights file does not exist.
// It matches fs.ErrNotExist.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found: %w", fs.ErrNotExist)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Checkpoint is a resumable training snapshot: model weights, optimizer state and progress
type Checkpoint struct {
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var", etc.
}

// TrainingState captures the training progress at the end of an epoch
type TrainingState struct {
	Epoch           int     `json:"epoch"`
	GlobalStep      int     `json:"global_step"`
	HasBest         bool    `json:"has_best"`
	BestIndicator   float64 `json:"best_indicator"`
	EpochsNoImprove int     `json:"epochs_no_improve"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "ADAM", "ADAMW", "SAM"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
	Groups     []GroupState           `json:"groups"`
	StepCount  int64                  `json:"step_count"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// GroupState holds the learning rates of one parameter group
type GroupState struct {
	Name      string  `json:"name"`
	LR        float64 `json:"lr"`
	InitialLR float64 `json:"initial_lr"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "go-fgp"
	frameworkVersion = "1.0.0"
)

// CheckpointSaver handles saving checkpoints and weights in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete checkpoint. The file is replaced atomically.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data, err = MarshalCheckpoint(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a checkpoint. It either decodes completely or returns an error.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	switch cs.format {
	case FormatProto:
		checkpoint, err := UnmarshalCheckpoint(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return checkpoint, nil
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
		}
		return &checkpoint, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

type weightsFile struct {
	Weights []WeightTensor `json:"weights"`
}

// SaveWeights saves a model-only state dictionary
func (cs *CheckpointSaver) SaveWeights(weights []WeightTensor, path string) error {
	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data = MarshalWeights(weights)
	case FormatJSON:
		data, err = json.MarshalIndent(weightsFile{Weights: weights}, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadWeights loads a model-only state dictionary
func (cs *CheckpointSaver) LoadWeights(path string) ([]WeightTensor, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}

	switch cs.format {
	case FormatProto:
		weights, err := UnmarshalWeights(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode weights %s: %w", path, err)
		}
		return weights, nil
	case FormatJSON:
		var wf weightsFile
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("failed to decode weights %s: %w", path, err)
		}
		return wf.Weights, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// writeFileAtomic writes to a temp file in the target directory, then renames it over path
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place at %s: %w", path, err)
	}
	return nil
}

// WeightMap indexes weights by name
func WeightMap(weights []WeightTensor) map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		m[w.Name] = w
	}
	return m
}
