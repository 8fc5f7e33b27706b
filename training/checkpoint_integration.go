package training

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/optimizer"
)

// Files written under a run's save directory
const (
	CheckpointFile    = "checkpoint.pt"
	BestWeightsFile   = "best_validation_weights.pt"
	FinalWeightsFile  = "final_weights.pt"
	SWAWeightsFile    = "swa_model_final_weights.pt"
	SWACheckpointFile = "swa_checkpoint.pt"
	HistoryFile       = "history.json"
)

const averagedTagPrefix = "n_averaged="

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save checkpoints and weights
	SaveFrequency int                          // Save every N epochs (0 = disabled)
	Format        checkpoints.CheckpointFormat // Proto or JSON
	RunID         string                       // stamped into checkpoint metadata
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: "./checkpoints",
		SaveFrequency: 1,
		Format:        checkpoints.FormatProto,
	}
}

// CheckpointManager saves and restores the resumable state of a Trainer
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// Config returns the manager configuration
func (cm *CheckpointManager) Config() CheckpointConfig {
	return cm.config
}

// Saver returns the underlying checkpoint saver
func (cm *CheckpointManager) Saver() *checkpoints.CheckpointSaver {
	return cm.saver
}

// Path returns the location of name inside the save directory. JSON runs use a .json extension.
func (cm *CheckpointManager) Path(name string) string {
	if cm.config.Format == checkpoints.FormatJSON && strings.HasSuffix(name, ".pt") {
		name = strings.TrimSuffix(name, ".pt") + ".json"
	}
	return filepath.Join(cm.config.SaveDirectory, name)
}

// ShouldSave reports whether epoch is a checkpoint epoch
func (cm *CheckpointManager) ShouldSave(epoch int) bool {
	return cm.config.SaveFrequency > 0 && epoch%cm.config.SaveFrequency == 0
}

func (cm *CheckpointManager) ensureDirectory() error {
	return os.MkdirAll(cm.config.SaveDirectory, 0755)
}

// SaveCheckpoint writes model weights, optimizer state and progress to checkpoint.pt.
// With averaged holding samples, its weights go to a sidecar file and the sample count
// is tagged in the metadata.
func (cm *CheckpointManager) SaveCheckpoint(model models.Classifier, opt optimizer.Optimizer,
	state checkpoints.TrainingState, averaged *AveragedModel) error {
	if err := cm.ensureDirectory(); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	optState, err := opt.GetState()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %w", err)
	}
	if !state.HasBest {
		state.BestIndicator = 0
	}

	ckpt := &checkpoints.Checkpoint{
		Weights:        model.StateDict(),
		TrainingState:  state,
		OptimizerState: optState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       cm.config.RunID,
			Description: fmt.Sprintf("Periodic checkpoint - Epoch %d", state.Epoch),
			Tags:        []string{fmt.Sprintf("epoch_%d", state.Epoch)},
		},
	}

	if averaged != nil && averaged.NumAveraged() > 0 {
		if err := cm.saver.SaveWeights(averaged.StateDict(), cm.Path(SWACheckpointFile)); err != nil {
			return fmt.Errorf("failed to save averaged model: %w", err)
		}
		ckpt.Metadata.Tags = append(ckpt.Metadata.Tags, averagedTagPrefix+strconv.Itoa(averaged.NumAveraged()))
	}

	if err := cm.saver.SaveCheckpoint(ckpt, cm.Path(CheckpointFile)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func averagedCount(md checkpoints.CheckpointMetadata) (int, error) {
	for _, tag := range md.Tags {
		if v, ok := strings.CutPrefix(tag, averagedTagPrefix); ok {
			return strconv.Atoi(v)
		}
	}
	return 0, nil
}

// LoadCheckpoint restores model, optimizer and averaged model from path and returns the
// saved progress. Every part is decoded and validated first; if applying the optimizer
// state fails the model weights are rolled back, so nothing is partially restored.
func (cm *CheckpointManager) LoadCheckpoint(path string, model models.Classifier, opt optimizer.Optimizer,
	averaged *AveragedModel) (checkpoints.TrainingState, error) {
	ckpt, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return checkpoints.TrainingState{}, err
	}
	if ckpt.OptimizerState == nil {
		return checkpoints.TrainingState{}, fmt.Errorf("checkpoint %s has no optimizer state", path)
	}

	n, err := averagedCount(ckpt.Metadata)
	if err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("invalid averaged sample tag in %s: %w", path, err)
	}
	var avgWeights []checkpoints.WeightTensor
	if n > 0 && averaged != nil {
		sidecar := filepath.Join(filepath.Dir(path), filepath.Base(cm.Path(SWACheckpointFile)))
		if avgWeights, err = cm.saver.LoadWeights(sidecar); err != nil {
			return checkpoints.TrainingState{}, fmt.Errorf("failed to load averaged model: %w", err)
		}
	}

	previous := model.StateDict()
	if err := model.LoadStateDict(ckpt.Weights); err != nil {
		return checkpoints.TrainingState{}, fmt.Errorf("failed to restore model weights: %w", err)
	}
	if err := opt.LoadState(ckpt.OptimizerState); err != nil {
		rollback(model, previous)
		return checkpoints.TrainingState{}, fmt.Errorf("failed to restore optimizer state: %w", err)
	}
	if avgWeights != nil {
		if err := averaged.Restore(avgWeights, n); err != nil {
			rollback(model, previous)
			return checkpoints.TrainingState{}, err
		}
	}
	return ckpt.TrainingState, nil
}

func rollback(model models.Classifier, weights []checkpoints.WeightTensor) {
	// weights came from this model, so the load cannot fail validation
	_ = model.LoadStateDict(weights)
}

// SaveWeights writes a model-only state dictionary as name inside the save directory
func (cm *CheckpointManager) SaveWeights(name string, weights []checkpoints.WeightTensor) (string, error) {
	if err := cm.ensureDirectory(); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	path := cm.Path(name)
	if err := cm.saver.SaveWeights(weights, path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	return path, nil
}

// LoadWeightsInto reads a weights file into model
func (cm *CheckpointManager) LoadWeightsInto(path string, model models.Classifier) error {
	weights, err := cm.saver.LoadWeights(path)
	if err != nil {
		return err
	}
	if err := model.LoadStateDict(weights); err != nil {
		return fmt.Errorf("failed to load weights from %s: %w", path, err)
	}
	return nil
}

// IsNotFound reports whether err means a checkpoint or weights file is missing
func IsNotFound(err error) bool {
	return errors.Is(err, checkpoints.ErrCheckpointNotFound)
}
