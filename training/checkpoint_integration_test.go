package training

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-fgp/checkpoints"
)

func TestCheckpointManagerPath(t *testing.T) {
	tests := []struct {
		format checkpoints.CheckpointFormat
		name   string
		want   string
	}{
		{checkpoints.FormatProto, CheckpointFile, "checkpoint.pt"},
		{checkpoints.FormatJSON, CheckpointFile, "checkpoint.json"},
		{checkpoints.FormatJSON, HistoryFile, "history.json"},
		{checkpoints.FormatProto, "plot.png", "plot.png"},
	}
	for _, tt := range tests {
		cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: "run", Format: tt.format})
		if got := cm.Path(tt.name); got != filepath.Join("run", tt.want) {
			t.Errorf("%s %s: expected %s, got %s", tt.format, tt.name, filepath.Join("run", tt.want), got)
		}
	}
}

func TestCheckpointManagerShouldSave(t *testing.T) {
	tests := []struct {
		freq, epoch int
		want        bool
	}{
		{1, 0, true},
		{1, 7, true},
		{3, 3, true},
		{3, 4, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		cm := NewCheckpointManager(CheckpointConfig{SaveFrequency: tt.freq})
		if got := cm.ShouldSave(tt.epoch); got != tt.want {
			t.Errorf("freq %d epoch %d: expected %v, got %v", tt.freq, tt.epoch, tt.want, got)
		}
	}
}

func TestCheckpointRoundTripWithAveragedModel(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatProto, checkpoints.FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			f := newFixture(t, 8, 4)
			opt := f.optimizer(t, "ADAMW", 0.01)
			in := f.firstBatch(t)
			calls := 0
			opt.ZeroGrad()
			if _, _, err := f.pass(in, &calls)(); err != nil {
				t.Fatalf("pass failed: %v", err)
			}
			if err := opt.Step(); err != nil {
				t.Fatalf("Step failed: %v", err)
			}

			avg := NewAveragedModel(f.model)
			if err := avg.Update(f.model); err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if err := avg.Update(f.model); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir(), Format: format, RunID: "abc"})
			state := checkpoints.TrainingState{Epoch: 3, GlobalStep: 12, HasBest: true, BestIndicator: 0.75, EpochsNoImprove: 1}
			if err := cm.SaveCheckpoint(f.model, opt, state, avg); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			g := newFixture(t, 8, 4)
			fillParams(g, 9)
			opt2 := g.optimizer(t, "ADAMW", 0.01)
			avg2 := NewAveragedModel(g.model)
			got, err := cm.LoadCheckpoint(cm.Path(CheckpointFile), g.model, opt2, avg2)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}

			if got != state {
				t.Errorf("Expected training state %+v, got %+v", state, got)
			}
			if !weightsEqual(f.model.StateDict(), g.model.StateDict()) {
				t.Error("Model weights not restored")
			}
			if opt2.GetStepCount() != opt.GetStepCount() {
				t.Errorf("Expected step count %d, got %d", opt.GetStepCount(), opt2.GetStepCount())
			}
			if avg2.NumAveraged() != 2 || !weightsEqual(avg.StateDict(), avg2.StateDict()) {
				t.Errorf("Averaged model not restored, n=%d", avg2.NumAveraged())
			}
		})
	}
}

func TestCheckpointWithoutBestIndicator(t *testing.T) {
	f := newFixture(t, 8, 4)
	opt := f.optimizer(t, "SGD", 0.1)
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir(), Format: checkpoints.FormatJSON})

	state := checkpoints.TrainingState{Epoch: 0, BestIndicator: math.Inf(-1)}
	if err := cm.SaveCheckpoint(f.model, opt, state, nil); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	got, err := cm.LoadCheckpoint(cm.Path(CheckpointFile), f.model, opt, nil)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.HasBest || got.BestIndicator != 0 {
		t.Errorf("Expected no best indicator, got %+v", got)
	}
}

func TestLoadCheckpointRollsBackOnOptimizerMismatch(t *testing.T) {
	f := newFixture(t, 8, 4)
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir()})
	if err := cm.SaveCheckpoint(f.model, f.optimizer(t, "ADAMW", 0.01), checkpoints.TrainingState{Epoch: 1}, nil); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	g := newFixture(t, 8, 4)
	fillParams(g, 5)
	before := g.model.StateDict()
	if _, err := cm.LoadCheckpoint(cm.Path(CheckpointFile), g.model, g.optimizer(t, "SGD", 0.01), nil); err == nil {
		t.Fatal("Expected error when restoring AdamW state into SGD")
	}
	if !weightsEqual(before, g.model.StateDict()) {
		t.Error("Model weights must be rolled back after a failed restore")
	}
}

func TestLoadWeightsIntoMissingFile(t *testing.T) {
	f := newFixture(t, 8, 4)
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: t.TempDir()})
	err := cm.LoadWeightsInto(cm.Path(BestWeightsFile), f.model)
	if !IsNotFound(err) {
		t.Errorf("Expected a not-found error, got %v", err)
	}

	path, err := cm.SaveWeights(FinalWeightsFile, f.model.StateDict())
	if err != nil {
		t.Fatalf("SaveWeights failed: %v", err)
	}
	if err := cm.LoadWeightsInto(path, f.model); err != nil {
		t.Errorf("LoadWeightsInto failed: %v", err)
	}
}
