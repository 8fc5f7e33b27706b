package preload

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-fgp/models"
	"github.com/tsawler/go-fgp/tensor"
	"github.com/tsawler/go-fgp/training"
)

func states(offset float32) *tensor.Tensor {
	data := make([]float32, 2*3*4)
	for i := range data {
		data[i] = offset + float32(i)
	}
	return tensor.MustFromFloat32([]int{2, 3, 4}, data)
}

func openStore(t *testing.T, root string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(root, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func sameData(a, b *tensor.Tensor) bool {
	if !tensor.ShapesEqual(a.Shape, b.Shape) {
		return false
	}
	ad, bd := a.Float32Data(), b.Float32Data()
	for i := range ad {
		if ad[i] != bd[i] {
			return false
		}
	}
	return true
}

func TestStorePutGet(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root)

	if err := s.Put("train", 3, states(0), states(100)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Has("train", 3) || s.Has("train", 4) {
		t.Error("Has does not reflect the stored records")
	}
	if _, err := os.Stat(filepath.Join(root, "train", "3"+RecordExt)); err != nil {
		t.Errorf("Expected record file on disk: %v", err)
	}

	key, value, err := s.Get("train", 3)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !sameData(key, states(0)) || !sameData(value, states(100)) {
		t.Error("Stored states do not round trip")
	}
	if st := s.Stats(); st.Hits != 1 || st.Misses != 0 {
		t.Errorf("Expected one cache hit, got %+v", st)
	}

	_, _, err = s.Get("train", 9)
	if !errors.Is(err, ErrNotPreloaded) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected ErrNotPreloaded, got %v", err)
	}
}

func TestStoreReadsThroughAfterReopen(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root)
	for i := 0; i < 3; i++ {
		if err := s.Put("val", i, states(float32(i)), states(float32(-i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// without Flush the next store starts cold and reads the files
	cold := openStore(t, root)
	if _, _, err := cold.Get("val", 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, _, err := cold.Get("val", 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st := cold.Stats(); st.Misses != 1 || st.Hits != 1 {
		t.Errorf("Expected a miss then a hit, got %+v", st)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	warm := openStore(t, root)
	if _, _, err := warm.Get("val", 2); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if st := warm.Stats(); st.Hits != 1 {
		t.Errorf("Expected the persisted cache to serve the read, got %+v", st)
	}

	n, err := warm.Count("val")
	if err != nil || n != 3 {
		t.Errorf("Expected 3 records, got %d (%v)", n, err)
	}
	if n, _ := warm.Count("test"); n != 0 {
		t.Errorf("Expected an empty split, got %d", n)
	}
}

func TestStoreValidation(t *testing.T) {
	s := openStore(t, t.TempDir())
	tests := []struct {
		name  string
		split string
		index int
		key   *tensor.Tensor
	}{
		{"empty split", "", 0, states(0)},
		{"path split", "../x", 0, states(0)},
		{"negative index", "train", -1, states(0)},
		{"wrong rank", "train", 0, tensor.MustFromFloat32([]int{2, 12}, make([]float32, 24))},
		{"nil key", "train", 0, nil},
	}
	for _, tt := range tests {
		if err := s.Put(tt.split, tt.index, tt.key, states(0)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := Open(""); err == nil {
		t.Error("Expected error for an empty root")
	}
}

func TestStoreRejectsCorruptRecord(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root)
	if err := os.MkdirAll(filepath.Join(root, "train"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "train", "0"+RecordExt), []byte{0xff, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get("train", 0); err == nil {
		t.Error("Expected error for a corrupt record")
	}
}

func TestBuildAndDataset(t *testing.T) {
	raw, err := training.NewSyntheticDataset(10, 6, 4, 3, 1)
	if err != nil {
		t.Fatalf("NewSyntheticDataset failed: %v", err)
	}
	enc, err := models.NewProjectionEncoder(6, 2, 3, 2, 11)
	if err != nil {
		t.Fatalf("NewProjectionEncoder failed: %v", err)
	}
	s := openStore(t, t.TempDir(), WithBuildBatchSize(4), WithLogger(discardLogger()))

	if _, err := NewDataset(raw, s, "train"); err == nil {
		t.Error("Expected error for a split that was never built")
	}

	n, err := s.Build(context.Background(), enc, raw, "train")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if n != 10 {
		t.Errorf("Expected 10 encoded samples, got %d", n)
	}
	if n, _ := s.Build(context.Background(), enc, raw, "train"); n != 0 {
		t.Errorf("Expected a complete split to be skipped, got %d encoded", n)
	}
	if !tensor.IsGradEnabled() {
		t.Error("Expected gradient tracking restored after Build")
	}

	ds, err := NewDataset(raw, s, "train")
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}
	sample, err := ds.Get(7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !sample.Preloaded() || sample.Input != nil {
		t.Error("Expected a preloaded sample without raw input")
	}

	// the stored states must equal encoding the sample on its own
	rawSample, _ := raw.Get(7)
	x, _ := rawSample.Input.Reshape([]int{1, 6})
	_, key, _, err := enc.Encode(x, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want, _ := key.Reshape([]int{2, 3, 2})
	if !sameData(sample.Key, want) {
		t.Error("Preloaded key states differ from direct encoding")
	}
	if sample.Label != rawSample.Label {
		t.Errorf("Expected label %v, got %v", rawSample.Label, sample.Label)
	}
	if got := ds.Targets(); len(got) != 10 || got[7] != int(rawSample.Label) {
		t.Errorf("Unexpected targets %v", got)
	}
}

func TestBuildCanceled(t *testing.T) {
	raw, _ := training.NewSyntheticDataset(4, 6, 4, 3, 1)
	enc, _ := models.NewProjectionEncoder(6, 2, 3, 2, 11)
	s := openStore(t, t.TempDir(), WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Build(ctx, enc, raw, "train"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPreloadedBatchesMatchEncoder(t *testing.T) {
	raw, _ := training.NewSyntheticDataset(8, 6, 4, 3, 2)
	enc, _ := models.NewProjectionEncoder(6, 2, 3, 2, 11)
	s := openStore(t, t.TempDir(), WithLogger(discardLogger()))
	if _, err := s.Build(context.Background(), enc, raw, "val"); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	ds, err := NewDataset(raw, s, "val")
	if err != nil {
		t.Fatalf("NewDataset failed: %v", err)
	}

	cfg := training.DataLoaderConfig{BatchSize: 4}
	preLoader, _ := training.NewDataLoader(ds, cfg)
	rawLoader, _ := training.NewDataLoader(raw, cfg)
	preRes := &training.BatchResolver{Preloaded: true, Device: tensor.CPU, TargetType: tensor.Int32}
	rawRes := &training.BatchResolver{Encoder: enc, Device: tensor.CPU, TargetType: tensor.Int32}

	pit := preLoader.Iterator(context.Background())
	defer pit.Close()
	rit := rawLoader.Iterator(context.Background())
	defer rit.Close()
	for {
		pb, err := pit.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		rb, _ := rit.Next()
		if pb == nil || rb == nil {
			if pb != rb {
				t.Fatal("Loaders yielded different batch counts")
			}
			break
		}
		pin, err := preRes.Resolve(pb)
		if err != nil {
			t.Fatalf("Resolve preloaded failed: %v", err)
		}
		rin, err := rawRes.Resolve(rb)
		if err != nil {
			t.Fatalf("Resolve raw failed: %v", err)
		}
		if !tensor.ShapesEqual(pin.Key.Shape, []int{2, 4, 3, 2}) {
			t.Errorf("Expected [layers, batch, seq, dim] keys, got %v", pin.Key.Shape)
		}
		if !sameData(pin.Key, rin.Key) || !sameData(pin.Value, rin.Value) {
			t.Error("Preloaded states differ from the encoder output")
		}
	}
}
