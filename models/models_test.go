package models

import (
	"math"
	"testing"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/tensor"
)

func newTestModel(t *testing.T) *SideClassifier {
	t.Helper()
	layers.SetRandomSeed(3)
	m, err := NewSideClassifier(SideClassifierConfig{SideFeatures: 4, Hidden: 3, StateDim: 2, NumClasses: 3})
	if err != nil {
		t.Fatalf("NewSideClassifier failed: %v", err)
	}
	return m
}

func testInputs(t *testing.T, batch int) (side, key, value *tensor.Tensor) {
	t.Helper()
	enc, err := NewProjectionEncoder(4, 2, 3, 2, 11)
	if err != nil {
		t.Fatalf("NewProjectionEncoder failed: %v", err)
	}
	x := make([]float32, batch*4)
	for i := range x {
		x[i] = float32(i%5) - 2
	}
	side = tensor.MustFromFloat32([]int{batch, 4}, x)
	_, key, value, err = enc.Encode(side, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return side, key, value
}

func TestSideClassifierForwardShape(t *testing.T) {
	m := newTestModel(t)
	side, key, value := testInputs(t, 5)

	logits, err := m.Forward(side, key, value)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.ShapesEqual(logits.Shape, []int{5, 3}) {
		t.Errorf("Expected logits shape [5 3], got %v", logits.Shape)
	}
}

func TestSideClassifierRejectsBatchMismatch(t *testing.T) {
	m := newTestModel(t)
	side, _, _ := testInputs(t, 4)
	_, key, value := testInputs(t, 3)

	if _, err := m.Forward(side, key, value); err == nil {
		t.Error("Expected error for key/value batch mismatch")
	}
}

func TestSideClassifierGradient(t *testing.T) {
	m := newTestModel(t)
	side, key, value := testInputs(t, 4)

	// objective: sum of logits weighted by a fixed pattern
	weights := []float32{1, -1, 0.5, 0.2, 0.3, -0.7, 1, 1, 1, -2, 0, 0.1}
	objective := func() float64 {
		probe := m.Clone()
		restore := tensor.NoGrad()
		defer restore()
		out, err := probe.Forward(side, key, value)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var s float64
		for i, v := range out.Float32Data() {
			s += float64(v * weights[i])
		}
		return s
	}

	if _, err := m.Forward(side, key, value); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := m.Backward(tensor.MustFromFloat32([]int{4, 3}, weights)); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const h = 1e-3
	for _, p := range []*layers.Parameter{m.backbone.Weight, m.prompt.Weight, m.head.Bias} {
		for _, i := range []int{0, len(p.Data) - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			plus := objective()
			p.Data[i] = orig - h
			minus := objective()
			p.Data[i] = orig
			numeric := (plus - minus) / (2 * h)
			if math.Abs(numeric-float64(p.Grad[i])) > 1e-2 {
				t.Errorf("%s[%d]: expected gradient %f, got %f", p.Name, i, numeric, p.Grad[i])
			}
		}
	}
}

func TestParameterGroupsCoverAllParameters(t *testing.T) {
	m := newTestModel(t)
	groups := m.ParameterGroups()
	if len(groups) != 2 || groups[0].Name != GroupBackbone || groups[1].Name != GroupHead {
		t.Fatalf("Expected backbone and head groups, got %+v", groups)
	}

	seen := map[*layers.Parameter]string{}
	for _, g := range groups {
		for _, p := range g.Params {
			if prev, ok := seen[p]; ok {
				t.Errorf("Parameter %s appears in both %s and %s", p.Name, prev, g.Name)
			}
			seen[p] = g.Name
		}
	}
	if len(seen) != len(m.Parameters()) {
		t.Errorf("Expected %d grouped parameters, got %d", len(m.Parameters()), len(seen))
	}
	if seen[m.backbone.Weight] != GroupBackbone {
		t.Errorf("Expected backbone weight in backbone group, got %s", seen[m.backbone.Weight])
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	a := newTestModel(t)
	layers.SetRandomSeed(99)
	b, err := NewSideClassifier(a.Config())
	if err != nil {
		t.Fatalf("NewSideClassifier failed: %v", err)
	}
	a.bn.RunningMean.Data[0] = 0.75

	if err := b.LoadStateDict(a.StateDict()); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	bw := checkpoints.WeightMap(b.StateDict())
	for _, w := range a.StateDict() {
		got := bw[w.Name]
		for i := range w.Data {
			if got.Data[i] != w.Data[i] {
				t.Fatalf("%s[%d]: expected %f, got %f", w.Name, i, w.Data[i], got.Data[i])
			}
		}
	}
	if b.bn.RunningMean.Data[0] != 0.75 {
		t.Errorf("Expected running mean to be loaded, got %f", b.bn.RunningMean.Data[0])
	}
}

func TestLoadStateDictIsAtomic(t *testing.T) {
	m := newTestModel(t)
	before := m.backbone.Weight.Data[0]

	weights := m.StateDict()
	for i := range weights {
		weights[i].Data = make([]float32, len(weights[i].Data))
	}
	// a bad shape on the last entry must reject the whole dict
	last := &weights[len(weights)-1]
	last.Shape = []int{len(last.Data) + 1}

	if err := m.LoadStateDict(weights); err == nil {
		t.Fatal("Expected shape mismatch error")
	}
	if m.backbone.Weight.Data[0] != before {
		t.Errorf("Expected weights untouched after failed load, got %f", m.backbone.Weight.Data[0])
	}
}

func TestLoadStateDictRejectsUnknownKeys(t *testing.T) {
	m := newTestModel(t)
	weights := append(m.StateDict(), checkpoints.WeightTensor{Name: "extra.weight", Shape: []int{1}, Data: []float32{1}})
	if err := m.LoadStateDict(weights); err == nil {
		t.Error("Expected error for unexpected key")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := newTestModel(t)
	m.Eval()
	c := m.Clone()
	if c.IsTraining() {
		t.Error("Expected clone to keep eval mode")
	}

	c.Parameters()[0].Data[0] += 1
	if m.Parameters()[0].Data[0] == c.Parameters()[0].Data[0] {
		t.Error("Expected clone parameters to be independent")
	}
	if c.BatchNorms()[0] == m.BatchNorms()[0] {
		t.Error("Expected clone to own its batch norm")
	}
}

func TestTrainEvalPropagates(t *testing.T) {
	m := newTestModel(t)
	m.Eval()
	if m.bn.IsTraining() || m.head.IsTraining() {
		t.Error("Expected layers in eval mode")
	}
	m.Train()
	if !m.bn.IsTraining() || !m.backbone.IsTraining() {
		t.Error("Expected layers in train mode")
	}
}

func TestProjectionEncoder(t *testing.T) {
	enc, err := NewProjectionEncoder(4, 2, 3, 2, 5)
	if err != nil {
		t.Fatalf("NewProjectionEncoder failed: %v", err)
	}
	x := tensor.MustFromFloat32([]int{2, 4}, []float32{1, 2, 3, 4, -1, 0, 1, 0})

	_, k1, v1, err := enc.Encode(x, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !tensor.ShapesEqual(k1.Shape, []int{2, 2, 3, 2}) || !tensor.ShapesEqual(v1.Shape, []int{2, 2, 3, 2}) {
		t.Errorf("Expected states of shape [2 2 3 2], got %v and %v", k1.Shape, v1.Shape)
	}

	again, _ := NewProjectionEncoder(4, 2, 3, 2, 5)
	_, k2, _, err := again.Encode(x, false)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	for i, v := range k1.Float32Data() {
		if k2.Float32Data()[i] != v {
			t.Fatalf("Expected deterministic key states, index %d differs", i)
		}
	}
}

func TestProjectionEncoderInterpolation(t *testing.T) {
	enc, err := NewProjectionEncoder(4, 1, 2, 2, 5)
	if err != nil {
		t.Fatalf("NewProjectionEncoder failed: %v", err)
	}
	x := tensor.MustFromFloat32([]int{1, 7}, make([]float32, 7))

	if _, _, _, err := enc.Encode(x, false); err == nil {
		t.Error("Expected error for mismatched features without interpolation")
	}
	if _, k, _, err := enc.Encode(x, true); err != nil {
		t.Errorf("Expected interpolated encode to succeed, got %v", err)
	} else if !tensor.ShapesEqual(k.Shape, []int{1, 1, 2, 2}) {
		t.Errorf("Expected key shape [1 1 2 2], got %v", k.Shape)
	}
}

func TestResample(t *testing.T) {
	out := resample([]float32{0, 10}, 1, 2, 3)
	expected := []float32{0, 5, 10}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Index %d: expected %f, got %f", i, expected[i], out[i])
		}
	}
}
