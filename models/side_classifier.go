package models

import (
	"fmt"

	"github.com/tsawler/go-fgp/checkpoints"
	"github.com/tsawler/go-fgp/layers"
	"github.com/tsawler/go-fgp/tensor"
)

// SideClassifierConfig describes the reference classifier dimensions
type SideClassifierConfig struct {
	SideFeatures int // features of the side input
	Hidden       int // width of the backbone and prompt projections
	StateDim     int // last dimension of the key/value states
	NumClasses   int
}

// SideClassifier fuses a side-input backbone with pooled key/value prompts:
//
//	h = relu(backbone(side))
//	p = prompt([mean(key), mean(value)])
//	logits = head(relu(bn([h, p])))
//
// The backbone layer forms the backbone parameter group, everything else the head group.
type SideClassifier struct {
	cfg SideClassifierConfig

	backbone *layers.Linear
	act1     *layers.ReLU
	prompt   *layers.Linear
	bn       *layers.BatchNorm1D
	act2     *layers.ReLU
	head     *layers.Linear

	training bool
}

// NewSideClassifier creates a classifier with freshly initialized weights
func NewSideClassifier(cfg SideClassifierConfig) (*SideClassifier, error) {
	if cfg.SideFeatures <= 0 || cfg.Hidden <= 0 || cfg.StateDim <= 0 || cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("invalid classifier config: %+v", cfg)
	}
	return &SideClassifier{
		cfg:      cfg,
		backbone: layers.NewLinear("backbone", cfg.SideFeatures, cfg.Hidden, true),
		act1:     layers.NewReLU(),
		prompt:   layers.NewLinear("prompt", 2*cfg.StateDim, cfg.Hidden, true),
		bn:       layers.NewBatchNorm1D("fusion_bn", 2*cfg.Hidden),
		act2:     layers.NewReLU(),
		head:     layers.NewLinear("head", 2*cfg.Hidden, cfg.NumClasses, true),
		training: true,
	}, nil
}

// Config returns the classifier dimensions
func (m *SideClassifier) Config() SideClassifierConfig {
	return m.cfg
}

func (m *SideClassifier) Forward(side, key, value *tensor.Tensor) (*tensor.Tensor, error) {
	if len(side.Shape) != 2 {
		return nil, fmt.Errorf("side input must be [batch, features], got %v", side.Shape)
	}
	batch := side.Shape[0]

	kPool, err := m.poolStates(key, batch, "key")
	if err != nil {
		return nil, err
	}
	vPool, err := m.poolStates(value, batch, "value")
	if err != nil {
		return nil, err
	}

	h, err := m.backbone.Forward(side)
	if err != nil {
		return nil, err
	}
	h, err = m.act1.Forward(h)
	if err != nil {
		return nil, err
	}

	d := m.cfg.StateDim
	kv := make([]float32, batch*2*d)
	for b := 0; b < batch; b++ {
		copy(kv[b*2*d:], kPool[b*d:(b+1)*d])
		copy(kv[b*2*d+d:], vPool[b*d:(b+1)*d])
	}
	kvt, err := tensor.FromFloat32([]int{batch, 2 * d}, kv)
	if err != nil {
		return nil, err
	}
	p, err := m.prompt.Forward(kvt)
	if err != nil {
		return nil, err
	}

	hid := m.cfg.Hidden
	fused := make([]float32, batch*2*hid)
	hd, pd := h.Float32Data(), p.Float32Data()
	for b := 0; b < batch; b++ {
		copy(fused[b*2*hid:], hd[b*hid:(b+1)*hid])
		copy(fused[b*2*hid+hid:], pd[b*hid:(b+1)*hid])
	}
	z, err := tensor.FromFloat32([]int{batch, 2 * hid}, fused)
	if err != nil {
		return nil, err
	}

	z, err = m.bn.Forward(z)
	if err != nil {
		return nil, err
	}
	z, err = m.act2.Forward(z)
	if err != nil {
		return nil, err
	}
	return m.head.Forward(z)
}

// poolStates averages [layers, batch, seq, dim] states over layers and seq
func (m *SideClassifier) poolStates(states *tensor.Tensor, batch int, what string) ([]float32, error) {
	if len(states.Shape) != 4 {
		return nil, fmt.Errorf("%s states must be [layers, batch, seq, dim], got %v", what, states.Shape)
	}
	nl, nb, ns, nd := states.Shape[0], states.Shape[1], states.Shape[2], states.Shape[3]
	if nb != batch {
		return nil, fmt.Errorf("%s states batch %d does not match side input batch %d", what, nb, batch)
	}
	if nd != m.cfg.StateDim {
		return nil, fmt.Errorf("%s states dim %d does not match configured %d", what, nd, m.cfg.StateDim)
	}
	data := states.Float32Data()
	if data == nil {
		return nil, fmt.Errorf("%s states must be Float32, got %s", what, states.DType)
	}

	out := make([]float32, batch*nd)
	scale := 1.0 / float32(nl*ns)
	for l := 0; l < nl; l++ {
		for b := 0; b < nb; b++ {
			for s := 0; s < ns; s++ {
				row := data[((l*nb+b)*ns+s)*nd : ((l*nb+b)*ns+s+1)*nd]
				acc := out[b*nd : (b+1)*nd]
				for j, v := range row {
					acc[j] += v * scale
				}
			}
		}
	}
	return out, nil
}

func (m *SideClassifier) Backward(gradLogits *tensor.Tensor) error {
	g, err := m.head.Backward(gradLogits)
	if err != nil {
		return err
	}
	if g, err = m.act2.Backward(g); err != nil {
		return err
	}
	if g, err = m.bn.Backward(g); err != nil {
		return err
	}

	batch, hid := g.Shape[0], m.cfg.Hidden
	gd := g.Float32Data()
	gh := make([]float32, batch*hid)
	gp := make([]float32, batch*hid)
	for b := 0; b < batch; b++ {
		copy(gh[b*hid:(b+1)*hid], gd[b*2*hid:b*2*hid+hid])
		copy(gp[b*hid:(b+1)*hid], gd[b*2*hid+hid:(b+1)*2*hid])
	}

	// key/value states come from the frozen encoder, their gradient is dropped
	if _, err := m.prompt.Backward(tensor.MustFromFloat32([]int{batch, hid}, gp)); err != nil {
		return err
	}
	gt, err := m.act1.Backward(tensor.MustFromFloat32([]int{batch, hid}, gh))
	if err != nil {
		return err
	}
	_, err = m.backbone.Backward(gt)
	return err
}

func (m *SideClassifier) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, g := range m.ParameterGroups() {
		params = append(params, g.Params...)
	}
	return params
}

func (m *SideClassifier) ParameterGroups() []ParameterGroup {
	var head []*layers.Parameter
	head = append(head, m.prompt.Parameters()...)
	head = append(head, m.bn.Parameters()...)
	head = append(head, m.head.Parameters()...)
	return []ParameterGroup{
		{Name: GroupBackbone, Params: m.backbone.Parameters()},
		{Name: GroupHead, Params: head},
	}
}

func (m *SideClassifier) StateDict() []checkpoints.WeightTensor {
	var weights []checkpoints.WeightTensor
	for _, p := range m.Parameters() {
		weights = append(weights, weightFromParameter(p))
	}
	for _, b := range m.bn.Buffers() {
		weights = append(weights, weightFromBuffer(b))
	}
	return weights
}

func (m *SideClassifier) LoadStateDict(weights []checkpoints.WeightTensor) error {
	var targets []stateTarget
	for _, p := range m.Parameters() {
		targets = append(targets, stateTarget{name: p.Name, shape: p.Shape, data: p.Data})
	}
	for _, b := range m.bn.Buffers() {
		targets = append(targets, stateTarget{name: b.Name, shape: b.Shape, data: b.Data})
	}
	return loadState(targets, weights)
}

func (m *SideClassifier) Clone() Classifier {
	return &SideClassifier{
		cfg:      m.cfg,
		backbone: m.backbone.Clone(),
		act1:     m.cloneReLU(m.act1),
		prompt:   m.prompt.Clone(),
		bn:       m.bn.Clone(),
		act2:     m.cloneReLU(m.act2),
		head:     m.head.Clone(),
		training: m.training,
	}
}

func (m *SideClassifier) cloneReLU(r *layers.ReLU) *layers.ReLU {
	c := layers.NewReLU()
	if !r.IsTraining() {
		c.Eval()
	}
	return c
}

func (m *SideClassifier) BatchNorms() []*layers.BatchNorm1D {
	return []*layers.BatchNorm1D{m.bn}
}

func (m *SideClassifier) modules() []layers.Module {
	return []layers.Module{m.backbone, m.act1, m.prompt, m.bn, m.act2, m.head}
}

func (m *SideClassifier) Train() {
	m.training = true
	for _, mod := range m.modules() {
		mod.Train()
	}
}

func (m *SideClassifier) Eval() {
	m.training = false
	for _, mod := range m.modules() {
		mod.Eval()
	}
}

func (m *SideClassifier) IsTraining() bool {
	return m.training
}
