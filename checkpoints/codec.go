package checkpoints

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Binary layout, protobuf wire format:
//
//	Checkpoint     { 1: TrainingState, 2: repeated WeightTensor, 3: OptimizerState, 4: Metadata, 15: kind }
//	Weights        { 2: repeated WeightTensor, 15: kind }
//	TrainingState  { 1: epoch, 2: global_step, 3: best_indicator (fixed64), 4: has_best, 5: epochs_no_improve }
//	WeightTensor   { 1: name, 2: packed shape, 3: packed fixed32 data, 4: layer, 5: type }
//	OptimizerState { 1: type, 2: google.protobuf.Struct parameters, 3: repeated OptimizerTensor, 4: repeated GroupState, 5: step_count }
//	OptimizerTensor{ 1: name, 2: packed shape, 3: packed fixed32 data, 4: state_type }
//	GroupState     { 1: name, 2: lr (fixed64), 3: initial_lr (fixed64) }
//	Metadata       { 1: version, 2: framework, 3: created_at unix nanos (zigzag), 4: run_id, 5: description, 6: repeated tags }
const (
	kindCheckpoint = "fgp.checkpoint.v1"
	kindWeights    = "fgp.weights.v1"

	fieldKind protowire.Number = 15
)

// MarshalCheckpoint encodes a checkpoint in the binary format. Output is deterministic.
func MarshalCheckpoint(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(c.TrainingState))
	for _, w := range c.Weights {
		b = AppendWeightTensor(b, 2, w)
	}
	if c.OptimizerState != nil {
		os, err := MarshalOptimizerState(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, os)
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, kindCheckpoint)
	return b, nil
}

// UnmarshalCheckpoint decodes a checkpoint written by MarshalCheckpoint
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var kind string
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			ts, err := unmarshalTrainingState(v)
			if err != nil {
				return 0, fmt.Errorf("training state: %w", err)
			}
			c.TrainingState = ts
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			w, err := UnmarshalWeightTensor(v)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			os, err := UnmarshalOptimizerState(v)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = os
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			md, err := unmarshalMetadata(v)
			if err != nil {
				return 0, fmt.Errorf("metadata: %w", err)
			}
			c.Metadata = md
			return n, nil
		case num == fieldKind && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			kind = v
			return n, nil
		}
		return -1, errSkip
	})
	if err != nil {
		return nil, err
	}
	if kind != kindCheckpoint {
		return nil, fmt.Errorf("not a checkpoint file (kind %q)", kind)
	}
	return c, nil
}

// MarshalWeights encodes a model-only state dictionary
func MarshalWeights(weights []WeightTensor) []byte {
	var b []byte
	for _, w := range weights {
		b = AppendWeightTensor(b, 2, w)
	}
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, kindWeights)
	return b
}

// UnmarshalWeights decodes a state dictionary written by MarshalWeights
func UnmarshalWeights(data []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	var kind string
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			w, err := UnmarshalWeightTensor(v)
			if err != nil {
				return 0, err
			}
			weights = append(weights, w)
			return n, nil
		case num == fieldKind && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			kind = v
			return n, nil
		}
		return -1, errSkip
	})
	if err != nil {
		return nil, err
	}
	if kind != kindWeights {
		return nil, fmt.Errorf("not a weights file (kind %q)", kind)
	}
	return weights, nil
}

// AppendWeightTensor appends w as an embedded message under field num
func AppendWeightTensor(b []byte, num protowire.Number, w WeightTensor) []byte {
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.BytesType)
	m = protowire.AppendString(m, w.Name)
	m = appendShape(m, 2, w.Shape)
	m = appendFloats(m, 3, w.Data)
	if w.Layer != "" {
		m = protowire.AppendTag(m, 4, protowire.BytesType)
		m = protowire.AppendString(m, w.Layer)
	}
	if w.Type != "" {
		m = protowire.AppendTag(m, 5, protowire.BytesType)
		m = protowire.AppendString(m, w.Type)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// UnmarshalWeightTensor decodes one embedded WeightTensor message
func UnmarshalWeightTensor(data []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			w.Name = v
			return n, nil
		case num == 2:
			return consumeShape(&w.Shape, typ, b)
		case num == 3 && typ == protowire.BytesType:
			return consumeFloats(&w.Data, b)
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			w.Layer = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			w.Type = v
			return n, nil
		}
		return -1, errSkip
	})
	if err != nil {
		return WeightTensor{}, fmt.Errorf("weight tensor: %w", err)
	}
	if got, want := len(w.Data), numElements(w.Shape); got != want {
		return WeightTensor{}, fmt.Errorf("weight tensor %s: data length %d does not match shape %v", w.Name, got, w.Shape)
	}
	return w, nil
}

// MarshalOptimizerState encodes optimizer state. Hyperparameters are stored as a
// google.protobuf.Struct marshaled deterministically, so equal states encode to equal bytes.
func MarshalOptimizerState(s *OptimizerState) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.Type)

	if len(s.Parameters) > 0 {
		st, err := structpb.NewStruct(s.Parameters)
		if err != nil {
			return nil, fmt.Errorf("optimizer parameters: %w", err)
		}
		pb, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("optimizer parameters: %w", err)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}

	for _, t := range s.StateData {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, t.Name)
		m = appendShape(m, 2, t.Shape)
		m = appendFloats(m, 3, t.Data)
		m = protowire.AppendTag(m, 4, protowire.BytesType)
		m = protowire.AppendString(m, t.StateType)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, g := range s.Groups {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, g.Name)
		m = protowire.AppendTag(m, 2, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(g.LR))
		m = protowire.AppendTag(m, 3, protowire.Fixed64Type)
		m = protowire.AppendFixed64(m, math.Float64bits(g.InitialLR))
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.StepCount))
	return b, nil
}

// UnmarshalOptimizerState decodes optimizer state written by MarshalOptimizerState
func UnmarshalOptimizerState(data []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]interface{}{}}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Type = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var st structpb.Struct
			if err := proto.Unmarshal(v, &st); err != nil {
				return 0, fmt.Errorf("parameters: %w", err)
			}
			s.Parameters = st.AsMap()
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			t, err := unmarshalOptimizerTensor(v)
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, t)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			g, err := unmarshalGroupState(v)
			if err != nil {
				return 0, err
			}
			s.Groups = append(s.Groups, g)
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.StepCount = int64(v)
			return n, nil
		}
		return -1, errSkip
	})
	if err != nil {
		return nil, fmt.Errorf("optimizer state: %w", err)
	}
	return s, nil
}

func unmarshalOptimizerTensor(data []byte) (OptimizerTensor, error) {
	var t OptimizerTensor
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			t.Name = v
			return n, nil
		case num == 2:
			return consumeShape(&t.Shape, typ, b)
		case num == 3 && typ == protowire.BytesType:
			return consumeFloats(&t.Data, b)
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			t.StateType = v
			return n, nil
		}
		return -1, errSkip
	})
	if err != nil {
		return OptimizerTensor{}, fmt.Errorf("state tensor: %w", err)
	}
	if got, want := len(t.Data), numElements(t.Shape); got != want {
		return OptimizerTensor{}, fmt.Errorf("state tensor %s: data length %d does not match shape %v", t.Name, got, t.Shape)
	}
	return t, nil
}

func unmarshalGroupState(data []byte) (GroupState, error) {
	var g GroupState
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			g.Name = v
			return n, nil
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			g.LR = math.Float64frombits(v)
			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			g.InitialLR = math.Float64frombits(v)
			return n, nil
		}
		return -1, errSkip
	})
	if err != nil {
		return GroupState{}, fmt.Errorf("group state: %w", err)
	}
	return g, nil
}

func marshalTrainingState(ts TrainingState) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(ts.Epoch)))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ts.GlobalStep))
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(ts.BestIndicator))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(ts.HasBest))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ts.EpochsNoImprove))
	return b
}

func unmarshalTrainingState(data []byte) (TrainingState, error) {
	var ts TrainingState
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ts.Epoch = int(protowire.DecodeZigZag(v))
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ts.GlobalStep = int(v)
			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			ts.BestIndicator = math.Float64frombits(v)
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ts.HasBest = protowire.DecodeBool(v)
			return n, nil
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			ts.EpochsNoImprove = int(v)
			return n, nil
		}
		return -1, errSkip
	})
	return ts, err
}

func marshalMetadata(md CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, md.RunID)
	b = appendString(b, 5, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(data []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 3 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v))
			return n, nil
		}
		if typ != protowire.BytesType {
			return -1, errSkip
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			md.Version = v
		case 2:
			md.Framework = v
		case 4:
			md.RunID = v
		case 5:
			md.Description = v
		case 6:
			md.Tags = append(md.Tags, v)
		default:
			return -1, errSkip
		}
		return n, nil
	})
	return md, err
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendShape(b []byte, num protowire.Number, shape []int) []byte {
	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendFloats(b []byte, num protowire.Number, data []float32) []byte {
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// consumeShape accepts both packed and unpacked encodings
func consumeShape(dst *[]int, typ protowire.Type, b []byte) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int(v))
		}
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		shape := []int{}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return 0, fmt.Errorf("shape: %w", protowire.ParseError(m))
			}
			shape = append(shape, int(v))
			packed = packed[m:]
		}
		*dst = append(*dst, shape...)
		return n, nil
	}
	return -1, errSkip
}

func consumeFloats(dst *[]float32, b []byte) (int, error) {
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	if len(packed)%4 != 0 {
		return 0, fmt.Errorf("float data length %d is not a multiple of 4", len(packed))
	}
	data := make([]float32, 0, len(packed)/4)
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return 0, fmt.Errorf("float data: %w", protowire.ParseError(m))
		}
		data = append(data, math.Float32frombits(v))
		packed = packed[m:]
	}
	*dst = append(*dst, data...)
	return n, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
