package checkpoints

import (
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Binary checkpoints are protobuf messages written with protowire. The
// schema, in proto3 terms:
//
//	message Checkpoint {
//	  int64 epoch_index = 1;
//	  double best_metrics = 2;
//	  int64 steps = 3;
//	  repeated Tensor model = 4;
//	  OptimizerState optimizer = 5;
//	  SchedulerState lr_scheduler = 6;
//	  Metadata metadata = 7;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated float data = 3; string state_type = 4; }
//	message Param { string key = 1; double value = 2; }
//	message OptimizerState { string type = 1; repeated Param parameters = 2; repeated Tensor state_data = 3; }
//	message SchedulerState { string type = 1; sint64 last_epoch = 2; double base_lr = 3; int64 step_size = 4; double gamma = 5; double last_lr = 6; }
//	message Metadata { string version = 1; string framework = 2; string run_id = 3; int64 created_at_unix_nano = 4; string description = 5; repeated string tags = 6; }
const (
	fieldEpochIndex  protowire.Number = 1
	fieldBestMetrics protowire.Number = 2
	fieldSteps       protowire.Number = 3
	fieldModel       protowire.Number = 4
	fieldOptimizer   protowire.Number = 5
	fieldScheduler   protowire.Number = 6
	fieldMetadata    protowire.Number = 7
)

const (
	tensorName      protowire.Number = 1
	tensorShape     protowire.Number = 2
	tensorData      protowire.Number = 3
	tensorStateType protowire.Number = 4
)

const (
	paramKey   protowire.Number = 1
	paramValue protowire.Number = 2
)

const (
	optimizerType   protowire.Number = 1
	optimizerParams protowire.Number = 2
	optimizerState  protowire.Number = 3
)

const (
	schedulerType      protowire.Number = 1
	schedulerLastEpoch protowire.Number = 2
	schedulerBaseLR    protowire.Number = 3
	schedulerStepSize  protowire.Number = 4
	schedulerGamma     protowire.Number = 5
	schedulerLastLR    protowire.Number = 6
)

const (
	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaRunID       protowire.Number = 3
	metaCreatedAt   protowire.Number = 4
	metaDescription protowire.Number = 5
	metaTags        protowire.Number = 6
)

func marshalCheckpoint(c *Checkpoint) []byte {
	var b []byte
	b = appendVarint(b, fieldEpochIndex, uint64(c.EpochIndex))
	b = appendDouble(b, fieldBestMetrics, float64(c.BestMetrics))
	b = appendVarint(b, fieldSteps, uint64(c.Steps))
	for _, w := range c.Model {
		b = appendMessage(b, fieldModel, marshalTensor(w.Name, w.Shape, w.Data, ""))
	}
	if c.Optimizer != nil {
		b = appendMessage(b, fieldOptimizer, marshalOptimizer(c.Optimizer))
	}
	if c.LRScheduler != nil {
		b = appendMessage(b, fieldScheduler, marshalScheduler(c.LRScheduler))
	}
	return appendMessage(b, fieldMetadata, marshalMetadata(&c.Metadata))
}

func marshalTensor(name string, shape []int, data []float32, stateType string) []byte {
	var b []byte
	b = appendString(b, tensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	packed = make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	if stateType != "" {
		b = appendString(b, tensorStateType, stateType)
	}
	return b
}

func marshalOptimizer(s *OptimizerState) []byte {
	var b []byte
	b = appendString(b, optimizerType, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var p []byte
		p = appendString(p, paramKey, k)
		p = appendDouble(p, paramValue, s.Parameters[k])
		b = appendMessage(b, optimizerParams, p)
	}
	for _, t := range s.StateData {
		b = appendMessage(b, optimizerState, marshalTensor(t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func marshalScheduler(s *SchedulerState) []byte {
	var b []byte
	b = appendString(b, schedulerType, s.Type)
	b = appendVarint(b, schedulerLastEpoch, protowire.EncodeZigZag(int64(s.LastEpoch)))
	b = appendDouble(b, schedulerBaseLR, s.BaseLR)
	b = appendVarint(b, schedulerStepSize, uint64(s.StepSize))
	b = appendDouble(b, schedulerGamma, s.Gamma)
	return appendDouble(b, schedulerLastLR, s.LastLR)
}

func marshalMetadata(m *CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	b = appendString(b, metaRunID, m.RunID)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, metaCreatedAt, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// field is one decoded tag/value pair. Only the member matching typ is set.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	u64   uint64
	bytes []byte
}

// walk calls fn for every field of a message.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "field %d", num)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return errors.Errorf("field %d: wire type %d, expected %d", f.num, f.typ, typ)
	}
	return nil
}

func unmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldEpochIndex:
			c.EpochIndex = int(f.u64)
			return expect(f, protowire.VarintType)
		case fieldBestMetrics:
			c.BestMetrics = Score(math.Float64frombits(f.u64))
			return expect(f, protowire.Fixed64Type)
		case fieldSteps:
			c.Steps = int(f.u64)
			return expect(f, protowire.VarintType)
		case fieldModel:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			c.Model = append(c.Model, WeightTensor{Name: t.Name, Shape: t.Shape, Data: t.Data})
		case fieldOptimizer:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			s, err := unmarshalOptimizer(f.bytes)
			if err != nil {
				return err
			}
			c.Optimizer = s
		case fieldScheduler:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			s, err := unmarshalScheduler(f.bytes)
			if err != nil {
				return err
			}
			c.LRScheduler = s
		case fieldMetadata:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			return unmarshalMetadata(f.bytes, &c.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshalTensor(b []byte) (OptimizerTensor, error) {
	var t OptimizerTensor
	err := walk(b, func(f field) error {
		switch f.num {
		case tensorName:
			t.Name = string(f.bytes)
			return expect(f, protowire.BytesType)
		case tensorShape:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			for p := f.bytes; len(p) > 0; {
				v, n := protowire.ConsumeVarint(p)
				if n < 0 {
					return errors.Wrap(protowire.ParseError(n), "tensor shape")
				}
				t.Shape = append(t.Shape, int(v))
				p = p[n:]
			}
		case tensorData:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			if len(f.bytes)%4 != 0 {
				return errors.Errorf("tensor %s: data length %d is not a multiple of 4", t.Name, len(f.bytes))
			}
			t.Data = make([]float32, 0, len(f.bytes)/4)
			for p := f.bytes; len(p) > 0; {
				v, n := protowire.ConsumeFixed32(p)
				if n < 0 {
					return errors.Wrap(protowire.ParseError(n), "tensor data")
				}
				t.Data = append(t.Data, math.Float32frombits(v))
				p = p[n:]
			}
		case tensorStateType:
			t.StateType = string(f.bytes)
			return expect(f, protowire.BytesType)
		}
		return nil
	})
	return t, err
}

func unmarshalOptimizer(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := walk(b, func(f field) error {
		if f.num != optimizerType && f.num != optimizerParams && f.num != optimizerState {
			return nil
		}
		if err := expect(f, protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case optimizerType:
			s.Type = string(f.bytes)
		case optimizerParams:
			var key string
			var value float64
			err := walk(f.bytes, func(p field) error {
				switch p.num {
				case paramKey:
					key = string(p.bytes)
				case paramValue:
					value = math.Float64frombits(p.u64)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Parameters[key] = value
		case optimizerState:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, t)
		}
		return nil
	})
	return s, err
}

func unmarshalScheduler(b []byte) (*SchedulerState, error) {
	s := &SchedulerState{}
	err := walk(b, func(f field) error {
		switch f.num {
		case schedulerType:
			s.Type = string(f.bytes)
		case schedulerLastEpoch:
			s.LastEpoch = int(protowire.DecodeZigZag(f.u64))
		case schedulerBaseLR:
			s.BaseLR = math.Float64frombits(f.u64)
		case schedulerStepSize:
			s.StepSize = int(f.u64)
		case schedulerGamma:
			s.Gamma = math.Float64frombits(f.u64)
		case schedulerLastLR:
			s.LastLR = math.Float64frombits(f.u64)
		}
		return nil
	})
	return s, err
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walk(b, func(f field) error {
		switch f.num {
		case metaVersion:
			m.Version = string(f.bytes)
		case metaFramework:
			m.Framework = string(f.bytes)
		case metaRunID:
			m.RunID = string(f.bytes)
		case metaCreatedAt:
			m.CreatedAt = time.Unix(0, int64(f.u64)).UTC()
		case metaDescription:
			m.Description = string(f.bytes)
		case metaTags:
			m.Tags = append(m.Tags, string(f.bytes))
		}
		return nil
	})
}
