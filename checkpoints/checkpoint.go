package checkpoints

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/layers"
	"github.com/go-sapcn/sapcn/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

const (
	// FormatVersion is written into every checkpoint's metadata.
	FormatVersion = "1.0.0"
	// Framework names the writer in checkpoint metadata.
	Framework = "go-sapcn"
	// ReplicaPrefix leads every parameter name of a saved model.
	ReplicaPrefix = "module."
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

// Ext is the file extension, with its dot, for checkpoints in this format.
func (cf CheckpointFormat) Ext() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".pb"
}

// ParseFormat maps a format name or file extension to a format.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "pb", "proto", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is everything needed to resume a training run.
type Checkpoint struct {
	EpochIndex  int             `json:"epoch_index"`
	BestMetrics Score           `json:"best_metrics"`
	Steps       int             `json:"steps"`
	Model       []WeightTensor  `json:"model"`
	Optimizer   *OptimizerState `json:"optimizer,omitempty"`
	LRScheduler *SchedulerState `json:"lr_scheduler,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer hyperparameters and its per-parameter
// moment tensors.
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// SchedulerState is the state of a step-decay learning rate schedule.
type SchedulerState struct {
	Type      string  `json:"type"`
	LastEpoch int     `json:"last_epoch"`
	BaseLR    float64 `json:"base_lr"`
	StepSize  int     `json:"step_size"`
	Gamma     float64 `json:"gamma"`
	LastLR    float64 `json:"last_lr"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Score is a metric value that survives JSON even when infinite, which is
// what the best metric is before the first evaluation.
type Score float64

func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	}
	return json.Marshal(f)
}

func (s *Score) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		switch name {
		case "Infinity":
			*s = Score(math.Inf(1))
		case "-Infinity":
			*s = Score(math.Inf(-1))
		case "NaN":
			*s = Score(math.NaN())
		default:
			return errors.Errorf("invalid score %q", name)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.Wrap(err, "invalid score")
	}
	*s = Score(f)
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes checkpoint to path, filling in missing metadata.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = FormatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load reads a checkpoint, choosing the format from the file extension.
func Load(path string) (*Checkpoint, error) {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return file.Close()
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	if err := checkpoint.validate(); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return &checkpoint, nil
}

func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	if err := os.WriteFile(path, marshalCheckpoint(checkpoint), 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	checkpoint, err := unmarshalCheckpoint(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	if err := checkpoint.validate(); err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	return checkpoint, nil
}

func (c *Checkpoint) validate() error {
	if c.Metadata.Version == "" {
		return errors.New("missing format version, not a checkpoint")
	}
	for _, w := range c.Model {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		if n != len(w.Data) {
			return errors.Errorf("tensor %s: shape %v does not hold %d values", w.Name, w.Shape, len(w.Data))
		}
	}
	return nil
}

// FromStateDict converts a state dict into weight tensors, sorted by name,
// with prefix prepended to every name.
func FromStateDict(sd layers.StateDict, prefix string) []WeightTensor {
	weights := make([]WeightTensor, 0, len(sd))
	for _, name := range sd.Keys() {
		t := sd[name]
		weights = append(weights, WeightTensor{
			Name:  prefix + name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float32(nil), t.Data...),
		})
	}
	return weights
}

// StateDict rebuilds the model tensors of the checkpoint.
func (c *Checkpoint) StateDict() (layers.StateDict, error) {
	sd := make(layers.StateDict, len(c.Model))
	for _, w := range c.Model {
		t, err := tensor.NewTensor(w.Shape, w.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %s", w.Name)
		}
		if _, dup := sd[w.Name]; dup {
			return nil, errors.Errorf("duplicate tensor %s", w.Name)
		}
		sd[w.Name] = t
	}
	return sd, nil
}
