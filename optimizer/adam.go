package optimizer

import (
	"fmt"
	"math"

	"github.com/go-sapcn/sapcn/checkpoints"
	"github.com/go-sapcn/sapcn/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam is a host-memory Adam optimizer over a fixed parameter list.
type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32

	params   []layers.Parameter
	momentum [][]float32
	variance [][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdam creates an optimizer over params. Frozen parameters may be passed
// but never receive a gradient, so they are never updated.
func NewAdam(config AdamConfig, params []layers.Parameter) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got (%g, %g)", config.Beta1, config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}

	adam := &Adam{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		params:       params,
		momentum:     make([][]float32, len(params)),
		variance:     make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.momentum[i] = make([]float32, p.Tensor.NumElems)
		adam.variance[i] = make([]float32, p.Tensor.NumElems)
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *Adam) Step() error {
	adam.StepCount++

	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(float64(adam.Beta1), t)
	bias2 := 1 - math.Pow(float64(adam.Beta2), t)
	stepSize := float64(adam.LearningRate) / bias1
	sqrtBias2 := math.Sqrt(bias2)

	b1, b2 := adam.Beta1, adam.Beta2
	for i, p := range adam.params {
		grad := p.Tensor.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.Tensor.NumElems {
			return fmt.Errorf("gradient of %s has %d values, parameter has %d", p.Name, grad.NumElems, p.Tensor.NumElems)
		}

		w, m, v := p.Tensor.Data, adam.momentum[i], adam.variance[i]
		for j, g := range grad.Data {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * w[j]
			}
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g

			denom := math.Sqrt(float64(v[j]))/sqrtBias2 + float64(adam.Epsilon)
			w[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad() {
	for _, p := range adam.params {
		if g := p.Tensor.Grad(); g != nil {
			for i := range g.Data {
				g.Data[i] = 0
			}
		}
	}
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *Adam) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *Adam) GetLearningRate() float32 { return adam.LearningRate }

// GetStepCount returns the current step count
func (adam *Adam) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState copies the hyperparameters and both moment buffers of every
// parameter, keyed by parameter name.
func (adam *Adam) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": float64(adam.LearningRate),
			"beta1":         float64(adam.Beta1),
			"beta2":         float64(adam.Beta2),
			"epsilon":       float64(adam.Epsilon),
			"weight_decay":  float64(adam.WeightDecay),
			"step_count":    float64(adam.StepCount),
		},
	}
	for i, p := range adam.params {
		shape := append([]int(nil), p.Tensor.Shape...)
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      "exp_avg." + p.Name,
				Shape:     shape,
				Data:      append([]float32(nil), adam.momentum[i]...),
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      "exp_avg_sq." + p.Name,
				Shape:     shape,
				Data:      append([]float32(nil), adam.variance[i]...),
				StateType: "variance",
			})
	}
	return state, nil
}

// LoadState restores a state produced by GetState for the same parameter
// list. Nothing changes if the state does not fit.
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	byName := make(map[string][]float32, len(state.StateData))
	for _, st := range state.StateData {
		byName[st.Name] = st.Data
	}
	momentum := make([][]float32, len(adam.params))
	variance := make([][]float32, len(adam.params))
	for i, p := range adam.params {
		m, okM := byName["exp_avg."+p.Name]
		v, okV := byName["exp_avg_sq."+p.Name]
		if !okM || !okV {
			return fmt.Errorf("optimizer state has no moments for %s", p.Name)
		}
		if len(m) != p.Tensor.NumElems || len(v) != p.Tensor.NumElems {
			return fmt.Errorf("optimizer state for %s has %d/%d values, parameter has %d",
				p.Name, len(m), len(v), p.Tensor.NumElems)
		}
		momentum[i] = append([]float32(nil), m...)
		variance[i] = append([]float32(nil), v...)
	}
	if len(state.StateData) != 2*len(adam.params) {
		return fmt.Errorf("optimizer state has %d tensors, expected %d", len(state.StateData), 2*len(adam.params))
	}

	adam.momentum, adam.variance = momentum, variance
	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

