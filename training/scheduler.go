package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Step advances the schedule by one tick; LR is the rate the optimizer should
// use until the next tick.
type LRScheduler interface {
	Step()
	LR() float64
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	BaseLR   float64
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay

	lastEpoch int
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(baseLR float64, stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 20
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.7
	}
	return &StepLRScheduler{
		BaseLR:   baseLR,
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) Step() { s.lastEpoch++ }

func (s *StepLRScheduler) LR() float64 {
	times := s.lastEpoch / s.StepSize
	return s.BaseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) LastEpoch() int { return s.lastEpoch }

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// State captures the scheduler for a checkpoint.
func (s *StepLRScheduler) State() *checkpoints.SchedulerState {
	return &checkpoints.SchedulerState{
		Type:      s.GetName(),
		LastEpoch: s.lastEpoch,
		BaseLR:    s.BaseLR,
		StepSize:  s.StepSize,
		Gamma:     s.Gamma,
		LastLR:    s.LR(),
	}
}

// LoadState restores a scheduler saved by State.
func (s *StepLRScheduler) LoadState(state *checkpoints.SchedulerState) error {
	if state == nil {
		return errors.New("checkpoint has no lr_scheduler state")
	}
	if state.Type != s.GetName() {
		return errors.Errorf("scheduler type mismatch: expected %s, got %s", s.GetName(), state.Type)
	}
	if state.StepSize <= 0 || state.LastEpoch < 0 {
		return errors.Errorf("invalid %s state: step size %d, last epoch %d", state.Type, state.StepSize, state.LastEpoch)
	}
	s.lastEpoch = state.LastEpoch
	s.BaseLR = state.BaseLR
	s.StepSize = state.StepSize
	s.Gamma = state.Gamma
	return nil
}

// GradualWarmupScheduler ramps the learning rate linearly from zero to the
// base rate over TotalSteps ticks, then hands every further tick to After.
type GradualWarmupScheduler struct {
	TotalSteps int
	After      *StepLRScheduler

	lastStep int
	finished bool
}

// NewGradualWarmupScheduler wraps after with a warmup of totalSteps ticks.
func NewGradualWarmupScheduler(totalSteps int, after *StepLRScheduler) *GradualWarmupScheduler {
	return &GradualWarmupScheduler{
		TotalSteps: totalSteps,
		After:      after,
		finished:   totalSteps <= 0,
	}
}

func (s *GradualWarmupScheduler) Step() {
	if s.finished {
		s.After.Step()
		return
	}
	s.lastStep++
	if s.lastStep > s.TotalSteps {
		s.finished = true
	}
}

func (s *GradualWarmupScheduler) LR() float64 {
	if s.finished {
		return s.After.LR()
	}
	return s.After.LR() * float64(s.lastStep) / float64(s.TotalSteps)
}

// Finished reports whether the warmup is over.
func (s *GradualWarmupScheduler) Finished() bool { return s.finished }

func (s *GradualWarmupScheduler) GetName() string {
	return "GradualWarmup"
}
