// Package training drives the two training stages and the evaluation pass.
package training

import (
	"io"
	"log"
	"math/rand"
	"os"

	"github.com/google/uuid"

	"github.com/go-sapcn/sapcn/config"
	"github.com/go-sapcn/sapcn/device"
)

// Session holds what a run shares across orchestrator calls: the device,
// the random source, where tables and progress go, and the run id stamped on
// every checkpoint. Create one at process start and pass it down.
type Session struct {
	Device device.Device
	Rand   *rand.Rand
	Out    io.Writer // metrics tables
	// Progress receives progress bars; nil disables them.
	Progress io.Writer
	Logger   *log.Logger
	RunID    string
}

// NewSession resolves the configured device and seeds the random source.
func NewSession(cfg *config.Config) *Session {
	return &Session{
		Device:   device.Detect(cfg.Const.Device, 0),
		Rand:     rand.New(rand.NewSource(cfg.Const.Seed)),
		Out:      os.Stdout,
		Progress: os.Stderr,
		Logger:   log.New(os.Stderr, "", log.LstdFlags),
		RunID:    uuid.New().String(),
	}
}

// Workers is the fan-out bound for host kernels.
func (s *Session) Workers() int {
	if s.Device.Workers <= 0 {
		return 1
	}
	return s.Device.Workers
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func (s *Session) out() io.Writer {
	if s.Out == nil {
		return io.Discard
	}
	return s.Out
}
