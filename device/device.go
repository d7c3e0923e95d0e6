// Package device decides where tensors live and how many host threads the
// numeric kernels may use.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/go-sapcn/sapcn/tensor"
)

// Device describes the compute target resolved for a run.
type Device struct {
	Type      tensor.DeviceType
	Name      string
	Features  []string
	Workers   int
	Requested string
	// Fallback is set when an accelerator was requested but the run uses the host.
	Fallback bool
}

func (d Device) String() string {
	s := fmt.Sprintf("%s (%s, %d workers)", d.Type, d.Name, d.Workers)
	if d.Fallback {
		s += fmt.Sprintf(", requested %q unavailable", d.Requested)
	}
	return s
}

// Detect resolves the requested device ("auto", "cpu", "gpu", "cuda").
// There is no accelerator backend, so every request lands on the host;
// asking for one explicitly only marks the fallback.
func Detect(requested string, maxWorkers int) Device {
	req := strings.ToLower(strings.TrimSpace(requested))
	if req == "" {
		req = "auto"
	}

	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if maxWorkers > 0 && maxWorkers < workers {
		workers = maxWorkers
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}

	var features []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}

	return Device{
		Type:      tensor.CPU,
		Name:      name,
		Features:  features,
		Workers:   workers,
		Requested: req,
		Fallback:  req == "gpu" || req == "cuda",
	}
}
