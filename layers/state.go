package layers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-sapcn/sapcn/tensor"
)

// StateDict maps parameter names to tensors.
type StateDict map[string]*tensor.Tensor

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetStateDict copies the parameters of m into a new StateDict.
func GetStateDict(m Module) StateDict {
	sd := make(StateDict)
	for _, p := range m.Parameters() {
		sd[p.Name] = p.Tensor.Clone()
	}
	return sd
}

// LoadReport lists what a state load did. Missing keys are parameters of the
// module the state did not provide; unexpected keys are state entries with no
// matching parameter.
type LoadReport struct {
	Loaded     []string
	Missing    []string
	Unexpected []string
}

// Clean reports whether every key matched.
func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

func (r LoadReport) String() string {
	return fmt.Sprintf("loaded %d tensors, missing keys: [%s], unexpected keys: [%s]",
		len(r.Loaded), strings.Join(r.Missing, ", "), strings.Join(r.Unexpected, ", "))
}

// LoadStateDict copies matching entries of sd into m's parameters. With strict
// set, any missing or unexpected key is an error. A shape mismatch is always an
// error and leaves m untouched.
func LoadStateDict(m Module, sd StateDict, strict bool) (LoadReport, error) {
	var report LoadReport
	params := m.Parameters()
	known := make(map[string]bool, len(params))

	for _, p := range params {
		known[p.Name] = true
		src, ok := sd[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			continue
		}
		if !tensor.SameShape(src, p.Tensor) {
			return report, fmt.Errorf("size mismatch for %s: checkpoint has %v, module has %v",
				p.Name, src.Shape, p.Tensor.Shape)
		}
		report.Loaded = append(report.Loaded, p.Name)
	}
	for _, k := range sd.Keys() {
		if !known[k] {
			report.Unexpected = append(report.Unexpected, k)
		}
	}
	if strict && !report.Clean() {
		return report, fmt.Errorf("error loading state dict: %s", report)
	}

	for _, p := range params {
		if src, ok := sd[p.Name]; ok {
			copy(p.Tensor.Data, src.Data)
		}
	}
	return report, nil
}

// Freeze stops every parameter of m from receiving gradients.
func Freeze(m Module) {
	for _, p := range m.Parameters() {
		p.Tensor.SetRequiresGrad(false)
		p.Tensor.ZeroGrad()
	}
}

// Trainable returns the parameters of m that still require gradients.
func Trainable(m Module) []Parameter {
	var params []Parameter
	for _, p := range m.Parameters() {
		if p.Tensor.RequiresGrad() {
			params = append(params, p)
		}
	}
	return params
}

// CountParameters returns the number of scalar parameters of m.
func CountParameters(m Module) int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Tensor.NumElems
	}
	return n
}
