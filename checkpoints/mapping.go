package checkpoints

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-sapcn/sapcn/layers"
)

// Rule rewrites a key that starts with From by replacing that prefix with To.
type Rule struct {
	From string
	To   string
}

// KeyMapping renames checkpoint keys before they are loaded into a module.
// The longest matching From wins. Keys no rule matches are dropped when
// DropUnmatched is set and passed through unchanged otherwise.
type KeyMapping struct {
	Rules         []Rule
	DropUnmatched bool
}

// Validate rejects empty and duplicate prefixes.
func (km KeyMapping) Validate() error {
	if len(km.Rules) == 0 {
		return errors.New("key mapping has no rules")
	}
	seen := make(map[string]bool, len(km.Rules))
	for _, r := range km.Rules {
		if r.From == "" {
			return errors.New("key mapping rule with empty prefix")
		}
		if seen[r.From] {
			return errors.Errorf("key mapping prefix %q listed twice", r.From)
		}
		seen[r.From] = true
	}
	return nil
}

func (km KeyMapping) match(key string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range km.Rules {
		if strings.HasPrefix(key, r.From) && (!found || len(r.From) > len(best.From)) {
			best, found = r, true
		}
	}
	return best, found
}

// Apply returns the renamed state dict and the sorted keys that were dropped.
// Two source keys mapping to the same target is an error.
func (km KeyMapping) Apply(sd layers.StateDict) (layers.StateDict, []string, error) {
	if err := km.Validate(); err != nil {
		return nil, nil, err
	}
	out := make(layers.StateDict, len(sd))
	from := make(map[string]string, len(sd))
	var dropped []string

	for _, key := range sd.Keys() {
		target := key
		if r, ok := km.match(key); ok {
			target = r.To + strings.TrimPrefix(key, r.From)
		} else if km.DropUnmatched {
			dropped = append(dropped, key)
			continue
		}
		if target == "" {
			return nil, nil, errors.Errorf("key %q maps to an empty name", key)
		}
		if prev, dup := from[target]; dup {
			return nil, nil, errors.Errorf("keys %q and %q both map to %q", prev, key, target)
		}
		from[target] = key
		out[target] = sd[key]
	}
	sort.Strings(dropped)
	return out, dropped, nil
}

// StripPrefix maps keys under prefix to the same key without it and drops
// everything else.
func StripPrefix(prefix string) KeyMapping {
	return KeyMapping{Rules: []Rule{{From: prefix}}, DropUnmatched: true}
}

var (
	// EncoderKeys selects the encoder of a saved model.
	EncoderKeys = StripPrefix(ReplicaPrefix + "encoder.")
	// DecoderKeys selects the decoder of a saved model.
	DecoderKeys = StripPrefix(ReplicaPrefix + "decoder.")
	// ModelKeys selects a whole saved model.
	ModelKeys = StripPrefix(ReplicaPrefix)
)

// LoadModule renames the checkpoint's model tensors with km and loads them
// into m. Relaxed loads report mismatches instead of failing.
func (c *Checkpoint) LoadModule(m layers.Module, km KeyMapping, strict bool) (layers.LoadReport, error) {
	sd, err := c.StateDict()
	if err != nil {
		return layers.LoadReport{}, err
	}
	mapped, _, err := km.Apply(sd)
	if err != nil {
		return layers.LoadReport{}, err
	}
	report, err := layers.LoadStateDict(m, mapped, strict)
	if err != nil {
		return report, errors.Wrap(err, "failed to load model state")
	}
	return report, nil
}
