package auth

import (
	"context"
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// Policy is the on-disk form of a PolicyAuthority.
//
//	allow_unknown: false
//	default:
//	  - net.reactivated.fprint.device.verify
//	identities:
//	  root: ["*"]
//	  alice: ["net.reactivated.fprint.device.*"]
type Policy struct {
	// AllowUnknown allows every action not explicitly granted.
	AllowUnknown bool `yaml:"allow_unknown"`

	// Default lists action patterns granted to every identity.
	Default []string `yaml:"default"`

	// Identities lists additional action patterns per identity.
	Identities map[string][]string `yaml:"identities"`
}

// PolicyAuthority answers checks from a static Policy. Patterns use
// path.Match syntax, so "net.reactivated.fprint.device.*" covers every
// device action.
type PolicyAuthority struct {
	policy Policy
}

func NewPolicyAuthority(policy Policy) *PolicyAuthority {
	return &PolicyAuthority{policy: policy}
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(filename string) (*PolicyAuthority, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", filename, err)
	}

	for _, patterns := range append([][]string{policy.Default}, mapValues(policy.Identities)...) {
		for _, pattern := range patterns {
			if _, err := path.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("invalid action pattern %q: %w", pattern, err)
			}
		}
	}

	return NewPolicyAuthority(policy), nil
}

func (a *PolicyAuthority) Check(ctx context.Context, action, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if a.policy.AllowUnknown {
		return true, nil
	}
	if matchAny(a.policy.Default, action) {
		return true, nil
	}
	return matchAny(a.policy.Identities[identity], action), nil
}

func matchAny(patterns []string, action string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, action); ok {
			return true
		}
	}
	return false
}

func mapValues(m map[string][]string) [][]string {
	values := make([][]string, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	return values
}
