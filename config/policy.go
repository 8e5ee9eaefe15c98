package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// ClassPolicy captures the settlement rules for one reward class.
type ClassPolicy struct {
	ContractAddress  string   `yaml:"contract"`
	TokenAddress     string   `yaml:"token"`
	ClaimTTL         Duration `yaml:"claim_ttl"`
	MinScore         int      `yaml:"min_score"`
	BackendExecution bool     `yaml:"backend_execution"`
}

// Policy maps reward classes to their settlement rules.
type Policy struct {
	Classes map[string]ClassPolicy `yaml:"classes"`
}

// DefaultClaimTTL applies when a class omits claim_ttl.
const DefaultClaimTTL = 24 * time.Hour

// LoadPolicy reads the reward class policy from the supplied path. An
// empty path yields an empty policy; lookups then fall back to the
// service-wide defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := &Policy{Classes: map[string]ClassPolicy{}}
	if path == "" {
		return policy, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if policy.Classes == nil {
		policy.Classes = map[string]ClassPolicy{}
	}
	return policy, nil
}

// ForClass resolves the policy for a reward class, filling unset fields
// from the supplied defaults.
func (p *Policy) ForClass(class, defaultContract, defaultToken string) ClassPolicy {
	var cp ClassPolicy
	if p != nil {
		cp = p.Classes[class]
	}
	if cp.ContractAddress == "" {
		cp.ContractAddress = defaultContract
	}
	if cp.TokenAddress == "" {
		cp.TokenAddress = defaultToken
	}
	if cp.ClaimTTL.Duration <= 0 {
		cp.ClaimTTL = Duration{Duration: DefaultClaimTTL}
	}
	return cp
}
