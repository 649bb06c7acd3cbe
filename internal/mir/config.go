// Tool configuration for lifetime completion runs, loaded from YAML. The
// config picks boundary policies without rebuilding the tool: a default
// policy plus per-function overrides.

package mir

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config controls a completion run over a module.
type Config struct {
	// DefaultPolicy applies to every function without an override. Empty
	// means the per-value default (lexical values get availability).
	DefaultPolicy string `yaml:"default_policy"`

	// NoDominance disables dominance computation; mixed-availability merges
	// are then reported unenclosed instead of resolved.
	NoDominance bool `yaml:"no_dominance"`

	// Functions maps function names to policy overrides.
	Functions map[string]string `yaml:"functions"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := ParsePolicy(cfg.DefaultPolicy); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	for fn, p := range cfg.Functions {
		if _, err := ParsePolicy(p); err != nil {
			return nil, fmt.Errorf("config %s: function %s: %w", path, fn, err)
		}
	}
	return &cfg, nil
}

// ParsePolicy parses a policy name. The empty string is the default policy.
func ParsePolicy(s string) (BoundaryPolicy, error) {
	switch s {
	case "", "default":
		return BoundaryDefault, nil
	case "liveness":
		return BoundaryLiveness, nil
	case "availability":
		return BoundaryAvailability, nil
	case "availability_with_leaks":
		return BoundaryAvailabilityWithLeaks, nil
	default:
		return BoundaryDefault, fmt.Errorf("unknown boundary policy %q", s)
	}
}

// PolicyFor returns the policy for a function, honoring overrides.
func (c *Config) PolicyFor(fn string) BoundaryPolicy {
	if c == nil {
		return BoundaryDefault
	}
	if s, ok := c.Functions[fn]; ok {
		p, _ := ParsePolicy(s)
		return p
	}
	p, _ := ParsePolicy(c.DefaultPolicy)
	return p
}
