package drift

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// LoadPolicy reads a classification policy from a YAML file and validates
// it. Fields left empty fall back to DefaultPolicy values when the policy
// is compiled by NewRuleClassifier.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses and validates YAML policy content.
func ParsePolicy(data []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for i := range policy.Rules {
		if err := validate.Struct(&policy.Rules[i]); err != nil {
			return Policy{}, fmt.Errorf("invalid rule %q: %w", policy.Rules[i].Name, err)
		}
	}

	return policy, nil
}
