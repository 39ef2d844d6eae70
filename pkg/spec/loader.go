package spec

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader parses and validates desired-state documents.
type Loader struct {
	validate *validator.Validate
}

// NewLoader creates a spec loader.
func NewLoader() *Loader {
	return &Loader{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LoadFile reads, parses, and validates a YAML spec document.
func (l *Loader) LoadFile(path string) (*DesiredStateSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}
	return l.Load(data)
}

// Load parses and validates a YAML spec document from raw bytes.
func (l *Loader) Load(data []byte) (*DesiredStateSpec, error) {
	var s DesiredStateSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse spec document: %w", err)
	}

	if err := l.validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("spec validation failed: %w", err)
	}

	if err := validateReferences(&s); err != nil {
		return nil, err
	}

	hash, err := computeContentHash(s.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to hash spec: %w", err)
	}
	s.ContentHash = hash
	if s.Version == "" {
		s.Version = hash[:12]
	}

	return &s, nil
}

// validateReferences rejects duplicate IDs and dangling depends_on
// references before the spec reaches the DAG builder.
func validateReferences(s *DesiredStateSpec) error {
	resourceIDs := make(map[string]bool, len(s.Resources))
	phaseIDs := make(map[string]bool)

	for i := range s.Resources {
		res := &s.Resources[i]
		if resourceIDs[res.ID] {
			return fmt.Errorf("duplicate resource id: %s", res.ID)
		}
		resourceIDs[res.ID] = true
		phaseIDs[res.Phase] = true
	}

	declaredPhases := make(map[string]bool, len(s.Phases))
	for i := range s.Phases {
		ph := &s.Phases[i]
		if declaredPhases[ph.ID] {
			return fmt.Errorf("duplicate phase declaration: %s", ph.ID)
		}
		declaredPhases[ph.ID] = true
		phaseIDs[ph.ID] = true
	}

	var problems []string
	for i := range s.Resources {
		res := &s.Resources[i]
		for _, dep := range res.DependsOn {
			if !resourceIDs[dep] {
				problems = append(problems, fmt.Sprintf("resource %s depends on unknown resource %s", res.ID, dep))
			}
		}
	}
	for i := range s.Phases {
		ph := &s.Phases[i]
		for _, dep := range ph.DependsOn {
			if !phaseIDs[dep] {
				problems = append(problems, fmt.Sprintf("phase %s depends on unknown phase %s", ph.ID, dep))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("spec has dangling references: %s", strings.Join(problems, "; "))
	}
	return nil
}
