// Package spec defines the desired-state document consumed by the
// reconciliation core. Specs are produced by an external intent layer,
// versioned by content hash, and never mutated after load.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ResourceDeclaration describes one resource the operator wants to exist.
type ResourceDeclaration struct {
	// ID is the unique identifier of the resource within the spec.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Type is the resource type, e.g. "network", "compute", "loadbalancer".
	Type string `yaml:"type" json:"type" validate:"required"`

	// Phase names the deployment phase this resource belongs to.
	Phase string `yaml:"phase" json:"phase" validate:"required"`

	// Properties is the declared configuration, compared field by field
	// against live state during drift scans.
	Properties map[string]interface{} `yaml:"properties" json:"properties"`

	// DependsOn lists resource IDs that must converge before this one.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// PhaseDeclaration adds explicit ordering between phases beyond what the
// resource-level dependencies imply.
type PhaseDeclaration struct {
	// ID is the phase name.
	ID string `yaml:"id" json:"id" validate:"required"`

	// DependsOn lists phase IDs that must complete first.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// DesiredStateSpec is an immutable snapshot of what should exist.
type DesiredStateSpec struct {
	// Version identifies this snapshot. Defaults to a prefix of the
	// content hash when the document does not name one.
	Version string `yaml:"version,omitempty" json:"version"`

	// Resources are all declared resources.
	Resources []ResourceDeclaration `yaml:"resources" json:"resources" validate:"required,min=1,dive"`

	// Phases optionally declares explicit phase ordering.
	Phases []PhaseDeclaration `yaml:"phases,omitempty" json:"phases,omitempty" validate:"dive"`

	// ContentHash is the SHA-256 over the canonical resource set,
	// computed at load time.
	ContentHash string `yaml:"-" json:"content_hash"`
}

// Phase is one unit of the execution DAG: a named group of resources plus
// the phases it depends on. Built once per spec and immutable for the
// lifetime of a reconciliation run.
type Phase struct {
	// ID is the phase name.
	ID string `json:"id"`

	// DependsOn lists phase IDs that must complete before this phase.
	DependsOn []string `json:"depends_on,omitempty"`

	// Resources are the declarations belonging to this phase, in
	// declaration order.
	Resources []ResourceDeclaration `json:"resources"`
}

// Resource returns the declaration with the given ID, or nil.
func (s *DesiredStateSpec) Resource(id string) *ResourceDeclaration {
	for i := range s.Resources {
		if s.Resources[i].ID == id {
			return &s.Resources[i]
		}
	}
	return nil
}

// computeContentHash hashes the canonical JSON form of the resource set.
// Resources are sorted by ID so declaration order does not change the hash.
func computeContentHash(resources []ResourceDeclaration) (string, error) {
	sorted := make([]ResourceDeclaration, len(resources))
	copy(sorted, resources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	data, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashProperties returns the SHA-256 of a property map's canonical JSON
// form. Used for cheap convergence checks between desired and observed
// state.
func HashProperties(properties map[string]interface{}) string {
	data, err := json.Marshal(canonicalize(properties))
	if err != nil {
		// Property maps come from YAML/JSON decoding and always remarshal.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize rewrites nested maps into a form with deterministic key
// order under encoding/json (which already sorts map keys) and normalizes
// YAML's map[interface{}]interface{} shape if it ever appears.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = canonicalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return v
	}
}
