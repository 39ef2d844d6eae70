package statestore

// Key namespaces. All coordination state lives in one flat keyspace with
// a colon-separated namespace prefix.
const (
	// CircuitKey is the single shared circuit breaker record.
	CircuitKey = "circuit:global"

	// LatestSpecKey points at the most recently pushed spec version.
	LatestSpecKey = "spec:latest"
)

// SpecKey returns the key for a desired-state spec version.
func SpecKey(version string) string { return "spec:" + version }

// ObservedKey returns the key for a resource's observed state.
func ObservedKey(resourceID string) string { return "observed:" + resourceID }

// LockKey returns the key for a reconciliation lock.
func LockKey(key string) string { return "lock:" + key }

// DriftKey returns the key for a resource's drift event.
func DriftKey(resourceID string) string { return "drift:" + resourceID }

// RunKey returns the key for a reconciliation run record.
func RunKey(runID string) string { return "run:" + runID }

// LiveKey returns the key for a locally simulated live resource. Used by
// the local provider only; real environments are queried through their
// own describers.
func LiveKey(resourceID string) string { return "live:" + resourceID }

// Prefixes for List queries.
const (
	ObservedPrefix = "observed:"
	DriftPrefix    = "drift:"
	RunPrefix      = "run:"
	LockPrefix     = "lock:"
	LivePrefix     = "live:"
)
