package engine

import (
	"context"

	"github.com/statekeeper/statekeeper/pkg/spec"
)

// Executor applies declared resources against the target environment.
// Implementations are expected to be idempotent: executing a resource that
// already matches its declaration must succeed without side effects.
type Executor interface {
	// Execute mutates the resource toward its declared properties and
	// returns the properties actually observed after the mutation.
	Execute(ctx context.Context, resource spec.ResourceDeclaration) (*ExecutionResult, error)
}
