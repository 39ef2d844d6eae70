package drift

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

// regoQuery is the document a classification module must populate.
const regoQuery = "data.statekeeper.drift.classification"

// RegoClassifier evaluates an OPA Rego module as the classification
// policy, for operators whose rules outgrow the path-glob table. The
// module receives the diff as input and must define
// data.statekeeper.drift.classification as an object with "severity" and
// "action" fields:
//
//	package statekeeper.drift
//
//	classification := {"severity": "CRITICAL", "action": "ESCALATE"} if {
//		some change in input.fields
//		change.path == "ingress[0].cidr"
//		change.observed == "0.0.0.0/0"
//	}
type RegoClassifier struct {
	query rego.PreparedEvalQuery

	// fallback handles diffs the module stays silent on.
	fallback Classifier
}

// NewRegoClassifier compiles a Rego module. Diffs the module does not
// classify fall through to the fallback classifier; pass nil to use the
// default rule table.
func NewRegoClassifier(ctx context.Context, module string, fallback Classifier) (*RegoClassifier, error) {
	if fallback == nil {
		var err error
		fallback, err = NewRuleClassifier(DefaultPolicy())
		if err != nil {
			return nil, err
		}
	}

	query, err := rego.New(
		rego.Module("classification.rego", module),
		rego.Query(regoQuery),
		rego.SetRegoVersion(ast.RegoV1),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile classification module: %w", err)
	}

	return &RegoClassifier{query: query, fallback: fallback}, nil
}

// NewRegoClassifierFromFile compiles a Rego module from disk.
func NewRegoClassifierFromFile(ctx context.Context, path string, fallback Classifier) (*RegoClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classification module %s: %w", path, err)
	}
	return NewRegoClassifier(ctx, string(data), fallback)
}

// Classify implements Classifier. Evaluation is deterministic: the module
// is data-free and sees only the diff.
func (c *RegoClassifier) Classify(diff *Diff) (Classification, error) {
	if diff.Empty() {
		return Classification{Severity: SeverityLow, Action: ActionIgnore}, nil
	}

	results, err := c.query.Eval(context.Background(), rego.EvalInput(diff))
	if err != nil {
		return Classification{}, fmt.Errorf("classification module evaluation failed: %w", err)
	}

	verdict, ok := extractVerdict(results)
	if !ok {
		return c.fallback.Classify(diff)
	}

	cls := Classification{
		Severity: Severity(verdict["severity"]),
		Action:   Action(verdict["action"]),
	}
	if cls.Severity.rank() < 0 {
		return Classification{}, fmt.Errorf("classification module returned unknown severity %q", verdict["severity"])
	}
	switch cls.Action {
	case ActionAutoHeal, ActionEscalate, ActionIgnore:
	default:
		return Classification{}, fmt.Errorf("classification module returned unknown action %q", verdict["action"])
	}
	return cls, nil
}

func extractVerdict(results rego.ResultSet) (map[string]string, bool) {
	for _, result := range results {
		for _, expr := range result.Expressions {
			obj, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			verdict := make(map[string]string, 2)
			if s, ok := obj["severity"].(string); ok {
				verdict["severity"] = s
			}
			if a, ok := obj["action"].(string); ok {
				verdict["action"] = a
			}
			if len(verdict) == 2 {
				return verdict, true
			}
		}
	}
	return nil, false
}
