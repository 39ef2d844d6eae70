package drift

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Rule matches field changes by path pattern and optionally by change
// type or observed value. The first matching rule decides a field's
// severity.
type Rule struct {
	// Name identifies the rule in logs and event resolutions.
	Name string `yaml:"name" validate:"required"`

	// Path is a glob over field paths with '.' as the separator, e.g.
	// "tags.*" for direct children or "ingress**" for a whole subtree.
	Path string `yaml:"path" validate:"required"`

	// Change restricts the rule to one change type. Empty matches all.
	Change ChangeType `yaml:"change,omitempty"`

	// ObservedEquals restricts the rule to changes whose observed value
	// equals this one. Nil matches any observed value.
	ObservedEquals any `yaml:"observed_equals,omitempty"`

	// Severity is assigned to matching fields.
	Severity Severity `yaml:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`

	// Action overrides the severity-to-action mapping when set.
	Action Action `yaml:"action,omitempty" validate:"omitempty,oneof=AUTO_HEAL ESCALATE IGNORE"`
}

// Policy is the full classification policy: the ordered rule table plus
// the defaults applied when no rule matches.
type Policy struct {
	Rules []Rule `yaml:"rules" validate:"dive"`

	// DefaultSeverity is assigned to field changes no rule matches.
	DefaultSeverity Severity `yaml:"default_severity,omitempty"`

	// MissingSeverity is assigned when a declared resource is absent.
	MissingSeverity Severity `yaml:"missing_severity,omitempty"`

	// SeverityActions maps severity to the recommended action used when
	// the deciding rule carries no explicit action. Operators tighten or
	// loosen policy here without code changes.
	SeverityActions map[Severity]Action `yaml:"severity_actions,omitempty"`
}

// DefaultPolicy returns the built-in classification policy: world-open
// ingress is critical, tag-only changes are low, everything else medium.
func DefaultPolicy() Policy {
	return Policy{
		Rules: []Rule{
			{
				Name:           "open-ingress",
				Path:           "ingress**",
				ObservedEquals: "0.0.0.0/0",
				Severity:       SeverityCritical,
				Action:         ActionEscalate,
			},
			{
				Name:     "security-rules",
				Path:     "ingress**",
				Severity: SeverityHigh,
			},
			{
				Name:     "tags",
				Path:     "tags**",
				Severity: SeverityLow,
			},
		},
		DefaultSeverity: SeverityMedium,
		MissingSeverity: SeverityHigh,
		SeverityActions: map[Severity]Action{
			SeverityLow:      ActionAutoHeal,
			SeverityMedium:   ActionAutoHeal,
			SeverityHigh:     ActionEscalate,
			SeverityCritical: ActionEscalate,
		},
	}
}

// RuleClassifier is the deterministic rule-table Classifier.
type RuleClassifier struct {
	policy   Policy
	compiled []glob.Glob
}

// NewRuleClassifier compiles the policy's path patterns. Missing defaults
// are filled in from DefaultPolicy.
func NewRuleClassifier(policy Policy) (*RuleClassifier, error) {
	defaults := DefaultPolicy()
	if policy.DefaultSeverity == "" {
		policy.DefaultSeverity = defaults.DefaultSeverity
	}
	if policy.MissingSeverity == "" {
		policy.MissingSeverity = defaults.MissingSeverity
	}
	if policy.SeverityActions == nil {
		policy.SeverityActions = defaults.SeverityActions
	} else {
		for sev, action := range defaults.SeverityActions {
			if _, ok := policy.SeverityActions[sev]; !ok {
				policy.SeverityActions[sev] = action
			}
		}
	}

	compiled := make([]glob.Glob, len(policy.Rules))
	for i, rule := range policy.Rules {
		g, err := glob.Compile(rule.Path, '.')
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid path pattern %q: %w", rule.Name, rule.Path, err)
		}
		compiled[i] = g
	}

	return &RuleClassifier{policy: policy, compiled: compiled}, nil
}

// Classify scores a diff against the rule table. Each field change is
// matched first-rule-wins; the event severity is the worst field severity,
// and the action comes from the deciding rule (or the severity-to-action
// defaults). Deterministic by construction: rule order and the sorted
// field order fully decide the verdict.
func (c *RuleClassifier) Classify(diff *Diff) (Classification, error) {
	if diff.Empty() {
		return Classification{Severity: SeverityLow, Action: ActionIgnore}, nil
	}

	if diff.ResourceMissing {
		sev := c.policy.MissingSeverity
		return Classification{Severity: sev, Action: c.policy.SeverityActions[sev]}, nil
	}

	worst := Classification{Severity: SeverityLow}
	decided := false
	for _, change := range diff.Fields {
		fieldSev := c.policy.DefaultSeverity
		fieldAction := Action("")
		for i, rule := range c.policy.Rules {
			if !c.matches(i, rule, change) {
				continue
			}
			fieldSev = rule.Severity
			fieldAction = rule.Action
			break
		}

		if !decided || fieldSev.rank() > worst.Severity.rank() {
			worst = Classification{Severity: fieldSev, Action: fieldAction}
			decided = true
		}
	}

	if worst.Action == "" {
		worst.Action = c.policy.SeverityActions[worst.Severity]
	}
	return worst, nil
}

func (c *RuleClassifier) matches(i int, rule Rule, change FieldChange) bool {
	if !c.compiled[i].Match(change.Path) {
		return false
	}
	if rule.Change != "" && rule.Change != change.Change {
		return false
	}
	if rule.ObservedEquals != nil && !equalScalar(rule.ObservedEquals, change.Observed) {
		return false
	}
	return true
}
