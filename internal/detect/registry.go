package detect

import "github.com/sentryd/sentryd/internal/analyzer"

// EvalFunc is the signature every rule, built-in or custom, implements:
// it reports whether the rule fired, an optional confidence override (0
// means "use the rule's default"), optional context for the alert, and
// an error if evaluation could not complete.
type EvalFunc func(f *analyzer.Feature) (fired bool, confidence float64, context map[string]interface{}, err error)

// Rule is one entry in the Detector's table-driven rule set, grounded on
// the correlation engine's compiled-rule table: a name, a default
// confidence, and an evaluator.
type Rule struct {
	Name              string
	Type              HitType
	DefaultConfidence float64
	Evaluate          EvalFunc
}

// Registry holds the ordered set of active rules. Order is preserved so
// that hits are reported in registration order (built-ins first, custom
// rules after).
type Registry struct {
	rules []Rule
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterBuiltin adds one of the Detector's fixed rules under the given
// hit type (HitSignature for the counter-based rules, HitAnomaly for the
// baseline scorer).
func (r *Registry) RegisterBuiltin(name string, hitType HitType, defaultConfidence float64, fn EvalFunc) {
	r.rules = append(r.rules, Rule{Name: name, Type: hitType, DefaultConfidence: defaultConfidence, Evaluate: fn})
}

// RegisterCustom adds a rule loaded from outside the built-in set (e.g.
// an expr-lang expression) without disturbing previously registered
// rules.
func (r *Registry) RegisterCustom(name string, defaultConfidence float64, fn EvalFunc) {
	r.rules = append(r.rules, Rule{Name: name, Type: HitSignature, DefaultConfidence: defaultConfidence, Evaluate: fn})
}

// Rules returns the registry's rules in registration order.
func (r *Registry) Rules() []Rule {
	return r.rules
}

// AnomalyScorer optionally augments the built-in signature rules with a
// statistical baseline check. Score returns a value below zero to
// indicate anomalous behavior (more negative = more anomalous); the
// Detector only acts on scores below -0.5.
type AnomalyScorer interface {
	Score(f *analyzer.Feature) (float64, error)
}
