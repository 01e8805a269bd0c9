package detect

import (
	"fmt"
	"log"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/sentryd/sentryd/internal/analyzer"
)

// ExprRule is a custom rule expressed as a boolean expr-lang expression
// over a Feature, letting operators extend detection without a rebuild.
// The compiled-program caching and per-rule compile/runtime error
// handling follow the correlation engine's rule table.
type ExprRule struct {
	Name              string
	Condition         string
	DefaultConfidence float64
}

type compiledExprRule struct {
	name       string
	confidence float64
	program    *vm.Program
}

// LoadExprRules compiles each rule's condition and registers it on reg.
// A rule that fails to compile is skipped and logged; it never prevents
// the remaining rules from loading.
func LoadExprRules(reg *Registry, rules []ExprRule) {
	env := map[string]interface{}{"Feature": &analyzer.Feature{}}

	for _, r := range rules {
		program, err := expr.Compile(r.Condition, expr.Env(env), expr.AsBool())
		if err != nil {
			log.Printf("[Detector] failed to compile custom rule %s: %v", r.Name, err)
			continue
		}

		cr := &compiledExprRule{name: r.Name, confidence: r.DefaultConfidence, program: program}
		reg.RegisterCustom(r.Name, r.DefaultConfidence, cr.evaluate)
	}
}

func (cr *compiledExprRule) evaluate(f *analyzer.Feature) (bool, float64, map[string]interface{}, error) {
	output, err := expr.Run(cr.program, map[string]interface{}{"Feature": f})
	if err != nil {
		return false, 0, nil, fmt.Errorf("custom rule %s: %w", cr.name, err)
	}

	matched, ok := output.(bool)
	if !ok {
		return false, 0, nil, fmt.Errorf("custom rule %s: expression did not return a bool", cr.name)
	}
	if !matched {
		return false, 0, nil, nil
	}
	return true, cr.confidence, map[string]interface{}{"custom_rule": cr.name}, nil
}
