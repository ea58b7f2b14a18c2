package pipeline

import (
	"fmt"
	"regexp"

	"github.com/itchyny/gojq"
)

var predStepRefRe = regexp.MustCompile(`\.steps\.([A-Za-z_][A-Za-z0-9_]*)`)

// EvalPredicate runs a jq expression against the variable map. The first
// emitted value must be a boolean; anything else is a permanent step error.
// Predicates that touch an unbound steps.X path fail the same way unresolved
// templates do: loudly, not as false.
func EvalPredicate(predicate string, vars map[string]any) (bool, error) {
	q, err := gojq.Parse(predicate)
	if err != nil {
		return false, fmt.Errorf("parse predicate %q: %w", predicate, err)
	}

	// jq turns a missing key into null; a reference to a step that never
	// bound (skipped, or not yet run) must instead fail like an unresolved
	// template does.
	steps, _ := vars["steps"].(map[string]any)
	for _, m := range predStepRefRe.FindAllStringSubmatch(predicate, -1) {
		if _, bound := steps[m[1]]; !bound {
			return false, &UnresolvedError{Expr: "steps." + m[1]}
		}
	}

	iter := q.Run(map[string]any(vars))
	v, ok := iter.Next()
	if !ok {
		return false, fmt.Errorf("predicate %q produced no value", predicate)
	}
	if err, isErr := v.(error); isErr {
		return false, fmt.Errorf("evaluate predicate %q: %w", predicate, err)
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("predicate %q produced %T, want boolean", predicate, v)
	}
	return b, nil
}
