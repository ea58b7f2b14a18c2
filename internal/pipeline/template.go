// Package pipeline runs a task's step list: template rendering, predicate
// evaluation, schema checks, tool invocation and per-step retry.
package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UnresolvedError reports a ${...} expression with no binding in the
// variable map. Always a permanent step error.
type UnresolvedError struct {
	Expr string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved template: ${%s}", e.Expr)
}

var (
	templateRe  = regexp.MustCompile(`\$\{([^}]*)\}`)
	nowOffsetRe = regexp.MustCompile(`^now\s*\+\s*(\d+)([smhd])$`)
	segmentRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)((\[\d+\])*)$`)
)

// Render substitutes ${...} expressions in every string leaf of v, reading
// from vars. A string that is exactly one template keeps the bound value's
// native type; embedded templates coerce to canonical strings. Maps and
// slices are rendered recursively; everything else passes through.
//
// Rendering never mutates its input and is pure: the same vars yield the
// same output.
func Render(v any, vars map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		return renderString(x, vars)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			rv, err := Render(vv, vars)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			rv, err := Render(vv, vars)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func renderString(s string, vars map[string]any) (any, error) {
	matches := templateRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Entire-string template: substitute preserving the native type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return Eval(s[matches[0][2]:matches[0][3]], vars)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := Eval(s[m[2]:m[3]], vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(canonical(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// Eval resolves one expression against the variable map: dotted paths with
// bracketed integer indices, plus now+<N><unit> arithmetic on the now root.
func Eval(expr string, vars map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &UnresolvedError{Expr: expr}
	}

	if m := nowOffsetRe.FindStringSubmatch(expr); m != nil {
		return evalNowOffset(expr, m, vars)
	}

	var cur any = vars
	for _, seg := range strings.Split(expr, ".") {
		sm := segmentRe.FindStringSubmatch(seg)
		if sm == nil {
			return nil, &UnresolvedError{Expr: expr}
		}

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, &UnresolvedError{Expr: expr}
		}
		cur, ok = obj[sm[1]]
		if !ok {
			return nil, &UnresolvedError{Expr: expr}
		}

		for _, idx := range strings.Split(sm[2], "]") {
			if idx == "" {
				continue
			}
			n, err := strconv.Atoi(strings.TrimPrefix(idx, "["))
			if err != nil {
				return nil, &UnresolvedError{Expr: expr}
			}
			arr, ok := cur.([]any)
			if !ok || n < 0 || n >= len(arr) {
				return nil, &UnresolvedError{Expr: expr}
			}
			cur = arr[n]
		}
	}
	return cur, nil
}

func evalNowOffset(expr string, m []string, vars map[string]any) (any, error) {
	base, ok := vars["now"].(string)
	if !ok {
		return nil, &UnresolvedError{Expr: expr}
	}
	at, err := time.Parse(time.RFC3339, base)
	if err != nil {
		return nil, &UnresolvedError{Expr: expr}
	}

	n, _ := strconv.Atoi(m[1])
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	return at.Add(time.Duration(n) * unit).UTC().Format(time.RFC3339), nil
}

// canonical serializes a bound value for embedding inside a larger string.
// Strings embed as-is; everything else uses compact JSON.
func canonical(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
