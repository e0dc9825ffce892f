package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

// templatePattern matches ${{ ... }} interpolations.
var templatePattern = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)

// HasTemplate reports whether s contains an interpolation.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${{")
}

// Interpolate replaces every ${{ expr }} in template with the string form of
// its value. Strings are inserted as-is, nil becomes empty, and other
// values are formatted with %v. When scope.ExcludeSecrets is set the
// secrets namespace is unavailable and referencing it fails to compile.
//
// Example:
//
//	Interpolate("pip-${{ matrix.python }}-${{ github.ref_name }}", scope)
func (e *Evaluator) Interpolate(template string, scope *Scope) (string, error) {
	if !HasTemplate(template) {
		return template, nil
	}

	kind := kindValue
	if scope.ExcludeSecrets {
		kind = kindValueNoSecrets
	}

	var firstErr error
	result := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		source := templatePattern.FindStringSubmatch(match)[1]

		program, err := e.compile(kind, source)
		if err != nil {
			firstErr = fmt.Errorf("compiling %q: %w", source, err)
			return match
		}
		value, err := expr.Run(program, scope.env())
		if err != nil {
			firstErr = fmt.Errorf("evaluating %q: %w", source, err)
			return match
		}
		return stringify(value)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// InterpolateMap interpolates every value of a map, returning a new map.
func (e *Evaluator) InterpolateMap(values map[string]string, scope *Scope) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for k, v := range values {
		rendered, err := e.Interpolate(v, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
