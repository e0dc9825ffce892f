package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// statusFunctions are the calls that make a predicate opt out of the implicit success() gate.
var statusFunctions = map[string]bool{
	"success":   true,
	"failure":   true,
	"always":    true,
	"cancelled": true,
}

type programKind int

const (
	kindPredicate programKind = iota
	kindValue
	kindValueNoSecrets
)

type cacheKey struct {
	kind programKind
	expr string
}

// Evaluator evaluates predicates and templates against a Scope.
// It caches compiled programs and is safe for concurrent use.
type Evaluator struct {
	cache  map[cacheKey]*vm.Program
	status map[string]bool
	mu     sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache:  make(map[cacheKey]*vm.Program),
		status: make(map[string]bool),
	}
}

// Decision is the result of evaluating an instance or step gate.
type Decision struct {
	// Run is true when the gate passed
	Run bool

	// Reason explains a skip
	Reason pipeline.SkipReason
}

// Gate decides whether an instance or step with the given predicate runs.
//
// A predicate without a status function only runs when scope.Success holds;
// otherwise the skip is attributed upstream and the predicate is not
// evaluated. A predicate with a status function is evaluated as written; if
// it is false while dependencies are unhealthy the skip is still attributed
// upstream, so it keeps propagating.
func (e *Evaluator) Gate(predicate string, scope *Scope) (Decision, error) {
	predicate = Unwrap(predicate)

	explicit, err := e.UsesStatusFunction(predicate)
	if err != nil {
		return Decision{}, err
	}

	if !explicit && !scope.Success {
		return Decision{Reason: pipeline.SkipReasonUpstream}, nil
	}

	ok, err := e.Evaluate(predicate, scope)
	if err != nil {
		return Decision{}, err
	}
	switch {
	case ok:
		return Decision{Run: true}, nil
	case !scope.Success:
		return Decision{Reason: pipeline.SkipReasonUpstream}, nil
	default:
		return Decision{Reason: pipeline.SkipReasonCondition}, nil
	}
}

// Evaluate evaluates a predicate against the scope.
// An empty predicate is true. Failures are returned as *errors.PredicateError.
func (e *Evaluator) Evaluate(predicate string, scope *Scope) (bool, error) {
	predicate = Unwrap(predicate)
	if predicate == "" {
		return true, nil
	}

	program, err := e.compile(kindPredicate, predicate)
	if err != nil {
		return false, &errors.PredicateError{Expression: predicate, Cause: err}
	}

	result, err := expr.Run(program, scope.env())
	if err != nil {
		return false, &errors.PredicateError{Expression: predicate, Cause: err}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.PredicateError{
			Expression: predicate,
			Cause:      fmt.Errorf("expression must return boolean, got %T", result),
		}
	}
	return b, nil
}

// Check compiles a predicate without evaluating it.
func (e *Evaluator) Check(predicate string) error {
	predicate = Unwrap(predicate)
	if predicate == "" {
		return nil
	}
	if _, err := e.compile(kindPredicate, predicate); err != nil {
		return &errors.PredicateError{Expression: predicate, Cause: err}
	}
	return nil
}

// UsesStatusFunction reports whether the predicate calls success(),
// failure(), always() or cancelled().
func (e *Evaluator) UsesStatusFunction(predicate string) (bool, error) {
	predicate = Unwrap(predicate)
	if predicate == "" {
		return false, nil
	}

	e.mu.RLock()
	uses, ok := e.status[predicate]
	e.mu.RUnlock()
	if ok {
		return uses, nil
	}

	tree, err := parser.Parse(predicate)
	if err != nil {
		return false, &errors.PredicateError{Expression: predicate, Cause: err}
	}
	v := &statusVisitor{}
	ast.Walk(&tree.Node, v)

	e.mu.Lock()
	e.status[predicate] = v.found
	e.mu.Unlock()

	return v.found, nil
}

type statusVisitor struct {
	found bool
}

func (v *statusVisitor) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok {
		return
	}
	if ident, ok := call.Callee.(*ast.IdentifierNode); ok && statusFunctions[ident.Value] {
		v.found = true
	}
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(kind programKind, expression string) (*vm.Program, error) {
	key := cacheKey{kind: kind, expr: expression}

	e.mu.RLock()
	if prog, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	opts := []expr.Option{expr.Env(prototype(kind == kindValueNoSecrets))}
	if kind == kindPredicate {
		opts = append(opts, expr.AsBool())
	}

	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the compiled program cache.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[cacheKey]*vm.Program)
	e.status = make(map[string]bool)
	e.mu.Unlock()
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Unwrap strips surrounding whitespace and an optional ${{ }} wrapper.
func Unwrap(expression string) string {
	s := strings.TrimSpace(expression)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") && strings.Count(s, "${{") == 1 {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}
	return s
}
