package resolve

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
)

// ConditionEvaluator compiles and evaluates CEL grant conditions.
//
// A condition is an expression over query-time context, for example
// `ctx.source_ip.startsWith("10.")`. A grant whose condition evaluates
// to anything but true does not match. Expressions are compiled once
// and cached; grant-time validation guarantees a query never meets an
// uncompilable condition.
type ConditionEvaluator struct {
	logger observability.Logger
	env    *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// ConditionOption is a functional option for the evaluator.
type ConditionOption func(*ConditionEvaluator)

// WithConditionLogger sets the logger.
func WithConditionLogger(logger observability.Logger) ConditionOption {
	return func(e *ConditionEvaluator) {
		e.logger = logger
	}
}

// NewConditionEvaluator creates a CEL evaluator for grant conditions.
func NewConditionEvaluator(opts ...ConditionOption) (*ConditionEvaluator, error) {
	e := &ConditionEvaluator{
		logger:   observability.NopLogger(),
		programs: make(map[string]cel.Program),
	}
	for _, opt := range opts {
		opt(e)
	}

	env, err := cel.NewEnv(
		// Caller-supplied query context
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),

		// Query under evaluation
		cel.Variable("user", cel.StringType),
		cel.Variable("permission", cel.StringType),
		cel.Variable("argument", cel.StringType),

		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e.env = env

	return e, nil
}

// Validate compiles a condition expression, caching the program. It is
// meant to run at grant time; a compile failure is a ValidationError.
func (e *ConditionEvaluator) Validate(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := e.compile(expr); err != nil {
		return graph.NewValidationError("ValidateCondition", expr, err)
	}
	return nil
}

// Evaluate runs a condition against the query. An empty condition is
// vacuously true. An evaluation error fails closed: the grant does not
// match.
func (e *ConditionEvaluator) Evaluate(expr, user, permission, argument string, queryCtx map[string]interface{}) bool {
	if expr == "" {
		return true
	}

	program, err := e.compile(expr)
	if err != nil {
		e.logger.Warn("grant condition failed to compile",
			observability.String("condition", expr),
			observability.Error(err),
		)
		return false
	}

	if queryCtx == nil {
		queryCtx = map[string]interface{}{}
	}
	result, _, err := program.Eval(map[string]interface{}{
		"ctx":        queryCtx,
		"user":       user,
		"permission": permission,
		"argument":   argument,
		"now":        time.Now(),
	})
	if err != nil {
		e.logger.Warn("grant condition evaluation error",
			observability.String("condition", expr),
			observability.Error(err),
		)
		return false
	}

	granted, ok := result.Value().(bool)
	return ok && granted
}

// compile returns a compiled program, caching it for reuse.
func (e *ConditionEvaluator) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expr]
	e.mu.RUnlock()

	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.programs[expr]; ok {
		return program, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	e.programs[expr] = program
	return program, nil
}
