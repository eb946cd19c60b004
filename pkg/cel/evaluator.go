package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"mailtrail/internal/events"
)

// Evaluator compiles boolean filter expressions over delivery events. The
// variables are event (the canonical type), external_id, recipient, group_key, subject, source,
// timestamp and extra.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.StringType),
		cel.Variable("external_id", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("group_key", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("extra", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}
	return ast, nil
}

// Filter is a compiled expression, safe for concurrent use.
type Filter struct {
	expression string
	program    cel.Program
}

func (e *Evaluator) CompileFilter(expression string) (*Filter, error) {
	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &Filter{expression: expression, program: program}, nil
}

func (f *Filter) String() string {
	return f.expression
}

// Match reports whether sub passes the filter.
func (f *Filter) Match(ctx context.Context, sub events.Submission) (bool, error) {
	extra := sub.Event.Extra
	if extra == nil {
		extra = map[string]interface{}{}
	}
	vars := map[string]interface{}{
		"event":       string(sub.Event.Type),
		"external_id": sub.ExternalID,
		"recipient":   sub.Recipient,
		"group_key":   sub.GroupKey,
		"subject":     sub.Subject,
		"source":      sub.Source,
		"timestamp":   sub.Event.Timestamp,
		"extra":       extra,
	}

	result, _, err := f.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}
	return matched, nil
}
