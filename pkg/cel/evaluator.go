package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"courier/pkg/models"
)

// Evaluator compiles and runs boolean gate expressions over inbound events.
// Expressions see the event identity plus the security verdicts, e.g.
// `verdicts.spam != "FAIL" && verdicts.virus != "FAIL"`.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("message_id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("recipients", cel.ListType(cel.StringType)),
		cel.Variable("verdicts", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateGateExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("gate expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// Compile builds a reusable program for a gate expression. Gate expressions
// come from configuration and change rarely, so callers compile once at
// startup instead of per event.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("gate expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Program{program: program}, nil
}

type Program struct {
	program cel.Program
}

func (p *Program) Evaluate(ctx context.Context, event *models.InboundEvent) (bool, error) {
	vars := map[string]interface{}{
		"message_id": event.MessageID,
		"source":     event.Source,
		"timestamp":  event.Timestamp,
		"recipients": event.Recipients,
		"verdicts": map[string]string{
			"spam":  event.Verdicts.Spam,
			"virus": event.Verdicts.Virus,
			"dkim":  event.Verdicts.DKIM,
			"spf":   event.Verdicts.SPF,
		},
	}

	result, _, err := p.program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}
