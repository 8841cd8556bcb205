package gcalnotify

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/goccy/go-yaml"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/mashiike/gcalnotify/pkg/gcalnotifyevent"
)

//go:embed cel_validation_patterns.json
var celValidationPatternsJSON []byte

// CELEnv provides a CEL environment configured for evaluating expressions
// against gcalnotifyevent.Detail.
type CELEnv struct {
	env                *cel.Env
	validationPatterns []*gcalnotifyevent.Detail
}

// NewCELEnv creates a new CEL environment with gcalnotifyevent types registered.
// Field names in CEL expressions use lowerCamelCase (matching JSON tags),
// e.g., event.htmlLink, event.start.dateTime, message.title.
func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		ext.NativeTypes(
			ext.ParseStructTags(true),
			reflect.TypeOf(&gcalnotifyevent.Detail{}),
			reflect.TypeOf(&gcalnotifyevent.Calendar{}),
			reflect.TypeOf(&gcalnotifyevent.CalendarEvent{}),
			reflect.TypeOf(&gcalnotifyevent.EventTime{}),
			reflect.TypeOf(&gcalnotifyevent.Message{}),
			reflect.TypeOf(&gcalnotifyevent.Field{}),
		),
		cel.Variable("detail", cel.ObjectType("gcalnotifyevent.Detail")),
		cel.Variable("kind", cel.StringType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("calendar", cel.ObjectType("gcalnotifyevent.Calendar")),
		cel.Variable("event", cel.ObjectType("gcalnotifyevent.CalendarEvent")),
		cel.Variable("message", cel.ObjectType("gcalnotifyevent.Message")),
		ext.Strings(),
		cel.Function("env",
			cel.Overload("env_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					name, ok := arg.Value().(string)
					if !ok {
						return types.NewErr("env() requires a string argument")
					}
					return types.String(os.Getenv(name))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	var patterns []*gcalnotifyevent.Detail
	if err := json.Unmarshal(celValidationPatternsJSON, &patterns); err != nil {
		return nil, fmt.Errorf("failed to parse CEL validation patterns: %w", err)
	}
	return &CELEnv{env: env, validationPatterns: patterns}, nil
}

// CompiledExpression represents a compiled CEL expression.
type CompiledExpression struct {
	program cel.Program
}

// Compile compiles a CEL expression string. The expression must return bool.
func (e *CELEnv) Compile(expr string) (*CompiledExpression, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &CompiledExpression{program: prg}, nil
}

// Eval evaluates the compiled expression against the given detail.
func (c *CompiledExpression) Eval(detail *gcalnotifyevent.Detail) (bool, error) {
	if detail == nil {
		return false, nil
	}
	vars := map[string]any{
		"detail":   detail,
		"kind":     detail.Kind,
		"subject":  detail.Subject,
		"calendar": detail.Calendar,
		"event":    detail.Event,
		"message":  detail.Message,
	}
	result, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned non-bool value: %T", result.Value())
	}
	return b, nil
}

// ExprOrBool holds either a CEL bool expression or a static bool value.
type ExprOrBool struct {
	raw    string
	value  bool
	expr   *CompiledExpression
	isExpr bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *ExprOrBool) UnmarshalYAML(data []byte) error {
	return yaml.Unmarshal(data, &e.raw)
}

// Bind compiles the expression if valid, otherwise parses as a static bool.
// Expressions are checked against every validation pattern, so an expression
// that fails on a degraded cancellation is rejected at load time.
func (e *ExprOrBool) Bind(env *CELEnv) error {
	switch e.raw {
	case "true":
		e.value = true
		return nil
	case "false", "":
		e.value = false
		return nil
	}
	expr, err := env.Compile(e.raw)
	if err != nil {
		return err
	}
	for i, pattern := range env.validationPatterns {
		if _, err := expr.Eval(pattern); err != nil {
			return fmt.Errorf("CEL expression validation failed on pattern[%d]: %w", i, err)
		}
	}
	e.expr = expr
	e.isExpr = true
	return nil
}

// Eval evaluates the expression or returns the static value.
func (e *ExprOrBool) Eval(detail *gcalnotifyevent.Detail) (bool, error) {
	if !e.isExpr {
		return e.value, nil
	}
	return e.expr.Eval(detail)
}

// IsExpr returns true if this holds an expression.
func (e *ExprOrBool) IsExpr() bool {
	return e.isExpr
}

// Raw returns the raw string value.
func (e *ExprOrBool) Raw() string {
	return e.raw
}
