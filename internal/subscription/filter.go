package subscription

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/syntrixbase/streamsub/pkg/model"
)

// Filter decides which messages are retained. The expression sees the
// message as `msg`, a map of its fields, and must evaluate to a bool:
//
//	msg.type == "log" && msg.level in ["warn", "error"]
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter compiles expr. An empty expression returns a nil Filter,
// which matches everything.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("msg", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}

	return &Filter{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against msg. A nil Filter matches everything.
// Evaluation errors (for example a missing field) count as no match.
func (f *Filter) Match(msg model.Message) (bool, error) {
	if f == nil {
		return true, nil
	}

	out, _, err := f.prg.Eval(map[string]interface{}{"msg": msg.Fields})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression returned %T, want bool", out.Value())
	}
	return matched, nil
}
