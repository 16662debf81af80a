package celexpr

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// MemberVar is the single variable exposed to expressions: a string map of
// member attributes.
const MemberVar = "member"

var newEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable(MemberVar, cel.MapType(cel.StringType, cel.StringType)))
}

var newProgram = func(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(ast)
}

var boolProgramCache sync.Map

// CompileBool compiles and caches a boolean expression.
func CompileBool(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := boolProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := newProgram(env, ast)
	if err != nil {
		return nil, err
	}
	boolProgramCache.Store(expr, program)
	return program, nil
}

func EvalBool(expr string, member map[string]string) (bool, error) {
	program, err := CompileBool(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{MemberVar: member})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression did not evaluate to bool")
	}
	return v, nil
}
