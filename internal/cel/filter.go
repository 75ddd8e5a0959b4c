// Package cel compiles CEL expressions that select provider manifests.
//
// Expressions see three variables:
//
//	provider         string                    the provider name
//	functionalities  list(map(string, string)) name, kind, input_type, output_type
//	names            list(string)              functionality names
//
// For example: provider.startsWith("math") && "multiply" in names.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/mycelium/pkg/functionality"
)

// Filter is a compiled manifest predicate.
type Filter struct {
	expr    string
	program cel.Program
}

var env = mustEnv()

func mustEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("provider", cel.StringType),
		cel.Variable("functionalities", cel.ListType(cel.MapType(cel.StringType, cel.StringType))),
		cel.Variable("names", cel.ListType(cel.StringType)),
	)
	if err != nil {
		panic(fmt.Sprintf("cel env: %v", err))
	}
	return e
}

// Compile parses and type-checks expr. The result must be a bool.
func Compile(expr string) (*Filter, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("cel compile: expression %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against m. Evaluation errors, such as a missing
// map key, count as no match.
func (f *Filter) Match(m functionality.Manifest) bool {
	out, _, err := f.program.Eval(Activation(m))
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Activation builds the variable bindings for m.
func Activation(m functionality.Manifest) map[string]any {
	fns := make([]map[string]string, 0, len(m.Functionalities))
	names := make([]string, 0, len(m.Functionalities))
	for _, d := range m.Functionalities {
		fns = append(fns, map[string]string{
			"name":        d.Name,
			"kind":        string(d.Kind),
			"input_type":  d.InputType,
			"output_type": d.OutputType,
		})
		names = append(names, d.Name)
	}
	return map[string]any{
		"provider":        m.ProviderName,
		"functionalities": fns,
		"names":           names,
	}
}
