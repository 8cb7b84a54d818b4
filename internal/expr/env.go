package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"

	"github.com/l0p7/methodcache/internal/hashtable"
)

const (
	varArgs   = "args"
	varRetVal = "retVal"
)

// Environment builds and compiles CEL programs against a call context. Only
// args, retVal and the empty/hash built-ins are declared.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables and functions exposed to cache
// expressions. The hasher backs the hash built-in.
func NewEnvironment(hasher hashtable.Hasher) (*Environment, error) {
	env, err := cel.NewCustomEnv(
		standardLibrary(),
		addition(),
		cel.Variable(varArgs, cel.ListType(cel.DynType)),
		cel.Variable(varRetVal, cel.DynType),
		cel.Function("empty",
			cel.Overload("empty_dyn",
				[]*cel.Type{cel.DynType},
				cel.BoolType,
				cel.UnaryBinding(emptyValue),
			),
		),
		cel.Function("hash",
			cel.Overload("hash_dyn",
				[]*cel.Type{cel.DynType},
				cel.StringType,
				cel.UnaryBinding(hashBinding(hasher)),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program.
type Program struct {
	source     string
	program    cel.Program
	usesRetVal bool
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// UsesReturnValue reports whether the expression references retVal.
func (p *Program) UsesReturnValue() bool { return p.usesRetVal }

// Eval runs the program against the activation and returns the raw CEL value.
func (p *Program) Eval(activation map[string]any) (ref.Val, error) {
	if p == nil || p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(activation)
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Compile parses and type-checks expression. Failures are returned as
// *EvaluationError with ReasonParse, or ReasonUnboundReference when the
// expression names a variable that is not declared.
func (e *Environment) Compile(expression string) (*Program, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return nil, newError(ReasonParse, expression, fmt.Errorf("expression required"))
	}
	checked, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		reason := ReasonParse
		if strings.Contains(issues.Err().Error(), "undeclared reference") {
			reason = ReasonUnboundReference
		}
		return nil, newError(reason, source, issues.Err())
	}
	program, err := e.env.Program(checked)
	if err != nil {
		return nil, newError(ReasonParse, source, fmt.Errorf("program: %w", err))
	}
	return &Program{
		source:     source,
		program:    program,
		usesRetVal: referencesVariable(checked, varRetVal),
	}, nil
}

func referencesVariable(checked *cel.Ast, name string) bool {
	for _, info := range checked.NativeRep().ReferenceMap() {
		if info != nil && info.Name == name {
			return true
		}
	}
	return false
}
