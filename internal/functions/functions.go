package functions

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

type FunctionProvider interface {
	Functions() ([]Function, error)
}

type Function interface {
	Definition() llms.FunctionDefinition
	Call(ctx context.Context, params map[string]any) (string, error)
}

func FindByName(name string, functions []Function) (Function, error) {
	for _, f := range functions {
		if f.Definition().Name == name {
			return f, nil
		}
	}

	return nil, fmt.Errorf("function %q not found", name)
}

// Definitions returns the declarations of all provided functions, for
// inclusion in a session's setup message.
func Definitions(p FunctionProvider) ([]llms.FunctionDefinition, error) {
	fns, err := p.Functions()
	if err != nil {
		return nil, err
	}

	defs := make([]llms.FunctionDefinition, len(fns))
	for i, f := range fns {
		defs[i] = f.Definition()
	}

	return defs, nil
}

type noop string

func Noop() FunctionProvider {
	return noop("noop-function-provider")
}

func (_ noop) Functions() ([]Function, error) {
	return nil, nil
}
