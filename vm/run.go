package vm

import (
	"context"

	"github.com/praxislang/praxis/bytecode"
	"github.com/praxislang/praxis/value"
)

// Run executes a program to completion with the given options and returns
// its result. It is a convenience wrapper around New and Execute for
// callers that do not need to reuse the Machine.
func Run(ctx context.Context, program *bytecode.Program, options ...Option) (value.Value, error) {
	m, err := New(program, options...)
	if err != nil {
		return value.Nil, err
	}
	return m.Execute(ctx)
}
