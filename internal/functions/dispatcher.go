package functions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/voicebridge/internal/model"
)

// Dispatcher resolves tool invocations against a FunctionProvider and
// produces exactly one result per invocation, success or not. An unknown
// tool name, a call error or a timeout all yield a failure result rather
// than a dropped invocation, since the conversation stalls on a missing
// response.
type Dispatcher struct {
	Functions FunctionProvider
	Timeout   time.Duration
}

func NewDispatcher(p FunctionProvider) *Dispatcher {
	return &Dispatcher{Functions: p, Timeout: 60 * time.Second}
}

// Dispatch runs the given invocations concurrently and passes each result to
// respond as soon as it is available. It returns once all results were
// delivered. respond must be safe for concurrent use.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []model.ToolInvocation, respond func(model.ToolResult)) {
	fns, err := d.Functions.Functions()
	if err != nil {
		slog.Warn(fmt.Sprintf("listing functions: %s", err))
	}

	done := make(chan struct{}, len(calls))

	for _, call := range calls {
		go func(call model.ToolInvocation) {
			defer func() { done <- struct{}{} }()
			respond(d.dispatchOne(ctx, fns, call))
		}(call)
	}

	for range calls {
		<-done
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, fns []Function, call model.ToolInvocation) model.ToolResult {
	result := model.ToolResult{
		ID:   call.ID,
		Name: call.Name,
	}
	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	fn, err := FindByName(call.Name, fns)
	if err != nil {
		result.Response = failure(err)
		return result
	}

	if checker, ok := d.Functions.(FunctionCallChecker); ok {
		allowed, err := checker.IsFunctionCallAllowed(call.Name, call.Arguments)
		if err != nil {
			result.Response = failure(err)
			return result
		}
		if !allowed {
			result.Response = failure(fmt.Errorf("function %q was called with these arguments already", call.Name))
			return result
		}
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := fn.Call(ctx, call.Arguments)
	if err != nil {
		slog.Warn(fmt.Sprintf("function %s: %s", call.Name, err))
		result.Response = failure(err)
		return result
	}

	result.Response = map[string]any{"output": output}

	return result
}

func failure(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
