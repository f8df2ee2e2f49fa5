package functions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/voicebridge/voicebridge/internal/model"
)

type fakeFunction struct {
	name   string
	output string
	err    error
	delay  time.Duration
}

func (f *fakeFunction) Definition() llms.FunctionDefinition {
	return llms.FunctionDefinition{Name: f.name}
}

func (f *fakeFunction) Call(ctx context.Context, params map[string]any) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return f.output, f.err
}

type fakeProvider []Function

func (p fakeProvider) Functions() ([]Function, error) {
	return p, nil
}

func collectResults(t *testing.T, d *Dispatcher, calls []model.ToolInvocation) []model.ToolResult {
	var mutex sync.Mutex
	results := []model.ToolResult{}

	d.Dispatch(context.Background(), calls, func(r model.ToolResult) {
		mutex.Lock()
		defer mutex.Unlock()
		results = append(results, r)
	})

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	return results
}

func TestDispatch(t *testing.T) {
	provider := fakeProvider{
		&fakeFunction{name: "get_weather", output: "sunny"},
		&fakeFunction{name: "broken", err: fmt.Errorf("backend unavailable")},
	}

	for _, tc := range []struct {
		name     string
		calls    []model.ToolInvocation
		expected []model.ToolResult
	}{
		{
			name:  "successful call",
			calls: []model.ToolInvocation{{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Rome"}}},
			expected: []model.ToolResult{
				{ID: "a", Name: "get_weather", Response: map[string]any{"output": "sunny"}},
			},
		},
		{
			name:  "unknown tool yields failure result",
			calls: []model.ToolInvocation{{ID: "b", Name: "does_not_exist"}},
			expected: []model.ToolResult{
				{ID: "b", Name: "does_not_exist", Response: map[string]any{"error": `function "does_not_exist" not found`}},
			},
		},
		{
			name:  "call error yields failure result",
			calls: []model.ToolInvocation{{ID: "c", Name: "broken"}},
			expected: []model.ToolResult{
				{ID: "c", Name: "broken", Response: map[string]any{"error": "backend unavailable"}},
			},
		},
		{
			name: "one result per invocation",
			calls: []model.ToolInvocation{
				{ID: "d", Name: "get_weather"},
				{ID: "e", Name: "does_not_exist"},
				{ID: "f", Name: "broken"},
			},
			expected: []model.ToolResult{
				{ID: "d", Name: "get_weather", Response: map[string]any{"output": "sunny"}},
				{ID: "e", Name: "does_not_exist", Response: map[string]any{"error": `function "does_not_exist" not found`}},
				{ID: "f", Name: "broken", Response: map[string]any{"error": "backend unavailable"}},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testee := NewDispatcher(provider)
			require.Equal(t, tc.expected, collectResults(t, testee, tc.calls))
		})
	}
}

func TestDispatchGeneratesMissingID(t *testing.T) {
	testee := NewDispatcher(fakeProvider{&fakeFunction{name: "get_weather", output: "sunny"}})

	results := collectResults(t, testee, []model.ToolInvocation{{Name: "get_weather"}})

	require.Len(t, results, 1)
	require.NotEmpty(t, results[0].ID)
}

func TestDispatchTimeout(t *testing.T) {
	testee := NewDispatcher(fakeProvider{&fakeFunction{name: "slow", output: "late", delay: time.Second}})
	testee.Timeout = 20 * time.Millisecond

	results := collectResults(t, testee, []model.ToolInvocation{{ID: "a", Name: "slow"}})

	require.Len(t, results, 1)
	require.Contains(t, results[0].Response, "error")
}

func TestDispatchPreventsCallLoop(t *testing.T) {
	provider := NewCallLoopPreventingProvider(fakeProvider{&fakeFunction{name: "get_weather", output: "sunny"}})
	testee := NewDispatcher(provider)
	call := model.ToolInvocation{ID: "a", Name: "get_weather", Arguments: map[string]any{"city": "Rome"}}

	results := collectResults(t, testee, []model.ToolInvocation{call})
	require.Equal(t, map[string]any{"output": "sunny"}, results[0].Response)

	results = collectResults(t, testee, []model.ToolInvocation{call})
	require.Contains(t, results[0].Response, "error", "a repeated identical call must be refused")
}
