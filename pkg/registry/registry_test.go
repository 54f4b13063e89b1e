package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobridge/mcp-server/pkg/auth"
	"github.com/repobridge/mcp-server/pkg/errors"
)

func noopExecute(_ context.Context, _ map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
	return "ok", nil
}

func testTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "test tool",
		Category:    "testing",
		Version:     "1.0.0",
		Enabled:     true,
		Execute:     noopExecute,
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"get_repository", true},
		{"echo", true},
		{"a1_b2_c3", true},
		{"Bad-Name!", false},
		{"BadName", false},
		{"1starts_with_digit", false},
		{"has space", false},
		{"", false},
		{"bitbucket_get", false},
		{"mcp_internal", false},
		{"rpc_call", false},
		{"internal_debug", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.valid {
			assert.NoError(t, err, "name %q", tt.name)
		} else {
			assert.Error(t, err, "name %q", tt.name)
		}
	}
}

func TestRegisterRejectsBadShape(t *testing.T) {
	r := New(Config{})

	badName := testTool("Bad-Name!")
	err := r.Register(badName, RegisterOptions{})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParams))

	noDescription := testTool("valid_name")
	noDescription.Description = ""
	assert.Error(t, r.Register(noDescription, RegisterOptions{}))

	noExecute := testTool("another_name")
	noExecute.Execute = nil
	assert.Error(t, r.Register(noExecute, RegisterOptions{}))

	badParamType := testTool("third_name")
	badParamType.Parameters = []Parameter{{Name: "x", Type: "decimal"}}
	assert.Error(t, r.Register(badParamType, RegisterOptions{}))
}

func TestRegisterDuplicateAndOverwrite(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testTool("dupe"), RegisterOptions{}))

	err := r.Register(testTool("dupe"), RegisterOptions{})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParams))

	assert.NoError(t, r.Register(testTool("dupe"), RegisterOptions{Overwrite: true}))
}

func TestRegisterCapacity(t *testing.T) {
	r := New(Config{MaxTools: 2})
	require.NoError(t, r.Register(testTool("first"), RegisterOptions{}))
	require.NoError(t, r.Register(testTool("second"), RegisterOptions{}))

	err := r.Register(testTool("third"), RegisterOptions{})
	assert.True(t, errors.IsCode(err, errors.CodeRateLimitExceeded))

	// Overwriting an existing name at capacity is still allowed.
	assert.NoError(t, r.Register(testTool("second"), RegisterOptions{Overwrite: true}))
}

func TestUnregister(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testTool("gone_soon"), RegisterOptions{}))
	assert.True(t, r.Unregister("gone_soon"))
	assert.False(t, r.Unregister("gone_soon"))
	_, found := r.Get("gone_soon")
	assert.False(t, found)
	assert.Empty(t, r.Categories())
	assert.Empty(t, r.RegistryStats().ByCategory)
}

func TestUnregisterKeepsCategorySiblings(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testTool("kept"), RegisterOptions{}))
	require.NoError(t, r.Register(testTool("removed"), RegisterOptions{}))

	require.True(t, r.Unregister("removed"))

	// The sibling stays indexed under the shared category, the removed
	// name is gone from it.
	tools := r.ToolsByCategory("testing")
	require.Len(t, tools, 1)
	assert.Equal(t, "kept", tools[0].Name)
	assert.Equal(t, map[string]int{"testing": 1}, r.RegistryStats().ByCategory)
}

func TestRegistrationEvents(t *testing.T) {
	r := New(Config{})
	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	require.NoError(t, r.Register(testTool("observed"), RegisterOptions{}))
	r.Unregister("observed")

	// Events are delivered before the mutating call returns.
	require.Len(t, events, 2)
	assert.Equal(t, EventRegistered, events[0].Type)
	assert.Equal(t, EventUnregistered, events[1].Type)
	assert.Equal(t, "observed", events[0].Name)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := New(Config{})
	_, err := r.Execute(context.Background(), "does_not_exist", nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
	assert.Equal(t, -32001, errors.CodeOf(err))
}

func TestExecuteDisabledTool(t *testing.T) {
	r := New(Config{})
	disabled := testTool("disabled_tool")
	disabled.Enabled = false
	require.NoError(t, r.Register(disabled, RegisterOptions{}))

	_, err := r.Execute(context.Background(), "disabled_tool", nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
}

func TestExecuteAuthorization(t *testing.T) {
	r := New(Config{})
	gated := testTool("gated")
	gated.Auth = &auth.Requirement{Required: true, MinLevel: auth.LevelWrite}
	require.NoError(t, r.Register(gated, RegisterOptions{}))

	// No user at all.
	_, err := r.Execute(context.Background(), "gated", nil, &ExecutionContext{SessionID: "s-1"})
	assert.True(t, errors.IsCode(err, errors.CodeAuthorizationFailed))

	// User below the minimum level.
	reader := &ExecutionContext{SessionID: "s-1", User: &auth.UserInfo{ID: "u1", Level: auth.LevelRead}}
	_, err = r.Execute(context.Background(), "gated", nil, reader)
	assert.True(t, errors.IsCode(err, errors.CodeAuthorizationFailed))

	// Sufficient level passes.
	writer := &ExecutionContext{SessionID: "s-1", User: &auth.UserInfo{ID: "u2", Level: auth.LevelWrite}}
	result, err := r.Execute(context.Background(), "gated", nil, writer)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecuteParameterValidation(t *testing.T) {
	r := New(Config{})
	tool := testTool("needs_params")
	tool.Parameters = []Parameter{
		{Name: "id", Type: "string", Required: true},
		{Name: "limit", Type: "integer", Required: false, Default: 10},
	}
	tool.Execute = func(_ context.Context, params map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
		return params, nil
	}
	require.NoError(t, r.Register(tool, RegisterOptions{}))

	_, err := r.Execute(context.Background(), "needs_params", map[string]interface{}{}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParams))

	_, err = r.Execute(context.Background(), "needs_params", map[string]interface{}{"id": 5}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParams))

	result, err := r.Execute(context.Background(), "needs_params", map[string]interface{}{"id": "abc"}, nil)
	require.NoError(t, err)
	got := result.(map[string]interface{})
	assert.Equal(t, "abc", got["id"])
	assert.Equal(t, 10, got["limit"]) // default applied

	// JSON numbers arrive as float64; whole values satisfy integer.
	_, err = r.Execute(context.Background(), "needs_params", map[string]interface{}{"id": "abc", "limit": float64(3)}, nil)
	assert.NoError(t, err)
	_, err = r.Execute(context.Background(), "needs_params", map[string]interface{}{"id": "abc", "limit": 3.5}, nil)
	assert.Error(t, err)
}

func TestExecuteWrapsFailures(t *testing.T) {
	r := New(Config{})

	failing := testTool("failing")
	failing.Execute = func(_ context.Context, _ map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
		return nil, fmt.Errorf("upstream went away")
	}
	require.NoError(t, r.Register(failing, RegisterOptions{}))

	_, err := r.Execute(context.Background(), "failing", nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeToolExecutionFailed))
	assert.Equal(t, -32002, errors.CodeOf(err))

	panicking := testTool("panicking")
	panicking.Execute = func(_ context.Context, _ map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
		panic("boom")
	}
	require.NoError(t, r.Register(panicking, RegisterOptions{}))

	_, err = r.Execute(context.Background(), "panicking", nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeToolExecutionFailed))
}

type recordedCall struct {
	tool    string
	success bool
}

type fakeRecorder struct {
	calls []recordedCall
}

func (f *fakeRecorder) RecordToolCall(tool string, _ time.Duration, success bool) {
	f.calls = append(f.calls, recordedCall{tool: tool, success: success})
}

func TestExecuteReportsMetrics(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(Config{}, WithMetrics(rec))
	require.NoError(t, r.Register(testTool("observed"), RegisterOptions{}))

	failing := testTool("failing")
	failing.Execute = func(_ context.Context, _ map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
		return nil, fmt.Errorf("down")
	}
	require.NoError(t, r.Register(failing, RegisterOptions{}))

	_, err := r.Execute(context.Background(), "observed", nil, nil)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "failing", nil, nil)
	require.Error(t, err)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, recordedCall{tool: "observed", success: true}, rec.calls[0])
	assert.Equal(t, recordedCall{tool: "failing", success: false}, rec.calls[1])
}

func TestExecuteStructuredErrorsPassThrough(t *testing.T) {
	r := New(Config{})
	tool := testTool("strict")
	tool.Execute = func(_ context.Context, _ map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
		return nil, errors.AuthenticationFailed("token expired mid-flight")
	}
	require.NoError(t, r.Register(tool, RegisterOptions{}))

	_, err := r.Execute(context.Background(), "strict", nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeAuthenticationFailed))
}

func TestExecuteSoftDeadline(t *testing.T) {
	r := New(Config{ExecutionDeadline: 10 * time.Millisecond})
	slow := testTool("slow")
	slow.Execute = func(ctx context.Context, _ map[string]interface{}, _ *ExecutionContext) (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "done", nil
		}
	}
	require.NoError(t, r.Register(slow, RegisterOptions{}))

	_, err := r.Execute(context.Background(), "slow", nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeToolExecutionFailed))
}

func TestExecutionStatistics(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Register(testTool("counted"), RegisterOptions{}))

	for i := 0; i < 3; i++ {
		_, err := r.Execute(context.Background(), "counted", nil, nil)
		require.NoError(t, err)
	}
	_, _ = r.Execute(context.Background(), "missing_tool", nil, nil)

	stats, ok := r.StatsFor("counted")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Executions)
	assert.Equal(t, int64(3), stats.Successes)
	assert.Equal(t, int64(0), stats.Failures)
	assert.False(t, stats.LastExecuted.IsZero())

	agg := r.RegistryStats()
	assert.Equal(t, int64(3), agg.Executions)
	require.Len(t, agg.MostUsed, 1)
	assert.Equal(t, "counted", agg.MostUsed[0].Name)
}

func TestReadHelpers(t *testing.T) {
	r := New(Config{})
	repo := testTool("get_repository")
	repo.Category = "repos"
	repo.Description = "Fetch repository metadata"
	require.NoError(t, r.Register(repo, RegisterOptions{}))

	pr := testTool("list_pull_requests")
	pr.Category = "repos"
	require.NoError(t, r.Register(pr, RegisterOptions{}))

	hidden := testTool("hidden_tool")
	hidden.Enabled = false
	require.NoError(t, r.Register(hidden, RegisterOptions{}))

	enabled := r.ListEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "get_repository", enabled[0].Name) // sorted

	byCat := r.ToolsByCategory("repos")
	assert.Len(t, byCat, 2)

	found := r.Search("repository")
	require.Len(t, found, 1)
	assert.Equal(t, "get_repository", found[0].Name)

	stats := r.RegistryStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Enabled)
	assert.Equal(t, 1, stats.Disabled)
	assert.Equal(t, 2, stats.ByCategory["repos"])
}
