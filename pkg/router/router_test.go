package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobridge/mcp-server/pkg/protocol"
	"github.com/repobridge/mcp-server/pkg/registry"
	"github.com/repobridge/mcp-server/pkg/session"
)

type testEnv struct {
	router   *Router
	sessions *session.Manager
	registry *registry.Registry
	conn     *ConnContext
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	sessions := session.NewManager(session.Config{})
	reg := registry.New(registry.Config{})

	require.NoError(t, reg.Register(registry.Tool{
		Name:        "echo",
		Description: "echo back the message",
		Category:    "testing",
		Enabled:     true,
		Parameters: []registry.Parameter{
			{Name: "message", Type: "string", Required: true},
		},
		Execute: func(_ context.Context, params map[string]interface{}, _ *registry.ExecutionContext) (interface{}, error) {
			return params["message"], nil
		},
	}, registry.RegisterOptions{}))

	s, err := sessions.CreateSession("test-client", "test")
	require.NoError(t, err)

	return &testEnv{
		router:   New(cfg, sessions, reg, opts...),
		sessions: sessions,
		registry: reg,
		conn:     &ConnContext{SessionID: s.ID, Transport: "test"},
	}
}

func (e *testEnv) process(t *testing.T, raw string) []byte {
	t.Helper()
	return e.router.Process(context.Background(), e.conn, []byte(raw))
}

func decodeResponse(t *testing.T, raw []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func errorCode(t *testing.T, resp map[string]interface{}) int {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "expected an error object, got %v", resp)
	return int(errObj["code"].(float64))
}

func TestResponseEchoesRequestID(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, id := range []string{`"req-1"`, `42`, `"0"`} {
		out := env.process(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":"ping"}`, id))
		require.NotNil(t, out)

		var resp struct {
			ID json.RawMessage `json:"id"`
		}
		require.NoError(t, json.Unmarshal(out, &resp))
		assert.Equal(t, id, string(resp.ID))
	}
}

func TestNotificationProducesNoOutput(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Nil(t, out)

	// An explicit null id is a notification too.
	out = env.process(t, `{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`)
	assert.Nil(t, out)
}

func TestDisabledNotificationsStillUnanswered(t *testing.T) {
	env := newTestEnv(t, Config{DisableNotifications: true})
	out := env.process(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Nil(t, out)
}

func TestParseErrorAddressedToNullID(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `{not json`)
	require.NotNil(t, out)

	resp := decodeResponse(t, out)
	assert.Equal(t, -32700, errorCode(t, resp))
	assert.Nil(t, resp["id"])
	assert.Contains(t, string(out), `"id":null`)
}

func TestInvalidRequestValidation(t *testing.T) {
	env := newTestEnv(t, Config{})
	tests := []string{
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32601}}`,
	}
	for _, raw := range tests {
		out := env.process(t, raw)
		require.NotNil(t, out, "input %s", raw)
		assert.Equal(t, -32600, errorCode(t, decodeResponse(t, out)), "input %s", raw)
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"no/such_method"}`)
	assert.Equal(t, -32601, errorCode(t, decodeResponse(t, out)))
}

func TestBatchBounds(t *testing.T) {
	env := newTestEnv(t, Config{})

	out := env.process(t, `[]`)
	require.NotNil(t, out)
	assert.Equal(t, -32600, errorCode(t, decodeResponse(t, out)))

	var tooMany []string
	for i := 0; i <= 100; i++ {
		tooMany = append(tooMany, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))
	}
	require.Len(t, tooMany, 101)
	out = env.process(t, "["+strings.Join(tooMany, ",")+"]")
	require.NotNil(t, out)
	assert.Equal(t, -32600, errorCode(t, decodeResponse(t, out)))

	// Exactly 100 members is accepted.
	out = env.process(t, "["+strings.Join(tooMany[:100], ",")+"]")
	require.NotNil(t, out)
	var responses []map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &responses))
	assert.Len(t, responses, 100)
}

func TestBatchMemberIsolationAndOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	batch := `[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","id":2,"method":"does_not_exist"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":3,"method":"ping"}
	]`
	out := env.process(t, batch)
	require.NotNil(t, out)

	var responses []map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &responses))
	// The notification contributes no entry; order mirrors the input.
	require.Len(t, responses, 3)
	assert.Equal(t, float64(1), responses[0]["id"])
	assert.Equal(t, float64(2), responses[1]["id"])
	assert.Equal(t, float64(3), responses[2]["id"])

	assert.NotNil(t, responses[0]["result"])
	assert.Equal(t, -32601, errorCode(t, responses[1]))
	assert.NotNil(t, responses[2]["result"])
}

func TestBatchOfOnlyNotificationsReturnsNothing(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `[{"jsonrpc":"2.0","method":"notifications/initialized"}]`)
	assert.Nil(t, out)
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, Config{ServerName: "test-server", ServerVersion: "9.9.9"})
	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"tester","version":"1.0"}}}`)
	require.NotNil(t, out)

	resp := decodeResponse(t, out)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])

	serverInfo := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "test-server", serverInfo["name"])
	assert.Equal(t, "9.9.9", serverInfo["version"])

	got, found := env.sessions.Get(env.conn.SessionID)
	require.True(t, found)
	assert.True(t, got.Initialized)
	assert.Equal(t, "2025-03-26", got.ProtocolVersion)
}

func TestInitializeUnsupportedVersion(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	require.NotNil(t, out)
	resp := decodeResponse(t, out)
	assert.Equal(t, -32602, errorCode(t, resp))
	// The supported set rides along on the error data.
	assert.Contains(t, string(out), "2025-03-26")
}

func TestListTools(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, out)

	var resp struct {
		Result protocol.ListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Result.Tools, 1)

	tool := resp.Result.Tools[0]
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Contains(t, tool.InputSchema.Required, "message")
	assert.Equal(t, "string", tool.InputSchema.Properties["message"].Type)
}

func TestListToolsHonorsSessionVisibility(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.registry.Register(registry.Tool{
		Name:        "hidden_tool",
		Description: "not for this session",
		Enabled:     true,
		Execute: func(_ context.Context, _ map[string]interface{}, _ *registry.ExecutionContext) (interface{}, error) {
			return nil, nil
		},
	}, registry.RegisterOptions{}))
	require.NoError(t, env.sessions.SetVisibleTools(env.conn.SessionID, []string{"echo"}))

	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, out)

	var resp struct {
		Result protocol.ListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Result.Tools, 1)
	assert.Equal(t, "echo", resp.Result.Tools[0].Name)

	// Clearing the restriction restores the full set.
	require.NoError(t, env.sessions.SetVisibleTools(env.conn.SessionID, nil))
	out = env.process(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Len(t, resp.Result.Tools, 2)
}

func TestCallTool(t *testing.T) {
	env := newTestEnv(t, Config{})
	out := env.process(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hello"}}}`)
	require.NotNil(t, out)

	var resp struct {
		ID     int                     `json:"id"`
		Result protocol.CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, 7, resp.ID)
	assert.False(t, resp.Result.IsError)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "text", resp.Result.Content[0].Type)
	assert.Equal(t, "hello", resp.Result.Content[0].Text)
}

func TestCallToolErrors(t *testing.T) {
	env := newTestEnv(t, Config{})

	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`)
	assert.Equal(t, -32602, errorCode(t, decodeResponse(t, out)))

	out = env.process(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"does_not_exist"}}`)
	assert.Equal(t, -32001, errorCode(t, decodeResponse(t, out)))

	out = env.process(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	assert.Equal(t, -32602, errorCode(t, decodeResponse(t, out)))
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, Config{})
	before := time.Now().UnixMilli()
	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NotNil(t, out)

	var resp struct {
		Result protocol.PingResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.GreaterOrEqual(t, resp.Result.Timestamp, before)
}

func TestShutdownAcknowledgesThenStops(t *testing.T) {
	stopped := make(chan struct{})
	env := newTestEnv(t, Config{ShutdownDelay: time.Millisecond},
		WithShutdownFunc(func() { close(stopped) }))

	out := env.process(t, `{"jsonrpc":"2.0","id":1,"method":"shutdown"}`)
	require.NotNil(t, out)

	var resp struct {
		Result protocol.ShutdownResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.True(t, resp.Result.Acknowledged)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("shutdown function was not invoked")
	}
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.process(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	env.process(t, `{"jsonrpc":"2.0","id":2,"method":"does_not_exist"}`)
	env.process(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	env.process(t, `[{"jsonrpc":"2.0","id":3,"method":"ping"}]`)

	stats := env.router.Statistics()
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(4), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.ByType[typeNotification])
	assert.Equal(t, int64(1), stats.ByType[typeBatch])
	assert.Equal(t, int64(3), stats.ByType[typeRequest])
	assert.Equal(t, stats.Total, stats.Succeeded+stats.Failed)
}

func TestRequestOnExpiredSession(t *testing.T) {
	sessions := session.NewManager(session.Config{DefaultTimeout: time.Nanosecond})
	reg := registry.New(registry.Config{})
	r := New(Config{}, sessions, reg)

	s, err := sessions.CreateSession("client", "test")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	out := r.Process(context.Background(), &ConnContext{SessionID: s.ID}, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NotNil(t, out)
	assert.Equal(t, -32004, errorCode(t, decodeResponse(t, out)))
}
