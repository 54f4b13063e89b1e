// Package tools provides the built-in tool set. These are ordinary
// registry tools; anything a deployment adds follows the same contract.
package tools

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/repobridge/mcp-server/pkg/auth"
	"github.com/repobridge/mcp-server/pkg/registry"
)

// StatusSource reports server state for the get_status tool.
type StatusSource interface {
	ActiveSessions() int
	RegisteredTools() int
	Uptime() time.Duration
}

// RegisterBuiltins registers the built-in tools. src may be nil, in which
// case get_status reports only process-level information.
func RegisterBuiltins(r *registry.Registry, src StatusSource) error {
	builtins := []registry.Tool{
		echoTool(),
		statusTool(src),
		capabilitiesTool(r),
	}
	for _, t := range builtins {
		if err := r.Register(t, registry.RegisterOptions{}); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.Name, err)
		}
	}
	return nil
}

// echoTool returns its message argument unchanged. Useful as a liveness
// probe for the whole request path.
func echoTool() registry.Tool {
	return registry.Tool{
		Name:        "echo",
		Description: "Echo the given message back to the caller",
		Category:    "diagnostics",
		Version:     "1.0.0",
		Enabled:     true,
		Parameters: []registry.Parameter{
			{Name: "message", Type: "string", Description: "Text to echo", Required: true},
		},
		Execute: func(_ context.Context, params map[string]interface{}, _ *registry.ExecutionContext) (interface{}, error) {
			return params["message"], nil
		},
	}
}

// statusTool reports server health keyed by a caller-supplied probe id.
func statusTool(src StatusSource) registry.Tool {
	started := time.Now()
	return registry.Tool{
		Name:        "get_status",
		Description: "Report server status",
		Category:    "diagnostics",
		Version:     "1.0.0",
		Enabled:     true,
		Parameters: []registry.Parameter{
			{Name: "id", Type: "string", Description: "Probe identifier echoed back in the report", Required: true},
			{Name: "verbose", Type: "boolean", Description: "Include runtime details", Required: false, Default: false},
		},
		Execute: func(_ context.Context, params map[string]interface{}, _ *registry.ExecutionContext) (interface{}, error) {
			report := map[string]interface{}{
				"id":     params["id"],
				"status": "ok",
				"time":   time.Now().UTC().Format(time.RFC3339),
			}
			if src != nil {
				report["activeSessions"] = src.ActiveSessions()
				report["registeredTools"] = src.RegisteredTools()
				report["uptime"] = src.Uptime().String()
			} else {
				report["uptime"] = time.Since(started).String()
			}
			if verbose, _ := params["verbose"].(bool); verbose {
				report["goroutines"] = runtime.NumGoroutine()
				report["goVersion"] = runtime.Version()
			}
			return report, nil
		},
	}
}

// capabilitiesTool lists registered tool names by category. It declares an
// auth requirement so the authorization path is exercised by a built-in.
func capabilitiesTool(r *registry.Registry) registry.Tool {
	return registry.Tool{
		Name:        "list_capabilities",
		Description: "List registered tools grouped by category",
		Category:    "diagnostics",
		Version:     "1.0.0",
		Enabled:     true,
		Auth: &auth.Requirement{
			Required: true,
			MinLevel: auth.LevelRead,
		},
		Parameters: []registry.Parameter{
			{Name: "category", Type: "string", Description: "Restrict to one category", Required: false},
		},
		Execute: func(_ context.Context, params map[string]interface{}, _ *registry.ExecutionContext) (interface{}, error) {
			category, _ := params["category"].(string)
			out := make(map[string][]string)
			if category != "" {
				for _, t := range r.ToolsByCategory(category) {
					out[category] = append(out[category], t.Name)
				}
				return out, nil
			}
			for _, c := range r.Categories() {
				for _, t := range r.ToolsByCategory(c) {
					out[c] = append(out[c], t.Name)
				}
			}
			return out, nil
		},
	}
}
