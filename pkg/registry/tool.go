// Package registry owns the name-to-tool mapping: naming validation,
// registration, permission-gated execution, and per-tool statistics.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/repobridge/mcp-server/pkg/auth"
)

// namePattern is the naming invariant every tool must satisfy.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ReservedPrefixes are forbidden at the start of tool names. They are
// reserved for upstream integrations and internal plumbing.
var ReservedPrefixes = []string{"bitbucket_", "mcp_", "rpc_", "internal_"}

// Parameter declares one tool parameter.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ExecutionContext is the typed context handed to a tool's execute function.
// It replaces loosely shaped per-call objects: the fields here are the whole
// contract.
type ExecutionContext struct {
	SessionID string
	User      *auth.UserInfo
	RequestID interface{}
	Timestamp time.Time
}

// Handler is a tool's execute capability.
type Handler func(ctx context.Context, params map[string]interface{}, ec *ExecutionContext) (interface{}, error)

// Tool is a named, versioned capability. Tools are registered once and live
// for the process lifetime unless explicitly unregistered.
type Tool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Category    string            `json:"category,omitempty"`
	Version     string            `json:"version,omitempty"`
	Parameters  []Parameter       `json:"parameters"`
	Enabled     bool              `json:"enabled"`
	Auth        *auth.Requirement `json:"auth,omitempty"`
	Execute     Handler           `json:"-"`
}

// ValidateName checks the naming invariant: pattern match plus reserved
// prefix rejection.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("tool name %q must match %s", name, namePattern.String())
	}
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("tool name %q uses reserved prefix %q", name, prefix)
		}
	}
	return nil
}

// validateShape checks that a tool is structurally complete: name,
// description, parameter declarations and an execute capability. Unknown
// parameter types are rejected at registration rather than at call time.
func validateShape(tool *Tool) error {
	if err := ValidateName(tool.Name); err != nil {
		return err
	}
	if tool.Description == "" {
		return fmt.Errorf("tool %q has no description", tool.Name)
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %q has no execute capability", tool.Name)
	}
	seen := make(map[string]bool, len(tool.Parameters))
	for _, p := range tool.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %q declares a parameter with no name", tool.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %q declares parameter %q twice", tool.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "string", "number", "integer", "boolean", "array", "object":
		default:
			return fmt.Errorf("tool %q parameter %q has unknown type %q", tool.Name, p.Name, p.Type)
		}
	}
	return nil
}

// checkParams validates provided arguments against the declared parameter
// list and fills in defaults. The returned map is a copy; the caller's map
// is not mutated.
func checkParams(tool *Tool, params map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}

	for _, p := range tool.Parameters {
		value, present := out[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		if err := checkType(p, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkType(p Parameter, value interface{}) error {
	ok := false
	switch p.Type {
	case "string":
		var s string
		s, ok = value.(string)
		if ok && len(p.Enum) > 0 {
			ok = false
			for _, allowed := range p.Enum {
				if s == allowed {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Enum)
			}
		}
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			ok = true
		}
	case "integer":
		switch v := value.(type) {
		case int, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]interface{})
	case "object":
		_, ok = value.(map[string]interface{})
	}
	if !ok {
		return fmt.Errorf("parameter %q must be of type %s", p.Name, p.Type)
	}
	return nil
}
