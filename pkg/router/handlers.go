package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/repobridge/mcp-server/pkg/errors"
	"github.com/repobridge/mcp-server/pkg/logging"
	"github.com/repobridge/mcp-server/pkg/protocol"
	"github.com/repobridge/mcp-server/pkg/registry"
)

// handleInitialize negotiates the protocol version against the fixed
// supported set and records the result on the session.
func (r *Router) handleInitialize(_ context.Context, conn *ConnContext, msg *protocol.Message) (interface{}, error) {
	var params protocol.InitializeParams
	if err := protocol.DecodeParams(msg.Params, &params); err != nil {
		return nil, errors.InvalidParams("malformed initialize params")
	}
	if params.ProtocolVersion == "" {
		return nil, errors.InvalidParams("protocolVersion is required")
	}
	if !protocol.IsSupportedRevision(params.ProtocolVersion) {
		return nil, errors.InvalidParams(
			fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion)).
			WithData(map[string]interface{}{"supported": protocol.SupportedRevisions})
	}

	if conn.SessionID != "" {
		if err := r.sessions.MarkInitialized(conn.SessionID, params.ProtocolVersion); err != nil {
			return nil, err
		}
	}

	clientName := ""
	if params.ClientInfo != nil {
		clientName = params.ClientInfo.Name
	}
	r.logger.Info("session initialized",
		logging.String("session_id", conn.SessionID),
		logging.String("client", clientName),
		logging.String("protocol_version", params.ProtocolVersion))

	return &protocol.InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		ServerInfo: protocol.ServerInfo{
			Name:    r.cfg.ServerName,
			Version: r.cfg.ServerVersion,
		},
	}, nil
}

// handleListTools shapes every enabled tool into its input-schema form,
// restricted to the session's visibility set when one is configured.
func (r *Router) handleListTools(_ context.Context, conn *ConnContext, _ *protocol.Message) (interface{}, error) {
	var visible map[string]struct{}
	if conn.SessionID != "" {
		if s, ok := r.sessions.Get(conn.SessionID); ok {
			visible = s.VisibleTools
		}
	}

	tools := r.tools.ListEnabled()
	descriptors := make([]protocol.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if len(visible) > 0 {
			if _, ok := visible[t.Name]; !ok {
				continue
			}
		}
		descriptors = append(descriptors, describeTool(t))
	}
	return &protocol.ListToolsResult{Tools: descriptors}, nil
}

// describeTool derives the JSON-schema style descriptor from a tool's
// declared parameter list.
func describeTool(t registry.Tool) protocol.ToolDescriptor {
	schema := protocol.InputSchema{
		Type:       "object",
		Properties: make(map[string]protocol.PropertySchema, len(t.Parameters)),
	}
	for _, p := range t.Parameters {
		schema.Properties[p.Name] = protocol.PropertySchema{
			Type:        p.Type,
			Description: p.Description,
			Default:     p.Default,
			Enum:        p.Enum,
		}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return protocol.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
	}
}

// handleCallTool delegates to the registry and reshapes the result into
// content items.
func (r *Router) handleCallTool(ctx context.Context, conn *ConnContext, msg *protocol.Message) (interface{}, error) {
	var params protocol.CallToolParams
	if err := protocol.DecodeParams(msg.Params, &params); err != nil {
		return nil, errors.InvalidParams("malformed tools/call params")
	}
	if params.Name == "" {
		return nil, errors.InvalidParams("tool name is required")
	}

	ec := &registry.ExecutionContext{
		SessionID: conn.SessionID,
		Timestamp: r.now(),
	}
	if len(msg.ID) > 0 {
		ec.RequestID = string(msg.ID)
	}
	if conn.SessionID != "" {
		if s, ok := r.sessions.Get(conn.SessionID); ok {
			ec.User = s.User
		}
	}

	result, err := r.tools.Execute(ctx, params.Name, params.Arguments, ec)
	if err != nil {
		return nil, err
	}
	return &protocol.CallToolResult{
		Content: []protocol.ContentItem{{Type: "text", Text: renderResult(result)}},
		IsError: false,
	}, nil
}

// renderResult flattens a tool result to text content. Strings pass through;
// anything else is rendered as JSON.
func renderResult(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	}
}

// handlePing acknowledges immediately with the server wall clock.
func (r *Router) handlePing(_ context.Context, _ *ConnContext, _ *protocol.Message) (interface{}, error) {
	return &protocol.PingResult{Timestamp: r.now().UnixMilli()}, nil
}

// handleShutdown acknowledges first and schedules the stop slightly in the
// future so the acknowledgement reaches the wire.
func (r *Router) handleShutdown(_ context.Context, conn *ConnContext, _ *protocol.Message) (interface{}, error) {
	r.logger.Info("shutdown requested", logging.String("session_id", conn.SessionID))
	if r.onShutdown != nil {
		time.AfterFunc(r.cfg.ShutdownDelay, r.onShutdown)
	}
	return &protocol.ShutdownResult{Acknowledged: true}, nil
}
