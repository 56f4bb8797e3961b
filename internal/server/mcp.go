package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"mcpoverride-go/internal/catalog"
	"mcpoverride-go/internal/metrics"
	"mcpoverride-go/internal/override"
	"mcpoverride-go/internal/session"
	"mcpoverride-go/internal/storage"
)

// MCPProxyServer routes tool calls from downstream MCP clients to the
// upstream server, applying overrides and the servable catalog on the way.
type MCPProxyServer struct {
	server    *mcpserver.MCPServer
	registry  *session.Registry
	catalog   *catalog.Manager
	overrides *override.Table
	storage   *storage.Manager // may be nil when history is disabled
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// sessionID resolves the calling session from the request context.
	// Swappable so routing can be tested without a live transport.
	sessionID func(ctx context.Context) (string, bool)
}

// NewMCPProxyServer creates the proxy-facing MCP server. Tools are
// registered separately once the upstream catalog has been loaded.
func NewMCPProxyServer(
	registry *session.Registry,
	cat *catalog.Manager,
	overrides *override.Table,
	store *storage.Manager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MCPProxyServer {
	p := &MCPProxyServer{
		registry:  registry,
		catalog:   cat,
		overrides: overrides,
		storage:   store,
		metrics:   m,
		logger:    logger,
	}
	p.sessionID = func(ctx context.Context) (string, bool) {
		sess := mcpserver.ClientSessionFromContext(ctx)
		if sess == nil {
			return "", false
		}
		return sess.SessionID(), true
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		logger.Info("MCP session registered", zap.String("session_id", sess.SessionID()))
	})

	p.server = mcpserver.NewMCPServer(
		"mcpoverride-go",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
		mcpserver.WithToolFilter(p.filterServable),
	)

	return p
}

// GetMCPServer returns the underlying MCP server instance.
func (p *MCPProxyServer) GetMCPServer() *mcpserver.MCPServer {
	return p.server
}

// RegisterUpstreamTools registers every tool from the upstream snapshot
// with the shared routing handler. Tools removed from the servable
// catalog stay registered but are hidden by the list filter and rejected
// by the router, so enabling them again needs no re-registration.
func (p *MCPProxyServer) RegisterUpstreamTools() {
	tools := p.catalog.UpstreamTools()
	for i := range tools {
		p.server.AddTool(tools[i], p.handleToolCall)
	}
	p.metrics.ServableTools.Set(float64(len(p.catalog.ListServable())))
	p.logger.Info("registered upstream tools", zap.Int("count", len(tools)))
}

// filterServable hides tools outside the servable catalog from
// tools/list responses.
func (p *MCPProxyServer) filterServable(_ context.Context, tools []mcp.Tool) []mcp.Tool {
	filtered := make([]mcp.Tool, 0, len(tools))
	for i := range tools {
		if p.catalog.IsServable(tools[i].Name) {
			filtered = append(filtered, tools[i])
		}
	}
	return filtered
}

// handleToolCall is the single routing handler behind every registered
// tool. Order matters: session resolution, then override dispatch, then
// the servable check, then upstream forwarding. Overrides win over the
// servable catalog, so a hidden tool with an override is still callable.
func (p *MCPProxyServer) handleToolCall(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.Params.Name
	args := request.GetArguments()
	start := time.Now()

	sessionID, ok := p.sessionID(ctx)
	if !ok {
		p.logger.Warn("tool call without a session", zap.String("tool", name))
		p.finish("", name, metrics.OutcomeNoSession, start, "no session available")
		return mcp.NewToolResultError("Error: No session available"), nil
	}

	conn, sessionID, err := p.registry.GetOrCreate(ctx, sessionID)
	if err != nil {
		p.logger.Error("failed to connect to upstream server",
			zap.String("session_id", sessionID),
			zap.String("tool", name),
			zap.Error(err))
		p.finish(sessionID, name, metrics.OutcomeConnectError, start, err.Error())
		return mcp.NewToolResultError(fmt.Sprintf("Error: upstream connection failed: %v", err)), nil
	}
	p.metrics.ActiveSessions.Set(float64(p.registry.Count()))

	if handler, found := p.overrides.Lookup(name); found {
		return p.dispatchOverride(ctx, handler, sessionID, name, args, conn, start), nil
	}

	if !p.catalog.IsServable(name) {
		p.logger.Warn("call to unavailable tool",
			zap.String("session_id", sessionID),
			zap.String("tool", name))
		p.finish(sessionID, name, metrics.OutcomeUnknownTool, start, "tool not available")
		return mcp.NewToolResultError(fmt.Sprintf("Tool '%s' not available", name)), nil
	}

	result, err := conn.CallTool(ctx, name, args)
	if err != nil {
		p.logger.Error("upstream tool call failed",
			zap.String("session_id", sessionID),
			zap.String("tool", name),
			zap.Error(err))
		p.finish(sessionID, name, metrics.OutcomeUpstreamError, start, err.Error())
		return mcp.NewToolResultError(fmt.Sprintf("Tool call error: %v", err)), nil
	}

	p.finish(sessionID, name, metrics.OutcomeForwarded, start, "")
	return normalizeResult(result), nil
}

// dispatchOverride runs an override handler inside a failure boundary so
// a panicking or erroring handler degrades to an error result instead of
// a protocol fault.
func (p *MCPProxyServer) dispatchOverride(
	ctx context.Context,
	handler override.Handler,
	sessionID, name string,
	args map[string]interface{},
	conn session.Conn,
	start time.Time,
) (result *mcp.CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("override handler panicked",
				zap.String("tool", name),
				zap.Any("panic", r))
			p.finish(sessionID, name, metrics.OutcomeOverrideError, start, fmt.Sprintf("panic: %v", r))
			result = mcp.NewToolResultError(fmt.Sprintf("Override error for tool '%s': %v", name, r))
		}
	}()

	res, err := handler(ctx, name, args, conn)
	if err != nil {
		p.logger.Error("override handler failed",
			zap.String("session_id", sessionID),
			zap.String("tool", name),
			zap.Error(err))
		p.finish(sessionID, name, metrics.OutcomeOverrideError, start, err.Error())
		return mcp.NewToolResultError(fmt.Sprintf("Override error for tool '%s': %v", name, err))
	}

	p.finish(sessionID, name, metrics.OutcomeOverride, start, "")
	return override.ToCallToolResult(res)
}

// normalizeResult guarantees that a successful result carries at least
// one content block.
func normalizeResult(result *mcp.CallToolResult) *mcp.CallToolResult {
	if result == nil {
		return mcp.NewToolResultText("")
	}
	if len(result.Content) == 0 {
		result.Content = []mcp.Content{mcp.NewTextContent("")}
	}
	return result
}

// finish records metrics and history for one routed call.
func (p *MCPProxyServer) finish(sessionID, tool, outcome string, start time.Time, errText string) {
	duration := time.Since(start)
	p.metrics.ObserveCall(tool, outcome, duration.Seconds())

	if p.storage == nil {
		return
	}
	if err := p.storage.RecordToolCall(&storage.CallRecord{
		SessionID: sessionID,
		Tool:      tool,
		Outcome:   outcome,
		Error:     errText,
		Duration:  duration,
		Timestamp: start,
	}); err != nil {
		p.logger.Warn("failed to record tool call", zap.Error(err))
	}
}
