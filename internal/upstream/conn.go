package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpoverride-go/internal/transport"
)

var (
	// ErrNotConnected is returned when an operation is attempted on a
	// connection that was never opened or has been closed.
	ErrNotConnected = errors.New("upstream: not connected")

	// ErrUpstreamTimeout is returned when an upstream call exceeds its
	// bounded timeout.
	ErrUpstreamTimeout = errors.New("upstream: call timed out")
)

// Conn is a single logical connection to the upstream MCP server. It is
// owned exclusively by one session.
type Conn struct {
	url      string
	protocol string
	logger   *zap.Logger

	connectTimeout time.Duration
	callTimeout    time.Duration

	// callMu serializes in-flight tool calls on this connection; the
	// underlying transport is not documented as safe for concurrent
	// calls, so responses could otherwise be misattributed.
	callMu sync.Mutex

	// connectMu serializes Connect so two concurrent callers cannot
	// both pass the state check and leak a client.
	connectMu sync.Mutex

	mu         sync.RWMutex
	client     *client.Client
	serverInfo *mcp.InitializeResult
	connected  bool
	closed     bool
}

// Options configures a new upstream connection.
type Options struct {
	URL            string
	Protocol       string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// New creates an unopened upstream connection. Call Connect before use.
func New(opts Options, logger *zap.Logger) *Conn {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	return &Conn{
		url:            opts.URL,
		protocol:       opts.Protocol,
		connectTimeout: opts.ConnectTimeout,
		callTimeout:    opts.CallTimeout,
		logger:         logger.With(zap.String("upstream_url", opts.URL)),
	}
}

// Connect starts the transport and performs the MCP initialize handshake.
// Concurrent calls serialize; once one succeeds the rest return nil.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	mcpClient, err := transport.CreateClient(c.url, c.protocol)
	if err != nil {
		return fmt.Errorf("failed to create upstream client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	if err := mcpClient.Start(connectCtx); err != nil {
		if connectCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: connect to %s exceeded %v", ErrUpstreamTimeout, c.url, c.connectTimeout)
		}
		return fmt.Errorf("failed to start upstream transport: %w", err)
	}

	serverInfo, err := c.initialize(connectCtx, mcpClient)
	if err != nil {
		_ = mcpClient.Close()
		return err
	}

	c.mu.Lock()
	c.client = mcpClient
	c.serverInfo = serverInfo
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to upstream MCP server",
		zap.String("server_name", serverInfo.ServerInfo.Name),
		zap.String("server_version", serverInfo.ServerInfo.Version))
	return nil
}

// initialize performs the MCP initialization handshake
func (c *Conn) initialize(ctx context.Context, mcpClient *client.Client) (*mcp.InitializeResult, error) {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpoverride-go",
		Version: "1.0.0",
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	serverInfo, err := mcpClient.Initialize(ctx, initRequest)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: initialize exceeded %v", ErrUpstreamTimeout, c.connectTimeout)
		}
		return nil, fmt.Errorf("MCP initialize failed: %w", err)
	}
	return serverInfo, nil
}

// IsConnected returns whether the connection is currently open.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// ServerInfo returns the upstream initialize result, or nil before Connect.
func (c *Conn) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools retrieves the ordered tool list from the upstream server.
func (c *Conn) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	mcpClient := c.client
	connected := c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, ErrNotConnected
	}

	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	return result.Tools, nil
}

// CallTool executes a tool on the upstream server with a bounded timeout.
func (c *Conn) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	mcpClient := c.client
	connected := c.connected
	c.mu.RUnlock()

	if !connected || mcpClient == nil {
		return nil, ErrNotConnected
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = toolName
	request.Params.Arguments = args

	callCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.callTimeout {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	start := time.Now()
	result, err := mcpClient.CallTool(callCtx, request)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: tool %q exceeded %v", ErrUpstreamTimeout, toolName, c.callTimeout)
		}
		return nil, fmt.Errorf("tool call %q failed: %w", toolName, err)
	}

	c.logger.Debug("upstream tool call completed",
		zap.String("tool", toolName),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// Close releases the transport. It is idempotent and safe to call on a
// never-opened connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mcpClient := c.client
	wasConnected := c.connected
	c.client = nil
	c.serverInfo = nil
	c.connected = false
	c.mu.Unlock()

	if mcpClient != nil {
		if err := mcpClient.Close(); err != nil {
			c.logger.Warn("error closing upstream client", zap.Error(err))
			return err
		}
	}

	c.logger.Debug("upstream connection closed", zap.Bool("was_connected", wasConnected))
	return nil
}
