package override

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpoverride-go/internal/session"
)

// Result is the normalized outcome of an override handler.
type Result struct {
	Text    string
	IsError bool
}

// Handler intercepts calls to one tool name. It receives the original
// arguments and the calling session's upstream connection, so it can
// wrap, augment or replace the upstream behavior.
type Handler func(ctx context.Context, name string, args map[string]interface{}, conn session.Conn) (Result, error)

// Table maps tool names to override handlers. Lookups take priority over
// forwarding, independent of the servable catalog.
type Table struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTable creates an empty override table.
func NewTable(logger *zap.Logger) *Table {
	return &Table{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register installs or replaces the handler for a tool name.
func (t *Table) Register(name string, handler Handler) {
	t.mu.Lock()
	t.handlers[name] = handler
	t.mu.Unlock()

	t.logger.Info("registered override", zap.String("tool", name))
}

// Unregister removes the handler for a tool name. No-op if absent.
func (t *Table) Unregister(name string) {
	t.mu.Lock()
	_, present := t.handlers[name]
	delete(t.handlers, name)
	t.mu.Unlock()

	if present {
		t.logger.Info("unregistered override", zap.String("tool", name))
	}
}

// Lookup returns the handler for a tool name, if any.
func (t *Table) Lookup(name string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[name]
	return h, ok
}

// Names returns the sorted names with registered overrides.
func (t *Table) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	t.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ToCallToolResult wraps a handler result into a single text content
// block, prefixing "Error: " when the handler flagged an error.
func ToCallToolResult(res Result) *mcp.CallToolResult {
	if res.IsError {
		return mcp.NewToolResultError(fmt.Sprintf("Error: %s", res.Text))
	}
	return mcp.NewToolResultText(res.Text)
}
