package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"mcpoverride-go/internal/session"
)

// ErrUnknownTool is returned when a name is absent from the upstream
// catalog snapshot.
var ErrUnknownTool = errors.New("catalog: unknown tool")

// Manager holds the immutable upstream tool snapshot and the mutable
// servable subset advertised to clients. The servable set is always a
// subset of the upstream snapshot.
type Manager struct {
	logger *zap.Logger

	mu       sync.RWMutex
	loaded   bool
	upstream []mcp.Tool
	byName   map[string]mcp.Tool
	servable map[string]struct{}
}

// NewManager creates an empty catalog manager. Load must succeed before
// the proxy can serve.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		byName:   make(map[string]mcp.Tool),
		servable: make(map[string]struct{}),
	}
}

// Load opens one bootstrap upstream connection, fetches the full tool
// list and populates both catalogs. The servable catalog starts equal to
// the upstream snapshot. The bootstrap connection is closed afterwards.
func (m *Manager) Load(ctx context.Context, dial session.Dialer) error {
	conn, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open bootstrap connection: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Warn("error closing bootstrap connection", zap.Error(closeErr))
		}
	}()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to load upstream tools: %w", err)
	}

	byName := make(map[string]mcp.Tool, len(tools))
	servable := make(map[string]struct{}, len(tools))
	for i := range tools {
		byName[tools[i].Name] = tools[i]
		servable[tools[i].Name] = struct{}{}
	}

	m.mu.Lock()
	m.upstream = tools
	m.byName = byName
	m.servable = servable
	m.loaded = true
	m.mu.Unlock()

	m.logger.Info("loaded tools from upstream server", zap.Int("count", len(tools)))
	return nil
}

// Loaded reports whether the bootstrap load has completed.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Disable removes a tool from the servable catalog only. Disabling a
// name that is not servable is a no-op, not an error.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	_, present := m.servable[name]
	delete(m.servable, name)
	m.mu.Unlock()

	if present {
		m.logger.Info("disabled tool", zap.String("tool", name))
	}
}

// Enable re-adds a tool to the servable catalog. The name must exist in
// the upstream snapshot; enabling an unknown name fails without mutating
// the servable set.
func (m *Manager) Enable(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	m.servable[name] = struct{}{}
	m.logger.Info("enabled tool", zap.String("tool", name))
	return nil
}

// IsServable reports whether the tool is currently advertised.
func (m *Manager) IsServable(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.servable[name]
	return ok
}

// Has reports whether the tool exists in the upstream snapshot,
// independent of servable state.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byName[name]
	return ok
}

// ListServable returns the servable catalog, preserving upstream order.
func (m *Manager) ListServable() []mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(m.servable))
	for i := range m.upstream {
		if _, ok := m.servable[m.upstream[i].Name]; ok {
			tools = append(tools, m.upstream[i])
		}
	}
	return tools
}

// UpstreamTools returns the full ordered upstream snapshot.
func (m *Manager) UpstreamTools() []mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tools := make([]mcp.Tool, len(m.upstream))
	copy(tools, m.upstream)
	return tools
}
