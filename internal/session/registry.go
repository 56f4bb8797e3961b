package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ErrRegistryClosed is returned by GetOrCreate after CloseAll.
var ErrRegistryClosed = errors.New("session: registry closed")

// Conn is the upstream connection owned by a session.
type Conn interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer opens a new upstream connection for a session.
type Dialer func(ctx context.Context) (Conn, error)

// entry holds one session's connection. The sync.Once makes creation
// atomic per key: concurrent first-requests for the same id all wait on
// the single dial.
type entry struct {
	once    sync.Once
	conn    Conn
	err     error
	created time.Time
}

// Registry maps session ids to their upstream connections, creating them
// lazily and exactly once per id.
type Registry struct {
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry creates an empty session registry.
func NewRegistry(dial Dialer, logger *zap.Logger) *Registry {
	return &Registry{
		dial:    dial,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the connection owned by the given session, opening
// it on first use. An empty id starts a brand-new session under a fresh
// generated id; callers who want continuity must supply a stable id. The
// returned id is the effective session id.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (Conn, string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, id, ErrRegistryClosed
	}
	e, ok := r.entries[id]
	if !ok {
		e = &entry{created: time.Now()}
		r.entries[id] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		e.conn, e.err = r.dial(ctx)
		if e.err == nil {
			r.logger.Info("created upstream connection for session",
				zap.String("session_id", id))
		}
	})

	if e.err != nil {
		// Evict the failed entry so a later request for the same id can
		// retry instead of being stuck with a dead session.
		r.mu.Lock()
		if cur, ok := r.entries[id]; ok && cur == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		return nil, id, e.err
	}

	// CloseAll may have swept the map while the dial was in flight; a
	// connection finished after the sweep would otherwise leak.
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		if err := e.conn.Close(); err != nil {
			r.logger.Warn("error closing connection dialed during shutdown",
				zap.String("session_id", id),
				zap.Error(err))
		}
		return nil, id, ErrRegistryClosed
	}

	return e.conn, id, nil
}

// Get returns the connection for an existing session without creating one.
func (r *Registry) Get(id string) (Conn, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()

	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Remove closes the session's connection and evicts the entry. It is a
// no-op for unknown ids.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			r.logger.Warn("error closing session connection",
				zap.String("session_id", id),
				zap.Error(err))
		}
	}
	r.logger.Info("removed session", zap.String("session_id", id))
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the sorted ids of all registered sessions.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// CloseAll closes every remaining session's connection and marks the
// registry closed. Subsequent GetOrCreate calls fail with
// ErrRegistryClosed.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var firstErr error
	for id, e := range entries {
		if e.conn == nil {
			continue
		}
		if err := e.conn.Close(); err != nil {
			r.logger.Warn("error closing session connection during shutdown",
				zap.String("session_id", id),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	r.logger.Info("closed all sessions", zap.Int("count", len(entries)))
	return firstErr
}
