package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn counts closes so tests can verify ownership and isolation.
type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (f *fakeConn) ListTools(_ context.Context) ([]mcp.Tool, error) {
	return nil, nil
}

func (f *fakeConn) CallTool(_ context.Context, _ string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	if f.closed.Load() {
		return nil, errors.New("closed")
	}
	return &mcp.CallToolResult{}, nil
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func newCountingDialer() (Dialer, *atomic.Int32) {
	var dials atomic.Int32
	dial := func(_ context.Context) (Conn, error) {
		n := dials.Add(1)
		return &fakeConn{id: int(n)}, nil
	}
	return dial, &dials
}

func TestGetOrCreateReusesConnection(t *testing.T) {
	dial, dials := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	conn1, id, err := r.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)

	conn2, _, err := r.GetOrCreate(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Same(t, conn1, conn2)
	assert.Equal(t, int32(1), dials.Load())
}

func TestConcurrentFirstRequestsOpenOneConnection(t *testing.T) {
	dial, dials := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	const n = 50
	conns := make([]Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := r.GetOrCreate(context.Background(), "shared")
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for i := 1; i < n; i++ {
		assert.Same(t, conns[0], conns[i])
	}
}

func TestSessionIsolation(t *testing.T) {
	dial, _ := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	connA, _, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	connB, _, err := r.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)

	assert.NotSame(t, connA, connB)

	// Closing A's connection must not affect B's.
	r.Remove("a")
	assert.True(t, connA.(*fakeConn).closed.Load())
	assert.False(t, connB.(*fakeConn).closed.Load())

	_, err = connB.CallTool(context.Background(), "search", nil)
	require.NoError(t, err)
}

func TestEmptyIDStartsFreshSessions(t *testing.T) {
	dial, dials := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	conn1, id1, err := r.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	conn2, id2, err := r.GetOrCreate(context.Background(), "")
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
	assert.NotSame(t, conn1, conn2)
	assert.Equal(t, int32(2), dials.Load())
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	dial, _ := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	r.Remove("ghost")
	assert.Equal(t, 0, r.Count())
}

func TestDialFailureIsRetriable(t *testing.T) {
	var attempts atomic.Int32
	dial := func(_ context.Context) (Conn, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("upstream unreachable")
		}
		return &fakeConn{}, nil
	}
	r := NewRegistry(dial, zap.NewNop())

	_, _, err := r.GetOrCreate(context.Background(), "flaky")
	require.Error(t, err)
	assert.Equal(t, 0, r.Count())

	conn, _, err := r.GetOrCreate(context.Background(), "flaky")
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestCloseAll(t *testing.T) {
	dial, _ := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	connA, _, err := r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)
	connB, _, err := r.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, r.CloseAll())
	assert.True(t, connA.(*fakeConn).closed.Load())
	assert.True(t, connB.(*fakeConn).closed.Load())
	assert.Equal(t, 0, r.Count())

	_, _, err = r.GetOrCreate(context.Background(), "c")
	require.ErrorIs(t, err, ErrRegistryClosed)

	// CloseAll is idempotent.
	require.NoError(t, r.CloseAll())
}

func TestCloseAllDuringInFlightDial(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	conn := &fakeConn{}
	r := NewRegistry(func(_ context.Context) (Conn, error) {
		close(started)
		<-release
		return conn, nil
	}, zap.NewNop())

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, _, err := r.GetOrCreate(context.Background(), "slow")
		done <- result{conn: c, err: err}
	}()

	<-started
	require.NoError(t, r.CloseAll())
	close(release)

	res := <-done
	assert.ErrorIs(t, res.err, ErrRegistryClosed)
	assert.Nil(t, res.conn)
	// The connection that finished dialing after the sweep must not leak.
	assert.True(t, conn.closed.Load())
}

func TestIDs(t *testing.T) {
	dial, _ := newCountingDialer()
	r := NewRegistry(dial, zap.NewNop())

	_, _, err := r.GetOrCreate(context.Background(), "b")
	require.NoError(t, err)
	_, _, err = r.GetOrCreate(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, r.IDs())
}
