package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	return New(Options{
		URL:            "http://localhost:9000/mcp",
		Protocol:       "streamable-http",
		ConnectTimeout: 2 * time.Second,
		CallTimeout:    2 * time.Second,
	}, zap.NewNop())
}

func TestCallToolNotConnected(t *testing.T) {
	conn := newTestConn(t)

	_, err := conn.CallTool(context.Background(), "search", nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestListToolsNotConnected(t *testing.T) {
	conn := newTestConn(t)

	_, err := conn.ListTools(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestCloseIdempotent(t *testing.T) {
	conn := newTestConn(t)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	// A closed connection stays unusable.
	_, err := conn.CallTool(context.Background(), "search", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, conn.IsConnected())
}

func TestConnectAfterCloseFails(t *testing.T) {
	conn := newTestConn(t)
	require.NoError(t, conn.Close())

	err := conn.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConcurrentConnectCallsSerialize(t *testing.T) {
	conn := New(Options{
		URL:            "http://192.0.2.1:1/mcp",
		Protocol:       "streamable-http",
		ConnectTimeout: 200 * time.Millisecond,
		CallTimeout:    time.Second,
	}, zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Concurrent attempts must not race past the state check and stack
	// up clients; each serialized attempt fails cleanly here.
	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- conn.Connect(ctx)
		}()
	}
	for i := 0; i < n; i++ {
		assert.Error(t, <-errs)
	}
	assert.False(t, conn.IsConnected())
}

func TestConnectUnreachableUpstream(t *testing.T) {
	// Reserved TEST-NET-1 address; connect should fail quickly with a
	// transport error rather than hang past the configured timeout.
	conn := New(Options{
		URL:            "http://192.0.2.1:1/mcp",
		Protocol:       "streamable-http",
		ConnectTimeout: 500 * time.Millisecond,
		CallTimeout:    time.Second,
	}, zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Connect(ctx)
	require.Error(t, err)
	assert.False(t, conn.IsConnected())
}
