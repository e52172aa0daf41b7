package pool_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
	"github.com/tombee/workflow-engine/pkg/mcp/client"
	"github.com/tombee/workflow-engine/pkg/mcp/pool"
	"github.com/tombee/workflow-engine/pkg/retry"
)

type fakeConn struct {
	mu      sync.Mutex
	healthy bool
	closed  bool
	calls   int
}

func newFakeConn() *fakeConn { return &fakeConn{healthy: true} }

func (f *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*client.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &client.ToolResult{}, nil
}

func (f *fakeConn) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy && !f.closed
}

func (f *fakeConn) setHealthy(h bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = h
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestPool_AcquireDialsLazily(t *testing.T) {
	var dials atomic.Int32
	p := pool.New(pool.Config{Endpoint: "test", MaxSize: 2}, func(ctx context.Context) (pool.Conn, error) {
		dials.Add(1)
		return newFakeConn(), nil
	})
	defer p.Close()

	assert.Equal(t, 0, p.Size())

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, 1, p.Size())
	g.Release()

	// A second acquire reuses the idle entry rather than dialing.
	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dials.Load())
	g2.Release()
}

func TestPool_ExhaustionTimesOut(t *testing.T) {
	p := pool.New(pool.Config{
		Endpoint:       "test",
		MaxSize:        1,
		AcquireTimeout: 50 * time.Millisecond,
	}, func(ctx context.Context) (pool.Conn, error) {
		return newFakeConn(), nil
	})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g.Release()

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	var perr *engineerrors.PoolExhaustedError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "test", perr.Endpoint)
}

func TestPool_WaiterWokenByRelease(t *testing.T) {
	p := pool.New(pool.Config{
		Endpoint:       "test",
		MaxSize:        1,
		AcquireTimeout: 2 * time.Second,
	}, func(ctx context.Context) (pool.Conn, error) {
		return newFakeConn(), nil
	})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		g2, err := p.Acquire(context.Background())
		if err == nil {
			g2.Release()
			close(acquired)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestPool_UnhealthyReleaseEvicts(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	p := pool.New(pool.Config{Endpoint: "test", MaxSize: 2}, func(ctx context.Context) (pool.Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := <-conns
	g.MarkUnhealthy()
	g.Release()

	assert.True(t, first.isClosed())
	assert.Equal(t, 0, p.Size())
}

func TestPool_UnhealthyIdleSkippedOnAcquire(t *testing.T) {
	p := pool.New(pool.Config{Endpoint: "test", MaxSize: 2}, func(ctx context.Context) (pool.Conn, error) {
		return newFakeConn(), nil
	})
	defer p.Close()

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	stale := g.Conn().(*fakeConn)
	g.Release()

	// The idle entry goes stale while parked; the next acquire must
	// evict it and dial a replacement.
	stale.setHealthy(false)

	g2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer g2.Release()
	assert.NotSame(t, stale, g2.Conn())
	assert.True(t, stale.isClosed())
}

func TestPool_DialFailureAppliesBackoff(t *testing.T) {
	var dials atomic.Int32
	p := pool.New(pool.Config{
		Endpoint:       "test",
		MaxSize:        1,
		AcquireTimeout: time.Second,
		DialBackoff: retry.Policy{
			MaxAttempts:     5,
			InitialDelay:    80 * time.Millisecond,
			MaxDelay:        time.Second,
			ExponentialBase: 2,
		},
	}, func(ctx context.Context) (pool.Conn, error) {
		dials.Add(1)
		return nil, fmt.Errorf("connection refused")
	})
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	var terr *engineerrors.TransportError
	require.ErrorAs(t, err, &terr)

	// An immediate second acquire must wait out the backoff window
	// before dialing again.
	started := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)
	assert.Equal(t, int32(2), dials.Load())
}

func TestPool_HealthLoopReplacesToMinSize(t *testing.T) {
	var dials atomic.Int32
	p := pool.New(pool.Config{
		Endpoint:            "test",
		MinSize:             1,
		MaxSize:             2,
		HealthCheckInterval: 20 * time.Millisecond,
	}, func(ctx context.Context) (pool.Conn, error) {
		dials.Add(1)
		return newFakeConn(), nil
	})
	defer p.Close()

	require.Eventually(t, func() bool { return p.Size() >= 1 },
		time.Second, 10*time.Millisecond, "health loop never warmed the pool to MinSize")
}

func TestPool_CloseShutsConnectionsDown(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	p := pool.New(pool.Config{Endpoint: "test", MaxSize: 2}, func(ctx context.Context) (pool.Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	})

	g, err := p.Acquire(context.Background())
	require.NoError(t, err)
	g.Release()

	require.NoError(t, p.Close())
	c := <-conns
	assert.True(t, c.isClosed())

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
}
