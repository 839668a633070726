package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int64
	healthy atomic.Bool
	closed  atomic.Bool
	sendFn  func(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

func (c *fakeConn) Send(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	if c.sendFn != nil {
		return c.sendFn(ctx, req)
	}
	return &upstream.Response{StatusCode: 200}, nil
}

func (c *fakeConn) Healthy() bool { return c.healthy.Load() }
func (c *fakeConn) Close()        { c.closed.Store(true) }

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  atomic.Int64
}

func (d *fakeDialer) dial(context.Context) (Conn, error) {
	c := &fakeConn{id: d.next.Add(1)}
	c.healthy.Store(true)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type discardObserver struct {
	metrics.NopObserver

	mu      sync.Mutex
	reasons []string
}

func (o *discardObserver) PoolDiscard(_ context.Context, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

func (o *discardObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.reasons...)
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	p, err := New(cfg, d.dial, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, d
}

func TestNew(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		d := &fakeDialer{}

		_, err := New(Config{MaxSize: 0, AcquireTimeout: time.Second}, d.dial)
		assert.Error(t, err)

		_, err = New(Config{MaxSize: 1}, d.dial)
		assert.Error(t, err)

		_, err = New(DefaultConfig(), nil)
		assert.Error(t, err)
	})
}

func TestAcquire(t *testing.T) {
	t.Run("third acquire waits until a lease is released", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: 2 * time.Second})
		ctx := context.Background()

		first, err := p.Acquire(ctx)
		require.NoError(t, err)
		second, err := p.Acquire(ctx)
		require.NoError(t, err)

		acquired := make(chan *Lease, 1)
		go func() {
			l, err := p.Acquire(ctx)
			if err == nil {
				acquired <- l
			}
		}()

		select {
		case <-acquired:
			t.Fatal("third acquire should wait while the pool is saturated")
		case <-time.After(50 * time.Millisecond):
		}

		first.Release()

		select {
		case l := <-acquired:
			l.Release()
		case <-time.After(time.Second):
			t.Fatal("third acquire did not resume after release")
		}
		second.Release()
	})

	t.Run("times out with pool exhausted", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond})
		ctx := context.Background()

		held, err := p.Acquire(ctx)
		require.NoError(t, err)
		defer held.Release()

		start := time.Now()
		_, err = p.Acquire(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, upstream.ErrPoolExhausted)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("caller cancellation is reported as cancelled", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 5 * time.Second})

		held, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer held.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = p.Acquire(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, upstream.ErrCancelled)
		assert.NotErrorIs(t, err, upstream.ErrPoolExhausted)
	})

	t.Run("reuses released connections", func(t *testing.T) {
		p, d := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: time.Second})
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			l, err := p.Acquire(ctx)
			require.NoError(t, err)
			l.Release()
		}

		assert.Equal(t, 1, d.dialed())
	})

	t.Run("never hands out an unhealthy connection", func(t *testing.T) {
		obs := &discardObserver{}
		p, d := newTestPool(t, Config{MaxSize: 2, AcquireTimeout: time.Second}, WithObserver(obs))
		ctx := context.Background()

		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		first := l.Conn().(*fakeConn)
		l.Release()

		first.healthy.Store(false)

		l, err = p.Acquire(ctx)
		require.NoError(t, err)
		defer l.Release()

		assert.NotSame(t, first, l.Conn())
		assert.True(t, l.Conn().Healthy())
		assert.Equal(t, 2, d.dialed())
		assert.Contains(t, obs.seen(), "unhealthy")
		assert.Eventually(t, first.closed.Load, time.Second, 5*time.Millisecond)
	})

	t.Run("replaces connections idle for too long", func(t *testing.T) {
		p, d := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: time.Second, MaxIdle: 10 * time.Millisecond})
		ctx := context.Background()

		l, err := p.Acquire(ctx)
		require.NoError(t, err)
		l.Release()

		time.Sleep(30 * time.Millisecond)

		l, err = p.Acquire(ctx)
		require.NoError(t, err)
		l.Release()

		assert.Equal(t, 2, d.dialed())
	})
}

func TestDo(t *testing.T) {
	t.Run("returns the connection after success and failure", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 100 * time.Millisecond})
		ctx := context.Background()

		require.NoError(t, p.Do(ctx, func(context.Context, Conn) error { return nil }))

		failure := upstream.Terminal("geocode", errors.New("bad request"))
		err := p.Do(ctx, func(context.Context, Conn) error { return failure })
		assert.ErrorIs(t, err, failure)

		assert.Equal(t, int32(0), p.Stats().InUse)
		assert.Equal(t, int32(1), p.Stats().Idle)
	})

	t.Run("discards connections that report a broken transport", func(t *testing.T) {
		obs := &discardObserver{}
		p, d := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: time.Second}, WithObserver(obs))
		ctx := context.Background()

		err := p.Do(ctx, func(context.Context, Conn) error {
			return upstream.ErrConnBroken
		})
		require.ErrorIs(t, err, upstream.ErrConnBroken)
		assert.Equal(t, []string{"broken"}, obs.seen())

		require.NoError(t, p.Do(ctx, func(context.Context, Conn) error { return nil }))
		assert.Equal(t, 2, d.dialed())
	})

	t.Run("frees capacity when fn panics", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: 200 * time.Millisecond})
		ctx := context.Background()

		func() {
			defer func() { _ = recover() }()
			_ = p.Do(ctx, func(context.Context, Conn) error { panic("boom") })
		}()

		require.NoError(t, p.Do(ctx, func(context.Context, Conn) error { return nil }))
	})

	t.Run("send delegates to the leased connection", func(t *testing.T) {
		d := &fakeDialer{}
		p, err := New(Config{MaxSize: 1, AcquireTimeout: time.Second}, func(ctx context.Context) (Conn, error) {
			c, _ := d.dial(ctx)
			c.(*fakeConn).sendFn = func(_ context.Context, req upstream.Request) (*upstream.Response, error) {
				return &upstream.Response{StatusCode: 200, Body: []byte(req.Endpoint)}, nil
			}
			return c, nil
		})
		require.NoError(t, err)
		defer p.Close()

		resp, err := p.Send(context.Background(), upstream.Request{Endpoint: upstream.EndpointStreetView})
		require.NoError(t, err)
		assert.Equal(t, "streetview", string(resp.Body))
	})
}

func TestConcurrentUseStaysWithinCapacity(t *testing.T) {
	var active, peak atomic.Int32

	p, _ := newTestPool(t, Config{MaxSize: 3, AcquireTimeout: 5 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(ctx, func(context.Context, Conn) error {
				n := active.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(0), p.Stats().InUse)
}

func TestCheckHealth(t *testing.T) {
	t.Run("succeeds with a healthy pool", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxSize: 1, AcquireTimeout: time.Second})
		assert.NoError(t, CheckHealth(context.Background(), p))
	})

	t.Run("fails after close", func(t *testing.T) {
		d := &fakeDialer{}
		p, err := New(Config{MaxSize: 1, AcquireTimeout: time.Second}, d.dial)
		require.NoError(t, err)
		p.Close()

		assert.ErrorIs(t, CheckHealth(context.Background(), p), ErrClosed)
	})
}
