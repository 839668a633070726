package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/jackc/puddle/v2"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("connection pool closed")

// Conn is one reusable transport to the provider.
type Conn interface {
	upstream.Sender
	// Healthy reports whether the connection may be handed out again.
	Healthy() bool
	Close()
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

type Config struct {
	MaxSize        int32
	AcquireTimeout time.Duration
	MaxIdle        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxSize:        10,
		AcquireTimeout: 5 * time.Second,
		MaxIdle:        90 * time.Second,
	}
}

// Pool is a bounded set of connections. A saturated pool suspends callers
// until a lease is returned or the acquire timeout passes.
type Pool struct {
	cfg      Config
	res      *puddle.Pool[Conn]
	observer metrics.Observer
	logger   *slog.Logger
}

type Option func(*Pool)

func WithObserver(o metrics.Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(cfg Config, dial Dialer, opts ...Option) (*Pool, error) {
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("invalid pool max size: %d", cfg.MaxSize)
	}
	if cfg.AcquireTimeout <= 0 {
		return nil, fmt.Errorf("invalid pool acquire timeout: %s", cfg.AcquireTimeout)
	}
	if dial == nil {
		return nil, errors.New("pool dialer is required")
	}

	p := &Pool{
		cfg:      cfg,
		observer: metrics.NopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	res, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			return dial(ctx)
		},
		Destructor: func(c Conn) {
			c.Close()
		},
		MaxSize: cfg.MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	p.res = res

	return p, nil
}

// Acquire leases a healthy connection. It fails with upstream.ErrPoolExhausted
// when the acquire timeout passes first and with upstream.ErrCancelled when ctx
// ends first.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()

	lease, err := p.acquire(ctx)
	wait := time.Since(start)
	p.observer.PoolAcquire(ctx, wait, err)
	telemetry.PoolAcquire(ctx, wait, err)
	if err == nil {
		p.reportUtilization(ctx)
	}
	return lease, err
}

func (p *Pool) acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, upstream.Cancelled(err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	for {
		res, err := p.res.Acquire(acquireCtx)
		if err != nil {
			return nil, p.acquireError(ctx, acquireCtx, err)
		}

		if reason := p.stale(res); reason != "" {
			res.Destroy()
			p.observer.PoolDiscard(ctx, reason)
			p.logger.DebugContext(ctx, "discarded pooled connection", "reason", reason)
			continue
		}

		return &Lease{res: res, pool: p}, nil
	}
}

func (p *Pool) acquireError(ctx, acquireCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return upstream.Cancelled(ctx.Err())
	case errors.Is(err, puddle.ErrClosedPool):
		return ErrClosed
	case acquireCtx.Err() != nil:
		p.logger.WarnContext(ctx, "connection pool exhausted",
			"max_size", p.cfg.MaxSize,
			"acquire_timeout", p.cfg.AcquireTimeout,
		)
		return fmt.Errorf("%w: no connection within %s", upstream.ErrPoolExhausted, p.cfg.AcquireTimeout)
	default:
		return fmt.Errorf("dial connection: %w", err)
	}
}

func (p *Pool) stale(res *puddle.Resource[Conn]) string {
	if !res.Value().Healthy() {
		return "unhealthy"
	}
	if p.cfg.MaxIdle > 0 && res.IdleDuration() > p.cfg.MaxIdle {
		return "idle"
	}
	return ""
}

// Do runs fn with a leased connection. The lease is returned on every exit
// path; it is discarded when fn reports upstream.ErrConnBroken or panics.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, c Conn) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	broken := true
	defer func() {
		if broken {
			lease.Discard()
			return
		}
		lease.Release()
	}()

	err = fn(ctx, lease.Conn())
	broken = errors.Is(err, upstream.ErrConnBroken)
	return err
}

// Send performs one request on a leased connection.
func (p *Pool) Send(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	var resp *upstream.Response
	err := p.Do(ctx, func(ctx context.Context, c Conn) error {
		var err error
		resp, err = c.Send(ctx, req)
		return err
	})
	return resp, err
}

type Stats struct {
	MaxSize        int32         `json:"max_size"`
	Total          int32         `json:"total"`
	InUse          int32         `json:"in_use"`
	Idle           int32         `json:"idle"`
	AcquireCount   int64         `json:"acquire_count"`
	CanceledCount  int64         `json:"canceled_acquire_count"`
	EmptyAcquires  int64         `json:"empty_acquire_count"`
	AcquireTime    time.Duration `json:"acquire_time_ns"`
	AcquireTimeout time.Duration `json:"acquire_timeout_ns"`
}

func (p *Pool) Stats() Stats {
	s := p.res.Stat()
	return Stats{
		MaxSize:        s.MaxResources(),
		Total:          s.TotalResources(),
		InUse:          s.AcquiredResources(),
		Idle:           s.IdleResources(),
		AcquireCount:   s.AcquireCount(),
		CanceledCount:  s.CanceledAcquireCount(),
		EmptyAcquires:  s.EmptyAcquireCount(),
		AcquireTime:    s.AcquireDuration(),
		AcquireTimeout: p.cfg.AcquireTimeout,
	}
}

func (p *Pool) reportUtilization(ctx context.Context) {
	s := p.res.Stat()
	p.observer.PoolUtilization(ctx, s.AcquiredResources(), s.TotalResources(), s.MaxResources())
}

// Close destroys idle connections and waits for leased ones to come back.
func (p *Pool) Close() {
	p.res.Close()
}

// Lease is a borrowed connection. Exactly one of Release or Discard takes
// effect; later calls are no-ops.
type Lease struct {
	res  *puddle.Resource[Conn]
	pool *Pool
	once sync.Once
}

func (l *Lease) Conn() Conn {
	return l.res.Value()
}

func (l *Lease) Release() {
	l.once.Do(func() {
		if !l.res.Value().Healthy() {
			l.res.Destroy()
			l.pool.observer.PoolDiscard(context.Background(), "unhealthy")
		} else {
			l.res.Release()
		}
		l.pool.reportUtilization(context.Background())
	})
}

func (l *Lease) Discard() {
	l.once.Do(func() {
		l.res.Destroy()
		l.pool.observer.PoolDiscard(context.Background(), "broken")
		l.pool.reportUtilization(context.Background())
	})
}
