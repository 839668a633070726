package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/cache"
	"github.com/daarshnicsanjeev/omni-visual/internal/imaging"
	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/panorama"
	"github.com/daarshnicsanjeev/omni-visual/internal/retry"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream/maps"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidRequest marks tool arguments that cannot be turned into a provider call.
var ErrInvalidRequest = errors.New("invalid request")

var errEmptyImage = errors.New("empty image")

type CacheConfig struct {
	Overhead   cache.Config
	StreetView cache.Config
	Geocode    cache.Config
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Overhead:   cache.Config{TTL: time.Hour, MaxEntries: 256},
		StreetView: cache.Config{TTL: 30 * time.Minute, MaxEntries: 256},
		Geocode:    cache.Config{TTL: 24 * time.Hour, MaxEntries: 256},
	}
}

type Config struct {
	Caches CacheConfig
	// PanoramaConcurrency caps concurrent heading fetches; zero means all at once.
	PanoramaConcurrency int
}

type Deps struct {
	// Sender performs provider calls, normally through the connection pool.
	Sender     upstream.Sender
	Retry      *retry.Executor
	Compressor *imaging.Compressor
	Observer   metrics.Observer
	Logger     *slog.Logger
}

// Service answers the agent's vision tools. Every provider call goes through
// fingerprint, cache, retry and pool in that order.
type Service struct {
	sender     upstream.Sender
	retry      *retry.Executor
	compressor *imaging.Compressor
	observer   metrics.Observer
	logger     *slog.Logger

	overhead   *cache.Cache[[]byte]
	streetView *cache.Cache[[]byte]
	geocode    *cache.Cache[[]maps.Place]

	panoramaOpts []panorama.Option
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Sender == nil {
		return nil, errors.New("vision sender is required")
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(retry.DefaultConfig())
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Compressor == nil {
		deps.Compressor = imaging.NewCompressor(imaging.DefaultConfig(), deps.Logger)
	}

	cacheOpts := []cache.Option{cache.WithObserver(deps.Observer), cache.WithLogger(deps.Logger)}

	overhead, err := cache.New[[]byte]("overhead", cfg.Caches.Overhead, cacheOpts...)
	if err != nil {
		return nil, err
	}
	streetView, err := cache.New[[]byte]("streetview", cfg.Caches.StreetView, cacheOpts...)
	if err != nil {
		return nil, err
	}
	geocode, err := cache.New[[]maps.Place]("geocode", cfg.Caches.Geocode, cacheOpts...)
	if err != nil {
		return nil, err
	}

	return &Service{
		sender:     deps.Sender,
		retry:      deps.Retry,
		compressor: deps.Compressor,
		observer:   deps.Observer,
		logger:     deps.Logger,
		overhead:   overhead,
		streetView: streetView,
		geocode:    geocode,
		panoramaOpts: []panorama.Option{
			panorama.WithConcurrency(cfg.PanoramaConcurrency),
			panorama.WithObserver(deps.Observer),
			panorama.WithLogger(deps.Logger),
		},
	}, nil
}

// Caches lists the result caches for operational endpoints.
func (s *Service) Caches() []cache.Admin {
	return []cache.Admin{s.overhead, s.streetView, s.geocode}
}

// ClearCaches empties every result cache.
func (s *Service) ClearCaches(ctx context.Context) {
	for _, c := range s.Caches() {
		c.Clear(ctx)
	}
}

func (s *Service) begin(ctx context.Context, name string) (context.Context, trace.Span, time.Time) {
	ctx, _ = telemetry.EnsureCorrelationID(ctx)
	ctx, span := telemetry.StartSpan(ctx, "vision."+name)
	return ctx, span, time.Now()
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// fetchImage checks the body inside the retry loop: an empty image is a
// provider hiccup worth another attempt.
func (s *Service) fetchImage(ctx context.Context, req upstream.Request) ([]byte, error) {
	resp, err := retry.Do(ctx, s.retry, string(req.Endpoint), func(ctx context.Context) (*upstream.Response, error) {
		resp, err := s.sender.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Body) == 0 {
			return nil, upstream.Transient(string(req.Endpoint), errEmptyImage)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	img, _ := s.compressor.Compress(ctx, resp.Body, resp.ContentType)
	return img, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func validateCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return invalid("latitude %v out of range [-90, 90]", lat)
	}
	if lng < -180 || lng > 180 {
		return invalid("longitude %v out of range [-180, 180]", lng)
	}
	return nil
}
