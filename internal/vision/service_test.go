package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/geo"
	"github.com/daarshnicsanjeev/omni-visual/internal/imaging"
	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/pool"
	"github.com/daarshnicsanjeev/omni-visual/internal/retry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream/maps"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F', 0}

// fakeProvider answers provider requests from a handler and records them.
type fakeProvider struct {
	mu       sync.Mutex
	requests []upstream.Request
	handle   func(ctx context.Context, req upstream.Request, call int) (*upstream.Response, error)
}

func (p *fakeProvider) Send(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	call := len(p.requests)
	p.mu.Unlock()

	if p.handle == nil {
		return &upstream.Response{StatusCode: http.StatusOK, ContentType: "image/jpeg", Body: jpegMagic}, nil
	}
	return p.handle(ctx, req, call)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) last() upstream.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func newTestService(t *testing.T, sender upstream.Sender, opts ...func(*Config, *Deps)) *Service {
	t.Helper()

	cfg := Config{Caches: DefaultCacheConfig()}
	deps := Deps{
		Sender:     sender,
		Retry:      retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
		Compressor: imaging.NewCompressor(imaging.Config{Enabled: false}, nil),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	t.Run("requires a sender", func(t *testing.T) {
		_, err := New(Config{Caches: DefaultCacheConfig()}, Deps{})
		assert.Error(t, err)
	})

	t.Run("rejects invalid cache configuration", func(t *testing.T) {
		_, err := New(Config{}, Deps{Sender: &fakeProvider{}})
		assert.Error(t, err)
	})
}

func TestOverhead(t *testing.T) {
	t.Run("clamps zoom and serves repeats from cache", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)
		ctx := context.Background()

		req := OverheadRequest{Lat: 40.758, Lng: -73.9855, Zoom: 30, MapType: MapTypeSatellite}
		view, err := s.Overhead(ctx, req)
		require.NoError(t, err)
		_, err = s.Overhead(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, 1, provider.calls())
		assert.Equal(t, upstream.EndpointStaticMap, provider.last().Endpoint)
		assert.Equal(t, "21", provider.last().Params.Get("zoom"))
		assert.Equal(t, "400x400", provider.last().Params.Get("size"))
		assert.Equal(t, 21, view.Parameters.Zoom)
		assert.Equal(t, "image/jpeg", view.MIMEType)
		assert.Equal(t, "Overhead satellite view at (40.758, -73.9855), zoom level 21", view.Description)
	})

	t.Run("different map types are cached separately", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)
		ctx := context.Background()

		_, err := s.Overhead(ctx, OverheadRequest{Lat: 1, Lng: 2, Zoom: 15, MapType: MapTypeSatellite})
		require.NoError(t, err)
		_, err = s.Overhead(ctx, OverheadRequest{Lat: 1, Lng: 2, Zoom: 15, MapType: MapTypeRoadmap})
		require.NoError(t, err)

		assert.Equal(t, 2, provider.calls())
	})

	t.Run("rejects unknown map types without calling the provider", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)

		_, err := s.Overhead(context.Background(), OverheadRequest{Lat: 1, Lng: 2, Zoom: 15, MapType: "terrain"})

		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, 0, provider.calls())
	})

	t.Run("rejects coordinates out of range", func(t *testing.T) {
		s := newTestService(t, &fakeProvider{})

		_, err := s.Overhead(context.Background(), OverheadRequest{Lat: 91, Lng: 0, MapType: MapTypeRoadmap})

		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestStreetView(t *testing.T) {
	t.Run("normalizes parameters and describes the view", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)

		view, err := s.StreetView(context.Background(), StreetViewRequest{Lat: 51.5, Lng: -0.12, Heading: 450, Pitch: 120, FOV: 5})

		require.NoError(t, err)
		assert.Equal(t, 90, view.Parameters.Heading)
		assert.Equal(t, 90, view.Parameters.Pitch)
		assert.Equal(t, 20, view.Parameters.FOV)
		assert.Equal(t, "East", view.Parameters.Facing)
		assert.Equal(t, "Street view facing East (90°), looking up, FOV 20°", view.Description)
		assert.Equal(t, "90", provider.last().Params.Get("heading"))
	})

	t.Run("equivalent headings share a cache entry", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)
		ctx := context.Background()

		_, err := s.StreetView(ctx, StreetViewRequest{Lat: 1, Lng: 2, Heading: -90})
		require.NoError(t, err)
		_, err = s.StreetView(ctx, StreetViewRequest{Lat: 1, Lng: 2, Heading: 270, FOV: 90})
		require.NoError(t, err)

		assert.Equal(t, 1, provider.calls())
	})

	t.Run("retries transient failures", func(t *testing.T) {
		provider := &fakeProvider{handle: func(_ context.Context, _ upstream.Request, call int) (*upstream.Response, error) {
			if call < 3 {
				return nil, upstream.FromStatus("streetview", http.StatusServiceUnavailable, nil)
			}
			return &upstream.Response{StatusCode: http.StatusOK, Body: jpegMagic}, nil
		}}
		s := newTestService(t, provider)

		_, err := s.StreetView(context.Background(), StreetViewRequest{Lat: 1, Lng: 2})

		require.NoError(t, err)
		assert.Equal(t, 3, provider.calls())
	})

	t.Run("retries an empty image body", func(t *testing.T) {
		provider := &fakeProvider{handle: func(_ context.Context, _ upstream.Request, call int) (*upstream.Response, error) {
			if call == 1 {
				return &upstream.Response{StatusCode: http.StatusOK}, nil
			}
			return &upstream.Response{StatusCode: http.StatusOK, Body: jpegMagic}, nil
		}}
		s := newTestService(t, provider)

		_, err := s.StreetView(context.Background(), StreetViewRequest{Lat: 1, Lng: 2})

		require.NoError(t, err)
		assert.Equal(t, 2, provider.calls())
	})

	t.Run("does not retry or cache terminal failures", func(t *testing.T) {
		provider := &fakeProvider{handle: func(context.Context, upstream.Request, int) (*upstream.Response, error) {
			return nil, upstream.FromStatus("streetview", http.StatusNotFound, nil)
		}}
		s := newTestService(t, provider)
		ctx := context.Background()

		_, err := s.StreetView(ctx, StreetViewRequest{Lat: 1, Lng: 2})
		require.ErrorIs(t, err, upstream.ErrNotFound)
		assert.Equal(t, 1, provider.calls())

		_, err = s.StreetView(ctx, StreetViewRequest{Lat: 1, Lng: 2})
		require.Error(t, err)
		assert.Equal(t, 2, provider.calls())
	})
}

func TestPanorama(t *testing.T) {
	t.Run("reports partial failure per heading", func(t *testing.T) {
		provider := &fakeProvider{handle: func(_ context.Context, req upstream.Request, _ int) (*upstream.Response, error) {
			if req.Params.Get("heading") == "180" {
				return nil, upstream.FromStatus("streetview", http.StatusNotFound, nil)
			}
			return &upstream.Response{StatusCode: http.StatusOK, Body: jpegMagic}, nil
		}}
		s := newTestService(t, provider)

		p, err := s.Panorama(context.Background(), PanoramaRequest{Lat: 40.758, Lng: -73.9855})

		require.NoError(t, err)
		assert.False(t, p.Success)
		assert.Equal(t, 3, p.Succeeded)
		assert.Equal(t, 1, p.Failed)
		require.Len(t, p.Views, 4)

		directions := make([]string, 0, 4)
		for _, v := range p.Views {
			directions = append(directions, v.Direction)
			if v.Heading == 180 {
				assert.False(t, v.Success)
				assert.Nil(t, v.Image)
				assert.NotEmpty(t, v.Error)
			} else {
				assert.True(t, v.Success)
				require.NotNil(t, v.Image)
				assert.Equal(t, jpegMagic, v.Data)
			}
		}
		assert.Equal(t, []string{"North", "East", "South", "West"}, directions)
		assert.ErrorIs(t, p.Err(), upstream.ErrNotFound)
	})

	t.Run("fetches headings concurrently", func(t *testing.T) {
		provider := &fakeProvider{handle: func(ctx context.Context, _ upstream.Request, _ int) (*upstream.Response, error) {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &upstream.Response{StatusCode: http.StatusOK, Body: jpegMagic}, nil
		}}
		s := newTestService(t, provider)

		start := time.Now()
		p, err := s.Panorama(context.Background(), PanoramaRequest{Lat: 1, Lng: 2})

		require.NoError(t, err)
		assert.True(t, p.Success)
		assert.Less(t, time.Since(start), 350*time.Millisecond)
	})

	t.Run("reuses street view cache entries", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)
		ctx := context.Background()

		_, err := s.StreetView(ctx, StreetViewRequest{Lat: 1, Lng: 2, Heading: 90})
		require.NoError(t, err)
		_, err = s.Panorama(ctx, PanoramaRequest{Lat: 1, Lng: 2})
		require.NoError(t, err)

		assert.Equal(t, 4, provider.calls())
	})

	t.Run("honours custom headings", func(t *testing.T) {
		provider := &fakeProvider{}
		s := newTestService(t, provider)

		p, err := s.Panorama(context.Background(), PanoramaRequest{Lat: 1, Lng: 2, Headings: []int{45, 405, 225}})

		require.NoError(t, err)
		require.Len(t, p.Views, 2)
		assert.Equal(t, "Northeast", p.Views[0].Direction)
		assert.Equal(t, "Southwest", p.Views[1].Direction)
	})
}

func geocodeBody(status string) []byte {
	if status != "OK" {
		return []byte(fmt.Sprintf(`{"status":%q,"results":[]}`, status))
	}
	return []byte(`{"status":"OK","results":[{"formatted_address":"Times Square, New York","place_id":"p1","geometry":{"location":{"lat":40.758,"lng":-73.9855}}}]}`)
}

func TestGeocode(t *testing.T) {
	t.Run("resolves and caches by normalized address", func(t *testing.T) {
		provider := &fakeProvider{handle: func(context.Context, upstream.Request, int) (*upstream.Response, error) {
			return &upstream.Response{StatusCode: http.StatusOK, Body: geocodeBody("OK")}, nil
		}}
		s := newTestService(t, provider)
		ctx := context.Background()

		res, err := s.Geocode(ctx, "  Times   Square ")
		require.NoError(t, err)
		_, err = s.Geocode(ctx, "times square")
		require.NoError(t, err)

		assert.Equal(t, 1, provider.calls())
		assert.Equal(t, "Times Square", provider.last().Params.Get("address"))
		assert.Equal(t, "Times Square", res.Query)
		require.Len(t, res.Places, 1)
		assert.InDelta(t, 40.758, res.Places[0].Location.Lat, 1e-9)
	})

	t.Run("retries a transient status in the body", func(t *testing.T) {
		provider := &fakeProvider{handle: func(_ context.Context, _ upstream.Request, call int) (*upstream.Response, error) {
			if call == 1 {
				return &upstream.Response{StatusCode: http.StatusOK, Body: geocodeBody("OVER_QUERY_LIMIT")}, nil
			}
			return &upstream.Response{StatusCode: http.StatusOK, Body: geocodeBody("OK")}, nil
		}}
		s := newTestService(t, provider)

		_, err := s.Geocode(context.Background(), "Times Square")

		require.NoError(t, err)
		assert.Equal(t, 2, provider.calls())
	})

	t.Run("reports not found without retrying", func(t *testing.T) {
		provider := &fakeProvider{handle: func(context.Context, upstream.Request, int) (*upstream.Response, error) {
			return &upstream.Response{StatusCode: http.StatusOK, Body: geocodeBody("ZERO_RESULTS")}, nil
		}}
		s := newTestService(t, provider)

		_, err := s.Geocode(context.Background(), "nowhere at all")

		assert.ErrorIs(t, err, upstream.ErrNotFound)
		assert.Equal(t, 1, provider.calls())
	})

	t.Run("requires an address", func(t *testing.T) {
		s := newTestService(t, &fakeProvider{})

		_, err := s.Geocode(context.Background(), "   ")

		assert.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestReverseGeocode(t *testing.T) {
	provider := &fakeProvider{handle: func(context.Context, upstream.Request, int) (*upstream.Response, error) {
		return &upstream.Response{StatusCode: http.StatusOK, Body: geocodeBody("OK")}, nil
	}}
	s := newTestService(t, provider)

	res, err := s.ReverseGeocode(context.Background(), 40.758, -73.9855)

	require.NoError(t, err)
	assert.Equal(t, "40.758,-73.9855", provider.last().Params.Get("latlng"))
	assert.Equal(t, "40.758,-73.9855", res.Query)
	assert.Equal(t, "Times Square, New York", res.Places[0].FormattedAddress)
}

func TestProximity(t *testing.T) {
	s := newTestService(t, &fakeProvider{})

	p, err := s.Proximity(ProximityRequest{
		Origin:      geo.Point{Lat: 40.748817, Lng: -73.985428},
		Destination: geo.Point{Lat: 40.749017, Lng: -73.985428},
		Heading:     180,
	})

	require.NoError(t, err)
	assert.True(t, p.IsAdjacent)
	assert.Equal(t, "directly BEHIND you", p.RelativeDirection)

	_, err = s.Proximity(ProximityRequest{Origin: geo.Point{Lat: 100}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClearCaches(t *testing.T) {
	provider := &fakeProvider{}
	s := newTestService(t, provider)
	ctx := context.Background()
	req := StreetViewRequest{Lat: 1, Lng: 2}

	_, err := s.StreetView(ctx, req)
	require.NoError(t, err)
	s.ClearCaches(ctx)
	_, err = s.StreetView(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 2, provider.calls())
	for _, c := range s.Caches() {
		if c.Name() == "streetview" {
			assert.Equal(t, 1, c.Stats().Size)
		}
	}
}

func TestEndToEndThroughPool(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegMagic)
	}))
	defer srv.Close()

	recorder := metrics.NewRecorder()
	p, err := pool.New(pool.Config{MaxSize: 2, AcquireTimeout: time.Second},
		maps.Dialer(maps.Config{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}),
		pool.WithObserver(recorder),
	)
	require.NoError(t, err)
	defer p.Close()

	s := newTestService(t, p, func(_ *Config, d *Deps) {
		d.Observer = recorder
		d.Retry = retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
			retry.WithObserver(recorder))
	})

	view, err := s.StreetView(context.Background(), StreetViewRequest{Lat: 1, Lng: 2, Heading: 90})
	require.NoError(t, err)
	assert.Equal(t, jpegMagic, view.Data)

	_, err = s.StreetView(context.Background(), StreetViewRequest{Lat: 1, Lng: 2, Heading: 90})
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	snap := recorder.Snapshot()
	assert.Equal(t, int64(2), snap.CounterTotal(metrics.UpstreamAttemptsTotal))
	assert.Equal(t, int64(2), snap.CounterTotal(metrics.PoolAcquireTotal))
	assert.Equal(t, int64(2), snap.CounterTotal(metrics.CacheLookupsTotal))
	assert.Equal(t, int32(0), p.Stats().InUse)
}

func TestCancelledRequest(t *testing.T) {
	provider := &fakeProvider{handle: func(ctx context.Context, _ upstream.Request, _ int) (*upstream.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := newTestService(t, provider)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.StreetView(ctx, StreetViewRequest{Lat: 1, Lng: 2})

	assert.True(t, errors.Is(err, upstream.ErrCancelled))
}
