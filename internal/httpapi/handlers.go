package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/cache"
	"github.com/daarshnicsanjeev/omni-visual/internal/geo"
	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/pool"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/daarshnicsanjeev/omni-visual/internal/vision"
)

const maxBodyBytes = 1 << 20

// Vision is the tool surface served over HTTP.
type Vision interface {
	Overhead(ctx context.Context, req vision.OverheadRequest) (*vision.OverheadView, error)
	StreetView(ctx context.Context, req vision.StreetViewRequest) (*vision.StreetView, error)
	Panorama(ctx context.Context, req vision.PanoramaRequest) (*vision.Panorama, error)
	Geocode(ctx context.Context, address string) (*vision.GeocodeResult, error)
	ReverseGeocode(ctx context.Context, lat, lng float64) (*vision.GeocodeResult, error)
	Proximity(req vision.ProximityRequest) (geo.Proximity, error)
	Caches() []cache.Admin
	ClearCaches(ctx context.Context)
}

// PoolStatus reports connection pool state for readiness and metrics.
type PoolStatus interface {
	Stats() pool.Stats
}

// Handler exposes the vision tools and operational endpoints.
type Handler struct {
	vision         Vision
	recorder       *metrics.Recorder
	pool           PoolStatus
	ready          func(ctx context.Context) error
	logger         *slog.Logger
	httpMetrics    *Metrics
	requestTimeout time.Duration
}

type Deps struct {
	Vision   Vision
	Recorder *metrics.Recorder
	Pool     PoolStatus
	// Ready reports whether a provider call could be served right now.
	Ready func(ctx context.Context) error
	// Metrics instruments requests and tool failures; nil disables it.
	Metrics        *Metrics
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Ready == nil {
		deps.Ready = func(context.Context) error { return nil }
	}
	return &Handler{
		vision:         deps.Vision,
		recorder:       deps.Recorder,
		pool:           deps.Pool,
		ready:          deps.Ready,
		logger:         deps.Logger,
		httpMetrics:    deps.Metrics,
		requestTimeout: deps.RequestTimeout,
	}
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type metricsResponse struct {
	Metrics metrics.Snapshot       `json:"metrics"`
	Caches  map[string]cache.Stats `json:"caches"`
	Pool    *pool.Stats            `json:"pool,omitempty"`
}

func (h *Handler) metrics(w http.ResponseWriter, _ *http.Request) {
	resp := metricsResponse{
		Metrics: h.recorder.Snapshot(),
		Caches:  make(map[string]cache.Stats),
	}
	for _, c := range h.vision.Caches() {
		resp.Caches[c.Name()] = c.Stats()
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Pool = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) clearCaches(w http.ResponseWriter, r *http.Request) {
	h.vision.ClearCaches(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) resetMetrics(w http.ResponseWriter, _ *http.Request) {
	h.recorder.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) overhead(w http.ResponseWriter, r *http.Request) {
	var req vision.OverheadRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, "overhead", func(ctx context.Context) (any, error) {
		return h.vision.Overhead(ctx, req)
	})
}

func (h *Handler) streetView(w http.ResponseWriter, r *http.Request) {
	var req vision.StreetViewRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, "streetview", func(ctx context.Context) (any, error) {
		return h.vision.StreetView(ctx, req)
	})
}

func (h *Handler) panorama(w http.ResponseWriter, r *http.Request) {
	var req vision.PanoramaRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, "panorama", func(ctx context.Context) (any, error) {
		return h.vision.Panorama(ctx, req)
	})
}

func (h *Handler) geocode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, "geocode", func(ctx context.Context) (any, error) {
		return h.vision.Geocode(ctx, req.Address)
	})
}

func (h *Handler) reverseGeocode(w http.ResponseWriter, r *http.Request) {
	var req geo.Point
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, "reverse_geocode", func(ctx context.Context) (any, error) {
		return h.vision.ReverseGeocode(ctx, req.Lat, req.Lng)
	})
}

func (h *Handler) proximity(w http.ResponseWriter, r *http.Request) {
	var req vision.ProximityRequest
	if !decode(w, r, &req) {
		return
	}
	h.respond(w, r, "proximity", func(context.Context) (any, error) {
		return h.vision.Proximity(req)
	})
}

// respond runs a tool call under the request timeout and writes its result.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, tool string, call func(ctx context.Context) (any, error)) {
	ctx := r.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	result, err := call(ctx)
	if err != nil {
		status := statusFor(err)
		h.httpMetrics.RecordToolFailure(ctx, tool, status, err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "tool call failed", "tool", tool, "status", status, "error", err)
		}
		writeJSON(w, status, errorResponse{
			Error:         err.Error(),
			Kind:          errorKind(err),
			CorrelationID: telemetry.CorrelationID(ctx),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorResponse struct {
	Error         string `json:"error"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// errorKind names the failure class reported to callers and on metrics.
func errorKind(err error) string {
	if errors.Is(err, vision.ErrInvalidRequest) {
		return "invalid_request"
	}
	return upstream.Kind(err)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vision.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, upstream.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upstream.ErrPoolExhausted), errors.Is(err, pool.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, upstream.ErrCancelled):
		return http.StatusGatewayTimeout
	case upstream.IsTerminal(err), upstream.IsRetryable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
