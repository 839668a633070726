package vision

import (
	"context"
	"fmt"
	"net/http"

	"github.com/daarshnicsanjeev/omni-visual/internal/fingerprint"
	"github.com/daarshnicsanjeev/omni-visual/internal/geo"
	"github.com/daarshnicsanjeev/omni-visual/internal/panorama"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream/maps"
)

const (
	MapTypeSatellite = "satellite"
	MapTypeRoadmap   = "roadmap"
)

type Image struct {
	Data     []byte `json:"image_data"`
	MIMEType string `json:"mime_type"`
}

func newImage(data []byte) Image {
	return Image{Data: data, MIMEType: http.DetectContentType(data)}
}

type OverheadRequest struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Zoom    int     `json:"zoom"`
	MapType string  `json:"map_type"`
}

type OverheadView struct {
	Image
	Description string          `json:"description"`
	Parameters  OverheadRequest `json:"parameters"`
	LatencyMS   float64         `json:"latency_ms"`
}

// Overhead returns a satellite or roadmap image centered on a location.
// Zoom is clamped to 0-21.
func (s *Service) Overhead(ctx context.Context, req OverheadRequest) (_ *OverheadView, err error) {
	ctx, span, start := s.begin(ctx, "Overhead")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := validateCoordinates(req.Lat, req.Lng); err != nil {
		return nil, err
	}
	if req.MapType == "" {
		req.MapType = MapTypeSatellite
	}
	if req.MapType != MapTypeSatellite && req.MapType != MapTypeRoadmap {
		return nil, invalid("map type %q must be %s or %s", req.MapType, MapTypeSatellite, MapTypeRoadmap)
	}
	req.Zoom = min(max(req.Zoom, 0), 21)

	s.logger.InfoContext(ctx, "fetching overhead view",
		"lat", req.Lat,
		"lng", req.Lng,
		"zoom", req.Zoom,
		"map_type", req.MapType,
	)

	fp := fingerprint.Of(fingerprint.Params{
		Kind:    fingerprint.KindOverhead,
		Lat:     req.Lat,
		Lng:     req.Lng,
		Zoom:    req.Zoom,
		Variant: req.MapType,
	})
	data, err := s.overhead.GetOrFetch(ctx, fp, func(ctx context.Context) ([]byte, error) {
		return s.fetchImage(ctx, maps.StaticMapRequest(req.Lat, req.Lng, req.Zoom, req.MapType))
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "overhead view failed", "error", err)
		return nil, err
	}

	view := &OverheadView{
		Image:       newImage(data),
		Description: fmt.Sprintf("Overhead %s view at (%v, %v), zoom level %d", req.MapType, req.Lat, req.Lng, req.Zoom),
		Parameters:  req,
		LatencyMS:   latencyMS(start),
	}
	s.logger.InfoContext(ctx, "overhead view fetched", "latency_ms", view.LatencyMS)
	return view, nil
}

type StreetViewRequest struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading int     `json:"heading"`
	Pitch   int     `json:"pitch"`
	FOV     int     `json:"fov"`
}

// normalize puts heading in [0, 360), pitch in [-90, 90] and fov in [20, 120].
// A zero fov means the default of 90.
func (r StreetViewRequest) normalize() StreetViewRequest {
	r.Heading = panorama.Normalize(r.Heading)
	r.Pitch = min(max(r.Pitch, -90), 90)
	if r.FOV == 0 {
		r.FOV = 90
	}
	r.FOV = min(max(r.FOV, 20), 120)
	return r
}

type StreetViewParameters struct {
	StreetViewRequest
	Facing string `json:"facing"`
}

type StreetView struct {
	Image
	Description string               `json:"description"`
	Parameters  StreetViewParameters `json:"parameters"`
	LatencyMS   float64              `json:"latency_ms"`
}

// PitchDescription names the vertical camera angle.
func PitchDescription(pitch int) string {
	switch {
	case pitch > 15:
		return "looking up"
	case pitch < -15:
		return "looking down"
	default:
		return "eye level"
	}
}

// StreetView returns the street-level image seen from a location in one
// direction.
func (s *Service) StreetView(ctx context.Context, req StreetViewRequest) (_ *StreetView, err error) {
	ctx, span, start := s.begin(ctx, "StreetView")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := validateCoordinates(req.Lat, req.Lng); err != nil {
		return nil, err
	}
	req = req.normalize()
	facing := geo.Facing(req.Heading)

	s.logger.InfoContext(ctx, "fetching street view",
		"lat", req.Lat,
		"lng", req.Lng,
		"heading", req.Heading,
		"facing", facing,
	)

	data, err := s.streetViewImage(ctx, req)
	if err != nil {
		s.logger.ErrorContext(ctx, "street view failed", "error", err)
		return nil, err
	}

	view := &StreetView{
		Image: newImage(data),
		Description: fmt.Sprintf("Street view facing %s (%d°), %s, FOV %d°",
			facing, req.Heading, PitchDescription(req.Pitch), req.FOV),
		Parameters: StreetViewParameters{StreetViewRequest: req, Facing: facing},
		LatencyMS:  latencyMS(start),
	}
	s.logger.InfoContext(ctx, "street view fetched", "latency_ms", view.LatencyMS)
	return view, nil
}

// streetViewImage expects a normalized request.
func (s *Service) streetViewImage(ctx context.Context, req StreetViewRequest) ([]byte, error) {
	fp := fingerprint.Of(fingerprint.Params{
		Kind:    fingerprint.KindStreetView,
		Lat:     req.Lat,
		Lng:     req.Lng,
		Heading: req.Heading,
		Pitch:   req.Pitch,
		FOV:     req.FOV,
	})
	return s.streetView.GetOrFetch(ctx, fp, func(ctx context.Context) ([]byte, error) {
		return s.fetchImage(ctx, maps.StreetViewRequest(req.Lat, req.Lng, req.Heading, req.Pitch, req.FOV))
	})
}
