package vision

import (
	"context"
	"strings"

	"github.com/daarshnicsanjeev/omni-visual/internal/fingerprint"
	"github.com/daarshnicsanjeev/omni-visual/internal/geo"
	"github.com/daarshnicsanjeev/omni-visual/internal/retry"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream/maps"
)

type GeocodeResult struct {
	Query     string       `json:"query"`
	Places    []maps.Place `json:"places"`
	LatencyMS float64      `json:"latency_ms"`
}

// Geocode resolves an address to coordinates.
func (s *Service) Geocode(ctx context.Context, address string) (_ *GeocodeResult, err error) {
	ctx, span, start := s.begin(ctx, "Geocode")
	defer func() { telemetry.EndSpan(span, err) }()

	query := normalizeQuery(address)
	if query == "" {
		return nil, invalid("address is required")
	}

	s.logger.InfoContext(ctx, "geocoding address", "address", query)

	fp := fingerprint.Of(fingerprint.Params{Kind: fingerprint.KindGeocode, Query: strings.ToLower(query)})
	places, err := s.geocode.GetOrFetch(ctx, fp, func(ctx context.Context) ([]maps.Place, error) {
		return s.fetchPlaces(ctx, maps.GeocodeRequest(query))
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "geocoding failed", "error", err)
		return nil, err
	}

	return &GeocodeResult{Query: query, Places: places, LatencyMS: latencyMS(start)}, nil
}

// ReverseGeocode finds the addresses at a location.
func (s *Service) ReverseGeocode(ctx context.Context, lat, lng float64) (_ *GeocodeResult, err error) {
	ctx, span, start := s.begin(ctx, "ReverseGeocode")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := validateCoordinates(lat, lng); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "reverse geocoding", "lat", lat, "lng", lng)

	fp := fingerprint.Of(fingerprint.Params{Kind: fingerprint.KindReverseGeocode, Lat: lat, Lng: lng})
	req := maps.ReverseGeocodeRequest(lat, lng)
	places, err := s.geocode.GetOrFetch(ctx, fp, func(ctx context.Context) ([]maps.Place, error) {
		return s.fetchPlaces(ctx, req)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "reverse geocoding failed", "error", err)
		return nil, err
	}

	return &GeocodeResult{Query: req.Params.Get("latlng"), Places: places, LatencyMS: latencyMS(start)}, nil
}

// fetchPlaces decodes inside the retry loop: the geocoding body carries its
// own transient statuses.
func (s *Service) fetchPlaces(ctx context.Context, req upstream.Request) ([]maps.Place, error) {
	return retry.Do(ctx, s.retry, string(req.Endpoint), func(ctx context.Context) ([]maps.Place, error) {
		resp, err := s.sender.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return maps.DecodeGeocode(resp.Body)
	})
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

type ProximityRequest struct {
	Origin      geo.Point `json:"origin"`
	Destination geo.Point `json:"destination"`
	// Heading is the direction the user faces, 0 being north.
	Heading float64 `json:"heading"`
}

// Proximity describes where a destination lies relative to the user. It makes
// no provider call.
func (s *Service) Proximity(req ProximityRequest) (geo.Proximity, error) {
	if err := validateCoordinates(req.Origin.Lat, req.Origin.Lng); err != nil {
		return geo.Proximity{}, err
	}
	if err := validateCoordinates(req.Destination.Lat, req.Destination.Lng); err != nil {
		return geo.Proximity{}, err
	}
	return geo.ProximityOf(req.Origin, req.Destination, req.Heading), nil
}
