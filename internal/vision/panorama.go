package vision

import (
	"context"
	"fmt"

	"github.com/daarshnicsanjeev/omni-visual/internal/geo"
	"github.com/daarshnicsanjeev/omni-visual/internal/panorama"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
)

type PanoramaRequest struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Pitch int     `json:"pitch"`
	FOV   int     `json:"fov"`
	// Headings defaults to the four cardinal directions.
	Headings []int `json:"headings,omitempty"`
}

type PanoramaHeading struct {
	*Image

	Direction string  `json:"direction"`
	Heading   int     `json:"heading"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

type Panorama struct {
	// Success is true only when every heading produced an image.
	Success     bool              `json:"success"`
	Views       []PanoramaHeading `json:"views"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Description string            `json:"description"`
	LatencyMS   float64           `json:"latency_ms"`

	result panorama.Result
}

// Err aggregates the per-heading failures, nil when every heading succeeded.
func (p *Panorama) Err() error {
	return p.result.Err()
}

// Panorama captures street view in several directions concurrently. Failed
// headings are reported in place; the call itself fails only on invalid input.
func (s *Service) Panorama(ctx context.Context, req PanoramaRequest) (_ *Panorama, err error) {
	ctx, span, start := s.begin(ctx, "Panorama")
	defer func() { telemetry.EndSpan(span, err) }()

	if err := validateCoordinates(req.Lat, req.Lng); err != nil {
		return nil, err
	}
	headings := req.Headings
	if len(headings) == 0 {
		headings = panorama.CardinalHeadings
	}
	base := StreetViewRequest{Lat: req.Lat, Lng: req.Lng, Pitch: req.Pitch, FOV: req.FOV}.normalize()

	s.logger.InfoContext(ctx, "starting panoramic capture",
		"lat", req.Lat,
		"lng", req.Lng,
		"headings", len(headings),
	)

	orchestrator := panorama.New(func(ctx context.Context, _ panorama.Location, heading int) ([]byte, error) {
		r := base
		r.Heading = heading
		return s.streetViewImage(ctx, r)
	}, s.panoramaOpts...)

	res := orchestrator.Capture(ctx, panorama.Location{Lat: base.Lat, Lng: base.Lng}, headings)

	out := &Panorama{
		Views:       make([]PanoramaHeading, 0, len(res.Outcomes)),
		Description: fmt.Sprintf("360° panoramic capture at (%v, %v)", req.Lat, req.Lng),
		result:      res,
	}
	for _, o := range res.Outcomes {
		view := PanoramaHeading{
			Direction: geo.Facing(o.Heading),
			Heading:   o.Heading,
			Success:   o.OK(),
			LatencyMS: float64(o.Latency.Microseconds()) / 1000,
		}
		if o.OK() {
			img := newImage(o.Image)
			view.Image = &img
			out.Succeeded++
		} else {
			view.Error = o.Err.Error()
			out.Failed++
		}
		out.Views = append(out.Views, view)
	}
	out.Success = out.Failed == 0 && out.Succeeded > 0
	out.LatencyMS = latencyMS(start)

	s.logger.InfoContext(ctx, "panoramic capture completed",
		"latency_ms", out.LatencyMS,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
	)
	return out, nil
}
