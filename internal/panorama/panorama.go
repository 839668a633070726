package panorama

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/metrics"
	"github.com/daarshnicsanjeev/omni-visual/internal/telemetry"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// CardinalHeadings is the default look-around: north, east, south, west.
var CardinalHeadings = []int{0, 90, 180, 270}

type Location struct {
	Lat float64
	Lng float64
}

// FetchFunc retrieves the image for one heading, normally through the result
// cache.
type FetchFunc func(ctx context.Context, loc Location, heading int) ([]byte, error)

// Outcome is the result for one heading: an image or an error, never both.
type Outcome struct {
	Heading int
	Image   []byte
	Err     error
	Latency time.Duration
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Result holds one outcome per requested heading in request order. A result
// is returned even when every heading failed.
type Result struct {
	Location Location
	Outcomes []Outcome
	Elapsed  time.Duration
}

func (r Result) Get(heading int) (Outcome, bool) {
	h := Normalize(heading)
	for _, o := range r.Outcomes {
		if o.Heading == h {
			return o, true
		}
	}
	return Outcome{}, false
}

func (r Result) Succeeded() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.OK() {
			out = append(out, o)
		}
	}
	return out
}

func (r Result) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

func (r Result) AllFailed() bool {
	return len(r.Outcomes) > 0 && len(r.Succeeded()) == 0
}

// Err aggregates per-heading failures. Nil when every heading succeeded.
func (r Result) Err() error {
	var merr *multierror.Error
	for _, o := range r.Failed() {
		merr = multierror.Append(merr, fmt.Errorf("heading %d: %w", o.Heading, o.Err))
	}
	return merr.ErrorOrNil()
}

// Normalize maps any heading into [0, 360).
func Normalize(heading int) int {
	return ((heading % 360) + 360) % 360
}

// Orchestrator fans one look-around request out into concurrent per-heading
// fetches and gathers every outcome.
type Orchestrator struct {
	fetch    FetchFunc
	limit    int
	observer metrics.Observer
	logger   *slog.Logger
}

type Option func(*Orchestrator)

// WithConcurrency caps concurrent heading fetches. Zero or less means one
// goroutine per heading.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.limit = n
	}
}

func WithObserver(obs metrics.Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(fetch FetchFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetch:    fetch,
		observer: metrics.NopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Capture fetches every heading concurrently and waits for all of them. One
// heading failing never cancels its siblings; cancelling ctx cancels all.
func (o *Orchestrator) Capture(ctx context.Context, loc Location, headings []int) Result {
	ctx, span := telemetry.StartSpan(ctx, "panorama.Capture")

	start := time.Now()
	hs := dedupe(headings)
	outcomes := make([]Outcome, len(hs))

	var g errgroup.Group
	if o.limit > 0 {
		g.SetLimit(o.limit)
	}

	for i, h := range hs {
		g.Go(func() error {
			outcomes[i] = o.captureHeading(ctx, loc, h)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Location: loc, Outcomes: outcomes, Elapsed: time.Since(start)}
	succeeded := len(res.Succeeded())
	failed := len(outcomes) - succeeded

	o.observer.PanoramaCapture(ctx, succeeded, failed, res.Elapsed)
	telemetry.PanoramaOutcome(span, len(hs), succeeded, failed)
	if err := res.Err(); err != nil {
		o.logger.WarnContext(ctx, "panorama captured with failures",
			"succeeded", succeeded,
			"failed", failed,
			"error", err,
		)
		if res.AllFailed() {
			telemetry.EndSpan(span, err)
			return res
		}
	}
	telemetry.EndSpan(span, nil)

	return res
}

func (o *Orchestrator) captureHeading(ctx context.Context, loc Location, heading int) (out Outcome) {
	out.Heading = heading
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.Image = nil
			out.Err = fmt.Errorf("heading %d fetch panicked: %v", heading, r)
		}
		out.Latency = time.Since(start)
		o.observer.PanoramaHeading(ctx, heading, out.Latency, out.Err)
	}()

	if err := ctx.Err(); err != nil {
		out.Err = upstream.Cancelled(err)
		return out
	}

	img, err := o.fetch(ctx, loc, heading)
	if err != nil {
		out.Err = upstream.Cancelled(err)
		return out
	}
	out.Image = img
	return out
}

func dedupe(headings []int) []int {
	seen := make(map[int]bool, len(headings))
	out := make([]int, 0, len(headings))
	for _, h := range headings {
		h = Normalize(h)
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
