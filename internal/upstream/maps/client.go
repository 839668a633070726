package maps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/pool"
	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "https://maps.googleapis.com"

	maxBodyBytes = 16 << 20
)

var paths = map[upstream.Endpoint]string{
	upstream.EndpointStaticMap:  "/maps/api/staticmap",
	upstream.EndpointStreetView: "/maps/api/streetview",
	upstream.EndpointGeocode:    "/maps/api/geocode/json",
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is one pooled connection to the Maps Platform. It owns a transport
// limited to a single TCP connection, so leasing a Client leases a socket.
type Client struct {
	cfg       Config
	transport *http.Transport
	http      *http.Client
	broken    atomic.Bool
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxIdleConnsPerHost = 1
	transport.MaxConnsPerHost = 1

	return &Client{
		cfg:       cfg,
		transport: transport,
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
		},
	}
}

// Dialer opens a new Client for the connection pool.
func Dialer(cfg Config) pool.Dialer {
	return func(context.Context) (pool.Conn, error) {
		return NewClient(cfg), nil
	}
}

func (c *Client) Send(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	op := string(req.Endpoint)

	path, ok := paths[req.Endpoint]
	if !ok {
		return nil, upstream.Terminal(op, fmt.Errorf("unknown endpoint %q", req.Endpoint))
	}

	params := url.Values{}
	for k, v := range req.Params {
		params[k] = append([]string(nil), v...)
	}
	params.Set("key", c.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, upstream.Terminal(op, fmt.Errorf("build request: %w", err))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, upstream.Cancelled(ctx.Err())
		}
		c.broken.Store(true)
		return nil, fmt.Errorf("%w: %w", upstream.ErrConnBroken, upstream.Transient(op, fmt.Errorf("read body: %w", err)))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(ctx, op, resp, body)
	}

	return &upstream.Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return upstream.Cancelled(ctx.Err())
	}

	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, nil, err)
	if !retry {
		return upstream.Terminal(op, err)
	}

	c.broken.Store(true)
	return fmt.Errorf("%w: %w", upstream.ErrConnBroken, upstream.Transient(op, err))
}

func statusError(ctx context.Context, op string, resp *http.Response, body []byte) error {
	err := upstream.FromStatus(op, resp.StatusCode, body)

	retry, _ := retryablehttp.DefaultRetryPolicy(ctx, resp, nil)
	if retry && !upstream.IsRetryable(err) {
		return &upstream.TransientError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return err
}

func (c *Client) Healthy() bool {
	return !c.broken.Load()
}

func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

var _ pool.Conn = (*Client)(nil)
