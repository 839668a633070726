package upstream

import (
	"context"
	"net/url"
)

// Endpoint identifies a provider API.
type Endpoint string

const (
	EndpointStaticMap  Endpoint = "staticmap"
	EndpointStreetView Endpoint = "streetview"
	EndpointGeocode    Endpoint = "geocode"
)

// Request is a provider call: an endpoint plus its query parameters. The API
// key is added by the transport, never by callers.
type Request struct {
	Endpoint Endpoint
	Params   url.Values
}

// Response is the raw provider answer. Body is opaque to the resilience layer.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Sender performs one provider call.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req Request) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
