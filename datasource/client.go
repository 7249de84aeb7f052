// Package datasource implements the gateway's pull operations: user profile,
// calendar, and report data over the device protocol, and weather, news, and
// geocoding over third-party HTTP services. Every pull goes through the
// correlation store, so concurrent callers share one in-flight request and
// fresh results come from cache.
package datasource

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/companion-labs/gateway/core/protocol"
	"github.com/companion-labs/gateway/correlation"
	"github.com/companion-labs/gateway/history"
	"github.com/companion-labs/gateway/observability"
)

// Sender sends an envelope to the hub. Satisfied by channel.Manager.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// HTTPDoer executes an HTTP request. Satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credential errors short-circuit a pull before any network call.
var (
	ErrNoHub         = errors.New("no hub connection")
	ErrNoCredential  = errors.New("no valid api key found")
	ErrEmptyResponse = errors.New("empty response data")
)

// Client coordinates all pull operations.
type Client struct {
	store    *correlation.Store
	hub      Sender
	http     HTTPDoer
	recorder history.Recorder
	observer observability.Observer

	weatherKey string
	newsKey    string

	now func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(doer HTTPDoer) ClientOption {
	return func(c *Client) { c.http = doer }
}

// WithRecorder sets the audit recorder.
func WithRecorder(r history.Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(o observability.Observer) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithAPIKeys sets the weather and news service credentials.
func WithAPIKeys(weatherKey, newsKey string) ClientOption {
	return func(c *Client) {
		c.weatherKey = weatherKey
		c.newsKey = newsKey
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a Client issuing device-protocol pulls through hub and
// HTTP pulls through the configured HTTP client.
func NewClient(store *correlation.Store, hub Sender, opts ...ClientOption) *Client {
	c := &Client{
		store:    store,
		hub:      hub,
		http:     &http.Client{Timeout: 15 * time.Second},
		recorder: history.NoOpRecorder{},
		observer: observability.NoOpObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store exposes the underlying correlation store for response handlers that
// live outside this package.
func (c *Client) Store() *correlation.Store {
	return c.store
}
