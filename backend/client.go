package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/purchasesync/cache"
	"github.com/briangreenhill/purchasesync/metrics"
)

const DefaultBaseURL = "https://api.revenuecat.com"

const (
	HeaderNonce       = "X-Nonce"
	HeaderRequestTime = "X-Request-Time"
	HeaderUserAgent   = "User-Agent"
	userAgent         = "purchasesync/1"
)

// Verifier checks the signature of a response. Implementations receive the
// nonce sent with the request, empty when the endpoint does not use one.
type Verifier interface {
	Verify(ep Endpoint, resp Response, nonce string) cache.Verification
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ep Endpoint, resp Response, nonce string) cache.Verification

func (f VerifierFunc) Verify(ep Endpoint, resp Response, nonce string) cache.Verification {
	return f(ep, resp, nonce)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Host       string
}

// Client performs requests against the primary host and, for endpoints that
// allow it, a fallback host.
type Client struct {
	http        *http.Client
	baseURL     *url.URL
	fallbackURL *url.URL // nil disables fallback

	cache    *cache.ResponseCache // optional
	timeouts *TimeoutPolicy
	verifier Verifier // optional
	log      zerolog.Logger
	metrics  *metrics.Collector
	clock    func() time.Time

	group singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			c.baseURL = u
		}
	}
}

func WithFallbackURL(raw string) Option {
	return func(c *Client) {
		if raw == "" {
			c.fallbackURL = nil
			return
		}
		if u, err := url.Parse(raw); err == nil {
			c.fallbackURL = u
		}
	}
}

func WithCache(rc *cache.ResponseCache) Option {
	return func(c *Client) { c.cache = rc }
}

func WithTimeoutPolicy(p *TimeoutPolicy) Option {
	return func(c *Client) { c.timeouts = p }
}

func WithVerifier(v Verifier) Option {
	return func(c *Client) { c.verifier = v }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// New creates a client authenticating with apiKey as a bearer token.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("apiKey required")
	}
	u, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		http:    http.DefaultClient,
		baseURL: u,
		log:     zerolog.Nop(),
		clock:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeouts == nil {
		c.timeouts = NewTimeoutPolicy(DefaultTimeouts, c.clock)
	}

	// per-attempt budgets come from the timeout policy, not http.Client.Timeout
	authed := *c.http
	authed.Timeout = 0
	authed.Transport = &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"}),
		Base:   c.http.Transport,
	}
	c.http = &authed
	return c, nil
}

// TimeoutPolicy returns the policy shared by all requests of this client.
func (c *Client) TimeoutPolicy() *TimeoutPolicy { return c.timeouts }

// ClearCache drops every cached response, e.g. after the app user changed.
func (c *Client) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear(ctx)
}
