package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/briangreenhill/purchasesync/cache"
)

// Request describes one call to an endpoint.
type Request struct {
	Endpoint Endpoint
	PathArgs []string
	// Body is JSON-encoded for non-GET requests.
	Body any
	// ForceRefresh skips the stored ETag so the server sends a full response.
	ForceRefresh bool
}

// Do runs req and returns the result the cache resolved it to. HTTP error
// statuses are not errors here; see DoJSON for that. Concurrent identical GETs
// share one network exchange; each caller still waits only as long as its own
// ctx allows, and the shared exchange is bounded by the timeout policy alone.
func (c *Client) Do(ctx context.Context, req Request) (*cache.Result, error) {
	p := req.Endpoint.Path(req.PathArgs...)
	if req.Endpoint.Method != http.MethodGet {
		return c.do(ctx, req, p)
	}

	key := fmt.Sprintf("%s %s force=%t", req.Endpoint.Method, cache.Key(p), req.ForceRefresh)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.do(context.WithoutCancel(ctx), req, p)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return copyResult(r.Val.(*cache.Result)), nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindNetwork, Endpoint: req.Endpoint.Name, Err: ctx.Err()}
	}
}

func copyResult(r *cache.Result) *cache.Result {
	out := *r
	out.Payload = bytes.Clone(r.Payload)
	if r.RequestTime != nil {
		t := *r.RequestTime
		out.RequestTime = &t
	}
	return &out
}

// DoJSON runs req and decodes a successful payload into out. Status codes of
// 400 and above are returned as *Error.
func (c *Client) DoJSON(ctx context.Context, req Request, out any) error {
	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return statusError(req.Endpoint.Name, res.StatusCode, res.Payload)
	}
	if out == nil || len(res.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.Endpoint.Name, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, req Request, p string) (*cache.Result, error) {
	res, err := c.attempt(ctx, req, p, req.ForceRefresh)
	if errors.Is(err, cache.ErrMissingCachedResult) {
		res, err = c.attempt(ctx, req, p, true)
	}
	if err != nil {
		return nil, err
	}
	if res.Verification == cache.VerificationFailed {
		return nil, &Error{
			Kind:       KindVerification,
			Endpoint:   req.Endpoint.Name,
			StatusCode: res.StatusCode,
			Err:        ErrVerificationFailed,
		}
	}
	return res, nil
}

func (c *Client) attempt(ctx context.Context, req Request, p string, force bool) (*cache.Result, error) {
	var body []byte
	if req.Body != nil && req.Endpoint.Method != http.MethodGet {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", req.Endpoint.Name, err)
		}
		body = b
	}

	// only GET responses take part in ETag caching
	cached := c.cache != nil && req.Endpoint.Method == http.MethodGet
	var conditional cache.Headers
	if cached {
		conditional = c.cache.ConditionalHeaders(ctx, p, force)
	}
	var nonce string
	if req.Endpoint.RequiresNonce {
		nonce = uuid.NewString()
	}

	resp, err := c.exchange(ctx, req.Endpoint, p, body, conditional, nonce)
	if err != nil {
		return nil, err
	}

	// error responses carry no signature
	verification := cache.VerificationNotRequested
	if c.verifier != nil && req.Endpoint.SupportsVerification && resp.StatusCode < http.StatusBadRequest {
		verification = c.verifier.Verify(req.Endpoint, *resp, nonce)
	}

	ex := cache.Exchange{
		Path:         p,
		StatusCode:   resp.StatusCode,
		Payload:      resp.Body,
		ForceRefresh: force,
		RequestTime:  requestTime(resp.Header),
		Verification: verification,
	}
	if !cached {
		return &cache.Result{
			StatusCode:   ex.StatusCode,
			Payload:      ex.Payload,
			Origin:       cache.OriginNetwork,
			RequestTime:  ex.RequestTime,
			Verification: ex.Verification,
		}, nil
	}
	ex.ServerETag = resp.Header.Get(cache.HeaderETag)
	return c.cache.Reconcile(ctx, ex)
}

// exchange sends the request to the primary host and, when the endpoint allows
// it, retries on the fallback host after a timeout or a server error.
func (c *Client) exchange(ctx context.Context, ep Endpoint, p string, body []byte, conditional cache.Headers, nonce string) (*Response, error) {
	canFallback := ep.SupportsFallbackHost && c.fallbackURL != nil

	resp, err := c.send(ctx, c.baseURL.String(), ep, p, body, conditional, nonce, c.timeouts.TimeoutFor(ep, false))
	if err != nil {
		if !ep.SupportsFallbackHost || !isTimeout(err) || ctx.Err() != nil {
			return nil, err
		}
		c.timeouts.Record(OutcomeTimeoutPrimaryFallbackEligible)
		if !canFallback {
			return nil, err
		}
		c.log.Warn().Err(err).Str("endpoint", ep.Name).Msg("primary host timed out, trying fallback host")
		c.metrics.Fallback(ep.Name, "timeout")
	} else {
		if ep.SupportsFallbackHost {
			if resp.StatusCode < http.StatusInternalServerError {
				c.timeouts.Record(OutcomeSuccessPrimary)
				return resp, nil
			}
			c.timeouts.Record(OutcomeOther)
		}
		if !canFallback || resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}
		c.log.Warn().Int("status", resp.StatusCode).Str("endpoint", ep.Name).Msg("primary host failed, trying fallback host")
		c.metrics.Fallback(ep.Name, "server_error")
	}

	return c.send(ctx, c.fallbackURL.String(), ep, p, body, conditional, nonce, c.timeouts.TimeoutFor(ep, true))
}

func (c *Client) send(ctx context.Context, base string, ep Endpoint, p string, body []byte, conditional cache.Headers, nonce string, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := joinURL(base, p)
	if err != nil {
		return nil, fmt.Errorf("%s: build url: %w", ep.Name, err)
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", ep.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderUserAgent, userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cache != nil && ep.Method == http.MethodGet {
		conditional.Apply(req.Header)
	}
	if nonce != "" {
		req.Header.Set(HeaderNonce, nonce)
	}

	start := c.clock()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Request(ep.Name, req.URL.Host, 0, c.clock().Sub(start))
		return nil, &Error{Kind: KindNetwork, Endpoint: ep.Name, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.Request(ep.Name, req.URL.Host, 0, c.clock().Sub(start))
		return nil, &Error{Kind: KindNetwork, Endpoint: ep.Name, Err: fmt.Errorf("read body: %w", err)}
	}
	c.metrics.Request(ep.Name, req.URL.Host, resp.StatusCode, c.clock().Sub(start))
	c.log.Debug().
		Str("endpoint", ep.Name).
		Str("host", req.URL.Host).
		Int("status", resp.StatusCode).
		Msg("backend request")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
		Host:       req.URL.Host,
	}, nil
}

func joinURL(base, p string) (string, error) {
	// p is already escaped by Endpoint.Path
	u, err := url.Parse(strings.TrimSuffix(base, "/") + p)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// requestTime reads the server's unix-millisecond request time header.
func requestTime(h http.Header) *time.Time {
	raw := h.Get(HeaderRequestTime)
	if raw == "" {
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
