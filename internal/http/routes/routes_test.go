package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/purchasesync/backend"
	"github.com/briangreenhill/purchasesync/cache"
	"github.com/briangreenhill/purchasesync/eventlog"
	"github.com/briangreenhill/purchasesync/events"
	"github.com/briangreenhill/purchasesync/kvstore"
)

const (
	testKey    = "appl_test"
	testSecret = "signing-secret"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(ServerOptions{APIKey: testKey, SigningSecret: testSecret, Logger: zerolog.Nop()})
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	return s, srv
}

func newClient(t *testing.T, base string, opts ...backend.Option) *backend.Client {
	t.Helper()
	all := []backend.Option{
		backend.WithBaseURL(base),
		backend.WithCache(cache.New(kvstore.NewMemory())),
		backend.WithVerifier(backend.HMACVerifier{Secret: []byte(testSecret)}),
	}
	c, err := backend.New(testKey, append(all, opts...)...)
	require.NoError(t, err)
	return c
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRejectsWrongAPIKey(t *testing.T) {
	_, srv := newTestServer(t)
	c, err := backend.New("wrong", backend.WithBaseURL(srv.URL))
	require.NoError(t, err)

	res, err := c.Do(context.Background(), backend.Request{Endpoint: backend.GetProductEntitlementMapping})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestSubscriberRevalidationAndReceipt(t *testing.T) {
	s, srv := newTestServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()
	get := backend.Request{Endpoint: backend.GetCustomerInfo, PathArgs: []string{"user 1"}}

	first, err := c.Do(ctx, get)
	require.NoError(t, err)
	assert.Equal(t, cache.OriginNetwork, first.Origin)
	assert.Equal(t, cache.VerificationVerified, first.Verification)

	second, err := c.Do(ctx, get)
	require.NoError(t, err)
	assert.Equal(t, cache.OriginCache, second.Origin, "unchanged subscriber answers 304")
	assert.Equal(t, cache.VerificationVerified, second.Verification)
	assert.Equal(t, first.Payload, second.Payload)

	err = c.DoJSON(ctx, backend.Request{
		Endpoint: backend.PostReceipt,
		Body:     receiptRequest{AppUserID: "user 1", ProductID: "monthly", FetchToken: "tok"},
	}, nil)
	require.NoError(t, err)

	third, err := c.Do(ctx, get)
	require.NoError(t, err)
	assert.Equal(t, cache.OriginNetwork, third.Origin, "receipt changed the representation")

	var body struct {
		Subscriber subscriber `json:"subscriber"`
	}
	require.NoError(t, json.Unmarshal(third.Payload, &body))
	assert.Contains(t, body.Subscriber.Entitlements, "pro")
	assert.Equal(t, "user 1", body.Subscriber.OriginalAppUserID)

	_, ok, err := s.Store.Get(ctx, "subscriber:user 1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidReceipt(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv.URL)

	err := c.DoJSON(context.Background(), backend.Request{
		Endpoint: backend.PostReceipt,
		Body:     receiptRequest{AppUserID: "u", ProductID: "unknown", FetchToken: "tok"},
	}, nil)
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, backend.KindClient, be.Kind)
}

func TestWrongSigningSecretFailsVerification(t *testing.T) {
	_, srv := newTestServer(t)
	c := newClient(t, srv.URL, backend.WithVerifier(backend.HMACVerifier{Secret: []byte("other")}))

	_, err := c.Do(context.Background(), backend.Request{Endpoint: backend.GetOfferings, PathArgs: []string{"u"}})
	assert.ErrorIs(t, err, backend.ErrVerificationFailed)
}

func TestFallbackHostOnInjectedFault(t *testing.T) {
	primary, primarySrv := newTestServer(t)
	_, fallbackSrv := newTestServer(t)
	primary.SetFault(RouteEntitlementMapping, Fault{Status: http.StatusServiceUnavailable})

	c := newClient(t, primarySrv.URL, backend.WithFallbackURL(fallbackSrv.URL))
	var out struct {
		Mapping map[string]struct {
			Entitlements []string `json:"entitlements"`
		} `json:"product_entitlement_mapping"`
	}
	require.NoError(t, c.DoJSON(context.Background(), backend.Request{Endpoint: backend.GetProductEntitlementMapping}, &out))
	assert.Equal(t, []string{"pro"}, out.Mapping["monthly"].Entitlements)

	primary.SetFault(RouteEntitlementMapping, Fault{})
	res, err := c.Do(context.Background(), backend.Request{Endpoint: backend.GetProductEntitlementMapping})
	require.NoError(t, err)
	assert.Equal(t, cache.OriginCache, res.Origin, "the fallback response was cached under the same path")
}

func TestDelayFaultTriggersReducedTimeout(t *testing.T) {
	primary, primarySrv := newTestServer(t)
	_, fallbackSrv := newTestServer(t)
	primary.SetFault(RouteOfferings, Fault{DelayMS: 2000})

	policy := backend.NewTimeoutPolicy(backend.Timeouts{
		Default:          time.Second,
		FallbackEligible: 100 * time.Millisecond,
		Reduced:          50 * time.Millisecond,
		ResetInterval:    time.Minute,
	}, nil)
	c := newClient(t, primarySrv.URL, backend.WithFallbackURL(fallbackSrv.URL), backend.WithTimeoutPolicy(policy))

	res, err := c.Do(context.Background(), backend.Request{Endpoint: backend.GetOfferings, PathArgs: []string{"u"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, policy.RecentlyTimedOut())
}

func TestQueueFlushesIntoServer(t *testing.T) {
	s, srv := newTestServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	poster, err := backend.PosterFor(c, events.QueueDiagnostics)
	require.NoError(t, err)
	log, err := eventlog.Open[events.Event](filepath.Join(t.TempDir(), "diagnostics.jsonl"))
	require.NoError(t, err)
	q, err := events.NewQueue(events.QueueDiagnostics, log, poster, kvstore.NewMemory())
	require.NoError(t, err)
	defer q.Close()

	session := uuid.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Track(ctx, events.NewEvent("http_request_performed", session, map[string]any{"i": i})))
	}
	assert.Equal(t, events.FlushSynced, q.Flush(ctx))
	assert.Len(t, s.Received(RouteDiagnostics), 3)
	assert.Equal(t, events.FlushEmpty, q.Flush(ctx))
}

func TestQueueDiscardsOnPermanentRejection(t *testing.T) {
	s, srv := newTestServer(t)
	s.SetFault(RouteEvents, Fault{Status: http.StatusBadRequest})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	poster, err := backend.PosterFor(c, events.QueuePaywallEvents)
	require.NoError(t, err)
	log, err := eventlog.Open[events.Event](filepath.Join(t.TempDir(), "paywall_events.jsonl"))
	require.NoError(t, err)
	q, err := events.NewQueue(events.QueuePaywallEvents, log, poster, kvstore.NewMemory())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Track(ctx, events.NewEvent("paywall_impression", uuid.New(), nil)))
	assert.Equal(t, events.FlushDiscarded, q.Flush(ctx))
	assert.Empty(t, s.Received(RouteEvents))
	assert.Equal(t, events.FlushEmpty, q.Flush(ctx))
}

func TestDevFaultEndpoints(t *testing.T) {
	s, srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/_dev/faults/"+RouteDiagnostics, strings.NewReader(`{"status":503}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	s.mu.Lock()
	assert.Equal(t, Fault{Status: 503}, s.faults[RouteDiagnostics])
	s.mu.Unlock()

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/_dev/faults", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	s.mu.Lock()
	assert.Empty(t, s.faults)
	s.mu.Unlock()

	resp, err = http.Get(srv.URL + "/_dev/received/" + RouteEvents)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Zero(t, out.Count)
}
