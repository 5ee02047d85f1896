package routes

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/purchasesync/backend"
	"github.com/briangreenhill/purchasesync/cache"
	appmw "github.com/briangreenhill/purchasesync/internal/http/middleware"
	"github.com/briangreenhill/purchasesync/kvstore"
)

// Route names used for fault injection and received-batch inspection.
const (
	RouteSubscribers         = "subscribers"
	RouteOfferings           = "offerings"
	RouteEntitlementMapping  = "product_entitlement_mapping"
	RouteReceipts            = "receipts"
	RouteDiagnostics         = "diagnostics"
	RouteEvents              = "events"
	RouteCustomerCenterEvent = "customer_center_events"
)

// Fault makes a route misbehave: respond with Status and/or stall for Delay.
type Fault struct {
	Status  int `json:"status,omitempty"`
	DelayMS int `json:"delay_ms,omitempty"`
}

// Server is a development stand-in for the purchases backend.
type Server struct {
	Router        *chi.Mux
	Store         kvstore.Store // subscriber records
	SigningSecret []byte        // empty disables response signing

	log   zerolog.Logger
	clock func() time.Time

	mu       sync.Mutex
	faults   map[string]Fault
	received map[string][]json.RawMessage
}

type ServerOptions struct {
	APIKey        string
	SigningSecret string
	Store         kvstore.Store
	Logger        zerolog.Logger
	Clock         func() time.Time
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:        r,
		Store:         opts.Store,
		SigningSecret: []byte(opts.SigningSecret),
		log:           opts.Logger,
		clock:         opts.Clock,
		faults:        map[string]Fault{},
		received:      map[string][]json.RawMessage{},
	}
	if s.Store == nil {
		s.Store = kvstore.NewMemory()
	}
	if s.clock == nil {
		s.clock = time.Now
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireBearer(opts.APIKey))
		pr.Get("/v1/subscribers/{appUserID}", s.faulty(RouteSubscribers, s.handleGetSubscriber))
		pr.Get("/v1/subscribers/{appUserID}/offerings", s.faulty(RouteOfferings, s.handleGetOfferings))
		pr.Get("/v1/product_entitlement_mapping", s.faulty(RouteEntitlementMapping, s.handleGetMapping))
		pr.Post("/v1/receipts", s.faulty(RouteReceipts, s.handlePostReceipt))
		pr.Post("/v1/diagnostics", s.faulty(RouteDiagnostics, s.handleBatch(RouteDiagnostics, backend.BatchKeyEntries)))
		pr.Post("/v1/events", s.faulty(RouteEvents, s.handleBatch(RouteEvents, backend.BatchKeyEvents)))
		pr.Post("/v1/customer_center/events", s.faulty(RouteCustomerCenterEvent, s.handleBatch(RouteCustomerCenterEvent, backend.BatchKeyEvents)))
	})

	r.Route("/_dev", func(dr chi.Router) {
		dr.Put("/faults/{route}", s.handlePutFault)
		dr.Delete("/faults", s.handleClearFaults)
		dr.Get("/received/{route}", s.handleGetReceived)
	})

	return s
}

// SetFault installs f for route; a zero Fault removes it.
func (s *Server) SetFault(route string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == (Fault{}) {
		delete(s.faults, route)
		s.log.Info().Str("route", route).Msg("fault cleared")
		return
	}
	s.faults[route] = f
	s.log.Info().Str("route", route).Int("status", f.Status).Int("delay_ms", f.DelayMS).Msg("fault installed")
}

// Received returns the raw items posted to a batch route so far.
func (s *Server) Received(route string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.received[route]...)
}

func (s *Server) faulty(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		f, ok := s.faults[route]
		s.mu.Unlock()
		if !ok {
			next(w, r)
			return
		}
		if f.DelayMS > 0 {
			select {
			case <-time.After(time.Duration(f.DelayMS) * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		if f.Status != 0 {
			writeJSON(w, f.Status, map[string]any{"code": f.Status, "message": "injected failure"})
			return
		}
		next(w, r)
	}
}

type subscriber struct {
	OriginalAppUserID string                    `json:"original_app_user_id"`
	FirstSeen         time.Time                 `json:"first_seen"`
	Entitlements      map[string]entitlement    `json:"entitlements"`
	Subscriptions     map[string]subscriptionIn `json:"subscriptions"`
}

type entitlement struct {
	ProductIdentifier string    `json:"product_identifier"`
	PurchaseDate      time.Time `json:"purchase_date"`
}

type subscriptionIn struct {
	PurchaseDate time.Time `json:"purchase_date"`
	Store        string    `json:"store"`
}

var productEntitlements = map[string][]string{
	"monthly": {"pro"},
	"annual":  {"pro"},
	"coins":   nil,
}

func (s *Server) loadSubscriber(ctx context.Context, id string) (*subscriber, error) {
	raw, ok, err := s.Store.Get(ctx, "subscriber:"+id)
	if err != nil {
		return nil, err
	}
	if ok {
		var sub subscriber
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			return nil, fmt.Errorf("decode subscriber %s: %w", id, err)
		}
		return &sub, nil
	}
	sub := &subscriber{
		OriginalAppUserID: id,
		FirstSeen:         s.clock().UTC().Truncate(time.Second),
		Entitlements:      map[string]entitlement{},
		Subscriptions:     map[string]subscriptionIn{},
	}
	return sub, s.saveSubscriber(ctx, sub)
}

func (s *Server) saveSubscriber(ctx context.Context, sub *subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, "subscriber:"+sub.OriginalAppUserID, string(data))
}

func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	sub, err := s.loadSubscriber(r.Context(), chi.URLParam(r, "appUserID"))
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("load subscriber")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "could not load subscriber"})
		return
	}
	s.respondCached(w, r, map[string]any{"subscriber": sub})
}

func (s *Server) handleGetOfferings(w http.ResponseWriter, r *http.Request) {
	s.respondCached(w, r, map[string]any{
		"current_offering_id": "default",
		"offerings": []map[string]any{{
			"identifier":  "default",
			"description": "Standard offering",
			"packages": []map[string]string{
				{"identifier": "$rc_monthly", "platform_product_identifier": "monthly"},
				{"identifier": "$rc_annual", "platform_product_identifier": "annual"},
			},
		}},
	})
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(productEntitlements))
	for id := range productEntitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	mapping := map[string]any{}
	for _, id := range ids {
		mapping[id] = map[string]any{
			"product_identifier": id,
			"entitlements":       append([]string{}, productEntitlements[id]...),
		}
	}
	s.respondCached(w, r, map[string]any{"product_entitlement_mapping": mapping})
}

type receiptRequest struct {
	AppUserID  string `json:"app_user_id"`
	ProductID  string `json:"product_id"`
	FetchToken string `json:"fetch_token"`
	Store      string `json:"store,omitempty"`
}

func (s *Server) handlePostReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid body"})
		return
	}
	ents, known := productEntitlements[req.ProductID]
	if req.AppUserID == "" || req.FetchToken == "" || !known {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "invalid receipt"})
		return
	}

	sub, err := s.loadSubscriber(r.Context(), req.AppUserID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("load subscriber")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "could not load subscriber"})
		return
	}
	now := s.clock().UTC().Truncate(time.Second)
	sub.Subscriptions[req.ProductID] = subscriptionIn{PurchaseDate: now, Store: req.Store}
	for _, e := range ents {
		sub.Entitlements[e] = entitlement{ProductIdentifier: req.ProductID, PurchaseDate: now}
	}
	if err := s.saveSubscriber(r.Context(), sub); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("save subscriber")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "could not save subscriber"})
		return
	}
	s.respondCached(w, r, map[string]any{"subscriber": sub})
}

func (s *Server) handleBatch(route, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid body"})
			return
		}
		items, ok := body[key]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": fmt.Sprintf("missing %q", key)})
			return
		}

		s.mu.Lock()
		s.received[route] = append(s.received[route], items...)
		s.mu.Unlock()
		hlog.FromRequest(r).Debug().Str("route", route).Int("items", len(items)).Msg("batch received")
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

// respondCached writes v with an ETag, answering 304 when the client already
// holds the same representation.
func (s *Server) respondCached(w http.ResponseWriter, r *http.Request, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	etag := fmt.Sprintf("%x", md5.Sum(body))
	requestTime := strconv.FormatInt(s.clock().UnixMilli(), 10)
	nonce := r.Header.Get(backend.HeaderNonce)

	w.Header().Set(cache.HeaderETag, etag)
	w.Header().Set(backend.HeaderRequestTime, requestTime)

	if r.Header.Get(cache.HeaderETag) == etag {
		s.sign(w, nonce, requestTime, []byte(etag))
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.sign(w, nonce, requestTime, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) sign(w http.ResponseWriter, nonce, requestTime string, content []byte) {
	if len(s.SigningSecret) == 0 {
		return
	}
	w.Header().Set(backend.HeaderSignature, backend.Sign(s.SigningSecret, nonce, requestTime, content))
}

func (s *Server) handlePutFault(w http.ResponseWriter, r *http.Request) {
	var f Fault
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, "invalid fault", http.StatusBadRequest)
		return
	}
	s.SetFault(chi.URLParam(r, "route"), f)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFaults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.faults = map[string]Fault{}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReceived(w http.ResponseWriter, r *http.Request) {
	items := s.Received(chi.URLParam(r, "route"))
	if items == nil {
		items = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
