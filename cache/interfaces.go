// Package cache implements the ETag response cache: conditional request headers
// for outgoing calls, and reconciliation of server responses with the entries
// stored per normalized path.
package cache

import (
	"net/http"
	"strconv"
	"time"
)

// Header names exchanged with the backend.
const (
	HeaderETag            = "X-ETag"
	HeaderLastRefreshTime = "X-Last-Refresh-Time"
)

// Origin tells where a Result came from.
type Origin int

const (
	OriginNetwork Origin = iota
	OriginCache
)

func (o Origin) String() string {
	if o == OriginCache {
		return "cache"
	}
	return "network"
}

// Verification is the verdict of response signature verification.
type Verification int

const (
	VerificationNotRequested Verification = iota
	VerificationVerified
	VerificationFailed
)

func (v Verification) String() string {
	switch v {
	case VerificationVerified:
		return "verified"
	case VerificationFailed:
		return "failed"
	default:
		return "not_requested"
	}
}

// Result is what a request resolves to, whether from the network or the cache.
// A Result with VerificationFailed is never stored.
type Result struct {
	StatusCode   int          `json:"status_code"`
	Payload      []byte       `json:"payload"`
	Origin       Origin       `json:"origin"`
	RequestTime  *time.Time   `json:"request_time,omitempty"`
	Verification Verification `json:"verification"`
}

// ETag is the validator stored for a path.
type ETag struct {
	Token       string     `json:"etag"`
	LastRefresh *time.Time `json:"last_refresh_time,omitempty"`
}

// Entry is the unit stored per path. Entries are replaced whole, never patched.
type Entry struct {
	ETag   ETag   `json:"etag"`
	Result Result `json:"result"`
}

// Headers are the conditional request headers for a path. Empty values mean
// the server must answer with a full body.
type Headers struct {
	ETag        string
	LastRefresh string
}

// Apply sets the conditional headers on h. Empty headers are still sent so the
// server can tell a forced refresh from an old client.
func (hd Headers) Apply(h http.Header) {
	h.Set(HeaderETag, hd.ETag)
	if hd.LastRefresh != "" {
		h.Set(HeaderLastRefreshTime, hd.LastRefresh)
	}
}

func headersFor(tag ETag) Headers {
	hd := Headers{ETag: tag.Token}
	if tag.LastRefresh != nil {
		hd.LastRefresh = strconv.FormatInt(tag.LastRefresh.UnixMilli(), 10)
	}
	return hd
}

// Exchange describes a just-completed network call handed to Reconcile.
type Exchange struct {
	Path         string
	StatusCode   int
	Payload      []byte
	ServerETag   string // empty when the server did not send one
	ForceRefresh bool
	RequestTime  *time.Time
	Verification Verification
}
