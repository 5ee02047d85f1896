package backend

import (
	"errors"
	"fmt"
)

// ErrVerificationFailed marks a response whose signature did not verify.
var ErrVerificationFailed = errors.New("backend: response verification failed")

// Kind classifies backend failures.
type Kind int

const (
	// KindNetwork: the request never produced a response (timeout, DNS, reset).
	KindNetwork Kind = iota
	// KindServer: 5xx, transient.
	KindServer
	// KindClient: 4xx, permanent.
	KindClient
	// KindVerification: the response failed verification; never retried or cached.
	KindVerification
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindVerification:
		return "verification"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a structured backend failure.
type Error struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Endpoint, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Endpoint, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

func statusError(endpoint string, status int, body []byte) *Error {
	kind := KindClient
	if status >= 500 {
		kind = KindServer
	}
	return &Error{
		Kind:       kind,
		Endpoint:   endpoint,
		StatusCode: status,
		Err:        fmt.Errorf("unexpected status: %s", truncateBody(body)),
	}
}

func truncateBody(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
