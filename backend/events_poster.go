package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/briangreenhill/purchasesync/events"
)

// Batch payload keys per endpoint.
const (
	BatchKeyEntries = "entries"
	BatchKeyEvents  = "events"
)

// EventsPoster delivers event batches to one POST endpoint.
type EventsPoster struct {
	client   *Client
	endpoint Endpoint
	batchKey string
}

// NewEventsPoster returns a poster sending {batchKey: [...]} to ep.
func NewEventsPoster(c *Client, ep Endpoint, batchKey string) *EventsPoster {
	return &EventsPoster{client: c, endpoint: ep, batchKey: batchKey}
}

// PosterFor returns the poster matching a queue name.
func PosterFor(c *Client, queue string) (*EventsPoster, error) {
	switch queue {
	case events.QueueDiagnostics:
		return NewEventsPoster(c, PostDiagnostics, BatchKeyEntries), nil
	case events.QueuePaywallEvents:
		return NewEventsPoster(c, PostPaywallEvents, BatchKeyEvents), nil
	case events.QueueCustomerCenterEvents:
		return NewEventsPoster(c, PostCustomerCenterEvents, BatchKeyEvents), nil
	default:
		return nil, fmt.Errorf("no endpoint for queue %q", queue)
	}
}

// PostEvents sends batch. Network failures, 5xx and 404 may be retried; any
// other 4xx means the backend will never accept the batch.
func (p *EventsPoster) PostEvents(ctx context.Context, batch []events.Event) error {
	res, err := p.client.Do(ctx, Request{
		Endpoint: p.endpoint,
		Body:     map[string]any{p.batchKey: batch},
	})
	if err != nil {
		var be *Error
		retry := !errors.As(err, &be) || be.Retryable()
		return &events.PostError{Err: err, Retry: retry}
	}

	switch {
	case res.StatusCode < http.StatusBadRequest:
		return nil
	case res.StatusCode == http.StatusNotFound || res.StatusCode >= http.StatusInternalServerError:
		return &events.PostError{
			StatusCode: res.StatusCode,
			Err:        statusError(p.endpoint.Name, res.StatusCode, res.Payload),
			Retry:      true,
		}
	default:
		return &events.PostError{
			StatusCode: res.StatusCode,
			Err:        statusError(p.endpoint.Name, res.StatusCode, res.Payload),
			Retry:      false,
		}
	}
}
