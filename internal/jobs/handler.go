package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/events"
)

// NewFlushHandler returns the asynq handler for TaskFlushEvents. Delivery
// failures are handled by the queue itself, so the task only fails for
// payloads that can never succeed.
func NewFlushHandler(reg *events.Registry, log zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := ParseFlushTask(t)
		if err != nil {
			log.Error().Err(err).Msg("[asynq] dropping flush task")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		q, ok := reg.Get(p.Queue)
		if !ok {
			log.Error().Str("queue", p.Queue).Msg("[asynq] unknown event queue")
			return fmt.Errorf("unknown event queue %q: %w", p.Queue, asynq.SkipRetry)
		}

		start := time.Now()
		outcome := q.Flush(ctx)
		log.Info().
			Str("queue", p.Queue).
			Stringer("outcome", outcome).
			Dur("duration", time.Since(start)).
			Msg("[flush] done")
		return nil
	}
}
