package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskEnqueuer is the part of *asynq.Client the Enqueuer needs.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules queue flushes as asynq tasks. It satisfies
// events.FlushScheduler.
type Enqueuer struct {
	client TaskEnqueuer
	log    zerolog.Logger
	// dedup window; a queue already waiting for a flush is not enqueued twice
	unique time.Duration
}

func NewEnqueuer(client TaskEnqueuer, log zerolog.Logger) *Enqueuer {
	return &Enqueuer{client: client, log: log, unique: 30 * time.Second}
}

// ScheduleFlush enqueues a flush task for queue. Failures are logged; the
// periodic flush picks the queue up later.
func (e *Enqueuer) ScheduleFlush(queue string) {
	task, err := NewFlushTask(queue)
	if err != nil {
		e.log.Error().Err(err).Msg("[asynq] build flush task")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := append(taskOptions(), asynq.Unique(e.unique))
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask):
		e.log.Debug().Str("queue", queue).Msg("[asynq] flush already pending")
	case err != nil:
		e.log.Warn().Err(err).Str("queue", queue).Msg("[asynq] enqueue failed")
	default:
		e.log.Debug().Str("id", info.ID).Str("queue", queue).Msg("[asynq] enqueued flush")
	}
}

// PeriodicRegistrar is the part of *asynq.Scheduler used to register flushes.
type PeriodicRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterPeriodicFlushes adds one periodic flush per queue, e.g. "@every 1m".
func RegisterPeriodicFlushes(s PeriodicRegistrar, cronspec string, queues []string) error {
	for _, q := range queues {
		task, err := NewFlushTask(q)
		if err != nil {
			return err
		}
		if _, err := s.Register(cronspec, task, taskOptions()...); err != nil {
			return err
		}
	}
	return nil
}
