package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TaskFlushEvents = "events:flush"

// QueueName is the asynq queue flush tasks run on.
const QueueName = "events"

// FlushTimeout bounds one flush task; a flush posts at most one batch.
const FlushTimeout = 2 * time.Minute

type FlushEventsPayload struct {
	Queue string `json:"queue"`
}

// NewFlushTask builds the task that flushes one event queue.
func NewFlushTask(queue string) (*asynq.Task, error) {
	if queue == "" {
		return nil, fmt.Errorf("flush task: queue is required")
	}
	payload, err := json.Marshal(FlushEventsPayload{Queue: queue})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFlushEvents, payload), nil
}

// ParseFlushTask decodes the payload of a flush task.
func ParseFlushTask(t *asynq.Task) (FlushEventsPayload, error) {
	var p FlushEventsPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("bad payload: %w", err)
	}
	if p.Queue == "" {
		return p, fmt.Errorf("bad payload: queue is required")
	}
	return p, nil
}

// taskOptions: the event queue keeps its own retry budget, so asynq never retries.
func taskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
		asynq.Timeout(FlushTimeout),
	}
}
