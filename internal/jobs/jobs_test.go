package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/purchasesync/eventlog"
	"github.com/briangreenhill/purchasesync/events"
	"github.com/briangreenhill/purchasesync/kvstore"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: uuid.NewString(), Queue: QueueName}, nil
}

type fakeRegistrar struct {
	specs []string
	tasks []*asynq.Task
}

func (f *fakeRegistrar) Register(cronspec string, task *asynq.Task, _ ...asynq.Option) (string, error) {
	f.specs = append(f.specs, cronspec)
	f.tasks = append(f.tasks, task)
	return uuid.NewString(), nil
}

func TestFlushTaskPayload(t *testing.T) {
	task, err := NewFlushTask(events.QueuePaywallEvents)
	require.NoError(t, err)
	assert.Equal(t, TaskFlushEvents, task.Type())

	p, err := ParseFlushTask(task)
	require.NoError(t, err)
	assert.Equal(t, events.QueuePaywallEvents, p.Queue)

	_, err = NewFlushTask("")
	assert.Error(t, err)
	_, err = ParseFlushTask(asynq.NewTask(TaskFlushEvents, []byte(`{}`)))
	assert.Error(t, err)
	_, err = ParseFlushTask(asynq.NewTask(TaskFlushEvents, []byte(`not json`)))
	assert.Error(t, err)
}

func TestEnqueuerSchedulesFlush(t *testing.T) {
	fake := &fakeEnqueuer{}
	e := NewEnqueuer(fake, zerolog.Nop())

	e.ScheduleFlush(events.QueueDiagnostics)
	require.Len(t, fake.tasks, 1)
	p, err := ParseFlushTask(fake.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, events.QueueDiagnostics, p.Queue)
}

func TestEnqueuerSwallowsErrors(t *testing.T) {
	for _, err := range []error{asynq.ErrDuplicateTask, errors.New("redis down")} {
		e := NewEnqueuer(&fakeEnqueuer{err: err}, zerolog.Nop())
		assert.NotPanics(t, func() { e.ScheduleFlush(events.QueueDiagnostics) })
	}
}

func TestRegisterPeriodicFlushes(t *testing.T) {
	reg := &fakeRegistrar{}
	queues := []string{events.QueueDiagnostics, events.QueuePaywallEvents}
	require.NoError(t, RegisterPeriodicFlushes(reg, "@every 1m", queues))

	assert.Equal(t, []string{"@every 1m", "@every 1m"}, reg.specs)
	for i, task := range reg.tasks {
		p, err := ParseFlushTask(task)
		require.NoError(t, err)
		assert.Equal(t, queues[i], p.Queue)
	}
}

func TestFlushHandler(t *testing.T) {
	ctx := context.Background()
	log, err := eventlog.Open[events.Event](filepath.Join(t.TempDir(), "paywall_events.jsonl"))
	require.NoError(t, err)

	var posted int
	poster := events.PosterFunc(func(_ context.Context, batch []events.Event) error {
		posted += len(batch)
		return nil
	})
	q, err := events.NewQueue(events.QueuePaywallEvents, log, poster, kvstore.NewMemory())
	require.NoError(t, err)
	reg := events.NewRegistry()
	reg.Register(q)
	defer reg.Close()

	require.NoError(t, q.Track(ctx, events.NewEvent("paywall_impression", uuid.New(), nil)))

	h := NewFlushHandler(reg, zerolog.Nop())
	task, err := NewFlushTask(events.QueuePaywallEvents)
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(ctx, task))
	assert.Equal(t, 1, posted)
}

func TestFlushHandlerRejectsBadTasks(t *testing.T) {
	reg := events.NewRegistry()
	defer reg.Close()
	h := NewFlushHandler(reg, zerolog.Nop())

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskFlushEvents, []byte(`garbage`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, err := NewFlushTask("unknown")
	require.NoError(t, err)
	err = h.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
