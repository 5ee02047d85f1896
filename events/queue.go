package events

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/purchasesync/eventlog"
	"github.com/briangreenhill/purchasesync/kvstore"
	"github.com/briangreenhill/purchasesync/metrics"
)

// Limits bound a queue's batch size, retries and disk usage.
type Limits struct {
	// MaxEventsPerRequest caps the parsed records sent in one batch.
	MaxEventsPerRequest int
	// MaxRetries is the number of consecutive retryable failures after which
	// the whole log is discarded.
	MaxRetries int
	// SyncWatermarkBytes schedules a flush once the log reaches this size.
	SyncWatermarkBytes int64
	// MaxFileBytes is the log size ceiling.
	MaxFileBytes int64
}

// DefaultLimits are the limits used when none are configured.
var DefaultLimits = Limits{
	MaxEventsPerRequest: 200,
	MaxRetries:          3,
	SyncWatermarkBytes:  200 * 1024,
	MaxFileBytes:        500 * 1024,
}

// FlushOutcome is the structured result of a Flush call.
type FlushOutcome int

const (
	// FlushSkipped: another flush was already in progress.
	FlushSkipped FlushOutcome = iota
	// FlushEmpty: there was nothing to send.
	FlushEmpty
	// FlushSynced: the batch was acknowledged and removed from the log.
	FlushSynced
	// FlushRetryLater: delivery failed and the log was kept for another attempt.
	FlushRetryLater
	// FlushDiscarded: the log was dropped after a permanent failure, too many
	// retries or an unexpected error.
	FlushDiscarded
)

func (o FlushOutcome) String() string {
	switch o {
	case FlushSkipped:
		return "skipped"
	case FlushEmpty:
		return "empty"
	case FlushSynced:
		return "synced"
	case FlushRetryLater:
		return "retry_later"
	case FlushDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("FlushOutcome(%d)", int(o))
	}
}

// FlushScheduler arranges for a queue to be flushed soon.
type FlushScheduler interface {
	ScheduleFlush(queue string)
}

// Queue is one event queue: a log, a poster and a persisted failure counter,
// all driven through a single serialized lane.
type Queue struct {
	name     string
	log      *eventlog.Log[Event]
	poster   Poster
	counters kvstore.Store
	limits   Limits

	lane     *lane
	flushing atomic.Bool

	scheduler FlushScheduler
	logger    zerolog.Logger
	metrics   *metrics.Collector
	clock     func() time.Time
	sessionID uuid.UUID
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

func WithLimits(l Limits) QueueOption {
	return func(q *Queue) { q.limits = l }
}

// WithScheduler replaces the default scheduler, which flushes on a new goroutine.
func WithScheduler(s FlushScheduler) QueueOption {
	return func(q *Queue) { q.scheduler = s }
}

func WithLogger(l zerolog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

func WithMetrics(m *metrics.Collector) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithSessionID sets the session attached to events the queue generates itself.
func WithSessionID(id uuid.UUID) QueueOption {
	return func(q *Queue) { q.sessionID = id }
}

// NewQueue builds a queue over log. Failure counts are kept in counters under
// a key derived from name.
func NewQueue(name string, log *eventlog.Log[Event], poster Poster, counters kvstore.Store, opts ...QueueOption) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if log == nil || poster == nil || counters == nil {
		return nil, fmt.Errorf("queue %s: log, poster and counter store are required", name)
	}

	q := &Queue{
		name:      name,
		log:       log,
		poster:    poster,
		counters:  counters,
		limits:    DefaultLimits,
		logger:    zerolog.Nop(),
		clock:     time.Now,
		sessionID: uuid.New(),
	}
	for _, o := range opts {
		o(q)
	}
	if q.scheduler == nil {
		q.scheduler = goroutineScheduler{q}
	}
	q.logger = q.logger.With().Str("queue", name).Logger()
	q.lane = newLane()
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// LogSize returns the size of the queue's log in bytes.
func (q *Queue) LogSize() (int64, error) { return q.log.SizeInBytes() }

// Track appends ev to the log. Reaching the sync watermark schedules a flush;
// reaching the ceiling discards the stored backlog and records the drop once.
// ctx only bounds the wait to enter the lane: a nil error means ev was
// written, and an error means it was not.
func (q *Queue) Track(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("track %s: %w", q.name, err)
	}

	var (
		schedule bool
		trackErr error
	)
	err := q.lane.do(ctx, func() {
		schedule, trackErr = q.trackInLane(ev)
	})
	if err != nil {
		return err
	}
	if trackErr != nil {
		return trackErr
	}
	if schedule {
		// outside the lane: a scheduler may block on a broker round trip
		q.scheduler.ScheduleFlush(q.name)
	}
	return nil
}

// trackInLane appends ev and reports whether the log has reached the sync
// watermark.
func (q *Queue) trackInLane(ev Event) (bool, error) {
	size, err := q.log.SizeInBytes()
	if err != nil {
		return false, err
	}

	if size >= q.limits.MaxFileBytes {
		q.logger.Warn().Int64("bytes", size).Msg("event log reached its size ceiling, discarding stored events")
		if err := q.log.DeleteAll(); err != nil {
			return false, err
		}
		limitEvent := Event{
			ID:         uuid.New(),
			Kind:       KindMaxEventsStoredLimitReached,
			Properties: map[string]any{"queue": q.name, "bytes": size},
			SessionID:  q.sessionID,
			Timestamp:  q.clock().UTC(),
		}
		if err := q.log.Append(limitEvent); err != nil {
			// best effort; the tracked event still gets written
			q.logger.Warn().Err(err).Msg("record limit reached event")
		}
	}

	if err := q.log.Append(ev); err != nil {
		return false, err
	}
	q.metrics.EventTracked(q.name)

	size, err = q.log.SizeInBytes()
	if err != nil {
		return false, err
	}
	q.metrics.LogSize(q.name, size)
	return size >= q.limits.SyncWatermarkBytes, nil
}

// Flush sends the oldest batch to the backend. Concurrent calls while a flush
// is running return FlushSkipped without doing anything. A started flush is
// not cancelled by ctx; ctx only bounds the wait to enter the lane.
func (q *Queue) Flush(ctx context.Context) FlushOutcome {
	if !q.flushing.CompareAndSwap(false, true) {
		q.metrics.FlushOutcome(q.name, FlushSkipped.String())
		return FlushSkipped
	}

	var outcome FlushOutcome
	done, err := q.lane.submit(ctx, func() {
		defer q.flushing.Store(false)
		outcome = q.flushInLane(context.WithoutCancel(ctx))
	})
	if err != nil {
		q.flushing.Store(false)
		q.logger.Debug().Err(err).Msg("flush not started")
		return FlushSkipped
	}
	<-done

	q.metrics.FlushOutcome(q.name, outcome.String())
	return outcome
}

func (q *Queue) flushInLane(ctx context.Context) (outcome FlushOutcome) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("unexpected failure during flush, discarding event log")
			outcome = q.discard(ctx)
		}
	}()

	batch, consumed, err := q.readBatch()
	if err != nil {
		q.logger.Error().Err(err).Msg("read event log, discarding it")
		return q.discard(ctx)
	}

	if len(batch) == 0 {
		if consumed > 0 {
			// only unreadable lines were left
			if err := q.log.TruncateFirst(consumed); err != nil {
				q.logger.Error().Err(err).Msg("drop unreadable lines, discarding event log")
				return q.discard(ctx)
			}
		}
		return FlushEmpty
	}

	if err := q.poster.PostEvents(ctx, batch); err != nil {
		return q.handlePostFailure(ctx, err)
	}

	q.resetFailures(ctx)
	if err := q.log.TruncateFirst(consumed); err != nil {
		q.logger.Error().Err(err).Int("lines", consumed).Msg("truncate synced events, discarding event log")
		return q.discard(ctx)
	}
	q.logger.Debug().Int("events", len(batch)).Int("lines", consumed).Msg("events synced")
	q.reportSize()
	return FlushSynced
}

// readBatch collects up to MaxEventsPerRequest events and the number of lines
// they span, unreadable lines included so they are truncated with the batch.
func (q *Queue) readBatch() ([]Event, int, error) {
	var (
		batch    []Event
		consumed int
	)
	for line, err := range q.log.Lines(q.limits.MaxEventsPerRequest) {
		if err != nil {
			return nil, 0, err
		}
		consumed++
		if line.Record == nil {
			q.logger.Warn().Int("line", consumed).Msg("skipping unreadable event log line")
			continue
		}
		batch = append(batch, *line.Record)
	}
	return batch, consumed, nil
}

func (q *Queue) handlePostFailure(ctx context.Context, err error) FlushOutcome {
	if !IsRetryable(err) {
		q.logger.Warn().Err(err).Msg("backend rejected events permanently, discarding event log")
		return q.discard(ctx)
	}

	failures := q.incrementFailures(ctx)
	if failures >= q.limits.MaxRetries {
		q.logger.Warn().Err(err).Int("failures", failures).Msg("too many failed syncs, discarding event log")
		return q.discard(ctx)
	}
	q.logger.Info().Err(err).Int("failures", failures).Msg("event sync failed, will retry")
	return FlushRetryLater
}

func (q *Queue) discard(ctx context.Context) FlushOutcome {
	if err := q.log.DeleteAll(); err != nil {
		q.logger.Error().Err(err).Msg("delete event log")
	}
	q.resetFailures(ctx)
	q.reportSize()
	return FlushDiscarded
}

func (q *Queue) reportSize() {
	if size, err := q.log.SizeInBytes(); err == nil {
		q.metrics.LogSize(q.name, size)
	}
}

func (q *Queue) counterKey() string {
	return q.name + ".consecutive_failures"
}

// Failures returns the persisted consecutive failure count.
func (q *Queue) Failures(ctx context.Context) (int, error) {
	var (
		n      int
		getErr error
	)
	err := q.lane.do(ctx, func() {
		n, getErr = q.loadFailures(ctx)
	})
	if err != nil {
		return 0, err
	}
	return n, getErr
}

// ResetFailures zeroes the consecutive failure counter.
func (q *Queue) ResetFailures(ctx context.Context) error {
	return q.lane.do(ctx, func() { q.resetFailures(ctx) })
}

func (q *Queue) loadFailures(ctx context.Context) (int, error) {
	raw, ok, err := q.counters.Get(ctx, q.counterKey())
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse failure counter %q: %w", raw, err)
	}
	return n, nil
}

func (q *Queue) incrementFailures(ctx context.Context) int {
	n, err := q.loadFailures(ctx)
	if err != nil {
		q.logger.Warn().Err(err).Msg("read failure counter")
	}
	n++
	if err := q.counters.Put(ctx, q.counterKey(), strconv.Itoa(n)); err != nil {
		q.logger.Warn().Err(err).Msg("store failure counter")
	}
	return n
}

func (q *Queue) resetFailures(ctx context.Context) {
	if err := q.counters.Put(ctx, q.counterKey(), "0"); err != nil {
		q.logger.Warn().Err(err).Msg("reset failure counter")
	}
}

// Close stops the queue's lane. Pending Track and Flush calls fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.lane.close()
}

type goroutineScheduler struct{ q *Queue }

func (s goroutineScheduler) ScheduleFlush(string) {
	go s.q.Flush(context.Background())
}
