// SPDX-License-Identifier: Apache-2.0

// Package dispatch fans appended events out to registered delivery targets
// with bounded concurrency, exponential-backoff retries, a per-attempt audit
// log, and a dead-letter queue for exhausted deliveries.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
	"github.com/atriumworld/atrium/internal/metrics"
	"github.com/google/uuid"
)

const (
	defaultBackoff = 300 * time.Millisecond
	defaultTimeout = 10 * time.Second
)

// SendResult is the outcome of one delivery attempt. Terminal results (for
// example a reaction denied by permission or moderation checks) are recorded
// as failed triggers and never retried.
type SendResult struct {
	HTTPStatus int
	Err        error
	Terminal   bool
}

// Sender performs one delivery attempt for its target kind.
type Sender interface {
	Send(ctx context.Context, target domain.DeliveryTarget, ev domain.Event) SendResult
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	DLQ       int64 `json:"dlq"`
	Dropped   int64 `json:"dropped"`
	InFlight  int64 `json:"in_flight"`
	Queued    int64 `json:"queued"`
}

// queueItem carries the event together with the targets matched at enqueue
// time. Editing a target after enqueue does not affect deliveries already
// committed to the queue.
type queueItem struct {
	event   domain.Event
	targets []domain.DeliveryTarget
}

type Deps struct {
	Targets  TargetStore
	Attempts AttemptStore
	DLQ      DLQStore
	Senders  map[domain.TargetKind]Sender
	Logger   *slog.Logger
	Clock    Clock

	Concurrency int
	QueueSize   int
}

type Dispatcher struct {
	targets  TargetStore
	attempts AttemptStore
	dlq      DLQStore
	senders  map[domain.TargetKind]Sender
	logger   *slog.Logger
	clock    Clock

	queue    chan queueItem
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping atomic.Bool

	processed atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	dlqCount  atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64
}

func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	concurrency := deps.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}
	queueSize := deps.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}

	d := &Dispatcher{
		targets:  deps.Targets,
		attempts: deps.Attempts,
		dlq:      deps.DLQ,
		senders:  deps.Senders,
		logger:   logger,
		clock:    clock,
		queue:    make(chan queueItem, queueSize),
	}

	d.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go d.worker()
	}

	return d
}

// Attach subscribes the dispatcher to the log's live feed and returns the
// unsubscribe function.
func (d *Dispatcher) Attach(log *eventlog.Log) func() {
	return log.Subscribe(eventlog.Filter{}, d.Enqueue)
}

// Enqueue matches the event against enabled targets and queues it without
// blocking the append path. A full queue drops the event and counts it.
// Enqueue runs inside the log's fan-out, so the configured TargetStore must
// answer ListEnabled from memory; database-backed stores are wrapped in a
// TargetCache.
func (d *Dispatcher) Enqueue(ev domain.Event) {
	if d.stopping.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enabled, err := d.targets.ListEnabled(ctx)
	if err != nil {
		d.logger.Error("list delivery targets failed",
			"tenant_id", ev.TenantID,
			"event_id", ev.ID,
			"error", err,
		)
		return
	}

	matched := make([]domain.DeliveryTarget, 0, len(enabled))
	for _, t := range enabled {
		if t.Matches(ev) {
			matched = append(matched, t)
		}
	}
	if len(matched) == 0 {
		return
	}

	select {
	case d.queue <- queueItem{event: ev, targets: matched}:
		metrics.SetDispatchQueueDepth(len(d.queue))
	default:
		d.dropped.Add(1)
		d.logger.Error("dispatch queue full, event dropped",
			"tenant_id", ev.TenantID,
			"event_id", ev.ID,
			"queued", len(d.queue),
		)
	}
}

// Stop accepts no new queue items, then waits for the workers to drain
// everything already queued and finish in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		close(d.queue)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
		DLQ:       d.dlqCount.Load(),
		Dropped:   d.dropped.Load(),
		InFlight:  d.inFlight.Load(),
		Queued:    int64(len(d.queue)),
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for item := range d.queue {
		metrics.SetDispatchQueueDepth(len(d.queue))
		d.inFlight.Add(1)
		metrics.SetDispatchInFlight(int(d.inFlight.Load()))

		for _, target := range item.targets {
			d.deliverWithRetries(item.event, target)
		}
		d.processed.Add(1)

		d.inFlight.Add(-1)
		metrics.SetDispatchInFlight(int(d.inFlight.Load()))
	}
}

// deliverWithRetries runs the retry state machine for one event×target pair:
// up to MaxRetries+1 attempts with full exponential backoff, then one DLQ
// entry on exhaustion.
func (d *Dispatcher) deliverWithRetries(ev domain.Event, target domain.DeliveryTarget) {
	maxAttempts := target.MaxRetries + 1
	backoff := target.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.retried.Add(1)
			metrics.IncDeliveryRetries()
			wait := backoff * time.Duration(1<<(attempt-2))
			<-d.clock.After(wait)
		}

		res := d.attempt(ev, target, attempt, domain.SourceLive)
		if res.Err == nil {
			d.delivered.Add(1)
			return
		}
		lastErr = res.Err

		if res.Terminal {
			// A refused delivery, not a transport failure: the audit row
			// records it, and a retry or replay would be refused again.
			d.failed.Add(1)
			return
		}
	}

	d.failed.Add(1)
	d.exhaust(ev, target, lastErr)
}

// attempt performs one delivery attempt and records it in the audit log.
func (d *Dispatcher) attempt(ev domain.Event, target domain.DeliveryTarget, attempt int, source domain.AttemptSource) SendResult {
	sender, ok := d.senders[target.Kind]
	if !ok {
		return SendResult{
			Err:      fmt.Errorf("no sender for target kind %q", target.Kind),
			Terminal: true,
		}
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := d.clock.Now()
	res := sender.Send(ctx, target, ev)
	duration := d.clock.Now().Sub(started)

	record := domain.DeliveryAttempt{
		ID:         uuid.New(),
		TenantID:   ev.TenantID,
		TargetID:   target.ID,
		EventID:    ev.ID,
		Attempt:    attempt,
		Source:     source,
		Success:    res.Err == nil,
		HTTPStatus: res.HTTPStatus,
		Duration:   duration,
		At:         started.UTC(),
	}
	if res.Err != nil {
		record.Error = res.Err.Error()
	}

	recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recordCancel()
	if err := d.attempts.Record(recordCtx, record); err != nil {
		d.logger.Error("record delivery attempt failed",
			"tenant_id", ev.TenantID,
			"target_id", target.ID,
			"event_id", ev.ID,
			"error", err,
		)
	}
	metrics.IncDeliveryAttempt(res.Err == nil)

	if res.Err != nil {
		d.logger.Warn("delivery attempt failed",
			"tenant_id", ev.TenantID,
			"target_id", target.ID,
			"event_id", ev.ID,
			"attempt", attempt,
			"source", source,
			"terminal", res.Terminal,
			"error", res.Err,
		)
	} else {
		d.logger.Info("delivery attempt succeeded",
			"tenant_id", ev.TenantID,
			"target_id", target.ID,
			"event_id", ev.ID,
			"attempt", attempt,
			"source", source,
		)
	}

	return res
}

// exhaust pushes exactly one DLQ entry for the failed event×target pair.
// A DLQ push failure is storage-level and fatal to the delivery record: it
// is logged loudly since the delivery would otherwise vanish.
func (d *Dispatcher) exhaust(ev domain.Event, target domain.DeliveryTarget, lastErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errMsg := "delivery failed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	if err := d.targets.SetLastError(ctx, target.TenantID, target.ID, errMsg); err != nil {
		d.logger.Error("set target last error failed",
			"tenant_id", target.TenantID,
			"target_id", target.ID,
			"error", err,
		)
	}

	if _, err := d.dlq.Push(ctx, domain.DLQEntry{
		TenantID:  ev.TenantID,
		TargetID:  target.ID,
		Event:     ev,
		LastError: errMsg,
		Status:    domain.DLQOpen,
		CreatedAt: d.clock.Now().UTC(),
	}); err != nil {
		d.logger.Error("dlq push failed, delivery lost",
			"tenant_id", ev.TenantID,
			"target_id", target.ID,
			"event_id", ev.ID,
			"error", err,
		)
		return
	}

	d.dlqCount.Add(1)
	if n, err := d.dlq.OpenCount(ctx); err == nil {
		metrics.SetDLQDepth(n)
	}

	d.logger.Error("delivery retries exhausted",
		"tenant_id", ev.TenantID,
		"target_id", target.ID,
		"event_id", ev.ID,
		"error", errMsg,
	)
}

// ReplayDLQ performs one fresh delivery attempt for an open DLQ entry
// against its original target. Success resolves the entry; failure leaves it
// open with an updated replay error.
func (d *Dispatcher) ReplayDLQ(ctx context.Context, tenantID string, entryID uuid.UUID) (domain.DLQEntry, error) {
	entry, err := d.dlq.Get(ctx, tenantID, entryID)
	if err != nil {
		return domain.DLQEntry{}, err
	}

	target, err := d.targets.Get(ctx, tenantID, entry.TargetID)
	if err != nil {
		return domain.DLQEntry{}, err
	}

	res := d.attempt(entry.Event, target, 1, domain.SourceDLQReplay)
	if res.Err == nil {
		now := d.clock.Now().UTC()
		if err := d.dlq.MarkResolved(ctx, tenantID, entryID, now); err != nil {
			return domain.DLQEntry{}, err
		}
		d.delivered.Add(1)
		entry.Status = domain.DLQResolved
		entry.ResolvedAt = now
		entry.LastReplayError = ""
	} else {
		if err := d.dlq.SetReplayError(ctx, tenantID, entryID, res.Err.Error()); err != nil {
			return domain.DLQEntry{}, err
		}
		entry.LastReplayError = res.Err.Error()
	}

	if n, err := d.dlq.OpenCount(ctx); err == nil {
		metrics.SetDLQDepth(n)
	}

	return entry, nil
}
