// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances instantly: After never sleeps, and every observed wait
// is recorded for assertions on the backoff schedule.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// scriptedSender returns the scripted results in order, then repeats the
// last one.
type scriptedSender struct {
	mu      sync.Mutex
	results []SendResult
	calls   int
}

func (s *scriptedSender) Send(ctx context.Context, target domain.DeliveryTarget, ev domain.Event) SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testEvent() domain.Event {
	return domain.Event{
		Seq:      1,
		ID:       uuid.New(),
		TenantID: "acme",
		RoomID:   "lobby",
		ActorID:  "nova",
		Type:     domain.EventMessagePosted,
	}
}

func registerTarget(t *testing.T, store TargetStore, maxRetries int) domain.DeliveryTarget {
	t.Helper()
	target, err := store.Create(context.Background(), domain.DeliveryTarget{
		TenantID:   "acme",
		Kind:       domain.TargetWebhook,
		EventTypes: []string{"*"},
		URL:        "https://hooks.example.com/atrium",
		MaxRetries: maxRetries,
		Backoff:    100 * time.Millisecond,
		Timeout:    time.Second,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	return target
}

func TestDispatcherExhaustsRetriesIntoDLQ(t *testing.T) {
	targets := NewMemoryTargetStore()
	attempts := NewMemoryAttemptStore()
	dlq := NewMemoryDLQStore()
	clock := newFakeClock()
	sender := &scriptedSender{results: []SendResult{{Err: errors.New("endpoint down")}}}

	target := registerTarget(t, targets, 2)

	d := New(Deps{
		Targets:     targets,
		Attempts:    attempts,
		DLQ:         dlq,
		Senders:     map[domain.TargetKind]Sender{domain.TargetWebhook: sender},
		Logger:      testLogger(),
		Clock:       clock,
		Concurrency: 1,
		QueueSize:   8,
	})

	ev := testEvent()
	d.Enqueue(ev)
	d.Stop()

	if got := sender.callCount(); got != 3 {
		t.Fatalf("max_retries=2 means exactly 3 attempts, got %d", got)
	}

	recorded, err := attempts.ListByEvent(context.Background(), "acme", ev.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(recorded) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(recorded))
	}
	for i, a := range recorded {
		if a.Attempt != i+1 || a.Success || a.Source != domain.SourceLive {
			t.Fatalf("audit row %d malformed: %+v", i, a)
		}
	}

	waits := clock.recorded()
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Fatalf("expected backoff schedule [100ms 200ms], got %v", waits)
	}

	entries, err := dlq.List(context.Background(), "acme", domain.DLQOpen)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("exhaustion must push exactly one DLQ entry, got %d", len(entries))
	}
	if entries[0].TargetID != target.ID || entries[0].Event.ID != ev.ID {
		t.Fatalf("dlq entry mismatch: %+v", entries[0])
	}

	stats := d.Stats()
	if stats.Delivered != 0 || stats.Failed != 1 || stats.Retried != 2 || stats.DLQ != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDispatcherDeliversAfterRetry(t *testing.T) {
	targets := NewMemoryTargetStore()
	attempts := NewMemoryAttemptStore()
	dlq := NewMemoryDLQStore()
	sender := &scriptedSender{results: []SendResult{
		{Err: errors.New("flaky")},
		{HTTPStatus: 200},
	}}

	registerTarget(t, targets, 2)

	d := New(Deps{
		Targets:     targets,
		Attempts:    attempts,
		DLQ:         dlq,
		Senders:     map[domain.TargetKind]Sender{domain.TargetWebhook: sender},
		Logger:      testLogger(),
		Clock:       newFakeClock(),
		Concurrency: 1,
		QueueSize:   8,
	})

	ev := testEvent()
	d.Enqueue(ev)
	d.Stop()

	if got := sender.callCount(); got != 2 {
		t.Fatalf("expected success on second attempt, got %d calls", got)
	}

	entries, err := dlq.List(context.Background(), "acme", domain.DLQOpen)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("successful delivery must not reach the DLQ, got %d entries", len(entries))
	}

	stats := d.Stats()
	if stats.Delivered != 1 || stats.Failed != 0 || stats.Retried != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDispatcherTerminalFailureNotRetried(t *testing.T) {
	targets := NewMemoryTargetStore()
	attempts := NewMemoryAttemptStore()
	dlq := NewMemoryDLQStore()
	sender := &scriptedSender{results: []SendResult{
		{Err: errors.New("reaction denied: missing capability"), Terminal: true},
	}}

	registerTarget(t, targets, 5)

	d := New(Deps{
		Targets:     targets,
		Attempts:    attempts,
		DLQ:         dlq,
		Senders:     map[domain.TargetKind]Sender{domain.TargetWebhook: sender},
		Logger:      testLogger(),
		Clock:       newFakeClock(),
		Concurrency: 1,
		QueueSize:   8,
	})

	ev := testEvent()
	d.Enqueue(ev)
	d.Stop()

	if got := sender.callCount(); got != 1 {
		t.Fatalf("terminal failures must not be retried, got %d calls", got)
	}

	recorded, err := attempts.ListByEvent(context.Background(), "acme", ev.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Success {
		t.Fatalf("expected one failed audit row, got %+v", recorded)
	}

	entries, err := dlq.List(context.Background(), "acme", domain.DLQOpen)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("a refused delivery must not be dead-lettered, got %d entries", len(entries))
	}

	stats := d.Stats()
	if stats.Failed != 1 || stats.DLQ != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDispatcherSkipsNonMatchingTargets(t *testing.T) {
	targets := NewMemoryTargetStore()
	sender := &scriptedSender{results: []SendResult{{HTTPStatus: 200}}}

	target := registerTarget(t, targets, 0)
	if err := targets.SetEnabled(context.Background(), "acme", target.ID, false); err != nil {
		t.Fatalf("disable target: %v", err)
	}

	d := New(Deps{
		Targets:     targets,
		Attempts:    NewMemoryAttemptStore(),
		DLQ:         NewMemoryDLQStore(),
		Senders:     map[domain.TargetKind]Sender{domain.TargetWebhook: sender},
		Logger:      testLogger(),
		Clock:       newFakeClock(),
		Concurrency: 1,
		QueueSize:   8,
	})

	d.Enqueue(testEvent())
	d.Stop()

	if got := sender.callCount(); got != 0 {
		t.Fatalf("disabled target must never be delivered to, got %d calls", got)
	}
}

func TestReplayDLQResolvesWithOneAttempt(t *testing.T) {
	targets := NewMemoryTargetStore()
	attempts := NewMemoryAttemptStore()
	dlq := NewMemoryDLQStore()
	clock := newFakeClock()
	sender := &scriptedSender{results: []SendResult{
		{Err: errors.New("endpoint down")},
		{Err: errors.New("endpoint down")},
		{Err: errors.New("endpoint down")},
		{HTTPStatus: 200},
	}}

	registerTarget(t, targets, 2)

	d := New(Deps{
		Targets:     targets,
		Attempts:    attempts,
		DLQ:         dlq,
		Senders:     map[domain.TargetKind]Sender{domain.TargetWebhook: sender},
		Logger:      testLogger(),
		Clock:       clock,
		Concurrency: 1,
		QueueSize:   8,
	})

	ev := testEvent()
	d.Enqueue(ev)
	d.Stop()

	entries, err := dlq.List(context.Background(), "acme", domain.DLQOpen)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one open entry, got %d", len(entries))
	}

	replayed, err := d.ReplayDLQ(context.Background(), "acme", entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != domain.DLQResolved {
		t.Fatalf("expected resolved entry, got %s", replayed.Status)
	}
	if replayed.ResolvedAt.IsZero() {
		t.Fatal("expected resolved timestamp")
	}

	if got := sender.callCount(); got != 4 {
		t.Fatalf("replay must cost exactly one more attempt, got %d total", got)
	}

	recorded, err := attempts.ListByEvent(context.Background(), "acme", ev.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	last := recorded[len(recorded)-1]
	if last.Source != domain.SourceDLQReplay || !last.Success {
		t.Fatalf("expected successful dlq_replay audit row, got %+v", last)
	}

	open, err := dlq.List(context.Background(), "acme", domain.DLQOpen)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("resolved entry must leave the open set, got %d", len(open))
	}
}

func TestReplayDLQFailureLeavesEntryOpen(t *testing.T) {
	targets := NewMemoryTargetStore()
	dlq := NewMemoryDLQStore()
	sender := &scriptedSender{results: []SendResult{{Err: errors.New("still down")}}}

	target := registerTarget(t, targets, 0)
	entry, err := dlq.Push(context.Background(), domain.DLQEntry{
		TenantID:  "acme",
		TargetID:  target.ID,
		Event:     testEvent(),
		LastError: "endpoint down",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	d := New(Deps{
		Targets:     targets,
		Attempts:    NewMemoryAttemptStore(),
		DLQ:         dlq,
		Senders:     map[domain.TargetKind]Sender{domain.TargetWebhook: sender},
		Logger:      testLogger(),
		Clock:       newFakeClock(),
		Concurrency: 1,
		QueueSize:   8,
	})
	defer d.Stop()

	replayed, err := d.ReplayDLQ(context.Background(), "acme", entry.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != domain.DLQOpen {
		t.Fatalf("failed replay must leave the entry open, got %s", replayed.Status)
	}
	if replayed.LastReplayError != "still down" {
		t.Fatalf("expected replay error recorded, got %q", replayed.LastReplayError)
	}
}

func TestReplayDLQUnknownEntry(t *testing.T) {
	d := New(Deps{
		Targets:     NewMemoryTargetStore(),
		Attempts:    NewMemoryAttemptStore(),
		DLQ:         NewMemoryDLQStore(),
		Senders:     map[domain.TargetKind]Sender{},
		Logger:      testLogger(),
		Clock:       newFakeClock(),
		Concurrency: 1,
		QueueSize:   8,
	})
	defer d.Stop()

	_, err := d.ReplayDLQ(context.Background(), "acme", uuid.New())
	if !errors.Is(err, domain.ErrDLQEntryNotFound) {
		t.Fatalf("expected ErrDLQEntryNotFound, got %v", err)
	}
}
