// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
)

// countingTargetStore counts ListEnabled loads against the inner store.
type countingTargetStore struct {
	*MemoryTargetStore
	mu    sync.Mutex
	loads int
}

func (s *countingTargetStore) ListEnabled(ctx context.Context) ([]domain.DeliveryTarget, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return s.MemoryTargetStore.ListEnabled(ctx)
}

func (s *countingTargetStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// stalledTargetStore answers the first ListEnabled, then blocks until
// released, standing in for an unresponsive target database.
type stalledTargetStore struct {
	*MemoryTargetStore
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (s *stalledTargetStore) ListEnabled(ctx context.Context) ([]domain.DeliveryTarget, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()

	if !first {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.MemoryTargetStore.ListEnabled(ctx)
}

func TestTargetCacheServesSnapshotWithoutStorage(t *testing.T) {
	inner := &countingTargetStore{MemoryTargetStore: NewMemoryTargetStore()}
	registerTarget(t, inner, 0)

	cache := NewTargetCache(inner, time.Hour, testLogger())
	defer cache.Close()

	if got := inner.loadCount(); got != 1 {
		t.Fatalf("expected one initial load, got %d", got)
	}

	for i := 0; i < 3; i++ {
		enabled, err := cache.ListEnabled(context.Background())
		if err != nil {
			t.Fatalf("list enabled: %v", err)
		}
		if len(enabled) != 1 {
			t.Fatalf("expected one enabled target, got %d", len(enabled))
		}
	}

	if got := inner.loadCount(); got != 1 {
		t.Fatalf("snapshot reads must not hit storage, got %d loads", got)
	}
}

func TestTargetCacheRefreshesOnWrite(t *testing.T) {
	inner := NewMemoryTargetStore()
	cache := NewTargetCache(inner, time.Hour, testLogger())
	defer cache.Close()

	target := registerTarget(t, cache, 0)

	enabled, err := cache.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != target.ID {
		t.Fatalf("expected created target in snapshot, got %+v", enabled)
	}

	if err := cache.SetEnabled(context.Background(), "acme", target.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	enabled, err = cache.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("disabled target must leave the snapshot, got %d", len(enabled))
	}

	if err := cache.SetEnabled(context.Background(), "acme", target.ID, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := cache.Delete(context.Background(), "acme", target.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	enabled, err = cache.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("deleted target must leave the snapshot, got %d", len(enabled))
	}
}

func TestTargetCachePicksUpOutOfBandChanges(t *testing.T) {
	inner := NewMemoryTargetStore()
	cache := NewTargetCache(inner, 10*time.Millisecond, testLogger())
	defer cache.Close()

	registerTarget(t, inner, 0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		enabled, err := cache.ListEnabled(context.Background())
		if err != nil {
			t.Fatalf("list enabled: %v", err)
		}
		if len(enabled) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("periodic refresh never picked up the new target")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAppendNotBlockedByTargetStorage(t *testing.T) {
	inner := &stalledTargetStore{
		MemoryTargetStore: NewMemoryTargetStore(),
		release:           make(chan struct{}),
	}
	registerTarget(t, inner.MemoryTargetStore, 0)

	cache := NewTargetCache(inner, time.Hour, testLogger())
	defer cache.Close()
	defer close(inner.release)

	log := eventlog.New(eventlog.NewMemoryStore(), testLogger())
	d := New(Deps{
		Targets:     cache,
		Attempts:    NewMemoryAttemptStore(),
		DLQ:         NewMemoryDLQStore(),
		Senders:     map[domain.TargetKind]Sender{},
		Logger:      testLogger(),
		Clock:       newFakeClock(),
		Concurrency: 1,
		QueueSize:   8,
	})
	detach := d.Attach(log)
	defer d.Stop()
	defer detach()

	// Target storage is now unresponsive; the append must still return.
	done := make(chan error, 1)
	go func() {
		_, err := log.Append(context.Background(), domain.Event{
			TenantID: "acme",
			RoomID:   "lobby",
			ActorID:  "nova",
			Type:     domain.EventMessagePosted,
			Payload:  json.RawMessage(`{"text":"hi"}`),
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on target storage")
	}
}
