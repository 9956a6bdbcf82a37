// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"sync"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is the non-durable backend used for development and tests.
// A single mutex serializes sequence assignment, so per-tenant logs are
// gap-free by construction.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]domain.Event
	seqs   map[string]int64
	byID   map[uuid.UUID]domain.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]domain.Event),
		seqs:   make(map[string]int64),
		byID:   make(map[uuid.UUID]domain.Event),
	}
}

func (s *MemoryStore) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs[ev.TenantID]++
	ev.Seq = s.seqs[ev.TenantID]
	s.events[ev.TenantID] = append(s.events[ev.TenantID], ev)
	s.byID[ev.ID] = ev
	return ev, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, tenantID string, eventID uuid.UUID) (domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return domain.Event{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[eventID]
	if !ok || ev.TenantID != tenantID {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := clampLimit(f.Limit)

	afterSeq, err := s.resolveAfterLocked(f)
	if err != nil {
		return nil, err
	}

	var source []domain.Event
	if f.TenantID != "" {
		source = s.events[f.TenantID]
	} else {
		for _, evs := range s.events {
			source = append(source, evs...)
		}
	}

	out := make([]domain.Event, 0, limit)
	if f.Descending {
		for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
			ev := source[i]
			if afterSeq > 0 && ev.Seq >= afterSeq {
				continue
			}
			if f.Matches(ev) {
				out = append(out, ev)
			}
		}
		return out, nil
	}

	for _, ev := range source {
		if len(out) >= limit {
			break
		}
		if ev.Seq <= afterSeq {
			continue
		}
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// resolveAfterLocked turns an AfterEventID cursor into its sequence; an
// explicit AfterSeq wins when both are set.
func (s *MemoryStore) resolveAfterLocked(f Filter) (int64, error) {
	if f.AfterSeq > 0 {
		return f.AfterSeq, nil
	}
	if f.AfterEventID == uuid.Nil {
		return 0, nil
	}
	ev, ok := s.byID[f.AfterEventID]
	if !ok || (f.TenantID != "" && ev.TenantID != f.TenantID) {
		return 0, domain.ErrEventNotFound
	}
	return ev.Seq, nil
}
