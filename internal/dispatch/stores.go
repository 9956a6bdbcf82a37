// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

// TargetStore holds registered delivery targets.
type TargetStore interface {
	Create(ctx context.Context, t domain.DeliveryTarget) (domain.DeliveryTarget, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryTarget, error)
	List(ctx context.Context, tenantID string) ([]domain.DeliveryTarget, error)
	ListEnabled(ctx context.Context) ([]domain.DeliveryTarget, error)
	SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error
	SetLastError(ctx context.Context, tenantID string, id uuid.UUID, lastError string) error
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
}

// AttemptStore is the delivery audit log: one row per attempt, always.
type AttemptStore interface {
	Record(ctx context.Context, a domain.DeliveryAttempt) error
	ListByEvent(ctx context.Context, tenantID string, eventID uuid.UUID) ([]domain.DeliveryAttempt, error)
}

// DLQStore holds exhausted deliveries awaiting manual replay.
type DLQStore interface {
	Push(ctx context.Context, e domain.DLQEntry) (domain.DLQEntry, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DLQEntry, error)
	List(ctx context.Context, tenantID string, status domain.DLQStatus) ([]domain.DLQEntry, error)
	MarkResolved(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error
	SetReplayError(ctx context.Context, tenantID string, id uuid.UUID, replayError string) error
	OpenCount(ctx context.Context) (int, error)
}

// MemoryTargetStore is the in-memory TargetStore used for development and
// tests.
type MemoryTargetStore struct {
	mu      sync.RWMutex
	targets map[uuid.UUID]domain.DeliveryTarget
}

func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{targets: make(map[uuid.UUID]domain.DeliveryTarget)}
}

func (s *MemoryTargetStore) Create(ctx context.Context, t domain.DeliveryTarget) (domain.DeliveryTarget, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeliveryTarget{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.targets[t.ID] = t
	return t, nil
}

func (s *MemoryTargetStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryTarget, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeliveryTarget{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[id]
	if !ok || t.TenantID != tenantID {
		return domain.DeliveryTarget{}, domain.ErrTargetNotFound
	}
	return t, nil
}

func (s *MemoryTargetStore) List(ctx context.Context, tenantID string) ([]domain.DeliveryTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DeliveryTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTargetStore) ListEnabled(ctx context.Context) ([]domain.DeliveryTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DeliveryTarget, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTargetStore) SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	return s.update(ctx, tenantID, id, func(t *domain.DeliveryTarget) { t.Enabled = enabled })
}

func (s *MemoryTargetStore) SetLastError(ctx context.Context, tenantID string, id uuid.UUID, lastError string) error {
	return s.update(ctx, tenantID, id, func(t *domain.DeliveryTarget) { t.LastError = lastError })
}

func (s *MemoryTargetStore) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok || t.TenantID != tenantID {
		return domain.ErrTargetNotFound
	}
	delete(s.targets, id)
	return nil
}

func (s *MemoryTargetStore) update(ctx context.Context, tenantID string, id uuid.UUID, fn func(*domain.DeliveryTarget)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[id]
	if !ok || t.TenantID != tenantID {
		return domain.ErrTargetNotFound
	}
	fn(&t)
	s.targets[id] = t
	return nil
}

// MemoryAttemptStore keeps the audit log in memory.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{}
}

func (s *MemoryAttemptStore) Record(ctx context.Context, a domain.DeliveryAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *MemoryAttemptStore) ListByEvent(ctx context.Context, tenantID string, eventID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeliveryAttempt, 0, 4)
	for _, a := range s.attempts {
		if a.TenantID == tenantID && a.EventID == eventID {
			out = append(out, a)
		}
	}
	return out, nil
}

// MemoryDLQStore keeps dead-lettered deliveries in memory.
type MemoryDLQStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]domain.DLQEntry
	order   []uuid.UUID
}

func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{entries: make(map[uuid.UUID]domain.DLQEntry)}
}

func (s *MemoryDLQStore) Push(ctx context.Context, e domain.DLQEntry) (domain.DLQEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.DLQEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = domain.DLQOpen
	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	return e, nil
}

func (s *MemoryDLQStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DLQEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.DLQEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.TenantID != tenantID {
		return domain.DLQEntry{}, domain.ErrDLQEntryNotFound
	}
	return e, nil
}

func (s *MemoryDLQStore) List(ctx context.Context, tenantID string, status domain.DLQStatus) ([]domain.DLQEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DLQEntry, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		if e.TenantID != tenantID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryDLQStore) MarkResolved(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	return s.update(ctx, tenantID, id, func(e *domain.DLQEntry) {
		e.Status = domain.DLQResolved
		e.ResolvedAt = at
		e.LastReplayError = ""
	})
}

func (s *MemoryDLQStore) SetReplayError(ctx context.Context, tenantID string, id uuid.UUID, replayError string) error {
	return s.update(ctx, tenantID, id, func(e *domain.DLQEntry) {
		e.LastReplayError = replayError
	})
}

func (s *MemoryDLQStore) OpenCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status == domain.DLQOpen {
			n++
		}
	}
	return n, nil
}

func (s *MemoryDLQStore) update(ctx context.Context, tenantID string, id uuid.UUID, fn func(*domain.DLQEntry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.TenantID != tenantID {
		return domain.ErrDLQEntryNotFound
	}
	fn(&e)
	s.entries[id] = e
	return nil
}
