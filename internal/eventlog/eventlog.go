// SPDX-License-Identifier: Apache-2.0

// Package eventlog implements the append-only, per-tenant sequenced event
// store and its in-process fan-out. The Log owns the subscriber set; storage
// backends only implement Store.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/metrics"
	"github.com/google/uuid"
)

// Page size bounds applied by every backend.
const (
	DefaultPageSize = 100
	MaxPageSize     = 500
)

// Filter selects a slice of the log for List and Subscribe. Zero values mean
// "no constraint"; Types supports the wildcard "*".
type Filter struct {
	TenantID     string
	RoomID       string
	ActorID      string
	Types        []string
	From         time.Time
	To           time.Time
	AfterSeq     int64
	AfterEventID uuid.UUID
	Descending   bool
	Limit        int
}

// Matches reports whether a single event passes the filter's identity and
// type constraints. Pagination fields are ignored here; they only shape List.
func (f Filter) Matches(ev domain.Event) bool {
	if f.TenantID != "" && f.TenantID != ev.TenantID {
		return false
	}
	if f.RoomID != "" && f.RoomID != ev.RoomID {
		return false
	}
	if f.ActorID != "" && f.ActorID != ev.ActorID {
		return false
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == "*" || t == string(ev.Type) {
			return true
		}
	}
	return false
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Store is a durable event backend. Append must assign the tenant's next
// sequence atomically with persistence: a failed append leaves no trace and
// a successful one is already durable when it returns.
type Store interface {
	Append(ctx context.Context, ev domain.Event) (domain.Event, error)
	GetByID(ctx context.Context, tenantID string, eventID uuid.UUID) (domain.Event, error)
	List(ctx context.Context, f Filter) ([]domain.Event, error)
}

// Callback receives live events. It runs synchronously on the appender's
// goroutine and must hand off quickly.
type Callback func(domain.Event)

type subscription struct {
	filter Filter
	cb     Callback
}

// Log wraps a Store with payload normalization and live fan-out.
type Log struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextSub uint64
}

func New(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		logger: logger,
		subs:   make(map[uint64]*subscription),
	}
}

// Append validates and normalizes the event, persists it with the tenant's
// next sequence, and then notifies matching subscribers. A storage failure
// surfaces to the caller and no subscriber runs; a subscriber failure is
// logged and never fails the append.
func (l *Log) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if err := domain.NormalizeEvent(&ev); err != nil {
		return domain.Event{}, err
	}

	started := time.Now()
	persisted, err := l.store.Append(ctx, ev)
	if err != nil {
		l.logger.Error("event append failed",
			"tenant_id", ev.TenantID,
			"room_id", ev.RoomID,
			"type", ev.Type,
			"error", err,
		)
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	metrics.IncEventsAppended(string(persisted.Type))
	metrics.ObserveAppendDuration(time.Since(started))

	l.notify(persisted)
	return persisted, nil
}

func (l *Log) GetByID(ctx context.Context, tenantID string, eventID uuid.UUID) (domain.Event, error) {
	return l.store.GetByID(ctx, tenantID, eventID)
}

func (l *Log) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	f.Limit = clampLimit(f.Limit)
	return l.store.List(ctx, f)
}

// Subscribe registers a live listener for events matching the filter and
// returns its unsubscribe function. Delivery is at-least-attempted-once per
// still-subscribed listener, synchronous with Append.
func (l *Log) Subscribe(f Filter, cb Callback) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = &subscription{filter: f, cb: cb}
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *Log) notify(ev domain.Event) {
	l.mu.RLock()
	matched := make([]*subscription, 0, len(l.subs))
	for _, sub := range l.subs {
		if sub.filter.Matches(ev) {
			matched = append(matched, sub)
		}
	}
	l.mu.RUnlock()

	for _, sub := range matched {
		l.invoke(sub, ev)
	}
}

// invoke shields the append path from a panicking subscriber.
func (l *Log) invoke(sub *subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event subscriber panicked",
				"tenant_id", ev.TenantID,
				"event_id", ev.ID,
				"type", ev.Type,
				"panic", r,
			)
		}
	}()
	sub.cb(ev)
}
