// SPDX-License-Identifier: Apache-2.0

// Package idempotency gives retried write requests exactly-once effect: the
// first request with a given (tenant, scope, client key) executes and commits
// its response; retries replay that response verbatim; a reuse of the key
// with a materially different request is a conflict.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
)

// TTL bounds. Replay protection is deliberately time-bounded: an expired
// record behaves as absent and frees the key for reuse.
const (
	DefaultTTL = 24 * time.Hour
	MinTTL     = time.Minute
)

// Record is the committed outcome of one idempotent request.
type Record struct {
	TenantID     string    `json:"tenant_id"`
	Scope        string    `json:"scope"`
	ClientKey    string    `json:"client_key"`
	RequestHash  string    `json:"request_hash"`
	StatusCode   int       `json:"status_code"`
	ResponseBody []byte    `json:"response_body"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

type Status string

const (
	StatusNew      Status = "new"
	StatusReplay   Status = "replay"
	StatusConflict Status = "conflict"
)

// Decision is the outcome of Check.
type Decision struct {
	Status Status
	Record Record
}

// Store is a pluggable record backend. PutIfAbsent must be atomic per key:
// it persists rec only when no live record exists, and always returns the
// record that owns the key afterwards, with won reporting whether rec is it.
type Store interface {
	Get(ctx context.Context, tenantID, scope, clientKey string) (Record, bool, error)
	PutIfAbsent(ctx context.Context, rec Record) (winner Record, won bool, err error)
}

type Guard struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewGuard(store Store, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Check classifies an incoming request. StatusNew also covers the window
// between a first Check and its Commit: a concurrent retry proceeds and the
// atomic commit decides the single winner.
func (g *Guard) Check(ctx context.Context, tenantID, scope, clientKey, requestHash string) (Decision, error) {
	rec, ok, err := g.store.Get(ctx, tenantID, scope, clientKey)
	if err != nil {
		g.logger.Error("idempotency check failed",
			"tenant_id", tenantID,
			"scope", scope,
			"error", err,
		)
		return Decision{}, err
	}
	if !ok || rec.expired(g.now()) {
		return Decision{Status: StatusNew}, nil
	}
	if rec.RequestHash == requestHash {
		return Decision{Status: StatusReplay, Record: rec}, nil
	}
	return Decision{Status: StatusConflict, Record: rec}, nil
}

// Commit persists the response for a key, first-writer-wins. When a
// concurrent commit already won with the same hash, the original record is
// returned so the caller can replay it. A losing commit with a different
// hash returns ErrIdempotencyConflict alongside the original record.
func (g *Guard) Commit(ctx context.Context, tenantID, scope, clientKey, requestHash string, statusCode int, responseBody []byte) (Record, error) {
	now := g.now().UTC()
	rec := Record{
		TenantID:     tenantID,
		Scope:        scope,
		ClientKey:    clientKey,
		RequestHash:  requestHash,
		StatusCode:   statusCode,
		ResponseBody: responseBody,
		CreatedAt:    now,
		ExpiresAt:    now.Add(g.ttl),
	}

	winner, won, err := g.store.PutIfAbsent(ctx, rec)
	if err != nil {
		g.logger.Error("idempotency commit failed",
			"tenant_id", tenantID,
			"scope", scope,
			"error", err,
		)
		return Record{}, err
	}
	if won {
		return winner, nil
	}
	if winner.RequestHash != requestHash {
		return winner, domain.ErrIdempotencyConflict
	}
	return winner, nil
}
