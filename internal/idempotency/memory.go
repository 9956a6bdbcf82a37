// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	tenantID  string
	scope     string
	clientKey string
}

// MemoryStore keeps records in a mutex-guarded map and drops expired entries
// on access. Used for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memoryKey]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[memoryKey]Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, scope, clientKey string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{tenantID: tenantID, scope: scope, clientKey: clientKey}
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if rec.expired(s.now()) {
		delete(s.records, key)
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{tenantID: rec.TenantID, scope: rec.Scope, clientKey: rec.ClientKey}
	existing, ok := s.records[key]
	if ok && !existing.expired(s.now()) {
		return existing, false, nil
	}

	s.records[key] = rec
	return rec, true, nil
}
