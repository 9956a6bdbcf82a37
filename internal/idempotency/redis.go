// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON values under a per-key TTL. SET NX makes
// the commit atomic; Redis expiry implements the record lifecycle.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

func redisKey(tenantID, scope, clientKey string) string {
	return fmt.Sprintf("atrium:idem:%s:%s:%s", tenantID, scope, clientKey)
}

func (s *RedisStore) Get(ctx context.Context, tenantID, scope, clientKey string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, redisKey(tenantID, scope, clientKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, false, nil
		}
		s.logger.Error("idempotency get failed",
			"tenant_id", tenantID,
			"scope", scope,
			"error", err,
		)
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode idempotency record: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = MinTTL
	}

	key := redisKey(rec.TenantID, rec.Scope, rec.ClientKey)
	won, err := s.client.SetNX(ctx, key, body, ttl).Result()
	if err != nil {
		s.logger.Error("idempotency put failed",
			"tenant_id", rec.TenantID,
			"scope", rec.Scope,
			"error", err,
		)
		return Record{}, false, err
	}
	if won {
		return rec, true, nil
	}

	winner, ok, err := s.Get(ctx, rec.TenantID, rec.Scope, rec.ClientKey)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		// The winner expired between SETNX and GET; retry once.
		return s.PutIfAbsent(ctx, rec)
	}
	return winner, false, nil
}
