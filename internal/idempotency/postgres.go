// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records with an upsert that only replaces expired
// rows, so commit is atomic per key rather than a read-then-write race.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, scope, clientKey string) (Record, bool, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, scope, client_key, request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id=$1 AND scope=$2 AND client_key=$3 AND expires_at > NOW()
	`, tenantID, scope, clientKey).Scan(
		&rec.TenantID,
		&rec.Scope,
		&rec.ClientKey,
		&rec.RequestHash,
		&rec.StatusCode,
		&rec.ResponseBody,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		s.logger.Error("idempotency get failed",
			"tenant_id", tenantID,
			"scope", scope,
			"error", err,
		)
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	// The DO UPDATE branch fires only for expired rows; a live row makes the
	// insert a no-op and RETURNING yields no row.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO idempotency_records
			(tenant_id, scope, client_key, request_hash, status_code, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, scope, client_key) DO UPDATE
		SET request_hash=EXCLUDED.request_hash,
		    status_code=EXCLUDED.status_code,
		    response_body=EXCLUDED.response_body,
		    created_at=EXCLUDED.created_at,
		    expires_at=EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= NOW()
		RETURNING tenant_id
	`,
		rec.TenantID,
		rec.Scope,
		rec.ClientKey,
		rec.RequestHash,
		rec.StatusCode,
		rec.ResponseBody,
		rec.CreatedAt,
		rec.ExpiresAt,
	).Scan(new(string))

	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.logger.Error("idempotency put failed",
			"tenant_id", rec.TenantID,
			"scope", rec.Scope,
			"error", err,
		)
		return Record{}, false, err
	}

	// Lost to a live record; surface the original.
	winner, ok, err := s.Get(ctx, rec.TenantID, rec.Scope, rec.ClientKey)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		// The winner expired between the upsert and the read; retry once.
		return s.PutIfAbsent(ctx, rec)
	}
	return winner, false, nil
}
