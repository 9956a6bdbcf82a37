// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the canonical durable backend. Sequence assignment and
// the event insert share one transaction: a tenant's counter row is bumped
// and the event persisted atomically, so the log is gap-free per tenant.
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

func (s *PostgresStore) Append(ctx context.Context, ev domain.Event) (domain.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "tenant_id", ev.TenantID, "error", err)
		return domain.Event{}, err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO event_sequences (tenant_id, seq)
		VALUES ($1, 1)
		ON CONFLICT (tenant_id)
		DO UPDATE SET seq = event_sequences.seq + 1
		RETURNING seq
	`, ev.TenantID).Scan(&ev.Seq); err != nil {
		s.logger.Error("advance sequence failed", "tenant_id", ev.TenantID, "error", err)
		return domain.Event{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO events
			(tenant_id, seq, id, room_id, actor_id, type, ts, payload, correlation_id, causation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.TenantID,
		ev.Seq,
		ev.ID,
		ev.RoomID,
		ev.ActorID,
		string(ev.Type),
		ev.Timestamp,
		ev.Payload,
		ev.CorrelationID,
		ev.CausationID,
	); err != nil {
		s.logger.Error("insert event failed",
			"tenant_id", ev.TenantID,
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err,
		)
		return domain.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit append failed", "tenant_id", ev.TenantID, "error", err)
		return domain.Event{}, err
	}

	return ev, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, tenantID string, eventID uuid.UUID) (domain.Event, error) {
	var ev domain.Event
	var typeStr string

	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, seq, id, room_id, actor_id, type, ts, payload, correlation_id, causation_id
		FROM events
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, eventID).Scan(
		&ev.TenantID,
		&ev.Seq,
		&ev.ID,
		&ev.RoomID,
		&ev.ActorID,
		&typeStr,
		&ev.Timestamp,
		&ev.Payload,
		&ev.CorrelationID,
		&ev.CausationID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		s.logger.Error("get event failed",
			"tenant_id", tenantID,
			"event_id", eventID,
			"error", err,
		)
		return domain.Event{}, err
	}

	ev.Type = domain.EventType(typeStr)
	return ev, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]domain.Event, error) {
	limit := clampLimit(f.Limit)

	where := make([]string, 0, 8)
	args := make([]any, 0, 8)

	add := func(cond string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id=$%d", f.TenantID)
	}
	if f.RoomID != "" {
		add("room_id=$%d", f.RoomID)
	}
	if f.ActorID != "" {
		add("actor_id=$%d", f.ActorID)
	}
	if len(f.Types) > 0 && !containsWildcard(f.Types) {
		add("type = ANY($%d)", f.Types)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}

	afterSeq := f.AfterSeq
	if afterSeq <= 0 && f.AfterEventID != uuid.Nil {
		cursor, err := s.GetByID(ctx, f.TenantID, f.AfterEventID)
		if err != nil {
			return nil, err
		}
		afterSeq = cursor.Seq
	}
	if afterSeq > 0 {
		if f.Descending {
			add("seq < $%d", afterSeq)
		} else {
			add("seq > $%d", afterSeq)
		}
	}

	order := "ASC"
	if f.Descending {
		order = "DESC"
	}

	query := `
		SELECT tenant_id, seq, id, room_id, actor_id, type, ts, payload, correlation_id, causation_id
		FROM events`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf("\n\t\tORDER BY seq %s\n\t\tLIMIT $%d", order, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("list events query failed", "tenant_id", f.TenantID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var ev domain.Event
		var typeStr string
		if err := rows.Scan(
			&ev.TenantID,
			&ev.Seq,
			&ev.ID,
			&ev.RoomID,
			&ev.ActorID,
			&typeStr,
			&ev.Timestamp,
			&ev.Payload,
			&ev.CorrelationID,
			&ev.CausationID,
		); err != nil {
			s.logger.Error("scan event row failed", "tenant_id", f.TenantID, "error", err)
			return nil, err
		}
		ev.Type = domain.EventType(typeStr)
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("events rows iteration failed", "tenant_id", f.TenantID, "error", err)
		return nil, err
	}

	return out, nil
}

func containsWildcard(types []string) bool {
	for _, t := range types {
		if t == "*" {
			return true
		}
	}
	return false
}
