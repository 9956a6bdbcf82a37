// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTargetStore persists delivery targets.
type PostgresTargetStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresTargetStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresTargetStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTargetStore{pool: pool, logger: logger}
}

const targetColumns = `
	id, tenant_id, kind, event_types, room_id, actor_id, url, secret,
	reaction_type, capability, max_retries, backoff_ms, timeout_ms,
	enabled, last_error, created_at`

func (s *PostgresTargetStore) Create(ctx context.Context, t domain.DeliveryTarget) (domain.DeliveryTarget, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_targets (`+targetColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		t.ID,
		t.TenantID,
		string(t.Kind),
		t.EventTypes,
		t.RoomID,
		t.ActorID,
		t.URL,
		t.Secret,
		t.ReactionType,
		t.Capability,
		t.MaxRetries,
		t.Backoff.Milliseconds(),
		t.Timeout.Milliseconds(),
		t.Enabled,
		t.LastError,
		t.CreatedAt,
	); err != nil {
		s.logger.Error("insert delivery target failed",
			"tenant_id", t.TenantID,
			"target_id", t.ID,
			"error", err,
		)
		return domain.DeliveryTarget{}, err
	}
	return t, nil
}

func scanTarget(row pgx.Row) (domain.DeliveryTarget, error) {
	var t domain.DeliveryTarget
	var kind string
	var backoffMs, timeoutMs int64
	if err := row.Scan(
		&t.ID,
		&t.TenantID,
		&kind,
		&t.EventTypes,
		&t.RoomID,
		&t.ActorID,
		&t.URL,
		&t.Secret,
		&t.ReactionType,
		&t.Capability,
		&t.MaxRetries,
		&backoffMs,
		&timeoutMs,
		&t.Enabled,
		&t.LastError,
		&t.CreatedAt,
	); err != nil {
		return domain.DeliveryTarget{}, err
	}
	t.Kind = domain.TargetKind(kind)
	t.Backoff = time.Duration(backoffMs) * time.Millisecond
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return t, nil
}

func (s *PostgresTargetStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DeliveryTarget, error) {
	t, err := scanTarget(s.pool.QueryRow(ctx, `
		SELECT `+targetColumns+`
		FROM delivery_targets
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeliveryTarget{}, domain.ErrTargetNotFound
		}
		s.logger.Error("get delivery target failed",
			"tenant_id", tenantID,
			"target_id", id,
			"error", err,
		)
		return domain.DeliveryTarget{}, err
	}
	return t, nil
}

func (s *PostgresTargetStore) List(ctx context.Context, tenantID string) ([]domain.DeliveryTarget, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM delivery_targets
		WHERE tenant_id=$1
		ORDER BY created_at ASC
	`, tenantID)
}

func (s *PostgresTargetStore) ListEnabled(ctx context.Context) ([]domain.DeliveryTarget, error) {
	return s.list(ctx, `
		SELECT `+targetColumns+`
		FROM delivery_targets
		WHERE enabled
		ORDER BY created_at ASC
	`)
}

func (s *PostgresTargetStore) list(ctx context.Context, query string, args ...any) ([]domain.DeliveryTarget, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("list delivery targets failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			s.logger.Error("scan delivery target failed", "error", err)
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresTargetStore) SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool) error {
	return s.update(ctx, `
		UPDATE delivery_targets SET enabled=$3 WHERE tenant_id=$1 AND id=$2
	`, tenantID, id, enabled)
}

func (s *PostgresTargetStore) SetLastError(ctx context.Context, tenantID string, id uuid.UUID, lastError string) error {
	return s.update(ctx, `
		UPDATE delivery_targets SET last_error=$3 WHERE tenant_id=$1 AND id=$2
	`, tenantID, id, lastError)
}

func (s *PostgresTargetStore) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	return s.update(ctx, `
		DELETE FROM delivery_targets WHERE tenant_id=$1 AND id=$2
	`, tenantID, id)
}

func (s *PostgresTargetStore) update(ctx context.Context, query string, args ...any) error {
	cmd, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		s.logger.Error("update delivery target failed", "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrTargetNotFound
	}
	return nil
}

// PostgresAttemptStore persists the delivery audit log.
type PostgresAttemptStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresAttemptStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresAttemptStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresAttemptStore{pool: pool, logger: logger}
}

func (s *PostgresAttemptStore) Record(ctx context.Context, a domain.DeliveryAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts
			(id, tenant_id, target_id, event_id, attempt, source, success, http_status, error, duration_ms, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		a.ID,
		a.TenantID,
		a.TargetID,
		a.EventID,
		a.Attempt,
		string(a.Source),
		a.Success,
		a.HTTPStatus,
		a.Error,
		a.Duration.Milliseconds(),
		a.At,
	)
	if err != nil {
		s.logger.Error("record delivery attempt failed",
			"tenant_id", a.TenantID,
			"target_id", a.TargetID,
			"error", err,
		)
	}
	return err
}

func (s *PostgresAttemptStore) ListByEvent(ctx context.Context, tenantID string, eventID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, target_id, event_id, attempt, source, success, http_status, error, duration_ms, at
		FROM delivery_attempts
		WHERE tenant_id=$1 AND event_id=$2
		ORDER BY at ASC
	`, tenantID, eventID)
	if err != nil {
		s.logger.Error("list delivery attempts failed",
			"tenant_id", tenantID,
			"event_id", eventID,
			"error", err,
		)
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var source string
		var durationMs int64
		if err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.TargetID,
			&a.EventID,
			&a.Attempt,
			&source,
			&a.Success,
			&a.HTTPStatus,
			&a.Error,
			&durationMs,
			&a.At,
		); err != nil {
			return nil, err
		}
		a.Source = domain.AttemptSource(source)
		a.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// PostgresDLQStore persists dead-lettered deliveries.
type PostgresDLQStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresDLQStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresDLQStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDLQStore{pool: pool, logger: logger}
}

func (s *PostgresDLQStore) Push(ctx context.Context, e domain.DLQEntry) (domain.DLQEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.Status = domain.DLQOpen

	eventBody, err := json.Marshal(e.Event)
	if err != nil {
		return domain.DLQEntry{}, err
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO dlq_entries
			(id, tenant_id, target_id, event, last_error, status, last_replay_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		e.ID,
		e.TenantID,
		e.TargetID,
		eventBody,
		e.LastError,
		string(e.Status),
		e.LastReplayError,
		e.CreatedAt,
	); err != nil {
		s.logger.Error("dlq push failed",
			"tenant_id", e.TenantID,
			"target_id", e.TargetID,
			"error", err,
		)
		return domain.DLQEntry{}, err
	}
	return e, nil
}

func (s *PostgresDLQStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (domain.DLQEntry, error) {
	e, err := scanDLQEntry(s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, target_id, event, last_error, status, last_replay_error, created_at, resolved_at
		FROM dlq_entries
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DLQEntry{}, domain.ErrDLQEntryNotFound
		}
		s.logger.Error("get dlq entry failed",
			"tenant_id", tenantID,
			"dlq_id", id,
			"error", err,
		)
		return domain.DLQEntry{}, err
	}
	return e, nil
}

func scanDLQEntry(row pgx.Row) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var status string
	var eventBody []byte
	var resolvedAt *time.Time
	if err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.TargetID,
		&eventBody,
		&e.LastError,
		&status,
		&e.LastReplayError,
		&e.CreatedAt,
		&resolvedAt,
	); err != nil {
		return domain.DLQEntry{}, err
	}
	if err := json.Unmarshal(eventBody, &e.Event); err != nil {
		return domain.DLQEntry{}, err
	}
	e.Status = domain.DLQStatus(status)
	if resolvedAt != nil {
		e.ResolvedAt = *resolvedAt
	}
	return e, nil
}

func (s *PostgresDLQStore) List(ctx context.Context, tenantID string, status domain.DLQStatus) ([]domain.DLQEntry, error) {
	query := `
		SELECT id, tenant_id, target_id, event, last_error, status, last_replay_error, created_at, resolved_at
		FROM dlq_entries
		WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status=$2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Error("list dlq entries failed", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresDLQStore) MarkResolved(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) error {
	return s.update(ctx, `
		UPDATE dlq_entries
		SET status=$3, resolved_at=$4, last_replay_error=''
		WHERE tenant_id=$1 AND id=$2
	`, tenantID, id, string(domain.DLQResolved), at)
}

func (s *PostgresDLQStore) SetReplayError(ctx context.Context, tenantID string, id uuid.UUID, replayError string) error {
	return s.update(ctx, `
		UPDATE dlq_entries SET last_replay_error=$3 WHERE tenant_id=$1 AND id=$2
	`, tenantID, id, replayError)
}

func (s *PostgresDLQStore) OpenCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dlq_entries WHERE status=$1
	`, string(domain.DLQOpen)).Scan(&n); err != nil {
		s.logger.Error("dlq open count failed", "error", err)
		return 0, err
	}
	return n, nil
}

func (s *PostgresDLQStore) update(ctx context.Context, query string, args ...any) error {
	cmd, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		s.logger.Error("update dlq entry failed", "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrDLQEntryNotFound
	}
	return nil
}
