// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/atriumworld/atrium/internal/dispatch"
	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
	"github.com/atriumworld/atrium/internal/idempotency"
	"github.com/atriumworld/atrium/internal/projection"
	"github.com/atriumworld/atrium/internal/relay"
	"github.com/google/uuid"
)

type EventLog interface {
	Append(ctx context.Context, ev domain.Event) (domain.Event, error)
	GetByID(ctx context.Context, tenantID string, eventID uuid.UUID) (domain.Event, error)
	List(ctx context.Context, f eventlog.Filter) ([]domain.Event, error)
}

type Snapshotter interface {
	SnapshotWindow(ctx context.Context, tenantID, roomID string, from, to time.Time) (*projection.RoomState, error)
}

type Streamer interface {
	Stream(w http.ResponseWriter, r *http.Request, sr relay.StreamRequest)
}

type DispatchAdmin interface {
	Stats() dispatch.Stats
	ReplayDLQ(ctx context.Context, tenantID string, entryID uuid.UUID) (domain.DLQEntry, error)
}

type AttemptLister interface {
	ListByEvent(ctx context.Context, tenantID string, eventID uuid.UUID) ([]domain.DeliveryAttempt, error)
}

type IdempotencyGuard interface {
	Check(ctx context.Context, tenantID, scope, clientKey, requestHash string) (idempotency.Decision, error)
	Commit(ctx context.Context, tenantID, scope, clientKey, requestHash string, statusCode int, responseBody []byte) (idempotency.Record, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
