// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"context"
	"log/slog"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
)

// Lister is the slice of the event log the engine replays from.
type Lister interface {
	List(ctx context.Context, f eventlog.Filter) ([]domain.Event, error)
}

// Engine rebuilds room snapshots by full replay. It holds no derived state
// between calls, so concurrent snapshots of different rooms are safe.
type Engine struct {
	log    Lister
	logger *slog.Logger
}

func NewEngine(log Lister, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:    log,
		logger: logger,
	}
}

// Snapshot folds the room's full event history into a fresh state.
func (e *Engine) Snapshot(ctx context.Context, tenantID, roomID string) (*RoomState, error) {
	return e.SnapshotWindow(ctx, tenantID, roomID, time.Time{}, time.Time{})
}

// SnapshotWindow folds only events whose timestamps fall inside [from, to];
// zero bounds are open. Events are consumed in ascending sequence order,
// page by page.
func (e *Engine) SnapshotWindow(ctx context.Context, tenantID, roomID string, from, to time.Time) (*RoomState, error) {
	state := NewRoomState(tenantID, roomID)

	filter := eventlog.Filter{
		TenantID: tenantID,
		RoomID:   roomID,
		From:     from,
		To:       to,
		Limit:    eventlog.MaxPageSize,
	}

	for {
		page, err := e.log.List(ctx, filter)
		if err != nil {
			e.logger.Error("snapshot replay failed",
				"tenant_id", tenantID,
				"room_id", roomID,
				"after_seq", filter.AfterSeq,
				"error", err,
			)
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, ev := range page {
			Apply(state, ev)
		}
		filter.AfterSeq = page[len(page)-1].Seq

		if len(page) < filter.Limit {
			break
		}
	}

	return state, nil
}
