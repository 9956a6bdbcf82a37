// SPDX-License-Identifier: Apache-2.0

// Package relay serves clients a gap-free, duplicate-free merge of
// historical replay and live events over Server-Sent Events. The live
// subscription is registered before replay runs, so nothing appended between
// "replay done" and "live registered" can be lost; the per-connection cursor
// filters out live events already covered by replay.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
	"github.com/atriumworld/atrium/internal/metrics"
	"github.com/google/uuid"
)

type Deps struct {
	Log       *eventlog.Log
	Logger    *slog.Logger
	RingSize  int
	QueueSize int
	KeepAlive time.Duration
}

type Relay struct {
	log       *eventlog.Log
	logger    *slog.Logger
	ring      *ring
	queueSize int
	keepAlive time.Duration
	unsub     func()
}

func New(deps Deps) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := deps.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ringSize := deps.RingSize
	if ringSize < 1 {
		ringSize = 512
	}

	r := &Relay{
		log:       deps.Log,
		logger:    logger,
		ring:      newRing(ringSize),
		queueSize: queueSize,
		keepAlive: keepAlive,
	}
	r.unsub = deps.Log.Subscribe(eventlog.Filter{}, r.ring.add)
	return r
}

// Close deregisters the relay's ring subscription.
func (r *Relay) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}

// StreamRequest identifies one client connection's slice of the stream.
// Cursor is the last sequence the client has already seen.
type StreamRequest struct {
	TenantID string
	RoomID   string
	ActorID  string
	Types    []string
	Cursor   int64
}

// Stream serves one connection: replay strictly after the cursor, then live
// tail, with keep-alives while idle. It blocks until the client disconnects
// or the connection queue overflows.
func (r *Relay) Stream(w http.ResponseWriter, req *http.Request, sr StreamRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	filter := eventlog.Filter{
		TenantID: sr.TenantID,
		RoomID:   sr.RoomID,
		ActorID:  sr.ActorID,
		Types:    sr.Types,
	}

	// One slot over capacity is reserved for the overflow sentinel.
	live := make(chan domain.Event, r.queueSize)
	overflow := make(chan struct{}, 1)

	// Live first: events arriving during replay buffer in the connection
	// queue and the cursor dedupes them afterwards.
	unsubscribe := r.log.Subscribe(filter, func(ev domain.Event) {
		select {
		case live <- ev:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	metrics.AddRelayConnections(1)
	defer metrics.AddRelayConnections(-1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor, err := r.replay(req.Context(), w, flusher, filter, sr.Cursor)
	if err != nil {
		r.logger.Error("stream replay failed",
			"tenant_id", sr.TenantID,
			"room_id", sr.RoomID,
			"cursor", sr.Cursor,
			"error", err,
		)
		return
	}

	ticker := time.NewTicker(r.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-overflow:
			r.logger.Warn("stream consumer too slow, closing",
				"tenant_id", sr.TenantID,
				"room_id", sr.RoomID,
				"cursor", cursor,
			)
			return
		case ev := <-live:
			if ev.Seq <= cursor {
				continue
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
			cursor = ev.Seq
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replay merges the in-memory ring with durable history, dedupes by event
// id, and streams everything strictly after the client cursor in sequence
// order. It returns the cursor reached.
func (r *Relay) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, filter eventlog.Filter, cursor int64) (int64, error) {
	merged := make(map[uuid.UUID]domain.Event)

	pageFilter := filter
	pageFilter.AfterSeq = cursor
	pageFilter.Limit = eventlog.MaxPageSize
	for {
		page, err := r.log.List(ctx, pageFilter)
		if err != nil {
			return cursor, err
		}
		for _, ev := range page {
			merged[ev.ID] = ev
		}
		if len(page) < pageFilter.Limit {
			break
		}
		pageFilter.AfterSeq = page[len(page)-1].Seq
	}

	for _, ev := range r.ring.snapshot(filter, cursor) {
		merged[ev.ID] = ev
	}

	events := make([]domain.Event, 0, len(merged))
	for _, ev := range merged {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	for _, ev := range events {
		if err := writeEvent(w, flusher, ev); err != nil {
			return cursor, err
		}
		cursor = ev.Seq
	}
	return cursor, nil
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, ev.Seq, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
