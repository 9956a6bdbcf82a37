// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sync"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
)

// ring is a fixed-capacity buffer of recent events used to serve replay
// without touching durable history for short reconnect gaps.
type ring struct {
	mu     sync.RWMutex
	buf    []domain.Event
	next   int
	filled bool
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]domain.Event, capacity)}
}

func (r *ring) add(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
}

// snapshot returns the buffered events matching the filter with sequence
// greater than afterSeq, in insertion order.
func (r *ring) snapshot(f eventlog.Filter, afterSeq int64) []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	start := 0
	if r.filled {
		size = len(r.buf)
		start = r.next
	}

	out := make([]domain.Event, 0, size)
	for i := 0; i < size; i++ {
		ev := r.buf[(start+i)%len(r.buf)]
		if !f.Matches(ev) {
			continue
		}
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
	}
	return out
}
