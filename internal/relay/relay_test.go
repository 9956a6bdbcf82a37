// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendMessage(t *testing.T, log *eventlog.Log, text string) domain.Event {
	t.Helper()
	ev, err := log.Append(context.Background(), domain.Event{
		TenantID: "acme",
		RoomID:   "lobby",
		ActorID:  "nova",
		Type:     domain.EventMessagePosted,
		Payload:  json.RawMessage(fmt.Sprintf(`{"text":%q}`, text)),
	})
	if err != nil {
		t.Fatalf("append %q: %v", text, err)
	}
	return ev
}

// readEventSeq scans the SSE stream until the next event frame and returns
// its id line, skipping keep-alive comments.
func readEventSeq(t *testing.T, r *bufio.Reader) int64 {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "id: ") {
			seq, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				t.Fatalf("parse id line %q: %v", line, err)
			}
			return seq
		}
	}
}

func TestStreamReplayThenLiveSeam(t *testing.T) {
	log := eventlog.New(eventlog.NewMemoryStore(), testLogger())
	relay := New(Deps{
		Log:       log,
		Logger:    testLogger(),
		RingSize:  64,
		QueueSize: 64,
		KeepAlive: time.Minute,
	})
	defer relay.Close()

	for i := 1; i <= 10; i++ {
		appendMessage(t, log, fmt.Sprintf("m%d", i))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.Stream(w, r, StreamRequest{
			TenantID: "acme",
			RoomID:   "lobby",
			Cursor:   5,
		})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", got)
	}

	reader := bufio.NewReader(resp.Body)

	// Replay must cover exactly (5, 10], in order, without duplicates.
	for want := int64(6); want <= 10; want++ {
		if got := readEventSeq(t, reader); got != want {
			t.Fatalf("replay: expected seq %d, got %d", want, got)
		}
	}

	// A live append after replay arrives exactly once.
	live := appendMessage(t, log, "m11")
	if got := readEventSeq(t, reader); got != live.Seq {
		t.Fatalf("live: expected seq %d, got %d", live.Seq, got)
	}
}

func TestStreamFiltersRoomAndType(t *testing.T) {
	log := eventlog.New(eventlog.NewMemoryStore(), testLogger())
	relay := New(Deps{
		Log:       log,
		Logger:    testLogger(),
		RingSize:  64,
		QueueSize: 64,
		KeepAlive: time.Minute,
	})
	defer relay.Close()

	appendMessage(t, log, "lobby message")
	if _, err := log.Append(context.Background(), domain.Event{
		TenantID: "acme",
		RoomID:   "workshop",
		ActorID:  "max",
		Type:     domain.EventMessagePosted,
		Payload:  json.RawMessage(`{"text":"workshop message"}`),
	}); err != nil {
		t.Fatalf("append workshop: %v", err)
	}
	if _, err := log.Append(context.Background(), domain.Event{
		TenantID: "acme",
		RoomID:   "lobby",
		ActorID:  "nova",
		Type:     domain.EventAgentLeft,
	}); err != nil {
		t.Fatalf("append leave: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.Stream(w, r, StreamRequest{
			TenantID: "acme",
			RoomID:   "lobby",
			Types:    []string{string(domain.EventMessagePosted)},
		})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if got := readEventSeq(t, reader); got != 1 {
		t.Fatalf("expected only the lobby message (seq 1), got %d", got)
	}

	// The next matching event is a live lobby message; the workshop and
	// agent_left events must never appear.
	live := appendMessage(t, log, "another lobby message")
	if got := readEventSeq(t, reader); got != live.Seq {
		t.Fatalf("expected live seq %d, got %d", live.Seq, got)
	}
}

func TestStreamKeepAliveComments(t *testing.T) {
	log := eventlog.New(eventlog.NewMemoryStore(), testLogger())
	relay := New(Deps{
		Log:       log,
		Logger:    testLogger(),
		RingSize:  8,
		QueueSize: 8,
		KeepAlive: 20 * time.Millisecond,
	})
	defer relay.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.Stream(w, r, StreamRequest{TenantID: "acme", RoomID: "lobby"})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read keep-alive: %v", err)
	}
	if !strings.HasPrefix(line, ": keep-alive") {
		t.Fatalf("expected keep-alive comment, got %q", line)
	}
}
