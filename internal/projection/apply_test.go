// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

func event(seq int64, typ domain.EventType, actor string, payload string) domain.Event {
	return domain.Event{
		Seq:       seq,
		ID:        uuid.New(),
		TenantID:  "acme",
		RoomID:    "lobby",
		ActorID:   actor,
		Type:      typ,
		Timestamp: time.Date(2026, 5, 1, 10, 0, int(seq), 0, time.UTC),
		Payload:   json.RawMessage(payload),
	}
}

func fold(events []domain.Event) *RoomState {
	s := NewRoomState("acme", "lobby")
	for _, ev := range events {
		Apply(s, ev)
	}
	return s
}

func TestApplyNovaScenario(t *testing.T) {
	events := []domain.Event{
		event(1, domain.EventAgentEntered, "nova", `{"status":"idle","position":{"x":1,"y":1},"display_name":"Nova"}`),
		event(2, domain.EventActorMoved, "nova", `{"dx":2}`),
		event(3, domain.EventMessagePosted, "nova", `{"text":"hi","thread_id":"t1"}`),
	}

	s := fold(events)

	nova, ok := s.Actors["nova"]
	if !ok {
		t.Fatal("expected nova in room")
	}
	if nova.Position != (domain.Position{X: 3, Y: 1}) {
		t.Fatalf("expected position (3,1), got %+v", nova.Position)
	}
	if nova.ChatBubble != "hi" {
		t.Fatalf("expected chat bubble %q, got %q", "hi", nova.ChatBubble)
	}
	if nova.DisplayName != "Nova" {
		t.Fatalf("expected display name Nova, got %q", nova.DisplayName)
	}

	if len(s.Chat) != 1 || s.Chat[0].Text != "hi" || s.Chat[0].ThreadID != "t1" {
		t.Fatalf("expected one chat entry for thread t1, got %+v", s.Chat)
	}
	th, ok := s.Threads["t1"]
	if !ok {
		t.Fatal("expected thread t1")
	}
	if th.MessageCount != 1 || !th.Participants["nova"] {
		t.Fatalf("expected nova in thread t1 with one message, got %+v", th)
	}
	if s.LastSeq != 3 {
		t.Fatalf("expected last seq 3, got %d", s.LastSeq)
	}
}

func TestApplyDeterministicDoubleFold(t *testing.T) {
	events := []domain.Event{
		event(1, domain.EventAgentEntered, "nova", `{"position":{"x":1,"y":1}}`),
		event(2, domain.EventAgentEntered, "max", `{"position":{"x":5,"y":5}}`),
		event(3, domain.EventMessagePosted, "nova", `{"text":"hi"}`),
		event(4, domain.EventTaskCreated, "max", `{"task_id":"t-1","title":"prep"}`),
		event(5, domain.EventTaskProgressUpdated, "max", `{"task_id":"t-1","progress":40}`),
		event(6, domain.EventSharedObjectCreated, "nova", `{"object_id":"o-1","kind":"map","version":1,"data":{"a":1}}`),
		event(7, domain.EventStatusChanged, "nova", `{"status":"inactive"}`),
		event(8, domain.EventAgentLeft, "max", `{}`),
	}

	a := fold(events)
	b := fold(events)

	if !reflect.DeepEqual(a, b) {
		t.Fatal("same ordered input must fold to identical state")
	}
}

func TestApplyShuffleThenSortEquivalence(t *testing.T) {
	var events []domain.Event
	for i := int64(1); i <= 40; i++ {
		switch i % 4 {
		case 0:
			events = append(events, event(i, domain.EventMessagePosted, "nova", fmt.Sprintf(`{"text":"m%d"}`, i)))
		case 1:
			events = append(events, event(i, domain.EventActorMoved, "nova", `{"dx":1}`))
		case 2:
			events = append(events, event(i, domain.EventTaskUpdated, "max", fmt.Sprintf(`{"task_id":"t-%d"}`, i%6)))
		default:
			events = append(events, event(i, domain.EventPresenceHeartbeat, "max", `{"status":"busy"}`))
		}
	}

	want := fold(events)

	shuffled := append([]domain.Event(nil), events...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].Seq < shuffled[j].Seq })

	got := fold(shuffled)
	if !reflect.DeepEqual(want, got) {
		t.Fatal("sorting a shuffled stream must restore the canonical fold")
	}
}

func TestApplyAgentLeftRemovesActor(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventAgentEntered, "nova", `{}`),
		event(2, domain.EventAgentLeft, "nova", `{"reason":"done"}`),
	})

	if _, ok := s.Actors["nova"]; ok {
		t.Fatal("agent_left must remove the actor")
	}
}

func TestApplyMoveClampsToGrid(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventAgentEntered, "nova", `{"position":{"x":15,"y":0}}`),
		event(2, domain.EventActorMoved, "nova", `{"dx":10,"dy":-5}`),
	})

	nova := s.Actors["nova"]
	if nova.Position != (domain.Position{X: GridWidth - 1, Y: 0}) {
		t.Fatalf("expected clamped position (%d,0), got %+v", GridWidth-1, nova.Position)
	}
	if nova.Status != domain.StatusBusy {
		t.Fatalf("expected movement to mark busy, got %q", nova.Status)
	}

	abs := fold([]domain.Event{
		event(1, domain.EventActorMoved, "nova", `{"position":{"x":-3,"y":99}}`),
	})
	if abs.Actors["nova"].Position != (domain.Position{X: 0, Y: GridHeight - 1}) {
		t.Fatalf("expected absolute move clamped, got %+v", abs.Actors["nova"].Position)
	}
}

func TestApplyInactiveClearsChatBubble(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventMessagePosted, "nova", `{"text":"hi"}`),
		event(2, domain.EventStatusChanged, "nova", `{"status":"inactive"}`),
	})

	nova := s.Actors["nova"]
	if nova.ChatBubble != "" {
		t.Fatalf("inactive status must clear the chat bubble, got %q", nova.ChatBubble)
	}
	if nova.Status != domain.StatusInactive {
		t.Fatalf("expected inactive, got %q", nova.Status)
	}
}

func TestApplyTaskProgressZeroResets(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventTaskCreated, "nova", `{"task_id":"t-1","title":"prep"}`),
		event(2, domain.EventTaskProgressUpdated, "nova", `{"task_id":"t-1","progress":40}`),
		event(3, domain.EventTaskProgressUpdated, "nova", `{"task_id":"t-1","progress":0}`),
	})

	task := s.Tasks["t-1"]
	if task.Progress != 0 {
		t.Fatalf("progress update to zero must reset, got %d", task.Progress)
	}
	if task.Version != 3 {
		t.Fatalf("expected version 3, got %d", task.Version)
	}
}

func TestApplyTaskCompletedForcesDone(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventTaskCreated, "nova", `{"task_id":"t-1","title":"prep","state":"in_progress"}`),
		event(2, domain.EventTaskCompleted, "nova", `{"task_id":"t-1","state":"blocked","progress":10}`),
	})

	task := s.Tasks["t-1"]
	if task.State != "done" {
		t.Fatalf("task_completed must force done, got %q", task.State)
	}
	if task.Progress != 100 {
		t.Fatalf("task_completed must force progress 100, got %d", task.Progress)
	}
	if task.Version != 2 {
		t.Fatalf("expected version 2, got %d", task.Version)
	}
}

func TestApplySharedObjectLastWriteWins(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventSharedObjectCreated, "nova", `{"object_id":"o-1","version":5,"data":{"a":1}}`),
		event(2, domain.EventSharedObjectUpdated, "max", `{"object_id":"o-1","version":3,"data":{"a":2}}`),
	})

	obj := s.SharedObjects["o-1"]
	if obj.Version != 3 {
		t.Fatalf("event order wins over version; expected 3, got %d", obj.Version)
	}
	if string(obj.Data) != `{"a":2}` {
		t.Fatalf("expected latest data, got %s", obj.Data)
	}
}

func TestApplyThreadRootsItself(t *testing.T) {
	ev := event(1, domain.EventMessagePosted, "nova", `{"text":"hi"}`)
	s := NewRoomState("acme", "lobby")
	Apply(s, ev)

	if _, ok := s.Threads[ev.ID.String()]; !ok {
		t.Fatalf("message without thread_id must root its own thread, threads: %v", s.Threads)
	}
}

func TestApplyChatRingEvictsOldest(t *testing.T) {
	var events []domain.Event
	for i := int64(1); i <= int64(MaxChat)+3; i++ {
		events = append(events, event(i, domain.EventMessagePosted, "nova", fmt.Sprintf(`{"text":"m%d"}`, i)))
	}

	s := fold(events)
	if len(s.Chat) != MaxChat {
		t.Fatalf("expected chat ring bounded at %d, got %d", MaxChat, len(s.Chat))
	}
	if s.Chat[0].Text != fmt.Sprintf("m%d", MaxChat+3) {
		t.Fatalf("expected most recent first, got %q", s.Chat[0].Text)
	}
	if s.Chat[len(s.Chat)-1].Text != "m4" {
		t.Fatalf("expected oldest three evicted, tail is %q", s.Chat[len(s.Chat)-1].Text)
	}
}

func TestApplyIgnoresForeignRoom(t *testing.T) {
	s := NewRoomState("acme", "lobby")
	ev := event(1, domain.EventAgentEntered, "nova", `{}`)
	ev.RoomID = "workshop"
	Apply(s, ev)

	if len(s.Actors) != 0 || s.LastSeq != 0 {
		t.Fatalf("events from other rooms must be ignored, got %+v", s)
	}
}

func TestCloneSharesNothing(t *testing.T) {
	s := fold([]domain.Event{
		event(1, domain.EventAgentEntered, "nova", `{"position":{"x":1,"y":1}}`),
		event(2, domain.EventMessagePosted, "nova", `{"text":"hi","thread_id":"t1"}`),
		event(3, domain.EventSharedObjectCreated, "nova", `{"object_id":"o-1","version":1,"data":{"a":1}}`),
		event(4, domain.EventRoomContextPinned, "nova", `{"text":"welcome"}`),
	})

	clone := s.Clone()
	if !reflect.DeepEqual(s, clone) {
		t.Fatal("clone must equal the original")
	}

	clone.Actors["nova"].Position.X = 9
	clone.Threads["t1"].Participants["intruder"] = true
	clone.SharedObjects["o-1"].Data[1] = 'x'
	clone.Pinned.Text = "changed"
	clone.Chat[0].Text = "changed"

	if s.Actors["nova"].Position.X == 9 {
		t.Fatal("actor state leaked between clone and original")
	}
	if s.Threads["t1"].Participants["intruder"] {
		t.Fatal("thread participants leaked")
	}
	if string(s.SharedObjects["o-1"].Data) != `{"a":1}` {
		t.Fatal("shared object data leaked")
	}
	if s.Pinned.Text != "welcome" {
		t.Fatal("pin leaked")
	}
	if s.Chat[0].Text != "hi" {
		t.Fatal("chat ring leaked")
	}
}
