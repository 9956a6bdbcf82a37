// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"encoding/json"

	"github.com/atriumworld/atrium/internal/domain"
)

// Apply folds one event into the state. Events must arrive in strictly
// ascending Seq order; applying out of order is undefined. The switch is
// exhaustive over the closed vocabulary, so a new event type is a
// compile-visible decision here rather than a silently ignored default.
func Apply(s *RoomState, ev domain.Event) {
	if ev.TenantID != s.TenantID || ev.RoomID != s.RoomID {
		return
	}
	s.LastSeq = ev.Seq

	switch ev.Type {
	case domain.EventAgentEntered:
		applyAgentEntered(s, ev)
	case domain.EventAgentLeft:
		delete(s.Actors, ev.ActorID)
	case domain.EventActorMoved:
		applyActorMoved(s, ev)
	case domain.EventMessagePosted:
		applyMessagePosted(s, ev)
	case domain.EventOrderChanged:
		applyOrderChanged(s, ev)
	case domain.EventTaskCreated, domain.EventTaskUpdated, domain.EventTaskAssigned,
		domain.EventTaskProgressUpdated, domain.EventTaskCompleted:
		applyTask(s, ev)
	case domain.EventSharedObjectCreated, domain.EventSharedObjectUpdated:
		applySharedObject(s, ev)
	case domain.EventRoomContextPinned:
		applyPin(s, ev)
	case domain.EventPresenceHeartbeat:
		applyHeartbeat(s, ev)
	case domain.EventStatusChanged:
		applyStatusChanged(s, ev)
	case domain.EventReactionTriggered:
		// Reactions surface through delivery, not room state.
	}
}

func actorFor(s *RoomState, ev domain.Event) *ActorState {
	a, ok := s.Actors[ev.ActorID]
	if !ok {
		a = &ActorState{
			ActorID: ev.ActorID,
			Status:  domain.StatusIdle,
		}
		s.Actors[ev.ActorID] = a
	}
	a.LastSeen = ev.Timestamp
	return a
}

func clampToGrid(p domain.Position) domain.Position {
	if p.X < 0 {
		p.X = 0
	}
	if p.X >= GridWidth {
		p.X = GridWidth - 1
	}
	if p.Y < 0 {
		p.Y = 0
	}
	if p.Y >= GridHeight {
		p.Y = GridHeight - 1
	}
	return p
}

func applyAgentEntered(s *RoomState, ev domain.Event) {
	var p domain.EnterPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	a := actorFor(s, ev)
	if p.Status != "" {
		a.Status = p.Status
	} else {
		a.Status = domain.StatusIdle
	}
	if p.DisplayName != "" {
		a.DisplayName = p.DisplayName
	}
	if p.Position != nil {
		a.Position = clampToGrid(*p.Position)
	}
}

func applyActorMoved(s *RoomState, ev domain.Event) {
	var p domain.MovePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	a := actorFor(s, ev)
	a.Status = domain.StatusBusy
	if p.Position != nil {
		a.Position = clampToGrid(*p.Position)
		return
	}
	a.Position = clampToGrid(domain.Position{
		X: a.Position.X + p.DX,
		Y: a.Position.Y + p.DY,
	})
}

func applyMessagePosted(s *RoomState, ev domain.Event) {
	var p domain.MessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	threadID := p.ThreadID
	if threadID == "" {
		// The message roots its own thread.
		threadID = ev.ID.String()
	}

	msg := ChatMessage{
		EventID:  ev.ID,
		ActorID:  ev.ActorID,
		Text:     p.Text,
		ThreadID: threadID,
		At:       ev.Timestamp,
	}

	s.Chat = prependBounded(s.Chat, msg, MaxChat)
	s.Messages = prependBounded(s.Messages, msg, MaxMessages)

	th, ok := s.Threads[threadID]
	if !ok {
		th = &Thread{
			ThreadID:     threadID,
			Participants: make(map[string]bool),
		}
		s.Threads[threadID] = th
	}
	if ev.ActorID != "" {
		th.Participants[ev.ActorID] = true
	}
	th.MessageCount++
	th.LastAt = ev.Timestamp

	a := actorFor(s, ev)
	a.ChatBubble = p.Text
}

func applyOrderChanged(s *RoomState, ev domain.Event) {
	var p domain.OrderPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	a := actorFor(s, ev)
	a.LastOrder = p.Order

	s.Orders = prependBoundedOrder(s.Orders, OrderEntry{
		ActorID: ev.ActorID,
		Order:   p.Order,
		At:      ev.Timestamp,
	}, MaxOrders)
}

func applyTask(s *RoomState, ev domain.Event) {
	var p domain.TaskPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	t, ok := s.Tasks[p.TaskID]
	if !ok {
		t = &Task{
			TaskID:   p.TaskID,
			State:    "open",
			FirstSeq: ev.Seq,
		}
		s.Tasks[p.TaskID] = t
		evictOldestTask(s)
	}

	if p.Title != "" {
		t.Title = p.Title
	}
	if p.State != "" {
		t.State = p.State
	}
	if p.Assignee != "" {
		t.Assignee = p.Assignee
	}
	if ev.Type == domain.EventTaskProgressUpdated {
		// Progress is the substance of this event, so zero is a valid reset.
		t.Progress = p.Progress
	} else if p.Progress > 0 {
		t.Progress = p.Progress
	}
	if ev.Type == domain.EventTaskCompleted {
		t.State = "done"
		t.Progress = 100
	}
	t.Version++
	t.UpdatedAt = ev.Timestamp
}

func applySharedObject(s *RoomState, ev domain.Event) {
	var p domain.SharedObjectPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	o, ok := s.SharedObjects[p.ObjectID]
	if !ok {
		o = &SharedObject{
			ObjectID: p.ObjectID,
			FirstSeq: ev.Seq,
		}
		s.SharedObjects[p.ObjectID] = o
		evictOldestSharedObject(s)
	}

	if p.Kind != "" {
		o.Kind = p.Kind
	}
	// The event is authoritative: last write wins even if version decreases.
	o.Version = p.Version
	o.Data = p.Data
	o.UpdatedAt = ev.Timestamp
}

func applyPin(s *RoomState, ev domain.Event) {
	var p domain.PinPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	s.Pinned = &Pin{
		Text:     p.Text,
		Version:  p.Version,
		PinnedBy: ev.ActorID,
		At:       ev.Timestamp,
	}
}

func applyHeartbeat(s *RoomState, ev domain.Event) {
	var p domain.HeartbeatPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	a := actorFor(s, ev)
	if p.Status != "" {
		a.Status = p.Status
	}
}

func applyStatusChanged(s *RoomState, ev domain.Event) {
	var p domain.StatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return
	}

	a := actorFor(s, ev)
	a.Status = p.Status
	if p.Status == domain.StatusInactive {
		a.ChatBubble = ""
	}
}

func prependBounded(ring []ChatMessage, msg ChatMessage, max int) []ChatMessage {
	ring = append([]ChatMessage{msg}, ring...)
	if len(ring) > max {
		ring = ring[:max]
	}
	return ring
}

func prependBoundedOrder(ring []OrderEntry, entry OrderEntry, max int) []OrderEntry {
	ring = append([]OrderEntry{entry}, ring...)
	if len(ring) > max {
		ring = ring[:max]
	}
	return ring
}

func evictOldestTask(s *RoomState) {
	if len(s.Tasks) <= MaxTasks {
		return
	}
	oldestID := ""
	oldestSeq := int64(0)
	for id, t := range s.Tasks {
		if oldestID == "" || t.FirstSeq < oldestSeq {
			oldestID = id
			oldestSeq = t.FirstSeq
		}
	}
	delete(s.Tasks, oldestID)
}

func evictOldestSharedObject(s *RoomState) {
	if len(s.SharedObjects) <= MaxSharedObjects {
		return
	}
	oldestID := ""
	oldestSeq := int64(0)
	for id, o := range s.SharedObjects {
		if oldestID == "" || o.FirstSeq < oldestSeq {
			oldestID = id
			oldestSeq = o.FirstSeq
		}
	}
	delete(s.SharedObjects, oldestID)
}
