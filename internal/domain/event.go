// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed vocabulary of world events. Appends carrying any
// other value are rejected before a sequence is assigned.
type EventType string

const (
	EventAgentEntered        EventType = "agent_entered"
	EventAgentLeft           EventType = "agent_left"
	EventActorMoved          EventType = "actor_moved"
	EventMessagePosted       EventType = "conversation_message_posted"
	EventOrderChanged        EventType = "order_changed"
	EventTaskCreated         EventType = "task_created"
	EventTaskUpdated         EventType = "task_updated"
	EventTaskAssigned        EventType = "task_assigned"
	EventTaskProgressUpdated EventType = "task_progress_updated"
	EventTaskCompleted       EventType = "task_completed"
	EventSharedObjectCreated EventType = "shared_object_created"
	EventSharedObjectUpdated EventType = "shared_object_updated"
	EventRoomContextPinned   EventType = "room_context_pinned"
	EventPresenceHeartbeat   EventType = "presence_heartbeat"
	EventStatusChanged       EventType = "status_changed"
	EventReactionTriggered   EventType = "reaction_triggered"
)

// KnownEventTypes lists every member of the closed vocabulary in a stable
// order, used for metric label pre-registration.
func KnownEventTypes() []EventType {
	return []EventType{
		EventAgentEntered,
		EventAgentLeft,
		EventActorMoved,
		EventMessagePosted,
		EventOrderChanged,
		EventTaskCreated,
		EventTaskUpdated,
		EventTaskAssigned,
		EventTaskProgressUpdated,
		EventTaskCompleted,
		EventSharedObjectCreated,
		EventSharedObjectUpdated,
		EventRoomContextPinned,
		EventPresenceHeartbeat,
		EventStatusChanged,
		EventReactionTriggered,
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventAgentEntered, EventAgentLeft, EventActorMoved,
		EventMessagePosted, EventOrderChanged,
		EventTaskCreated, EventTaskUpdated, EventTaskAssigned,
		EventTaskProgressUpdated, EventTaskCompleted,
		EventSharedObjectCreated, EventSharedObjectUpdated,
		EventRoomContextPinned, EventPresenceHeartbeat,
		EventStatusChanged, EventReactionTriggered:
		return true
	}
	return false
}

// Event is an immutable fact in a tenant's log. Seq is assigned at append
// time and is the only total order; Timestamp may disagree with Seq order
// under clock skew and must never be used for ordering.
type Event struct {
	Seq           int64           `json:"seq"`
	ID            uuid.UUID       `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	RoomID        string          `json:"room_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   *uuid.UUID      `json:"causation_id,omitempty"`
}

// Actor status values carried by enter/status/heartbeat payloads.
const (
	StatusIdle     = "idle"
	StatusBusy     = "busy"
	StatusInactive = "inactive"
)

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type EnterPayload struct {
	Status      string    `json:"status,omitempty" validate:"omitempty,oneof=idle busy inactive"`
	Position    *Position `json:"position,omitempty"`
	DisplayName string    `json:"display_name,omitempty" validate:"omitempty,max=128"`
}

type LeavePayload struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=256"`
}

// MovePayload carries either an absolute position or a relative step.
type MovePayload struct {
	Position *Position `json:"position,omitempty"`
	DX       int       `json:"dx,omitempty" validate:"min=-64,max=64"`
	DY       int       `json:"dy,omitempty" validate:"min=-64,max=64"`
}

type MessagePayload struct {
	Text     string `json:"text" validate:"required,max=4096"`
	ThreadID string `json:"thread_id,omitempty" validate:"omitempty,max=128"`
}

type OrderPayload struct {
	Order string `json:"order" validate:"required,max=1024"`
}

type TaskPayload struct {
	TaskID   string `json:"task_id" validate:"required,max=128"`
	Title    string `json:"title,omitempty" validate:"omitempty,max=512"`
	State    string `json:"state,omitempty" validate:"omitempty,oneof=open in_progress blocked done"`
	Assignee string `json:"assignee,omitempty" validate:"omitempty,max=128"`
	Progress int    `json:"progress,omitempty" validate:"min=0,max=100"`
}

type SharedObjectPayload struct {
	ObjectID string          `json:"object_id" validate:"required,max=128"`
	Kind     string          `json:"kind,omitempty" validate:"omitempty,max=64"`
	Version  int64           `json:"version" validate:"min=0"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type PinPayload struct {
	Text    string `json:"text" validate:"required,max=4096"`
	Version int64  `json:"version,omitempty" validate:"min=0"`
}

type StatusPayload struct {
	Status string `json:"status" validate:"required,oneof=idle busy inactive"`
}

type HeartbeatPayload struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=idle busy inactive"`
}

type ReactionPayload struct {
	ReactionType  string          `json:"reaction_type" validate:"required,max=64"`
	SourceEventID uuid.UUID       `json:"source_event_id"`
	TargetID      uuid.UUID       `json:"target_id"`
	Data          json.RawMessage `json:"data,omitempty"`
}
