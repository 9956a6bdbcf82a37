// SPDX-License-Identifier: Apache-2.0

// Package projection folds an ordered event stream into derived room state.
// The fold is pure: no I/O, no randomness, no wall-clock reads. Replaying
// the same ordered events from an empty state always yields the same
// snapshot.
package projection

import (
	"encoding/json"
	"time"

	"github.com/atriumworld/atrium/internal/domain"
	"github.com/google/uuid"
)

// Room grid and buffer bounds. Eviction on overflow is oldest-first and part
// of the deterministic transition.
const (
	GridWidth  = 16
	GridHeight = 16

	MaxChat          = 50
	MaxMessages      = 200
	MaxOrders        = 50
	MaxTasks         = 200
	MaxSharedObjects = 200
)

// ActorState is the projected view of one actor in a room.
type ActorState struct {
	ActorID     string          `json:"actor_id"`
	DisplayName string          `json:"display_name,omitempty"`
	Status      string          `json:"status"`
	Position    domain.Position `json:"position"`
	LastSeen    time.Time       `json:"last_seen"`
	LastOrder   string          `json:"last_order,omitempty"`
	ChatBubble  string          `json:"chat_bubble,omitempty"`
}

type ChatMessage struct {
	EventID  uuid.UUID `json:"event_id"`
	ActorID  string    `json:"actor_id"`
	Text     string    `json:"text"`
	ThreadID string    `json:"thread_id"`
	At       time.Time `json:"at"`
}

type Thread struct {
	ThreadID     string          `json:"thread_id"`
	Participants map[string]bool `json:"participants"`
	MessageCount int             `json:"message_count"`
	LastAt       time.Time       `json:"last_at"`
}

type OrderEntry struct {
	ActorID string    `json:"actor_id"`
	Order   string    `json:"order"`
	At      time.Time `json:"at"`
}

type Task struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title,omitempty"`
	State     string    `json:"state"`
	Assignee  string    `json:"assignee,omitempty"`
	Progress  int       `json:"progress"`
	Version   int64     `json:"version"`
	FirstSeq  int64     `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SharedObject struct {
	ObjectID  string          `json:"object_id"`
	Kind      string          `json:"kind,omitempty"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	FirstSeq  int64           `json:"-"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Pin struct {
	Text     string    `json:"text"`
	Version  int64     `json:"version"`
	PinnedBy string    `json:"pinned_by,omitempty"`
	At       time.Time `json:"at"`
}

// RoomState is the fold accumulator. Chat, Messages and Orders are
// most-recent-first bounded rings.
type RoomState struct {
	TenantID string `json:"tenant_id"`
	RoomID   string `json:"room_id"`
	LastSeq  int64  `json:"last_seq"`

	Actors        map[string]*ActorState   `json:"actors"`
	Chat          []ChatMessage            `json:"chat"`
	Messages      []ChatMessage            `json:"messages"`
	Orders        []OrderEntry             `json:"orders"`
	Threads       map[string]*Thread       `json:"threads"`
	Tasks         map[string]*Task         `json:"tasks"`
	SharedObjects map[string]*SharedObject `json:"shared_objects"`
	Pinned        *Pin                     `json:"pinned_context,omitempty"`
}

func NewRoomState(tenantID, roomID string) *RoomState {
	return &RoomState{
		TenantID:      tenantID,
		RoomID:        roomID,
		Actors:        make(map[string]*ActorState),
		Threads:       make(map[string]*Thread),
		Tasks:         make(map[string]*Task),
		SharedObjects: make(map[string]*SharedObject),
	}
}

// Clone returns a deep copy sharing no mutable references with the receiver.
func (s *RoomState) Clone() *RoomState {
	out := &RoomState{
		TenantID:      s.TenantID,
		RoomID:        s.RoomID,
		LastSeq:       s.LastSeq,
		Actors:        make(map[string]*ActorState, len(s.Actors)),
		Chat:          append([]ChatMessage(nil), s.Chat...),
		Messages:      append([]ChatMessage(nil), s.Messages...),
		Orders:        append([]OrderEntry(nil), s.Orders...),
		Threads:       make(map[string]*Thread, len(s.Threads)),
		Tasks:         make(map[string]*Task, len(s.Tasks)),
		SharedObjects: make(map[string]*SharedObject, len(s.SharedObjects)),
	}

	for id, a := range s.Actors {
		copied := *a
		out.Actors[id] = &copied
	}
	for id, t := range s.Threads {
		copied := *t
		copied.Participants = make(map[string]bool, len(t.Participants))
		for p := range t.Participants {
			copied.Participants[p] = true
		}
		out.Threads[id] = &copied
	}
	for id, t := range s.Tasks {
		copied := *t
		out.Tasks[id] = &copied
	}
	for id, o := range s.SharedObjects {
		copied := *o
		copied.Data = append(json.RawMessage(nil), o.Data...)
		out.SharedObjects[id] = &copied
	}
	if s.Pinned != nil {
		pin := *s.Pinned
		out.Pinned = &pin
	}
	return out
}
