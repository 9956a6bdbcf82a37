// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TargetKind selects the delivery mechanism for a registered target.
type TargetKind string

const (
	TargetWebhook  TargetKind = "webhook"
	TargetReaction TargetKind = "reaction"
)

// DeliveryTarget is a registered interest in a slice of a tenant's event
// stream. EventTypes supports the wildcard "*"; RoomID and ActorID narrow the
// match when set.
type DeliveryTarget struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Kind       TargetKind `json:"kind" validate:"required,oneof=webhook reaction"`
	EventTypes []string   `json:"event_types" validate:"required,min=1,dive,max=64"`
	RoomID     string     `json:"room_id,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`

	// Webhook settings.
	URL    string `json:"url,omitempty" validate:"omitempty,url"`
	Secret string `json:"-"`

	// Reaction settings.
	ReactionType string `json:"reaction_type,omitempty" validate:"omitempty,max=64"`
	Capability   string `json:"capability,omitempty" validate:"omitempty,max=64"`

	MaxRetries int           `json:"max_retries" validate:"min=0,max=10"`
	Backoff    time.Duration `json:"-"`
	Timeout    time.Duration `json:"-"`
	Enabled    bool          `json:"enabled"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Matches reports whether an event falls inside the target's filter. Disabled
// targets never match.
func (t DeliveryTarget) Matches(ev Event) bool {
	if !t.Enabled {
		return false
	}
	if t.TenantID != ev.TenantID {
		return false
	}
	if t.RoomID != "" && t.RoomID != ev.RoomID {
		return false
	}
	if t.ActorID != "" && t.ActorID != ev.ActorID {
		return false
	}
	for _, typ := range t.EventTypes {
		if typ == "*" || typ == string(ev.Type) {
			return true
		}
	}
	return false
}

// AttemptSource distinguishes live dispatch from operator-driven DLQ replay
// in the audit trail.
type AttemptSource string

const (
	SourceLive      AttemptSource = "live"
	SourceDLQReplay AttemptSource = "dlq_replay"
)

// DeliveryAttempt is one row of the delivery audit log. Exactly one row is
// written per attempt, success or failure.
type DeliveryAttempt struct {
	ID         uuid.UUID     `json:"id"`
	TenantID   string        `json:"tenant_id"`
	TargetID   uuid.UUID     `json:"target_id"`
	EventID    uuid.UUID     `json:"event_id"`
	Attempt    int           `json:"attempt"`
	Source     AttemptSource `json:"source"`
	Success    bool          `json:"success"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
	At         time.Time     `json:"at"`
}

// DLQStatus tracks the lifecycle of a dead-lettered delivery.
type DLQStatus string

const (
	DLQOpen     DLQStatus = "open"
	DLQResolved DLQStatus = "resolved"
)

// DLQEntry captures a delivery whose retries are exhausted. The original
// event is embedded so replay does not depend on log retention.
type DLQEntry struct {
	ID              uuid.UUID `json:"id"`
	TenantID        string    `json:"tenant_id"`
	TargetID        uuid.UUID `json:"target_id"`
	Event           Event     `json:"event"`
	LastError       string    `json:"last_error"`
	Status          DLQStatus `json:"status"`
	LastReplayError string    `json:"last_replay_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ResolvedAt      time.Time `json:"resolved_at,omitzero"`
}
