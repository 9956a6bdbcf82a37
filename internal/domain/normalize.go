// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NormalizeEvent validates an inbound event and rewrites its payload into the
// canonical per-type shape. It runs before any sequence is assigned: a
// normalization failure means nothing was persisted.
//
// On success the event has a non-nil ID, CorrelationID and Timestamp.
func NormalizeEvent(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrValidation)
	}

	ev.TenantID = strings.TrimSpace(ev.TenantID)
	ev.RoomID = strings.TrimSpace(ev.RoomID)
	ev.ActorID = strings.TrimSpace(ev.ActorID)

	if ev.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if ev.RoomID == "" {
		return fmt.Errorf("%w: room_id is required", ErrValidation)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, ev.Type)
	}

	normalized, err := normalizePayload(ev.Type, ev.Payload)
	if err != nil {
		return err
	}
	ev.Payload = normalized

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CorrelationID == uuid.Nil {
		ev.CorrelationID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}

	return nil
}

func normalizePayload(t EventType, raw json.RawMessage) (json.RawMessage, error) {
	switch t {
	case EventAgentEntered:
		var p EnterPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Status == "" {
			p.Status = StatusIdle
		}
		return marshalPayload(p)
	case EventAgentLeft:
		var p LeavePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventActorMoved:
		var p MovePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Position == nil && p.DX == 0 && p.DY == 0 {
			return nil, fmt.Errorf("%w: actor_moved requires a position or a step", ErrValidation)
		}
		return marshalPayload(p)
	case EventMessagePosted:
		var p MessagePayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventOrderChanged:
		var p OrderPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventTaskCreated, EventTaskUpdated, EventTaskAssigned,
		EventTaskProgressUpdated, EventTaskCompleted:
		var p TaskPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventSharedObjectCreated, EventSharedObjectUpdated:
		var p SharedObjectPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventRoomContextPinned:
		var p PinPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventStatusChanged:
		var p StatusPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventPresenceHeartbeat:
		var p HeartbeatPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	case EventReactionTriggered:
		var p ReactionPayload
		if err := decodePayload(raw, &p); err != nil {
			return nil, err
		}
		return marshalPayload(p)
	}

	return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, t)
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: payload must contain exactly one JSON object", ErrValidation)
		}
	}

	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ValidateTarget checks a delivery target registration and applies retry
// defaults. Kind-specific requirements: webhooks need a URL, reactions need
// a reaction type.
func ValidateTarget(t *DeliveryTarget) error {
	if t == nil {
		return fmt.Errorf("%w: nil target", ErrValidation)
	}
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch t.Kind {
	case TargetWebhook:
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("%w: webhook target requires a url", ErrValidation)
		}
	case TargetReaction:
		if strings.TrimSpace(t.ReactionType) == "" {
			return fmt.Errorf("%w: reaction target requires a reaction_type", ErrValidation)
		}
	}

	for _, et := range t.EventTypes {
		if et != "*" && !EventType(et).Valid() {
			return fmt.Errorf("%w: unknown event type %q in filter", ErrValidation, et)
		}
	}

	if t.Backoff <= 0 {
		t.Backoff = 300 * time.Millisecond
	}
	if t.Timeout <= 0 {
		t.Timeout = 10 * time.Second
	}
	return nil
}

func marshalPayload(p any) (json.RawMessage, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return body, nil
}
