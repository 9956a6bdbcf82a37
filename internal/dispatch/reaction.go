// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atriumworld/atrium/internal/domain"
)

// CapabilityChecker is the external permission gate consulted before a
// reaction is synthesized.
type CapabilityChecker interface {
	CheckCapability(ctx context.Context, tenantID, roomID, actorID, capability string) (bool, error)
}

// ModerationVerdict is the external moderation gate's answer.
type ModerationVerdict struct {
	Allowed    bool
	ReasonCode string
}

type ModerationGate interface {
	CheckModeration(ctx context.Context, tenantID, roomID, actorID string, payload json.RawMessage) (ModerationVerdict, error)
}

// Appender is the slice of the event log the reaction path writes through.
type Appender interface {
	Append(ctx context.Context, ev domain.Event) (domain.Event, error)
}

// ReactionSender delivers by synthesizing a new in-world event, subject to
// the same permission and moderation gates as the normal command path. A
// denial is a failed trigger and is terminal: it is recorded, not retried.
type ReactionSender struct {
	log        Appender
	capability CapabilityChecker
	moderation ModerationGate
}

func NewReactionSender(log Appender, capability CapabilityChecker, moderation ModerationGate) *ReactionSender {
	return &ReactionSender{
		log:        log,
		capability: capability,
		moderation: moderation,
	}
}

func (s *ReactionSender) Send(ctx context.Context, target domain.DeliveryTarget, ev domain.Event) SendResult {
	if s.capability != nil && target.Capability != "" {
		allowed, err := s.capability.CheckCapability(ctx, ev.TenantID, ev.RoomID, ev.ActorID, target.Capability)
		if err != nil {
			return SendResult{Err: fmt.Errorf("capability check: %w", err)}
		}
		if !allowed {
			return SendResult{
				Err:      fmt.Errorf("reaction denied: missing capability %q", target.Capability),
				Terminal: true,
			}
		}
	}

	payload, err := json.Marshal(domain.ReactionPayload{
		ReactionType:  target.ReactionType,
		SourceEventID: ev.ID,
		TargetID:      target.ID,
	})
	if err != nil {
		return SendResult{Err: fmt.Errorf("reaction payload marshal: %w", err), Terminal: true}
	}

	if s.moderation != nil {
		verdict, err := s.moderation.CheckModeration(ctx, ev.TenantID, ev.RoomID, ev.ActorID, payload)
		if err != nil {
			return SendResult{Err: fmt.Errorf("moderation check: %w", err)}
		}
		if !verdict.Allowed {
			return SendResult{
				Err:      fmt.Errorf("reaction rejected by moderation: %s", verdict.ReasonCode),
				Terminal: true,
			}
		}
	}

	causation := ev.ID
	if _, err := s.log.Append(ctx, domain.Event{
		TenantID:      ev.TenantID,
		RoomID:        ev.RoomID,
		ActorID:       ev.ActorID,
		Type:          domain.EventReactionTriggered,
		Payload:       payload,
		CorrelationID: ev.CorrelationID,
		CausationID:   &causation,
	}); err != nil {
		return SendResult{Err: fmt.Errorf("append reaction event: %w", err)}
	}

	return SendResult{}
}
