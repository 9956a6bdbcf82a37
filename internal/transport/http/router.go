// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atriumworld/atrium/internal/auth"
	"github.com/atriumworld/atrium/internal/dispatch"
	"github.com/atriumworld/atrium/internal/domain"
	"github.com/atriumworld/atrium/internal/eventlog"
	"github.com/atriumworld/atrium/internal/idempotency"
	"github.com/atriumworld/atrium/internal/metrics"
	"github.com/atriumworld/atrium/internal/relay"
	"github.com/atriumworld/atrium/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	headerIdempotencyKey     = "Idempotency-Key"
	headerIdempotencyReplay  = "Idempotency-Replayed"
	appendScopePrefix        = "append_event:"
	maxAppendBodyBytes int64 = 1 << 20
)

type appendEventRequest struct {
	ActorID       string          `json:"actor_id"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   *uuid.UUID      `json:"causation_id"`
}

type createTargetRequest struct {
	Kind         string   `json:"kind"`
	EventTypes   []string `json:"event_types"`
	RoomID       string   `json:"room_id"`
	ActorID      string   `json:"actor_id"`
	URL          string   `json:"url"`
	Secret       string   `json:"secret"`
	ReactionType string   `json:"reaction_type"`
	Capability   string   `json:"capability"`
	MaxRetries   int      `json:"max_retries"`
	BackoffMs    int64    `json:"backoff_ms"`
	TimeoutMs    int64    `json:"timeout_ms"`
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type targetResponse struct {
	domain.DeliveryTarget
	BackoffMs int64 `json:"backoff_ms"`
	TimeoutMs int64 `json:"timeout_ms"`
}

func toTargetResponse(t domain.DeliveryTarget) targetResponse {
	return targetResponse{
		DeliveryTarget: t,
		BackoffMs:      t.Backoff.Milliseconds(),
		TimeoutMs:      t.Timeout.Milliseconds(),
	}
}

type Deps struct {
	Log        EventLog
	Projection Snapshotter
	Relay      Streamer
	Dispatcher DispatchAdmin
	Targets    dispatch.TargetStore
	Attempts   AttemptLister
	DLQ        dispatch.DLQStore
	Guard      IdempotencyGuard
	Health     HealthChecker
	Logger     *slog.Logger
	AdminToken string
	Version    string
	Commit     string
	BuildDate  string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	r.Route("/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(tenantContextMiddleware())

		// ---------------- APPEND EVENT ----------------

		r.Post("/rooms/{room}/events", func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenant")
			roomID := chi.URLParam(r, "room")

			clientKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
			if clientKey == "" {
				http.Error(w, "Idempotency-Key header is required", http.StatusBadRequest)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxAppendBodyBytes))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}

			hash, err := idempotency.RequestHash(r.Method, r.URL.Path, body)
			if err != nil {
				http.Error(w, "request body must be valid JSON", http.StatusBadRequest)
				return
			}

			scope := appendScopePrefix + roomID
			decision, err := deps.Guard.Check(r.Context(), tenantID, scope, clientKey, hash)
			if err != nil {
				logger.Error("idempotency check failed", "tenant_id", tenantID, "error", err)
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			switch decision.Status {
			case idempotency.StatusReplay:
				writeStoredResponse(w, decision.Record)
				return
			case idempotency.StatusConflict:
				http.Error(w, "idempotency key reused with a different request", http.StatusConflict)
				return
			}

			reqBody, err := decodeAppendEventRequest(body)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			ev := domain.Event{
				TenantID:      tenantID,
				RoomID:        roomID,
				ActorID:       reqBody.ActorID,
				Type:          domain.EventType(reqBody.Type),
				Timestamp:     reqBody.Timestamp,
				Payload:       reqBody.Payload,
				CorrelationID: reqBody.CorrelationID,
				CausationID:   reqBody.CausationID,
			}

			persisted, err := deps.Log.Append(r.Context(), ev)
			if err != nil {
				if errors.Is(err, domain.ErrValidation) {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				if errors.Is(err, domain.ErrStorageUnavailable) {
					http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
					return
				}
				logger.Error("append event failed", "tenant_id", tenantID, "room_id", roomID, "error", err)
				http.Error(w, "failed to append event", http.StatusInternalServerError)
				return
			}

			respBody, err := json.Marshal(persisted)
			if err != nil {
				logger.Error("marshal append response failed", "event_id", persisted.ID, "error", err)
				http.Error(w, "failed to append event", http.StatusInternalServerError)
				return
			}

			rec, err := deps.Guard.Commit(r.Context(), tenantID, scope, clientKey, hash, http.StatusCreated, respBody)
			if err != nil {
				if errors.Is(err, domain.ErrIdempotencyConflict) {
					http.Error(w, "idempotency key reused with a different request", http.StatusConflict)
					return
				}
				logger.Error("idempotency commit failed", "tenant_id", tenantID, "error", err)
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if rec.RequestHash == hash && !bytes.Equal(rec.ResponseBody, respBody) {
				// A concurrent retry won the commit; replay its response.
				writeStoredResponse(w, rec)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(respBody)
		})

		// ---------------- LIST EVENTS ----------------

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenant")

			filter, err := parseListFilter(r, tenantID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			events, err := deps.Log.List(r.Context(), filter)
			if err != nil {
				logger.Error("list events failed", "tenant_id", tenantID, "error", err)
				http.Error(w, "failed to list events", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"events": events,
			})
		})

		// ---------------- GET EVENT ----------------

		r.Get("/events/{eventID}", func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenant")

			eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
			if err != nil {
				http.Error(w, "invalid event ID", http.StatusBadRequest)
				return
			}

			ev, err := deps.Log.GetByID(r.Context(), tenantID, eventID)
			if err != nil {
				if errors.Is(err, domain.ErrEventNotFound) {
					http.Error(w, "event not found", http.StatusNotFound)
					return
				}
				logger.Error("get event failed", "tenant_id", tenantID, "event_id", eventID, "error", err)
				http.Error(w, "failed to get event", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, ev)
		})

		// ---------------- DELIVERY ATTEMPTS FOR EVENT ----------------

		r.Get("/events/{eventID}/attempts", func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenant")

			eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
			if err != nil {
				http.Error(w, "invalid event ID", http.StatusBadRequest)
				return
			}

			attempts, err := deps.Attempts.ListByEvent(r.Context(), tenantID, eventID)
			if err != nil {
				logger.Error("list attempts failed", "tenant_id", tenantID, "event_id", eventID, "error", err)
				http.Error(w, "failed to list attempts", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"event_id": eventID.String(),
				"attempts": attempts,
			})
		})

		// ---------------- ROOM SNAPSHOT ----------------

		r.Get("/rooms/{room}/snapshot", func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenant")
			roomID := chi.URLParam(r, "room")

			from, err := parseTimeParam(r, "from")
			if err != nil {
				http.Error(w, "invalid from timestamp", http.StatusBadRequest)
				return
			}
			to, err := parseTimeParam(r, "to")
			if err != nil {
				http.Error(w, "invalid to timestamp", http.StatusBadRequest)
				return
			}

			state, err := deps.Projection.SnapshotWindow(r.Context(), tenantID, roomID, from, to)
			if err != nil {
				logger.Error("snapshot failed", "tenant_id", tenantID, "room_id", roomID, "error", err)
				http.Error(w, "failed to build snapshot", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, state)
		})

		// ---------------- STREAM ROOM EVENTS (SSE) ----------------

		r.Get("/rooms/{room}/stream", func(w http.ResponseWriter, r *http.Request) {
			tenantID := chi.URLParam(r, "tenant")
			roomID := chi.URLParam(r, "room")

			cursor := int64(0)
			if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
				parsed, err := strconv.ParseInt(raw, 10, 64)
				if err != nil || parsed < 0 {
					http.Error(w, "invalid cursor", http.StatusBadRequest)
					return
				}
				cursor = parsed
			}

			deps.Relay.Stream(w, r, relay.StreamRequest{
				TenantID: tenantID,
				RoomID:   roomID,
				ActorID:  strings.TrimSpace(r.URL.Query().Get("actor_id")),
				Types:    parseTypesParam(r),
				Cursor:   cursor,
			})
		})

		// ---------------- DELIVERY TARGETS (ADMIN) ----------------

		r.Group(func(admin chi.Router) {
			if deps.AdminToken != "" {
				admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))
			}

			admin.Post("/targets", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				reqBody, err := decodeJSONBody[createTargetRequest](r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				target := domain.DeliveryTarget{
					TenantID:     tenantID,
					Kind:         domain.TargetKind(reqBody.Kind),
					EventTypes:   reqBody.EventTypes,
					RoomID:       strings.TrimSpace(reqBody.RoomID),
					ActorID:      strings.TrimSpace(reqBody.ActorID),
					URL:          strings.TrimSpace(reqBody.URL),
					Secret:       reqBody.Secret,
					ReactionType: strings.TrimSpace(reqBody.ReactionType),
					Capability:   strings.TrimSpace(reqBody.Capability),
					MaxRetries:   reqBody.MaxRetries,
					Backoff:      time.Duration(reqBody.BackoffMs) * time.Millisecond,
					Timeout:      time.Duration(reqBody.TimeoutMs) * time.Millisecond,
					Enabled:      true,
				}
				if err := domain.ValidateTarget(&target); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}

				created, err := deps.Targets.Create(r.Context(), target)
				if err != nil {
					logger.Error("create target failed", "tenant_id", tenantID, "error", err)
					http.Error(w, "failed to create target", http.StatusInternalServerError)
					return
				}

				logger.Info("delivery target registered",
					"tenant_id", tenantID,
					"target_id", created.ID,
					"kind", created.Kind,
				)

				writeJSON(w, http.StatusCreated, toTargetResponse(created))
			})

			admin.Get("/targets", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				targets, err := deps.Targets.List(r.Context(), tenantID)
				if err != nil {
					logger.Error("list targets failed", "tenant_id", tenantID, "error", err)
					http.Error(w, "failed to list targets", http.StatusInternalServerError)
					return
				}

				out := make([]targetResponse, 0, len(targets))
				for _, t := range targets {
					out = append(out, toTargetResponse(t))
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"targets": out,
				})
			})

			admin.Get("/targets/{id}", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid target ID", http.StatusBadRequest)
					return
				}

				target, err := deps.Targets.Get(r.Context(), tenantID, id)
				if err != nil {
					if errors.Is(err, domain.ErrTargetNotFound) {
						http.Error(w, "target not found", http.StatusNotFound)
						return
					}
					logger.Error("get target failed", "tenant_id", tenantID, "target_id", id, "error", err)
					http.Error(w, "failed to get target", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, toTargetResponse(target))
			})

			admin.Patch("/targets/{id}", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid target ID", http.StatusBadRequest)
					return
				}

				reqBody, err := decodeJSONBody[setEnabledRequest](r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				if err := deps.Targets.SetEnabled(r.Context(), tenantID, id, reqBody.Enabled); err != nil {
					if errors.Is(err, domain.ErrTargetNotFound) {
						http.Error(w, "target not found", http.StatusNotFound)
						return
					}
					logger.Error("update target failed", "tenant_id", tenantID, "target_id", id, "error", err)
					http.Error(w, "failed to update target", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, map[string]any{
					"id":      id.String(),
					"enabled": reqBody.Enabled,
				})
			})

			admin.Delete("/targets/{id}", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid target ID", http.StatusBadRequest)
					return
				}

				if err := deps.Targets.Delete(r.Context(), tenantID, id); err != nil {
					if errors.Is(err, domain.ErrTargetNotFound) {
						http.Error(w, "target not found", http.StatusNotFound)
						return
					}
					logger.Error("delete target failed", "tenant_id", tenantID, "target_id", id, "error", err)
					http.Error(w, "failed to delete target", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusNoContent)
			})

			// ---------------- DISPATCH STATS ----------------

			admin.Get("/dispatch/stats", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, deps.Dispatcher.Stats())
			})

			// ---------------- DEAD LETTER QUEUE ----------------

			admin.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				status := domain.DLQStatus(strings.TrimSpace(r.URL.Query().Get("status")))
				if status != "" && status != domain.DLQOpen && status != domain.DLQResolved {
					http.Error(w, "invalid status", http.StatusBadRequest)
					return
				}

				entries, err := deps.DLQ.List(r.Context(), tenantID, status)
				if err != nil {
					logger.Error("list dlq failed", "tenant_id", tenantID, "error", err)
					http.Error(w, "failed to list dlq entries", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, map[string]any{
					"entries": entries,
				})
			})

			admin.Post("/dlq/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
				tenantID := chi.URLParam(r, "tenant")

				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid dlq entry ID", http.StatusBadRequest)
					return
				}

				entry, err := deps.Dispatcher.ReplayDLQ(r.Context(), tenantID, id)
				if err != nil {
					if errors.Is(err, domain.ErrDLQEntryNotFound) {
						http.Error(w, "dlq entry not found", http.StatusNotFound)
						return
					}
					logger.Error("dlq replay failed", "tenant_id", tenantID, "entry_id", id, "error", err)
					http.Error(w, "failed to replay dlq entry", http.StatusInternalServerError)
					return
				}

				logger.Info("dlq entry replayed via API",
					"tenant_id", tenantID,
					"entry_id", id,
					"status", entry.Status,
				)

				writeJSON(w, http.StatusOK, entry)
			})
		})
	})

	return r
}

func tenantContextMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := strings.TrimSpace(chi.URLParam(r, "tenant"))
			if tenantID == "" {
				http.Error(w, "tenant is required", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithTenantID(r.Context(), tenantID)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoredResponse replays a committed idempotency record verbatim.
func writeStoredResponse(w http.ResponseWriter, rec idempotency.Record) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(headerIdempotencyReplay, "true")
	w.WriteHeader(rec.StatusCode)
	_, _ = w.Write(rec.ResponseBody)
}

func decodeAppendEventRequest(body []byte) (appendEventRequest, error) {
	var req appendEventRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return appendEventRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return appendEventRequest{}, errors.New("request body must contain exactly one JSON object")
	}
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.Type = strings.TrimSpace(req.Type)
	return req, nil
}

func decodeJSONBody[T any](r *http.Request) (T, error) {
	var req T
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return req, errors.New("request body is required")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return req, errors.New("request body must contain exactly one JSON object")
	}
	return req, nil
}

func parseListFilter(r *http.Request, tenantID string) (eventlog.Filter, error) {
	q := r.URL.Query()

	filter := eventlog.Filter{
		TenantID: tenantID,
		RoomID:   strings.TrimSpace(q.Get("room_id")),
		ActorID:  strings.TrimSpace(q.Get("actor_id")),
		Types:    parseTypesParam(r),
	}

	var err error
	if filter.From, err = parseTimeParam(r, "from"); err != nil {
		return eventlog.Filter{}, errors.New("invalid from timestamp")
	}
	if filter.To, err = parseTimeParam(r, "to"); err != nil {
		return eventlog.Filter{}, errors.New("invalid to timestamp")
	}

	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return eventlog.Filter{}, errors.New("invalid after_seq")
		}
		filter.AfterSeq = seq
	}
	if raw := strings.TrimSpace(q.Get("after_event_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return eventlog.Filter{}, errors.New("invalid after_event_id")
		}
		filter.AfterEventID = id
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return eventlog.Filter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}

	switch order := strings.TrimSpace(q.Get("order")); order {
	case "", "asc":
	case "desc":
		filter.Descending = true
	default:
		return eventlog.Filter{}, errors.New("invalid order")
	}

	return filter, nil
}

// parseTypesParam accepts both repeated type params and comma-separated lists.
func parseTypesParam(r *http.Request) []string {
	var types []string
	for _, raw := range r.URL.Query()["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	return types
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
