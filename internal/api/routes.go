package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/orchestrator"
	"github.com/ashureev/contextkit-core/internal/session"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/ashureev/contextkit-core/internal/store"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the assistant API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.GetHealth)
		r.Get("/capabilities", h.GetCapabilities)
		r.Post("/capabilities/refresh", h.RefreshCapabilities)
		r.Get("/gating", h.GetGating)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/messages", h.SendMessage)
				r.Post("/deferred/flush", h.FlushDeferred)
				r.Post("/tools/execute", h.ExecuteTool)
				r.Get("/pending", h.ListPending)
				r.Post("/pending/{actionId}", h.ResolvePending)
			})
		})

		r.Delete("/streams/{streamId}", h.CancelStream)
		r.Delete("/tasks/{taskId}", h.CancelTask)
		r.Get("/queue", h.GetQueue)
		r.Get("/telemetry", h.ListTelemetry)
		r.Get("/events", h.HandleEvents)
	})
	r.Get("/ws/events", h.HandleWebSocket)
}

// GetHealth returns the latest backend health snapshot.
func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Health()
	JSON(w, http.StatusOK, map[string]any{
		"status":              snap.Status,
		"message":             snap.Message,
		"pollIntervalMs":      snap.PollInterval.Milliseconds(),
		"checkedAt":           snap.CheckedAt,
		"consecutiveFailures": snap.Failures,
		"canExecuteRisky":     snap.CanExecuteRisky(),
	})
}

// GetCapabilities returns the cached manifest. A stale manifest is still
// returned, flagged.
func (h *Handler) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Capabilities(r.Context())
	if err != nil && snap.FetchedAt.IsZero() {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// RefreshCapabilities refetches the manifest.
func (h *Handler) RefreshCapabilities(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.RefreshCapabilities(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// GetGating returns the current gating artifact.
func (h *Handler) GetGating(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.svc.Gating())
}

// CreateSession starts a session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, err)
		return
	}
	s, err := h.svc.CreateSession(r.Context(), req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// ListSessions lists sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.svc.ListSessions()})
}

// GetSession returns one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// DeleteSession removes a session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(chi.URLParam(r, "id")); err != nil {
		Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode"`
	Stream  *bool  `json:"stream,omitempty"`
}

// SendMessage accepts a user message. By default the reply is streamed on
// /api/events; with "stream": false the sidecar envelope is returned.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, shared.NewError(shared.CodeValidationError, "message content is required"))
		return
	}
	if !h.limiter.Allow(id) {
		w.Header().Set("Retry-After", "60")
		JSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]string{
			"code":        "RATE_LIMITED",
			"message":     "message rate limit exceeded for session",
			"userMessage": "You're sending messages too quickly. Wait a moment and try again.",
		}})
		return
	}

	streaming := req.Stream == nil || *req.Stream
	send := h.svc.SendMessage
	if !streaming {
		send = h.svc.DispatchMessage
	}
	ack, err := send(r.Context(), id, req.Content, req.Mode)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusAccepted, ack)
}

// FlushDeferred sends messages queued while the backend was down.
func (h *Handler) FlushDeferred(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.FlushDeferred(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"sent": n})
}

// ExecuteTool runs a tool call. The normalized result is returned with the
// status of its error, if any.
func (h *Handler) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(w, r, &req); err != nil {
		Error(w, err)
		return
	}
	req.SessionID = chi.URLParam(r, "id")
	res := h.svc.ExecuteTool(r.Context(), req)
	status := http.StatusOK
	if res.Error != nil {
		status = res.Error.HTTPStatus()
	}
	JSON(w, status, res)
}

// ListPending lists actions awaiting approval.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.PendingActions(chi.URLParam(r, "id"))
	if err != nil {
		Error(w, err)
		return
	}
	if actions == nil {
		actions = []domain.PendingAction{}
	}
	JSON(w, http.StatusOK, map[string]any{"pendingActions": actions})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

// ResolvePending approves or rejects an action.
func (h *Handler) ResolvePending(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, err)
		return
	}
	action, err := h.svc.ResolvePendingAction(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "actionId"), req.Decision, req.Note)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, action)
}

// CancelStream stops a stream. It always succeeds.
func (h *Handler) CancelStream(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]bool{"cancelled": h.svc.CancelStream(chi.URLParam(r, "streamId"))})
}

// CancelTask withdraws a queued task.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelTask(chi.URLParam(r, "taskId")); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// GetQueue reports queue occupancy.
func (h *Handler) GetQueue(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.svc.QueueStats())
}

// ListTelemetry returns telemetry events matching the query.
func (h *Handler) ListTelemetry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		SessionID:    q.Get("sessionId"),
		ToolID:       q.Get("toolId"),
		InvocationID: q.Get("invocationId"),
		Kind:         domain.EventKind(q.Get("kind")),
		Limit:        queryLimit(q.Get("limit"), 200),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			Error(w, shared.Errorf(shared.CodeValidationError, "since must be RFC 3339: %v", err))
			return
		}
		filter.Since = t
	}
	persisted, _ := strconv.ParseBool(q.Get("persisted"))
	events, err := h.svc.ListTelemetry(r.Context(), filter, persisted)
	if err != nil {
		Error(w, err)
		return
	}
	if events == nil {
		events = []domain.TelemetryEvent{}
	}
	JSON(w, http.StatusOK, map[string]any{"events": events})
}
