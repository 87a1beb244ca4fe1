// Package api serves the assistant core over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/assistant"
	"github.com/ashureev/contextkit-core/internal/capability"
	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/orchestrator"
	"github.com/ashureev/contextkit-core/internal/queue"
	"github.com/ashureev/contextkit-core/internal/session"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/ashureev/contextkit-core/internal/store"
	"github.com/ashureev/contextkit-core/internal/stream"
)

const maxRequestBodySize = 1 << 20

// Assistant is the core surface served by the API.
type Assistant interface {
	CreateSession(ctx context.Context, req session.CreateRequest) (*domain.AssistantSession, error)
	GetSession(id string) (*domain.AssistantSession, error)
	ListSessions() []*domain.AssistantSession
	DeleteSession(id string) error

	SendMessage(ctx context.Context, id, content, mode string) (assistant.MessageAck, error)
	DispatchMessage(ctx context.Context, id, content, mode string) (assistant.MessageAck, error)
	FlushDeferred(ctx context.Context, id string) (int, error)

	ExecuteTool(ctx context.Context, req orchestrator.Request) orchestrator.Result
	PendingActions(id string) ([]domain.PendingAction, error)
	ResolvePendingAction(ctx context.Context, id, actionID, decision, note string) (domain.PendingAction, error)

	CancelStream(streamID string) bool
	CancelTask(id string) error
	QueueStats() queue.Stats

	ListTelemetry(ctx context.Context, filter store.Filter, persisted bool) ([]domain.TelemetryEvent, error)
	Subscribe(buffer int) (<-chan stream.Event, func())
	EventsSince(id int64) []stream.Event

	Capabilities(ctx context.Context) (capability.Snapshot, error)
	RefreshCapabilities(ctx context.Context) (capability.Snapshot, error)
	Health() domain.HealthSnapshot
	Gating() domain.GatingStatus
}

// Handler serves the assistant API.
type Handler struct {
	svc           Assistant
	limiter       *RateLimiter
	logger        *slog.Logger
	keepAlive     time.Duration
	retryDelay    time.Duration
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a Handler. Call Close to stop the rate limiter.
func NewHandler(svc Assistant, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.SSE.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 10 * time.Second
	}
	return &Handler{
		svc:           svc,
		limiter:       NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		logger:        logger,
		keepAlive:     keepAlive,
		retryDelay:    5 * time.Second,
		allowedOrigin: cfg.FrontendURL,
		isDev:         cfg.IsDevelopment(),
	}
}

// Close releases background resources.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error *shared.Error `json:"error"`
}

// Error writes err in the normalized error shape.
func Error(w http.ResponseWriter, err error) {
	ne := shared.Normalize(err)
	if ne == nil {
		ne = shared.NewError(shared.CodeToolExecutionFailed, "unknown error")
	}
	JSON(w, ne.HTTPStatus(), errorBody{Error: ne})
}

// decode reads a size-limited JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.As(err, &tooLarge):
			return shared.NewError(shared.CodeValidationError, "request body too large")
		default:
			return shared.Errorf(shared.CodeValidationError, "invalid request body: %v", err)
		}
	}
	return nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func queryLimit(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, 10000)
}
