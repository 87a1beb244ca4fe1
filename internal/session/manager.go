// Package session owns assistant sessions: conversation turns, pending
// approvals, deferred messages and the dispatch of user messages to the
// sidecar.
package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/contextkit-core/internal/backend"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/observability"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/google/uuid"
)

// Conversation modes accepted by DispatchMessage.
const (
	ModeGeneral       = "general"
	ModeImprovement   = "improvement"
	ModeClarification = "clarification"
)

// DefaultProvider labels sessions created without an explicit provider.
const DefaultProvider = "sidecar"

// Backend is the sidecar surface the manager needs.
type Backend interface {
	CreateSession(ctx context.Context, req backend.CreateSessionRequest) (*backend.CreateSessionResponse, error)
	SendMessage(ctx context.Context, sessionID, content, mode string) (*domain.TaskEnvelope, error)
}

// HealthSource reports current backend health.
type HealthSource interface {
	Snapshot() domain.HealthSnapshot
}

// EventEmitter records telemetry.
type EventEmitter interface {
	Emit(ev domain.TelemetryEvent) domain.TelemetryEvent
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Provider     string   `json:"provider"`
	SystemPrompt string   `json:"systemPrompt"`
	ActiveTools  []string `json:"activeTools"`
	RepoPath     string   `json:"repoPath,omitempty"`
}

// entry guards one session. All writes to a session go through its mutex.
type entry struct {
	mu        sync.Mutex
	session   *domain.AssistantSession
	resolving map[string]bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackend sets the sidecar client.
func WithBackend(b Backend) Option { return func(m *Manager) { m.backend = b } }

// WithHealth sets the health source consulted before dispatch.
func WithHealth(h HealthSource) Option { return func(m *Manager) { m.health = h } }

// WithEmitter sets the telemetry emitter.
func WithEmitter(e EventEmitter) Option { return func(m *Manager) { m.emitter = e } }

// WithTranscript records finalized turns.
func WithTranscript(t Transcript) Option { return func(m *Manager) { m.transcript = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithMaxPromptLength bounds custom system prompts.
func WithMaxPromptLength(n int) Option { return func(m *Manager) { m.maxPrompt = n } }

// WithDefaultTools supplies the tool set for sessions created without one,
// usually the enabled capabilities of the current manifest.
func WithDefaultTools(fn func() []string) Option {
	return func(m *Manager) { m.defaultTools = fn }
}

// Manager is the in-memory session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	backend      Backend
	health       HealthSource
	emitter      EventEmitter
	transcript   Transcript
	effect       ApprovalEffect
	logger       *slog.Logger
	metrics      *observability.Metrics
	maxPrompt    int
	defaultTools func() []string
	now          func() time.Time
}

// NewManager creates an empty registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:   make(map[string]*entry),
		transcript: noopTranscript{},
		logger:     slog.Default(),
		maxPrompt:  DefaultMaxSystemPromptLength,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetApprovalEffect installs the side effect run when an action is
// approved. It is set after construction because the effect usually calls
// back into the manager.
func (m *Manager) SetApprovalEffect(effect ApprovalEffect) {
	m.mu.Lock()
	m.effect = effect
	m.mu.Unlock()
}

func (m *Manager) approvalEffect() ApprovalEffect {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.effect
}

// CreateSession registers a new session. The sidecar counterpart is created
// best effort; a session without one still serves local tools.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*domain.AssistantSession, error) {
	prompt, err := SanitizeSystemPrompt(req.SystemPrompt, m.maxPrompt)
	if err != nil {
		return nil, err
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = DefaultProvider
	}
	tools := dedupe(req.ActiveTools)
	if len(tools) == 0 && m.defaultTools != nil {
		tools = dedupe(m.defaultTools())
	}

	now := m.now()
	s := &domain.AssistantSession{
		ID:               uuid.NewString(),
		Provider:         provider,
		SystemPrompt:     prompt,
		ActiveTools:      tools,
		Turns:            []domain.ConversationTurn{},
		PendingApprovals: []domain.PendingAction{},
		Tasks:            []domain.TaskEnvelope{},
		TelemetryContext: map[string]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.RepoPath != "" {
		s.TelemetryContext["repoPath"] = req.RepoPath
	}

	if m.backend != nil {
		resp, err := m.backend.CreateSession(ctx, backend.CreateSessionRequest{
			Provider:     provider,
			SystemPrompt: prompt,
			ActiveTools:  tools,
		})
		if err != nil {
			m.logger.Warn("Sidecar session not created; continuing locally",
				"session_id", s.ID, "error", err)
		} else {
			s.BackendSessionID = resp.SessionID
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{session: s, resolving: make(map[string]bool)}
	m.mu.Unlock()

	m.logger.Info("Session created", "session_id", s.ID, "provider", provider, "tools", len(tools))
	return s.Clone(), nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, shared.Errorf(shared.CodeSessionNotFound, "session %s not found", id)
	}
	return e, nil
}

// with runs fn under the session's lock.
func (m *Manager) with(id string, fn func(s *domain.AssistantSession) error) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.session)
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*domain.AssistantSession, error) {
	var out *domain.AssistantSession
	err := m.with(id, func(s *domain.AssistantSession) error {
		out = s.Clone()
		return nil
	})
	return out, err
}

// List returns copies of all sessions, newest first.
func (m *Manager) List() []*domain.AssistantSession {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*domain.AssistantSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return shared.Errorf(shared.CodeSessionNotFound, "session %s not found", id)
	}
	delete(m.sessions, id)
	return nil
}

// SetActiveTools replaces the session's tool set.
func (m *Manager) SetActiveTools(id string, tools []string) (*domain.AssistantSession, error) {
	var out *domain.AssistantSession
	err := m.with(id, func(s *domain.AssistantSession) error {
		s.ActiveTools = dedupe(tools)
		s.UpdatedAt = m.now()
		out = s.Clone()
		return nil
	})
	return out, err
}

// AppendUserTurn records a final user turn.
func (m *Manager) AppendUserTurn(id, content string, meta domain.TurnMetadata) (domain.ConversationTurn, error) {
	return m.appendTurn(id, domain.RoleUser, content, "", meta)
}

// AppendAssistantResponse records a final assistant turn. finishReason must
// be stop or error.
func (m *Manager) AppendAssistantResponse(id, content, finishReason string, meta domain.TurnMetadata) (domain.ConversationTurn, error) {
	if finishReason != domain.FinishStop && finishReason != domain.FinishError {
		return domain.ConversationTurn{}, shared.Errorf(shared.CodeValidationError,
			"finish reason must be %q or %q, got %q", domain.FinishStop, domain.FinishError, finishReason)
	}
	return m.appendTurn(id, domain.RoleAssistant, content, finishReason, meta)
}

// AppendError records a human-readable assistant turn describing err.
func (m *Manager) AppendError(id string, err error, toolID string) (domain.ConversationTurn, error) {
	ne := shared.Normalize(err)
	content := ne.UserMessage
	if ne.Message != "" && ne.Message != ne.UserMessage {
		content = strings.TrimSpace(content + " (" + ne.Message + ")")
	}
	return m.AppendAssistantResponse(id, content, domain.FinishError, domain.TurnMetadata{
		ToolID:    toolID,
		ErrorCode: string(ne.Code),
	})
}

func (m *Manager) appendTurn(id string, role domain.Role, content, finish string, meta domain.TurnMetadata) (domain.ConversationTurn, error) {
	var turn domain.ConversationTurn
	err := m.with(id, func(s *domain.AssistantSession) error {
		turn = domain.ConversationTurn{
			ID:           uuid.NewString(),
			Role:         role,
			Content:      content,
			Timestamp:    m.now(),
			Metadata:     meta,
			FinishReason: finish,
			Final:        true,
		}
		s.Turns = append(s.Turns, turn)
		s.UpdatedAt = turn.Timestamp
		return nil
	})
	if err == nil {
		m.transcript.Record(id, turn)
	}
	return turn, err
}

// BeginStreamingTurn appends an empty assistant turn that receives tokens
// until FinalizeTurn.
func (m *Manager) BeginStreamingTurn(id string, meta domain.TurnMetadata) (domain.ConversationTurn, error) {
	var turn domain.ConversationTurn
	err := m.with(id, func(s *domain.AssistantSession) error {
		turn = domain.ConversationTurn{
			ID:        uuid.NewString(),
			Role:      domain.RoleAssistant,
			Timestamp: m.now(),
			Metadata:  meta,
			Streaming: true,
		}
		s.Turns = append(s.Turns, turn)
		s.UpdatedAt = turn.Timestamp
		return nil
	})
	return turn, err
}

func findTurn(s *domain.AssistantSession, turnID string) (*domain.ConversationTurn, error) {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].ID == turnID {
			return &s.Turns[i], nil
		}
	}
	return nil, shared.Errorf(shared.CodeValidationError, "turn %s not found in session %s", turnID, s.ID)
}

// AppendToken extends a streaming turn. Tokens for a final turn are
// rejected.
func (m *Manager) AppendToken(sessionID, turnID, token string) error {
	return m.with(sessionID, func(s *domain.AssistantSession) error {
		t, err := findTurn(s, turnID)
		if err != nil {
			return err
		}
		if t.Final {
			return shared.Errorf(shared.CodeValidationError, "turn %s is final", turnID)
		}
		t.Content += token
		s.UpdatedAt = m.now()
		return nil
	})
}

// FinalizeTurn closes a streaming turn. Finalizing twice is a no-op.
func (m *Manager) FinalizeTurn(sessionID, turnID, finishReason, errorCode string) error {
	var turn domain.ConversationTurn
	var changed bool
	err := m.with(sessionID, func(s *domain.AssistantSession) error {
		t, err := findTurn(s, turnID)
		if err != nil {
			return err
		}
		if t.Final {
			return nil
		}
		if finishReason != domain.FinishError {
			finishReason = domain.FinishStop
		}
		t.FinishReason = finishReason
		t.Streaming = false
		t.Final = true
		if errorCode != "" {
			t.Metadata.ErrorCode = errorCode
		}
		s.UpdatedAt = m.now()
		turn = *t
		changed = true
		return nil
	})
	if err == nil && changed {
		m.transcript.Record(sessionID, turn)
	}
	return err
}

// RecordTask stores a task envelope on the session.
func (m *Manager) RecordTask(id string, env domain.TaskEnvelope) error {
	return m.with(id, func(s *domain.AssistantSession) error {
		s.Tasks = append(s.Tasks, env)
		s.UpdatedAt = m.now()
		return nil
	})
}

// NormalizeMode validates a conversation mode. Empty means general.
func NormalizeMode(mode string) (string, error) {
	switch mode = strings.ToLower(strings.TrimSpace(mode)); mode {
	case "":
		return ModeGeneral, nil
	case ModeGeneral, ModeImprovement, ModeClarification:
		return mode, nil
	default:
		return "", shared.Errorf(shared.CodeValidationError,
			"mode must be one of %s, %s, %s", ModeGeneral, ModeImprovement, ModeClarification)
	}
}

func (m *Manager) healthy() bool {
	if m.health == nil {
		return true
	}
	return m.health.Snapshot().Status != domain.HealthUnhealthy
}

// DispatchMessage records the user turn and forwards it to the sidecar.
// While the backend is unhealthy the message is deferred and nil is
// returned. A nil envelope with a nil error also means the session has no
// reachable sidecar counterpart; the failure is recorded as a turn.
func (m *Manager) DispatchMessage(ctx context.Context, id, content, mode string) (*domain.TaskEnvelope, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, shared.NewError(shared.CodeValidationError, "message content is required")
	}
	mode, err := NormalizeMode(mode)
	if err != nil {
		return nil, err
	}

	if !m.healthy() {
		turn, err := m.AppendUserTurn(id, content, domain.TurnMetadata{Mode: mode, Deferred: true})
		if err != nil {
			return nil, err
		}
		err = m.with(id, func(s *domain.AssistantSession) error {
			s.Deferred = append(s.Deferred, domain.DeferredMessage{
				TurnID:   turn.ID,
				Content:  content,
				Mode:     mode,
				QueuedAt: turn.Timestamp,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.logger.Info("Message deferred while backend is unhealthy", "session_id", id, "turn_id", turn.ID)
		return nil, nil
	}

	if _, err := m.AppendUserTurn(id, content, domain.TurnMetadata{Mode: mode}); err != nil {
		return nil, err
	}
	return m.send(ctx, id, content, mode)
}

// send forwards an already-recorded user message.
func (m *Manager) send(ctx context.Context, id, content, mode string) (*domain.TaskEnvelope, error) {
	backendID, err := m.ensureBackendSession(ctx, id)
	if err != nil || backendID == "" {
		reason := shared.NewError(shared.CodeBackendUnavailable, "session has no sidecar counterpart")
		if err != nil {
			reason = shared.Normalize(err)
		}
		if _, aerr := m.AppendError(id, reason, ""); aerr != nil {
			return nil, aerr
		}
		return nil, nil
	}

	env, err := m.backend.SendMessage(ctx, backendID, content, mode)
	if err != nil {
		ne := shared.Normalize(err)
		if _, aerr := m.AppendError(id, ne, ""); aerr != nil {
			return nil, aerr
		}
		if ne.Code == shared.CodeBackendUnavailable {
			return nil, nil
		}
		return nil, ne
	}

	if err := m.RecordTask(id, *env); err != nil {
		return nil, err
	}
	finish := domain.FinishStop
	meta := domain.TurnMetadata{Mode: mode}
	if env.Status == domain.TaskFailed {
		finish = domain.FinishError
		meta.ErrorCode = string(shared.CodeToolExecutionFailed)
	}
	text := env.Text()
	if text == "" {
		text = "Task " + env.TaskID + " is " + string(env.Status) + "."
	}
	if _, err := m.AppendAssistantResponse(id, text, finish, meta); err != nil {
		return nil, err
	}
	return env, nil
}

func (m *Manager) ensureBackendSession(ctx context.Context, id string) (string, error) {
	var s *domain.AssistantSession
	if err := m.with(id, func(cur *domain.AssistantSession) error {
		s = cur.Clone()
		return nil
	}); err != nil {
		return "", err
	}
	if s.BackendSessionID != "" || m.backend == nil {
		return s.BackendSessionID, nil
	}

	resp, err := m.backend.CreateSession(ctx, backend.CreateSessionRequest{
		Provider:     s.Provider,
		SystemPrompt: s.SystemPrompt,
		ActiveTools:  s.ActiveTools,
	})
	if err != nil {
		return "", err
	}
	err = m.with(id, func(cur *domain.AssistantSession) error {
		if cur.BackendSessionID == "" {
			cur.BackendSessionID = resp.SessionID
		}
		return nil
	})
	return resp.SessionID, err
}

// BackendSessionID returns the sidecar session id, creating the
// counterpart if needed.
func (m *Manager) BackendSessionID(ctx context.Context, id string) (string, error) {
	return m.ensureBackendSession(ctx, id)
}

// FlushDeferred sends messages queued while the backend was unhealthy, in
// order. The first message that hits an unavailable backend and everything
// after it go back on the queue.
func (m *Manager) FlushDeferred(ctx context.Context, id string) (int, error) {
	if !m.healthy() {
		return 0, shared.NewError(shared.CodeBackendUnavailable, "backend is still unhealthy")
	}
	var pending []domain.DeferredMessage
	if err := m.with(id, func(s *domain.AssistantSession) error {
		pending = s.Deferred
		s.Deferred = nil
		return nil
	}); err != nil {
		return 0, err
	}

	sent := 0
	for i, msg := range pending {
		env, err := m.send(ctx, id, msg.Content, msg.Mode)
		if err != nil {
			// A rejected message is dropped; an unreachable backend keeps it.
			rest := pending[i+1:]
			if shared.IsCode(err, shared.CodeBackendUnavailable) {
				rest = pending[i:]
			}
			m.requeue(id, rest)
			return sent, err
		}
		if env == nil {
			m.requeue(id, pending[i:])
			return sent, shared.NewError(shared.CodeBackendUnavailable, "backend became unavailable while flushing")
		}
		sent++
	}
	if sent > 0 {
		m.logger.Info("Deferred messages flushed", "session_id", id, "count", sent)
	}
	return sent, nil
}

// FlushAllDeferred flushes every session with queued messages.
func (m *Manager) FlushAllDeferred(ctx context.Context) int {
	total := 0
	for _, s := range m.List() {
		if len(s.Deferred) == 0 {
			continue
		}
		n, err := m.FlushDeferred(ctx, s.ID)
		total += n
		if err != nil {
			m.logger.Warn("Flushing deferred messages stopped", "session_id", s.ID, "error", err)
		}
	}
	return total
}

func (m *Manager) requeue(id string, rest []domain.DeferredMessage) {
	if len(rest) == 0 {
		return
	}
	_ = m.with(id, func(s *domain.AssistantSession) error {
		s.Deferred = append(append([]domain.DeferredMessage(nil), rest...), s.Deferred...)
		return nil
	})
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
