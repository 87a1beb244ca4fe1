// Package assistant wires the tool-execution core together and exposes it as
// one facade for the HTTP API and the CLI.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/backend"
	"github.com/ashureev/contextkit-core/internal/capability"
	"github.com/ashureev/contextkit-core/internal/config"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/gating"
	"github.com/ashureev/contextkit-core/internal/health"
	"github.com/ashureev/contextkit-core/internal/observability"
	"github.com/ashureev/contextkit-core/internal/orchestrator"
	"github.com/ashureev/contextkit-core/internal/policy"
	"github.com/ashureev/contextkit-core/internal/queue"
	"github.com/ashureev/contextkit-core/internal/repo"
	"github.com/ashureev/contextkit-core/internal/sandbox"
	"github.com/ashureev/contextkit-core/internal/session"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/ashureev/contextkit-core/internal/store"
	"github.com/ashureev/contextkit-core/internal/stream"
	"github.com/ashureev/contextkit-core/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Options carries the process-wide collaborators that are built outside
// the service.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Pipelines overrides the configured pipeline runner.
	Pipelines orchestrator.PipelineRunner
}

// Service is the assistant core.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store      *store.SQLiteStore
	emitter    *telemetry.Emitter
	client     *backend.Client
	grpcProbe  *health.GRPCProbe
	poller     *health.Poller
	caps       *capability.Cache
	classifier *policy.Classifier
	gating     *gating.Watcher
	queue      *queue.Manager
	transcript session.Transcript
	sessions   *session.Manager
	hub        *stream.Hub
	streams    *stream.Coordinator
	orch       *orchestrator.Orchestrator

	unsubscribeQueue func()
}

// New builds the service from configuration. Nothing runs in the
// background until Run is called.
func New(cfg *config.Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = observability.NoopTracer()
	}
	s := &Service{cfg: cfg, logger: logger, metrics: opts.Metrics}

	var repository store.Repository
	if cfg.Telemetry.DBPath != "" {
		db, err := store.NewSQLite(cfg.Telemetry.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open telemetry store: %w", err)
		}
		s.store = db
		repository = db
		logger.Info("Telemetry store opened", "path", cfg.Telemetry.DBPath)
	}
	s.emitter = telemetry.NewEmitter(telemetry.Config{
		BufferSize:  cfg.Telemetry.BufferSize,
		MemoryLimit: cfg.Telemetry.MemoryLimit,
	}, repository, logger, opts.Metrics)

	breaker := health.NewCircuitBreaker(health.BreakerConfig{
		Name:             "sidecar",
		FailureThreshold: cfg.Sidecar.BreakerThreshold,
		OpenTimeout:      cfg.Sidecar.BreakerTimeout,
		OnStateChange: func(from, to string) {
			logger.Warn("Sidecar circuit breaker changed state", "from", from, "to", to)
		},
	})
	s.client = backend.New(cfg.Sidecar.URL,
		backend.WithTimeout(cfg.Sidecar.Timeout),
		backend.WithBreaker(breaker),
		backend.WithMetrics(opts.Metrics),
		backend.WithLogger(logger),
	)

	var prober health.Prober = s.client
	if cfg.Health.Probe == "grpc" {
		probe, err := health.NewGRPCProbe(cfg.Sidecar.GRPCAddr, "")
		if err != nil {
			_ = s.closeStores()
			return nil, err
		}
		s.grpcProbe = probe
		prober = probe
	}

	s.hub = stream.NewHub(cfg.SSE.ReplaySize)

	s.poller = health.NewPoller(prober, health.Config{
		Interval:   cfg.Health.Interval,
		Timeout:    cfg.Health.Timeout,
		MaxBackoff: cfg.Health.MaxBackoff,
		Reminder:   cfg.Health.Reminder,
	}, health.WithLogger(logger), health.WithEventSink(s.emitter), health.WithMetrics(opts.Metrics))
	s.poller.OnTransition(s.onHealthTransition)

	s.caps = capability.NewCache(s.client, cfg.Capability.TTL)

	overrides, err := policy.LoadOverrides(cfg.PolicyFile)
	if err != nil {
		_ = s.closeStores()
		return nil, err
	}
	s.classifier = policy.NewClassifier(overrides, cfg.Approval.MinReasonLength)
	s.gating = gating.NewWatcher(cfg.Gating.ArtifactPath, logger)

	s.queue = queue.NewManager(cfg.Queue.Concurrency, queue.WithLogger(logger))
	s.unsubscribeQueue = s.queue.Subscribe(s.onQueueEvent)

	s.transcript, err = session.NewTranscript(session.TranscriptConfig{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		_ = s.closeStores()
		return nil, err
	}

	s.sessions = session.NewManager(
		session.WithBackend(s.client),
		session.WithHealth(s.poller),
		session.WithEmitter(s.emitter),
		session.WithTranscript(s.transcript),
		session.WithLogger(logger),
		session.WithMetrics(opts.Metrics),
		session.WithMaxPromptLength(cfg.MaxSystemPromptLength),
		session.WithDefaultTools(s.defaultTools),
	)
	s.streams = stream.NewCoordinator(s.sessions, s.hub,
		stream.WithLogger(logger), stream.WithMetrics(opts.Metrics))

	pipelines := opts.Pipelines
	if pipelines == nil {
		pipelines, err = s.pipelineRunner()
		if err != nil {
			_ = s.closeStores()
			return nil, err
		}
	}
	reader := repo.NewReader(cfg.Repo.DefaultPath, int64(cfg.Repo.ReadMaxBytes))

	s.orch = orchestrator.New(orchestrator.Deps{
		Sessions:     s.sessions,
		Policy:       s.classifier,
		Capabilities: s.caps,
		Health:       s.poller,
		Gating:       s.gating,
		Queue:        s.queue,
		Emitter:      s.emitter,
		Streams:      s.streams,
		Pipelines:    pipelines,
		Files:        reader,
		Search:       reader,
		Entities:     reader,
		Sidecar:      s.client,
		Changes:      s.client,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(opts.Metrics),
		orchestrator.WithTracer(tracer),
		orchestrator.WithReplay(cfg.Stream.ReplayChunkSize, cfg.Stream.ReplayChunkDelay),
		orchestrator.WithReadLimit(int64(cfg.Repo.ReadMaxBytes)),
	)
	s.sessions.SetApprovalEffect(s.orch)

	return s, nil
}

func (s *Service) pipelineRunner() (orchestrator.PipelineRunner, error) {
	if s.cfg.Pipeline.Runner != "docker" {
		return s.client, nil
	}
	runner, err := sandbox.NewDockerRunner(sandbox.Config{
		Image:   s.cfg.Pipeline.SandboxImage,
		Runtime: s.cfg.Pipeline.SandboxRuntime,
		Timeout: s.cfg.Pipeline.Timeout,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("create pipeline sandbox: %w", err)
	}
	return runner, nil
}

// defaultTools is the tool set of sessions created without one: the
// enabled manifest entries, or the built-in table before any manifest.
func (s *Service) defaultTools() []string {
	if snap, ok := s.caps.Snapshot(); ok {
		if ids := snap.EnabledIDs(); len(ids) > 0 {
			sort.Strings(ids)
			return ids
		}
	}
	table := policy.BuiltinTable()
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) onHealthTransition(tr health.Transition) {
	if tr.Reminder {
		s.logger.Warn("Sidecar still unavailable", "status", tr.To, "message", tr.Snapshot.Message)
	} else {
		s.logger.Info("Sidecar health changed", "from", tr.From, "to", tr.To, "message", tr.Snapshot.Message)
	}
	s.hub.Publish(stream.Event{
		Type: stream.EventHealth,
		Data: map[string]any{
			"from":     tr.From,
			"to":       tr.To,
			"reminder": tr.Reminder,
			"snapshot": tr.Snapshot,
		},
	})
}

// onQueueEvent runs under the queue lock; it must not call back into the
// queue.
func (s *Service) onQueueEvent(ev queue.Event) {
	attrs := map[string]any{
		"taskId":  ev.TaskID,
		"kind":    string(ev.Kind),
		"running": ev.Running,
		"waiting": ev.Waiting,
	}
	te := domain.TelemetryEvent{
		Kind:         domain.KindQueue,
		SessionID:    ev.Metadata["sessionId"],
		ToolID:       ev.Metadata["toolId"],
		InvocationID: ev.Metadata["invocationId"],
		Phase:        string(ev.Status),
		Attributes:   attrs,
	}
	if ev.Duration > 0 {
		te.DurationMs = domain.DurationPtr(ev.Duration)
	}
	if ev.Err != nil {
		ne := shared.Normalize(ev.Err)
		te.ErrorCode = string(ne.Code)
		te.ErrorMessage = ne.Message
	}
	s.emitter.Emit(te)
	s.metrics.QueueTransition(string(ev.Kind), string(ev.Status), ev.Running, ev.Waiting)
	s.hub.Publish(stream.Event{
		Type:      stream.EventQueue,
		SessionID: te.SessionID,
		Data:      attrs,
	})
}

// Run starts the background loops and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	sched, err := newScheduler(s.logger,
		job{
			name:    "capability-refresh",
			spec:    s.cfg.Capability.RefreshCron,
			timeout: s.cfg.Sidecar.Timeout,
			run: func(ctx context.Context) error {
				_, err := s.RefreshCapabilities(ctx)
				return err
			},
		},
		job{
			name: "telemetry-prune",
			spec: s.cfg.Telemetry.PruneCron,
			run: func(ctx context.Context) error {
				n, err := s.emitter.Prune(ctx, s.cfg.Telemetry.Retention)
				if err == nil && n > 0 {
					s.logger.Info("Pruned telemetry events", "count", n)
				}
				return err
			},
		},
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	s.poller.Start(gctx)
	sched.Start()

	if s.cfg.Gating.Watch {
		g.Go(func() error {
			if err := s.gating.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Gating watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		refreshCtx, cancel := context.WithTimeout(gctx, s.cfg.Sidecar.Timeout)
		defer cancel()
		if _, err := s.RefreshCapabilities(refreshCtx); err != nil {
			s.logger.Warn("Initial capability refresh failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.poller.Stop()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
		return nil
	})

	return g.Wait()
}

// Close drains the queue and flushes telemetry and transcripts.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown queue: %w", err))
	}
	if s.unsubscribeQueue != nil {
		s.unsubscribeQueue()
	}
	if err := s.emitter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close telemetry: %w", err))
	}
	if err := s.transcript.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transcript: %w", err))
	}
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Service) closeStores() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close telemetry store: %w", err))
		}
		s.store = nil
	}
	if s.grpcProbe != nil {
		if err := s.grpcProbe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close grpc probe: %w", err))
		}
		s.grpcProbe = nil
	}
	return errors.Join(errs...)
}

// Sessions

// CreateSession starts a conversation.
func (s *Service) CreateSession(ctx context.Context, req session.CreateRequest) (*domain.AssistantSession, error) {
	return s.sessions.CreateSession(ctx, req)
}

// GetSession returns a snapshot of the session.
func (s *Service) GetSession(id string) (*domain.AssistantSession, error) {
	return s.sessions.Get(id)
}

// ListSessions returns all sessions, newest first.
func (s *Service) ListSessions() []*domain.AssistantSession {
	return s.sessions.List()
}

// DeleteSession cancels the session's streams and forgets it.
func (s *Service) DeleteSession(id string) error {
	s.streams.CancelSession(id)
	return s.sessions.Delete(id)
}

// SetActiveTools replaces the session's tool set.
func (s *Service) SetActiveTools(id string, tools []string) (*domain.AssistantSession, error) {
	return s.sessions.SetActiveTools(id, tools)
}

// Tools

// ExecuteTool runs one tool call. A rejected or failed call is reported in
// the result, never as a Go error.
func (s *Service) ExecuteTool(ctx context.Context, req orchestrator.Request) orchestrator.Result {
	res := s.orch.ExecuteTool(ctx, req)
	if res.Telemetry.PendingActionID != "" {
		s.hub.Publish(stream.Event{
			Type:      stream.EventApproval,
			SessionID: req.SessionID,
			Data: map[string]any{
				"actionId": res.Telemetry.PendingActionID,
				"toolId":   req.ToolID,
				"state":    domain.ApprovalPending,
			},
		})
	}
	return res
}

// PendingActions lists the session's actions awaiting a decision.
func (s *Service) PendingActions(id string) ([]domain.PendingAction, error) {
	return s.sessions.PendingActions(id)
}

// ResolvePendingAction approves or rejects an action.
func (s *Service) ResolvePendingAction(ctx context.Context, id, actionID, decision, note string) (domain.PendingAction, error) {
	action, err := s.sessions.ResolvePendingAction(ctx, id, actionID, decision, note)
	if err != nil {
		return action, err
	}
	s.hub.Publish(stream.Event{
		Type:      stream.EventApproval,
		SessionID: id,
		Data: map[string]any{
			"actionId": action.ID,
			"toolId":   action.ToolID,
			"state":    action.ApprovalState,
		},
	})
	return action, nil
}

// CancelTask withdraws a queued task.
func (s *Service) CancelTask(id string) error {
	err := s.queue.Cancel(id)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		return shared.Errorf(shared.CodeValidationError, "unknown task %s", id)
	case errors.Is(err, queue.ErrTaskRunning):
		return shared.Errorf(shared.CodeValidationError, "task %s is already running", id)
	}
	return err
}

// QueueStats reports queue occupancy.
func (s *Service) QueueStats() queue.Stats {
	return s.queue.Stats()
}

// Messages

// MessageAck describes how a user message was accepted.
type MessageAck struct {
	Deferred bool                 `json:"deferred"`
	StreamID string               `json:"streamId,omitempty"`
	TurnID   string               `json:"turnId,omitempty"`
	Task     *domain.TaskEnvelope `json:"task,omitempty"`
}

// DispatchMessage sends a message and waits for the sidecar's envelope.
func (s *Service) DispatchMessage(ctx context.Context, id, content, mode string) (MessageAck, error) {
	env, err := s.sessions.DispatchMessage(ctx, id, content, mode)
	if err != nil {
		return MessageAck{}, err
	}
	return MessageAck{Deferred: env == nil && !s.poller.CanExecuteRisky(), Task: env}, nil
}

// SendMessage records a user message and streams the reply into a new
// assistant turn. While the backend is unhealthy the message is deferred
// instead.
func (s *Service) SendMessage(ctx context.Context, id, content, mode string) (MessageAck, error) {
	if !s.poller.CanExecuteRisky() {
		if _, err := s.sessions.DispatchMessage(ctx, id, content, mode); err != nil {
			return MessageAck{}, err
		}
		return MessageAck{Deferred: true}, nil
	}

	mode, err := session.NormalizeMode(mode)
	if err != nil {
		return MessageAck{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return MessageAck{}, shared.NewError(shared.CodeValidationError, "message content is required")
	}
	if _, err := s.sessions.AppendUserTurn(id, content, domain.TurnMetadata{Mode: mode}); err != nil {
		return MessageAck{}, err
	}
	backendID, err := s.sessions.BackendSessionID(ctx, id)
	if err != nil || backendID == "" {
		if err == nil {
			err = shared.NewError(shared.CodeBackendUnavailable, "session has no sidecar counterpart")
		}
		if _, aerr := s.sessions.AppendError(id, err, ""); aerr != nil {
			return MessageAck{}, aerr
		}
		return MessageAck{}, err
	}

	turn, err := s.sessions.BeginStreamingTurn(id, domain.TurnMetadata{Mode: mode})
	if err != nil {
		return MessageAck{}, err
	}
	st := s.streams.Open(id, turn.ID, false)
	go func() {
		seq := tokens(s.client.StreamMessage(st.Context(), backendID, content, mode))
		if err := s.streams.Pump(st.Context(), st, seq); err != nil {
			s.logger.Warn("Message stream failed", "session_id", id, "stream_id", st.ID, "error", err)
		}
	}()
	return MessageAck{StreamID: st.ID, TurnID: turn.ID}, nil
}

// tokens narrows the sidecar event stream to its token payloads.
func tokens(events iter.Seq2[backend.StreamEvent, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for ev, err := range events {
			if err != nil {
				yield("", err)
				return
			}
			if ev.Type != backend.EventToken {
				continue
			}
			if !yield(ev.Token, nil) {
				return
			}
		}
	}
}

// FlushDeferred sends the session's deferred messages.
func (s *Service) FlushDeferred(ctx context.Context, id string) (int, error) {
	return s.sessions.FlushDeferred(ctx, id)
}

// CancelStream stops a stream. Cancelling an unknown or finished stream is
// not an error.
func (s *Service) CancelStream(streamID string) bool {
	return s.streams.Cancel(streamID)
}

// Subscribe registers a UI event subscriber.
func (s *Service) Subscribe(buffer int) (<-chan stream.Event, func()) {
	return s.hub.Subscribe(buffer)
}

// EventsSince returns retained events after id.
func (s *Service) EventsSince(id int64) []stream.Event {
	return s.hub.Since(id)
}

// Telemetry and status

// ListTelemetry returns recent events. Persisted history is consulted when
// the filter reaches past the in-memory log.
func (s *Service) ListTelemetry(ctx context.Context, filter store.Filter, persisted bool) ([]domain.TelemetryEvent, error) {
	if persisted && s.store != nil {
		return s.emitter.ListPersisted(ctx, filter)
	}
	return s.emitter.List(filter), nil
}

// Capabilities returns the cached manifest, fetching it if needed.
func (s *Service) Capabilities(ctx context.Context) (capability.Snapshot, error) {
	return s.caps.Fetch(ctx)
}

// RefreshCapabilities refetches the manifest and rebuilds the safety table.
func (s *Service) RefreshCapabilities(ctx context.Context) (capability.Snapshot, error) {
	snap, err := s.caps.Refresh(ctx)
	if err != nil {
		s.classifier.Reset()
		return snap, err
	}
	s.classifier.Apply(snap.Profile)
	s.logger.Debug("Capabilities refreshed", "profile_id", snap.Profile.ProfileID, "source", s.classifier.Source())
	return snap, nil
}

// Classify reports a tool's safety class.
func (s *Service) Classify(toolID string) policy.Class {
	return s.classifier.Classify(toolID)
}

// Health returns the latest health snapshot.
func (s *Service) Health() domain.HealthSnapshot {
	return s.poller.Snapshot()
}

// Gating returns the current gating artifact.
func (s *Service) Gating() domain.GatingStatus {
	return s.gating.Current()
}

// ReloadGating re-reads the gating artifact.
func (s *Service) ReloadGating() domain.GatingStatus {
	return s.gating.Reload()
}

// Ping checks the telemetry store.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}
