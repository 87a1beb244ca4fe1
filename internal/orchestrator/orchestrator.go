// Package orchestrator executes tool calls: it gates them on health,
// capabilities and approval, runs them through the concurrency queue, and
// records the outcome in telemetry and the conversation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/backend"
	"github.com/ashureev/contextkit-core/internal/capability"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/observability"
	"github.com/ashureev/contextkit-core/internal/policy"
	"github.com/ashureev/contextkit-core/internal/queue"
	"github.com/ashureev/contextkit-core/internal/repo"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/ashureev/contextkit-core/internal/stream"
	"github.com/ashureev/contextkit-core/internal/tools"
	"github.com/google/uuid"
)

// Sessions is the session manager surface used by the orchestrator.
type Sessions interface {
	Get(id string) (*domain.AssistantSession, error)
	AppendUserTurn(id, content string, meta domain.TurnMetadata) (domain.ConversationTurn, error)
	AppendAssistantResponse(id, content, finishReason string, meta domain.TurnMetadata) (domain.ConversationTurn, error)
	AppendError(id string, err error, toolID string) (domain.ConversationTurn, error)
	AddPendingAction(id string, action domain.PendingAction) (domain.PendingAction, error)
	BackendSessionID(ctx context.Context, id string) (string, error)
}

// Policy classifies tools and checks approval.
type Policy interface {
	Classify(toolID string) policy.Class
	ValidateInvocation(toolID string, approval policy.Approval, gating domain.GatingStatus) error
	MinReasonLength() int
}

// Capabilities is the cached manifest.
type Capabilities interface {
	Allows(id string, safe bool) bool
	Snapshot() (capability.Snapshot, bool)
}

// Health reports whether non-safe tools may run.
type Health interface {
	CanExecuteRisky() bool
}

// Gating provides the current enforcement artifact.
type Gating interface {
	Current() domain.GatingStatus
}

// Queue bounds concurrent executions.
type Queue interface {
	Enqueue(kind queue.Kind, action queue.Action, metadata map[string]string) (*queue.Task, error)
	Cancel(taskID string) error
}

// Emitter records telemetry.
type Emitter interface {
	Emit(ev domain.TelemetryEvent) domain.TelemetryEvent
}

// Replayer plays text back to the UI as a token stream.
type Replayer interface {
	Replay(ctx context.Context, sessionID, turnID, text string, chunkSize int, delay time.Duration) *stream.Stream
}

// PipelineRunner runs allowlisted pipelines, through the sidecar or a
// local sandbox.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, sessionID, repoPath string, req backend.PipelineRequest) (*backend.PipelineResult, error)
}

// FileReader reads files from a context repository.
type FileReader interface {
	ReadFile(ctx context.Context, repoPath, rel string, maxBytes int64) (*repo.FileContent, error)
}

// Searcher searches repository entities.
type Searcher interface {
	Search(ctx context.Context, repoPath, query, entityType string, limit int) ([]repo.SearchHit, error)
}

// EntityLookup loads one entity.
type EntityLookup interface {
	Entity(ctx context.Context, repoPath, id, entityType string) (*repo.Entity, error)
}

// ToolExecutor runs tools on the sidecar.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, sessionID string, req backend.ExecuteToolRequest) (*backend.ExecuteToolResponse, error)
}

// ChangeProposer prepares pull requests from proposed changes.
type ChangeProposer interface {
	PreparePR(ctx context.Context, sessionID string, req backend.PRRequest) (map[string]any, error)
}

// Deps are the collaborators an Orchestrator needs. Dispatch targets may
// be nil; tools routed to a nil target fail with BackendUnavailable.
type Deps struct {
	Sessions     Sessions
	Policy       Policy
	Capabilities Capabilities
	Health       Health
	Gating       Gating
	Queue        Queue
	Emitter      Emitter
	Streams      Replayer

	Pipelines PipelineRunner
	Files     FileReader
	Search    Searcher
	Entities  EntityLookup
	Sidecar   ToolExecutor
	Changes   ChangeProposer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

// WithReplay sets the chunking of simulated token replays.
func WithReplay(chunkSize int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.chunkSize = chunkSize
		o.chunkDelay = delay
	}
}

// WithReadLimit caps context.read when the call gives no maxBytes.
func WithReadLimit(n int64) Option { return func(o *Orchestrator) { o.readLimit = n } }

// Orchestrator dispatches tool calls.
type Orchestrator struct {
	deps       Deps
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	chunkSize  int
	chunkDelay time.Duration
	readLimit  int64
	now        func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:       deps,
		logger:     slog.Default(),
		tracer:     observability.NoopTracer(),
		chunkSize:  stream.DefaultChunkSize,
		chunkDelay: 15 * time.Millisecond,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request is one tool invocation.
type Request struct {
	SessionID  string          `json:"sessionId"`
	ToolID     string          `json:"toolId"`
	RepoPath   string          `json:"repoPath,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Approval   policy.Approval `json:"approval"`
}

// Link ties a result to its telemetry and side channels.
type Link struct {
	InvocationID    string `json:"invocationId,omitempty"`
	TaskID          string `json:"taskId,omitempty"`
	StreamID        string `json:"streamId,omitempty"`
	PendingActionID string `json:"pendingActionId,omitempty"`
}

// Result is the normalized outcome of ExecuteTool.
type Result struct {
	OK        bool          `json:"ok"`
	Result    any           `json:"result,omitempty"`
	Error     *shared.Error `json:"error,omitempty"`
	Telemetry Link          `json:"telemetry"`
}

// Err returns the result's error as an error value, or nil.
func (r Result) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// ExecuteTool runs one tool call. Policy rejections return before any
// telemetry is recorded; everything after the invoked event is recorded as
// completed or failed. Failures never escape as raw errors.
func (o *Orchestrator) ExecuteTool(ctx context.Context, req Request) Result {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ExecuteTool",
		"tool_id", req.ToolID, "session_id", req.SessionID)
	res := o.execute(ctx, req)
	observability.EndSpan(span, res.Err())
	return res
}

func (o *Orchestrator) execute(ctx context.Context, req Request) Result {
	req.ToolID = strings.TrimSpace(req.ToolID)
	if strings.TrimSpace(req.SessionID) == "" {
		return failure(shared.NewError(shared.CodeValidationError, "session id is required"))
	}
	if req.ToolID == "" {
		return failure(shared.NewError(shared.CodeValidationError, "tool id is required"))
	}
	sess, err := o.deps.Sessions.Get(req.SessionID)
	if err != nil {
		return failure(shared.Normalize(err))
	}
	if req.RepoPath == "" && sess.TelemetryContext != nil {
		req.RepoPath = sess.TelemetryContext["repoPath"]
	}

	if link, err := o.admit(req); err != nil {
		o.reject(req, err)
		res := failure(shared.Normalize(err))
		res.Telemetry = link
		return res
	}

	invocationID := uuid.NewString()
	start := o.now()
	o.emit(req, invocationID, domain.PhaseInvoked, nil, nil)

	if req.ToolID == tools.ToolContextRead {
		o.appendReadRequest(req)
	}

	kind := queue.KindTool
	if tools.IsPipeline(req.ToolID) {
		kind = queue.KindPipeline
	}
	task, err := o.deps.Queue.Enqueue(kind, func(taskCtx context.Context) (any, error) {
		runCtx, cancel := joinCancel(ctx, taskCtx)
		defer cancel()
		return o.dispatch(runCtx, req)
	}, map[string]string{
		"sessionId":    req.SessionID,
		"toolId":       req.ToolID,
		"invocationId": invocationID,
	})

	var out any
	link := Link{InvocationID: invocationID}
	if err == nil {
		link.TaskID = task.ID
		out, err = task.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			// A task still waiting for a slot is withdrawn; a running one
			// stops through its joined context.
			if cerr := o.deps.Queue.Cancel(task.ID); cerr == nil {
				o.logger.Info("Withdrew queued tool call", "session_id", req.SessionID, "tool_id", req.ToolID, "task_id", task.ID)
			}
		}
	}
	elapsed := o.now().Sub(start)

	if err != nil {
		ne := shared.Normalize(err)
		o.emit(req, invocationID, domain.PhaseFailed, domain.DurationPtr(elapsed), ne)
		o.metrics.ToolFinished(req.ToolID, "failed", elapsed)
		o.logger.Warn("Tool execution failed",
			"session_id", req.SessionID, "tool_id", req.ToolID, "code", ne.Code, "error", ne.Message)
		if _, terr := o.deps.Sessions.AppendError(req.SessionID, ne, req.ToolID); terr != nil {
			o.logger.Warn("Failed to record tool failure", "session_id", req.SessionID, "error", terr)
		}
		return Result{Error: ne, Telemetry: link}
	}

	o.emit(req, invocationID, domain.PhaseCompleted, domain.DurationPtr(elapsed), nil)
	o.metrics.ToolFinished(req.ToolID, "completed", elapsed)
	o.logger.Info("Tool execution completed",
		"session_id", req.SessionID, "tool_id", req.ToolID, "duration_ms", elapsed.Milliseconds())

	if fc, ok := out.(*repo.FileContent); ok {
		link.StreamID = o.summarizeRead(ctx, req, fc)
	}
	return Result{OK: true, Result: out, Telemetry: link}
}

// admit runs the health, capability and approval gates.
func (o *Orchestrator) admit(req Request) (Link, error) {
	class := o.deps.Policy.Classify(req.ToolID)
	safe := class == policy.Safe

	if !safe && o.deps.Health != nil && !o.deps.Health.CanExecuteRisky() {
		return Link{}, shared.Errorf(shared.CodeBackendUnavailable,
			"%s is %s and the backend is unhealthy", req.ToolID, class)
	}

	if o.deps.Capabilities != nil && !o.deps.Capabilities.Allows(req.ToolID, safe) {
		snap, ok := o.deps.Capabilities.Snapshot()
		if !ok || snap.Stale {
			return Link{}, shared.Errorf(shared.CodeBackendUnavailable,
				"capability manifest is unavailable; %s cannot run", req.ToolID)
		}
		return Link{}, shared.Errorf(shared.CodeGatingBlocked, "capability %s is not enabled", req.ToolID).
			WithUserMessage(fmt.Sprintf("%s is disabled in the current capability profile.", req.ToolID))
	}

	gating := domain.DefaultGatingStatus()
	if o.deps.Gating != nil {
		gating = o.deps.Gating.Current()
	}
	err := o.deps.Policy.ValidateInvocation(req.ToolID, req.Approval, gating)
	if err == nil || !shared.IsCode(err, shared.CodeApprovalRequired) {
		return Link{}, err
	}

	action, perr := o.deps.Sessions.AddPendingAction(req.SessionID, o.pendingFor(req))
	if perr != nil {
		o.logger.Warn("Failed to queue pending action", "session_id", req.SessionID, "error", perr)
		return Link{}, err
	}
	return Link{PendingActionID: action.ID}, err
}

func (o *Orchestrator) pendingFor(req Request) domain.PendingAction {
	action := domain.PendingAction{
		ToolID:     req.ToolID,
		RepoPath:   req.RepoPath,
		Reason:     strings.TrimSpace(req.Approval.Reason),
		Parameters: append(json.RawMessage(nil), req.Parameters...),
	}
	if p, err := tools.Decode(req.ToolID, req.Parameters); err == nil {
		if cs, ok := p.(tools.ChangeParams); ok {
			action.Changes = cs.ProposedChanges()
		}
		if set, ok := p.(tools.ChangeSet); ok {
			action.Title = set.Title
		}
	}
	return action
}

// reject records a policy rejection as a conversation turn. No telemetry
// is emitted for rejected calls.
func (o *Orchestrator) reject(req Request, err error) {
	ne := shared.Normalize(err)
	o.metrics.ToolFinished(req.ToolID, "rejected", 0)
	o.logger.Info("Tool call rejected", "session_id", req.SessionID, "tool_id", req.ToolID, "code", ne.Code)
	if _, terr := o.deps.Sessions.AppendError(req.SessionID, ne, req.ToolID); terr != nil {
		o.logger.Warn("Failed to record rejection", "session_id", req.SessionID, "error", terr)
	}
}

func (o *Orchestrator) emit(req Request, invocationID, phase string, d *int64, ne *shared.Error) {
	if o.deps.Emitter == nil {
		return
	}
	ev := domain.TelemetryEvent{
		Kind:         domain.KindTool,
		SessionID:    req.SessionID,
		ToolID:       req.ToolID,
		InvocationID: invocationID,
		Phase:        phase,
		DurationMs:   d,
		RepoPath:     req.RepoPath,
		Parameters:   req.Parameters,
	}
	if ne != nil {
		ev.ErrorCode = string(ne.Code)
		ev.ErrorMessage = ne.Message
	}
	o.deps.Emitter.Emit(ev)
}

// dispatch decodes the parameters and calls the collaborator for the tool.
func (o *Orchestrator) dispatch(ctx context.Context, req Request) (any, error) {
	params, err := tools.Decode(req.ToolID, req.Parameters)
	if err != nil {
		return nil, err
	}

	switch p := params.(type) {
	case tools.PipelineParams:
		return o.runPipeline(ctx, req, p)
	case tools.ContextRead:
		if o.deps.Files == nil {
			return nil, unavailable("file reader")
		}
		limit := p.MaxBytes
		if limit <= 0 {
			limit = o.readLimit
		}
		return o.deps.Files.ReadFile(ctx, req.RepoPath, p.Path, limit)
	case tools.ContextSearch:
		if o.deps.Search == nil {
			return nil, unavailable("search")
		}
		hits, err := o.deps.Search.Search(ctx, req.RepoPath, p.Query, p.EntityType, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"query": p.Query, "results": hits, "count": len(hits)}, nil
	case tools.EntityDetails:
		if o.deps.Entities == nil {
			return nil, unavailable("entity lookup")
		}
		return o.deps.Entities.Entity(ctx, req.RepoPath, p.ID, p.EntityType)
	case tools.ChangeParams:
		return o.proposeChanges(ctx, req, p)
	default:
		return o.sidecarTool(ctx, req)
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, req Request, p tools.PipelineParams) (any, error) {
	if o.deps.Pipelines == nil {
		return nil, unavailable("pipeline runner")
	}
	name, args := p.Pipeline()
	sid := o.backendSession(ctx, req.SessionID)
	result, err := o.deps.Pipelines.RunPipeline(ctx, sid, req.RepoPath, backend.PipelineRequest{Pipeline: name, Args: args})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		msg := strings.TrimSpace(result.Error)
		if msg == "" {
			msg = fmt.Sprintf("exited with code %d", result.ExitCode)
		}
		return nil, shared.Errorf(shared.CodeToolExecutionFailed, "pipeline %s failed: %s", name, msg)
	}
	return result, nil
}

func (o *Orchestrator) proposeChanges(ctx context.Context, req Request, p tools.ChangeParams) (any, error) {
	if o.deps.Changes == nil {
		return nil, unavailable("change proposer")
	}
	title, description := "Apply assistant changes", ""
	if set, ok := p.(tools.ChangeSet); ok {
		if set.Title != "" {
			title = set.Title
		}
		description = set.Description
	}
	return o.deps.Changes.PreparePR(ctx, o.backendSession(ctx, req.SessionID), backend.PRRequest{
		RepoPath:    req.RepoPath,
		Title:       title,
		Description: description,
		Changes:     p.ProposedChanges(),
	})
}

func (o *Orchestrator) sidecarTool(ctx context.Context, req Request) (any, error) {
	if o.deps.Sidecar == nil {
		return nil, unavailable("sidecar")
	}
	params := req.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	resp, err := o.deps.Sidecar.ExecuteTool(ctx, o.backendSession(ctx, req.SessionID), backend.ExecuteToolRequest{
		ToolID:     req.ToolID,
		RepoPath:   req.RepoPath,
		Parameters: params,
	})
	if err != nil {
		return nil, err
	}
	if resp.Task.Status == domain.TaskFailed {
		msg := resp.Task.Text()
		if msg == "" {
			msg = "sidecar reported failure"
		}
		return nil, shared.Errorf(shared.CodeToolExecutionFailed, "%s: %s", req.ToolID, msg)
	}
	if resp.Result != nil {
		return resp.Result, nil
	}
	return resp.Task, nil
}

// backendSession returns the sidecar session id, falling back to the local
// id for runners that do not need a sidecar counterpart.
func (o *Orchestrator) backendSession(ctx context.Context, id string) string {
	sid, err := o.deps.Sessions.BackendSessionID(ctx, id)
	if err != nil || sid == "" {
		return id
	}
	return sid
}

func unavailable(what string) error {
	return shared.Errorf(shared.CodeBackendUnavailable, "no %s is configured", what)
}

func failure(err *shared.Error) Result {
	return Result{Error: err}
}

// joinCancel derives a context from a that is also cancelled when b is.
func joinCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// ApplyApproval is the side effect of an approved pending action. Actions
// carrying changes become a pull request; anything else re-runs the tool
// with the approval granted.
func (o *Orchestrator) ApplyApproval(ctx context.Context, action domain.PendingAction) (map[string]any, error) {
	if len(action.Changes) > 0 {
		if o.deps.Changes == nil {
			return nil, unavailable("change proposer")
		}
		title := action.Title
		if title == "" {
			title = "Apply approved changes"
		}
		return o.deps.Changes.PreparePR(ctx, o.backendSession(ctx, action.SessionID), backend.PRRequest{
			RepoPath:    action.RepoPath,
			Title:       title,
			Description: action.Reason,
			Changes:     action.Changes,
		})
	}

	res := o.ExecuteTool(ctx, Request{
		SessionID:  action.SessionID,
		ToolID:     action.ToolID,
		RepoPath:   action.RepoPath,
		Parameters: action.Parameters,
		Approval:   policy.Approval{Provided: true, Reason: approvalReason(action, o.deps.Policy.MinReasonLength())},
	})
	if !res.OK {
		if res.Error == nil {
			return nil, errors.New("tool execution failed")
		}
		return nil, res.Error
	}
	return map[string]any{
		"invocationId": res.Telemetry.InvocationID,
		"result":       res.Result,
	}, nil
}

// approvalReason is the justification replayed with an approved action: the
// caller's own reason when it is long enough, otherwise one naming the action.
func approvalReason(a domain.PendingAction, minLen int) string {
	reason := strings.TrimSpace(a.Reason)
	if reason != "" && len([]rune(reason)) >= minLen {
		return reason
	}
	fallback := "approved pending action " + a.ID
	if n := len([]rune(fallback)); n < minLen {
		fallback += " " + strings.Repeat(".", minLen-n-1)
	}
	return fallback
}
