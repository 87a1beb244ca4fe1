package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/contextkit-core/internal/backend"
	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/gating"
	"github.com/ashureev/contextkit-core/internal/policy"
	"github.com/ashureev/contextkit-core/internal/queue"
	"github.com/ashureev/contextkit-core/internal/repo"
	"github.com/ashureev/contextkit-core/internal/session"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/ashureev/contextkit-core/internal/stream"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.TelemetryEvent
}

func (r *recordingEmitter) Emit(ev domain.TelemetryEvent) domain.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return ev
}

func (r *recordingEmitter) phases(kind domain.EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func (r *recordingEmitter) last() domain.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type staticHealth bool

func (h staticHealth) CanExecuteRisky() bool { return bool(h) }

type fakePipelines struct {
	calls  atomic.Int32
	result *backend.PipelineResult
}

func (f *fakePipelines) RunPipeline(_ context.Context, _, _ string, req backend.PipelineRequest) (*backend.PipelineResult, error) {
	f.calls.Add(1)
	if f.result != nil {
		return f.result, nil
	}
	return &backend.PipelineResult{Success: true, Output: "ran " + req.Pipeline}, nil
}

type fakeProposer struct {
	mu    sync.Mutex
	calls []backend.PRRequest
	err   error
}

func (f *fakeProposer) PreparePR(_ context.Context, _ string, req backend.PRRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"branch": "contextkit/changes"}, nil
}

func (f *fakeProposer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

const readme = "# Context repo\n\nHello."

type harness struct {
	orch      *Orchestrator
	sessions  *session.Manager
	emitter   *recordingEmitter
	streams   *stream.Coordinator
	pipelines *fakePipelines
	proposer  *fakeProposer
	queue     *queue.Manager
	repoDir   string
}

type harnessOpts struct {
	healthy    bool
	enforced   bool
	minReason  int
	queueLimit int
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0644); err != nil {
		t.Fatalf("write README: %v", err)
	}

	em := &recordingEmitter{}
	sessions := session.NewManager(session.WithEmitter(em))
	streams := stream.NewCoordinator(sessions, nil)
	limit := ho.queueLimit
	if limit == 0 {
		limit = 3
	}
	q := queue.NewManager(limit)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})

	h := &harness{
		sessions:  sessions,
		emitter:   em,
		streams:   streams,
		pipelines: &fakePipelines{},
		proposer:  &fakeProposer{},
		queue:     q,
		repoDir:   dir,
	}
	minReason := ho.minReason
	if minReason == 0 {
		minReason = policy.DefaultMinReasonLength
	}
	reader := repo.NewReader(dir, 0)
	h.orch = New(Deps{
		Sessions:  sessions,
		Policy:    policy.NewClassifier(nil, minReason),
		Health:    staticHealth(ho.healthy),
		Gating:    gating.Static(domain.GatingStatus{ClassificationEnforced: ho.enforced}),
		Queue:     q,
		Emitter:   em,
		Streams:   streams,
		Pipelines: h.pipelines,
		Files:     reader,
		Search:    reader,
		Entities:  reader,
		Changes:   h.proposer,
	}, WithReplay(stream.DefaultChunkSize, 0))
	sessions.SetApprovalEffect(h.orch)
	return h
}

func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	s, err := h.sessions.CreateSession(context.Background(), session.CreateRequest{
		ActiveTools: []string{"context.read", "pipeline.run"},
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return s.ID
}

func TestContextReadScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	sid := h.newSession(t)
	events, unsubscribe := h.streams.Hub().Subscribe(64)
	defer unsubscribe()

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "context.read",
		Parameters: json.RawMessage(`{"path":"README.md"}`),
	})
	if !res.OK {
		t.Fatalf("context.read failed: %+v", res.Error)
	}
	fc, ok := res.Result.(*repo.FileContent)
	if !ok || fc.Size != int64(len(readme)) {
		t.Fatalf("unexpected result: %#v", res.Result)
	}
	if got := h.emitter.phases(domain.KindTool); strings.Join(got, ",") != "invoked,completed" {
		t.Fatalf("tool phases = %v", got)
	}
	if res.Telemetry.StreamID == "" || res.Telemetry.InvocationID == "" {
		t.Fatalf("missing telemetry links: %+v", res.Telemetry)
	}

	sess, _ := h.sessions.Get(sid)
	if len(sess.Turns) != 2 {
		t.Fatalf("want synthetic user turn and summary, got %d turns", len(sess.Turns))
	}
	if sess.Turns[0].Role != domain.RoleUser || !strings.HasPrefix(sess.Turns[0].Content, "Read README.md") {
		t.Fatalf("unexpected user turn: %+v", sess.Turns[0])
	}
	summary := sess.Turns[1]
	if summary.Role != domain.RoleAssistant || !strings.Contains(summary.Content, fmt.Sprintf("%d bytes", len(readme))) {
		t.Fatalf("summary should carry the byte size: %q", summary.Content)
	}

	var replayed strings.Builder
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.StreamID != res.Telemetry.StreamID {
				continue
			}
			switch ev.Type {
			case stream.EventToken:
				replayed.WriteString(ev.Token)
			case stream.EventCompleted:
				done = true
			}
		case <-deadline:
			t.Fatal("replay did not complete")
		}
	}
	if replayed.String() != summary.Content {
		t.Fatalf("replay mismatch:\n got %q\nwant %q", replayed.String(), summary.Content)
	}
}

func TestPipelineGenerateRequiresIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.generate",
		Parameters: json.RawMessage(`{"ids":[]}`),
	})
	if res.OK || res.Error == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error.Message, "one or more ids") {
		t.Fatalf("error should mention ids: %q", res.Error.Message)
	}
	if got := h.emitter.phases(domain.KindTool); strings.Join(got, ",") != "invoked,failed" {
		t.Fatalf("tool phases = %v", got)
	}
	if last := h.emitter.last(); last.ErrorCode != string(shared.CodeValidationError) || last.DurationMs == nil {
		t.Fatalf("failed event not normalized: %+v", last)
	}
	if h.pipelines.calls.Load() != 0 {
		t.Fatal("invalid parameters must not reach the runner")
	}
	sess, _ := h.sessions.Get(sid)
	if last := sess.Turns[len(sess.Turns)-1]; last.FinishReason != domain.FinishError {
		t.Fatalf("failure should append an error turn: %+v", last)
	}
}

func TestApprovalRequiredCreatesPendingAction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.run",
		Parameters: json.RawMessage(`{"pipeline":"validate"}`),
	})
	if res.Error == nil || res.Error.Code != shared.CodeApprovalRequired {
		t.Fatalf("expected APPROVAL_REQUIRED, got %+v", res.Error)
	}
	if res.Telemetry.PendingActionID == "" {
		t.Fatal("pending action id missing")
	}
	if got := h.emitter.phases(domain.KindTool); len(got) != 0 {
		t.Fatalf("rejected calls must not emit tool telemetry: %v", got)
	}
	pending, _ := h.sessions.PendingActions(sid)
	if len(pending) != 1 || pending[0].ToolID != "pipeline.run" {
		t.Fatalf("unexpected pending actions: %+v", pending)
	}

	res = h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.run",
		Parameters: json.RawMessage(`{"pipeline":"validate"}`),
		Approval:   policy.Approval{Provided: true, Reason: "nightly validation"},
	})
	if !res.OK || h.pipelines.calls.Load() != 1 {
		t.Fatalf("approved run failed: %+v", res.Error)
	}
}

func TestDestructiveBlockedWithoutEnforcement(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true, enforced: false})
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "context.delete",
		Parameters: json.RawMessage(`{"paths":["old.yaml"]}`),
		Approval:   policy.Approval{Provided: true, Reason: "remove stale entity"},
	})
	if res.Error == nil || res.Error.Code != shared.CodeGatingBlocked {
		t.Fatalf("expected GATING_BLOCKED, got %+v", res.Error)
	}
	if len(h.emitter.phases(domain.KindTool)) != 0 || h.proposer.count() != 0 {
		t.Fatal("blocked call must not emit telemetry or reach the backend")
	}
}

func TestUnhealthyBackendGatesRiskyTools(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: false})
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.run",
		Parameters: json.RawMessage(`{"pipeline":"validate"}`),
		Approval:   policy.Approval{Provided: true, Reason: "nightly validation"},
	})
	if res.Error == nil || res.Error.Code != shared.CodeBackendUnavailable {
		t.Fatalf("expected BACKEND_UNAVAILABLE, got %+v", res.Error)
	}
	if h.pipelines.calls.Load() != 0 {
		t.Fatal("no backend call may be attempted while unhealthy")
	}

	res = h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "context.read",
		Parameters: json.RawMessage(`{"path":"README.md"}`),
	})
	if !res.OK {
		t.Fatalf("safe tool should still run: %+v", res.Error)
	}
}

func TestValidationAndUnknownSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	ctx := context.Background()

	if res := h.orch.ExecuteTool(ctx, Request{ToolID: "context.read"}); res.Error.Code != shared.CodeValidationError {
		t.Fatalf("missing session id: %+v", res.Error)
	}
	sid := h.newSession(t)
	if res := h.orch.ExecuteTool(ctx, Request{SessionID: sid}); res.Error.Code != shared.CodeValidationError {
		t.Fatalf("missing tool id: %+v", res.Error)
	}
	if res := h.orch.ExecuteTool(ctx, Request{SessionID: "nope", ToolID: "context.read"}); res.Error.Code != shared.CodeSessionNotFound {
		t.Fatalf("unknown session: %+v", res.Error)
	}
}

func TestFailedPipelineIsToolFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	h.pipelines.result = &backend.PipelineResult{Success: false, ExitCode: 2, Error: "schema mismatch"}
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.validate",
		Parameters: json.RawMessage(`{}`),
	})
	if res.Error == nil || res.Error.Code != shared.CodeToolExecutionFailed || !strings.Contains(res.Error.Message, "schema mismatch") {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestApproveWithChangesPreparesPR(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	sid := h.newSession(t)
	action, err := h.sessions.AddPendingAction(sid, domain.PendingAction{
		ToolID:   "pr.prepare",
		RepoPath: h.repoDir,
		Changes:  []domain.FileChange{{Path: "README.md", Content: "# Updated"}},
	})
	if err != nil {
		t.Fatalf("AddPendingAction failed: %v", err)
	}

	resolved, err := h.sessions.ResolvePendingAction(context.Background(), sid, action.ID, "approve", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ApprovalState != domain.ApprovalApproved {
		t.Fatalf("state = %s", resolved.ApprovalState)
	}
	pending, _ := h.sessions.PendingActions(sid)
	if len(pending) != 0 {
		t.Fatalf("action still pending: %+v", pending)
	}
	if h.proposer.count() != 1 {
		t.Fatalf("PR preparation attempted %d times", h.proposer.count())
	}
	if got := h.proposer.calls[0]; got.RepoPath != h.repoDir || len(got.Changes) != 1 {
		t.Fatalf("unexpected PR request: %+v", got)
	}
}

func TestRejectSkipsSideEffect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	sid := h.newSession(t)
	action, err := h.sessions.AddPendingAction(sid, domain.PendingAction{
		ToolID:  "pr.prepare",
		Changes: []domain.FileChange{{Path: "README.md", Content: "# Updated"}},
	})
	if err != nil {
		t.Fatalf("AddPendingAction failed: %v", err)
	}

	resolved, err := h.sessions.ResolvePendingAction(context.Background(), sid, action.ID, "reject", "not now")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ApprovalState != domain.ApprovalRejected || h.proposer.count() != 0 {
		t.Fatalf("reject must not run the effect: state=%s calls=%d", resolved.ApprovalState, h.proposer.count())
	}
	if got := h.emitter.phases(domain.KindApproval); len(got) != 1 || got[0] != "rejected" {
		t.Fatalf("approval telemetry = %v", got)
	}
}

func TestApproveReplaysOriginalTool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true})
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.run",
		Parameters: json.RawMessage(`{"pipeline":"impact","args":{"entities":"svc-a"}}`),
	})
	if res.Telemetry.PendingActionID == "" {
		t.Fatalf("expected pending action, got %+v", res)
	}

	resolved, err := h.sessions.ResolvePendingAction(context.Background(), sid, res.Telemetry.PendingActionID, "approve", "ok")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if h.pipelines.calls.Load() != 1 {
		t.Fatalf("pipeline should run once on approval, ran %d", h.pipelines.calls.Load())
	}
	if resolved.Metadata["effectError"] != nil {
		t.Fatalf("unexpected effect error: %v", resolved.Metadata["effectError"])
	}
	if got := h.emitter.phases(domain.KindTool); strings.Join(got, ",") != "invoked,completed" {
		t.Fatalf("tool phases = %v", got)
	}
}

func TestApproveReplayUsesConfiguredReasonLength(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true, minReason: 20})
	sid := h.newSession(t)

	res := h.orch.ExecuteTool(context.Background(), Request{
		SessionID:  sid,
		ToolID:     "pipeline.run",
		Parameters: json.RawMessage(`{"pipeline":"validate"}`),
		Approval:   policy.Approval{Reason: "rebuild impact"},
	})
	if res.Telemetry.PendingActionID == "" {
		t.Fatalf("expected pending action, got %+v", res)
	}

	resolved, err := h.sessions.ResolvePendingAction(context.Background(), sid, res.Telemetry.PendingActionID, "approve", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.ApprovalState != domain.ApprovalApproved || resolved.Metadata["effectError"] != nil {
		t.Fatalf("unexpected resolution: state=%s effect=%v", resolved.ApprovalState, resolved.Metadata["effectError"])
	}
	if h.pipelines.calls.Load() != 1 {
		t.Fatalf("pipeline should run once on approval, ran %d", h.pipelines.calls.Load())
	}
	if pending, _ := h.sessions.PendingActions(sid); len(pending) != 0 {
		t.Fatalf("approval must not park a new action, got %d", len(pending))
	}
}

func TestApprovalReasonMeetsMinimum(t *testing.T) {
	t.Parallel()

	a := domain.PendingAction{ID: "act-1", Reason: "  short  "}
	for _, minLen := range []int{0, 5, 8, 40, 100} {
		got := approvalReason(a, minLen)
		if n := len([]rune(strings.TrimSpace(got))); n < minLen {
			t.Errorf("min %d: reason %q has %d characters", minLen, got, n)
		}
	}
	if got := approvalReason(a, 5); got != "short" {
		t.Errorf("long enough reason should be kept, got %q", got)
	}
}

func TestCallerTimeoutWithdrawsQueuedTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOpts{healthy: true, queueLimit: 1})
	sid := h.newSession(t)

	release := make(chan struct{})
	if _, err := h.queue.Enqueue(queue.KindTool, func(context.Context) (any, error) {
		<-release
		return nil, nil
	}, nil); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := h.orch.ExecuteTool(ctx, Request{
		SessionID:  sid,
		ToolID:     "context.read",
		Parameters: json.RawMessage(`{"path":"README.md"}`),
	})
	if res.OK {
		t.Fatal("call should fail when the caller gives up")
	}
	if stats := h.queue.Stats(); stats.Waiting != 0 {
		t.Fatalf("abandoned call left %d waiting tasks", stats.Waiting)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for h.queue.Stats().Running != 0 {
		if time.Now().After(deadline) {
			t.Fatal("blocking task did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.emitter.phases(domain.KindTool); strings.Join(got, ",") != "invoked,failed" {
		t.Fatalf("tool phases = %v", got)
	}
}

func TestReadSummary(t *testing.T) {
	t.Parallel()

	got := ReadSummary(&repo.FileContent{RepoRelativePath: "a.bin", Size: 4, Encoding: repo.EncodingBase64, Truncated: true})
	if !strings.HasPrefix(got, "Read a.bin (4 bytes, truncated)") || !strings.Contains(got, "Binary") {
		t.Fatalf("unexpected summary: %q", got)
	}
}
