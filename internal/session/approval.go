package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/google/uuid"
)

// ErrIllegalTransition is returned for approval state changes other than
// pending to approved or rejected.
var ErrIllegalTransition = errors.New("illegal approval transition")

// Decision is a human decision on a pending action.
type Decision string

// Decisions.
const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts approve/approved and reject/rejected.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return DecisionApprove, nil
	case "reject", "rejected":
		return DecisionReject, nil
	default:
		return "", shared.Errorf(shared.CodeValidationError, "decision must be approve or reject, got %q", s)
	}
}

func (d Decision) state() domain.ApprovalState {
	if d == DecisionApprove {
		return domain.ApprovalApproved
	}
	return domain.ApprovalRejected
}

// Transition validates an approval state change.
func Transition(from, to domain.ApprovalState) error {
	if from == domain.ApprovalPending && (to == domain.ApprovalApproved || to == domain.ApprovalRejected) {
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
}

// ApprovalEffect runs the side effect of an approved action, such as
// preparing a pull request for its changes.
type ApprovalEffect interface {
	ApplyApproval(ctx context.Context, action domain.PendingAction) (map[string]any, error)
}

// ApprovalEffectFunc adapts a function to ApprovalEffect.
type ApprovalEffectFunc func(ctx context.Context, action domain.PendingAction) (map[string]any, error)

// ApplyApproval implements ApprovalEffect.
func (f ApprovalEffectFunc) ApplyApproval(ctx context.Context, a domain.PendingAction) (map[string]any, error) {
	return f(ctx, a)
}

// AddPendingAction queues an action for a human decision.
func (m *Manager) AddPendingAction(id string, action domain.PendingAction) (domain.PendingAction, error) {
	if strings.TrimSpace(action.ToolID) == "" {
		return domain.PendingAction{}, shared.NewError(shared.CodeValidationError, "pending action needs a tool id")
	}
	err := m.with(id, func(s *domain.AssistantSession) error {
		if action.ID == "" {
			action.ID = uuid.NewString()
		}
		for _, p := range s.PendingApprovals {
			if p.ID == action.ID {
				return shared.Errorf(shared.CodeValidationError, "action %s is already pending", action.ID)
			}
		}
		action.SessionID = s.ID
		action.ApprovalState = domain.ApprovalPending
		action.ResolvedAt = nil
		if action.CreatedAt.IsZero() {
			action.CreatedAt = m.now()
		}
		s.PendingApprovals = append(s.PendingApprovals, action)
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return domain.PendingAction{}, err
	}
	m.logger.Info("Action awaiting approval", "session_id", id, "action_id", action.ID, "tool_id", action.ToolID)
	return action, nil
}

// PendingActions lists the session's unresolved actions.
func (m *Manager) PendingActions(id string) ([]domain.PendingAction, error) {
	var out []domain.PendingAction
	err := m.with(id, func(s *domain.AssistantSession) error {
		out = s.Clone().PendingApprovals
		return nil
	})
	return out, err
}

// ResolvePendingAction applies a human decision. On approve the configured
// effect runs outside the session lock; the decision is committed whether
// or not the effect succeeds, and an effect failure is recorded on the
// action.
func (m *Manager) ResolvePendingAction(ctx context.Context, id, actionID, decision, note string) (domain.PendingAction, error) {
	d, err := ParseDecision(decision)
	if err != nil {
		return domain.PendingAction{}, err
	}

	e, err := m.lookup(id)
	if err != nil {
		return domain.PendingAction{}, err
	}

	// Claim.
	e.mu.Lock()
	idx := -1
	for i, p := range e.session.PendingApprovals {
		if p.ID == actionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		defer e.mu.Unlock()
		for _, r := range e.session.ResolvedActions {
			if r.ID == actionID {
				return domain.PendingAction{}, shared.Errorf(shared.CodeValidationError,
					"action %s was already %s", actionID, r.ApprovalState)
			}
		}
		return domain.PendingAction{}, shared.Errorf(shared.CodeValidationError, "unknown pending action %s", actionID)
	}
	if e.resolving[actionID] {
		e.mu.Unlock()
		return domain.PendingAction{}, shared.Errorf(shared.CodeValidationError, "action %s is already being resolved", actionID)
	}
	action := e.session.Clone().PendingApprovals[idx]
	if err := Transition(action.ApprovalState, d.state()); err != nil {
		e.mu.Unlock()
		return domain.PendingAction{}, shared.WrapError(shared.CodeValidationError, err)
	}
	e.resolving[actionID] = true
	e.mu.Unlock()

	// Effect.
	var result map[string]any
	var effectErr error
	effectOutcome := "none"
	if d == DecisionApprove {
		if effect := m.approvalEffect(); effect != nil {
			result, effectErr = effect.ApplyApproval(ctx, action)
			effectOutcome = "ok"
			if effectErr != nil {
				effectOutcome = "failed"
				m.logger.Warn("Approval side effect failed",
					"session_id", id, "action_id", actionID, "tool_id", action.ToolID, "error", effectErr)
			}
		}
	}

	// Commit.
	now := m.now()
	action.ApprovalState = d.state()
	action.ResolvedAt = &now
	action.ResolutionNote = strings.TrimSpace(note)
	if action.Metadata == nil {
		action.Metadata = map[string]any{}
	}
	if effectErr != nil {
		ne := shared.Normalize(effectErr)
		action.Metadata["effectError"] = ne.Message
		action.Metadata["effectErrorCode"] = string(ne.Code)
	} else if result != nil {
		action.Metadata["effectResult"] = result
	}

	e.mu.Lock()
	delete(e.resolving, actionID)
	for i, p := range e.session.PendingApprovals {
		if p.ID == actionID {
			e.session.PendingApprovals = append(e.session.PendingApprovals[:i], e.session.PendingApprovals[i+1:]...)
			break
		}
	}
	e.session.ResolvedActions = append(e.session.ResolvedActions, action)
	e.session.UpdatedAt = now
	e.mu.Unlock()

	if _, err := m.AppendAssistantResponse(id, resolutionText(action, effectErr), finishFor(effectErr),
		domain.TurnMetadata{ToolID: action.ToolID, ErrorCode: string(shared.CodeOf(effectErr))}); err != nil {
		m.logger.Warn("Failed to record approval turn", "session_id", id, "error", err)
	}

	if m.emitter != nil {
		attrs := map[string]any{"actionId": action.ID, "effect": effectOutcome}
		if action.ResolutionNote != "" {
			attrs["note"] = action.ResolutionNote
		}
		ev := domain.TelemetryEvent{
			Kind:       domain.KindApproval,
			SessionID:  id,
			ToolID:     action.ToolID,
			Phase:      string(action.ApprovalState),
			RepoPath:   action.RepoPath,
			Attributes: attrs,
		}
		if effectErr != nil {
			ne := shared.Normalize(effectErr)
			ev.ErrorCode = string(ne.Code)
			ev.ErrorMessage = ne.Message
		}
		m.emitter.Emit(ev)
	}
	m.metrics.ApprovalResolved(string(action.ApprovalState), effectOutcome)
	m.logger.Info("Action resolved",
		"session_id", id, "action_id", actionID, "state", action.ApprovalState, "effect", effectOutcome)
	return action, nil
}

func finishFor(err error) string {
	if err != nil {
		return domain.FinishError
	}
	return domain.FinishStop
}

func resolutionText(a domain.PendingAction, effectErr error) string {
	label := a.ToolID
	if a.Title != "" {
		label = fmt.Sprintf("%s (%s)", a.Title, a.ToolID)
	}
	if a.ApprovalState == domain.ApprovalRejected {
		return fmt.Sprintf("Rejected %s. No changes were made.", label)
	}
	if effectErr != nil {
		return fmt.Sprintf("Approved %s, but applying it failed: %s", label, shared.Normalize(effectErr).Message)
	}
	if len(a.Changes) > 0 {
		return fmt.Sprintf("Approved %s. Prepared %d file change(s).", label, len(a.Changes))
	}
	return fmt.Sprintf("Approved %s.", label)
}
