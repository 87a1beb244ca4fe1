package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/repo"
	"github.com/ashureev/contextkit-core/internal/tools"
)

const previewRunes = 600

// appendReadRequest records the synthetic user turn for context.read.
func (o *Orchestrator) appendReadRequest(req Request) {
	path := "(unspecified path)"
	if p, err := tools.Decode(req.ToolID, req.Parameters); err == nil {
		if cr, ok := p.(tools.ContextRead); ok && cr.Path != "" {
			path = cr.Path
		}
	}
	where := req.RepoPath
	if where == "" {
		where = "the default repository"
	}
	_, err := o.deps.Sessions.AppendUserTurn(req.SessionID, fmt.Sprintf("Read %s from %s", path, where),
		domain.TurnMetadata{ToolID: req.ToolID})
	if err != nil {
		o.logger.Warn("Failed to record read request", "session_id", req.SessionID, "error", err)
	}
}

// summarizeRead appends the read summary turn and replays it as a token
// stream. It returns the replay stream id.
func (o *Orchestrator) summarizeRead(ctx context.Context, req Request, fc *repo.FileContent) string {
	text := ReadSummary(fc)
	turn, err := o.deps.Sessions.AppendAssistantResponse(req.SessionID, text, domain.FinishStop,
		domain.TurnMetadata{ToolID: req.ToolID, References: []string{fc.RepoRelativePath}})
	if err != nil {
		o.logger.Warn("Failed to record read summary", "session_id", req.SessionID, "error", err)
		return ""
	}
	if o.deps.Streams == nil {
		return ""
	}
	s := o.deps.Streams.Replay(context.WithoutCancel(ctx), req.SessionID, turn.ID, text, o.chunkSize, o.chunkDelay)
	return s.ID
}

// ReadSummary describes a file read: size, truncation and a preview.
func ReadSummary(fc *repo.FileContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Read %s (%d bytes", fc.RepoRelativePath, fc.Size)
	if fc.Truncated {
		b.WriteString(", truncated")
	}
	b.WriteString(")")

	if fc.Encoding != repo.EncodingUTF8 {
		b.WriteString("\n\nBinary content, not previewed.")
		return b.String()
	}
	preview := strings.TrimSpace(fc.Content)
	if preview == "" {
		return b.String()
	}
	if r := []rune(preview); len(r) > previewRunes {
		preview = string(r[:previewRunes]) + "..."
	}
	b.WriteString("\n\n")
	b.WriteString(preview)
	return b.String()
}
