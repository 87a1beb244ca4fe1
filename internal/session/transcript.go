package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
)

// TranscriptConfig configures the NDJSON transcript writer.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TranscriptEntry is one line of a session transcript.
type TranscriptEntry struct {
	Timestamp    string `json:"timestamp"`
	SessionID    string `json:"session_id"`
	TurnID       string `json:"turn_id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	ContentRaw   string `json:"content_raw"`
	FinishReason string `json:"finish_reason,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ToolID       string `json:"tool_id,omitempty"`
	Deferred     bool   `json:"deferred,omitempty"`
}

// Transcript records finalized turns per session without blocking the
// session writer. Entries are dropped when the queue is full.
type Transcript interface {
	Record(sessionID string, turn domain.ConversationTurn)
	Close() error
}

type noopTranscript struct{}

func (noopTranscript) Record(string, domain.ConversationTurn) {}
func (noopTranscript) Close() error                           { return nil }

var safeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type fileTranscript struct {
	dir    string
	queue  chan TranscriptEntry
	logger *slog.Logger
	done   chan struct{}

	closeOnce sync.Once
	dropMu    sync.Mutex
	dropped   int
}

// NewTranscript returns a writer for cfg. A disabled config yields a no-op.
func NewTranscript(cfg TranscriptConfig, logger *slog.Logger) (Transcript, error) {
	if !cfg.Enabled {
		return noopTranscript{}, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &fileTranscript{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEntry, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *fileTranscript) Record(sessionID string, turn domain.ConversationTurn) {
	entry := TranscriptEntry{
		Timestamp:    turn.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:    sessionID,
		TurnID:       turn.ID,
		Role:         string(turn.Role),
		ContentRaw:   turn.Content,
		Content:      cleanForReadability(turn.Content),
		FinishReason: turn.FinishReason,
		ErrorCode:    turn.Metadata.ErrorCode,
		ToolID:       turn.Metadata.ToolID,
		Deferred:     turn.Metadata.Deferred,
	}
	select {
	case t.queue <- entry:
	default:
		t.dropMu.Lock()
		t.dropped++
		n := t.dropped
		t.dropMu.Unlock()
		if n == 1 || n%100 == 0 {
			t.logger.Warn("Transcript queue full, dropping entries", "dropped", n)
		}
	}
}

func (t *fileTranscript) run() {
	defer close(t.done)
	for entry := range t.queue {
		if err := t.write(entry); err != nil {
			t.logger.Warn("Failed to write transcript entry", "session_id", entry.SessionID, "error", err)
		}
	}
}

func (t *fileTranscript) write(entry TranscriptEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	path := filepath.Join(t.dir, safeName.ReplaceAllString(entry.SessionID, "_")+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	_, werr := f.Write(append(line, '\n'))
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func (t *fileTranscript) Close() error {
	t.closeOnce.Do(func() { close(t.queue) })
	select {
	case <-t.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timed out flushing transcript")
	}
}
