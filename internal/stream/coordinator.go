// Package stream delivers conversational tokens to turns and to the UI, with
// per-stream cancellation.
package stream

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/observability"
	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/google/uuid"
)

// DefaultChunkSize is the replay chunk size in characters.
const DefaultChunkSize = 120

// TurnSink receives streamed tokens. It is implemented by the session
// manager.
type TurnSink interface {
	AppendToken(sessionID, turnID, token string) error
	FinalizeTurn(sessionID, turnID, finishReason, errorCode string) error
}

// Stream is one active token stream.
type Stream struct {
	ID        string
	SessionID string
	TurnID    string
	// Mirror streams only publish tokens; the turn already holds the text.
	Mirror bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	index  int
}

// Context is cancelled when the stream is cancelled or retired.
func (s *Stream) Context() context.Context { return s.ctx }

// Done is closed once the stream is retired.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithMetrics counts published stream events.
func WithMetrics(m *observability.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// Coordinator tracks active streams. Once a stream is retired its id is
// forgotten, so late tokens and repeated cancels are no-ops.
type Coordinator struct {
	mu      sync.Mutex
	active  map[string]*Stream
	sink    TurnSink
	hub     *Hub
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCoordinator creates a coordinator publishing to hub.
func NewCoordinator(sink TurnSink, hub *Hub, opts ...Option) *Coordinator {
	c := &Coordinator{
		active: make(map[string]*Stream),
		sink:   sink,
		hub:    hub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hub == nil {
		c.hub = NewHub(0)
	}
	return c
}

// Hub returns the event hub.
func (c *Coordinator) Hub() *Hub { return c.hub }

// Open registers a new stream for turnID.
func (c *Coordinator) Open(sessionID, turnID string, mirror bool) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TurnID:    turnID,
		Mirror:    mirror,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.active[s.ID] = s
	c.mu.Unlock()
	return s
}

// Active reports whether streamID is still open.
func (c *Coordinator) Active(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[streamID]
	return ok
}

// ActiveCount returns the number of open streams.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Deliver appends token to the stream's turn and publishes it. Tokens for
// unknown, cancelled or retired streams are dropped and false is returned.
func (c *Coordinator) Deliver(streamID, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.active[streamID]
	if !ok {
		return false
	}
	if !s.Mirror && c.sink != nil {
		if err := c.sink.AppendToken(s.SessionID, s.TurnID, token); err != nil {
			c.logger.Warn("Dropping token for closed turn",
				"stream_id", streamID,
				"turn_id", s.TurnID,
				"error", err)
			return false
		}
	}
	c.publishLocked(Event{
		Type:      EventToken,
		StreamID:  s.ID,
		SessionID: s.SessionID,
		TurnID:    s.TurnID,
		Token:     token,
		Index:     s.index,
	})
	s.index++
	return true
}

// Complete finalizes the turn and retires the stream.
func (c *Coordinator) Complete(streamID string) bool {
	return c.finish(streamID, EventCompleted, domain.FinishStop, "", "")
}

// Fail finalizes the turn with the normalized error code and retires the
// stream.
func (c *Coordinator) Fail(streamID string, err error) bool {
	nerr := shared.Normalize(err)
	if nerr == nil {
		nerr = shared.NewError(shared.CodeToolExecutionFailed, "stream failed")
	}
	return c.finish(streamID, EventFailed, domain.FinishError, string(nerr.Code), nerr.Message)
}

// Cancel stops an active stream. It never fails: unknown or already retired
// ids return false.
func (c *Coordinator) Cancel(streamID string) bool {
	ok := c.finish(streamID, EventCancelled, domain.FinishError, string(shared.CodeStreamCancelled), "")
	if ok {
		c.logger.Info("Stream cancelled", "stream_id", streamID)
	}
	return ok
}

// CancelSession cancels every active stream of sessionID.
func (c *Coordinator) CancelSession(sessionID string) int {
	c.mu.Lock()
	var ids []string
	for id, s := range c.active {
		if s.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.Cancel(id) {
			n++
		}
	}
	return n
}

func (c *Coordinator) finish(streamID, eventType, finishReason, code, message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.active[streamID]
	if !ok {
		return false
	}
	delete(c.active, streamID)
	s.cancel()
	close(s.done)

	if !s.Mirror && c.sink != nil {
		if err := c.sink.FinalizeTurn(s.SessionID, s.TurnID, finishReason, code); err != nil {
			c.logger.Warn("Failed to finalize streamed turn",
				"stream_id", streamID,
				"turn_id", s.TurnID,
				"error", err)
		}
	}
	c.publishLocked(Event{
		Type:      eventType,
		StreamID:  s.ID,
		SessionID: s.SessionID,
		TurnID:    s.TurnID,
		ErrorCode: code,
		Error:     message,
	})
	return true
}

func (c *Coordinator) publishLocked(ev Event) {
	c.hub.Publish(ev)
	c.metrics.StreamEvent(ev.Type)
}

// Pump delivers tokens from seq until it ends, fails, or the stream is
// cancelled. A cancelled stream returns nil; the sequence should be bound to
// s.Context() so the upstream call stops too.
func (c *Coordinator) Pump(ctx context.Context, s *Stream, seq iter.Seq2[string, error]) error {
	for token, err := range seq {
		if s.ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil && s.ctx.Err() == nil {
				c.Cancel(s.ID)
				return nil
			}
			c.Fail(s.ID, err)
			return err
		}
		if token == "" {
			continue
		}
		if !c.Deliver(s.ID, token) {
			return nil
		}
		if ctx.Err() != nil {
			c.Cancel(s.ID)
			return nil
		}
	}
	c.Complete(s.ID)
	return nil
}

// Replay opens a mirror stream for an already written turn and publishes
// text in chunks of chunkSize characters, delay apart, in the background.
func (c *Coordinator) Replay(ctx context.Context, sessionID, turnID, text string, chunkSize int, delay time.Duration) *Stream {
	s := c.Open(sessionID, turnID, true)
	go func() {
		_ = c.Pump(ctx, s, Chunks(s.ctx, text, chunkSize, delay))
	}()
	return s
}

// Chunks splits text into rune-safe chunks, pausing delay between them.
func Chunks(ctx context.Context, text string, size int, delay time.Duration) iter.Seq2[string, error] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func(string, error) bool) {
		runes := []rune(text)
		for start := 0; start < len(runes); start += size {
			if start > 0 && delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			end := min(start+size, len(runes))
			if !yield(string(runes[start:end]), nil) {
				return
			}
		}
	}
}
