// Package telemetry records append-only lifecycle events for tool calls,
// approvals, health transitions and queue tasks.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/observability"
	"github.com/ashureev/contextkit-core/internal/store"
	"github.com/google/uuid"
)

const (
	persistBatchSize = 64
	flushInterval    = 250 * time.Millisecond
	closeTimeout     = 5 * time.Second
)

// Config sizes the emitter buffers.
type Config struct {
	// BufferSize is the persistence queue capacity. When full the oldest
	// queued event is dropped.
	BufferSize int
	// MemoryLimit bounds the in-memory log served by List.
	MemoryLimit int
}

// Emitter records telemetry events. Emit never blocks on I/O: events land in
// an in-memory log immediately and are persisted by a background worker.
type Emitter struct {
	mu  sync.RWMutex
	log *eventRing

	repo    store.Repository
	queue   chan domain.TelemetryEvent
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEmitter creates an emitter. repo may be nil for memory-only telemetry.
func NewEmitter(cfg Config, repo store.Repository, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 5000
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		log:     newEventRing(cfg.MemoryLimit),
		repo:    repo,
		queue:   make(chan domain.TelemetryEvent, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}

	if repo != nil {
		e.wg.Add(1)
		go e.persistLoop()
	}
	return e
}

// Emit records ev, filling in its id and timestamp when unset.
func (e *Emitter) Emit(ev domain.TelemetryEvent) domain.TelemetryEvent {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}

	e.mu.Lock()
	e.log.push(ev)
	e.mu.Unlock()

	if e.repo == nil || e.ctx.Err() != nil {
		return ev
	}

	select {
	case e.queue <- ev:
	default:
		// Queue full: drop the oldest queued event to make room.
		select {
		case <-e.queue:
			e.metrics.TelemetryDrop()
			e.logger.Warn("Telemetry queue full, dropped oldest event",
				"queue_len", len(e.queue))
		default:
		}
		select {
		case e.queue <- ev:
		default:
			e.metrics.TelemetryDrop()
			e.logger.Warn("Telemetry event dropped", "kind", ev.Kind, "phase", ev.Phase)
		}
	}
	return ev
}

// List returns matching events from memory, oldest first. A positive Limit
// keeps the newest entries.
func (e *Emitter) List(filter store.Filter) []domain.TelemetryEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.TelemetryEvent
	for ev := range e.log.all() {
		if filter.Match(ev) {
			out = append(out, ev)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// ListPersisted reads from the repository, falling back to memory when no
// repository is configured.
func (e *Emitter) ListPersisted(ctx context.Context, filter store.Filter) ([]domain.TelemetryEvent, error) {
	if e.repo == nil {
		return e.List(filter), nil
	}
	return e.repo.ListEvents(ctx, filter)
}

// Prune drops events older than retention from memory and the repository.
func (e *Emitter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := e.now().Add(-retention)

	e.mu.Lock()
	e.log.retain(func(ev domain.TelemetryEvent) bool { return !ev.Timestamp.Before(cutoff) })
	e.mu.Unlock()

	if e.repo == nil {
		return 0, nil
	}
	return e.repo.PruneEvents(ctx, cutoff)
}

func (e *Emitter) persistLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]domain.TelemetryEvent, 0, persistBatchSize)
	for {
		select {
		case <-e.ctx.Done():
			for {
				select {
				case ev := <-e.queue:
					batch = append(batch, ev)
				default:
					e.flush(batch)
					return
				}
			}
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= persistBatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (e *Emitter) flush(batch []domain.TelemetryEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	start := time.Now()
	if err := e.repo.AppendEvents(ctx, batch); err != nil {
		e.logger.Error("Failed to persist telemetry", "events", len(batch), "error", err)
		return
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		e.logger.Warn("Slow telemetry persistence", "events", len(batch), "duration_ms", d.Milliseconds())
	}
}

// Close stops the worker after persisting whatever is still queued.
func (e *Emitter) Close() error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeTimeout):
		e.logger.Warn("Telemetry shutdown timeout", "queue_remaining", len(e.queue))
	}
	return nil
}
