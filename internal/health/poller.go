// Package health polls the orchestration sidecar and exposes the
// healthy/degraded/unhealthy signal that gates risky operations.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/observability"
)

// Result is a single probe outcome.
type Result struct {
	Status  domain.HealthStatus
	Message string
}

// Prober checks backend health once. Any error is treated as unhealthy.
type Prober interface {
	Probe(ctx context.Context) (Result, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Result, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) (Result, error) { return f(ctx) }

// EventSink receives transition telemetry.
type EventSink interface {
	Emit(ev domain.TelemetryEvent) domain.TelemetryEvent
}

// Transition is reported on every status change and as a periodic reminder
// while the backend is not healthy.
type Transition struct {
	From     domain.HealthStatus
	To       domain.HealthStatus
	Snapshot domain.HealthSnapshot
	Reminder bool
}

// Config controls polling cadence.
type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration
	Reminder   time.Duration
}

// Poller periodically probes the backend.
type Poller struct {
	prober  Prober
	cfg     Config
	logger  *slog.Logger
	sink    EventSink
	metrics *observability.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	snap       domain.HealthSnapshot
	lastReport time.Time
	listeners  []func(Transition)

	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(p *Poller) { p.logger = logger } }

// WithEventSink records transitions as telemetry.
func WithEventSink(sink EventSink) Option { return func(p *Poller) { p.sink = sink } }

// WithMetrics exports the status gauge.
func WithMetrics(m *observability.Metrics) Option { return func(p *Poller) { p.metrics = m } }

// NewPoller creates a poller. The status is unhealthy until the first probe.
func NewPoller(prober Prober, cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Minute
	}
	if cfg.Reminder <= 0 {
		cfg.Reminder = time.Minute
	}
	p := &Poller{
		prober: prober,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.snap = domain.HealthSnapshot{
		Status:       domain.HealthUnhealthy,
		Message:      "awaiting first probe",
		PollInterval: cfg.Interval,
	}
	return p
}

// OnTransition registers fn for transitions and reminders.
func (p *Poller) OnTransition(fn func(Transition)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Snapshot returns the latest health view.
func (p *Poller) Snapshot() domain.HealthSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// CanExecuteRisky reports whether non-safe operations may proceed.
func (p *Poller) CanExecuteRisky() bool {
	return p.Snapshot().CanExecuteRisky()
}

// Start launches the polling loop. The first probe runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for {
			p.PollOnce(ctx)
			timer := time.NewTimer(p.NextDelay())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	p.stopMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// NextDelay is the poll interval, backed off exponentially after
// consecutive failures.
func (p *Poller) NextDelay() time.Duration {
	failures := p.Snapshot().Failures
	if failures == 0 {
		return p.cfg.Interval
	}
	return ComputeBackoff(BackoffPolicy{
		Initial: p.cfg.Interval,
		Max:     p.cfg.MaxBackoff,
		Factor:  2,
		Jitter:  0.1,
	}, failures)
}

// PollOnce runs one probe and updates the snapshot.
func (p *Poller) PollOnce(ctx context.Context) domain.HealthSnapshot {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	res, err := p.prober.Probe(probeCtx)
	cancel()

	if err != nil {
		res = Result{Status: domain.HealthUnhealthy, Message: fmt.Sprintf("backend unreachable: %v", err)}
	}
	switch res.Status {
	case domain.HealthHealthy, domain.HealthDegraded, domain.HealthUnhealthy:
	default:
		res = Result{Status: domain.HealthDegraded, Message: fmt.Sprintf("unrecognized status %q", res.Status)}
	}
	if res.Message == "" {
		res.Message = string(res.Status)
	}

	now := p.now()

	p.mu.Lock()
	prev := p.snap
	next := domain.HealthSnapshot{
		Status:       res.Status,
		Message:      res.Message,
		PollInterval: p.cfg.Interval,
		CheckedAt:    now,
	}
	if res.Status == domain.HealthUnhealthy {
		next.Failures = prev.Failures + 1
	}
	p.snap = next

	changed := prev.Status != next.Status || prev.CheckedAt.IsZero()
	reminder := !changed && next.Status != domain.HealthHealthy && now.Sub(p.lastReport) >= p.cfg.Reminder
	if changed || reminder {
		p.lastReport = now
	}
	listeners := append([]func(Transition){}, p.listeners...)
	p.mu.Unlock()

	if !changed && !reminder {
		return next
	}

	tr := Transition{From: prev.Status, To: next.Status, Snapshot: next, Reminder: reminder}
	p.report(tr)
	for _, fn := range listeners {
		fn(tr)
	}
	return next
}

func (p *Poller) report(tr Transition) {
	attrs := []any{
		"from", tr.From,
		"to", tr.To,
		"message", tr.Snapshot.Message,
		"failures", tr.Snapshot.Failures,
	}
	switch {
	case tr.Reminder:
		p.logger.Warn("Backend still not healthy", attrs...)
		return
	case tr.To == domain.HealthHealthy:
		p.logger.Info("Backend health changed", attrs...)
	default:
		p.logger.Warn("Backend health changed", attrs...)
	}

	p.metrics.SetHealth(string(tr.To))
	if p.sink != nil {
		p.sink.Emit(domain.TelemetryEvent{
			Kind:  domain.KindHealth,
			Phase: string(tr.To),
			Attributes: map[string]any{
				"from":    string(tr.From),
				"message": tr.Snapshot.Message,
			},
		})
	}
}
