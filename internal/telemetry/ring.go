package telemetry

import (
	"iter"

	"github.com/ashureev/contextkit-core/internal/domain"
)

// eventRing is a fixed-capacity log that overwrites its oldest event once
// full. It is not safe for concurrent use; the Emitter's lock guards it.
type eventRing struct {
	buf  []domain.TelemetryEvent
	size int
	head int // oldest event, and next write position, once full
	full bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{size: size}
}

func (r *eventRing) push(ev domain.TelemetryEvent) {
	if !r.full {
		r.buf = append(r.buf, ev)
		r.full = len(r.buf) == r.size
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % r.size
}

func (r *eventRing) len() int {
	return len(r.buf)
}

// all yields events oldest first.
func (r *eventRing) all() iter.Seq[domain.TelemetryEvent] {
	return func(yield func(domain.TelemetryEvent) bool) {
		for i := range len(r.buf) {
			if !yield(r.buf[(r.head+i)%len(r.buf)]) {
				return
			}
		}
	}
}

// retain drops every event keep rejects, preserving order.
func (r *eventRing) retain(keep func(domain.TelemetryEvent) bool) {
	kept := make([]domain.TelemetryEvent, 0, len(r.buf))
	for ev := range r.all() {
		if keep(ev) {
			kept = append(kept, ev)
		}
	}
	r.buf = kept
	r.head = 0
	r.full = len(kept) == r.size
}
