package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/contextkit-core/internal/shared"
)

type fakeSink struct {
	mu        sync.Mutex
	content   map[string]string
	finalized map[string]string
	codes     map[string]string
}

func newFakeSink() *fakeSink {
	return &fakeSink{content: map[string]string{}, finalized: map[string]string{}, codes: map[string]string{}}
}

func (f *fakeSink) AppendToken(_, turnID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.finalized[turnID]; done {
		return errors.New("turn finalized")
	}
	f.content[turnID] += token
	return nil
}

func (f *fakeSink) FinalizeTurn(_, turnID, reason, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[turnID] = reason
	f.codes[turnID] = code
	return nil
}

func TestDeliverAndComplete(t *testing.T) {
	t.Parallel()

	sink := newFakeSink()
	c := NewCoordinator(sink, NewHub(10))
	events, unsubscribe := c.Hub().Subscribe(10)
	defer unsubscribe()

	s := c.Open("s1", "turn-1", false)
	if !c.Deliver(s.ID, "Hel") || !c.Deliver(s.ID, "lo") {
		t.Fatal("Deliver on active stream failed")
	}
	if !c.Complete(s.ID) {
		t.Fatal("Complete failed")
	}
	if c.Deliver(s.ID, "late") {
		t.Fatal("Deliver after completion should be dropped")
	}
	if sink.content["turn-1"] != "Hello" || sink.finalized["turn-1"] != "stop" {
		t.Fatalf("unexpected turn state: %q %q", sink.content["turn-1"], sink.finalized["turn-1"])
	}

	var types []string
	for i := 0; i < 3; i++ {
		ev := <-events
		types = append(types, ev.Type)
	}
	if strings.Join(types, ",") != "token,token,completed" {
		t.Fatalf("events = %v", types)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after completion")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	sink := newFakeSink()
	c := NewCoordinator(sink, nil)
	s := c.Open("s1", "turn-1", false)

	if !c.Cancel(s.ID) {
		t.Fatal("first cancel should report an active stream")
	}
	if c.Cancel(s.ID) {
		t.Fatal("second cancel should be a no-op")
	}
	if c.Cancel("never-opened") {
		t.Fatal("unknown stream cancel should be a no-op")
	}
	if s.Context().Err() == nil {
		t.Fatal("cancel should cancel the stream context")
	}
	if sink.codes["turn-1"] != string(shared.CodeStreamCancelled) {
		t.Fatalf("cancelled turn code = %q", sink.codes["turn-1"])
	}

	completed := c.Open("s1", "turn-2", false)
	c.Complete(completed.ID)
	if c.Cancel(completed.ID) {
		t.Fatal("cancel after completion should be a no-op")
	}
}

func TestPumpFailure(t *testing.T) {
	t.Parallel()

	sink := newFakeSink()
	c := NewCoordinator(sink, nil)
	s := c.Open("s1", "turn-1", false)

	boom := shared.NewError(shared.CodeBackendUnavailable, "sidecar went away")
	seq := func(yield func(string, error) bool) {
		if !yield("partial", nil) {
			return
		}
		yield("", boom)
	}
	if err := c.Pump(context.Background(), s, seq); !errors.Is(err, boom) {
		t.Fatalf("Pump error = %v", err)
	}
	if sink.finalized["turn-1"] != "error" || sink.codes["turn-1"] != string(shared.CodeBackendUnavailable) {
		t.Fatalf("turn not finalized with error: %v %v", sink.finalized, sink.codes)
	}
	if c.Active(s.ID) {
		t.Fatal("failed stream should be retired")
	}
}

func TestReplayMirror(t *testing.T) {
	t.Parallel()

	sink := newFakeSink()
	c := NewCoordinator(sink, nil)
	events, unsubscribe := c.Hub().Subscribe(64)
	defer unsubscribe()

	text := strings.Repeat("a", 250)
	s := c.Replay(context.Background(), "s1", "turn-1", text, 120, time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replay did not finish")
	}

	var chunks []string
	for len(chunks) < 3 {
		ev := <-events
		if ev.Type == EventToken {
			chunks = append(chunks, ev.Token)
		}
	}
	if len(chunks[0]) != 120 || len(chunks[1]) != 120 || len(chunks[2]) != 10 {
		t.Fatalf("unexpected chunk sizes: %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if sink.content["turn-1"] != "" {
		t.Fatal("mirror stream must not append to the turn")
	}
}

func TestHubDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	events, unsubscribe := h.Subscribe(2)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: EventQueue})
	}
	first := <-events
	second := <-events
	if first.ID != 4 || second.ID != 5 {
		t.Fatalf("expected newest events 4,5, got %d,%d", first.ID, second.ID)
	}
	if h.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", h.Dropped())
	}

	missed := h.Since(3)
	if len(missed) != 2 || missed[0].ID != 4 {
		t.Fatalf("Since(3) = %+v", missed)
	}
	if got := h.Since(0); len(got) != 3 {
		t.Fatalf("replay buffer should keep 3 events, got %d", len(got))
	}
}
