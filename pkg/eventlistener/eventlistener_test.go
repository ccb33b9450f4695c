package eventlistener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
)

// scriptedSource answers each wait with the next function sent on calls.
type scriptedSource struct {
	calls chan func() (engine.Event, bool)
}

func (s *scriptedSource) WaitForEvent(timeout time.Duration) (engine.Event, bool) {
	select {
	case f := <-s.calls:
		return f()
	case <-time.After(timeout):
		return nil, false
	}
}

func event(data string) func() (engine.Event, bool) {
	return func() (engine.Event, bool) {
		return engine.OutputEvent{Data: data}, true
	}
}

func newTestListener() (*Listener, *scriptedSource) {
	l := New()
	l.interval = 10 * time.Millisecond
	return l, &scriptedSource{calls: make(chan func() (engine.Event, bool))}
}

func receive(t *testing.T, ch <-chan engine.Event) engine.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestForwardsEvents(t *testing.T) {
	l, src := newTestListener()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Start(ctx, src, 10)

	src.calls <- event("a")
	src.calls <- event("b")
	assert.Equal(t, engine.OutputEvent{Data: "a"}, receive(t, ch))
	assert.Equal(t, engine.OutputEvent{Data: "b"}, receive(t, ch))
}

func TestCorkIsSticky(t *testing.T) {
	l, src := newTestListener()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Start(ctx, src, 10)

	l.Cork()
	assert.True(t, l.Corked())
	src.calls <- event("corked")
	// the event arrives in the same wait cycle as the uncork
	src.calls <- func() (engine.Event, bool) {
		l.Uncork()
		return engine.OutputEvent{Data: "racing"}, true
	}
	src.calls <- event("delivered")

	assert.Equal(t, engine.OutputEvent{Data: "delivered"}, receive(t, ch))
	assert.False(t, l.Corked())
}

func TestStopsOnCancel(t *testing.T) {
	l, src := newTestListener()
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Start(ctx, src, 1)
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestFullChannelDropsEvents(t *testing.T) {
	l, src := newTestListener()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Start(ctx, src, 1)

	src.calls <- event("kept")
	src.calls <- event("dropped")
	src.calls <- func() (engine.Event, bool) { return nil, false }

	assert.Equal(t, engine.OutputEvent{Data: "kept"}, receive(t, ch))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
