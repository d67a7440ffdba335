package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	name string

	mu       sync.Mutex
	received []*Event
	started  bool
	prepared bool
	shutdown bool
}

func newRecordingHandler(name string) *recordingHandler {
	return &recordingHandler{name: name}
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) HandleEvent(_ context.Context, ev *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, ev)
}

func (h *recordingHandler) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return nil
}

func (h *recordingHandler) PrepareShutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prepared = true
	return nil
}

func (h *recordingHandler) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = true
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func TestPublicEventFansOutToSubscribers(t *testing.T) {
	k := New()
	a := newRecordingHandler("a")
	b := newRecordingHandler("b")
	k.Register(a)
	k.Register(b)
	k.Subscribe(a, TypeNeighbourUp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	k.Post(NewPublic(TypeNeighbourUp, "peer-1"))
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, a.count())
	require.Equal(t, 0, b.count(), "b never subscribed, must not receive the event")

	cancel()
	<-done
}

func TestDispatchOrderMatchesSubscribeOrder(t *testing.T) {
	k := New()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(*Event) {
		return func(*Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	first := &callbackEventHandler{name: "first", fn: record("first")}
	second := &callbackEventHandler{name: "second", fn: record("second")}
	third := &callbackEventHandler{name: "third", fn: record("third")}
	k.Register(first)
	k.Register(second)
	k.Register(third)

	// Registered out of alphabetical/struct order on purpose: dispatch
	// order must follow Subscribe call order, not registration order or
	// any other incidental ordering.
	k.Subscribe(second, TypeNeighbourUp)
	k.Subscribe(third, TypeNeighbourUp)
	k.Subscribe(first, TypeNeighbourUp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	for i := 0; i < 5; i++ {
		k.Post(NewPublic(TypeNeighbourUp, nil))
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 15)
	for i := 0; i < 5; i++ {
		got := order[i*3 : i*3+3]
		require.Equal(t, []string{"second", "third", "first"}, got)
	}
}

// callbackEventHandler is a minimal EventHandler for tests that only
// need to observe delivery, not the richer bookkeeping recordingHandler
// provides.
type callbackEventHandler struct {
	name string
	fn   func(*Event)
}

func (h *callbackEventHandler) Name() string { return h.name }
func (h *callbackEventHandler) HandleEvent(_ context.Context, ev *Event) {
	h.fn(ev)
}
func (h *callbackEventHandler) Start(context.Context) error          { return nil }
func (h *callbackEventHandler) PrepareShutdown(context.Context) error { return nil }
func (h *callbackEventHandler) Shutdown(context.Context) error        { return nil }

func TestUnsubscribeStopsDelivery(t *testing.T) {
	k := New()
	a := newRecordingHandler("a")
	k.Register(a)
	k.Subscribe(a, TypeNeighbourUp)
	k.Unsubscribe(a, TypeNeighbourUp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	k.Post(NewPublic(TypeNeighbourUp, nil))
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 0, a.count())

	cancel()
	<-done
}

func TestRefcountedSubscribeRequiresMatchingUnsubscribes(t *testing.T) {
	k := New()
	a := newRecordingHandler("a")
	k.Register(a)
	k.Subscribe(a, TypeNeighbourUp)
	k.Subscribe(a, TypeNeighbourUp)
	k.Unsubscribe(a, TypeNeighbourUp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	k.Post(NewPublic(TypeNeighbourUp, nil))
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, 1, a.count(), "one matching unsubscribe must not remove a doubly-subscribed handler")

	cancel()
	<-done
}

func TestPrivateEventDeliversOnlyToBoundReply(t *testing.T) {
	k := New()
	go func() { _ = k.Run(context.Background()) }()

	replyCh := make(chan *Event, 1)
	k.PostPrivate("query-result", func(ev *Event) { replyCh <- ev })

	select {
	case ev := <-replyCh:
		require.Equal(t, "query-result", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("private event never delivered")
	}
}

func TestScheduleAtFiresOnDeadline(t *testing.T) {
	k := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	fired := make(chan time.Time, 1)
	k.ScheduleAt(time.Now().Add(30*time.Millisecond), NewPrivate(nil, func(ev *Event) {
		fired <- ev.firedAt
	}))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled event never fired")
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	k := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	fired := make(chan struct{}, 1)
	entry := k.ScheduleAt(time.Now().Add(50*time.Millisecond), NewPrivate(nil, func(*Event) {
		fired <- struct{}{}
	}))
	k.Cancel(entry)

	select {
	case <-fired:
		t.Fatal("cancelled event must not fire")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestShutdownDrivesTwoPhaseTeardown(t *testing.T) {
	k := New()
	a := newRecordingHandler("a")
	k.Register(a)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	k.Shutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run never returned after Shutdown")
	}

	require.True(t, a.started)
	require.True(t, a.prepared)
	require.True(t, a.shutdown)
}

func TestTimerQueueOrdersByTimeThenFIFO(t *testing.T) {
	q := newTimerQueue()
	base := time.Now()

	evA := NewPublic(TypeNeighbourUp, "a")
	evB := NewPublic(TypeNeighbourUp, "b")
	evC := NewPublic(TypeNeighbourUp, "c")

	q.Schedule(base.Add(time.Second), evB)
	q.Schedule(base, evA)
	q.Schedule(base, evC)

	ready := q.PopReady(base.Add(2 * time.Second))
	require.Len(t, ready, 3)
	require.Same(t, evA, ready[0].Event)
	require.Same(t, evC, ready[1].Event)
	require.Same(t, evB, ready[2].Event)
}
