package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/specerr"
)

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestDispatchInvokesAllHandlers(t *testing.T) {
	b := newTestBus()
	var calls []string
	var mu sync.Mutex

	b.Subscribe("topic.a", func(Event) error {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	b.Subscribe("topic.a", func(Event) error {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
		return nil
	}, SubscribeOptions{})

	result, err := b.Post(New("topic.a", "src", nil)).Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch returned error: %v", err)
	}
	if result.HandlersInvoked != 2 {
		t.Fatalf("expected 2 handlers invoked, got %d", result.HandlersInvoked)
	}
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("expected registration-order invocation, got %v", calls)
	}
}

func TestDispatchOrdersByPriorityThenRegistration(t *testing.T) {
	b := newTestBus()
	var order []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe("topic.b", record("low"), SubscribeOptions{Priority: 0})
	b.Subscribe("topic.b", record("high"), SubscribeOptions{Priority: 10})
	b.Subscribe("topic.b", record("mid"), SubscribeOptions{Priority: 5})

	if _, err := b.Post(New("topic.b", "src", nil)).Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	want := []string{"high", "mid", "low"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestDispatchIsolatesHandlerErrors(t *testing.T) {
	b := newTestBus()
	boom := errors.New("boom")
	ran := false

	b.Subscribe("topic.c", func(Event) error { return boom }, SubscribeOptions{Priority: 1})
	b.Subscribe("topic.c", func(Event) error { ran = true; return nil }, SubscribeOptions{Priority: 0})

	result, err := b.Post(New("topic.c", "src", nil)).Dispatch(context.Background())
	if err != nil {
		t.Fatalf("dispatch itself should not fail: %v", err)
	}
	if !ran {
		t.Fatal("second handler did not run after first returned an error")
	}
	if len(result.Errors) != 1 || !errors.Is(result.Errors[0], boom) {
		t.Fatalf("expected one recorded error wrapping boom, got %v", result.Errors)
	}
	if result.HandlersInvoked != 2 {
		t.Fatalf("expected both handlers counted as invoked, got %d", result.HandlersInvoked)
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := newTestBus()
	called := false
	unsub := b.Subscribe("topic.d", func(Event) error { called = true; return nil }, SubscribeOptions{})
	unsub()

	if _, err := b.Post(New("topic.d", "src", nil)).Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}
	if called {
		t.Fatal("handler ran after unsubscribe")
	}
}

func TestPostAfterShutdownFailsWithBusClosed(t *testing.T) {
	b := newTestBus()
	if err := b.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
	_, err := b.Post(New("topic.e", "src", nil)).Dispatch(context.Background())
	if !errors.Is(err, specerr.ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestShutdownDrainsInFlightDispatch(t *testing.T) {
	b := newTestBus()
	release := make(chan struct{})
	started := make(chan struct{})
	b.Subscribe("topic.f", func(Event) error {
		close(started)
		<-release
		return nil
	}, SubscribeOptions{})

	go func() {
		_, _ = b.Post(New("topic.f", "src", nil)).Dispatch(context.Background())
	}()
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- b.Shutdown(2 * time.Second) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before in-flight dispatch finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-shutdownDone; err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestMetricsTracksCountAndLatency(t *testing.T) {
	b := newTestBus()
	b.Subscribe("topic.g", func(Event) error { return nil }, SubscribeOptions{})

	for i := 0; i < 5; i++ {
		if _, err := b.Post(New("topic.g", "src", nil)).Dispatch(context.Background()); err != nil {
			t.Fatalf("dispatch error: %v", err)
		}
	}

	metrics := b.Metrics()
	m, ok := metrics["topic.g"]
	if !ok {
		t.Fatal("expected metrics entry for topic.g")
	}
	if m.Count != 5 {
		t.Fatalf("expected count 5, got %d", m.Count)
	}
}

type fakeMirror struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeMirror) MirrorEvent(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func TestMirrorReceivesDispatchedEvents(t *testing.T) {
	b := newTestBus()
	mirror := &fakeMirror{}
	b.SetMirror(mirror)

	if _, err := b.Post(New("topic.h", "src", "payload")).Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch error: %v", err)
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.events) != 1 || mirror.events[0].Type != "topic.h" {
		t.Fatalf("expected mirror to observe one topic.h event, got %v", mirror.events)
	}
}
