// Package eventbus implements a low-latency, in-process publish/
// subscribe core. Dispatch targets 10ms wall-clock for a single
// event's full handler chain; handler errors are isolated so one
// failing handler never blocks its neighbors.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/specerr"
)

// dispatchWarnThreshold is the wall-clock budget for a single event's
// full handler chain. Exceeding it logs a warning, it never fails the
// dispatch.
const dispatchWarnThreshold = 10 * time.Millisecond

// maxLatencySamples bounds the per-topic ring buffer used for mean/tail
// latency accounting so Metrics() stays O(1) memory per topic.
const maxLatencySamples = 256

// Mirror optionally republishes dispatched events onto an external
// transport (SpecMem wires the embedded NATS server here) so
// out-of-process observers such as a dashboard can watch coordination
// traffic without touching Go internals. A nil Mirror disables this.
type Mirror interface {
	MirrorEvent(Event) error
}

type subscription struct {
	topic    string
	handler  Handler
	priority int
	order    uint64
}

type topicMetrics struct {
	mu       sync.Mutex
	count    uint64
	samples  []time.Duration
	sampleAt int
}

func (m *topicMetrics) record(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	if len(m.samples) < maxLatencySamples {
		m.samples = append(m.samples, d)
	} else {
		m.samples[m.sampleAt] = d
		m.sampleAt = (m.sampleAt + 1) % maxLatencySamples
	}
}

func (m *topicMetrics) snapshot() TopicMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := TopicMetrics{Count: m.count}
	if len(m.samples) == 0 {
		return out
	}
	sorted := append([]time.Duration(nil), m.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	out.MeanLatency = sum / time.Duration(len(sorted))
	idx := (len(sorted) * 99) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	out.TailLatency = sorted[idx]
	return out
}

// TopicMetrics is the exported snapshot returned by Metrics().
type TopicMetrics struct {
	Count       uint64
	MeanLatency time.Duration
	TailLatency time.Duration
}

// DispatchResult is returned by a synchronous Dispatch call.
type DispatchResult struct {
	HandlersInvoked int
	Errors          []error
}

// Bus is the process-wide event dispatcher. The zero value is not
// usable; construct with New.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[string][]subscription
	seq  uint64

	metricsMu sync.RWMutex
	metrics   map[string]*topicMetrics

	mirror Mirror

	closed   atomic.Bool
	inFlight sync.WaitGroup
}

// New constructs an empty Bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:     log,
		subs:    make(map[string][]subscription),
		metrics: make(map[string]*topicMetrics),
	}
}

// SetMirror installs (or clears, with nil) the external-transport mirror.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// SubscribeOptions controls handler ordering within a topic.
type SubscribeOptions struct {
	// Priority: higher runs first; ties break by registration order.
	Priority int
}

// Unsubscribe removes a previously-registered handler.
type Unsubscribe func()

// Subscribe attaches handler to topic. Handlers for the same topic run
// highest-priority-first; equal priority runs in registration order.
func (b *Bus) Subscribe(topic string, handler Handler, opts SubscribeOptions) Unsubscribe {
	b.mu.Lock()
	b.seq++
	sub := subscription{topic: topic, handler: handler, priority: opts.Priority, order: b.seq}
	list := append(b.subs[topic], sub)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].order < list[j].order
	})
	b.subs[topic] = list
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur := b.subs[topic]
		for i, s := range cur {
			if s.order == sub.order {
				b.subs[topic] = append(cur[:i:i], cur[i+1:]...)
				return
			}
		}
	}
}

// Posting is the pending completion of Post: callers choose exactly
// one of Dispatch (synchronous) or Async (fire-and-forget).
type Posting struct {
	bus *Bus
	ev  Event
}

// Post begins posting ev. The caller must call Dispatch or Async to
// actually deliver it.
func (b *Bus) Post(ev Event) *Posting {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return &Posting{bus: b, ev: ev}
}

func (b *Bus) handlersFor(topic string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.subs[topic]
	out := make([]subscription, len(list))
	copy(out, list)
	return out
}

// Dispatch synchronously invokes every handler subscribed to the
// event's topic, isolating each handler's error, and returns once all
// have run (or ctx is done). Posting after Shutdown fails with
// specerr.KindBusClosed.
func (p *Posting) Dispatch(ctx context.Context) (DispatchResult, error) {
	b := p.bus
	if b.closed.Load() {
		return DispatchResult{}, specerr.ErrBusClosed
	}
	b.inFlight.Add(1)
	defer b.inFlight.Done()

	start := time.Now()
	handlers := b.handlersFor(p.ev.Type)
	result := DispatchResult{}

	for _, sub := range handlers {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			continue
		default:
		}
		if err := b.invoke(sub, p.ev); err != nil {
			result.Errors = append(result.Errors, err)
		}
		result.HandlersInvoked++
	}

	elapsed := time.Since(start)
	b.recordMetric(p.ev.Type, elapsed)
	if elapsed > dispatchWarnThreshold {
		b.log.Warn().
			Str("topic", p.ev.Type).
			Dur("elapsed", elapsed).
			Int("handlers", len(handlers)).
			Msg("dispatch exceeded latency budget")
	}

	if b.mirror != nil {
		if err := b.mirror.MirrorEvent(p.ev); err != nil {
			b.log.Debug().Err(err).Str("topic", p.ev.Type).Msg("mirror publish failed")
		}
	}

	return result, nil
}

// Async fires the dispatch in a background goroutine; handler errors
// are logged but never surfaced to the caller.
func (p *Posting) Async() {
	b := p.bus
	if b.closed.Load() {
		b.log.Warn().Str("topic", p.ev.Type).Msg("dropped post to closed bus")
		return
	}
	b.inFlight.Add(1)
	go func() {
		defer b.inFlight.Done()
		start := time.Now()
		handlers := b.handlersFor(p.ev.Type)
		invoked := 0
		for _, sub := range handlers {
			if err := b.invoke(sub, p.ev); err != nil {
				b.log.Error().Err(err).Str("topic", p.ev.Type).Msg("async handler failed")
			}
			invoked++
		}
		elapsed := time.Since(start)
		b.recordMetric(p.ev.Type, elapsed)
		if elapsed > dispatchWarnThreshold {
			b.log.Warn().Str("topic", p.ev.Type).Dur("elapsed", elapsed).Msg("async dispatch exceeded latency budget")
		}
		if b.mirror != nil {
			if err := b.mirror.MirrorEvent(p.ev); err != nil {
				b.log.Debug().Err(err).Str("topic", p.ev.Type).Msg("mirror publish failed")
			}
		}
	}()
}

func (b *Bus) invoke(sub subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ev)
}

func (b *Bus) recordMetric(topic string, d time.Duration) {
	b.metricsMu.Lock()
	m, ok := b.metrics[topic]
	if !ok {
		m = &topicMetrics{}
		b.metrics[topic] = m
	}
	b.metricsMu.Unlock()
	m.record(d)
}

// Metrics returns a snapshot of per-topic counts and latency stats.
func (b *Bus) Metrics() map[string]TopicMetrics {
	b.metricsMu.RLock()
	defer b.metricsMu.RUnlock()
	out := make(map[string]TopicMetrics, len(b.metrics))
	for topic, m := range b.metrics {
		out[topic] = m.snapshot()
	}
	return out
}

// Shutdown drains in-flight dispatches up to timeout, then forcibly
// returns. After Shutdown, Dispatch and Async both fail/no-op.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("eventbus: shutdown timed out, in-flight dispatches were not drained")
	}
}
