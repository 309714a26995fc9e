// Package eventbus provides typed publish/subscribe with priority lanes and a
// fixed worker pool. Handlers are keyed by the event's runtime type; dispatch
// never aborts on a failing handler.
package eventbus

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/99souls/pulse/telemetry/metrics"
	"github.com/99souls/pulse/types"
)

// Priority orders delivery lanes.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

var lanes = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Config sizes the bus.
type Config struct {
	MaxQueueSize int  `yaml:"max_queue_size"`
	WorkerCount  int  `yaml:"worker_count"`
	AutoStart    bool `yaml:"auto_start"`
}

// DefaultConfig runs two workers over 1024-slot lanes.
func DefaultConfig() Config {
	return Config{MaxQueueSize: 1024, WorkerCount: 2, AutoStart: true}
}

// Validate rejects non-positive sizes.
func (c Config) Validate() error {
	if c.MaxQueueSize < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "max queue size must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.WorkerCount < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "worker count must be at least 1, got %d", c.WorkerCount)
	}
	return nil
}

// Envelope wraps a published event with its delivery metadata.
type Envelope struct {
	ID            uint64
	Timestamp     time.Time
	Source        string
	CorrelationID string
	Priority      Priority
	Event         any
}

// Token identifies a subscription for removal.
type Token uint64

// Stats reports bus throughput.
type Stats struct {
	Published       uint64
	Processed       uint64
	Dropped         uint64
	HandlerFailures uint64
	QueueDepths     map[Priority]int
}

type subscription struct {
	token    Token
	priority Priority
	seq      uint64
	handler  func(Envelope) error
}

// Bus is the typed publish/subscribe hub.
type Bus struct {
	cfg Config

	mu      sync.RWMutex
	subs    map[reflect.Type][]subscription
	envSubs []subscription
	byToken map[Token]reflect.Type
	running bool

	queues map[Priority]chan Envelope
	laneMu map[Priority]*sync.Mutex
	stopCh chan struct{}
	wakeCh chan struct{}
	wg     sync.WaitGroup

	nextEventID atomic.Uint64
	nextToken   atomic.Uint64
	nextSubSeq  atomic.Uint64

	published       atomic.Uint64
	processed       atomic.Uint64
	dropped         atomic.Uint64
	handlerFailures atomic.Uint64

	mPublished metrics.Counter
	mProcessed metrics.Counter
	mDropped   metrics.Counter
	mFailures  metrics.Counter
}

// New builds a bus; with AutoStart the workers come up immediately.
func New(cfg Config, provider metrics.Provider) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	b := &Bus{
		cfg:     cfg,
		subs:    make(map[reflect.Type][]subscription),
		byToken: make(map[Token]reflect.Type),
	}
	b.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "pulse", Subsystem: "bus", Name: "published_total", Help: "Events accepted for dispatch"}})
	b.mProcessed = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "pulse", Subsystem: "bus", Name: "processed_total", Help: "Events fully dispatched"}})
	b.mDropped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "pulse", Subsystem: "bus", Name: "dropped_total", Help: "Events rejected because a lane was full"}})
	b.mFailures = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "pulse", Subsystem: "bus", Name: "handler_failures_total", Help: "Handler errors and panics"}})
	if cfg.AutoStart {
		if err := b.Start(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Start allocates the lanes and workers. Starting a running bus fails.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return types.NewError(types.ErrAlreadyExists, "event bus already running")
	}
	b.queues = make(map[Priority]chan Envelope, len(lanes))
	b.laneMu = make(map[Priority]*sync.Mutex, len(lanes))
	for _, lane := range lanes {
		b.queues[lane] = make(chan Envelope, b.cfg.MaxQueueSize)
		b.laneMu[lane] = &sync.Mutex{}
	}
	b.stopCh = make(chan struct{})
	b.wakeCh = make(chan struct{}, 1)
	b.running = true
	for i := 0; i < b.cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return nil
}

// Stop signals the workers and waits for them to drain, up to the grace
// period. Events still queued after the grace period are abandoned.
func (b *Bus) Stop(grace time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return types.NewError(types.ErrOperationTimeout, "event bus drain exceeded grace period %s", grace)
	}
}

// Running reports whether the workers are up.
func (b *Bus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Subscribe registers handler for events of type E at the given priority and
// returns the removal token. Order within equal priority is insertion order.
func Subscribe[E any](b *Bus, handler func(E) error, priority Priority) Token {
	var probe E
	eventType := reflect.TypeOf(probe)
	if eventType == nil {
		// E is an interface type; key on its interface descriptor.
		eventType = reflect.TypeOf(&probe).Elem()
	}
	token := Token(b.nextToken.Add(1))
	sub := subscription{
		token:    token,
		priority: priority,
		seq:      b.nextSubSeq.Add(1),
		handler: func(env Envelope) error {
			ev, ok := env.Event.(E)
			if !ok {
				return nil
			}
			return handler(ev)
		},
	}
	b.mu.Lock()
	b.subs[eventType] = insertOrdered(b.subs[eventType], sub)
	b.byToken[token] = eventType
	b.mu.Unlock()
	return token
}

// envelopeKey marks raw-envelope subscriptions in the token index.
var envelopeKey = reflect.TypeOf(Envelope{})

// SubscribeEnvelope registers a handler that receives the raw envelope of
// every published event, regardless of type. Used for forwarding and audit
// taps.
func SubscribeEnvelope(b *Bus, handler func(Envelope) error, priority Priority) Token {
	token := Token(b.nextToken.Add(1))
	sub := subscription{
		token:    token,
		priority: priority,
		seq:      b.nextSubSeq.Add(1),
		handler:  handler,
	}
	b.mu.Lock()
	b.envSubs = insertOrdered(b.envSubs, sub)
	b.byToken[token] = envelopeKey
	b.mu.Unlock()
	return token
}

// insertOrdered keeps the slice sorted by priority descending, then by
// insertion sequence.
func insertOrdered(subs []subscription, sub subscription) []subscription {
	idx := len(subs)
	for i, existing := range subs {
		if sub.priority > existing.priority {
			idx = i
			break
		}
	}
	subs = append(subs, subscription{})
	copy(subs[idx+1:], subs[idx:])
	subs[idx] = sub
	return subs
}

// Unsubscribe removes the handler registered under token. Deliveries already
// in flight may still fire.
func (b *Bus) Unsubscribe(token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	eventType, ok := b.byToken[token]
	if !ok {
		return types.NewError(types.ErrNotFound, "no subscription with token %d", token)
	}
	delete(b.byToken, token)
	if eventType == envelopeKey {
		for i, sub := range b.envSubs {
			if sub.token == token {
				b.envSubs = append(b.envSubs[:i:i], b.envSubs[i+1:]...)
				return nil
			}
		}
	}
	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.token == token {
			b.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[eventType]) == 0 {
		delete(b.subs, eventType)
	}
	return nil
}

// PublishOption customizes one publication.
type PublishOption func(*Envelope)

// WithSource labels the publishing component.
func WithSource(source string) PublishOption {
	return func(e *Envelope) { e.Source = source }
}

// WithCorrelationID threads an external correlation id through dispatch.
func WithCorrelationID(id string) PublishOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// Publish stamps the event and enqueues it in the lane matching the max
// subscriber priority for its type (normal when nothing is subscribed).
// Returns a service_unavailable error when the bus is not running and a
// storage_full error when the lane is full.
func (b *Bus) Publish(event any, opts ...PublishOption) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return types.NewError(types.ErrServiceUnavailable, "event bus is stopped")
	}
	lane := PriorityNormal
	if subs := b.subs[reflect.TypeOf(event)]; len(subs) > 0 {
		// Subscriptions are priority-sorted; the head holds the max.
		lane = subs[0].priority
	}
	queue := b.queues[lane]
	b.mu.RUnlock()

	env := Envelope{
		ID:        b.nextEventID.Add(1),
		Timestamp: time.Now(),
		Priority:  lane,
	}
	for _, opt := range opts {
		opt(&env)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	env.Event = event

	select {
	case queue <- env:
		b.published.Add(1)
		b.mPublished.Inc(1)
		b.wake()
		return nil
	default:
		b.dropped.Add(1)
		b.mDropped.Inc(1)
		return types.NewError(types.ErrStorageFull, "event bus %s lane is full", lane)
	}
}

func (b *Bus) wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

// worker drains lanes strictly in priority order, blocking on the wake signal
// when every lane is empty. The stop signal is checked between events; queued
// work is drained before exit.
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		if b.processOne() {
			continue
		}
		select {
		case <-b.stopCh:
			// Final drain: deliver what is already queued, then exit.
			for b.processOne() {
			}
			return
		case <-b.wakeCh:
		}
	}
}

// processOne dispatches the next event from the highest-priority non-empty
// lane. A per-lane mutex is held across the dispatch so events within one
// lane are delivered in publication order even with multiple workers; a lane
// another worker owns is skipped, its owner keeps draining it.
func (b *Bus) processOne() bool {
	for _, lane := range lanes {
		mu := b.laneMu[lane]
		if !mu.TryLock() {
			continue
		}
		select {
		case env := <-b.queues[lane]:
			b.dispatch(env)
			mu.Unlock()
			return true
		default:
			mu.Unlock()
		}
	}
	return false
}

// dispatch invokes every handler for the event type in priority-then-
// insertion order. Failures are counted, never propagated.
func (b *Bus) dispatch(env Envelope) {
	eventType := reflect.TypeOf(env.Event)
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[eventType]...)
	envSubs := append([]subscription(nil), b.envSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, env)
	}
	for _, sub := range envSubs {
		b.invoke(sub, env)
	}
	b.processed.Add(1)
	b.mProcessed.Inc(1)
}

func (b *Bus) invoke(sub subscription, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailures.Add(1)
			b.mFailures.Inc(1)
		}
	}()
	if err := sub.handler(env); err != nil {
		b.handlerFailures.Add(1)
		b.mFailures.Inc(1)
	}
}

// Stats snapshots the counters and current lane depths.
func (b *Bus) Stats() Stats {
	depths := make(map[Priority]int, len(lanes))
	b.mu.RLock()
	for _, lane := range lanes {
		if q, ok := b.queues[lane]; ok {
			depths[lane] = len(q)
		}
	}
	b.mu.RUnlock()
	return Stats{
		Published:       b.published.Load(),
		Processed:       b.processed.Load(),
		Dropped:         b.dropped.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		QueueDepths:     depths,
	}
}
