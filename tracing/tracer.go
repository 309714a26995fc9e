package tracing

import (
	"container/list"
	"context"
	randcrypto "crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/99souls/pulse/types"
)

// Config bounds the in-memory trace store.
type Config struct {
	ServiceName string `yaml:"service_name"`
	// MaxTraces bounds the store; the oldest trace is evicted past it.
	MaxTraces int `yaml:"max_traces"`
}

// DefaultConfig names the service "pulse" and retains 1024 traces.
func DefaultConfig() Config {
	return Config{ServiceName: "pulse", MaxTraces: 1024}
}

// Validate rejects non-positive store bounds.
func (c Config) Validate() error {
	if c.MaxTraces < 1 {
		return types.NewError(types.ErrInvalidConfiguration, "max traces must be at least 1, got %d", c.MaxTraces)
	}
	return nil
}

// SpanObserver is notified of every finished span. The OTel bridge plugs in
// here.
type SpanObserver interface {
	OnSpanFinished(snap SpanSnapshot)
}

// Tracer creates spans, finishes them into the trace store, and propagates
// context across process boundaries via W3C headers.
type Tracer struct {
	cfg Config

	mu     sync.Mutex
	traces map[string][]SpanSnapshot
	order  *list.List // trace ids, oldest first

	obsMu     sync.RWMutex
	observers []SpanObserver
}

// New builds a tracer, rejecting invalid configurations.
func New(cfg Config) (*Tracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pulse"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracer{
		cfg:    cfg,
		traces: make(map[string][]SpanSnapshot),
		order:  list.New(),
	}, nil
}

// AddObserver registers a finished-span observer.
func (t *Tracer) AddObserver(obs SpanObserver) {
	if obs == nil {
		return
	}
	t.obsMu.Lock()
	t.observers = append(t.observers, obs)
	t.obsMu.Unlock()
}

// newTraceID returns 128 random bits as 32 lowercase hex chars, never all
// zero.
func newTraceID() string {
	return randomHex(16, zeroTraceID)
}

// newSpanID returns 64 random bits as 16 lowercase hex chars, never all zero.
func newSpanID() string {
	return randomHex(8, zeroSpanID)
}

func randomHex(n int, forbidden string) string {
	buf := make([]byte, n)
	for {
		_, _ = randcrypto.Read(buf)
		id := hex.EncodeToString(buf)
		if id != forbidden {
			return id
		}
	}
}

// SpanOption customizes span creation.
type SpanOption func(*Span)

// WithKind sets the span kind at creation.
func WithKind(kind SpanKind) SpanOption {
	return func(s *Span) {
		s.kind = kind
		s.tags["span.kind"] = string(kind)
	}
}

// WithServiceName overrides the tracer's service name for this span.
func WithServiceName(name string) SpanOption {
	return func(s *Span) {
		s.serviceName = name
		s.tags["service.name"] = name
	}
}

// WithTag sets an initial tag.
func WithTag(key, value string) SpanOption {
	return func(s *Span) { s.tags[key] = value }
}

func (t *Tracer) newSpan(traceID, parentSpanID, operation string, baggage map[string]string, opts []SpanOption) *Span {
	s := &Span{
		traceID:       traceID,
		spanID:        newSpanID(),
		parentSpanID:  parentSpanID,
		operationName: operation,
		serviceName:   t.cfg.ServiceName,
		start:         time.Now(),
		status:        StatusUnset,
		kind:          KindInternal,
		tags: map[string]string{
			"span.kind":    string(KindInternal),
			"service.name": t.cfg.ServiceName,
		},
		baggage: copyMap(baggage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSpan begins a new root span with fresh trace identity.
func (t *Tracer) StartSpan(operation string, opts ...SpanOption) *Span {
	return t.newSpan(newTraceID(), "", operation, nil, opts)
}

// StartChildSpan begins a span under parent: same trace id, parent linkage,
// baggage copied by value.
func (t *Tracer) StartChildSpan(parent *Span, operation string, opts ...SpanOption) *Span {
	if parent == nil {
		return t.StartSpan(operation, opts...)
	}
	return t.newSpan(parent.traceID, parent.spanID, operation, parent.Baggage(), opts)
}

// StartSpanFromContext begins a span continuing a remote trace: ctx's trace
// id, parent span id from ctx (possibly empty), ctx baggage.
func (t *Tracer) StartSpanFromContext(ctx TraceContext, operation string, opts ...SpanOption) *Span {
	traceID := ctx.TraceID
	if traceID == "" {
		traceID = newTraceID()
	}
	return t.newSpan(traceID, ctx.SpanID, operation, ctx.Baggage, opts)
}

// FinishSpan sets the end instant, defaults status to ok, and stores an
// immutable snapshot. Finishing twice fails with already_exists.
func (t *Tracer) FinishSpan(span *Span) error {
	if span == nil {
		return types.NewError(types.ErrNotFound, "cannot finish nil span")
	}
	span.mu.Lock()
	if span.finished {
		span.mu.Unlock()
		return types.NewError(types.ErrAlreadyExists, "span %s already finished", span.spanID)
	}
	span.finished = true
	span.end = time.Now()
	if span.status == StatusUnset {
		span.status = StatusOK
	}
	snap := span.snapshotLocked()
	span.mu.Unlock()

	t.store(snap)
	t.notify(snap)
	return nil
}

func (t *Tracer) store(snap SpanSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.traces[snap.TraceID]; !ok {
		if len(t.traces) >= t.cfg.MaxTraces {
			t.evictOldestLocked()
		}
		t.order.PushBack(snap.TraceID)
	}
	t.traces[snap.TraceID] = append(t.traces[snap.TraceID], snap)
}

func (t *Tracer) evictOldestLocked() {
	front := t.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	t.order.Remove(front)
	delete(t.traces, id)
}

func (t *Tracer) notify(snap SpanSnapshot) {
	t.obsMu.RLock()
	observers := append([]SpanObserver(nil), t.observers...)
	t.obsMu.RUnlock()
	for _, obs := range observers {
		obs.OnSpanFinished(snap)
	}
}

// ExtractContext snapshots a span's identity, flags and baggage.
func (t *Tracer) ExtractContext(span *Span) TraceContext {
	if span == nil {
		return TraceContext{}
	}
	return TraceContext{
		TraceID:    span.traceID,
		SpanID:     span.spanID,
		TraceFlags: 0x01,
		Baggage:    span.Baggage(),
	}
}

// InjectContext writes ctx into the carrier (traceparent + baggage keys).
func (t *Tracer) InjectContext(ctx TraceContext, carrier map[string]string) {
	ctx.Inject(carrier)
}

// ExtractContextFromCarrier parses a carrier; malformed traceparent is an
// error.
func (t *Tracer) ExtractContextFromCarrier(carrier map[string]string) (TraceContext, error) {
	return Extract(carrier)
}

// Trace returns snapshot copies of all finished spans under traceID, sorted
// by start time.
func (t *Tracer) Trace(traceID string) ([]SpanSnapshot, error) {
	t.mu.Lock()
	spans, ok := t.traces[traceID]
	if !ok {
		t.mu.Unlock()
		return nil, types.NewError(types.ErrNotFound, "no trace stored under %s", traceID)
	}
	out := append([]SpanSnapshot(nil), spans...)
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// TraceCount returns the number of stored traces.
func (t *Tracer) TraceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.traces)
}

// Context plumbing ------------------------------------------------------------

type spanCtxKey struct{}

// ContextWithSpan returns a context carrying span as the current span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanCtxKey{}, span)
}

// SpanFromContext returns the current span, or nil when none is set.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	span, _ := ctx.Value(spanCtxKey{}).(*Span)
	return span
}

// StartSpanFromGoContext continues the current span from ctx when present,
// otherwise starts a root span. The returned context carries the new span.
func (t *Tracer) StartSpanFromGoContext(ctx context.Context, operation string, opts ...SpanOption) (context.Context, *Span) {
	var span *Span
	if parent := SpanFromContext(ctx); parent != nil {
		span = t.StartChildSpan(parent, operation, opts...)
	} else {
		span = t.StartSpan(operation, opts...)
	}
	return ContextWithSpan(ctx, span), span
}

// WithSpan runs fn inside a span scoped to ctx: the previous current span is
// restored when fn returns, and the span is finished if fn left it open. An
// fn error marks the span status error before finishing.
func (t *Tracer) WithSpan(ctx context.Context, operation string, fn func(ctx context.Context, span *Span) error) error {
	childCtx, span := t.StartSpanFromGoContext(ctx, operation)
	err := fn(childCtx, span)
	if err != nil {
		span.SetStatus(StatusError, err.Error())
	}
	if !span.Finished() {
		_ = t.FinishSpan(span)
	}
	return err
}

// ExtractIDs returns the trace and span ids of the current span in ctx, empty
// strings when absent. Log correlation uses this.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	span := SpanFromContext(ctx)
	if span == nil {
		return "", ""
	}
	return span.TraceID(), span.SpanID()
}
