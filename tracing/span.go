// Package tracing implements span lifecycle, W3C trace-context propagation
// and an in-memory trace store. Finished spans can optionally be mirrored to
// an OpenTelemetry tracer for OTLP pipelines.
package tracing

import (
	"sync"
	"time"
)

// SpanStatus describes the outcome of a span.
type SpanStatus string

const (
	StatusUnset SpanStatus = "unset"
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

// SpanKind classifies the span's role in a request.
type SpanKind string

const (
	KindInternal SpanKind = "internal"
	KindServer   SpanKind = "server"
	KindClient   SpanKind = "client"
	KindProducer SpanKind = "producer"
	KindConsumer SpanKind = "consumer"
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Time time.Time         `json:"time"`
	Name string            `json:"name"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Span is a timed, named unit of work. Mutators are safe for concurrent use;
// identity fields are immutable after creation.
type Span struct {
	traceID      string
	spanID       string
	parentSpanID string

	mu            sync.Mutex
	operationName string
	serviceName   string
	start         time.Time
	end           time.Time
	finished      bool
	status        SpanStatus
	statusMessage string
	kind          SpanKind
	tags          map[string]string
	baggage       map[string]string
	events        []SpanEvent
}

// TraceID returns the 32-hex trace identifier.
func (s *Span) TraceID() string { return s.traceID }

// SpanID returns the 16-hex span identifier.
func (s *Span) SpanID() string { return s.spanID }

// ParentSpanID returns the parent's span id, empty for roots.
func (s *Span) ParentSpanID() string { return s.parentSpanID }

// OperationName returns the operation this span measures.
func (s *Span) OperationName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationName
}

// Start returns the span start instant.
func (s *Span) Start() time.Time { return s.start }

// End returns the finish instant, zero while unfinished.
func (s *Span) End() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Finished reports whether the span has been finished.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Duration returns end-start for finished spans, elapsed-so-far otherwise.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s.end.Sub(s.start)
	}
	return time.Since(s.start)
}

// SetStatus records the outcome. Error status carries a message.
func (s *Span) SetStatus(status SpanStatus, message string) {
	s.mu.Lock()
	s.status = status
	s.statusMessage = message
	s.mu.Unlock()
}

// Status returns the current status and message.
func (s *Span) Status() (SpanStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.statusMessage
}

// SetTag stores an attribute on the span.
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	if s.tags == nil {
		s.tags = make(map[string]string, 4)
	}
	s.tags[key] = value
	s.mu.Unlock()
}

// Tag reads one attribute.
func (s *Span) Tag(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.tags[key]
	return v, ok
}

// SetBaggageItem stores a baggage entry propagated to descendants created
// after this call.
func (s *Span) SetBaggageItem(key, value string) {
	s.mu.Lock()
	if s.baggage == nil {
		s.baggage = make(map[string]string, 4)
	}
	s.baggage[key] = value
	s.mu.Unlock()
}

// BaggageItem reads one baggage entry.
func (s *Span) BaggageItem(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.baggage[key]
	return v, ok
}

// Baggage returns a copy of the span's baggage.
func (s *Span) Baggage() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.baggage)
}

// Kind returns the span kind.
func (s *Span) Kind() SpanKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// SetKind reclassifies the span.
func (s *Span) SetKind(kind SpanKind) {
	s.mu.Lock()
	s.kind = kind
	if s.tags == nil {
		s.tags = make(map[string]string, 4)
	}
	s.tags["span.kind"] = string(kind)
	s.mu.Unlock()
}

// AddEvent appends a timestamped annotation.
func (s *Span) AddEvent(name string, tags map[string]string) {
	s.mu.Lock()
	s.events = append(s.events, SpanEvent{Time: time.Now(), Name: name, Tags: copyMap(tags)})
	s.mu.Unlock()
}

// SpanSnapshot is the immutable copy retained by the trace store.
type SpanSnapshot struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	OperationName string            `json:"operation_name"`
	ServiceName   string            `json:"service_name"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Duration      time.Duration     `json:"duration"`
	Status        SpanStatus        `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	Kind          SpanKind          `json:"kind"`
	Tags          map[string]string `json:"tags,omitempty"`
	Baggage       map[string]string `json:"baggage,omitempty"`
	Events        []SpanEvent       `json:"events,omitempty"`
}

// snapshotLocked assumes s.mu is held.
func (s *Span) snapshotLocked() SpanSnapshot {
	return SpanSnapshot{
		TraceID:       s.traceID,
		SpanID:        s.spanID,
		ParentSpanID:  s.parentSpanID,
		OperationName: s.operationName,
		ServiceName:   s.serviceName,
		Start:         s.start,
		End:           s.end,
		Duration:      s.end.Sub(s.start),
		Status:        s.status,
		StatusMessage: s.statusMessage,
		Kind:          s.kind,
		Tags:          copyMap(s.tags),
		Baggage:       copyMap(s.baggage),
		Events:        append([]SpanEvent(nil), s.events...),
	}
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
