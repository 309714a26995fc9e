package tracing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/pulse/types"
)

func newTestTracer(t *testing.T) *Tracer {
	t.Helper()
	tr, err := New(DefaultConfig())
	require.NoError(t, err)
	return tr
}

func TestSpanIdentityFormat(t *testing.T) {
	tr := newTestTracer(t)
	span := tr.StartSpan("fetch")

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), span.TraceID())
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{16}$`), span.SpanID())
	assert.NotEqual(t, zeroTraceID, span.TraceID())
	assert.NotEqual(t, zeroSpanID, span.SpanID())
	assert.Empty(t, span.ParentSpanID())

	kind, _ := span.Tag("span.kind")
	assert.Equal(t, string(KindInternal), kind)
	svc, _ := span.Tag("service.name")
	assert.Equal(t, "pulse", svc)
}

func TestChildSpanLinkage(t *testing.T) {
	tr := newTestTracer(t)
	parent := tr.StartSpan("parent")
	parent.SetBaggageItem("tenant", "blue")

	child := tr.StartChildSpan(parent, "child")
	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.Equal(t, parent.SpanID(), child.ParentSpanID())
	assert.NotEqual(t, parent.SpanID(), child.SpanID())

	// Baggage copied by value: later parent writes don't leak in.
	v, ok := child.BaggageItem("tenant")
	require.True(t, ok)
	assert.Equal(t, "blue", v)
	parent.SetBaggageItem("tenant", "green")
	v, _ = child.BaggageItem("tenant")
	assert.Equal(t, "blue", v)
}

func TestFinishSpanTwiceFails(t *testing.T) {
	tr := newTestTracer(t)
	span := tr.StartSpan("once")

	require.NoError(t, tr.FinishSpan(span))
	assert.False(t, span.End().Before(span.Start()))

	err := tr.FinishSpan(span)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAlreadyExists))
}

func TestFinishDefaultsStatusOK(t *testing.T) {
	tr := newTestTracer(t)
	span := tr.StartSpan("op")
	require.NoError(t, tr.FinishSpan(span))
	status, _ := span.Status()
	assert.Equal(t, StatusOK, status)

	failed := tr.StartSpan("op")
	failed.SetStatus(StatusError, "boom")
	require.NoError(t, tr.FinishSpan(failed))
	status, msg := failed.Status()
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "boom", msg)
}

func TestTraceStoreSortedByStart(t *testing.T) {
	tr := newTestTracer(t)
	root := tr.StartSpan("root")
	time.Sleep(time.Millisecond)
	child := tr.StartChildSpan(root, "child")

	require.NoError(t, tr.FinishSpan(child))
	require.NoError(t, tr.FinishSpan(root))

	spans, err := tr.Trace(root.TraceID())
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "root", spans[0].OperationName)
	assert.Equal(t, "child", spans[1].OperationName)

	_, err = tr.Trace("deadbeefdeadbeefdeadbeefdeadbeef")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestTraceStoreEvictsOldest(t *testing.T) {
	tr, err := New(Config{ServiceName: "svc", MaxTraces: 2})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		span := tr.StartSpan(fmt.Sprintf("op-%d", i))
		ids = append(ids, span.TraceID())
		require.NoError(t, tr.FinishSpan(span))
	}

	assert.Equal(t, 2, tr.TraceCount())
	_, err = tr.Trace(ids[0])
	assert.Error(t, err, "oldest trace should be evicted")
	_, err = tr.Trace(ids[2])
	assert.NoError(t, err)
}

func TestW3CRoundTrip(t *testing.T) {
	ctx := TraceContext{
		TraceID:    "0af7651916cd43dd8448eb211c80319c",
		SpanID:     "b7ad6b7169203331",
		TraceFlags: 0x01,
	}
	serialized := ctx.ToW3C()
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", serialized)

	parsed, err := FromW3C(serialized)
	require.NoError(t, err)
	assert.Equal(t, ctx.TraceID, parsed.TraceID)
	assert.Equal(t, ctx.SpanID, parsed.SpanID)
	assert.Equal(t, ctx.TraceFlags, parsed.TraceFlags)
}

func TestFromW3CMalformed(t *testing.T) {
	cases := []string{
		"",
		"00-abc-def",
		"01-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
		"00-00000000000000000000000000000000-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319c-0000000000000000-01",
		"00-0AF7651916CD43DD8448EB211C80319C-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-zz",
		"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01-extra",
	}
	for _, tc := range cases {
		_, err := FromW3C(tc)
		assert.Error(t, err, "input %q", tc)
	}
}

func TestCarrierInjectExtractBaggage(t *testing.T) {
	tr := newTestTracer(t)
	span := tr.StartSpan("op")
	span.SetBaggageItem("user", "u-1")
	span.SetBaggageItem("region", "eu-west")

	ctx := tr.ExtractContext(span)
	carrier := make(map[string]string)
	tr.InjectContext(ctx, carrier)

	assert.Contains(t, carrier, TraceparentHeader)
	assert.Equal(t, "u-1", carrier["baggage-user"])

	extracted, err := tr.ExtractContextFromCarrier(carrier)
	require.NoError(t, err)
	assert.Equal(t, ctx.TraceID, extracted.TraceID)
	assert.Equal(t, ctx.SpanID, extracted.SpanID)
	assert.Equal(t, map[string]string{"user": "u-1", "region": "eu-west"}, extracted.Baggage)
}

func TestExtractFromCarrierWithoutTraceparent(t *testing.T) {
	tr := newTestTracer(t)
	_, err := tr.ExtractContextFromCarrier(map[string]string{"baggage-x": "1"})
	require.Error(t, err)
}

func TestStartSpanFromContextContinuesTrace(t *testing.T) {
	tr := newTestTracer(t)
	remote := TraceContext{
		TraceID: "0af7651916cd43dd8448eb211c80319c",
		SpanID:  "b7ad6b7169203331",
		Baggage: map[string]string{"k": "v"},
	}
	span := tr.StartSpanFromContext(remote, "handle")
	assert.Equal(t, remote.TraceID, span.TraceID())
	assert.Equal(t, remote.SpanID, span.ParentSpanID())
	v, _ := span.BaggageItem("k")
	assert.Equal(t, "v", v)
}

func TestGoContextPropagation(t *testing.T) {
	tr := newTestTracer(t)

	ctx, root := tr.StartSpanFromGoContext(context.Background(), "root")
	assert.Same(t, root, SpanFromContext(ctx))

	childCtx, child := tr.StartSpanFromGoContext(ctx, "child")
	assert.Equal(t, root.TraceID(), child.TraceID())
	assert.Equal(t, root.SpanID(), child.ParentSpanID())
	assert.Same(t, child, SpanFromContext(childCtx))
	// The parent context still sees the root span.
	assert.Same(t, root, SpanFromContext(ctx))
}

func TestWithSpanScopedHelper(t *testing.T) {
	tr := newTestTracer(t)

	var inner *Span
	err := tr.WithSpan(context.Background(), "scoped", func(ctx context.Context, span *Span) error {
		inner = span
		assert.Same(t, span, SpanFromContext(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, inner.Finished(), "span must be finished on scope exit")

	err = tr.WithSpan(context.Background(), "failing", func(ctx context.Context, span *Span) error {
		return errors.New("kaput")
	})
	require.Error(t, err)
}

func TestWithSpanErrorMarksStatus(t *testing.T) {
	tr := newTestTracer(t)
	var span *Span
	_ = tr.WithSpan(context.Background(), "failing", func(_ context.Context, s *Span) error {
		span = s
		return errors.New("kaput")
	})
	status, msg := span.Status()
	assert.Equal(t, StatusError, status)
	assert.Equal(t, "kaput", msg)
}

func TestExtractIDs(t *testing.T) {
	tr := newTestTracer(t)
	traceID, spanID := ExtractIDs(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)

	ctx, span := tr.StartSpanFromGoContext(context.Background(), "op")
	traceID, spanID = ExtractIDs(ctx)
	assert.Equal(t, span.TraceID(), traceID)
	assert.Equal(t, span.SpanID(), spanID)
}

func TestOTelBridgeExportsFinishedSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	tr := newTestTracer(t)
	tr.AddObserver(NewOTelBridge(tp, "test"))

	span := tr.StartSpan("bridged", WithKind(KindClient))
	span.AddEvent("checkpoint", map[string]string{"n": "1"})
	require.NoError(t, tr.FinishSpan(span))

	exported := exporter.GetSpans()
	require.Len(t, exported, 1)
	assert.Equal(t, "bridged", exported[0].Name)
}
