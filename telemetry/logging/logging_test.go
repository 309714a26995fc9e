package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/pulse/tracing"
)

func TestCorrelationAttrsInjected(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	tr, err := tracing.New(tracing.DefaultConfig())
	require.NoError(t, err)
	ctx, span := tr.StartSpanFromGoContext(context.Background(), "op")

	logger.InfoCtx(ctx, "hello", slog.String("k", "v"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "hello", record["msg"])
	assert.Equal(t, "v", record["k"])
	assert.Equal(t, span.TraceID(), record["trace_id"])
	assert.Equal(t, span.SpanID(), record["span_id"])
}

func TestNoCorrelationWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.ErrorCtx(context.Background(), "plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasTrace := record["trace_id"]
	assert.False(t, hasTrace)
}

func TestNilBaseFallsBackToDefault(t *testing.T) {
	logger := New(nil)
	logger.DebugCtx(context.Background(), "ignored")
	logger.WarnCtx(context.Background(), "ignored")
}
