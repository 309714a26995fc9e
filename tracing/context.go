package tracing

import (
	"regexp"
	"strings"

	"github.com/99souls/pulse/types"
)

// Carrier keys for context propagation.
const (
	TraceparentHeader = "traceparent"
	baggagePrefix     = "baggage-"
)

var (
	traceIDRE = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDRE  = regexp.MustCompile(`^[0-9a-f]{16}$`)
	flagsRE   = regexp.MustCompile(`^[0-9a-f]{2}$`)

	zeroTraceID = strings.Repeat("0", 32)
	zeroSpanID  = strings.Repeat("0", 16)
)

// TraceContext is the portable identity of a trace position plus baggage.
type TraceContext struct {
	TraceID    string
	SpanID     string
	TraceFlags byte
	TraceState string
	Baggage    map[string]string
}

// ToW3C serializes as "00-<trace_id>-<span_id>-<flags>".
func (c TraceContext) ToW3C() string {
	var sb strings.Builder
	sb.WriteString("00-")
	sb.WriteString(c.TraceID)
	sb.WriteByte('-')
	sb.WriteString(c.SpanID)
	sb.WriteByte('-')
	sb.WriteString(hexByte(c.TraceFlags))
	return sb.String()
}

// FromW3C parses a traceparent value. Exactly four dash-separated fields,
// version 00, non-zero lowercase hex ids.
func FromW3C(value string) (TraceContext, error) {
	parts := strings.Split(value, "-")
	if len(parts) != 4 {
		return TraceContext{}, types.NewError(types.ErrInvalidConfiguration, "traceparent must have 4 fields, got %d", len(parts))
	}
	if parts[0] != "00" {
		return TraceContext{}, types.NewError(types.ErrInvalidConfiguration, "unsupported traceparent version %q", parts[0])
	}
	if !traceIDRE.MatchString(parts[1]) || parts[1] == zeroTraceID {
		return TraceContext{}, types.NewError(types.ErrInvalidConfiguration, "invalid trace id %q", parts[1])
	}
	if !spanIDRE.MatchString(parts[2]) || parts[2] == zeroSpanID {
		return TraceContext{}, types.NewError(types.ErrInvalidConfiguration, "invalid span id %q", parts[2])
	}
	if !flagsRE.MatchString(parts[3]) {
		return TraceContext{}, types.NewError(types.ErrInvalidConfiguration, "invalid trace flags %q", parts[3])
	}
	return TraceContext{
		TraceID:    parts[1],
		SpanID:     parts[2],
		TraceFlags: parseHexByte(parts[3]),
	}, nil
}

// Inject writes the context into a string-map carrier: the traceparent header
// plus one "baggage-<key>" entry per baggage item.
func (c TraceContext) Inject(carrier map[string]string) {
	carrier[TraceparentHeader] = c.ToW3C()
	for k, v := range c.Baggage {
		carrier[baggagePrefix+k] = v
	}
}

// Extract parses a carrier previously populated by Inject. A missing or
// malformed traceparent is an error; baggage entries are collected by prefix.
func Extract(carrier map[string]string) (TraceContext, error) {
	tp, ok := carrier[TraceparentHeader]
	if !ok {
		return TraceContext{}, types.NewError(types.ErrNotFound, "carrier has no traceparent")
	}
	ctx, err := FromW3C(tp)
	if err != nil {
		return TraceContext{}, err
	}
	for k, v := range carrier {
		if strings.HasPrefix(k, baggagePrefix) {
			if ctx.Baggage == nil {
				ctx.Baggage = make(map[string]string, 4)
			}
			ctx.Baggage[strings.TrimPrefix(k, baggagePrefix)] = v
		}
	}
	return ctx, nil
}

const hexDigits = "0123456789abcdef"

func hexByte(b byte) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0f]})
}

func parseHexByte(s string) byte {
	return byte(hexNibble(s[0])<<4 | hexNibble(s[1]))
}

func hexNibble(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return 0
}
