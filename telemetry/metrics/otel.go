package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OpenTelemetry bridge.
type OTelProviderOptions struct {
	// MeterProvider to build instruments from; nil allocates a zero-config
	// SDK provider (callers layer exporters and views on their own).
	MeterProvider *sdkmetric.MeterProvider
	// Scope names the meter; empty defaults to "pulse".
	Scope string
}

// NewOTelProvider returns a Provider backed by an OTel meter. Gauge Set
// records on a synchronous Float64Gauge; Gauge Add goes to a companion
// UpDownCounter named "<name>.delta".
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := opts.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	scope := opts.Scope
	if scope == "" {
		scope = "pulse"
	}
	return &otelProvider{meter: mp.Meter(scope)}
}

type otelProvider struct {
	meter metric.Meter
}

// otelName joins namespace/subsystem/name with dots per OTel convention.
func otelName(c CommonOpts) string {
	name := c.Name
	if c.Subsystem != "" {
		name = c.Subsystem + "." + name
	}
	if c.Namespace != "" {
		name = c.Namespace + "." + name
	}
	return name
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64Gauge(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	add, err := p.meter.Float64UpDownCounter(otelName(opts.CommonOpts)+".delta", metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, add: add, labelKeys: opts.Labels}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewTimer(opts HistogramOpts) func() Timer {
	hist := p.NewHistogram(opts)
	return func() Timer { return &timerStart{hist: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

func attrs(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrs(c.labelKeys, labels)...))
}

type otelGauge struct {
	g         metric.Float64Gauge
	add       metric.Float64UpDownCounter
	labelKeys []string
}

func (g *otelGauge) Set(value float64, labels ...string) {
	g.g.Record(context.Background(), value, metric.WithAttributes(attrs(g.labelKeys, labels)...))
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	g.add.Add(context.Background(), delta, metric.WithAttributes(attrs(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(value float64, labels ...string) {
	h.h.Record(context.Background(), value, metric.WithAttributes(attrs(h.labelKeys, labels)...))
}
