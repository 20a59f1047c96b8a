// Package metrics is the concrete backing for the session's MetricSink
// capability (spec §4.4): one OpenTelemetry instrument per (name, kind)
// pair, lazily created and cached, recording whatever attributes the
// session has already decided to attach (guild-labeled, or verbatim for
// the latency-histogram whitelist).
//
// The teacher itself carries no metrics library — it logs via zerolog
// only — so this is pulled from zkoranges-go-claw, which wires
// go.opentelemetry.io/otel end to end (meter provider, sdk, instrument
// creation) for its gateway package.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/botloader/guildscheduler/internal/model"
)

// Recorder implements session.MetricSink over an OTel meter.
type Recorder struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64UpDownCounter
	histograms map[string]metric.Float64Histogram
}

// NewProvider builds a minimal in-process MeterProvider; a production
// wiring would attach a periodic reader with a real exporter.
func NewProvider() *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider()
}

// New constructs a Recorder backed by provider's "guildscheduler" meter.
func New(provider *sdkmetric.MeterProvider) *Recorder {
	return &Recorder{
		meter:      provider.Meter("guildscheduler"),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64UpDownCounter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// Metric implements session.MetricSink.
func (r *Recorder) Metric(guild model.GuildID, name string, kind model.MetricKind, value float64, labels map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	opt := metric.WithAttributes(attrs...)
	ctx := context.Background()

	switch kind {
	case model.MetricCounter:
		r.counterFor(name).Add(ctx, value, opt)
	case model.MetricGauge:
		r.gaugeFor(name).Add(ctx, value, opt)
	case model.MetricHistogram:
		r.histogramFor(name).Record(ctx, value, opt)
	}
}

func (r *Recorder) counterFor(name string) metric.Float64Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		// instrument creation only fails on a malformed name; fall back to
		// a no-op-ish instrument under a safe name rather than panicking.
		c, _ = r.meter.Float64Counter(fmt.Sprintf("invalid_%x", name))
	}
	r.counters[name] = c
	return c
}

func (r *Recorder) gaugeFor(name string) metric.Float64UpDownCounter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g, err := r.meter.Float64UpDownCounter(name)
	if err != nil {
		g, _ = r.meter.Float64UpDownCounter(fmt.Sprintf("invalid_%x", name))
	}
	r.gauges[name] = g
	return g
}

func (r *Recorder) histogramFor(name string) metric.Float64Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		h, _ = r.meter.Float64Histogram(fmt.Sprintf("invalid_%x", name))
	}
	r.histograms[name] = h
	return h
}
