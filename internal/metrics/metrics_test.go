package metrics

import (
	"testing"

	"github.com/botloader/guildscheduler/internal/model"
)

func TestMetricRecordsEachKindWithoutPanicking(t *testing.T) {
	r := New(NewProvider())
	guild := model.GuildID(1)

	r.Metric(guild, "tasks_run", model.MetricCounter, 1, map[string]string{"guild": "1"})
	r.Metric(guild, "workers_held", model.MetricGauge, 2, nil)
	r.Metric(guild, "dispatch_latency", model.MetricHistogram, 0.25, map[string]string{"script": "a"})
}

func TestInstrumentsAreCachedPerName(t *testing.T) {
	r := New(NewProvider())
	guild := model.GuildID(1)

	r.Metric(guild, "tasks_run", model.MetricCounter, 1, nil)
	first := r.counterFor("tasks_run")

	r.Metric(guild, "tasks_run", model.MetricCounter, 1, nil)
	second := r.counterFor("tasks_run")

	if first != second {
		t.Fatal("expected repeated Metric calls with the same name to reuse the cached instrument")
	}
}

func TestGaugeAndHistogramAreCachedPerName(t *testing.T) {
	r := New(NewProvider())

	g1 := r.gaugeFor("workers_held")
	g2 := r.gaugeFor("workers_held")
	if g1 != g2 {
		t.Fatal("expected gaugeFor to cache by name")
	}

	h1 := r.histogramFor("dispatch_latency")
	h2 := r.histogramFor("dispatch_latency")
	if h1 != h2 {
		t.Fatal("expected histogramFor to cache by name")
	}
}
