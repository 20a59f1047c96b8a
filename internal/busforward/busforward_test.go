package busforward

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
)

// These tests exercise only the buffering/drop behavior of GuildLog and
// Metric; Run() requires a live NATS/STAN connection, so it is not
// invoked here.

func TestGuildLogEnqueuesFrame(t *testing.T) {
	f := New(Config{}, zerolog.Nop())

	f.GuildLog(model.GuildLogEntry{GuildID: 1, Message: "hello"})

	select {
	case frame := <-f.produce:
		if frame.Log == nil || frame.Log.Message != "hello" {
			t.Fatalf("expected the enqueued log frame, got %+v", frame)
		}
	default:
		t.Fatal("expected GuildLog to enqueue a frame")
	}
}

func TestMetricEnqueuesFrame(t *testing.T) {
	f := New(Config{}, zerolog.Nop())

	f.Metric(1, "tasks_run", model.MetricCounter, 3, map[string]string{"a": "b"})

	select {
	case frame := <-f.produce:
		if frame.Metric == nil || frame.Metric.Name != "tasks_run" || frame.Metric.Value != 3 {
			t.Fatalf("expected the enqueued metric frame, got %+v", frame)
		}
	default:
		t.Fatal("expected Metric to enqueue a frame")
	}
}

func TestGuildLogDropsWhenBufferFull(t *testing.T) {
	f := New(Config{}, zerolog.Nop())

	for i := 0; i < BufferSize; i++ {
		f.GuildLog(model.GuildLogEntry{GuildID: model.GuildID(i)})
	}
	if len(f.produce) != BufferSize {
		t.Fatalf("expected the buffer to be full, got %d/%d", len(f.produce), BufferSize)
	}

	// GuildLog's internal select has a default case, so this call returns
	// immediately instead of blocking even though the buffer is full.
	f.GuildLog(model.GuildLogEntry{GuildID: 999})
	if len(f.produce) != BufferSize {
		t.Fatalf("expected the buffer to remain at capacity after a dropped log, got %d", len(f.produce))
	}
}
