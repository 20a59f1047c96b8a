// Package busforward forwards guild logs and metric observations onto a
// NATS Streaming (STAN) channel, for any number of external consumers
// (dashboards, alerting) to subscribe to without the scheduler knowing
// about them directly — the explicit MetricSink/LogSink handles of spec
// §9's "avoid global mutable state" design note, backed by a message
// bus instead of an in-process fan-out.
//
// Grounded on the teacher's manager.go ForwardEvents/ForwardProduce
// split: a buffered produce channel decoupling "decide this is worth
// forwarding" from "actually publish to NATS/STAN", reused here for
// metric/log frames instead of Discord gateway events.
package busforward

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/botloader/guildscheduler/internal/model"
)

// BufferSize matches the teacher's produce channel depth.
const BufferSize = 256

// Frame is the envelope published to the bus: exactly one of Log or
// Metric is set.
type Frame struct {
	Log    *model.GuildLogEntry `msgpack:"log,omitempty"`
	Metric *MetricObservation   `msgpack:"metric,omitempty"`
}

// MetricObservation is one forwarded metric sample.
type MetricObservation struct {
	GuildID model.GuildID     `msgpack:"guild_id"`
	Name    string            `msgpack:"name"`
	Kind    model.MetricKind  `msgpack:"kind"`
	Value   float64           `msgpack:"value"`
	Labels  map[string]string `msgpack:"labels"`
}

// Config names the NATS/STAN endpoint to publish to, mirroring the
// teacher's Configuration.NatsAddress/NatsChannel/ClusterID/ClientID.
type Config struct {
	NatsAddress string
	NatsChannel string
	ClusterID   string
	ClientID    string
}

// Forwarder buffers frames and publishes them to STAN from a single
// background goroutine, matching the teacher's single-publisher
// discipline (STAN publishes are not safe to pipeline unboundedly from
// many goroutines against one connection).
type Forwarder struct {
	cfg Config
	log zerolog.Logger

	natsConn *nats.Conn
	stanConn stan.Conn

	produce chan Frame
	done    chan struct{}
}

// New constructs a Forwarder. Run must be called to dial and start
// publishing.
func New(cfg Config, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		cfg:     cfg,
		log:     log,
		produce: make(chan Frame, BufferSize),
		done:    make(chan struct{}),
	}
}

// Run dials NATS/STAN and publishes every buffered frame until Close is
// called and the buffer drains.
func (f *Forwarder) Run() error {
	var err error
	f.natsConn, err = nats.Connect(f.cfg.NatsAddress)
	if err != nil {
		return fmt.Errorf("busforward: connect nats: %w", err)
	}
	f.stanConn, err = stan.Connect(f.cfg.ClusterID, f.cfg.ClientID, stan.NatsConn(f.natsConn))
	if err != nil {
		return fmt.Errorf("busforward: connect stan: %w", err)
	}

	go f.publishLoop()
	return nil
}

func (f *Forwarder) publishLoop() {
	defer close(f.done)
	for frame := range f.produce {
		payload, err := msgpack.Marshal(frame)
		if err != nil {
			f.log.Warn().Err(err).Msg("busforward: failed to marshal frame")
			continue
		}
		if err := f.stanConn.Publish(f.cfg.NatsChannel, payload); err != nil {
			f.log.Warn().Err(err).Msg("busforward: failed to publish frame")
		}
	}
}

// GuildLog implements session.LogSink.
func (f *Forwarder) GuildLog(entry model.GuildLogEntry) {
	select {
	case f.produce <- Frame{Log: &entry}:
	default:
		f.log.Warn().Uint64("guild", uint64(entry.GuildID)).Msg("busforward: produce buffer full, dropping log")
	}
}

// Metric implements session.MetricSink.
func (f *Forwarder) Metric(guild model.GuildID, name string, kind model.MetricKind, value float64, labels map[string]string) {
	obs := &MetricObservation{GuildID: guild, Name: name, Kind: kind, Value: value, Labels: labels}
	select {
	case f.produce <- Frame{Metric: obs}:
	default:
		f.log.Warn().Uint64("guild", uint64(guild)).Str("metric", name).Msg("busforward: produce buffer full, dropping metric")
	}
}

// Close drains the produce channel and closes the STAN/NATS connections.
func (f *Forwarder) Close() {
	close(f.produce)
	<-f.done
	if f.stanConn != nil {
		f.stanConn.Close()
	}
	if f.natsConn != nil {
		f.natsConn.Close()
	}
}
