// Package workerhost implements the worker process side of spec §4.6:
// over a connection to the scheduler (dialed by cmd/worker), it announces itself with
// Hello, and bridges every scheduler message to isolate commands,
// forwarding isolate lifecycle events back as wire frames.
//
// Adapted from the teacher's gateway/connection.go read/write-mutex
// wrapper (there, around a websocket; here, around any net.Conn) and
// gateway/shard.go's connect-then-serve-loop shape.
package workerhost

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/isolate"
	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/wire"
)

// Host hosts at most one isolate at a time for this worker process.
type Host struct {
	WorkerID uint64
	codec    *wire.Codec
	log      zerolog.Logger

	metrics isolate.MetricSink
	logs    isolate.LogSink

	current      *isolate.Runtime
	currentGuild model.GuildID
	currentSess  uint64
}

// New wraps transport in a Codec and returns a Host ready to Serve. The
// isolate's metric/log sinks forward over this same codec as
// KindMetric/KindGuildLog frames rather than anywhere local — a worker
// process has nowhere else to send them, since the scheduler is the
// only thing that ever sees this connection's far end.
func New(workerID uint64, codec *wire.Codec, log zerolog.Logger) *Host {
	h := &Host{WorkerID: workerID, codec: codec, log: log}
	h.metrics = wireMetricSink{h}
	h.logs = wireLogSink{h}
	return h
}

// wireMetricSink and wireLogSink adapt Host.send to the isolate
// package's MetricSink/LogSink capabilities.
type wireMetricSink struct{ h *Host }

func (s wireMetricSink) Metric(name string, kind model.MetricKind, value float64, labels map[string]string) {
	if err := s.h.send(wire.KindMetric, wire.Metric{Name: name, Kind: kind, Value: value, Labels: labels}); err != nil {
		s.h.log.Error().Err(err).Str("metric", name).Msg("failed forwarding isolate metric")
	}
}

type wireLogSink struct{ h *Host }

func (s wireLogSink) GuildLog(entry model.GuildLogEntry) {
	if err := s.h.send(wire.KindGuildLog, wire.GuildLog{Entry: entry}); err != nil {
		s.h.log.Error().Err(err).Uint64("guild", uint64(entry.GuildID)).Msg("failed forwarding guild log")
	}
}

// Serve sends Hello and then services the bidirectional stream until
// the connection fails or a Shutdown frame arrives. Any framing/decode
// error is treated as fatal, per §4.1.
func (h *Host) Serve(ctx context.Context) error {
	hello, err := wire.Encode(wire.KindHello, wire.Hello{WorkerID: h.WorkerID})
	if err != nil {
		return err
	}
	if err := h.codec.WriteFrame(hello); err != nil {
		return fmt.Errorf("workerhost: send hello: %w", err)
	}

	for {
		frame, err := h.codec.ReadFrame()
		if err != nil {
			return fmt.Errorf("workerhost: read frame: %w", err)
		}

		switch frame.Kind {
		case wire.KindCreateScriptsVm:
			var req wire.CreateScriptsVm
			if err := wire.Unmarshal(frame.Payload, &req); err != nil {
				return fmt.Errorf("workerhost: decode CreateScriptsVm: %w", err)
			}
			if err := h.onCreateScriptsVm(ctx, req); err != nil {
				return err
			}
			if err := h.ack(req.Seq); err != nil {
				return err
			}
			started := wire.ScriptStarted{GuildID: req.GuildID}
			for _, s := range req.Scripts {
				if s.CompileFailed {
					continue
				}
				started.Timers = append(started.Timers, s.Contributions.Timers...)
				started.Buckets = append(started.Buckets, s.Contributions.Buckets...)
				started.Settings = append(started.Settings, s.Contributions.Settings...)
			}
			if err := h.send(wire.KindScriptStarted, started); err != nil {
				return err
			}
			go h.pumpEvents(h.current)

		case wire.KindDispatch:
			var d wire.Dispatch
			if err := wire.Unmarshal(frame.Payload, &d); err != nil {
				return fmt.Errorf("workerhost: decode Dispatch: %w", err)
			}
			if h.current != nil {
				h.current.DispatchEvent(d.Name, d.Payload, d.Seq)
			}

		case wire.KindComplete:
			if h.current != nil {
				h.current.ShutdownVm(model.ShutdownRequest)
			}

		case wire.KindShutdownCmd:
			if h.current != nil {
				h.current.ShutdownVm(model.ShutdownRequest)
			}
			return nil

		default:
			return fmt.Errorf("workerhost: unknown frame kind %d", frame.Kind)
		}
	}
}

// onCreateScriptsVm implements the tear-down/restart/spawn decision of
// spec §4.6: different guild shuts down and waits for exit; same guild
// tears down and restarts; then a new isolate is spawned and recorded.
func (h *Host) onCreateScriptsVm(ctx context.Context, req wire.CreateScriptsVm) error {
	if h.current != nil {
		if h.currentGuild != req.GuildID {
			h.current.ShutdownVm(model.ShutdownRequest)
			h.drainUntilTerminated(h.current)
			h.current = nil
		} else {
			h.current.ShutdownVm(model.ShutdownRequest)
			h.drainUntilTerminated(h.current)
			h.current = nil
		}
	}

	rt, err := isolate.New(ctx, req.GuildID, req.SessionID, req.Scripts, isolate.DefaultConfig(), h.log, h.metrics, h.logs)
	if err != nil {
		return fmt.Errorf("workerhost: create isolate: %w", err)
	}

	h.current = rt
	h.currentGuild = req.GuildID
	h.currentSess = req.SessionID

	return nil
}

// drainUntilTerminated blocks until rt's event channel closes (the
// terminal signal emitted by isolate.Runtime.terminate), without
// forwarding those events — used only when we are about to replace rt
// wholesale and its events are no longer addressed to anyone.
func (h *Host) drainUntilTerminated(rt *isolate.Runtime) {
	for range rt.Events() {
	}
}

// pumpEvents forwards one isolate's lifecycle events to the scheduler as
// wire frames until its event channel closes.
func (h *Host) pumpEvents(rt *isolate.Runtime) {
	var err error
	for evt := range rt.Events() {
		switch {
		case evt.ScriptStarted != nil:
			err = h.send(wire.KindScriptStarted, wire.ScriptStarted{
				GuildID:  rt.Guild,
				Timers:   evt.ScriptStarted.Timers,
				Buckets:  evt.ScriptStarted.Buckets,
				Settings: evt.ScriptStarted.Settings,
			})
		case evt.Ack != nil:
			err = h.send(wire.KindAck, wire.Ack{Seq: *evt.Ack})
		case evt.VMFinished:
			err = h.send(wire.KindNonePending, wire.NonePending{})
		case evt.Shutdown != nil:
			err = h.send(wire.KindShutdownEvt, wire.ShutdownEvt{
				VMSessionID: rt.SessionID,
				GuildID:     rt.Guild,
				Reason:      evt.Shutdown.Reason,
			})
		}
		if err != nil {
			h.log.Error().Err(err).Uint64("guild", uint64(rt.Guild)).Msg("failed forwarding isolate event")
			return
		}
	}
}

func (h *Host) ack(seq uint64) error {
	return h.send(wire.KindAck, wire.Ack{Seq: seq})
}

func (h *Host) send(kind byte, v interface{}) error {
	frame, err := wire.Encode(kind, v)
	if err != nil {
		return fmt.Errorf("workerhost: encode frame kind %d: %w", kind, err)
	}
	if err := h.codec.WriteFrame(frame); err != nil {
		return fmt.Errorf("workerhost: write frame: %w", err)
	}
	return nil
}
