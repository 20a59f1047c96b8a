package wire

import (
	"fmt"

	"github.com/botloader/guildscheduler/internal/model"
)

// Frame kinds for the scheduler↔worker protocol (spec §6, §4.6).
//
// Scheduler→worker kinds are in the 0x0_ range, worker→scheduler kinds
// in the 0x1_ range, purely so a misrouted frame is obvious in a log
// line rather than silently decoding into the wrong struct.
const (
	KindCreateScriptsVm byte = 0x01
	KindDispatch        byte = 0x02
	KindComplete        byte = 0x03
	KindShutdownCmd     byte = 0x04

	KindHello         byte = 0x10
	KindAck           byte = 0x11
	KindScriptStarted byte = 0x12
	KindTaskScheduled byte = 0x13
	KindGuildLog      byte = 0x14
	KindMetric        byte = 0x15
	KindNonePending   byte = 0x16
	KindShutdownEvt   byte = 0x17
)

// CreateScriptsVm asks the worker to (re)create the isolate for a guild.
type CreateScriptsVm struct {
	Seq         uint64        `msgpack:"seq"`
	SessionID   uint64        `msgpack:"session_id"`
	GuildID     model.GuildID `msgpack:"guild_id"`
	PremiumTier int           `msgpack:"premium_tier"`
	Scripts     []model.Script `msgpack:"scripts"`
}

// Dispatch carries one event into the running isolate.
type Dispatch struct {
	Name      string `msgpack:"name"`
	Seq       uint64 `msgpack:"seq"`
	Payload   []byte `msgpack:"payload"`
	Source    string `msgpack:"source"`
	SourceTS  int64  `msgpack:"source_ts"`
}

// Complete requests a graceful isolate shutdown (reason = request).
type Complete struct{}

// ShutdownCmd terminates the worker host itself.
type ShutdownCmd struct{}

// Hello announces a worker's identity to the scheduler on connect.
type Hello struct {
	WorkerID uint64 `msgpack:"worker_id"`
}

// Ack confirms completion of one dispatched seq.
type Ack struct {
	Seq uint64 `msgpack:"seq"`
}

// ScriptStarted reports merged contribution metadata after a VM create.
type ScriptStarted struct {
	GuildID model.GuildID           `msgpack:"guild_id"`
	Timers  []model.IntervalTimerContrib `msgpack:"timers"`
	Buckets []model.BucketRef       `msgpack:"buckets"`
	Settings []string               `msgpack:"settings"`
}

// TaskScheduled signals the VM scheduled a new task, invalidating the
// task manager's cached next-fire time.
type TaskScheduled struct{}

// GuildLog forwards one log entry produced by the isolate.
type GuildLog struct {
	Entry model.GuildLogEntry `msgpack:"entry"`
}

// Metric forwards one metric observation produced by the isolate.
type Metric struct {
	Name   string            `msgpack:"name"`
	Kind   model.MetricKind  `msgpack:"kind"`
	Value  float64           `msgpack:"value"`
	Labels map[string]string `msgpack:"labels"`
}

// NonePending signals the isolate has drained its pending-ack set.
type NonePending struct{}

// ShutdownEvt reports a terminal isolate exit.
type ShutdownEvt struct {
	VMSessionID uint64              `msgpack:"vm_session_id"`
	GuildID     model.GuildID       `msgpack:"guild_id"`
	Reason      model.ShutdownReason `msgpack:"reason"`
}

// Encode marshals v and wraps it in a Frame of the given kind.
func Encode(kind byte, v interface{}) (Frame, error) {
	payload, err := Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode kind %d: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}
