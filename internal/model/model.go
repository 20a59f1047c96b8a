// Package model holds the domain types shared across the scheduler,
// session, pool, timer and task packages. Kept as plain json-tagged
// structs with no supporting library, matching how the teacher's own
// structs.go expresses wire shapes.
package model

import "time"

// GuildID is a Discord snowflake identifying a tenant guild.
type GuildID uint64

// PluginID optionally scopes a script contribution to a plugin. Present
// is false for a guild-authored script with no plugin provenance; it is
// never coerced to a zero value, so "no plugin" and "plugin 0" stay
// distinct down through the bucket-registration match in internal/task.
type PluginID struct {
	Present bool
	Value   int64
}

// Key renders the plugin id the way the persistence layer's composite
// bucket predicate expects: empty string when absent, decimal otherwise.
func (p PluginID) Key() string {
	if !p.Present {
		return ""
	}
	return itoa(p.Value)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// PremiumTier is a per-guild priority band selecting which worker-pool
// tiers may satisfy a lease request.
type PremiumTier int

const (
	TierFree PremiumTier = iota
	TierBasic
	TierPremium
)

// IntervalKind discriminates a timer's next-run computation strategy.
type IntervalKind struct {
	FixedMinutes int    // > 0 when this is a fixed-period timer
	CronExpr     string // non-empty when this is a cron timer
}

// IsCron reports whether this timer is cron-scheduled rather than
// fixed-period.
func (k IntervalKind) IsCron() bool { return k.CronExpr != "" }

// IntervalTimerContrib is a timer declared by a script's contribution
// set, merged into the timer manager on ScriptStarted.
type IntervalTimerContrib struct {
	PluginScope PluginID
	Name        string
	Interval    IntervalKind
}

// IntervalTimer is the persisted, tracked state of one contributed timer.
type IntervalTimer struct {
	GuildID     GuildID
	PluginScope PluginID
	Name        string
	Interval    IntervalKind
	LastRun     time.Time
}

// TimerID uniquely names a timer within a guild.
type TimerID struct {
	PluginScope PluginID
	Name        string
}

// BucketRef names a (plugin, bucket) pair a script contributes as a
// scheduled-task destination.
type BucketRef struct {
	PluginScope PluginID
	Name        string
}

// ScheduledTask is a persisted, guild-scoped unit of deferred work.
type ScheduledTask struct {
	ID          uint64
	GuildID     GuildID
	PluginScope PluginID
	Bucket      string
	UniqueKey   string // empty when the task has no idempotency key
	Payload     []byte
	ExecuteAt   time.Time
}

// Script is a compiled unit contributed by a guild or plugin.
type Script struct {
	ID              uint64
	GuildID         GuildID
	Source          string
	Enabled         bool
	Plugin          PluginID
	SettingsValues  map[string]string
	Contributions   ContributionSet
	CompileFailed   bool // quarantined: excluded from dispatch without killing the session
}

// ContributionSet is everything a script declares: commands, timers,
// task buckets, settings definitions.
type ContributionSet struct {
	Commands  []string
	Timers    []IntervalTimerContrib
	Buckets   []BucketRef
	Settings  []string
}

// SuspensionReason names why a guild was suspended.
type SuspensionReason int

const (
	SuspensionExcessCPU SuspensionReason = iota
	SuspensionTooManyInvalidRequests
)

// Duration returns the reason-dependent suspension window.
func (r SuspensionReason) Duration() time.Duration {
	switch r {
	case SuspensionExcessCPU:
		return 15 * time.Second
	case SuspensionTooManyInvalidRequests:
		return 10 * time.Minute
	default:
		return 15 * time.Second
	}
}

// ShutdownReason names why an isolate terminated.
type ShutdownReason int

const (
	ShutdownRequest ShutdownReason = iota
	ShutdownRunaway
	ShutdownOutOfMemory
	ShutdownTooManyInvalidRequests
)

// String implements fmt.Stringer for log lines.
func (r ShutdownReason) String() string {
	switch r {
	case ShutdownRequest:
		return "request"
	case ShutdownRunaway:
		return "runaway"
	case ShutdownOutOfMemory:
		return "out_of_memory"
	case ShutdownTooManyInvalidRequests:
		return "too_many_invalid_requests"
	default:
		return "unknown"
	}
}

// WorkerRetrievalHint tells a session whether the worker it was handed
// last ran this same guild.
type WorkerRetrievalHint int

const (
	RetrievedDifferent WorkerRetrievalHint = iota
	RetrievedSameGuild
)

// MetricKind discriminates how a forwarded metric should be recorded.
type MetricKind int

const (
	MetricCounter MetricKind = iota
	MetricGauge
	MetricHistogram
)

// GuildLogEntry is a single log line produced by a guild's script run.
type GuildLogEntry struct {
	GuildID   GuildID
	Level     string
	Message   string
	Timestamp time.Time
}
