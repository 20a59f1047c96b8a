// Package store defines the persistence capability set the VM session
// consumes (spec §9 "dynamic dispatch across pluggable stores"): the
// session never binds to a concrete store, only to these interfaces. An
// in-memory implementation backs tests; SQLiteStore backs production.
package store

import (
	"context"
	"time"

	"github.com/botloader/guildscheduler/internal/model"
)

// ScriptStore enumerates and mutates a guild's compiled scripts.
type ScriptStore interface {
	ListEnabledScripts(ctx context.Context, guild model.GuildID) ([]model.Script, error)
	UpsertContributions(ctx context.Context, guild model.GuildID, scriptID uint64, c model.ContributionSet) error
	UpsertSettingsDefinitions(ctx context.Context, guild model.GuildID, scriptID uint64, settings []string) error
}

// TimerStore persists per-guild interval timer last-run state.
type TimerStore interface {
	ListTimers(ctx context.Context, guild model.GuildID) ([]model.IntervalTimer, error)
	UpsertTimer(ctx context.Context, t model.IntervalTimer) error
}

// TaskStore persists scheduled tasks and answers bucket-filtered queries.
//
// FindMinExecAt's registeredBuckets argument uses the concatenated
// "plugin_id + '_' + name" composite key described in spec §4.3, a
// consequence of flat-array match semantics in the original persistence
// layer; callers build that key with model.PluginID.Key()+"_"+name so
// that an absent plugin id (Key()=="") never collides with plugin id 0.
type TaskStore interface {
	UpsertTask(ctx context.Context, t model.ScheduledTask) (model.ScheduledTask, error)
	DeleteTask(ctx context.Context, id uint64) error
	DeleteByKey(ctx context.Context, guild model.GuildID, bucket, uniqueKey string) error
	TasksDueBefore(ctx context.Context, guild model.GuildID, at time.Time, excludeIDs []uint64, registeredBuckets []string) ([]model.ScheduledTask, error)
	FindMinExecAt(ctx context.Context, guild model.GuildID, excludeIDs []uint64, registeredBuckets []string) (time.Time, bool, error)
}

// Db bundles the three capability sets a guild session needs, matching
// the shape a production implementation (SQLiteStore) and a test double
// (MemoryStore) both satisfy.
type Db interface {
	ScriptStore
	TimerStore
	TaskStore
}
