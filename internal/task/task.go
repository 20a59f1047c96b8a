// Package task implements the per-guild scheduled-task manager of spec
// §4.3: bucket-filtered due-task acquisition backed by durable storage,
// pending/ack bookkeeping, and next-fire caching invalidated whenever
// the VM schedules new work.
package task

import (
	"context"
	"time"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/store"
)

// Action mirrors timer.Action: the discriminated result consumed by the
// session's main select loop.
type Action int

const (
	ActionNone Action = iota
	ActionWait
	ActionFire
)

// Manager tracks one guild's scheduled tasks.
type Manager struct {
	guild model.GuildID
	store store.TaskStore

	registeredBuckets []string // plugin key + "_" + name composite keys, spec §4.3
	pending           map[uint64]struct{}

	nextCached    bool
	nextFire      time.Time
	nextFireKnown bool
}

// NewManager constructs an empty Manager for guild.
func NewManager(guild model.GuildID, s store.TaskStore) *Manager {
	return &Manager{
		guild:   guild,
		store:   s,
		pending: make(map[uint64]struct{}),
	}
}

func bucketKey(b model.BucketRef) string {
	return b.PluginScope.Key() + "_" + b.Name
}

// ScriptStarted refreshes the set of (plugin, bucket) pairs the VM will
// accept tasks for.
func (m *Manager) ScriptStarted(buckets []model.BucketRef) {
	keys := make([]string, 0, len(buckets))
	for _, b := range buckets {
		keys = append(keys, bucketKey(b))
	}
	m.registeredBuckets = keys
	m.ClearNext()
}

func (m *Manager) pendingIDs() []uint64 {
	ids := make([]uint64, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// InitNextTaskTime queries storage for the soonest due task not already
// pending, caching the result until ClearNext is called.
func (m *Manager) InitNextTaskTime(ctx context.Context) error {
	at, ok, err := m.store.FindMinExecAt(ctx, m.guild, m.pendingIDs(), m.registeredBuckets)
	if err != nil {
		return err
	}
	m.nextCached = true
	m.nextFire = at
	m.nextFireKnown = ok
	return nil
}

// NextAction reports none/wait/fire against the cached next-fire time.
// Callers must have called InitNextTaskTime at least once since the last
// ClearNext.
func (m *Manager) NextAction(now time.Time) Action {
	if !m.nextCached || !m.nextFireKnown {
		return ActionNone
	}
	if !now.Before(m.nextFire) {
		return ActionFire
	}
	return ActionWait
}

// StartTriggeredTasks reads every task due now whose bucket is
// registered and whose id is not already pending, marking each pending.
func (m *Manager) StartTriggeredTasks(ctx context.Context, now time.Time) ([]model.ScheduledTask, error) {
	due, err := m.store.TasksDueBefore(ctx, m.guild, now, m.pendingIDs(), m.registeredBuckets)
	if err != nil {
		return nil, err
	}
	for _, t := range due {
		m.pending[t.ID] = struct{}{}
	}
	return due, nil
}

// AckTriggeredTask deletes the task row and clears its pending marker.
func (m *Manager) AckTriggeredTask(ctx context.Context, taskID uint64) error {
	delete(m.pending, taskID)
	return m.store.DeleteTask(ctx, taskID)
}

// RemovePending cancels an in-flight task without deleting its row, so
// it remains eligible to fire again. Used on session invalidation.
func (m *Manager) RemovePending(taskID uint64) {
	delete(m.pending, taskID)
}

// ClearNext invalidates the cached next-fire time, forcing the next
// NextAction call's caller to re-run InitNextTaskTime. Called whenever
// the VM schedules a new task (wire.TaskScheduled).
func (m *Manager) ClearNext() {
	m.nextCached = false
	m.nextFireKnown = false
}

// ClearPending discards all pending markers (session reset).
func (m *Manager) ClearPending() {
	m.pending = make(map[uint64]struct{})
}
