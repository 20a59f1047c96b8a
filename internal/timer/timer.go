// Package timer implements the per-guild interval timer manager of spec
// §4.2: merging contributed timers, computing next-run (fixed-minutes or
// cron, with per-guild jitter), and tracking which timers are currently
// in flight ("pending") versus merely known ("loaded").
package timer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/store"
)

// Action is the discriminated result of Manager.NextAction, consumed by
// the session's main select loop per the "bounded synchronous fragment"
// design note in spec §9.
type Action int

const (
	ActionNone Action = iota
	ActionWait
	ActionFire
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Manager tracks one guild's interval timers.
type Manager struct {
	guild model.GuildID
	store store.TimerStore
	log   zerolog.Logger

	loaded  map[model.TimerID]model.IntervalTimer
	pending map[model.TimerID]struct{}
}

// NewManager constructs an empty Manager for guild.
func NewManager(guild model.GuildID, s store.TimerStore, log zerolog.Logger) *Manager {
	return &Manager{
		guild:   guild,
		store:   s,
		log:     log,
		loaded:  make(map[model.TimerID]model.IntervalTimer),
		pending: make(map[model.TimerID]struct{}),
	}
}

// ScriptStarted merges a script's declared timer contributions into the
// loaded set, persisting a fresh zero last-run for any name not already
// known.
func (m *Manager) ScriptStarted(ctx context.Context, contribs []model.IntervalTimerContrib) error {
	existing, err := m.store.ListTimers(ctx, m.guild)
	if err != nil {
		return err
	}
	byID := make(map[model.TimerID]model.IntervalTimer, len(existing))
	for _, t := range existing {
		byID[model.TimerID{PluginScope: t.PluginScope, Name: t.Name}] = t
	}

	for _, c := range contribs {
		id := model.TimerID{PluginScope: c.PluginScope, Name: c.Name}
		t, ok := byID[id]
		if !ok {
			t = model.IntervalTimer{
				GuildID:     m.guild,
				PluginScope: c.PluginScope,
				Name:        c.Name,
				Interval:    c.Interval,
				LastRun:     time.Time{},
			}
			if err := m.store.UpsertTimer(ctx, t); err != nil {
				return err
			}
		} else {
			t.Interval = c.Interval
		}
		m.loaded[id] = t
	}
	return nil
}

// jitter returns the guild's deterministic sub-minute offset: guild_id
// mod 10000 milliseconds, applied only to cron fires per spec §4.2.
func jitter(guild model.GuildID) time.Duration {
	return time.Duration(uint64(guild)%10000) * time.Millisecond
}

// nextRun computes the next fire instant for t, or ok=false if it
// cannot be computed (an unparseable cron expression).
func nextRun(t model.IntervalTimer) (time.Time, bool) {
	if !t.Interval.IsCron() {
		if t.Interval.FixedMinutes <= 0 {
			return time.Time{}, false
		}
		return t.LastRun.Add(time.Duration(t.Interval.FixedMinutes) * time.Minute), true
	}

	sched, err := cronParser.Parse(t.Interval.CronExpr)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(t.LastRun)
	return next.Add(jitter(t.GuildID)), true
}

// NextAction reports whether any loaded, non-pending timer is due, would
// become due at a future instant, or none exist at all.
func (m *Manager) NextAction(now time.Time) (Action, time.Time) {
	var soonest time.Time
	found := false

	for id, t := range m.loaded {
		if _, isPending := m.pending[id]; isPending {
			continue
		}
		next, ok := nextRun(t)
		if !ok {
			m.log.Error().Str("timer", t.Name).Msg("dropping timer with unparseable cron expression")
			delete(m.loaded, id)
			continue
		}
		if !found || next.Before(soonest) {
			soonest = next
			found = true
		}
	}

	if !found {
		return ActionNone, time.Time{}
	}
	if !now.Before(soonest) {
		return ActionFire, soonest
	}
	return ActionWait, soonest
}

// TriggerTimers returns every loaded, non-pending timer currently due at
// now and marks each pending.
func (m *Manager) TriggerTimers(now time.Time) []model.IntervalTimer {
	var due []model.IntervalTimer
	for id, t := range m.loaded {
		if _, isPending := m.pending[id]; isPending {
			continue
		}
		next, ok := nextRun(t)
		if !ok {
			continue
		}
		if !now.Before(next) {
			m.pending[id] = struct{}{}
			due = append(due, t)
		}
	}
	return due
}

// Ack finalizes a fire: persists the new last-run and clears pending.
func (m *Manager) Ack(ctx context.Context, id model.TimerID, firedAt time.Time) error {
	t, ok := m.loaded[id]
	if !ok {
		return nil
	}
	t.LastRun = firedAt
	m.loaded[id] = t
	delete(m.pending, id)
	return m.store.UpsertTimer(ctx, t)
}

// RemovePending cancels an in-flight timer without updating its
// last-run, so it is free to refire on the next tick. Used on session
// invalidation per spec §4.4.
func (m *Manager) RemovePending(id model.TimerID) {
	delete(m.pending, id)
}

// ClearLoaded discards all loaded timer state (session reset).
func (m *Manager) ClearLoaded() {
	m.loaded = make(map[model.TimerID]model.IntervalTimer)
}

// ClearPending discards all pending markers (session reset).
func (m *Manager) ClearPending() {
	m.pending = make(map[model.TimerID]struct{})
}
