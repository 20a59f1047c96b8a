package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botloader/guildscheduler/internal/model"
)

// MemoryStore is a process-local Db used by tests; cmd/scheduler always
// uses SQLiteStore. All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	scripts map[model.GuildID][]model.Script
	timers  map[model.GuildID]map[model.TimerID]model.IntervalTimer
	tasks   map[uint64]model.ScheduledTask
	nextID  uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts: make(map[model.GuildID][]model.Script),
		timers:  make(map[model.GuildID]map[model.TimerID]model.IntervalTimer),
		tasks:   make(map[uint64]model.ScheduledTask),
	}
}

// SeedScripts is a test helper installing a guild's script list directly.
func (m *MemoryStore) SeedScripts(guild model.GuildID, scripts []model.Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[guild] = scripts
}

func (m *MemoryStore) ListEnabledScripts(_ context.Context, guild model.GuildID) ([]model.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Script
	for _, s := range m.scripts[guild] {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertContributions(_ context.Context, guild model.GuildID, scriptID uint64, c model.ContributionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.scripts[guild]
	for i := range list {
		if list[i].ID == scriptID {
			list[i].Contributions = c
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) UpsertSettingsDefinitions(_ context.Context, guild model.GuildID, scriptID uint64, settings []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.scripts[guild]
	for i := range list {
		if list[i].ID == scriptID {
			list[i].Contributions.Settings = settings
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListTimers(_ context.Context, guild model.GuildID) ([]model.IntervalTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.timers[guild]
	out := make([]model.IntervalTimer, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpsertTimer(_ context.Context, t model.IntervalTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.timers[t.GuildID]
	if !ok {
		byID = make(map[model.TimerID]model.IntervalTimer)
		m.timers[t.GuildID] = byID
	}
	byID[model.TimerID{PluginScope: t.PluginScope, Name: t.Name}] = t
	return nil
}

func (m *MemoryStore) UpsertTask(_ context.Context, t model.ScheduledTask) (model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.UniqueKey != "" {
		for _, existing := range m.tasks {
			if existing.GuildID == t.GuildID && existing.PluginScope == t.PluginScope &&
				existing.Bucket == t.Bucket && existing.UniqueKey == t.UniqueKey {
				existing.Payload = t.Payload
				existing.ExecuteAt = t.ExecuteAt
				m.tasks[existing.ID] = existing
				return existing, nil
			}
		}
	}

	m.nextID++
	t.ID = m.nextID
	m.tasks[t.ID] = t
	return t, nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) DeleteByKey(_ context.Context, guild model.GuildID, bucket, uniqueKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tasks {
		if t.GuildID == guild && t.Bucket == bucket && t.UniqueKey == uniqueKey {
			delete(m.tasks, id)
		}
	}
	return nil
}

func registeredKey(p model.PluginID, name string) string {
	return p.Key() + "_" + name
}

func (m *MemoryStore) registeredSet(buckets []string) map[string]struct{} {
	set := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		set[b] = struct{}{}
	}
	return set
}

func (m *MemoryStore) TasksDueBefore(_ context.Context, guild model.GuildID, at time.Time, excludeIDs []uint64, registeredBuckets []string) ([]model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[uint64]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	registered := m.registeredSet(registeredBuckets)

	var out []model.ScheduledTask
	for _, t := range m.tasks {
		if t.GuildID != guild {
			continue
		}
		if _, skip := excluded[t.ID]; skip {
			continue
		}
		if _, ok := registered[registeredKey(t.PluginScope, t.Bucket)]; !ok {
			continue
		}
		if t.ExecuteAt.After(at) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindMinExecAt(_ context.Context, guild model.GuildID, excludeIDs []uint64, registeredBuckets []string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[uint64]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	registered := m.registeredSet(registeredBuckets)

	var min time.Time
	found := false
	for _, t := range m.tasks {
		if t.GuildID != guild {
			continue
		}
		if _, skip := excluded[t.ID]; skip {
			continue
		}
		if _, ok := registered[registeredKey(t.PluginScope, t.Bucket)]; !ok {
			continue
		}
		if !found || t.ExecuteAt.Before(min) {
			min = t.ExecuteAt
			found = true
		}
	}
	return min, found, nil
}
