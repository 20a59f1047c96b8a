package scheduler

import (
	"sync"
	"time"

	"github.com/botloader/guildscheduler/internal/model"
)

// SuspendedSet tracks which guilds are currently suspended and until
// when, adapted from the teacher's utils.go LockSet (a mutex-guarded
// string set used to track "currently connecting" shard ids) — here
// widened from a bare set to a set with a per-entry expiry, since a
// suspension clears itself once its reason-dependent duration elapses.
type SuspendedSet struct {
	mu sync.Mutex
	m  map[model.GuildID]record
}

type record struct {
	reason model.SuspensionReason
	until  time.Time
}

// NewSuspendedSet returns an empty set.
func NewSuspendedSet() *SuspendedSet {
	return &SuspendedSet{m: make(map[model.GuildID]record)}
}

// Suspend records guild as suspended for reason's duration, starting now.
func (s *SuspendedSet) Suspend(guild model.GuildID, reason model.SuspensionReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[guild] = record{reason: reason, until: time.Now().UTC().Add(reason.Duration())}
}

// IsSuspended reports whether guild is currently suspended, lazily
// clearing an entry whose window has elapsed.
func (s *SuspendedSet) IsSuspended(guild model.GuildID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[guild]
	if !ok {
		return false
	}
	if time.Now().UTC().After(r.until) {
		delete(s.m, guild)
		return false
	}
	return true
}

// TryClear clears guild's suspension if its window has elapsed (or it
// was never suspended), returning whether it is now clear.
func (s *SuspendedSet) TryClear(guild model.GuildID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.m[guild]
	if !ok {
		return true
	}
	if time.Now().UTC().Before(r.until) {
		return false
	}
	delete(s.m, guild)
	return true
}
