package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/pool"
	"github.com/botloader/guildscheduler/internal/session"
	"github.com/botloader/guildscheduler/internal/store"
)

// fakePersistStore is an in-memory stand-in for internal/suspendstore,
// so scheduler tests can exercise the persist-through paths without a
// real Redis connection.
type fakePersistStore struct {
	reasons map[model.GuildID]model.SuspensionReason
}

func newFakePersistStore() *fakePersistStore {
	return &fakePersistStore{reasons: make(map[model.GuildID]model.SuspensionReason)}
}

func (f *fakePersistStore) Suspend(_ context.Context, guild model.GuildID, reason model.SuspensionReason) error {
	f.reasons[guild] = reason
	return nil
}

func (f *fakePersistStore) Get(_ context.Context, guild model.GuildID) (model.SuspensionReason, bool, error) {
	r, ok := f.reasons[guild]
	return r, ok, nil
}

func (f *fakePersistStore) Clear(_ context.Context, guild model.GuildID) error {
	delete(f.reasons, guild)
	return nil
}

// newNoScriptsScheduler builds a Scheduler whose sessions always see an
// empty script list: Start/Dispatch return immediately without ever
// touching the worker pool, which keeps these tests free of real
// sockets while still exercising the scheduler's own routing logic.
func newNoScriptsScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db := store.NewMemoryStore()
	p, err := pool.New(zerolog.Nop(), func(tier int, id uint64) (pool.Transport, error) {
		t.Fatal("no-scripts sessions should never claim a worker")
		return nil, nil
	}, nil)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	var sched *Scheduler
	factory := func(guild model.GuildID) *session.Session {
		return session.New(guild, session.NewTierCell(model.TierFree), db, p, sched, nil, nil, zerolog.Nop(), session.DefaultConfig())
	}
	sched = New(factory, zerolog.Nop())
	return sched
}

func TestBrokerEventStartsSessionOnDemand(t *testing.T) {
	sched := newNoScriptsScheduler(t)
	guild := model.GuildID(1)

	sched.BrokerEvent(context.Background(), guild, "MESSAGE_CREATE", nil, 0)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sched.SessionStatus(guild); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a session to be started for the guild on first event")
}

func TestBrokerEventGuildDeleteTearsDownSession(t *testing.T) {
	sched := newNoScriptsScheduler(t)
	guild := model.GuildID(1)

	sched.BrokerEvent(context.Background(), guild, "MESSAGE_CREATE", nil, 0)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sched.SessionStatus(guild); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sched.BrokerEvent(context.Background(), guild, "GUILD_DELETE", nil, 0)
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sched.SessionStatus(guild); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected GUILD_DELETE to remove the session")
}

func TestSuspendGuildPersistsAndIsSuspendedChecksBoth(t *testing.T) {
	sched := newNoScriptsScheduler(t)
	persist := newFakePersistStore()
	sched.SetPersistStore(persist)

	guild := model.GuildID(1)
	sched.SuspendGuild(guild, model.SuspensionTooManyInvalidRequests)

	if _, ok := persist.reasons[guild]; !ok {
		t.Fatal("expected SuspendGuild to persist through to the backing store")
	}
	if !sched.isSuspended(context.Background(), guild) {
		t.Fatal("expected isSuspended to report true right after suspension")
	}
}

func TestIsSuspendedFallsBackToPersistStore(t *testing.T) {
	sched := newNoScriptsScheduler(t)
	persist := newFakePersistStore()
	sched.SetPersistStore(persist)

	guild := model.GuildID(42)
	_ = persist.Suspend(context.Background(), guild, model.SuspensionExcessCPU)

	// Not in the in-memory set yet, only in the persist store.
	if !sched.isSuspended(context.Background(), guild) {
		t.Fatal("expected isSuspended to fall back to the persist store")
	}
	// Second call should now hit the in-memory cache.
	if !sched.suspended.IsSuspended(guild) {
		t.Fatal("expected the first isSuspended call to warm the in-memory set")
	}
}

func TestBrokerHelloShutsDownUnwantedAndStartsWanted(t *testing.T) {
	sched := newNoScriptsScheduler(t)
	staying := model.GuildID(1)
	joining := model.GuildID(2)
	leaving := model.GuildID(3)

	sched.BrokerHello(context.Background(), []model.GuildID{staying, leaving})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, stayOK := sched.SessionStatus(staying)
		_, leaveOK := sched.SessionStatus(leaving)
		if stayOK && leaveOK {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	sched.BrokerHello(context.Background(), []model.GuildID{staying, joining})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, stayOK := sched.SessionStatus(staying)
		_, joinOK := sched.SessionStatus(joining)
		if stayOK && joinOK {
			if _, leaveOK := sched.SessionStatus(leaving); leaveOK {
				t.Fatal("expected the guild missing from the second hello to have no session")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected both guilds to have running sessions after the second hello")
}
