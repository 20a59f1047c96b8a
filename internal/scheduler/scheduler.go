// Package scheduler implements the top-level router of spec §4.8: the
// guild session map, the pending-start/restart bookkeeping a broker
// hello or a reload triggers, the deferred-event queue that preserves
// ordering across a session restart, and the suspended-guild set.
//
// Grounded on original_source/cmd/scheduler/src/scheduler.rs's
// next_action/handle_guild_handler_event/send_or_queue_broker_evt shape
// (confirms "queue deferred events while restarting" instead of
// dropping them) and dispatch_conv.rs (classifyEvent). Adapted in Go
// from the teacher's sessions.go Receive/fan-out-to-channel loop.
package scheduler

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/session"
)

// SessionFactory constructs a fresh, unstarted Session for guild. Bound
// by the process wiring to a concrete store/pool/metrics/logs set.
type SessionFactory func(guild model.GuildID) *session.Session

// PersistStore durably backs the in-memory SuspendedSet across process
// restarts. Satisfied by internal/suspendstore.Store; optional — a
// Scheduler with no persist store wired behaves exactly as if
// suspensions live only for the process lifetime.
type PersistStore interface {
	Suspend(ctx context.Context, guild model.GuildID, reason model.SuspensionReason) error
	Get(ctx context.Context, guild model.GuildID) (model.SuspensionReason, bool, error)
	Clear(ctx context.Context, guild model.GuildID) error
}

type deferredEvent struct {
	kind      string
	payload   []byte
	timestamp int64
}

// Scheduler is the single top-level router; one instance per process.
type Scheduler struct {
	log        zerolog.Logger
	newSession SessionFactory
	suspended  *SuspendedSet
	persist    PersistStore

	mu         sync.Mutex
	sessions   map[model.GuildID]*session.Session
	restarting map[model.GuildID]struct{} // shutdown-pending: awaiting teardown before a fresh start
	deferred   map[model.GuildID][]deferredEvent
}

// New constructs an empty Scheduler.
func New(newSession SessionFactory, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:        log,
		newSession: newSession,
		suspended:  NewSuspendedSet(),
		sessions:   make(map[model.GuildID]*session.Session),
		restarting: make(map[model.GuildID]struct{}),
		deferred:   make(map[model.GuildID][]deferredEvent),
	}
}

// SetPersistStore wires a durable backing for suspensions; must be
// called before the scheduler starts handling broker hellos/events.
func (s *Scheduler) SetPersistStore(p PersistStore) {
	s.persist = p
}

// isSuspended checks the in-memory set first, falling back to the
// persist store (and caching the result locally) so a suspension
// survives a scheduler restart even though SuspendedSet itself does not.
func (s *Scheduler) isSuspended(ctx context.Context, guild model.GuildID) bool {
	if s.suspended.IsSuspended(guild) {
		return true
	}
	if s.persist == nil {
		return false
	}
	reason, ok, err := s.persist.Get(ctx, guild)
	if err != nil {
		s.log.Warn().Err(err).Uint64("guild", uint64(guild)).Msg("failed to check persisted suspension")
		return false
	}
	if !ok {
		return false
	}
	s.suspended.Suspend(guild, reason)
	return true
}

// Hello implements brokerconn.Handler, delegating to BrokerHello.
func (s *Scheduler) Hello(ctx context.Context, connectedGuilds []model.GuildID) {
	s.BrokerHello(ctx, connectedGuilds)
}

// Event implements brokerconn.Handler, delegating to BrokerEvent.
func (s *Scheduler) Event(ctx context.Context, guild model.GuildID, kind string, payload []byte, timestamp int64) {
	s.BrokerEvent(ctx, guild, kind, payload, timestamp)
}

// Disconnect implements brokerconn.Handler. Per spec §7's "Broker
// disconnect: shut down all sessions; buffer nothing until next hello",
// every session is torn down immediately rather than left running for
// the reconnect loop's backoff window; the subsequent Hello that fires
// once the broker comes back re-initializes pending-starts from scratch.
func (s *Scheduler) Disconnect(ctx context.Context) {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[model.GuildID]*session.Session)
	s.restarting = make(map[model.GuildID]struct{})
	s.deferred = make(map[model.GuildID][]deferredEvent)
	s.mu.Unlock()

	s.log.Warn().Int("sessions", len(sessions)).Msg("broker disconnected, shutting down all sessions")

	for _, sess := range sessions {
		go sess.Shutdown(ctx)
	}
}

// BrokerHello implements spec §4.8's Broker hello: shut down every
// current session, then re-initialize pending-starts for each connected
// guild not currently suspended.
func (s *Scheduler) BrokerHello(ctx context.Context, connectedGuilds []model.GuildID) {
	s.mu.Lock()
	old := s.sessions
	s.sessions = make(map[model.GuildID]*session.Session)
	s.deferred = make(map[model.GuildID][]deferredEvent)
	s.restarting = make(map[model.GuildID]struct{})

	wantsStart := make(map[model.GuildID]struct{})
	for _, g := range connectedGuilds {
		if s.isSuspended(ctx, g) {
			continue
		}
		wantsStart[g] = struct{}{}
		s.restarting[g] = struct{}{}
	}
	s.mu.Unlock()

	for g, sess := range old {
		go func(g model.GuildID, sess *session.Session) {
			sess.Shutdown(ctx)
			if _, want := wantsStart[g]; want {
				s.startGuild(ctx, g)
			} else {
				s.mu.Lock()
				delete(s.restarting, g)
				s.mu.Unlock()
			}
		}(g, sess)
	}

	for g := range wantsStart {
		if _, hadOld := old[g]; !hadOld {
			go s.startGuild(ctx, g)
		}
	}
}

// startGuild creates and starts a fresh session for guild, then replays
// any events that arrived while it was restarting.
func (s *Scheduler) startGuild(ctx context.Context, guild model.GuildID) {
	sess := s.newSession(guild)

	s.mu.Lock()
	s.sessions[guild] = sess
	delete(s.restarting, guild)
	s.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		s.log.Error().Err(err).Uint64("guild", uint64(guild)).Msg("failed to start guild session")
	}

	s.mu.Lock()
	events := s.deferred[guild]
	delete(s.deferred, guild)
	s.mu.Unlock()

	for _, e := range events {
		if err := sess.Dispatch(ctx, e.kind, e.payload, "broker", e.timestamp); err != nil {
			s.log.Error().Err(err).Uint64("guild", uint64(guild)).Msg("failed to replay deferred event")
		}
	}
}

// BrokerEvent implements spec §4.8's Broker event routing.
func (s *Scheduler) BrokerEvent(ctx context.Context, guild model.GuildID, kind string, payload []byte, timestamp int64) {
	if s.isSuspended(ctx, guild) {
		return
	}

	if classifyEvent(kind) == EventGuildDelete {
		s.mu.Lock()
		sess, ok := s.sessions[guild]
		if ok {
			delete(s.sessions, guild)
		}
		delete(s.deferred, guild)
		delete(s.restarting, guild)
		s.mu.Unlock()
		if ok {
			go sess.Shutdown(ctx)
		}
		return
	}

	s.mu.Lock()
	if _, busy := s.restarting[guild]; busy {
		s.deferred[guild] = append(s.deferred[guild], deferredEvent{kind: kind, payload: payload, timestamp: timestamp})
		s.mu.Unlock()
		return
	}

	sess, ok := s.sessions[guild]
	if !ok {
		s.restarting[guild] = struct{}{}
		s.deferred[guild] = append(s.deferred[guild], deferredEvent{kind: kind, payload: payload, timestamp: timestamp})
		s.mu.Unlock()
		go s.startGuild(ctx, guild)
		return
	}
	s.mu.Unlock()

	if err := sess.Dispatch(ctx, kind, payload, "broker", timestamp); err != nil {
		s.log.Error().Err(err).Uint64("guild", uint64(guild)).Msg("dispatch failed")
	}
}

// SuspendGuild implements spec §4.8's Session event handling: record a
// suspension and purge pending-starts and queued events for that guild.
// Wired as the session.Listener.SuspendGuild callback.
func (s *Scheduler) SuspendGuild(guild model.GuildID, reason model.SuspensionReason) {
	s.suspended.Suspend(guild, reason)
	if s.persist != nil {
		if err := s.persist.Suspend(context.Background(), guild, reason); err != nil {
			s.log.Warn().Err(err).Uint64("guild", uint64(guild)).Msg("failed to persist suspension")
		}
	}

	s.mu.Lock()
	delete(s.restarting, guild)
	delete(s.deferred, guild)
	s.mu.Unlock()
}

// ReloadScripts implements spec §4.8's Reload-scripts command: clears
// the suspension only if it has aged past its duration, then signals
// the session (creating one if none is running) to reload.
func (s *Scheduler) ReloadScripts(ctx context.Context, guild model.GuildID) error {
	if !s.suspended.TryClear(guild) {
		return nil
	}
	if s.persist != nil {
		if err := s.persist.Clear(ctx, guild); err != nil {
			s.log.Warn().Err(err).Uint64("guild", uint64(guild)).Msg("failed to clear persisted suspension")
		}
	}

	s.mu.Lock()
	sess, ok := s.sessions[guild]
	s.mu.Unlock()

	if !ok {
		s.mu.Lock()
		s.restarting[guild] = struct{}{}
		s.mu.Unlock()
		s.startGuild(ctx, guild)
		return nil
	}
	return sess.ReloadScripts(ctx)
}

// Shutdown implements spec §4.8's Drain on shutdown: signal all sessions
// to shut down and wait for every one to finish.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[model.GuildID]*session.Session)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Shutdown(ctx)
		}(sess)
	}
	wg.Wait()
}

// SessionStatuses returns a point-in-time status snapshot of every
// currently running session, for the admin surface.
func (s *Scheduler) SessionStatuses() []session.Status {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]session.Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	return out
}

// SessionStatus returns one guild's session status, if it has a running
// session.
func (s *Scheduler) SessionStatus(guild model.GuildID) (session.Status, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[guild]
	s.mu.Unlock()
	if !ok {
		return session.Status{}, false
	}
	return sess.Status(), true
}

// NoScripts, ScriptsStarted and CommandsChanged satisfy session.Listener
// for the parts the scheduler itself doesn't act on; a real wiring
// composes the Scheduler with a command registrar that also implements
// session.Listener and delegates these through. Kept here as no-ops so
// Scheduler alone is a valid, minimal Listener for tests.
func (s *Scheduler) NoScripts(guild model.GuildID) {
	s.log.Debug().Uint64("guild", uint64(guild)).Msg("no scripts, vm not started")
}

func (s *Scheduler) ScriptsStarted(guild model.GuildID, timers []model.IntervalTimerContrib, buckets []model.BucketRef, settings []string) {
}

func (s *Scheduler) CommandsChanged(guild model.GuildID, added, removed []string) {
}
