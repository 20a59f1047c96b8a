// Package session implements the per-guild VM session of spec §4.4: the
// state core owning the current worker lease, the timer and task
// managers, the pending-ack map, the current session id, the loaded
// script list, and the dispatch/invalidation/shutdown procedures that
// drive one guild's isolate lifecycle end to end.
//
// Grounded on vm_session.rs's field layout (pending_acks, current_worker,
// dispatch_id_gen, current_vm_session_id, last_claimed_worker_at) and on
// the teacher's Shard.connect() backoff-and-retry loop in
// gateway/shard.go, generalized from "reconnect a gateway socket" to
// "reclaim a broken worker".
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/pool"
	"github.com/botloader/guildscheduler/internal/store"
	"github.com/botloader/guildscheduler/internal/task"
	"github.com/botloader/guildscheduler/internal/timer"
	"github.com/botloader/guildscheduler/internal/wire"
)

// latencyHistogramWhitelist names the metrics whose labels are forwarded
// verbatim instead of getting a guild label stamped on (spec §4.4): these
// are cross-guild latency distributions, where fanning out a label per
// guild would blow up cardinality for no analytical benefit.
var latencyHistogramWhitelist = map[string]struct{}{
	"dispatch_latency_ms":        {},
	"isolate_compile_latency_ms": {},
	"worker_claim_wait_ms":       {},
}

// MetricSink and LogSink are the explicit handles a session forwards
// worker-reported metrics/logs through, per §9's "avoid global mutable
// state" design note. Satisfied by internal/metrics and internal/busforward.
type MetricSink interface {
	Metric(guild model.GuildID, name string, kind model.MetricKind, value float64, labels map[string]string)
}

type LogSink interface {
	GuildLog(entry model.GuildLogEntry)
}

// Listener receives the session's externally-visible lifecycle events:
// the scheduler implements this to react to suspensions, and a command
// registrar to react to contribution changes.
type Listener interface {
	NoScripts(guild model.GuildID)
	ScriptsStarted(guild model.GuildID, timers []model.IntervalTimerContrib, buckets []model.BucketRef, settings []string)
	CommandsChanged(guild model.GuildID, added, removed []string)
	SuspendGuild(guild model.GuildID, reason model.SuspensionReason)
}

// Config bounds the session's retry/timeout behavior. Nominal values
// from spec §4.4.
type Config struct {
	NoReuseWorkers     bool
	StorageRetry       time.Duration
	BrokenRetryBackoff time.Duration
	ShutdownTimeout    time.Duration
}

// DefaultConfig matches the spec's nominal values.
func DefaultConfig() Config {
	return Config{
		StorageRetry:       10 * time.Second,
		BrokenRetryBackoff: 1 * time.Second,
		ShutdownTimeout:    15 * time.Second,
	}
}

type ackKind int

const (
	ackPlain ackKind = iota
	ackTimer
	ackTask
	ackCreate
)

type pendingAck struct {
	kind      ackKind
	sessionID uint64
	timerID   model.TimerID
	taskID    uint64
	notify    chan struct{}
}

// Session is one guild's VM state machine.
type Session struct {
	Guild model.GuildID
	Tier  *TierCell

	cfg      Config
	db       store.Db
	pool     *pool.Pool
	timers   *timer.Manager
	tasks    *task.Manager
	listener Listener
	metrics  MetricSink
	logs     LogSink
	log      zerolog.Logger

	stopCh chan struct{}

	mu                   sync.Mutex
	lease                *pool.Lease
	scripts              []model.Script
	lastCommands         []string
	sessionID            uint64
	dispatchSeq          uint64
	pendingAcks          map[uint64]*pendingAck
	forceLoadScriptsNext bool
	lastClaimedAt        time.Time
	lastReturnedAt       time.Time
	closed               bool
}

// New constructs a Session for guild. Start must be called before any
// other method.
func New(guild model.GuildID, tier *TierCell, db store.Db, p *pool.Pool, listener Listener, metrics MetricSink, logs LogSink, log zerolog.Logger, cfg Config) *Session {
	return &Session{
		Guild:       guild,
		Tier:        tier,
		cfg:         cfg,
		db:          db,
		pool:        p,
		timers:      timer.NewManager(guild, db, log),
		tasks:       task.NewManager(guild, db),
		listener:    listener,
		metrics:     metrics,
		logs:        logs,
		log:         log.With().Uint64("guild", uint64(guild)).Logger(),
		pendingAcks: make(map[uint64]*pendingAck),
		stopCh:      make(chan struct{}),
	}
}

// Start loads persisted enabled scripts, retrying on storage error, then
// starts a fresh VM.
func (s *Session) Start(ctx context.Context) error {
	var scripts []model.Script
	for {
		var err error
		scripts, err = s.db.ListEnabledScripts(ctx, s.Guild)
		if err == nil {
			break
		}
		s.log.Error().Err(err).Msg("failed to load enabled scripts, retrying")
		select {
		case <-time.After(s.cfg.StorageRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.scripts = scripts
	s.mu.Unlock()

	go s.scheduleLoop(ctx)

	return s.startFreshVM(ctx)
}

// scheduleLoop implements the CheckIntervalTimers/CheckScheduledTasks
// branches of spec §9's NextAction union (WorkerMessage is readLoop's
// branch): it polls both managers for due work and dispatches it, for
// as long as the session is running.
func (s *Session) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkIntervalTimers(ctx, now)
			s.checkScheduledTasks(ctx, now)
		}
	}
}

// checkIntervalTimers implements spec §4.2's next_action/trigger_timers
// cycle: any loaded, non-pending timer due at now is fired and marked
// pending via DispatchTimer.
func (s *Session) checkIntervalTimers(ctx context.Context, now time.Time) {
	action, _ := s.timers.NextAction(now)
	if action != timer.ActionFire {
		return
	}
	for _, t := range s.timers.TriggerTimers(now) {
		if err := s.DispatchTimer(ctx, t, now); err != nil {
			s.log.Error().Err(err).Str("timer", t.Name).Msg("dispatch timer fired")
		}
	}
}

// checkScheduledTasks implements spec §4.3's init_next_task_time/
// start_triggered_tasks cycle: the cached next-fire time is refreshed
// every tick (cheap relative to the 1s poll period, and always correct
// after a ClearNext invalidation) and any due, registered-bucket task is
// fired via DispatchTask.
func (s *Session) checkScheduledTasks(ctx context.Context, now time.Time) {
	if err := s.tasks.InitNextTaskTime(ctx); err != nil {
		s.log.Error().Err(err).Msg("query next scheduled task time")
		return
	}
	if s.tasks.NextAction(now) != task.ActionFire {
		return
	}
	due, err := s.tasks.StartTriggeredTasks(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("start triggered tasks")
		return
	}
	for _, t := range due {
		if err := s.DispatchTask(ctx, t); err != nil {
			s.log.Error().Err(err).Uint64("task", t.ID).Msg("dispatch task fired")
		}
	}
}

// startFreshVM implements spec §4.4's start-fresh-vm procedure.
func (s *Session) startFreshVM(ctx context.Context) error {
	s.mu.Lock()
	scripts := s.scripts
	hasLease := s.lease != nil
	s.mu.Unlock()

	if len(scripts) == 0 {
		s.listener.NoScripts(s.Guild)
		return nil
	}

	if hasLease {
		return s.sendCreateScriptsVm(ctx)
	}
	return s.claimWorker(ctx)
}

// claimWorker implements spec §4.4's claim-worker procedure.
func (s *Session) claimWorker(ctx context.Context) error {
	lease, err := s.pool.RequestWorker(ctx, s.Guild, s.Tier.Load())
	if err != nil {
		return fmt.Errorf("session: claim worker: %w", err)
	}

	s.mu.Lock()
	s.lease = lease
	s.lastClaimedAt = time.Now().UTC()
	reuse := !s.forceLoadScriptsNext && lease.Hint == model.RetrievedSameGuild && !s.cfg.NoReuseWorkers
	s.mu.Unlock()

	go s.readLoop(lease)

	if reuse {
		return nil
	}
	return s.sendCreateScriptsVm(ctx)
}

// sendCreateScriptsVm bumps the session id (invalidating anything
// in-flight from before the bump, per §4.4's Invalidation rule) and
// sends CreateScriptsVm to the held worker.
func (s *Session) sendCreateScriptsVm(ctx context.Context) error {
	s.mu.Lock()
	s.timers.ClearLoaded()
	s.timers.ClearPending()
	s.tasks.ClearPending()
	s.sessionID++
	sessID := s.sessionID
	scripts := s.scripts
	lease := s.lease
	s.forceLoadScriptsNext = false
	s.dispatchSeq++
	seq := s.dispatchSeq
	// Invariant (i): at most one pending VM-create ack per session.
	// sendCreateScriptsVm only runs once per session bump (on start,
	// claim, or reload), so there is never more than one outstanding.
	s.pendingAcks[seq] = &pendingAck{kind: ackCreate, sessionID: sessID}
	s.mu.Unlock()

	if lease == nil {
		return errors.New("session: sendCreateScriptsVm with no held worker")
	}

	frame, err := wire.Encode(wire.KindCreateScriptsVm, wire.CreateScriptsVm{
		Seq:         seq,
		SessionID:   sessID,
		GuildID:     s.Guild,
		PremiumTier: int(s.Tier.Load()),
		Scripts:     scripts,
	})
	if err != nil {
		return err
	}
	return lease.Worker.Conn.WriteFrame(frame)
}

// Dispatch sends one event to the running VM, per spec §4.4's Dispatch
// procedure: a fresh dispatch id, a pending-ack entry tagged with the
// current session id, silent drop if there are no scripts, and a broken-
// worker retry if the send itself fails.
func (s *Session) Dispatch(ctx context.Context, name string, payload []byte, source string, sourceTS int64) error {
	s.mu.Lock()
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return nil
	}
	lease := s.lease
	s.dispatchSeq++
	seq := s.dispatchSeq
	sessID := s.sessionID
	s.pendingAcks[seq] = &pendingAck{kind: ackPlain, sessionID: sessID}
	s.mu.Unlock()

	if lease == nil {
		if err := s.claimWorker(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		lease = s.lease
		s.mu.Unlock()
	}

	frame, err := wire.Encode(wire.KindDispatch, wire.Dispatch{
		Name:     name,
		Seq:      seq,
		Payload:  payload,
		Source:   source,
		SourceTS: sourceTS,
	})
	if err != nil {
		return err
	}

	if err := lease.Worker.Conn.WriteFrame(frame); err != nil {
		s.handleBrokenWorker(lease)
		if err := s.retryAfterBroken(ctx); err != nil {
			return err
		}
		return s.Dispatch(ctx, name, payload, source, sourceTS)
	}
	return nil
}

// DispatchAndWait behaves like Dispatch but blocks until the VM acks the
// dispatch id or ctx is done, giving a caller (e.g. an admin "run this
// now" RPC) a completion signal instead of a fire-and-forget send.
func (s *Session) DispatchAndWait(ctx context.Context, name string, payload []byte, source string, sourceTS int64) error {
	s.mu.Lock()
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return nil
	}
	lease := s.lease
	s.dispatchSeq++
	seq := s.dispatchSeq
	sessID := s.sessionID
	notify := make(chan struct{})
	s.pendingAcks[seq] = &pendingAck{kind: ackPlain, sessionID: sessID, notify: notify}
	s.mu.Unlock()

	if lease == nil {
		if err := s.claimWorker(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		lease = s.lease
		// The claim may have started a new VM session; tag the entry with
		// it so the ack is not dropped as stale.
		if pa, ok := s.pendingAcks[seq]; ok {
			pa.sessionID = s.sessionID
		}
		s.mu.Unlock()
	}

	frame, err := wire.Encode(wire.KindDispatch, wire.Dispatch{Name: name, Seq: seq, Payload: payload, Source: source, SourceTS: sourceTS})
	if err != nil {
		return err
	}
	if err := lease.Worker.Conn.WriteFrame(frame); err != nil {
		s.handleBrokenWorker(lease)
		if err := s.retryAfterBroken(ctx); err != nil {
			return err
		}
		return s.DispatchAndWait(ctx, name, payload, source, sourceTS)
	}

	select {
	case <-notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchTimer and DispatchTask are Dispatch variants whose pending-ack
// entry is tagged so the eventual Ack resolves back into the timer/task
// manager instead of a plain completion notifier.
func (s *Session) DispatchTimer(ctx context.Context, t model.IntervalTimer, firedAt time.Time) error {
	return s.dispatchTagged(ctx, "timer_fired", nil, func(seq uint64, sessID uint64) {
		s.mu.Lock()
		s.pendingAcks[seq] = &pendingAck{kind: ackTimer, sessionID: sessID, timerID: model.TimerID{PluginScope: t.PluginScope, Name: t.Name}}
		s.mu.Unlock()
	})
}

func (s *Session) DispatchTask(ctx context.Context, t model.ScheduledTask) error {
	return s.dispatchTagged(ctx, "task_fired", t.Payload, func(seq uint64, sessID uint64) {
		s.mu.Lock()
		s.pendingAcks[seq] = &pendingAck{kind: ackTask, sessionID: sessID, taskID: t.ID}
		s.mu.Unlock()
	})
}

func (s *Session) dispatchTagged(ctx context.Context, name string, payload []byte, tag func(seq, sessID uint64)) error {
	s.mu.Lock()
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return nil
	}
	lease := s.lease
	s.dispatchSeq++
	seq := s.dispatchSeq
	sessID := s.sessionID
	s.mu.Unlock()

	tag(seq, sessID)

	if lease == nil {
		if err := s.claimWorker(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		lease = s.lease
		s.mu.Unlock()
	}

	frame, err := wire.Encode(wire.KindDispatch, wire.Dispatch{Name: name, Seq: seq, Payload: payload, SourceTS: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	if err := lease.Worker.Conn.WriteFrame(frame); err != nil {
		s.handleBrokenWorker(lease)
		return s.retryAfterBroken(ctx)
	}
	return nil
}

func (s *Session) retryAfterBroken(ctx context.Context) error {
	select {
	case <-time.After(s.cfg.BrokenRetryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.claimWorker(ctx)
}

// readLoop owns one leased worker's read side for as long as the lease
// is held: it decodes every incoming frame and hands it to
// handleWorkerFrame, and treats a read error as the worker's command
// channel having closed (spec §4.4's broken-worker trigger).
//
// wire.Codec is single-reader (wire/codec.go); since the same *Worker
// connection is handed back to the pool and can be reclaimed by this
// very session (same-guild affinity, pool.go's tryClaimAffinity) before
// this goroutine would otherwise notice, readLoop checks after every
// frame whether its lease is still the session's current one and
// returns immediately if not, instead of looping back into another
// ReadFrame call. Because the only paths that stop being "current"
// (onNonePending, onWorkerShutdown's same-session branch) run
// synchronously inside handleWorkerFrame on this same goroutine, this
// check always happens before a concurrent claimer's own readLoop could
// start reading the same connection.
func (s *Session) readLoop(lease *pool.Lease) {
	for {
		frame, err := lease.Worker.Conn.ReadFrame()
		if err != nil {
			s.log.Warn().Err(err).Msg("worker channel closed, marking broken")
			s.handleBrokenWorker(lease)
			return
		}
		s.handleWorkerFrame(frame)
		if !s.leaseCurrent(lease) {
			return
		}
	}
}

// leaseCurrent reports whether lease is still the one the session holds.
func (s *Session) leaseCurrent(lease *pool.Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease == lease
}

func (s *Session) handleWorkerFrame(frame wire.Frame) {
	switch frame.Kind {
	case wire.KindAck:
		var msg wire.Ack
		if err := wire.Unmarshal(frame.Payload, &msg); err != nil {
			s.log.Error().Err(err).Msg("decode Ack")
			return
		}
		s.onAck(msg.Seq)

	case wire.KindScriptStarted:
		var msg wire.ScriptStarted
		if err := wire.Unmarshal(frame.Payload, &msg); err != nil {
			s.log.Error().Err(err).Msg("decode ScriptStarted")
			return
		}
		s.onScriptStarted(msg)

	case wire.KindTaskScheduled:
		s.tasks.ClearNext()

	case wire.KindNonePending:
		s.onNonePending()

	case wire.KindShutdownEvt:
		var msg wire.ShutdownEvt
		if err := wire.Unmarshal(frame.Payload, &msg); err != nil {
			s.log.Error().Err(err).Msg("decode ShutdownEvt")
			return
		}
		s.onWorkerShutdown(msg)

	case wire.KindGuildLog:
		var msg wire.GuildLog
		if err := wire.Unmarshal(frame.Payload, &msg); err != nil {
			return
		}
		if s.logs != nil {
			s.logs.GuildLog(msg.Entry)
		}

	case wire.KindMetric:
		var msg wire.Metric
		if err := wire.Unmarshal(frame.Payload, &msg); err != nil {
			return
		}
		s.onMetric(msg)

	default:
		s.log.Warn().Int("kind", int(frame.Kind)).Msg("unexpected frame from worker")
	}
}

func (s *Session) onAck(seq uint64) {
	s.mu.Lock()
	pa, ok := s.pendingAcks[seq]
	if ok {
		delete(s.pendingAcks, seq)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	if pa.sessionID != s.currentSessionID() {
		// Stale ack from a superseded session: already dropped above.
		return
	}

	switch pa.kind {
	case ackTimer:
		_ = s.timers.Ack(context.Background(), pa.timerID, time.Now().UTC())
	case ackTask:
		_ = s.tasks.AckTriggeredTask(context.Background(), pa.taskID)
	case ackCreate:
		// Nothing to finalize here; ScriptStarted (not this ack) is what
		// signals the VM is actually ready to receive dispatches.
	case ackPlain:
		if pa.notify != nil {
			close(pa.notify)
		}
	}
}

func (s *Session) currentSessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) onScriptStarted(msg wire.ScriptStarted) {
	ctx := context.Background()
	if err := s.timers.ScriptStarted(ctx, msg.Timers); err != nil {
		s.log.Error().Err(err).Msg("merging timer contributions")
	}
	s.tasks.ScriptStarted(msg.Buckets)

	s.mu.Lock()
	prev := s.lastCommands
	next := mergeCommands(s.scripts)
	s.lastCommands = next
	s.mu.Unlock()

	added, removed := diffCommands(prev, next)
	if len(added) > 0 || len(removed) > 0 {
		s.listener.CommandsChanged(s.Guild, added, removed)
	}

	s.listener.ScriptsStarted(s.Guild, msg.Timers, msg.Buckets, msg.Settings)
}

// onNonePending returns the worker to the pool once the VM has drained
// its pending-ack set, per spec §4.4.
func (s *Session) onNonePending() {
	s.mu.Lock()
	empty := len(s.pendingAcks) == 0
	lease := s.lease
	s.mu.Unlock()

	if !empty || lease == nil {
		return
	}

	s.mu.Lock()
	s.lease = nil
	s.lastReturnedAt = time.Now().UTC()
	s.mu.Unlock()

	lease.Return(s.Guild, false)
}

// onWorkerShutdown implements spec §4.4's Shutdown(event) handling.
func (s *Session) onWorkerShutdown(msg wire.ShutdownEvt) {
	s.mu.Lock()
	current := s.sessionID
	s.mu.Unlock()

	if msg.VMSessionID == current {
		s.mu.Lock()
		s.forceLoadScriptsNext = true
		lease := s.lease
		s.lease = nil
		s.lastReturnedAt = time.Now().UTC()
		s.mu.Unlock()
		if lease != nil {
			lease.Return(s.Guild, false)
		}
	} else {
		s.prunePreInvalidationAcks(msg.VMSessionID)
	}

	switch msg.Reason {
	case model.ShutdownRunaway:
		s.listener.SuspendGuild(s.Guild, model.SuspensionExcessCPU)
	case model.ShutdownTooManyInvalidRequests:
		s.listener.SuspendGuild(s.Guild, model.SuspensionTooManyInvalidRequests)
	case model.ShutdownOutOfMemory, model.ShutdownRequest:
		s.log.Info().Str("reason", msg.Reason.String()).Msg("vm shut down")
	}
}

func (s *Session) prunePreInvalidationAcks(staleSessionID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, pa := range s.pendingAcks {
		if pa.sessionID == staleSessionID {
			delete(s.pendingAcks, seq)
		}
	}
}

func (s *Session) onMetric(msg wire.Metric) {
	if s.metrics == nil {
		return
	}
	if _, whitelisted := latencyHistogramWhitelist[msg.Name]; whitelisted {
		s.metrics.Metric(s.Guild, msg.Name, msg.Kind, msg.Value, msg.Labels)
		return
	}
	labels := make(map[string]string, len(msg.Labels)+1)
	for k, v := range msg.Labels {
		labels[k] = v
	}
	labels["guild_id"] = fmt.Sprint(uint64(s.Guild))
	s.metrics.Metric(s.Guild, msg.Name, msg.Kind, msg.Value, labels)
}

// handleBrokenWorker implements spec §4.4's broken-worker handling:
// return the worker marked broken, reset loaded timers/tasks and the
// pending-ack map, and do not auto-restart. Per Open Question 3, the
// session id is not bumped here.
func (s *Session) handleBrokenWorker(lease *pool.Lease) {
	s.mu.Lock()
	if s.lease != lease {
		s.mu.Unlock()
		return
	}
	s.lease = nil
	s.pendingAcks = make(map[uint64]*pendingAck)
	s.mu.Unlock()

	s.timers.ClearLoaded()
	s.timers.ClearPending()
	s.tasks.ClearPending()

	lease.Return(s.Guild, true)
}

// Shutdown sends Complete and waits up to cfg.ShutdownTimeout for the VM
// to drain (signaled by the lease being released via onNonePending or
// onWorkerShutdown); on timeout it force-returns the worker as broken,
// standing in for "force-kill via the isolate's interrupt handle" since
// that handle lives in the worker process, not the scheduler.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	lease := s.lease
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		close(s.stopCh)
	}

	if lease == nil {
		return nil
	}

	frame, err := wire.Encode(wire.KindComplete, wire.Complete{})
	if err != nil {
		return err
	}
	if err := lease.Worker.Conn.WriteFrame(frame); err != nil {
		s.handleBrokenWorker(lease)
		return nil
	}

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			s.mu.Lock()
			stillHeld := s.lease == lease
			s.mu.Unlock()
			if stillHeld {
				s.log.Warn().Msg("vm did not drain before shutdown timeout, force-killing")
				s.handleBrokenWorker(lease)
			}
			return nil
		case <-ticker.C:
			s.mu.Lock()
			released := s.lease != lease
			s.mu.Unlock()
			if released {
				return nil
			}
		}
	}
}

// Status is the admin-surface snapshot of one guild's session, per spec
// §6: current worker id (if held), claim/return times, pending-ack count.
type Status struct {
	Guild            model.GuildID
	HasWorker        bool
	WorkerID         uint64
	SessionID        uint64
	PendingAckCount  int
	LastClaimedAt    time.Time
	LastReturnedAt   time.Time
	ScriptCount      int
}

// Status returns a point-in-time snapshot for the admin surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Guild:           s.Guild,
		SessionID:       s.sessionID,
		PendingAckCount: len(s.pendingAcks),
		LastClaimedAt:   s.lastClaimedAt,
		LastReturnedAt:  s.lastReturnedAt,
		ScriptCount:     len(s.scripts),
	}
	if s.lease != nil {
		st.HasWorker = true
		st.WorkerID = s.lease.Worker.ID
	}
	return st
}

// ReloadScripts re-reads enabled scripts from storage and forces a fresh
// VM create on the next start-fresh-vm, even if the held worker ran this
// guild last.
func (s *Session) ReloadScripts(ctx context.Context) error {
	scripts, err := s.db.ListEnabledScripts(ctx, s.Guild)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scripts = scripts
	s.forceLoadScriptsNext = true
	s.mu.Unlock()
	return s.startFreshVM(ctx)
}
