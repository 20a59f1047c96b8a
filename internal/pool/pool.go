// Package pool implements the worker pool of spec §4.5: a fixed set of
// worker processes partitioned into premium-tier subsets, same-guild
// affinity preference on lease, FIFO waiters when nothing is idle, and
// broken-worker discard-and-respawn.
//
// Adapted from the teacher's gateway package: Manager -> Pool,
// ShardGroup -> Tier, Shard -> Worker. The teacher's shards-by-guild-id
// concept is structurally the same as workers-by-premium-tier, just
// re-keyed: both are "a bounded set of homogeneous workers, one of which
// a caller needs exclusive use of for a while."
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/wire"
)

// ErrPoolClosed is returned by RequestWorker after Close.
var ErrPoolClosed = errors.New("pool: closed")

// Transport is the narrow interface a Worker's connection to its worker
// process satisfies; *wire.Codec implements it directly. Kept abstract
// so tests can substitute a fake without standing up a real socket.
type Transport interface {
	WriteFrame(wire.Frame) error
	ReadFrame() (wire.Frame, error)
	Close() error
}

// Worker is one pool slot: at most one leased guild at a time.
type Worker struct {
	ID   uint64
	Tier int

	mu              sync.Mutex
	idle            bool
	lastActiveGuild model.GuildID
	claimedAt       time.Time
	broken          bool

	Conn Transport
}

// Status is the admin-surface snapshot of one worker, per spec §6.
type Status struct {
	ID              uint64
	Tier            int
	Idle            bool
	LastActiveGuild model.GuildID
	ClaimDuration   time.Duration
}

// tierDef is one configured premium-tier subset.
type tierDef struct {
	minPremium model.PremiumTier
	index      int
	workers    map[uint64]*Worker
}

// Lease is the opaque handle a session holds while it has a worker.
// Per the design note in §9 ("cyclic references"), the lease owns a
// non-owning back-pointer to the pool so Return can be called
// without the pool needing to track individual leases itself.
type Lease struct {
	Worker *Worker
	Hint   model.WorkerRetrievalHint
	pool   *Pool
}

// Return hands the leased worker back to the pool. broken marks it for
// discard-and-respawn instead of reuse.
func (l *Lease) Return(releasingGuild model.GuildID, broken bool) {
	l.pool.returnWorker(l, releasingGuild, broken)
}

type waiter struct {
	guild   model.GuildID
	premium model.PremiumTier
	resp    chan waitResult
}

type waitResult struct {
	lease *Lease
	err   error
}

// SpawnFunc constructs the worker for slot (tier, id): New calls it for
// every slot, and it is called again after a broken return. Supplied by the scheduler process wiring, which knows
// how to start/accept a new worker process.
type SpawnFunc func(tier int, id uint64) (Transport, error)

// Pool owns every worker and all lease bookkeeping; it is the single
// owner of pool state, matching spec §5 ("the worker pool state is owned
// by a single pool task").
type Pool struct {
	log   zerolog.Logger
	spawn SpawnFunc

	mu      sync.Mutex
	tiers   []*tierDef // ordered highest minPremium first
	waiters []*waiter
	closed  bool

	nextWorkerID uint64
}

// TierConfig describes one premium-tier subset at construction time.
type TierConfig struct {
	MinPremium model.PremiumTier
	Size       int
}

// New builds a Pool and spawns every configured worker slot up front.
func New(log zerolog.Logger, spawn SpawnFunc, tiers []TierConfig) (*Pool, error) {
	p := &Pool{log: log, spawn: spawn}

	// Highest minPremium first so candidate-tier search below naturally
	// prefers a guild's own reserved tier before falling back to lower
	// ones.
	sorted := make([]TierConfig, len(tiers))
	copy(sorted, tiers)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].MinPremium > sorted[i].MinPremium {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	for idx, tc := range sorted {
		td := &tierDef{minPremium: tc.MinPremium, index: idx, workers: make(map[uint64]*Worker)}
		p.tiers = append(p.tiers, td)
		for i := 0; i < tc.Size; i++ {
			if err := p.spawnInto(td); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (p *Pool) spawnInto(td *tierDef) error {
	p.nextWorkerID++
	id := p.nextWorkerID

	conn, err := p.spawn(td.index, id)
	if err != nil {
		return err
	}
	td.workers[id] = &Worker{ID: id, Tier: td.index, idle: true, Conn: conn}
	return nil
}

// candidateTiers returns the tiers a guild at premium may draw from,
// starting with its own reserved tier and falling back to lower ones.
func (p *Pool) candidateTiers(premium model.PremiumTier) []*tierDef {
	var out []*tierDef
	for _, td := range p.tiers {
		if td.minPremium <= premium {
			out = append(out, td)
		}
	}
	return out
}

// RequestWorker implements the four-step procedure of spec §4.5.
func (p *Pool) RequestWorker(ctx context.Context, guild model.GuildID, premium model.PremiumTier) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	candidates := p.candidateTiers(premium)

	if l := p.tryClaimAffinity(candidates, guild); l != nil {
		p.mu.Unlock()
		return l, nil
	}
	if l := p.tryClaimAny(candidates); l != nil {
		p.mu.Unlock()
		return l, nil
	}

	w := &waiter{guild: guild, premium: premium, resp: make(chan waitResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.resp:
		return res.lease, res.err
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiter(w)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	out := p.waiters[:0]
	for _, w := range p.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	p.waiters = out
}

func (p *Pool) tryClaimAffinity(candidates []*tierDef, guild model.GuildID) *Lease {
	for _, td := range candidates {
		for _, w := range td.workers {
			w.mu.Lock()
			if w.idle && !w.broken && w.lastActiveGuild == guild {
				w.idle = false
				w.claimedAt = time.Now().UTC()
				w.mu.Unlock()
				return &Lease{Worker: w, Hint: model.RetrievedSameGuild, pool: p}
			}
			w.mu.Unlock()
		}
	}
	return nil
}

func (p *Pool) tryClaimAny(candidates []*tierDef) *Lease {
	for _, td := range candidates {
		for _, w := range td.workers {
			w.mu.Lock()
			if w.idle && !w.broken {
				w.idle = false
				w.claimedAt = time.Now().UTC()
				w.mu.Unlock()
				return &Lease{Worker: w, Hint: model.RetrievedDifferent, pool: p}
			}
			w.mu.Unlock()
		}
	}
	return nil
}

// returnWorker implements the return policy of spec §4.5: broken
// workers are discarded and replaced in their slot; healthy returns
// update last_active_guild and may immediately satisfy a FIFO waiter.
func (p *Pool) returnWorker(l *Lease, releasingGuild model.GuildID, broken bool) {
	w := l.Worker

	p.mu.Lock()
	defer p.mu.Unlock()

	if broken {
		td := p.tiers[w.Tier]
		delete(td.workers, w.ID)
		if err := p.spawnInto(td); err != nil {
			p.log.Error().Err(err).Uint64("worker", w.ID).Msg("failed to respawn worker after broken return")
		}
	} else {
		w.mu.Lock()
		w.idle = true
		w.lastActiveGuild = releasingGuild
		w.mu.Unlock()
	}

	p.wakeWaiter()
}

// wakeWaiter satisfies the longest-waiting eligible requester, if any,
// with the pool's current idle workers. A single FIFO list (rather than
// one queue per tier) is used since eligibility already varies per
// waiter's premium tier; this still preserves same-tier FIFO ordering,
// which is the property spec §4.5 and scenario-testing care about.
func (p *Pool) wakeWaiter() {
	for i, w := range p.waiters {
		candidates := p.candidateTiers(w.premium)
		if l := p.tryClaimAffinity(candidates, w.guild); l != nil {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			w.resp <- waitResult{lease: l}
			return
		}
		if l := p.tryClaimAny(candidates); l != nil {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			w.resp <- waitResult{lease: l}
			return
		}
	}
}

// Snapshot returns a point-in-time status of every worker, for the
// admin surface.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Status
	now := time.Now().UTC()
	for _, td := range p.tiers {
		for _, w := range td.workers {
			w.mu.Lock()
			st := Status{ID: w.ID, Tier: w.Tier, Idle: w.idle, LastActiveGuild: w.lastActiveGuild}
			if !w.idle {
				st.ClaimDuration = now.Sub(w.claimedAt)
			}
			w.mu.Unlock()
			out = append(out, st)
		}
	}
	return out
}

// Close marks the pool closed and closes every worker connection.
// Waiters already queued are not woken; they return only when a worker
// is handed to them or their RequestWorker context is done.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, td := range p.tiers {
		for _, w := range td.workers {
			if w.Conn != nil {
				_ = w.Conn.Close()
			}
		}
	}
}
