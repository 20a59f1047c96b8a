// Command scheduler runs the guildscheduler process: it accepts worker
// connections, owns the worker pool and every guild's VM session, and
// maintains the broker websocket and admin HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/adminapi"
	"github.com/botloader/guildscheduler/internal/brokerconn"
	"github.com/botloader/guildscheduler/internal/busforward"
	"github.com/botloader/guildscheduler/internal/config"
	"github.com/botloader/guildscheduler/internal/metrics"
	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/pool"
	"github.com/botloader/guildscheduler/internal/scheduler"
	"github.com/botloader/guildscheduler/internal/session"
	"github.com/botloader/guildscheduler/internal/store"
	"github.com/botloader/guildscheduler/internal/suspendstore"
	"github.com/botloader/guildscheduler/internal/wire"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// workerListener accepts worker-process connections and, once a
// connection has sent a valid Hello frame, hands it to whichever
// spawnFunc call is waiting, whatever (tier, id) slot that call fills.
// This reconciles the pool's "spawn every slot up front" construction
// with workers dialing in asynchronously: New blocks until the listener
// has handed it one connection per slot.
type workerListener struct {
	ln      net.Listener
	log     zerolog.Logger
	pending chan *wire.Codec
}

func newWorkerListener(addr string, log zerolog.Logger) (*workerListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for workers: %w", err)
	}
	wl := &workerListener{ln: ln, log: log, pending: make(chan *wire.Codec)}
	go wl.acceptLoop()
	return wl, nil
}

func (wl *workerListener) acceptLoop() {
	for {
		conn, err := wl.ln.Accept()
		if err != nil {
			wl.log.Error().Err(err).Msg("worker listener accept failed, stopping")
			return
		}
		go wl.handshake(conn)
	}
}

func (wl *workerListener) handshake(conn net.Conn) {
	codec := wire.New(conn)
	frame, err := codec.ReadFrame()
	if err != nil {
		wl.log.Warn().Err(err).Msg("worker dialed in but never sent hello")
		conn.Close()
		return
	}
	if frame.Kind != wire.KindHello {
		wl.log.Warn().Int("kind", int(frame.Kind)).Msg("worker's first frame was not hello")
		conn.Close()
		return
	}
	var hello wire.Hello
	if err := wire.Unmarshal(frame.Payload, &hello); err != nil {
		wl.log.Warn().Err(err).Msg("malformed hello from worker")
		conn.Close()
		return
	}
	wl.pending <- codec
}

// spawnFunc implements pool.SpawnFunc: it waits for the next worker
// process to dial in and complete its handshake. tier/id aren't matched
// against the incoming hello's own claimed identity since a worker
// process has no way to know in advance which slot it will fill; the
// pool's accounting of tier/id is purely scheduler-side.
func (wl *workerListener) spawnFunc(tier int, id uint64) (pool.Transport, error) {
	codec := <-wl.pending
	wl.log.Info().Int("tier", tier).Uint64("worker", id).Msg("worker connected and filled pool slot")
	return codec, nil
}

func main() {
	cfg := config.Load()

	listenAddr := flag.String("worker-listen", "127.0.0.1:7020", "address worker processes dial in to")
	flag.Parse()

	zlog.Info().Msg("starting guildscheduler")

	db, err := store.OpenSQLiteStore(cfg.SqlitePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to open sqlite store")
	}

	persist := suspendstore.Open(suspendstore.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
		Prefix:   cfg.Redis.Prefix,
	})

	meterProvider := metrics.NewProvider()
	metricSink := metrics.New(meterProvider)

	forwarder := busforward.New(busforward.Config{
		NatsAddress: cfg.Nats.Address,
		NatsChannel: cfg.Nats.Channel,
		ClusterID:   cfg.Nats.ClusterID,
		ClientID:    cfg.Nats.ClientID,
	}, zlog)
	if err := forwarder.Run(); err != nil {
		zlog.Fatal().Err(err).Msg("failed to start bus forwarder")
	}

	wl, err := newWorkerListener(*listenAddr, zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to start worker listener")
	}

	workerPool, err := pool.New(zlog, wl.spawnFunc, []pool.TierConfig{
		{MinPremium: model.TierFree, Size: cfg.Pool.FreeWorkers},
		{MinPremium: model.TierBasic, Size: cfg.Pool.BasicWorkers},
		{MinPremium: model.TierPremium, Size: cfg.Pool.PremiumWorkers},
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to build worker pool")
	}

	tierCells := newTierCellRegistry()

	// sched is referenced by sessionFactory below before it exists, since
	// each session's Listener is the scheduler itself; Go closures
	// capture the variable, not its value at creation time, so this
	// resolves once sched is assigned from scheduler.New.
	var sched *scheduler.Scheduler
	sessionFactory := func(guild model.GuildID) *session.Session {
		sessCfg := session.DefaultConfig()
		sessCfg.NoReuseWorkers = cfg.NoReuseWorkers
		return session.New(guild, tierCells.get(guild), db, workerPool, sched, metricSink, forwarder, zlog, sessCfg)
	}
	sched = scheduler.New(sessionFactory, zlog)
	sched.SetPersistStore(persist)

	admin := adminapi.New(workerPool, sched)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: admin.Handler()}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error().Err(err).Msg("admin http server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	broker := brokerconn.New(cfg.BrokerURL, nil, sched, zlog)
	go func() {
		if err := broker.Run(ctx); err != nil && err != context.Canceled {
			zlog.Error().Err(err).Msg("broker connection loop exited")
		}
	}()

	zlog.Info().Msg("guildscheduler running, ^C to shut down")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	zlog.Info().Msg("shutting down")
	cancel()
	_ = broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	sched.Shutdown(shutdownCtx)
	shutdownCancel()

	_ = adminSrv.Close()
	workerPool.Close()
	forwarder.Close()
	_ = persist.Close()
}

// tierCellRegistry hands out one session.TierCell per guild, lazily, so
// a guild's premium tier can be updated out of band (e.g. a billing
// webhook) without the owning session needing to be reconstructed.
type tierCellRegistry struct {
	mu    sync.Mutex
	cells map[model.GuildID]*session.TierCell
}

func newTierCellRegistry() *tierCellRegistry {
	return &tierCellRegistry{cells: make(map[model.GuildID]*session.TierCell)}
}

func (r *tierCellRegistry) get(guild model.GuildID) *session.TierCell {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cells[guild]; ok {
		return c
	}
	c := session.NewTierCell(model.TierFree)
	r.cells[guild] = c
	return c
}
