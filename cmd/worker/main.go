// Command worker runs a single guild-VM host process: it dials the
// scheduler's worker-listen address, announces itself, and services
// CreateScriptsVm/Dispatch/Complete/Shutdown commands for at most one
// guild at a time until the connection drops or the scheduler tells it
// to stop.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/wire"
	"github.com/botloader/guildscheduler/internal/workerhost"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	schedulerAddr := flag.String("scheduler", "127.0.0.1:7020", "address of the scheduler's worker listener")
	workerID := flag.Uint64("worker-id", 0, "this worker's id, sent in its Hello frame (the scheduler assigns pool slot ids itself)")
	flag.Parse()

	conn, err := net.Dial("tcp", *schedulerAddr)
	if err != nil {
		zlog.Fatal().Err(err).Str("addr", *schedulerAddr).Msg("failed to dial scheduler")
	}

	codec := wire.New(conn)
	host := workerhost.New(*workerID, codec, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sc
		zlog.Info().Msg("shutting down worker")
		cancel()
		conn.Close()
	}()

	zlog.Info().Uint64("worker_id", *workerID).Str("scheduler", *schedulerAddr).Msg("connected, serving")

	if err := host.Serve(ctx); err != nil {
		zlog.Error().Err(err).Msg("worker host stopped")
	}
}
