// Package brokerconn implements the one external, in-scope-at-its-
// interface connection of spec §6: a persistent bidirectional stream to
// the upstream broker carrying Hello{connected_guilds}, DiscordEvent and
// Disconnect frames.
//
// Adapted from the teacher's session.go Open/heartbeat/reconnect loop:
// the same dial-then-handshake-then-listen shape, generalized from a
// Discord gateway websocket to a single broker websocket, with the same
// exponential-backoff reconnect (1s doubling, capped at 600s).
package brokerconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/botloader/guildscheduler/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler receives decoded broker frames. Implemented by
// internal/scheduler.Scheduler (Hello -> BrokerHello, Event ->
// BrokerEvent, Disconnect -> shut down every running session), per spec
// §7's "Broker disconnect: shut down all sessions; buffer nothing until
// next hello". The reconnect loop's own subsequent Hello re-initializes
// pending-starts once the broker comes back.
type Handler interface {
	Hello(ctx context.Context, connectedGuilds []model.GuildID)
	Event(ctx context.Context, guild model.GuildID, kind string, payload []byte, timestamp int64)
	Disconnect(ctx context.Context)
}

type envelope struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

type helloPayload struct {
	ConnectedGuilds []model.GuildID `json:"connected_guilds"`
}

type eventPayload struct {
	GuildID   model.GuildID   `json:"guild_id"`
	Kind      string          `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Conn dials url and services the broker stream until ctx is canceled,
// reconnecting with backoff on any read/dial failure.
type Conn struct {
	url     string
	header  http.Header
	handler Handler
	log     zerolog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// New constructs a Conn. Run must be called to actually connect.
func New(url string, header http.Header, handler Handler, log zerolog.Logger) *Conn {
	return &Conn{url: url, header: header, handler: handler, log: log}
}

// Run dials and services the broker connection, reconnecting on failure,
// until ctx is canceled or Close is called.
func (c *Conn) Run(ctx context.Context) error {
	wait := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}

		if err := c.connectAndListen(ctx); err != nil {
			c.log.Error().Err(err).Str("url", c.url).Msg("broker connection lost, reconnecting")
			c.handler.Disconnect(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > 600*time.Second {
			wait = 600 * time.Second
		}
	}
}

func (c *Conn) connectAndListen(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("brokerconn: dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("brokerconn: read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn().Err(err).Msg("brokerconn: malformed frame, dropping")
			continue
		}

		switch env.Type {
		case "hello":
			var h helloPayload
			if err := json.Unmarshal(env.Data, &h); err != nil {
				c.log.Warn().Err(err).Msg("brokerconn: malformed hello")
				continue
			}
			c.handler.Hello(ctx, h.ConnectedGuilds)

		case "event":
			var e eventPayload
			if err := json.Unmarshal(env.Data, &e); err != nil {
				c.log.Warn().Err(err).Msg("brokerconn: malformed event")
				continue
			}
			c.handler.Event(ctx, e.GuildID, e.Kind, e.Payload, e.Timestamp)

		case "disconnect":
			c.handler.Disconnect(ctx)

		default:
			c.log.Warn().Str("type", env.Type).Msg("brokerconn: unknown frame type")
		}
	}
}

// Close stops the reconnect loop and closes any live connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}
