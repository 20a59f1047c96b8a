// Package suspendstore persists guild suspension records in Redis with
// a TTL equal to the suspension's remaining duration, so a restarted
// scheduler process recovers suspensions without re-deriving them —
// durability the in-memory scheduler.SuspendedSet alone can't offer
// across a restart, per spec §3's Suspension Record.
//
// Grounded on manager.go's/state.go's Redis client construction and
// "%s:prefix" key convention; using the key's own TTL to "automatically
// clear on expiry" replaces a manually swept map with a storage-layer
// guarantee.
package suspendstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/botloader/guildscheduler/internal/model"
)

// Store persists suspension records.
type Store struct {
	client *redis.Client
	prefix string
}

// Config mirrors the teacher's RedisAddress/RedisPassword/RedisDatabase/
// RedisPrefix Configuration fields.
type Config struct {
	Address  string
	Password string
	Database int
	Prefix   string
}

// Open dials Redis and returns a Store.
func Open(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	return &Store{client: client, prefix: cfg.Prefix}
}

func (s *Store) key(guild model.GuildID) string {
	return fmt.Sprintf("%s:suspend:%d", s.prefix, uint64(guild))
}

// Suspend records guild as suspended for reason's duration. The key's
// own TTL clears the record once the window elapses.
func (s *Store) Suspend(ctx context.Context, guild model.GuildID, reason model.SuspensionReason) error {
	return s.client.Set(ctx, s.key(guild), int(reason), reason.Duration()).Err()
}

// Get reports whether guild is currently suspended and, if so, why.
func (s *Store) Get(ctx context.Context, guild model.GuildID) (model.SuspensionReason, bool, error) {
	val, err := s.client.Get(ctx, s.key(guild)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("suspendstore: malformed suspension value: %w", err)
	}
	return model.SuspensionReason(n), true, nil
}

// Clear removes guild's suspension record, regardless of TTL.
func (s *Store) Clear(ctx context.Context, guild model.GuildID) error {
	return s.client.Del(ctx, s.key(guild)).Err()
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
