// Package store holds outbound messages that could not be delivered upstream
// until a replay publish succeeds. Records survive bridge restarts for the
// durable backends (sqlite, redis).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"mediary/pkg/types"
)

// Backend names accepted in store.backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the missed-message queue. Delete of an absent id is a no-op. List
// returns a snapshot ordered by insertion.
type Store interface {
	Insert(ctx context.Context, msg types.Message) (int64, error)
	List(ctx context.Context) ([]types.QueuedMessage, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg types.StoreConfig, logger zerolog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		return OpenSQLite(ctx, SQLiteConfig{Path: cfg.SQLite.Path, BusyTimeout: cfg.SQLite.BusyTimeout}, logger)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	case BackendMemory:
		logger.Warn().Msg("Using in-memory missed-message store; queued messages will not survive a restart.")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
