package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mediary/pkg/types"
)

const defaultKeyPrefix = "mediary:missed:"

// RedisConfig holds the configuration for the Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// redisRecord is the JSON document stored per message. A nil QoS marks an
// unspecified level.
type redisRecord struct {
	Topic       string `json:"topic"`
	Payload     []byte `json:"payload,omitempty"`
	QoS         *byte  `json:"qos,omitempty"`
	Retain      bool   `json:"retain"`
	Dup         bool   `json:"dup"`
	ContentType string `json:"content_type,omitempty"`
	QueuedAt    int64  `json:"queued_at"`
}

// RedisStore keeps the queue in Redis: an INCR counter for ids, one JSON
// value per message and a sorted set indexing the live ids.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to Redis and pings it before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore{
		client: rdb,
		logger: logger.With().Str("component", "RedisStore").Logger(),
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (s *RedisStore) seqKey() string   { return s.prefix + "seq" }
func (s *RedisStore) indexKey() string { return s.prefix + "index" }
func (s *RedisStore) msgKey(id int64) string {
	return s.prefix + "msg:" + strconv.FormatInt(id, 10)
}

// Insert allocates an id and writes the record and its index entry atomically.
func (s *RedisStore) Insert(ctx context.Context, msg types.Message) (int64, error) {
	rec := redisRecord{
		Topic:       msg.Topic,
		Payload:     msg.Payload,
		Retain:      msg.Retain,
		Dup:         msg.Duplicate,
		ContentType: msg.ContentType,
		QueuedAt:    s.now().UnixMilli(),
	}
	if msg.QoS.Valid() {
		q := byte(msg.QoS)
		rec.QoS = &q
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal missed message: %w", err)
	}

	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.msgKey(id), data, 0)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(id), Member: strconv.FormatInt(id, 10)})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store missed message: %w", err)
	}
	s.logger.Debug().Int64("id", id).Str("topic", msg.Topic).Msg("Stored missed message.")
	return id, nil
}

// List reads the index in id order and fetches every record in one MGET.
func (s *RedisStore) List(ctx context.Context) ([]types.QueuedMessage, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(members))
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn().Str("member", m).Msg("Skipping malformed index entry.")
			continue
		}
		ids = append(ids, id)
		keys = append(keys, s.msgKey(id))
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch missed messages: %w", err)
	}

	out := make([]types.QueuedMessage, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between ZRANGE and MGET
			continue
		}
		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Error().Err(err).Int64("id", ids[i]).Msg("Failed to unmarshal missed message.")
			continue
		}
		qm := types.QueuedMessage{
			ID: ids[i],
			Message: types.Message{
				Topic:       rec.Topic,
				Payload:     rec.Payload,
				QoS:         types.QoSUnspecified,
				Retain:      rec.Retain,
				Duplicate:   rec.Dup,
				ContentType: rec.ContentType,
			},
			QueuedAt: time.UnixMilli(rec.QueuedAt),
		}
		if rec.QoS != nil {
			qm.Message.QoS = types.QoSFromByte(*rec.QoS)
		}
		out = append(out, qm)
	}
	return out, nil
}

// Delete removes the record and its index entry. Missing ids are ignored.
func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.indexKey(), strconv.FormatInt(id, 10))
		p.Del(ctx, s.msgKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to delete missed message %d: %w", id, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.client.Close()
}
