package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yourusername/livequery/core"
	"go.uber.org/zap"
)

const maxCommitRetries = 8

// RedisStore keeps records in Redis and broadcasts commits over Pub/Sub,
// so watchers in every process sharing the store see each change.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
	logger  *zap.Logger

	subscribers *subscriberSet
	pubsub      *redis.PubSub
	done        chan struct{}
	closeOnce   sync.Once
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr      string        // Redis address (e.g., "localhost:6379")
	Password  string        // Redis password (empty for no auth)
	DB        int           // Redis database number
	KeyPrefix string        // Prefix for record keys (default: "livequery:")
	Channel   string        // Pub/Sub channel for commits (default: "livequery:commits")
	TTL       time.Duration // TTL for records (default: 1 hour)
	Logger    *zap.Logger   // Reports dropped Pub/Sub messages (default: no-op)
}

// commitMessage is the Pub/Sub payload for one commit
type commitMessage struct {
	Keys   []core.CacheKey  `json:"keys"`
	Origin core.OriginToken `json:"origin,omitempty"`
}

// NewRedisStore creates a new Redis-backed store and starts listening for commits
func NewRedisStore(config RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "livequery:"
	}
	channel := config.Channel
	if channel == "" {
		channel = prefix + "commits"
	}
	ttl := config.TTL
	if ttl == 0 {
		ttl = 1 * time.Hour // Default TTL
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RedisStore{
		client:      client,
		prefix:      prefix,
		channel:     channel,
		ttl:         ttl,
		logger:      logger.With(zap.String("channel", channel)),
		subscribers: newSubscriberSet(),
		done:        make(chan struct{}),
	}
	s.pubsub = client.Subscribe(context.Background(), channel)
	go s.listen()
	return s
}

func (s *RedisStore) recordKey(key core.CacheKey) string {
	return s.prefix + "record:" + string(key)
}

// Get retrieves the record for a given key
func (s *RedisStore) Get(ctx context.Context, key core.CacheKey) (core.Record, bool, error) {
	if key == "" {
		return nil, false, ErrInvalidKey
	}
	raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var record core.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return record, true, nil
}

// Commit merges records inside an optimistic transaction, then publishes the
// changed keys. Local subscribers are notified when the message comes back
// from Redis, so every process observes commits in the same order.
func (s *RedisStore) Commit(ctx context.Context, records map[core.CacheKey]core.Record, origin core.OriginToken) (core.KeySet, error) {
	if err := validateRecords(records); err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return nil, ErrStoreClosed
	default:
	}

	watched := make([]string, 0, len(records))
	for key := range records {
		watched = append(watched, s.recordKey(key))
	}

	var changed core.KeySet
	txn := func(tx *redis.Tx) error {
		changed = core.NewKeySet()
		writes := make(map[string][]byte, len(records))
		for key, incoming := range records {
			current, exists, err := s.readTx(ctx, tx, key)
			if err != nil {
				return err
			}
			merged, _ := mergeRecord(current, incoming, exists)
			before, err := json.Marshal(current)
			if err != nil {
				return err
			}
			after, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", key, err)
			}
			if exists && string(before) == string(after) {
				continue
			}
			changed.Add(key)
			writes[s.recordKey(key)] = after
		}
		if len(writes) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for redisKey, value := range writes {
				pipe.Set(ctx, redisKey, value, s.ttl)
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		err = s.client.Watch(ctx, txn, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("redis commit: %w", err)
	}
	if changed.Len() == 0 {
		return changed, nil
	}

	payload, err := json.Marshal(commitMessage{Keys: changed.Sorted(), Origin: origin})
	if err != nil {
		return nil, err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return nil, fmt.Errorf("redis publish: %w", err)
	}
	return changed, nil
}

func (s *RedisStore) readTx(ctx context.Context, tx *redis.Tx, key core.CacheKey) (core.Record, bool, error) {
	raw, err := tx.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record core.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return record, true, nil
}

func (s *RedisStore) listen() {
	for msg := range s.pubsub.Channel() {
		var commit commitMessage
		if err := json.Unmarshal([]byte(msg.Payload), &commit); err != nil {
			s.logger.Warn("dropping malformed commit message",
				zap.Int("bytes", len(msg.Payload)),
				zap.Error(err),
			)
			continue
		}
		if len(commit.Keys) == 0 {
			s.logger.Warn("dropping commit message without keys",
				zap.String("origin", string(commit.Origin)),
			)
			continue
		}
		s.subscribers.notify(core.NewKeySet(commit.Keys...), commit.Origin)
	}
}

// Subscribe registers sub for commit notifications
func (s *RedisStore) Subscribe(sub Subscriber) {
	s.subscribers.add(sub)
}

// Unsubscribe removes sub; safe to call from inside a notification
func (s *RedisStore) Unsubscribe(sub Subscriber) {
	s.subscribers.remove(sub)
}

// Clear removes all records under the store prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"record:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close stops the commit listener and closes the Redis connection
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.subscribers.clear()
		if closeErr := s.pubsub.Close(); closeErr != nil {
			err = closeErr
		}
		if closeErr := s.client.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
