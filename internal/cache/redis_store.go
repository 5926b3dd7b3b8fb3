package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// envelope is the Redis representation of an Entry
type envelope struct {
	Value      json.RawMessage `json:"v"`
	InsertedAt time.Time       `json:"i"`
	TTL        time.Duration   `json:"t"`
	Stamp      time.Time       `json:"s,omitempty"`
}

// redisStore is the optional L2 layer. Every call goes through a circuit
// breaker; failures are logged and reported as misses.
type redisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	logger  *logrus.Entry
}

func newRedisStore(client *redis.Client, prefix string, logger *logrus.Entry) *redisStore {
	s := &redisStore{
		client: client,
		prefix: prefix,
		logger: logger.WithField("layer", "redis"),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "preference-cache-redis",
		MaxRequests: 3,                // Allow 3 requests in half-open state
		Interval:    30 * time.Second, // Clear counts after 30 seconds
		Timeout:     15 * time.Second, // Stay open before probing again
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return s
}

func (s *redisStore) key(table, key string) string {
	return s.prefix + table + ":" + key
}

func (s *redisStore) state() string {
	return s.breaker.State().String()
}

func (s *redisStore) get(ctx context.Context, table, key string) (*envelope, bool) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, s.key(table, key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("Redis get failed, treating as miss")
		return nil, false
	}
	data, ok := result.([]byte)
	if !ok || data == nil {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Corrupted cache entry in Redis, dropping")
		s.del(ctx, table, key)
		return nil, false
	}
	return &env, true
}

func (s *redisStore) set(ctx context.Context, table, key string, env envelope, ttl time.Duration) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Failed to encode cache entry for Redis")
		return
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.key(table, key), data, ttl).Err()
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Debug("Redis set failed")
	}
}

func (s *redisStore) del(ctx context.Context, table string, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(table, k)
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, full...).Err()
	})
	if err != nil {
		s.logger.WithError(err).WithField("keys", len(keys)).Warn("Redis delete failed")
	}
}

// deleteMatching scans table keys matching glob and deletes the ones accepted
// by match. It returns the number of deleted keys.
func (s *redisStore) deleteMatching(ctx context.Context, table, glob string, match func(string) bool) int {
	tablePrefix := s.key(table, "")
	result, err := s.breaker.Execute(func() (interface{}, error) {
		iter := s.client.Scan(ctx, 0, tablePrefix+glob, 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			full := iter.Val()
			if match(strings.TrimPrefix(full, tablePrefix)) {
				keys = append(keys, full)
			}
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("scan %s: %w", glob, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return 0, err
			}
		}
		return len(keys), nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("pattern", glob).Warn("Redis pattern invalidation failed")
		return 0
	}
	return result.(int)
}
