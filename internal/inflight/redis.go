package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "evalgate:inflight:"

// releaseScript deletes the lock only if it still holds our token, so a
// request whose lock expired cannot free a newer request's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Guard shared by every gateway instance pointing at the same
// Redis. Locks expire after ttl so a crashed instance cannot hold a
// subject forever; ttl should exceed the longest expected stream.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log logrus.FieldLogger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, log: log}
}

func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key

	ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring in-flight lock: %w", err)
	}
	if !ok {
		return nil, ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The request context is usually gone by now.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Err(); err != nil {
				r.log.WithError(err).WithField("key", key).Warn("failed to release in-flight lock")
			}
		})
	}, nil
}
