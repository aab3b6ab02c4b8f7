// Package onlinecache implements the TTL-cache the fleet monitor uses to
// dedupe "online" lifecycle emissions and detect true offline
// transitions, keyed streamer:online:<login>.
package onlinecache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"clipdetector/internal/apierr"
)

const keyPrefix = "streamer:online:"

// Cache is the TTL-cache backend the fleet monitor depends on.
type Cache interface {
	// SetOnlineIfAbsent records channelID as online under login for ttl
	// and reports whether the key did not already exist, which is what
	// gates the monitor's "online" lifecycle emission.
	SetOnlineIfAbsent(ctx context.Context, login string, channelID int64, ttl time.Duration) (created bool, err error)
	// Exists reports whether login's online key is still live.
	Exists(ctx context.Context, login string) (bool, error)
	Close() error
}

// RedisCache implements Cache over go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// Connect opens a Redis connection. A failure here is Fatal: the
// monitor cannot start without its TTL cache.
func Connect(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apierr.Fatalf("parse redis url: %v", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apierr.Fatalf("ping redis: %v", err)
	}

	return &RedisCache{client: client}, nil
}

// SetOnlineIfAbsent records login as online atomically using Redis's
// SET ... NX, which reports whether the value was actually set — the
// same signal as a SETEX preceded by an existence check, without the
// race between the two.
func (c *RedisCache) SetOnlineIfAbsent(ctx context.Context, login string, channelID int64, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, keyPrefix+login, strconv.FormatInt(channelID, 10), ttl).Result()
	if err != nil {
		return false, apierr.Transientf("online_cache set %s: %v", login, err)
	}
	// ok == true means the key was newly created. An already-live key
	// still gets its TTL renewed every poll, without racing the first
	// writer.
	if !ok {
		if err := c.client.Expire(ctx, keyPrefix+login, ttl).Err(); err != nil {
			return false, apierr.Transientf("online_cache renew %s: %v", login, err)
		}
	}
	return ok, nil
}

// Exists reports whether login's online key is still present.
func (c *RedisCache) Exists(ctx context.Context, login string) (bool, error) {
	n, err := c.client.Exists(ctx, keyPrefix+login).Result()
	if err != nil {
		return false, apierr.Transientf("online_cache exists %s: %v", login, err)
	}
	return n > 0, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
