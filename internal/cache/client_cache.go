// Package cache memoizes client metadata discovery.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fuomag9/indieauth/internal/discovery"
)

const (
	keyPrefix  = "indieauth:client:"
	DefaultTTL = 5 * time.Minute

	dialTimeout  = 5 * time.Second
	ioTimeout    = 3 * time.Second
	fetchTimeout = 30 * time.Second
)

// ClientDiscoverer resolves client metadata for a client_id
type ClientDiscoverer interface {
	Discover(ctx context.Context, clientID string) *discovery.ClientInfo
}

// Recorder receives cache hit and miss events
type Recorder interface {
	ClientCache(hit bool)
}

// ClientCache wraps a ClientDiscoverer. Concurrent lookups of one client_id share a
// single fetch, and successful fetches are kept in Redis when a client is configured.
type ClientCache struct {
	next     ClientDiscoverer
	redis    redis.UniversalClient
	ttl      time.Duration
	group    singleflight.Group
	recorder Recorder
	logger   *zap.Logger
}

// NewClientCache creates a cache in front of next. rdb may be nil, in which case
// only request collapsing applies.
func NewClientCache(next ClientDiscoverer, rdb redis.UniversalClient, ttl time.Duration, recorder Recorder, logger *zap.Logger) *ClientCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ClientCache{
		next:     next,
		redis:    rdb,
		ttl:      ttl,
		recorder: recorder,
		logger:   logger.Named("client_cache"),
	}
}

// Discover returns cached metadata for clientID or fetches it
func (c *ClientCache) Discover(ctx context.Context, clientID string) *discovery.ClientInfo {
	if info, ok := c.get(ctx, clientID); ok {
		c.record(true)
		return info
	}
	c.record(false)

	v, _, _ := c.group.Do(clientID, func() (interface{}, error) {
		// Every waiter shares this fetch, so it must outlive the caller that started it
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		info := c.next.Discover(fetchCtx, clientID)
		// Failures are not cached so the next attempt fetches again
		if info.WasFetched {
			c.set(fetchCtx, info)
		}
		return info, nil
	})
	return clone(v.(*discovery.ClientInfo))
}

func (c *ClientCache) get(ctx context.Context, clientID string) (*discovery.ClientInfo, bool) {
	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, keyPrefix+clientID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("client cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var info discovery.ClientInfo
	if err := json.Unmarshal(data, &info); err != nil {
		c.logger.Warn("discarding corrupt client cache entry", zap.String("client_id", clientID), zap.Error(err))
		return nil, false
	}
	if info.ClientID != clientID {
		return nil, false
	}
	return &info, true
}

func (c *ClientCache) set(ctx context.Context, info *discovery.ClientInfo) {
	if c.redis == nil {
		return
	}

	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, keyPrefix+info.ClientID, data, c.ttl).Err(); err != nil {
		c.logger.Warn("client cache write failed", zap.Error(err))
	}
}

func (c *ClientCache) record(hit bool) {
	if c.recorder != nil {
		c.recorder.ClientCache(hit)
	}
}

func clone(info *discovery.ClientInfo) *discovery.ClientInfo {
	cp := *info
	cp.RedirectURIs = slices.Clone(info.RedirectURIs)
	return &cp
}

// NewRedisClient connects to the Redis server at redisURL (redis:// or rediss://)
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = ioTimeout
	opts.WriteTimeout = ioTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
