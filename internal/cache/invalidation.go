package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
)

// Invalidation tells other replicas to drop a key from a named cache.
type Invalidation struct {
	Cache  string `json:"cache"`
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// Invalidator broadcasts cache invalidations between service replicas.
type Invalidator interface {
	Publish(ctx context.Context, inv Invalidation) error
	StartForwarder(ctx context.Context, onInvalidate func(Invalidation)) error
	Close() error
}

// LocalInvalidator is used when the service runs as a single replica.
type LocalInvalidator struct{}

func (LocalInvalidator) Publish(context.Context, Invalidation) error { return nil }

func (LocalInvalidator) StartForwarder(context.Context, func(Invalidation)) error { return nil }

func (LocalInvalidator) Close() error { return nil }

// RedisInvalidator fans invalidations out over a Redis pub/sub channel.
// Messages published by this instance are ignored on receipt.
type RedisInvalidator struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
}

// NewRedisInvalidator connects to addr and verifies the connection.
func NewRedisInvalidator(log *logger.Logger, addr, channel string) (*RedisInvalidator, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "intake-cache-invalidation"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisInvalidator{
		log:     log.With("service", "RedisCacheInvalidator"),
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
	}, nil
}

func (r *RedisInvalidator) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = r.origin
	raw, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// StartForwarder subscribes to the channel and calls onInvalidate for every
// message sent by another replica until ctx is cancelled.
func (r *RedisInvalidator) StartForwarder(ctx context.Context, onInvalidate func(Invalidation)) error {
	if onInvalidate == nil {
		return fmt.Errorf("onInvalidate callback required")
	}

	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(m.Payload), &inv); err != nil {
					r.log.Warn("bad cache invalidation payload", "error", err)
					continue
				}
				if inv.Origin == r.origin {
					continue
				}
				onInvalidate(inv)
			}
		}
	}()
	return nil
}

func (r *RedisInvalidator) Close() error {
	return r.rdb.Close()
}
