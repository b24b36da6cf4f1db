// Package cache keeps recently read vendors in Redis so GET /api/vendors/{id}
// can skip PostgreSQL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Clark-Hu/vendor-ratings/internal/domain"
	"github.com/Clark-Hu/vendor-ratings/internal/logging"
)

const keyPrefix = "vendor:"

// VendorCache is a cache-aside store for vendor records.
type VendorCache interface {
	Get(ctx context.Context, id string) (domain.Vendor, bool, error)
	Set(ctx context.Context, vendor domain.Vendor) error
	Invalidate(ctx context.Context, id string) error
	Close() error
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   *zap.Logger
}

// Key returns the Redis key holding vendor id.
func Key(id string) string {
	return keyPrefix + id
}

// New connects to Redis, or returns a no-op cache when no address is set.
func New(ctx context.Context, opts Options) (VendorCache, error) {
	if opts.Addr == "" {
		logging.Component(opts.Logger, "cache").Info("redis address not set, vendor cache disabled")
		return Noop{}, nil
	}
	return NewRedis(ctx, opts)
}

// Redis implements VendorCache on go-redis.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis dials Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger := logging.Component(opts.Logger, "cache")
	logger.Info("redis connection established", zap.String("addr", opts.Addr), zap.Duration("ttl", opts.TTL))
	return &Redis{client: client, ttl: opts.TTL, logger: logger}, nil
}

// Get loads a cached vendor. A miss is reported as ok=false with no error.
func (r *Redis) Get(ctx context.Context, id string) (domain.Vendor, bool, error) {
	payload, err := r.client.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Vendor{}, false, nil
	}
	if err != nil {
		return domain.Vendor{}, false, fmt.Errorf("redis get: %w", err)
	}

	var vendor domain.Vendor
	if err := json.Unmarshal(payload, &vendor); err != nil {
		// Drop undecodable entries so the next read repopulates them.
		_ = r.client.Del(ctx, Key(id)).Err()
		return domain.Vendor{}, false, fmt.Errorf("decode cached vendor: %w", err)
	}
	return vendor, true, nil
}

// Set stores vendor under its id for the configured TTL.
func (r *Redis) Set(ctx context.Context, vendor domain.Vendor) error {
	payload, err := json.Marshal(vendor)
	if err != nil {
		return fmt.Errorf("encode vendor: %w", err)
	}
	if err := r.client.Set(ctx, Key(vendor.ID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate removes the cached copy of vendor id.
func (r *Redis) Invalidate(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	r.logger.Debug("vendor cache invalidated", zap.String(logging.FieldVendorID, id))
	return nil
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Noop is used when Redis is not configured; every read misses.
type Noop struct{}

func (Noop) Get(context.Context, string) (domain.Vendor, bool, error) { return domain.Vendor{}, false, nil }
func (Noop) Set(context.Context, domain.Vendor) error                 { return nil }
func (Noop) Invalidate(context.Context, string) error                 { return nil }
func (Noop) Close() error                                             { return nil }
