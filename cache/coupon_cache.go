package cache

import (
	"context"
	"encoding/json"
	"time"

	"checkout-service/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const couponKeyPrefix = "coupon:"

// CouponCache is a read-through Redis cache for coupon lookups by code.
// It serves the read endpoints only; validation and redemption always hit
// the database because usage counters must be fresh. A nil *CouponCache is
// valid and behaves as a no-op.
type CouponCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCouponCache creates a CouponCache. Returns nil when client is nil so
// callers can run without Redis.
func NewCouponCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *CouponCache {
	if client == nil {
		return nil
	}
	return &CouponCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached coupon for a code, or ok=false on miss or error.
func (c *CouponCache) Get(ctx context.Context, code string) (*models.Coupon, bool) {
	if c == nil {
		return nil, false
	}

	data, err := c.client.Get(ctx, couponKeyPrefix+code).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Coupon cache read failed", zap.String("code", code), zap.Error(err))
		}
		return nil, false
	}

	var coupon models.Coupon
	if err := json.Unmarshal(data, &coupon); err != nil {
		c.logger.Warn("Coupon cache entry corrupt", zap.String("code", code), zap.Error(err))
		return nil, false
	}
	return &coupon, true
}

// Set stores a coupon under its code, best-effort.
func (c *CouponCache) Set(ctx context.Context, coupon *models.Coupon) {
	if c == nil {
		return
	}

	data, err := json.Marshal(coupon)
	if err != nil {
		c.logger.Warn("Coupon cache marshal failed", zap.String("code", coupon.Code), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, couponKeyPrefix+coupon.Code, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Coupon cache write failed", zap.String("code", coupon.Code), zap.Error(err))
	}
}

// Invalidate drops the cached entry for a code.
func (c *CouponCache) Invalidate(ctx context.Context, code string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, couponKeyPrefix+code).Err()
}
