package cache_test

import (
	"context"
	"testing"
	"time"

	"checkout-service/cache"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNilCacheIsNoOp(t *testing.T) {
	c := cache.NewCouponCache(nil, time.Minute, zap.NewNop())
	assert.Nil(t, c)

	// All operations on the nil cache must be safe no-ops.
	coupon, ok := c.Get(context.Background(), "SAVE10")
	assert.Nil(t, coupon)
	assert.False(t, ok)

	c.Set(context.Background(), nil)
	assert.NoError(t, c.Invalidate(context.Background(), "SAVE10"))
}
