// Package cache keeps recently served order-tracking responses in
// Redis so the lookup path can degrade gracefully when the store's
// circuit is open.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/thecatch/orderflow/pkg/models"
)

const keyPrefix = "order:track:"

const (
	activeTTL   = 15 * time.Second
	terminalTTL = 5 * time.Minute
)

type OrderCache struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

func New(rdb *redis.Client, logger *logrus.Logger) *OrderCache {
	return &OrderCache{
		rdb:    rdb,
		logger: logger,
	}
}

// Get returns the cached tracking response body for an order number.
func (c *OrderCache) Get(ctx context.Context, orderNumber string) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	payload, err := c.rdb.Get(ctx, keyPrefix+models.NormalizeOrderNumber(orderNumber)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("order_number", orderNumber).Debug("Order cache read failed")
		return nil, false
	}
	return payload, true
}

// Set stores a served tracking response. Terminal orders keep a longer
// TTL since their state can no longer change.
func (c *OrderCache) Set(ctx context.Context, orderNumber string, payload []byte, status models.OrderStatus) {
	if c == nil || c.rdb == nil {
		return
	}

	ttl := activeTTL
	if status.Terminal() {
		ttl = terminalTTL
	}

	if err := c.rdb.Set(ctx, keyPrefix+models.NormalizeOrderNumber(orderNumber), payload, ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("order_number", orderNumber).Debug("Order cache write failed")
	}
}
