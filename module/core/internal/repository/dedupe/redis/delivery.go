package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/dedupe"
)

var _ dedupe.DeliveryGuard = (*DeliveryGuard)(nil)

const (
	keyPrefix      = "geofence:delivery:"
	statePending   = "pending"
	stateDelivered = "delivered"
)

// client is the subset of *goredis.Client the guard uses.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

type DeliveryGuard struct {
	rdb        client
	pendingTTL time.Duration
	doneTTL    time.Duration
}

// NewDeliveryGuard keeps in-flight claims for pendingTTL, so a crashed worker
// releases its claim eventually, and confirmed keys for doneTTL.
func NewDeliveryGuard(rdb *goredis.Client, pendingTTL, doneTTL time.Duration) *DeliveryGuard {
	return newDeliveryGuard(rdb, pendingTTL, doneTTL)
}

func newDeliveryGuard(rdb client, pendingTTL, doneTTL time.Duration) *DeliveryGuard {
	if pendingTTL <= 0 {
		pendingTTL = time.Minute
	}
	if doneTTL <= 0 {
		doneTTL = 24 * time.Hour
	}
	return &DeliveryGuard{rdb: rdb, pendingTTL: pendingTTL, doneTTL: doneTTL}
}

func (g *DeliveryGuard) Claim(ctx context.Context, key string) (dedupe.Claim, error) {
	ok, err := g.rdb.SetNX(ctx, keyPrefix+key, statePending, g.pendingTTL).Result()
	if err != nil {
		return dedupe.Claimed, fmt.Errorf("claim delivery: %w", err)
	}
	if ok {
		return dedupe.Claimed, nil
	}

	state, err := g.rdb.Get(ctx, keyPrefix+key).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		// expired between the two calls; the next attempt will claim it
		return dedupe.InFlight, nil
	case err != nil:
		return dedupe.Claimed, fmt.Errorf("read delivery state: %w", err)
	case state == stateDelivered:
		return dedupe.AlreadyDelivered, nil
	default:
		return dedupe.InFlight, nil
	}
}

func (g *DeliveryGuard) Confirm(ctx context.Context, key string) error {
	if err := g.rdb.Set(ctx, keyPrefix+key, stateDelivered, g.doneTTL).Err(); err != nil {
		return fmt.Errorf("confirm delivery: %w", err)
	}
	return nil
}

func (g *DeliveryGuard) Release(ctx context.Context, key string) error {
	if err := g.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}
