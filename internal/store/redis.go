package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// spendKeyTTL keeps ledger keys around for roughly two months so the
// previous month's totals stay queryable after the boundary.
const spendKeyTTL = 62 * 24 * time.Hour

// RedisLedger is a shared budget ledger for multi-instance deployments.
// INCRBYFLOAT gives atomic per-key increments, so counters stay monotonic
// across instances without any coordination beyond Redis itself.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, addr, password string, db int) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLedger{client: client}, nil
}

func spendKey(tenantID, month string) string {
	return "modelmux:spend:" + tenantID + ":" + month
}

func (l *RedisLedger) AddSpend(ctx context.Context, tenantID, month string, amount float64) error {
	key := spendKey(tenantID, month)
	pipe := l.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, spendKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add spend: %w", err)
	}
	return nil
}

func (l *RedisLedger) MonthSpend(ctx context.Context, tenantID, month string) (float64, error) {
	v, err := l.client.Get(ctx, spendKey(tenantID, month)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis month spend: %w", err)
	}
	return v, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
