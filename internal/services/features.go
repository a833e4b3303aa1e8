package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// FeatureSource supplies the per-user context features the risk scorer
// needs. Implementations own the I/O; the scorer stays pure.
type FeatureSource interface {
	KnownDevice(ctx context.Context, userID, fingerprint string) (bool, error)
	RecordDevice(ctx context.Context, userID, fingerprint string) error
	RecentTransactionCount(ctx context.Context, userID string) (int, error)
	RecordSubmission(ctx context.Context, userID, txID string) error
}

// RedisFeatureSource keeps device fingerprints and a sliding velocity
// window in Redis. With a nil client it degrades to neutral answers so a
// Redis outage never blocks payments.
type RedisFeatureSource struct {
	rdb    *redis.Client
	window time.Duration
}

func NewRedisFeatureSource(rdb *redis.Client, window time.Duration) *RedisFeatureSource {
	return &RedisFeatureSource{rdb: rdb, window: window}
}

func deviceKey(userID string) string   { return fmt.Sprintf("devices:%s", userID) }
func velocityKey(userID string) string { return fmt.Sprintf("velocity:%s", userID) }

func (fs *RedisFeatureSource) KnownDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	if fs.rdb == nil || fingerprint == "" {
		return true, nil
	}
	return fs.rdb.SIsMember(ctx, deviceKey(userID), fingerprint).Result()
}

func (fs *RedisFeatureSource) RecordDevice(ctx context.Context, userID, fingerprint string) error {
	if fs.rdb == nil || fingerprint == "" {
		return nil
	}
	return fs.rdb.SAdd(ctx, deviceKey(userID), fingerprint).Err()
}

// RecentTransactionCount returns the number of submissions inside the
// trailing velocity window.
func (fs *RedisFeatureSource) RecentTransactionCount(ctx context.Context, userID string) (int, error) {
	if fs.rdb == nil {
		return 0, nil
	}
	key := velocityKey(userID)
	cutoff := time.Now().Add(-fs.window).UnixNano()

	if err := fs.rdb.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		log.Printf("[FEATURES] Failed to trim velocity window for %s: %v", userID, err)
	}
	n, err := fs.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (fs *RedisFeatureSource) RecordSubmission(ctx context.Context, userID, txID string) error {
	if fs.rdb == nil {
		return nil
	}
	key := velocityKey(userID)
	now := time.Now()
	if err := fs.rdb.ZAdd(ctx, key, &redis.Z{Score: float64(now.UnixNano()), Member: txID}).Err(); err != nil {
		return err
	}
	return fs.rdb.Expire(ctx, key, fs.window).Err()
}
