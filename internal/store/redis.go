package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Cache failures are
// never fatal — a miss just means a primary read.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendTransaction(ctx context.Context, record *model.TransactionRecord) error {
	if err := s.primary.AppendTransaction(ctx, record); err != nil {
		return err
	}
	s.rdb.Del(ctx, transactionsKey(record.UserID))
	return nil
}

func (s *CachedStore) UpdatePoolConfig(ctx context.Context, cfg *model.PoolConfig) error {
	if err := s.primary.UpdatePoolConfig(ctx, cfg); err != nil {
		return err
	}
	s.cacheConfig(ctx, cfg)
	return nil
}

func (s *CachedStore) AdjustPool(ctx context.Context, poolDelta, vaultDelta decimal.Decimal) error {
	if err := s.primary.AdjustPool(ctx, poolDelta, vaultDelta); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the adjusted balances.
	s.rdb.Del(ctx, configKey())
	return nil
}

func (s *CachedStore) AdjustUserPoints(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.primary.AdjustUserPoints(ctx, userID, delta)
	if err != nil {
		return balance, err
	}
	s.rdb.Set(ctx, pointsKey(userID), balance.String(), s.ttl)
	return balance, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPoolConfig(ctx context.Context) (*model.PoolConfig, error) {
	data, err := s.rdb.Get(ctx, configKey()).Bytes()
	if err == nil {
		var cfg model.PoolConfig
		if json.Unmarshal(data, &cfg) == nil {
			return &cfg, nil
		}
	}

	cfg, err := s.primary.GetPoolConfig(ctx)
	if err != nil {
		return nil, err
	}

	s.cacheConfig(ctx, cfg)
	return cfg, nil
}

func (s *CachedStore) GetTransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	data, err := s.rdb.Get(ctx, transactionsKey(userID)).Bytes()
	if err == nil {
		var records []model.TransactionRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	records, err := s.primary.GetTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(records); err == nil {
		s.rdb.Set(ctx, transactionsKey(userID), data, s.ttl)
	}
	return records, nil
}

func (s *CachedStore) GetUserPoints(ctx context.Context, userID string) (decimal.Decimal, error) {
	val, err := s.rdb.Get(ctx, pointsKey(userID)).Result()
	if err == nil {
		if balance, perr := decimal.NewFromString(val); perr == nil {
			return balance, nil
		}
	}

	balance, err := s.primary.GetUserPoints(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	s.rdb.Set(ctx, pointsKey(userID), balance.String(), s.ttl)
	return balance, nil
}

// --- Passthrough (not cached) ---

// GetTransactionsGroupedByUser always hits the primary: the leaderboard
// wants a fresh full scan, and caching it per-call buys nothing.
func (s *CachedStore) GetTransactionsGroupedByUser(ctx context.Context) (map[string][]model.TransactionRecord, error) {
	return s.primary.GetTransactionsGroupedByUser(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheConfig(ctx context.Context, cfg *model.PoolConfig) {
	if data, err := json.Marshal(cfg); err == nil {
		s.rdb.Set(ctx, configKey(), data, s.ttl)
	}
}

func configKey() string                 { return "pool:config" }
func transactionsKey(uid string) string { return fmt.Sprintf("pool:txs:%s", uid) }
func pointsKey(uid string) string       { return fmt.Sprintf("pool:points:%s", uid) }
