package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory state. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	transactions []model.TransactionRecord
	nextSeq      int64
	config       *model.PoolConfig // nil until first write; reads apply defaults
	points       map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextSeq: 1,
		points:  make(map[string]decimal.Decimal),
	}
}

func (s *MemoryStore) AppendTransaction(_ context.Context, record *model.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Seq = s.nextSeq
	s.nextSeq++
	s.transactions = append(s.transactions, *record)
	return nil
}

func (s *MemoryStore) GetTransactionsByUser(_ context.Context, userID string) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransactionRecord
	for _, r := range s.transactions {
		if r.UserID == userID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTransactionsGroupedByUser(_ context.Context) (map[string][]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grouped := make(map[string][]model.TransactionRecord)
	for _, r := range s.transactions {
		grouped[r.UserID] = append(grouped[r.UserID], r)
	}
	return grouped, nil
}

func (s *MemoryStore) GetPoolConfig(_ context.Context) (*model.PoolConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return model.DefaultPoolConfig(), nil
	}
	cfg := *s.config
	return &cfg, nil
}

func (s *MemoryStore) UpdatePoolConfig(_ context.Context, cfg *model.PoolConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cfg
	s.config = &stored
	return nil
}

func (s *MemoryStore) AdjustPool(_ context.Context, poolDelta, vaultDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		s.config = model.DefaultPoolConfig()
	}

	newPool := s.config.PoolSize.Add(poolDelta)
	if newPool.IsNegative() {
		return ErrInsufficientPool
	}
	s.config.PoolSize = newPool
	s.config.VaultBalance = s.config.VaultBalance.Add(vaultDelta)
	return nil
}

func (s *MemoryStore) GetUserPoints(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.points[userID], nil
}

func (s *MemoryStore) AdjustUserPoints(_ context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance := s.points[userID].Add(delta)
	if balance.IsNegative() {
		return decimal.Zero, ErrInsufficientPoints
	}
	s.points[userID] = balance
	return balance, nil
}
