// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
)

var (
	// ErrInsufficientPool is returned by AdjustPool when the delta would
	// drive the pool balance negative. The adjustment has no effect.
	ErrInsufficientPool = errors.New("store: adjustment would overdraw pool")

	// ErrInsufficientPoints is returned by AdjustUserPoints when a debit
	// exceeds the user's spendable balance. The balance is unchanged.
	ErrInsufficientPoints = errors.New("store: insufficient user points")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Immutable transaction log ---

	// AppendTransaction appends an immutable record and assigns its
	// monotonic sequence id. Records are never updated or deleted.
	AppendTransaction(ctx context.Context, record *model.TransactionRecord) error

	// GetTransactionsByUser returns all records for a user ordered by
	// (timestamp, seq).
	GetTransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error)

	// GetTransactionsGroupedByUser returns every user's records, each
	// slice ordered by (timestamp, seq). Leaderboard input.
	GetTransactionsGroupedByUser(ctx context.Context) (map[string][]model.TransactionRecord, error)

	// --- Pool configuration ---

	// GetPoolConfig returns the pool config with defaults applied for
	// any field never written.
	GetPoolConfig(ctx context.Context) (*model.PoolConfig, error)

	// UpdatePoolConfig persists a full config atomically. Validation
	// happens upstream; the store only writes.
	UpdatePoolConfig(ctx context.Context, cfg *model.PoolConfig) error

	// AdjustPool applies poolDelta to the pool size and vaultDelta to
	// the vault balance as a single conditional mutation. Fails with
	// ErrInsufficientPool — leaving both untouched — if the pool would
	// go negative. This is the atomic decrement that keeps concurrent
	// withdrawals from overdrawing the pool.
	AdjustPool(ctx context.Context, poolDelta, vaultDelta decimal.Decimal) error

	// --- User points balance ---

	// GetUserPoints returns a user's spendable balance (zero for an
	// unknown user).
	GetUserPoints(ctx context.Context, userID string) (decimal.Decimal, error)

	// AdjustUserPoints applies a signed delta to a user's balance with a
	// floor-at-zero guard and returns the new balance. Fails with
	// ErrInsufficientPoints if a debit exceeds the balance.
	AdjustUserPoints(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)
}
