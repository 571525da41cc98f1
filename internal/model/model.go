// Package model defines the core domain types shared across the pool engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types recorded in the ledger.
const (
	TypeDeposit   = "deposit"
	TypeTradeUp   = "trade_up"
	TypeTradeDown = "trade_down"
	TypeWithdraw  = "withdraw"
)

// ErrConfigValidation is returned when a pool config update would put a
// parameter outside its valid range. Out-of-range values are rejected,
// never silently clamped.
var ErrConfigValidation = errors.New("model: pool config validation failed")

// TransactionRecord is an immutable entry in the pool transaction log.
// Once created, these are never modified or deleted. A user's position
// is always derived by replaying their records — it is never stored.
//
// Field use by type:
//   - deposit:   Quantity = PXBAmount = deposited amount
//   - trade_*:   Quantity = percent magnitude, PXBAmount = signed delta
//     at record time (absolute change, not the resulting total)
//   - withdraw:  Quantity = PXBAmount = final payout
type TransactionRecord struct {
	ID        string          `json:"id" db:"id"`
	Seq       int64           `json:"seq" db:"seq"` // store-assigned, monotonic; tie-break for equal timestamps
	UserID    string          `json:"user_id" db:"user_id"`
	Type      string          `json:"type" db:"type"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	PXBAmount decimal.Decimal `json:"pxb_amount" db:"pxb_amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PoolConfig holds the pool-wide settlement parameters. A single mutable
// record, versioned by last write.
type PoolConfig struct {
	PoolSize         decimal.Decimal `json:"pool_size" db:"pool_size"`                 // PXB backing open positions, never negative
	VaultBalance     decimal.Decimal `json:"vault_balance" db:"vault_balance"`         // accumulated fee reserve, never negative
	CapMultiplier    decimal.Decimal `json:"cap_multiplier" db:"cap_multiplier"`       // max payout as multiple of deposit
	MinimumGuarantee decimal.Decimal `json:"minimum_guarantee" db:"minimum_guarantee"` // min payout as fraction of deposit
	VaultRate        decimal.Decimal `json:"vault_rate" db:"vault_rate"`               // fraction of capped payout diverted to vault
}

// DefaultPoolConfig returns the defaults applied when no config has been
// persisted yet, or for any missing field of a partial record.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		PoolSize:         decimal.NewFromInt(10000),
		VaultBalance:     decimal.Zero,
		CapMultiplier:    decimal.NewFromInt(5),
		MinimumGuarantee: decimal.NewFromFloat(0.5),
		VaultRate:        decimal.NewFromFloat(0.03),
	}
}

// Validate checks every parameter against its documented range.
func (c *PoolConfig) Validate() error {
	if c.PoolSize.IsNegative() {
		return fmt.Errorf("%w: pool_size must be >= 0, got %s", ErrConfigValidation, c.PoolSize)
	}
	if c.VaultBalance.IsNegative() {
		return fmt.Errorf("%w: vault_balance must be >= 0, got %s", ErrConfigValidation, c.VaultBalance)
	}
	if !c.CapMultiplier.IsPositive() {
		return fmt.Errorf("%w: cap_multiplier must be > 0, got %s", ErrConfigValidation, c.CapMultiplier)
	}
	if c.MinimumGuarantee.IsNegative() || c.MinimumGuarantee.GreaterThan(c.CapMultiplier) {
		return fmt.Errorf("%w: minimum_guarantee must be in [0, cap_multiplier], got %s", ErrConfigValidation, c.MinimumGuarantee)
	}
	if c.VaultRate.IsNegative() || c.VaultRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: vault_rate must be in [0, 1), got %s", ErrConfigValidation, c.VaultRate)
	}
	return nil
}

// Position is a user's current stake in the pool, derived by replaying
// their transaction records since the most recent withdrawal.
type Position struct {
	UserID        string          `json:"user_id"`
	InitialPXB    decimal.Decimal `json:"initial_pxb"`
	CurrentPXB    decimal.Decimal `json:"current_pxb"`
	PercentChange decimal.Decimal `json:"percent_change"` // (current - initial) / initial * 100
	DepositedAt   time.Time       `json:"deposited_at"`
}

// WithdrawalResult carries every intermediate value of the payout
// computation, rounded to 2 places at the boundary. SolvencyClamped is
// true when the payout was reduced to the pool's available balance —
// an expected outcome of an undersized pool, not an error.
type WithdrawalResult struct {
	BasePayout       decimal.Decimal `json:"base_payout"`
	MinimumGuarantee decimal.Decimal `json:"minimum_guarantee"`
	CappedPayout     decimal.Decimal `json:"capped_payout"`
	VaultDeduction   decimal.Decimal `json:"vault_deduction"`
	FinalPayout      decimal.Decimal `json:"final_payout"`
	SolvencyClamped  bool            `json:"solvency_clamped"`
}
