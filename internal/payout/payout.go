// Package payout implements the pool withdrawal settlement math: the
// guarantee floor for losers, the cap ceiling for winners, the solvency
// clamp against the pool balance, and the vault fee split.
//
// The calculator is pure — pool state is passed as an argument, never
// stored — and all monetary values use shopspring/decimal. Intermediate
// computation is unrounded; every output field is rounded to Scale
// decimal places at the boundary so rounding error never compounds.
package payout

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
)

var (
	// ErrNonPositiveDeposit is returned when initialPXB <= 0. The pnl
	// percentage divides by the deposit, so a zero deposit must fail
	// fast instead of producing Infinity/NaN downstream.
	ErrNonPositiveDeposit = errors.New("payout: initial deposit must be positive")

	// ErrNegativeValue is returned when currentPXB < 0. A position can
	// lose everything but can never be worth less than nothing.
	ErrNegativeValue = errors.New("payout: current value must not be negative")
)

// Scale is the number of decimal places for all result fields.
var Scale int32 = 2

// Calculator computes withdrawal payouts. It is stateless — the pool
// config is passed per call, not stored.
type Calculator struct{}

// NewCalculator creates a payout calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Compute settles a position worth currentPXB against a deposit of
// initialPXB under the given pool config.
//
// Stages, in order (each feeds the next):
//
//	base      = initial * (1 + (current - initial)/initial)   // == current, kept as a named step for auditability
//	floor     = initial * minimumGuarantee
//	payout    = max(base, floor)                              // losers floored at the guarantee
//	payout    = min(payout, initial * capMultiplier)          // winners capped
//	payout    = min(payout, poolSize)                         // solvency clamp
//	vault     = payout * vaultRate
//	final     = payout * (1 - vaultRate)
//
// The solvency clamp means a withdrawer can receive less than their
// computed entitlement when the pool is undersized. That is the
// documented behavior of the engine, not a defect: a single withdrawal
// never pays out more than the pool currently holds.
func (c *Calculator) Compute(initialPXB, currentPXB decimal.Decimal, cfg *model.PoolConfig) (*model.WithdrawalResult, error) {
	if initialPXB.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositiveDeposit
	}
	if currentPXB.IsNegative() {
		return nil, ErrNegativeValue
	}

	one := decimal.NewFromInt(1)

	pnlPercent := currentPXB.Sub(initialPXB).Div(initialPXB)
	basePayout := initialPXB.Mul(one.Add(pnlPercent))

	guaranteeAmount := initialPXB.Mul(cfg.MinimumGuarantee)

	guaranteedPayout := basePayout
	if guaranteeAmount.GreaterThan(guaranteedPayout) {
		guaranteedPayout = guaranteeAmount
	}

	capAmount := initialPXB.Mul(cfg.CapMultiplier)
	cappedPayout := guaranteedPayout
	if cappedPayout.GreaterThan(capAmount) {
		cappedPayout = capAmount
	}

	clamped := false
	if cappedPayout.GreaterThan(cfg.PoolSize) {
		cappedPayout = cfg.PoolSize
		clamped = true
	}

	vaultDeduction := cappedPayout.Mul(cfg.VaultRate)
	finalPayout := cappedPayout.Mul(one.Sub(cfg.VaultRate))

	return &model.WithdrawalResult{
		BasePayout:       basePayout.Round(Scale),
		MinimumGuarantee: guaranteeAmount.Round(Scale),
		CappedPayout:     cappedPayout.Round(Scale),
		VaultDeduction:   vaultDeduction.Round(Scale),
		FinalPayout:      finalPayout.Round(Scale),
		SolvencyClamped:  clamped,
	}, nil
}
