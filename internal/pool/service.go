// Package pool provides the HTTP handlers and business logic for the
// trading pool: deposits, simulated trades, withdrawals with settlement,
// and the leaderboard over active positions.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/ledger"
	"github.com/pxb/pool-engine/internal/metrics"
	"github.com/pxb/pool-engine/internal/model"
	"github.com/pxb/pool-engine/internal/payout"
	"github.com/pxb/pool-engine/internal/sim"
	"github.com/pxb/pool-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for a non-positive deposit amount.
	ErrInvalidAmount = errors.New("pool: amount must be positive")

	// ErrNoActivePosition is returned when a trade or withdrawal is
	// attempted with no open deposit.
	ErrNoActivePosition = errors.New("pool: no active position")

	// ErrActivePositionExists is returned when a deposit is attempted
	// while a position is still open. Top-up semantics are deliberately
	// unsupported: withdraw first, then deposit again.
	ErrActivePositionExists = errors.New("pool: active position already exists")
)

// Service handles pool operations. Position-touching operations are
// serialized per user; pool-wide integrity comes from the store's
// conditional AdjustPool, so no global mutex is held.
type Service struct {
	store store.Store
	calc  *payout.Calculator
	sim   *sim.Simulator

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a new pool service. Pass nil for simulator to use
// a randomly-seeded one.
func NewService(st store.Store, simulator *sim.Simulator) *Service {
	if simulator == nil {
		simulator = sim.NewSimulator(nil)
	}
	return &Service{
		store: st,
		calc:  payout.NewCalculator(),
		sim:   simulator,
		locks: make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-user mutex, creating it on first use. Locks
// are never evicted; one mutex per user who ever traded is cheap.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /pool/deposit.
type DepositRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
}

// DepositResponse is returned from a successful deposit.
type DepositResponse struct {
	Transaction   model.TransactionRecord `json:"transaction"`
	PointsBalance decimal.Decimal         `json:"points_balance"`
}

// TradeRequest is the JSON body for POST /pool/trade.
type TradeRequest struct {
	UserID    string `json:"user_id"`
	Direction string `json:"direction"` // "up" or "down"
}

// TradeResponse is returned from a successful simulated trade.
type TradeResponse struct {
	Transaction model.TransactionRecord `json:"transaction"`
	Position    model.Position          `json:"position"`
}

// WithdrawRequest is the JSON body for POST /pool/withdraw.
type WithdrawRequest struct {
	UserID string `json:"user_id"`
}

// WithdrawResponse is returned from a successful withdrawal. The full
// settlement breakdown is included so the caller can see the guarantee,
// cap, solvency clamp, and vault fee applied.
type WithdrawResponse struct {
	Transaction   model.TransactionRecord `json:"transaction"`
	Result        model.WithdrawalResult  `json:"result"`
	PointsBalance decimal.Decimal         `json:"points_balance"`
}

// ConfigUpdateRequest is the JSON body for PUT /pool/config. Nil fields
// keep their current value (partial update).
type ConfigUpdateRequest struct {
	PoolSize         *decimal.Decimal `json:"pool_size"`
	VaultBalance     *decimal.Decimal `json:"vault_balance"`
	CapMultiplier    *decimal.Decimal `json:"cap_multiplier"`
	MinimumGuarantee *decimal.Decimal `json:"minimum_guarantee"`
	VaultRate        *decimal.Decimal `json:"vault_rate"`
}

// StatsResponse is returned from GET /pool/stats.
type StatsResponse struct {
	PoolSize        decimal.Decimal  `json:"pool_size"`
	VaultBalance    decimal.Decimal  `json:"vault_balance"`
	ActivePositions int              `json:"active_positions"`
	Config          model.PoolConfig `json:"config"`
}

// --- HTTP Handlers ---

// Deposit handles POST /api/v1/pool/deposit.
// Debits the user's points, grows the pool, and opens a position.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, ErrInvalidAmount.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	lock := s.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.store.GetTransactionsByUser(ctx, req.UserID)
	if err != nil {
		writeError(w, "failed to load transaction history", http.StatusInternalServerError)
		return
	}
	if ledger.Replay(records) != nil {
		writeError(w, ErrActivePositionExists.Error(), http.StatusConflict)
		return
	}

	// Debit spendable points first; an underfunded user fails here with
	// nothing to roll back.
	balance, err := s.store.AdjustUserPoints(ctx, req.UserID, req.Amount.Neg())
	if err != nil {
		if errors.Is(err, store.ErrInsufficientPoints) {
			writeError(w, "insufficient points balance", http.StatusConflict)
			return
		}
		writeError(w, "failed to debit points", http.StatusInternalServerError)
		return
	}

	if err := s.store.AdjustPool(ctx, req.Amount, decimal.Zero); err != nil {
		s.compensate(ctx, "deposit pool adjust failed", req.UserID, req.Amount, decimal.Zero, decimal.Zero)
		writeError(w, "failed to grow pool", http.StatusInternalServerError)
		return
	}

	record := &model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Type:      model.TypeDeposit,
		Quantity:  req.Amount,
		PXBAmount: req.Amount,
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.AppendTransaction(ctx, record); err != nil {
		s.compensate(ctx, "deposit append failed", req.UserID, req.Amount, req.Amount.Neg(), decimal.Zero)
		writeError(w, "failed to record deposit", http.StatusInternalServerError)
		return
	}

	metrics.DepositsTotal.Inc()
	metrics.DepositVolume.Add(req.Amount.InexactFloat64())
	s.updatePoolGauges(ctx)

	slog.Info("deposit recorded",
		"tx_id", record.ID,
		"user", req.UserID,
		"amount", req.Amount.String(),
	)

	writeJSON(w, http.StatusCreated, DepositResponse{
		Transaction:   *record,
		PointsBalance: balance,
	})
}

// ExecuteTrade handles POST /api/v1/pool/trade.
// Applies one randomized tick to the user's position and records the delta.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Direction != sim.DirectionUp && req.Direction != sim.DirectionDown {
		writeError(w, "direction must be up or down", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	lock := s.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.store.GetTransactionsByUser(ctx, req.UserID)
	if err != nil {
		writeError(w, "failed to load transaction history", http.StatusInternalServerError)
		return
	}

	pos := ledger.Replay(records)
	if pos == nil {
		writeError(w, ErrNoActivePosition.Error(), http.StatusConflict)
		return
	}
	if !pos.CurrentPXB.IsPositive() {
		writeError(w, "position has no remaining value", http.StatusConflict)
		return
	}

	result, err := s.sim.Simulate(req.Direction, pos.CurrentPXB)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	recordType := model.TypeTradeUp
	if req.Direction == sim.DirectionDown {
		recordType = model.TypeTradeDown
	}

	record := &model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Type:      recordType,
		Quantity:  result.Percent,
		PXBAmount: result.ChangeAmount,
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.AppendTransaction(ctx, record); err != nil {
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	metrics.TradesTotal.WithLabelValues(req.Direction).Inc()

	// Apply the recorded percent the same way replay will.
	updated := *pos
	updated.CurrentPXB = pos.CurrentPXB.Add(result.ChangeAmount)
	if updated.CurrentPXB.IsNegative() {
		updated.CurrentPXB = decimal.Zero
	}
	updated.PercentChange = updated.CurrentPXB.Sub(updated.InitialPXB).
		Div(updated.InitialPXB).Mul(decimal.NewFromInt(100))

	slog.Info("trade simulated",
		"tx_id", record.ID,
		"user", req.UserID,
		"direction", req.Direction,
		"percent", result.Percent.String(),
		"change", result.ChangeAmount.String(),
		"current_pxb", updated.CurrentPXB.String(),
	)

	writeJSON(w, http.StatusOK, TradeResponse{
		Transaction: *record,
		Position:    updated,
	})
}

// Withdraw handles POST /api/v1/pool/withdraw.
// Settles the user's position: guarantee floor, cap ceiling, solvency
// clamp, vault fee; credits the final payout back to spendable points.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	lock := s.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.store.GetTransactionsByUser(ctx, req.UserID)
	if err != nil {
		writeError(w, "failed to load transaction history", http.StatusInternalServerError)
		return
	}

	pos := ledger.Replay(records)
	if pos == nil {
		writeError(w, ErrNoActivePosition.Error(), http.StatusConflict)
		return
	}

	cfg, err := s.store.GetPoolConfig(ctx)
	if err != nil {
		writeError(w, "failed to load pool config", http.StatusInternalServerError)
		return
	}

	result, err := s.calc.Compute(pos.InitialPXB, pos.CurrentPXB, cfg)
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	// The pool gives up the full capped payout: the withdrawer's share
	// plus the vault's cut. The conditional adjustment is what holds the
	// solvency invariant under concurrent withdrawals — if another
	// withdrawal drained the pool since the clamp was computed, this
	// fails cleanly instead of overdrawing.
	if err := s.store.AdjustPool(ctx, result.CappedPayout.Neg(), result.VaultDeduction); err != nil {
		if errors.Is(err, store.ErrInsufficientPool) {
			writeError(w, "pool balance changed, retry withdrawal", http.StatusConflict)
			return
		}
		writeError(w, "failed to settle against pool", http.StatusInternalServerError)
		return
	}

	balance, err := s.store.AdjustUserPoints(ctx, req.UserID, result.FinalPayout)
	if err != nil {
		s.compensate(ctx, "withdraw credit failed", req.UserID, decimal.Zero, result.CappedPayout, result.VaultDeduction.Neg())
		writeError(w, "failed to credit payout", http.StatusInternalServerError)
		return
	}

	record := &model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Type:      model.TypeWithdraw,
		Quantity:  result.FinalPayout,
		PXBAmount: result.FinalPayout,
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.AppendTransaction(ctx, record); err != nil {
		s.compensate(ctx, "withdraw append failed", req.UserID, result.FinalPayout.Neg(), result.CappedPayout, result.VaultDeduction.Neg())
		writeError(w, "failed to record withdrawal", http.StatusInternalServerError)
		return
	}

	metrics.WithdrawalsTotal.Inc()
	metrics.VaultFeesTotal.Add(result.VaultDeduction.InexactFloat64())
	if result.SolvencyClamped {
		metrics.SolvencyClampsTotal.Inc()
	}
	s.updatePoolGauges(ctx)

	slog.Info("withdrawal settled",
		"tx_id", record.ID,
		"user", req.UserID,
		"initial", pos.InitialPXB.String(),
		"current", pos.CurrentPXB.String(),
		"capped", result.CappedPayout.String(),
		"vault_fee", result.VaultDeduction.String(),
		"final", result.FinalPayout.String(),
		"solvency_clamped", result.SolvencyClamped,
	)

	writeJSON(w, http.StatusOK, WithdrawResponse{
		Transaction:   *record,
		Result:        *result,
		PointsBalance: balance,
	})
}

// GetPosition handles GET /api/v1/pool/position/{userID}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	records, err := s.store.GetTransactionsByUser(r.Context(), userID)
	if err != nil {
		slog.Error("position query failed", "user", userID, "err", err)
		writeError(w, "no active position", http.StatusNotFound)
		return
	}

	pos := ledger.Replay(records)
	if pos == nil {
		writeError(w, "no active position", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// GetLeaderboard handles GET /api/v1/pool/leaderboard.
// Recomputed fresh on every call; degrades to an empty list if the
// transaction log cannot be read.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	grouped, err := s.store.GetTransactionsGroupedByUser(r.Context())
	if err != nil {
		slog.Error("leaderboard query failed", "err", err)
		writeJSON(w, http.StatusOK, []model.Position{})
		return
	}

	positions := ledger.Rank(grouped)
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetHistory handles GET /api/v1/pool/history/{userID}.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	records, err := s.store.GetTransactionsByUser(r.Context(), userID)
	if err != nil {
		slog.Error("history query failed", "user", userID, "err", err)
		writeJSON(w, http.StatusOK, []model.TransactionRecord{})
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetPoints handles GET /api/v1/pool/points/{userID}.
func (s *Service) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balance, err := s.store.GetUserPoints(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load points balance", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"points": balance})
}

// GetStats handles GET /api/v1/pool/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.store.GetPoolConfig(ctx)
	if err != nil {
		writeError(w, "failed to load pool config", http.StatusInternalServerError)
		return
	}

	active := 0
	if grouped, err := s.store.GetTransactionsGroupedByUser(ctx); err == nil {
		active = len(ledger.Rank(grouped))
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		PoolSize:        cfg.PoolSize,
		VaultBalance:    cfg.VaultBalance,
		ActivePositions: active,
		Config:          *cfg,
	})
}

// GetConfig handles GET /api/v1/pool/config.
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetPoolConfig(r.Context())
	if err != nil {
		writeError(w, "failed to load pool config", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig handles PUT /api/v1/pool/config.
// Merges the partial update onto the current config and validates before
// persisting; an out-of-range value rejects the whole update.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	cfg, err := s.store.GetPoolConfig(ctx)
	if err != nil {
		writeError(w, "failed to load pool config", http.StatusInternalServerError)
		return
	}

	if req.PoolSize != nil {
		cfg.PoolSize = *req.PoolSize
	}
	if req.VaultBalance != nil {
		cfg.VaultBalance = *req.VaultBalance
	}
	if req.CapMultiplier != nil {
		cfg.CapMultiplier = *req.CapMultiplier
	}
	if req.MinimumGuarantee != nil {
		cfg.MinimumGuarantee = *req.MinimumGuarantee
	}
	if req.VaultRate != nil {
		cfg.VaultRate = *req.VaultRate
	}

	if err := cfg.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := s.store.UpdatePoolConfig(ctx, cfg); err != nil {
		writeError(w, "failed to persist pool config", http.StatusInternalServerError)
		return
	}

	s.updatePoolGauges(ctx)

	slog.Info("pool config updated",
		"pool_size", cfg.PoolSize.String(),
		"cap_multiplier", cfg.CapMultiplier.String(),
		"minimum_guarantee", cfg.MinimumGuarantee.String(),
		"vault_rate", cfg.VaultRate.String(),
	)

	writeJSON(w, http.StatusOK, cfg)
}

// compensate reverses already-applied sub-steps after a later step
// failed: pointsDelta is re-applied to the user, poolDelta/vaultDelta to
// the pool. Compensation failures are logged, not propagated — the
// operation has already failed and the caller sees that error.
func (s *Service) compensate(ctx context.Context, msg, userID string, pointsDelta, poolDelta, vaultDelta decimal.Decimal) {
	if !pointsDelta.IsZero() {
		if _, err := s.store.AdjustUserPoints(ctx, userID, pointsDelta); err != nil {
			slog.Error(msg, "user", userID, "rollback", "points", "err", err)
		}
	}
	if !poolDelta.IsZero() || !vaultDelta.IsZero() {
		if err := s.store.AdjustPool(ctx, poolDelta, vaultDelta); err != nil {
			slog.Error(msg, "user", userID, "rollback", "pool", "err", err)
		}
	}
	slog.Warn(msg, "user", userID, "compensated", true)
}

// updatePoolGauges refreshes the pool size / vault balance gauges.
// Best effort; a failed read only leaves the gauges stale.
func (s *Service) updatePoolGauges(ctx context.Context) {
	cfg, err := s.store.GetPoolConfig(ctx)
	if err != nil {
		return
	}
	metrics.PoolSize.Set(cfg.PoolSize.InexactFloat64())
	metrics.VaultBalance.Set(cfg.VaultBalance.InexactFloat64())
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
