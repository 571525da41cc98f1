package pool_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
	"github.com/pxb/pool-engine/internal/pool"
	"github.com/pxb/pool-engine/internal/sim"
	"github.com/pxb/pool-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fixedSource drives the simulator with a known percent.
type fixedSource struct {
	percent decimal.Decimal
}

func (f *fixedSource) Uniform(_, _ decimal.Decimal) decimal.Decimal {
	return f.percent
}

// newTestEnv creates a test Service on the in-memory store with a
// deterministic simulator (always 10%).
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	simulator := sim.NewSimulator(&fixedSource{percent: d(10)})
	return ms, newRouter(pool.NewService(ms, simulator))
}

func newRouter(svc *pool.Service) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/pool/deposit", svc.Deposit)
	r.Post("/api/v1/pool/trade", svc.ExecuteTrade)
	r.Post("/api/v1/pool/withdraw", svc.Withdraw)
	r.Get("/api/v1/pool/position/{userID}", svc.GetPosition)
	r.Get("/api/v1/pool/history/{userID}", svc.GetHistory)
	r.Get("/api/v1/pool/points/{userID}", svc.GetPoints)
	r.Get("/api/v1/pool/leaderboard", svc.GetLeaderboard)
	r.Get("/api/v1/pool/stats", svc.GetStats)
	r.Get("/api/v1/pool/config", svc.GetConfig)
	r.Put("/api/v1/pool/config", svc.UpdateConfig)
	return r
}

// seedPoints credits a user's spendable balance directly in the store.
func seedPoints(t *testing.T, ms *store.MemoryStore, userID string, amount float64) {
	t.Helper()
	if _, err := ms.AdjustUserPoints(context.Background(), userID, d(amount)); err != nil {
		t.Fatalf("failed to seed points: %v", err)
	}
}

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// --- Deposit ---

func TestDeposit_Success(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	w := doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp pool.DepositResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Transaction.Type != model.TypeDeposit {
		t.Errorf("expected deposit record, got %s", resp.Transaction.Type)
	}
	if !resp.PointsBalance.Equal(d(400)) {
		t.Errorf("expected points balance 400, got %s", resp.PointsBalance)
	}

	// Pool grew by the deposit.
	cfg, _ := ms.GetPoolConfig(context.Background())
	if !cfg.PoolSize.Equal(d(10100)) {
		t.Errorf("expected pool size 10100, got %s", cfg.PoolSize)
	}
}

func TestDeposit_NonPositiveAmount(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	for _, amount := range []float64{0, -50} {
		w := doJSON(t, router, "POST", "/api/v1/pool/deposit",
			pool.DepositRequest{UserID: "user1", Amount: d(amount)})
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %g: expected 400, got %d", amount, w.Code)
		}
	}
}

func TestDeposit_InsufficientPoints(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 30)

	w := doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Balance untouched.
	balance, _ := ms.GetUserPoints(context.Background(), "user1")
	if !balance.Equal(d(30)) {
		t.Errorf("expected balance 30, got %s", balance)
	}
}

func TestDeposit_RejectedWhilePositionActive(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	w := doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})
	if w.Code != http.StatusCreated {
		t.Fatalf("first deposit failed: %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(50)})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second deposit, got %d: %s", w.Code, w.Body.String())
	}

	// Neither the balance nor the pool moved on the rejected deposit.
	balance, _ := ms.GetUserPoints(context.Background(), "user1")
	if !balance.Equal(d(400)) {
		t.Errorf("expected balance 400, got %s", balance)
	}
}

// failingAppendStore fails every AppendTransaction call.
type failingAppendStore struct {
	*store.MemoryStore
}

func (s *failingAppendStore) AppendTransaction(context.Context, *model.TransactionRecord) error {
	return errors.New("induced append failure")
}

func TestDeposit_RollsBackOnAppendFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &failingAppendStore{MemoryStore: ms}
	router := newRouter(pool.NewService(fs, sim.NewSimulator(&fixedSource{percent: d(10)})))
	seedPoints(t, ms, "user1", 500)

	w := doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}

	// Points debit and pool growth both compensated.
	balance, _ := ms.GetUserPoints(context.Background(), "user1")
	if !balance.Equal(d(500)) {
		t.Errorf("expected balance restored to 500, got %s", balance)
	}
	cfg, _ := ms.GetPoolConfig(context.Background())
	if !cfg.PoolSize.Equal(d(10000)) {
		t.Errorf("expected pool size restored to 10000, got %s", cfg.PoolSize)
	}
}

// --- Trade ---

func TestTrade_NoActivePosition(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "up"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTrade_InvalidDirection(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "sideways"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestTrade_UpdatesPosition(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})

	w := doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "up"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp pool.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// Fixed source → +10% of 100.
	if resp.Transaction.Type != model.TypeTradeUp {
		t.Errorf("expected trade_up record, got %s", resp.Transaction.Type)
	}
	if !resp.Transaction.PXBAmount.Equal(d(10)) {
		t.Errorf("expected recorded delta 10, got %s", resp.Transaction.PXBAmount)
	}
	if !resp.Position.CurrentPXB.Equal(d(110)) {
		t.Errorf("expected current 110, got %s", resp.Position.CurrentPXB)
	}
	if !resp.Position.PercentChange.Equal(d(10)) {
		t.Errorf("expected +10%% change, got %s", resp.Position.PercentChange)
	}
}

func TestTrade_DownCompounds(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})
	doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "up"})

	// Second trade applies against the running 110, not the deposit.
	w := doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "down"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp pool.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Transaction.PXBAmount.Equal(d(-11)) {
		t.Errorf("expected recorded delta -11, got %s", resp.Transaction.PXBAmount)
	}
	if !resp.Position.CurrentPXB.Equal(d(99)) {
		t.Errorf("expected current 99, got %s", resp.Position.CurrentPXB)
	}
}

// --- Withdraw ---

func TestWithdraw_NoActivePosition(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/pool/withdraw",
		pool.WithdrawRequest{UserID: "user1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestWithdraw_SettlesAndCreditsPoints(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})

	// No trades: breakeven withdrawal pays 100 minus the 3% vault fee.
	w := doJSON(t, router, "POST", "/api/v1/pool/withdraw",
		pool.WithdrawRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp pool.WithdrawResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Result.CappedPayout.Equal(d(100)) {
		t.Errorf("expected capped 100, got %s", resp.Result.CappedPayout)
	}
	if !resp.Result.VaultDeduction.Equal(d(3)) {
		t.Errorf("expected vault fee 3.00, got %s", resp.Result.VaultDeduction)
	}
	if !resp.Result.FinalPayout.Equal(d(97)) {
		t.Errorf("expected final 97.00, got %s", resp.Result.FinalPayout)
	}
	if resp.Result.SolvencyClamped {
		t.Error("solvency clamp should not trigger")
	}
	// 500 - 100 deposit + 97 payout.
	if !resp.PointsBalance.Equal(d(497)) {
		t.Errorf("expected points balance 497, got %s", resp.PointsBalance)
	}

	// Pool gave up the capped payout; vault took its cut.
	cfg, _ := ms.GetPoolConfig(context.Background())
	if !cfg.PoolSize.Equal(d(10000)) {
		t.Errorf("expected pool back at 10000, got %s", cfg.PoolSize)
	}
	if !cfg.VaultBalance.Equal(d(3)) {
		t.Errorf("expected vault balance 3.00, got %s", cfg.VaultBalance)
	}

	// Position is closed.
	pw := doJSON(t, router, "GET", "/api/v1/pool/position/user1", nil)
	if pw.Code != http.StatusNotFound {
		t.Errorf("expected 404 after withdrawal, got %d", pw.Code)
	}
}

func TestWithdraw_SolvencyClampDrainsPool(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})

	// Shrink the pool under the position's value.
	cfg, _ := ms.GetPoolConfig(context.Background())
	cfg.PoolSize = d(50)
	if err := ms.UpdatePoolConfig(context.Background(), cfg); err != nil {
		t.Fatalf("failed to shrink pool: %v", err)
	}

	w := doJSON(t, router, "POST", "/api/v1/pool/withdraw",
		pool.WithdrawRequest{UserID: "user1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp pool.WithdrawResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if !resp.Result.SolvencyClamped {
		t.Error("expected solvency clamp to be surfaced")
	}
	if !resp.Result.CappedPayout.Equal(d(50)) {
		t.Errorf("expected capped 50, got %s", resp.Result.CappedPayout)
	}
	if !resp.Result.FinalPayout.Equal(d(48.5)) {
		t.Errorf("expected final 48.50, got %s", resp.Result.FinalPayout)
	}

	// Pool drained to exactly zero, never negative.
	cfg, _ = ms.GetPoolConfig(context.Background())
	if !cfg.PoolSize.IsZero() {
		t.Errorf("expected pool size 0, got %s", cfg.PoolSize)
	}
}

func TestWithdraw_ThenFreshDeposit(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})
	doJSON(t, router, "POST", "/api/v1/pool/withdraw",
		pool.WithdrawRequest{UserID: "user1"})

	// Withdrawal closed the position; a new deposit is allowed again.
	w := doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(50)})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after withdrawal, got %d: %s", w.Code, w.Body.String())
	}

	pw := doJSON(t, router, "GET", "/api/v1/pool/position/user1", nil)
	if pw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", pw.Code)
	}
	var pos model.Position
	json.Unmarshal(pw.Body.Bytes(), &pos)
	if !pos.InitialPXB.Equal(d(50)) {
		t.Errorf("expected fresh position of 50, got %s", pos.InitialPXB)
	}
}

// --- Leaderboard ---

func TestLeaderboard_RanksActivePositions(t *testing.T) {
	ms, router := newTestEnv(t)
	for _, u := range []string{"user1", "user2", "user3"} {
		seedPoints(t, ms, u, 500)
		doJSON(t, router, "POST", "/api/v1/pool/deposit",
			pool.DepositRequest{UserID: u, Amount: d(100)})
	}

	// user1 trades up (+10%), user2 trades down (-10%), user3 withdrew.
	doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "up"})
	doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user2", Direction: "down"})
	doJSON(t, router, "POST", "/api/v1/pool/withdraw",
		pool.WithdrawRequest{UserID: "user3"})

	w := doJSON(t, router, "GET", "/api/v1/pool/leaderboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var ranked []model.Position
	json.Unmarshal(w.Body.Bytes(), &ranked)

	if len(ranked) != 2 {
		t.Fatalf("expected 2 entries (user3 withdrew), got %d", len(ranked))
	}
	if ranked[0].UserID != "user1" || ranked[1].UserID != "user2" {
		t.Errorf("expected [user1, user2], got [%s, %s]", ranked[0].UserID, ranked[1].UserID)
	}
}

// --- Config ---

func TestUpdateConfig_PartialMerge(t *testing.T) {
	ms, router := newTestEnv(t)

	capMult := d(3)
	w := doJSON(t, router, "PUT", "/api/v1/pool/config",
		pool.ConfigUpdateRequest{CapMultiplier: &capMult})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	cfg, _ := ms.GetPoolConfig(context.Background())
	if !cfg.CapMultiplier.Equal(d(3)) {
		t.Errorf("expected cap multiplier 3, got %s", cfg.CapMultiplier)
	}
	// Untouched fields keep their defaults.
	if !cfg.VaultRate.Equal(d(0.03)) {
		t.Errorf("expected vault rate unchanged at 0.03, got %s", cfg.VaultRate)
	}
}

func TestUpdateConfig_RejectsOutOfRange(t *testing.T) {
	ms, router := newTestEnv(t)

	badRate := d(1.5)
	w := doJSON(t, router, "PUT", "/api/v1/pool/config",
		pool.ConfigUpdateRequest{VaultRate: &badRate})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	// State unchanged.
	cfg, _ := ms.GetPoolConfig(context.Background())
	if !cfg.VaultRate.Equal(d(0.03)) {
		t.Errorf("expected vault rate still 0.03, got %s", cfg.VaultRate)
	}
}

func TestUpdateConfig_RejectsGuaranteeAboveCap(t *testing.T) {
	_, router := newTestEnv(t)

	guarantee := d(10) // default cap is 5
	w := doJSON(t, router, "PUT", "/api/v1/pool/config",
		pool.ConfigUpdateRequest{MinimumGuarantee: &guarantee})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

// --- Queries ---

func TestHistory_ReturnsAllRecords(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)

	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})
	doJSON(t, router, "POST", "/api/v1/pool/trade",
		pool.TradeRequest{UserID: "user1", Direction: "up"})
	doJSON(t, router, "POST", "/api/v1/pool/withdraw",
		pool.WithdrawRequest{UserID: "user1"})

	w := doJSON(t, router, "GET", "/api/v1/pool/history/user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var records []model.TransactionRecord
	json.Unmarshal(w.Body.Bytes(), &records)

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{model.TypeDeposit, model.TypeTradeUp, model.TypeWithdraw}
	for i, typ := range want {
		if records[i].Type != typ {
			t.Errorf("record %d: expected %s, got %s", i, typ, records[i].Type)
		}
	}
}

func TestStats_ReportsPoolState(t *testing.T) {
	ms, router := newTestEnv(t)
	seedPoints(t, ms, "user1", 500)
	doJSON(t, router, "POST", "/api/v1/pool/deposit",
		pool.DepositRequest{UserID: "user1", Amount: d(100)})

	w := doJSON(t, router, "GET", "/api/v1/pool/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var stats pool.StatsResponse
	json.Unmarshal(w.Body.Bytes(), &stats)

	if !stats.PoolSize.Equal(d(10100)) {
		t.Errorf("expected pool size 10100, got %s", stats.PoolSize)
	}
	if stats.ActivePositions != 1 {
		t.Errorf("expected 1 active position, got %d", stats.ActivePositions)
	}
}
