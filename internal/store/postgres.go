package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
)

// featureKey is the pool_config row key. The config table is shared
// platform infrastructure keyed by feature name; this engine owns one row.
const featureKey = "trading_pool"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The transaction table carries a BIGSERIAL seq so replay ordering stays
// deterministic under equal timestamps.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, r *model.TransactionRecord) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO pool_transactions (id, user_id, type, quantity, pxb_amount, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 RETURNING seq`,
		r.ID, r.UserID, r.Type,
		r.Quantity.String(), r.PXBAmount.String(),
		r.Timestamp,
	).Scan(&r.Seq)
	if err != nil {
		return fmt.Errorf("append transaction for %s: %w", r.UserID, err)
	}
	return nil
}

func (s *PostgresStore) GetTransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, user_id, type, quantity::TEXT, pxb_amount::TEXT, timestamp
		 FROM pool_transactions
		 WHERE user_id = $1
		 ORDER BY timestamp, seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) GetTransactionsGroupedByUser(ctx context.Context) (map[string][]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, user_id, type, quantity::TEXT, pxb_amount::TEXT, timestamp
		 FROM pool_transactions
		 ORDER BY timestamp, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]model.TransactionRecord)
	for _, r := range records {
		grouped[r.UserID] = append(grouped[r.UserID], r)
	}
	return grouped, nil
}

func (s *PostgresStore) GetPoolConfig(ctx context.Context) (*model.PoolConfig, error) {
	var poolSize, vaultBalance, capMult, minGuarantee, vaultRate string

	err := s.pool.QueryRow(ctx,
		`SELECT pool_size::TEXT, vault_balance::TEXT, cap_multiplier::TEXT,
		        minimum_guarantee::TEXT, vault_rate::TEXT
		 FROM pool_config WHERE feature = $1`, featureKey).
		Scan(&poolSize, &vaultBalance, &capMult, &minGuarantee, &vaultRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DefaultPoolConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool config: %w", err)
	}

	cfg := &model.PoolConfig{}
	cfg.PoolSize, _ = decimal.NewFromString(poolSize)
	cfg.VaultBalance, _ = decimal.NewFromString(vaultBalance)
	cfg.CapMultiplier, _ = decimal.NewFromString(capMult)
	cfg.MinimumGuarantee, _ = decimal.NewFromString(minGuarantee)
	cfg.VaultRate, _ = decimal.NewFromString(vaultRate)
	return cfg, nil
}

func (s *PostgresStore) UpdatePoolConfig(ctx context.Context, cfg *model.PoolConfig) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_config (feature, pool_size, vault_balance, cap_multiplier, minimum_guarantee, vault_rate)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (feature) DO UPDATE SET
		   pool_size = EXCLUDED.pool_size,
		   vault_balance = EXCLUDED.vault_balance,
		   cap_multiplier = EXCLUDED.cap_multiplier,
		   minimum_guarantee = EXCLUDED.minimum_guarantee,
		   vault_rate = EXCLUDED.vault_rate`,
		featureKey,
		cfg.PoolSize.String(), cfg.VaultBalance.String(),
		cfg.CapMultiplier.String(), cfg.MinimumGuarantee.String(),
		cfg.VaultRate.String(),
	)
	if err != nil {
		return fmt.Errorf("update pool config: %w", err)
	}
	return nil
}

// AdjustPool mutates pool size and vault balance in a single conditional
// statement. The WHERE guard is what prevents two concurrent withdrawals
// from overdrawing the pool — no read-modify-write window exists.
func (s *PostgresStore) AdjustPool(ctx context.Context, poolDelta, vaultDelta decimal.Decimal) error {
	if err := s.ensureConfigRow(ctx); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE pool_config
		 SET pool_size = pool_size + $2::NUMERIC,
		     vault_balance = vault_balance + $3::NUMERIC
		 WHERE feature = $1 AND pool_size + $2::NUMERIC >= 0`,
		featureKey, poolDelta.String(), vaultDelta.String(),
	)
	if err != nil {
		return fmt.Errorf("adjust pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientPool
	}
	return nil
}

// ensureConfigRow seeds the config row with defaults so the conditional
// UPDATE in AdjustPool has a row to hit.
func (s *PostgresStore) ensureConfigRow(ctx context.Context) error {
	def := model.DefaultPoolConfig()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_config (feature, pool_size, vault_balance, cap_multiplier, minimum_guarantee, vault_rate)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC)
		 ON CONFLICT (feature) DO NOTHING`,
		featureKey,
		def.PoolSize.String(), def.VaultBalance.String(),
		def.CapMultiplier.String(), def.MinimumGuarantee.String(),
		def.VaultRate.String(),
	)
	if err != nil {
		return fmt.Errorf("ensure pool config row: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserPoints(ctx context.Context, userID string) (decimal.Decimal, error) {
	var points string
	err := s.pool.QueryRow(ctx,
		`SELECT points::TEXT FROM user_points WHERE user_id = $1`, userID).
		Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get points for %s: %w", userID, err)
	}

	balance, _ := decimal.NewFromString(points)
	return balance, nil
}

func (s *PostgresStore) AdjustUserPoints(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_points (user_id, points) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ensure points row for %s: %w", userID, err)
	}

	var points string
	err = s.pool.QueryRow(ctx,
		`UPDATE user_points
		 SET points = points + $2::NUMERIC
		 WHERE user_id = $1 AND points + $2::NUMERIC >= 0
		 RETURNING points::TEXT`,
		userID, delta.String(),
	).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrInsufficientPoints
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust points for %s: %w", userID, err)
	}

	balance, _ := decimal.NewFromString(points)
	return balance, nil
}

// scanTransactions reads pgx rows into TransactionRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.TransactionRecord, error) {
	var records []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var qtyS, amountS string

		if err := rows.Scan(&r.ID, &r.Seq, &r.UserID, &r.Type,
			&qtyS, &amountS, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Quantity, _ = decimal.NewFromString(qtyS)
		r.PXBAmount, _ = decimal.NewFromString(amountS)

		records = append(records, r)
	}
	return records, rows.Err()
}
