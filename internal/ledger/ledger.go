// Package ledger derives positions from the immutable transaction log.
//
// A position is never stored: it is the fold of a user's records since
// their most recent withdrawal. Keeping the derivation pure (records in,
// position out) means every store backend shares one replay and the
// result is trivially idempotent — replaying the same records always
// yields the same position.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pxb/pool-engine/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// sortRecords orders records by timestamp, breaking ties with the
// store-assigned sequence id. Timestamps alone are not guaranteed
// unique, so the seq is what makes replay deterministic.
func sortRecords(records []model.TransactionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Seq < records[j].Seq
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}

// Replay folds a user's transaction records into their active position.
// Only records after the most recent withdraw participate — a withdraw
// is a position boundary, and the next deposit starts a fresh position.
//
// The fold starts at zero, takes the first deposit in the segment as
// the position's initial value, and applies each trade's recorded
// percentage against the running total (compounding, not against the
// original deposit). The running value floors at zero. Returns nil when
// the segment holds no deposit, i.e. the user has no active position.
func Replay(records []model.TransactionRecord) *model.Position {
	if len(records) == 0 {
		return nil
	}

	sorted := make([]model.TransactionRecord, len(records))
	copy(sorted, records)
	sortRecords(sorted)

	start := 0
	for i, r := range sorted {
		if r.Type == model.TypeWithdraw {
			start = i + 1
		}
	}

	var pos *model.Position
	for _, r := range sorted[start:] {
		switch r.Type {
		case model.TypeDeposit:
			if pos == nil {
				pos = &model.Position{
					UserID:      r.UserID,
					InitialPXB:  r.Quantity,
					CurrentPXB:  r.Quantity,
					DepositedAt: r.Timestamp,
				}
			}
			// Additional deposits inside one segment are rejected at the
			// service layer; replay ignores them rather than guessing
			// merge semantics.
		case model.TypeTradeUp:
			if pos != nil {
				pos.CurrentPXB = pos.CurrentPXB.Mul(one.Add(r.Quantity.Div(hundred)))
			}
		case model.TypeTradeDown:
			if pos != nil {
				pos.CurrentPXB = pos.CurrentPXB.Mul(one.Sub(r.Quantity.Div(hundred)))
				if pos.CurrentPXB.IsNegative() {
					pos.CurrentPXB = decimal.Zero
				}
			}
		}
	}

	if pos == nil {
		return nil
	}

	if pos.InitialPXB.IsPositive() {
		pos.PercentChange = pos.CurrentPXB.Sub(pos.InitialPXB).Div(pos.InitialPXB).Mul(hundred)
	}
	return pos
}

// Rank replays every user's records and returns their active positions
// ordered by percent change, best first. Users whose latest record is a
// withdraw have no active position and never appear. Ties are broken by
// earliest deposit timestamp, then by the deposit's sequence id, so the
// ordering is fully deterministic.
func Rank(recordsByUser map[string][]model.TransactionRecord) []model.Position {
	type ranked struct {
		pos model.Position
		seq int64
	}

	var entries []ranked
	for _, records := range recordsByUser {
		pos := Replay(records)
		if pos == nil {
			continue
		}

		// Locate the deposit that opened this position for the tie-break.
		sorted := make([]model.TransactionRecord, len(records))
		copy(sorted, records)
		sortRecords(sorted)
		var depositSeq int64
		for _, r := range sorted {
			if r.Type == model.TypeDeposit && r.Timestamp.Equal(pos.DepositedAt) {
				depositSeq = r.Seq
				break
			}
		}

		entries = append(entries, ranked{pos: *pos, seq: depositSeq})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].pos, entries[j].pos
		if !pi.PercentChange.Equal(pj.PercentChange) {
			return pi.PercentChange.GreaterThan(pj.PercentChange)
		}
		if !pi.DepositedAt.Equal(pj.DepositedAt) {
			return pi.DepositedAt.Before(pj.DepositedAt)
		}
		return entries[i].seq < entries[j].seq
	})

	positions := make([]model.Position, len(entries))
	for i, e := range entries {
		positions[i] = e.pos
	}
	return positions
}
