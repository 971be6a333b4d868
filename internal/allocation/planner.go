package allocation

import (
	"sort"
	"time"
)

// Plan walks candidate batches in (expiry_date, created_at) order and builds a
// FIFO-by-expiry proposal for qtyInTablets. It is pure: candidates are not
// mutated and no storage is touched. When the walk exhausts every candidate
// with demand left over it returns ErrInsufficientStock and no partial result.
func Plan(qtyInTablets int64, unit Unit, candidates []InventoryBatch, cfg AllocationConfig, today time.Time) ([]ProposalEntry, error) {
	if qtyInTablets <= 0 {
		return nil, ErrInvalidQuantity
	}

	ordered := make([]InventoryBatch, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExpiryDate.Equal(ordered[j].ExpiryDate) {
			return ordered[i].ExpiryDate.Before(ordered[j].ExpiryDate)
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	remaining := qtyInTablets
	var entries []ProposalEntry
	for _, b := range ordered {
		if remaining == 0 {
			break
		}
		if b.Status != StatusAvailable || b.TotalTablets() <= 0 {
			continue
		}
		take, plan := contribution(b, remaining, unit, cfg)
		if take <= 0 {
			continue
		}
		entries = append(entries, ProposalEntry{
			BatchID:       b.ID,
			BatchNo:       b.BatchNo,
			ExpiryDate:    b.ExpiryDate,
			QtyInTablets:  take,
			StripsToBreak: plan.StripsToBreak,
			NearExpiry:    nearExpiry(b.ExpiryDate, today, cfg.NearExpiryDays),
		})
		remaining -= take
	}
	if remaining > 0 {
		return nil, ErrInsufficientStock
	}
	return entries, nil
}

// contribution computes the tablets a batch offers toward remaining demand.
// Strip-unit sales consume whole strips, which is not a pack break, so the
// whole batch total is usable regardless of the break-pack flag. Tablet-unit
// sales go through the break-pack resolver.
func contribution(b InventoryBatch, remaining int64, unit Unit, cfg AllocationConfig) (int64, BreakPlan) {
	if unit == UnitStrip {
		take := b.TotalTablets()
		if take > remaining {
			take = remaining
		}
		return take, BreakPlan{}
	}
	need := b.TotalTablets()
	if need > remaining {
		need = remaining
	}
	return Resolve(b, need, cfg.AllowBreakPacks)
}

func nearExpiry(expiry, today time.Time, horizonDays int) bool {
	if horizonDays < 0 {
		return false
	}
	return !expiry.After(today.AddDate(0, 0, horizonDays))
}
