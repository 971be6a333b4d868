package allocation

// BreakPlan describes how one batch covers a fine-unit take: how many loose
// tablets are consumed directly and how many strips must be opened.
type BreakPlan struct {
	FromTablets     int64
	StripsToBreak   int64
	LeftoverTablets int64
}

// Resolve computes how much of need (in tablets) a batch can contribute for a
// tablet-unit sale and the conversion required. When breaking is disallowed the
// batch contributes only its loose tablets and the shortfall passes to the next
// candidate. When the batch holds fewer strips than a full cover would need it
// likewise contributes only its loose tablets; the planner never asks for more
// than the batch total, so that branch is a guard rather than a normal path.
func Resolve(b InventoryBatch, need int64, allowBreakPacks bool) (int64, BreakPlan) {
	if need <= 0 || b.PackSize <= 0 {
		return 0, BreakPlan{}
	}
	if need <= b.TabletQty {
		return need, BreakPlan{FromTablets: need}
	}
	if !allowBreakPacks {
		return b.TabletQty, BreakPlan{FromTablets: b.TabletQty}
	}
	shortfall := need - b.TabletQty
	strips := ceilDiv(shortfall, b.PackSize)
	if strips > b.StripQty {
		return b.TabletQty, BreakPlan{FromTablets: b.TabletQty}
	}
	return need, BreakPlan{
		FromTablets:     b.TabletQty,
		StripsToBreak:   strips,
		LeftoverTablets: b.TabletQty + strips*b.PackSize - need,
	}
}

// splitTake converts a committed take into the strip and tablet decrements to
// apply to the batch. Loose tablets are consumed first; strips are broken only
// when allowed. The tablet decrement may be negative when a broken strip
// returns change to the loose pool.
func splitTake(b InventoryBatch, take int64, allowBreakPacks bool) (strips, tablets int64, err error) {
	if take < 0 {
		return 0, 0, ErrNegativeStock
	}
	if take <= b.TabletQty {
		return 0, take, nil
	}
	shortfall := take - b.TabletQty
	if !allowBreakPacks || b.PackSize <= 0 {
		return 0, 0, ErrNegativeStock
	}
	strips = ceilDiv(shortfall, b.PackSize)
	if strips > b.StripQty {
		return 0, 0, ErrNegativeStock
	}
	return strips, take - strips*b.PackSize, nil
}

// splitTakeStrips covers a strip-unit take: whole strips first, loose tablets
// as top-up, opening one extra strip when the loose pool cannot finish the
// remainder. Selling whole strips is not a break, so the break-pack flag does
// not apply here.
func splitTakeStrips(b InventoryBatch, take int64) (strips, tablets int64, err error) {
	if take < 0 || b.PackSize <= 0 {
		return 0, 0, ErrNegativeStock
	}
	strips = take / b.PackSize
	if strips > b.StripQty {
		strips = b.StripQty
	}
	rest := take - strips*b.PackSize
	if rest <= b.TabletQty {
		return strips, rest, nil
	}
	if strips < b.StripQty {
		strips++
		return strips, rest - b.PackSize, nil
	}
	return 0, 0, ErrNegativeStock
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
