package allocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func batch(stripQty, tabletQty, packSize int64) InventoryBatch {
	return InventoryBatch{
		ID:        1,
		ProductID: 1,
		BatchNo:   "B1",
		StripQty:  stripQty,
		TabletQty: tabletQty,
		PackSize:  packSize,
		Status:    StatusAvailable,
	}
}

func TestResolveLooseOnly(t *testing.T) {
	take, plan := Resolve(batch(3, 5, 10), 4, true)
	require.Equal(t, int64(4), take)
	require.Equal(t, BreakPlan{FromTablets: 4}, plan)
}

func TestResolveBreaksStrips(t *testing.T) {
	take, plan := Resolve(batch(3, 2, 10), 8, true)
	require.Equal(t, int64(8), take)
	require.Equal(t, int64(2), plan.FromTablets)
	require.Equal(t, int64(1), plan.StripsToBreak)
	require.Equal(t, int64(4), plan.LeftoverTablets)
}

func TestResolveDeclinesBreakWhenDisallowed(t *testing.T) {
	take, plan := Resolve(batch(3, 2, 10), 8, false)
	require.Equal(t, int64(2), take)
	require.Equal(t, BreakPlan{FromTablets: 2}, plan)
}

func TestResolveGuardsAgainstMissingStrips(t *testing.T) {
	// planner never asks for more than the batch total; this exercises the guard
	take, plan := Resolve(batch(1, 2, 10), 25, true)
	require.Equal(t, int64(2), take)
	require.Zero(t, plan.StripsToBreak)
}

func TestResolveZeroNeed(t *testing.T) {
	take, _ := Resolve(batch(3, 2, 10), 0, true)
	require.Zero(t, take)
}

func TestSplitTakeLooseFirst(t *testing.T) {
	strips, tablets, err := splitTake(batch(3, 5, 10), 4, true)
	require.NoError(t, err)
	require.Zero(t, strips)
	require.Equal(t, int64(4), tablets)
}

func TestSplitTakeReturnsChange(t *testing.T) {
	// 8 tablets out of 2 loose + 3 strips of 10: open one strip, 2 tablets of
	// change flow back into the loose pool
	strips, tablets, err := splitTake(batch(3, 2, 10), 8, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), strips)
	require.Equal(t, int64(-2), tablets)

	b := batch(3, 2, 10)
	b.StripQty -= strips
	b.TabletQty -= tablets
	require.Equal(t, int64(2), b.StripQty)
	require.Equal(t, int64(4), b.TabletQty)
	require.Equal(t, int64(24), b.TotalTablets())
}

func TestSplitTakeRefusesBreakWhenDisallowed(t *testing.T) {
	_, _, err := splitTake(batch(3, 2, 10), 8, false)
	require.ErrorIs(t, err, ErrNegativeStock)
}

func TestSplitTakeRefusesOverdraw(t *testing.T) {
	_, _, err := splitTake(batch(1, 2, 10), 25, true)
	require.ErrorIs(t, err, ErrNegativeStock)
}

func TestSplitTakeStripsWholeStrips(t *testing.T) {
	strips, tablets, err := splitTakeStrips(batch(5, 3, 10), 30)
	require.NoError(t, err)
	require.Equal(t, int64(3), strips)
	require.Zero(t, tablets)
}

func TestSplitTakeStripsTopUpFromLoose(t *testing.T) {
	strips, tablets, err := splitTakeStrips(batch(2, 3, 10), 23)
	require.NoError(t, err)
	require.Equal(t, int64(2), strips)
	require.Equal(t, int64(3), tablets)
}

func TestSplitTakeStripsOpensExtraStrip(t *testing.T) {
	// 15 tablets from 2 strips + 1 loose: one whole strip, then the second
	// strip opens to cover the remaining 5, returning 5 to the loose pool
	strips, tablets, err := splitTakeStrips(batch(2, 1, 10), 15)
	require.NoError(t, err)
	require.Equal(t, int64(2), strips)
	require.Equal(t, int64(-5), tablets)

	b := batch(2, 1, 10)
	b.StripQty -= strips
	b.TabletQty -= tablets
	require.Equal(t, int64(6), b.TotalTablets())
}

func TestSplitTakeStripsRefusesOverdraw(t *testing.T) {
	_, _, err := splitTakeStrips(batch(1, 0, 10), 15)
	require.ErrorIs(t, err, ErrNegativeStock)
}
