package allocation

import (
	"context"
	"errors"
)

// LedgerWriter appends the sale-line snapshot and per-batch allocation rows
// inside the same transaction as the batch decrements, so ledger collaborators
// only ever see a committed, complete picture. Rows are never updated or
// deleted afterwards.
type LedgerWriter struct{}

// NewLedgerWriter constructs the writer.
func NewLedgerWriter() *LedgerWriter {
	return &LedgerWriter{}
}

// Write persists one SalesLine and its allocation rows through the open
// transaction. The rows must account for the line's full quantity.
func (w *LedgerWriter) Write(ctx context.Context, tx Tx, line SalesLine, rows []SalesLineBatchAllocation) error {
	if len(rows) == 0 {
		return errors.New("allocation: ledger requires at least one allocation row")
	}
	var total int64
	for _, row := range rows {
		total += row.QtyInTablets
	}
	if total != line.QtyInTablets {
		return errors.New("allocation: ledger rows do not sum to sale line quantity")
	}
	if err := tx.InsertSalesLine(ctx, line); err != nil {
		return err
	}
	return tx.InsertAllocations(ctx, rows)
}
