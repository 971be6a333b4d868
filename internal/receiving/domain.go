// Package receiving creates inventory batches from purchase entry and drives
// their status lifecycle. Batches are never deleted; exhausted and expired
// stock stays behind for the audit trail.
package receiving

import (
	"errors"
	"time"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
)

// ErrValidation marks rejected intake payloads.
var ErrValidation = errors.New("receiving: validasi gagal")

// ReceiveInput describes one incoming batch.
type ReceiveInput struct {
	ProductID  int64
	BatchNo    string
	ExpiryDate time.Time
	StripQty   int64
	TabletQty  int64
	Quarantine bool
	ActorID    int64
	Note       string
}

// transitions lists the allowed status moves. EXHAUSTED is terminal and only
// ever set by the allocation commit path.
var transitions = map[allocation.BatchStatus][]allocation.BatchStatus{
	allocation.StatusAvailable:   {allocation.StatusQuarantined, allocation.StatusExpired},
	allocation.StatusQuarantined: {allocation.StatusAvailable, allocation.StatusExpired},
}

func canTransition(from, to allocation.BatchStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
