package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState occurs when an action violates a status workflow.
	ErrInvalidState = errors.New("invalid state transition")
)

// UserSafeMessage maps internal errors to a message safe to show an operator.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "Data tidak ditemukan"
	case errors.Is(err, ErrLockTimeout):
		return "Produk sedang diproses transaksi lain, coba lagi"
	case errors.Is(err, ErrInvalidState):
		return "Status tidak memungkinkan aksi ini"
	case errors.Is(err, ErrIdempotencyConflict):
		return "Transaksi sudah pernah diproses"
	default:
		return "Terjadi kesalahan, silakan coba lagi"
	}
}
