package products

import (
	"time"
)

// Product is a catalog entry. PackSize is the number of tablets per strip and
// drives strip-to-tablet conversion during allocation.
type Product struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	PackSize  int64     `json:"pack_size"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProductForm is the JSON payload for create and update.
type ProductForm struct {
	Code     string `json:"code" validate:"required"`
	Name     string `json:"name" validate:"required"`
	PackSize int64  `json:"pack_size" validate:"required,gt=0"`
	IsActive bool   `json:"is_active"`
}
