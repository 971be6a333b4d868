package products

import (
	"context"
	"errors"
	"strings"

	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// Service exposes catalog operations and the pack-size lookup the allocation
// coordinator depends on.
type Service struct {
	repo Repository
}

// NewService constructs Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, search string, limit int) ([]Product, error) {
	return s.repo.List(ctx, search, limit)
}

func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, shared.ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// PackSize resolves the strip size of an active product. Inactive or missing
// products report shared.ErrNotFound so allocation rejects them before
// taking any lock.
func (s *Service) PackSize(ctx context.Context, productID int64) (int64, error) {
	p, err := s.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	if !p.IsActive {
		return 0, shared.ErrNotFound
	}
	return p.PackSize, nil
}

func (s *Service) Create(ctx context.Context, product Product) (Product, error) {
	if err := validate(product); err != nil {
		return Product{}, err
	}
	return s.repo.Create(ctx, product)
}

func (s *Service) Update(ctx context.Context, id int64, product Product) error {
	if id <= 0 {
		return shared.ErrNotFound
	}
	if err := validate(product); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, product)
}

func validate(p Product) error {
	if strings.TrimSpace(p.Code) == "" {
		return errors.New("product code is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("product name is required")
	}
	if p.PackSize <= 0 {
		return errors.New("pack size must be positive")
	}
	return nil
}
