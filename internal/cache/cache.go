package cache

import (
	"context"
	"time"

	"settlepos/backend/internal/domain"
)

// SnapshotCache holds read-mostly collaborator snapshots: the currency table
// and each warehouse's catalog. A miss returns ok=false with a nil error.
type SnapshotCache interface {
	GetCurrencies(ctx context.Context) ([]domain.CurrencyRate, bool, error)
	SetCurrencies(ctx context.Context, rates []domain.CurrencyRate, ttl time.Duration) error
	GetCatalog(ctx context.Context, warehouseID string) ([]domain.Product, bool, error)
	SetCatalog(ctx context.Context, warehouseID string, products []domain.Product, ttl time.Duration) error
	InvalidateCatalog(ctx context.Context, warehouseID string) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) GetCurrencies(_ context.Context) ([]domain.CurrencyRate, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) SetCurrencies(_ context.Context, _ []domain.CurrencyRate, _ time.Duration) error {
	return nil
}

func (NoopSnapshotCache) GetCatalog(_ context.Context, _ string) ([]domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) SetCatalog(_ context.Context, _ string, _ []domain.Product, _ time.Duration) error {
	return nil
}

func (NoopSnapshotCache) InvalidateCatalog(_ context.Context, _ string) error {
	return nil
}
