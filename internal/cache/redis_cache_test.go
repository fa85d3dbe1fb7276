package cache_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"settlepos/backend/internal/cache"
	"settlepos/backend/internal/domain"
)

func newCache(t *testing.T) (*cache.RedisSnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.NewRedisSnapshotCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()))
	return c, mr
}

func TestCatalogRoundTripKeepsDecimalsAndNullOverrides(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	_, ok, err := c.GetCatalog(ctx, "wh-1")
	require.NoError(t, err)
	require.False(t, ok)

	products := []domain.Product{{
		ID:          "p-cola",
		RetailPrice: decimal.RequireFromString("1.250"),
		UnitRatio:   decimal.NewFromInt(12),
		Variants: []domain.ProductVariant{
			{ID: "v-zero", RetailPrice: decimal.NewNullDecimal(decimal.RequireFromString("1.35"))},
		},
	}}
	require.NoError(t, c.SetCatalog(ctx, "wh-1", products, time.Minute))

	got, ok, err := c.GetCatalog(ctx, "wh-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.True(t, got[0].RetailPrice.Equal(products[0].RetailPrice))
	require.True(t, got[0].Variants[0].RetailPrice.Valid)
	require.False(t, got[0].Variants[0].WholesalePrice.Valid)

	require.NoError(t, c.InvalidateCatalog(ctx, "wh-1"))
	_, ok, err = c.GetCatalog(ctx, "wh-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCurrenciesExpire(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	rates := []domain.CurrencyRate{{Code: "USD", Rate: decimal.NewFromInt(1), IsBase: true, Active: true}}
	require.NoError(t, c.SetCurrencies(ctx, rates, 30*time.Second))

	got, ok, err := c.GetCurrencies(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "USD", got[0].Code)

	mr.FastForward(time.Minute)
	_, ok, err = c.GetCurrencies(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
