package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func rates(t *testing.T) *currency.Table {
	t.Helper()
	table, err := currency.NewTable([]domain.CurrencyRate{
		{Code: "USD", Rate: dec("1"), IsBase: true, Active: true},
		{Code: "LBP", Rate: dec("90000"), Active: true},
	})
	require.NoError(t, err)
	return table
}

func product(id, cur, retail, wholesale, available string) domain.CatalogItem {
	return domain.CatalogItem{Product: domain.Product{
		ID:                id,
		SKU:               "SKU-" + id,
		Name:              id,
		RetailPrice:       dec(retail),
		WholesalePrice:    dec(wholesale),
		BoxRetailPrice:    dec(retail).Mul(dec("10")),
		BoxWholesalePrice: dec(wholesale).Mul(dec("10")),
		Currency:          cur,
		AvailableQty:      dec(available),
		BaseUnit:          "pcs",
		SecondUnit:        "box",
		UnitRatio:         dec("12"),
	}}
}

func TestAddMergesSameProductAndUnit(t *testing.T) {
	c := New(nil)
	item := product("p1", "USD", "10", "8", "100")

	first, err := c.Add(item, "", domain.UnitBase)
	require.NoError(t, err)
	second, err := c.Add(item, "", domain.UnitBase)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, c.Len())
	assert.True(t, second.Quantity.Equal(dec("2")))

	_, err = c.Add(item, "", domain.UnitSecond)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len(), "a different unit is a separate line")
}

func TestGroupTotalsMatchLineTotals(t *testing.T) {
	c := New(nil)
	_, err := c.Add(product("p1", "USD", "10", "8", "100"), "", domain.UnitBase)
	require.NoError(t, err)
	line, err := c.Add(product("p2", "usd", "4.5", "4", "100"), "", domain.UnitBase)
	require.NoError(t, err)
	_, err = c.SetQuantity(line.ID, dec("3"))
	require.NoError(t, err)
	require.NoError(t, c.SetDiscount(line.ID, dec("1.5")))

	groups := c.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, "USD", groups[0].Currency)
	assert.True(t, groups[0].Subtotal.Equal(dec("23.5")))
	assert.True(t, groups[0].Discount.Equal(dec("1.5")))
	assert.True(t, groups[0].Total.Equal(dec("22")))
	assert.True(t, groups[0].Total.Equal(c.Total()))
}

func TestMultiCurrencySummaryIsDueInBase(t *testing.T) {
	c := New(nil)
	usd, err := c.Add(product("p1", "USD", "25.5", "25", "100"), "", domain.UnitBase)
	require.NoError(t, err)
	_, err = c.Add(product("p2", "LBP", "150000", "140000", "100"), "", domain.UnitBase)
	require.NoError(t, err)

	s, err := c.Summary(rates(t))
	require.NoError(t, err)
	assert.True(t, s.MultiCurrency)
	require.Len(t, s.Groups, 2)
	assert.Equal(t, "USD", s.Groups[0].Currency)
	assert.Equal(t, "LBP", s.Groups[1].Currency)
	assert.Equal(t, "USD", s.DueCurrency)
	assert.Equal(t, "27.1667", s.AmountDue.Round(4).String())

	require.NoError(t, c.Remove(usd.ID))
	s, err = c.Summary(rates(t))
	require.NoError(t, err)
	assert.False(t, s.MultiCurrency)
	assert.Equal(t, "LBP", s.DueCurrency)
	assert.True(t, s.AmountDue.Equal(dec("150000")), "single-currency basket is due unconverted")
}

func TestEmptySummary(t *testing.T) {
	s, err := New(nil).Summary(rates(t))
	require.NoError(t, err)
	assert.True(t, s.AmountDue.IsZero())
	assert.Equal(t, "USD", s.DueCurrency)
	assert.Empty(t, s.Groups)
}

func TestSetCustomerRepricesLines(t *testing.T) {
	c := New(nil)
	item := product("p1", "USD", "10", "8", "100")
	line, err := c.Add(item, "", domain.UnitBase)
	require.NoError(t, err)
	_, err = c.SetQuantity(line.ID, dec("3"))
	require.NoError(t, err)
	require.NoError(t, c.SetDiscount(line.ID, dec("2")))

	wholesale := domain.NewPricingContext(domain.Customer{ID: "c1", Type: "wholesale"})
	require.NoError(t, c.SetCustomer(wholesale))

	got, ok := c.Line(line.ID)
	require.True(t, ok)
	assert.True(t, got.UnitPrice.Equal(dec("8")))
	assert.True(t, got.Quantity.Equal(dec("3")))
	assert.True(t, got.Discount.Equal(dec("2")))

	wholesale.Overrides["p1"] = domain.CustomerPriceOverride{ProductID: "p1", BasePrice: decimal.NewNullDecimal(dec("7"))}
	require.NoError(t, c.SetCustomer(wholesale))
	got, _ = c.Line(line.ID)
	assert.True(t, got.UnitPrice.Equal(dec("7")))
	assert.True(t, got.IsSpecial)

	require.NoError(t, c.SetCustomer(nil))
	got, _ = c.Line(line.ID)
	assert.True(t, got.UnitPrice.Equal(dec("10")))
	assert.False(t, got.IsSpecial)
}

func TestDiscountClampsAtZeroOnly(t *testing.T) {
	c := New(nil)
	line, err := c.Add(product("p1", "USD", "10", "8", "100"), "", domain.UnitBase)
	require.NoError(t, err)

	require.NoError(t, c.SetDiscount(line.ID, dec("-5")))
	got, _ := c.Line(line.ID)
	assert.True(t, got.Discount.IsZero())

	require.NoError(t, c.SetDiscount(line.ID, dec("15")))
	got, _ = c.Line(line.ID)
	assert.True(t, got.Total().Equal(dec("-5")), "discount above subtotal yields a negative line total")
}

func TestSetQuantityZeroRemovesLine(t *testing.T) {
	c := New(nil)
	line, err := c.Add(product("p1", "USD", "10", "8", "100"), "", domain.UnitBase)
	require.NoError(t, err)

	kept, err := c.SetQuantity(line.ID, dec("-2"))
	require.NoError(t, err)
	assert.False(t, kept)
	assert.True(t, c.IsEmpty())

	_, err = c.SetQuantity(line.ID, dec("1"))
	assert.ErrorIs(t, err, ErrLineNotFound)
	assert.ErrorIs(t, c.Remove("nope"), ErrLineNotFound)
}

func TestStockCeilingCountsBaseUnits(t *testing.T) {
	c := New(nil)
	item := product("p1", "USD", "10", "8", "13")

	_, err := c.Add(item, "", domain.UnitSecond)
	require.NoError(t, err)
	line, err := c.Add(item, "", domain.UnitBase)
	require.NoError(t, err)

	_, err = c.Add(item, "", domain.UnitBase)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = c.SetQuantity(line.ID, dec("5"))
	assert.ErrorIs(t, err, ErrInsufficientStock)
	got, _ := c.Line(line.ID)
	assert.True(t, got.Quantity.Equal(dec("1")), "rejected update leaves the line untouched")
}

func TestPlaceholderIsUnlimited(t *testing.T) {
	c := New(nil)
	placeholder := domain.Placeholder{Product: domain.Product{
		ID:             "quote-item:x",
		Name:           "Custom",
		RetailPrice:    dec("3"),
		WholesalePrice: dec("3"),
		Currency:       "USD",
		Unlimited:      true,
	}}
	line, err := c.Put(placeholder, "", domain.UnitBase, dec("50"), dec("3"), dec("-1"))
	require.NoError(t, err)
	assert.True(t, line.Synthesized)
	assert.True(t, line.Discount.IsZero())
	assert.Empty(t, c.ProductIDs())

	_, err = c.SetQuantity(line.ID, dec("500"))
	require.NoError(t, err)
}

func TestAddVariant(t *testing.T) {
	item := product("p1", "USD", "10", "8", "100")
	item.Product.Variants = []domain.ProductVariant{{
		ID:           "v1",
		Name:         "Red",
		RetailPrice:  decimal.NewNullDecimal(dec("12")),
		AvailableQty: decimal.NewNullDecimal(dec("1")),
	}}

	c := New(nil)
	line, err := c.Add(item, "v1", domain.UnitBase)
	require.NoError(t, err)
	assert.Equal(t, "p1 - Red", line.Name)
	assert.True(t, line.UnitPrice.Equal(dec("12")))

	_, err = c.Add(item, "v1", domain.UnitBase)
	assert.ErrorIs(t, err, ErrInsufficientStock)

	_, err = c.Add(item, "v9", domain.UnitBase)
	assert.ErrorIs(t, err, ErrVariantNotFound)
}
