// Package quote turns a stored quote back into basket lines, substituting a
// placeholder product for any item whose catalog entry no longer exists.
package quote

import (
	"strings"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
)

const placeholderPrefix = "quote-item:"

type Line struct {
	Item      domain.ResolvedProduct
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
}

// Import resolves every item of q against the catalog snapshot. Items with a
// non-positive quantity are skipped.
func Import(q domain.Quote, catalog map[string]domain.Product, baseCurrency string) []Line {
	fallback := currency.Normalize(baseCurrency)
	for _, it := range q.Items {
		if p, ok := catalog[it.ProductID]; ok && p.Currency != "" {
			fallback = currency.Normalize(p.Currency)
			break
		}
	}

	lines := make([]Line, 0, len(q.Items))
	for _, it := range q.Items {
		if !it.Quantity.IsPositive() {
			continue
		}
		var resolved domain.ResolvedProduct
		if p, ok := catalog[it.ProductID]; ok {
			resolved = domain.CatalogItem{Product: p}
		} else {
			resolved = placeholder(it, fallback)
		}
		lines = append(lines, Line{
			Item:      resolved,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Discount:  it.Discount,
		})
	}
	return lines
}

// PlaceholderID derives the synthetic product id used for a quote item that
// has no catalog product.
func PlaceholderID(it domain.QuoteItem) string {
	key := strings.TrimSpace(it.ProductID)
	if key == "" {
		key = strings.TrimSpace(it.SKU)
	}
	return placeholderPrefix + key
}

func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

func placeholder(it domain.QuoteItem, cur string) domain.Placeholder {
	name := strings.TrimSpace(it.Name)
	if name == "" {
		name = "Quoted item"
	}
	return domain.Placeholder{Product: domain.Product{
		ID:             PlaceholderID(it),
		SKU:            it.SKU,
		Name:           name,
		RetailPrice:    it.UnitPrice,
		WholesalePrice: it.UnitPrice,
		Currency:       cur,
		AvailableQty:   decimal.Zero,
		Unlimited:      true,
		BaseUnit:       "pcs",
		UnitRatio:      decimal.NewFromInt(1),
	}}
}
