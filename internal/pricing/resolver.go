// Package pricing decides what a single unit of a product costs for the
// active customer.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/domain"
)

var (
	ErrInvalidUnit           = errors.New("invalid unit type")
	ErrSecondUnitUnavailable = errors.New("product has no second unit")
)

type Price struct {
	UnitPrice decimal.Decimal `json:"unit_price"`
	IsSpecial bool            `json:"is_special"`
}

// Resolve returns the unit price of product in the requested unit. A customer
// override for that unit wins over the tier price; without a customer the
// retail price applies. Second-unit prices are read from their own columns and
// never derived from the unit ratio.
func Resolve(product domain.Product, unit domain.UnitType, customer *domain.PricingContext) (Price, error) {
	switch unit {
	case domain.UnitBase:
	case domain.UnitSecond:
		if !product.HasSecondUnit() {
			return Price{}, fmt.Errorf("%w: %s", ErrSecondUnitUnavailable, product.ID)
		}
	default:
		return Price{}, fmt.Errorf("%w: %q", ErrInvalidUnit, unit)
	}

	if override, ok := customer.Override(product.ID); ok {
		special := override.BasePrice
		if unit == domain.UnitSecond {
			special = override.SecondPrice
		}
		if special.Valid {
			return Price{UnitPrice: special.Decimal, IsSpecial: true}, nil
		}
	}

	return Price{UnitPrice: tierPrice(product, unit, customer.Tier())}, nil
}

func tierPrice(product domain.Product, unit domain.UnitType, tier domain.PricingTier) decimal.Decimal {
	wholesale := tier == domain.TierWholesale
	if unit == domain.UnitSecond {
		if wholesale {
			return product.BoxWholesalePrice
		}
		return product.BoxRetailPrice
	}
	if wholesale {
		return product.WholesalePrice
	}
	return product.RetailPrice
}
