// Package cart owns the ordered lines of an in-progress sale and derives the
// per-currency totals from them after every mutation.
package cart

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
	"settlepos/backend/internal/pricing"
)

var (
	ErrLineNotFound      = errors.New("cart line not found")
	ErrVariantNotFound   = errors.New("product variant not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

type Cart struct {
	lines    []domain.SaleLine
	customer *domain.PricingContext
	seq      int
}

type Summary struct {
	Lines         []domain.SaleLine      `json:"lines"`
	Groups        []domain.CurrencyGroup `json:"groups"`
	MultiCurrency bool                   `json:"multi_currency"`
	BaseCurrency  string                 `json:"base_currency"`
	BaseTotal     decimal.Decimal        `json:"base_total"`
	AmountDue     decimal.Decimal        `json:"amount_due"`
	DueCurrency   string                 `json:"due_currency"`
}

func New(customer *domain.PricingContext) *Cart {
	return &Cart{customer: customer}
}

func (c *Cart) Customer() *domain.PricingContext {
	return c.customer
}

// Add puts one unit of item into the cart. An existing line for the same
// product, variant and unit is incremented; otherwise a new line is appended at
// the resolved price with no discount.
func (c *Cart) Add(item domain.ResolvedProduct, variantID string, unit domain.UnitType) (domain.SaleLine, error) {
	product, err := snapshot(item, variantID)
	if err != nil {
		return domain.SaleLine{}, err
	}

	one := decimal.NewFromInt(1)
	if idx := c.find(product.ID, variantID, unit); idx >= 0 {
		if err := c.checkStock(product, variantID, unit, c.lines[idx].Quantity.Add(one), idx); err != nil {
			return domain.SaleLine{}, err
		}
		c.lines[idx].Quantity = c.lines[idx].Quantity.Add(one)
		return c.lines[idx], nil
	}

	price, err := pricing.Resolve(product, unit, c.customer)
	if err != nil {
		return domain.SaleLine{}, err
	}
	if err := c.checkStock(product, variantID, unit, one, -1); err != nil {
		return domain.SaleLine{}, err
	}

	line := c.newLine(item, product, variantID, unit)
	line.Quantity = one
	line.UnitPrice = price.UnitPrice
	line.IsSpecial = price.IsSpecial
	c.lines = append(c.lines, line)
	return line, nil
}

// Put merges a line with an explicit quantity, price and discount. It is used
// when restoring lines from a stored quote, whose quoted prices are kept until
// the next reprice. Stock ceilings are not enforced here.
func (c *Cart) Put(item domain.ResolvedProduct, variantID string, unit domain.UnitType, qty, unitPrice, discount decimal.Decimal) (domain.SaleLine, error) {
	if !qty.IsPositive() {
		return domain.SaleLine{}, ErrInvalidQuantity
	}
	product, err := snapshot(item, variantID)
	if err != nil {
		return domain.SaleLine{}, err
	}
	if unit == domain.UnitSecond && !product.HasSecondUnit() {
		return domain.SaleLine{}, fmt.Errorf("%w: %s", pricing.ErrSecondUnitUnavailable, product.ID)
	}
	discount = money.NonNegative(discount)

	if idx := c.find(product.ID, variantID, unit); idx >= 0 {
		c.lines[idx].Quantity = c.lines[idx].Quantity.Add(qty)
		c.lines[idx].Discount = c.lines[idx].Discount.Add(discount)
		return c.lines[idx], nil
	}

	line := c.newLine(item, product, variantID, unit)
	line.Quantity = qty
	line.UnitPrice = unitPrice
	line.Discount = discount
	c.lines = append(c.lines, line)
	return line, nil
}

// SetQuantity sets a line's quantity, clamped at zero. A line reaching zero is
// removed; the returned bool reports whether the line still exists.
func (c *Cart) SetQuantity(lineID string, qty decimal.Decimal) (bool, error) {
	idx := c.index(lineID)
	if idx < 0 {
		return false, ErrLineNotFound
	}
	if !qty.IsPositive() {
		c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
		return false, nil
	}

	line := c.lines[idx]
	if qty.GreaterThan(line.Quantity) {
		product, err := snapshot(line.Item, line.VariantID)
		if err != nil {
			return true, err
		}
		if err := c.checkStock(product, line.VariantID, line.Unit, qty, idx); err != nil {
			return true, err
		}
	}
	c.lines[idx].Quantity = qty
	return true, nil
}

// SetDiscount stores an absolute line discount. Negative values clamp to zero;
// a discount above the line subtotal is accepted and yields a negative total.
func (c *Cart) SetDiscount(lineID string, discount decimal.Decimal) error {
	idx := c.index(lineID)
	if idx < 0 {
		return ErrLineNotFound
	}
	c.lines[idx].Discount = money.NonNegative(discount)
	return nil
}

func (c *Cart) Remove(lineID string) error {
	idx := c.index(lineID)
	if idx < 0 {
		return ErrLineNotFound
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	return nil
}

func (c *Cart) Clear() {
	c.lines = nil
}

// SetCustomer switches the pricing context and reprices every line with its
// current unit type. Quantities and discounts are preserved.
func (c *Cart) SetCustomer(customer *domain.PricingContext) error {
	repriced := make([]domain.SaleLine, len(c.lines))
	copy(repriced, c.lines)
	for i, line := range repriced {
		product, err := snapshot(line.Item, line.VariantID)
		if err != nil {
			return err
		}
		price, err := pricing.Resolve(product, line.Unit, customer)
		if err != nil {
			return err
		}
		repriced[i].UnitPrice = price.UnitPrice
		repriced[i].IsSpecial = price.IsSpecial
	}
	c.lines = repriced
	c.customer = customer
	return nil
}

func (c *Cart) Lines() []domain.SaleLine {
	out := make([]domain.SaleLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Line(lineID string) (domain.SaleLine, bool) {
	idx := c.index(lineID)
	if idx < 0 {
		return domain.SaleLine{}, false
	}
	return c.lines[idx], true
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// ProductIDs lists the distinct catalog product ids in the cart.
func (c *Cart) ProductIDs() []string {
	seen := make(map[string]struct{}, len(c.lines))
	ids := make([]string, 0, len(c.lines))
	for _, line := range c.lines {
		if line.Synthesized {
			continue
		}
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

// Total sums the line totals regardless of currency.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.Total())
	}
	return total
}

// Groups partitions the lines by currency in order of first appearance.
func (c *Cart) Groups() []domain.CurrencyGroup {
	groups := make([]domain.CurrencyGroup, 0, 2)
	index := make(map[string]int, 2)
	for _, line := range c.lines {
		code := currency.Normalize(line.Currency)
		i, ok := index[code]
		if !ok {
			i = len(groups)
			index[code] = i
			groups = append(groups, domain.CurrencyGroup{
				Currency: code,
				Subtotal: decimal.Zero,
				Discount: decimal.Zero,
				Total:    decimal.Zero,
			})
		}
		g := &groups[i]
		g.Subtotal = g.Subtotal.Add(line.Subtotal())
		g.Discount = g.Discount.Add(line.Discount)
		g.Total = g.Subtotal.Sub(g.Discount)
		g.LineCount++
	}
	return groups
}

func (c *Cart) IsMultiCurrency() bool {
	return len(c.Groups()) > 1
}

// BaseTotal converts each currency group into the base currency and sums them.
func (c *Cart) BaseTotal(rates *currency.Table) (decimal.Decimal, error) {
	return baseTotal(c.Groups(), rates)
}

// Summary derives the totals and the amount due. A single-currency basket is
// due in its own currency without conversion; a multi-currency basket is due
// in the base currency.
func (c *Cart) Summary(rates *currency.Table) (Summary, error) {
	groups := c.Groups()
	total, err := baseTotal(groups, rates)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		Lines:         c.Lines(),
		Groups:        groups,
		MultiCurrency: len(groups) > 1,
		BaseCurrency:  rates.Base(),
		BaseTotal:     total,
		AmountDue:     total,
		DueCurrency:   rates.Base(),
	}
	if len(groups) == 1 {
		s.AmountDue = groups[0].Total
		s.DueCurrency = groups[0].Currency
	}
	return s, nil
}

func baseTotal(groups []domain.CurrencyGroup, rates *currency.Table) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, g := range groups {
		converted, err := rates.ToBase(g.Total, g.Currency)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(converted)
	}
	return total, nil
}

func (c *Cart) newLine(item domain.ResolvedProduct, product domain.Product, variantID string, unit domain.UnitType) domain.SaleLine {
	c.seq++
	return domain.SaleLine{
		ID:          "L" + strconv.Itoa(c.seq),
		Item:        item,
		ProductID:   product.ID,
		VariantID:   variantID,
		Name:        product.Name,
		SKU:         product.SKU,
		Currency:    currency.Normalize(product.Currency),
		Unit:        unit,
		Discount:    decimal.Zero,
		Synthesized: item.IsSynthesized(),
	}
}

// checkStock verifies that the quantity wanted for the line at skip (or a new
// line when skip is -1), together with every other line of the same product
// and variant, fits in the available quantity measured in base units.
func (c *Cart) checkStock(product domain.Product, variantID string, unit domain.UnitType, wanted decimal.Decimal, skip int) error {
	if product.Unlimited {
		return nil
	}
	required := wanted.Mul(product.UnitFactor(unit))
	for i, line := range c.lines {
		if i == skip || line.ProductID != product.ID || line.VariantID != variantID {
			continue
		}
		required = required.Add(line.Quantity.Mul(product.UnitFactor(line.Unit)))
	}
	if required.GreaterThan(product.AvailableQty) {
		return fmt.Errorf("%w: %s needs %s, %s available", ErrInsufficientStock, product.ID, required, product.AvailableQty)
	}
	return nil
}

func (c *Cart) find(productID, variantID string, unit domain.UnitType) int {
	for i, line := range c.lines {
		if line.ProductID == productID && line.VariantID == variantID && line.Unit == unit {
			return i
		}
	}
	return -1
}

func (c *Cart) index(lineID string) int {
	for i, line := range c.lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

func snapshot(item domain.ResolvedProduct, variantID string) (domain.Product, error) {
	if item == nil {
		return domain.Product{}, ErrLineNotFound
	}
	product, ok := item.Snapshot().WithVariant(variantID)
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	return product, nil
}
