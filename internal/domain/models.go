package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type UnitType string

const (
	UnitBase   UnitType = "base"
	UnitSecond UnitType = "second"
)

type PricingTier string

const (
	TierRetail    PricingTier = "retail"
	TierWholesale PricingTier = "wholesale"
)

type Product struct {
	ID                string           `json:"id"`
	SKU               string           `json:"sku"`
	Name              string           `json:"name"`
	RetailPrice       decimal.Decimal  `json:"retail_price"`
	WholesalePrice    decimal.Decimal  `json:"wholesale_price"`
	CostPrice         decimal.Decimal  `json:"cost_price"`
	BoxRetailPrice    decimal.Decimal  `json:"box_retail_price"`
	BoxWholesalePrice decimal.Decimal  `json:"box_wholesale_price"`
	BoxCostPrice      decimal.Decimal  `json:"box_cost_price"`
	Currency          string           `json:"currency"`
	AvailableQty      decimal.Decimal  `json:"available_qty"`
	Unlimited         bool             `json:"unlimited,omitempty"`
	BaseUnit          string           `json:"base_unit"`
	SecondUnit        string           `json:"second_unit,omitempty"`
	UnitRatio         decimal.Decimal  `json:"unit_ratio"`
	Variants          []ProductVariant `json:"variants,omitempty"`
}

type ProductVariant struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	SKU            string              `json:"sku"`
	RetailPrice    decimal.NullDecimal `json:"retail_price"`
	WholesalePrice decimal.NullDecimal `json:"wholesale_price"`
	AvailableQty   decimal.NullDecimal `json:"available_qty"`
}

// HasSecondUnit reports whether the product can be sold in its second unit.
func (p Product) HasSecondUnit() bool {
	return strings.TrimSpace(p.SecondUnit) != "" && p.UnitRatio.IsPositive()
}

// WithVariant returns a snapshot of the product with the variant's price and
// stock overrides applied. An empty id returns the product unchanged.
func (p Product) WithVariant(variantID string) (Product, bool) {
	if variantID == "" {
		return p, true
	}
	for _, v := range p.Variants {
		if v.ID != variantID {
			continue
		}
		out := p
		if v.RetailPrice.Valid {
			out.RetailPrice = v.RetailPrice.Decimal
		}
		if v.WholesalePrice.Valid {
			out.WholesalePrice = v.WholesalePrice.Decimal
		}
		if v.AvailableQty.Valid {
			out.AvailableQty = v.AvailableQty.Decimal
		}
		if v.SKU != "" {
			out.SKU = v.SKU
		}
		if v.Name != "" {
			out.Name = p.Name + " - " + v.Name
		}
		out.Variants = nil
		return out, true
	}
	return Product{}, false
}

// UnitFactor is the number of base units one unit of the given type holds.
func (p Product) UnitFactor(unit UnitType) decimal.Decimal {
	if unit == UnitSecond && p.HasSecondUnit() {
		return p.UnitRatio
	}
	return decimal.NewFromInt(1)
}

// ResolvedProduct is either a live catalog product or a placeholder
// synthesized from stored quote data. Placeholders must never be persisted as
// catalog products.
type ResolvedProduct interface {
	Snapshot() Product
	IsSynthesized() bool
}

type CatalogItem struct {
	Product Product
}

func (c CatalogItem) Snapshot() Product   { return c.Product }
func (c CatalogItem) IsSynthesized() bool { return false }

type Placeholder struct {
	Product Product
}

func (p Placeholder) Snapshot() Product   { return p.Product }
func (p Placeholder) IsSynthesized() bool { return true }

type Customer struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Balance decimal.Decimal `json:"balance"`
}

// Tier derives the pricing tier from the customer type classification.
func (c Customer) Tier() PricingTier {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "wholesale", "wholesaler", "distributor", "reseller":
		return TierWholesale
	default:
		return TierRetail
	}
}

type CustomerPriceOverride struct {
	CustomerID  string              `json:"customer_id"`
	ProductID   string              `json:"product_id"`
	BasePrice   decimal.NullDecimal `json:"base_price"`
	SecondPrice decimal.NullDecimal `json:"second_price"`
}

// PricingContext is the active customer together with the special prices
// known for it, keyed by product id.
type PricingContext struct {
	Customer  Customer
	Overrides map[string]CustomerPriceOverride
}

func NewPricingContext(customer Customer) *PricingContext {
	return &PricingContext{Customer: customer, Overrides: make(map[string]CustomerPriceOverride)}
}

func (c *PricingContext) Tier() PricingTier {
	if c == nil {
		return TierRetail
	}
	return c.Customer.Tier()
}

func (c *PricingContext) Override(productID string) (CustomerPriceOverride, bool) {
	if c == nil || c.Overrides == nil {
		return CustomerPriceOverride{}, false
	}
	o, ok := c.Overrides[productID]
	return o, ok
}

type CurrencyRate struct {
	Code   string          `json:"code"`
	Rate   decimal.Decimal `json:"rate"`
	IsBase bool            `json:"is_base"`
	Active bool            `json:"active"`
}

type SaleLine struct {
	ID          string          `json:"id"`
	Item        ResolvedProduct `json:"-"`
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku"`
	Currency    string          `json:"currency"`
	Unit        UnitType        `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	IsSpecial   bool            `json:"is_special"`
	Discount    decimal.Decimal `json:"discount"`
	Synthesized bool            `json:"synthesized,omitempty"`
}

func (l SaleLine) Subtotal() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

func (l SaleLine) Total() decimal.Decimal {
	return l.Subtotal().Sub(l.Discount)
}

type CurrencyGroup struct {
	Currency  string          `json:"currency"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
	LineCount int             `json:"line_count"`
}

type PaymentAllocation struct {
	Currency string          `json:"currency"`
	Selected bool            `json:"selected"`
	Amount   decimal.Decimal `json:"amount"`
}

type OriginalSaleLine struct {
	ID               string          `json:"id"`
	ProductID        string          `json:"product_id"`
	VariantID        string          `json:"variant_id,omitempty"`
	Name             string          `json:"name"`
	SKU              string          `json:"sku"`
	Currency         string          `json:"currency"`
	Unit             UnitType        `json:"unit"`
	QuantitySold     decimal.Decimal `json:"quantity_sold"`
	QuantityReturned decimal.Decimal `json:"quantity_returned"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Discount         decimal.Decimal `json:"discount"`
}

// Returnable is the sold quantity minus what prior returns already took back.
func (l OriginalSaleLine) Returnable() decimal.Decimal {
	left := l.QuantitySold.Sub(l.QuantityReturned)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// EffectivePrice spreads the original line discount across the sold units.
func (l OriginalSaleLine) EffectivePrice() decimal.Decimal {
	if !l.QuantitySold.IsPositive() {
		return l.UnitPrice
	}
	return l.UnitPrice.Sub(l.Discount.Div(l.QuantitySold))
}

type ReturnReason string

const (
	ReasonChangedMind ReturnReason = "customer_changed_mind"
	ReasonDefective   ReturnReason = "defective"
	ReasonWrongItem   ReturnReason = "wrong_item"
	ReasonDamaged     ReturnReason = "damaged"
	ReasonOther       ReturnReason = "other"
)

func (r ReturnReason) Valid() bool {
	switch r {
	case ReasonChangedMind, ReasonDefective, ReasonWrongItem, ReasonDamaged, ReasonOther:
		return true
	}
	return false
}

type ItemCondition string

const (
	ConditionResellable ItemCondition = "resellable"
	ConditionOpened     ItemCondition = "opened"
	ConditionDamaged    ItemCondition = "damaged"
	ConditionDefective  ItemCondition = "defective"
)

func (c ItemCondition) Valid() bool {
	switch c {
	case ConditionResellable, ConditionOpened, ConditionDamaged, ConditionDefective:
		return true
	}
	return false
}

type Disposition string

const (
	DispositionRestock        Disposition = "restock"
	DispositionScrap          Disposition = "scrap"
	DispositionReturnToVendor Disposition = "return_to_vendor"
)

func (d Disposition) Valid() bool {
	switch d {
	case DispositionRestock, DispositionScrap, DispositionReturnToVendor:
		return true
	}
	return false
}

type ReturnLine struct {
	OriginalLineID string          `json:"original_line_id"`
	ProductID      string          `json:"product_id"`
	VariantID      string          `json:"variant_id,omitempty"`
	Name           string          `json:"name"`
	SKU            string          `json:"sku"`
	Currency       string          `json:"currency"`
	Unit           UnitType        `json:"unit"`
	Quantity       decimal.Decimal `json:"quantity"`
	Ceiling        decimal.Decimal `json:"ceiling"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	Reason         ReturnReason    `json:"reason"`
	Condition      ItemCondition   `json:"condition"`
	Disposition    Disposition     `json:"disposition"`
}

// Total is expressed in the line's own Currency, not the invoice currency.
func (l ReturnLine) Total() decimal.Decimal {
	return l.Quantity.Mul(l.EffectivePrice)
}

type PriorSale struct {
	ID          string             `json:"id"`
	Number      string             `json:"number"`
	CustomerID  string             `json:"customer_id,omitempty"`
	WarehouseID string             `json:"warehouse_id"`
	Currency    string             `json:"currency"`
	CreatedAt   time.Time          `json:"created_at"`
	Lines       []OriginalSaleLine `json:"lines"`
}

const (
	QuoteStatusOpen      = "open"
	QuoteStatusConverted = "converted"
)

type Quote struct {
	ID         string      `json:"id"`
	Number     string      `json:"number"`
	CustomerID string      `json:"customer_id,omitempty"`
	Status     string      `json:"status"`
	Items      []QuoteItem `json:"items"`
}

type QuoteItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
}

const (
	PaymentTypeCash   = "cash"
	PaymentTypeCredit = "credit"
	PaymentTypeSplit  = "split"
)

const (
	OutcomeRefund  = "refund"
	OutcomePayment = "payment"
	OutcomeEven    = "even"
)

const (
	RefundMethodCash        = "cash"
	RefundMethodStoreCredit = "store_credit"
)

type SaleSubmission struct {
	TerminalID     string              `json:"terminal_id"`
	WarehouseID    string              `json:"warehouse_id"`
	CustomerID     string              `json:"customer_id,omitempty"`
	QuoteID        string              `json:"quote_id,omitempty"`
	PaymentType    string              `json:"payment_type"`
	BaseCurrency   string              `json:"base_currency"`
	DueCurrency    string              `json:"due_currency"`
	Lines          []SaleLine          `json:"lines"`
	Groups         []CurrencyGroup     `json:"groups"`
	Payments       []PaymentAllocation `json:"payments"`
	SubtotalAmount decimal.Decimal     `json:"subtotal_amount"`
	DiscountAmount decimal.Decimal     `json:"discount_amount"`
	TaxAmount      decimal.Decimal     `json:"tax_amount"`
	TotalAmount    decimal.Decimal     `json:"total_amount"`
	PaidAmount     decimal.Decimal     `json:"paid_amount"`
}

type SaleReceipt struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

type ReturnExchangeSubmission struct {
	TerminalID     string          `json:"terminal_id"`
	WarehouseID    string          `json:"warehouse_id"`
	OriginalSaleID string          `json:"original_sale_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	ReturnLines    []ReturnLine    `json:"return_lines"`
	ExchangeLines  []SaleLine      `json:"exchange_lines"`
	RefundMethod   string          `json:"refund_method,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	ReturnTotal    decimal.Decimal `json:"return_total"`
	ExchangeTotal  decimal.Decimal `json:"exchange_total"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	Outcome        string          `json:"outcome"`
}

type ReturnExchangeReceipt struct {
	TransactionID string `json:"transaction_id"`
	Number        string `json:"number"`
	Message       string `json:"message"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
