// Package returns reconciles a return/exchange against a prior sale: it tracks
// which original lines are coming back, the replacement basket, and the net
// amount owed in either direction.
package returns

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/cart"
	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
)

var (
	ErrNoInvoice             = errors.New("no invoice loaded")
	ErrLineNotFound          = errors.New("invoice line not found")
	ErrReturnLineNotFound    = errors.New("return line not found")
	ErrInvalidClassification = errors.New("invalid return classification")
	ErrEmptyBasket           = errors.New("nothing to return or exchange")
	ErrRefundMethodRequired  = errors.New("refund method is required")
	ErrPaymentMethodRequired = errors.New("payment method is required")
)

type State string

const (
	StateEmpty         State = "empty"
	StateInvoiceLoaded State = "invoice_loaded"
	StateEditing       State = "editing"
)

type Totals struct {
	ReturnTotal   decimal.Decimal `json:"return_total"`
	ExchangeTotal decimal.Decimal `json:"exchange_total"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	Outcome       string          `json:"outcome"`
}

// Meta carries the classification fields of a return line. Nil fields are
// left unchanged.
type Meta struct {
	Reason      *domain.ReturnReason
	Condition   *domain.ItemCondition
	Disposition *domain.Disposition
}

type Reconciler struct {
	state    State
	invoice  *domain.PriorSale
	rates    *currency.Table
	returns  []domain.ReturnLine
	exchange *cart.Cart
	totals   Totals
}

func New() *Reconciler {
	r := &Reconciler{}
	r.Reset()
	return r
}

// LoadInvoice replaces any previous invoice and clears both baskets. Return
// lines sold in another currency are converted into the invoice currency
// through rates; a nil table only accepts lines in the invoice currency.
func (r *Reconciler) LoadInvoice(sale domain.PriorSale, pricing *domain.PricingContext, rates *currency.Table) {
	r.invoice = &sale
	r.rates = rates
	r.returns = nil
	r.exchange = cart.New(pricing)
	r.state = StateInvoiceLoaded
	r.recompute()
}

// Reset drops the invoice and both baskets.
func (r *Reconciler) Reset() {
	r.state = StateEmpty
	r.invoice = nil
	r.rates = nil
	r.returns = nil
	r.exchange = cart.New(nil)
	r.recompute()
}

func (r *Reconciler) State() State {
	return r.state
}

func (r *Reconciler) Invoice() (domain.PriorSale, bool) {
	if r.invoice == nil {
		return domain.PriorSale{}, false
	}
	return *r.invoice, true
}

// AddReturn marks qty units of an invoice line as returned. Requests for a
// non-positive quantity or more than is still returnable are ignored and
// reported with false. Repeated adds accumulate up to the returnable ceiling.
func (r *Reconciler) AddReturn(lineID string, qty decimal.Decimal) (bool, error) {
	original, err := r.originalLine(lineID)
	if err != nil {
		return false, err
	}
	ceiling := original.Returnable()
	if !qty.IsPositive() || qty.GreaterThan(ceiling) {
		return false, nil
	}

	if idx := r.returnIndex(lineID); idx >= 0 {
		r.returns[idx].Quantity = decimal.Min(r.returns[idx].Quantity.Add(qty), ceiling)
		r.touch()
		return true, nil
	}

	line := domain.ReturnLine{
		OriginalLineID: original.ID,
		ProductID:      original.ProductID,
		VariantID:      original.VariantID,
		Name:           original.Name,
		SKU:            original.SKU,
		Currency:       original.Currency,
		Unit:           original.Unit,
		Quantity:       qty,
		Ceiling:        ceiling,
		EffectivePrice: original.EffectivePrice(),
		Reason:         domain.ReasonChangedMind,
		Condition:      domain.ConditionResellable,
		Disposition:    domain.DispositionRestock,
	}
	if line.Currency == "" {
		line.Currency = r.invoice.Currency
	}
	if _, err := r.invoiceAmount(line); err != nil {
		return false, err
	}
	r.returns = append(r.returns, line)
	r.touch()
	return true, nil
}

// UpdateReturnQuantity clamps qty into [0, ceiling]; zero removes the line.
func (r *Reconciler) UpdateReturnQuantity(lineID string, qty decimal.Decimal) error {
	idx := r.returnIndex(lineID)
	if idx < 0 {
		return ErrReturnLineNotFound
	}
	if !qty.IsPositive() {
		r.returns = append(r.returns[:idx], r.returns[idx+1:]...)
		r.touch()
		return nil
	}
	r.returns[idx].Quantity = decimal.Min(qty, r.returns[idx].Ceiling)
	r.touch()
	return nil
}

func (r *Reconciler) UpdateReturnMeta(lineID string, meta Meta) error {
	idx := r.returnIndex(lineID)
	if idx < 0 {
		return ErrReturnLineNotFound
	}
	if meta.Reason != nil && !meta.Reason.Valid() {
		return fmt.Errorf("%w: reason %q", ErrInvalidClassification, *meta.Reason)
	}
	if meta.Condition != nil && !meta.Condition.Valid() {
		return fmt.Errorf("%w: condition %q", ErrInvalidClassification, *meta.Condition)
	}
	if meta.Disposition != nil && !meta.Disposition.Valid() {
		return fmt.Errorf("%w: disposition %q", ErrInvalidClassification, *meta.Disposition)
	}

	line := &r.returns[idx]
	if meta.Reason != nil {
		line.Reason = *meta.Reason
	}
	if meta.Condition != nil {
		line.Condition = *meta.Condition
	}
	if meta.Disposition != nil {
		line.Disposition = *meta.Disposition
	}
	return nil
}

func (r *Reconciler) RemoveReturn(lineID string) error {
	idx := r.returnIndex(lineID)
	if idx < 0 {
		return ErrReturnLineNotFound
	}
	r.returns = append(r.returns[:idx], r.returns[idx+1:]...)
	r.touch()
	return nil
}

func (r *Reconciler) ReturnLines() []domain.ReturnLine {
	out := make([]domain.ReturnLine, len(r.returns))
	copy(out, r.returns)
	return out
}

func (r *Reconciler) AddExchange(item domain.ResolvedProduct, variantID string, unit domain.UnitType) (domain.SaleLine, error) {
	if r.invoice == nil {
		return domain.SaleLine{}, ErrNoInvoice
	}
	line, err := r.exchange.Add(item, variantID, unit)
	if err != nil {
		return domain.SaleLine{}, err
	}
	r.touch()
	return line, nil
}

func (r *Reconciler) UpdateExchangeQuantity(lineID string, qty decimal.Decimal) error {
	if _, err := r.exchange.SetQuantity(lineID, qty); err != nil {
		return err
	}
	r.touch()
	return nil
}

func (r *Reconciler) UpdateExchangeDiscount(lineID string, discount decimal.Decimal) error {
	if err := r.exchange.SetDiscount(lineID, discount); err != nil {
		return err
	}
	r.touch()
	return nil
}

func (r *Reconciler) RemoveExchange(lineID string) error {
	if err := r.exchange.Remove(lineID); err != nil {
		return err
	}
	r.touch()
	return nil
}

// SetCustomer reprices the exchange basket for a new pricing context.
func (r *Reconciler) SetCustomer(pricing *domain.PricingContext) error {
	if err := r.exchange.SetCustomer(pricing); err != nil {
		return err
	}
	r.recompute()
	return nil
}

func (r *Reconciler) ExchangeLines() []domain.SaleLine {
	return r.exchange.Lines()
}

// ExchangeProductIDs lists the catalog products in the exchange basket.
func (r *Reconciler) ExchangeProductIDs() []string {
	return r.exchange.ProductIDs()
}

func (r *Reconciler) Totals() Totals {
	return r.totals
}

func (r *Reconciler) IsEmpty() bool {
	return len(r.returns) == 0 && r.exchange.IsEmpty()
}

// Classify maps a net amount onto the settlement direction.
func Classify(net decimal.Decimal) string {
	switch net.Sign() {
	case -1:
		return domain.OutcomeRefund
	case 1:
		return domain.OutcomePayment
	default:
		return domain.OutcomeEven
	}
}

// BuildSubmission validates the reconciliation and assembles the record handed
// to the return sink. Only the method relevant to the outcome is kept.
func (r *Reconciler) BuildSubmission(refundMethod, paymentMethod string) (domain.ReturnExchangeSubmission, error) {
	if r.invoice == nil {
		return domain.ReturnExchangeSubmission{}, ErrNoInvoice
	}
	if r.IsEmpty() {
		return domain.ReturnExchangeSubmission{}, ErrEmptyBasket
	}

	totals := r.totals
	switch totals.Outcome {
	case domain.OutcomeRefund:
		if refundMethod != domain.RefundMethodCash && refundMethod != domain.RefundMethodStoreCredit {
			return domain.ReturnExchangeSubmission{}, ErrRefundMethodRequired
		}
		paymentMethod = ""
	case domain.OutcomePayment:
		if paymentMethod != domain.PaymentTypeCash && paymentMethod != domain.PaymentTypeCredit {
			return domain.ReturnExchangeSubmission{}, ErrPaymentMethodRequired
		}
		refundMethod = ""
	default:
		refundMethod, paymentMethod = "", ""
	}

	return domain.ReturnExchangeSubmission{
		WarehouseID:    r.invoice.WarehouseID,
		OriginalSaleID: r.invoice.ID,
		CustomerID:     r.invoice.CustomerID,
		ReturnLines:    r.ReturnLines(),
		ExchangeLines:  r.exchange.Lines(),
		RefundMethod:   refundMethod,
		PaymentMethod:  paymentMethod,
		ReturnTotal:    totals.ReturnTotal,
		ExchangeTotal:  totals.ExchangeTotal,
		NetAmount:      totals.NetAmount,
		Outcome:        totals.Outcome,
	}, nil
}

func (r *Reconciler) originalLine(lineID string) (domain.OriginalSaleLine, error) {
	if r.invoice == nil {
		return domain.OriginalSaleLine{}, ErrNoInvoice
	}
	for _, line := range r.invoice.Lines {
		if line.ID == lineID {
			return line, nil
		}
	}
	return domain.OriginalSaleLine{}, fmt.Errorf("%w: %s", ErrLineNotFound, lineID)
}

func (r *Reconciler) returnIndex(lineID string) int {
	for i, line := range r.returns {
		if line.OriginalLineID == lineID {
			return i
		}
	}
	return -1
}

// invoiceAmount is the line total expressed in the invoice currency.
func (r *Reconciler) invoiceAmount(line domain.ReturnLine) (decimal.Decimal, error) {
	total := line.Total()
	if r.invoice == nil || currency.Normalize(line.Currency) == currency.Normalize(r.invoice.Currency) {
		return total, nil
	}
	if r.rates == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", currency.ErrUnknownCurrency, line.Currency)
	}
	return r.rates.Convert(total, line.Currency, r.invoice.Currency)
}

func (r *Reconciler) touch() {
	if r.invoice != nil {
		r.state = StateEditing
	}
	r.recompute()
}

func (r *Reconciler) recompute() {
	returned := decimal.Zero
	for _, line := range r.returns {
		// AddReturn already proved the line converts.
		amount, _ := r.invoiceAmount(line)
		returned = returned.Add(amount)
	}
	exchanged := r.exchange.Total()
	net := exchanged.Sub(returned)
	r.totals = Totals{
		ReturnTotal:   returned,
		ExchangeTotal: exchanged,
		NetAmount:     net,
		Outcome:       Classify(net),
	}
}
