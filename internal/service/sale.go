package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/cart"
	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
	"settlepos/backend/internal/payment"
	"settlepos/backend/internal/quote"
)

var hundred = decimal.NewFromInt(100)

// SaleView is the derived state of an open sale after the last mutation.
// Collected, PaidAmount and Change are expressed in the base currency.
type SaleView struct {
	cart.Summary

	TerminalID  string                     `json:"terminal_id"`
	WarehouseID string                     `json:"warehouse_id"`
	CustomerID  string                     `json:"customer_id,omitempty"`
	QuoteID     string                     `json:"quote_id,omitempty"`
	TaxRate     decimal.Decimal            `json:"tax_rate"`
	TaxAmount   decimal.Decimal            `json:"tax_amount"`
	TotalDue    decimal.Decimal            `json:"total_due"`
	PaymentType string                     `json:"payment_type"`
	Payments    []domain.PaymentAllocation `json:"payments"`
	Collected   decimal.Decimal            `json:"collected"`
	PaidAmount  decimal.Decimal            `json:"paid_amount"`
	Change      decimal.Decimal            `json:"change"`
	Currencies  []domain.CurrencyRate      `json:"currencies"`
}

type ItemRequest struct {
	ProductID string
	VariantID string
	Unit      domain.UnitType
}

// LineUpdate changes a basket line. Nil fields are left alone; a quantity of
// zero or less removes the line.
type LineUpdate struct {
	Quantity *decimal.Decimal
	Discount *decimal.Decimal
}

func unitOrBase(unit domain.UnitType) domain.UnitType {
	if unit == "" {
		return domain.UnitBase
	}
	return unit
}

// OpenSale starts a sale on the terminal. Reopening a sale that already holds
// lines for the same warehouse returns it unchanged.
func (s *Service) OpenSale(ctx context.Context, terminalID string, warehouseID string) (SaleView, error) {
	warehouseID = strings.TrimSpace(warehouseID)
	if warehouseID == "" {
		return SaleView{}, ErrMissingWarehouse
	}

	sess, err := s.lookup(terminalID, true)
	if err != nil {
		return SaleView{}, err
	}
	defer s.release(sess)

	if !sess.isEmpty() {
		if sess.mode == ModeSale && sess.warehouseID == warehouseID {
			return sess.saleView()
		}
		return SaleView{}, fmt.Errorf("%w: %s in progress", ErrModeConflict, sess.mode)
	}

	rates, err := s.currencyTable(ctx)
	if err != nil {
		return SaleView{}, err
	}
	if _, err := s.catalog(ctx, warehouseID); err != nil {
		return SaleView{}, err
	}

	sess.reset(ModeSale, warehouseID, rates)
	sess.cart = cart.New(nil)
	sess.allocator = payment.NewAllocator(rates, payment.Due{Amount: decimal.Zero, Currency: rates.Base()}, nil)
	return sess.saleView()
}

// release unlocks the session, dropping it when it never got a mode.
func (s *Service) release(sess *Session) {
	if sess.mode == "" {
		s.discard(sess)
	}
	sess.mu.Unlock()
}

// SelectCustomer switches the pricing context and reprices every line. An
// empty id returns the sale to walk-in retail pricing.
func (s *Service) SelectCustomer(ctx context.Context, terminalID string, customerID string) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	pricing, fetched, err := s.loadPricing(ctx, customerID, sess.cart.ProductIDs())
	if err != nil {
		return SaleView{}, err
	}
	if err := sess.cart.SetCustomer(pricing); err != nil {
		return SaleView{}, err
	}
	sess.pricing, sess.fetched = pricing, fetched
	return sess.saleView()
}

func (s *Service) AddSaleItem(ctx context.Context, terminalID string, req ItemRequest) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	item, err := s.resolveItem(ctx, sess, req.ProductID)
	if err != nil {
		return SaleView{}, err
	}
	if _, err := sess.cart.Add(item, strings.TrimSpace(req.VariantID), unitOrBase(req.Unit)); err != nil {
		return SaleView{}, err
	}
	return sess.saleView()
}

func (s *Service) UpdateSaleLine(terminalID string, lineID string, update LineUpdate) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	if _, ok := sess.cart.Line(lineID); !ok {
		return SaleView{}, fmt.Errorf("%w: %s", cart.ErrLineNotFound, lineID)
	}
	if update.Quantity != nil {
		kept, err := sess.cart.SetQuantity(lineID, *update.Quantity)
		if err != nil {
			return SaleView{}, err
		}
		if !kept {
			return sess.saleView()
		}
	}
	if update.Discount != nil {
		if err := sess.cart.SetDiscount(lineID, *update.Discount); err != nil {
			return SaleView{}, err
		}
	}
	return sess.saleView()
}

func (s *Service) RemoveSaleLine(terminalID string, lineID string) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	if err := sess.cart.Remove(lineID); err != nil {
		return SaleView{}, fmt.Errorf("%w: %s", err, lineID)
	}
	return sess.saleView()
}

// LoadQuote replaces the basket with the lines of an open quote at their
// quoted prices. Items whose product left the catalog come back as
// placeholders. The quote's customer, when still known, becomes the sale's
// customer.
func (s *Service) LoadQuote(ctx context.Context, terminalID string, number string) (SaleView, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return SaleView{}, ErrMissingQuote
	}
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	q, err := s.repo.FindQuoteByNumber(ctx, number)
	if err != nil {
		return SaleView{}, collaborator("find quote", err)
	}
	if q.Status == domain.QuoteStatusConverted {
		return SaleView{}, fmt.Errorf("%w: %s", ErrQuoteConverted, q.Number)
	}
	catalog, err := s.catalog(ctx, sess.warehouseID)
	if err != nil {
		return SaleView{}, err
	}

	lines := quote.Import(*q, catalog, sess.rates.Base())
	for _, line := range lines {
		if code := line.Item.Snapshot().Currency; !sess.rates.Has(code) {
			return SaleView{}, fmt.Errorf("%w: %s", currency.ErrUnknownCurrency, code)
		}
	}

	pricing, fetched := sess.pricing, sess.fetched
	if q.CustomerID != "" {
		pricing, fetched, err = s.loadPricing(ctx, q.CustomerID, nil)
		if isNotFound(err) {
			s.logger.Warn().Str("quote", q.Number).Str("customer_id", q.CustomerID).Msg("quote customer no longer exists, keeping current customer")
			pricing, fetched, err = sess.pricing, sess.fetched, nil
		}
		if err != nil {
			return SaleView{}, err
		}
	}

	next := cart.New(pricing)
	for _, line := range lines {
		if _, err := next.Put(line.Item, "", domain.UnitBase, line.Quantity, line.UnitPrice, line.Discount); err != nil {
			return SaleView{}, err
		}
	}

	sess.cart = next
	sess.pricing, sess.fetched = pricing, fetched
	sess.quoteID = q.ID
	sess.allocator.Clear()
	return sess.saleView()
}

// SetTaxRate sets the tax percentage added on top of the amount due.
func (s *Service) SetTaxRate(terminalID string, rate decimal.Decimal) (SaleView, error) {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return SaleView{}, fmt.Errorf("%w: %s", ErrInvalidTaxRate, rate)
	}
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	sess.taxRate = rate
	return sess.saleView()
}

func (s *Service) TogglePaymentCurrency(terminalID string, code string) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	if _, err := sess.allocator.Toggle(code); err != nil {
		return SaleView{}, err
	}
	return sess.saleView()
}

func (s *Service) SetPaymentAmount(terminalID string, code string, amount decimal.Decimal) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	if err := sess.allocator.SetAmount(code, amount); err != nil {
		return SaleView{}, err
	}
	return sess.saleView()
}

// SetPaymentType chooses cash, credit or split. cashEntered is the amount the
// cashier typed for a split payment without currency allocations.
func (s *Service) SetPaymentType(terminalID string, paymentType string, cashEntered decimal.Decimal) (SaleView, error) {
	paymentType = strings.ToLower(strings.TrimSpace(paymentType))
	if !payment.ValidType(paymentType) {
		return SaleView{}, fmt.Errorf("%w: %q", payment.ErrInvalidPaymentType, paymentType)
	}
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()

	sess.paymentType = paymentType
	sess.cashEntered = money.NonNegative(cashEntered)
	return sess.saleView()
}

func (s *Service) SaleSummary(terminalID string) (SaleView, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return SaleView{}, err
	}
	defer sess.mu.Unlock()
	return sess.saleView()
}

// SubmitSale validates the sale and hands it to the sale sink. A failed
// submission leaves the session untouched so it can be retried; a successful
// one converts the loaded quote and closes the session.
func (s *Service) SubmitSale(ctx context.Context, terminalID string) (domain.SaleReceipt, error) {
	sess, err := s.acquire(terminalID, ModeSale)
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	defer sess.mu.Unlock()

	if sess.cart.IsEmpty() {
		return domain.SaleReceipt{}, ErrEmptyBasket
	}
	if sess.paymentType != domain.PaymentTypeCash && sess.pricing == nil {
		return domain.SaleReceipt{}, ErrCustomerRequired
	}

	submission, err := sess.saleSubmission()
	if err != nil {
		return domain.SaleReceipt{}, err
	}

	receipt, err := s.repo.SubmitSale(ctx, submission)
	s.metrics.Submission("sale", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("terminal_id", sess.terminalID).Msg("sale submission failed")
		return domain.SaleReceipt{}, collaborator("submit sale", err)
	}

	if sess.quoteID != "" {
		if err := s.repo.MarkQuoteConverted(ctx, sess.quoteID, receipt.OrderID); err != nil {
			s.logger.Warn().Err(err).Str("quote_id", sess.quoteID).Str("order_id", receipt.OrderID).Msg("failed to mark quote converted")
		}
	}
	s.invalidateCatalog(ctx, sess.warehouseID)
	s.metrics.SaleAmount(submission.PaymentType, submission.TotalAmount.InexactFloat64())
	s.logSubmission(ctx, sess, "sale").
		Str("order_number", receipt.OrderNumber).
		Str("payment_type", submission.PaymentType).
		Str("total", money.Format(submission.TotalAmount)).
		Str("paid", money.Format(submission.PaidAmount)).
		Msg("submission")

	s.discard(sess)
	return *receipt, nil
}

func (sess *Session) customerID() string {
	if sess.pricing == nil {
		return ""
	}
	return sess.pricing.Customer.ID
}

// saleView recomputes the derived state and rebases the payment allocator on
// the new amount due. Every sale mutation ends here.
func (sess *Session) saleView() (SaleView, error) {
	summary, err := sess.cart.Summary(sess.rates)
	if err != nil {
		return SaleView{}, err
	}
	tax := summary.AmountDue.Mul(sess.taxRate).Div(hundred)
	total := summary.AmountDue.Add(tax)
	sess.allocator.Rebase(payment.Due{Amount: total, Currency: summary.DueCurrency}, summary.Groups)

	dueBase, err := sess.allocator.DueBase()
	if err != nil {
		return SaleView{}, err
	}
	collected, err := sess.allocator.CollectedBase()
	if err != nil {
		return SaleView{}, err
	}
	allocations := sess.allocator.Allocations()
	paid, err := payment.ResolvePaid(sess.paymentType, allocations, sess.rates, dueBase, sess.cashEntered)
	if err != nil {
		return SaleView{}, err
	}

	return SaleView{
		Summary:     summary,
		TerminalID:  sess.terminalID,
		WarehouseID: sess.warehouseID,
		CustomerID:  sess.customerID(),
		QuoteID:     sess.quoteID,
		TaxRate:     sess.taxRate,
		TaxAmount:   tax,
		TotalDue:    total,
		PaymentType: sess.paymentType,
		Payments:    allocations,
		Collected:   collected,
		PaidAmount:  paid,
		Change:      payment.Change(paid, dueBase),
		Currencies:  sess.rates.Currencies(),
	}, nil
}

// saleSubmission assembles the record for the sale sink. Amounts are in the
// base currency.
func (sess *Session) saleSubmission() (domain.SaleSubmission, error) {
	view, err := sess.saleView()
	if err != nil {
		return domain.SaleSubmission{}, err
	}
	dueBase, err := sess.allocator.DueBase()
	if err != nil {
		return domain.SaleSubmission{}, err
	}
	if err := payment.Validate(sess.paymentType, view.Payments, sess.rates, dueBase); err != nil {
		return domain.SaleSubmission{}, err
	}

	subtotal, discount := decimal.Zero, decimal.Zero
	for _, g := range view.Groups {
		sub, err := sess.rates.ToBase(g.Subtotal, g.Currency)
		if err != nil {
			return domain.SaleSubmission{}, err
		}
		disc, err := sess.rates.ToBase(g.Discount, g.Currency)
		if err != nil {
			return domain.SaleSubmission{}, err
		}
		subtotal = subtotal.Add(sub)
		discount = discount.Add(disc)
	}
	tax, err := sess.rates.ToBase(view.TaxAmount, view.DueCurrency)
	if err != nil {
		return domain.SaleSubmission{}, err
	}

	return domain.SaleSubmission{
		TerminalID:     sess.terminalID,
		WarehouseID:    sess.warehouseID,
		CustomerID:     view.CustomerID,
		QuoteID:        sess.quoteID,
		PaymentType:    sess.paymentType,
		BaseCurrency:   view.BaseCurrency,
		DueCurrency:    view.DueCurrency,
		Lines:          view.Lines,
		Groups:         view.Groups,
		Payments:       view.Payments,
		SubtotalAmount: subtotal,
		DiscountAmount: discount,
		TaxAmount:      tax,
		TotalAmount:    dueBase,
		PaidAmount:     view.PaidAmount,
	}, nil
}
