package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
	"settlepos/backend/internal/returns"
)

// ReturnView is the derived state of an open return/exchange. Totals are in
// the invoice currency; each return line keeps its unit price in the currency
// it was sold in.
type ReturnView struct {
	TerminalID    string              `json:"terminal_id"`
	WarehouseID   string              `json:"warehouse_id"`
	State         returns.State       `json:"state"`
	Invoice       *domain.PriorSale   `json:"invoice,omitempty"`
	CustomerID    string              `json:"customer_id,omitempty"`
	ReturnLines   []domain.ReturnLine `json:"return_lines"`
	ExchangeLines []domain.SaleLine   `json:"exchange_lines"`
	Totals        returns.Totals      `json:"totals"`
}

// ReturnLineUpdate changes a return line. Nil fields are left alone.
type ReturnLineUpdate struct {
	Quantity *decimal.Decimal
	returns.Meta
}

// OpenReturn loads a prior sale by its invoice number and starts a
// return/exchange against it. Loading another invoice replaces the current one
// and clears both baskets.
func (s *Service) OpenReturn(ctx context.Context, terminalID string, warehouseID string, invoiceNumber string) (ReturnView, error) {
	warehouseID = strings.TrimSpace(warehouseID)
	if warehouseID == "" {
		return ReturnView{}, ErrMissingWarehouse
	}
	invoiceNumber = strings.TrimSpace(invoiceNumber)
	if invoiceNumber == "" {
		return ReturnView{}, ErrMissingInvoice
	}

	sess, err := s.lookup(terminalID, true)
	if err != nil {
		return ReturnView{}, err
	}
	defer s.release(sess)

	if sess.mode == ModeSale && !sess.isEmpty() {
		return ReturnView{}, fmt.Errorf("%w: sale in progress", ErrModeConflict)
	}

	sale, err := s.repo.FindSaleByNumber(ctx, invoiceNumber)
	if err != nil {
		return ReturnView{}, collaborator("find invoice", err)
	}
	rates, err := s.currencyTable(ctx)
	if err != nil {
		return ReturnView{}, err
	}
	if _, err := s.catalog(ctx, warehouseID); err != nil {
		return ReturnView{}, err
	}

	pricing, fetched, err := s.loadPricing(ctx, sale.CustomerID, nil)
	if isNotFound(err) {
		s.logger.Warn().Str("invoice", sale.Number).Str("customer_id", sale.CustomerID).Msg("invoice customer no longer exists, pricing exchange at retail")
		pricing, fetched, err = s.loadPricing(ctx, "", nil)
	}
	if err != nil {
		return ReturnView{}, err
	}

	sess.reset(ModeReturn, warehouseID, rates)
	sess.pricing, sess.fetched = pricing, fetched
	sess.reconciler = returns.New()
	sess.reconciler.LoadInvoice(*sale, pricing, rates)
	return sess.returnView(), nil
}

// AddReturnLine marks qty units of an invoice line as coming back. Asking for
// more than is still returnable changes nothing and fails.
func (s *Service) AddReturnLine(terminalID string, lineID string, qty decimal.Decimal) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()

	added, err := sess.reconciler.AddReturn(lineID, qty)
	if err != nil {
		return ReturnView{}, err
	}
	if !added {
		return ReturnView{}, fmt.Errorf("%w: %s of line %s", ErrNotReturnable, qty, lineID)
	}
	return sess.returnView(), nil
}

// UpdateReturnLine applies the classification first and then the quantity,
// which is clamped to the line's ceiling. A zero quantity removes the line.
func (s *Service) UpdateReturnLine(terminalID string, lineID string, update ReturnLineUpdate) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()

	if err := sess.reconciler.UpdateReturnMeta(lineID, update.Meta); err != nil {
		return ReturnView{}, err
	}
	if update.Quantity != nil {
		if err := sess.reconciler.UpdateReturnQuantity(lineID, *update.Quantity); err != nil {
			return ReturnView{}, err
		}
	}
	return sess.returnView(), nil
}

func (s *Service) RemoveReturnLine(terminalID string, lineID string) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()

	if err := sess.reconciler.RemoveReturn(lineID); err != nil {
		return ReturnView{}, err
	}
	return sess.returnView(), nil
}

// AddExchangeItem adds one unit of a replacement product. It must be priced
// in the invoice currency so the two baskets can be netted.
func (s *Service) AddExchangeItem(ctx context.Context, terminalID string, req ItemRequest) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()

	item, err := s.resolveItem(ctx, sess, req.ProductID)
	if err != nil {
		return ReturnView{}, err
	}
	if invoice, ok := sess.reconciler.Invoice(); ok && invoice.Currency != "" {
		if code := currency.Normalize(item.Product.Currency); code != currency.Normalize(invoice.Currency) {
			return ReturnView{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, code, currency.Normalize(invoice.Currency))
		}
	}
	if _, err := sess.reconciler.AddExchange(item, strings.TrimSpace(req.VariantID), unitOrBase(req.Unit)); err != nil {
		return ReturnView{}, err
	}
	return sess.returnView(), nil
}

func (s *Service) UpdateExchangeLine(terminalID string, lineID string, update LineUpdate) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()

	removed := false
	if update.Quantity != nil {
		if err := sess.reconciler.UpdateExchangeQuantity(lineID, *update.Quantity); err != nil {
			return ReturnView{}, err
		}
		removed = !update.Quantity.IsPositive()
	}
	if update.Discount != nil && !removed {
		if err := sess.reconciler.UpdateExchangeDiscount(lineID, *update.Discount); err != nil {
			return ReturnView{}, err
		}
	}
	return sess.returnView(), nil
}

func (s *Service) RemoveExchangeLine(terminalID string, lineID string) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()

	if err := sess.reconciler.RemoveExchange(lineID); err != nil {
		return ReturnView{}, err
	}
	return sess.returnView(), nil
}

func (s *Service) ReturnSummary(terminalID string) (ReturnView, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return ReturnView{}, err
	}
	defer sess.mu.Unlock()
	return sess.returnView(), nil
}

// ReturnApprover vets the outcome of a reconciled return before it is
// submitted. A non-nil error aborts the submission and leaves the return open.
type ReturnApprover func(outcome string) error

// SubmitReturn hands the reconciled return/exchange to the return sink. Only
// the method matching the outcome is required and forwarded. approve, when
// set, runs under the terminal lock against the outcome being submitted.
func (s *Service) SubmitReturn(ctx context.Context, terminalID string, refundMethod string, paymentMethod string, approve ReturnApprover) (domain.ReturnExchangeReceipt, error) {
	sess, err := s.acquire(terminalID, ModeReturn)
	if err != nil {
		return domain.ReturnExchangeReceipt{}, err
	}
	defer sess.mu.Unlock()

	submission, err := sess.reconciler.BuildSubmission(
		strings.ToLower(strings.TrimSpace(refundMethod)),
		strings.ToLower(strings.TrimSpace(paymentMethod)),
	)
	if err != nil {
		return domain.ReturnExchangeReceipt{}, err
	}
	if approve != nil {
		if err := approve(submission.Outcome); err != nil {
			return domain.ReturnExchangeReceipt{}, err
		}
	}
	submission.TerminalID = sess.terminalID
	submission.WarehouseID = sess.warehouseID

	receipt, err := s.repo.SubmitReturnExchange(ctx, submission)
	s.metrics.Submission("return", err)
	if err != nil {
		s.logger.Warn().Err(err).Str("terminal_id", sess.terminalID).Msg("return submission failed")
		return domain.ReturnExchangeReceipt{}, collaborator("submit return", err)
	}

	s.invalidateCatalog(ctx, sess.warehouseID)
	s.metrics.ReturnOutcome(submission.Outcome)
	s.logSubmission(ctx, sess, "return").
		Str("number", receipt.Number).
		Str("original_sale_id", submission.OriginalSaleID).
		Str("outcome", submission.Outcome).
		Str("net", money.Format(submission.NetAmount)).
		Msg("submission")

	s.discard(sess)
	return *receipt, nil
}

func (sess *Session) returnView() ReturnView {
	view := ReturnView{
		TerminalID:    sess.terminalID,
		WarehouseID:   sess.warehouseID,
		State:         sess.reconciler.State(),
		CustomerID:    sess.customerID(),
		ReturnLines:   sess.reconciler.ReturnLines(),
		ExchangeLines: sess.reconciler.ExchangeLines(),
		Totals:        sess.reconciler.Totals(),
	}
	if invoice, ok := sess.reconciler.Invoice(); ok {
		view.Invoice = &invoice
	}
	return view
}
