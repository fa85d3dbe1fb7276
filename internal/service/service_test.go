package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/cache"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
	"settlepos/backend/internal/payment"
	"settlepos/backend/internal/returns"
	"settlepos/backend/internal/store"
	"settlepos/backend/internal/store/memory"
)

const (
	terminal  = "T1"
	warehouse = memory.DefaultWarehouse
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ptr[T any](v T) *T {
	return &v
}

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, Options{})
}

type failingSink struct {
	*memory.Store
	err error
}

func (f failingSink) SubmitSale(context.Context, domain.SaleSubmission) (*domain.SaleReceipt, error) {
	return nil, f.err
}

func (f failingSink) SubmitReturnExchange(context.Context, domain.ReturnExchangeSubmission) (*domain.ReturnExchangeReceipt, error) {
	return nil, f.err
}

type recordingCache struct {
	cache.NoopSnapshotCache
	mu            sync.Mutex
	invalidations []string
}

func (c *recordingCache) InvalidateCatalog(_ context.Context, warehouseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations = append(c.invalidations, warehouseID)
	return nil
}

func openSaleWith(t *testing.T, svc *Service, productIDs ...string) SaleView {
	t.Helper()
	view, err := svc.OpenSale(context.Background(), terminal, warehouse)
	if err != nil {
		t.Fatalf("open sale failed: %v", err)
	}
	for _, id := range productIDs {
		view, err = svc.AddSaleItem(context.Background(), terminal, ItemRequest{ProductID: id})
		if err != nil {
			t.Fatalf("add %s failed: %v", id, err)
		}
	}
	return view
}

func TestOpenSaleRequiresWarehouse(t *testing.T) {
	svc := newTestService()

	_, err := svc.OpenSale(context.Background(), terminal, "  ")
	if !errors.Is(err, ErrMissingWarehouse) {
		t.Fatalf("expected ErrMissingWarehouse, got %v", err)
	}
	if _, open := svc.Mode(terminal); open {
		t.Fatalf("expected no session after a rejected open")
	}

	_, err = svc.OpenSale(context.Background(), terminal, "unknown-warehouse")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown warehouse, got %v", err)
	}
}

func TestMultiCurrencySaleSettlesInLBP(t *testing.T) {
	svc := newTestService()
	openSaleWith(t, svc, "p-cola", "p-cola", "p-bread")

	view, err := svc.SaleSummary(terminal)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if !view.MultiCurrency || view.DueCurrency != "USD" {
		t.Fatalf("expected multi-currency basket due in USD, got %+v", view.Summary)
	}
	if len(view.Groups) != 2 || view.Groups[0].Currency != "USD" || !view.Groups[0].Total.Equal(dec("2.5")) {
		t.Fatalf("unexpected groups %+v", view.Groups)
	}

	view, err = svc.TogglePaymentCurrency(terminal, "lbp")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if len(view.Payments) != 1 || !money.WithinTolerance(view.Payments[0].Amount, dec("275000")) {
		t.Fatalf("expected 275000 LBP suggested, got %+v", view.Payments)
	}

	receipt, err := svc.SubmitSale(context.Background(), terminal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.OrderNumber != "SO-000001" {
		t.Fatalf("unexpected order number %s", receipt.OrderNumber)
	}
	if _, err := svc.SaleSummary(terminal); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected session to be closed after submit, got %v", err)
	}
}

func TestSubmitSaleRejectsShortCashAllocation(t *testing.T) {
	svc := newTestService()
	openSaleWith(t, svc, "p-rice")

	if _, err := svc.SetPaymentAmount(terminal, "USD", dec("5")); err != nil {
		t.Fatalf("set amount failed: %v", err)
	}
	_, err := svc.SubmitSale(context.Background(), terminal)
	if !errors.Is(err, payment.ErrInsufficientPayment) {
		t.Fatalf("expected insufficient payment, got %v", err)
	}

	view, err := svc.SetPaymentAmount(terminal, "USD", dec("10"))
	if err != nil {
		t.Fatalf("set amount failed: %v", err)
	}
	if !view.Change.Equal(dec("1.5")) {
		t.Fatalf("expected change 1.5, got %s", view.Change)
	}
	if _, err := svc.SubmitSale(context.Background(), terminal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func TestCreditSaleRequiresCustomer(t *testing.T) {
	svc := newTestService()
	openSaleWith(t, svc, "p-rice")

	view, err := svc.SetPaymentType(terminal, "credit", decimal.Zero)
	if err != nil {
		t.Fatalf("set payment type failed: %v", err)
	}
	if !view.PaidAmount.IsZero() {
		t.Fatalf("expected nothing paid up front on credit, got %s", view.PaidAmount)
	}
	if _, err := svc.SubmitSale(context.Background(), terminal); !errors.Is(err, ErrCustomerRequired) {
		t.Fatalf("expected ErrCustomerRequired, got %v", err)
	}

	if _, err := svc.SelectCustomer(context.Background(), terminal, "c-market"); err != nil {
		t.Fatalf("select customer failed: %v", err)
	}
	if _, err := svc.SubmitSale(context.Background(), terminal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := svc.SetPaymentType("T2", "cheque", decimal.Zero); !errors.Is(err, payment.ErrInvalidPaymentType) {
		t.Fatalf("expected invalid payment type, got %v", err)
	}
}

func TestSelectCustomerRepricesLines(t *testing.T) {
	svc := newTestService()
	openSaleWith(t, svc, "p-cola", "p-rice")

	view, err := svc.SelectCustomer(context.Background(), terminal, "c-market")
	if err != nil {
		t.Fatalf("select customer failed: %v", err)
	}
	cola, rice := view.Lines[0], view.Lines[1]
	if !cola.UnitPrice.Equal(dec("0.95")) || !cola.IsSpecial {
		t.Fatalf("expected override price 0.95, got %+v", cola)
	}
	if !rice.UnitPrice.Equal(dec("7.2")) || rice.IsSpecial {
		t.Fatalf("expected wholesale price 7.2, got %+v", rice)
	}

	view, err = svc.SelectCustomer(context.Background(), terminal, "")
	if err != nil {
		t.Fatalf("clear customer failed: %v", err)
	}
	if !view.Lines[0].UnitPrice.Equal(dec("1.25")) || view.CustomerID != "" {
		t.Fatalf("expected retail price after clearing customer, got %+v", view.Lines[0])
	}

	if _, err := svc.SelectCustomer(context.Background(), terminal, "c-ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown customer, got %v", err)
	}
}

func TestUpdateSaleLineQuantityAndDiscount(t *testing.T) {
	svc := newTestService()
	view := openSaleWith(t, svc, "p-rice")
	lineID := view.Lines[0].ID

	view, err := svc.UpdateSaleLine(terminal, lineID, LineUpdate{Quantity: ptr(dec("3")), Discount: ptr(dec("-2"))})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !view.Lines[0].Quantity.Equal(dec("3")) || !view.Lines[0].Discount.IsZero() {
		t.Fatalf("expected qty 3 and clamped discount, got %+v", view.Lines[0])
	}

	_, err = svc.UpdateSaleLine(terminal, lineID, LineUpdate{Quantity: ptr(dec("500"))})
	if err == nil || !strings.Contains(err.Error(), "insufficient stock") {
		t.Fatalf("expected stock ceiling error, got %v", err)
	}

	view, err = svc.UpdateSaleLine(terminal, lineID, LineUpdate{Quantity: ptr(decimal.Zero), Discount: ptr(dec("1"))})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(view.Lines) != 0 {
		t.Fatalf("expected zero quantity to remove the line")
	}
}

func TestTaxRateAddsOnTopOfDue(t *testing.T) {
	svc := newTestService()
	openSaleWith(t, svc, "p-rice")

	view, err := svc.SetTaxRate(terminal, dec("10"))
	if err != nil {
		t.Fatalf("set tax failed: %v", err)
	}
	if !view.TaxAmount.Equal(dec("0.85")) || !view.TotalDue.Equal(dec("9.35")) {
		t.Fatalf("expected tax 0.85 and total 9.35, got %s / %s", view.TaxAmount, view.TotalDue)
	}
	if _, err := svc.SetTaxRate(terminal, dec("150")); !errors.Is(err, ErrInvalidTaxRate) {
		t.Fatalf("expected ErrInvalidTaxRate, got %v", err)
	}
}

func TestLoadQuoteSubstitutesRetiredProducts(t *testing.T) {
	snapshots := &recordingCache{}
	svc := New(memory.NewSeeded(), snapshots, Options{})
	openSaleWith(t, svc)

	view, err := svc.LoadQuote(context.Background(), terminal, "Q-1001")
	if err != nil {
		t.Fatalf("load quote failed: %v", err)
	}
	if len(view.Lines) != 2 {
		t.Fatalf("expected 2 quote lines, got %d", len(view.Lines))
	}
	if view.Lines[1].ProductID != "quote-item:p-retired-oil" || !view.Lines[1].Synthesized {
		t.Fatalf("expected placeholder for retired product, got %+v", view.Lines[1])
	}
	if view.CustomerID != "c-market" || view.QuoteID != "quote-1001" {
		t.Fatalf("expected quote customer and id, got %q %q", view.CustomerID, view.QuoteID)
	}
	if !view.AmountDue.Equal(dec("46.5")) {
		t.Fatalf("expected 46.5 due at quoted prices, got %s", view.AmountDue)
	}

	if _, err := svc.SetPaymentType(terminal, "credit", decimal.Zero); err != nil {
		t.Fatalf("set payment type failed: %v", err)
	}
	if _, err := svc.SubmitSale(context.Background(), terminal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(snapshots.invalidations) != 1 || snapshots.invalidations[0] != warehouse {
		t.Fatalf("expected catalog snapshot invalidated once, got %v", snapshots.invalidations)
	}

	openSaleWith(t, svc)
	if _, err := svc.LoadQuote(context.Background(), terminal, "Q-1001"); !errors.Is(err, ErrQuoteConverted) {
		t.Fatalf("expected converted quote to be rejected, got %v", err)
	}
}

func TestFailedSubmissionKeepsSession(t *testing.T) {
	sinkErr := errors.New("sink down")
	svc := New(failingSink{Store: memory.NewSeeded(), err: sinkErr}, nil, Options{})
	openSaleWith(t, svc, "p-rice")

	_, err := svc.SubmitSale(context.Background(), terminal)
	var collabErr *CollaboratorError
	if !errors.As(err, &collabErr) || !errors.Is(err, sinkErr) {
		t.Fatalf("expected collaborator error wrapping sink failure, got %v", err)
	}

	view, err := svc.SaleSummary(terminal)
	if err != nil {
		t.Fatalf("expected session to survive a failed submit: %v", err)
	}
	if len(view.Lines) != 1 || !view.AmountDue.Equal(dec("8.5")) {
		t.Fatalf("expected basket intact, got %+v", view.Summary)
	}

	if _, err := svc.SubmitSale(context.Background(), terminal); !errors.As(err, &collabErr) {
		t.Fatalf("expected resubmission to reach the sink again, got %v", err)
	}
}

func TestSubmitEmptyBasketNeverReachesSink(t *testing.T) {
	svc := New(failingSink{Store: memory.NewSeeded(), err: errors.New("must not be called")}, nil, Options{})
	openSaleWith(t, svc)

	if _, err := svc.SubmitSale(context.Background(), terminal); !errors.Is(err, ErrEmptyBasket) {
		t.Fatalf("expected ErrEmptyBasket, got %v", err)
	}
}

func TestSaleAndReturnModesAreExclusive(t *testing.T) {
	svc := newTestService()
	openSaleWith(t, svc, "p-rice")

	_, err := svc.OpenReturn(context.Background(), terminal, warehouse, "INV-1001")
	if !errors.Is(err, ErrModeConflict) {
		t.Fatalf("expected ErrModeConflict, got %v", err)
	}

	if err := svc.Cancel(terminal); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := svc.OpenReturn(context.Background(), terminal, warehouse, "INV-1001"); err != nil {
		t.Fatalf("open return after cancel failed: %v", err)
	}
	if mode, open := svc.Mode(terminal); !open || mode != ModeReturn {
		t.Fatalf("expected return mode, got %q", mode)
	}
	if _, err := svc.AddSaleItem(context.Background(), terminal, ItemRequest{ProductID: "p-rice"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected sale operations to be rejected in return mode, got %v", err)
	}
}

func TestReturnRefundRespectsCeiling(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	view, err := svc.OpenReturn(ctx, terminal, warehouse, "INV-1001")
	if err != nil {
		t.Fatalf("open return failed: %v", err)
	}
	if view.State != returns.StateInvoiceLoaded || view.Invoice == nil {
		t.Fatalf("expected invoice loaded, got %+v", view)
	}

	if _, err := svc.AddReturnLine(terminal, "sl-1", dec("5")); !errors.Is(err, ErrNotReturnable) {
		t.Fatalf("expected ErrNotReturnable beyond the ceiling, got %v", err)
	}
	view, err = svc.AddReturnLine(terminal, "sl-1", dec("2"))
	if err != nil {
		t.Fatalf("add return failed: %v", err)
	}
	if !view.Totals.ReturnTotal.Equal(dec("2.4")) || view.Totals.Outcome != domain.OutcomeRefund {
		t.Fatalf("expected refund of 2.4, got %+v", view.Totals)
	}

	view, err = svc.UpdateReturnLine(terminal, "sl-1", ReturnLineUpdate{
		Quantity: ptr(dec("9")),
		Meta:     returns.Meta{Disposition: ptr(domain.DispositionScrap)},
	})
	if err != nil {
		t.Fatalf("update return failed: %v", err)
	}
	if !view.ReturnLines[0].Quantity.Equal(dec("3")) || view.ReturnLines[0].Disposition != domain.DispositionScrap {
		t.Fatalf("expected clamped qty 3 marked scrap, got %+v", view.ReturnLines[0])
	}

	if _, err := svc.SubmitReturn(ctx, terminal, "", "", nil); !errors.Is(err, returns.ErrRefundMethodRequired) {
		t.Fatalf("expected refund method requirement, got %v", err)
	}

	errDenied := errors.New("denied")
	var approved string
	_, err = svc.SubmitReturn(ctx, terminal, "cash", "", func(outcome string) error {
		approved = outcome
		return errDenied
	})
	if !errors.Is(err, errDenied) || approved != domain.OutcomeRefund {
		t.Fatalf("expected the approver to veto a refund, got %q %v", approved, err)
	}
	if view, err := svc.ReturnSummary(terminal); err != nil || len(view.ReturnLines) != 1 {
		t.Fatalf("expected a vetoed return to stay open, got %+v %v", view, err)
	}

	receipt, err := svc.SubmitReturn(ctx, terminal, "cash", "", func(string) error { return nil })
	if err != nil {
		t.Fatalf("submit return failed: %v", err)
	}
	if receipt.Message != "refund 3.600 via cash" {
		t.Fatalf("unexpected receipt message %q", receipt.Message)
	}

	view, err = svc.OpenReturn(ctx, terminal, warehouse, "INV-1001")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := svc.AddReturnLine(terminal, "sl-1", dec("1")); !errors.Is(err, ErrNotReturnable) {
		t.Fatalf("expected fully returned line to be rejected, got %v", err)
	}
}

func TestExchangeNetsAgainstReturn(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.OpenReturn(ctx, terminal, warehouse, "INV-1001"); err != nil {
		t.Fatalf("open return failed: %v", err)
	}
	if _, err := svc.AddReturnLine(terminal, "sl-1", dec("2")); err != nil {
		t.Fatalf("add return failed: %v", err)
	}

	if _, err := svc.AddExchangeItem(ctx, terminal, ItemRequest{ProductID: "p-bread"}); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected LBP exchange against a USD invoice to fail, got %v", err)
	}
	view, err := svc.AddExchangeItem(ctx, terminal, ItemRequest{ProductID: "p-rice"})
	if err != nil {
		t.Fatalf("add exchange failed: %v", err)
	}
	if !view.Totals.NetAmount.Equal(dec("6.1")) || view.Totals.Outcome != domain.OutcomePayment {
		t.Fatalf("expected customer to pay 6.1, got %+v", view.Totals)
	}

	if _, err := svc.SubmitReturn(ctx, terminal, "cash", "", nil); !errors.Is(err, returns.ErrPaymentMethodRequired) {
		t.Fatalf("expected payment method requirement, got %v", err)
	}

	lineID := view.ExchangeLines[0].ID
	view, err = svc.UpdateExchangeLine(terminal, lineID, LineUpdate{Discount: ptr(dec("6.1"))})
	if err != nil {
		t.Fatalf("update exchange failed: %v", err)
	}
	if view.Totals.Outcome != domain.OutcomeEven {
		t.Fatalf("expected even exchange, got %+v", view.Totals)
	}

	receipt, err := svc.SubmitReturn(ctx, terminal, "", "", nil)
	if err != nil {
		t.Fatalf("submit even exchange failed: %v", err)
	}
	if receipt.Message != "even exchange" {
		t.Fatalf("unexpected message %q", receipt.Message)
	}
}

func TestReturnOfMultiCurrencySaleTotalsInInvoiceCurrency(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	openSaleWith(t, svc, "p-rice", "p-labneh")

	if _, err := svc.TogglePaymentCurrency(terminal, "usd"); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	receipt, err := svc.SubmitSale(ctx, terminal)
	if err != nil {
		t.Fatalf("submit sale failed: %v", err)
	}

	view, err := svc.OpenReturn(ctx, terminal, warehouse, receipt.OrderNumber)
	if err != nil {
		t.Fatalf("open return failed: %v", err)
	}
	if view.Invoice.Currency != "USD" {
		t.Fatalf("expected invoice due in USD, got %q", view.Invoice.Currency)
	}
	var labnehLine string
	for _, line := range view.Invoice.Lines {
		if line.ProductID == "p-labneh" {
			labnehLine = line.ID
			if line.Currency != "LBP" {
				t.Fatalf("expected labneh line kept in LBP, got %q", line.Currency)
			}
		}
	}
	if labnehLine == "" {
		t.Fatalf("labneh line missing from invoice %+v", view.Invoice.Lines)
	}

	view, err = svc.AddReturnLine(terminal, labnehLine, dec("1"))
	if err != nil {
		t.Fatalf("add return failed: %v", err)
	}
	if !view.Totals.ReturnTotal.Round(4).Equal(dec("1.6667")) {
		t.Fatalf("expected 150000 LBP to come back as about 1.6667 USD, got %s", view.Totals.ReturnTotal)
	}
	if view.ReturnLines[0].Currency != "LBP" || !view.ReturnLines[0].EffectivePrice.Equal(dec("150000")) {
		t.Fatalf("expected the return line priced in LBP, got %+v", view.ReturnLines[0])
	}
}

func TestCancelWithoutSessionIsNoop(t *testing.T) {
	svc := newTestService()
	if err := svc.Cancel(terminal); err != nil {
		t.Fatalf("expected cancel to be a no-op, got %v", err)
	}
	if err := svc.Cancel(" "); !errors.Is(err, ErrMissingTerminal) {
		t.Fatalf("expected ErrMissingTerminal, got %v", err)
	}
}

func TestTerminalsAreIsolated(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := svc.OpenSale(ctx, id, warehouse); err != nil {
				errs <- err
				return
			}
			if _, err := svc.AddSaleItem(ctx, id, ItemRequest{ProductID: "p-rice"}); err != nil {
				errs <- err
			}
		}("T-" + string(rune('A'+i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent terminal failed: %v", err)
	}

	view, err := svc.SaleSummary("T-A")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if len(view.Lines) != 1 || !view.Lines[0].Quantity.Equal(dec("1")) {
		t.Fatalf("expected one rice line on T-A, got %+v", view.Lines)
	}
}
