// Package payment splits the amount due across one or more payment currencies
// and resolves how much was actually paid.
package payment

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
)

var (
	ErrInsufficientPayment = errors.New("payment does not cover the amount due")
	ErrInvalidPaymentType  = errors.New("invalid payment type")
)

// Due is an amount together with the currency it is expressed in.
type Due struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type Allocator struct {
	rates       *currency.Table
	due         Due
	groups      map[string]decimal.Decimal
	allocations []domain.PaymentAllocation
}

func NewAllocator(rates *currency.Table, due Due, groups []domain.CurrencyGroup) *Allocator {
	a := &Allocator{rates: rates}
	a.Rebase(due, groups)
	return a
}

// Rebase updates the due amount and the basket subtotals after the basket
// changed. Existing allocations are kept as entered.
func (a *Allocator) Rebase(due Due, groups []domain.CurrencyGroup) {
	due.Currency = currency.Normalize(due.Currency)
	if due.Currency == "" {
		due.Currency = a.rates.Base()
	}
	a.due = due
	a.groups = make(map[string]decimal.Decimal, len(groups))
	for _, g := range groups {
		a.groups[currency.Normalize(g.Currency)] = g.Total
	}
}

func (a *Allocator) Due() Due {
	return a.due
}

// DueBase is the amount due expressed in the base currency.
func (a *Allocator) DueBase() (decimal.Decimal, error) {
	return a.rates.ToBase(a.due.Amount, a.due.Currency)
}

// Toggle selects or deselects a payment currency. Selecting a currency
// suggests an amount for it: the whole due when it is the only selection,
// otherwise the part of the due the other selections leave uncovered.
func (a *Allocator) Toggle(code string) (bool, error) {
	code = currency.Normalize(code)
	if !a.rates.Has(code) {
		return false, fmt.Errorf("%w: %s", currency.ErrUnknownCurrency, code)
	}
	if idx := a.index(code); idx >= 0 {
		a.allocations = append(a.allocations[:idx], a.allocations[idx+1:]...)
		return false, nil
	}

	dueBase, err := a.DueBase()
	if err != nil {
		return false, err
	}

	if len(a.allocations) == 0 {
		amount := a.due.Amount
		if code != a.due.Currency {
			if amount, err = a.rates.FromBase(dueBase, code); err != nil {
				return false, err
			}
		}
		a.allocations = append(a.allocations, domain.PaymentAllocation{Currency: code, Selected: true, Amount: money.NonNegative(amount)})
		return true, nil
	}

	covered := decimal.Zero
	for i := range a.allocations {
		if subtotal, ok := a.groups[a.allocations[i].Currency]; ok {
			a.allocations[i].Amount = money.NonNegative(subtotal)
		}
		inBase, err := a.rates.ToBase(a.allocations[i].Amount, a.allocations[i].Currency)
		if err != nil {
			return false, err
		}
		covered = covered.Add(inBase)
	}

	remainder, err := a.rates.FromBase(money.NonNegative(dueBase.Sub(covered)), code)
	if err != nil {
		return false, err
	}
	a.allocations = append(a.allocations, domain.PaymentAllocation{Currency: code, Selected: true, Amount: remainder})
	return true, nil
}

// SetAmount overrides the amount for a currency, selecting it if needed.
// Other allocations are left alone.
func (a *Allocator) SetAmount(code string, amount decimal.Decimal) error {
	code = currency.Normalize(code)
	if !a.rates.Has(code) {
		return fmt.Errorf("%w: %s", currency.ErrUnknownCurrency, code)
	}
	amount = money.NonNegative(amount)
	if idx := a.index(code); idx >= 0 {
		a.allocations[idx].Amount = amount
		return nil
	}
	a.allocations = append(a.allocations, domain.PaymentAllocation{Currency: code, Selected: true, Amount: amount})
	return nil
}

func (a *Allocator) Clear() {
	a.allocations = nil
}

func (a *Allocator) Allocations() []domain.PaymentAllocation {
	out := make([]domain.PaymentAllocation, len(a.allocations))
	copy(out, a.allocations)
	return out
}

// CollectedBase sums the base equivalents of the selected allocations.
func (a *Allocator) CollectedBase() (decimal.Decimal, error) {
	return collectedBase(a.allocations, a.rates)
}

func (a *Allocator) index(code string) int {
	for i, alloc := range a.allocations {
		if alloc.Currency == code {
			return i
		}
	}
	return -1
}

func collectedBase(allocations []domain.PaymentAllocation, rates *currency.Table) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, alloc := range allocations {
		if !alloc.Selected {
			continue
		}
		inBase, err := rates.ToBase(alloc.Amount, alloc.Currency)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(inBase)
	}
	return total, nil
}

func hasPositiveSelection(allocations []domain.PaymentAllocation) bool {
	for _, alloc := range allocations {
		if alloc.Selected && alloc.Amount.IsPositive() {
			return true
		}
	}
	return false
}

// ValidType reports whether paymentType is one of the accepted payment types.
func ValidType(paymentType string) bool {
	switch paymentType {
	case domain.PaymentTypeCash, domain.PaymentTypeCredit, domain.PaymentTypeSplit:
		return true
	}
	return false
}

// ResolvePaid computes the paid amount in the base currency. Credit sales pay
// nothing up front. Explicit currency allocations win over the defaults; with
// none, cash pays the full due and split pays what the cashier entered.
func ResolvePaid(paymentType string, allocations []domain.PaymentAllocation, rates *currency.Table, dueBase, cashEntered decimal.Decimal) (decimal.Decimal, error) {
	switch paymentType {
	case domain.PaymentTypeCredit:
		return decimal.Zero, nil
	case domain.PaymentTypeCash, domain.PaymentTypeSplit:
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPaymentType, paymentType)
	}

	if hasPositiveSelection(allocations) {
		return collectedBase(allocations, rates)
	}
	if paymentType == domain.PaymentTypeCash {
		return dueBase, nil
	}
	return money.NonNegative(cashEntered), nil
}

// Change is what is handed back when paid exceeds due.
func Change(paid, due decimal.Decimal) decimal.Decimal {
	return money.NonNegative(paid.Sub(due))
}

// Validate checks that a cash payment made with explicit currencies covers the
// amount due.
func Validate(paymentType string, allocations []domain.PaymentAllocation, rates *currency.Table, dueBase decimal.Decimal) error {
	if !ValidType(paymentType) {
		return fmt.Errorf("%w: %q", ErrInvalidPaymentType, paymentType)
	}
	if paymentType != domain.PaymentTypeCash || !hasPositiveSelection(allocations) {
		return nil
	}
	collected, err := collectedBase(allocations, rates)
	if err != nil {
		return err
	}
	if !money.Covers(collected, dueBase) {
		return fmt.Errorf("%w: collected %s of %s", ErrInsufficientPayment, money.Format(collected), money.Format(dueBase))
	}
	return nil
}
