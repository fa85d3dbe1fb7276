// Package currency converts amounts between the active currencies. Every
// conversion goes through the single base currency: amount_in_base equals
// amount divided by the currency's rate.
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/domain"
)

var (
	ErrNoBaseCurrency         = errors.New("no base currency configured")
	ErrMultipleBaseCurrencies = errors.New("more than one base currency configured")
	ErrInvalidRate            = errors.New("currency rate must be positive")
	ErrUnknownCurrency        = errors.New("unknown currency")
)

type Table struct {
	base    string
	rates   map[string]domain.CurrencyRate
	ordered []domain.CurrencyRate
}

// NewTable builds a table from the active entries of the currency list.
func NewTable(rates []domain.CurrencyRate) (*Table, error) {
	t := &Table{rates: make(map[string]domain.CurrencyRate, len(rates))}
	for _, r := range rates {
		if !r.Active {
			continue
		}
		r.Code = Normalize(r.Code)
		if r.Code == "" {
			continue
		}
		if !r.Rate.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRate, r.Code)
		}
		if r.IsBase {
			if t.base != "" && t.base != r.Code {
				return nil, ErrMultipleBaseCurrencies
			}
			t.base = r.Code
		}
		if _, dup := t.rates[r.Code]; !dup {
			t.ordered = append(t.ordered, r)
		}
		t.rates[r.Code] = r
	}
	if t.base == "" {
		return nil, ErrNoBaseCurrency
	}
	return t, nil
}

func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (t *Table) Base() string {
	return t.base
}

func (t *Table) Currencies() []domain.CurrencyRate {
	out := make([]domain.CurrencyRate, len(t.ordered))
	copy(out, t.ordered)
	return out
}

func (t *Table) Has(code string) bool {
	_, ok := t.rates[Normalize(code)]
	return ok
}

func (t *Table) Rate(code string) (decimal.Decimal, error) {
	r, ok := t.rates[Normalize(code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
	}
	return r.Rate, nil
}

// ToBase converts an amount expressed in code into the base currency.
func (t *Table) ToBase(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	if Normalize(code) == t.base {
		return amount, nil
	}
	rate, err := t.Rate(code)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Div(rate), nil
}

// FromBase converts a base-currency amount into code.
func (t *Table) FromBase(amount decimal.Decimal, code string) (decimal.Decimal, error) {
	if Normalize(code) == t.base {
		return amount, nil
	}
	rate, err := t.Rate(code)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

func (t *Table) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if Normalize(from) == Normalize(to) {
		if !t.Has(from) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
		}
		return amount, nil
	}
	base, err := t.ToBase(amount, from)
	if err != nil {
		return decimal.Zero, err
	}
	return t.FromBase(base, to)
}
