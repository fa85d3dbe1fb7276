package store

import (
	"context"
	"errors"

	"settlepos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
)

// Catalog lists sellable products per warehouse, with variant overrides, and
// the customer-specific prices recorded for them.
type Catalog interface {
	ListProducts(ctx context.Context, warehouseID string) ([]domain.Product, error)
	GetCustomerOverride(ctx context.Context, customerID string, productID string) (*domain.CustomerPriceOverride, error)
}

type Customers interface {
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
}

type Currencies interface {
	ListCurrencies(ctx context.Context) ([]domain.CurrencyRate, error)
}

// PriorSales looks up completed sales with their already-returned quantities.
type PriorSales interface {
	FindSaleByNumber(ctx context.Context, number string) (*domain.PriorSale, error)
}

type Quotes interface {
	FindQuoteByNumber(ctx context.Context, number string) (*domain.Quote, error)
	MarkQuoteConverted(ctx context.Context, quoteID string, orderID string) error
}

type SaleSink interface {
	SubmitSale(ctx context.Context, sale domain.SaleSubmission) (*domain.SaleReceipt, error)
}

type ReturnSink interface {
	SubmitReturnExchange(ctx context.Context, tx domain.ReturnExchangeSubmission) (*domain.ReturnExchangeReceipt, error)
}

type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	Customers
	Currencies
	PriorSales
	Quotes
	SaleSink
	ReturnSink
	UserStore
}
