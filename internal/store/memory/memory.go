package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
	"settlepos/backend/internal/store"
	"settlepos/backend/internal/xid"
)

const DefaultWarehouse = "main-warehouse"

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	stock           map[string]map[string]decimal.Decimal
	currencies      []domain.CurrencyRate
	customers       map[string]domain.Customer
	overrides       map[string]domain.CustomerPriceOverride
	salesByNumber   map[string]*domain.PriorSale
	quotesByNumber  map[string]*domain.Quote
	returnsByID     map[string]domain.ReturnExchangeSubmission
	usersByUsername map[string]domain.UserAccount
	orderSeq        int
	returnSeq       int
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

// NewSeeded returns a store with a small demo catalog in USD and LBP, two
// customers, one prior sale and one quote that references a retired product.
func NewSeeded() *Store {
	products := []domain.Product{
		{
			ID:                "p-cola",
			SKU:               "SKU-COLA",
			Name:              "Cola 330ml",
			RetailPrice:       d("1.250"),
			WholesalePrice:    d("1.000"),
			CostPrice:         d("0.700"),
			BoxRetailPrice:    d("13.500"),
			BoxWholesalePrice: d("11.000"),
			BoxCostPrice:      d("8.400"),
			Currency:          "USD",
			BaseUnit:          "can",
			SecondUnit:        "box",
			UnitRatio:         d("12"),
			Variants: []domain.ProductVariant{
				{ID: "v-cola-zero", Name: "Zero", SKU: "SKU-COLA-Z", RetailPrice: nd("1.350")},
			},
		},
		{
			ID:             "p-rice",
			SKU:            "SKU-RICE-5",
			Name:           "Rice 5kg",
			RetailPrice:    d("8.500"),
			WholesalePrice: d("7.200"),
			CostPrice:      d("6.000"),
			Currency:       "USD",
			BaseUnit:       "bag",
		},
		{
			ID:             "p-bread",
			SKU:            "SKU-BREAD",
			Name:           "Arabic Bread",
			RetailPrice:    d("50000"),
			WholesalePrice: d("42000"),
			CostPrice:      d("30000"),
			Currency:       "LBP",
			BaseUnit:       "pack",
		},
		{
			ID:                "p-labneh",
			SKU:               "SKU-LABNEH",
			Name:              "Labneh 500g",
			RetailPrice:       d("150000"),
			WholesalePrice:    d("130000"),
			CostPrice:         d("100000"),
			BoxRetailPrice:    d("1700000"),
			BoxWholesalePrice: d("1500000"),
			BoxCostPrice:      d("1200000"),
			Currency:          "LBP",
			BaseUnit:          "tub",
			SecondUnit:        "crate",
			UnitRatio:         d("12"),
		},
	}

	productMap := make(map[string]domain.Product, len(products))
	stock := map[string]map[string]decimal.Decimal{DefaultWarehouse: {}}
	for _, p := range products {
		productMap[p.ID] = p
		stock[DefaultWarehouse][stockKey(p.ID, "")] = d("120")
		for _, v := range p.Variants {
			stock[DefaultWarehouse][stockKey(p.ID, v.ID)] = d("24")
		}
	}

	customers := map[string]domain.Customer{
		"c-walkin": {ID: "c-walkin", Name: "Walk-in", Type: "retail", Balance: decimal.Zero},
		"c-market": {ID: "c-market", Name: "Cedar Mini Market", Type: "wholesale", Balance: d("-120.500")},
	}
	overrides := map[string]domain.CustomerPriceOverride{
		overrideKey("c-market", "p-cola"): {CustomerID: "c-market", ProductID: "p-cola", BasePrice: nd("0.950"), SecondPrice: nd("10.500")},
	}

	sale := &domain.PriorSale{
		ID:          "sale-1001",
		Number:      "INV-1001",
		CustomerID:  "c-walkin",
		WarehouseID: DefaultWarehouse,
		Currency:    "USD",
		CreatedAt:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		Lines: []domain.OriginalSaleLine{
			{ID: "sl-1", ProductID: "p-cola", Name: "Cola 330ml", SKU: "SKU-COLA", Currency: "USD", Unit: domain.UnitBase, QuantitySold: d("5"), QuantityReturned: d("2"), UnitPrice: d("1.250"), Discount: d("0.250")},
			{ID: "sl-2", ProductID: "p-rice", Name: "Rice 5kg", SKU: "SKU-RICE-5", Currency: "USD", Unit: domain.UnitBase, QuantitySold: d("2"), QuantityReturned: decimal.Zero, UnitPrice: d("8.500"), Discount: decimal.Zero},
		},
	}

	quote := &domain.Quote{
		ID:         "quote-1001",
		Number:     "Q-1001",
		CustomerID: "c-market",
		Status:     domain.QuoteStatusOpen,
		Items: []domain.QuoteItem{
			{ProductID: "p-rice", Name: "Rice 5kg", SKU: "SKU-RICE-5", Quantity: d("4"), UnitPrice: d("7.000"), Discount: d("1.000")},
			{ProductID: "p-retired-oil", Name: "Olive Oil 1L", SKU: "SKU-OIL-1", Quantity: d("2"), UnitPrice: d("9.750"), Discount: decimal.Zero},
		},
	}

	return &Store{
		products: productMap,
		stock:    stock,
		currencies: []domain.CurrencyRate{
			{Code: "USD", Rate: d("1"), IsBase: true, Active: true},
			{Code: "LBP", Rate: d("90000"), Active: true},
			{Code: "EUR", Rate: d("0.92"), Active: true},
		},
		customers:       customers,
		overrides:       overrides,
		salesByNumber:   map[string]*domain.PriorSale{sale.Number: sale},
		quotesByNumber:  map[string]*domain.Quote{quote.Number: quote},
		returnsByID:     make(map[string]domain.ReturnExchangeSubmission),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context, warehouseID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stock, ok := s.stock[warehouseID]
	if !ok {
		return nil, store.ErrNotFound
	}

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		p.AvailableQty = stock[stockKey(p.ID, "")]
		variants := make([]domain.ProductVariant, len(p.Variants))
		copy(variants, p.Variants)
		for i := range variants {
			if qty, ok := stock[stockKey(p.ID, variants[i].ID)]; ok {
				variants[i].AvailableQty = decimal.NewNullDecimal(qty)
			}
		}
		p.Variants = variants
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetCustomerOverride(_ context.Context, customerID string, productID string) (*domain.CustomerPriceOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[overrideKey(customerID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListCurrencies(_ context.Context) ([]domain.CurrencyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CurrencyRate, len(s.currencies))
	copy(out, s.currencies)
	return out, nil
}

func (s *Store) FindSaleByNumber(_ context.Context, number string) (*domain.PriorSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByNumber[strings.TrimSpace(number)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePriorSale(sale), nil
}

func (s *Store) FindQuoteByNumber(_ context.Context, number string) (*domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotesByNumber[strings.TrimSpace(number)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *q
	out.Items = slices.Clone(q.Items)
	return &out, nil
}

func (s *Store) MarkQuoteConverted(_ context.Context, quoteID string, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.quotesByNumber {
		if q.ID != quoteID {
			continue
		}
		if q.Status == domain.QuoteStatusConverted {
			return store.ErrInvalidTransaction
		}
		q.Status = domain.QuoteStatusConverted
		return nil
	}
	return store.ErrNotFound
}

// SubmitSale records the sale as a prior sale, so it can be returned against,
// and decrements stock for catalog lines.
func (s *Store) SubmitSale(_ context.Context, sale domain.SaleSubmission) (*domain.SaleReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sale.Lines) == 0 || strings.TrimSpace(sale.WarehouseID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	stock, ok := s.stock[sale.WarehouseID]
	if !ok {
		return nil, fmt.Errorf("warehouse %s unavailable", sale.WarehouseID)
	}

	lines := make([]domain.OriginalSaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		if !line.Quantity.IsPositive() {
			return nil, store.ErrInvalidTransaction
		}
		if !line.Synthesized {
			product, exists := s.products[line.ProductID]
			if !exists {
				return nil, fmt.Errorf("product %s unavailable", line.ProductID)
			}
			key := stockKey(line.ProductID, line.VariantID)
			stock[key] = stock[key].Sub(line.Quantity.Mul(product.UnitFactor(line.Unit)))
		}
		lines = append(lines, domain.OriginalSaleLine{
			ID:               xid.New("sl"),
			ProductID:        line.ProductID,
			VariantID:        line.VariantID,
			Name:             line.Name,
			SKU:              line.SKU,
			Currency:         line.Currency,
			Unit:             line.Unit,
			QuantitySold:     line.Quantity,
			QuantityReturned: decimal.Zero,
			UnitPrice:        line.UnitPrice,
			Discount:         line.Discount,
		})
	}

	s.orderSeq++
	receipt := &domain.SaleReceipt{
		OrderID:     xid.New("so"),
		OrderNumber: fmt.Sprintf("SO-%06d", s.orderSeq),
	}
	s.salesByNumber[receipt.OrderNumber] = &domain.PriorSale{
		ID:          receipt.OrderID,
		Number:      receipt.OrderNumber,
		CustomerID:  sale.CustomerID,
		WarehouseID: sale.WarehouseID,
		Currency:    sale.DueCurrency,
		CreatedAt:   time.Now().UTC(),
		Lines:       lines,
	}
	return receipt, nil
}

// SubmitReturnExchange books the returned quantities against the original
// sale, restocks lines marked for restock and takes exchange items out of
// stock.
func (s *Store) SubmitReturnExchange(_ context.Context, tx domain.ReturnExchangeSubmission) (*domain.ReturnExchangeReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tx.ReturnLines) == 0 && len(tx.ExchangeLines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	var original *domain.PriorSale
	for _, sale := range s.salesByNumber {
		if sale.ID == tx.OriginalSaleID {
			original = sale
			break
		}
	}
	if original == nil {
		return nil, store.ErrNotFound
	}
	stock, ok := s.stock[tx.WarehouseID]
	if !ok {
		return nil, fmt.Errorf("warehouse %s unavailable", tx.WarehouseID)
	}

	byID := make(map[string]int, len(original.Lines))
	for i, line := range original.Lines {
		byID[line.ID] = i
	}
	for _, rl := range tx.ReturnLines {
		idx, ok := byID[rl.OriginalLineID]
		if !ok {
			return nil, store.ErrInvalidTransaction
		}
		if rl.Quantity.GreaterThan(original.Lines[idx].Returnable()) {
			return nil, store.ErrInvalidTransaction
		}
	}

	for _, rl := range tx.ReturnLines {
		idx := byID[rl.OriginalLineID]
		original.Lines[idx].QuantityReturned = original.Lines[idx].QuantityReturned.Add(rl.Quantity)
		if rl.Disposition != domain.DispositionRestock {
			continue
		}
		if product, exists := s.products[rl.ProductID]; exists {
			key := stockKey(rl.ProductID, rl.VariantID)
			stock[key] = stock[key].Add(rl.Quantity.Mul(product.UnitFactor(rl.Unit)))
		}
	}
	for _, line := range tx.ExchangeLines {
		if product, exists := s.products[line.ProductID]; exists {
			key := stockKey(line.ProductID, line.VariantID)
			stock[key] = stock[key].Sub(line.Quantity.Mul(product.UnitFactor(line.Unit)))
		}
	}

	s.returnSeq++
	id := xid.New("rx")
	tx.ReturnLines = slices.Clone(tx.ReturnLines)
	tx.ExchangeLines = slices.Clone(tx.ExchangeLines)
	s.returnsByID[id] = tx

	return &domain.ReturnExchangeReceipt{
		TransactionID: id,
		Number:        fmt.Sprintf("RX-%06d", s.returnSeq),
		Message:       returnMessage(tx),
	}, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func returnMessage(tx domain.ReturnExchangeSubmission) string {
	amount := money.Format(tx.NetAmount.Abs())
	switch tx.Outcome {
	case domain.OutcomeRefund:
		return fmt.Sprintf("refund %s via %s", amount, tx.RefundMethod)
	case domain.OutcomePayment:
		return fmt.Sprintf("collect %s via %s", amount, tx.PaymentMethod)
	default:
		return "even exchange"
	}
}

func stockKey(productID, variantID string) string {
	if variantID == "" {
		return productID
	}
	return productID + "/" + variantID
}

func overrideKey(customerID, productID string) string {
	return customerID + "|" + productID
}

func clonePriorSale(src *domain.PriorSale) *domain.PriorSale {
	out := *src
	out.Lines = slices.Clone(src.Lines)
	return &out
}
