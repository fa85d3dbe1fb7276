package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"settlepos/backend/internal/cache"
	"settlepos/backend/internal/cart"
	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/obs"
	"settlepos/backend/internal/payment"
	"settlepos/backend/internal/returns"
	"settlepos/backend/internal/store"
)

var (
	ErrModeConflict     = errors.New("terminal has another transaction open")
	ErrNoSession        = errors.New("no open transaction for terminal")
	ErrMissingTerminal  = errors.New("terminal id is required")
	ErrMissingWarehouse = errors.New("warehouse is required")
	ErrMissingInvoice   = errors.New("invoice number is required")
	ErrMissingQuote     = errors.New("quote number is required")
	ErrEmptyBasket      = errors.New("basket is empty")
	ErrCustomerRequired = errors.New("customer is required for credit and split payments")
	ErrInvalidTaxRate   = errors.New("tax rate must be between 0 and 100")
	ErrQuoteConverted   = errors.New("quote already converted")
	ErrNotReturnable    = errors.New("quantity exceeds what is still returnable")
	ErrCurrencyMismatch = errors.New("exchange item currency differs from the invoice currency")
	ErrProductUnknown   = errors.New("product not in warehouse catalog")
)

// CollaboratorError reports a failed call to an external collaborator. The
// terminal session is left exactly as it was before the call.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// collaborator wraps a collaborator failure. Lookups that found nothing stay
// plain not-found errors.
func collaborator(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &CollaboratorError{Op: op, Err: err}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Mode string

const (
	ModeSale   Mode = "sale"
	ModeReturn Mode = "return"
)

// Session is the in-progress transaction of one terminal. It is either a sale
// or a return/exchange, never both.
type Session struct {
	mu          sync.Mutex
	closed      bool
	terminalID  string
	mode        Mode
	warehouseID string
	rates       *currency.Table
	pricing     *domain.PricingContext
	fetched     map[string]bool

	cart        *cart.Cart
	allocator   *payment.Allocator
	taxRate     decimal.Decimal
	paymentType string
	cashEntered decimal.Decimal
	quoteID     string

	reconciler *returns.Reconciler
}

func (sess *Session) reset(mode Mode, warehouseID string, rates *currency.Table) {
	sess.mode = mode
	sess.warehouseID = warehouseID
	sess.rates = rates
	sess.pricing = nil
	sess.fetched = make(map[string]bool)
	sess.cart = nil
	sess.allocator = nil
	sess.taxRate = decimal.Zero
	sess.paymentType = domain.PaymentTypeCash
	sess.cashEntered = decimal.Zero
	sess.quoteID = ""
	sess.reconciler = nil
}

// isEmpty reports whether discarding the session loses no basket content.
func (sess *Session) isEmpty() bool {
	switch sess.mode {
	case ModeSale:
		return sess.cart == nil || sess.cart.IsEmpty()
	case ModeReturn:
		return sess.reconciler == nil || sess.reconciler.IsEmpty()
	default:
		return true
	}
}

type Options struct {
	SnapshotTTL time.Duration
	Logger      *zerolog.Logger
	Metrics     *obs.Metrics
}

type Service struct {
	repo      store.Repository
	snapshots cache.SnapshotCache
	ttl       time.Duration
	logger    zerolog.Logger
	metrics   *obs.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(repo store.Repository, snapshots cache.SnapshotCache, opts Options) *Service {
	if snapshots == nil {
		snapshots = cache.NoopSnapshotCache{}
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = 30 * time.Second
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Service{
		repo:      repo,
		snapshots: snapshots,
		ttl:       opts.SnapshotTTL,
		logger:    logger.With().Str("component", "service").Logger(),
		metrics:   opts.Metrics,
		sessions:  make(map[string]*Session),
	}
}

// Cancel discards whatever the terminal has open. It never touches a
// collaborator.
func (s *Service) Cancel(terminalID string) error {
	sess, err := s.lookup(terminalID, false)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}
	defer sess.mu.Unlock()
	s.discard(sess)
	return nil
}

// Mode reports which kind of transaction the terminal has open, if any.
func (s *Service) Mode(terminalID string) (Mode, bool) {
	sess, err := s.lookup(terminalID, false)
	if err != nil {
		return "", false
	}
	defer sess.mu.Unlock()
	return sess.mode, sess.mode != ""
}

// Warm loads the currency and catalog snapshots of a warehouse into the cache.
func (s *Service) Warm(ctx context.Context, warehouseID string) error {
	rates, err := s.currencyTable(ctx)
	if err != nil {
		return err
	}
	catalog, err := s.catalog(ctx, warehouseID)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("warehouse_id", warehouseID).
		Str("base_currency", rates.Base()).
		Int("products", len(catalog)).
		Msg("snapshots warmed")
	return nil
}

// lookup returns the terminal's session with its lock held. With create set an
// idle session is registered when the terminal has none.
func (s *Service) lookup(terminalID string, create bool) (*Session, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil, ErrMissingTerminal
	}
	for {
		s.mu.Lock()
		sess, ok := s.sessions[terminalID]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrNoSession, terminalID)
			}
			sess = &Session{terminalID: terminalID}
			s.sessions[terminalID] = sess
		}
		s.mu.Unlock()

		sess.mu.Lock()
		if !sess.closed {
			return sess, nil
		}
		sess.mu.Unlock()
	}
}

// acquire returns the locked session when it is open in mode.
func (s *Service) acquire(terminalID string, mode Mode) (*Session, error) {
	sess, err := s.lookup(terminalID, false)
	if err != nil {
		return nil, err
	}
	if sess.mode != mode {
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: no %s open on %s", ErrNoSession, mode, sess.terminalID)
	}
	return sess, nil
}

// discard unregisters a session. The caller holds sess.mu.
func (s *Service) discard(sess *Session) {
	sess.closed = true
	s.mu.Lock()
	if s.sessions[sess.terminalID] == sess {
		delete(s.sessions, sess.terminalID)
	}
	s.mu.Unlock()
}

func (s *Service) currencyTable(ctx context.Context) (*currency.Table, error) {
	rates, ok, err := s.snapshots.GetCurrencies(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("currency snapshot read failed")
		ok = false
	}
	if !ok {
		rates, err = s.repo.ListCurrencies(ctx)
		if err != nil {
			return nil, collaborator("list currencies", err)
		}
		if err := s.snapshots.SetCurrencies(ctx, rates, s.ttl); err != nil {
			s.logger.Warn().Err(err).Msg("currency snapshot write failed")
		}
	}

	table, err := currency.NewTable(rates)
	if err != nil {
		return nil, collaborator("list currencies", err)
	}
	return table, nil
}

func (s *Service) catalog(ctx context.Context, warehouseID string) (map[string]domain.Product, error) {
	products, ok, err := s.snapshots.GetCatalog(ctx, warehouseID)
	if err != nil {
		s.logger.Warn().Err(err).Str("warehouse_id", warehouseID).Msg("catalog snapshot read failed")
		ok = false
	}
	if !ok {
		products, err = s.repo.ListProducts(ctx, warehouseID)
		if err != nil {
			return nil, collaborator("list products", err)
		}
		if err := s.snapshots.SetCatalog(ctx, warehouseID, products, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("warehouse_id", warehouseID).Msg("catalog snapshot write failed")
		}
	}

	out := make(map[string]domain.Product, len(products))
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (s *Service) invalidateCatalog(ctx context.Context, warehouseID string) {
	if err := s.snapshots.InvalidateCatalog(ctx, warehouseID); err != nil {
		s.logger.Warn().Err(err).Str("warehouse_id", warehouseID).Msg("catalog snapshot invalidation failed")
	}
}

// resolveItem looks a product up in the warehouse catalog and makes sure the
// session can price it.
func (s *Service) resolveItem(ctx context.Context, sess *Session, productID string) (domain.CatalogItem, error) {
	productID = strings.TrimSpace(productID)
	catalog, err := s.catalog(ctx, sess.warehouseID)
	if err != nil {
		return domain.CatalogItem{}, err
	}
	product, ok := catalog[productID]
	if !ok {
		return domain.CatalogItem{}, fmt.Errorf("%w: %s", ErrProductUnknown, productID)
	}
	if !sess.rates.Has(product.Currency) {
		return domain.CatalogItem{}, fmt.Errorf("%w: %s", currency.ErrUnknownCurrency, product.Currency)
	}
	if err := s.fetchOverrides(ctx, sess.pricing, sess.fetched, []string{productID}); err != nil {
		return domain.CatalogItem{}, err
	}
	return domain.CatalogItem{Product: product}, nil
}

// loadPricing builds the pricing context of a customer with the overrides of
// the given products. An empty id means a walk-in sale at retail prices.
func (s *Service) loadPricing(ctx context.Context, customerID string, productIDs []string) (*domain.PricingContext, map[string]bool, error) {
	fetched := make(map[string]bool)
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fetched, nil
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, nil, collaborator("get customer", err)
	}
	pricing := domain.NewPricingContext(*customer)
	if err := s.fetchOverrides(ctx, pricing, fetched, productIDs); err != nil {
		return nil, nil, err
	}
	return pricing, fetched, nil
}

func (s *Service) fetchOverrides(ctx context.Context, pricing *domain.PricingContext, fetched map[string]bool, productIDs []string) error {
	if pricing == nil {
		return nil
	}
	for _, id := range productIDs {
		if fetched[id] {
			continue
		}
		override, err := s.repo.GetCustomerOverride(ctx, pricing.Customer.ID, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return collaborator("get customer override", err)
		default:
			pricing.Overrides[id] = *override
		}
		fetched[id] = true
	}
	return nil
}

func (s *Service) logSubmission(ctx context.Context, sess *Session, kind string) *zerolog.Event {
	evt := s.logger.Info().
		Str("kind", kind).
		Str("terminal_id", sess.terminalID).
		Str("warehouse_id", sess.warehouseID)
	if actor, ok := ActorFromContext(ctx); ok {
		evt = evt.Str("cashier", actor.Username)
	}
	return evt
}
