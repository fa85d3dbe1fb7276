package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/money"
	"settlepos/backend/internal/store"
	"settlepos/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and sequences.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) ListProducts(ctx context.Context, warehouseID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name, p.retail_price, p.wholesale_price, p.cost_price,
			p.box_retail_price, p.box_wholesale_price, p.box_cost_price,
			p.currency, p.base_unit, p.second_unit, p.unit_ratio, COALESCE(ws.qty, 0)
		FROM products p
		LEFT JOIN warehouse_stocks ws
			ON ws.product_id = p.id AND ws.warehouse_id = $1 AND ws.variant_id = ''
		WHERE p.active = true
		ORDER BY p.name
	`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	index := make(map[string]int, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(
			&p.ID, &p.SKU, &p.Name, &p.RetailPrice, &p.WholesalePrice, &p.CostPrice,
			&p.BoxRetailPrice, &p.BoxWholesalePrice, &p.BoxCostPrice,
			&p.Currency, &p.BaseUnit, &p.SecondUnit, &p.UnitRatio, &p.AvailableQty,
		); err != nil {
			return nil, err
		}
		index[p.ID] = len(products)
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	variantRows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.product_id, v.name, v.sku, v.retail_price, v.wholesale_price, ws.qty
		FROM product_variants v
		LEFT JOIN warehouse_stocks ws
			ON ws.product_id = v.product_id AND ws.variant_id = v.id AND ws.warehouse_id = $1
		ORDER BY v.product_id, v.name
	`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer variantRows.Close()

	for variantRows.Next() {
		var v domain.ProductVariant
		var productID string
		if err := variantRows.Scan(&v.ID, &productID, &v.Name, &v.SKU, &v.RetailPrice, &v.WholesalePrice, &v.AvailableQty); err != nil {
			return nil, err
		}
		if i, ok := index[productID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	if err := variantRows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetCustomerOverride(ctx context.Context, customerID string, productID string) (*domain.CustomerPriceOverride, error) {
	o := domain.CustomerPriceOverride{CustomerID: customerID, ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT base_price, second_price
		FROM customer_prices
		WHERE customer_id = $1 AND product_id = $2
	`, customerID, productID).Scan(&o.BasePrice, &o.SecondPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, balance
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.Type, &c.Balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCurrencies(ctx context.Context) ([]domain.CurrencyRate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, rate, is_base, active
		FROM currencies
		ORDER BY is_base DESC, code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rates := make([]domain.CurrencyRate, 0, 8)
	for rows.Next() {
		var r domain.CurrencyRate
		if err := rows.Scan(&r.Code, &r.Rate, &r.IsBase, &r.Active); err != nil {
			return nil, err
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rates, nil
}

func (s *Store) FindSaleByNumber(ctx context.Context, number string) (*domain.PriorSale, error) {
	var sale domain.PriorSale
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, customer_id, warehouse_id, due_currency, created_at
		FROM sales
		WHERE number = $1
	`, strings.TrimSpace(number)).Scan(&sale.ID, &sale.Number, &customerID, &sale.WarehouseID, &sale.Currency, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CustomerID = customerID.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, variant_id, name, sku, currency, unit, quantity, quantity_returned, unit_price, discount
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY position
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OriginalSaleLine
		if err := rows.Scan(
			&line.ID, &line.ProductID, &line.VariantID, &line.Name, &line.SKU, &line.Currency, &line.Unit,
			&line.QuantitySold, &line.QuantityReturned, &line.UnitPrice, &line.Discount,
		); err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) FindQuoteByNumber(ctx context.Context, number string) (*domain.Quote, error) {
	var q domain.Quote
	var customerID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, customer_id, status
		FROM quotes
		WHERE number = $1
	`, strings.TrimSpace(number)).Scan(&q.ID, &q.Number, &customerID, &q.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	q.CustomerID = customerID.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, sku, quantity, unit_price, discount
		FROM quote_items
		WHERE quote_id = $1
		ORDER BY position
	`, q.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.QuoteItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.SKU, &it.Quantity, &it.UnitPrice, &it.Discount); err != nil {
			return nil, err
		}
		q.Items = append(q.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) MarkQuoteConverted(ctx context.Context, quoteID string, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quotes
		SET status = $2, order_id = $3, converted_at = now()
		WHERE id = $1 AND status <> $2
	`, quoteID, domain.QuoteStatusConverted, orderID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM quotes WHERE id = $1`, quoteID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrInvalidTransaction
	}
	return nil
}

// SubmitSale persists the sale with its lines and payments and takes catalog
// lines out of warehouse stock in one serializable transaction.
func (s *Store) SubmitSale(ctx context.Context, sale domain.SaleSubmission) (*domain.SaleReceipt, error) {
	if len(sale.Lines) == 0 || strings.TrimSpace(sale.WarehouseID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	for _, line := range sale.Lines {
		if !line.Quantity.IsPositive() {
			return nil, store.ErrInvalidTransaction
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var seq int64
	if err := pgTx.QueryRowContext(ctx, `SELECT nextval('sale_number_seq')`).Scan(&seq); err != nil {
		return nil, err
	}
	receipt := &domain.SaleReceipt{
		OrderID:     xid.New("so"),
		OrderNumber: fmt.Sprintf("SO-%06d", seq),
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, number, terminal_id, warehouse_id, customer_id, quote_id, payment_type,
			base_currency, due_currency, subtotal_amount, discount_amount, tax_amount,
			total_amount, paid_amount, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
	`,
		receipt.OrderID, receipt.OrderNumber, sale.TerminalID, sale.WarehouseID,
		nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.QuoteID), sale.PaymentType,
		sale.BaseCurrency, sale.DueCurrency, sale.SubtotalAmount, sale.DiscountAmount,
		sale.TaxAmount, sale.TotalAmount, sale.PaidAmount,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	factors, err := unitRatios(ctx, pgTx, saleProductIDs(sale.Lines))
	if err != nil {
		return nil, err
	}

	for i, line := range sale.Lines {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				id, sale_id, position, product_id, variant_id, name, sku, currency, unit,
				quantity, unit_price, is_special, discount, synthesized
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`,
			xid.New("sl"), receipt.OrderID, i, line.ProductID, line.VariantID, line.Name, line.SKU,
			line.Currency, string(line.Unit), line.Quantity, line.UnitPrice, line.IsSpecial,
			line.Discount, line.Synthesized,
		); err != nil {
			return nil, err
		}
		if line.Synthesized {
			continue
		}
		ratio, ok := factors[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s unavailable", line.ProductID)
		}
		qty := line.Quantity
		if line.Unit == domain.UnitSecond && ratio.IsPositive() {
			qty = qty.Mul(ratio)
		}
		if err := adjustStock(ctx, pgTx, sale.WarehouseID, line.ProductID, line.VariantID, qty.Neg()); err != nil {
			return nil, err
		}
	}

	for _, p := range sale.Payments {
		if !p.Selected {
			continue
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_payments (sale_id, currency, amount)
			VALUES ($1, $2, $3)
		`, receipt.OrderID, p.Currency, p.Amount); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return receipt, nil
}

// SubmitReturnExchange books returned quantities against the original sale
// lines, restocks lines marked for restock and records the exchange items.
func (s *Store) SubmitReturnExchange(ctx context.Context, tx domain.ReturnExchangeSubmission) (*domain.ReturnExchangeReceipt, error) {
	if len(tx.ReturnLines) == 0 && len(tx.ExchangeLines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var seq int64
	if err := pgTx.QueryRowContext(ctx, `SELECT nextval('return_number_seq')`).Scan(&seq); err != nil {
		return nil, err
	}
	receipt := &domain.ReturnExchangeReceipt{
		TransactionID: xid.New("rx"),
		Number:        fmt.Sprintf("RX-%06d", seq),
	}

	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO return_exchanges (
			id, number, terminal_id, warehouse_id, original_sale_id, customer_id,
			refund_method, payment_method, return_total, exchange_total, net_amount, outcome, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
	`,
		receipt.TransactionID, receipt.Number, tx.TerminalID, tx.WarehouseID, tx.OriginalSaleID,
		nullIfEmpty(tx.CustomerID), nullIfEmpty(tx.RefundMethod), nullIfEmpty(tx.PaymentMethod),
		tx.ReturnTotal, tx.ExchangeTotal, tx.NetAmount, tx.Outcome,
	); err != nil {
		return nil, err
	}

	productIDs := make([]string, 0, len(tx.ReturnLines)+len(tx.ExchangeLines))
	for _, rl := range tx.ReturnLines {
		productIDs = append(productIDs, rl.ProductID)
	}
	productIDs = append(productIDs, saleProductIDs(tx.ExchangeLines)...)
	factors, err := unitRatios(ctx, pgTx, productIDs)
	if err != nil {
		return nil, err
	}

	for _, rl := range tx.ReturnLines {
		var sold, returned decimal.Decimal
		err := pgTx.QueryRowContext(ctx, `
			SELECT quantity, quantity_returned
			FROM sale_lines
			WHERE id = $1 AND sale_id = $2
			FOR UPDATE
		`, rl.OriginalLineID, tx.OriginalSaleID).Scan(&sold, &returned)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
		if rl.Quantity.GreaterThan(sold.Sub(returned)) {
			return nil, store.ErrInvalidTransaction
		}

		if _, err := pgTx.ExecContext(ctx, `
			UPDATE sale_lines
			SET quantity_returned = quantity_returned + $2
			WHERE id = $1
		`, rl.OriginalLineID, rl.Quantity); err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO return_lines (
				return_id, original_line_id, product_id, variant_id, unit, quantity,
				effective_price, currency, reason, condition, disposition
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			receipt.TransactionID, rl.OriginalLineID, rl.ProductID, rl.VariantID, string(rl.Unit),
			rl.Quantity, rl.EffectivePrice, rl.Currency, string(rl.Reason), string(rl.Condition), string(rl.Disposition),
		); err != nil {
			return nil, err
		}

		if rl.Disposition != domain.DispositionRestock {
			continue
		}
		ratio, ok := factors[rl.ProductID]
		if !ok {
			continue
		}
		qty := rl.Quantity
		if rl.Unit == domain.UnitSecond && ratio.IsPositive() {
			qty = qty.Mul(ratio)
		}
		if err := adjustStock(ctx, pgTx, tx.WarehouseID, rl.ProductID, rl.VariantID, qty); err != nil {
			return nil, err
		}
	}

	for i, line := range tx.ExchangeLines {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO exchange_lines (
				return_id, position, product_id, variant_id, name, sku, currency, unit,
				quantity, unit_price, discount
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			receipt.TransactionID, i, line.ProductID, line.VariantID, line.Name, line.SKU,
			line.Currency, string(line.Unit), line.Quantity, line.UnitPrice, line.Discount,
		); err != nil {
			return nil, err
		}
		ratio, ok := factors[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s unavailable", line.ProductID)
		}
		qty := line.Quantity
		if line.Unit == domain.UnitSecond && ratio.IsPositive() {
			qty = qty.Mul(ratio)
		}
		if err := adjustStock(ctx, pgTx, tx.WarehouseID, line.ProductID, line.VariantID, qty.Neg()); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	receipt.Message = returnMessage(tx)
	return receipt, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func adjustStock(ctx context.Context, tx *sql.Tx, warehouseID, productID, variantID string, delta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO warehouse_stocks (warehouse_id, product_id, variant_id, qty, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (warehouse_id, product_id, variant_id)
		DO UPDATE SET qty = warehouse_stocks.qty + EXCLUDED.qty, updated_at = now()
	`, warehouseID, productID, variantID, delta)
	return err
}

// unitRatios loads the second-unit ratio of every catalog product in ids.
func unitRatios(ctx context.Context, tx *sql.Tx, ids []string) (map[string]decimal.Decimal, error) {
	ids = uniqueIDs(ids)
	out := make(map[string]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, unit_ratio
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ratio decimal.Decimal
		if err := rows.Scan(&id, &ratio); err != nil {
			return nil, err
		}
		out[id] = ratio
	}
	return out, rows.Err()
}

func saleProductIDs(lines []domain.SaleLine) []string {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Synthesized {
			continue
		}
		ids = append(ids, line.ProductID)
	}
	return ids
}

func uniqueIDs(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
