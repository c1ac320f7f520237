package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oakline/storefront/internal/money"
)

// Repo owns all SQL touching orders, order_items, cart_items and the
// products stock column. Stock is only ever mutated through the
// conditional decrement in reserveStock and the increment in
// releaseStock, always inside a transaction.
type Repo struct{ DB *pgxpool.Pool }

const orderColumns = `
	id, order_number, user_id, COALESCE(idempotency_key, ''),
	status, payment_status,
	subtotal_cents, shipping_cents, total_cents,
	shipping_method, shipping_name, shipping_address, shipping_city,
	shipping_postal_code, shipping_country,
	reservation_expires_at, COALESCE(paypal_order_id, ''),
	created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.IdempotencyKey,
		&o.Status, &o.PaymentStatus,
		&o.Subtotal, &o.ShippingCost, &o.Total,
		&o.ShippingMethod, &o.Shipping.Name, &o.Shipping.Address, &o.Shipping.City,
		&o.Shipping.PostalCode, &o.Shipping.Country,
		&o.ReservationExpiresAt, &o.PayPalOrderID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// FindByIdempotencyKey returns (nil, nil) when no order carries the pair;
// key uniqueness is scoped per user.
func (r *Repo) FindByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id=$1 AND idempotency_key=$2`,
		userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (r *Repo) FindByPayPalOrderID(ctx context.Context, paypalOrderID string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE paypal_order_id=$1`, paypalOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// CreateRequest carries the caller-supplied half of a new order; prices
// and stock come from live product rows inside the transaction.
type CreateRequest struct {
	UserID         string
	Shipping       ShippingInfo
	Method         ShippingMethod
	IdempotencyKey string
}

// ReserveAndCreate runs the whole reservation phase in one transaction:
// load the cart, validate products, conditionally decrement stock per
// line, snapshot prices, insert the order and its items. Any failure
// rolls the entire transaction back, so no partial reservation survives.
func (r *Repo) ReserveAndCreate(ctx context.Context, req CreateRequest, shippingCost money.Cents, expiresAt time.Time) (*Order, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lines, err := loadCart(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	products, err := loadProducts(ctx, tx, lines)
	if err != nil {
		return nil, err
	}

	// Pre-check every line before touching stock, so a request that can
	// never succeed fails without burning decrements. The decrement below
	// still re-checks atomically; this check is only for a clean error.
	demand := map[string]int{}
	for _, l := range lines {
		demand[l.ProductID] += l.Qty
	}
	for pid, qty := range demand {
		p, ok := products[pid]
		if !ok || !p.IsActive {
			return nil, &ProductUnavailableError{ProductID: pid}
		}
		if qty > p.Stock {
			return nil, &InsufficientStockError{ProductID: pid, Requested: qty, Available: p.Stock}
		}
	}

	// Decrement in sorted id order so two multi-line orders can never
	// deadlock on each other's row locks.
	pids := make([]string, 0, len(demand))
	for pid := range demand {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	for _, pid := range pids {
		qty := demand[pid]
		if err := reserveStock(ctx, tx, pid, qty); err != nil {
			var ise *InsufficientStockError
			if errors.As(err, &ise) {
				ise.Available = products[pid].Stock
			}
			return nil, err
		}
	}

	now := time.Now().UTC()
	order := &Order{
		ID:                   uuid.NewString(),
		OrderNumber:          NewOrderNumber(now),
		UserID:               req.UserID,
		IdempotencyKey:       req.IdempotencyKey,
		Status:               StatusPending,
		PaymentStatus:        PaymentPending,
		ShippingCost:         shippingCost,
		ShippingMethod:       req.Method,
		Shipping:             req.Shipping,
		ReservationExpiresAt: &expiresAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, l := range lines {
		p := products[l.ProductID]
		order.Items = append(order.Items, OrderItem{
			ProductID:   l.ProductID,
			ProductName: p.Name,
			Color:       l.Color,
			Size:        l.Size,
			UnitPrice:   p.Price,
			Qty:         l.Qty,
		})
		order.Subtotal += p.Price.Mul(l.Qty)
	}
	order.Total = order.Subtotal.Add(order.ShippingCost)

	var idemKey *string
	if req.IdempotencyKey != "" {
		idemKey = &req.IdempotencyKey
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, idempotency_key,
			status, payment_status,
			subtotal_cents, shipping_cents, total_cents,
			shipping_method, shipping_name, shipping_address, shipping_city,
			shipping_postal_code, shipping_country,
			reservation_expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		order.ID, order.OrderNumber, order.UserID, idemKey,
		order.Status, order.PaymentStatus,
		order.Subtotal, order.ShippingCost, order.Total,
		order.ShippingMethod, order.Shipping.Name, order.Shipping.Address, order.Shipping.City,
		order.Shipping.PostalCode, order.Shipping.Country,
		expiresAt, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errDuplicateIdempotencyKey
		}
		return nil, err
	}

	for _, it := range order.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, color, size, unit_price_cents, qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			uuid.NewString(), order.ID, it.ProductID, it.ProductName, it.Color, it.Size, it.UnitPrice, it.Qty,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

// SetPayPalOrderID persists the gateway reference once creation succeeds.
func (r *Repo) SetPayPalOrderID(ctx context.Context, orderID, paypalOrderID string) error {
	ct, err := r.DB.Exec(ctx,
		`UPDATE orders SET paypal_order_id=$2, updated_at=now() WHERE id=$1`,
		orderID, paypalOrderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CancelAndRelease is the compensating transaction shared by gateway
// rollback (reason=failed) and expiry sweep (reason=expired). The status
// flip is guarded on pending/pending so a second call finds zero rows
// and releases nothing; stock for one reservation is returned at most
// once. The idempotency key is released along with the stock, so a buyer
// retrying after "payment failed" gets a fresh reservation instead of a
// replay of the dead order.
func (r *Repo) CancelAndRelease(ctx context.Context, orderID string, reason PaymentStatus) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders
		SET status=$2, payment_status=$3, reservation_expires_at=NULL,
		    idempotency_key=NULL, updated_at=now()
		WHERE id=$1 AND status=$4 AND payment_status=$5`,
		orderID, StatusCancelled, reason, StatusPending, PaymentPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// Already terminal; nothing reserved anymore.
		return nil
	}

	rows, err := tx.Query(ctx,
		`SELECT product_id, qty FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return err
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, x := range recs {
		if err := releaseStock(ctx, tx, x.pid, x.qty); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// FinalizeCapture flips the order to confirmed/paid and consumes the
// buyer's cart, in one transaction. The guard on payment_status=pending
// makes a concurrent double capture a clean ErrAlreadyCaptured.
func (r *Repo) FinalizeCapture(ctx context.Context, orderID, userID string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE orders
		SET status=$2, payment_status=$3, reservation_expires_at=NULL, updated_at=now()
		WHERE id=$1 AND payment_status=$4`,
		orderID, StatusConfirmed, PaymentPaid, PaymentPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrAlreadyCaptured
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindExpired returns up to limit order ids whose reservation has lapsed
// while still pending/pending.
func (r *Repo) FindExpired(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status=$1 AND payment_status=$2 AND reservation_expires_at < now()
		ORDER BY reservation_expires_at
		LIMIT $3`,
		StatusPending, PaymentPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetStatus serves the order status read path.
func (r *Repo) GetStatus(ctx context.Context, orderID string) (Status, PaymentStatus, error) {
	var s Status
	var ps PaymentStatus
	err := r.DB.QueryRow(ctx,
		`SELECT status, payment_status FROM orders WHERE id=$1`, orderID).Scan(&s, &ps)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrOrderNotFound
	}
	return s, ps, err
}

// --- transaction-scoped helpers ---

func loadCart(ctx context.Context, tx pgx.Tx, userID string) ([]CartLine, error) {
	rows, err := tx.Query(ctx, `
		SELECT product_id, color, size, qty FROM cart_items WHERE user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []CartLine
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ProductID, &l.Color, &l.Size, &l.Qty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

type productRow struct {
	Name     string
	Price    money.Cents
	Stock    int
	IsActive bool
}

func loadProducts(ctx context.Context, tx pgx.Tx, lines []CartLine) (map[string]productRow, error) {
	ids := make([]string, 0, len(lines))
	seen := map[string]bool{}
	for _, l := range lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			ids = append(ids, l.ProductID)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT id, name, price_cents, stock, is_active FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]productRow{}
	for rows.Next() {
		var id string
		var p productRow
		if err := rows.Scan(&id, &p.Name, &p.Price, &p.Stock, &p.IsActive); err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, rows.Err()
}

// reserveStock is the atomic compare-and-decrement: the WHERE clause
// re-checks availability at update time, so a concurrent buyer who got
// there first leaves this update with zero rows affected.
func reserveStock(ctx context.Context, tx pgx.Tx, productID string, qty int) error {
	ct, err := tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`,
		productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return &InsufficientStockError{ProductID: productID, Requested: qty}
	}
	return nil
}

// releaseStock is the unconditional increment used by rollback and the
// expiry sweep.
func releaseStock(ctx context.Context, tx pgx.Tx, productID string, qty int) error {
	if _, err := tx.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`,
		productID, qty); err != nil {
		return fmt.Errorf("release stock for product %s: %w", productID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
