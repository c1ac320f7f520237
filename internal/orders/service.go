package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oakline/storefront/internal/money"
	"github.com/oakline/storefront/internal/redisx"
)

// Store is the persistence surface the workflows run against. The pgx
// Repo implements it; tests swap an in-memory fake.
type Store interface {
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Order, error)
	ReserveAndCreate(ctx context.Context, req CreateRequest, shippingCost money.Cents, expiresAt time.Time) (*Order, error)
	SetPayPalOrderID(ctx context.Context, orderID, paypalOrderID string) error
	CancelAndRelease(ctx context.Context, orderID string, reason PaymentStatus) error
	FindByPayPalOrderID(ctx context.Context, paypalOrderID string) (*Order, error)
	FinalizeCapture(ctx context.Context, orderID, userID string) error
	FindExpired(ctx context.Context, limit int) ([]string, error)
	GetStatus(ctx context.Context, orderID string) (Status, PaymentStatus, error)
}

// GatewayOrder is the gateway's handle for a freshly minted payment order.
type GatewayOrder struct {
	ID     string
	Status string
}

// GatewayCapture reports a completed capture. Amount stays a decimal
// string exactly as the gateway sent it; conversion to cents happens at
// the reconciliation point.
type GatewayCapture struct {
	CaptureID  string
	Status     string
	Amount     string
	Currency   string
	PayerEmail string
}

// Gateway is the external payment processor.
type Gateway interface {
	CreateOrder(ctx context.Context, amount money.Cents, currency string) (GatewayOrder, error)
	CaptureOrder(ctx context.Context, gatewayOrderID string) (GatewayCapture, error)
}

// amountTolerance is how far the captured amount may drift from the
// stored total before the mismatch diagnostic fires.
const amountTolerance money.Cents = 1

type ServiceConfig struct {
	ServiceName      string
	Currency         string
	ShippingStandard money.Cents
	ShippingExpress  money.Cents
	ReservationTTL   time.Duration
	SweepBatch       int
	GatewayTimeout   time.Duration
}

// Service orchestrates the order and capture workflows. Stock checks and
// mutations happen in the Store's transactions; gateway calls happen
// strictly outside them.
type Service struct {
	store   Store
	gateway Gateway
	sink    EventSink
	rdb     *redis.Client // optional fast-path caches; nil is fine
	log     *zap.Logger
	cfg     ServiceConfig
}

func NewService(store Store, gateway Gateway, sink EventSink, rdb *redis.Client, log *zap.Logger, cfg ServiceConfig) *Service {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 10
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 15 * time.Minute
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	return &Service{store: store, gateway: gateway, sink: sink, rdb: rdb, log: log, cfg: cfg}
}

func (s *Service) shippingCost(m ShippingMethod) (money.Cents, error) {
	switch m {
	case ShippingStandard:
		return s.cfg.ShippingStandard, nil
	case ShippingExpress:
		return s.cfg.ShippingExpress, nil
	default:
		return 0, ErrInvalidShippingMethod
	}
}

// CreateOrder runs the reservation workflow: sweep, idempotency
// short-circuit, transactional reserve+create, then the gateway call with
// a compensating rollback on failure.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*Summary, error) {
	s.SweepExpired(ctx)

	if req.IdempotencyKey != "" {
		if cached := s.cachedSummary(ctx, req.UserID, req.IdempotencyKey); cached != nil {
			s.log.Info("idempotent replay served from cache",
				zap.String("order_id", cached.OrderID),
				zap.String("idempotency_key", req.IdempotencyKey))
			return cached, nil
		}
		if existing, err := s.store.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		} else if existing != nil {
			s.log.Info("idempotent replay, returning existing order",
				zap.String("order_id", existing.ID),
				zap.String("idempotency_key", req.IdempotencyKey))
			return existing.Summary(), nil
		}
	}

	shippingCost, err := s.shippingCost(req.Method)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().UTC().Add(s.cfg.ReservationTTL)

	order, err := s.store.ReserveAndCreate(ctx, req, shippingCost, expiresAt)
	if req.IdempotencyKey != "" && errors.Is(err, errDuplicateIdempotencyKey) {
		// Lost a race against a concurrent retry with the same key; the
		// winner's order is the one to return.
		existing, ferr := s.store.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if ferr != nil || existing == nil {
			return nil, fmt.Errorf("idempotency re-fetch: %w", ferr)
		}
		return existing.Summary(), nil
	}
	if err != nil {
		return nil, err
	}

	s.publishCreated(order)
	s.cacheStatus(ctx, order.ID, order.Status, order.PaymentStatus)

	// Gateway call happens outside any DB transaction and is bounded; a
	// timeout is treated exactly like a gateway failure.
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	gw, err := s.gateway.CreateOrder(gctx, order.Total, s.cfg.Currency)
	cancel()
	if err != nil {
		return nil, s.rollback(ctx, order, &GatewayError{Op: "create", Err: err})
	}

	if err := s.store.SetPayPalOrderID(ctx, order.ID, gw.ID); err != nil {
		// The gateway order exists but we failed to record its reference;
		// without it capture can never find this order, so release the
		// stock now instead of waiting for the sweep.
		return nil, s.rollback(ctx, order, fmt.Errorf("persist gateway reference: %w", err))
	}
	order.PayPalOrderID = gw.ID

	summary := order.Summary()
	if req.IdempotencyKey != "" {
		s.cacheSummary(ctx, req.UserID, req.IdempotencyKey, summary)
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("paypal_order_id", gw.ID),
		zap.Int64("total_cents", int64(order.Total)))

	return summary, nil
}

// rollback is the mandatory compensating transaction after a gateway
// failure. Its own failure is the one condition this core must never
// swallow: the stock-release obligation would be lost.
func (s *Service) rollback(ctx context.Context, order *Order, cause error) error {
	if err := s.store.CancelAndRelease(ctx, order.ID, PaymentFailed); err != nil {
		s.log.Error("ALERT: rollback failed, reserved stock not released",
			zap.String("order_id", order.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return &RollbackError{OrderID: order.ID, Err: err}
	}

	s.log.Warn("order rolled back after gateway failure",
		zap.String("order_id", order.ID),
		zap.Error(cause))
	s.sink.Publish(TopicOrderCancelled, NewEnvelope(EventOrderCancelled, s.cfg.ServiceName, order.ID,
		OrderCancelledEvent{OrderID: order.ID, Reason: "GATEWAY_CREATE_FAILED"}))
	s.cacheStatus(ctx, order.ID, StatusCancelled, PaymentFailed)
	return cause
}

// CaptureOrder finalizes payment for an order the buyer approved at the
// gateway. Ownership is re-checked here, never trusted from the client.
func (s *Service) CaptureOrder(ctx context.Context, userID, paypalOrderID string) (*CaptureResult, error) {
	s.SweepExpired(ctx)

	order, err := s.store.FindByPayPalOrderID(ctx, paypalOrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrUnauthorized
	}
	if order.PaymentStatus == PaymentPaid {
		return nil, ErrAlreadyCaptured
	}
	if !CanTransition(order.Status, StatusConfirmed) || !CanTransitionPayment(order.PaymentStatus, PaymentPaid) {
		// Cancelled by rollback or the sweep; its stock is already back
		// on the shelf, so this payment order must not be captured.
		return nil, ErrReservationLapsed
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	gc, err := s.gateway.CaptureOrder(gctx, paypalOrderID)
	cancel()
	if err != nil {
		// No rollback: the reservation stands so the buyer can retry
		// until the TTL lapses and the sweep reclaims it.
		return nil, &GatewayError{Op: "capture", Err: err}
	}

	captured, mismatch := s.reconcileAmount(order, gc)

	if err := s.store.FinalizeCapture(ctx, order.ID, order.UserID); err != nil {
		if errors.Is(err, ErrAlreadyCaptured) {
			// The guard also misses when the sweep cancelled the order
			// while the gateway call was in flight: money moved but no
			// order was confirmed. Reconciliation must hear about that.
			if st, ps, serr := s.store.GetStatus(ctx, order.ID); serr == nil && ps != PaymentPaid {
				s.log.Error("ALERT: reservation expired during capture, gateway capture has no confirmed order",
					zap.String("order_id", order.ID),
					zap.String("capture_id", gc.CaptureID),
					zap.String("status", string(st)),
					zap.String("payment_status", string(ps)))
				return nil, ErrReservationLapsed
			}
			return nil, err
		}
		// Money moved at the gateway but our state did not; surface loudly
		// so reconciliation can pick it up.
		s.log.Error("ALERT: capture finalization failed after successful gateway capture",
			zap.String("order_id", order.ID),
			zap.String("capture_id", gc.CaptureID),
			zap.Error(err))
		return nil, fmt.Errorf("finalize capture of order %s: %w", order.ID, err)
	}

	s.sink.Publish(TopicOrderPaid, NewEnvelope(EventOrderPaid, s.cfg.ServiceName, order.ID,
		OrderPaidEvent{OrderID: order.ID, CaptureID: gc.CaptureID, CapturedCents: captured, MismatchCents: mismatch}))
	s.cacheStatus(ctx, order.ID, StatusConfirmed, PaymentPaid)

	s.log.Info("order captured",
		zap.String("order_id", order.ID),
		zap.String("capture_id", gc.CaptureID),
		zap.Int64("captured_cents", int64(captured)))

	return &CaptureResult{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        StatusConfirmed,
		PaymentStatus: PaymentPaid,
		CaptureID:     gc.CaptureID,
		Captured:      captured,
		Currency:      gc.Currency,
		PayerEmail:    gc.PayerEmail,
	}, nil
}

// reconcileAmount compares what the gateway says it captured against the
// stored total. A mismatch beyond tolerance is logged loudly but never
// blocks finalization: the payment already happened, stranding the buyer
// helps nobody.
func (s *Service) reconcileAmount(order *Order, gc GatewayCapture) (captured, mismatch money.Cents) {
	captured, err := money.ParseDecimal(gc.Amount)
	if err != nil {
		s.log.Error("ALERT: unparseable captured amount",
			zap.String("order_id", order.ID),
			zap.String("amount", gc.Amount),
			zap.Error(err))
		return order.Total, 0
	}
	if d := money.Diff(captured, order.Total); d > amountTolerance {
		mismatch = d
		s.log.Error("ALERT: captured amount does not match order total",
			zap.String("order_id", order.ID),
			zap.Int64("expected_cents", int64(order.Total)),
			zap.Int64("captured_cents", int64(captured)),
			zap.Int64("diff_cents", int64(d)))
	}
	return captured, mismatch
}

// SweepExpired reclaims stock from lapsed reservations. It is invoked at
// the top of every stock-sensitive entry point instead of from a
// scheduler, is bounded per call, and never fails the caller: each
// order's cleanup is its own transaction and failures only log.
func (s *Service) SweepExpired(ctx context.Context) int {
	ids, err := s.store.FindExpired(ctx, s.cfg.SweepBatch)
	if err != nil {
		s.log.Warn("expiry sweep query failed", zap.Error(err))
		return 0
	}

	swept := 0
	for _, id := range ids {
		if err := s.store.CancelAndRelease(ctx, id, PaymentExpired); err != nil {
			s.log.Warn("expiry sweep failed for order",
				zap.String("order_id", id),
				zap.Error(err))
			continue
		}
		swept++
		s.sink.Publish(TopicOrderExpired, NewEnvelope(EventOrderExpired, s.cfg.ServiceName, id,
			OrderExpiredEvent{OrderID: id}))
		s.cacheStatus(ctx, id, StatusCancelled, PaymentExpired)
	}
	if swept > 0 {
		s.log.Info("expired reservations reclaimed", zap.Int("count", swept))
	}
	return swept
}

func (s *Service) publishCreated(order *Order) {
	items := make([]EventItem, 0, len(order.Items))
	for _, it := range order.Items {
		items = append(items, EventItem{ProductID: it.ProductID, Qty: it.Qty, UnitPriceCents: it.UnitPrice})
	}
	s.sink.Publish(TopicOrderCreated, NewEnvelope(EventOrderCreated, s.cfg.ServiceName, order.ID,
		OrderCreatedEvent{
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			UserID:        order.UserID,
			Items:         items,
			SubtotalCents: order.Subtotal,
			ShippingCents: order.ShippingCost,
			TotalCents:    order.Total,
		}))
}

// cachedSummary is the redis fast path in front of the DB idempotency
// lookup. Only fully created orders ever reach the cache, so a hit is
// always safe to replay.
func (s *Service) cachedSummary(ctx context.Context, userID, key string) *Summary {
	if s.rdb == nil {
		return nil
	}
	raw, err := s.rdb.Get(ctx, fmt.Sprintf(redisx.KeyIdemCheckout, userID, key)).Result()
	if err != nil || raw == "" {
		return nil
	}
	var sum Summary
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return nil
	}
	return &sum
}

func (s *Service) cacheSummary(ctx context.Context, userID, key string, sum *Summary) {
	if s.rdb == nil {
		return
	}
	b, err := json.Marshal(sum)
	if err != nil {
		return
	}
	_ = s.rdb.Set(ctx, fmt.Sprintf(redisx.KeyIdemCheckout, userID, key), b, redisx.TTLIdempotency).Err()
}

func (s *Service) cacheStatus(ctx context.Context, orderID string, st Status, ps PaymentStatus) {
	if s.rdb == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	val := fmt.Sprintf(`{"status":%q,"payment_status":%q}`, st, ps)
	_ = s.rdb.Set(ctx, key, val, redisx.TTLStatusCache).Err()
}
