package orders

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart               = errors.New("orders: cart is empty")
	ErrOrderNotFound           = errors.New("orders: order not found")
	ErrUnauthorized            = errors.New("orders: order belongs to a different user")
	ErrAlreadyCaptured         = errors.New("orders: order already captured")
	ErrReservationLapsed       = errors.New("orders: reservation expired, order was cancelled")
	ErrInvalidShippingMethod   = errors.New("orders: unknown shipping method")
	errDuplicateIdempotencyKey = errors.New("orders: idempotency key already used")
)

// ProductUnavailableError names the cart line whose product is missing
// or no longer active.
type ProductUnavailableError struct {
	ProductID string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("orders: product %s is unavailable", e.ProductID)
}

// InsufficientStockError names the product the buyer lost the race (or
// simply asked too much) for. Available is the stock seen at check time.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("orders: insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// GatewayError wraps a payment gateway failure. Callers surface a generic
// retry message; the wrapped error carries the detail for logs.
type GatewayError struct {
	Op  string // "create" or "capture"
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("orders: payment gateway %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// RollbackError means the compensating transaction after a gateway
// failure itself failed: stock is still held by a cancelled-in-intent
// order. This must be alerted on, never swallowed.
type RollbackError struct {
	OrderID string
	Err     error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("orders: rollback of order %s failed, reserved stock not released: %v", e.OrderID, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
