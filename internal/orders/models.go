package orders

import (
	"time"

	"github.com/oakline/storefront/internal/money"
)

type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
)

// ShippingInfo is snapshotted onto the order at creation time.
type ShippingInfo struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// CartLine is one line of the buyer's cart as the workflow consumes it.
// The cart itself is owned elsewhere; order creation only reads it and
// capture clears it.
type CartLine struct {
	ProductID string
	Color     string
	Size      string
	Qty       int
}

type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	// IdempotencyKey is empty when the client supplied none.
	IdempotencyKey string

	Status        Status
	PaymentStatus PaymentStatus

	Subtotal     money.Cents
	ShippingCost money.Cents
	Total        money.Cents

	ShippingMethod ShippingMethod
	Shipping       ShippingInfo

	// ReservationExpiresAt is non-nil exactly while the order is
	// pending/pending and its stock is held.
	ReservationExpiresAt *time.Time

	// PayPalOrderID is set once the gateway accepts order creation.
	PayPalOrderID string

	Items []OrderItem

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem is an immutable snapshot of name and unit price taken at
// reservation time. Later product edits never alter historical orders.
type OrderItem struct {
	ProductID   string
	ProductName string
	Color       string
	Size        string
	UnitPrice   money.Cents
	Qty         int
}

// Summary is the externally visible result of order creation.
type Summary struct {
	OrderID       string      `json:"order_id"`
	OrderNumber   string      `json:"order_number"`
	PayPalOrderID string      `json:"paypal_order_id"`
	Subtotal      money.Cents `json:"subtotal_cents"`
	ShippingCost  money.Cents `json:"shipping_cents"`
	Total         money.Cents `json:"total_cents"`
}

func (o *Order) Summary() *Summary {
	return &Summary{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		PayPalOrderID: o.PayPalOrderID,
		Subtotal:      o.Subtotal,
		ShippingCost:  o.ShippingCost,
		Total:         o.Total,
	}
}

// CaptureResult is returned to the caller after a successful capture.
type CaptureResult struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CaptureID     string        `json:"capture_id"`
	Captured      money.Cents   `json:"captured_cents"`
	Currency      string        `json:"currency"`
	PayerEmail    string        `json:"payer_email,omitempty"`
}
