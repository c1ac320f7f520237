package orders

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkax "github.com/oakline/storefront/internal/kafka"
	"github.com/oakline/storefront/internal/money"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	EventOrderCreated   = "CheckoutOrderCreated"
	EventOrderCancelled = "CheckoutOrderCancelled"
	EventOrderExpired   = "CheckoutOrderExpired"
	EventOrderPaid      = "CheckoutOrderPaid"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type EventItem struct {
	ProductID      string      `json:"product_id"`
	Qty            int         `json:"qty"`
	UnitPriceCents money.Cents `json:"unit_price_cents"`
}

type OrderCreatedEvent struct {
	OrderID       string      `json:"order_id"`
	OrderNumber   string      `json:"order_number"`
	UserID        string      `json:"user_id"`
	Items         []EventItem `json:"items"`
	SubtotalCents money.Cents `json:"subtotal_cents"`
	ShippingCents money.Cents `json:"shipping_cents"`
	TotalCents    money.Cents `json:"total_cents"`
}

type OrderCancelledEvent struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"` // e.g. GATEWAY_CREATE_FAILED
}

type OrderExpiredEvent struct {
	OrderID string `json:"order_id"`
}

type OrderPaidEvent struct {
	OrderID       string      `json:"order_id"`
	CaptureID     string      `json:"capture_id"`
	CapturedCents money.Cents `json:"captured_cents"`
	// MismatchCents is nonzero when the gateway-reported amount differed
	// from the stored total beyond tolerance; a reconciliation signal.
	MismatchCents money.Cents `json:"mismatch_cents,omitempty"`
}

// EventSink receives after-commit lifecycle events. Publication is
// advisory; implementations must not block the checkout path.
type EventSink interface {
	Publish(topic string, env Envelope)
}

// NopSink drops events; used in tests and when kafka is not configured.
type NopSink struct{}

func (NopSink) Publish(string, Envelope) {}

// KafkaSink routes envelopes to one async producer per topic.
type KafkaSink struct {
	Producers map[string]*kafkax.Producer
}

func (s *KafkaSink) Publish(topic string, env Envelope) {
	p, ok := s.Producers[topic]
	if !ok {
		return
	}
	p.Publish(PartitionKey(env.CorrelationID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(env.EventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

// NewEnvelope stamps the shared event metadata.
func NewEnvelope(eventType, producer, orderID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
}
