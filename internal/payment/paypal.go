// Package payment adapts the PayPal REST v2 API to the orders.Gateway
// interface. All amounts cross this boundary as integer cents and are
// rendered to the gateway's decimal strings at the edge.
package payment

import (
	"context"
	"fmt"

	"github.com/plutov/paypal/v4"

	"github.com/oakline/storefront/internal/money"
	"github.com/oakline/storefront/internal/orders"
)

type PayPal struct {
	client *paypal.Client
}

// NewPayPal builds the client and fetches an initial access token; the
// underlying client refreshes it as needed.
func NewPayPal(ctx context.Context, clientID, secret string, live bool) (*PayPal, error) {
	base := paypal.APIBaseSandBox
	if live {
		base = paypal.APIBaseLive
	}
	c, err := paypal.NewClient(clientID, secret, base)
	if err != nil {
		return nil, fmt.Errorf("paypal client: %w", err)
	}
	if _, err := c.GetAccessToken(ctx); err != nil {
		return nil, fmt.Errorf("paypal access token: %w", err)
	}
	return &PayPal{client: c}, nil
}

func (p *PayPal) CreateOrder(ctx context.Context, amount money.Cents, currency string) (orders.GatewayOrder, error) {
	units := []paypal.PurchaseUnitRequest{{
		Amount: &paypal.PurchaseUnitAmount{
			Currency: currency,
			Value:    amount.Decimal(),
		},
	}}
	o, err := p.client.CreateOrder(ctx, paypal.OrderIntentCapture, units, nil, nil)
	if err != nil {
		return orders.GatewayOrder{}, fmt.Errorf("paypal create order: %w", err)
	}
	return orders.GatewayOrder{ID: o.ID, Status: o.Status}, nil
}

func (p *PayPal) CaptureOrder(ctx context.Context, gatewayOrderID string) (orders.GatewayCapture, error) {
	resp, err := p.client.CaptureOrder(ctx, gatewayOrderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return orders.GatewayCapture{}, fmt.Errorf("paypal capture order: %w", err)
	}

	out := orders.GatewayCapture{Status: resp.Status}
	if resp.Payer != nil {
		out.PayerEmail = resp.Payer.EmailAddress
	}
	for _, pu := range resp.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		for _, c := range pu.Payments.Captures {
			out.CaptureID = c.ID
			if c.Amount != nil {
				out.Amount = c.Amount.Value
				out.Currency = c.Amount.Currency
			}
		}
	}
	if out.CaptureID == "" {
		return orders.GatewayCapture{}, fmt.Errorf("paypal capture order %s: response carried no capture", gatewayOrderID)
	}
	return out, nil
}
