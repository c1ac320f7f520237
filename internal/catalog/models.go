package catalog

import (
	"time"

	"github.com/oakline/storefront/internal/money"
)

type Product struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Price     money.Cents `json:"price_cents"`
	Stock     int         `json:"stock"`
	IsActive  bool        `json:"is_active"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Availability is the read-path view of sellable stock for one product.
type Availability struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	IsActive  bool   `json:"is_active"`
}
