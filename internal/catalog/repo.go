package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("catalog: product not found")

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) ListActive(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, name, price_cents, stock, is_active, created_at, updated_at
		FROM products
		WHERE is_active
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) GetAvailability(ctx context.Context, productID string) (Availability, error) {
	var a Availability
	a.ProductID = productID
	err := r.DB.QueryRow(ctx,
		`SELECT stock, is_active FROM products WHERE id=$1`, productID).
		Scan(&a.Stock, &a.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}
