package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested party record does not exist.
var ErrNotFound = errors.New("party: not found")

// Repository provides PostgreSQL backed persistence for party records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetCustomer fetches a customer by id.
func (r *Repository) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	var c Customer
	err := r.pool.QueryRow(ctx, `SELECT id, name, address, tax_id, currency, payment_due_days, created_at, updated_at
FROM customers WHERE id = $1`, id).Scan(&c.ID, &c.Name, &c.Address, &c.TaxID, &c.Currency, &c.PaymentDueDays, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &c, nil
}

// GetProvider fetches a provider by id.
func (r *Repository) GetProvider(ctx context.Context, id int64) (*Provider, error) {
	var p Provider
	err := r.pool.QueryRow(ctx, `SELECT id, name, address, tax_id, currency, default_series, invoice_series, proforma_series, created_at, updated_at
FROM providers WHERE id = $1`, id).Scan(&p.ID, &p.Name, &p.Address, &p.TaxID, &p.Currency, &p.DefaultSeries, &p.InvoiceSeries, &p.ProformaSeries, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: provider %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}
