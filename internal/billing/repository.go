package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads the reference data accrual needs.
type Repository interface {
	// UnitPrices returns the price of each known product id.
	UnitPrices(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error)
	// AreasWithEntries lists areas holding attendance for the business date.
	AreasWithEntries(ctx context.Context, businessDate string) ([]string, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) UnitPrices(ctx context.Context, productIDs []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(productIDs))
	if len(productIDs) == 0 {
		return prices, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, unit_price FROM products WHERE id = ANY($1)`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("query unit prices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			price decimal.Decimal
		)
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		prices[id] = price
	}
	return prices, rows.Err()
}

func (r *pgRepository) AreasWithEntries(ctx context.Context, businessDate string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT area_id FROM attendance_entries
		WHERE business_date = $1::date
		ORDER BY area_id`, businessDate)
	if err != nil {
		return nil, fmt.Errorf("query areas: %w", err)
	}
	defer rows.Close()
	var areas []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		areas = append(areas, id)
	}
	return areas, rows.Err()
}
