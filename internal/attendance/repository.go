package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/routebook/routebook/internal/platform/db"
)

// Repository defines attendance data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	MissingCustomers(ctx context.Context, ids []string) ([]string, error)
	MissingProducts(ctx context.Context, ids []string) ([]string, error)
	ListEntries(ctx context.Context, businessDate, areaID string) ([]Entry, error)
	GetDay(ctx context.Context, businessDate, areaID string) (Day, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	IsDayClosed(ctx context.Context, businessDate, areaID string) (bool, error)
	GetEntryForUpdate(ctx context.Context, customerID, businessDate, areaID string) (Entry, error)
	// UpsertEntry writes one customer's entry and reports whether it was inserted.
	UpsertEntry(ctx context.Context, input UpsertEntryInput) (bool, error)
	InsertAmendment(ctx context.Context, amendment Amendment) error
	CloseDay(ctx context.Context, businessDate, areaID, actor string, at time.Time) error
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

type pgTxRepository struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

func (r *pgRepository) MissingCustomers(ctx context.Context, ids []string) ([]string, error) {
	return r.missing(ctx, "customers", ids)
}

func (r *pgRepository) MissingProducts(ctx context.Context, ids []string) ([]string, error) {
	return r.missing(ctx, "products", ids)
}

func (r *pgRepository) missing(ctx context.Context, table string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	// table is one of two constants above, never user input.
	query := fmt.Sprintf(`
		SELECT u.id
		FROM unnest($1::text[]) AS u(id)
		LEFT JOIN %s t ON t.id = u.id
		WHERE t.id IS NULL
		ORDER BY u.id
	`, table)
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("attendance: lookup %s: %w", table, err)
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}

func (r *pgRepository) ListEntries(ctx context.Context, businessDate, areaID string) ([]Entry, error) {
	query := `
		SELECT id, customer_id, business_date::text, area_id, products,
		       COALESCE(submission_id, ''), version, COALESCE(updated_by, ''),
		       created_at, updated_at
		FROM attendance_entries
		WHERE business_date = $1::date AND area_id = $2
		ORDER BY customer_id
	`
	rows, err := r.pool.Query(ctx, query, businessDate, areaID)
	if err != nil {
		return nil, fmt.Errorf("attendance: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.CustomerID, &e.BusinessDate, &e.AreaID, &e.Products,
			&e.SubmissionID, &e.Version, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *pgRepository) GetDay(ctx context.Context, businessDate, areaID string) (Day, error) {
	day := Day{BusinessDate: businessDate, AreaID: areaID}
	var closedAt time.Time
	var closedBy *string
	err := r.pool.QueryRow(ctx, `
		SELECT closed_at, closed_by
		FROM attendance_days
		WHERE business_date = $1::date AND area_id = $2
	`, businessDate, areaID).Scan(&closedAt, &closedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return day, nil
		}
		return Day{}, fmt.Errorf("attendance: get day: %w", err)
	}
	day.Closed = true
	day.ClosedAt = &closedAt
	if closedBy != nil {
		day.ClosedBy = *closedBy
	}
	return day, nil
}

func (t *pgTxRepository) IsDayClosed(ctx context.Context, businessDate, areaID string) (bool, error) {
	var closed bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_days WHERE business_date = $1::date AND area_id = $2
		)
	`, businessDate, areaID).Scan(&closed)
	if err != nil {
		return false, fmt.Errorf("attendance: check day: %w", err)
	}
	return closed, nil
}

func (t *pgTxRepository) GetEntryForUpdate(ctx context.Context, customerID, businessDate, areaID string) (Entry, error) {
	var e Entry
	err := t.tx.QueryRow(ctx, `
		SELECT id, customer_id, business_date::text, area_id, products,
		       COALESCE(submission_id, ''), version, COALESCE(updated_by, ''),
		       created_at, updated_at
		FROM attendance_entries
		WHERE customer_id = $1 AND business_date = $2::date AND area_id = $3
		FOR UPDATE
	`, customerID, businessDate, areaID).Scan(
		&e.ID, &e.CustomerID, &e.BusinessDate, &e.AreaID, &e.Products,
		&e.SubmissionID, &e.Version, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("attendance: lock entry: %w", err)
	}
	return e, nil
}

func (t *pgTxRepository) UpsertEntry(ctx context.Context, input UpsertEntryInput) (bool, error) {
	var inserted bool
	err := t.tx.QueryRow(ctx, `
		INSERT INTO attendance_entries
			(customer_id, business_date, area_id, products, submission_id, updated_by, created_at, updated_at)
		VALUES ($1, $2::date, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $7)
		ON CONFLICT ON CONSTRAINT attendance_entries_customer_day_area DO UPDATE SET
			products      = EXCLUDED.products,
			submission_id = EXCLUDED.submission_id,
			updated_by    = EXCLUDED.updated_by,
			updated_at    = EXCLUDED.updated_at,
			version       = attendance_entries.version + 1
		RETURNING (xmax = 0)
	`, input.CustomerID, input.BusinessDate, input.AreaID, input.Products,
		input.SubmissionID, input.UpdatedBy, input.At).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("attendance: upsert entry %s: %w", input.CustomerID, err)
	}
	return inserted, nil
}

func (t *pgTxRepository) InsertAmendment(ctx context.Context, a Amendment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO attendance_amendments
			(customer_id, business_date, area_id, reason, previous, products, amended_by, amended_at)
		VALUES ($1, $2::date, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, a.CustomerID, a.BusinessDate, a.AreaID, a.Reason, a.Previous, a.Products, a.AmendedBy, a.AmendedAt)
	if err != nil {
		return fmt.Errorf("attendance: insert amendment: %w", err)
	}
	return nil
}

func (t *pgTxRepository) CloseDay(ctx context.Context, businessDate, areaID, actor string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO attendance_days (business_date, area_id, closed_at, closed_by)
		VALUES ($1::date, $2, $3, NULLIF($4, ''))
		ON CONFLICT (business_date, area_id) DO NOTHING
	`, businessDate, areaID, at, actor)
	if err != nil {
		return fmt.Errorf("attendance: close day: %w", err)
	}
	return nil
}
