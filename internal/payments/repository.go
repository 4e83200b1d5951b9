package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/routebook/routebook/internal/platform/db"
)

// Repository defines ledger data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	ListPayments(ctx context.Context, accountID uuid.UUID) ([]Payment, error)
	GetPartyBalance(ctx context.Context, partyType PartyType, partyID string) (PartyBalance, error)
	ListDiscrepancies(ctx context.Context, limit int) ([]Discrepancy, error)
}

// TxRepository defines operations within a transaction. Lock* methods take
// row locks held until commit.
type TxRepository interface {
	InsertAccount(ctx context.Context, account Account) error
	LockAccount(ctx context.Context, id uuid.UUID) (Account, error)
	// EnsurePeriodInvoice inserts account unless the party already has an
	// invoice for the period.
	EnsurePeriodInvoice(ctx context.Context, account Account) error
	LockPeriodInvoice(ctx context.Context, customerID, period string) (Account, error)
	// UpdateAccountBalance writes amounts when the stored version still
	// equals account.Version and bumps it.
	UpdateAccountBalance(ctx context.Context, account Account) error

	LockPartyBalance(ctx context.Context, partyType PartyType, partyID string) (PartyBalance, error)
	UpdatePartyBalance(ctx context.Context, balance PartyBalance) error

	InsertPayment(ctx context.Context, payment Payment) error
	LockPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	// TransitionPayment moves a payment only while it still has status from
	// and has not been reversed.
	TransitionPayment(ctx context.Context, id uuid.UUID, from, to PaymentStatus, reversed bool, at time.Time) error

	GetInvoiceLine(ctx context.Context, accountID uuid.UUID, customerID, businessDate, areaID string) (InvoiceLine, bool, error)
	UpsertInvoiceLine(ctx context.Context, line InvoiceLine) error

	InsertDiscrepancy(ctx context.Context, d Discrepancy) error

	ListAccounts(ctx context.Context) ([]Account, error)
	ListPartyBalances(ctx context.Context) ([]PartyBalance, error)
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

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

const accountColumns = `
	id, kind, party_type, party_id, COALESCE(period, ''), COALESCE(reference, ''),
	total_amount, paid_amount, due_amount, status, version, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Kind, &a.PartyType, &a.PartyID, &a.Period, &a.Reference,
		&a.Total, &a.Paid, &a.Due, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return a, nil
}

const partyColumns = `
	party_type, party_id, total_amount, paid_amount, due_amount, status, version, updated_at`

func scanParty(row pgx.Row) (PartyBalance, error) {
	var p PartyBalance
	err := row.Scan(&p.PartyType, &p.PartyID, &p.Total, &p.Paid, &p.Due, &p.Status, &p.Version, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartyBalance{}, ErrPartyNotFound
		}
		return PartyBalance{}, err
	}
	return p, nil
}

const paymentColumns = `
	id, account_id, amount, method, COALESCE(transaction_id, ''), COALESCE(notes, ''),
	status, reversed, COALESCE(created_by, ''), created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.AccountID, &p.Amount, &p.Method, &p.TransactionID, &p.Notes,
		&p.Status, &p.Reversed, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, err
	}
	return p, nil
}

func (r *pgRepository) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1`, id))
}

func (r *pgRepository) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *pgRepository) ListPayments(ctx context.Context, accountID uuid.UUID) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("payments: list payments: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgRepository) GetPartyBalance(ctx context.Context, partyType PartyType, partyID string) (PartyBalance, error) {
	return scanParty(r.pool.QueryRow(ctx, `SELECT `+partyColumns+` FROM party_balances WHERE party_type = $1 AND party_id = $2`, partyType, partyID))
}

func (r *pgRepository) ListDiscrepancies(ctx context.Context, limit int) ([]Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, account_id, COALESCE(party_type, ''), COALESCE(party_id, ''), payment_id,
		       detail, COALESCE(expected, 0), COALESCE(actual, 0), created_at
		FROM ledger_discrepancies
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("payments: list discrepancies: %w", err)
	}
	defer rows.Close()
	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.ID, &d.Kind, &d.AccountID, &d.PartyType, &d.PartyID, &d.PaymentID,
			&d.Detail, &d.Expected, &d.Actual, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTxRepository) InsertAccount(ctx context.Context, a Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_accounts
			(id, kind, party_type, party_id, period, reference, total_amount, paid_amount, due_amount, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $12)
	`, a.ID, a.Kind, a.PartyType, a.PartyID, a.Period, a.Reference, a.Total, a.Paid, a.Due, a.Status, a.Version, a.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: account %s", ErrVersionConflict, a.ID)
		}
		return fmt.Errorf("payments: insert account: %w", err)
	}
	return nil
}

func (t *pgTxRepository) LockAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTxRepository) EnsurePeriodInvoice(ctx context.Context, a Account) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_accounts
			(id, kind, party_type, party_id, period, reference, total_amount, paid_amount, due_amount, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (kind, party_type, party_id, period) WHERE period IS NOT NULL DO NOTHING
	`, a.ID, a.Kind, a.PartyType, a.PartyID, a.Period, a.Reference, a.Total, a.Paid, a.Due, a.Status, a.Version, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("payments: ensure period invoice: %w", err)
	}
	return nil
}

func (t *pgTxRepository) LockPeriodInvoice(ctx context.Context, customerID, period string) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM ledger_accounts
		WHERE kind = $1 AND party_type = $2 AND party_id = $3 AND period = $4
		FOR UPDATE
	`, KindInvoice, PartyCustomer, customerID, period))
}

func (t *pgTxRepository) UpdateAccountBalance(ctx context.Context, a Account) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE ledger_accounts
		SET total_amount = $3, paid_amount = $4, due_amount = $5, status = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, a.ID, a.Version, a.Total, a.Paid, a.Due, a.Status)
	if err != nil {
		return fmt.Errorf("payments: update account: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", ErrVersionConflict, a.ID)
	}
	return nil
}

func (t *pgTxRepository) LockPartyBalance(ctx context.Context, partyType PartyType, partyID string) (PartyBalance, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO party_balances (party_type, party_id, total_amount, paid_amount, due_amount, status)
		VALUES ($1, $2, 0, 0, 0, $3)
		ON CONFLICT (party_type, party_id) DO NOTHING
	`, partyType, partyID, DeriveStatus(decimal.Zero, decimal.Zero)); err != nil {
		return PartyBalance{}, fmt.Errorf("payments: ensure party balance: %w", err)
	}
	return scanParty(t.tx.QueryRow(ctx, `SELECT `+partyColumns+` FROM party_balances WHERE party_type = $1 AND party_id = $2 FOR UPDATE`, partyType, partyID))
}

func (t *pgTxRepository) UpdatePartyBalance(ctx context.Context, p PartyBalance) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE party_balances
		SET total_amount = $4, paid_amount = $5, due_amount = $6, status = $7,
		    version = version + 1, updated_at = NOW()
		WHERE party_type = $1 AND party_id = $2 AND version = $3
	`, p.PartyType, p.PartyID, p.Version, p.Total, p.Paid, p.Due, p.Status)
	if err != nil {
		return fmt.Errorf("payments: update party balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: party %s/%s", ErrVersionConflict, p.PartyType, p.PartyID)
	}
	return nil
}

func (t *pgTxRepository) InsertPayment(ctx context.Context, p Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments
			(id, account_id, amount, method, transaction_id, notes, status, reversed, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10, $10)
	`, p.ID, p.AccountID, p.Amount, p.Method, p.TransactionID, p.Notes, p.Status, p.Reversed, p.CreatedBy, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert payment: %w", err)
	}
	return nil
}

func (t *pgTxRepository) LockPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTxRepository) TransitionPayment(ctx context.Context, id uuid.UUID, from, to PaymentStatus, reversed bool, at time.Time) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $3, reversed = $4, updated_at = $5
		WHERE id = $1 AND status = $2 AND reversed = FALSE
	`, id, from, to, reversed, at)
	if err != nil {
		return fmt.Errorf("payments: transition payment: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payment %s", ErrAlreadyReversed, id)
	}
	return nil
}

func (t *pgTxRepository) GetInvoiceLine(ctx context.Context, accountID uuid.UUID, customerID, businessDate, areaID string) (InvoiceLine, bool, error) {
	line := InvoiceLine{AccountID: accountID, CustomerID: customerID, BusinessDate: businessDate, AreaID: areaID}
	err := t.tx.QueryRow(ctx, `
		SELECT amount, updated_at
		FROM invoice_lines
		WHERE account_id = $1 AND customer_id = $2 AND business_date = $3::date AND area_id = $4
	`, accountID, customerID, businessDate, areaID).Scan(&line.Amount, &line.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			line.Amount = decimal.Zero
			return line, false, nil
		}
		return InvoiceLine{}, false, fmt.Errorf("payments: get invoice line: %w", err)
	}
	return line, true, nil
}

func (t *pgTxRepository) UpsertInvoiceLine(ctx context.Context, line InvoiceLine) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO invoice_lines (account_id, customer_id, business_date, area_id, amount, updated_at)
		VALUES ($1, $2, $3::date, $4, $5, $6)
		ON CONFLICT (account_id, customer_id, business_date, area_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
	`, line.AccountID, line.CustomerID, line.BusinessDate, line.AreaID, line.Amount, line.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: upsert invoice line: %w", err)
	}
	return nil
}

func (t *pgTxRepository) InsertDiscrepancy(ctx context.Context, d Discrepancy) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_discrepancies (kind, account_id, party_type, party_id, payment_id, detail, expected, actual, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9)
	`, d.Kind, d.AccountID, d.PartyType, d.PartyID, d.PaymentID, d.Detail, d.Expected, d.Actual, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert discrepancy: %w", err)
	}
	return nil
}

func (t *pgTxRepository) ListAccounts(ctx context.Context) ([]Account, error) {
	return listAccounts(ctx, t.tx)
}

func (t *pgTxRepository) ListPartyBalances(ctx context.Context) ([]PartyBalance, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+partyColumns+` FROM party_balances ORDER BY party_type, party_id`)
	if err != nil {
		return nil, fmt.Errorf("payments: list party balances: %w", err)
	}
	defer rows.Close()
	var out []PartyBalance
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func listAccounts(ctx context.Context, q querier) ([]Account, error) {
	rows, err := q.Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts ORDER BY party_type, party_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("payments: list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
