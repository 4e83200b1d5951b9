package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/routebook/routebook/internal/platform/httpx"
	"github.com/routebook/routebook/internal/shared"
)

const idempotencyModule = "payments"

// IdempotencyGuard remembers processed request keys.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Service reconciles payments against invoices, vendor bills and party balances.
type Service struct {
	repo        Repository
	locker      shared.Locker
	idempotency IdempotencyGuard
	metrics     PaymentRecorder
	logger      *slog.Logger
	now         func() time.Time
}

// PaymentRecorder observes payments reaching a status.
type PaymentRecorder interface {
	ObservePayment(method, status string)
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithIdempotency enables Idempotency-Key handling for RecordPayment.
func WithIdempotency(guard IdempotencyGuard) ServiceOption {
	return func(s *Service) { s.idempotency = guard }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMetrics counts recorded and transitioned payments.
func WithMetrics(m PaymentRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func (s *Service) observe(p Payment) {
	if s.metrics != nil {
		s.metrics.ObservePayment(string(p.Method), string(p.Status))
	}
}

// NewService constructs the service.
func NewService(repo Repository, locker shared.Locker, logger *slog.Logger, opts ...ServiceOption) *Service {
	if locker == nil {
		locker = shared.NopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, locker: locker, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordPayment applies money to an account. The account, the owning party
// balance and the payment row change together or not at all.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (Payment, error) {
	if s.repo == nil {
		return Payment{}, ErrRepositoryNotReady
	}
	if in.Status == "" {
		in.Status = PaymentCompleted
	}
	in.TransactionID = strings.TrimSpace(in.TransactionID)
	if err := validateRecordPayment(in); err != nil {
		return Payment{}, err
	}

	if in.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, in.IdempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Payment{}, ErrDuplicatePayment
			}
			return Payment{}, err
		}
	}

	payment, err := s.recordPayment(ctx, in)
	if err != nil && in.IdempotencyKey != "" && s.idempotency != nil {
		if delErr := s.idempotency.Delete(ctx, in.IdempotencyKey, idempotencyModule); delErr != nil {
			s.logger.Warn("release idempotency key", slog.String("key", in.IdempotencyKey), slog.Any("error", delErr))
		}
	}
	return payment, err
}

func (s *Service) recordPayment(ctx context.Context, in RecordPaymentInput) (Payment, error) {
	release, err := s.locker.Acquire(ctx, shared.AccountLockKey(in.AccountID.String()))
	if err != nil {
		return Payment{}, err
	}
	defer release()

	now := s.now()
	var payment Payment
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.LockAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		payment = Payment{
			ID:            uuid.New(),
			AccountID:     account.ID,
			Amount:        in.Amount,
			Method:        in.Method,
			TransactionID: in.TransactionID,
			Notes:         in.Notes,
			Status:        in.Status,
			CreatedBy:     shared.ActorID(ctx),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if in.Status == PaymentPending {
			// Nothing moves until completion, but an impossible payment is refused early.
			if in.Amount.GreaterThan(account.Due) {
				return fmt.Errorf("%w: amount %s exceeds due %s", ErrOverpayment, in.Amount.StringFixed(2), account.Due.StringFixed(2))
			}
			return tx.InsertPayment(ctx, payment)
		}

		if err := s.applyToLedger(ctx, tx, account, in.Amount); err != nil {
			return err
		}
		return tx.InsertPayment(ctx, payment)
	})
	if err != nil {
		return Payment{}, err
	}

	s.logger.Info("payment recorded",
		slog.String("payment_id", payment.ID.String()),
		slog.String("account_id", payment.AccountID.String()),
		slog.String("amount", payment.Amount.StringFixed(2)),
		slog.String("method", string(payment.Method)),
		slog.String("status", string(payment.Status)),
	)
	s.observe(payment)
	return payment, nil
}

// applyToLedger adds amount to the account and its party balance.
func (s *Service) applyToLedger(ctx context.Context, tx TxRepository, account Account, amount decimal.Decimal) error {
	if err := account.Apply(amount); err != nil {
		return err
	}
	party, err := tx.LockPartyBalance(ctx, account.PartyType, account.PartyID)
	if err != nil {
		return err
	}
	if err := party.Apply(amount); err != nil {
		// The account had room, so the aggregate must have too.
		return fmt.Errorf("%w: party %s/%s cannot absorb payment: %v", httpx.ErrInvariant, party.PartyType, party.PartyID, err)
	}
	return s.persistBalances(ctx, tx, account, party)
}

func (s *Service) persistBalances(ctx context.Context, tx TxRepository, account Account, party PartyBalance) error {
	if err := account.CheckInvariant(); err != nil {
		return fmt.Errorf("account %s: %w", account.ID, err)
	}
	if err := party.CheckInvariant(); err != nil {
		return fmt.Errorf("party %s/%s: %w", party.PartyType, party.PartyID, err)
	}
	if err := tx.UpdateAccountBalance(ctx, account); err != nil {
		return err
	}
	return tx.UpdatePartyBalance(ctx, party)
}

// UpdatePaymentStatus moves a payment through its lifecycle. Completing a
// pending payment applies it; failing or refunding a completed payment
// reverses exactly its amount, once.
func (s *Service) UpdatePaymentStatus(ctx context.Context, paymentID uuid.UUID, status PaymentStatus) (Payment, error) {
	if s.repo == nil {
		return Payment{}, ErrRepositoryNotReady
	}
	if !status.Valid() {
		return Payment{}, httpx.NewValidationError(httpx.Violation{Field: "status", Message: "must be one of [pending completed failed refunded]"})
	}
	current, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if current.Status == status {
		return current, nil
	}

	release, err := s.locker.Acquire(ctx, shared.AccountLockKey(current.AccountID.String()))
	if err != nil {
		return Payment{}, err
	}
	defer release()

	now := s.now()
	var (
		updated       Payment
		discrepancies []Discrepancy
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		discrepancies = nil
		payment, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status == status {
			updated = payment
			return nil
		}
		effect, err := transition(payment.Status, status)
		if err != nil {
			return err
		}

		reversed := payment.Reversed
		switch effect {
		case effectApply:
			account, err := tx.LockAccount(ctx, payment.AccountID)
			if err != nil {
				return err
			}
			if err := s.applyToLedger(ctx, tx, account, payment.Amount); err != nil {
				return err
			}
		case effectReverse:
			if payment.Reversed {
				return fmt.Errorf("%w: payment %s", ErrAlreadyReversed, payment.ID)
			}
			found, err := s.reverseInLedger(ctx, tx, payment, now)
			if err != nil {
				return err
			}
			discrepancies = found
			reversed = true
		}

		if err := tx.TransitionPayment(ctx, payment.ID, payment.Status, status, reversed, now); err != nil {
			return err
		}
		payment.Status = status
		payment.Reversed = reversed
		payment.UpdatedAt = now
		updated = payment
		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	for _, d := range discrepancies {
		s.logger.Error("ledger discrepancy flagged",
			slog.String("kind", string(d.Kind)),
			slog.String("payment_id", updated.ID.String()),
			slog.String("detail", d.Detail),
		)
	}
	s.logger.Info("payment status updated",
		slog.String("payment_id", updated.ID.String()),
		slog.String("status", string(updated.Status)),
	)
	s.observe(updated)
	return updated, nil
}

// reverseInLedger subtracts the payment from account and party. Any amount
// that cannot be subtracted is clamped and persisted as a discrepancy in the
// same transaction.
func (s *Service) reverseInLedger(ctx context.Context, tx TxRepository, payment Payment, now time.Time) ([]Discrepancy, error) {
	account, err := tx.LockAccount(ctx, payment.AccountID)
	if err != nil {
		return nil, err
	}
	party, err := tx.LockPartyBalance(ctx, account.PartyType, account.PartyID)
	if err != nil {
		return nil, err
	}

	var found []Discrepancy
	paymentID := payment.ID
	accountID := account.ID
	if overshoot := account.Reverse(payment.Amount); overshoot.IsPositive() {
		found = append(found, Discrepancy{
			Kind:      DiscrepancyReversalClamped,
			AccountID: &accountID,
			PartyType: account.PartyType,
			PartyID:   account.PartyID,
			PaymentID: &paymentID,
			Detail:    fmt.Sprintf("account paid amount clamped at zero while reversing %s", payment.Amount.StringFixed(2)),
			Expected:  payment.Amount,
			Actual:    payment.Amount.Sub(overshoot),
			CreatedAt: now,
		})
	}
	if overshoot := party.Reverse(payment.Amount); overshoot.IsPositive() {
		found = append(found, Discrepancy{
			Kind:      DiscrepancyReversalClamped,
			PartyType: party.PartyType,
			PartyID:   party.PartyID,
			PaymentID: &paymentID,
			Detail:    fmt.Sprintf("party paid amount clamped at zero while reversing %s", payment.Amount.StringFixed(2)),
			Expected:  payment.Amount,
			Actual:    payment.Amount.Sub(overshoot),
			CreatedAt: now,
		})
	}
	if err := s.persistBalances(ctx, tx, account, party); err != nil {
		return nil, err
	}
	for _, d := range found {
		if err := tx.InsertDiscrepancy(ctx, d); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// OpenAccount creates an invoice or vendor bill and grows the party's balance.
func (s *Service) OpenAccount(ctx context.Context, in OpenAccountInput) (Account, error) {
	if s.repo == nil {
		return Account{}, ErrRepositoryNotReady
	}
	verr := httpx.NewValidationError()
	if in.Kind != KindInvoice && in.Kind != KindVendorBill {
		verr.Add("kind", "must be one of [invoice vendor_bill]")
	}
	if strings.TrimSpace(in.PartyID) == "" {
		verr.Add("party_id", "is required")
	}
	if in.Total.IsNegative() {
		verr.Add("total_amount", "must be greater than or equal to 0")
	}
	if err := verr.Err(); err != nil {
		return Account{}, err
	}

	partyType := in.Kind.PartyFor()
	release, err := s.locker.Acquire(ctx, shared.PartyLockKey(string(partyType), in.PartyID))
	if err != nil {
		return Account{}, err
	}
	defer release()

	now := s.now()
	account := Account{
		ID:        uuid.New(),
		Kind:      in.Kind,
		PartyType: partyType,
		PartyID:   in.PartyID,
		Period:    in.Period,
		Reference: in.Reference,
		Balance:   NewBalance(in.Total),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := account.CheckInvariant(); err != nil {
			return err
		}
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		party, err := tx.LockPartyBalance(ctx, partyType, in.PartyID)
		if err != nil {
			return err
		}
		if err := party.AdjustTotal(in.Total); err != nil {
			return err
		}
		if err := party.CheckInvariant(); err != nil {
			return err
		}
		return tx.UpdatePartyBalance(ctx, party)
	})
	if err != nil {
		return Account{}, err
	}
	s.logger.Info("ledger account opened",
		slog.String("account_id", account.ID.String()),
		slog.String("kind", string(account.Kind)),
		slog.String("party_id", account.PartyID),
		slog.String("total", account.Total.StringFixed(2)),
	)
	return account, nil
}

// CreateInvoice opens a receivable for a customer.
func (s *Service) CreateInvoice(ctx context.Context, customerID, reference string, total decimal.Decimal) (Account, error) {
	return s.OpenAccount(ctx, OpenAccountInput{Kind: KindInvoice, PartyID: customerID, Reference: reference, Total: total})
}

// CreateVendorBill opens a payable to a vendor.
func (s *Service) CreateVendorBill(ctx context.Context, vendorID, reference string, total decimal.Decimal) (Account, error) {
	return s.OpenAccount(ctx, OpenAccountInput{Kind: KindVendorBill, PartyID: vendorID, Reference: reference, Total: total})
}

// PostCharge sets a customer's billed amount for one area's business day on
// the invoice of that month. Re-posting the same amount changes nothing.
func (s *Service) PostCharge(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if s.repo == nil {
		return ChargeResult{}, ErrRepositoryNotReady
	}
	verr := httpx.NewValidationError()
	date, err := shared.ParseBusinessDate(in.BusinessDate)
	if err != nil {
		verr.Add("business_date", err.Error())
	}
	if strings.TrimSpace(in.CustomerID) == "" {
		verr.Add("customer_id", "is required")
	}
	if strings.TrimSpace(in.AreaID) == "" {
		verr.Add("area_id", "is required")
	}
	if in.Amount.IsNegative() {
		verr.Add("amount", "must be greater than or equal to 0")
	}
	if err := verr.Err(); err != nil {
		return ChargeResult{}, err
	}

	release, err := s.locker.Acquire(ctx, shared.PartyLockKey(string(PartyCustomer), in.CustomerID))
	if err != nil {
		return ChargeResult{}, err
	}
	defer release()

	period := shared.BusinessPeriod(date)
	now := s.now()
	var result ChargeResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = ChargeResult{}
		if err := tx.EnsurePeriodInvoice(ctx, Account{
			ID:        uuid.New(),
			Kind:      KindInvoice,
			PartyType: PartyCustomer,
			PartyID:   in.CustomerID,
			Period:    period,
			Reference: fmt.Sprintf("INV-%s-%s", period, in.CustomerID),
			Balance:   NewBalance(decimal.Zero),
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		account, err := tx.LockPeriodInvoice(ctx, in.CustomerID, period)
		if err != nil {
			return err
		}
		line, found, err := tx.GetInvoiceLine(ctx, account.ID, in.CustomerID, date, in.AreaID)
		if err != nil {
			return err
		}
		delta := in.Amount.Sub(line.Amount)
		result = ChargeResult{AccountID: account.ID, Previous: line.Amount, Delta: delta}
		if found && delta.IsZero() {
			return nil
		}

		if err := account.AdjustTotal(delta); err != nil {
			return fmt.Errorf("account %s: %w", account.ID, err)
		}
		party, err := tx.LockPartyBalance(ctx, PartyCustomer, in.CustomerID)
		if err != nil {
			return err
		}
		if err := party.AdjustTotal(delta); err != nil {
			return fmt.Errorf("party %s/%s: %w", party.PartyType, party.PartyID, err)
		}
		if err := s.persistBalances(ctx, tx, account, party); err != nil {
			return err
		}
		return tx.UpsertInvoiceLine(ctx, InvoiceLine{
			AccountID:    account.ID,
			CustomerID:   in.CustomerID,
			BusinessDate: date,
			AreaID:       in.AreaID,
			Amount:       in.Amount,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		if errors.Is(err, httpx.ErrInvariant) {
			s.logger.Error("charge rejected by ledger invariant",
				slog.String("customer_id", in.CustomerID),
				slog.String("business_date", date),
				slog.String("area_id", in.AreaID),
				slog.Any("error", err),
			)
		}
		return ChargeResult{}, err
	}
	return result, nil
}

// IntegrityReport summarises one consistency scan.
type IntegrityReport struct {
	Accounts      int           `json:"accounts"`
	Parties       int           `json:"parties"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// CheckIntegrity scans every account and party balance on one snapshot and
// persists a discrepancy for each broken invariant. Party balances must also
// equal the sum of their accounts.
func (s *Service) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	if s.repo == nil {
		return IntegrityReport{}, ErrRepositoryNotReady
	}
	now := s.now()
	var report IntegrityReport
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report = IntegrityReport{}
		accounts, err := tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		parties, err := tx.ListPartyBalances(ctx)
		if err != nil {
			return err
		}
		report.Accounts = len(accounts)
		report.Parties = len(parties)

		type sums struct{ total, paid decimal.Decimal }
		perParty := make(map[string]*sums)
		for _, a := range accounts {
			key := string(a.PartyType) + "/" + a.PartyID
			agg, ok := perParty[key]
			if !ok {
				agg = &sums{total: decimal.Zero, paid: decimal.Zero}
				perParty[key] = agg
			}
			agg.total = agg.total.Add(a.Total)
			agg.paid = agg.paid.Add(a.Paid)
			if err := a.CheckInvariant(); err != nil {
				id := a.ID
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind:      DiscrepancyIntegrity,
					AccountID: &id,
					PartyType: a.PartyType,
					PartyID:   a.PartyID,
					Detail:    err.Error(),
					Expected:  a.Total,
					Actual:    a.Paid.Add(a.Due),
					CreatedAt: now,
				})
			}
		}
		for _, p := range parties {
			if err := p.CheckInvariant(); err != nil {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind:      DiscrepancyIntegrity,
					PartyType: p.PartyType,
					PartyID:   p.PartyID,
					Detail:    err.Error(),
					Expected:  p.Total,
					Actual:    p.Paid.Add(p.Due),
					CreatedAt: now,
				})
			}
			agg := perParty[string(p.PartyType)+"/"+p.PartyID]
			if agg == nil {
				agg = &sums{total: decimal.Zero, paid: decimal.Zero}
			}
			if !agg.total.Equal(p.Total) || !agg.paid.Equal(p.Paid) {
				report.Discrepancies = append(report.Discrepancies, Discrepancy{
					Kind:      DiscrepancyPartyMismatch,
					PartyType: p.PartyType,
					PartyID:   p.PartyID,
					Detail: fmt.Sprintf("party total %s paid %s, accounts sum to total %s paid %s",
						p.Total.StringFixed(2), p.Paid.StringFixed(2), agg.total.StringFixed(2), agg.paid.StringFixed(2)),
					Expected:  agg.total,
					Actual:    p.Total,
					CreatedAt: now,
				})
			}
		}
		for _, d := range report.Discrepancies {
			if err := tx.InsertDiscrepancy(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return IntegrityReport{}, err
	}
	for _, d := range report.Discrepancies {
		s.logger.Error("ledger discrepancy flagged",
			slog.String("kind", string(d.Kind)),
			slog.String("party_type", string(d.PartyType)),
			slog.String("party_id", d.PartyID),
			slog.String("detail", d.Detail),
		)
	}
	return report, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListPayments returns an account's payments in the order they were recorded.
func (s *Service) ListPayments(ctx context.Context, accountID uuid.UUID) ([]Payment, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []Payment{}
	}
	return payments, nil
}

// GetPartyBalance returns the aggregate balance of a customer or vendor.
func (s *Service) GetPartyBalance(ctx context.Context, partyType PartyType, partyID string) (PartyBalance, error) {
	if !partyType.Valid() {
		return PartyBalance{}, httpx.NewValidationError(httpx.Violation{Field: "party_type", Message: "must be one of [customer vendor]"})
	}
	return s.repo.GetPartyBalance(ctx, partyType, partyID)
}

// ListDiscrepancies returns the most recent flagged anomalies.
func (s *Service) ListDiscrepancies(ctx context.Context, limit int) ([]Discrepancy, error) {
	out, err := s.repo.ListDiscrepancies(ctx, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Discrepancy{}
	}
	return out, nil
}

func validateRecordPayment(in RecordPaymentInput) error {
	verr := httpx.NewValidationError()
	if in.AccountID == uuid.Nil {
		verr.Add("account_id", "is required")
	}
	if !in.Amount.IsPositive() {
		verr.Add("amount", "must be greater than 0")
	} else if in.Amount.Exponent() < -2 && !in.Amount.Equal(in.Amount.Round(2)) {
		verr.Add("amount", "must have at most 2 decimal places")
	}
	if !in.Method.Valid() {
		verr.Add("method", "must be one of [cash upi card bank_transfer cheque]")
	} else if in.Method.RequiresTransactionID() && in.TransactionID == "" {
		verr.Add("transaction_id", fmt.Sprintf("is required for %s payments", in.Method))
	}
	if in.Status != PaymentPending && in.Status != PaymentCompleted {
		verr.Add("status", "must be one of [pending completed]")
	}
	return verr.Err()
}
