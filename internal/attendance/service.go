package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/routebook/routebook/internal/platform/httpx"
	"github.com/routebook/routebook/internal/shared"
)

// BillingScheduler queues downstream billing once a day's ledger changed.
type BillingScheduler interface {
	ScheduleAccrual(ctx context.Context, businessDate, areaID string) error
}

// WriteRecorder observes ledger writes.
type WriteRecorder interface {
	ObserveAttendanceWrite(kind string, created, updated int)
}

// Service implements the attendance ledger.
type Service struct {
	repo    Repository
	locker  shared.Locker
	billing BillingScheduler
	metrics WriteRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithBillingScheduler wires downstream billing.
func WithBillingScheduler(b BillingScheduler) ServiceOption {
	return func(s *Service) { s.billing = b }
}

// WithMetrics records every successful write.
func WithMetrics(m WriteRecorder) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService constructs the attendance service.
func NewService(repo Repository, locker shared.Locker, logger *slog.Logger, opts ...ServiceOption) *Service {
	if locker == nil {
		locker = shared.NopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:   repo,
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitAttendance upserts one entry per customer for the area's business day.
// Resubmitting the same payload leaves the ledger unchanged apart from
// bookkeeping columns.
func (s *Service) SubmitAttendance(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	return s.write(ctx, in, "", false)
}

// AmendAttendance rewrites entries on a closed or past day and records why.
func (s *Service) AmendAttendance(ctx context.Context, in AmendInput) (SubmitResult, error) {
	return s.write(ctx, in.SubmitInput, strings.TrimSpace(in.Reason), true)
}

func (s *Service) write(ctx context.Context, in SubmitInput, reason string, amend bool) (SubmitResult, error) {
	if s.repo == nil {
		return SubmitResult{}, ErrRepositoryUnavailable
	}
	if !amend {
		result, replayed, err := s.replayed(ctx, in)
		if err != nil {
			return SubmitResult{}, err
		}
		if replayed {
			return result, nil
		}
	}

	now := s.now()
	date, verr := validateSubmission(in, now, submissionRules{allowPast: amend})
	if amend && reason == "" {
		verr.Add("reason", "is required")
	}
	if err := s.checkReferences(ctx, in.Attendance, verr); err != nil {
		return SubmitResult{}, err
	}
	if err := verr.Err(); err != nil {
		return SubmitResult{}, err
	}

	release, err := s.locker.Acquire(ctx, shared.AttendanceLockKey(date, in.AreaID))
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	actor := shared.ActorID(ctx)
	var result SubmitResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = SubmitResult{}
		closed, err := tx.IsDayClosed(ctx, date, in.AreaID)
		if err != nil {
			return err
		}
		if closed && !amend {
			return ErrDayClosed
		}
		for _, ca := range in.Attendance {
			if amend {
				prev, err := tx.GetEntryForUpdate(ctx, ca.CustomerID, date, in.AreaID)
				if err != nil && !errors.Is(err, ErrEntryNotFound) {
					return err
				}
				if err := tx.InsertAmendment(ctx, Amendment{
					CustomerID:   ca.CustomerID,
					BusinessDate: date,
					AreaID:       in.AreaID,
					Reason:       reason,
					Previous:     prev.Products,
					Products:     ca.Products,
					AmendedBy:    actor,
					AmendedAt:    now,
				}); err != nil {
					return err
				}
			}
			inserted, err := tx.UpsertEntry(ctx, UpsertEntryInput{
				CustomerID:   ca.CustomerID,
				BusinessDate: date,
				AreaID:       in.AreaID,
				Products:     ca.Products,
				SubmissionID: in.SubmissionID,
				UpdatedBy:    actor,
				At:           now,
			})
			if err != nil {
				return err
			}
			if inserted {
				result.Created++
			} else {
				result.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.logger.Info("attendance recorded",
		slog.String("business_date", date),
		slog.String("area_id", in.AreaID),
		slog.String("submission_id", in.SubmissionID),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Bool("amendment", amend),
	)
	if s.metrics != nil {
		kind := "submit"
		if amend {
			kind = "amend"
		}
		s.metrics.ObserveAttendanceWrite(kind, result.Created, result.Updated)
	}
	s.scheduleBilling(ctx, date, in.AreaID)
	return result, nil
}

// replayed reports whether in was already applied verbatim under the same
// submission id. A device retrying after a lost response must not see the
// day closure or the date rollover as a rejection.
func (s *Service) replayed(ctx context.Context, in SubmitInput) (SubmitResult, bool, error) {
	if in.SubmissionID == "" || len(in.Attendance) == 0 || strings.TrimSpace(in.AreaID) == "" {
		return SubmitResult{}, false, nil
	}
	date, err := shared.ParseBusinessDate(in.Date)
	if err != nil {
		return SubmitResult{}, false, nil
	}
	entries, err := s.repo.ListEntries(ctx, date, in.AreaID)
	if err != nil {
		return SubmitResult{}, false, err
	}
	stored := make(map[string]Entry, len(entries))
	for _, e := range entries {
		stored[e.CustomerID] = e
	}
	for _, ca := range in.Attendance {
		e, ok := stored[ca.CustomerID]
		if !ok || e.SubmissionID != in.SubmissionID || !slices.Equal(e.Products, ca.Products) {
			return SubmitResult{}, false, nil
		}
	}
	s.logger.Info("attendance submission already applied",
		slog.String("business_date", date),
		slog.String("area_id", in.AreaID),
		slog.String("submission_id", in.SubmissionID),
	)
	return SubmitResult{Updated: len(in.Attendance)}, true, nil
}

// checkReferences adds one violation per customer or product that does not exist.
func (s *Service) checkReferences(ctx context.Context, attendance []CustomerAttendance, verr *httpx.ValidationError) error {
	customers, products := referencedIDs(attendance)
	missingCustomers, err := s.repo.MissingCustomers(ctx, customers)
	if err != nil {
		return err
	}
	missingProducts, err := s.repo.MissingProducts(ctx, products)
	if err != nil {
		return err
	}
	if len(missingCustomers) == 0 && len(missingProducts) == 0 {
		return nil
	}
	unknownCustomer := toSet(missingCustomers)
	unknownProduct := toSet(missingProducts)
	for i, ca := range attendance {
		if _, ok := unknownCustomer[ca.CustomerID]; ok {
			verr.Add(fmt.Sprintf("attendance[%d].customer_id", i), fmt.Sprintf("customer %s does not exist", ca.CustomerID))
		}
		for j, p := range ca.Products {
			if _, ok := unknownProduct[p.ProductID]; ok {
				verr.Add(fmt.Sprintf("attendance[%d].products[%d].product_id", i, j), fmt.Sprintf("product %s does not exist", p.ProductID))
			}
		}
	}
	return nil
}

func (s *Service) scheduleBilling(ctx context.Context, date, areaID string) {
	if s.billing == nil {
		return
	}
	if err := s.billing.ScheduleAccrual(ctx, date, areaID); err != nil {
		// The ledger write stands; the nightly sweep picks the day up again.
		s.logger.Warn("schedule billing accrual",
			slog.String("business_date", date),
			slog.String("area_id", areaID),
			slog.Any("error", err),
		)
	}
}

// CloseDay stops plain submissions for the area's day. Closing twice is a no-op.
func (s *Service) CloseDay(ctx context.Context, date, areaID string) (Day, error) {
	if s.repo == nil {
		return Day{}, ErrRepositoryUnavailable
	}
	normalised, verr := validateKey(date, areaID)
	if err := verr.Err(); err != nil {
		return Day{}, err
	}

	release, err := s.locker.Acquire(ctx, shared.AttendanceLockKey(normalised, areaID))
	if err != nil {
		return Day{}, err
	}
	defer release()

	actor := shared.ActorID(ctx)
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.CloseDay(ctx, normalised, areaID, actor, s.now())
	}); err != nil {
		return Day{}, err
	}
	s.logger.Info("attendance day closed",
		slog.String("business_date", normalised),
		slog.String("area_id", areaID),
		slog.String("actor", actor),
	)
	return s.repo.GetDay(ctx, normalised, areaID)
}

// GetAttendance returns the ledger entries and closure state of an area's day.
func (s *Service) GetAttendance(ctx context.Context, date, areaID string) (DaySheet, error) {
	if s.repo == nil {
		return DaySheet{}, ErrRepositoryUnavailable
	}
	normalised, verr := validateKey(date, areaID)
	if err := verr.Err(); err != nil {
		return DaySheet{}, err
	}
	day, err := s.repo.GetDay(ctx, normalised, areaID)
	if err != nil {
		return DaySheet{}, err
	}
	entries, err := s.repo.ListEntries(ctx, normalised, areaID)
	if err != nil {
		return DaySheet{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return DaySheet{Day: day, Entries: entries}, nil
}

func validateKey(date, areaID string) (string, *httpx.ValidationError) {
	verr := httpx.NewValidationError()
	normalised, err := shared.ParseBusinessDate(date)
	if err != nil {
		verr.Add("date", err.Error())
	}
	if strings.TrimSpace(areaID) == "" {
		verr.Add("area_id", "is required")
	}
	return normalised, verr
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
