// Package billing turns delivered attendance into invoice charges.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/routebook/routebook/internal/attendance"
	"github.com/routebook/routebook/internal/payments"
	"github.com/routebook/routebook/internal/shared"
)

// EntrySource lists ledger entries for one area's business day.
type EntrySource interface {
	ListEntries(ctx context.Context, businessDate, areaID string) ([]attendance.Entry, error)
}

// Ledger posts per-day charges onto monthly invoices.
type Ledger interface {
	PostCharge(ctx context.Context, in payments.ChargeInput) (payments.ChargeResult, error)
}

// Service accrues charges from attendance.
type Service struct {
	entries EntrySource
	repo    Repository
	ledger  Ledger
	logger  *slog.Logger
}

// NewService constructs the billing service.
func NewService(entries EntrySource, repo Repository, ledger Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{entries: entries, repo: repo, ledger: ledger, logger: logger}
}

// AccrualReport describes one accrual run.
type AccrualReport struct {
	BusinessDate string          `json:"business_date"`
	AreaID       string          `json:"area_id"`
	Customers    int             `json:"customers"`
	Changed      int             `json:"changed"`
	Total        decimal.Decimal `json:"total"`
}

// AccrueDay charges every customer of (date, area) for delivered products.
// Running it again with unchanged attendance posts nothing new. A failing
// customer does not stop the others; all failures are returned joined.
func (s *Service) AccrueDay(ctx context.Context, businessDate, areaID string) (AccrualReport, error) {
	date, err := shared.ParseBusinessDate(businessDate)
	if err != nil {
		return AccrualReport{}, err
	}
	report := AccrualReport{BusinessDate: date, AreaID: areaID, Total: decimal.Zero}

	entries, err := s.entries.ListEntries(ctx, date, areaID)
	if err != nil {
		return report, fmt.Errorf("list entries: %w", err)
	}
	prices, err := s.repo.UnitPrices(ctx, productIDs(entries))
	if err != nil {
		return report, err
	}

	var errs []error
	for _, entry := range entries {
		amount, missing := charge(entry, prices)
		if len(missing) > 0 {
			s.logger.Warn("billing skipped products without price",
				slog.String("customer_id", entry.CustomerID),
				slog.Any("product_ids", missing),
			)
		}
		result, err := s.ledger.PostCharge(ctx, payments.ChargeInput{
			CustomerID:   entry.CustomerID,
			BusinessDate: date,
			AreaID:       areaID,
			Amount:       amount,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("customer %s: %w", entry.CustomerID, err))
			continue
		}
		report.Customers++
		report.Total = report.Total.Add(amount)
		if !result.Delta.IsZero() {
			report.Changed++
		}
	}

	s.logger.Info("billing accrued",
		slog.String("business_date", date),
		slog.String("area_id", areaID),
		slog.Int("customers", report.Customers),
		slog.Int("changed", report.Changed),
		slog.Int("failed", len(errs)),
	)
	return report, errors.Join(errs...)
}

// Sweep accrues every area that has attendance on the business date.
func (s *Service) Sweep(ctx context.Context, businessDate string) ([]AccrualReport, error) {
	date, err := shared.ParseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	areas, err := s.repo.AreasWithEntries(ctx, date)
	if err != nil {
		return nil, err
	}
	reports := make([]AccrualReport, 0, len(areas))
	var errs []error
	for _, area := range areas {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := s.AccrueDay(ctx, date, area)
		if err != nil {
			errs = append(errs, fmt.Errorf("area %s: %w", area, err))
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// charge sums quantity x unit price over billable products. Products with no
// known price are reported and contribute nothing.
func charge(entry attendance.Entry, prices map[string]decimal.Decimal) (decimal.Decimal, []string) {
	total := decimal.Zero
	var missing []string
	for _, p := range entry.Products {
		if !p.Status.Billable() || p.Quantity <= 0 {
			continue
		}
		price, ok := prices[p.ProductID]
		if !ok {
			missing = append(missing, p.ProductID)
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(p.Quantity))))
	}
	return total, missing
}

func productIDs(entries []attendance.Entry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		for _, p := range e.Products {
			seen[p.ProductID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
