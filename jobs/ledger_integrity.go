package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/routebook/routebook/internal/jobs"
	"github.com/routebook/routebook/internal/payments"
)

// IntegrityChecker rechecks ledger balances.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) (payments.IntegrityReport, error)
}

// LedgerIntegrityJob flags accounts and parties whose balances disagree.
type LedgerIntegrityJob struct {
	Checker IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Checker: checker, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLedgerIntegrity. Discrepancies are recorded by the
// checker itself; the job only reports them.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Checker == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	report, err := j.Checker.CheckIntegrity(ctx)
	if err != nil {
		logger.Error("integrity check failed", slog.Any("error", err))
		return err
	}

	byKind := make(map[payments.DiscrepancyKind]int)
	for _, d := range report.Discrepancies {
		byKind[d.Kind]++
		logger.Warn("ledger discrepancy",
			slog.String("kind", string(d.Kind)),
			slog.String("party_type", string(d.PartyType)),
			slog.String("party_id", d.PartyID),
			slog.String("expected", d.Expected.String()),
			slog.String("actual", d.Actual.String()),
			slog.String("detail", d.Detail),
		)
	}
	for kind, n := range byKind {
		j.metrics().AddDiscrepancies(string(kind), n)
	}
	logger.Info("integrity check completed",
		slog.Int("accounts", report.Accounts),
		slog.Int("parties", report.Parties),
		slog.Int("discrepancies", len(report.Discrepancies)),
	)
	return nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
