package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/routebook/routebook/internal/billing"
	jobmetrics "github.com/routebook/routebook/internal/jobs"
	"github.com/routebook/routebook/internal/shared"
)

// Accruer is the billing surface used by the accrual jobs.
type Accruer interface {
	AccrueDay(ctx context.Context, businessDate, areaID string) (billing.AccrualReport, error)
	Sweep(ctx context.Context, businessDate string) ([]billing.AccrualReport, error)
}

// BillingAccrualJob runs billing for a single area or sweeps a whole day.
type BillingAccrualJob struct {
	Service Accruer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBillingAccrualJob initialises the accrual handlers.
func NewBillingAccrualJob(service Accruer, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingAccrualJob {
	return &BillingAccrualJob{Service: service, Logger: logger, Metrics: metrics, clock: time.Now}
}

// Handle processes TaskBillingAccrueDay.
func (j *BillingAccrualJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("billing accrual: handler not configured")
	}
	var payload AccrueDayPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.AreaID == "" {
		return asynq.SkipRetry
	}
	if _, err := shared.ParseBusinessDate(payload.BusinessDate); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBillingAccrueDay)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	report, err := j.Service.AccrueDay(ctx, payload.BusinessDate, payload.AreaID)
	j.record(report)
	if err != nil {
		j.logger(TaskBillingAccrueDay).Error("accrual failed",
			slog.String("business_date", payload.BusinessDate),
			slog.String("area_id", payload.AreaID),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// HandleSweep processes TaskBillingSweep.
func (j *BillingAccrualJob) HandleSweep(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("billing sweep: handler not configured")
	}
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	date := payload.BusinessDate
	if date == "" {
		yesterday, err := shared.BusinessDateOffset(shared.BusinessToday(j.now()), -1)
		if err != nil {
			return err
		}
		date = yesterday
	}

	tracker := j.metrics().Track(TaskBillingSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskBillingSweep).With(slog.String("business_date", date))
	start := j.now()
	reports, err := j.Service.Sweep(ctx, date)
	for _, report := range reports {
		j.record(report)
	}
	if err != nil {
		logger.Error("sweep finished with failures", slog.Int("areas", len(reports)), slog.Any("error", err))
		return err
	}
	logger.Info("sweep completed", slog.Int("areas", len(reports)), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *BillingAccrualJob) record(report billing.AccrualReport) {
	j.metrics().AddAccruals(report.Changed, report.Customers-report.Changed)
}

func (j *BillingAccrualJob) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *BillingAccrualJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingAccrualJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
