package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskBillingAccrueDay charges one area's business day onto invoices.
	TaskBillingAccrueDay = "billing:accrue_day"
	// TaskBillingSweep accrues every area with attendance on a business day.
	TaskBillingSweep = "billing:sweep"
	// TaskLedgerIntegrity rechecks every account and party balance.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup drops expired payment idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AccrueDayPayload identifies one (business date, area) to bill.
type AccrueDayPayload struct {
	BusinessDate string `json:"business_date"`
	AreaID       string `json:"area_id"`
}

// SweepPayload selects the business day to sweep. An empty date means the
// business day before the one the job runs on.
type SweepPayload struct {
	BusinessDate string `json:"business_date,omitempty"`
}

// IdempotencyCleanupPayload sets the retention window for idempotency keys.
type IdempotencyCleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

const defaultIdempotencyRetention = 72 * time.Hour

// NewAccrueDayTask constructs a billing accrual task.
func NewAccrueDayTask(payload AccrueDayPayload) (*asynq.Task, error) {
	return newTask(TaskBillingAccrueDay, payload)
}

// NewSweepTask constructs a billing sweep task.
func NewSweepTask(payload SweepPayload) (*asynq.Task, error) {
	return newTask(TaskBillingSweep, payload)
}

// NewLedgerIntegrityTask constructs the ledger integrity check.
func NewLedgerIntegrityTask() (*asynq.Task, error) {
	return newTask(TaskLedgerIntegrity, struct{}{})
}

// NewIdempotencyCleanupTask constructs the idempotency key cleanup.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, payload)
}

func newTask(taskType string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}
