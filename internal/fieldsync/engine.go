package fieldsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Queue is the part of the store the engine drains.
type Queue interface {
	List(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context, id string) error
	Reject(ctx context.Context, rec Record, statusCode int, message string) error
}

// DrainReport summarises one pass over the queue.
type DrainReport struct {
	Attempted  int       `json:"attempted"`
	Synced     int       `json:"synced"`
	Rejected   int       `json:"rejected"`
	Deferred   int       `json:"deferred"`
	Skipped    bool      `json:"skipped"`
	SkipReason string    `json:"skip_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	skipBusy    = "drain already running"
	skipOffline = "offline"
)

// Engine drains the offline queue against the server. At most one drain
// runs at a time; a trigger arriving during a drain is dropped.
type Engine struct {
	queue     Queue
	submitter Submitter
	monitor   Monitor
	logger    *slog.Logger
	retry     time.Duration
	now       func() time.Time

	running sync.Mutex

	mu   sync.Mutex
	last DrainReport
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithRetryInterval also drains on a fixed interval while online, picking up
// records deferred by transient failures without waiting for a transition.
func WithRetryInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.retry = d }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs the sync engine.
func NewEngine(queue Queue, submitter Submitter, monitor Monitor, opts ...EngineOption) *Engine {
	e := &Engine{
		queue:     queue,
		submitter: submitter,
		monitor:   monitor,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drains once at start and again on every offline to online transition
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	transitions := e.monitor.Subscribe()
	e.Drain(ctx)

	var tick <-chan time.Time
	if e.retry > 0 {
		ticker := time.NewTicker(e.retry)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-transitions:
			if t.From == StateOffline && t.To == StateOnline {
				e.Drain(ctx)
			}
		case <-tick:
			e.Drain(ctx)
		}
	}
}

// SyncNow drains on operator request, under the same guard as automatic drains.
func (e *Engine) SyncNow(ctx context.Context) DrainReport {
	return e.Drain(ctx)
}

// LastReport returns the outcome of the most recent drain that was not skipped.
func (e *Engine) LastReport() DrainReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Drain submits every queued record in enqueue order. It never fails:
// accepted records are removed, rejected ones move to the failure log and
// everything else stays queued for the next trigger.
func (e *Engine) Drain(ctx context.Context) (report DrainReport) {
	if !e.running.TryLock() {
		return DrainReport{Skipped: true, SkipReason: skipBusy}
	}
	defer e.running.Unlock()

	if !e.monitor.Online(ctx) {
		return DrainReport{Skipped: true, SkipReason: skipOffline}
	}

	report = DrainReport{StartedAt: e.now()}
	defer func() {
		report.FinishedAt = e.now()
		e.mu.Lock()
		e.last = report
		e.mu.Unlock()
	}()

	records, err := e.queue.List(ctx)
	if err != nil {
		e.logger.Error("sync list queue", slog.Any("error", err))
		return report
	}
	for i, rec := range records {
		if ctx.Err() != nil {
			report.Deferred += len(records) - i
			break
		}
		report.Attempted++
		e.process(ctx, rec, &report)
	}

	if report.Attempted > 0 {
		e.logger.Info("sync drain finished",
			slog.Int("attempted", report.Attempted),
			slog.Int("synced", report.Synced),
			slog.Int("rejected", report.Rejected),
			slog.Int("deferred", report.Deferred),
		)
	}
	return report
}

func (e *Engine) process(ctx context.Context, rec Record, report *DrainReport) {
	// An upload in flight completes or fails on its own timeout.
	err := e.submitter.SubmitAttendance(context.WithoutCancel(ctx), rec)
	switch {
	case err == nil:
		if err := e.queue.Remove(ctx, rec.ID); err != nil && !errors.Is(err, ErrRecordNotFound) {
			e.logger.Error("sync remove synced record", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
		report.Synced++

	case errors.Is(err, ErrPermanent):
		status, message := 0, err.Error()
		var serr *SubmitError
		if errors.As(err, &serr) {
			status, message = serr.StatusCode, serr.Message
		}
		if rerr := e.queue.Reject(ctx, rec, status, message); rerr != nil {
			e.logger.Error("sync record failure", slog.String("record_id", rec.ID), slog.Any("error", rerr))
			report.Deferred++
			return
		}
		e.logger.Warn("sync record rejected by server",
			slog.String("record_id", rec.ID),
			slog.String("business_date", rec.Date),
			slog.String("area_id", rec.AreaID),
			slog.Int("status", status),
			slog.String("message", message),
		)
		report.Rejected++

	default:
		e.logger.Warn("sync record deferred",
			slog.String("record_id", rec.ID),
			slog.Any("error", err),
		)
		report.Deferred++
	}
}
