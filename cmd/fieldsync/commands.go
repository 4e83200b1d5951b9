package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/routebook/routebook/internal/app"
	"github.com/routebook/routebook/internal/attendance"
	"github.com/routebook/routebook/internal/fieldsync"
)

const usage = `usage: fieldsync COMMAND
  run                                   sync in the background until interrupted
  sync                                  drain the queue once now
  status                                show queue, drafts, failures and token
  mark DATE AREA CUSTOMER PRODUCT       cycle one product's draft status
  draft DATE AREA PATCH.json            merge a draft patch
  sequence AREA CUSTOMER...             set the delivery order of an area
  finalize DATE AREA                    queue the draft for upload
  enqueue SUBMISSION.json               queue a prepared submission
  failures                              list records the server rejected
  dismiss ID                            drop a failure after fixing it`

var errUsage = errors.New(usage)

// agent bundles what every command needs.
type agent struct {
	cfg    *app.AgentConfig
	store  *fieldsync.Store
	client *fieldsync.HTTPClient
	logger *slog.Logger
	out    io.Writer
	now    func() time.Time
}

func run(ctx context.Context, cfg *app.AgentConfig, logger *slog.Logger, out io.Writer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	store, err := fieldsync.Open(ctx, cfg.DBPath, fieldsync.WithStoreLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	a := &agent{
		cfg:    cfg,
		store:  store,
		client: fieldsync.NewHTTPClient(cfg.ServerURL, fieldsync.StaticToken(cfg.Token), cfg.RequestTimeout),
		logger: logger,
		out:    out,
		now:    time.Now,
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return a.runLoop(ctx)
	case "sync":
		return a.syncOnce(ctx)
	case "status":
		return a.status(ctx)
	case "mark":
		if len(rest) != 4 {
			return errUsage
		}
		item, err := store.CycleStatus(ctx, rest[0], rest[1], rest[2], rest[3])
		if err != nil {
			return err
		}
		return a.print(item)
	case "draft":
		if len(rest) != 3 {
			return errUsage
		}
		var patch fieldsync.DraftPatch
		if err := readJSON(rest[2], &patch); err != nil {
			return err
		}
		draft, err := store.SetDraft(ctx, rest[0], rest[1], patch)
		if err != nil {
			return err
		}
		return a.print(draft)
	case "sequence":
		if len(rest) < 1 {
			return errUsage
		}
		return store.SetSequence(ctx, rest[0], rest[1:])
	case "finalize":
		if len(rest) != 2 {
			return errUsage
		}
		rec, err := store.Finalize(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		return a.print(rec)
	case "enqueue":
		if len(rest) != 1 {
			return errUsage
		}
		return a.enqueue(ctx, rest[0])
	case "failures":
		failures, err := store.Failures(ctx)
		if err != nil {
			return err
		}
		return a.print(failures)
	case "dismiss":
		if len(rest) != 1 {
			return errUsage
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid failure id %q", rest[0])
		}
		return store.DismissFailure(ctx, id)
	default:
		return errUsage
	}
}

func (a *agent) engine(monitor fieldsync.Monitor) *fieldsync.Engine {
	return fieldsync.NewEngine(a.store, a.client, monitor,
		fieldsync.WithRetryInterval(a.cfg.RetryInterval),
		fieldsync.WithEngineLogger(a.logger),
	)
}

// runLoop keeps the monitor and the engine running until ctx is done.
func (a *agent) runLoop(ctx context.Context) error {
	monitor := fieldsync.NewHTTPMonitor(a.client, a.cfg.ProbeInterval, a.logger)
	engine := a.engine(monitor)

	a.logger.Info("agent started", slog.String("server", a.cfg.ServerURL), slog.String("db", a.cfg.DBPath))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	return g.Wait()
}

// syncOnce probes the server and drains the queue a single time.
func (a *agent) syncOnce(ctx context.Context) error {
	monitor := fieldsync.NewHTTPMonitor(a.client, a.cfg.ProbeInterval, a.logger)
	monitor.Probe(ctx)
	report := a.engine(monitor).SyncNow(ctx)
	return a.print(report)
}

type submissionFile struct {
	Date       string                          `json:"date"`
	AreaID     string                          `json:"area_id"`
	Attendance []attendance.CustomerAttendance `json:"attendance"`
}

func (a *agent) enqueue(ctx context.Context, path string) error {
	var sub submissionFile
	if err := readJSON(path, &sub); err != nil {
		return err
	}
	if sub.Date == "" || sub.AreaID == "" || len(sub.Attendance) == 0 {
		return errors.New("submission needs date, area_id and attendance")
	}
	rec, err := a.store.Enqueue(ctx, sub.Date, sub.AreaID, sub.Attendance)
	if err != nil {
		return err
	}
	return a.print(rec)
}

type statusView struct {
	Pending  int                  `json:"pending"`
	Drafts   []draftSummary       `json:"drafts"`
	Failures int                  `json:"failures"`
	Operator *fieldsync.TokenInfo `json:"operator,omitempty"`
	Warning  string               `json:"warning,omitempty"`
}

type draftSummary struct {
	BusinessDate string    `json:"business_date"`
	AreaID       string    `json:"area_id"`
	Customers    int       `json:"customers"`
	Timestamp    time.Time `json:"timestamp"`
}

func (a *agent) status(ctx context.Context) error {
	var view statusView
	var err error
	if view.Pending, err = a.store.Pending(ctx); err != nil {
		return err
	}
	drafts, err := a.store.ListDrafts(ctx)
	if err != nil {
		return err
	}
	view.Drafts = make([]draftSummary, 0, len(drafts))
	for _, d := range drafts {
		view.Drafts = append(view.Drafts, draftSummary{
			BusinessDate: d.BusinessDate,
			AreaID:       d.AreaID,
			Customers:    len(d.Attendance),
			Timestamp:    d.Timestamp,
		})
	}
	failures, err := a.store.Failures(ctx)
	if err != nil {
		return err
	}
	view.Failures = len(failures)

	switch info, err := fieldsync.InspectToken(a.cfg.Token); {
	case a.cfg.Token == "":
		view.Warning = "no token configured; records will stay queued"
	case err != nil:
		view.Warning = "token is not a JWT"
	default:
		view.Operator = &info
		if info.Expired(a.now()) {
			view.Warning = "token expired; records will stay queued"
		}
	}
	return a.print(view)
}

func (a *agent) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSON(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
