package attendance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routebook/routebook/internal/platform/httpx"
	"github.com/routebook/routebook/internal/shared"
)

type memoryRepo struct {
	customers  map[string]bool
	products   map[string]bool
	entries    map[string]Entry
	days       map[string]Day
	amendments []Amendment
	nextID     int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		customers: map[string]bool{"C1": true, "C2": true},
		products:  map[string]bool{"P1": true, "P2": true},
		entries:   make(map[string]Entry),
		days:      make(map[string]Day),
	}
}

func entryKey(customerID, date, areaID string) string {
	return customerID + "|" + date + "|" + areaID
}

func dayKey(date, areaID string) string {
	return date + "|" + areaID
}

// WithTx applies writes to a copy and swaps it in only on success so a
// failing callback leaves the store untouched.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	snapshot := r.clone()
	if err := fn(ctx, &memoryTx{repo: snapshot}); err != nil {
		return err
	}
	*r = *snapshot
	return nil
}

func (r *memoryRepo) clone() *memoryRepo {
	c := &memoryRepo{
		customers:  r.customers,
		products:   r.products,
		entries:    make(map[string]Entry, len(r.entries)),
		days:       make(map[string]Day, len(r.days)),
		amendments: append([]Amendment(nil), r.amendments...),
		nextID:     r.nextID,
	}
	for k, v := range r.entries {
		c.entries[k] = v
	}
	for k, v := range r.days {
		c.days[k] = v
	}
	return c
}

func (r *memoryRepo) missing(set map[string]bool, ids []string) []string {
	var out []string
	for _, id := range ids {
		if !set[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *memoryRepo) MissingCustomers(ctx context.Context, ids []string) ([]string, error) {
	return r.missing(r.customers, ids), nil
}

func (r *memoryRepo) MissingProducts(ctx context.Context, ids []string) ([]string, error) {
	return r.missing(r.products, ids), nil
}

func (r *memoryRepo) ListEntries(ctx context.Context, date, areaID string) ([]Entry, error) {
	var out []Entry
	for _, e := range r.entries {
		if e.BusinessDate == date && e.AreaID == areaID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out, nil
}

func (r *memoryRepo) GetDay(ctx context.Context, date, areaID string) (Day, error) {
	if d, ok := r.days[dayKey(date, areaID)]; ok {
		return d, nil
	}
	return Day{BusinessDate: date, AreaID: areaID}, nil
}

func (tx *memoryTx) IsDayClosed(ctx context.Context, date, areaID string) (bool, error) {
	return tx.repo.days[dayKey(date, areaID)].Closed, nil
}

func (tx *memoryTx) GetEntryForUpdate(ctx context.Context, customerID, date, areaID string) (Entry, error) {
	e, ok := tx.repo.entries[entryKey(customerID, date, areaID)]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (tx *memoryTx) UpsertEntry(ctx context.Context, in UpsertEntryInput) (bool, error) {
	key := entryKey(in.CustomerID, in.BusinessDate, in.AreaID)
	existing, ok := tx.repo.entries[key]
	if ok {
		existing.Products = in.Products
		existing.SubmissionID = in.SubmissionID
		existing.UpdatedBy = in.UpdatedBy
		existing.UpdatedAt = in.At
		existing.Version++
		tx.repo.entries[key] = existing
		return false, nil
	}
	tx.repo.nextID++
	tx.repo.entries[key] = Entry{
		ID:           tx.repo.nextID,
		CustomerID:   in.CustomerID,
		BusinessDate: in.BusinessDate,
		AreaID:       in.AreaID,
		Products:     in.Products,
		SubmissionID: in.SubmissionID,
		Version:      1,
		UpdatedBy:    in.UpdatedBy,
		CreatedAt:    in.At,
		UpdatedAt:    in.At,
	}
	return true, nil
}

func (tx *memoryTx) InsertAmendment(ctx context.Context, a Amendment) error {
	tx.repo.amendments = append(tx.repo.amendments, a)
	return nil
}

func (tx *memoryTx) CloseDay(ctx context.Context, date, areaID, actor string, at time.Time) error {
	key := dayKey(date, areaID)
	if _, ok := tx.repo.days[key]; ok {
		return nil
	}
	closedAt := at
	tx.repo.days[key] = Day{BusinessDate: date, AreaID: areaID, Closed: true, ClosedAt: &closedAt, ClosedBy: actor}
	return nil
}

type recordingScheduler struct {
	calls []string
	err   error
}

func (s *recordingScheduler) ScheduleAccrual(ctx context.Context, date, areaID string) error {
	s.calls = append(s.calls, dayKey(date, areaID))
	return s.err
}

// fixedNow is 2025-11-20 09:30 at UTC+05:30.
var fixedNow = time.Date(2025, 11, 20, 4, 0, 0, 0, time.UTC)

func newTestService(repo Repository, scheduler BillingScheduler) *Service {
	opts := []ServiceOption{WithClock(func() time.Time { return fixedNow })}
	if scheduler != nil {
		opts = append(opts, WithBillingScheduler(scheduler))
	}
	return NewService(repo, shared.NopLocker{}, nil, opts...)
}

func oneProduct(customerID, productID string, qty int, status Status) SubmitInput {
	return SubmitInput{
		Date:   "2025-11-20",
		AreaID: "A1",
		Attendance: []CustomerAttendance{{
			CustomerID: customerID,
			Products:   []ProductAttendance{{ProductID: productID, Quantity: qty, Status: status}},
		}},
	}
}

func TestSubmitAttendanceUpsertsPerCustomer(t *testing.T) {
	repo := newMemoryRepo()
	scheduler := &recordingScheduler{}
	svc := newTestService(repo, scheduler)
	ctx := context.Background()

	res, err := svc.SubmitAttendance(ctx, oneProduct("C1", "P1", 2, StatusDelivered))
	require.NoError(t, err)
	require.Equal(t, SubmitResult{Created: 1}, res)

	res, err = svc.SubmitAttendance(ctx, oneProduct("C1", "P1", 3, StatusDelivered))
	require.NoError(t, err)
	require.Equal(t, SubmitResult{Updated: 1}, res)

	sheet, err := svc.GetAttendance(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.Len(t, sheet.Entries, 1)
	require.Equal(t, 3, sheet.Entries[0].Products[0].Quantity)
	require.Equal(t, []string{"2025-11-20|A1", "2025-11-20|A1"}, scheduler.calls)
}

func TestSubmitAttendanceIsIdempotentOnResync(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	in := oneProduct("C1", "P1", 2, StatusDelivered)
	in.SubmissionID = "rec-1"
	_, err := svc.SubmitAttendance(ctx, in)
	require.NoError(t, err)
	before, err := repo.ListEntries(ctx, "2025-11-20", "A1")
	require.NoError(t, err)

	_, err = svc.SubmitAttendance(ctx, in)
	require.NoError(t, err)
	after, err := repo.ListEntries(ctx, "2025-11-20", "A1")
	require.NoError(t, err)

	require.Len(t, after, len(before))
	require.Equal(t, before[0].Products, after[0].Products)
	require.Equal(t, "rec-1", after[0].SubmissionID)
}

func TestSubmitAttendanceReportsEveryViolation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)

	in := SubmitInput{
		Date:   "2025-11-19",
		AreaID: "A1",
		Attendance: []CustomerAttendance{
			{CustomerID: "C404", Products: []ProductAttendance{{ProductID: "P1", Quantity: 1, Status: StatusDelivered}}},
			{CustomerID: "C1", Products: []ProductAttendance{
				{ProductID: "P404", Quantity: 1, Status: StatusDelivered},
				{ProductID: "P2", Quantity: -1, Status: StatusSkipped},
				{ProductID: "P1", Quantity: 0, Status: Status("lost")},
			}},
		},
	}
	_, err := svc.SubmitAttendance(context.Background(), in)
	require.Error(t, err)
	require.True(t, errors.Is(err, httpx.ErrValidation))

	var verr *httpx.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, v.Field)
	}
	require.ElementsMatch(t, []string{
		"date",
		"attendance[1].products[1].quantity",
		"attendance[1].products[2].status",
		"attendance[0].customer_id",
		"attendance[1].products[0].product_id",
	}, fields)
	require.Empty(t, repo.entries, "nothing may be written when a precondition fails")
}

func TestSubmitAttendanceRejectsDeliveredWithZeroQuantity(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil)
	_, err := svc.SubmitAttendance(context.Background(), oneProduct("C1", "P1", 0, StatusDelivered))
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.SubmitAttendance(context.Background(), oneProduct("C1", "P1", 0, StatusSkipped))
	require.NoError(t, err)
}

func TestSubmitAttendanceRejectsDuplicateCustomer(t *testing.T) {
	svc := newTestService(newMemoryRepo(), nil)
	in := oneProduct("C1", "P1", 1, StatusDelivered)
	in.Attendance = append(in.Attendance, in.Attendance[0])
	_, err := svc.SubmitAttendance(context.Background(), in)

	var verr *httpx.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "attendance[1].customer_id", verr.Violations[0].Field)
}

func TestSubmitAttendanceAcceptsTodayAcrossUTCBoundary(t *testing.T) {
	repo := newMemoryRepo()
	// 20:00 UTC on the 19th is already the 20th at UTC+05:30.
	svc := NewService(repo, nil, nil, WithClock(func() time.Time {
		return time.Date(2025, 11, 19, 20, 0, 0, 0, time.UTC)
	}))
	_, err := svc.SubmitAttendance(context.Background(), oneProduct("C1", "P1", 1, StatusDelivered))
	require.NoError(t, err)
}

func TestClosedDayRejectsSubmitButAcceptsAmend(t *testing.T) {
	repo := newMemoryRepo()
	scheduler := &recordingScheduler{}
	svc := newTestService(repo, scheduler)
	ctx := shared.ContextWithActor(context.Background(), shared.Actor{ID: "op-7"})

	_, err := svc.SubmitAttendance(ctx, oneProduct("C1", "P1", 2, StatusDelivered))
	require.NoError(t, err)

	day, err := svc.CloseDay(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.True(t, day.Closed)
	require.Equal(t, "op-7", day.ClosedBy)

	_, err = svc.SubmitAttendance(ctx, oneProduct("C1", "P1", 5, StatusDelivered))
	require.ErrorIs(t, err, ErrDayClosed)
	require.ErrorIs(t, err, httpx.ErrConflict)

	_, err = svc.AmendAttendance(ctx, AmendInput{SubmitInput: oneProduct("C1", "P1", 5, StatusDelivered)})
	require.ErrorIs(t, err, httpx.ErrValidation, "reason is mandatory")

	res, err := svc.AmendAttendance(ctx, AmendInput{
		SubmitInput: oneProduct("C1", "P1", 5, StatusDelivered),
		Reason:      "driver miscounted",
	})
	require.NoError(t, err)
	require.Equal(t, SubmitResult{Updated: 1}, res)
	require.Len(t, repo.amendments, 1)
	require.Equal(t, 2, repo.amendments[0].Previous[0].Quantity)
	require.Equal(t, "op-7", repo.amendments[0].AmendedBy)

	sheet, err := svc.GetAttendance(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.True(t, sheet.Closed)
	require.Equal(t, 5, sheet.Entries[0].Products[0].Quantity)
	require.Len(t, scheduler.calls, 2)
}

func TestAmendAllowsPastDays(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, nil)
	in := oneProduct("C2", "P2", 1, StatusDelivered)
	in.Date = "2025-11-01"
	_, err := svc.AmendAttendance(context.Background(), AmendInput{SubmitInput: in, Reason: "late paperwork"})
	require.NoError(t, err)
	require.Nil(t, repo.amendments[0].Previous)
}

func TestBillingScheduleFailureDoesNotFailWrite(t *testing.T) {
	repo := newMemoryRepo()
	scheduler := &recordingScheduler{err: fmt.Errorf("redis down")}
	svc := newTestService(repo, scheduler)
	_, err := svc.SubmitAttendance(context.Background(), oneProduct("C1", "P1", 1, StatusDelivered))
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) {
	return nil, fmt.Errorf("%w: busy", httpx.ErrUnavailable)
}

func TestSubmitAttendanceSurfacesLockContention(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, busyLocker{}, nil, WithClock(func() time.Time { return fixedNow }))
	_, err := svc.SubmitAttendance(context.Background(), oneProduct("C1", "P1", 1, StatusDelivered))
	require.ErrorIs(t, err, httpx.ErrUnavailable)
	require.Empty(t, repo.entries)
}

type writeCounter struct {
	kinds            []string
	created, updated int
}

func (w *writeCounter) ObserveAttendanceWrite(kind string, created, updated int) {
	w.kinds = append(w.kinds, kind)
	w.created += created
	w.updated += updated
}

func TestWritesAreObserved(t *testing.T) {
	counter := &writeCounter{}
	svc := NewService(newMemoryRepo(), shared.NopLocker{}, nil,
		WithClock(func() time.Time { return fixedNow }),
		WithMetrics(counter),
	)
	ctx := context.Background()

	_, err := svc.SubmitAttendance(ctx, oneProduct("C1", "P1", 2, StatusDelivered))
	require.NoError(t, err)
	_, err = svc.AmendAttendance(ctx, AmendInput{SubmitInput: oneProduct("C1", "P1", 1, StatusDelivered), Reason: "customer returned one"})
	require.NoError(t, err)
	_, err = svc.SubmitAttendance(ctx, oneProduct("C1", "P1", -1, StatusDelivered))
	require.Error(t, err)

	require.Equal(t, []string{"submit", "amend"}, counter.kinds)
	require.Equal(t, 1, counter.created)
	require.Equal(t, 1, counter.updated)
}

func replayInput() SubmitInput {
	in := oneProduct("C1", "P1", 2, StatusDelivered)
	in.SubmissionID = "rec-1"
	return in
}

func TestReplayAfterCloseIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	scheduler := &recordingScheduler{}
	svc := newTestService(repo, scheduler)

	first, err := svc.SubmitAttendance(ctx, replayInput())
	require.NoError(t, err)
	require.Equal(t, 1, first.Created)
	_, err = svc.CloseDay(ctx, "2025-11-20", "A1")
	require.NoError(t, err)

	again, err := svc.SubmitAttendance(ctx, replayInput())
	require.NoError(t, err)
	require.Equal(t, SubmitResult{Updated: 1}, again)
	require.Equal(t, int64(1), repo.entries[entryKey("C1", "2025-11-20", "A1")].Version)
	require.Len(t, scheduler.calls, 1)

	// Anything that differs from what was stored is a new write and hits the closure.
	changed := replayInput()
	changed.Attendance[0].Products[0].Quantity = 3
	_, err = svc.SubmitAttendance(ctx, changed)
	require.ErrorIs(t, err, ErrDayClosed)

	other := replayInput()
	other.SubmissionID = "rec-2"
	_, err = svc.SubmitAttendance(ctx, other)
	require.ErrorIs(t, err, ErrDayClosed)
}

func TestReplayAfterMidnightIsAcknowledged(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	now := fixedNow
	svc := NewService(repo, shared.NopLocker{}, nil, WithClock(func() time.Time { return now }))

	_, err := svc.SubmitAttendance(ctx, replayInput())
	require.NoError(t, err)

	now = now.Add(24 * time.Hour)
	again, err := svc.SubmitAttendance(ctx, replayInput())
	require.NoError(t, err)
	require.Equal(t, SubmitResult{Updated: 1}, again)

	fresh := replayInput()
	fresh.SubmissionID = ""
	_, err = svc.SubmitAttendance(ctx, fresh)
	require.ErrorIs(t, err, httpx.ErrValidation)
}
