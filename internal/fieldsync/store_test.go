package fieldsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routebook/routebook/internal/attendance"
	"github.com/routebook/routebook/internal/platform/httpx"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "agent.db")
	}
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetDraftMergesAndRefreshesTimestamp(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	first := time.Date(2025, 11, 20, 6, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return first }

	_, err := store.SetDraft(ctx, "2025-11-20", "A1", DraftPatch{Attendance: map[string]map[string]DraftItem{
		"C1": {"P1": {Status: attendance.StatusDelivered, Quantity: 2}},
	}})
	require.NoError(t, err)

	second := first.Add(time.Minute)
	store.now = func() time.Time { return second }
	draft, err := store.SetDraft(ctx, "2025-11-20", "A1", DraftPatch{
		Attendance: map[string]map[string]DraftItem{
			"C1": {"P2": {Status: attendance.StatusSkipped, Quantity: 1}},
			"C2": {"P1": {Status: attendance.StatusDelivered, Quantity: 1}},
		},
		ModifiedProductLists: map[string][]string{"C2": {"P1"}},
	})
	require.NoError(t, err)
	require.Len(t, draft.Attendance["C1"], 2)

	got, err := store.GetDraft(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.True(t, second.Equal(got.Timestamp))
	require.Equal(t, DraftItem{Status: attendance.StatusDelivered, Quantity: 2}, got.Attendance["C1"]["P1"])
	require.Equal(t, DraftItem{Status: attendance.StatusSkipped, Quantity: 1}, got.Attendance["C1"]["P2"])
	require.Equal(t, []string{"P1"}, got.ModifiedProductLists["C2"])
}

func TestDraftKeyedByDateAndArea(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	patch := DraftPatch{Attendance: map[string]map[string]DraftItem{"C1": {"P1": {Status: attendance.StatusDelivered, Quantity: 1}}}}

	_, err := store.SetDraft(ctx, "2025-11-20", "A1", patch)
	require.NoError(t, err)
	_, err = store.SetDraft(ctx, "2025-11-20", "A2", patch)
	require.NoError(t, err)

	drafts, err := store.ListDrafts(ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	require.NoError(t, store.ClearDraft(ctx, "2025-11-20", "A1"))
	_, err = store.GetDraft(ctx, "2025-11-20", "A1")
	require.ErrorIs(t, err, ErrDraftNotFound)
	_, err = store.GetDraft(ctx, "2025-11-20", "A2")
	require.NoError(t, err)
}

func TestSetDraftRejectsBadDate(t *testing.T) {
	store := openTestStore(t, "")
	_, err := store.SetDraft(context.Background(), "20/11/2025", "A1", DraftPatch{})
	require.Error(t, err)
}

func TestCycleStatusWalksTheCycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")

	var seen []attendance.Status
	for i := 0; i < 5; i++ {
		item, err := store.CycleStatus(ctx, "2025-11-20", "A1", "C1", "P1")
		require.NoError(t, err)
		seen = append(seen, item.Status)
	}
	require.Equal(t, []attendance.Status{
		attendance.StatusDelivered,
		attendance.StatusSkipped,
		attendance.StatusOutOfStock,
		attendance.StatusNotDelivered,
		attendance.StatusDelivered,
	}, seen)

	draft, err := store.GetDraft(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.Equal(t, 1, draft.Attendance["C1"]["P1"].Quantity)
}

func TestDraftSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")

	store, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = store.SetDraft(ctx, "2025-11-20", "A1", DraftPatch{Attendance: map[string]map[string]DraftItem{
		"C1": {"P1": {Status: attendance.StatusDelivered, Quantity: 3}},
	}})
	require.NoError(t, err)
	require.NoError(t, store.SetSequence(ctx, "A1", []string{"C9", "C1"}))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	draft, err := reopened.GetDraft(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.Equal(t, 3, draft.Attendance["C1"]["P1"].Quantity)

	seq, err := reopened.Sequence(ctx, "A1")
	require.NoError(t, err)
	require.Equal(t, []string{"C9", "C1"}, seq)
}

func TestQueueIsFIFOAndDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")
	list := []attendance.CustomerAttendance{{
		CustomerID: "C1",
		Products:   []attendance.ProductAttendance{{ProductID: "P1", Quantity: 2, Status: attendance.StatusDelivered}},
	}}

	store, err := Open(ctx, path)
	require.NoError(t, err)
	first, err := store.Enqueue(ctx, "2025-11-20", "A1", list)
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, "2025-11-20", "A2", list)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	// Simulated restart between enqueue and sync.
	require.NoError(t, store.Close())

	reopened := openTestStore(t, path)
	records, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, first.ID, records[0].ID)
	require.Equal(t, second.ID, records[1].ID)
	require.Equal(t, list, records[0].Attendance)

	pending, err := reopened.HasPending(ctx)
	require.NoError(t, err)
	require.True(t, pending)

	require.NoError(t, reopened.Remove(ctx, first.ID))
	require.ErrorIs(t, reopened.Remove(ctx, first.ID), ErrRecordNotFound)
	n, err := reopened.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFinalizeMovesDraftIntoQueue(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	require.NoError(t, store.SetSequence(ctx, "A1", []string{"C2", "C1"}))
	_, err := store.SetDraft(ctx, "2025-11-20", "A1", DraftPatch{Attendance: map[string]map[string]DraftItem{
		"C1": {"P2": {Status: attendance.StatusSkipped, Quantity: 1}, "P1": {Status: attendance.StatusDelivered, Quantity: 2}},
		"C2": {"P1": {Status: attendance.StatusDelivered, Quantity: 1}},
		"C3": {},
	}})
	require.NoError(t, err)

	rec, err := store.Finalize(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	require.Len(t, rec.Attendance, 2)
	require.Equal(t, "C2", rec.Attendance[0].CustomerID)
	require.Equal(t, "C1", rec.Attendance[1].CustomerID)
	require.Equal(t, "P1", rec.Attendance[1].Products[0].ProductID)
	require.Equal(t, "P2", rec.Attendance[1].Products[1].ProductID)

	_, err = store.GetDraft(ctx, "2025-11-20", "A1")
	require.ErrorIs(t, err, ErrDraftNotFound)
	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.ID, records[0].ID)

	_, err = store.Finalize(ctx, "2025-11-20", "A1")
	require.ErrorIs(t, err, ErrDraftNotFound)
}

func TestFinalizeEmptyDraftKeepsDraft(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	_, err := store.SetDraft(ctx, "2025-11-20", "A1", DraftPatch{ModifiedProductLists: map[string][]string{"C1": {"P1"}}})
	require.NoError(t, err)

	_, err = store.Finalize(ctx, "2025-11-20", "A1")
	require.ErrorIs(t, err, ErrEmptyDraft)
	_, err = store.GetDraft(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
}

func TestRejectMovesRecordToFailures(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	rec, err := store.Enqueue(ctx, "2025-11-20", "A1", []attendance.CustomerAttendance{{
		CustomerID: "C404",
		Products:   []attendance.ProductAttendance{{ProductID: "P1", Quantity: 1, Status: attendance.StatusDelivered}},
	}})
	require.NoError(t, err)

	require.NoError(t, store.Reject(ctx, rec, 404, "customer C404 not found"))
	pending, err := store.HasPending(ctx)
	require.NoError(t, err)
	require.False(t, pending)

	failures, err := store.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, rec.ID, failures[0].RecordID)
	require.Equal(t, 404, failures[0].StatusCode)
	require.Equal(t, "C404", failures[0].Attendance[0].CustomerID)

	require.NoError(t, store.DismissFailure(ctx, failures[0].ID))
	failures, err = store.Failures(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func TestFinalizeRejectsInvalidItemsAndKeepsDraft(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	_, err := store.SetDraft(ctx, "2025-11-20", "A1", DraftPatch{Attendance: map[string]map[string]DraftItem{
		"C1": {
			"P1": {Status: attendance.StatusDelivered, Quantity: 0},
			"P2": {Status: attendance.Status("lost"), Quantity: 1},
			"P3": {Status: attendance.StatusSkipped, Quantity: 0},
		},
	}})
	require.NoError(t, err)

	_, err = store.Finalize(ctx, "2025-11-20", "A1")
	var verr *httpx.ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Equal(t, []httpx.Violation{
		{Field: "attendance.C1.P1.quantity", Message: "must be greater than 0 when delivered"},
		{Field: "attendance.C1.P2.status", Message: `unknown status "lost"`},
	}, verr.Violations)

	_, err = store.GetDraft(ctx, "2025-11-20", "A1")
	require.NoError(t, err)
	pending, err := store.HasPending(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}
