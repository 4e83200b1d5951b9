package fieldsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routebook/routebook/internal/attendance"
)

type fixedMonitor struct {
	online atomic.Bool
	ch     chan Transition
}

func newFixedMonitor(online bool) *fixedMonitor {
	m := &fixedMonitor{ch: make(chan Transition, 1)}
	m.online.Store(online)
	return m
}

func (m *fixedMonitor) Online(context.Context) bool  { return m.online.Load() }
func (m *fixedMonitor) Subscribe() <-chan Transition { return m.ch }

func (m *fixedMonitor) goOnline() {
	m.online.Store(true)
	m.ch <- Transition{From: StateOffline, To: StateOnline, At: time.Now()}
}

type fakeServer struct {
	mu       sync.Mutex
	statuses map[string]int
	calls    map[string]int
	order    []string
}

func (s *fakeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/attendance" || r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body submitPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls[body.AreaID]++
		s.order = append(s.order, body.SubmissionID)
		status, ok := s.statuses[body.AreaID]
		s.mu.Unlock()
		if !ok {
			status = http.StatusCreated
		}
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"title":"Not Found","status":404,"detail":"not found: customer C404"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"created":1,"updated":0}`))
	})
}

func (s *fakeServer) count(area string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[area]
}

func (s *fakeServer) submissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func newFakeServer(t *testing.T, statuses map[string]int) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{statuses: statuses, calls: make(map[string]int)}
	srv := httptest.NewServer(fs.handler(t))
	t.Cleanup(srv.Close)
	return fs, srv
}

func enqueue(t *testing.T, store *Store, area string) Record {
	t.Helper()
	rec, err := store.Enqueue(context.Background(), "2025-11-20", area, []attendance.CustomerAttendance{{
		CustomerID: "C1",
		Products:   []attendance.ProductAttendance{{ProductID: "P1", Quantity: 1, Status: attendance.StatusDelivered}},
	}})
	require.NoError(t, err)
	return rec
}

func TestDrainClassifiesOutcomes(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	fs, srv := newFakeServer(t, map[string]int{
		"GONE":  http.StatusNotFound,
		"FLAKY": http.StatusServiceUnavailable,
	})
	ok1 := enqueue(t, store, "A1")
	gone := enqueue(t, store, "GONE")
	flaky := enqueue(t, store, "FLAKY")
	ok2 := enqueue(t, store, "A2")

	engine := NewEngine(store, NewHTTPClient(srv.URL, StaticToken("test-token"), time.Second), newFixedMonitor(true))
	report := engine.Drain(ctx)
	require.False(t, report.Skipped)
	require.Equal(t, 4, report.Attempted)
	require.Equal(t, 2, report.Synced)
	require.Equal(t, 1, report.Rejected)
	require.Equal(t, 1, report.Deferred)
	require.Equal(t, []string{ok1.ID, gone.ID, flaky.ID, ok2.ID}, fs.submissions())

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, flaky.ID, records[0].ID)

	failures, err := store.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, gone.ID, failures[0].RecordID)
	require.Equal(t, http.StatusNotFound, failures[0].StatusCode)
	require.Equal(t, "not found: customer C404", failures[0].Message)

	// The rejected record is attempted exactly once; the deferred one again.
	engine.Drain(ctx)
	require.Equal(t, 1, fs.count("GONE"))
	require.Equal(t, 2, fs.count("FLAKY"))
	require.Equal(t, 1, fs.count("A1"))
}

func TestDrainDefersRateLimitedAndBusyResponses(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	fs, srv := newFakeServer(t, map[string]int{
		"RL":   http.StatusTooManyRequests,
		"BUSY": http.StatusServiceUnavailable,
	})
	limited := enqueue(t, store, "RL")
	busy := enqueue(t, store, "BUSY")

	engine := NewEngine(store, NewHTTPClient(srv.URL, StaticToken("test-token"), time.Second), newFixedMonitor(true))
	report := engine.Drain(ctx)
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 0, report.Rejected)
	require.Equal(t, 2, report.Deferred)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, limited.ID, records[0].ID)
	require.Equal(t, busy.ID, records[1].ID)

	failures, err := store.Failures(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)

	// Once the server recovers both are delivered.
	fs.mu.Lock()
	fs.statuses = nil
	fs.mu.Unlock()
	report = engine.Drain(ctx)
	require.Equal(t, 2, report.Synced)
	pending, err := store.HasPending(ctx)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestDrainKeepsRecordsOnNetworkError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, "")
	rec := enqueue(t, store, "A1")

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	engine := NewEngine(store, NewHTTPClient(url, StaticToken("test-token"), time.Second), newFixedMonitor(true))
	report := engine.Drain(ctx)
	require.Equal(t, 1, report.Deferred)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.ID, records[0].ID)

	// Server is back: the same record is retried and removed.
	fs, live := newFakeServer(t, nil)
	engine = NewEngine(store, NewHTTPClient(live.URL, StaticToken("test-token"), time.Second), newFixedMonitor(true))
	report = engine.Drain(ctx)
	require.Equal(t, 1, report.Synced)
	require.Equal(t, []string{rec.ID}, fs.submissions())
}

func TestDrainSkipsWhenOffline(t *testing.T) {
	store := openTestStore(t, "")
	enqueue(t, store, "A1")
	engine := NewEngine(store, failingSubmitter(t), newFixedMonitor(false))

	report := engine.Drain(context.Background())
	require.True(t, report.Skipped)
	require.Equal(t, skipOffline, report.SkipReason)
}

func failingSubmitter(t *testing.T) Submitter {
	return submitterFunc(func(context.Context, Record) error {
		t.Fatal("submit must not be called")
		return nil
	})
}

type submitterFunc func(context.Context, Record) error

func (f submitterFunc) SubmitAttendance(ctx context.Context, rec Record) error { return f(ctx, rec) }

func TestDrainGuardDropsOverlappingTrigger(t *testing.T) {
	store := openTestStore(t, "")
	enqueue(t, store, "A1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	slow := submitterFunc(func(context.Context, Record) error {
		calls.Add(1)
		close(entered)
		<-release
		return nil
	})
	engine := NewEngine(store, slow, newFixedMonitor(true))

	done := make(chan DrainReport)
	go func() { done <- engine.Drain(context.Background()) }()
	<-entered

	second := engine.SyncNow(context.Background())
	require.True(t, second.Skipped)
	require.Equal(t, skipBusy, second.SkipReason)

	close(release)
	first := <-done
	require.Equal(t, 1, first.Synced)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, first, engine.LastReport())
}

func TestRunDrainsOnReconnect(t *testing.T) {
	store := openTestStore(t, "")
	rec := enqueue(t, store, "A1")
	fs, srv := newFakeServer(t, nil)
	monitor := newFixedMonitor(false)
	engine := NewEngine(store, NewHTTPClient(srv.URL, StaticToken("test-token"), time.Second), monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(ctx) }()

	monitor.goOnline()
	require.Eventually(t, func() bool {
		pending, err := store.HasPending(context.Background())
		return err == nil && !pending
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []string{rec.ID}, fs.submissions())

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}
