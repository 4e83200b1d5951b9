package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routebook/routebook/internal/app"
	"github.com/routebook/routebook/internal/fieldsync"
)

type recordingAPI struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (api *recordingAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/v1/attendance", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.mu.Lock()
		api.bodies = append(api.bodies, body)
		api.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"created":1,"updated":0}`))
	})
	return mux
}

func testAgentConfig(t *testing.T, serverURL, token string) *app.AgentConfig {
	t.Helper()
	return &app.AgentConfig{
		ServerURL:      serverURL,
		DBPath:         filepath.Join(t.TempDir(), "agent.db"),
		Token:          token,
		ProbeInterval:  time.Second,
		RequestTimeout: time.Second,
	}
}

func runCmd(t *testing.T, cfg *app.AgentConfig, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, run(context.Background(), cfg, logger, &out, args))
	return out.String()
}

func TestMarkFinalizeAndSync(t *testing.T) {
	api := &recordingAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()
	cfg := testAgentConfig(t, srv.URL, "test-token")

	runCmd(t, cfg, "sequence", "A1", "C2", "C1")
	runCmd(t, cfg, "mark", "2025-11-20", "A1", "C1", "P1")
	runCmd(t, cfg, "mark", "2025-11-20", "A1", "C2", "P1")
	runCmd(t, cfg, "mark", "2025-11-20", "A1", "C2", "P1")

	var rec fieldsync.Record
	require.NoError(t, json.Unmarshal([]byte(runCmd(t, cfg, "finalize", "2025-11-20", "A1")), &rec))
	require.Equal(t, "C2", rec.Attendance[0].CustomerID)
	require.Equal(t, "skipped", string(rec.Attendance[0].Products[0].Status))

	var status statusView
	require.NoError(t, json.Unmarshal([]byte(runCmd(t, cfg, "status")), &status))
	require.Equal(t, 1, status.Pending)
	require.Empty(t, status.Drafts)
	require.Equal(t, "token is not a JWT", status.Warning)

	var report fieldsync.DrainReport
	require.NoError(t, json.Unmarshal([]byte(runCmd(t, cfg, "sync")), &report))
	require.Equal(t, 1, report.Synced)

	api.mu.Lock()
	require.Len(t, api.bodies, 1)
	require.Equal(t, rec.ID, api.bodies[0]["submission_id"])
	api.mu.Unlock()

	require.NoError(t, json.Unmarshal([]byte(runCmd(t, cfg, "status")), &status))
	require.Zero(t, status.Pending)
}

func TestSyncOfflineKeepsQueue(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	cfg := testAgentConfig(t, url, "test-token")

	submission := filepath.Join(t.TempDir(), "submission.json")
	require.NoError(t, os.WriteFile(submission, []byte(`{
		"date": "2025-11-20",
		"area_id": "A1",
		"attendance": [{"customer_id": "C1", "products": [{"product_id": "P1", "quantity": 2, "status": "delivered"}]}]
	}`), 0o600))
	runCmd(t, cfg, "enqueue", submission)

	var report fieldsync.DrainReport
	require.NoError(t, json.Unmarshal([]byte(runCmd(t, cfg, "sync")), &report))
	require.True(t, report.Skipped)

	var status statusView
	require.NoError(t, json.Unmarshal([]byte(runCmd(t, cfg, "status")), &status))
	require.Equal(t, 1, status.Pending)
}

func TestUnknownCommand(t *testing.T) {
	cfg := testAgentConfig(t, "http://127.0.0.1:1", "")
	err := run(context.Background(), cfg, slog.Default(), io.Discard, []string{"launch"})
	require.ErrorIs(t, err, errUsage)
	err = run(context.Background(), cfg, slog.Default(), io.Discard, []string{"mark", "2025-11-20"})
	require.ErrorIs(t, err, errUsage)
}
