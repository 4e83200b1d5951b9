package attendance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/routebook/routebook/internal/platform/httpx"
)

func newTestRouter(t *testing.T) (http.Handler, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	h := NewHandler(newTestService(repo, nil), nil)
	r := chi.NewRouter()
	r.Route("/attendance", h.MountRoutes)
	return r, repo
}

func TestHandlerSubmitReturnsCounts(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"date":"2025-11-20","area_id":"A1","attendance":[{"customer_id":"C1","products":[{"product_id":"P1","quantity":2,"status":"delivered"}]}]}`

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Created int    `json:"created"`
		Updated int    `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, 1, resp.Created)
	require.Equal(t, 0, resp.Updated)
}

func TestHandlerSubmitValidationProblem(t *testing.T) {
	router, repo := newTestRouter(t)
	body := `{"date":"2025-11-20","area_id":"A1","attendance":[{"customer_id":"C1","products":[{"product_id":"P1","quantity":-4,"status":"delivered"}]}]}`

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Len(t, problem.Errors, 1)
	require.Equal(t, "attendance[0].products[0].quantity", problem.Errors[0].Field)
	require.Empty(t, repo.entries)
}

func TestHandlerUnknownCustomerIsClientError(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"date":"2025-11-20","area_id":"A1","attendance":[{"customer_id":"C9","products":[{"product_id":"P1","quantity":1,"status":"delivered"}]}]}`

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "customer C9 does not exist")
}

func TestHandlerCloseThenSubmitConflicts(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/close", strings.NewReader(`{"date":"2025-11-20","area_id":"A1"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	body := `{"date":"2025-11-20","area_id":"A1","attendance":[{"customer_id":"C1","products":[{"product_id":"P1","quantity":1,"status":"delivered"}]}]}`
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHandlerListReturnsSheet(t *testing.T) {
	router, _ := newTestRouter(t)
	body := `{"date":"2025-11-20","area_id":"A1","attendance":[{"customer_id":"C2","products":[{"product_id":"P2","quantity":1,"status":"delivered"}]}]}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/attendance/?date=2025-11-20&area_id=A1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Success bool     `json:"success"`
		Data    DaySheet `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.False(t, resp.Data.Closed)
	require.Len(t, resp.Data.Entries, 1)
	require.Equal(t, "C2", resp.Data.Entries[0].CustomerID)
}
