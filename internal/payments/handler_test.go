package payments

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

func newTestRouter(t *testing.T) (http.Handler, *Service) {
	t.Helper()
	svc := newTestService(newMemoryRepo())
	h := NewHandler(svc, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", h.MountRoutes)
	return r, svc
}

func do(t *testing.T, router http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

func decodeEnvelope[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out envelope[T]
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.True(t, out.Success)
	return out.Data
}

func TestHandlerPaymentFlow(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(t, router, http.MethodPost, "/api/v1/accounts/invoices", `{"party_id":"C1","reference":"INV-9","total_amount":"500"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	account := decodeEnvelope[Account](t, rr)

	body := `{"account_id":"` + account.ID.String() + `","amount":200,"method":"cash"}`
	rr = do(t, router, http.MethodPost, "/api/v1/payments", body, map[string]string{IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusCreated, rr.Code)
	payment := decodeEnvelope[Payment](t, rr)
	require.Equal(t, PaymentCompleted, payment.Status)

	rr = do(t, router, http.MethodPost, "/api/v1/payments", body, map[string]string{IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/v1/accounts/"+account.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeEnvelope[Account](t, rr)
	require.Equal(t, AccountPartial, got.Status)
	require.Equal(t, "300", got.Due.String())

	rr = do(t, router, http.MethodPatch, "/api/v1/payments/"+payment.ID.String()+"/status", `{"status":"refunded"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/v1/parties/customer/C1/balance", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	party := decodeEnvelope[PartyBalance](t, rr)
	require.Equal(t, AccountPending, party.Status)

	rr = do(t, router, http.MethodGet, "/api/v1/accounts/"+account.ID.String()+"/payments", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeEnvelope[[]Payment](t, rr), 1)
}

func TestHandlerOverpaymentIsBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := do(t, router, http.MethodPost, "/api/v1/accounts/invoices", `{"party_id":"C1","total_amount":"100"}`, nil)
	account := decodeEnvelope[Account](t, rr)

	rr = do(t, router, http.MethodPost, "/api/v1/payments", `{"account_id":"`+account.ID.String()+`","amount":150,"method":"cash"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerRejectsUnknownMethod(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := do(t, router, http.MethodPost, "/api/v1/payments", `{"account_id":"not-a-uuid","amount":1,"method":"barter"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	fields := make([]string, 0, len(problem.Errors))
	for _, v := range problem.Errors {
		fields = append(fields, v.Field)
	}
	require.ElementsMatch(t, []string{"account_id", "method"}, fields)
}

func TestHandlerNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := do(t, router, http.MethodGet, "/api/v1/payments/4b1f1f0e-6a55-4c1b-9a43-0d3d1b3f8f11", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, http.MethodGet, "/api/v1/payments/nope", "", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
