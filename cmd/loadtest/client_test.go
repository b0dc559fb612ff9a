package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/httpapi"
)

// fakeSalesAPI повторяет маршруты API продаж: оплата завершается со второго вызова.
type fakeSalesAPI struct {
	secret string

	mu       sync.Mutex
	payCalls map[string]int
	keys     map[string]bool
}

func newFakeSalesAPI(t *testing.T, secret string) (*fakeSalesAPI, *httptest.Server) {
	t.Helper()
	api := &fakeSalesAPI{secret: secret, payCalls: make(map[string]int), keys: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sales", api.guard(func(w http.ResponseWriter, r *http.Request, buyer string) {
		var body createSaleBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.BuyerID != buyer {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, saleBody{ID: "sale-" + buyer, Status: "PENDING"})
	}))
	mux.HandleFunc("POST /sales/{id}/process-payment", api.guard(func(w http.ResponseWriter, r *http.Request, _ string) {
		api.mu.Lock()
		api.payCalls[r.PathValue("id")]++
		calls := api.payCalls[r.PathValue("id")]
		api.mu.Unlock()

		phase := "redirect"
		if calls > 1 {
			phase = phaseCompleted
		}
		writeJSON(w, http.StatusOK, processPaymentBody{Phase: phase})
	}))
	mux.HandleFunc("PATCH /sales/{id}/status", api.guard(func(w http.ResponseWriter, r *http.Request, _ string) {
		writeJSON(w, http.StatusOK, saleBody{ID: r.PathValue("id"), Status: "CANCELLED"})
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeSalesAPI) guard(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		capability, err := httpapi.ParseToken(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "), a.secret)
		if err != nil || capability.Role != domain.RoleBuyer {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if key := r.Header.Get(idempotencyHeader); key != "" {
			a.mu.Lock()
			a.keys[key] = true
			a.mu.Unlock()
		}
		next(w, r, capability.CallerID)
	}
}

func (a *fakeSalesAPI) keyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestHTTPSalesClient_PurchaseFlow(t *testing.T) {
	api, srv := newFakeSalesAPI(t, "secret")
	client := newHTTPSalesClient(srv.URL, "secret", time.Second)
	t.Cleanup(func() { _ = client.Close() })
	ctx := t.Context()

	saleID, status, err := client.CreateSale(ctx, "buyer-1", "go-101", "k-create")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "sale-buyer-1", saleID)

	phase, _, err := client.ProcessPayment(ctx, "buyer-1", saleID, "k-pay-1")
	require.NoError(t, err)
	assert.Equal(t, "redirect", phase)

	phase, status, err = client.ProcessPayment(ctx, "buyer-1", saleID, "k-pay-2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, phaseCompleted, phase)

	status, err = client.CancelSale(ctx, "buyer-1", saleID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, 3, api.keyCount())
}

func TestHTTPSalesClient_ErrorStatus(t *testing.T) {
	_, srv := newFakeSalesAPI(t, "secret")
	client := newHTTPSalesClient(srv.URL, "other-secret", time.Second)
	t.Cleanup(func() { _ = client.Close() })

	_, status, err := client.CreateSale(t.Context(), "buyer-1", "go-101", "k")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, err.Error(), "status 401")

	status, err = client.CancelSale(t.Context(), "buyer-1", "sale-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHTTPSalesClient_TransportError(t *testing.T) {
	_, srv := newFakeSalesAPI(t, "secret")
	srv.Close()
	client := newHTTPSalesClient(srv.URL, "secret", time.Second)
	t.Cleanup(func() { _ = client.Close() })

	_, status, err := client.ProcessPayment(t.Context(), "buyer-1", "sale-1", "k")
	require.Error(t, err)
	assert.Zero(t, status)
}
