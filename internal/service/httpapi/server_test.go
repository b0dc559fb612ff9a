package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/catalog"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
	"github.com/vladislavdragonenkov/coursesales/internal/service/enrollment"
	"github.com/vladislavdragonenkov/coursesales/internal/service/idempotency"
	"github.com/vladislavdragonenkov/coursesales/internal/service/ledger"
	"github.com/vladislavdragonenkov/coursesales/internal/service/payment"
	"github.com/vladislavdragonenkov/coursesales/internal/service/webhook"
	"github.com/vladislavdragonenkov/coursesales/internal/storage/memory"
)

const (
	jwtSecret     = "jwt-test-secret"
	webhookSecret = "whsec-test"
)

type APISuite struct {
	suite.Suite

	sales  domain.SaleRepository
	ledger *ledger.Ledger
	sim    *payment.Simulator
	router http.Handler
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	entry := logger.WithField("test", s.T().Name())

	s.sales = memory.NewSaleRepository()
	enrollments := memory.NewEnrollmentRepository()
	courses := catalog.NewStaticCatalog(
		domain.Course{ID: "course-1", Currency: "EUR", NetPrice: 10000, TaxRate: decimal.RequireFromString("0.19")},
		domain.Course{ID: "course-2", Currency: "EUR", NetPrice: 2000},
	)
	s.ledger = ledger.New(s.sales, enrollments, courses, enrollment.NewActivator(enrollments, entry), entry,
		ledger.WithRetry(5, time.Millisecond))
	s.sim = payment.NewSimulator(webhookSecret, "https://pay.test/checkout")
	registry := payment.NewRegistry("", s.sim)

	s.router = NewRouter(Deps{
		Sales:     s.ledger,
		Payments:  checkout.NewProcessor(s.ledger, registry, nil, entry, "https://shop.test/return"),
		Webhooks:  webhook.NewReconciler(registry, s.sales, s.ledger, nil, entry),
		Guard:     idempotency.NewGuard(memory.NewIdempotencyRepository(), time.Hour, entry),
		JWTSecret: jwtSecret,
		Logger:    entry,
	})
}

func (s *APISuite) token(userID, role string) string {
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	s.Require().NoError(err)
	return signed
}

func (s *APISuite) do(method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *APISuite) decodeSale(rec *httptest.ResponseRecorder) saleResponse {
	var resp saleResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func (s *APISuite) createSale(token string) saleResponse {
	rec := s.do(http.MethodPost, "/sales", token, map[string]any{"course_id": "course-1"}, nil)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	return s.decodeSale(rec)
}

func (s *APISuite) TestRequiresToken() {
	rec := s.do(http.MethodGet, "/sales", "", nil, nil)
	s.Equal(http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/sales", "not-a-jwt", nil, nil)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *APISuite) TestCreateAndGetSale() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)

	s.Equal("buyer-1", sale.BuyerID)
	s.Equal(string(domain.SaleStatusPending), sale.Status)
	s.Equal(int64(11900), sale.TotalPrice)
	s.Require().Len(sale.TransactionLog, 1)

	rec := s.do(http.MethodGet, "/sales/"+sale.ID, buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(sale.ID, s.decodeSale(rec).ID)

	rec = s.do(http.MethodGet, "/sales/"+sale.ID, s.token("buyer-2", "buyer"), nil, nil)
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/sales/missing", buyer, nil, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *APISuite) TestCreateSaleConflicts() {
	buyer := s.token("buyer-1", "")
	s.createSale(buyer)

	rec := s.do(http.MethodPost, "/sales", buyer, map[string]any{"course_id": "course-1"}, nil)
	s.Equal(http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/sales", buyer, map[string]any{"course_id": "missing"}, nil)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/sales", buyer, map[string]any{}, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/sales", buyer, map[string]any{"course_id": "course-2", "buyer_id": "buyer-2"}, nil)
	s.Equal(http.StatusForbidden, rec.Code)
}

func (s *APISuite) TestListSales() {
	buyer := s.token("buyer-1", "")
	s.createSale(buyer)

	rec := s.do(http.MethodGet, "/sales?limit=10", buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var list saleListResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	s.Equal(1, list.Count)

	rec = s.do(http.MethodGet, "/sales?limit=abc", buyer, nil, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/sales?buyer_id=buyer-1", s.token("admin-1", "admin"), nil, nil)
	s.Equal(http.StatusOK, rec.Code)
}

func (s *APISuite) TestTransitionPermissions() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)

	rec := s.do(http.MethodPatch, "/sales/"+sale.ID+"/status", buyer, map[string]any{"status": "PAID"}, nil)
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPatch, "/sales/"+sale.ID+"/status", buyer, map[string]any{"status": "bogus"}, nil)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPatch, "/sales/"+sale.ID+"/status", buyer, map[string]any{"status": "cancelled", "message": "changed my mind"}, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Equal(string(domain.SaleStatusCancelled), s.decodeSale(rec).Status)

	admin := s.token("admin-1", "admin")
	rec = s.do(http.MethodPatch, "/sales/"+sale.ID+"/status", admin, map[string]any{"status": "REFUNDED"}, nil)
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *APISuite) TestProcessPaymentAndEnrollment() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)

	rec := s.do(http.MethodPost, "/sales/"+sale.ID+"/process-payment", buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var resp processPaymentResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(string(checkout.PhaseRedirect), resp.Phase)
	s.NotEmpty(resp.RedirectURL)

	rec = s.do(http.MethodGet, "/enrollments/course-1", buyer, nil, nil)
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/sales/"+sale.ID+"/process-payment", buyer, map[string]any{}, nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(string(checkout.PhaseCompleted), resp.Phase)
	s.Equal(string(domain.SaleStatusCompleted), resp.Sale.Status)

	rec = s.do(http.MethodGet, "/enrollments/course-1", buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var enr enrollmentResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &enr))
	s.Equal(sale.ID, enr.SaleID)
	s.Equal(string(domain.EnrollmentTypePaid), enr.Type)
}

func (s *APISuite) TestProcessPaymentRejected() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)

	rec := s.do(http.MethodPost, "/sales/"+sale.ID+"/process-payment", buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	stored, err := s.sales.Get(context.Background(), sale.ID)
	s.Require().NoError(err)
	s.sim.SetOutcome(stored.ProviderRef, domain.ProviderStatusRejected)

	rec = s.do(http.MethodPost, "/sales/"+sale.ID+"/process-payment", buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var resp processPaymentResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(string(checkout.PhaseFailed), resp.Phase)
	s.Equal(string(domain.SaleStatusFailed), resp.Sale.Status)
}

func (s *APISuite) TestProcessPaymentUnknownProvider() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)

	rec := s.do(http.MethodPost, "/sales/"+sale.ID+"/process-payment", buyer, map[string]any{"provider": "nope"}, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *APISuite) TestIdempotentCreateReplaysResponse() {
	buyer := s.token("buyer-1", "")
	headers := map[string]string{idempotencyKeyHeader: "key-1"}
	body := map[string]any{"course_id": "course-1"}

	first := s.do(http.MethodPost, "/sales", buyer, body, headers)
	s.Require().Equal(http.StatusCreated, first.Code)

	second := s.do(http.MethodPost, "/sales", buyer, body, headers)
	s.Require().Equal(http.StatusCreated, second.Code)
	s.Equal("true", second.Header().Get(replayedHeader))
	s.JSONEq(first.Body.String(), second.Body.String())

	other := s.do(http.MethodPost, "/sales", buyer, map[string]any{"course_id": "course-2"}, headers)
	s.Equal(http.StatusConflict, other.Code)

	sales, err := s.ledger.ListSales(context.Background(), "buyer-1", domain.SystemCapability("test"), 10)
	s.Require().NoError(err)
	s.Len(sales, 1)
}

func (s *APISuite) TestWebhookCompletesSale() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)
	rec := s.do(http.MethodPost, "/sales/"+sale.ID+"/process-payment", buyer, nil, nil)
	s.Require().Equal(http.StatusOK, rec.Code)

	payload, headers, err := s.sim.Webhook(domain.WebhookPaymentCompleted, sale.ID)
	s.Require().NoError(err)

	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sales/webhook?provider="+payment.SimulatorProvider, bytes.NewReader(payload))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		out := httptest.NewRecorder()
		s.router.ServeHTTP(out, req)
		return out
	}

	rec = deliver()
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var resp webhookResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(string(webhook.OutcomeApplied), resp.Outcome)
	s.Equal(string(domain.SaleStatusCompleted), resp.Status)

	rec = deliver()
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(string(webhook.OutcomeDuplicate), resp.Outcome)
}

func (s *APISuite) TestWebhookErrors() {
	payload, headers, err := s.sim.Webhook(domain.WebhookPaymentCompleted, "unknown-sale")
	s.Require().NoError(err)

	post := func(path string, body []byte, hdrs map[string]string) int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec.Code
	}

	s.Equal(http.StatusBadRequest, post("/sales/webhook", payload, headers))
	s.Equal(http.StatusNotFound, post("/sales/webhook?provider=unknown", payload, headers))
	s.Equal(http.StatusNotFound, post("/sales/webhook?provider="+payment.SimulatorProvider, payload, headers))
	s.Equal(http.StatusUnauthorized, post("/sales/webhook?provider="+payment.SimulatorProvider, payload,
		map[string]string{payment.SignatureHeader: "deadbeef"}))

	withHeader := map[string]string{providerHeader: payment.SimulatorProvider}
	for k, v := range headers {
		withHeader[k] = v
	}
	s.Equal(http.StatusNotFound, post("/sales/webhook", payload, withHeader))

	unknownKind, unknownHeaders, err := s.sim.Webhook(domain.WebhookEventKind("payment.disputed"), "unknown-sale")
	s.Require().NoError(err)
	s.Equal(http.StatusAccepted, post("/sales/webhook?provider="+payment.SimulatorProvider, unknownKind, unknownHeaders))
}

func (s *APISuite) TestBackfillRequiresAdmin() {
	buyer := s.token("buyer-1", "")
	sale := s.createSale(buyer)

	rec := s.do(http.MethodPost, "/sales/"+sale.ID+"/backfill-enrollment", buyer, nil, nil)
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/sales/"+sale.ID+"/backfill-enrollment", s.token("admin-1", "admin"), nil, nil)
	s.Equal(http.StatusConflict, rec.Code)
}
