package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"resty.dev/v3"
)

const (
	idempotencyHeader = "Idempotency-Key"
	tokenTTL          = time.Hour
)

// salesClient — вызовы HTTP API продаж, которые делает нагрузочный сценарий.
// Каждый метод возвращает HTTP-статус (0, если ответа не было).
type salesClient interface {
	CreateSale(ctx context.Context, buyerID, courseID, key string) (saleID string, status int, err error)
	ProcessPayment(ctx context.Context, buyerID, saleID, key string) (phase string, status int, err error)
	CancelSale(ctx context.Context, buyerID, saleID string) (status int, err error)
}

type httpSalesClient struct {
	client *resty.Client
	secret []byte
}

type createSaleBody struct {
	BuyerID  string `json:"buyer_id"`
	CourseID string `json:"course_id"`
}

type saleBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type processPaymentBody struct {
	Phase string `json:"phase"`
}

func newHTTPSalesClient(baseURL, jwtSecret string, timeout time.Duration) *httpSalesClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &httpSalesClient{client: client, secret: []byte(jwtSecret)}
}

func (c *httpSalesClient) Close() error {
	return c.client.Close()
}

// token выпускает HS256-токен покупателя в формате, который принимает API.
func (c *httpSalesClient) token(buyerID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": buyerID,
		"role":    "buyer",
		"exp":     time.Now().Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *httpSalesClient) request(ctx context.Context, buyerID string) (*resty.Request, error) {
	token, err := c.token(buyerID)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return c.client.R().SetContext(ctx).SetAuthToken(token), nil
}

func (c *httpSalesClient) CreateSale(ctx context.Context, buyerID, courseID, key string) (string, int, error) {
	req, err := c.request(ctx, buyerID)
	if err != nil {
		return "", 0, err
	}

	var sale saleBody
	resp, err := req.
		SetHeader(idempotencyHeader, key).
		SetBody(createSaleBody{BuyerID: buyerID, CourseID: courseID}).
		SetResult(&sale).
		Post("/sales")
	if err != nil {
		return "", 0, err
	}
	if resp.IsError() {
		return "", resp.StatusCode(), fmt.Errorf("create sale: status %d: %s", resp.StatusCode(), resp.String())
	}
	if sale.ID == "" {
		return "", resp.StatusCode(), fmt.Errorf("create sale: empty sale id")
	}
	return sale.ID, resp.StatusCode(), nil
}

func (c *httpSalesClient) ProcessPayment(ctx context.Context, buyerID, saleID, key string) (string, int, error) {
	req, err := c.request(ctx, buyerID)
	if err != nil {
		return "", 0, err
	}

	var body processPaymentBody
	resp, err := req.
		SetHeader(idempotencyHeader, key).
		SetPathParam("id", saleID).
		SetResult(&body).
		Post("/sales/{id}/process-payment")
	if err != nil {
		return "", 0, err
	}
	if resp.IsError() {
		return "", resp.StatusCode(), fmt.Errorf("process payment: status %d: %s", resp.StatusCode(), resp.String())
	}
	return body.Phase, resp.StatusCode(), nil
}

func (c *httpSalesClient) CancelSale(ctx context.Context, buyerID, saleID string) (int, error) {
	req, err := c.request(ctx, buyerID)
	if err != nil {
		return 0, err
	}

	resp, err := req.
		SetPathParam("id", saleID).
		SetBody(map[string]string{"status": "CANCELLED", "message": "load-cancel"}).
		Patch("/sales/{id}/status")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return resp.StatusCode(), fmt.Errorf("cancel sale: status %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.StatusCode(), nil
}
