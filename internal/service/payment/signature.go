package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// SignatureHeader — заголовок с HMAC-SHA256 подписью тела вебхука (hex).
const SignatureHeader = "X-Signature"

// webhookEnvelope — общий формат вебхука, который отправляют симулятор и REST-провайдер.
type webhookEnvelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Reference string         `json:"reference"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sign считает подпись тела вебхука.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify сравнивает подпись за постоянное время.
func Verify(secret, payload []byte, signature string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(expected) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// HeaderValue ищет заголовок без учёта регистра.
func HeaderValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// parseSignedWebhook проверяет подпись и разбирает конверт события.
func parseSignedWebhook(secret, payload []byte, headers map[string]string) (domain.WebhookEvent, error) {
	if len(secret) == 0 || !Verify(secret, payload, HeaderValue(headers, SignatureHeader)) {
		return domain.WebhookEvent{}, domain.ErrInvalidSignature
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: decode webhook: %v", domain.ErrValidation, err)
	}
	if strings.TrimSpace(env.Reference) == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: webhook reference is empty", domain.ErrValidation)
	}

	return domain.WebhookEvent{
		EventID:       env.ID,
		Kind:          domain.WebhookEventKind(env.Type),
		SaleReference: env.Reference,
		Details:       env.Data,
	}, nil
}

// BuildWebhook собирает подписанный вебхук в общем формате.
func BuildWebhook(secret []byte, eventID string, kind domain.WebhookEventKind, reference string, data map[string]any) ([]byte, map[string]string, error) {
	payload, err := json.Marshal(webhookEnvelope{
		ID:        eventID,
		Type:      string(kind),
		Reference: reference,
		Data:      data,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal webhook: %w", err)
	}
	return payload, map[string]string{SignatureHeader: Sign(secret, payload)}, nil
}
