package domain

import "time"

// IdempotencyStatus — стадия обработки запроса, пришедшего с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed — ответ сохранён, но это ошибка; повтор вернёт её же.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// DefaultIdempotencyTTL используется, когда конфигурация не задаёт срок хранения ключей.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord — сохранённый результат мутирующего запроса к API продаж.
// RequestHash защищает от повторного использования ключа с другим телом.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s IdempotencyStatus) Valid() bool {
	return s == IdempotencyStatusProcessing || s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// Replayable сообщает, что ответ уже записан и его можно отдать повторно.
func (r IdempotencyRecord) Replayable() bool {
	if r.Status == IdempotencyStatusProcessing {
		return false
	}
	return r.HTTPStatus != 0
}

// Expired сообщает, что TTLAt наступил к моменту now, граница включительно.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.TTLAt)
}
