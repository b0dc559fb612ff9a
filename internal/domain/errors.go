package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation — общий вид ошибок некорректного запроса.
	ErrValidation = errors.New("validation failed")
	// Ошибка отсутствующего идентификатора покупателя.
	ErrBuyerRequired = fmt.Errorf("%w: buyer_id is required", ErrValidation)
	// Ошибка отсутствующего идентификатора курса.
	ErrCourseRequired = fmt.Errorf("%w: course_id is required", ErrValidation)
	// Ошибка отсутствующего идентификатора продажи.
	ErrSaleIDRequired = fmt.Errorf("%w: sale_id is required", ErrValidation)
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = fmt.Errorf("%w: currency is required", ErrValidation)
	// Ошибка отрицательной суммы.
	ErrAmountNegative = fmt.Errorf("%w: amounts must be non-negative", ErrValidation)
	// Ошибка несоответствия net + tax и total.
	ErrAmountMismatch = fmt.Errorf("%w: net price plus tax does not match total", ErrValidation)
	// Ошибка ненулевой суммы у бесплатной или назначенной продажи.
	ErrFreeSaleNotZero = fmt.Errorf("%w: free or assigned sale must be zero priced", ErrValidation)
	// Ошибка отсутствующей причины при назначении курса администратором.
	ErrAssignmentReasonRequired = fmt.Errorf("%w: assignment_reason is required for special assignment", ErrValidation)
	// Ошибка неизвестного статуса продажи.
	ErrSaleStatusInvalid = fmt.Errorf("%w: unknown sale status", ErrValidation)
	// Ошибка некорректных ценовых данных курса (ставка налога, скидка).
	ErrPricingInvalid = fmt.Errorf("%w: invalid course pricing data", ErrValidation)
	// Ошибка отсутствующего платёжного токена при подтверждении.
	ErrPaymentTokenRequired = fmt.Errorf("%w: payment token is required", ErrValidation)
	// Токен из запроса не совпадает с токеном, выданным провайдером для этой продажи.
	ErrPaymentTokenMismatch = fmt.Errorf("%w: payment token does not belong to the sale", ErrValidation)
	// Подтверждение провайдера относится к другой продаже или другой сумме.
	ErrConfirmationMismatch = fmt.Errorf("%w: provider confirmation does not match the sale", ErrValidation)
	// Ошибка отсутствующего кода платёжного провайдера.
	ErrPaymentProviderRequired = fmt.Errorf("%w: payment provider is required", ErrValidation)

	// ErrSaleNotFound возвращается, если продажа не найдена в репозитории.
	ErrSaleNotFound = errors.New("sale not found")
	// ErrCourseNotFound возвращается каталогом для неизвестного курса.
	ErrCourseNotFound = errors.New("course not found")
	// ErrEnrollmentNotFound возвращается, если у покупателя нет доступа к курсу.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	// ErrPaymentProviderUnknown — провайдер не зарегистрирован.
	ErrPaymentProviderUnknown = errors.New("payment provider is not registered")

	// ErrAlreadyEnrolled — у покупателя уже есть доступ к курсу.
	ErrAlreadyEnrolled = errors.New("buyer is already enrolled in course")
	// ErrInFlightSaleExists — по паре (buyer, course) уже есть продажа в PENDING/PROCESSING.
	ErrInFlightSaleExists = errors.New("in-flight sale already exists for buyer and course")
	// ErrInvalidTransition — переход отсутствует в таблице разрешённых.
	ErrInvalidTransition = errors.New("invalid sale status transition")
	// ErrSaleVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrSaleVersionConflict = errors.New("sale version conflict")
	// ErrSaleHistoryRewrite — сохранение меняет цену или уже записанный журнал продажи.
	ErrSaleHistoryRewrite = errors.New("sale prices and transaction log are immutable")
	// ErrSaleAlreadyExists — запись с таким ID уже есть.
	ErrSaleAlreadyExists = errors.New("sale already exists")

	// ErrUnauthorized — вызывающий не представился.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden — у вызывающего нет прав на операцию.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamProvider — платёжный провайдер вернул ошибку.
	ErrUpstreamProvider = errors.New("payment provider error")
	// ErrProviderTimeout — провайдер не ответил вовремя, исход неизвестен.
	ErrProviderTimeout = fmt.Errorf("%w: timeout", ErrUpstreamProvider)
	// ErrProviderUnavailable — circuit breaker открыт, запрос к провайдеру не отправлялся.
	ErrProviderUnavailable = fmt.Errorf("%w: circuit open", ErrUpstreamProvider)
	// ErrCatalogUnavailable — каталог курсов недоступен.
	ErrCatalogUnavailable = errors.New("course catalog unavailable")

	// ErrUnknownSaleReference — вебхук ссылается на продажу, которую не удалось найти.
	ErrUnknownSaleReference = errors.New("unknown sale reference")
	// ErrUnrecognizedEvent — тип события вебхука не поддерживается.
	ErrUnrecognizedEvent = errors.New("unrecognized webhook event")
	// ErrInvalidSignature — подпись вебхука не прошла проверку.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// Ошибки идемпотентности HTTP-запросов.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrSaleVersionConflict)
}

// IsIdempotencyConflict — ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsValidation проверяет, что ошибка относится к некорректному запросу.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound объединяет все "не найдено".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSaleNotFound) ||
		errors.Is(err, ErrCourseNotFound) ||
		errors.Is(err, ErrEnrollmentNotFound) ||
		errors.Is(err, ErrPaymentProviderUnknown)
}

// IsConflict объединяет ошибки, которые отдаются вызывающему как конфликт состояния.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled) ||
		errors.Is(err, ErrInFlightSaleExists) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrSaleVersionConflict) ||
		errors.Is(err, ErrSaleAlreadyExists) ||
		errors.Is(err, ErrSaleHistoryRewrite) ||
		IsIdempotencyConflict(err)
}
