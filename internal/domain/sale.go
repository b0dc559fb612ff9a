package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SaleStatus описывает жизненный цикл продажи курса.
type SaleStatus string

const (
	// SaleStatusPending — продажа создана, оплата ещё не начиналась.
	SaleStatusPending SaleStatus = "PENDING"
	// SaleStatusProcessing — у провайдера открыта транзакция, ждём подтверждения.
	SaleStatusProcessing SaleStatus = "PROCESSING"
	// SaleStatusPaid — провайдер подтвердил оплату.
	SaleStatusPaid SaleStatus = "PAID"
	// SaleStatusCompleted — оплата учтена, доступ к курсу выдан (или поставлен в backfill).
	SaleStatusCompleted SaleStatus = "COMPLETED"
	// SaleStatusFailed — провайдер отклонил платёж или вернул ошибку.
	SaleStatusFailed SaleStatus = "FAILED"
	// SaleStatusCancelled — покупка отменена до оплаты.
	SaleStatusCancelled SaleStatus = "CANCELLED"
	// SaleStatusRefunded — деньги возвращены, терминальное состояние.
	SaleStatusRefunded SaleStatus = "REFUNDED"
)

// allowedTransitions — таблица разрешённых переходов. Переход в то же состояние
// разрешён всегда и проверяется отдельно.
var allowedTransitions = map[SaleStatus][]SaleStatus{
	SaleStatusPending:    {SaleStatusProcessing, SaleStatusPaid, SaleStatusFailed, SaleStatusCancelled},
	SaleStatusProcessing: {SaleStatusPaid, SaleStatusFailed, SaleStatusCancelled},
	SaleStatusPaid:       {SaleStatusCompleted, SaleStatusRefunded},
	SaleStatusCompleted:  {SaleStatusRefunded},
	SaleStatusFailed:     {SaleStatusPending, SaleStatusCancelled},
	SaleStatusCancelled:  {SaleStatusPending},
	SaleStatusRefunded:   {},
}

// AllSaleStatuses возвращает все известные статусы в порядке объявления.
func AllSaleStatuses() []SaleStatus {
	return []SaleStatus{
		SaleStatusPending,
		SaleStatusProcessing,
		SaleStatusPaid,
		SaleStatusCompleted,
		SaleStatusFailed,
		SaleStatusCancelled,
		SaleStatusRefunded,
	}
}

// ParseSaleStatus нормализует строку (регистр, пробелы) и проверяет, что статус известен.
func ParseSaleStatus(raw string) (SaleStatus, error) {
	status := SaleStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", ErrSaleStatusInvalid
	}
	return status, nil
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s SaleStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsInFlight сообщает, что продажа ещё не дошла до оплаты или терминального исхода.
func (s SaleStatus) IsInFlight() bool {
	return s == SaleStatusPending || s == SaleStatusProcessing
}

// CanTransition проверяет пару (from, to) по таблице переходов.
func CanTransition(from, to SaleStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransactionLogEntry — одна запись журнала продажи. Записи только добавляются.
type TransactionLogEntry struct {
	// Seq — порядковый номер записи внутри продажи, начиная с 1.
	Seq       int
	Timestamp time.Time
	Status    SaleStatus
	Message   string
	// PaymentDetails — снимок patch'а, пришедшего вместе с переходом (может быть nil).
	PaymentDetails map[string]any
}

// Sale агрегирует состояние покупки курса.
type Sale struct {
	ID       string
	BuyerID  string
	CourseID string
	Currency string

	// Суммы в минимальных денежных единицах, фиксируются при создании.
	NetPrice        int64
	TaxAmount       int64
	TotalPrice      int64
	DiscountPercent decimal.Decimal
	DiscountAmount  int64
	CourseFree      bool

	Status         SaleStatus
	PaymentDetails map[string]any
	// ProviderRef — токен транзакции у платёжного провайдера.
	ProviderRef    string
	TransactionLog []TransactionLogEntry

	PaidAt      *time.Time
	CompletedAt *time.Time

	SpecialAssignment bool
	AssignedBy        string
	AssignmentReason  string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты продажи и возвращает список замечаний.
func (s *Sale) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(s.BuyerID) == "" {
		errs = append(errs, ErrBuyerRequired)
	}
	if strings.TrimSpace(s.CourseID) == "" {
		errs = append(errs, ErrCourseRequired)
	}
	if s.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if s.NetPrice < 0 || s.TaxAmount < 0 || s.TotalPrice < 0 || s.DiscountAmount < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if s.NetPrice+s.TaxAmount != s.TotalPrice {
		errs = append(errs, ErrAmountMismatch)
	}
	if (s.CourseFree || s.SpecialAssignment) && s.TotalPrice != 0 {
		errs = append(errs, ErrFreeSaleNotZero)
	}
	if s.SpecialAssignment && strings.TrimSpace(s.AssignmentReason) == "" {
		errs = append(errs, ErrAssignmentReasonRequired)
	}
	if !s.Status.Valid() {
		errs = append(errs, ErrSaleStatusInvalid)
	}

	return errs
}

// IsZeroPriced — продажа не требует похода к платёжному провайдеру.
func (s *Sale) IsZeroPriced() bool {
	return s.TotalPrice == 0
}

// LastLogEntry возвращает последнюю запись журнала.
func (s *Sale) LastLogEntry() (TransactionLogEntry, bool) {
	if len(s.TransactionLog) == 0 {
		return TransactionLogEntry{}, false
	}
	return s.TransactionLog[len(s.TransactionLog)-1], true
}

// AppendLog добавляет запись в журнал, не меняя статус.
func (s *Sale) AppendLog(status SaleStatus, message string, details map[string]any, at time.Time) {
	s.TransactionLog = append(s.TransactionLog, TransactionLogEntry{
		Seq:            len(s.TransactionLog) + 1,
		Timestamp:      at,
		Status:         status,
		Message:        message,
		PaymentDetails: cloneDetails(details),
	})
	s.UpdatedAt = at
}

// ApplyTransition применяет переход к продаже в памяти.
// Возвращает true, если продажа впервые вошла в COMPLETED.
// При недопустимом переходе продажа не меняется.
func (s *Sale) ApplyTransition(target SaleStatus, message string, patch map[string]any, at time.Time) (bool, error) {
	if !target.Valid() {
		return false, ErrSaleStatusInvalid
	}
	if !CanTransition(s.Status, target) {
		return false, ErrInvalidTransition
	}

	s.PaymentDetails = MergeDetails(s.PaymentDetails, patch)
	if ref, ok := patch[DetailPaymentToken].(string); ok && ref != "" {
		s.ProviderRef = ref
	}

	s.AppendLog(target, message, patch, at)
	s.Status = target

	if target == SaleStatusPaid && s.PaidAt == nil {
		paidAt := at
		s.PaidAt = &paidAt
	}

	firstCompletion := false
	if target == SaleStatusCompleted && s.CompletedAt == nil {
		completedAt := at
		s.CompletedAt = &completedAt
		firstCompletion = true
	}

	return firstCompletion, nil
}

// CheckAppendOnly проверяет, что next продолжает prev: цена и покупатель не меняются,
// а журнал prev остаётся префиксом журнала next.
func CheckAppendOnly(prev, next Sale) error {
	if prev.BuyerID != next.BuyerID || prev.CourseID != next.CourseID || prev.Currency != next.Currency ||
		prev.NetPrice != next.NetPrice || prev.TaxAmount != next.TaxAmount || prev.TotalPrice != next.TotalPrice ||
		prev.DiscountAmount != next.DiscountAmount || !prev.DiscountPercent.Equal(next.DiscountPercent) ||
		prev.CourseFree != next.CourseFree {
		return fmt.Errorf("%w: sale %s pricing changed", ErrSaleHistoryRewrite, prev.ID)
	}
	if len(next.TransactionLog) < len(prev.TransactionLog) {
		return fmt.Errorf("%w: sale %s log truncated", ErrSaleHistoryRewrite, prev.ID)
	}
	for i, entry := range prev.TransactionLog {
		got := next.TransactionLog[i]
		if got.Seq != entry.Seq || got.Status != entry.Status || got.Message != entry.Message ||
			!got.Timestamp.Equal(entry.Timestamp) {
			return fmt.Errorf("%w: sale %s log entry %d rewritten", ErrSaleHistoryRewrite, prev.ID, entry.Seq)
		}
	}
	return nil
}

// Clone возвращает глубокую копию продажи, чтобы хранилища не делили map/slice с вызывающим.
func (s Sale) Clone() Sale {
	dst := s
	dst.PaymentDetails = cloneDetails(s.PaymentDetails)
	if s.TransactionLog != nil {
		dst.TransactionLog = make([]TransactionLogEntry, len(s.TransactionLog))
		for i, entry := range s.TransactionLog {
			entry.PaymentDetails = cloneDetails(entry.PaymentDetails)
			dst.TransactionLog[i] = entry
		}
	}
	if s.PaidAt != nil {
		paidAt := *s.PaidAt
		dst.PaidAt = &paidAt
	}
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		dst.CompletedAt = &completedAt
	}
	return dst
}

// Ключи paymentDetails, которые заполняет сам сервис.
const (
	DetailProvider              = "provider"
	DetailPaymentToken          = "payment_token"
	DetailRedirectURL           = "redirect_url"
	DetailProviderTransactionID = "provider_transaction_id"
	DetailProviderStatus        = "provider_status"
	DetailProviderError         = "provider_error"
	DetailMethod                = "method"
)

var serviceDetailKeys = map[string]struct{}{
	DetailProvider:              {},
	DetailPaymentToken:          {},
	DetailRedirectURL:           {},
	DetailProviderTransactionID: {},
	DetailProviderStatus:        {},
	DetailProviderError:         {},
	DetailMethod:                {},
}

// IsServiceDetail сообщает, что ключ заполняет сервис и внешние данные его перезаписывать не должны.
func IsServiceDetail(key string) bool {
	_, ok := serviceDetailKeys[key]
	return ok
}

// ExternalDetails копирует данные провайдера без служебных ключей.
func ExternalDetails(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if IsServiceDetail(k) {
			continue
		}
		dst[k] = v
	}
	return dst
}

// MergeDetails сливает patch в base: новые ключи побеждают, старые сохраняются.
func MergeDetails(base, patch map[string]any) map[string]any {
	if len(base) == 0 && len(patch) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

func cloneDetails(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
