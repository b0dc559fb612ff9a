package domain

import (
	"errors"
	"time"
)

// EnrollmentType показывает, каким путём покупатель получил доступ к курсу.
type EnrollmentType string

const (
	EnrollmentTypeFree     EnrollmentType = "free"
	EnrollmentTypeAssigned EnrollmentType = "assigned"
	EnrollmentTypePaid     EnrollmentType = "paid"
)

// Enrollment — доступ покупателя к курсу. Одна запись на пару (buyer, course).
type Enrollment struct {
	ID        string
	BuyerID   string
	CourseID  string
	SaleID    string
	Type      EnrollmentType
	CreatedAt time.Time
}

// ActivationRequest — входные данные для выдачи доступа по продаже.
type ActivationRequest struct {
	BuyerID  string
	CourseID string
	SaleID   string
	Type     EnrollmentType
}

// EnrollmentTypeForSale выводит тип зачисления из продажи.
// Бесплатный курс важнее назначения администратором.
func EnrollmentTypeForSale(s Sale) EnrollmentType {
	switch {
	case s.CourseFree:
		return EnrollmentTypeFree
	case s.SpecialAssignment:
		return EnrollmentTypeAssigned
	default:
		return EnrollmentTypePaid
	}
}

// ActivationRequestFromSale собирает запрос на зачисление по продаже.
func ActivationRequestFromSale(s Sale) ActivationRequest {
	return ActivationRequest{
		BuyerID:  s.BuyerID,
		CourseID: s.CourseID,
		SaleID:   s.ID,
		Type:     EnrollmentTypeForSale(s),
	}
}

// ActivationSucceeded — активация прошла, либо доступ уже выдан по этой же продаже.
func ActivationSucceeded(saleID string, enrollment Enrollment, err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, ErrAlreadyEnrolled) && enrollment.SaleID == saleID
}
