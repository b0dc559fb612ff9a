package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
	"github.com/vladislavdragonenkov/coursesales/internal/service/checkout"
)

type createSaleRequest struct {
	// BuyerID можно опустить: по умолчанию продажа создаётся для вызывающего.
	BuyerID           string         `json:"buyer_id"`
	CourseID          string         `json:"course_id" binding:"required"`
	PaymentDetails    map[string]any `json:"payment_details"`
	SpecialAssignment bool           `json:"special_assignment"`
	AssignmentReason  string         `json:"assignment_reason"`
}

type transitionRequest struct {
	Status         string         `json:"status" binding:"required"`
	Message        string         `json:"message"`
	PaymentDetails map[string]any `json:"payment_details"`
}

type processPaymentRequest struct {
	Provider  string `json:"provider"`
	ReturnURL string `json:"return_url"`
	Token     string `json:"token"`
}

type logEntryResponse struct {
	Seq            int            `json:"seq"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	Message        string         `json:"message"`
	PaymentDetails map[string]any `json:"payment_details,omitempty"`
}

type saleResponse struct {
	ID                string             `json:"id"`
	BuyerID           string             `json:"buyer_id"`
	CourseID          string             `json:"course_id"`
	Currency          string             `json:"currency"`
	NetPrice          int64              `json:"net_price"`
	TaxAmount         int64              `json:"tax_amount"`
	TotalPrice        int64              `json:"total_price"`
	DiscountPercent   string             `json:"discount_percent"`
	DiscountAmount    int64              `json:"discount_amount"`
	CourseFree        bool               `json:"course_free"`
	Status            string             `json:"status"`
	PaymentDetails    map[string]any     `json:"payment_details,omitempty"`
	SpecialAssignment bool               `json:"special_assignment"`
	AssignedBy        string             `json:"assigned_by,omitempty"`
	AssignmentReason  string             `json:"assignment_reason,omitempty"`
	PaidAt            *time.Time         `json:"paid_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	Version           int64              `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	TransactionLog    []logEntryResponse `json:"transaction_log"`
}

type saleListResponse struct {
	Sales []saleResponse `json:"sales"`
	Count int            `json:"count"`
}

type processPaymentResponse struct {
	Phase       string       `json:"phase"`
	RedirectURL string       `json:"redirect_url,omitempty"`
	Sale        saleResponse `json:"sale"`
	Error       string       `json:"error,omitempty"`
}

type webhookResponse struct {
	SaleID  string `json:"sale_id,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Outcome string `json:"outcome"`
	Status  string `json:"status,omitempty"`
}

type enrollmentResponse struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyer_id"`
	CourseID  string    `json:"course_id"`
	SaleID    string    `json:"sale_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func toSaleResponse(s domain.Sale) saleResponse {
	resp := saleResponse{
		ID:                s.ID,
		BuyerID:           s.BuyerID,
		CourseID:          s.CourseID,
		Currency:          s.Currency,
		NetPrice:          s.NetPrice,
		TaxAmount:         s.TaxAmount,
		TotalPrice:        s.TotalPrice,
		DiscountPercent:   s.DiscountPercent.String(),
		DiscountAmount:    s.DiscountAmount,
		CourseFree:        s.CourseFree,
		Status:            string(s.Status),
		PaymentDetails:    s.PaymentDetails,
		SpecialAssignment: s.SpecialAssignment,
		AssignedBy:        s.AssignedBy,
		AssignmentReason:  s.AssignmentReason,
		PaidAt:            s.PaidAt,
		CompletedAt:       s.CompletedAt,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		TransactionLog:    make([]logEntryResponse, 0, len(s.TransactionLog)),
	}
	for _, entry := range s.TransactionLog {
		resp.TransactionLog = append(resp.TransactionLog, logEntryResponse{
			Seq:            entry.Seq,
			Timestamp:      entry.Timestamp,
			Status:         string(entry.Status),
			Message:        entry.Message,
			PaymentDetails: entry.PaymentDetails,
		})
	}
	return resp
}

func toProcessPaymentResponse(res checkout.Result) processPaymentResponse {
	return processPaymentResponse{
		Phase:       string(res.Phase),
		RedirectURL: res.RedirectURL,
		Sale:        toSaleResponse(res.Sale),
	}
}

func toEnrollmentResponse(e domain.Enrollment) enrollmentResponse {
	return enrollmentResponse{
		ID:        e.ID,
		BuyerID:   e.BuyerID,
		CourseID:  e.CourseID,
		SaleID:    e.SaleID,
		Type:      string(e.Type),
		CreatedAt: e.CreatedAt,
	}
}
