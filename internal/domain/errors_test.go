package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrSaleVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrSaleVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrSaleNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrSaleVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		notFound   bool
		conflict   bool
	}{
		{name: "buyer required", err: ErrBuyerRequired, validation: true},
		{name: "wrapped pricing", err: fmt.Errorf("price course: %w", ErrPricingInvalid), validation: true},
		{name: "sale not found", err: ErrSaleNotFound, notFound: true},
		{name: "course not found", err: ErrCourseNotFound, notFound: true},
		{name: "in-flight sale", err: ErrInFlightSaleExists, conflict: true},
		{name: "already enrolled", err: ErrAlreadyEnrolled, conflict: true},
		{name: "invalid transition", err: ErrInvalidTransition, conflict: true},
		{name: "idempotency mismatch", err: ErrIdempotencyHashMismatch, conflict: true},
		{name: "provider timeout", err: ErrProviderTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidation(tt.err); got != tt.validation {
				t.Errorf("IsValidation() = %v, want %v", got, tt.validation)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
		})
	}
}

func TestProviderTimeoutIsUpstreamError(t *testing.T) {
	if !errors.Is(ErrProviderTimeout, ErrUpstreamProvider) {
		t.Fatal("timeout must be classified as upstream provider error")
	}
	if !errors.Is(ErrProviderUnavailable, ErrUpstreamProvider) {
		t.Fatal("open circuit must be classified as upstream provider error")
	}
}
