package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

func TestAuthorizeTransition(t *testing.T) {
	buyer := domain.Capability{CallerID: "buyer-1", Role: domain.RoleBuyer}
	stranger := domain.Capability{CallerID: "buyer-2", Role: domain.RoleBuyer}
	admin := domain.Capability{CallerID: "admin-1", Role: domain.RoleAdmin}

	cases := []struct {
		name   string
		cap    domain.Capability
		from   domain.SaleStatus
		target domain.SaleStatus
		want   error
	}{
		{name: "buyer cancels own pending", cap: buyer, from: domain.SaleStatusPending, target: domain.SaleStatusCancelled},
		{name: "buyer cancels processing", cap: buyer, from: domain.SaleStatusProcessing, target: domain.SaleStatusCancelled, want: domain.ErrForbidden},
		{name: "buyer marks paid", cap: buyer, from: domain.SaleStatusPending, target: domain.SaleStatusPaid, want: domain.ErrForbidden},
		{name: "buyer retries failed", cap: buyer, from: domain.SaleStatusFailed, target: domain.SaleStatusPending, want: domain.ErrForbidden},
		{name: "stranger cancels", cap: stranger, from: domain.SaleStatusPending, target: domain.SaleStatusCancelled, want: domain.ErrForbidden},
		{name: "admin completes", cap: admin, from: domain.SaleStatusPaid, target: domain.SaleStatusCompleted},
		{name: "system refunds", cap: domain.SystemCapability("webhook"), from: domain.SaleStatusCompleted, target: domain.SaleStatusRefunded},
		{name: "anonymous", cap: domain.Capability{}, from: domain.SaleStatusPending, target: domain.SaleStatusCancelled, want: domain.ErrUnauthorized},
		{name: "unknown role", cap: domain.Capability{CallerID: "x", Role: "root"}, from: domain.SaleStatusPending, target: domain.SaleStatusPaid, want: domain.ErrUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sale := makeSale(tc.from)
			err := domain.AuthorizeTransition(tc.cap, sale, tc.target)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAuthorizeRead(t *testing.T) {
	sale := makeSale(domain.SaleStatusPending)

	assert.NoError(t, domain.AuthorizeRead(domain.Capability{CallerID: "buyer-1", Role: domain.RoleBuyer}, sale))
	assert.NoError(t, domain.AuthorizeRead(domain.Capability{CallerID: "ops", Role: domain.RoleAdmin}, sale))
	assert.ErrorIs(t, domain.AuthorizeRead(domain.Capability{CallerID: "buyer-2", Role: domain.RoleBuyer}, sale), domain.ErrForbidden)
	assert.ErrorIs(t, domain.AuthorizeRead(domain.Capability{}, sale), domain.ErrUnauthorized)
}

func TestEnrollmentTypeForSale(t *testing.T) {
	sale := makeSale(domain.SaleStatusCompleted)
	assert.Equal(t, domain.EnrollmentTypePaid, domain.EnrollmentTypeForSale(sale))

	sale.SpecialAssignment = true
	assert.Equal(t, domain.EnrollmentTypeAssigned, domain.EnrollmentTypeForSale(sale))

	sale.CourseFree = true
	assert.Equal(t, domain.EnrollmentTypeFree, domain.EnrollmentTypeForSale(sale))

	req := domain.ActivationRequestFromSale(sale)
	assert.Equal(t, "sale-1", req.SaleID)
	assert.Equal(t, domain.EnrollmentTypeFree, req.Type)
}
