package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/storewise/charging/internal/charging"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/payment"
	"github.com/storewise/charging/internal/payout"
	"github.com/storewise/charging/internal/usage"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid concept", fmt.Errorf("%w: %q", domain.ErrInvalidConcept, "weekly"), http.StatusBadRequest},
		{"stale usage timestamp", usage.ErrStaleTimestamp, http.StatusBadRequest},
		{"bad correlation", fmt.Errorf("%w: expected 3", usage.ErrInvalidCorrelation), http.StatusBadRequest},
		{"foreign submitter", usage.ErrNotOrgMember, http.StatusForbidden},
		{"foreign confirmer", charging.ErrNotAuthorized, http.StatusForbidden},
		{"unknown order", domain.ErrOrderNotFound, http.StatusNotFound},
		{"unknown contract", domain.ErrContractNotFound, http.StatusNotFound},
		{"missing row", gorm.ErrRecordNotFound, http.StatusNotFound},
		{"charge already running", charging.ErrChargeInProgress, http.StatusConflict},
		{"payout already running", payout.ErrPayoutInProgress, http.StatusConflict},
		{"nothing to renew", charging.ErrNothingToRenew, http.StatusConflict},
		{"no usage accumulated", charging.ErrNoUsageToCharge, http.StatusConflict},
		{"no pending payment", charging.ErrNoPendingPayment, http.StatusConflict},
		{"gateway refusal", &payment.Error{Op: "execute payment", Err: errors.New("state failed")}, http.StatusBadGateway},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.NotEmpty(t, payload.Type)
			assert.NotEmpty(t, payload.Message)
		})
	}
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	_, payload := mapError(errors.New("dsn=postgres://user:secret@db"))
	assert.Equal(t, "internal server error", payload.Message)
}

func TestGatewayDetailIsNotEchoed(t *testing.T) {
	gwErr := &payment.Error{
		Op:  "execute payment",
		Err: errors.New(`status 400: {"name":"INSTRUMENT_DECLINED","debug_id":"abc123"}`),
	}

	status, payload := mapError(fmt.Errorf("confirm: %w", gwErr))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "payment operation could not be completed", payload.Message)
	assert.NotContains(t, payload.Message, "INSTRUMENT_DECLINED")
	assert.NotContains(t, payload.Message, "debug_id")
}
