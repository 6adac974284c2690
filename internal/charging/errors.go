package charging

import "errors"

var (
	// ErrChargeInProgress is returned when another actor holds the order's
	// document lock or a pending payment is already outstanding.
	ErrChargeInProgress = errors.New("charging: charge already in progress")
	// ErrNoPendingPayment is returned when a confirmation arrives after the
	// timeout handler already rolled the order back.
	ErrNoPendingPayment = errors.New("charging: no pending payment")
	// ErrNothingToRenew signals a recurring charge request with no
	// subscription component due.
	ErrNothingToRenew = errors.New("charging: nothing to renew")
	// ErrNoUsageToCharge signals a usage charge request with no accumulated
	// usage records.
	ErrNoUsageToCharge = errors.New("charging: no usage to charge")
	// ErrNotAuthorized is returned when the confirming caller is neither
	// the order's customer nor a member of its owning organization.
	ErrNotAuthorized = errors.New("charging: not authorized")
)
