package engine

import "errors"

// Validation errors: rejected before any state mutation, recoverable by
// the caller with corrected input.
var (
	ErrZeroPaymentID             = errors.New("payment id is zero")
	ErrZeroPayerAccount          = errors.New("payer account is zero")
	ErrZeroAccount               = errors.New("account is zero")
	ErrSubsidyWithoutSponsor     = errors.New("subsidy limit set without sponsor")
	ErrInappropriateCashbackRate = errors.New("cashback rate exceeds rate factor")
	ErrEmptyPaymentBatch         = errors.New("empty payment batch")
	ErrZeroCancellationRef       = errors.New("cancellation reference is empty")
)

// State-conflict errors: the requested transition does not apply to the
// payment's current status; the caller must query and adapt.
var (
	ErrPaymentAlreadyExists       = errors.New("payment already exists")
	ErrRevocationLimitReached     = errors.New("revocation limit reached")
	ErrRevocationProhibited       = errors.New("revocation limit is zero")
	ErrInappropriatePaymentStatus = errors.New("inappropriate payment status")
	ErrPaymentAlreadyCleared      = errors.New("payment already cleared")
	ErrPaymentAlreadyUncleared    = errors.New("payment already uncleared")
)

// Amount errors: the requested amounts violate a payment bound.
var (
	ErrInappropriateAmount             = errors.New("new amount below refunded or confirmed value")
	ErrInappropriateRefundingAmount    = errors.New("refund amount exceeds payment sum")
	ErrInappropriateConfirmationAmount = errors.New("confirmation amount exceeds unconfirmed remainder")
)

// Merge errors.
var (
	ErrMergePayerMismatch          = errors.New("merge source payer differs from target")
	ErrMergeSponsoredPayment       = errors.New("merge of sponsored payments is not supported")
	ErrMergeCashbackRateExcess     = errors.New("merge source cashback rate exceeds target rate")
	ErrMergeInsufficientFloat      = errors.New("insufficient float to migrate cashback")
	ErrMergeCashbackRevokeFailed   = errors.New("cashback revoke failed during merge")
	ErrMergeCashbackIncreaseFailed = errors.New("cashback increase failed during merge")
)

// ErrInternalInvariant marks arithmetic that upstream validation should
// have made impossible. It is an implementation bug, never a caller
// mistake, and is reported loudly instead of being clamped.
var ErrInternalInvariant = errors.New("internal invariant violated")
