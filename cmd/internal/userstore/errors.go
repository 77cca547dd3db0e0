package userstore

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. None of them is fatal to the store; guarded
// transactions surface them as result reasons, persistence failures are
// logged and swallowed.
var (
	ErrStorageUnavailable = errors.New("storage_unavailable")
	ErrDecode             = errors.New("decode")
	ErrInvalidInput       = errors.New("invalid_input")
	ErrNegativeAmount     = errors.New("negative_amount")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrRedeemInProgress   = errors.New("redeem_in_progress")
	ErrInvalidReferral    = errors.New("invalid_referral")
	ErrSelfReferral       = errors.New("self_referral")
	ErrAlreadyJoined      = errors.New("already_joined")
)

// OpError is a typed operation error with a stable Op + Kind contract.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInsufficientFunds reports whether err represents ErrInsufficientFunds.
func IsInsufficientFunds(err error) bool { return errors.Is(err, ErrInsufficientFunds) }

// IsRedeemInProgress reports whether err represents ErrRedeemInProgress.
func IsRedeemInProgress(err error) bool { return errors.Is(err, ErrRedeemInProgress) }

// IsReferralRejected reports whether err is any of the referral rejection kinds.
func IsReferralRejected(err error) bool {
	return errors.Is(err, ErrInvalidReferral) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrAlreadyJoined)
}
