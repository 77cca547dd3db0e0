package invite

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoCode       = errors.New("referral code unavailable")
)
