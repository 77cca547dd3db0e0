package userstore

import (
	"context"
	"fmt"
)

// RedeemResult reports the outcome of RedeemPremium. Reason is nil on
// success and one of ErrRedeemInProgress / ErrInsufficientFunds otherwise.
type RedeemResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Reason  error  `json:"-"`
}

// RedeemPremium trades PremiumCost coins for PremiumDuration of premium.
//
// At most one redeem runs per store at a time: an overlapping call returns
// immediately with "already in progress", and the guard stays held for the
// configured hold time after each attempt. The balance check, deduction
// and grant are a single update.
func (s *Store) RedeemPremium(ctx context.Context) RedeemResult {
	release, ok := s.guard.TryEnter()
	if !ok {
		redeemTotal.WithLabelValues("in_progress").Inc()
		return RedeemResult{Message: "already in progress", Reason: ErrRedeemInProgress}
	}
	defer release()

	now := s.clock.Now()
	var shortfall int64
	_, done := s.mutate(ctx, "local", func(r Record) (Record, bool) {
		if r.CoinBalance < PremiumCost {
			shortfall = PremiumCost - r.CoinBalance
			return r, false
		}
		r.CoinBalance -= PremiumCost
		r.PremiumExpiresAt = Ref(MillisOf(now.Add(PremiumDuration)))
		r.PremiumSource = Ref(PremiumSourceRedeem)
		return r, true
	})

	if !done {
		redeemTotal.WithLabelValues("insufficient").Inc()
		return RedeemResult{
			Message: fmt.Sprintf("need %d more coins", shortfall),
			Reason:  OpError{Op: "userstore.RedeemPremium", Kind: ErrInsufficientFunds, Msg: fmt.Sprintf("short by %d", shortfall)},
		}
	}

	redeemTotal.WithLabelValues("success").Inc()
	return RedeemResult{Success: true, Message: "premium active for 24 hours"}
}
