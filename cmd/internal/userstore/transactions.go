package userstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// AddCoins credits n coins. n must not be negative.
func (s *Store) AddCoins(ctx context.Context, n int64) error {
	if n < 0 {
		return OpError{Op: "userstore.AddCoins", Kind: ErrNegativeAmount, Msg: fmt.Sprintf("n=%d", n)}
	}
	s.mutate(ctx, "local", func(r Record) (Record, bool) {
		r.CoinBalance += n
		return r, true
	})
	return nil
}

// DeductCoins debits n coins when the balance covers it and reports whether
// it did. The balance never goes negative.
func (s *Store) DeductCoins(ctx context.Context, n int64) bool {
	if n < 0 {
		return false
	}
	_, ok := s.mutate(ctx, "local", func(r Record) (Record, bool) {
		if r.CoinBalance < n {
			return r, false
		}
		r.CoinBalance -= n
		return r, true
	})
	return ok
}

// SetCoinBalance overwrites the balance. Used by migrations and admin tooling.
func (s *Store) SetCoinBalance(ctx context.Context, n int64) error {
	if n < 0 {
		return OpError{Op: "userstore.SetCoinBalance", Kind: ErrNegativeAmount, Msg: fmt.Sprintf("n=%d", n)}
	}
	s.Update(ctx, Patch{CoinBalance: Set(n)})
	return nil
}

// UpdateProfile merges profile fields.
func (s *Store) UpdateProfile(ctx context.Context, p ProfilePatch) {
	s.Update(ctx, p.Patch())
}

// RecordCheckIn sets lastCheckInAt without granting coins.
func (s *Store) RecordCheckIn(ctx context.Context, at time.Time) {
	s.Update(ctx, Patch{LastCheckInAt: Set(Ref(MillisOf(at)))})
}

// IncrementInvitesSent bumps the invite counter and returns the new value.
func (s *Store) IncrementInvitesSent(ctx context.Context) int64 {
	r, _ := s.mutate(ctx, "local", func(r Record) (Record, bool) {
		r.InvitesSentCount++
		return r, true
	})
	return r.InvitesSentCount
}

// CheckInStatus evaluates eligibility against the clock on every call.
func (s *Store) CheckInStatus() CheckInStatus {
	s.mu.RLock()
	rec := s.rec.Clone()
	s.mu.RUnlock()
	return CheckInStatusAt(rec, s.clock.Now())
}

// CheckInView is the check-in state a UI renders.
type CheckInView struct {
	CanCheckIn      bool          `json:"canCheckIn"`
	Remaining       time.Duration `json:"-"`
	RemainingMillis int64         `json:"remainingMs"`
	TimeLeft        string        `json:"timeLeft"`
	LastCheckInAt   *Millis       `json:"lastCheckInAt"`
}

// CheckInView returns the check-in state with a formatted remaining time.
func (s *Store) CheckInView() CheckInView {
	s.mu.RLock()
	rec := s.rec.Clone()
	s.mu.RUnlock()

	st := CheckInStatusAt(rec, s.clock.Now())
	v := CheckInView{
		CanCheckIn:      st.Eligible,
		Remaining:       st.Left,
		RemainingMillis: st.Left.Milliseconds(),
		LastCheckInAt:   rec.LastCheckInAt,
	}
	if !st.Eligible {
		v.TimeLeft = FormatRemaining(st.Left)
	}
	return v
}

// CheckInResult reports the outcome of DailyCheckIn.
type CheckInResult struct {
	Granted   bool          `json:"granted"`
	Reward    int64         `json:"reward"`
	Remaining time.Duration `json:"-"`
	Message   string        `json:"message"`
}

// DailyCheckIn grants CheckInReward coins when the cooldown has elapsed.
// The eligibility check and the grant are one atomic update.
func (s *Store) DailyCheckIn(ctx context.Context) CheckInResult {
	now := s.clock.Now()

	var left time.Duration
	_, granted := s.mutate(ctx, "local", func(r Record) (Record, bool) {
		st := CheckInStatusAt(r, now)
		if !st.Eligible {
			left = st.Left
			return r, false
		}
		r.LastCheckInAt = Ref(MillisOf(now))
		r.CoinBalance += CheckInReward
		return r, true
	})

	if !granted {
		checkInTotal.WithLabelValues("cooldown").Inc()
		msg := "next check-in in " + FormatRemaining(left)
		s.notifier.Error(msg)
		return CheckInResult{Remaining: left, Message: msg}
	}

	checkInTotal.WithLabelValues("granted").Inc()
	msg := fmt.Sprintf("daily check-in complete +%d SB", CheckInReward)
	s.notifier.Success(msg)
	return CheckInResult{Granted: true, Reward: CheckInReward, Message: msg}
}

// GrantPremium24h activates premium until now+PremiumDuration.
func (s *Store) GrantPremium24h(ctx context.Context, source PremiumSource) error {
	if !source.Valid() {
		return OpError{Op: "userstore.GrantPremium24h", Kind: ErrInvalidInput, Msg: "unknown premium source: " + string(source)}
	}
	exp := MillisOf(s.clock.Now().Add(PremiumDuration))
	s.Update(ctx, Patch{
		PremiumExpiresAt: Set(Ref(exp)),
		PremiumSource:    Set(Ref(source)),
	})
	return nil
}

// ClearPremium removes premium fields. It does not touch the record when
// premium is already clear.
func (s *Store) ClearPremium(ctx context.Context) {
	s.mutate(ctx, "local", func(r Record) (Record, bool) {
		if r.PremiumExpiresAt == nil && r.PremiumSource == nil {
			return r, false
		}
		r.PremiumExpiresAt = nil
		r.PremiumSource = nil
		return r, true
	})
}

// expirePremium clears premium only if it is still expired at now when the
// write lock is held, and reports the expiry it removed. A grant that lands
// after the caller last looked survives.
func (s *Store) expirePremium(ctx context.Context, now time.Time) (Millis, bool) {
	var expired Millis
	_, done := s.mutate(ctx, "expire", func(r Record) (Record, bool) {
		if r.PremiumExpiresAt == nil || int64(*r.PremiumExpiresAt) > now.UnixMilli() {
			return r, false
		}
		expired = *r.PremiumExpiresAt
		r.PremiumExpiresAt = nil
		r.PremiumSource = nil
		return r, true
	})
	return expired, done
}

// ---- referral code issuance ----

const (
	referralCodeLen      = 8
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// EnsureReferralCode returns the user's referral code, issuing one on first
// call. An issued code is never replaced, and issuance writes at most once.
func (s *Store) EnsureReferralCode(ctx context.Context) string {
	r, _ := s.mutate(ctx, "local", func(r Record) (Record, bool) {
		if r.ReferralCode != nil && *r.ReferralCode != "" {
			return r, false
		}
		r.ReferralCode = Ref(s.newReferralCode(r))
		return r, true
	})
	if r.ReferralCode == nil {
		return ""
	}
	return *r.ReferralCode
}

// newReferralCode takes the last (up to) eight characters of the user id
// when one is known, otherwise draws the code at random. A short id gives
// a short code.
func (s *Store) newReferralCode(r Record) string {
	id := ""
	if s.identity != nil {
		if v, ok := s.identity.CurrentUserID(); ok {
			id = v
		}
	}
	if id == "" && r.ID != nil {
		id = *r.ID
	}

	if code := sanitizeCode(id); code != "" {
		if len(code) > referralCodeLen {
			code = code[len(code)-referralCodeLen:]
		}
		return code
	}

	code, err := randomCode(s.rand, referralCodeLen)
	if err != nil {
		s.log.Error("store.referral.rand.fail", "err", err)
		return strings.Repeat("0", referralCodeLen)
	}
	return code
}

// sanitizeCode uppercases s and keeps only [A-Z0-9].
func sanitizeCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// randomCode draws n characters uniformly from referralCodeAlphabet.
func randomCode(src io.Reader, n int) (string, error) {
	const limit = 256 - 256%len(referralCodeAlphabet)

	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, referralCodeAlphabet[int(b)%len(referralCodeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
