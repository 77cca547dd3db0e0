package userstore

import (
	"fmt"
	"time"
)

const (
	// CheckInCooldown is the minimum time between two rewarded check-ins.
	CheckInCooldown = 24 * time.Hour
	// CheckInReward is the number of coins granted per check-in.
	CheckInReward int64 = 15
	// PremiumDuration is how long one grant of premium lasts.
	PremiumDuration = 24 * time.Hour
	// PremiumCost is the coin price of redeeming premium.
	PremiumCost int64 = 500
	// ReferralReward is the number of coins granted for joining via a referral code.
	ReferralReward int64 = 25
)

// CheckInStatus tells whether a check-in is allowed now and, if not, how
// long until it is.
type CheckInStatus struct {
	Eligible bool
	Left     time.Duration
}

// CheckInStatusAt evaluates check-in eligibility of r at now. A record that
// never checked in is always eligible.
func CheckInStatusAt(r Record, now time.Time) CheckInStatus {
	if r.LastCheckInAt == nil {
		return CheckInStatus{Eligible: true}
	}
	elapsed := now.Sub(r.LastCheckInAt.Time())
	if elapsed >= CheckInCooldown {
		return CheckInStatus{Eligible: true}
	}
	return CheckInStatus{Eligible: false, Left: CheckInCooldown - elapsed}
}

// PremiumActive reports whether a premium expiry lies strictly after now.
func PremiumActive(expiresAt *Millis, now time.Time) bool {
	return expiresAt != nil && int64(*expiresAt) > now.UnixMilli()
}

// FormatRemaining renders a duration rounded up to whole minutes as
// "Xh Ym", "Xh" or "Ym".
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int64(d / time.Minute)
	if d%time.Minute != 0 {
		mins++
	}

	h, m := mins/60, mins%60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}
