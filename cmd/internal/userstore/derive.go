package userstore

import (
	"math"
	"time"
)

// requiredProfileFields is the number of checks that make up profile completion.
const requiredProfileFields = 4

// Derived holds values computed from a record at a point in time.
// They are never persisted.
type Derived struct {
	ProfileCompletionPercent int  `json:"profileCompletionPercent"`
	ProfileIsComplete        bool `json:"profileIsComplete"`
	PremiumActive            bool `json:"premiumActive"`
}

// Snapshot is what observers read: the record plus its derived values.
type Snapshot struct {
	Record
	Derived
}

// Derive computes the derived values of r at now. It is pure.
func Derive(r Record, now time.Time) Derived {
	completed := 0
	if nonEmpty(r.DisplayName) {
		completed++
	}
	if nonEmpty(r.FavoriteSport) {
		completed++
	}
	if nonEmpty(r.SkillLevel) {
		completed++
	}
	if r.LocationEnabled {
		completed++
	}

	pct := int(math.Round(100 * float64(completed) / requiredProfileFields))

	return Derived{
		ProfileCompletionPercent: pct,
		ProfileIsComplete:        completed == requiredProfileFields,
		PremiumActive:            PremiumActive(r.PremiumExpiresAt, now),
	}
}

// SnapshotOf pairs r with its derived values at now.
func SnapshotOf(r Record, now time.Time) Snapshot {
	return Snapshot{Record: r.Clone(), Derived: Derive(r, now)}
}

func nonEmpty(s *string) bool { return s != nil && *s != "" }
