package userstore

import "time"

// DefaultKey is the storage key the whole record lives under.
const DefaultKey = "sb_user_store"

// Millis is a wall-clock instant in milliseconds since the Unix epoch.
// It is the persisted representation of every timestamp in the record.
type Millis int64

// MillisOf converts t to Millis.
func MillisOf(t time.Time) Millis { return Millis(t.UnixMilli()) }

// Time converts m back to a UTC time.Time.
func (m Millis) Time() time.Time { return time.UnixMilli(int64(m)).UTC() }

// PremiumSource records why premium was granted.
type PremiumSource string

const (
	PremiumSourceRedeem PremiumSource = "redeem"
	PremiumSourceAdmin  PremiumSource = "admin"
	PremiumSourceTest   PremiumSource = "test"
)

// Valid reports whether s is one of the known sources.
func (s PremiumSource) Valid() bool {
	switch s {
	case PremiumSourceRedeem, PremiumSourceAdmin, PremiumSourceTest:
		return true
	default:
		return false
	}
}

// Record is the persisted user state. It is stored as one JSON object,
// field names and nullability are part of the storage contract.
type Record struct {
	// Profile
	ID               *string `json:"id"`
	Email            *string `json:"email"`
	DisplayName      *string `json:"displayName"`
	FavoriteSport    *string `json:"favoriteSport"`
	SkillLevel       *string `json:"skillLevel"`
	Bio              *string `json:"bio"`
	ProfilePhotoURL  *string `json:"profilePhotoUrl"`
	EmergencyContact *string `json:"emergencyContact"`

	LocationEnabled          bool `json:"locationEnabled"`
	EmergencySecurityEnabled bool `json:"emergencySecurityEnabled"`

	// Economy
	CoinBalance   int64   `json:"coinBalance"`
	LastCheckInAt *Millis `json:"lastCheckInAt"`

	// Completion rewards already paid out.
	RewardedRequiredComplete bool `json:"rewardedRequiredComplete"`
	RewardedAllComplete      bool `json:"rewardedAllComplete"`

	// Referral
	ReferralCode       *string `json:"referralCode"`
	InvitesSentCount   int64   `json:"invitesSentCount"`
	LastScannedRefCode *string `json:"lastScannedRefCode"`
	LastScannedAt      *Millis `json:"lastScannedAt"`
	JoinedViaRefCode   *string `json:"joinedViaRefCode"`

	// Premium
	PremiumExpiresAt *Millis        `json:"premiumExpiresAt"`
	PremiumSource    *PremiumSource `json:"premiumSource"`
}

// DefaultRecord returns the record of a user that has never been seen:
// every nullable field absent, booleans false, counters zero.
func DefaultRecord() Record { return Record{} }

// Clone returns a deep copy so callers can never alias store internals.
func (r Record) Clone() Record {
	out := r
	out.ID = cloneRef(r.ID)
	out.Email = cloneRef(r.Email)
	out.DisplayName = cloneRef(r.DisplayName)
	out.FavoriteSport = cloneRef(r.FavoriteSport)
	out.SkillLevel = cloneRef(r.SkillLevel)
	out.Bio = cloneRef(r.Bio)
	out.ProfilePhotoURL = cloneRef(r.ProfilePhotoURL)
	out.EmergencyContact = cloneRef(r.EmergencyContact)
	out.LastCheckInAt = cloneRef(r.LastCheckInAt)
	out.ReferralCode = cloneRef(r.ReferralCode)
	out.LastScannedRefCode = cloneRef(r.LastScannedRefCode)
	out.LastScannedAt = cloneRef(r.LastScannedAt)
	out.JoinedViaRefCode = cloneRef(r.JoinedViaRefCode)
	out.PremiumExpiresAt = cloneRef(r.PremiumExpiresAt)
	out.PremiumSource = cloneRef(r.PremiumSource)
	return out
}

func cloneRef[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ref returns a pointer to v. Handy for building records and patches.
func Ref[T any](v T) *T { return &v }
