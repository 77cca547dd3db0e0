package userstore

import "encoding/json"

// Value is an optional patch field. The zero Value leaves the record field
// untouched; Set(v) overwrites it, including with nil for nullable fields.
type Value[T any] struct {
	set bool
	v   T
}

// Set marks v as the new value of a patch field.
func Set[T any](v T) Value[T] { return Value[T]{set: true, v: v} }

// IsSet reports whether the field is part of the patch.
func (v Value[T]) IsSet() bool { return v.set }

// Get returns the value and whether it is set.
func (v Value[T]) Get() (T, bool) { return v.v, v.set }

// UnmarshalJSON marks the field as set whenever the key is present,
// so an explicit null clears a nullable field.
func (v *Value[T]) UnmarshalJSON(b []byte) error {
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	v.set = true
	v.v = out
	return nil
}

func (v Value[T]) applyTo(dst *T) {
	if v.set {
		*dst = v.v
	}
}

// Patch is a partial record. Update merges it shallowly: only set fields
// change, nothing is deep-merged.
type Patch struct {
	ID               Value[*string] `json:"id"`
	Email            Value[*string] `json:"email"`
	DisplayName      Value[*string] `json:"displayName"`
	FavoriteSport    Value[*string] `json:"favoriteSport"`
	SkillLevel       Value[*string] `json:"skillLevel"`
	Bio              Value[*string] `json:"bio"`
	ProfilePhotoURL  Value[*string] `json:"profilePhotoUrl"`
	EmergencyContact Value[*string] `json:"emergencyContact"`

	LocationEnabled          Value[bool] `json:"locationEnabled"`
	EmergencySecurityEnabled Value[bool] `json:"emergencySecurityEnabled"`

	CoinBalance   Value[int64]   `json:"coinBalance"`
	LastCheckInAt Value[*Millis] `json:"lastCheckInAt"`

	RewardedRequiredComplete Value[bool] `json:"rewardedRequiredComplete"`
	RewardedAllComplete      Value[bool] `json:"rewardedAllComplete"`

	ReferralCode       Value[*string] `json:"referralCode"`
	InvitesSentCount   Value[int64]   `json:"invitesSentCount"`
	LastScannedRefCode Value[*string] `json:"lastScannedRefCode"`
	LastScannedAt      Value[*Millis] `json:"lastScannedAt"`
	JoinedViaRefCode   Value[*string] `json:"joinedViaRefCode"`

	PremiumExpiresAt Value[*Millis]        `json:"premiumExpiresAt"`
	PremiumSource    Value[*PremiumSource] `json:"premiumSource"`
}

// Apply returns r with every set field of p copied over.
func (p Patch) Apply(r Record) Record {
	out := r.Clone()

	p.ID.applyTo(&out.ID)
	p.Email.applyTo(&out.Email)
	p.DisplayName.applyTo(&out.DisplayName)
	p.FavoriteSport.applyTo(&out.FavoriteSport)
	p.SkillLevel.applyTo(&out.SkillLevel)
	p.Bio.applyTo(&out.Bio)
	p.ProfilePhotoURL.applyTo(&out.ProfilePhotoURL)
	p.EmergencyContact.applyTo(&out.EmergencyContact)

	p.LocationEnabled.applyTo(&out.LocationEnabled)
	p.EmergencySecurityEnabled.applyTo(&out.EmergencySecurityEnabled)

	p.CoinBalance.applyTo(&out.CoinBalance)
	p.LastCheckInAt.applyTo(&out.LastCheckInAt)

	p.RewardedRequiredComplete.applyTo(&out.RewardedRequiredComplete)
	p.RewardedAllComplete.applyTo(&out.RewardedAllComplete)

	p.ReferralCode.applyTo(&out.ReferralCode)
	p.InvitesSentCount.applyTo(&out.InvitesSentCount)
	p.LastScannedRefCode.applyTo(&out.LastScannedRefCode)
	p.LastScannedAt.applyTo(&out.LastScannedAt)
	p.JoinedViaRefCode.applyTo(&out.JoinedViaRefCode)

	p.PremiumExpiresAt.applyTo(&out.PremiumExpiresAt)
	p.PremiumSource.applyTo(&out.PremiumSource)

	// Deep copy whatever the patch handed in, so the caller keeps no alias.
	return out.Clone()
}

// ProfilePatch restricts a patch to the profile fields. It is what
// UpdateProfile accepts.
type ProfilePatch struct {
	Email            Value[*string] `json:"email"`
	DisplayName      Value[*string] `json:"displayName"`
	FavoriteSport    Value[*string] `json:"favoriteSport"`
	SkillLevel       Value[*string] `json:"skillLevel"`
	Bio              Value[*string] `json:"bio"`
	ProfilePhotoURL  Value[*string] `json:"profilePhotoUrl"`
	EmergencyContact Value[*string] `json:"emergencyContact"`

	LocationEnabled          Value[bool] `json:"locationEnabled"`
	EmergencySecurityEnabled Value[bool] `json:"emergencySecurityEnabled"`
}

// Patch widens p to a full Patch.
func (p ProfilePatch) Patch() Patch {
	return Patch{
		Email:                    p.Email,
		DisplayName:              p.DisplayName,
		FavoriteSport:            p.FavoriteSport,
		SkillLevel:               p.SkillLevel,
		Bio:                      p.Bio,
		ProfilePhotoURL:          p.ProfilePhotoURL,
		EmergencyContact:         p.EmergencyContact,
		LocationEnabled:          p.LocationEnabled,
		EmergencySecurityEnabled: p.EmergencySecurityEnabled,
	}
}
