package userstore

import (
	"bytes"
	"encoding/json"
)

// Encode serializes r into the persisted JSON layout.
func Encode(r Record) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, OpError{Op: "userstore.Encode", Kind: ErrDecode, Msg: err.Error()}
	}
	return b, nil
}

// Decode parses a persisted blob. Fields missing from the blob keep their
// defaults and unknown fields (such as the retired isPremium flag) are
// dropped, so older layouts load without migration.
func Decode(b []byte) (Record, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return Record{}, OpError{Op: "userstore.Decode", Kind: ErrDecode, Msg: "expected json object"}
	}

	r := DefaultRecord()
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, OpError{Op: "userstore.Decode", Kind: ErrDecode, Msg: err.Error()}
	}
	return normalize(r), nil
}

// normalize restores record invariants a foreign writer may have broken.
func normalize(r Record) Record {
	if r.CoinBalance < 0 {
		r.CoinBalance = 0
	}
	if r.InvitesSentCount < 0 {
		r.InvitesSentCount = 0
	}
	if r.PremiumSource != nil && !r.PremiumSource.Valid() {
		r.PremiumSource = nil
	}
	// Source is present exactly when an expiry is. An expiry written
	// without a source keeps its entitlement as an admin grant.
	switch {
	case r.PremiumExpiresAt == nil:
		r.PremiumSource = nil
	case r.PremiumSource == nil:
		r.PremiumSource = Ref(PremiumSourceAdmin)
	}
	return r
}
