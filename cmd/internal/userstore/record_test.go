package userstore

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func fullRecord() Record {
	return Record{
		ID:                       Ref("user-1234abcd"),
		Email:                    Ref("a@b.c"),
		DisplayName:              Ref("Sam"),
		FavoriteSport:            Ref("padel"),
		SkillLevel:               Ref("intermediate"),
		Bio:                      Ref(""),
		ProfilePhotoURL:          Ref("https://cdn.example/p.png"),
		EmergencyContact:         Ref("+100"),
		LocationEnabled:          true,
		EmergencySecurityEnabled: true,
		CoinBalance:              42,
		LastCheckInAt:            Ref(MillisOf(t0)),
		RewardedRequiredComplete: true,
		ReferralCode:             Ref("ABCD1234"),
		InvitesSentCount:         3,
		LastScannedRefCode:       Ref("ZZZZ9999"),
		LastScannedAt:            Ref(MillisOf(t0.Add(time.Minute))),
		JoinedViaRefCode:         Ref("ZZZZ9999"),
		PremiumExpiresAt:         Ref(MillisOf(t0.Add(PremiumDuration))),
		PremiumSource:            Ref(PremiumSourceAdmin),
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for name, rec := range map[string]Record{
		"default": DefaultRecord(),
		"full":    fullRecord(),
	} {
		t.Run(name, func(t *testing.T) {
			b, err := Encode(rec)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(rec, got) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
			}
		})
	}
}

func TestCodec_EncodeWritesEveryField(t *testing.T) {
	b, err := Encode(DefaultRecord())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(b, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(obj) != 21 {
		t.Fatalf("expected 21 fields, got %d: %v", len(obj), obj)
	}
	if v, ok := obj["premiumExpiresAt"]; !ok || v != nil {
		t.Fatalf("expected premiumExpiresAt written as null, got %v ok=%v", v, ok)
	}
	if _, ok := obj["premiumActive"]; ok {
		t.Fatalf("derived values are never persisted")
	}
}

func TestDecode_MergesOverDefaultsAndDropsLegacyFlag(t *testing.T) {
	got, err := Decode([]byte(`{"coinBalance":7,"isPremium":true,"displayName":"Kim"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := DefaultRecord()
	want.CoinBalance = 7
	want.DisplayName = Ref("Kim")
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestDecode_RestoresInvariants(t *testing.T) {
	got, err := Decode([]byte(`{"coinBalance":-5,"invitesSentCount":-1,"premiumSource":"admin"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CoinBalance != 0 || got.InvitesSentCount != 0 {
		t.Fatalf("expected counters clamped to zero: %+v", got)
	}
	if got.PremiumSource != nil {
		t.Fatalf("source without expiry must be dropped")
	}
}

func TestDecode_PremiumSourcePresentIffExpiry(t *testing.T) {
	exp := MillisOf(t0.Add(time.Hour))
	cases := []struct {
		name    string
		in      string
		wantExp *Millis
		wantSrc *PremiumSource
	}{
		{name: "both", in: `{"premiumExpiresAt":` + jsonInt(exp) + `,"premiumSource":"redeem"}`, wantExp: &exp, wantSrc: Ref(PremiumSourceRedeem)},
		{name: "expiry only", in: `{"premiumExpiresAt":` + jsonInt(exp) + `}`, wantExp: &exp, wantSrc: Ref(PremiumSourceAdmin)},
		{name: "expiry with null source", in: `{"premiumExpiresAt":` + jsonInt(exp) + `,"premiumSource":null}`, wantExp: &exp, wantSrc: Ref(PremiumSourceAdmin)},
		{name: "expiry with unknown source", in: `{"premiumExpiresAt":` + jsonInt(exp) + `,"premiumSource":"gift"}`, wantExp: &exp, wantSrc: Ref(PremiumSourceAdmin)},
		{name: "unknown source only", in: `{"premiumSource":"gift"}`},
		{name: "neither", in: `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got.PremiumExpiresAt, tc.wantExp) || !reflect.DeepEqual(got.PremiumSource, tc.wantSrc) {
				t.Fatalf("got expiry=%v source=%v", deref(got.PremiumExpiresAt), deref(got.PremiumSource))
			}
		})
	}
}

func jsonInt(m Millis) string {
	b, _ := json.Marshal(int64(m))
	return string(b)
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func TestDecode_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "null", "[]", `"x"`, "{", `{"coinBalance":"lots"}`} {
		_, err := Decode([]byte(in))
		if !errors.Is(err, ErrDecode) {
			t.Fatalf("input %q: expected ErrDecode, got %v", in, err)
		}
	}
}

func TestDerive_ProfileCompletion(t *testing.T) {
	cases := []struct {
		name     string
		rec      Record
		pct      int
		complete bool
	}{
		{"empty", Record{}, 0, false},
		{"empty strings do not count", Record{DisplayName: Ref(""), FavoriteSport: Ref("")}, 0, false},
		{"one", Record{DisplayName: Ref("Sam")}, 25, false},
		{"location only", Record{LocationEnabled: true}, 25, false},
		{"three", Record{DisplayName: Ref("Sam"), FavoriteSport: Ref("run"), SkillLevel: Ref("pro")}, 75, false},
		{"all", Record{DisplayName: Ref("Sam"), FavoriteSport: Ref("run"), SkillLevel: Ref("pro"), LocationEnabled: true}, 100, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Derive(tc.rec, t0)
			if d.ProfileCompletionPercent != tc.pct || d.ProfileIsComplete != tc.complete {
				t.Fatalf("got pct=%d complete=%v, want pct=%d complete=%v",
					d.ProfileCompletionPercent, d.ProfileIsComplete, tc.pct, tc.complete)
			}
		})
	}
}

func TestPremiumActive_StrictlyBeforeExpiry(t *testing.T) {
	exp := MillisOf(t0)
	if PremiumActive(nil, t0) {
		t.Fatalf("nil expiry is inactive")
	}
	if !PremiumActive(&exp, t0.Add(-time.Millisecond)) {
		t.Fatalf("expected active before expiry")
	}
	if PremiumActive(&exp, t0) {
		t.Fatalf("expiry instant itself is inactive")
	}
	if PremiumActive(&exp, t0.Add(time.Millisecond)) {
		t.Fatalf("expected inactive after expiry")
	}
}

func TestCheckInStatusAt(t *testing.T) {
	if !CheckInStatusAt(Record{}, t0).Eligible {
		t.Fatalf("never checked in means eligible")
	}

	rec := Record{LastCheckInAt: Ref(MillisOf(t0))}

	st := CheckInStatusAt(rec, t0.Add(23*time.Hour))
	if st.Eligible || st.Left != time.Hour {
		t.Fatalf("expected 1h left, got %+v", st)
	}
	if !CheckInStatusAt(rec, t0.Add(24*time.Hour)).Eligible {
		t.Fatalf("expected eligible at exactly 24h")
	}
	if !CheckInStatusAt(rec, t0.Add(25*time.Hour)).Eligible {
		t.Fatalf("expected eligible after 24h")
	}
}

func TestFormatRemaining(t *testing.T) {
	cases := map[time.Duration]string{
		0:                             "0m",
		-time.Minute:                  "0m",
		30 * time.Second:              "1m",
		time.Minute:                   "1m",
		59 * time.Minute:              "59m",
		time.Hour:                     "1h",
		time.Hour + time.Second:       "1h 1m",
		23*time.Hour + 59*time.Minute: "23h 59m",
		2*time.Hour + 5*time.Minute:   "2h 5m",
	}
	for d, want := range cases {
		if got := FormatRemaining(d); got != want {
			t.Fatalf("FormatRemaining(%s) = %q, want %q", d, got, want)
		}
	}
}

func TestPatch_JSONDistinguishesAbsentFromNull(t *testing.T) {
	var p Patch
	if err := json.Unmarshal([]byte(`{"displayName":null,"coinBalance":9}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.DisplayName.IsSet() || !p.CoinBalance.IsSet() || p.Bio.IsSet() {
		t.Fatalf("unexpected set flags: %+v", p)
	}

	got := p.Apply(fullRecord())
	if got.DisplayName != nil {
		t.Fatalf("null must clear displayName")
	}
	if got.CoinBalance != 9 {
		t.Fatalf("expected coinBalance 9, got %d", got.CoinBalance)
	}
	if !reflect.DeepEqual(fullRecord().Bio, got.Bio) {
		t.Fatalf("absent field must be kept")
	}
}

func TestPatch_ApplyDoesNotAlias(t *testing.T) {
	name := "Sam"
	p := Patch{DisplayName: Set(&name)}
	got := p.Apply(Record{})

	name = "changed"
	if *got.DisplayName != "Sam" {
		t.Fatalf("patched record aliases the patch: %q", *got.DisplayName)
	}
}

func TestProfilePatch_OnlyProfileFields(t *testing.T) {
	var pp ProfilePatch
	if err := json.Unmarshal([]byte(`{"bio":"hi","coinBalance":1000}`), &pp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got := pp.Patch().Apply(Record{CoinBalance: 5})
	if got.Bio == nil || *got.Bio != "hi" {
		t.Fatalf("expected bio applied, got %v", got.Bio)
	}
	if got.CoinBalance != 5 {
		t.Fatalf("profile patch must not touch coins, got %d", got.CoinBalance)
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	a := fullRecord()
	b := a.Clone()
	*b.DisplayName = "other"
	*b.PremiumExpiresAt = 1
	if *a.DisplayName != "Sam" || *a.PremiumExpiresAt == 1 {
		t.Fatalf("clone shares pointers with the original")
	}
}
