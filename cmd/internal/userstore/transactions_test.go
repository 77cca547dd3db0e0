package userstore

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"sbstate/cmd/identity"
	"sbstate/cmd/internal/changebus"
	"sbstate/cmd/internal/persist"
)

func TestAddCoins_RejectsNegative(t *testing.T) {
	h := newHarness(t)
	err := h.store.AddCoins(context.Background(), -1)
	if !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
	if n := h.storage.Sets(); n != 0 {
		t.Fatalf("expected no writes, got %d", n)
	}
}

func TestDeductCoins_NeverGoesNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.AddCoins(ctx, 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	if h.store.DeductCoins(ctx, 11) {
		t.Fatalf("deduct beyond balance must fail")
	}
	if got := h.store.Record().CoinBalance; got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}

	if !h.store.DeductCoins(ctx, 10) {
		t.Fatalf("deduct of the full balance must succeed")
	}
	if h.store.DeductCoins(ctx, 1) || h.store.DeductCoins(ctx, -5) {
		t.Fatalf("deduct from zero or by a negative amount must fail")
	}
	if got := h.store.Record().CoinBalance; got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestDeductCoins_ConcurrentCallersNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.AddCoins(ctx, 100); err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.store.DeductCoins(ctx, 7) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 14 {
		t.Fatalf("expected 14 successful deductions, got %d", ok)
	}
	if got := h.store.Record().CoinBalance; got != 2 {
		t.Fatalf("expected balance 2, got %d", got)
	}
}

func TestSetCoinBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.SetCoinBalance(ctx, 250); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := h.store.Record().CoinBalance; got != 250 {
		t.Fatalf("expected balance 250, got %d", got)
	}
	if err := h.store.SetCoinBalance(ctx, -1); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestIncrementInvitesSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if n := h.store.IncrementInvitesSent(ctx); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := h.store.IncrementInvitesSent(ctx); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := h.store.Record().InvitesSentCount; n != 2 {
		t.Fatalf("expected stored count 2, got %d", n)
	}
}

func TestDailyCheckIn_CooldownWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.store.DailyCheckIn(ctx)
	if !res.Granted || res.Reward != CheckInReward || res.Message != "daily check-in complete +15 SB" {
		t.Fatalf("unexpected first check-in: %+v", res)
	}
	if got := h.store.Record().CoinBalance; got != 15 {
		t.Fatalf("expected balance 15, got %d", got)
	}

	h.clock.Advance(23 * time.Hour)
	res = h.store.DailyCheckIn(ctx)
	if res.Granted || res.Remaining != time.Hour || res.Message != "next check-in in 1h" {
		t.Fatalf("unexpected cooldown result: %+v", res)
	}
	if got := h.store.Record().CoinBalance; got != 15 {
		t.Fatalf("cooldown must not grant, balance %d", got)
	}

	view := h.store.CheckInView()
	if view.CanCheckIn || view.TimeLeft != "1h" || view.RemainingMillis != time.Hour.Milliseconds() {
		t.Fatalf("unexpected view: %+v", view)
	}

	h.clock.Advance(2 * time.Hour)
	if !h.store.CheckInStatus().Eligible {
		t.Fatalf("expected eligible after 25h")
	}
	if res = h.store.DailyCheckIn(ctx); !res.Granted {
		t.Fatalf("expected second grant: %+v", res)
	}
	rec := h.store.Record()
	if rec.CoinBalance != 30 || *rec.LastCheckInAt != MillisOf(t0.Add(25*time.Hour)) {
		t.Fatalf("unexpected record after second check-in: %+v", rec)
	}

	wantOK := []string{"daily check-in complete +15 SB", "daily check-in complete +15 SB"}
	if got := h.notifier.Successes(); !slices.Equal(got, wantOK) {
		t.Fatalf("unexpected successes: %v", got)
	}
	if got := h.notifier.Errors(); !slices.Equal(got, []string{"next check-in in 1h"}) {
		t.Fatalf("unexpected errors: %v", got)
	}
}

func TestRecordCheckIn_GrantsNothing(t *testing.T) {
	h := newHarness(t)
	h.store.RecordCheckIn(context.Background(), t0)
	rec := h.store.Record()
	if rec.CoinBalance != 0 || *rec.LastCheckInAt != MillisOf(t0) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if h.store.CheckInStatus().Eligible {
		t.Fatalf("expected cooldown after recording a check-in")
	}
}

func TestGrantAndClearPremium(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.store.GrantPremium24h(ctx, "gift"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown source, got %v", err)
	}

	if err := h.store.GrantPremium24h(ctx, PremiumSourceAdmin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	rec := h.store.Record()
	if *rec.PremiumExpiresAt != MillisOf(t0.Add(PremiumDuration)) || *rec.PremiumSource != PremiumSourceAdmin {
		t.Fatalf("unexpected premium fields: %+v", rec)
	}
	if !h.store.Snapshot().PremiumActive {
		t.Fatalf("expected premium active")
	}

	h.clock.Advance(PremiumDuration)
	if h.store.Snapshot().PremiumActive {
		t.Fatalf("expected premium inactive at expiry")
	}

	h.store.ClearPremium(ctx)
	rec = h.store.Record()
	if rec.PremiumExpiresAt != nil || rec.PremiumSource != nil {
		t.Fatalf("expected premium cleared: %+v", rec)
	}
}

func TestRedeemPremium_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.SetCoinBalance(ctx, 490); err != nil {
		t.Fatalf("set: %v", err)
	}
	writes := h.storage.Sets()

	res := h.store.RedeemPremium(ctx)
	if res.Success || res.Message != "need 10 more coins" || !IsInsufficientFunds(res.Reason) {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec := h.store.Record()
	if rec.CoinBalance != 490 || rec.PremiumExpiresAt != nil {
		t.Fatalf("failed redeem must not mutate: %+v", rec)
	}
	if h.storage.Sets() != writes {
		t.Fatalf("failed redeem must not write")
	}
}

func TestRedeemPremium_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.SetCoinBalance(ctx, 520); err != nil {
		t.Fatalf("set: %v", err)
	}

	res := h.store.RedeemPremium(ctx)
	if !res.Success || res.Reason != nil || res.Message != "premium active for 24 hours" {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec := h.store.Record()
	if rec.CoinBalance != 20 {
		t.Fatalf("expected balance 20, got %d", rec.CoinBalance)
	}
	if *rec.PremiumExpiresAt != MillisOf(t0.Add(24*time.Hour)) || *rec.PremiumSource != PremiumSourceRedeem {
		t.Fatalf("unexpected premium fields: %+v", rec)
	}
}

func TestRedeemPremium_OverlapIsRejected(t *testing.T) {
	g, fire := manualGuard()
	h := newHarness(t, WithRedeemGuard(g))
	ctx := context.Background()
	if err := h.store.SetCoinBalance(ctx, 1000); err != nil {
		t.Fatalf("set: %v", err)
	}

	if first := h.store.RedeemPremium(ctx); !first.Success {
		t.Fatalf("expected first redeem to succeed: %+v", first)
	}

	// Still inside the hold window.
	second := h.store.RedeemPremium(ctx)
	if second.Success || second.Message != "already in progress" || !IsRedeemInProgress(second.Reason) {
		t.Fatalf("unexpected overlapping result: %+v", second)
	}
	if got := h.store.Record().CoinBalance; got != 500 {
		t.Fatalf("expected balance 500, got %d", got)
	}

	fire()
	if third := h.store.RedeemPremium(ctx); !third.Success {
		t.Fatalf("expected redeem after release to succeed: %+v", third)
	}
	if got := h.store.Record().CoinBalance; got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}
}

func TestRedeemPremium_ConcurrentCallsDebitOnce(t *testing.T) {
	g, _ := manualGuard()
	h := newHarness(t, WithRedeemGuard(g))
	ctx := context.Background()
	if err := h.store.SetCoinBalance(ctx, 5000); err != nil {
		t.Fatalf("set: %v", err)
	}

	results := make(chan RedeemResult, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- h.store.RedeemPremium(ctx)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for r := range results {
		if r.Success {
			wins++
			continue
		}
		if !IsRedeemInProgress(r.Reason) {
			t.Fatalf("unexpected loser reason: %v", r.Reason)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if got := h.store.Record().CoinBalance; got != 4500 {
		t.Fatalf("expected balance 4500, got %d", got)
	}
}

func TestGuard_ZeroHoldReleasesImmediately(t *testing.T) {
	g := NewGuard(0)
	release, ok := g.TryEnter()
	if !ok {
		t.Fatalf("expected first enter")
	}
	if _, ok := g.TryEnter(); ok {
		t.Fatalf("expected second enter to be rejected while held")
	}

	release()
	release()

	release, ok = g.TryEnter()
	if !ok {
		t.Fatalf("expected enter after release")
	}
	release()
}

func TestEnsureReferralCode_IssuedOnceFromUserID(t *testing.T) {
	h := newHarness(t, WithIdentity(identity.Static("user_9f8e7d6c5b4a")))
	ctx := context.Background()

	code := h.store.EnsureReferralCode(ctx)
	if code != "7D6C5B4A" {
		t.Fatalf("expected 7D6C5B4A, got %q", code)
	}
	if n := h.storage.Sets(); n != 1 {
		t.Fatalf("expected one write, got %d", n)
	}

	if again := h.store.EnsureReferralCode(ctx); again != code {
		t.Fatalf("expected the same code, got %q", again)
	}
	if n := h.storage.Sets(); n != 1 {
		t.Fatalf("issuance writes at most once, got %d writes", n)
	}
}

func TestEnsureReferralCode_RandomWithoutIdentity(t *testing.T) {
	h := newHarness(t, WithRand(bytes.NewReader(bytes.Repeat([]byte{0, 1, 2, 3, 255, 26, 27, 35}, 4))))

	// 255 lies outside the unbiased range and is skipped.
	if code := h.store.EnsureReferralCode(context.Background()); code != "ABCD019A" {
		t.Fatalf("expected ABCD019A, got %q", code)
	}
}

func TestEnsureReferralCode_ShortIDKeepsWhatItHas(t *testing.T) {
	cases := map[string]string{
		"u-1":      "U1",
		"ab_12cd":  "AB12CD",
		"abcdefgh": "ABCDEFGH",
	}
	for id, want := range cases {
		h := newHarness(t,
			WithIdentity(identity.Static(id)),
			WithRand(bytes.NewReader(bytes.Repeat([]byte{25}, 8))),
		)
		if code := h.store.EnsureReferralCode(context.Background()); code != want {
			t.Fatalf("id %q: expected %q, got %q", id, want, code)
		}
	}
}

func TestEnsureReferralCode_FallsBackToRecordID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Update(ctx, Patch{ID: Set(Ref("acct-00aa11bb22"))})

	if code := h.store.EnsureReferralCode(ctx); code != "AA11BB22" {
		t.Fatalf("expected AA11BB22, got %q", code)
	}
}

func TestEnsureReferralCode_KeepsExistingCode(t *testing.T) {
	h := newHarness(t, WithIdentity(identity.Static("user_abcdefghijkl")))
	ctx := context.Background()
	h.store.Update(ctx, Patch{ReferralCode: Set(Ref("KEEPME01"))})

	if code := h.store.EnsureReferralCode(ctx); code != "KEEPME01" {
		t.Fatalf("existing code must be kept, got %q", code)
	}
}

func TestParseReferralPayload(t *testing.T) {
	ok := map[string]string{
		"abcd1234":                                          "ABCD1234",
		"  ABCD1234  ":                                      "ABCD1234",
		"https://sportbuddies.app/?ref=abcd1234":            "ABCD1234",
		"https://sportbuddies.app/join?ref=XYZ98765&utm=qr": "XYZ98765",
		`{"ref":"abcd1234"}`:                                "ABCD1234",
		`{"token":"TOKEN12345"}`:                            "TOKEN12345",
		`{"ref":12345678}`:                                  "12345678",
		strings.Repeat("A", 24):                             strings.Repeat("A", 24),
	}
	for in, want := range ok {
		got, err := ParseReferralPayload(in)
		if err != nil || got != want {
			t.Fatalf("payload %q: got (%q, %v), want %q", in, got, err, want)
		}
	}

	bad := []string{
		"",
		"abc",
		"ABCD123",
		strings.Repeat("A", 25),
		"ABCD-1234",
		"https://sportbuddies.app/?ref=ab",
		`{"other":"ABCD1234"}`,
		"ÄBCD1234",
	}
	for _, in := range bad {
		if _, err := ParseReferralPayload(in); !errors.Is(err, ErrInvalidReferral) {
			t.Fatalf("payload %q: expected ErrInvalidReferral, got %v", in, err)
		}
	}
}

func TestJoinViaReferral_Success(t *testing.T) {
	h := newHarness(t, WithIdentity(identity.Static("user_11112222")))
	ctx := context.Background()

	res, err := h.store.JoinViaReferral(ctx, "https://sportbuddies.app/?ref=friend99")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if res != (JoinResult{Code: "FRIEND99", Reward: ReferralReward}) {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec := h.store.Record()
	if *rec.JoinedViaRefCode != "FRIEND99" || *rec.LastScannedRefCode != "FRIEND99" {
		t.Fatalf("unexpected referral fields: %+v", rec)
	}
	if *rec.LastScannedAt != MillisOf(t0) || rec.CoinBalance != ReferralReward {
		t.Fatalf("unexpected scan time or reward: %+v", rec)
	}
	if got := h.notifier.Successes(); !slices.Equal(got, []string{"code accepted: FRIEND99"}) {
		t.Fatalf("unexpected successes: %v", got)
	}
}

func TestJoinViaReferral_IdempotentAfterFirstJoin(t *testing.T) {
	h := newHarness(t, WithIdentity(identity.Static("user_11112222")))
	ctx := context.Background()

	if _, err := h.store.JoinViaReferral(ctx, "FRIEND99"); err != nil {
		t.Fatalf("join: %v", err)
	}
	before := h.store.Record()
	writes := h.storage.Sets()

	for _, code := range []string{"FRIEND99", "OTHER123"} {
		_, err := h.store.JoinViaReferral(ctx, code)
		if !errors.Is(err, ErrAlreadyJoined) || !IsReferralRejected(err) {
			t.Fatalf("code %q: expected ErrAlreadyJoined, got %v", code, err)
		}
	}

	if !reflect.DeepEqual(before, h.store.Record()) {
		t.Fatalf("rejected join mutated the record")
	}
	if h.storage.Sets() != writes {
		t.Fatalf("rejected join wrote to storage")
	}
}

func TestJoinViaReferral_RejectsOwnCode(t *testing.T) {
	h := newHarness(t, WithIdentity(identity.Static("user_11112222")))
	ctx := context.Background()

	own := h.store.EnsureReferralCode(ctx)
	if _, err := h.store.JoinViaReferral(ctx, strings.ToLower(own)); !errors.Is(err, ErrSelfReferral) {
		t.Fatalf("expected ErrSelfReferral, got %v", err)
	}

	rec := h.store.Record()
	if rec.JoinedViaRefCode != nil || rec.LastScannedRefCode != nil || rec.CoinBalance != 0 {
		t.Fatalf("self referral must not mutate: %+v", rec)
	}
}

func TestJoinViaReferral_InvalidPayloadMutatesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.JoinViaReferral(context.Background(), "nope")
	if !errors.Is(err, ErrInvalidReferral) {
		t.Fatalf("expected ErrInvalidReferral, got %v", err)
	}
	if !reflect.DeepEqual(DefaultRecord(), h.store.Record()) {
		t.Fatalf("invalid payload mutated the record")
	}
	if n := h.storage.Sets(); n != 0 {
		t.Fatalf("expected no writes, got %d", n)
	}
	if got := h.notifier.Errors(); !slices.Equal(got, []string{"invalid code"}) {
		t.Fatalf("unexpected errors: %v", got)
	}
}

func TestJoinViaReferral_AcrossContexts(t *testing.T) {
	mem := persist.NewMemoryStorage()
	net := changebus.NewNetwork()
	ctx := context.Background()

	a := newHarnessOn(t, mem, net.Endpoint(), WithIdentity(identity.Static("user_aaaabbbb")))
	b := newHarnessOn(t, mem, net.Endpoint(), WithIdentity(identity.Static("user_aaaabbbb")))

	if _, err := a.store.JoinViaReferral(ctx, "FRIEND99"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := b.store.JoinViaReferral(ctx, "FRIEND99"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined in the second context, got %v", err)
	}
	if got := b.store.Record().CoinBalance; got != ReferralReward {
		t.Fatalf("expected reward granted once, balance %d", got)
	}
}
