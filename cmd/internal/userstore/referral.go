package userstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	minReferralCodeLen = 8
	maxReferralCodeLen = 24
)

// ParseReferralPayload extracts a referral code from a scanned or pasted
// payload. Accepted shapes, tried in order: a URL carrying ?ref=CODE, a JSON
// object with a "ref" or "token" field, the raw code. The result is
// uppercased and must be 8 to 24 characters of [A-Z0-9].
func ParseReferralPayload(payload string) (string, error) {
	raw := extractReferralCode(strings.TrimSpace(payload))

	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) < minReferralCodeLen || len(code) > maxReferralCodeLen {
		return "", OpError{Op: "userstore.ParseReferralPayload", Kind: ErrInvalidReferral, Msg: "invalid length"}
	}
	for _, c := range code {
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return "", OpError{Op: "userstore.ParseReferralPayload", Kind: ErrInvalidReferral, Msg: "invalid character"}
		}
	}
	return code, nil
}

func extractReferralCode(s string) string {
	if s == "" {
		return ""
	}

	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		if ref := u.Query().Get("ref"); ref != "" {
			return ref
		}
	}

	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			for _, field := range []string{"ref", "token"} {
				if v := stringField(obj[field]); v != "" {
					return v
				}
			}
		}
	}

	return s
}

func stringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if !t {
			return ""
		}
		return "true"
	case float64:
		if t == 0 {
			return ""
		}
		return fmt.Sprintf("%.0f", t)
	default:
		return ""
	}
}

// JoinResult reports a successful referral join.
type JoinResult struct {
	Code   string `json:"code"`
	Reward int64  `json:"reward"`
}

// JoinViaReferral joins via the code carried by payload. It is rejected,
// without touching the join fields, when the payload is invalid, when the
// code is the user's own, or when the user already joined. On success one
// update records the scan, sets joinedViaRefCode and credits ReferralReward.
func (s *Store) JoinViaReferral(ctx context.Context, payload string) (JoinResult, error) {
	code, err := ParseReferralPayload(payload)
	if err != nil {
		referralTotal.WithLabelValues("invalid").Inc()
		s.notifier.Error("invalid code")
		return JoinResult{}, err
	}

	if code == s.EnsureReferralCode(ctx) {
		referralTotal.WithLabelValues("self").Inc()
		s.notifier.Error("you can't use your own code")
		return JoinResult{}, OpError{Op: "userstore.JoinViaReferral", Kind: ErrSelfReferral}
	}

	now := MillisOf(s.clock.Now())
	_, joined := s.mutate(ctx, "local", func(r Record) (Record, bool) {
		if r.JoinedViaRefCode != nil {
			return r, false
		}
		r.LastScannedRefCode = Ref(code)
		r.LastScannedAt = Ref(now)
		r.JoinedViaRefCode = Ref(code)
		r.CoinBalance += ReferralReward
		return r, true
	})
	if !joined {
		referralTotal.WithLabelValues("already_joined").Inc()
		s.notifier.Error("already joined")
		return JoinResult{}, OpError{Op: "userstore.JoinViaReferral", Kind: ErrAlreadyJoined}
	}

	referralTotal.WithLabelValues("joined").Inc()
	s.notifier.Success("code accepted: " + code)
	return JoinResult{Code: code, Reward: ReferralReward}, nil
}
