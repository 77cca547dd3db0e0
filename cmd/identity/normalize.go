package identity

import "strings"

// NormalizeUserID trims surrounding whitespace. Ids are opaque otherwise:
// case is preserved because the referral code is derived from the raw id.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}
