package domain

import "strings"

// Tier is the account-level classification bounding concurrent sessions.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// MaxSessions returns the concurrent-session ceiling for the tier.
// Unrecognized tiers get the free allowance.
func (t Tier) MaxSessions() int {
	switch t {
	case TierPro:
		return 2
	case TierPremium:
		return 3
	default:
		return 1
	}
}

func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPro:
		return TierPro
	case TierPremium:
		return TierPremium
	default:
		return TierFree
	}
}
