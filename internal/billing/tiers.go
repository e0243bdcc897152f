// Package billing holds the subscription tier ordering and the product
// identifiers exchanged with the native store.
package billing

import (
	"strings"

	"fitmarket/internal/types"
)

// TierPriorityResolver ranks subscription tiers so that "upgrade vs new
// subscription" can be decided in one place. Lower rank is more privileged.
type TierPriorityResolver interface {
	// Rank returns the privilege rank of the tier. Unknown tiers rank as
	// free so malformed cached data degrades to the least privileged value.
	Rank(tier types.PlanTier) int
	// IsUpgrade reports whether moving from -> to gains privilege.
	IsUpgrade(from, to types.PlanTier) bool
	// IsPaid reports whether the tier is a purchasable paid tier.
	IsPaid(tier types.PlanTier) bool
}

// staticTierResolver is the compile-time resolver backed by tierRanks.
type staticTierResolver struct {
	ranks map[types.PlanTier]int
}

// tierRanks is the single source of truth for tier ordering:
//
//	| Tier       | Rank | Paid |
//	|------------|------|------|
//	| founder    | 0    | no   |
//	| enterprise | 1    | yes  |
//	| pro        | 2    | yes  |
//	| starter    | 3    | yes  |
//	| free       | 4    | no   |
//
// founder sits outside the purchasable order. Ranking it above everything
// means no purchase is ever classified as an upgrade from a founder account.
var tierRanks = map[types.PlanTier]int{
	types.PlanFounder:    0,
	types.PlanEnterprise: 1,
	types.PlanPro:        2,
	types.PlanStarter:    3,
	types.PlanFree:       4,
}

var leastPrivilegedRank = tierRanks[types.PlanFree]

var paidTiers = map[types.PlanTier]struct{}{
	types.PlanStarter:    {},
	types.PlanPro:        {},
	types.PlanEnterprise: {},
}

// NewTierResolver returns the standard resolver. It performs no I/O.
func NewTierResolver() TierPriorityResolver {
	m := make(map[types.PlanTier]int, len(tierRanks))
	for k, v := range tierRanks {
		m[k] = v
	}
	return &staticTierResolver{ranks: m}
}

func (r *staticTierResolver) Rank(tier types.PlanTier) int {
	if rank, ok := r.ranks[tier]; ok {
		return rank
	}
	return leastPrivilegedRank
}

func (r *staticTierResolver) IsUpgrade(from, to types.PlanTier) bool {
	return r.Rank(to) < r.Rank(from)
}

func (r *staticTierResolver) IsPaid(tier types.PlanTier) bool {
	_, ok := paidTiers[tier]
	return ok
}

// PaidTiers returns the purchasable tiers from least to most privileged.
func PaidTiers() []types.PlanTier {
	return []types.PlanTier{types.PlanStarter, types.PlanPro, types.PlanEnterprise}
}

// NormalizeTier maps free-form input (cached values, webhook metadata) onto
// a known tier. Anything unrecognized becomes free.
func NormalizeTier(raw string) types.PlanTier {
	tier := types.PlanTier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := tierRanks[tier]; ok {
		return tier
	}
	return types.PlanFree
}
