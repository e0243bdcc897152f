package billing

import (
	"fmt"
	"strings"

	"fitmarket/internal/types"
)

// productPrefix namespaces store product identifiers.
const productPrefix = "fitmarket"

var intervals = map[types.BillingInterval]struct{}{
	types.IntervalMonthly: {},
	types.IntervalYearly:  {},
}

// ValidInterval reports whether the interval is one the store sells.
func ValidInterval(interval types.BillingInterval) bool {
	_, ok := intervals[interval]
	return ok
}

// ProductID builds the opaque store identifier for a paid tier and
// interval, e.g. "fitmarket.pro.yearly".
func ProductID(tier types.PlanTier, interval types.BillingInterval) (string, error) {
	if _, ok := paidTiers[tier]; !ok {
		return "", types.NewAppError(
			types.ErrCodeValidationInvalidTier,
			fmt.Sprintf("tier %q cannot be purchased", tier),
			nil,
		)
	}
	if !ValidInterval(interval) {
		return "", types.NewAppError(
			types.ErrCodeValidationInvalidInterval,
			fmt.Sprintf("interval %q is not offered", interval),
			nil,
		)
	}
	return fmt.Sprintf("%s.%s.%s", productPrefix, tier, interval), nil
}

// ParseProductID is the inverse of ProductID.
func ParseProductID(productID string) (types.PlanTier, types.BillingInterval, error) {
	parts := strings.Split(productID, ".")
	if len(parts) != 3 || parts[0] != productPrefix {
		return "", "", types.NewAppError(
			types.ErrCodeValidationInvalidProduct,
			fmt.Sprintf("malformed product identifier %q", productID),
			nil,
		)
	}
	tier := types.PlanTier(parts[1])
	interval := types.BillingInterval(parts[2])
	if _, ok := paidTiers[tier]; !ok || !ValidInterval(interval) {
		return "", "", types.NewAppError(
			types.ErrCodeValidationInvalidProduct,
			fmt.Sprintf("unknown product %q", productID),
			nil,
		)
	}
	return tier, interval, nil
}
