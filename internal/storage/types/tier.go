package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Tier is the index of a resolution level. Tier 0 stores raw samples.
type Tier int

// TierRaw is the finest tier.
const TierRaw Tier = 0

// String returns the string representation of the tier.
func (t Tier) String() string {
	return "tier" + strconv.Itoa(int(t))
}

// IsLowest returns true if this is the raw tier.
func (t Tier) IsLowest() bool {
	return t == TierRaw
}

// Previous returns the next finer tier.
// Returns the same tier if it's the lowest tier.
func (t Tier) Previous() Tier {
	if t <= TierRaw {
		return TierRaw
	}
	return t - 1
}

// ParseTier parses "tierN" or a bare number into a Tier.
func ParseTier(s string) (Tier, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "tier"))
	if err != nil || n < 0 {
		return TierRaw, fmt.Errorf("unknown tier: %s", s)
	}
	return Tier(n), nil
}

// TierSpec describes one tier of a configured tier set.
type TierSpec struct {
	// Grouping is the number of base-interval samples aggregated into one
	// point of this tier. Tier 0 has grouping 1.
	Grouping int64
}

// Width returns the tier point width in seconds for a chart collected
// every updateEvery seconds.
func (s TierSpec) Width(updateEvery int64) int64 {
	if updateEvery <= 0 {
		updateEvery = 1
	}
	g := s.Grouping
	if g <= 0 {
		g = 1
	}
	return g * updateEvery
}

// WindowEnd returns the end of the window of the given width that
// contains ts, i.e. the first boundary strictly after ts.
func WindowEnd(ts, width int64) int64 {
	if width <= 0 {
		return ts
	}
	return (ts/width)*width + width
}

// Specs builds tier specs from a list of grouping factors.
func Specs(groupings []int) []TierSpec {
	specs := make([]TierSpec, len(groupings))
	for i, g := range groupings {
		specs[i] = TierSpec{Grouping: int64(g)}
	}
	return specs
}
