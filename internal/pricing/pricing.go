// Package pricing maps video durations to credit costs and defines the
// purchasable credit packages.
package pricing

// Credit rewards for user actions.
const (
	SignupReward  = 5
	ReferrerBonus = 10
	CommentReward = 2
)

// CostForDuration returns the credit cost to chapterize a video of the
// given length. Boundaries are inclusive on the upper tier: a 15-minute
// video costs 2 credits, a 60-minute video costs 3.
func CostForDuration(durationSeconds int) int {
	switch {
	case durationSeconds < 15*60:
		return 1
	case durationSeconds < 60*60:
		return 2
	default:
		return 3
	}
}

// Package is a purchasable credit bundle.
type Package struct {
	ID         string
	Credits    int
	PriceCents int
}

// Packages lists the purchasable bundles in display order.
var Packages = []Package{
	{ID: "starter", Credits: 25, PriceCents: 500},
	{ID: "popular", Credits: 60, PriceCents: 1000},
	{ID: "pro", Credits: 150, PriceCents: 2500},
	{ID: "ultimate", Credits: 350, PriceCents: 5000},
}

// PackageByID looks up a purchasable bundle. The second return is false
// when no such package exists.
func PackageByID(id string) (Package, bool) {
	for _, p := range Packages {
		if p.ID == id {
			return p, true
		}
	}
	return Package{}, false
}
