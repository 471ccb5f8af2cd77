package domain

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Tier is the subscription tier label attached to a user. Toggle and
// routing tables key on the uppercase form.
type Tier string

const (
	TierFree     Tier = "FREE"
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// NormalizeTier uppercases a tier label so config lookups are
// case-insensitive.
func NormalizeTier(s string) Tier {
	return Tier(strings.ToUpper(strings.TrimSpace(s)))
}

// User identifies a learner. The id is immutable; tier may change over
// time but is fixed for the lifetime of a single request context.
type User struct {
	ID   int64
	Tier Tier
}

// AssignABGroup deterministically maps a user id onto one of the given
// group labels. FNV-1a over the decimal id keeps assignments stable
// across restarts and deployments, which segment-scoped caches and
// toggles rely on. Empty groups yield "".
func AssignABGroup(userID int64, groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "user:%d", userID)
	return groups[h.Sum64()%uint64(len(groups))]
}
