// Package recommend assembles AI problem recommendations. A request flows
// through a toggle gate, a chain selector, a provider chain and three
// post-processing stages (hybrid ranker, strategy mixer, confidence
// calibrator); every failure along the way degrades to a scheduler-only
// fallback instead of an error.
package recommend

import (
	"codetop/internal/domain"
)

// RequestContext carries the routing signals for one recommendation request.
// It is built once per request and treated as immutable afterwards.
type RequestContext struct {
	UserID        int64
	Tier          string
	ABGroup       string
	Route         string
	PromptVersion string
	TraceID       string
}

// ABAssigner maps users onto a fixed set of experiment groups using the
// stable hash in domain, so the same user lands in the same group across
// restarts and deployments.
type ABAssigner struct {
	groups []string
}

func NewABAssigner(groups []string) *ABAssigner {
	return &ABAssigner{groups: groups}
}

// GroupFor returns the experiment group for userID, or "" when no groups
// are configured.
func (a *ABAssigner) GroupFor(userID int64) string {
	if a == nil {
		return ""
	}
	return domain.AssignABGroup(userID, a.groups)
}
