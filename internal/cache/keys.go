// Package cache implements the Redis-backed cache-aside layer: namespaced
// key construction, TTL policy, indexed invalidation, and the delayed
// double-delete that closes stale-repopulate races after writes.
package cache

import (
	"fmt"
	"strings"
	"time"
)

// Namespace prefixes every key this service writes.
const Namespace = "codetop"

// Key domains. The second segment of every key names its domain; hit and
// miss counters are labeled with it, and TTL policy is chosen by it.
const (
	DomainProfile        = "profile"
	DomainQueue          = "queue"
	DomainStats          = "stats"
	DomainMetrics        = "metrics"
	DomainProblem        = "problem"
	DomainRecommendation = "rec"
	domainIndex          = "idx"
)

// TTLs is the per-domain expiry policy.
type TTLs struct {
	Profile        time.Duration
	Queue          time.Duration
	Stats          time.Duration
	Metrics        time.Duration
	Problem        time.Duration
	Recommendation time.Duration
}

// DefaultTTLs returns the production expiry policy.
func DefaultTTLs() TTLs {
	return TTLs{
		Profile:        time.Hour,
		Queue:          5 * time.Minute,
		Stats:          10 * time.Minute,
		Metrics:        time.Hour,
		Problem:        30 * time.Minute,
		Recommendation: time.Hour,
	}
}

// Keys is the sole constructor of cache keys. Every key passes through
// here so the namespace, the domain segment, and the user scoping stay
// uniform.
type Keys struct{}

// Profile keys the cached UserProfile for a user.
func (Keys) Profile(userID int64) string {
	return fmt.Sprintf("%s:%s:%d", Namespace, DomainProfile, userID)
}

// Queue keys the cached review queue for a (user, limit) pair.
func (Keys) Queue(userID int64, limit int) string {
	return fmt.Sprintf("%s:%s:%d:%d", Namespace, DomainQueue, userID, limit)
}

// Stats keys the cached review statistics for a user.
func (Keys) Stats(userID int64) string {
	return fmt.Sprintf("%s:%s:%d", Namespace, DomainStats, userID)
}

// Metrics keys the cached per-problem review aggregates for a user.
func (Keys) Metrics(userID int64) string {
	return fmt.Sprintf("%s:%s:%d", Namespace, DomainMetrics, userID)
}

// Problem keys cached problem metadata.
func (Keys) Problem(problemID int64) string {
	return fmt.Sprintf("%s:%s:%d", Namespace, DomainProblem, problemID)
}

// Recommendation keys a cached recommendation response. Prompt version,
// tier, AB group, and chain id are all part of the key so segments never
// see each other's results.
func (Keys) Recommendation(userID int64, limit int, promptVersion, tier, abGroup, chainID string) string {
	return fmt.Sprintf("%s:%s:%d:%d:%s:%s:%s:%s",
		Namespace, DomainRecommendation, userID, limit, promptVersion, tier, abGroup, chainID)
}

// UserIndex keys the index set listing a user's keys in one domain.
// Domains whose keys vary beyond the user id (queue limits, recommendation
// segments) register members here so invalidation can evict them as a batch
// without scanning the keyspace.
func (Keys) UserIndex(domain string, userID int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", Namespace, domainIndex, domain, userID)
}

// UserPattern returns the scan pattern matching all of a user's keys in a
// domain. Used as a fallback when no index set exists.
func (Keys) UserPattern(domain string, userID int64) string {
	return fmt.Sprintf("%s:%s:%d:*", Namespace, domain, userID)
}

// DomainOf extracts the domain segment from a key, or "unknown" when the
// key does not carry the namespace.
func DomainOf(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[0] != Namespace {
		return "unknown"
	}
	return parts[1]
}

// TTLFor returns the configured TTL for a key's domain, zero when unknown.
func (t TTLs) TTLFor(domain string) time.Duration {
	switch domain {
	case DomainProfile:
		return t.Profile
	case DomainQueue:
		return t.Queue
	case DomainStats:
		return t.Stats
	case DomainMetrics:
		return t.Metrics
	case DomainProblem:
		return t.Problem
	case DomainRecommendation:
		return t.Recommendation
	default:
		return 0
	}
}
