package profile

import "strings"

// DomainOther collects tags outside the configured table. Reviews landing
// there carry no skill signal and are excluded from domain skills.
const DomainOther = "other"

// TagMapper maps problem tags onto skill domains.
type TagMapper struct {
	table map[string]string
}

// NewTagMapper copies the table, lowercasing keys. A nil table maps
// everything to other.
func NewTagMapper(table map[string]string) *TagMapper {
	m := &TagMapper{table: make(map[string]string, len(table))}
	for tag, dom := range table {
		m.table[strings.ToLower(tag)] = dom
	}
	return m
}

// DomainOf resolves one tag, falling back to other.
func (m *TagMapper) DomainOf(tag string) string {
	if dom, ok := m.table[strings.ToLower(tag)]; ok {
		return dom
	}
	return DomainOther
}

// DomainsOf resolves a tag set to its distinct domains, other excluded.
func (m *TagMapper) DomainsOf(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, tag := range tags {
		dom := m.DomainOf(tag)
		if dom == DomainOther {
			continue
		}
		if _, ok := seen[dom]; ok {
			continue
		}
		seen[dom] = struct{}{}
		out = append(out, dom)
	}
	return out
}

// DefaultTagDomains covers the common algorithm-problem taxonomy.
func DefaultTagDomains() map[string]string {
	return map[string]string{
		"array":      "arrays",
		"string":     "strings",
		"hash-table": "hashing",
		"matrix":     "matrices",
		"prefix-sum": "prefix_sums",

		"linked-list":     "linked_lists",
		"stack":           "stacks_queues",
		"queue":           "stacks_queues",
		"monotonic-stack": "stacks_queues",

		"tree":                "trees",
		"binary-tree":         "trees",
		"binary-search-tree":  "trees",
		"trie":                "tries",
		"heap-priority-queue": "heaps",

		"graph":                "graphs",
		"breadth-first-search": "graphs",
		"depth-first-search":   "graphs",
		"topological-sort":     "graphs",
		"union-find":           "graphs",

		"dynamic-programming": "dynamic_programming",
		"memoization":         "dynamic_programming",
		"greedy":              "greedy",
		"backtracking":        "backtracking",
		"recursion":           "backtracking",

		"binary-search":  "binary_search",
		"two-pointers":   "two_pointers",
		"sliding-window": "two_pointers",

		"bit-manipulation": "bit_manipulation",
		"math":             "math",
		"sorting":          "sorting",
		"design":           "design",
		"simulation":       "simulation",
		"interval":         "intervals",
	}
}
