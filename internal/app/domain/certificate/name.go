package certificate

import (
	"sort"
	"strings"
)

// nameFillers are transliteration tokens that carry no identity information
// and must not create matches between unrelated holders.
var nameFillers = map[string]struct{}{
	"":     {},
	"DR":   {},
	"PROF": {},
	"MD":   {},
}

// splitTokens breaks one standardized name field into its normalized parts.
func splitTokens(field string) []string {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(field)), "<")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if _, filler := nameFillers[p]; filler {
			continue
		}
		out = append(out, p)
	}
	return out
}

// FamilyTokens returns the normalized family-name parts.
func (n Name) FamilyTokens() []string {
	return splitTokens(n.StandardizedFamilyName)
}

// GivenTokens returns the normalized given-name parts.
func (n Name) GivenTokens() []string {
	return splitTokens(n.StandardizedGivenName)
}

// Tokens returns the union of family and given tokens. Matching against the
// union tolerates swapped name order and married/maiden combinations.
func (n Name) Tokens() map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range n.FamilyTokens() {
		set[t] = struct{}{}
	}
	for _, t := range n.GivenTokens() {
		set[t] = struct{}{}
	}
	return set
}

// SortedTokens returns the token union in lexicographic order. Used to build
// deterministic grouping keys.
func (n Name) SortedTokens() []string {
	set := n.Tokens()
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TokensOverlap reports whether two names share at least one normalized token
// in either direction (family-vs-family or family-vs-given).
func TokensOverlap(a, b Name) bool {
	bt := b.Tokens()
	for t := range a.Tokens() {
		if _, ok := bt[t]; ok {
			return true
		}
	}
	return false
}
