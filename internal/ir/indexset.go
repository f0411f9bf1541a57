package ir

import (
	"fmt"
	"strings"
)

// IndexSet is a small set of parameter indices, used to identify which
// parameters a derivative is taken with respect to. Functions with more than
// 64 parameters are not supported.
type IndexSet uint64

// Indices builds an IndexSet from the given indices.
func Indices(idxs ...int) IndexSet {
	var s IndexSet
	for _, i := range idxs {
		s = s.With(i)
	}
	return s
}

// Has reports whether index i is in the set.
func (s IndexSet) Has(i int) bool { return s&(1<<uint(i)) != 0 }

// With returns the set with index i added.
func (s IndexSet) With(i int) IndexSet { return s | 1<<uint(i) }

// Without returns the set with index i removed.
func (s IndexSet) Without(i int) IndexSet { return s &^ (1 << uint(i)) }

// Union returns the union of both sets.
func (s IndexSet) Union(o IndexSet) IndexSet { return s | o }

// IsEmpty reports whether the set has no members.
func (s IndexSet) IsEmpty() bool { return s == 0 }

// Count returns the number of members.
func (s IndexSet) Count() int {
	n := 0
	for t := s; t != 0; t &= t - 1 {
		n++
	}
	return n
}

// IsSupersetOf reports whether every member of o is also in s.
func (s IndexSet) IsSupersetOf(o IndexSet) bool { return s&o == o }

// Members returns the members in ascending order.
func (s IndexSet) Members() []int {
	var out []int
	for i := 0; i < 64; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// PositionOf returns the position of index i among the set members in
// ascending order, or -1 if i is not a member. Derivative results are laid
// out in member order, so this maps a parameter index to its adjoint slot.
func (s IndexSet) PositionOf(i int) int {
	if !s.Has(i) {
		return -1
	}
	pos := 0
	for j := 0; j < i; j++ {
		if s.Has(j) {
			pos++
		}
	}
	return pos
}

func (s IndexSet) String() string {
	m := s.Members()
	parts := make([]string, len(m))
	for i, v := range m {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ParseIndexSet parses the form produced by String, e.g. "{0, 2}".
func ParseIndexSet(s string) (IndexSet, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return 0, fmt.Errorf("malformed index set %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return 0, nil
	}
	var set IndexSet
	for _, part := range strings.Split(body, ",") {
		var i int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &i); err != nil {
			return 0, fmt.Errorf("malformed index set %q: %w", s, err)
		}
		set = set.With(i)
	}
	return set, nil
}
