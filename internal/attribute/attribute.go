// Package attribute implements Haggle's attribute algebra: the
// (name, value, weight) triples used both as a data object's tags and as
// an application's interests, plus the ordered multiset that groups them.
package attribute

import "sort"

// Wildcard matches any value for a given attribute name.
const Wildcard = "*"

// Attribute is a single (name, value, weight) triple. Weight does not
// participate in equality or ordering; it only influences match scoring.
type Attribute struct {
	Name   string
	Value  string
	Weight uint32
}

// DefaultWeight is used when no explicit weight is given.
const DefaultWeight = 1

// New creates an attribute with the default weight.
func New(name, value string) Attribute {
	return Attribute{Name: name, Value: value, Weight: DefaultWeight}
}

// NewWeighted creates an attribute with an explicit weight.
func NewWeighted(name, value string, weight uint32) Attribute {
	return Attribute{Name: name, Value: value, Weight: weight}
}

// Equal compares name and value only, ignoring weight, and treating a
// wildcard value as equal to any value sharing the attribute's name.
func (a Attribute) Equal(b Attribute) bool {
	if a.Name != b.Name {
		return false
	}
	return a.Value == b.Value || a.Value == Wildcard || b.Value == Wildcard
}

// Less orders attributes by name ascending, then by value, with "*"
// compared as the greatest value for a given name.
func (a Attribute) Less(b Attribute) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Value == b.Value {
		return false
	}
	if a.Value == Wildcard {
		return false
	}
	if b.Value == Wildcard {
		return true
	}
	return a.Value < b.Value
}

// String renders "name=value".
func (a Attribute) String() string {
	return a.Name + "=" + a.Value
}

// Set is an ordered multiset of attributes keyed by name: multiple
// values are allowed per name, and Get returns the n-th occurrence.
type Set struct {
	attrs []Attribute
}

// NewSet builds a Set from zero or more attributes, canonicalising order.
func NewSet(attrs ...Attribute) *Set {
	s := &Set{attrs: append([]Attribute(nil), attrs...)}
	s.sort()
	return s
}

func (s *Set) sort() {
	sort.SliceStable(s.attrs, func(i, j int) bool {
		return s.attrs[i].Less(s.attrs[j])
	})
}

// Add inserts an attribute, keeping canonical order. Duplicate
// (name,value) pairs are permitted (multiset semantics).
func (s *Set) Add(a Attribute) {
	s.attrs = append(s.attrs, a)
	s.sort()
}

// Remove deletes the first attribute equal (by Equal) to a, if present.
// Returns true if something was removed.
func (s *Set) Remove(a Attribute) bool {
	for i, existing := range s.attrs {
		if existing.Name == a.Name && existing.Value == a.Value {
			s.attrs = append(s.attrs[:i], s.attrs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of attributes in the set.
func (s *Set) Len() int { return len(s.attrs) }

// All returns the attributes in canonical order. The slice must not be
// mutated by the caller.
func (s *Set) All() []Attribute { return s.attrs }

// Get returns the n-th (0-indexed) occurrence of attributes with the
// given name, in canonical order.
func (s *Set) Get(name string, n int) (Attribute, bool) {
	count := 0
	for _, a := range s.attrs {
		if a.Name == name {
			if count == n {
				return a, true
			}
			count++
		}
	}
	return Attribute{}, false
}

// GetAll returns every attribute with the given name, in canonical order.
func (s *Set) GetAll(name string) []Attribute {
	var out []Attribute
	for _, a := range s.attrs {
		if a.Name == name {
			out = append(out, a)
		}
	}
	return out
}

// Has reports whether the set contains an attribute matching a, honouring
// wildcards in either operand's value.
func (s *Set) Has(a Attribute) bool {
	for _, existing := range s.attrs {
		if existing.Equal(a) {
			return true
		}
	}
	return false
}

// Matches reports how many attributes of other this set satisfies,
// weighted by the matched attribute's weight. Used by the data store's
// query ordering (attribute-weighted match descending, spec §4.2).
func (s *Set) Matches(other *Set) (score uint64, matched int) {
	if other == nil {
		return 0, 0
	}
	for _, want := range other.attrs {
		if s.Has(want) {
			matched++
			score += uint64(want.Weight)
		}
	}
	return score, matched
}

// Union returns a new Set containing every attribute of s and other,
// de-duplicated on exact (name, value) pairs. Used to rebuild thisNode's
// attributes as the union of all registered application nodes' interests.
func Union(sets ...*Set) *Set {
	seen := make(map[[2]string]bool)
	out := &Set{}
	for _, s := range sets {
		if s == nil {
			continue
		}
		for _, a := range s.attrs {
			key := [2]string{a.Name, a.Value}
			if seen[key] {
				continue
			}
			seen[key] = true
			out.attrs = append(out.attrs, a)
		}
	}
	out.sort()
	return out
}

// Equal reports whether two sets contain the same attributes (ignoring
// weight and ordering, but respecting multiplicity).
func (s *Set) Equal(other *Set) bool {
	if other == nil {
		return s.Len() == 0
	}
	if s.Len() != other.Len() {
		return false
	}
	a := append([]Attribute(nil), s.attrs...)
	b := append([]Attribute(nil), other.attrs...)
	less := func(x []Attribute) func(i, j int) bool {
		return func(i, j int) bool { return x[i].Less(x[j]) }
	}
	sort.SliceStable(a, less(a))
	sort.SliceStable(b, less(b))
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Value != b[i].Value {
			return false
		}
	}
	return true
}
