package privacy

import (
	"slices"
	"sort"
)

// resolve picks a non-overlapping subset of candidates. Candidates are taken
// greedily by priority, then longer span, then earlier start, then catalog
// order; each is kept only if it does not intersect one already kept. The
// result is sorted by Start.
func resolve(candidates []Candidate) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.pattern.Priority != b.pattern.Priority {
			return a.pattern.Priority > b.pattern.Priority
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.pattern.Index < b.pattern.Index
	})

	// Every span boundary splits the text into segments; segment i is
	// [bounds[i], bounds[i+1]). Two candidates overlap iff they share a
	// segment, and accepted spans are disjoint, so each segment is marked
	// taken at most once.
	bounds := make([]int, 0, 2*len(ordered))
	for _, c := range ordered {
		bounds = append(bounds, c.Start, c.End)
	}
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)
	taken := newFenwick(len(bounds))

	accepted := make([]Candidate, 0, len(ordered))
	for _, c := range ordered {
		lo, _ := slices.BinarySearch(bounds, c.Start)
		hi, _ := slices.BinarySearch(bounds, c.End)
		if taken.sum(lo, hi) > 0 {
			continue
		}
		for i := lo; i < hi; i++ {
			taken.add(i, 1)
		}
		accepted = append(accepted, c)
	}

	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].Start < accepted[j].Start
	})
	return accepted
}

// fenwick is a binary indexed tree over n counters.
type fenwick []int

func newFenwick(n int) fenwick { return make(fenwick, n+1) }

func (f fenwick) add(i, delta int) {
	for i++; i < len(f); i += i & -i {
		f[i] += delta
	}
}

// prefix sums counters [0, i).
func (f fenwick) prefix(i int) int {
	s := 0
	for ; i > 0; i -= i & -i {
		s += f[i]
	}
	return s
}

// sum totals counters [lo, hi).
func (f fenwick) sum(lo, hi int) int {
	return f.prefix(hi) - f.prefix(lo)
}
