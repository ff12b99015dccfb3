package backend

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

type Comparator string

const (
	CompareEqual              Comparator = "equal"
	CompareNotEqual           Comparator = "not_equal"
	CompareGreaterThan        Comparator = "gt"
	CompareGreaterThanOrEqual Comparator = "gte"
	CompareLessThan           Comparator = "lt"
	CompareLessThanOrEqual    Comparator = "lte"
	CompareContains           Comparator = "contains"
	CompareAnyOf              Comparator = "any_of"
	CompareNotAnyOf           Comparator = "not_any_of"
	CompareDistance           Comparator = "distance"
)

// Valid reports whether c is a comparator the backend understands.
func (c Comparator) Valid() bool {
	switch c {
	case CompareEqual, CompareNotEqual, CompareGreaterThan, CompareGreaterThanOrEqual,
		CompareLessThan, CompareLessThanOrEqual, CompareContains, CompareAnyOf,
		CompareNotAnyOf, CompareDistance:
		return true
	default:
		return false
	}
}

// Param is a single search predicate against a session attribute.
// AnyOf and NotAnyOf take a comma separated list as Value.
type Param struct {
	Key        string
	Value      string
	Comparator Comparator
}

// Query is a backend search. Private sessions are only returned when
// IncludePrivate is set, which is reserved for exact join code lookups.
type Query struct {
	BucketID       string
	Params         []Param
	IncludePrivate bool
}

// Match evaluates q against r. Distance params never exclude a record; they
// only influence ordering (see SortByDistance).
func Match(r Record, q Query) bool {
	if !r.Public && !q.IncludePrivate {
		return false
	}
	if q.BucketID != "" && r.BucketID != q.BucketID {
		return false
	}
	for _, p := range q.Params {
		if !matchParam(r.Attributes, p) {
			return false
		}
	}
	return true
}

func matchParam(attrs map[string]string, p Param) bool {
	v, ok := attrs[p.Key]
	switch p.Comparator {
	case CompareEqual, "":
		return ok && v == p.Value
	case CompareNotEqual:
		return !ok || v != p.Value
	case CompareGreaterThan, CompareGreaterThanOrEqual, CompareLessThan, CompareLessThanOrEqual:
		if !ok {
			return false
		}
		return compareOrdered(v, p.Value, p.Comparator)
	case CompareContains:
		return ok && strings.Contains(v, p.Value)
	case CompareAnyOf:
		return ok && inList(v, p.Value)
	case CompareNotAnyOf:
		return !ok || !inList(v, p.Value)
	case CompareDistance:
		return true
	default:
		return false
	}
}

// compareOrdered compares numerically when both sides parse as numbers and
// lexically otherwise.
func compareOrdered(have, want string, c Comparator) bool {
	cmp := 0
	hf, herr := strconv.ParseFloat(have, 64)
	wf, werr := strconv.ParseFloat(want, 64)
	if herr == nil && werr == nil {
		switch {
		case hf < wf:
			cmp = -1
		case hf > wf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(have, want)
	}
	switch c {
	case CompareGreaterThan:
		return cmp > 0
	case CompareGreaterThanOrEqual:
		return cmp >= 0
	case CompareLessThan:
		return cmp < 0
	case CompareLessThanOrEqual:
		return cmp <= 0
	}
	return false
}

func inList(v, list string) bool {
	for _, item := range SplitList(list) {
		if item == v {
			return true
		}
	}
	return false
}

// SplitList splits an AnyOf/NotAnyOf value into trimmed, non-empty items.
func SplitList(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SortByDistance orders records by the first distance param in q, closest
// first. Records without a numeric value for the key sort last. The sort is
// stable so the backend's natural order breaks ties.
func SortByDistance(records []Record, q Query) {
	var target *Param
	for i := range q.Params {
		if q.Params[i].Comparator == CompareDistance {
			target = &q.Params[i]
			break
		}
	}
	if target == nil {
		return
	}
	want, err := strconv.ParseFloat(target.Value, 64)
	if err != nil {
		return
	}
	dist := func(r Record) float64 {
		have, err := strconv.ParseFloat(r.Attributes[target.Key], 64)
		if err != nil {
			return math.Inf(1)
		}
		return math.Abs(have - want)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return dist(records[i]) < dist(records[j])
	})
}
