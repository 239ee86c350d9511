package retry

import (
	"sort"
	"strconv"
	"strings"
)

type patternClass int

const (
	classExact patternClass = iota
	classRange
	classWildcard
)

// statusPattern is one parsed ByStatus key.
type statusPattern struct {
	key    string
	class  patternClass
	lo, hi int
}

func (p statusPattern) matches(code int) bool {
	return code >= p.lo && code <= p.hi
}

func parseStatusPattern(key string) (statusPattern, bool) {
	k := strings.TrimSpace(key)
	switch {
	case len(k) == 3 && strings.HasSuffix(strings.ToLower(k), "xx"):
		d := k[0]
		if d < '1' || d > '5' {
			return statusPattern{}, false
		}
		base := int(d-'0') * 100
		return statusPattern{key: key, class: classWildcard, lo: base, hi: base + 99}, true
	case strings.Contains(k, "-"):
		lo, hi, ok := strings.Cut(k, "-")
		if !ok {
			return statusPattern{}, false
		}
		l, err1 := strconv.Atoi(strings.TrimSpace(lo))
		h, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || !validStatus(l) || !validStatus(h) || l > h {
			return statusPattern{}, false
		}
		return statusPattern{key: key, class: classRange, lo: l, hi: h}, true
	default:
		c, err := strconv.Atoi(k)
		if err != nil || !validStatus(c) {
			return statusPattern{}, false
		}
		return statusPattern{key: key, class: classExact, lo: c, hi: c}, true
	}
}

func validStatus(c int) bool {
	return c >= 100 && c <= 599
}

// orderedPatterns returns the valid keys of byStatus in match order: exact
// codes, then ranges narrowest first, then wildcards. Ties sort by key.
func orderedPatterns[T any](byStatus map[string]T) []statusPattern {
	out := make([]statusPattern, 0, len(byStatus))
	for key := range byStatus {
		if p, ok := parseStatusPattern(key); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.class != b.class {
			return a.class < b.class
		}
		if a.class == classRange {
			if wa, wb := a.hi-a.lo, b.hi-b.lo; wa != wb {
				return wa < wb
			}
		}
		return a.key < b.key
	})
	return out
}

// MatchStatus selects the ByStatus entry for code. Each key is tried at most
// once and the first match in precedence order wins.
func MatchStatus[T any](byStatus map[string]T, code int) (key string, value T, ok bool) {
	for _, p := range orderedPatterns(byStatus) {
		if p.matches(code) {
			return p.key, byStatus[p.key], true
		}
	}
	return "", value, false
}
