package retry

import (
	"reflect"

	"github.com/spf13/cast"
)

// Filter is an event filter: every key must be present in the subject, leaf
// values are arrays of allowed values and nested objects recurse.
type Filter map[string]any

// Match reports whether subject satisfies f. An empty filter matches anything.
func (f Filter) Match(subject any) bool {
	if len(f) == 0 {
		return true
	}
	obj, ok := subject.(map[string]any)
	if !ok {
		return false
	}
	for key, want := range f {
		got, present := obj[key]
		if !present {
			return false
		}
		if !matchValue(want, got) {
			return false
		}
	}
	return true
}

func matchValue(want, got any) bool {
	switch w := want.(type) {
	case map[string]any:
		return Filter(w).Match(got)
	case Filter:
		return w.Match(got)
	case []any:
		for _, allowed := range w {
			if equalLeaf(allowed, got) {
				return true
			}
		}
		return false
	}

	// typed slices built in Go code, e.g. []string{"a"}
	rv := reflect.ValueOf(want)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalLeaf(rv.Index(i).Interface(), got) {
			return true
		}
	}
	return false
}

func equalLeaf(allowed, got any) bool {
	if isNumber(allowed) && isNumber(got) {
		a, err1 := cast.ToFloat64E(allowed)
		b, err2 := cast.ToFloat64E(got)
		return err1 == nil && err2 == nil && a == b
	}
	if !isComparable(allowed) || !isComparable(got) {
		return false
	}
	return allowed == got
}

func isComparable(v any) bool {
	t := reflect.TypeOf(v)
	return t == nil || t.Comparable()
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
