package drift

import (
	"fmt"
	"reflect"
	"sort"
)

// Compare computes the field-level diff between declared and observed
// properties. Maps are walked recursively; lists are compared elementwise
// by index. The result is deterministic: entries come out sorted by path.
func Compare(declared, observed map[string]any) *Diff {
	changes := make([]FieldChange, 0)
	diffMaps("", declared, observed, &changes)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return &Diff{Fields: changes}
}

// MissingDiff is the diff for a resource that was declared but not found.
func MissingDiff() *Diff {
	return &Diff{ResourceMissing: true}
}

func diffMaps(prefix string, declared, observed map[string]any, out *[]FieldChange) {
	keys := make(map[string]struct{}, len(declared)+len(observed))
	for k := range declared {
		keys[k] = struct{}{}
	}
	for k := range observed {
		keys[k] = struct{}{}
	}

	for key := range keys {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		dv, dok := declared[key]
		ov, ook := observed[key]

		switch {
		case dok && !ook:
			*out = append(*out, FieldChange{Path: path, Change: ChangeRemoved, Declared: dv})
		case !dok && ook:
			*out = append(*out, FieldChange{Path: path, Change: ChangeAdded, Observed: ov})
		default:
			diffValues(path, dv, ov, out)
		}
	}
}

func diffValues(path string, declared, observed any, out *[]FieldChange) {
	dm, dIsMap := declared.(map[string]any)
	om, oIsMap := observed.(map[string]any)
	if dIsMap && oIsMap {
		diffMaps(path, dm, om, out)
		return
	}

	ds, dIsList := declared.([]any)
	os, oIsList := observed.([]any)
	if dIsList && oIsList {
		diffLists(path, ds, os, out)
		return
	}

	if !equalScalar(declared, observed) {
		*out = append(*out, FieldChange{
			Path:     path,
			Change:   ChangeChanged,
			Declared: declared,
			Observed: observed,
		})
	}
}

func diffLists(path string, declared, observed []any, out *[]FieldChange) {
	n := len(declared)
	if len(observed) > n {
		n = len(observed)
	}
	for i := 0; i < n; i++ {
		elemPath := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case i >= len(observed):
			*out = append(*out, FieldChange{Path: elemPath, Change: ChangeRemoved, Declared: declared[i]})
		case i >= len(declared):
			*out = append(*out, FieldChange{Path: elemPath, Change: ChangeAdded, Observed: observed[i]})
		default:
			diffValues(elemPath, declared[i], observed[i], out)
		}
	}
}

// equalScalar compares leaf values. Numbers are compared as float64 so
// that values round-tripped through JSON compare equal to their Go
// originals.
func equalScalar(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
