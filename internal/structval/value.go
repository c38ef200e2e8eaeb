// Package structval defines the structural value model shared by the merge
// engine: the parsed-JSON representation of nested data (nil, bool, float64,
// string, []any, map[string]any) and the kind taxonomy that policies and
// validators operate on.
package structval

import (
	"fmt"
	"sort"
)

// Kind classifies a structural value's runtime shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "invalid"
	}
}

// ParseKind maps a kind name (as written in policy schemas) to a Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "null":
		return KindNull, nil
	case "bool":
		return KindBool, nil
	case "number":
		return KindNumber, nil
	case "string":
		return KindString, nil
	case "sequence":
		return KindSequence, nil
	case "mapping":
		return KindMapping, nil
	default:
		return KindInvalid, fmt.Errorf("structval: unknown kind %q", name)
	}
}

// KindOf returns the Kind of a structural value. Integer types are accepted
// alongside float64 so programmatically built trees classify the same way as
// trees produced by encoding/json.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64, float32, int, int64, int32:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindSequence
	case map[string]any:
		return KindMapping
	default:
		return KindInvalid
	}
}

// IsContainer reports whether k is a sequence or mapping kind.
func (k Kind) IsContainer() bool {
	return k == KindSequence || k == KindMapping
}

// OwnKeys returns the keys directly held by m, sorted. This is the only
// enumeration the merge executor may use: it never observes keys reachable
// through the ambient namespace, and the sorted order makes violation
// reporting deterministic.
func OwnKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of a structural value. Containers are copied
// recursively; scalars are returned as-is.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMapping(val)
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = Clone(el)
		}
		return out
	default:
		return v
	}
}

// CloneMapping returns a deep copy of a mapping.
func CloneMapping(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}
