// Package merge implements the sanitizing structural-merge executor: it
// combines an untrusted source tree into a copy of a trusted target tree,
// consulting the key classifier and field validator for every key, bounding
// recursion depth, and collecting every violation instead of aborting. The
// caller commits the merged tree only when the outcome carries no
// violations.
package merge

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/Fuabioo/merge-gate/internal/policy"
	"github.com/Fuabioo/merge-gate/internal/structval"
)

// Merge combines source into a deep copy of target under pol and returns
// the outcome. The caller's target is never mutated: a rejected merge
// leaves it byte-for-byte intact, and an accepted one is committed by the
// caller swapping in Outcome.Merged. Safe for concurrent use with distinct
// targets/sources and a shared policy.
func Merge(target, source map[string]any, pol *policy.Policy) Outcome {
	w := &walker{
		pol:    pol,
		onPath: make(map[uintptr]struct{}),
	}
	dst := w.cloneMapping(target)
	w.mergeMapping(dst, source, nil, 0)

	if len(w.violations) > 0 {
		return Outcome{Violations: w.violations}
	}
	return Outcome{Merged: dst}
}

type walker struct {
	pol        *policy.Policy
	violations []Violation

	// onPath tracks source containers on the current descent so a cyclic
	// source is reported as a violation rather than followed.
	onPath map[uintptr]struct{}
}

func (w *walker) violate(path Path, kind ViolationKind, detail string) {
	w.violations = append(w.violations, Violation{Path: path, Kind: kind, Detail: detail})
}

// mergeMapping walks src's own keys in sorted order and writes the
// surviving entries into dst. Enumeration is ownership-based: keys
// reachable only through the ambient namespace are never visited.
func (w *walker) mergeMapping(dst, src map[string]any, path Path, depth int) {
	ptr := reflect.ValueOf(src).Pointer()
	if _, seen := w.onPath[ptr]; seen {
		w.violate(path, StructuralCycle, "source mapping revisits itself")
		return
	}
	w.onPath[ptr] = struct{}{}
	defer delete(w.onPath, ptr)

	for _, k := range structval.OwnKeys(src) {
		v := src[k]

		// Classification comes first: a denied key is skipped entirely,
		// including any container beneath it.
		if d := w.pol.Classify(k); !d.Allowed {
			w.violate(path.child(k), ForbiddenKey, d.Reason)
			continue
		}

		if mm := w.pol.ValidateField(k, v); mm != nil {
			w.violate(path.child(k), TypeMismatch,
				fmt.Sprintf("expected %s, got %s", mm.Expected, mm.Actual))
			continue
		}

		switch structval.KindOf(v) {
		case structval.KindMapping:
			if depth+1 > w.pol.MaxDepth() {
				w.violate(path.child(k), DepthExceeded,
					fmt.Sprintf("depth %d exceeds limit %d", depth+1, w.pol.MaxDepth()))
				continue
			}
			child, ok := dst[k].(map[string]any)
			if !ok {
				child = NewMapping()
				dst[k] = child
			}
			w.mergeMapping(child, v.(map[string]any), path.child(k), depth+1)

		case structval.KindSequence:
			if depth+1 > w.pol.MaxDepth() {
				w.violate(path.child(k), DepthExceeded,
					fmt.Sprintf("depth %d exceeds limit %d", depth+1, w.pol.MaxDepth()))
				continue
			}
			// Sequences replace the target value wholesale; elements are
			// still sanitized so nested mappings obey the same rules.
			dst[k] = w.sanitizeSequence(v.([]any), path.child(k), depth+1)

		case structval.KindInvalid:
			w.violate(path.child(k), TypeMismatch,
				fmt.Sprintf("unsupported value type %T", v))

		default:
			dst[k] = v
		}
	}
}

// sanitizeSequence rebuilds a source sequence into a fresh container,
// recursing into container elements. Elements that violate are recorded
// and dropped from the rebuilt sequence; the overall merge is rejected
// anyway once any violation exists.
func (w *walker) sanitizeSequence(src []any, path Path, depth int) []any {
	if cap(src) > 0 {
		ptr := reflect.ValueOf(src).Pointer()
		if _, seen := w.onPath[ptr]; seen {
			w.violate(path, StructuralCycle, "source sequence revisits itself")
			return NewSequence(0)
		}
		w.onPath[ptr] = struct{}{}
		defer delete(w.onPath, ptr)
	}

	out := NewSequence(len(src))
	for i, el := range src {
		seg := strconv.Itoa(i)
		switch structval.KindOf(el) {
		case structval.KindMapping:
			if depth+1 > w.pol.MaxDepth() {
				w.violate(path.child(seg), DepthExceeded,
					fmt.Sprintf("depth %d exceeds limit %d", depth+1, w.pol.MaxDepth()))
				continue
			}
			child := NewMapping()
			w.mergeMapping(child, el.(map[string]any), path.child(seg), depth+1)
			out = append(out, child)

		case structval.KindSequence:
			if depth+1 > w.pol.MaxDepth() {
				w.violate(path.child(seg), DepthExceeded,
					fmt.Sprintf("depth %d exceeds limit %d", depth+1, w.pol.MaxDepth()))
				continue
			}
			out = append(out, w.sanitizeSequence(el.([]any), path.child(seg), depth+1))

		case structval.KindInvalid:
			w.violate(path.child(seg), TypeMismatch,
				fmt.Sprintf("unsupported value type %T", el))

		default:
			out = append(out, el)
		}
	}
	return out
}

// cloneMapping deep-copies the trusted target through the isolated
// container factory, so every container in the merged result is
// ancestor-free regardless of how the caller built the target.
func (w *walker) cloneMapping(m map[string]any) map[string]any {
	out := NewMapping()
	for k, v := range m {
		out[k] = w.cloneValue(v)
	}
	return out
}

func (w *walker) cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return w.cloneMapping(val)
	case []any:
		out := NewSequence(len(val))
		for _, el := range val {
			out = append(out, w.cloneValue(el))
		}
		return out
	default:
		return v
	}
}
