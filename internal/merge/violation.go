package merge

import "strings"

// ViolationKind classifies one rejected key or branch.
type ViolationKind string

const (
	ForbiddenKey    ViolationKind = "forbidden_key"
	TypeMismatch    ViolationKind = "type_mismatch"
	DepthExceeded   ViolationKind = "depth_exceeded"
	StructuralCycle ViolationKind = "structural_cycle"
)

// Path locates a violation inside the source tree as ordered key segments
// (sequence indexes appear as their decimal form).
type Path []string

func (p Path) String() string {
	return strings.Join(p, ".")
}

// child returns a new Path extended by one segment. The receiver's backing
// array is never shared with the result, so sibling branches cannot clobber
// each other's recorded paths.
func (p Path) child(seg string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = seg
	return out
}

// Violation records one rejected key/value with its location and reason.
type Violation struct {
	Path   Path
	Kind   ViolationKind
	Detail string
}

// Outcome is the result of one merge call: either a merged tree or the
// complete, path-qualified list of violations. Exactly one of the two
// fields is populated.
type Outcome struct {
	Merged     map[string]any
	Violations []Violation
}

// Rejected reports whether any violation was recorded anywhere in the walk.
func (o Outcome) Rejected() bool {
	return len(o.Violations) > 0
}
