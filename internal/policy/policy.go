// Package policy holds the immutable per-call-site merge policy: the key
// deny-list, the optional allow-list, the field type schema, and the
// recursion depth bound. The classifier and validator here are pure; they
// are consulted by the merge executor for every key before any write.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/Fuabioo/merge-gate/internal/structval"
)

// DefaultMaxDepth bounds recursion when a policy does not set its own limit.
const DefaultMaxDepth = 32

// CanonicalDeniedKeys returns the key names that alias the shared ancestor
// in the host object model. They are denied in every policy regardless of
// what the caller supplies.
func CanonicalDeniedKeys() []string {
	return []string{"__proto__", "constructor", "prototype"}
}

// Options configures a new Policy. DeniedKeys are unioned with the canonical
// set, never substituted for it. A nil AllowedKeys means no allow-list; an
// empty non-nil one rejects every key.
type Options struct {
	DeniedKeys  []string
	AllowedKeys []string
	FieldSchema map[string]structval.Kind
	MaxDepth    int
}

// Policy is an immutable merge policy. Construct with New and share freely
// across concurrent merge calls.
type Policy struct {
	denied   map[string]struct{}
	allowed  map[string]struct{} // nil = no allow-list
	schema   map[string]structval.Kind
	maxDepth int
}

// New builds a Policy from opts. The returned policy always denies the
// canonical ancestor-alias keys.
func New(opts Options) (*Policy, error) {
	p := &Policy{
		denied:   make(map[string]struct{}),
		maxDepth: opts.MaxDepth,
	}
	if p.maxDepth <= 0 {
		p.maxDepth = DefaultMaxDepth
	}

	for _, k := range CanonicalDeniedKeys() {
		p.denied[NormalizeKey(k)] = struct{}{}
	}
	for _, k := range opts.DeniedKeys {
		n := NormalizeKey(k)
		if n == "" {
			return nil, fmt.Errorf("policy: denied key %q normalizes to empty", k)
		}
		p.denied[n] = struct{}{}
	}

	if opts.AllowedKeys != nil {
		p.allowed = make(map[string]struct{}, len(opts.AllowedKeys))
		for _, k := range opts.AllowedKeys {
			p.allowed[k] = struct{}{}
		}
	}

	if len(opts.FieldSchema) > 0 {
		p.schema = make(map[string]structval.Kind, len(opts.FieldSchema))
		for field, kind := range opts.FieldSchema {
			if kind == structval.KindInvalid {
				return nil, fmt.Errorf("policy: field %q has invalid schema kind", field)
			}
			p.schema[field] = kind
		}
	}

	return p, nil
}

// MaxDepth returns the recursion bound.
func (p *Policy) MaxDepth() int {
	return p.maxDepth
}

// NormalizeKey prepares a candidate key for deny-list comparison: strips
// non-ASCII and non-printable runes, then lowercases. Casing or invisible
// characters must not let a denied name slip past the classifier.
func NormalizeKey(key string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return -1
		}
		return r
	}, key)
	return strings.ToLower(cleaned)
}

// Decision is the classifier's verdict for one key.
type Decision struct {
	Allowed bool
	Reason  string // set only when denied
}

// Classify decides whether key may be written at all. Deny-list matching is
// normalized; allow-list matching is exact, since allow-lists name fields
// the caller authored. The decision applies at every nesting depth.
func (p *Policy) Classify(key string) Decision {
	if _, denied := p.denied[NormalizeKey(key)]; denied {
		return Decision{Reason: fmt.Sprintf("key %q is denied", key)}
	}
	if p.allowed != nil {
		if _, ok := p.allowed[key]; !ok {
			return Decision{Reason: fmt.Sprintf("key %q is not in the allow list", key)}
		}
	}
	return Decision{Allowed: true}
}

// TypeMismatch describes a schema violation found by ValidateField.
type TypeMismatch struct {
	Expected structval.Kind
	Actual   structval.Kind
}

// ValidateField checks v against the schema entry for key. It returns nil
// when the key carries no schema constraint or the kinds match exactly.
// No coercion is performed: a number field holding a numeric string is a
// mismatch, and so is a schema'd scalar field holding a container.
func (p *Policy) ValidateField(key string, v any) *TypeMismatch {
	expected, ok := p.schema[key]
	if !ok {
		return nil
	}
	actual := structval.KindOf(v)
	if actual != expected {
		return &TypeMismatch{Expected: expected, Actual: actual}
	}
	return nil
}

// FieldKind reports the schema kind declared for key, if any.
func (p *Policy) FieldKind(key string) (structval.Kind, bool) {
	k, ok := p.schema[key]
	return k, ok
}

// DeniedKeys returns the normalized deny-list, sorted. Used by diagnostics
// that probe the ambient namespace for pollution.
func (p *Policy) DeniedKeys() []string {
	keys := make([]string, 0, len(p.denied))
	for k := range p.denied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
