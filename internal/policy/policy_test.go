package policy

import (
	"testing"

	"github.com/Fuabioo/merge-gate/internal/structval"
)

func mustNew(t *testing.T, opts Options) *Policy {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestCanonicalKeysAlwaysDenied(t *testing.T) {
	// Even a policy built with no explicit denied keys rejects the
	// canonical ancestor aliases.
	p := mustNew(t, Options{})

	for _, key := range CanonicalDeniedKeys() {
		d := p.Classify(key)
		if d.Allowed {
			t.Errorf("Classify(%q) allowed, want denied", key)
		}
	}
}

func TestClassifyNormalization(t *testing.T) {
	p := mustNew(t, Options{})

	tests := []struct {
		name string
		key  string
	}{
		{"upper case", "__PROTO__"},
		{"mixed case", "Constructor"},
		{"zero-width space inside", "__pro​to__"},
		{"non-ascii homoglyph stripped", "prototypée"}, // strips é, leaves "prototype"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := p.Classify(tt.key); d.Allowed {
				t.Errorf("Classify(%q) allowed, want denied", tt.key)
			}
		})
	}

	if d := p.Classify("proto"); !d.Allowed {
		t.Errorf("Classify(proto) denied (%s), want allowed", d.Reason)
	}
}

func TestClassifyCustomDeniedKeys(t *testing.T) {
	p := mustNew(t, Options{DeniedKeys: []string{"isAdmin"}})

	if d := p.Classify("isadmin"); d.Allowed {
		t.Error("Classify(isadmin) allowed, want denied (normalized match)")
	}
	if d := p.Classify("username"); !d.Allowed {
		t.Errorf("Classify(username) denied: %s", d.Reason)
	}
}

func TestClassifyAllowList(t *testing.T) {
	p := mustNew(t, Options{AllowedKeys: []string{"timeout", "retries"}})

	if d := p.Classify("timeout"); !d.Allowed {
		t.Errorf("Classify(timeout) denied: %s", d.Reason)
	}
	d := p.Classify("surprise")
	if d.Allowed {
		t.Error("Classify(surprise) allowed, want denied (not in allow list)")
	}
	if d.Reason == "" {
		t.Error("denial should carry a reason")
	}

	// The deny-list wins even over an allow-listed name.
	p2 := mustNew(t, Options{AllowedKeys: []string{"__proto__"}})
	if d := p2.Classify("__proto__"); d.Allowed {
		t.Error("Classify(__proto__) allowed despite canonical deny-list")
	}
}

func TestValidateFieldExactKinds(t *testing.T) {
	p := mustNew(t, Options{
		FieldSchema: map[string]structval.Kind{
			"timeout": structval.KindNumber,
			"label":   structval.KindString,
		},
	})

	if mm := p.ValidateField("timeout", 30.0); mm != nil {
		t.Errorf("timeout=30.0 mismatch: expected %v got %v", mm.Expected, mm.Actual)
	}
	// No numeric-string coercion.
	mm := p.ValidateField("timeout", "30")
	if mm == nil {
		t.Fatal("timeout=\"30\" should mismatch")
	}
	if mm.Expected != structval.KindNumber || mm.Actual != structval.KindString {
		t.Errorf("mismatch = {%v %v}, want {number string}", mm.Expected, mm.Actual)
	}

	// A schema'd scalar field holding a container is also a mismatch.
	if mm := p.ValidateField("label", map[string]any{"x": 1.0}); mm == nil {
		t.Error("label=mapping should mismatch")
	}

	// Unknown fields carry no constraint.
	if mm := p.ValidateField("unknown", "anything"); mm != nil {
		t.Errorf("unknown field validated: %+v", mm)
	}
}

func TestNewRejectsInvalidSchemaKind(t *testing.T) {
	_, err := New(Options{FieldSchema: map[string]structval.Kind{"x": structval.KindInvalid}})
	if err == nil {
		t.Error("New accepted an invalid schema kind")
	}
}

func TestMaxDepthDefault(t *testing.T) {
	p := mustNew(t, Options{})
	if p.MaxDepth() != DefaultMaxDepth {
		t.Errorf("MaxDepth = %d, want %d", p.MaxDepth(), DefaultMaxDepth)
	}

	p2 := mustNew(t, Options{MaxDepth: 4})
	if p2.MaxDepth() != 4 {
		t.Errorf("MaxDepth = %d, want 4", p2.MaxDepth())
	}
}

func TestDeniedKeysSorted(t *testing.T) {
	p := mustNew(t, Options{DeniedKeys: []string{"zzz", "aaa"}})
	keys := p.DeniedKeys()

	if len(keys) != 5 {
		t.Fatalf("len(DeniedKeys) = %d, want 5", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Errorf("DeniedKeys not sorted: %v", keys)
			break
		}
	}
}
