package merge

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Fuabioo/merge-gate/internal/ambient"
	"github.com/Fuabioo/merge-gate/internal/policy"
	"github.com/Fuabioo/merge-gate/internal/structval"
)

func parseTree(t *testing.T, src string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(src), &m); err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return m
}

func defaultPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.New(policy.Options{})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return p
}

func findViolation(out Outcome, kind ViolationKind, path string) *Violation {
	for i := range out.Violations {
		v := &out.Violations[i]
		if v.Kind == kind && v.Path.String() == path {
			return v
		}
	}
	return nil
}

func TestProtoInjectionRejected(t *testing.T) {
	// Scenario A: denied ancestor-alias key at the top level.
	target := parseTree(t, `{"username":"alice"}`)
	source := parseTree(t, `{"__proto__":{"isAdmin":true}}`)

	out := Merge(target, source, defaultPolicy(t))

	if !out.Rejected() {
		t.Fatal("merge accepted a __proto__ injection")
	}
	if v := findViolation(out, ForbiddenKey, "__proto__"); v == nil {
		t.Errorf("missing ForbiddenKey violation at __proto__, got %+v", out.Violations)
	}
	if out.Merged != nil {
		t.Error("rejected outcome carries a merged tree")
	}

	// The caller's target is untouched.
	if target["username"] != "alice" || len(target) != 1 {
		t.Errorf("target mutated: %v", target)
	}

	// And the shared ancestor stayed clean.
	if !ambient.VerifyClean(policy.CanonicalDeniedKeys()) {
		t.Error("ambient namespace polluted by rejected merge")
	}
}

func TestCleanMergeWithSchema(t *testing.T) {
	// Scenario B: schema-validated overwrite plus untouched sibling.
	target := parseTree(t, `{"timeout":30,"retries":3}`)
	source := parseTree(t, `{"timeout":10}`)

	p, err := policy.New(policy.Options{
		FieldSchema: map[string]structval.Kind{
			"timeout": structval.KindNumber,
			"retries": structval.KindNumber,
		},
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	out := Merge(target, source, p)
	if out.Rejected() {
		t.Fatalf("merge rejected: %+v", out.Violations)
	}

	want := map[string]any{"timeout": 10.0, "retries": 3.0}
	if diff := cmp.Diff(want, out.Merged); diff != "" {
		t.Errorf("merged tree mismatch (-want +got):\n%s", diff)
	}
}

func TestDepthBound(t *testing.T) {
	// Scenario C: nesting past max_depth stops descending but reports.
	target := parseTree(t, `{}`)
	source := parseTree(t, `{"a":{"b":{"c":1}}}`)

	p, err := policy.New(policy.Options{MaxDepth: 1})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	out := Merge(target, source, p)
	if !out.Rejected() {
		t.Fatal("merge accepted nesting past max_depth")
	}
	if v := findViolation(out, DepthExceeded, "a.b"); v == nil {
		t.Errorf("missing DepthExceeded at a.b, got %+v", out.Violations)
	}
}

func TestDeniedKeyAtAnyDepth(t *testing.T) {
	// P2: a denied key nested deep is rejected identically to depth 0.
	target := parseTree(t, `{}`)
	source := parseTree(t, `{"a":{"b":{"__proto__":{"x":1}}}}`)

	out := Merge(target, source, defaultPolicy(t))
	if !out.Rejected() {
		t.Fatal("merge accepted a nested __proto__")
	}
	v := findViolation(out, ForbiddenKey, "a.b.__proto__")
	if v == nil {
		t.Fatalf("missing ForbiddenKey at a.b.__proto__, got %+v", out.Violations)
	}
}

func TestDeniedKeyInsideSequenceElement(t *testing.T) {
	target := parseTree(t, `{}`)
	source := parseTree(t, `{"items":[{"ok":1},{"constructor":{"x":1}}]}`)

	out := Merge(target, source, defaultPolicy(t))
	if !out.Rejected() {
		t.Fatal("merge accepted a denied key inside a sequence element")
	}
	if v := findViolation(out, ForbiddenKey, "items.1.constructor"); v == nil {
		t.Errorf("missing ForbiddenKey at items.1.constructor, got %+v", out.Violations)
	}
}

func TestTypeMismatchNoPartialWrite(t *testing.T) {
	// P3: a corrupted scalar rejects the merge and the target keeps its
	// prior value.
	target := parseTree(t, `{"timeout":30}`)
	source := parseTree(t, `{"timeout":"CORRUPTED"}`)

	p, err := policy.New(policy.Options{
		FieldSchema: map[string]structval.Kind{"timeout": structval.KindNumber},
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	out := Merge(target, source, p)
	if !out.Rejected() {
		t.Fatal("merge accepted a type-confused scalar")
	}
	if v := findViolation(out, TypeMismatch, "timeout"); v == nil {
		t.Errorf("missing TypeMismatch at timeout, got %+v", out.Violations)
	}
	if target["timeout"] != 30.0 {
		t.Errorf("target.timeout = %v, want 30 (no partial write)", target["timeout"])
	}
}

func TestSchemaFieldReceivingContainer(t *testing.T) {
	target := parseTree(t, `{"timeout":30}`)
	source := parseTree(t, `{"timeout":{"sneaky":1}}`)

	p, err := policy.New(policy.Options{
		FieldSchema: map[string]structval.Kind{"timeout": structval.KindNumber},
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	out := Merge(target, source, p)
	if v := findViolation(out, TypeMismatch, "timeout"); v == nil {
		t.Errorf("schema'd scalar accepted a mapping, violations: %+v", out.Violations)
	}
}

func TestAllViolationsCollected(t *testing.T) {
	// Siblings keep processing after a violation; nothing short-circuits.
	target := parseTree(t, `{}`)
	source := parseTree(t, `{"__proto__":{"a":1},"timeout":"bad","ok":"fine","prototype":1}`)

	p, err := policy.New(policy.Options{
		FieldSchema: map[string]structval.Kind{"timeout": structval.KindNumber},
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	out := Merge(target, source, p)
	if len(out.Violations) != 3 {
		t.Fatalf("got %d violations, want 3: %+v", len(out.Violations), out.Violations)
	}
	// Owned-key order is sorted, so the report order is stable.
	wantPaths := []string{"__proto__", "prototype", "timeout"}
	for i, want := range wantPaths {
		if got := out.Violations[i].Path.String(); got != want {
			t.Errorf("Violations[%d].Path = %q, want %q", i, got, want)
		}
	}
}

func TestAllowListRejectsUnknownKeys(t *testing.T) {
	target := parseTree(t, `{}`)
	source := parseTree(t, `{"timeout":5,"surprise":true}`)

	p, err := policy.New(policy.Options{AllowedKeys: []string{"timeout"}})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}

	out := Merge(target, source, p)
	if !out.Rejected() {
		t.Fatal("merge accepted a key outside the allow list")
	}
	if v := findViolation(out, ForbiddenKey, "surprise"); v == nil {
		t.Errorf("missing ForbiddenKey at surprise, got %+v", out.Violations)
	}
}

func TestIdempotentOnCleanInput(t *testing.T) {
	// P4: merging the same compliant source into two independent target
	// copies yields structurally equal results.
	targetJSON := `{"profile":{"name":"alice"},"retries":3}`
	sourceJSON := `{"profile":{"name":"bob","tags":["a","b"]},"retries":5}`

	p := defaultPolicy(t)

	out1 := Merge(parseTree(t, targetJSON), parseTree(t, sourceJSON), p)
	out2 := Merge(parseTree(t, targetJSON), parseTree(t, sourceJSON), p)

	if out1.Rejected() || out2.Rejected() {
		t.Fatalf("clean input rejected: %+v / %+v", out1.Violations, out2.Violations)
	}
	if diff := cmp.Diff(out1.Merged, out2.Merged); diff != "" {
		t.Errorf("repeated merges differ:\n%s", diff)
	}
}

func TestNestedMergePreservesTargetSiblings(t *testing.T) {
	target := parseTree(t, `{"server":{"host":"localhost","port":8080}}`)
	source := parseTree(t, `{"server":{"port":9090}}`)

	out := Merge(target, source, defaultPolicy(t))
	if out.Rejected() {
		t.Fatalf("rejected: %+v", out.Violations)
	}

	want := map[string]any{
		"server": map[string]any{"host": "localhost", "port": 9090.0},
	}
	if diff := cmp.Diff(want, out.Merged); diff != "" {
		t.Errorf("merged tree mismatch (-want +got):\n%s", diff)
	}
}

func TestSequencesReplaceWholesale(t *testing.T) {
	target := parseTree(t, `{"tags":["old","values"]}`)
	source := parseTree(t, `{"tags":["new"]}`)

	out := Merge(target, source, defaultPolicy(t))
	if out.Rejected() {
		t.Fatalf("rejected: %+v", out.Violations)
	}
	want := map[string]any{"tags": []any{"new"}}
	if diff := cmp.Diff(want, out.Merged); diff != "" {
		t.Errorf("merged tree mismatch (-want +got):\n%s", diff)
	}
}

func TestTargetShapeConflictCreatesFreshContainer(t *testing.T) {
	// Target holds a scalar where the source supplies a mapping: the merge
	// materializes a fresh isolated container instead of descending into
	// the scalar.
	target := parseTree(t, `{"cfg":"legacy"}`)
	source := parseTree(t, `{"cfg":{"mode":"strict"}}`)

	out := Merge(target, source, defaultPolicy(t))
	if out.Rejected() {
		t.Fatalf("rejected: %+v", out.Violations)
	}
	cfg, ok := out.Merged["cfg"].(map[string]any)
	if !ok {
		t.Fatalf("merged cfg is %T, want mapping", out.Merged["cfg"])
	}
	if cfg["mode"] != "strict" {
		t.Errorf("cfg.mode = %v, want strict", cfg["mode"])
	}
}

func TestStructuralCycleReported(t *testing.T) {
	source := map[string]any{"a": 1.0}
	source["self"] = source

	out := Merge(map[string]any{}, source, defaultPolicy(t))
	if !out.Rejected() {
		t.Fatal("merge followed a cyclic source")
	}
	if v := findViolation(out, StructuralCycle, "self"); v == nil {
		t.Errorf("missing StructuralCycle at self, got %+v", out.Violations)
	}
}

func TestSharedSubtreeIsNotACycle(t *testing.T) {
	// The same mapping referenced from two sibling keys is a DAG, not a
	// cycle, and must merge cleanly.
	shared := map[string]any{"x": 1.0}
	source := map[string]any{"a": shared, "b": shared}

	out := Merge(map[string]any{}, source, defaultPolicy(t))
	if out.Rejected() {
		t.Fatalf("DAG source rejected: %+v", out.Violations)
	}
}

func TestFactoryContainersAreDetached(t *testing.T) {
	// P5: containers materialized during a merge never inherit from the
	// shared ancestor, even when probed through the inherited lookup path.
	if !ambient.Default().Detached(NewMapping()) {
		t.Fatal("factory mapping not registered as detached")
	}

	target := parseTree(t, `{}`)
	source := parseTree(t, `{"nested":{"deep":{"v":1}}}`)
	out := Merge(target, source, defaultPolicy(t))
	if out.Rejected() {
		t.Fatalf("rejected: %+v", out.Violations)
	}

	nested := out.Merged["nested"].(map[string]any)
	deep := nested["deep"].(map[string]any)
	for _, m := range []map[string]any{out.Merged, nested, deep} {
		if _, ok := ambient.Reach(m, "unset-ambient-key"); ok {
			t.Error("merged container resolved an unset key through the ancestor")
		}
		if !ambient.Default().Detached(m) {
			t.Error("merged container is not detached from the ambient namespace")
		}
	}
}

func TestMergeDoesNotGrowAmbientRegistry(t *testing.T) {
	// Containers materialized by the executor leave no trace in the ambient
	// registry, so a long-lived host does not accumulate entries per merge.
	before := ambient.Default().LinkedCount()

	p := defaultPolicy(t)
	for i := 0; i < 1000; i++ {
		target := parseTree(t, `{"nested":{"keep":"me"}}`)
		source := parseTree(t, `{"nested":{"deep":{"v":1}},"tags":[{"k":1}]}`)
		if out := Merge(target, source, p); out.Rejected() {
			t.Fatalf("rejected: %+v", out.Violations)
		}
	}

	if after := ambient.Default().LinkedCount(); after != before {
		t.Errorf("ambient registry grew from %d to %d across merges", before, after)
	}
}

func TestMergedTreeIndependentOfInputs(t *testing.T) {
	// The outcome shares no containers with either input: mutating the
	// merged tree afterwards must not leak into target or source.
	target := parseTree(t, `{"nested":{"keep":"me"}}`)
	source := parseTree(t, `{"nested":{"add":"new"}}`)

	out := Merge(target, source, defaultPolicy(t))
	if out.Rejected() {
		t.Fatalf("rejected: %+v", out.Violations)
	}

	out.Merged["nested"].(map[string]any)["keep"] = "mutated"
	if target["nested"].(map[string]any)["keep"] != "me" {
		t.Error("mutating the merged tree changed the target")
	}
}
