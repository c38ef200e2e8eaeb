// Package ambient models the host object model's shared ancestor: a
// process-wide namespace that linked mappings can reach through inherited
// lookup. The guard freezes it once at startup so that no code
// path anywhere in the process can write through it afterwards,
// independently of the merge executor's own checks.
package ambient

import (
	"errors"
	"reflect"
	"sync"
)

// ErrFrozen is returned by Set after Install. Hosts treat it as a hard
// runtime error: a post-freeze write indicates a logic bug elsewhere in the
// process, not adversarial input.
var ErrFrozen = errors.New("ambient: namespace is frozen")

// Namespace is a shared-ancestor object. The zero value is not usable;
// construct with NewNamespace or use the process Default.
//
// Mappings are detached by default: only mappings explicitly registered
// with Link participate in inherited lookup. Registering the linked set
// rather than the detached one keeps the registry bounded by what callers
// link, instead of growing with every container a merge materializes.
type Namespace struct {
	mu      sync.RWMutex
	frozen  bool
	entries map[string]any

	// linked holds the mappings registered for inherited lookup, keyed by
	// map pointer. The value keeps each linked mapping reachable, so its
	// address cannot be reused by a later allocation while registered.
	linked map[uintptr]map[string]any
}

// NewNamespace returns an unfrozen namespace with no entries. Intended for
// tests; production code uses the process Default.
func NewNamespace() *Namespace {
	return &Namespace{
		entries: make(map[string]any),
		linked:  make(map[uintptr]map[string]any),
	}
}

var defaultNS = NewNamespace()

// Default returns the process-wide shared namespace.
func Default() *Namespace {
	return defaultNS
}

// Install freezes the namespace. Idempotent. Hosts call it exactly once
// during startup, before any merge runs; the startup ordering is the host's
// responsibility.
func (ns *Namespace) Install() {
	ns.mu.Lock()
	ns.frozen = true
	ns.mu.Unlock()
}

// Installed reports whether the namespace has been frozen.
func (ns *Namespace) Installed() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.frozen
}

// Set writes a shared entry. After Install it fails with ErrFrozen.
func (ns *Namespace) Set(key string, v any) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.frozen {
		return ErrFrozen
	}
	ns.entries[key] = v
	return nil
}

// Lookup reads a shared entry.
func (ns *Namespace) Lookup(key string) (any, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	v, ok := ns.entries[key]
	return v, ok
}

// VerifyClean reports whether none of the given key names resolve to a
// value on the shared namespace. Read-only diagnostic for tests and health
// checks, not part of the hot merge path.
func (ns *Namespace) VerifyClean(keys []string) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for _, k := range keys {
		if _, ok := ns.entries[k]; ok {
			return false
		}
	}
	return true
}

// Link registers m for inherited lookup through this namespace. The
// registry holds a reference to m for the namespace's lifetime.
func (ns *Namespace) Link(m map[string]any) {
	ptr := mapPointer(m)
	ns.mu.Lock()
	ns.linked[ptr] = m
	ns.mu.Unlock()
}

// Detached reports whether m has no ancestor linkage. Every mapping is
// detached unless it was passed to Link.
func (ns *Namespace) Detached(m map[string]any) bool {
	ptr := mapPointer(m)
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	_, ok := ns.linked[ptr]
	return !ok
}

// LinkedCount reports how many mappings are registered for inherited
// lookup. Read-only diagnostic, like VerifyClean.
func (ns *Namespace) LinkedCount() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.linked)
}

// Reach models the host's inherited lookup path: the mapping's own entry
// first, then the shared namespace. For a detached mapping only owned
// entries are visible.
func (ns *Namespace) Reach(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if ns.Detached(m) {
		return nil, false
	}
	return ns.Lookup(key)
}

func mapPointer(m map[string]any) uintptr {
	return reflect.ValueOf(m).Pointer()
}

// Package-level helpers operating on the process Default namespace.

// Install freezes the process namespace.
func Install() { defaultNS.Install() }

// Installed reports whether the process namespace is frozen.
func Installed() bool { return defaultNS.Installed() }

// Set writes through the process namespace (fails after Install).
func Set(key string, v any) error { return defaultNS.Set(key, v) }

// VerifyClean probes the process namespace for the given keys.
func VerifyClean(keys []string) bool { return defaultNS.VerifyClean(keys) }

// Link registers m for inherited lookup on the process namespace.
func Link(m map[string]any) { defaultNS.Link(m) }

// Reach performs inherited lookup against the process namespace.
func Reach(m map[string]any, key string) (any, bool) { return defaultNS.Reach(m, key) }
