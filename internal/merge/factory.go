package merge

// NewMapping returns an isolated mapping: it is never linked to the ambient
// namespace, so inherited lookup can never resolve through it. Every mapping
// the executor materializes comes from here.
func NewMapping() map[string]any {
	return make(map[string]any)
}

// NewSequence returns an empty sequence with capacity for n elements.
// Sequences carry no key lookup, so no linkage question arises.
func NewSequence(n int) []any {
	return make([]any, 0, n)
}
