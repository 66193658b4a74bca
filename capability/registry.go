package capability

import (
	"fmt"
	"sort"
)

// Registry maps capability identities to the dynamically-assigned indices
// that compiled bytecode uses to reference them. It also records the
// capability each host function id requires. The registry is populated by
// the compiler/host-integration layer; the VM only reads from it.
type Registry struct {
	tokens  []Token
	indices map[Token]int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{indices: map[Token]int{}}
}

// Register assigns the next free index to the token and returns it. If the
// token was already registered, the existing index is returned, so
// registration order does not need to be coordinated between callers.
func (r *Registry) Register(t Token) int {
	if idx, ok := r.indices[t]; ok {
		return idx
	}
	idx := len(r.tokens)
	r.tokens = append(r.tokens, t)
	r.indices[t] = idx
	return idx
}

// Index returns the index assigned to the token.
func (r *Registry) Index(t Token) (int, bool) {
	idx, ok := r.indices[t]
	return idx, ok
}

// TokenAt returns the token registered at the given index.
func (r *Registry) TokenAt(index int) (Token, error) {
	if index < 0 || index >= len(r.tokens) {
		return Token{}, fmt.Errorf("capability index %d is not registered", index)
	}
	return r.tokens[index], nil
}

// Size returns the number of registered capabilities.
func (r *Registry) Size() int {
	return len(r.tokens)
}

// Names returns the names of all registered capabilities, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tokens))
	for _, t := range r.tokens {
		names = append(names, t.Name())
	}
	sort.Strings(names)
	return names
}
