// Package capability implements the security tokens and trust tiers that
// mediate host calls made by Praxis bytecode.
//
// A capability is an unforgeable, hashable token. Programs reference
// capabilities by small indices that are assigned dynamically by a Registry,
// so the numbering of capabilities does not need to be globally fixed between
// the compiler and the host.
package capability

import (
	"fmt"

	"github.com/gofrs/uuid"
)

// Token is an unforgeable capability token. Tokens are comparable and usable
// as map keys. The zero Token is invalid.
type Token struct {
	id   uuid.UUID
	name string
}

// NewToken mints a fresh capability token with the given human-readable name.
// Two tokens never compare equal, even if they share a name.
func NewToken(name string) Token {
	return Token{id: uuid.Must(uuid.NewV4()), name: name}
}

// Name returns the human-readable name the token was minted with.
func (t Token) Name() string {
	return t.name
}

// IsZero reports whether this is the invalid zero token.
func (t Token) IsZero() bool {
	return t.id == uuid.UUID{}
}

func (t Token) String() string {
	if t.name != "" {
		return fmt.Sprintf("capability(%s)", t.name)
	}
	return fmt.Sprintf("capability(%s)", t.id)
}

// Set is a collection of granted capability tokens.
type Set struct {
	granted map[Token]struct{}
}

// NewSet creates a Set containing the given tokens.
func NewSet(tokens ...Token) *Set {
	s := &Set{granted: make(map[Token]struct{}, len(tokens))}
	for _, t := range tokens {
		s.Grant(t)
	}
	return s
}

// Grant adds a token to the set.
func (s *Set) Grant(t Token) {
	s.granted[t] = struct{}{}
}

// Revoke removes a token from the set.
func (s *Set) Revoke(t Token) {
	delete(s.granted, t)
}

// Has reports whether the token has been granted.
func (s *Set) Has(t Token) bool {
	_, ok := s.granted[t]
	return ok
}

// Size returns the number of granted tokens.
func (s *Set) Size() int {
	return len(s.granted)
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	c := &Set{granted: make(map[Token]struct{}, len(s.granted))}
	for t := range s.granted {
		c.granted[t] = struct{}{}
	}
	return c
}
