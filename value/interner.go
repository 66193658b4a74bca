package value

// Interner is a string intern table backing Symbol values. Interning the same
// string twice yields the same index, so symbols compare by integer identity.
type Interner struct {
	strings []string
	indices map[string]int
}

// NewInterner creates an empty intern table.
func NewInterner() *Interner {
	return &Interner{indices: map[string]int{}}
}

// Intern returns the index for s, assigning a new one if needed.
func (in *Interner) Intern(s string) int {
	if idx, ok := in.indices[s]; ok {
		return idx
	}
	idx := len(in.strings)
	in.strings = append(in.strings, s)
	in.indices[s] = idx
	return idx
}

// Symbol interns s and returns it as a Symbol value.
func (in *Interner) Symbol(s string) Value {
	return NewSymbol(in.Intern(s))
}

// Lookup returns the string at the given index.
func (in *Interner) Lookup(index int) (string, bool) {
	if index < 0 || index >= len(in.strings) {
		return "", false
	}
	return in.strings[index], true
}

// Size returns the number of interned strings.
func (in *Interner) Size() int {
	return len(in.strings)
}
