// Package lattice implements the four-point type lattice the compiler
// tracks: {unknown, int, bool, ref}, plus the void sentinel for positions
// that never produce a value.
package lattice

// Cat is the closed set of runtime type categories.
type Cat uint8

const (
	Ref Cat = iota
	Int
	Bool
	Void
)

func (c Cat) String() string {
	switch c {
	case Ref:
		return "ref"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case Void:
		return "void"
	default:
		return "cat(?)"
	}
}

// Type is either unknown or known(Cat). The zero value is unknown.
type Type struct {
	cat   Cat
	known bool
}

// Unknown is the bottom of the lattice.
var Unknown = Type{}

// Known builds a known(c) type.
func Known(c Cat) Type {
	return Type{cat: c, known: true}
}

// IsKnown reports whether t carries a concrete category.
func (t Type) IsKnown() bool {
	return t.known
}

// CatOf returns the category and whether t was known. Calling CatOf on an
// unknown type returns (Ref, false); callers must check the bool.
func (t Type) CatOf() (Cat, bool) {
	return t.cat, t.known
}

// MustCat returns the category, panicking if t is unknown. Use only where
// the caller has already checked IsKnown (e.g. after specialization has
// decided the node is primitive-typed).
func (t Type) MustCat() Cat {
	if !t.known {
		panic("lattice: MustCat on unknown type")
	}
	return t.cat
}

func (t Type) String() string {
	if !t.known {
		return "unknown"
	}
	return t.cat.String()
}

func (t Type) Equal(o Type) bool {
	return t.known == o.known && (!t.known || t.cat == o.cat)
}

// Join implements unknown∨x = x; known(a)∨known(b) = known(a) if a=b else
// known(Ref). Void is incomparable with everything but itself; joining it
// against a non-void known type should never happen in a well-formed
// ExprGraph (void only appears on Return nodes and dead tails), but the
// degenerate case is handled by collapsing to known(Ref) rather than
// panicking, since Join must stay a total function for the inferencer's
// fixpoint iteration to converge.
func Join(a, b Type) Type {
	if !a.known {
		return b
	}
	if !b.known {
		return a
	}
	if a.cat == b.cat {
		return a
	}
	return Known(Ref)
}

// IsPrimitive reports whether c is a category a specialized routine can
// hold unboxed (i.e. not Ref, not Void).
func (c Cat) IsPrimitive() bool {
	return c == Int || c == Bool
}
