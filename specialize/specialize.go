// Package specialize implements the specialization planner, which
// runs in two phases around codegen:
//
//   - pre-generic: specializedType := inferredType if known, else Ref.
//   - pre-specialized: specializedType := observed ∨ inferred, preferring
//     a single-primitive-category observation, falling back to inferred.
package specialize

import (
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/lattice"
)

type Planner struct {
	returnTypes []lattice.Type
}

func New() *Planner {
	return &Planner{}
}

// PreGeneric sets every node's and variable's Specialized type to its
// Inferred type, falling back to Ref when inference left it unknown.
// The generic routine takes no unboxing shortcut from these annotations:
// it handles each slot as whatever category it actually holds.
func (p *Planner) PreGeneric(fn *graph.FunctionDef) {
	for _, v := range fn.AllVariables() {
		v.Specialized = fallbackRef(v.Inferred)
	}
	walkSetFromInferred(fn.Body)
}

func walkSetFromInferred(n *graph.Node) {
	if n == nil {
		return
	}
	n.Specialized = fallbackRef(n.Inferred)
	switch n.Kind {
	case graph.KSetVar:
		walkSetFromInferred(n.SetValue)
	case graph.KLet:
		walkSetFromInferred(n.Init)
		walkSetFromInferred(n.Body)
	case graph.KIf:
		walkSetFromInferred(n.Cond)
		walkSetFromInferred(n.Then)
		walkSetFromInferred(n.Else)
	case graph.KBlock:
		for _, e := range n.Exprs {
			walkSetFromInferred(e)
		}
	case graph.KReturn:
		walkSetFromInferred(n.ReturnValue)
	case graph.KPrimitive1:
		walkSetFromInferred(n.Arg1)
	case graph.KPrimitive2:
		walkSetFromInferred(n.Arg1)
		walkSetFromInferred(n.Arg2)
	case graph.KCall0, graph.KCall1, graph.KCall2, graph.KCallN:
		walkSetFromInferred(n.Fn)
		for _, a := range n.Args {
			walkSetFromInferred(a)
		}
	}
}

func fallbackRef(t lattice.Type) lattice.Type {
	if t.IsKnown() {
		return t
	}
	return lattice.Known(lattice.Ref)
}

// PreSpecialized computes the profile-driven specialized types and
// reports canBeSpecialized: true iff at least one parameter, local, or
// the return has a primitive (Int/Bool) specialized type.
func (p *Planner) PreSpecialized(fn *graph.FunctionDef) bool {
	p.returnTypes = p.returnTypes[:0]
	for _, v := range fn.AllVariables() {
		v.Specialized = specializedFor(v.Observed.Observed(), v.Inferred)
	}
	p.specializeNode(fn.Body)
	return p.canBeSpecialized(fn)
}

// specializedFor prefers a pure-primitive observation, falls back to
// inferred, and defaults to Ref when neither carries information.
func specializedFor(observed, inferred lattice.Type) lattice.Type {
	if c, ok := observed.CatOf(); ok && c.IsPrimitive() {
		return observed
	}
	if inferred.IsKnown() {
		return inferred
	}
	return lattice.Known(lattice.Ref)
}

func (p *Planner) specializeNode(n *graph.Node) lattice.Type {
	if n == nil {
		return lattice.Known(lattice.Void)
	}
	switch n.Kind {
	case graph.KConst:
		n.Specialized = specializedFor(n.Profile.Observed(), n.Inferred)

	case graph.KGetVar:
		n.Specialized = n.Var.Specialized

	case graph.KSetVar:
		n.Specialized = p.specializeNode(n.SetValue)

	case graph.KLet:
		p.specializeNode(n.Init)
		n.Specialized = p.specializeNode(n.Body)

	case graph.KIf:
		p.specializeNode(n.Cond)
		thenT := p.specializeNode(n.Then)
		elseT := p.specializeNode(n.Else)
		n.Specialized = specializedFor(n.Profile.Observed(), lattice.Join(thenT, elseT))

	case graph.KBlock:
		result := lattice.Known(lattice.Void)
		for _, e := range n.Exprs {
			result = p.specializeNode(e)
		}
		n.Specialized = result

	case graph.KReturn:
		if n.ReturnValue == nil {
			n.Specialized = lattice.Known(lattice.Void)
		} else {
			n.Specialized = p.specializeNode(n.ReturnValue)
		}
		p.returnTypes = append(p.returnTypes, n.Specialized)

	case graph.KPrimitive1:
		p.specializeNode(n.Arg1)
		n.Specialized = fallbackRef(n.Inferred)

	case graph.KPrimitive2:
		p.specializeNode(n.Arg1)
		p.specializeNode(n.Arg2)
		n.Specialized = fallbackRef(n.Inferred)

	case graph.KCall0, graph.KCall1, graph.KCall2, graph.KCallN:
		p.specializeNode(n.Fn)
		for _, a := range n.Args {
			p.specializeNode(a)
		}
		n.Specialized = specializedFor(n.Profile.Observed(), n.Inferred)

	case graph.KDirectFunction, graph.KClosure:
		n.Specialized = lattice.Known(lattice.Ref)

	default:
		n.Specialized = lattice.Known(lattice.Ref)
	}
	return n.Specialized
}

// ReturnType reports a single primitive category every Return site agreed
// on after the last PreSpecialized pass, for the inferencer's
// DirectReturns hook (a call may be typed other than Ref only via a
// proven direct-function return). ok is false when the
// function has no Return sites, or they disagree, or none is primitive.
func (p *Planner) ReturnType() (lattice.Type, bool) {
	if len(p.returnTypes) == 0 {
		return lattice.Unknown, false
	}
	joined := p.returnTypes[0]
	for _, rt := range p.returnTypes[1:] {
		joined = lattice.Join(joined, rt)
	}
	if c, ok := joined.CatOf(); ok && c.IsPrimitive() {
		return joined, true
	}
	return lattice.Unknown, false
}

func (p *Planner) canBeSpecialized(fn *graph.FunctionDef) bool {
	for _, v := range fn.AllVariables() {
		if c, ok := v.Specialized.CatOf(); ok && c.IsPrimitive() {
			return true
		}
	}
	for _, rt := range p.returnTypes {
		if c, ok := rt.CatOf(); ok && c.IsPrimitive() {
			return true
		}
	}
	if c, ok := fn.Body.Specialized.CatOf(); ok && c.IsPrimitive() {
		return true
	}
	return false
}
