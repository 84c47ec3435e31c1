// Package graph implements the ExprGraph: the in-memory tree of
// evaluator nodes lowered from the (external) ANF source grammar, plus the
// VariableDefinition and FunctionDef records that own frame slots, boxing
// flags, and per-node type annotations.
//
// Lowering from source text is an external collaborator's job; this
// package only owns the tree shape once it exists, so callers
// (tests, the engine facade) build graphs directly with the constructors
// below.
package graph

import (
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/profile"
)

// Kind discriminates the node variants. The tree uses one struct with a
// Kind tag rather than an interface hierarchy per variant.
type Kind uint8

const (
	KConst Kind = iota
	KGetVar
	KSetVar
	KLet
	KIf
	KBlock
	KReturn
	KPrimitive1
	KPrimitive2
	KCall0
	KCall1
	KCall2
	KCallN
	KClosure
	KDirectFunction
)

func (k Kind) String() string {
	names := [...]string{"Const", "GetVar", "SetVar", "Let", "If", "Block", "Return",
		"Primitive1", "Primitive2", "Call0", "Call1", "Call2", "CallN", "Closure", "DirectFunction"}
	if int(k) < len(names) {
		return names[k]
	}
	return "Kind(?)"
}

// PrimitiveOp is implemented by every registered primitive; graph only
// needs its name, so it does not import the primitive package. Consumers
// that need the full contract assert the Op to primitive.Primitive.
type PrimitiveOp interface {
	Name() string
}

// VariableDefinition is the per-variable record: owning function, frame
// slot, boxing, and the types the inferencer/planner compute.
type VariableDefinition struct {
	Name     string
	Owner    *FunctionDef
	Index    int
	IsBoxed  bool
	Inferred lattice.Type
	Observed *profile.ValueProfile

	// Specialized is set by the planner's pre-specialized phase.
	Specialized lattice.Type
}

func NewVariable(name string, owner *FunctionDef) *VariableDefinition {
	return &VariableDefinition{Name: name, Owner: owner, Observed: profile.New()}
}

// Node is a single ExprGraph tree node. Only the fields relevant to Kind
// are populated; the rest stay zero. Structure is immutable once built;
// Inferred/Specialized/Profile/RecoverySite are the mutable annotations
// the analysis phases fill in before the tree is frozen.
type Node struct {
	Kind Kind

	// KConst
	ConstValue any // int or int64, bool, string, or nil

	// KGetVar / KSetVar
	Var      *VariableDefinition
	SetValue *Node // atomic; KSetVar only

	// KLet
	Init  *Node // atomic or complex per position rules; complex allowed here
	Body  *Node
	IsRec bool

	// KIf
	Cond, Then, Else *Node

	// KBlock
	Exprs []*Node

	// KReturn
	ReturnValue *Node // atomic, nil means void return

	// KPrimitive1 / KPrimitive2
	Op   PrimitiveOp
	Arg1 *Node
	Arg2 *Node

	// KCall0/1/2/N: Fn is atomic (GetVar/Const-like or KDirectFunction);
	// Args are atomic.
	Fn   *Node
	Args []*Node

	// KDirectFunction
	FunctionID int

	// KClosure
	FunctionImpl *FunctionDef
	CopiedOuters []*VariableDefinition

	// Annotations, mutated only during analysis then frozen.
	Inferred     lattice.Type
	Specialized  lattice.Type
	Profile      *profile.ValueProfile
	RecoverySite int // -1 when this node is not a recovery site
}

// newAnnotated allocates a Node with per-node profile and a not-a-
// recovery-site default.
func newAnnotated(k Kind) *Node {
	return &Node{Kind: k, Profile: profile.New(), RecoverySite: -1}
}

func Const(v any) *Node {
	n := newAnnotated(KConst)
	n.ConstValue = v
	return n
}

func GetVar(v *VariableDefinition) *Node {
	n := newAnnotated(KGetVar)
	n.Var = v
	return n
}

func SetVar(v *VariableDefinition, value *Node) *Node {
	n := newAnnotated(KSetVar)
	n.Var = v
	n.SetValue = value
	return n
}

func Let(v *VariableDefinition, init, body *Node, isRec bool) *Node {
	n := newAnnotated(KLet)
	n.Var = v
	n.Init = init
	n.Body = body
	n.IsRec = isRec
	return n
}

func If(cond, then, els *Node) *Node {
	n := newAnnotated(KIf)
	n.Cond, n.Then, n.Else = cond, then, els
	return n
}

func Block(exprs ...*Node) *Node {
	n := newAnnotated(KBlock)
	n.Exprs = exprs
	return n
}

func Return(v *Node) *Node {
	n := newAnnotated(KReturn)
	n.ReturnValue = v
	return n
}

func Primitive1(op PrimitiveOp, arg *Node) *Node {
	n := newAnnotated(KPrimitive1)
	n.Op = op
	n.Arg1 = arg
	return n
}

func Primitive2(op PrimitiveOp, a, b *Node) *Node {
	n := newAnnotated(KPrimitive2)
	n.Op = op
	n.Arg1, n.Arg2 = a, b
	return n
}

func Call0(fn *Node) *Node {
	n := newAnnotated(KCall0)
	n.Fn = fn
	return n
}

func Call1(fn, a0 *Node) *Node {
	n := newAnnotated(KCall1)
	n.Fn = fn
	n.Args = []*Node{a0}
	return n
}

func Call2(fn, a0, a1 *Node) *Node {
	n := newAnnotated(KCall2)
	n.Fn = fn
	n.Args = []*Node{a0, a1}
	return n
}

// CallN is the arity-beyond-2 call form; args are spread
// through a slice rather than inlined fields once arity exceeds 2.
func CallN(fn *Node, args ...*Node) *Node {
	n := newAnnotated(KCallN)
	n.Fn = fn
	n.Args = args
	return n
}

// Call picks the arity-specific call kind for the given argument count,
// falling back to the spread form past arity 2.
func Call(fn *Node, args ...*Node) *Node {
	switch len(args) {
	case 0:
		return Call0(fn)
	case 1:
		return Call1(fn, args[0])
	case 2:
		return Call2(fn, args[0], args[1])
	default:
		return CallN(fn, args...)
	}
}

func DirectFunction(id int) *Node {
	n := newAnnotated(KDirectFunction)
	n.FunctionID = id
	return n
}

func Closure(impl *FunctionDef, copiedOuters ...*VariableDefinition) *Node {
	n := newAnnotated(KClosure)
	n.FunctionImpl = impl
	n.CopiedOuters = copiedOuters
	return n
}

// IsAtomic reports whether evaluating n can never push a nested
// evaluation frame. Atomicity is structural: it depends only on Kind.
func (n *Node) IsAtomic() bool {
	switch n.Kind {
	case KConst, KGetVar, KDirectFunction, KClosure, KPrimitive1, KPrimitive2:
		return true
	default:
		return false
	}
}

// FunctionDef is a top-level compiled function: its ExprGraph body plus
// the frame layout: copied-outer synthetic parameters, then declared
// parameters, then locals, dense 0..k.
type FunctionDef struct {
	ID   int
	Name string

	// NumCopiedOuters is how many leading slots are synthetic
	// copied-outer parameters.
	NumCopiedOuters int
	// NumParams is how many declared parameters follow the copied
	// outers.
	NumParams int

	Params []*VariableDefinition // declared params only, in source order
	Locals []*VariableDefinition

	Body *Node // KBlock in the common case

	numRecoverySites int
}

func NewFunctionDef(id int, name string) *FunctionDef {
	return &FunctionDef{ID: id, Name: name}
}

// DeclareCopiedOuter adds a synthetic copied-outer parameter; must be
// called before any DeclareParam/DeclareLocal so the slot ordering
// (copied outers precede declared parameters precede locals) holds by
// construction.
func (f *FunctionDef) DeclareCopiedOuter(name string) *VariableDefinition {
	if f.NumParams > 0 || len(f.Locals) > 0 {
		panic("graph: DeclareCopiedOuter called after params/locals were declared")
	}
	v := NewVariable(name, f)
	v.Index = f.NumCopiedOuters
	f.NumCopiedOuters++
	f.Params = append(f.Params, v)
	return v
}

func (f *FunctionDef) DeclareParam(name string) *VariableDefinition {
	if len(f.Locals) > 0 {
		panic("graph: DeclareParam called after locals were declared")
	}
	v := NewVariable(name, f)
	v.Index = f.NumCopiedOuters + f.NumParams
	f.NumParams++
	f.Params = append(f.Params, v)
	return v
}

func (f *FunctionDef) DeclareLocal(name string) *VariableDefinition {
	v := NewVariable(name, f)
	v.Index = f.NumCopiedOuters + f.NumParams + len(f.Locals)
	f.Locals = append(f.Locals, v)
	return v
}

// FrameSize is the number of dense slots 0..k a frame for f needs.
func (f *FunctionDef) FrameSize() int {
	return f.NumCopiedOuters + f.NumParams + len(f.Locals)
}

// AllVariables returns params (copied outers + declared, in index order)
// followed by locals.
func (f *FunctionDef) AllVariables() []*VariableDefinition {
	all := make([]*VariableDefinition, 0, f.FrameSize())
	all = append(all, f.Params...)
	all = append(all, f.Locals...)
	return all
}

// AssignRecoverySites numbers every recovery site (Let initializer,
// Letrec initializer, SetVar value, Return value) in commit order: a
// site nested inside another site's value expression commits first at
// runtime, so it gets the smaller index. Recovery replay relies on this
// ordering to decide which effects to suppress. Must run once, after the
// body is fully built and before codegen. Returns the number of recovery
// sites found.
func (f *FunctionDef) AssignRecoverySites() int {
	next := 0
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		switch n.Kind {
		case KLet:
			walk(n.Init)
			n.RecoverySite = next
			next++
			walk(n.Body)
		case KSetVar:
			walk(n.SetValue)
			n.RecoverySite = next
			next++
		case KReturn:
			if n.ReturnValue != nil {
				walk(n.ReturnValue)
				n.RecoverySite = next
				next++
			}
		case KIf:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		case KBlock:
			for _, e := range n.Exprs {
				walk(e)
			}
		case KPrimitive1:
			walk(n.Arg1)
		case KPrimitive2:
			walk(n.Arg1)
			walk(n.Arg2)
		case KCall0, KCall1, KCall2, KCallN:
			walk(n.Fn)
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(f.Body)
	f.numRecoverySites = next
	return next
}

func (f *FunctionDef) NumRecoverySites() int { return f.numRecoverySites }

// ResetProfiles zeroes every node's and variable's observation counters,
// used when a recompilation decides the accumulated profile is stale
// (e.g. after repeated deoptimization).
func (f *FunctionDef) ResetProfiles() {
	for _, v := range f.AllVariables() {
		v.Observed.Reset()
	}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		n.Profile.Reset()
		switch n.Kind {
		case KSetVar:
			walk(n.SetValue)
		case KLet:
			walk(n.Init)
			walk(n.Body)
		case KIf:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		case KBlock:
			for _, e := range n.Exprs {
				walk(e)
			}
		case KReturn:
			walk(n.ReturnValue)
		case KPrimitive1:
			walk(n.Arg1)
		case KPrimitive2:
			walk(n.Arg1)
			walk(n.Arg2)
		case KCall0, KCall1, KCall2, KCallN:
			walk(n.Fn)
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(f.Body)
}
