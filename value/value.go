// Package value defines the self-describing runtime value representation
// shared by the interpreter and both generated routines, plus the closure
// and boxed-cell shapes the rest of the runtime builds on.
package value

import (
	"fmt"

	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/rterror"
)

// Value is a category-tagged runtime value. A Value is never ambiguous
// about its own category: the interpreter and the generated routines both
// use this representation, so a "bridge" between categories is always a
// cheap tag check rather than an unsafe reinterpretation.
type Value struct {
	Cat lattice.Cat
	i   int64 // Int (as-is) or Bool (0/1)
	ref any   // Ref payload: string, nil, *Cell, *Closure, struct value, etc.
}

func Int(i int64) Value { return Value{Cat: lattice.Int, i: i} }
func Bool(b bool) Value { return boolValue(b) }
func Ref(v any) Value   { return Value{Cat: lattice.Ref, ref: v} }
func Void() Value       { return Value{Cat: lattice.Void} }

// VoidValue is the shared zero-allocation void result.
var VoidValue = Value{Cat: lattice.Void}

func boolValue(b bool) Value {
	if b {
		return Value{Cat: lattice.Bool, i: 1}
	}
	return Value{Cat: lattice.Bool, i: 0}
}

func (v Value) IsInt() bool  { return v.Cat == lattice.Int }
func (v Value) IsBool() bool { return v.Cat == lattice.Bool }
func (v Value) IsRef() bool  { return v.Cat == lattice.Ref }
func (v Value) IsVoid() bool { return v.Cat == lattice.Void }

// Int64 returns the integer payload. Panics if Cat != Int; callers must
// guard via Cat or go through Unbox.
func (v Value) Int64() int64 {
	if v.Cat != lattice.Int {
		panic(fmt.Sprintf("value: Int64 on %s", v.Cat))
	}
	return v.i
}

func (v Value) Bool() bool {
	if v.Cat != lattice.Bool {
		panic(fmt.Sprintf("value: Bool on %s", v.Cat))
	}
	return v.i != 0
}

func (v Value) RefVal() any {
	if v.Cat != lattice.Ref {
		panic(fmt.Sprintf("value: RefVal on %s", v.Cat))
	}
	return v.ref
}

func (v Value) String() string {
	switch v.Cat {
	case lattice.Int:
		return fmt.Sprintf("%d", v.i)
	case lattice.Bool:
		return fmt.Sprintf("%t", v.i != 0)
	case lattice.Void:
		return "<void>"
	default:
		return fmt.Sprintf("%v", v.ref)
	}
}

// Box converts a primitive Value into its boxed (Ref-category) form. The
// boxed representation of an Int/Bool is just the Value itself re-tagged
// as Ref-carried data: codegen's "box" instruction is this function.
func Box(v Value) Value {
	switch v.Cat {
	case lattice.Int:
		return Ref(boxedInt(v.i))
	case lattice.Bool:
		return Ref(boxedBool(v.i != 0))
	default:
		return v
	}
}

type boxedInt int64
type boxedBool bool

// Unbox reverses Box, recovering the primitive Value that a Ref payload
// carries. ok is false when the Ref does not hold the requested category
// (the square-peg case); callers convert that into a SquarePegException.
func Unbox(v Value, want lattice.Cat) (Value, bool) {
	if v.Cat == want {
		return v, true
	}
	if v.Cat != lattice.Ref {
		return Value{}, false
	}
	switch want {
	case lattice.Int:
		if bi, ok := v.ref.(boxedInt); ok {
			return Int(int64(bi)), true
		}
	case lattice.Bool:
		if bb, ok := v.ref.(boxedBool); ok {
			return Bool(bool(bb)), true
		}
	}
	return Value{}, false
}

// Cell is the one-slot owning container used for a boxed (mutable,
// captured) variable. The owner frame and each inner closure's
// copiedOuters slot share the same *Cell by pointer, never by value.
type Cell struct {
	V Value
}

func NewCell(initial Value) *Cell { return &Cell{V: initial} }

// Invoker is the calling convention every compiled/interpreted routine and
// every CallSite target is shaped as: bind already-atomic argument values,
// run, return the result (or panic with a RuntimeError/SquarePegException
// per the error-kind table).
type Invoker func(args []Value) Value

// NexusHandle is the subset of the per-function dispatch record (Nexus)
// that a Closure needs to call or link against its owner, without
// value depending on the nexus package, which would be an import cycle
// (nexus depends on value, not the reverse).
type NexusHandle interface {
	// Invoke runs the function body for a direct external call.
	Invoke(copiedOuters []Value, args []Value) Value
	// OptimalInvoker returns the best invoker for a call site that has
	// observed the given argument categories, preferring specialized,
	// then generic, then the profiling interpreter trampoline. The
	// returned invoker has copiedOuters pre-bound into the callee frame.
	OptimalInvoker(argCats []lattice.Cat, copiedOuters []Value) Invoker
	// Identity is a stable per-function identity used as an inline-cache
	// guard key (function identity, not closure identity).
	Identity() int
	// Generation is the current compile generation, used by call-site
	// guards to detect deoptimization/recompilation.
	Generation() uint64
}

// Closure is a (functionImpl, copiedValues) pair. Its copied outers are
// either a *Cell (boxed, mutable, shared with the owner frame) or a plain
// primitive/Ref Value (copied once at materialization).
type Closure struct {
	Impl         NexusHandle
	CopiedValues []Value
}

// Invoke runs the closure for an external caller. A recognized error kind
// crossing this boundary propagates unchanged; anything else a routine
// panics with is wrapped as an InvocationException so the caller sees one
// well-formed shape instead of a raw panic value.
func (c *Closure) Invoke(args []Value) (result Value) {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case *rterror.CompilerError, *rterror.RuntimeError,
				*rterror.InvocationException, *rterror.TypeInferenceFailure:
				panic(r)
			default:
				panic(rterror.WrapInvocation(rterror.Recover(r)))
			}
		}
	}()
	return c.Impl.Invoke(c.CopiedValues, args)
}

// OptimalInvoker resolves the best invoker for the given call-site
// argument categories, with the closure's copied values pre-bound.
func (c *Closure) OptimalInvoker(argCats []lattice.Cat) Invoker {
	return c.Impl.OptimalInvoker(argCats, c.CopiedValues)
}
