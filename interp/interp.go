// Package interp implements the tree-walking interpreter in its two
// modes: simple (a correctness oracle, ignores the profile) and profiling
// (records
// observed types and increments the owning function's invocation count).
// Both modes share one recursive tree-walk; the only difference is
// whether profile.Record is called along the way.
package interp

import (
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/rterror"
	"j5.nz/adaptive/value"
)

type Mode uint8

const (
	Simple Mode = iota
	Profiling
)

// Resolver looks up the callee for a DirectFunction(id) call site, the
// constant-function direct-dispatch path that skips closure
// materialization entirely.
type Resolver interface {
	ResolveDirect(id int) value.NexusHandle
}

// Interpreter evaluates an ExprGraph body against a bound frame.
// Primitive operations are resolved through each node's own Op; only the
// direct-call resolver is external state.
type Interpreter struct {
	Resolver Resolver
	Mode     Mode
}

func New(resolver Resolver, mode Mode) *Interpreter {
	return &Interpreter{Resolver: resolver, Mode: mode}
}

// returnSignal implements Return's non-local exit via panic/recover,
// scoped to a single Run call (one function activation).
type returnSignal struct{ v value.Value }

// Run binds copiedOuters then args into a fresh frame (dense slots,
// copied outers first) and evaluates fn's body. Every panic other than
// Return's own signal is recovered and returned as err through
// rterror.Recover: a recognized rterror kind (typically RuntimeError)
// comes back unchanged, anything else is wrapped as a RuntimeError.
func (ip *Interpreter) Run(fn *graph.FunctionDef, copiedOuters, args []value.Value) (result value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rs, ok := r.(returnSignal); ok {
				result = rs.v
				return
			}
			err = rterror.Recover(r)
		}
	}()
	frame := ip.bindInitialFrame(fn, copiedOuters, args)
	result = ip.eval(frame, fn.Body)
	return result, nil
}

func (ip *Interpreter) bindInitialFrame(fn *graph.FunctionDef, copiedOuters, args []value.Value) []value.Value {
	frame := make([]value.Value, fn.FrameSize())
	// Copied outers occupy the leading NumCopiedOuters slots, in the
	// order the owning function's frame exposes them.
	for i := 0; i < fn.NumCopiedOuters && i < len(copiedOuters); i++ {
		frame[i] = copiedOuters[i]
	}
	// Declared parameters follow; a boxed parameter gets a fresh Cell
	// wrapping the argument (boxed copied-outers already arrive as a
	// Ref-to-Cell value, so they are not re-boxed here).
	for i, p := range fn.Params[fn.NumCopiedOuters:] {
		argIdx := i
		var v value.Value
		if argIdx < len(args) {
			v = args[argIdx]
		}
		if p.IsBoxed {
			v = value.Ref(value.NewCell(v))
		}
		frame[p.Index] = v
	}
	return frame
}

func (ip *Interpreter) eval(frame []value.Value, n *graph.Node) value.Value {
	switch n.Kind {
	case graph.KConst:
		v := constToValue(n.ConstValue)
		ip.record(n, v)
		return v

	case graph.KGetVar:
		v := ip.readVar(frame, n.Var)
		ip.record(n, v)
		return v

	case graph.KSetVar:
		v := ip.eval(frame, n.SetValue)
		ip.writeVar(frame, n.Var, v)
		ip.record(n, v)
		return v

	case graph.KLet:
		return ip.evalLet(frame, n)

	case graph.KIf:
		cond := ip.eval(frame, n.Cond)
		if cond.Cat != lattice.Bool {
			panic(rterror.NewRuntimeError("if condition did not evaluate to bool, got %s", cond.Cat))
		}
		var v value.Value
		if cond.Bool() {
			v = ip.eval(frame, n.Then)
		} else {
			v = ip.eval(frame, n.Else)
		}
		ip.record(n, v)
		return v

	case graph.KBlock:
		var last value.Value = value.Void()
		for _, e := range n.Exprs {
			last = ip.eval(frame, e)
		}
		ip.record(n, last)
		return last

	case graph.KReturn:
		var v value.Value = value.Void()
		if n.ReturnValue != nil {
			v = ip.eval(frame, n.ReturnValue)
		}
		ip.record(n, v)
		panic(returnSignal{v})

	case graph.KPrimitive1:
		a := ip.eval(frame, n.Arg1)
		v := ip.applyPrimitive(n.Op, a)
		ip.record(n, v)
		return v

	case graph.KPrimitive2:
		a := ip.eval(frame, n.Arg1)
		b := ip.eval(frame, n.Arg2)
		v := ip.applyPrimitive(n.Op, a, b)
		ip.record(n, v)
		return v

	case graph.KCall0, graph.KCall1, graph.KCall2, graph.KCallN:
		v := ip.evalCall(frame, n)
		ip.record(n, v)
		return v

	case graph.KDirectFunction:
		// Atomic in value position: used only as a Call target here; a
		// bare DirectFunction is not itself a runtime value category in
		// this model.
		panic(rterror.NewRuntimeError("DirectFunction evaluated outside of call position"))

	case graph.KClosure:
		v := ip.evalClosure(frame, n)
		ip.record(n, v)
		return v

	default:
		panic(rterror.NewRuntimeError("unhandled node kind %s", n.Kind))
	}
}

func (ip *Interpreter) record(n *graph.Node, v value.Value) {
	if ip.Mode == Profiling && n.Profile != nil {
		n.Profile.Record(v)
	}
}

func (ip *Interpreter) readVar(frame []value.Value, v *graph.VariableDefinition) value.Value {
	slot := frame[v.Index]
	if v.IsBoxed {
		cell, ok := slot.RefVal().(*value.Cell)
		if !ok {
			panic(rterror.NewRuntimeError("boxed variable %q missing its cell", v.Name))
		}
		val := cell.V
		if ip.Mode == Profiling {
			v.Observed.Record(val)
		}
		return val
	}
	if ip.Mode == Profiling {
		v.Observed.Record(slot)
	}
	return slot
}

// captureVar reads a variable's raw frame slot for handoff into a closure's
// copiedOuters, unlike readVar: a boxed variable's Cell pointer must pass
// through intact so the new closure shares mutations with its defining
// scope (letrec self-reference relies on this) instead of snapshotting
// whatever the cell held at creation time.
func (ip *Interpreter) captureVar(frame []value.Value, v *graph.VariableDefinition) value.Value {
	slot := frame[v.Index]
	if ip.Mode == Profiling {
		if v.IsBoxed {
			if cell, ok := slot.RefVal().(*value.Cell); ok {
				v.Observed.Record(cell.V)
			}
		} else {
			v.Observed.Record(slot)
		}
	}
	return slot
}

func (ip *Interpreter) writeVar(frame []value.Value, v *graph.VariableDefinition, val value.Value) {
	if v.IsBoxed {
		slot := frame[v.Index]
		cell, ok := slot.RefVal().(*value.Cell)
		if !ok {
			panic(rterror.NewRuntimeError("boxed variable %q missing its cell", v.Name))
		}
		cell.V = val
	} else {
		frame[v.Index] = val
	}
	if ip.Mode == Profiling {
		v.Observed.Record(val)
	}
}

func (ip *Interpreter) evalLet(frame []value.Value, n *graph.Node) value.Value {
	v := n.Var
	if n.IsRec {
		def := defaultValueFor(v)
		if v.IsBoxed {
			frame[v.Index] = value.Ref(value.NewCell(def))
		} else {
			frame[v.Index] = def
		}
		initVal := ip.eval(frame, n.Init)
		ip.writeVar(frame, v, initVal)
	} else {
		initVal := ip.eval(frame, n.Init)
		if v.IsBoxed {
			frame[v.Index] = value.Ref(value.NewCell(initVal))
			if ip.Mode == Profiling {
				v.Observed.Record(initVal)
			}
		} else {
			frame[v.Index] = initVal
			if ip.Mode == Profiling {
				v.Observed.Record(initVal)
			}
		}
	}
	result := ip.eval(frame, n.Body)
	ip.record(n, result)
	return result
}

func defaultValueFor(v *graph.VariableDefinition) value.Value {
	if c, ok := v.Specialized.CatOf(); ok {
		switch c {
		case lattice.Int:
			return value.Int(0)
		case lattice.Bool:
			return value.Bool(false)
		}
	}
	return value.Ref(nil)
}

func (ip *Interpreter) applyPrimitive(op graph.PrimitiveOp, args ...value.Value) (result value.Value) {
	p, ok := op.(primitive.Primitive)
	if !ok {
		panic(rterror.NewRuntimeError("primitive %q does not implement the primitive contract", op.Name()))
	}
	defer func() {
		if r := recover(); r != nil {
			if ae, ok := r.(*primitive.ApplyError); ok {
				panic(rterror.WrapRuntimeError(ae))
			}
			panic(r)
		}
	}()
	return p.Apply(args...)
}

func (ip *Interpreter) evalClosure(frame []value.Value, n *graph.Node) value.Value {
	copied := make([]value.Value, len(n.CopiedOuters))
	for i, v := range n.CopiedOuters {
		copied[i] = ip.captureVar(frame, v)
	}
	impl := ip.Resolver.ResolveDirect(n.FunctionImpl.ID)
	if impl == nil {
		panic(rterror.NewRuntimeError("closure materialized before its Nexus %q was registered", n.FunctionImpl.Name))
	}
	return value.Ref(&value.Closure{Impl: impl, CopiedValues: copied})
}

func (ip *Interpreter) evalCall(frame []value.Value, n *graph.Node) value.Value {
	args := make([]value.Value, len(n.Args))
	for i, a := range n.Args {
		args[i] = ip.eval(frame, a)
	}
	if n.Fn.Kind == graph.KDirectFunction {
		impl := ip.Resolver.ResolveDirect(n.Fn.FunctionID)
		if impl == nil {
			panic(rterror.NewRuntimeError("unresolved direct function id %d", n.Fn.FunctionID))
		}
		return impl.Invoke(nil, args)
	}
	fnVal := ip.eval(frame, n.Fn)
	if fnVal.Cat != lattice.Ref {
		panic(rterror.NewRuntimeError("call target is not a closure"))
	}
	closure, ok := fnVal.RefVal().(*value.Closure)
	if !ok {
		panic(rterror.NewRuntimeError("call target is not a closure"))
	}
	return closure.Invoke(args)
}

func constToValue(v any) value.Value {
	switch x := v.(type) {
	case int:
		return value.Int(int64(x))
	case int64:
		return value.Int(x)
	case bool:
		return value.Bool(x)
	case nil:
		return value.Ref(nil)
	case string:
		return value.Ref(x)
	default:
		panic(rterror.NewRuntimeError("unknown const value shape %T", v))
	}
}
