// Package codegen implements code generation: for a function the
// planner has marked canBeSpecialized, it builds a generic routine, a
// specialized routine, and a recovery routine, realized as a
// tree-walking compiler over the self-describing value.Value
// representation rather than a native instruction-encoding backend
// (instruction selection for any particular machine belongs to the host
// backend, not here).
//
// The generic routine treats every slot as whatever category it actually
// holds and never fails on a category mismatch except through a
// primitive's own runtime check. The specialized routine commits each
// variable and subexpression to its planner-assigned category ahead of
// time and panics a *SquarePegException the moment a live value doesn't
// match that commitment; the routine's own top-level recover catches it,
// replays the remainder of the call with the recovery routine, and
// reports the site to an optional hook so the owning Nexus can observe
// deoptimizations and drive recompilation. Every call the specialized
// routine makes is emitted against its own polymorphic inline cache
// (callsite.CallSite).
package codegen

import (
	"fmt"

	"go.uber.org/zap"

	"j5.nz/adaptive/callsite"
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/rterror"
	"j5.nz/adaptive/value"
)

// Resolver looks up the NexusHandle for a DirectFunction id or a closure's
// FunctionDef, the same shape interp.Resolver uses; codegen declares its
// own copy to stay decoupled from the interp package.
type Resolver interface {
	ResolveDirect(id int) value.NexusHandle
}

// Routine is the calling convention a compiled function body is built
// into: bind copied outers and arguments, run, return (or panic an
// rterror kind).
type Routine func(copiedOuters, args []value.Value) value.Value

// Compiled bundles the routines built for one FunctionDef. Specialized is
// nil when the planner found nothing worth specializing. CallSites holds
// every inline cache the specialized routine's calls were emitted
// against, for a recompilation heuristic to inspect.
type Compiled struct {
	Fn          *graph.FunctionDef
	Generic     Routine
	Specialized Routine
	CallSites   []*callsite.CallSite
}

// SquarePegException is codegen's internal deoptimization signal: a live
// value didn't match the category the specialized routine committed to
// ahead of time. It never escapes Generate's routines; the specialized
// routine's own recover converts it into a recovery-routine replay.
type SquarePegException struct {
	Site  int           // last recovery site (Let/SetVar/Return) that fully committed; -1 if none
	Frame []value.Value // frame snapshot as of Site
}

func (e *SquarePegException) Error() string {
	return fmt.Sprintf("square peg at recovery site %d", e.Site)
}

// returnSignal implements Return's non-local exit, scoped to one Routine
// activation. Distinct from interp's equivalent type; each backend owns
// its own activation-scoped control signal.
type returnSignal struct{ v value.Value }

// Generate builds the generic routine always, and the specialized routine
// only when canSpecialize (the planner's canBeSpecialized verdict).
// onSquarePeg, if non-nil, is called with the recovery site every time the
// specialized routine deoptimizes mid-call. log may be nil.
func Generate(fn *graph.FunctionDef, resolver Resolver, canSpecialize bool, onSquarePeg func(site int), log *zap.Logger) *Compiled {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Compiled{Fn: fn, Generic: buildGeneric(fn, resolver)}
	if canSpecialize {
		b := &specBuilder{resolver: resolver, log: log}
		bodyFn := b.compileNode(fn.Body)
		c.Specialized = buildSpecialized(fn, bodyFn, resolver, onSquarePeg)
		c.CallSites = b.callSites
	}
	return c
}

// --- generic routine: plain tree-walk, no category commitments ---

// walker evaluates fn's body against whatever category each slot actually
// holds. With skip=false it is the generic routine; with skip=true it is
// the recovery routine, resuming at resume's recovery site from a
// snapshotted frame.
type walker struct {
	resolver Resolver
	skip     bool
	resume   int
}

func buildGeneric(fn *graph.FunctionDef, resolver Resolver) Routine {
	return func(copiedOuters, args []value.Value) (result value.Value) {
		defer func() {
			if r := recover(); r != nil {
				if rs, ok := r.(returnSignal); ok {
					result = rs.v
					return
				}
				if ae, ok := r.(*primitive.ApplyError); ok {
					panic(rterror.WrapRuntimeError(ae))
				}
				panic(r)
			}
		}()
		frame := bindGenericFrame(fn, copiedOuters, args)
		w := &walker{resolver: resolver, resume: -1}
		result = w.eval(frame, fn.Body)
		return
	}
}

func bindGenericFrame(fn *graph.FunctionDef, copiedOuters, args []value.Value) []value.Value {
	frame := make([]value.Value, fn.FrameSize())
	for i := 0; i < fn.NumCopiedOuters && i < len(copiedOuters); i++ {
		frame[i] = copiedOuters[i]
	}
	for i, p := range fn.Params[fn.NumCopiedOuters:] {
		var v value.Value
		if i < len(args) {
			v = args[i]
		}
		if p.IsBoxed {
			v = value.Ref(value.NewCell(v))
		}
		frame[p.Index] = v
	}
	return frame
}

// maybeUnskip reports whether n's own effect already happened (per the
// snapshotted frame) and so must not be redone, flipping off skip once the
// walk reaches the exact site the snapshot was taken at.
func (w *walker) maybeUnskip(n *graph.Node) bool {
	suppressed := w.skip && n.RecoverySite >= 0 && n.RecoverySite <= w.resume
	if suppressed && n.RecoverySite == w.resume {
		w.skip = false
	}
	return suppressed
}

func (w *walker) eval(frame []value.Value, n *graph.Node) value.Value {
	if n == nil {
		return value.VoidValue
	}
	switch n.Kind {
	case graph.KConst:
		return constToValue(n.ConstValue)

	case graph.KGetVar:
		return readGeneric(frame, n.Var)

	case graph.KSetVar:
		if w.maybeUnskip(n) {
			return readGeneric(frame, n.Var)
		}
		v := w.eval(frame, n.SetValue)
		writeGeneric(frame, n.Var, v)
		return v

	case graph.KLet:
		if w.maybeUnskip(n) {
			return w.eval(frame, n.Body)
		}
		v := n.Var
		if n.IsRec {
			def := defaultValueFor(v)
			if v.IsBoxed {
				frame[v.Index] = value.Ref(value.NewCell(def))
			} else {
				frame[v.Index] = def
			}
			initVal := w.eval(frame, n.Init)
			writeGeneric(frame, v, initVal)
		} else {
			initVal := w.eval(frame, n.Init)
			if v.IsBoxed {
				frame[v.Index] = value.Ref(value.NewCell(initVal))
			} else {
				frame[v.Index] = initVal
			}
		}
		return w.eval(frame, n.Body)

	case graph.KIf:
		cond := w.eval(frame, n.Cond)
		if cond.Cat != lattice.Bool {
			panic(rterror.NewRuntimeError("if condition did not evaluate to bool, got %s", cond.Cat))
		}
		if cond.Bool() {
			return w.eval(frame, n.Then)
		}
		return w.eval(frame, n.Else)

	case graph.KBlock:
		var last value.Value = value.VoidValue
		for _, e := range n.Exprs {
			last = w.eval(frame, e)
		}
		return last

	case graph.KReturn:
		w.maybeUnskip(n)
		v := value.VoidValue
		if n.ReturnValue != nil {
			v = w.eval(frame, n.ReturnValue)
		}
		panic(returnSignal{v})

	case graph.KPrimitive1:
		a := w.eval(frame, n.Arg1)
		return applyGenericPrimitive(n.Op, a)

	case graph.KPrimitive2:
		a := w.eval(frame, n.Arg1)
		b := w.eval(frame, n.Arg2)
		return applyGenericPrimitive(n.Op, a, b)

	case graph.KCall0, graph.KCall1, graph.KCall2, graph.KCallN:
		return w.evalCall(frame, n)

	case graph.KClosure:
		return w.evalClosure(frame, n)

	default:
		panic(rterror.NewRuntimeError("codegen: unhandled node kind %s", n.Kind))
	}
}

func (w *walker) evalCall(frame []value.Value, n *graph.Node) value.Value {
	args := make([]value.Value, len(n.Args))
	for i, a := range n.Args {
		args[i] = w.eval(frame, a)
	}
	if n.Fn.Kind == graph.KDirectFunction {
		impl := w.resolver.ResolveDirect(n.Fn.FunctionID)
		if impl == nil {
			panic(rterror.NewRuntimeError("unresolved direct function id %d", n.Fn.FunctionID))
		}
		return impl.Invoke(nil, args)
	}
	fnVal := w.eval(frame, n.Fn)
	if fnVal.Cat != lattice.Ref {
		panic(rterror.NewRuntimeError("call target is not a closure"))
	}
	closure, ok := fnVal.RefVal().(*value.Closure)
	if !ok {
		panic(rterror.NewRuntimeError("call target is not a closure"))
	}
	return closure.Invoke(args)
}

func (w *walker) evalClosure(frame []value.Value, n *graph.Node) value.Value {
	copied := make([]value.Value, len(n.CopiedOuters))
	for i, v := range n.CopiedOuters {
		copied[i] = frame[v.Index]
	}
	impl := w.resolver.ResolveDirect(n.FunctionImpl.ID)
	if impl == nil {
		panic(rterror.NewRuntimeError("closure materialized before its function %q was registered", n.FunctionImpl.Name))
	}
	return value.Ref(&value.Closure{Impl: impl, CopiedValues: copied})
}

func readGeneric(frame []value.Value, v *graph.VariableDefinition) value.Value {
	slot := frame[v.Index]
	if v.IsBoxed {
		cell, ok := slot.RefVal().(*value.Cell)
		if !ok {
			panic(rterror.NewRuntimeError("boxed variable %q missing its cell", v.Name))
		}
		return cell.V
	}
	return slot
}

func writeGeneric(frame []value.Value, v *graph.VariableDefinition, val value.Value) {
	if v.IsBoxed {
		cell, ok := frame[v.Index].RefVal().(*value.Cell)
		if !ok {
			panic(rterror.NewRuntimeError("boxed variable %q missing its cell", v.Name))
		}
		cell.V = val
		return
	}
	frame[v.Index] = val
}

func applyGenericPrimitive(op graph.PrimitiveOp, args ...value.Value) value.Value {
	p, ok := op.(primitive.Primitive)
	if !ok {
		panic(rterror.NewRuntimeError("primitive %q does not implement the primitive contract", op.Name()))
	}
	return applyPrimitiveChecked(p, args...)
}

func applyPrimitiveChecked(p primitive.Primitive, args ...value.Value) (result value.Value) {
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

// --- recovery routine: the generic walker resumed from a snapshot ---

func runRecovery(fn *graph.FunctionDef, resolver Resolver, peg *SquarePegException, copiedOuters, args []value.Value) (result value.Value) {
	var frame []value.Value
	if peg.Site < 0 {
		// No recovery site committed before the peg fired, so the snapshot
		// may be a partially-bound frame (the peg can come from frame
		// binding itself, before the offending argument was stored).
		// Rebind from the original arguments and replay the whole body
		// generically.
		frame = bindGenericFrame(fn, copiedOuters, args)
	} else {
		frame = make([]value.Value, fn.FrameSize())
		copy(frame, peg.Frame)
	}
	w := &walker{resolver: resolver, skip: peg.Site >= 0, resume: peg.Site}
	defer func() {
		if r := recover(); r != nil {
			if rs, ok := r.(returnSignal); ok {
				result = rs.v
				return
			}
			if ae, ok := r.(*primitive.ApplyError); ok {
				panic(rterror.WrapRuntimeError(ae))
			}
			panic(r)
		}
	}()
	result = w.eval(frame, fn.Body)
	return
}

// --- specialized routine: category commitments resolved ahead of time ---

// specCtx threads the last fully-committed recovery site through one call
// activation, so a square peg can report exactly where to resume.
type specCtx struct{ lastSite int }

type specializedFn func(frame []value.Value, ctx *specCtx) value.Value

// specBuilder compiles one FunctionDef's body into a tree of specializedFn
// closures, allocating one polymorphic inline cache per call node it
// visits.
type specBuilder struct {
	resolver  Resolver
	log       *zap.Logger
	callSites []*callsite.CallSite
}

func buildSpecialized(fn *graph.FunctionDef, bodyFn specializedFn, resolver Resolver, onSquarePeg func(int)) Routine {
	return func(copiedOuters, args []value.Value) (result value.Value) {
		ctx := &specCtx{lastSite: -1}
		defer func() {
			if r := recover(); r != nil {
				if rs, ok := r.(returnSignal); ok {
					result = rs.v
					return
				}
				if peg, ok := r.(*SquarePegException); ok {
					if onSquarePeg != nil {
						onSquarePeg(peg.Site)
					}
					result = runRecovery(fn, resolver, peg, copiedOuters, args)
					return
				}
				if ae, ok := r.(*primitive.ApplyError); ok {
					panic(rterror.WrapRuntimeError(ae))
				}
				panic(r)
			}
		}()
		frame := bindSpecializedFrame(fn, copiedOuters, args, ctx)
		result = bodyFn(frame, ctx)
		return
	}
}

func bindSpecializedFrame(fn *graph.FunctionDef, copiedOuters, args []value.Value, ctx *specCtx) []value.Value {
	frame := make([]value.Value, fn.FrameSize())
	for i := 0; i < fn.NumCopiedOuters && i < len(copiedOuters); i++ {
		frame[i] = copiedOuters[i]
	}
	for i, p := range fn.Params[fn.NumCopiedOuters:] {
		var v value.Value
		if i < len(args) {
			v = args[i]
		}
		bridged := bridgeOrPeg(v, p.Specialized.MustCat(), frame, ctx)
		if p.IsBoxed {
			frame[p.Index] = value.Ref(value.NewCell(bridged))
		} else {
			frame[p.Index] = bridged
		}
	}
	return frame
}

func (b *specBuilder) compileNode(n *graph.Node) specializedFn {
	switch n.Kind {
	case graph.KConst:
		v := constToValue(n.ConstValue)
		want := n.Specialized.MustCat()
		return func(frame []value.Value, ctx *specCtx) value.Value {
			return bridgeOrPeg(v, want, frame, ctx)
		}

	case graph.KGetVar:
		v := n.Var
		want := n.Specialized.MustCat()
		return func(frame []value.Value, ctx *specCtx) value.Value {
			return readVarSpecialized(frame, v, want, ctx)
		}

	case graph.KSetVar:
		valueFn := b.compileNode(n.SetValue)
		v := n.Var
		slotCat := v.Specialized.MustCat()
		site := n.RecoverySite
		return func(frame []value.Value, ctx *specCtx) value.Value {
			// The store is the type guard: a value that doesn't fit the
			// slot's committed category pegs here, before anything is
			// written, so recovery replays the whole set! generically.
			val := bridgeOrPeg(valueFn(frame, ctx), slotCat, frame, ctx)
			writeVarSpecialized(frame, v, val)
			ctx.lastSite = site
			return val
		}

	case graph.KLet:
		return b.compileLet(n)

	case graph.KIf:
		return b.compileIf(n)

	case graph.KBlock:
		fns := make([]specializedFn, len(n.Exprs))
		for i, e := range n.Exprs {
			fns[i] = b.compileNode(e)
		}
		return func(frame []value.Value, ctx *specCtx) value.Value {
			last := value.VoidValue
			for _, f := range fns {
				last = f(frame, ctx)
			}
			return last
		}

	case graph.KReturn:
		site := n.RecoverySite
		if n.ReturnValue == nil {
			return func(frame []value.Value, ctx *specCtx) value.Value {
				ctx.lastSite = site
				panic(returnSignal{value.VoidValue})
			}
		}
		valFn := b.compileNode(n.ReturnValue)
		return func(frame []value.Value, ctx *specCtx) value.Value {
			v := valFn(frame, ctx)
			ctx.lastSite = site
			panic(returnSignal{v})
		}

	case graph.KPrimitive1:
		return b.compilePrimitive1(n)

	case graph.KPrimitive2:
		return b.compilePrimitive2(n)

	case graph.KCall0, graph.KCall1, graph.KCall2, graph.KCallN:
		return b.compileCall(n)

	case graph.KClosure:
		return b.compileClosure(n)

	default:
		panic(rterror.NewCompilerError("codegen: cannot specialize node kind %s", n.Kind))
	}
}

func (b *specBuilder) compileLet(n *graph.Node) specializedFn {
	v := n.Var
	initFn := b.compileNode(n.Init)
	bodyFn := b.compileNode(n.Body)
	slotCat := v.Specialized.MustCat()
	site := n.RecoverySite
	if n.IsRec {
		return func(frame []value.Value, ctx *specCtx) value.Value {
			def := defaultSpecialized(v)
			if v.IsBoxed {
				frame[v.Index] = value.Ref(value.NewCell(def))
			} else {
				frame[v.Index] = def
			}
			initVal := bridgeOrPeg(initFn(frame, ctx), slotCat, frame, ctx)
			writeVarSpecialized(frame, v, initVal)
			ctx.lastSite = site
			return bodyFn(frame, ctx)
		}
	}
	return func(frame []value.Value, ctx *specCtx) value.Value {
		initVal := bridgeOrPeg(initFn(frame, ctx), slotCat, frame, ctx)
		if v.IsBoxed {
			frame[v.Index] = value.Ref(value.NewCell(initVal))
		} else {
			frame[v.Index] = initVal
		}
		ctx.lastSite = site
		return bodyFn(frame, ctx)
	}
}

func (b *specBuilder) compileIf(n *graph.Node) specializedFn {
	thenFn := b.compileNode(n.Then)
	elseFn := b.compileNode(n.Else)
	want := n.Specialized.MustCat()

	if n.Cond.Kind == graph.KPrimitive2 {
		if ia, ok := n.Cond.Op.(primitive.IfAware); ok {
			a1, a2 := n.Cond.Arg1, n.Cond.Arg2
			cats := []lattice.Cat{a1.Specialized.MustCat(), a2.Specialized.MustCat()}
			if branch, ok := ia.OptimizedBranch(cats); ok {
				arg1Fn := b.compileNode(a1)
				arg2Fn := b.compileNode(a2)
				return func(frame []value.Value, ctx *specCtx) value.Value {
					args := [2]value.Value{arg1Fn(frame, ctx), arg2Fn(frame, ctx)}
					var result value.Value
					if branch(args[:]) {
						result = thenFn(frame, ctx)
					} else {
						result = elseFn(frame, ctx)
					}
					return bridgeOrPeg(result, want, frame, ctx)
				}
			}
		}
	}

	condFn := b.compileNode(n.Cond)
	return func(frame []value.Value, ctx *specCtx) value.Value {
		cond := bridgeOrPeg(condFn(frame, ctx), lattice.Bool, frame, ctx)
		var result value.Value
		if cond.Bool() {
			result = thenFn(frame, ctx)
		} else {
			result = elseFn(frame, ctx)
		}
		return bridgeOrPeg(result, want, frame, ctx)
	}
}

func (b *specBuilder) compilePrimitive1(n *graph.Node) specializedFn {
	p, ok := n.Op.(primitive.Primitive)
	if !ok {
		panic(rterror.NewCompilerError("primitive %q missing contract", n.Op.Name()))
	}
	argFn := b.compileNode(n.Arg1)
	want := n.Specialized.MustCat()
	if argCat, ok := n.Arg1.Specialized.CatOf(); ok {
		if _, exec, err := p.Generate(argCat); err == nil {
			return func(frame []value.Value, ctx *specCtx) value.Value {
				a := argFn(frame, ctx)
				return bridgeOrPeg(exec([]value.Value{a}), want, frame, ctx)
			}
		}
	}
	return func(frame []value.Value, ctx *specCtx) value.Value {
		a := argFn(frame, ctx)
		return bridgeOrPeg(applyPrimitiveChecked(p, a), want, frame, ctx)
	}
}

func (b *specBuilder) compilePrimitive2(n *graph.Node) specializedFn {
	p, ok := n.Op.(primitive.Primitive)
	if !ok {
		panic(rterror.NewCompilerError("primitive %q missing contract", n.Op.Name()))
	}
	arg1Fn := b.compileNode(n.Arg1)
	arg2Fn := b.compileNode(n.Arg2)
	want := n.Specialized.MustCat()
	cat1, ok1 := n.Arg1.Specialized.CatOf()
	cat2, ok2 := n.Arg2.Specialized.CatOf()
	if ok1 && ok2 {
		if _, exec, err := p.Generate(cat1, cat2); err == nil {
			return func(frame []value.Value, ctx *specCtx) value.Value {
				a := arg1Fn(frame, ctx)
				b := arg2Fn(frame, ctx)
				return bridgeOrPeg(exec([]value.Value{a, b}), want, frame, ctx)
			}
		}
	}
	return func(frame []value.Value, ctx *specCtx) value.Value {
		a := arg1Fn(frame, ctx)
		b2 := arg2Fn(frame, ctx)
		return bridgeOrPeg(applyPrimitiveChecked(p, a, b2), want, frame, ctx)
	}
}

// compileCall allocates one inline cache per call node, shared across
// every invocation of the compiled routine. DirectFunction
// call sites cache on (generation, observed arg categories); closure call
// sites cache on (function identity, generation) when the closure has no
// copied outers.
func (b *specBuilder) compileCall(n *graph.Node) specializedFn {
	argFns := make([]specializedFn, len(n.Args))
	for i, a := range n.Args {
		argFns[i] = b.compileNode(a)
	}
	want := n.Specialized.MustCat()

	if n.Fn.Kind == graph.KDirectFunction {
		id := n.Fn.FunctionID
		resolver := b.resolver
		cs := callsite.NewDirectCallSite(b.log, func() value.NexusHandle { return resolver.ResolveDirect(id) })
		b.callSites = append(b.callSites, cs)
		return func(frame []value.Value, ctx *specCtx) value.Value {
			args := make([]value.Value, len(argFns))
			for i, f := range argFns {
				args[i] = f(frame, ctx)
			}
			return bridgeOrPeg(cs.Invoke(args), want, frame, ctx)
		}
	}

	fnFn := b.compileNode(n.Fn)
	cs := callsite.NewClosureCallSite(b.log)
	b.callSites = append(b.callSites, cs)
	return func(frame []value.Value, ctx *specCtx) value.Value {
		fnVal := fnFn(frame, ctx)
		if fnVal.Cat != lattice.Ref {
			peg(frame, ctx)
		}
		if _, ok := fnVal.RefVal().(*value.Closure); !ok {
			peg(frame, ctx)
		}
		callArgs := make([]value.Value, len(argFns)+1)
		callArgs[0] = fnVal
		for i, f := range argFns {
			callArgs[i+1] = f(frame, ctx)
		}
		return bridgeOrPeg(cs.Invoke(callArgs), want, frame, ctx)
	}
}

func (b *specBuilder) compileClosure(n *graph.Node) specializedFn {
	type copiedReader struct {
		v     *graph.VariableDefinition
		want  lattice.Cat
		boxed bool
	}
	readers := make([]copiedReader, len(n.CopiedOuters))
	for i, v := range n.CopiedOuters {
		readers[i] = copiedReader{v: v, want: v.Specialized.MustCat(), boxed: v.IsBoxed}
	}
	impl := n.FunctionImpl
	resolver := b.resolver
	return func(frame []value.Value, ctx *specCtx) value.Value {
		copied := make([]value.Value, len(readers))
		for i, r := range readers {
			if r.boxed {
				// A boxed variable's Cell must pass through untouched so a
				// self-referential closure shares the same mutable storage
				// as its defining scope (letrec self-reference); bridging
				// would snapshot the cell's contents at capture time
				// instead of aliasing it.
				copied[i] = frame[r.v.Index]
			} else {
				copied[i] = readVarSpecialized(frame, r.v, r.want, ctx)
			}
		}
		handle := resolver.ResolveDirect(impl.ID)
		if handle == nil {
			panic(rterror.NewRuntimeError("closure materialized before its function %q was registered", impl.Name))
		}
		return value.Ref(&value.Closure{Impl: handle, CopiedValues: copied})
	}
}

func readVarSpecialized(frame []value.Value, v *graph.VariableDefinition, want lattice.Cat, ctx *specCtx) value.Value {
	slot := frame[v.Index]
	if v.IsBoxed {
		cell, ok := slot.RefVal().(*value.Cell)
		if !ok {
			peg(frame, ctx)
		}
		return bridgeOrPeg(cell.V, want, frame, ctx)
	}
	return bridgeOrPeg(slot, want, frame, ctx)
}

func writeVarSpecialized(frame []value.Value, v *graph.VariableDefinition, val value.Value) {
	if v.IsBoxed {
		cell := frame[v.Index].RefVal().(*value.Cell)
		cell.V = val
		return
	}
	frame[v.Index] = val
}

func defaultSpecialized(v *graph.VariableDefinition) value.Value {
	switch v.Specialized.MustCat() {
	case lattice.Int:
		return value.Int(0)
	case lattice.Bool:
		return value.Bool(false)
	default:
		return value.Ref(nil)
	}
}

// bridge crosses between any two categories a specialized slot and a
// consumer might disagree on: identity when they match, Box when
// widening a primitive into Ref, Unbox when narrowing a Ref back to the
// primitive it carries. ok is false only for a genuine square peg (a Ref
// that isn't carrying the requested primitive, or vice versa).
func bridge(v value.Value, want lattice.Cat) (value.Value, bool) {
	if v.Cat == want {
		return v, true
	}
	if want == lattice.Ref {
		return value.Box(v), true
	}
	return value.Unbox(v, want)
}

func bridgeOrPeg(v value.Value, want lattice.Cat, frame []value.Value, ctx *specCtx) value.Value {
	b, ok := bridge(v, want)
	if !ok {
		peg(frame, ctx)
	}
	return b
}

func peg(frame []value.Value, ctx *specCtx) {
	panic(&SquarePegException{Site: ctx.lastSite, Frame: append([]value.Value(nil), frame...)})
}
