// Package nexus implements the Nexus/Closure state machine: the
// per-function mutable dispatch record owning the ExprGraph, its
// profile, and whatever compiled handles codegen has produced so far.
//
// A Nexus starts life Interpreted, running calls through the profiling
// interpreter. Once invocationCount crosses ProfilingThreshold it compiles
// (generic always, specialized when the planner finds it worthwhile) and
// moves to CompiledGeneric or CompiledSpecialized. A square-peg recovery
// increments a counter; crossing DeoptThreshold resets the Nexus back to
// Interpreted with a bumped generation, discarding the compiled forms and
// the accumulated profile so recompilation starts from fresh observations.
package nexus

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"j5.nz/adaptive/codegen"
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/infer"
	"j5.nz/adaptive/interp"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/specialize"
	"j5.nz/adaptive/value"
)

// ProfilingThreshold is how many invocations a function runs interpreted
// before its first compile.
const ProfilingThreshold = 100

// DeoptThreshold bounds how many square-peg recoveries a Nexus tolerates
// before deciding its compiled forms are no longer a good fit for the
// observed inputs and resetting to re-profile from scratch.
const DeoptThreshold = 50

// State is the per-function dispatch state.
type State uint32

const (
	StateInterpreted State = iota
	StateCompiling
	StateCompiledGeneric
	StateCompiledSpecialized
)

func (s State) String() string {
	switch s {
	case StateInterpreted:
		return "interpreted"
	case StateCompiling:
		return "compiling"
	case StateCompiledGeneric:
		return "compiled_generic"
	case StateCompiledSpecialized:
		return "compiled_specialized"
	default:
		return "state(?)"
	}
}

// Registry lets a Nexus resolve sibling functions, for direct-call dispatch
// (codegen.Resolver / interp.Resolver) and for asking another function's
// Nexus whether it has a proven specialized return type
// (infer.DirectReturns). The engine package's Program facade implements
// this over its function table.
type Registry interface {
	ResolveDirect(id int) value.NexusHandle
	ProvenReturn(id int) (lattice.Type, bool)
}

// DebugSink receives a human-readable trace whenever a Nexus finishes
// compiling, without forcing any filesystem side effects on library
// callers.
type DebugSink interface {
	DumpCompile(functionName string, generation uint64, state State, numCallSites int)
}

// Nexus is the per-function runtime record: profile, analysis results,
// and whatever compiled forms have been installed. It implements
// value.NexusHandle so a Closure can invoke or link against it without
// this package needing to be visible from value.
type Nexus struct {
	fn       *graph.FunctionDef
	registry Registry
	log      *zap.Logger
	debug    DebugSink

	mu    sync.Mutex
	group singleflight.Group

	state      atomic.Uint32
	generation atomic.Uint64

	invocationCount atomic.Int64
	squarePegCount  atomic.Int64

	compiled    atomic.Pointer[codegen.Compiled]
	lastPlanner *specialize.Planner // guarded by mu
}

// New builds a Nexus around fn, starting Interpreted at generation 0. log
// and debug may both be nil.
func New(fn *graph.FunctionDef, registry Registry, log *zap.Logger, debug DebugSink) *Nexus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Nexus{fn: fn, registry: registry, log: log, debug: debug}
}

func (n *Nexus) Identity() int      { return n.fn.ID }
func (n *Nexus) Generation() uint64 { return n.generation.Load() }
func (n *Nexus) State() State       { return State(n.state.Load()) }

// Invoke is the external call entry point: copied outers and arguments
// are bound into a fresh frame and routed through whatever dispatch tier
// is currently installed, bumping the invocation count and triggering
// compilation once the threshold is crossed.
func (n *Nexus) Invoke(copiedOuters, args []value.Value) value.Value {
	count := n.invocationCount.Inc()
	if State(n.state.Load()) == StateInterpreted && count > ProfilingThreshold {
		n.maybeCompile()
	}

	switch State(n.state.Load()) {
	case StateCompiledSpecialized, StateCompiledGeneric:
		c := n.compiled.Load()
		if c != nil {
			// Same gate as OptimalInvoker: the specialized routine is only
			// entered when the incoming argument categories match its
			// committed parameter categories; anything else (a new type
			// showing up after monomorphic profiling) takes the generic
			// form instead of pegging during frame binding.
			if c.Specialized != nil && specializedFits(n.fn, catsOf(args)) {
				return c.Specialized(copiedOuters, args)
			}
			return c.Generic(copiedOuters, args)
		}
	}
	return n.interpret(copiedOuters, args)
}

func (n *Nexus) interpret(copiedOuters, args []value.Value) value.Value {
	ip := interp.New(n.resolverAdapter(), interp.Profiling)
	result, err := ip.Run(n.fn, copiedOuters, args)
	if err != nil {
		panic(err)
	}
	return result
}

// resolverAdapter narrows Registry down to the smaller Resolver shape the
// interpreter and codegen both expect.
type resolverAdapter struct{ n *Nexus }

func (r resolverAdapter) ResolveDirect(id int) value.NexusHandle {
	return r.n.registry.ResolveDirect(id)
}

func (n *Nexus) resolverAdapter() resolverAdapter { return resolverAdapter{n} }

// ProvenReturn implements infer.DirectReturns by asking the specialization
// planner's last verdict for this function's return type, the one case
// where a call is typed other than Ref. It never waits for n.mu: while a
// compile or reset holds the lock (including this Nexus's own compile
// inferring a recursive direct call to itself) it reports no proven
// return.
func (n *Nexus) ProvenReturn(id int) (lattice.Type, bool) {
	if id != n.fn.ID {
		return lattice.Unknown, false
	}
	if !n.mu.TryLock() {
		return lattice.Unknown, false
	}
	defer n.mu.Unlock()
	if n.lastPlanner == nil {
		return lattice.Unknown, false
	}
	return n.lastPlanner.ReturnType()
}

// maybeCompile runs codegen once, coalescing concurrent crossers of the
// threshold through singleflight: the transition stays idempotent and
// serialized per-function without forcing every caller through a
// contended lock.
func (n *Nexus) maybeCompile() {
	_, _, _ = n.group.Do("compile", func() (any, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		if State(n.state.Load()) != StateInterpreted {
			return nil, nil
		}
		n.state.Store(uint32(StateCompiling))
		n.log.Info("compiling", zap.String("function", n.fn.Name), zap.Int64("invocations", n.invocationCount.Load()))

		inferencer := infer.New(n.registry)
		if err := inferencer.InferFunction(n.fn); err != nil {
			n.log.Error("type inference failed", zap.Error(err))
			panic(err)
		}

		planner := specialize.New()
		planner.PreGeneric(n.fn)
		canSpecialize := planner.PreSpecialized(n.fn)
		n.lastPlanner = planner

		n.fn.AssignRecoverySites()

		compiled := codegen.Generate(n.fn, n.resolverAdapter(), canSpecialize, n.onSquarePeg, n.log)
		n.compiled.Store(compiled)

		newState := StateCompiledGeneric
		if compiled.Specialized != nil {
			newState = StateCompiledSpecialized
		}
		n.state.Store(uint32(newState))
		if n.debug != nil {
			n.debug.DumpCompile(n.fn.Name, n.generation.Load(), newState, len(compiled.CallSites))
		}
		return nil, nil
	})
}

// onSquarePeg is codegen's deoptimization hook: count the recovery, and
// once too many have accumulated, decide the compiled forms no longer fit
// the actual input distribution and reset to re-profile.
func (n *Nexus) onSquarePeg(site int) {
	count := n.squarePegCount.Inc()
	n.log.Debug("square peg recovery", zap.String("function", n.fn.Name), zap.Int("site", site), zap.Int64("count", count))
	if count > DeoptThreshold {
		n.Reset()
	}
}

// Reset invalidates this function's compiled forms and bumps its
// generation, so every inline-cache guard holding the old generation
// fails its next check and falls back to re-resolving through this Nexus
// (the generation counter is monotonic, so stale entries need never be
// enumerated). In-flight specialized calls already past the deopt are
// unaffected: they finish in the recovery routine they already entered.
func (n *Nexus) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.compiled.Store(nil)
	n.state.Store(uint32(StateInterpreted))
	n.invocationCount.Store(0)
	n.squarePegCount.Store(0)
	n.generation.Inc()
	n.fn.ResetProfiles()
	n.log.Info("reset", zap.String("function", n.fn.Name), zap.Uint64("generation", n.generation.Load()))
}

// SquarePegCount reports how many square-peg recoveries have fired, for
// tests asserting the recovery path was actually exercised rather than
// vacuously passing.
func (n *Nexus) SquarePegCount() int64 { return n.squarePegCount.Load() }

// InvocationCount exposes the raw counter for tests and debug dumps.
func (n *Nexus) InvocationCount() int64 { return n.invocationCount.Load() }

// OptimalInvoker implements value.NexusHandle: prefer specialized, then
// generic, then the profiling interpreter trampoline, with
// copiedOuters pre-bound into the returned invoker.
func (n *Nexus) OptimalInvoker(argCats []lattice.Cat, copiedOuters []value.Value) value.Invoker {
	c := n.compiled.Load()
	if c != nil {
		if c.Specialized != nil && specializedFits(n.fn, argCats) {
			return func(args []value.Value) value.Value { return c.Specialized(copiedOuters, args) }
		}
		return func(args []value.Value) value.Value { return c.Generic(copiedOuters, args) }
	}
	return func(args []value.Value) value.Value { return n.interpret(copiedOuters, args) }
}

func catsOf(args []value.Value) []lattice.Cat {
	cats := make([]lattice.Cat, len(args))
	for i, a := range args {
		cats[i] = a.Cat
	}
	return cats
}

// specializedFits reports whether the call site's observed argument
// categories exactly match every declared parameter's specialized
// category.
func specializedFits(fn *graph.FunctionDef, argCats []lattice.Cat) bool {
	declared := fn.Params[fn.NumCopiedOuters:]
	if len(declared) != len(argCats) {
		return false
	}
	for i, p := range declared {
		c, ok := p.Specialized.CatOf()
		if !ok || c != argCats[i] {
			return false
		}
	}
	return true
}
