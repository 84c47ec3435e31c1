// Package callsite implements the inline-caching call site: a
// mutable call-site target built as a linked chain of (guard, target)
// entries, collapsing to a single megamorphic target once CacheLimit is
// exceeded.
package callsite

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/rterror"
	"j5.nz/adaptive/value"
)

// CacheLimit is the number of polymorphic entries a site accepts before
// going megamorphic.
const CacheLimit = 3

// Guard tests whether a cached fast path applies to the given arguments.
type Guard func(args []value.Value) bool

// CallSite is the polymorphic inline cache every closure call and every
// DirectFunction call in a specialized routine is emitted against; the
// interpreter and the generic/recovery routines call without one.
type CallSite struct {
	mu  sync.Mutex
	log *zap.Logger

	dispatch    value.Invoker
	megamorphic value.Invoker // optional; nil falls back to dispatch

	target        atomic.Pointer[value.Invoker]
	cacheCount    atomic.Int32
	isMegamorphic atomic.Bool

	hits, misses, transitions atomic.Int64
}

func newCallSite(log *zap.Logger, dispatch, megamorphic value.Invoker) *CallSite {
	if log == nil {
		log = zap.NewNop()
	}
	cs := &CallSite{log: log, dispatch: dispatch, megamorphic: megamorphic}
	d := dispatch
	cs.target.Store(&d)
	return cs
}

// New builds a bare CallSite around a slow-path dispatch handle and an
// optional megamorphic handle, for callers that build their own dispatch
// closures directly (tests, or call shapes NewClosureCallSite/
// NewDirectCallSite don't cover).
func New(log *zap.Logger, dispatch, megamorphic value.Invoker) *CallSite {
	return newCallSite(log, dispatch, megamorphic)
}

// Invoke runs the call site's current target. The target pointer is read
// with acquire semantics (atomic.Pointer.Load) so an in-flight caller
// always sees either the prior or a fully-installed new chain.
func (cs *CallSite) Invoke(args []value.Value) value.Value {
	t := cs.target.Load()
	return (*t)(args)
}

// AddCacheEntry atomically wraps the current target with
// "if guard(args) then path(args) else previous(args)" and increments the
// cache count, transitioning to megamorphic (and collapsing the whole
// chain to the megamorphic/dispatch handle) once the limit is exceeded.
// A benign check-then-act race against IsMegamorphic may cause one
// wasted add attempt under concurrent callers.
func (cs *CallSite) AddCacheEntry(guard Guard, path value.Invoker) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.isMegamorphic.Load() {
		return
	}
	if cs.cacheCount.Load() >= CacheLimit {
		cs.isMegamorphic.Store(true)
		cs.cacheCount.Store(CacheLimit + 1)
		fallback := cs.megamorphic
		if fallback == nil {
			fallback = cs.dispatch
		}
		cs.target.Store(&fallback)
		cs.transitions.Inc()
		cs.log.Debug("call site went megamorphic")
		return
	}
	previous := *cs.target.Load()
	var wrapped value.Invoker = func(args []value.Value) value.Value {
		if guard(args) {
			cs.hits.Inc()
			return path(args)
		}
		return previous(args)
	}
	cs.target.Store(&wrapped)
	cs.cacheCount.Add(1)
	cs.log.Debug("call site cache entry installed", zap.Int32("cache_count", cs.cacheCount.Load()))
}

// Reset returns the call site to its original dispatch handle and zero
// cache count, used after deoptimization invalidates all linked entries.
func (cs *CallSite) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.isMegamorphic.Store(false)
	cs.cacheCount.Store(0)
	d := cs.dispatch
	cs.target.Store(&d)
}

func (cs *CallSite) CacheCount() int32   { return cs.cacheCount.Load() }
func (cs *CallSite) IsMegamorphic() bool { return cs.isMegamorphic.Load() }

// Stats is a read-only snapshot of the site's cache behavior, for a
// recompilation heuristic to consult.
type Stats struct {
	Hits, Misses, MegamorphicTransitions int64
	CacheCount                           int32
	Megamorphic                          bool
}

func (cs *CallSite) Stats() Stats {
	return Stats{
		Hits:                   cs.hits.Load(),
		Misses:                 cs.misses.Load(),
		MegamorphicTransitions: cs.transitions.Load(),
		CacheCount:             cs.cacheCount.Load(),
		Megamorphic:            cs.isMegamorphic.Load(),
	}
}

func catsOf(args []value.Value) []lattice.Cat {
	cats := make([]lattice.Cat, len(args))
	for i, a := range args {
		cats[i] = a.Cat
	}
	return cats
}

func catsEqual(a, b []lattice.Cat) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NewClosureCallSite builds the dispatch handle for a closure call site,
// whose calling convention is (closure Value, args...) -> result. On a
// cache miss it resolves the closure's optimal invoker and, when the site
// is not
// megamorphic and the closure has no copied outers (function identity is
// then a sufficient guard), installs a cache entry keyed on
// closure.implementation == expected, generation-checked so a
// deoptimization invalidates it.
func NewClosureCallSite(log *zap.Logger) *CallSite {
	cs := newCallSite(log, nil, nil)
	cs.dispatch = func(args []value.Value) value.Value {
		if len(args) == 0 {
			panic(rterror.NewRuntimeError("closure call site invoked with no closure argument"))
		}
		closureVal := args[0]
		if closureVal.Cat != lattice.Ref {
			panic(rterror.NewRuntimeError("call target is not a closure"))
		}
		closure, ok := closureVal.RefVal().(*value.Closure)
		if !ok {
			panic(rterror.NewRuntimeError("call target is not a closure"))
		}
		cs.misses.Inc()
		rest := args[1:]
		invoker := closure.OptimalInvoker(catsOf(rest))
		if !cs.isMegamorphic.Load() && len(closure.CopiedValues) == 0 {
			expectedID := closure.Impl.Identity()
			expectedGen := closure.Impl.Generation()
			guard := func(a []value.Value) bool {
				if len(a) == 0 || !a[0].IsRef() {
					return false
				}
				c, ok := a[0].RefVal().(*value.Closure)
				if !ok || len(c.CopiedValues) != 0 {
					return false
				}
				return c.Impl.Identity() == expectedID && c.Impl.Generation() == expectedGen
			}
			path := invoker
			cs.AddCacheEntry(guard, func(a []value.Value) value.Value {
				return path(a[1:])
			})
		}
		return invoker(rest)
	}
	d := cs.dispatch
	cs.target.Store(&d)
	return cs
}

// NewDirectCallSite builds the dispatch handle for a DirectFunction call
// site, whose calling convention omits the leading closure argument.
// Resolve returns the (constant) callee identity; caching keys on the
// observed argument categories plus the callee's current generation.
func NewDirectCallSite(log *zap.Logger, resolve func() value.NexusHandle) *CallSite {
	cs := newCallSite(log, nil, nil)
	cs.dispatch = func(args []value.Value) value.Value {
		impl := resolve()
		cs.misses.Inc()
		argCats := catsOf(args)
		invoker := impl.OptimalInvoker(argCats, nil)
		if !cs.isMegamorphic.Load() {
			expectedGen := impl.Generation()
			guard := func(a []value.Value) bool {
				return impl.Generation() == expectedGen && catsEqual(catsOf(a), argCats)
			}
			cs.AddCacheEntry(guard, invoker)
		}
		return invoker(args)
	}
	d := cs.dispatch
	cs.target.Store(&d)
	return cs
}
