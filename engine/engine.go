// Package engine implements the Program facade: the single entry point
// that owns the function table (DefineFunction/LookupFunction) and
// doubles as the Registry every function's Nexus uses to resolve direct
// calls and ask sibling functions for a proven specialized return type.
//
// There is no separate emitted-code loader table: codegen never emits an
// installable code object distinct from the Compiled routines already
// held by each function's Nexus (see the codegen package doc), so
// Program's function table is the only process-wide registry.
package engine

import (
	"sync"

	"go.uber.org/zap"

	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/nexus"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/value"
)

// Program owns every function's Nexus. The table is append-only after
// definition: a write lock serializes additions, reads take the shared
// side of the RWMutex.
type Program struct {
	primitives *primitive.Registry
	log        *zap.Logger
	debug      nexus.DebugSink

	mu        sync.RWMutex
	functions map[int]*nexus.Nexus
	byName    map[string]*nexus.Nexus
}

// New builds an empty Program. log and debug may both be nil.
func New(log *zap.Logger, debug nexus.DebugSink) *Program {
	if log == nil {
		log = zap.NewNop()
	}
	return &Program{
		primitives: primitive.NewRegistry(),
		log:        log,
		debug:      debug,
		functions:  make(map[int]*nexus.Nexus),
		byName:     make(map[string]*nexus.Nexus),
	}
}

// Primitives exposes the shared registry so a caller building ExprGraphs
// can look primitives up by name when wiring Primitive1/Primitive2 nodes.
func (p *Program) Primitives() *primitive.Registry { return p.primitives }

// DefineFunction registers fn under its own ID, building a fresh Nexus
// around it. Defining the same ID twice is a programmer error (the
// function table is append-only); it panics rather than silently
// shadowing a live Nexus other code may already hold a handle to.
func (p *Program) DefineFunction(fn *graph.FunctionDef) *nexus.Nexus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.functions[fn.ID]; exists {
		panic("engine: function id already defined")
	}
	n := nexus.New(fn, p, p.log, p.debug)
	p.functions[fn.ID] = n
	p.byName[fn.Name] = n
	return n
}

// LookupFunction finds a function's Nexus by name, for host code wiring
// up a program's entry point after defining every function.
func (p *Program) LookupFunction(name string) (*nexus.Nexus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.byName[name]
	return n, ok
}

// ResolveDirect implements nexus.Registry / codegen.Resolver /
// interp.Resolver: the read path against the append-only function
// table.
func (p *Program) ResolveDirect(id int) value.NexusHandle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.functions[id]
	if !ok {
		return nil
	}
	return n
}

// ProvenReturn implements infer.DirectReturns, delegating to the named
// function's own Nexus.
func (p *Program) ProvenReturn(id int) (lattice.Type, bool) {
	p.mu.RLock()
	n, ok := p.functions[id]
	p.mu.RUnlock()
	if !ok {
		return lattice.Unknown, false
	}
	return n.ProvenReturn(id)
}

// ResetForTesting clears the tables so tests defining functions with
// colliding IDs don't leak Nexus state across cases.
func (p *Program) ResetForTesting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.functions = make(map[int]*nexus.Nexus)
	p.byName = make(map[string]*nexus.Nexus)
}
