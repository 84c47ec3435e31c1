// Package profile implements the per-variable and per-expression value
// tallies the interpreter's profiling mode records, and the observed-type
// derivation the specialization planner reads back.
package profile

import (
	"go.uber.org/atomic"

	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/value"
)

// ValueProfile holds thread-safe counters for the three observable
// categories. Ref/Int/Bool tallies are each monotonically increasing;
// Void never records (no value flows through a void position).
type ValueProfile struct {
	ref  atomic.Int64
	intc atomic.Int64
	bc   atomic.Int64
}

func New() *ValueProfile {
	return &ValueProfile{}
}

// Record classifies v by its runtime category and increments atomically.
func (p *ValueProfile) Record(v value.Value) {
	switch v.Cat {
	case lattice.Ref:
		p.ref.Inc()
	case lattice.Int:
		p.intc.Inc()
	case lattice.Bool:
		p.bc.Inc()
	case lattice.Void:
		// no value flows; nothing to tally
	}
}

// Observed derives the profile's current observed type: unknown if no
// observations were made; known(cat) if only one category was ever seen;
// known(Ref) if int and bool were both observed (a shared slot holding
// either would require boxing) or if any ref was observed at all.
func (p *ValueProfile) Observed() lattice.Type {
	r, i, b := p.ref.Load(), p.intc.Load(), p.bc.Load()
	if r == 0 && i == 0 && b == 0 {
		return lattice.Unknown
	}
	if r > 0 {
		return lattice.Known(lattice.Ref)
	}
	if i > 0 && b > 0 {
		return lattice.Known(lattice.Ref)
	}
	if i > 0 {
		return lattice.Known(lattice.Int)
	}
	return lattice.Known(lattice.Bool)
}

// IsPureInt reports whether every observation so far was an Int.
func (p *ValueProfile) IsPureInt() bool {
	return p.intc.Load() > 0 && p.bc.Load() == 0 && p.ref.Load() == 0
}

// IsPureBool reports whether every observation so far was a Bool.
func (p *ValueProfile) IsPureBool() bool {
	return p.bc.Load() > 0 && p.intc.Load() == 0 && p.ref.Load() == 0
}

// Counts returns a snapshot (ref, int, bool) for tests and debug dumps.
func (p *ValueProfile) Counts() (ref, intc, boolc int64) {
	return p.ref.Load(), p.intc.Load(), p.bc.Load()
}

// Reset zeroes every counter, for recompilation after a deoptimization
// decides the old profile is no longer trustworthy.
func (p *ValueProfile) Reset() {
	p.ref.Store(0)
	p.intc.Store(0)
	p.bc.Store(0)
}
