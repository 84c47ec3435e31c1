package profile_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/profile"
	"j5.nz/adaptive/value"
)

func TestObservedUnknownWithNoRecords(t *testing.T) {
	p := profile.New()
	assert.False(t, p.Observed().IsKnown())
}

func TestObservedSinglePrimitive(t *testing.T) {
	p := profile.New()
	p.Record(value.Int(1))
	p.Record(value.Int(2))
	require.True(t, p.Observed().IsKnown())
	assert.Equal(t, lattice.Int, p.Observed().MustCat())
	assert.True(t, p.IsPureInt())
	assert.False(t, p.IsPureBool())
}

func TestObservedMixedPrimitivesBoxes(t *testing.T) {
	p := profile.New()
	p.Record(value.Int(1))
	p.Record(value.Bool(true))
	assert.Equal(t, lattice.Ref, p.Observed().MustCat())
}

func TestObservedAnyRefForcesRef(t *testing.T) {
	p := profile.New()
	p.Record(value.Int(1))
	p.Record(value.Ref("x"))
	assert.Equal(t, lattice.Ref, p.Observed().MustCat())
}

func TestReset(t *testing.T) {
	p := profile.New()
	p.Record(value.Int(1))
	p.Reset()
	assert.False(t, p.Observed().IsKnown())
	ref, intc, boolc := p.Counts()
	assert.Zero(t, ref)
	assert.Zero(t, intc)
	assert.Zero(t, boolc)
}

// genValues builds a non-empty slice of Values drawn only from {int, bool,
// ref}, the universe of categories Record classifies.
func genValues() gopter.Gen {
	one := gen.OneGenOf(
		gen.Int64Range(-100, 100).Map(value.Int),
		gen.Bool().Map(value.Bool),
		gen.AlphaString().Map(func(s string) value.Value { return value.Ref(s) }),
	)
	return gen.SliceOfN(8, one).SuchThat(func(vs []value.Value) bool { return len(vs) > 0 })
}

// TestProfileSoundness: after recording a sequence of values,
// Observed() is known(Ref) whenever more than one category appears, else
// known(the single category).
func TestProfileSoundness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	props := gopter.NewProperties(parameters)

	props.Property("observed matches category cardinality", prop.ForAll(
		func(vs []value.Value) bool {
			p := profile.New()
			cats := map[lattice.Cat]bool{}
			for _, v := range vs {
				p.Record(v)
				cats[v.Cat] = true
			}
			observed := p.Observed()
			if !observed.IsKnown() {
				return len(vs) == 0
			}
			if len(cats) > 1 {
				return observed.MustCat() == lattice.Ref
			}
			for c := range cats {
				return observed.MustCat() == c
			}
			return false
		},
		genValues(),
	))

	props.TestingRun(t)
}
