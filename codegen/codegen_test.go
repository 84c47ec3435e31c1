package codegen_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/adaptive/codegen"
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/infer"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/specialize"
	"j5.nz/adaptive/value"
)

type nilResolver struct{}

func (nilResolver) ResolveDirect(id int) value.NexusHandle { return nil }

// analyzeAndGenerate replays the analysis pipeline nexus.maybeCompile runs
// (infer -> pre-generic -> pre-specialized -> recovery sites -> codegen)
// against a FunctionDef whose profile has already been seeded by the
// caller, the same sequencing Nexus uses when it compiles for real.
func analyzeAndGenerate(t *testing.T, fn *graph.FunctionDef, resolver codegen.Resolver, onSquarePeg func(int)) *codegen.Compiled {
	t.Helper()
	require.NoError(t, infer.New(nil).InferFunction(fn))
	planner := specialize.New()
	planner.PreGeneric(fn)
	canSpecialize := planner.PreSpecialized(fn)
	fn.AssignRecoverySites()
	return codegen.Generate(fn, resolver, canSpecialize, onSquarePeg, nil)
}

func TestGenericAndSpecializedAgreeOnArithmetic(t *testing.T) {
	reg := primitive.NewRegistry()
	add, _ := reg.Lookup("+")
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareParam("x")
	fn.Body = graph.Primitive2(add, graph.GetVar(x), graph.Const(1))
	for i := 0; i < 5; i++ {
		x.Observed.Record(value.Int(int64(i)))
	}

	compiled := analyzeAndGenerate(t, fn, nilResolver{}, nil)
	require.NotNil(t, compiled.Specialized, "canBeSpecialized should be true with a pure-int parameter")

	generic := compiled.Generic(nil, []value.Value{value.Int(41)})
	specialized := compiled.Specialized(nil, []value.Value{value.Int(41)})
	assert.Equal(t, int64(42), generic.Int64())
	assert.Equal(t, int64(42), specialized.Int64())
}

func TestPolymorphicIdentityHasNoSpecializedForm(t *testing.T) {
	fn := graph.NewFunctionDef(1, "id")
	x := fn.DeclareParam("x")
	fn.Body = graph.GetVar(x)
	x.Observed.Record(value.Int(1))
	x.Observed.Record(value.Bool(true))
	x.Observed.Record(value.Ref("s"))

	compiled := analyzeAndGenerate(t, fn, nilResolver{}, nil)
	assert.Nil(t, compiled.Specialized)

	for _, v := range []value.Value{value.Int(1), value.Bool(true), value.Ref("s")} {
		got := compiled.Generic(nil, []value.Value{v})
		assert.Equal(t, v, got)
	}
}

// TestSquarePegDeoptimization: a specialized y:Int
// local is clobbered with a string by set!, triggers a square-peg recovery
// mid-call, and the final value equals what the generic routine would
// return on the same input.
func TestSquarePegDeoptimization(t *testing.T) {
	reg := primitive.NewRegistry()
	add, _ := reg.Lookup("+")
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareParam("x")
	y := fn.DeclareLocal("y")
	fn.Body = graph.Let(y, graph.Primitive2(add, graph.GetVar(x), graph.Const(1)), graph.Block(
		graph.SetVar(y, graph.Const("oops")),
		graph.GetVar(y),
	), false)

	for i := 0; i < 200; i++ {
		x.Observed.Record(value.Int(int64(i)))
		y.Observed.Record(value.Int(int64(i)))
	}

	var sites []int
	compiled := analyzeAndGenerate(t, fn, nilResolver{}, func(site int) { sites = append(sites, site) })
	require.NotNil(t, compiled.Specialized, "y should have specialized to Int from the seeded profile")

	genericResult := compiled.Generic(nil, []value.Value{value.Int(10)})
	specializedResult := compiled.Specialized(nil, []value.Value{value.Int(10)})

	assert.Equal(t, "oops", genericResult.RefVal())
	assert.Equal(t, genericResult, specializedResult, "deopt completeness: recovered value must match the generic form")
	assert.NotEmpty(t, sites, "the square-peg hook must fire during the specialized call")
}

// countingLt wraps the < primitive to record whether the generic
// Generate path or the IfAware OptimizedBranch path actually executed, so
// TestIfFusion can tell the two apart instead of only checking results.
type countingLt struct {
	primitive.Primitive
	branchCalls, generateCalls int
}

func (c *countingLt) OptimizedBranch(argCats []lattice.Cat) (func(args []value.Value) bool, bool) {
	ia := c.Primitive.(primitive.IfAware)
	branch, ok := ia.OptimizedBranch(argCats)
	if !ok {
		return nil, false
	}
	return func(args []value.Value) bool {
		c.branchCalls++
		return branch(args)
	}, true
}

func (c *countingLt) Generate(argCats ...lattice.Cat) (lattice.Cat, func(args []value.Value) value.Value, error) {
	cat, exec, err := c.Primitive.Generate(argCats...)
	if err != nil {
		return cat, exec, err
	}
	return cat, func(args []value.Value) value.Value {
		c.generateCalls++
		return exec(args)
	}, nil
}

// TestIfFusion: when the condition is an IfAware
// primitive with both args specialized Int, codegen fuses compare-and-
// branch instead of materializing a Bool and branching on it.
func TestIfFusion(t *testing.T) {
	lt := &countingLt{Primitive: primitive.Lt()}
	fn := graph.NewFunctionDef(1, "f")
	a := fn.DeclareParam("a")
	b := fn.DeclareParam("b")
	fn.Body = graph.If(graph.Primitive2(lt, graph.GetVar(a), graph.GetVar(b)), graph.Const(1), graph.Const(2))
	for i := 0; i < 5; i++ {
		a.Observed.Record(value.Int(int64(i)))
		b.Observed.Record(value.Int(int64(i)))
	}

	compiled := analyzeAndGenerate(t, fn, nilResolver{}, nil)
	require.NotNil(t, compiled.Specialized)

	r1 := compiled.Specialized(nil, []value.Value{value.Int(1), value.Int(2)})
	r2 := compiled.Specialized(nil, []value.Value{value.Int(5), value.Int(5)})
	assert.Equal(t, int64(1), r1.Int64())
	assert.Equal(t, int64(2), r2.Int64())

	assert.Greater(t, lt.branchCalls, 0, "if-fusion should take the OptimizedBranch path")
	assert.Equal(t, 0, lt.generateCalls, "if-fusion must not also materialize a Bool via Generate")
}

// TestFrameBindingPegRecoversWithOriginalArguments drives the specialized
// routine directly with an argument that fails the parameter bridge, so
// the peg fires during frame binding with no committed recovery site. The
// recovery must rebind from the original arguments, not the partial
// snapshot, and agree with the generic form.
func TestFrameBindingPegRecoversWithOriginalArguments(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareParam("x")
	tv := fn.DeclareLocal("t")
	fn.Body = graph.Let(tv, graph.Const(1), graph.GetVar(x), false)
	for i := 0; i < 5; i++ {
		x.Observed.Record(value.Int(int64(i)))
		tv.Observed.Record(value.Int(1))
	}

	compiled := analyzeAndGenerate(t, fn, nilResolver{}, nil)
	require.NotNil(t, compiled.Specialized)

	arg := []value.Value{value.Ref("hi")}
	genericResult := compiled.Generic(nil, arg)
	specializedResult := compiled.Specialized(nil, arg)
	assert.Equal(t, "hi", genericResult.RefVal())
	assert.Equal(t, genericResult, specializedResult)
}

func TestLetrecDefaultsSpecializedIntToZero(t *testing.T) {
	reg := primitive.NewRegistry()
	eq, _ := reg.Lookup("=")
	add, _ := reg.Lookup("+")
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareLocal("x")
	// let rec x = x + 1 in x = 1: the initializer reads x's default, so
	// the body is true only if that default was Int(0).
	fn.Body = graph.Let(x, graph.Primitive2(add, graph.GetVar(x), graph.Const(1)), graph.Primitive2(eq, graph.GetVar(x), graph.Const(1)), true)
	x.Observed.Record(value.Int(1))

	compiled := analyzeAndGenerate(t, fn, nilResolver{}, nil)
	require.NotNil(t, compiled.Specialized)
	result := compiled.Specialized(nil, nil)
	assert.True(t, result.Bool())
}
