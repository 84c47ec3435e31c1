package interp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/interp"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/value"
)

type nilResolver struct{}

func (nilResolver) ResolveDirect(id int) value.NexusHandle { return nil }

func runFn(t *testing.T, mode interp.Mode, fn *graph.FunctionDef, args ...value.Value) value.Value {
	t.Helper()
	ip := interp.New(nilResolver{}, mode)
	result, err := ip.Run(fn, nil, args)
	require.NoError(t, err)
	return result
}

func newFn(body *graph.Node) *graph.FunctionDef {
	fn := graph.NewFunctionDef(1, "f")
	fn.Body = body
	return fn
}

func TestArithmetic(t *testing.T) {
	reg := primitive.NewRegistry()
	add, _ := reg.Lookup("+")
	body := graph.Primitive2(add, graph.Const(1), graph.Const(2))
	result := runFn(t, interp.Simple, newFn(body))
	assert.Equal(t, int64(3), result.Int64())
}

func TestIfDispatch(t *testing.T) {
	body := graph.If(graph.Const(true), graph.Const(1), graph.Const(2))
	assert.Equal(t, int64(1), runFn(t, interp.Simple, newFn(body)).Int64())

	body2 := graph.If(graph.Const(false), graph.Const(1), graph.Const(2))
	assert.Equal(t, int64(2), runFn(t, interp.Simple, newFn(body2)).Int64())
}

func TestIfRequiresBoolCondition(t *testing.T) {
	body := graph.If(graph.Const(1), graph.Const(1), graph.Const(2))
	ip := interp.New(nilResolver{}, interp.Simple)
	_, err := ip.Run(newFn(body), nil, nil)
	assert.Error(t, err)
}

func TestLetAndSetVar(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareLocal("x")
	body := graph.Let(x, graph.Const(1), graph.Block(
		graph.SetVar(x, graph.Const(2)),
		graph.GetVar(x),
	), false)
	fn.Body = body
	assert.Equal(t, int64(2), runFn(t, interp.Simple, fn).Int64())
}

func TestReturnShortCircuitsBlock(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	body := graph.Block(
		graph.Return(graph.Const(1)),
		graph.Const(99),
	)
	fn.Body = body
	assert.Equal(t, int64(1), runFn(t, interp.Simple, fn).Int64())
}

func TestLetrecPreInitializesBeforeInitRuns(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareLocal("x")
	body := graph.Let(x, graph.Const(5), graph.GetVar(x), true)
	fn.Body = body
	assert.Equal(t, int64(5), runFn(t, interp.Simple, fn).Int64())
}

func TestBoxedVariableSharesCellAcrossReadsAndWrites(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareLocal("x")
	x.IsBoxed = true
	body := graph.Let(x, graph.Const(1), graph.Block(
		graph.SetVar(x, graph.Const(7)),
		graph.GetVar(x),
	), false)
	fn.Body = body
	assert.Equal(t, int64(7), runFn(t, interp.Simple, fn).Int64())
}

func TestPrimitiveTypeMismatchRaisesRuntimeError(t *testing.T) {
	reg := primitive.NewRegistry()
	add, _ := reg.Lookup("+")
	body := graph.Primitive2(add, graph.Const(true), graph.Const(1))
	ip := interp.New(nilResolver{}, interp.Simple)
	_, err := ip.Run(newFn(body), nil, nil)
	assert.Error(t, err)
}

func TestProfilingRecordsObservedTypesAndIgnoresInSimpleMode(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareParam("x")
	fn.Body = graph.GetVar(x)

	runFn(t, interp.Simple, fn, value.Int(9))
	assert.False(t, x.Observed.Observed().IsKnown(), "simple mode must not record")

	runFn(t, interp.Profiling, fn, value.Int(9))
	require.True(t, x.Observed.Observed().IsKnown())
	assert.Equal(t, int64(1), mustIntCount(x))
}

func mustIntCount(v *graph.VariableDefinition) int64 {
	_, intc, _ := v.Observed.Counts()
	return intc
}

func TestCopiedOutersBindBeforeDeclaredParams(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	outer := fn.DeclareCopiedOuter("outer")
	p := fn.DeclareParam("x")
	reg := primitive.NewRegistry()
	add, _ := reg.Lookup("+")
	fn.Body = graph.Primitive2(add, graph.GetVar(outer), graph.GetVar(p))

	ip := interp.New(nilResolver{}, interp.Simple)
	result, err := ip.Run(fn, []value.Value{value.Int(10)}, []value.Value{value.Int(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(15), result.Int64())
}
