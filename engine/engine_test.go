package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"j5.nz/adaptive/engine"
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/nexus"
	"j5.nz/adaptive/value"
)

func TestDefineFunctionPanicsOnDuplicateID(t *testing.T) {
	p := engine.New(nil, nil)
	fn := graph.NewFunctionDef(1, "f")
	fn.Body = graph.Const(1)
	p.DefineFunction(fn)
	assert.Panics(t, func() { p.DefineFunction(fn) })
}

func TestLookupFunctionByName(t *testing.T) {
	p := engine.New(nil, nil)
	fn := graph.NewFunctionDef(1, "f")
	fn.Body = graph.Const(1)
	p.DefineFunction(fn)

	_, ok := p.LookupFunction("f")
	assert.True(t, ok)
	_, ok = p.LookupFunction("missing")
	assert.False(t, ok)
}

func TestResetForTestingClearsFunctionTable(t *testing.T) {
	p := engine.New(nil, nil)
	fn := graph.NewFunctionDef(1, "f")
	fn.Body = graph.Const(1)
	p.DefineFunction(fn)

	p.ResetForTesting()
	_, ok := p.LookupFunction("f")
	assert.False(t, ok)
	// Same ID is now reusable without panicking.
	p.DefineFunction(graph.NewFunctionDef(1, "f"))
}

// fib builds fib(n) = if n<2 then 1
// else fib(n-1)+fib(n-2), recursing through DirectFunction rather than a
// materialized closure.
func fib(p *engine.Program) *nexus.Nexus {
	const fibID = 1
	reg := p.Primitives()
	add, _ := reg.Lookup("+")
	sub, _ := reg.Lookup("-")
	lt, _ := reg.Lookup("<")

	fn := graph.NewFunctionDef(fibID, "fib")
	n := fn.DeclareParam("n")
	recurse := func(delta int64) *graph.Node {
		return graph.Call1(graph.DirectFunction(fibID), graph.Primitive2(sub, graph.GetVar(n), graph.Const(delta)))
	}
	fn.Body = graph.If(
		graph.Primitive2(lt, graph.GetVar(n), graph.Const(2)),
		graph.Const(1),
		graph.Primitive2(add, recurse(1), recurse(2)),
	)
	return p.DefineFunction(fn)
}

// TestFibonacciSpecializes: after 100+ calls
// with integer inputs, the specialization planner should have pure-Int
// observations for n and produce a working specialized routine, and
// fib(10) == 89, fib(20) == 10946 regardless of which tier answers.
func TestFibonacciSpecializes(t *testing.T) {
	p := engine.New(nil, nil)
	n := fib(p)

	// Warm the profile past ProfilingThreshold with small integer inputs
	// so the Nexus compiles before the assertions below.
	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		n.Invoke(nil, []value.Value{value.Int(int64(i % 8))})
	}
	require.NotEqual(t, nexus.StateInterpreted, n.State())

	got10 := n.Invoke(nil, []value.Value{value.Int(10)})
	got20 := n.Invoke(nil, []value.Value{value.Int(20)})
	assert.Equal(t, int64(89), got10.Int64())
	assert.Equal(t, int64(10946), got20.Int64())
}

func TestFibonacciInterpretedAgreesWithCompiled(t *testing.T) {
	interpreted := engine.New(nil, nil)
	fibI := fib(interpreted)
	wantInterpreted := fibI.Invoke(nil, []value.Value{value.Int(12)})
	assert.Equal(t, int64(233), wantInterpreted.Int64())

	compiled := engine.New(nil, nil)
	fibC := fib(compiled)
	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		fibC.Invoke(nil, []value.Value{value.Int(int64(i % 6))})
	}
	gotCompiled := fibC.Invoke(nil, []value.Value{value.Int(12)})
	assert.Equal(t, wantInterpreted, gotCompiled)
}

// letrecHostAndLambda builds the full closure-recursion letrec:
// let rec f = \x. if x=0 then 0 else f(x-1) in
// f(3). f is both mutable (the letrec write after the closure is built)
// and captured (the lambda calls back into it), so it must be boxed; the
// lambda's own copy of f is the same Cell, not a value snapshot taken
// before the letrec write lands.
func letrecHostAndLambda(p *engine.Program) (*nexus.Nexus, *nexus.Nexus) {
	const lambdaID, hostID = 1, 2
	reg := p.Primitives()
	eq, _ := reg.Lookup("=")
	sub, _ := reg.Lookup("-")

	lambda := graph.NewFunctionDef(lambdaID, "lambda")
	fInner := lambda.DeclareCopiedOuter("f")
	fInner.IsBoxed = true
	x := lambda.DeclareParam("x")
	lambda.Body = graph.If(
		graph.Primitive2(eq, graph.GetVar(x), graph.Const(0)),
		graph.Const(0),
		graph.Call1(graph.GetVar(fInner), graph.Primitive2(sub, graph.GetVar(x), graph.Const(1))),
	)
	lambdaNexus := p.DefineFunction(lambda)

	host := graph.NewFunctionDef(hostID, "host")
	f := host.DeclareLocal("f")
	f.IsBoxed = true
	host.Body = graph.Let(f, graph.Closure(lambda, f), graph.Call1(graph.GetVar(f), graph.Const(3)), true)
	hostNexus := p.DefineFunction(host)

	return hostNexus, lambdaNexus
}

func TestLetrecClosureRecursion(t *testing.T) {
	p := engine.New(nil, nil)
	host, _ := letrecHostAndLambda(p)

	result := host.Invoke(nil, nil)
	assert.Equal(t, int64(0), result.Int64(), "f(3) -> f(2) -> f(1) -> f(0) == 0, no null-access")
}

// TestLetrecClosureRecursionUnderCompilation repeats the call enough
// times to push both the host (whose Let observes the call site's result
// is always Int(0), making its body specializable) and the lambda across
// ProfilingThreshold, so the same recursion runs through compiled generic
// and specialized code, not only the interpreter.
func TestLetrecClosureRecursionUnderCompilation(t *testing.T) {
	p := engine.New(nil, nil)
	host, lambda := letrecHostAndLambda(p)

	var last value.Value
	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		last = host.Invoke(nil, nil)
		require.Equal(t, int64(0), last.Int64(), "iteration %d", i)
	}
	assert.NotEqual(t, nexus.StateInterpreted, host.State())
	assert.NotEqual(t, nexus.StateInterpreted, lambda.State())

	final := host.Invoke(nil, nil)
	assert.Equal(t, int64(0), final.Int64())
}
