package main

import (
	"fmt"

	"go.uber.org/zap"

	"j5.nz/adaptive/callsite"
	"j5.nz/adaptive/engine"
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/nexus"
	"j5.nz/adaptive/value"
)

// scenario is a self-contained
// program fragment, a way to exercise it, and a pass/fail verdict a human
// can read off the printed detail line.
type scenario struct {
	name string
	run  func(log *zap.Logger, debug nexus.DebugSink) (detail string, ok bool)
}

var scenarios = []scenario{
	{"S1-fibonacci", scenarioFibonacci},
	{"S2-polymorphic-identity", scenarioPolymorphicIdentity},
	{"S3-deopt-via-set", scenarioDeopt},
	{"S4-inline-cache-growth", scenarioInlineCacheGrowth},
	{"S5-letrec-closure-recursion", scenarioLetrecClosure},
	{"S6-if-fusion", scenarioIfFusion},
}

func scenarioFibonacci(log *zap.Logger, debug nexus.DebugSink) (string, bool) {
	p := engine.New(log, debug)
	reg := p.Primitives()
	add, _ := reg.Lookup("+")
	sub, _ := reg.Lookup("-")
	lt, _ := reg.Lookup("<")

	const fibID = 1
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
	fibNexus := p.DefineFunction(fn)

	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		fibNexus.Invoke(nil, []value.Value{value.Int(int64(i % 8))})
	}
	got10 := fibNexus.Invoke(nil, []value.Value{value.Int(10)}).Int64()
	got20 := fibNexus.Invoke(nil, []value.Value{value.Int(20)}).Int64()
	ok := got10 == 89 && got20 == 10946
	return fmt.Sprintf("state=%s fib(10)=%d fib(20)=%d", fibNexus.State(), got10, got20), ok
}

func scenarioPolymorphicIdentity(log *zap.Logger, debug nexus.DebugSink) (string, bool) {
	p := engine.New(log, debug)
	fn := graph.NewFunctionDef(1, "id")
	x := fn.DeclareParam("x")
	fn.Body = graph.GetVar(x)
	idNexus := p.DefineFunction(fn)

	inputs := []value.Value{value.Int(1), value.Bool(true), value.Ref("hi")}
	ok := true
	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		got := idNexus.Invoke(nil, []value.Value{inputs[i%len(inputs)]})
		if got != inputs[i%len(inputs)] {
			ok = false
		}
	}
	return fmt.Sprintf("state=%s (expect interpreted or compiled-generic, never specialized)", idNexus.State()), ok && idNexus.State() != nexus.StateCompiledSpecialized
}

// scenarioDeopt builds f(x) = let y = x+1 in if x<1000 then y else
// (set!(y, "oops"); y). Warm-up only ever takes the pure-int branch, so
// y specializes to Int; the final call takes the other branch, where the
// set! of a string into the Int slot deopts at the store itself, and the
// recovery routine performs the store and reads y back as "oops".
func scenarioDeopt(log *zap.Logger, debug nexus.DebugSink) (string, bool) {
	p := engine.New(log, debug)
	reg := p.Primitives()
	add, _ := reg.Lookup("+")
	lt, _ := reg.Lookup("<")

	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareParam("x")
	y := fn.DeclareLocal("y")
	fn.Body = graph.Let(y, graph.Primitive2(add, graph.GetVar(x), graph.Const(1)),
		graph.If(graph.Primitive2(lt, graph.GetVar(x), graph.Const(1000)),
			graph.GetVar(y),
			graph.Block(graph.SetVar(y, graph.Const("oops")), graph.GetVar(y)),
		), false)
	fNexus := p.DefineFunction(fn)

	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		fNexus.Invoke(nil, []value.Value{value.Int(int64(i % 50))})
	}
	got := fNexus.Invoke(nil, []value.Value{value.Int(2000)})
	ok := got.RefVal() == "oops" && fNexus.SquarePegCount() > 0
	return fmt.Sprintf("state=%s result=%v square_pegs=%d", fNexus.State(), got.RefVal(), fNexus.SquarePegCount()), ok
}

func scenarioInlineCacheGrowth(log *zap.Logger, debug nexus.DebugSink) (string, bool) {
	constInvoker := func(v value.Value) value.Invoker {
		return func(args []value.Value) value.Value { return v }
	}
	cs := callsite.New(nil, constInvoker(value.Ref("miss")), nil)
	for i := 0; i < 3; i++ {
		i := i
		guard := func(args []value.Value) bool { return len(args) == 1 && args[0].Int64() == int64(i) }
		cs.AddCacheEntry(guard, constInvoker(value.Int(int64(i))))
	}
	threeGuards := cs.CacheCount() == 3 && !cs.IsMegamorphic()

	guard4 := func(args []value.Value) bool { return false }
	cs.AddCacheEntry(guard4, constInvoker(value.Int(4)))
	ok := threeGuards && cs.IsMegamorphic() && cs.CacheCount() == int32(callsite.CacheLimit+1)
	return fmt.Sprintf("cache_count=%d megamorphic=%v", cs.CacheCount(), cs.IsMegamorphic()), ok
}

func scenarioLetrecClosure(log *zap.Logger, debug nexus.DebugSink) (string, bool) {
	p := engine.New(log, debug)
	reg := p.Primitives()
	eq, _ := reg.Lookup("=")
	sub, _ := reg.Lookup("-")

	const lambdaID, hostID = 1, 2
	lambda := graph.NewFunctionDef(lambdaID, "lambda")
	fInner := lambda.DeclareCopiedOuter("f")
	fInner.IsBoxed = true
	x := lambda.DeclareParam("x")
	lambda.Body = graph.If(
		graph.Primitive2(eq, graph.GetVar(x), graph.Const(0)),
		graph.Const(0),
		graph.Call1(graph.GetVar(fInner), graph.Primitive2(sub, graph.GetVar(x), graph.Const(1))),
	)
	p.DefineFunction(lambda)

	host := graph.NewFunctionDef(hostID, "host")
	f := host.DeclareLocal("f")
	f.IsBoxed = true
	host.Body = graph.Let(f, graph.Closure(lambda, f), graph.Call1(graph.GetVar(f), graph.Const(3)), true)
	hostNexus := p.DefineFunction(host)

	got := hostNexus.Invoke(nil, nil)
	ok := got.Int64() == 0
	return fmt.Sprintf("f(3)=%d", got.Int64()), ok
}

func scenarioIfFusion(log *zap.Logger, debug nexus.DebugSink) (string, bool) {
	p := engine.New(log, debug)
	reg := p.Primitives()
	lt, _ := reg.Lookup("<")

	fn := graph.NewFunctionDef(1, "f")
	a := fn.DeclareParam("a")
	b := fn.DeclareParam("b")
	fn.Body = graph.If(graph.Primitive2(lt, graph.GetVar(a), graph.GetVar(b)), graph.Const(1), graph.Const(2))
	fNexus := p.DefineFunction(fn)

	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		fNexus.Invoke(nil, []value.Value{value.Int(int64(i % 7)), value.Int(int64((i + 1) % 7))})
	}
	r1 := fNexus.Invoke(nil, []value.Value{value.Int(1), value.Int(2)}).Int64()
	r2 := fNexus.Invoke(nil, []value.Value{value.Int(5), value.Int(5)}).Int64()
	ok := r1 == 1 && r2 == 2
	return fmt.Sprintf("state=%s (1,2)=%d (5,5)=%d", fNexus.State(), r1, r2), ok
}
