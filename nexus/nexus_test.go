package nexus_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/nexus"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/value"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct{}

func (fakeRegistry) ResolveDirect(id int) value.NexusHandle   { return nil }
func (fakeRegistry) ProvenReturn(id int) (lattice.Type, bool) { return lattice.Unknown, false }

func incrementFn() *graph.FunctionDef {
	reg := primitive.NewRegistry()
	add, _ := reg.Lookup("+")
	fn := graph.NewFunctionDef(1, "inc")
	x := fn.DeclareParam("x")
	fn.Body = graph.Primitive2(add, graph.GetVar(x), graph.Const(1))
	return fn
}

func TestNexusStartsInterpreted(t *testing.T) {
	n := nexus.New(incrementFn(), fakeRegistry{}, nil, nil)
	assert.Equal(t, nexus.StateInterpreted, n.State())
}

func TestNexusCompilesAfterThreshold(t *testing.T) {
	n := nexus.New(incrementFn(), fakeRegistry{}, nil, nil)
	for i := int64(0); i <= nexus.ProfilingThreshold+1; i++ {
		result := n.Invoke(nil, []value.Value{value.Int(i)})
		assert.Equal(t, i+1, result.Int64())
	}
	assert.NotEqual(t, nexus.StateInterpreted, n.State())
	assert.Equal(t, nexus.StateCompiledSpecialized, n.State(), "a pure-int parameter profile should specialize")
}

// TestConcurrentCompileIsCoalesced: many goroutines
// crossing ProfilingThreshold at once must not race codegen, and every
// caller must observe a consistent, correct result.
func TestConcurrentCompileIsCoalesced(t *testing.T) {
	n := nexus.New(incrementFn(), fakeRegistry{}, nil, nil)
	for i := 0; i < nexus.ProfilingThreshold; i++ {
		n.Invoke(nil, []value.Value{value.Int(int64(i))})
	}

	var wg sync.WaitGroup
	results := make([]value.Value, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = n.Invoke(nil, []value.Value{value.Int(int64(i))})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, int64(i+1), r.Int64())
	}
	require.Equal(t, nexus.StateCompiledSpecialized, n.State())
}

func TestResetBumpsGenerationAndClearsProfile(t *testing.T) {
	fn := incrementFn()
	n := nexus.New(fn, fakeRegistry{}, nil, nil)
	for i := 0; i <= nexus.ProfilingThreshold; i++ {
		n.Invoke(nil, []value.Value{value.Int(1)})
	}
	require.NotEqual(t, nexus.StateInterpreted, n.State())
	gen0 := n.Generation()

	n.Reset()
	assert.Equal(t, nexus.StateInterpreted, n.State())
	assert.Equal(t, gen0+1, n.Generation())
	assert.Equal(t, int64(0), n.InvocationCount())
}

// TestInvokeFallsBackToGenericOnArgumentMismatch: a function profiled and
// specialized as (int) must still answer a direct Invoke with a Ref
// argument correctly, by taking the generic form instead of entering the
// specialized routine with an argument it cannot bind.
func TestInvokeFallsBackToGenericOnArgumentMismatch(t *testing.T) {
	fn := graph.NewFunctionDef(1, "f")
	x := fn.DeclareParam("x")
	tv := fn.DeclareLocal("t")
	fn.Body = graph.Let(tv, graph.Const(1), graph.GetVar(x), false)

	n := nexus.New(fn, fakeRegistry{}, nil, nil)
	for i := 0; i <= nexus.ProfilingThreshold+1; i++ {
		n.Invoke(nil, []value.Value{value.Int(int64(i))})
	}
	require.Equal(t, nexus.StateCompiledSpecialized, n.State())

	got := n.Invoke(nil, []value.Value{value.Ref("hi")})
	assert.Equal(t, "hi", got.RefVal())
}

func TestOptimalInvokerPrefersSpecializedWhenCategoriesMatch(t *testing.T) {
	n := nexus.New(incrementFn(), fakeRegistry{}, nil, nil)
	for i := 0; i <= nexus.ProfilingThreshold; i++ {
		n.Invoke(nil, []value.Value{value.Int(1)})
	}
	invoker := n.OptimalInvoker([]lattice.Cat{lattice.Int}, nil)
	result := invoker([]value.Value{value.Int(41)})
	assert.Equal(t, int64(42), result.Int64())
}

type recordingDebugSink struct {
	mu    sync.Mutex
	dumps int
}

func (d *recordingDebugSink) DumpCompile(functionName string, generation uint64, state nexus.State, numCallSites int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dumps++
}

func TestDebugSinkCalledOnCompile(t *testing.T) {
	sink := &recordingDebugSink{}
	n := nexus.New(incrementFn(), fakeRegistry{}, nil, sink)
	for i := 0; i <= nexus.ProfilingThreshold; i++ {
		n.Invoke(nil, []value.Value{value.Int(1)})
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.dumps)
}
