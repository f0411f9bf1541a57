package diff

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/interp"
	"github.com/born-ml/gradir/internal/ir"
)

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	mod, err := ir.Parse(src, ir.NewStdOracle())
	require.NoError(t, err)
	return mod
}

func newContext(mod *ir.Module, cfg Config) (*Context, *diag.Collector) {
	sink := &diag.Collector{}
	return NewContext(mod, ir.NewStdOracle(), sink, cfg), sink
}

// gradient runs a witness's VJP and pulls the seed back through it.
func gradient(t *testing.T, mod *ir.Module, w *Witness, seed interp.Value, args ...interp.Value) (interp.Value, interp.Value) {
	t.Helper()
	it := interp.New(mod)
	res, err := it.CallName(w.VJP.Name, args...)
	require.NoError(t, err)
	tup, ok := res.(interp.Tuple)
	require.True(t, ok)
	require.Len(t, tup, 2)
	grad, err := it.Call(tup[1], seed)
	require.NoError(t, err)
	return tup[0], grad
}

func TestRequestSquare(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`)
	c, sink := newContext(mod, Config{})
	w, err := c.Request(mod.Func("square"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err)
	require.NotNil(t, w.VJP)
	require.NotNil(t, w.Pullback)
	require.NotNil(t, w.JVP)
	assert.Empty(t, sink.All)

	prim, grad := gradient(t, mod, w, interp.Float(1), interp.Float(3))
	assert.Equal(t, interp.Float(9), prim)
	assert.Equal(t, interp.Float(6), grad)

	// Without forward mode the JVP is a stub that traps.
	_, err = interp.New(mod).CallName(w.JVP.Name, interp.Float(3))
	assert.ErrorIs(t, err, interp.ErrTrap)
}

func TestForwardMode(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`)
	c, _ := newContext(mod, Config{ForwardMode: true})
	w, err := c.Request(mod.Func("square"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err)
	require.NotNil(t, w.Differential)

	it := interp.New(mod)
	res, err := it.CallName(w.JVP.Name, interp.Float(3))
	require.NoError(t, err)
	pair := res.(interp.Tuple)
	assert.Equal(t, interp.Float(9), pair[0])
	d, err := it.Call(pair[1], interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(6), d)
}

func TestAggregateSeed(t *testing.T) {
	mod := parse(t, `func @add : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = add %0, %1
  return %2
}
`)
	c, _ := newContext(mod, Config{})
	w, err := c.Request(mod.Func("add"), ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0})
	require.NoError(t, err)

	_, grad := gradient(t, mod, w, interp.Float(1), interp.Float(2), interp.Float(3))
	pair, ok := grad.(interp.Tuple)
	require.True(t, ok)
	assert.Equal(t, interp.Float(1), pair[0])
	assert.Equal(t, interp.Float(1), pair[1])

	// A zero seed yields a zero gradient without tripping the emitters.
	_, grad = gradient(t, mod, w, interp.Float(0), interp.Float(2), interp.Float(3))
	pair = grad.(interp.Tuple)
	assert.Equal(t, interp.Float(0), pair[0])
	assert.Equal(t, interp.Float(0), pair[1])
}

func TestBranchGradients(t *testing.T) {
	mod := parse(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  cond_br %1, bb1(%0), bb2(%0)
bb1(%2 : f64):
  %3 = mul %2, %2
  br bb3(%3)
bb2(%4 : f64):
  br bb3(%4)
bb3(%5 : f64):
  return %5
}
`)
	c, _ := newContext(mod, Config{})
	w, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err)

	_, grad := gradient(t, mod, w, interp.Float(1), interp.Float(3), interp.Bool(true))
	assert.Equal(t, interp.Float(6), grad, "the squaring arm contributes 2x")
	_, grad = gradient(t, mod, w, interp.Float(1), interp.Float(3), interp.Bool(false))
	assert.Equal(t, interp.Float(1), grad, "the identity arm contributes 1 and the untaken arm nothing")
}

func TestNestedCall(t *testing.T) {
	mod := parse(t, `func @g : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64)
  %2 = call %1(%0)
  %3 = add %2, %0
  return %3
}
`)
	c, _ := newContext(mod, Config{})
	w, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err)

	// The callee got its own witness under the minimal configuration.
	_, ok := c.Witnesses()[WitnessKey{Fn: "g", Params: ir.Indices(0), Result: 0}]
	assert.True(t, ok)

	prim, grad := gradient(t, mod, w, interp.Float(1), interp.Float(3))
	assert.Equal(t, interp.Float(12), prim)
	assert.Equal(t, interp.Float(7), grad)
}

func TestSupersetWitnessNarrowing(t *testing.T) {
	mod := parse(t, `func @g : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = mul %0, %1
  return %2
}

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64, f64) -> (f64)
  %2 = const 5.0 : f64
  %3 = call %1(%0, %2)
  return %3
}
`)
	c, _ := newContext(mod, Config{})
	_, err := c.Request(mod.Func("g"), ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0})
	require.NoError(t, err)
	w, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err)

	// The call site reuses the wider witness through a subset thunk
	// instead of synthesizing a second derivative of @g.
	_, narrow := c.Witnesses()[WitnessKey{Fn: "g", Params: ir.Indices(0), Result: 0}]
	assert.False(t, narrow)
	require.Len(t, c.ApplyInfo(), 1)
	for _, info := range c.ApplyInfo() {
		assert.Equal(t, ir.Indices(0), info.Desired.Params)
		assert.Equal(t, ir.Indices(0, 1), info.Actual.Params)
	}

	prim, grad := gradient(t, mod, w, interp.Float(1), interp.Float(3))
	assert.Equal(t, interp.Float(15), prim)
	assert.Equal(t, interp.Float(5), grad)
}

func TestRecursion(t *testing.T) {
	mod := parse(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  cond_br %1, bb1(), bb2()
bb1():
  %2 = mul %0, %0
  br bb3(%2)
bb2():
  %3 = func_ref @f : $(f64, i1) -> (f64)
  %4 = call %3(%0, %1)
  br bb3(%4)
bb3(%5 : f64):
  return %5
}
`)
	c, _ := newContext(mod, Config{})
	w, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err, "a self-call must resolve to the in-progress derivative")

	_, grad := gradient(t, mod, w, interp.Float(1), interp.Float(3), interp.Bool(true))
	assert.Equal(t, interp.Float(6), grad)
}

func TestRequirementDerivative(t *testing.T) {
	mod := parse(t, `func @gImpl : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}

func @g : $(f64) -> (f64)

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64)
  %2 = call %1(%0)
  return %2
}
`)
	oracle := ir.NewStdOracle()
	oracle.RegisterRequirementDerivative("g", mod.Func("gImpl"), ir.Indices(0))
	sink := &diag.Collector{}
	c := NewContext(mod, oracle, sink, Config{})

	w, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.NoError(t, err)

	prim, grad := gradient(t, mod, w, interp.Float(1), interp.Float(3))
	assert.Equal(t, interp.Float(9), prim)
	assert.Equal(t, interp.Float(6), grad)
}

func TestBundleMarkerFill(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}

func @use : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @square : $(f64) -> (f64)
  %2 = differentiable_function [wrt {0} result 0] %1
  %3 = differentiable_function_extract [vjp] %2
  %4 = call %3(%0)
  %5 = tuple_extract %4, 0
  return %5
}
`)
	c, sink := newContext(mod, Config{})
	require.True(t, c.Run())
	assert.Empty(t, sink.All)

	use := mod.Func("use")
	var marker *ir.DiffFuncNew
	extracts := 0
	for _, in := range use.Entry().Instrs() {
		switch in := in.(type) {
		case *ir.DiffFuncNew:
			marker = in
		case *ir.DiffFuncExtract:
			extracts++
		}
	}
	require.NotNil(t, marker)
	assert.NotNil(t, marker.JVP)
	assert.NotNil(t, marker.VJP)
	assert.Zero(t, extracts, "extractions from local bundles fold away")

	out, err := interp.New(mod).CallName("use", interp.Float(3))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(9), out)
}

func TestKeepExtracts(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}

func @use : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @square : $(f64) -> (f64)
  %2 = differentiable_function [wrt {0} result 0] %1
  %3 = differentiable_function_extract [vjp] %2
  %4 = call %3(%0)
  %5 = tuple_extract %4, 0
  return %5
}
`)
	c, _ := newContext(mod, Config{KeepExtracts: true})
	require.True(t, c.Run())

	extracts := 0
	for _, in := range mod.Func("use").Entry().Instrs() {
		if _, ok := in.(*ir.DiffFuncExtract); ok {
			extracts++
		}
	}
	assert.Equal(t, 1, extracts)
}

func moduleNames(mod *ir.Module) ([]string, []string, []string) {
	var fns, sts, ens []string
	for _, fn := range mod.Funcs() {
		fns = append(fns, fn.Name)
	}
	for _, st := range mod.Structs() {
		sts = append(sts, st.Name)
	}
	for _, en := range mod.Enums() {
		ens = append(ens, en.Name)
	}
	sort.Strings(fns)
	sort.Strings(sts)
	sort.Strings(ens)
	return fns, sts, ens
}

func TestFailureRollsBackModule(t *testing.T) {
	mod := parse(t, `enum E { case some(f64) }

func @bad : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = enum $E, 0, %0
  switch_enum %1, case 0: bb1
bb1(%2 : f64):
  return %2
}

func @use : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @bad : $(f64) -> (f64)
  %2 = differentiable_function [wrt {0} result 0] %1
  %3 = differentiable_function_extract [original] %2
  %4 = call %3(%0)
  return %4
}
`)
	fns, sts, ens := moduleNames(mod)

	c, sink := newContext(mod, Config{})
	assert.False(t, c.Run())

	d := sink.First(diag.UnsupportedConstruct)
	require.NotNil(t, d)
	assert.NotEmpty(t, d.Notes, "indirect requests carry their invoker chain")

	afns, asts, aens := moduleNames(mod)
	assert.Equal(t, fns, afns)
	assert.Equal(t, sts, asts)
	assert.Equal(t, ens, aens)
	assert.Empty(t, c.Witnesses())
}

func TestFailureDetachesFilledMarkers(t *testing.T) {
	mod := parse(t, `enum E { case some(f64) }

func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}

func @bad : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = enum $E, 0, %0
  switch_enum %1, case 0: bb1
bb1(%2 : f64):
  return %2
}

func @useGood : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @square : $(f64) -> (f64)
  %2 = differentiable_function [wrt {0} result 0] %1
  %3 = differentiable_function_extract [original] %2
  %4 = call %3(%0)
  return %4
}

func @useBad : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @bad : $(f64) -> (f64)
  %2 = differentiable_function [wrt {0} result 0] %1
  %3 = differentiable_function_extract [original] %2
  %4 = call %3(%0)
  return %4
}
`)
	fns, _, _ := moduleNames(mod)

	c, _ := newContext(mod, Config{})
	require.False(t, c.Run())

	afns, _, _ := moduleNames(mod)
	assert.Equal(t, fns, afns)

	// The first marker filled successfully before the second failed; the
	// rollback must detach it again, not leave references to removed
	// functions.
	for _, in := range mod.Func("useGood").Entry().Instrs() {
		switch in := in.(type) {
		case *ir.DiffFuncNew:
			assert.Nil(t, in.VJP)
			assert.Nil(t, in.JVP)
		case *ir.FuncRef:
			assert.NotNil(t, mod.Func(in.Fn.Name), "dangling func_ref @%s", in.Fn.Name)
		}
	}
}

func TestNoDerivativeCallee(t *testing.T) {
	mod := parse(t, `func [no_derivative] @g : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64)
  %2 = call %1(%0)
  return %2
}
`)
	c, sink := newContext(mod, Config{})
	_, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.Error(t, err)
	assert.NotNil(t, sink.First(diag.NonDifferentiableCallee))
}

func TestOpaqueCallee(t *testing.T) {
	mod := parse(t, `func @g : $(f64) -> (f64)

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64)
  %2 = call %1(%0)
  return %2
}
`)
	c, sink := newContext(mod, Config{})
	_, err := c.Request(mod.Func("f"), ir.DiffConfig{Params: ir.Indices(0), Result: 0})
	require.Error(t, err)
	assert.NotNil(t, sink.First(diag.NonDifferentiableCallee))
}

func TestWitnessReuse(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`)
	c, _ := newContext(mod, Config{})
	cfg := ir.DiffConfig{Params: ir.Indices(0), Result: 0}
	a, err := c.Request(mod.Func("square"), cfg)
	require.NoError(t, err)
	n := len(mod.Funcs())
	b, err := c.Request(mod.Func("square"), cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, mod.Funcs(), n, "a repeated request synthesizes nothing new")
}
