package thunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/interp"
	"github.com/born-ml/gradir/internal/ir"
)

func TestReabstractIdentity(t *testing.T) {
	mod, err := ir.Parse(`func @sq : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`, nil)
	require.NoError(t, err)
	tb := NewBuilder(mod, ir.NewStdOracle())

	fn := mod.Func("sq")
	blk := fn.Entry()
	b := ir.NewBuilderBefore(blk, blk.Instrs()[1])
	ref := b.FuncRef(fn)

	same, err := tb.Reabstract(b, ref, fn.Type)
	require.NoError(t, err)
	assert.Same(t, ref, same, "matching conventions need no thunk")
	assert.Empty(t, tb.Generated)
}

func TestReabstractionThunk(t *testing.T) {
	mod, err := ir.Parse(`func @sq : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`, nil)
	require.NoError(t, err)
	tb := NewBuilder(mod, ir.NewStdOracle())

	from := mod.Func("sq").Type
	to := &ir.FunctionType{
		Params:  []ir.Param{{Type: ir.Float, Indirect: true}},
		Results: []ir.Result{{Type: ir.Float, Indirect: true}},
	}
	th, err := tb.Reabstraction(from, to)
	require.NoError(t, err)
	assert.Equal(t, ir.Private, th.Visibility)

	// Calling through the thunk must equal calling the wrapped function.
	out := interp.NewCell(nil)
	in := interp.NewCell(interp.Float(5))
	_, err = interp.New(mod).CallName(th.Name, out, in, interp.Closure{Fn: mod.Func("sq")})
	require.NoError(t, err)
	assert.Equal(t, interp.Float(25), out.Get())

	again, err := tb.Reabstraction(from, to)
	require.NoError(t, err)
	assert.Same(t, th, again, "thunks are deduplicated by signature")
}

func TestReabstractionRejectsIncompatible(t *testing.T) {
	tb := NewBuilder(ir.NewModule(), ir.NewStdOracle())
	from := ir.FuncType([]ir.Type{ir.Float}, ir.Float)
	to := ir.FuncType([]ir.Type{ir.Float, ir.Float}, ir.Float)
	_, err := tb.Reabstraction(from, to)
	assert.Error(t, err)
}

// mulDerivatives is a hand-written two-parameter derivative pair for
// f(x, y) = x * y, used as the wrapped value of subset thunks.
const mulDerivatives = `func @mulPB : $(f64, f64, f64) -> (f64, f64) {
bb0(%0 : f64, %1 : f64, %2 : f64):
  %3 = mul %0, %2
  %4 = mul %0, %1
  %5 = tuple (%3, %4)
  return %5
}

func @mulVJP : $(f64, f64) -> (f64, $(f64) -> (f64, f64)) {
bb0(%0 : f64, %1 : f64):
  %2 = mul %0, %1
  %3 = func_ref @mulPB : $(f64, f64, f64) -> (f64, f64)
  %4 = partial_apply %3(%0, %1)
  %5 = tuple (%2, %4)
  return %5
}

func @mulDF : $(f64, f64, f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64, %2 : f64, %3 : f64):
  %4 = mul %0, %3
  %5 = mul %2, %1
  %6 = add %4, %5
  return %6
}

func @mulJVP : $(f64, f64) -> (f64, $(f64, f64) -> (f64)) {
bb0(%0 : f64, %1 : f64):
  %2 = mul %0, %1
  %3 = func_ref @mulDF : $(f64, f64, f64, f64) -> (f64)
  %4 = partial_apply %3(%0, %1)
  %5 = tuple (%2, %4)
  return %5
}
`

func TestSubsetVJP(t *testing.T) {
	mod, err := ir.Parse(mulDerivatives, nil)
	require.NoError(t, err)
	tb := NewBuilder(mod, ir.NewStdOracle())

	orig := ir.FuncType([]ir.Type{ir.Float, ir.Float}, ir.Float)
	desired := ir.DiffConfig{Params: ir.Indices(0), Result: 0}
	actual := ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}
	th, err := tb.SubsetDerivative(orig, VJP, desired, actual)
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(th.Name, interp.Float(3), interp.Float(4), interp.Closure{Fn: mod.Func("mulVJP")})
	require.NoError(t, err)
	pair, ok := res.(interp.Tuple)
	require.True(t, ok)
	require.Len(t, pair, 2)
	assert.Equal(t, interp.Float(12), pair[0], "the primal result passes through")

	grad, err := it.Call(pair[1], interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(4), grad, "only the requested adjoint survives narrowing")
}

func TestSubsetJVP(t *testing.T) {
	mod, err := ir.Parse(mulDerivatives, nil)
	require.NoError(t, err)
	tb := NewBuilder(mod, ir.NewStdOracle())

	orig := ir.FuncType([]ir.Type{ir.Float, ir.Float}, ir.Float)
	desired := ir.DiffConfig{Params: ir.Indices(0), Result: 0}
	actual := ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}
	th, err := tb.SubsetDerivative(orig, JVP, desired, actual)
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(th.Name, interp.Float(3), interp.Float(4), interp.Closure{Fn: mod.Func("mulJVP")})
	require.NoError(t, err)
	pair, ok := res.(interp.Tuple)
	require.True(t, ok)
	require.Len(t, pair, 2)
	assert.Equal(t, interp.Float(12), pair[0])

	dir, err := it.Call(pair[1], interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(4), dir, "the unrequested tangent input is fed zero")
}

func TestSubsetRejectsNonSuperset(t *testing.T) {
	tb := NewBuilder(ir.NewModule(), ir.NewStdOracle())
	orig := ir.FuncType([]ir.Type{ir.Float, ir.Float}, ir.Float)
	_, err := tb.SubsetDerivative(orig, VJP,
		ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0},
		ir.DiffConfig{Params: ir.Indices(1), Result: 0})
	assert.Error(t, err)
}

func TestSubsetDeduplicated(t *testing.T) {
	mod, err := ir.Parse(mulDerivatives, nil)
	require.NoError(t, err)
	tb := NewBuilder(mod, ir.NewStdOracle())

	orig := ir.FuncType([]ir.Type{ir.Float, ir.Float}, ir.Float)
	desired := ir.DiffConfig{Params: ir.Indices(1), Result: 0}
	actual := ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}

	a, err := tb.SubsetDerivative(orig, VJP, desired, actual)
	require.NoError(t, err)
	n := len(tb.Generated)
	b, err := tb.SubsetDerivative(orig, VJP, desired, actual)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, tb.Generated, n, "a cache hit creates no new thunks")
}
