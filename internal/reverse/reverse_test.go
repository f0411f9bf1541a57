package reverse

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/interp"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/thunk"
)

// noCalls is a Resolver for functions without active calls.
type noCalls struct{}

func (noCalls) CalleeVJP(*ir.Builder, *ir.Call, *ir.Value, ir.DiffConfig) (*ir.Value, error) {
	return nil, errors.New("unexpected active call")
}

// refResolver resolves every active callee to a fixed hand-written VJP.
type refResolver struct{ vjp *ir.Function }

func (r refResolver) CalleeVJP(b *ir.Builder, _ *ir.Call, _ *ir.Value, _ ir.DiffConfig) (*ir.Value, error) {
	return b.FuncRef(r.vjp), nil
}

func emitVJP(t *testing.T, mod *ir.Module, name string, cfg ir.DiffConfig, r Resolver) (*ir.Function, error) {
	t.Helper()
	fn := mod.Func(name)
	require.NotNil(t, fn)
	oracle := ir.NewStdOracle()
	vjpT, err := ir.VJPType(fn.Type, cfg, oracle)
	require.NoError(t, err)
	vjp := mod.MustNewFunc(mod.UniqueFuncName("_AD__"+name+"_VJP"), vjpT)
	_, err = Emit(fn, cfg, vjp, oracle, thunk.NewBuilder(mod, oracle), r)
	return vjp, err
}

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	mod, err := ir.Parse(src, ir.NewStdOracle())
	require.NoError(t, err)
	return mod
}

func pullbackOf(t *testing.T, res interp.Value, nresults int) (interp.Tuple, interp.Value) {
	t.Helper()
	tup, ok := res.(interp.Tuple)
	if !ok {
		require.Equal(t, 0, nresults)
		return nil, res
	}
	require.Len(t, tup, nresults+1)
	return tup[:nresults], tup[nresults]
}

func TestSquare(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`)
	vjp, err := emitVJP(t, mod, "square", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Float(3))
	require.NoError(t, err)
	prim, pb := pullbackOf(t, res, 1)
	assert.Equal(t, interp.Float(9), prim[0])

	grad, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(6), grad)

	// Pullbacks are linear in the seed.
	grad2, err := it.Call(pb, interp.Float(2))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(12), grad2)
}

func TestLinearOps(t *testing.T) {
	mod := parse(t, `func @f : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = sub %0, %1
  %3 = neg %2
  return %3
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Float(5), interp.Float(2))
	require.NoError(t, err)
	prim, pb := pullbackOf(t, res, 1)
	assert.Equal(t, interp.Float(-3), prim[0])

	grads, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	pair, ok := grads.(interp.Tuple)
	require.True(t, ok)
	assert.Equal(t, interp.Float(-1), pair[0])
	assert.Equal(t, interp.Float(1), pair[1])
}

func TestDivQuotientRule(t *testing.T) {
	mod := parse(t, `func @f : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = div %0, %1
  return %2
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Float(8), interp.Float(2))
	require.NoError(t, err)
	prim, pb := pullbackOf(t, res, 1)
	assert.Equal(t, interp.Float(4), prim[0])

	grads, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	pair := grads.(interp.Tuple)
	assert.InDelta(t, 0.5, float64(pair[0].(interp.Float)), 1e-12)
	assert.InDelta(t, -2.0, float64(pair[1].(interp.Float)), 1e-12)
}

func TestFanOutAccumulates(t *testing.T) {
	// f(x) = x*x + x: the adjoint of x receives contributions from both
	// uses and they must sum.
	mod := parse(t, `func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  %2 = add %1, %0
  return %2
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Float(3))
	require.NoError(t, err)
	_, pb := pullbackOf(t, res, 1)
	grad, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(7), grad)
}

func TestBranches(t *testing.T) {
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
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	for _, tc := range []struct {
		cond bool
		x    float64
		want float64
	}{
		{true, 3, 6},
		{false, 3, 1},
	} {
		res, err := it.CallName(vjp.Name, interp.Float(tc.x), interp.Bool(tc.cond))
		require.NoError(t, err)
		_, pb := pullbackOf(t, res, 1)
		grad, err := it.Call(pb, interp.Float(1))
		require.NoError(t, err)
		assert.Equal(t, interp.Float(tc.want), grad, "cond=%v", tc.cond)
	}
}

// A value defined in the entry block and used past a join must keep its
// adjoint contribution across the branch.
func TestEntryValueUsedAfterJoin(t *testing.T) {
	mod := parse(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  %2 = mul %0, %0
  cond_br %1, bb1(), bb2()
bb1():
  br bb3()
bb2():
  br bb3()
bb3():
  %3 = mul %2, %0
  return %3
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	for _, cond := range []bool{true, false} {
		res, err := it.CallName(vjp.Name, interp.Float(3), interp.Bool(cond))
		require.NoError(t, err)
		prim, pb := pullbackOf(t, res, 1)
		assert.Equal(t, interp.Float(27), prim[0])
		grad, err := it.Call(pb, interp.Float(1))
		require.NoError(t, err)
		assert.Equal(t, interp.Float(27), grad, "cond=%v", cond)
	}
}

func TestLoopShapedFlow(t *testing.T) {
	mod := parse(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  br bb1(%0)
bb1(%2 : f64):
  %3 = mul %2, %2
  cond_br %1, bb1(%3), bb2(%3)
bb2(%4 : f64):
  return %4
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Float(3), interp.Bool(false))
	require.NoError(t, err)
	prim, pb := pullbackOf(t, res, 1)
	assert.Equal(t, interp.Float(9), prim[0])
	grad, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(6), grad)
}

func TestIndirectConvention(t *testing.T) {
	mod := parse(t, `func @f : $(@in f64) -> (@out f64) {
bb0(%0 : *f64, %1 : *f64):
  %2 = load %1
  %3 = mul %2, %2
  store %3 to %0
  return
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	out := interp.NewCell(nil)
	res, err := it.CallName(vjp.Name, out, interp.NewCell(interp.Float(4)))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(16), out.Get())

	_, pb := pullbackOf(t, res, 0)
	adjOut := interp.NewCell(nil)
	_, err = it.Call(pb, adjOut, interp.NewCell(interp.Float(1)))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(8), adjOut.Get())
}

func TestActiveCall(t *testing.T) {
	mod := parse(t, `func @gPB : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = add %1, %1
  %3 = mul %0, %2
  return %3
}

func @gVJP : $(f64) -> (f64, $(f64) -> (f64)) {
bb0(%0 : f64):
  %1 = mul %0, %0
  %2 = func_ref @gPB : $(f64, f64) -> (f64)
  %3 = partial_apply %2(%0)
  %4 = tuple (%1, %3)
  return %4
}

func @g : $(f64) -> (f64) {
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
	r := refResolver{vjp: mod.Func("gVJP")}
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, r)
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Float(3))
	require.NoError(t, err)
	prim, pb := pullbackOf(t, res, 1)
	assert.Equal(t, interp.Float(12), prim[0])
	grad, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(7), grad, "d/dx (g(x) + x) with g = square")
}

func TestStructArithmetic(t *testing.T) {
	mod := parse(t, `struct P { x: f64, y: f64 }

func @f : $($P) -> (f64) {
bb0(%0 : $P):
  %1 = struct_extract %0, 0
  %2 = struct_extract %0, 1
  %3 = mul %1, %2
  return %3
}
`)
	vjp, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	st := mod.LookupStruct("P")
	it := interp.New(mod)
	res, err := it.CallName(vjp.Name, interp.Struct{Ty: st, Fields: []interp.Value{interp.Float(3), interp.Float(5)}})
	require.NoError(t, err)
	prim, pb := pullbackOf(t, res, 1)
	assert.Equal(t, interp.Float(15), prim[0])

	grad, err := it.Call(pb, interp.Float(1))
	require.NoError(t, err)
	gs, ok := grad.(interp.Struct)
	require.True(t, ok)
	assert.Equal(t, interp.Float(5), gs.Fields[0])
	assert.Equal(t, interp.Float(3), gs.Fields[1])
}

func TestRejectsNoReturn(t *testing.T) {
	mod := parse(t, `func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  unreachable
}
`)
	_, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	var de *diag.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, diag.StructuralUnsupported, de.D.Kind)
}

func TestRejectsActiveEnumPayload(t *testing.T) {
	mod := parse(t, `enum E { case some(f64) }

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = enum $E, 0, %0
  switch_enum %1, case 0: bb1
bb1(%2 : f64):
  return %2
}
`)
	_, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	var de *diag.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, diag.UnsupportedConstruct, de.D.Kind)
}

func TestRejectsMultiResultActiveCall(t *testing.T) {
	mod := parse(t, `func @g : $(f64) -> (f64, f64)

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64, f64)
  %2 = call %1(%0)
  %3 = tuple_extract %2, 0
  return %3
}
`)
	_, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	var de *diag.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, diag.UnsupportedConstruct, de.D.Kind)
}

func TestFailureLeavesNoDebris(t *testing.T) {
	mod := parse(t, `enum E { case some(f64) }

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = enum $E, 0, %0
  switch_enum %1, case 0: bb1
bb1(%2 : f64):
  return %2
}
`)
	_, err := emitVJP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.Error(t, err)

	for _, fn := range mod.Funcs() {
		assert.NotContains(t, fn.Name, "_PB__", "failed runs must remove their pullback")
	}
	for _, st := range mod.Structs() {
		assert.False(t, strings.HasPrefix(st.Name, "_AD__f_PB"), "failed runs must discard layout structs")
	}
}
