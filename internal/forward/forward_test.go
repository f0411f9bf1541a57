package forward

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/interp"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/thunk"
)

type noCalls struct{}

func (noCalls) CalleeJVP(*ir.Builder, *ir.Call, *ir.Value, ir.DiffConfig) (*ir.Value, error) {
	return nil, errors.New("unexpected active call")
}

type refResolver struct{ jvp *ir.Function }

func (r refResolver) CalleeJVP(b *ir.Builder, _ *ir.Call, _ *ir.Value, _ ir.DiffConfig) (*ir.Value, error) {
	return b.FuncRef(r.jvp), nil
}

func emitJVP(t *testing.T, mod *ir.Module, name string, cfg ir.DiffConfig, r Resolver) (*ir.Function, error) {
	t.Helper()
	fn := mod.Func(name)
	require.NotNil(t, fn)
	oracle := ir.NewStdOracle()
	jvpT, err := ir.JVPType(fn.Type, cfg, oracle)
	require.NoError(t, err)
	jvp := mod.MustNewFunc(mod.UniqueFuncName("_AD__"+name+"_JVP"), jvpT)
	_, err = Emit(fn, cfg, jvp, oracle, thunk.NewBuilder(mod, oracle), r)
	return jvp, err
}

func parse(t *testing.T, src string) *ir.Module {
	t.Helper()
	mod, err := ir.Parse(src, ir.NewStdOracle())
	require.NoError(t, err)
	return mod
}

func TestSquare(t *testing.T) {
	mod := parse(t, `func @square : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  return %1
}
`)
	jvp, err := emitJVP(t, mod, "square", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(jvp.Name, interp.Float(3))
	require.NoError(t, err)
	pair, ok := res.(interp.Tuple)
	require.True(t, ok)
	require.Len(t, pair, 2)
	assert.Equal(t, interp.Float(9), pair[0])

	// The differential is linear in the input tangent.
	d, err := it.Call(pair[1], interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(6), d)
	d, err = it.Call(pair[1], interp.Float(10))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(60), d)
}

func TestTwoParams(t *testing.T) {
	mod := parse(t, `func @f : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = mul %0, %1
  %3 = add %2, %0
  return %3
}
`)
	jvp, err := emitJVP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(jvp.Name, interp.Float(3), interp.Float(4))
	require.NoError(t, err)
	pair := res.(interp.Tuple)
	assert.Equal(t, interp.Float(15), pair[0])

	// df = (y + 1) dx + x dy.
	d, err := it.Call(pair[1], interp.Float(1), interp.Float(0))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(5), d)
	d, err = it.Call(pair[1], interp.Float(0), interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(3), d)
}

func TestQuotient(t *testing.T) {
	mod := parse(t, `func @f : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = div %0, %1
  return %2
}
`)
	jvp, err := emitJVP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(jvp.Name, interp.Float(8), interp.Float(2))
	require.NoError(t, err)
	pair := res.(interp.Tuple)
	assert.Equal(t, interp.Float(4), pair[0])

	d, err := it.Call(pair[1], interp.Float(1), interp.Float(0))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, float64(d.(interp.Float)), 1e-12)
	d, err = it.Call(pair[1], interp.Float(0), interp.Float(1))
	require.NoError(t, err)
	assert.InDelta(t, -2.0, float64(d.(interp.Float)), 1e-12)
}

func TestActiveCall(t *testing.T) {
	mod := parse(t, `func @gDF : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = add %1, %1
  %3 = mul %0, %2
  return %3
}

func @gJVP : $(f64) -> (f64, $(f64) -> (f64)) {
bb0(%0 : f64):
  %1 = mul %0, %0
  %2 = func_ref @gDF : $(f64, f64) -> (f64)
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
	r := refResolver{jvp: mod.Func("gJVP")}
	jvp, err := emitJVP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, r)
	require.NoError(t, err)

	it := interp.New(mod)
	res, err := it.CallName(jvp.Name, interp.Float(3))
	require.NoError(t, err)
	pair := res.(interp.Tuple)
	assert.Equal(t, interp.Float(12), pair[0])
	d, err := it.Call(pair[1], interp.Float(1))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(7), d)
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
	jvp, err := emitJVP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.NoError(t, err)

	it := interp.New(mod)
	out := interp.NewCell(nil)
	res, err := it.CallName(jvp.Name, out, interp.NewCell(interp.Float(4)))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(16), out.Get())

	dfOut := interp.NewCell(nil)
	_, err = it.Call(res, dfOut, interp.NewCell(interp.Float(1)))
	require.NoError(t, err)
	assert.Equal(t, interp.Float(8), dfOut.Get())
}

func TestRejectsControlFlow(t *testing.T) {
	mod := parse(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  cond_br %1, bb1(%0), bb1(%0)
bb1(%2 : f64):
  return %2
}
`)
	_, err := emitJVP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	var de *diag.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, diag.StructuralUnsupported, de.D.Kind)
}

func TestStub(t *testing.T) {
	mod := parse(t, `func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  return %0
}
`)
	oracle := ir.NewStdOracle()
	jvpT, err := ir.JVPType(mod.Func("f").Type, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, oracle)
	require.NoError(t, err)
	jvp := mod.MustNewFunc("_AD__f_JVP_stub", jvpT)
	EmitStub(jvp)

	require.Len(t, jvp.Blocks(), 1)
	_, err = interp.New(mod).CallName(jvp.Name, interp.Float(1))
	assert.ErrorIs(t, err, interp.ErrTrap)
}

func TestFailureLeavesNoDebris(t *testing.T) {
	mod := parse(t, `func @g : $(f64) -> (f64, f64)

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64, f64)
  %2 = call %1(%0)
  %3 = tuple_extract %2, 0
  return %3
}
`)
	before := len(mod.Funcs())
	_, err := emitJVP(t, mod, "f", ir.DiffConfig{Params: ir.Indices(0), Result: 0}, noCalls{})
	require.Error(t, err)
	// Only the caller-owned JVP shell may remain.
	assert.Len(t, mod.Funcs(), before+1)
	for _, fn := range mod.Funcs() {
		assert.NotContains(t, fn.Name, "_DF__")
	}
}
