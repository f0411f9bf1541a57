package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/ir"
)

func run(t *testing.T, src, fn string, args ...Value) Value {
	t.Helper()
	mod, err := ir.Parse(src, ir.NewStdOracle())
	require.NoError(t, err)
	out, err := New(mod).CallName(fn, args...)
	require.NoError(t, err)
	return out
}

func TestArithmetic(t *testing.T) {
	out := run(t, `func @f : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = mul %0, %1
  %3 = add %2, %0
  %4 = neg %3
  return %4
}
`, "f", Float(3), Float(4))
	assert.Equal(t, Float(-15), out)
}

func TestBranches(t *testing.T) {
	src := `func @abs : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  cond_br %1, bb1(), bb2()
bb1():
  %2 = neg %0
  br bb3(%2)
bb2():
  br bb3(%0)
bb3(%3 : f64):
  return %3
}
`
	assert.Equal(t, Float(-7), run(t, src, "abs", Float(7), Bool(true)))
	assert.Equal(t, Float(7), run(t, src, "abs", Float(7), Bool(false)))
}

func TestBlockArguments(t *testing.T) {
	out := run(t, `func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  br bb1(%0)
bb1(%1 : f64):
  %2 = add %1, %1
  br bb2(%2)
bb2(%3 : f64):
  return %3
}
`, "f", Float(5))
	assert.Equal(t, Float(10), out)
}

func TestIndirectConvention(t *testing.T) {
	src := `func @f : $(@in f64) -> (@out f64) {
bb0(%0 : *f64, %1 : *f64):
  %2 = load %1
  %3 = mul %2, %2
  store %3 to %0
  return
}
`
	mod, err := ir.Parse(src, nil)
	require.NoError(t, err)
	out := NewCell(nil)
	in := NewCell(Float(6))
	_, err = New(mod).CallName("f", out, in)
	require.NoError(t, err)
	assert.Equal(t, Float(36), out.Get())
}

func TestFieldAddrAliasing(t *testing.T) {
	src := `struct P { x: f64, y: f64 }

func @f : $(@in $P) -> (f64) {
bb0(%0 : *$P):
  %1 = struct_element_addr %0, 1
  %2 = const 9.0 : f64
  store %2 to %1
  %3 = load %0
  %4 = struct_extract %3, 1
  return %4
}
`
	mod, err := ir.Parse(src, nil)
	require.NoError(t, err)
	st := mod.LookupStruct("P")
	cell := NewCell(Struct{Ty: st, Fields: []Value{Float(1), Float(2)}})
	out, err := New(mod).CallName("f", cell)
	require.NoError(t, err)
	assert.Equal(t, Float(9), out, "stores through field addresses must be visible to whole loads")
}

func TestClosures(t *testing.T) {
	src := `func @mulBy : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = mul %0, %1
  return %2
}

func @f : $(f64) -> ($(f64) -> (f64)) {
bb0(%0 : f64):
  %1 = func_ref @mulBy : $(f64, f64) -> (f64)
  %2 = partial_apply %1(%0)
  return %2
}
`
	mod, err := ir.Parse(src, nil)
	require.NoError(t, err)
	it := New(mod)
	cl, err := it.CallName("f", Float(3))
	require.NoError(t, err)
	out, err := it.Call(cl, Float(5))
	require.NoError(t, err)
	assert.Equal(t, Float(15), out)
}

func TestSwitchEnum(t *testing.T) {
	src := `enum E { case none, case some(f64) }

func @f : $(@in $E) -> (f64) {
bb0(%0 : *$E):
  %1 = load %0
  switch_enum %1, case 0: bb1, case 1: bb2
bb1():
  %2 = const 0.0 : f64
  return %2
bb2(%3 : f64):
  return %3
}
`
	mod, err := ir.Parse(src, nil)
	require.NoError(t, err)
	et := mod.LookupEnum("E")
	it := New(mod)

	out, err := it.CallName("f", NewCell(Enum{Ty: et, Case: 0}))
	require.NoError(t, err)
	assert.Equal(t, Float(0), out)

	out, err = it.CallName("f", NewCell(Enum{Ty: et, Case: 1, Payload: Float(42)}))
	require.NoError(t, err)
	assert.Equal(t, Float(42), out)
}

func TestUnreachableTraps(t *testing.T) {
	mod, err := ir.Parse(`func @f : $() -> (f64) {
bb0():
  unreachable
}
`, nil)
	require.NoError(t, err)
	_, err = New(mod).CallName("f")
	assert.ErrorIs(t, err, ErrTrap)
}

func TestStepLimit(t *testing.T) {
	mod, err := ir.Parse(`func @spin : $() -> (f64) {
bb0():
  br bb1()
bb1():
  br bb1()
}
`, nil)
	require.NoError(t, err)
	it := New(mod)
	it.MaxSteps = 100
	_, err = it.CallName("spin")
	assert.ErrorContains(t, err, "step limit")
}
