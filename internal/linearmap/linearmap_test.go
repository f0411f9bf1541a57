package linearmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/activity"
	"github.com/born-ml/gradir/internal/ir"
)

func layout(t *testing.T, src string, cfg ir.DiffConfig, kind Kind) (*ir.Function, *Layout) {
	t.Helper()
	mod, err := ir.Parse(src, ir.NewStdOracle())
	require.NoError(t, err)
	fns := mod.Funcs()
	fn := fns[len(fns)-1]
	oracle := ir.NewStdOracle()
	act := activity.Analyze(fn, cfg, oracle)
	l, err := Build(fn, cfg, act, kind, oracle)
	require.NoError(t, err)
	return fn, l
}

func TestStraightLineLayout(t *testing.T) {
	fn, l := layout(t, `func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = mul %0, %0
  %2 = add %1, %0
  %3 = const 2.0 : f64
  %4 = div %2, %3
  return %4
}
`, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, Pullback)

	st := l.StructOf(fn.Entry().ID())
	require.NotNil(t, st)
	assert.True(t, st.Private)
	assert.Equal(t, "_AD__f_PB__bb0", st.Name)
	// mul and div bank their primal operands; add is linear and the
	// const contributes nothing.
	require.Len(t, st.Fields, 2)
	assert.Equal(t, "primal_0", st.Fields[0].Name)
	assert.Equal(t, "primal_3", st.Fields[1].Name)
	for _, f := range st.Fields {
		assert.True(t, f.NoDerivative)
		assert.True(t, ir.Equal(f.Type, ir.TupleOf(ir.Float, ir.Float)))
	}

	instrs := fn.Entry().Instrs()
	assert.Equal(t, 0, l.FieldIndexOf(instrs[0]))
	assert.Equal(t, -1, l.FieldIndexOf(instrs[1]))
	assert.Equal(t, 1, l.FieldIndexOf(instrs[3]))

	assert.Nil(t, l.TraceOf(fn.Entry().ID()), "the entry block has no trace")
	assert.Equal(t, -1, l.TraceFieldIndex(fn.Entry().ID()))
}

func TestBranchTraces(t *testing.T) {
	fn, l := layout(t, `func @f : $(f64, i1) -> (f64) {
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
`, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, Pullback)

	join := ir.BlockID(3)
	tr := l.TraceOf(join)
	require.NotNil(t, tr)
	require.Len(t, tr.Cases, 2)
	assert.Equal(t, "pred1", tr.Cases[0].Name)
	assert.Equal(t, "pred2", tr.Cases[1].Name)
	assert.Same(t, l.StructOf(ir.BlockID(1)), tr.Cases[0].Payload)
	assert.Same(t, l.StructOf(ir.BlockID(2)), tr.Cases[1].Payload)
	assert.False(t, tr.Cases[0].Boxed)
	assert.False(t, tr.Cases[1].Boxed)

	assert.Equal(t, 0, l.CaseIndex(ir.BlockID(1), join))
	assert.Equal(t, 1, l.CaseIndex(ir.BlockID(2), join))
	assert.Equal(t, -1, l.CaseIndex(fn.Entry().ID(), join))

	// A non-entry struct leads with its trace, excluded from the tangent.
	st := l.StructOf(join)
	require.NotEmpty(t, st.Fields)
	assert.Equal(t, 0, l.TraceFieldIndex(join))
	assert.Equal(t, "trace", st.Fields[0].Name)
	assert.True(t, st.Fields[0].NoDerivative)
	assert.Same(t, ir.Type(tr), st.Fields[0].Type)
}

func TestLoopBackEdgeBoxed(t *testing.T) {
	_, l := layout(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  br bb1(%0)
bb1(%2 : f64):
  %3 = mul %2, %2
  cond_br %1, bb1(%3), bb2(%3)
bb2(%4 : f64):
  return %4
}
`, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, Pullback)

	head := ir.BlockID(1)
	tr := l.TraceOf(head)
	require.NotNil(t, tr)
	require.Len(t, tr.Cases, 2)

	forward := l.CaseIndex(ir.BlockID(0), head)
	back := l.CaseIndex(head, head)
	require.NotEqual(t, -1, forward)
	require.NotEqual(t, -1, back)
	assert.False(t, tr.Cases[forward].Boxed)
	assert.True(t, tr.Cases[back].Boxed, "a trace case reached along a back edge must box its payload")
}

func TestCallConfig(t *testing.T) {
	mod, err := ir.Parse(`func @g : $(f64, f64) -> (f64)

func @f : $(f64, f64) -> (f64) {
bb0(%0 : f64, %1 : f64):
  %2 = func_ref @g : $(f64, f64) -> (f64)
  %3 = const 3.0 : f64
  %4 = call %2(%0, %3)
  return %4
}
`, nil)
	require.NoError(t, err)
	fn := mod.Func("f")
	act := activity.Analyze(fn, ir.DiffConfig{Params: ir.Indices(0, 1), Result: 0}, ir.NewStdOracle())
	call := fn.Entry().Instrs()[2].(*ir.Call)

	cfg, need := CallConfig(call, act)
	require.True(t, need)
	assert.Equal(t, ir.Indices(0), cfg.Params, "only the active argument position joins the callee config")
	assert.Equal(t, 0, cfg.Result)
}

func TestCallFieldType(t *testing.T) {
	fn, l := layout(t, `func @g : $(f64) -> (f64)

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64)
  %2 = call %1(%0)
  return %2
}
`, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, Pullback)

	st := l.StructOf(fn.Entry().ID())
	require.Len(t, st.Fields, 1)
	assert.Equal(t, "pullback_1", st.Fields[0].Name)
	assert.Equal(t, "$(f64) -> (f64)", st.Fields[0].Type.String())

	call := fn.Entry().Instrs()[1].(*ir.Call)
	cfg, ok := l.CalleeConfig(call)
	require.True(t, ok)
	assert.Equal(t, ir.Indices(0), cfg.Params)
}

func TestDifferentialKind(t *testing.T) {
	fn, l := layout(t, `func @g : $(f64) -> (f64)

func @f : $(f64) -> (f64) {
bb0(%0 : f64):
  %1 = func_ref @g : $(f64) -> (f64)
  %2 = call %1(%0)
  return %2
}
`, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, Differential)

	assert.Equal(t, Differential, l.Kind())
	st := l.StructOf(fn.Entry().ID())
	require.Len(t, st.Fields, 1)
	assert.Equal(t, "differential_1", st.Fields[0].Name)
	assert.Equal(t, "_AD__f_DF__bb0", st.Name)
}

func TestDiscard(t *testing.T) {
	fn, l := layout(t, `func @f : $(f64, i1) -> (f64) {
bb0(%0 : f64, %1 : i1):
  cond_br %1, bb1(%0), bb1(%0)
bb1(%2 : f64):
  return %2
}
`, ir.DiffConfig{Params: ir.Indices(0), Result: 0}, Pullback)

	mod := fn.Module()
	require.NotNil(t, mod.LookupStruct("_AD__f_PB__bb0"))
	l.Discard()
	assert.Nil(t, mod.LookupStruct("_AD__f_PB__bb0"))
	assert.Nil(t, mod.LookupStruct("_AD__f_PB__bb1"))
	assert.Nil(t, mod.LookupEnum("_AD__f_TracePB__bb1"))
}
