package adjoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/gradir/internal/interp"
	"github.com/born-ml/gradir/internal/ir"
)

// scratch builds an empty function with all-direct float parameters and a
// single object result, plus an accumulator emitting into its entry block.
func scratch(t *testing.T, nparams int, result ir.Type) (*ir.Module, *ir.Builder, *Accumulator) {
	t.Helper()
	mod := ir.NewModule()
	params := make([]ir.Type, nparams)
	for i := range params {
		params[i] = ir.Float
	}
	fn := mod.MustNewFunc("scratch", ir.FuncType(params, result))
	blk := fn.NewBlock()
	for range params {
		blk.AddParam(ir.Float, "")
	}
	b := ir.NewBuilder(blk)
	b.Oracle = ir.NewStdOracle()
	ac := &Accumulator{Arena: NewArena(), B: b, Oracle: b.Oracle}
	return mod, b, ac
}

func runScratch(t *testing.T, mod *ir.Module, args ...interp.Value) interp.Value {
	t.Helper()
	out, err := interp.New(mod).CallName("scratch", args...)
	require.NoError(t, err)
	return out
}

func TestZeroIsIdentity(t *testing.T) {
	_, b, ac := scratch(t, 1, ir.Float)
	x := ac.Arena.Concrete(b.Block().Func().ParamValue(0))

	before := len(b.Block().Instrs())
	sum := ac.Accumulate(ac.Arena.Zero(ir.Float), x)
	assert.Equal(t, KindConcrete, sum.Kind())
	assert.Len(t, b.Block().Instrs(), before, "zero plus concrete must not emit IR")

	sum = ac.Accumulate(sum, ac.Arena.Zero(ir.Float))
	assert.Equal(t, KindConcrete, sum.Kind())
	assert.Len(t, b.Block().Instrs(), before)
}

func TestAccumulateFloats(t *testing.T) {
	mod, b, ac := scratch(t, 2, ir.Float)
	fn := b.Block().Func()
	sum := ac.Accumulate(ac.Arena.Concrete(fn.ParamValue(0)), ac.Arena.Concrete(fn.ParamValue(1)))
	b.Return(ac.Materialize(sum))

	out := runScratch(t, mod, interp.Float(2), interp.Float(3))
	assert.Equal(t, interp.Float(5), out)
}

func TestAccumulateOrderIndependent(t *testing.T) {
	for name, flip := range map[string]bool{"lhs": false, "rhs": true} {
		t.Run(name, func(t *testing.T) {
			mod, b, ac := scratch(t, 2, ir.Float)
			fn := b.Block().Func()
			x := ac.Arena.Concrete(fn.ParamValue(0))
			y := ac.Arena.Concrete(fn.ParamValue(1))
			var sum *Value
			if flip {
				sum = ac.Accumulate(y, x)
			} else {
				sum = ac.Accumulate(x, y)
			}
			b.Return(ac.Materialize(sum))
			assert.Equal(t, interp.Float(7), runScratch(t, mod, interp.Float(3), interp.Float(4)))
		})
	}
}

func TestAccumulateAggregateMix(t *testing.T) {
	st := &ir.StructType{Name: "Grad", Fields: []ir.StructField{
		{Name: "a", Type: ir.Float},
		{Name: "b", Type: ir.Float},
	}}

	mod, b, ac := scratch(t, 2, st)
	mod.DeclareStruct(st)
	fn := b.Block().Func()

	// A concrete struct on one side, a partially symbolic aggregate on
	// the other: only the "a" component needs an add.
	whole := ac.Arena.Concrete(b.StructNew(st, fn.ParamValue(0), fn.ParamValue(1)))
	partial := ac.Arena.Aggregate(st, []*Value{
		ac.Arena.Concrete(b.Float(10)),
		ac.Arena.Zero(ir.Float),
	})
	b.Return(ac.Materialize(ac.Accumulate(whole, partial)))

	out := runScratch(t, mod, interp.Float(1), interp.Float(2))
	res, ok := out.(interp.Struct)
	require.True(t, ok)
	assert.Equal(t, interp.Float(11), res.Fields[0])
	assert.Equal(t, interp.Float(2), res.Fields[1])
}

func TestExplode(t *testing.T) {
	tt := ir.TupleOf(ir.Float, ir.Float)
	_, b, ac := scratch(t, 1, ir.Float)

	before := len(b.Block().Instrs())
	elems := ac.Explode(ac.Arena.Zero(tt))
	require.Len(t, elems, 2)
	assert.True(t, elems[0].IsZero())
	assert.True(t, elems[1].IsZero())
	assert.Len(t, b.Block().Instrs(), before, "exploding a symbolic zero must not emit IR")

	conc := ac.Arena.Concrete(b.Tuple(b.Float(1), b.Float(2)))
	elems = ac.Explode(conc)
	require.Len(t, elems, 2)
	assert.Equal(t, KindConcrete, elems[0].Kind())
}

func TestIsZero(t *testing.T) {
	_, b, ac := scratch(t, 1, ir.Float)
	tt := ir.TupleOf(ir.Float, ir.Float)

	assert.True(t, ac.Arena.Zero(ir.Float).IsZero())
	nested := ac.Arena.Aggregate(tt, []*Value{ac.Arena.Zero(ir.Float), ac.Arena.Zero(ir.Float)})
	assert.True(t, nested.IsZero())

	mixed := ac.Arena.Aggregate(tt, []*Value{ac.Arena.Zero(ir.Float), ac.Arena.Concrete(b.Float(1))})
	assert.False(t, mixed.IsZero())
}

func TestMoveOnly(t *testing.T) {
	_, _, ac := scratch(t, 1, ir.Float)
	z := ac.Arena.Zero(ir.Float)
	_ = ac.Materialize(z)
	assert.Panics(t, func() { ac.Materialize(z) })
}

func TestEmitZeroAggregate(t *testing.T) {
	st := &ir.StructType{Name: "Z", Fields: []ir.StructField{
		{Name: "x", Type: ir.Float},
		{Name: "ys", Type: ir.TupleOf(ir.Float, ir.Float)},
	}}
	mod, b, ac := scratch(t, 1, st)
	mod.DeclareStruct(st)
	b.Return(ac.EmitZero(st))

	out := runScratch(t, mod, interp.Float(9))
	res, ok := out.(interp.Struct)
	require.True(t, ok)
	assert.Equal(t, interp.Float(0), res.Fields[0])
	assert.Equal(t, interp.Tuple{interp.Float(0), interp.Float(0)}, res.Fields[1])
}

func TestAccumulateInBuffer(t *testing.T) {
	mod, b, ac := scratch(t, 2, ir.Float)
	fn := b.Block().Func()

	buf := b.Alloc(ir.Float)
	ac.EmitZeroInto(buf)
	ac.AccumulateInBuffer(buf, ac.Arena.Concrete(fn.ParamValue(0)))
	ac.AccumulateInBuffer(buf, ac.Arena.Zero(ir.Float))
	ac.AccumulateInBuffer(buf, ac.Arena.Concrete(fn.ParamValue(1)))
	total := b.Load(buf)
	b.Dealloc(buf)
	b.Return(total)

	assert.Equal(t, interp.Float(6), runScratch(t, mod, interp.Float(2), interp.Float(4)))
}
