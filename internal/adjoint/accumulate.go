package adjoint

import (
	"fmt"

	"github.com/born-ml/gradir/internal/ir"
)

// Accumulator combines and materializes adjoints, emitting any needed IR
// through its builder. One accumulator serves one emitter run; it shares
// the run's arena.
type Accumulator struct {
	Arena  *Arena
	B      *ir.Builder
	Oracle ir.Oracle
}

// Accumulate combines two adjoints of the same tangent type. Both operands
// are consumed. Symbolic zeros combine without emitting IR; concrete leaves
// combine with the type's additive combine (float add); any aggregate mix
// decomposes structurally and recurses elementwise.
//
// The result is order-independent in final totals: callers may fold a list
// of adjoints in any fixed order.
func (ac *Accumulator) Accumulate(lhs, rhs *Value) *Value {
	if lhs.IsZero() {
		lhs.consume()
		return rhs
	}
	if rhs.IsZero() {
		rhs.consume()
		return lhs
	}
	switch {
	case lhs.kind == KindConcrete && rhs.kind == KindConcrete:
		if ir.Equal(lhs.typ, ir.Float) {
			l, r := lhs.Concrete(), rhs.Concrete()
			lhs.consume()
			rhs.consume()
			return ac.Arena.Concrete(ac.B.Add(l, r))
		}
		return ac.Accumulate(ac.decompose(lhs), rhs)

	case lhs.kind == KindAggregate && rhs.kind == KindAggregate:
		le, re := lhs.Elems(), rhs.Elems()
		if len(le) != len(re) {
			panic(fmt.Sprintf("adjoint: aggregate arity mismatch %d vs %d", len(le), len(re)))
		}
		lhs.consume()
		rhs.consume()
		elems := make([]*Value, len(le))
		for i := range le {
			elems[i] = ac.Accumulate(le[i], re[i])
		}
		return ac.Arena.Aggregate(lhs.typ, elems)

	case lhs.kind == KindAggregate:
		return ac.Accumulate(lhs, ac.decompose(rhs))

	default:
		return ac.Accumulate(ac.decompose(lhs), rhs)
	}
}

// decompose rewrites a concrete aggregate-typed adjoint into an Aggregate
// of concrete element adjoints.
func (ac *Accumulator) decompose(v *Value) *Value {
	if v.kind != KindConcrete {
		panic("adjoint: decompose of non-concrete value")
	}
	cv := v.Concrete()
	v.consume()
	switch t := v.typ.(type) {
	case *ir.StructType:
		elems := make([]*Value, len(t.Fields))
		for i := range t.Fields {
			elems[i] = ac.Arena.Concrete(ac.B.FieldExtract(cv, i))
		}
		return ac.Arena.Aggregate(t, elems)
	case *ir.TupleType:
		elems := make([]*Value, len(t.Elems))
		for i := range t.Elems {
			elems[i] = ac.Arena.Concrete(ac.B.TupleExtract(cv, i))
		}
		return ac.Arena.Aggregate(t, elems)
	default:
		panic(fmt.Sprintf("adjoint: cannot decompose type %s", v.typ))
	}
}

// Explode splits an adjoint of aggregate tangent type into its element
// adjoints in declaration order, consuming it. A symbolic zero explodes
// into symbolic zero elements without emitting IR.
func (ac *Accumulator) Explode(v *Value) []*Value {
	v.check()
	switch v.kind {
	case KindZero:
		elems := aggregateElems(v.typ)
		v.consume()
		out := make([]*Value, len(elems))
		for i, t := range elems {
			out[i] = ac.Arena.Zero(t)
		}
		return out
	case KindAggregate:
		out := v.Elems()
		v.consume()
		return out
	default:
		d := ac.decompose(v)
		out := d.Elems()
		d.consume()
		return out
	}
}

func aggregateElems(t ir.Type) []ir.Type {
	switch t := t.(type) {
	case *ir.StructType:
		out := make([]ir.Type, len(t.Fields))
		for i, f := range t.Fields {
			out[i] = f.Type
		}
		return out
	case *ir.TupleType:
		return t.Elems
	default:
		panic(fmt.Sprintf("adjoint: explode of non-aggregate type %s", t))
	}
}

// EmitZero materializes the additive identity of a tangent type.
func (ac *Accumulator) EmitZero(t ir.Type) *ir.Value {
	switch t := t.(type) {
	case *ir.FloatType:
		return ac.B.Float(0)
	case *ir.StructType:
		fields := make([]*ir.Value, len(t.Fields))
		for i, f := range t.Fields {
			fields[i] = ac.EmitZero(f.Type)
		}
		return ac.B.StructNew(t, fields...)
	case *ir.TupleType:
		elems := make([]*ir.Value, len(t.Elems))
		for i, e := range t.Elems {
			elems[i] = ac.EmitZero(e)
		}
		return ac.B.Tuple(elems...)
	default:
		panic(fmt.Sprintf("adjoint: no additive identity for type %s", t))
	}
}

// EmitZeroInto zero-fills the buffer at addr, elementwise for aggregates.
func (ac *Accumulator) EmitZeroInto(addr *ir.Value) {
	elem := addr.Type().(*ir.AddressType).Elem
	ac.B.Store(ac.EmitZero(elem), addr)
}

// Materialize forces the adjoint into a single object-kind IR value,
// consuming it.
func (ac *Accumulator) Materialize(v *Value) *ir.Value {
	v.check()
	switch v.kind {
	case KindZero:
		v.consume()
		return ac.EmitZero(v.typ)
	case KindConcrete:
		cv := v.concrete
		v.consume()
		return cv
	default:
		elems := v.Elems()
		v.consume()
		mats := make([]*ir.Value, len(elems))
		for i, e := range elems {
			mats[i] = ac.Materialize(e)
		}
		switch t := v.typ.(type) {
		case *ir.StructType:
			return ac.B.StructNew(t, mats...)
		case *ir.TupleType:
			return ac.B.Tuple(mats...)
		default:
			panic(fmt.Sprintf("adjoint: aggregate of non-aggregate type %s", v.typ))
		}
	}
}

// MaterializeInto forces the adjoint into the buffer at addr, consuming
// it.
func (ac *Accumulator) MaterializeInto(v *Value, addr *ir.Value) {
	ac.B.Store(ac.Materialize(v), addr)
}

// AccumulateInBuffer adds the adjoint into the running total held in the
// buffer at addr, consuming the adjoint. The buffer must be initialized.
func (ac *Accumulator) AccumulateInBuffer(addr *ir.Value, v *Value) {
	if v.IsZero() {
		v.consume()
		return
	}
	cur := ac.Arena.Concrete(ac.B.Load(addr))
	sum := ac.Accumulate(cur, v)
	ac.B.Store(ac.Materialize(sum), addr)
}
