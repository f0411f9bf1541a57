// Package adjoint implements symbolic adjoint/tangent values.
//
// Adjoints are a tagged union Zero | Concrete | Aggregate, allocated from
// an arena scoped to one emitter run. Zero adjoints stay symbolic until a
// consumer forces materialization, so a function whose gradient is mostly
// zero never emits the zeros. Values are move-only: accumulation consumes
// both operands, and a consumed value must not be touched again.
package adjoint

import (
	"fmt"

	"github.com/born-ml/gradir/internal/ir"
)

// Kind discriminates the union.
type Kind int

const (
	// KindZero is a symbolic additive identity of some tangent type.
	KindZero Kind = iota
	// KindConcrete wraps a materialized IR value.
	KindConcrete
	// KindAggregate is a product of element adjoints, mirroring a struct or
	// tuple tangent layout.
	KindAggregate
)

// Value is one symbolic adjoint. Never construct directly; use an Arena.
type Value struct {
	kind     Kind
	typ      ir.Type // tangent type this adjoint inhabits
	concrete *ir.Value
	elems    []*Value
	consumed bool
}

// Kind returns the union tag.
func (v *Value) Kind() Kind { return v.kind }

// Type returns the tangent type the adjoint inhabits.
func (v *Value) Type() ir.Type { return v.typ }

// Concrete returns the wrapped IR value of a KindConcrete adjoint.
func (v *Value) Concrete() *ir.Value {
	v.check()
	if v.kind != KindConcrete {
		panic("adjoint: Concrete on non-concrete value")
	}
	return v.concrete
}

// Elems returns the element adjoints of a KindAggregate value.
func (v *Value) Elems() []*Value {
	v.check()
	if v.kind != KindAggregate {
		panic("adjoint: Elems on non-aggregate value")
	}
	return v.elems
}

// IsZero reports whether the adjoint is symbolically zero all the way
// down.
func (v *Value) IsZero() bool {
	switch v.kind {
	case KindZero:
		return true
	case KindAggregate:
		for _, e := range v.elems {
			if !e.IsZero() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v *Value) check() {
	if v.consumed {
		panic("adjoint: use of consumed value")
	}
}

// consume marks the value moved-from.
func (v *Value) consume() {
	v.check()
	v.consumed = true
}

func (v *Value) String() string {
	switch v.kind {
	case KindZero:
		return fmt.Sprintf("Zero(%s)", v.typ)
	case KindConcrete:
		return fmt.Sprintf("Concrete(%s)", v.typ)
	default:
		return fmt.Sprintf("Aggregate(%d elems : %s)", len(v.elems), v.typ)
	}
}

// Arena allocates adjoint values for one emitter run. Dropping the arena
// drops every value at once; nothing owns adjoints individually.
type Arena struct {
	slabs []Value
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{slabs: make([]Value, 0, 64)}
}

func (a *Arena) alloc(v Value) *Value {
	a.slabs = append(a.slabs, v)
	return &a.slabs[len(a.slabs)-1]
}

// Zero allocates a symbolic zero of the given tangent type.
func (a *Arena) Zero(t ir.Type) *Value {
	return a.alloc(Value{kind: KindZero, typ: t})
}

// Concrete wraps a materialized IR value.
func (a *Arena) Concrete(v *ir.Value) *Value {
	return a.alloc(Value{kind: KindConcrete, typ: v.Type(), concrete: v})
}

// Aggregate builds a product adjoint of the given tangent type.
func (a *Arena) Aggregate(t ir.Type, elems []*Value) *Value {
	return a.alloc(Value{kind: KindAggregate, typ: t, elems: elems})
}

// Count returns the number of live allocations, for tests.
func (a *Arena) Count() int { return len(a.slabs) }
