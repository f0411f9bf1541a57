package ir

import (
	"fmt"
	"strings"
)

// Type is the static type of an IR value.
//
// Types are immutable once constructed and compared structurally; two types
// are equal iff their canonical printed forms are equal (see Equal).
type Type interface {
	// String returns the canonical printed form of the type. The printer and
	// the parser round-trip through this form, and it doubles as the
	// structural-equality key.
	String() string

	isType()
}

// FloatType is the scalar floating-point type. It is a differentiation leaf:
// its tangent space is itself.
type FloatType struct{}

// IntType is the integer type. Not differentiable.
type IntType struct{}

// BoolType is the boolean type. Not differentiable.
type BoolType struct{}

// Singleton instances for the scalar types.
var (
	Float = &FloatType{}
	Int   = &IntType{}
	Bool  = &BoolType{}
)

func (*FloatType) String() string { return "f64" }
func (*IntType) String() string   { return "i64" }
func (*BoolType) String() string  { return "i1" }

func (*FloatType) isType() {}
func (*IntType) isType()   {}
func (*BoolType) isType()  {}

// AddressType is the type of an address-kind value: a memory location
// holding an element of type Elem.
type AddressType struct {
	Elem Type
}

// AddressOf returns the address type pointing at elem.
func AddressOf(elem Type) *AddressType { return &AddressType{Elem: elem} }

func (t *AddressType) String() string { return "*" + t.Elem.String() }
func (*AddressType) isType()          {}

// TupleType is an anonymous product of element types.
type TupleType struct {
	Elems []Type
}

// TupleOf returns the tuple type over elems.
func TupleOf(elems ...Type) *TupleType { return &TupleType{Elems: elems} }

func (t *TupleType) String() string {
	parts := make([]string, len(t.Elems))
	for i, e := range t.Elems {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
func (*TupleType) isType() {}

// StructField is a single named member of a StructType.
type StructField struct {
	Name string
	Type Type

	// NoDerivative marks the field as excluded from differentiation: it does
	// not appear in the struct's tangent aggregate, and projections of it are
	// never varied.
	NoDerivative bool
}

// StructType is a nominal record type.
type StructType struct {
	Name   string
	Fields []StructField

	// Private marks synthesized, module-private declarations (linear map
	// structs and the like).
	Private bool
}

func (t *StructType) String() string { return "$" + t.Name }
func (*StructType) isType()          {}

// FieldIndex returns the index of the field with the given name, or -1.
func (t *StructType) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// EnumCase is a single case of an EnumType. Payload may be nil for
// payload-less cases. Boxed cases store their payload behind a heap box,
// which permits recursive enum types (branching traces of loops).
type EnumCase struct {
	Name    string
	Payload Type
	Boxed   bool
}

// EnumType is a nominal sum type.
type EnumType struct {
	Name    string
	Cases   []EnumCase
	Private bool
}

func (t *EnumType) String() string { return "$" + t.Name }
func (*EnumType) isType()          {}

// CaseIndex returns the index of the case with the given name, or -1.
func (t *EnumType) CaseIndex(name string) int {
	for i, c := range t.Cases {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Param describes one parameter of a FunctionType. Indirect parameters are
// passed by address; the argument value has type *T for declared type T.
type Param struct {
	Type     Type
	Indirect bool
}

// Result describes one result of a FunctionType. Indirect results are
// returned through a caller-supplied buffer passed as a leading call operand.
type Result struct {
	Type     Type
	Indirect bool
}

// FunctionType is the type of a function value.
type FunctionType struct {
	Params  []Param
	Results []Result
}

// FuncType builds a FunctionType with all-direct parameters and a single
// direct result. Pass nil result for a void function.
func FuncType(params []Type, result Type) *FunctionType {
	ft := &FunctionType{}
	for _, p := range params {
		ft.Params = append(ft.Params, Param{Type: p})
	}
	if result != nil {
		ft.Results = []Result{{Type: result}}
	}
	return ft
}

func (t *FunctionType) String() string {
	var sb strings.Builder
	sb.WriteString("$(")
	for i, p := range t.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		if p.Indirect {
			sb.WriteString("@in ")
		}
		sb.WriteString(p.Type.String())
	}
	sb.WriteString(") -> (")
	for i, r := range t.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		if r.Indirect {
			sb.WriteString("@out ")
		}
		sb.WriteString(r.Type.String())
	}
	sb.WriteString(")")
	return sb.String()
}
func (*FunctionType) isType() {}

// ArgType returns the type an argument for parameter i carries at a call
// site: the declared type, or its address for indirect parameters.
func (t *FunctionType) ArgType(i int) Type {
	p := t.Params[i]
	if p.Indirect {
		return AddressOf(p.Type)
	}
	return p.Type
}

// DirectResults returns the direct results of the function type in order.
func (t *FunctionType) DirectResults() []Result {
	var out []Result
	for _, r := range t.Results {
		if !r.Indirect {
			out = append(out, r)
		}
	}
	return out
}

// IndirectResults returns the indirect results of the function type in order.
func (t *FunctionType) IndirectResults() []Result {
	var out []Result
	for _, r := range t.Results {
		if r.Indirect {
			out = append(out, r)
		}
	}
	return out
}

// DirectResultType returns the type a call of this function produces as its
// single register result: nil for none, the result type for one, and a tuple
// for several.
func (t *FunctionType) DirectResultType() Type {
	direct := t.DirectResults()
	switch len(direct) {
	case 0:
		return nil
	case 1:
		return direct[0].Type
	default:
		elems := make([]Type, len(direct))
		for i, r := range direct {
			elems[i] = r.Type
		}
		return TupleOf(elems...)
	}
}

// BundleType is the type of a differentiable-function bundle: the original
// function together with (possibly not yet filled) JVP and VJP entries for a
// fixed parameter subset and result index.
type BundleType struct {
	Original *FunctionType
	Params   IndexSet
	Result   int
}

func (t *BundleType) String() string {
	return fmt.Sprintf("@differentiable[wrt %s result %d] %s",
		t.Params, t.Result, t.Original)
}
func (*BundleType) isType() {}

// Equal reports whether two types are structurally equal.
func Equal(a, b Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// IsAddress reports whether t is an address type.
func IsAddress(t Type) bool {
	_, ok := t.(*AddressType)
	return ok
}
