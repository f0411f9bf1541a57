package ir

import "fmt"

// Value is an SSA value: the result of one instruction, or a block
// parameter. Values are object-kind (registers) unless their type is an
// AddressType, in which case they are address-kind (memory locations).
type Value struct {
	id   int
	typ  Type
	def  Instr // nil for block parameters
	blk  BlockID
	name string // optional label, kept through printing
}

// Type returns the value's static type.
func (v *Value) Type() Type { return v.typ }

// Def returns the defining instruction, or nil for block parameters.
func (v *Value) Def() Instr { return v.def }

// Block returns the ID of the block the value is defined in.
func (v *Value) Block() BlockID { return v.blk }

// IsBlockParam reports whether the value is a block parameter.
func (v *Value) IsBlockParam() bool { return v.def == nil }

// IsAddress reports whether the value is address-kind.
func (v *Value) IsAddress() bool { return IsAddress(v.typ) }

// SetName attaches a printable label to the value.
func (v *Value) SetName(name string) { v.name = name }

// Name returns the printable form of the value reference, e.g. "%3" or
// "%x".
func (v *Value) Name() string {
	if v.name != "" {
		return "%" + v.name
	}
	return fmt.Sprintf("%%%d", v.id)
}

// ID returns the value's dense per-function ID.
func (v *Value) ID() int { return v.id }
