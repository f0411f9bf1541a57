package ir

// Instr is a single IR instruction. Non-terminator instructions produce at
// most one result value; terminators produce none and end their block.
type Instr interface {
	// Operands returns the value operands in a fixed order.
	Operands() []*Value

	// Result returns the instruction's result value, or nil.
	Result() *Value

	// Op returns the instruction's mnemonic.
	Op() string
}

// Terminator is an instruction that ends a basic block.
type Terminator interface {
	Instr

	// Succs returns the IDs of the successor blocks.
	Succs() []BlockID
}

// LitKind discriminates Literal payloads.
type LitKind int

const (
	LitFloat LitKind = iota
	LitInt
	LitBool
)

// Literal is a constant payload.
type Literal struct {
	Kind LitKind
	F    float64
	I    int64
	B    bool
}

// FloatLit builds a float literal.
func FloatLit(f float64) Literal { return Literal{Kind: LitFloat, F: f} }

// IntLit builds an integer literal.
func IntLit(i int64) Literal { return Literal{Kind: LitInt, I: i} }

// BoolLit builds a boolean literal.
func BoolLit(b bool) Literal { return Literal{Kind: LitBool, B: b} }

// Type returns the IR type of the literal.
func (l Literal) Type() Type {
	switch l.Kind {
	case LitFloat:
		return Float
	case LitInt:
		return Int
	default:
		return Bool
	}
}

// Const materializes a literal.
type Const struct {
	Lit Literal
	res *Value
}

func (i *Const) Operands() []*Value { return nil }
func (i *Const) Result() *Value     { return i.res }
func (i *Const) Op() string         { return "const" }

// BinOpKind is an arithmetic binary operation on floats.
type BinOpKind int

const (
	OpAdd BinOpKind = iota
	OpSub
	OpMul
	OpDiv
)

func (k BinOpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	default:
		return "div"
	}
}

// IsLinear reports whether the operation is linear in its operands, in
// which case its reverse rule needs no captured primal values.
func (k BinOpKind) IsLinear() bool { return k == OpAdd || k == OpSub }

// BinOp is a float arithmetic instruction.
type BinOp struct {
	Kind BinOpKind
	X, Y *Value
	res  *Value
}

func (i *BinOp) Operands() []*Value { return []*Value{i.X, i.Y} }
func (i *BinOp) Result() *Value     { return i.res }
func (i *BinOp) Op() string         { return i.Kind.String() }

// Neg is float negation.
type Neg struct {
	X   *Value
	res *Value
}

func (i *Neg) Operands() []*Value { return []*Value{i.X} }
func (i *Neg) Result() *Value     { return i.res }
func (i *Neg) Op() string         { return "neg" }

// FuncRef materializes a reference to a module function.
type FuncRef struct {
	Fn  *Function
	res *Value
}

func (i *FuncRef) Operands() []*Value { return nil }
func (i *FuncRef) Result() *Value     { return i.res }
func (i *FuncRef) Op() string         { return "func_ref" }

// Call applies a function value. IndirectOuts carries one address operand
// per indirect result of the callee type, in result order; Args carries one
// operand per parameter (addresses for indirect parameters). The result
// value holds the direct results (a tuple if there are several, nil if
// none).
type Call struct {
	Callee       *Value
	IndirectOuts []*Value
	Args         []*Value
	res          *Value
}

func (i *Call) Operands() []*Value {
	ops := []*Value{i.Callee}
	ops = append(ops, i.IndirectOuts...)
	return append(ops, i.Args...)
}
func (i *Call) Result() *Value { return i.res }
func (i *Call) Op() string     { return "call" }

// CalleeType returns the callee's function type. The callee operand must be
// of function type.
func (i *Call) CalleeType() *FunctionType { return i.Callee.Type().(*FunctionType) }

// PartialApply binds the trailing Bound arguments of a function value,
// producing a closure whose type drops the bound parameters.
type PartialApply struct {
	Callee *Value
	Bound  []*Value
	res    *Value
}

func (i *PartialApply) Operands() []*Value { return append([]*Value{i.Callee}, i.Bound...) }
func (i *PartialApply) Result() *Value     { return i.res }
func (i *PartialApply) Op() string         { return "partial_apply" }

// Tuple builds a tuple from element values.
type Tuple struct {
	Elems []*Value
	res   *Value
}

func (i *Tuple) Operands() []*Value { return i.Elems }
func (i *Tuple) Result() *Value     { return i.res }
func (i *Tuple) Op() string         { return "tuple" }

// TupleExtract projects one element out of a tuple value.
type TupleExtract struct {
	X     *Value
	Index int
	res   *Value
}

func (i *TupleExtract) Operands() []*Value { return []*Value{i.X} }
func (i *TupleExtract) Result() *Value     { return i.res }
func (i *TupleExtract) Op() string         { return "tuple_extract" }

// StructNew builds a struct value from per-field values.
type StructNew struct {
	Ty     *StructType
	Fields []*Value
	res    *Value
}

func (i *StructNew) Operands() []*Value { return i.Fields }
func (i *StructNew) Result() *Value     { return i.res }
func (i *StructNew) Op() string         { return "struct" }

// FieldExtract projects a field out of a struct value.
type FieldExtract struct {
	X     *Value
	Field int
	res   *Value
}

func (i *FieldExtract) Operands() []*Value { return []*Value{i.X} }
func (i *FieldExtract) Result() *Value     { return i.res }
func (i *FieldExtract) Op() string         { return "struct_extract" }

// StructTy returns the operand's struct type.
func (i *FieldExtract) StructTy() *StructType { return i.X.Type().(*StructType) }

// FieldAddr projects a field address out of a struct address.
type FieldAddr struct {
	X     *Value
	Field int
	res   *Value
}

func (i *FieldAddr) Operands() []*Value { return []*Value{i.X} }
func (i *FieldAddr) Result() *Value     { return i.res }
func (i *FieldAddr) Op() string         { return "struct_element_addr" }

// StructTy returns the pointee struct type of the operand address.
func (i *FieldAddr) StructTy() *StructType {
	return i.X.Type().(*AddressType).Elem.(*StructType)
}

// EnumNew builds an enum value of the given case. Payload may be nil.
type EnumNew struct {
	Ty      *EnumType
	Case    int
	Payload *Value
	res     *Value
}

func (i *EnumNew) Operands() []*Value {
	if i.Payload == nil {
		return nil
	}
	return []*Value{i.Payload}
}
func (i *EnumNew) Result() *Value { return i.res }
func (i *EnumNew) Op() string     { return "enum" }

// Alloc allocates an uninitialized stack slot for one element.
type Alloc struct {
	Elem Type
	res  *Value
}

func (i *Alloc) Operands() []*Value { return nil }
func (i *Alloc) Result() *Value     { return i.res }
func (i *Alloc) Op() string         { return "alloc" }

// Dealloc frees a stack slot produced by Alloc.
type Dealloc struct {
	Addr *Value
}

func (i *Dealloc) Operands() []*Value { return []*Value{i.Addr} }
func (i *Dealloc) Result() *Value     { return nil }
func (i *Dealloc) Op() string         { return "dealloc" }

// Load reads the element stored at an address.
type Load struct {
	Addr *Value
	res  *Value
}

func (i *Load) Operands() []*Value { return []*Value{i.Addr} }
func (i *Load) Result() *Value     { return i.res }
func (i *Load) Op() string         { return "load" }

// Store writes a value to an address.
type Store struct {
	Val  *Value
	Addr *Value
}

func (i *Store) Operands() []*Value { return []*Value{i.Val, i.Addr} }
func (i *Store) Result() *Value     { return nil }
func (i *Store) Op() string         { return "store" }

// CopyAddr copies the element at Src to Dst.
type CopyAddr struct {
	Src, Dst *Value
}

func (i *CopyAddr) Operands() []*Value { return []*Value{i.Src, i.Dst} }
func (i *CopyAddr) Result() *Value     { return nil }
func (i *CopyAddr) Op() string         { return "copy_addr" }

// Extractee selects a component of a differentiable-function bundle.
type Extractee int

const (
	ExtractOriginal Extractee = iota
	ExtractJVP
	ExtractVJP
)

func (e Extractee) String() string {
	switch e {
	case ExtractOriginal:
		return "original"
	case ExtractJVP:
		return "jvp"
	default:
		return "vjp"
	}
}

// DiffFuncNew bundles an original function value with optional derivative
// function values into a differentiable-function bundle. A nil JVP or VJP
// marks a derivative the transform still has to fill in.
type DiffFuncNew struct {
	Config   DiffConfig
	Original *Value
	JVP      *Value
	VJP      *Value
	res      *Value
}

func (i *DiffFuncNew) Operands() []*Value {
	ops := []*Value{i.Original}
	if i.JVP != nil {
		ops = append(ops, i.JVP)
	}
	if i.VJP != nil {
		ops = append(ops, i.VJP)
	}
	return ops
}
func (i *DiffFuncNew) Result() *Value { return i.res }
func (i *DiffFuncNew) Op() string     { return "differentiable_function" }

// DiffFuncExtract projects a component out of a bundle value.
type DiffFuncExtract struct {
	X       *Value
	Extract Extractee
	res     *Value
}

func (i *DiffFuncExtract) Operands() []*Value { return []*Value{i.X} }
func (i *DiffFuncExtract) Result() *Value     { return i.res }
func (i *DiffFuncExtract) Op() string         { return "differentiable_function_extract" }

// Br branches unconditionally, passing Args to the destination's block
// parameters.
type Br struct {
	Dest BlockID
	Args []*Value
}

func (i *Br) Operands() []*Value { return i.Args }
func (i *Br) Result() *Value     { return nil }
func (i *Br) Op() string         { return "br" }
func (i *Br) Succs() []BlockID   { return []BlockID{i.Dest} }

// CondBr branches on a boolean condition.
type CondBr struct {
	Cond     *Value
	Then     BlockID
	ThenArgs []*Value
	Else     BlockID
	ElseArgs []*Value
}

func (i *CondBr) Operands() []*Value {
	ops := []*Value{i.Cond}
	ops = append(ops, i.ThenArgs...)
	return append(ops, i.ElseArgs...)
}
func (i *CondBr) Result() *Value   { return nil }
func (i *CondBr) Op() string       { return "cond_br" }
func (i *CondBr) Succs() []BlockID { return []BlockID{i.Then, i.Else} }

// SwitchCase is one arm of a SwitchEnum. The destination block receives the
// case payload (if any) as its trailing block parameter.
type SwitchCase struct {
	Case int
	Dest BlockID
}

// SwitchEnum branches on the case of an enum value.
type SwitchEnum struct {
	X     *Value
	Cases []SwitchCase
}

func (i *SwitchEnum) Operands() []*Value { return []*Value{i.X} }
func (i *SwitchEnum) Result() *Value     { return nil }
func (i *SwitchEnum) Op() string         { return "switch_enum" }
func (i *SwitchEnum) Succs() []BlockID {
	out := make([]BlockID, len(i.Cases))
	for j, c := range i.Cases {
		out[j] = c.Dest
	}
	return out
}

// EnumTy returns the operand's enum type.
func (i *SwitchEnum) EnumTy() *EnumType { return i.X.Type().(*EnumType) }

// Return ends the function, yielding Val as the direct result. Val may be
// nil for functions with no direct results.
type Return struct {
	Val *Value
}

func (i *Return) Operands() []*Value {
	if i.Val == nil {
		return nil
	}
	return []*Value{i.Val}
}
func (i *Return) Result() *Value   { return nil }
func (i *Return) Op() string       { return "return" }
func (i *Return) Succs() []BlockID { return nil }

// Unreachable marks a point control flow must never reach. Stub derivatives
// trap through it.
type Unreachable struct{}

func (i *Unreachable) Operands() []*Value { return nil }
func (i *Unreachable) Result() *Value     { return nil }
func (i *Unreachable) Op() string         { return "unreachable" }
func (i *Unreachable) Succs() []BlockID   { return nil }
