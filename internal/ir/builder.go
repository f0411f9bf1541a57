package ir

import "fmt"

// Builder appends instructions to the end of a block, computing result
// types as it goes. All emit methods panic on ill-typed input: builders are
// driven by the transform itself, and a type error here is a bug in the
// caller, never in user input.
type Builder struct {
	blk    *Block
	before Instr

	// Oracle is consulted for derivative component types when emitting
	// differentiable-function bundle instructions. May be nil if those are
	// never emitted through this builder.
	Oracle Oracle
}

// NewBuilder returns a builder inserting at the end of blk.
func NewBuilder(blk *Block) *Builder { return &Builder{blk: blk} }

// NewBuilderBefore returns a builder inserting immediately before mark,
// which must be an instruction of blk.
func NewBuilderBefore(blk *Block, mark Instr) *Builder {
	return &Builder{blk: blk, before: mark}
}

// Block returns the insertion block.
func (b *Builder) Block() *Block { return b.blk }

// SetBlock retargets the builder to insert at the end of blk.
func (b *Builder) SetBlock(blk *Block) { b.blk = blk; b.before = nil }

func (b *Builder) emit(in Instr) {
	if b.before == nil {
		b.blk.append(in)
		return
	}
	b.blk.insertBefore(b.before, in)
}

func (b *Builder) result(in Instr, t Type) *Value {
	v := b.blk.fn.newValue(t, in, b.blk.id)
	return v
}

// Const emits a literal.
func (b *Builder) Const(l Literal) *Value {
	in := &Const{Lit: l}
	in.res = b.result(in, l.Type())
	b.emit(in)
	return in.res
}

// Float emits a float literal.
func (b *Builder) Float(f float64) *Value { return b.Const(FloatLit(f)) }

// BinOp emits a float arithmetic instruction.
func (b *Builder) BinOp(kind BinOpKind, x, y *Value) *Value {
	in := &BinOp{Kind: kind, X: x, Y: y}
	in.res = b.result(in, Float)
	b.emit(in)
	return in.res
}

// Add emits x + y.
func (b *Builder) Add(x, y *Value) *Value { return b.BinOp(OpAdd, x, y) }

// Sub emits x - y.
func (b *Builder) Sub(x, y *Value) *Value { return b.BinOp(OpSub, x, y) }

// Mul emits x * y.
func (b *Builder) Mul(x, y *Value) *Value { return b.BinOp(OpMul, x, y) }

// Div emits x / y.
func (b *Builder) Div(x, y *Value) *Value { return b.BinOp(OpDiv, x, y) }

// Neg emits -x.
func (b *Builder) Neg(x *Value) *Value {
	in := &Neg{X: x}
	in.res = b.result(in, Float)
	b.emit(in)
	return in.res
}

// FuncRef emits a reference to fn.
func (b *Builder) FuncRef(fn *Function) *Value {
	in := &FuncRef{Fn: fn}
	in.res = b.result(in, fn.Type)
	b.emit(in)
	return in.res
}

// Call emits a call of callee with the given indirect-result buffers and
// arguments.
func (b *Builder) Call(callee *Value, indirectOuts, args []*Value) *Value {
	ft, ok := callee.Type().(*FunctionType)
	if !ok {
		panic(fmt.Sprintf("call of non-function value of type %s", callee.Type()))
	}
	if len(indirectOuts) != len(ft.IndirectResults()) {
		panic(fmt.Sprintf("call of %s with %d indirect-result buffers", ft, len(indirectOuts)))
	}
	if len(args) != len(ft.Params) {
		panic(fmt.Sprintf("call of %s with %d arguments", ft, len(args)))
	}
	in := &Call{Callee: callee, IndirectOuts: indirectOuts, Args: args}
	if rt := ft.DirectResultType(); rt != nil {
		in.res = b.result(in, rt)
	}
	b.emit(in)
	return in.res
}

// PartialApply emits a closure binding the trailing bound arguments of
// callee.
func (b *Builder) PartialApply(callee *Value, bound ...*Value) *Value {
	ft, ok := callee.Type().(*FunctionType)
	if !ok {
		panic(fmt.Sprintf("partial_apply of non-function value of type %s", callee.Type()))
	}
	if len(bound) > len(ft.Params) {
		panic("partial_apply binds more arguments than parameters")
	}
	closed := &FunctionType{
		Params:  append([]Param(nil), ft.Params[:len(ft.Params)-len(bound)]...),
		Results: ft.Results,
	}
	in := &PartialApply{Callee: callee, Bound: bound}
	in.res = b.result(in, closed)
	b.emit(in)
	return in.res
}

// Tuple emits a tuple construction.
func (b *Builder) Tuple(elems ...*Value) *Value {
	ts := make([]Type, len(elems))
	for i, e := range elems {
		ts[i] = e.Type()
	}
	in := &Tuple{Elems: elems}
	in.res = b.result(in, TupleOf(ts...))
	b.emit(in)
	return in.res
}

// TupleExtract emits a tuple element projection.
func (b *Builder) TupleExtract(x *Value, index int) *Value {
	tt, ok := x.Type().(*TupleType)
	if !ok {
		panic(fmt.Sprintf("tuple_extract of non-tuple value of type %s", x.Type()))
	}
	in := &TupleExtract{X: x, Index: index}
	in.res = b.result(in, tt.Elems[index])
	b.emit(in)
	return in.res
}

// StructNew emits a struct construction.
func (b *Builder) StructNew(ty *StructType, fields ...*Value) *Value {
	if len(fields) != len(ty.Fields) {
		panic(fmt.Sprintf("struct %s built with %d fields", ty, len(fields)))
	}
	in := &StructNew{Ty: ty, Fields: fields}
	in.res = b.result(in, ty)
	b.emit(in)
	return in.res
}

// FieldExtract emits a struct field projection.
func (b *Builder) FieldExtract(x *Value, field int) *Value {
	st, ok := x.Type().(*StructType)
	if !ok {
		panic(fmt.Sprintf("struct_extract of non-struct value of type %s", x.Type()))
	}
	in := &FieldExtract{X: x, Field: field}
	in.res = b.result(in, st.Fields[field].Type)
	b.emit(in)
	return in.res
}

// FieldAddr emits a struct field address projection.
func (b *Builder) FieldAddr(x *Value, field int) *Value {
	at, ok := x.Type().(*AddressType)
	if !ok {
		panic(fmt.Sprintf("struct_element_addr of non-address value of type %s", x.Type()))
	}
	st, ok := at.Elem.(*StructType)
	if !ok {
		panic(fmt.Sprintf("struct_element_addr into non-struct element %s", at.Elem))
	}
	in := &FieldAddr{X: x, Field: field}
	in.res = b.result(in, AddressOf(st.Fields[field].Type))
	b.emit(in)
	return in.res
}

// EnumNew emits an enum construction.
func (b *Builder) EnumNew(ty *EnumType, caseIdx int, payload *Value) *Value {
	c := ty.Cases[caseIdx]
	if (c.Payload == nil) != (payload == nil) {
		panic(fmt.Sprintf("enum case %s.%s payload mismatch", ty, c.Name))
	}
	in := &EnumNew{Ty: ty, Case: caseIdx, Payload: payload}
	in.res = b.result(in, ty)
	b.emit(in)
	return in.res
}

// Alloc emits a stack allocation.
func (b *Builder) Alloc(elem Type) *Value {
	in := &Alloc{Elem: elem}
	in.res = b.result(in, AddressOf(elem))
	b.emit(in)
	return in.res
}

// Dealloc emits a stack deallocation.
func (b *Builder) Dealloc(addr *Value) {
	b.emit(&Dealloc{Addr: addr})
}

// Load emits a load.
func (b *Builder) Load(addr *Value) *Value {
	at, ok := addr.Type().(*AddressType)
	if !ok {
		panic(fmt.Sprintf("load of non-address value of type %s", addr.Type()))
	}
	in := &Load{Addr: addr}
	in.res = b.result(in, at.Elem)
	b.emit(in)
	return in.res
}

// Store emits a store.
func (b *Builder) Store(val, addr *Value) {
	b.emit(&Store{Val: val, Addr: addr})
}

// CopyAddr emits an address-to-address copy.
func (b *Builder) CopyAddr(src, dst *Value) {
	b.emit(&CopyAddr{Src: src, Dst: dst})
}

// DiffFuncNew emits a differentiable-function bundle construction.
func (b *Builder) DiffFuncNew(cfg DiffConfig, original, jvp, vjp *Value) *Value {
	ft, ok := original.Type().(*FunctionType)
	if !ok {
		panic(fmt.Sprintf("differentiable_function of non-function value of type %s", original.Type()))
	}
	in := &DiffFuncNew{Config: cfg, Original: original, JVP: jvp, VJP: vjp}
	in.res = b.result(in, &BundleType{Original: ft, Params: cfg.Params, Result: cfg.Result})
	b.emit(in)
	return in.res
}

// DiffFuncExtract emits a bundle component projection. Extracting a
// derivative component consults the builder's Oracle for its type.
func (b *Builder) DiffFuncExtract(x *Value, e Extractee) *Value {
	bt, ok := x.Type().(*BundleType)
	if !ok {
		panic(fmt.Sprintf("differentiable_function_extract of non-bundle value of type %s", x.Type()))
	}
	var t Type
	var err error
	switch e {
	case ExtractOriginal:
		t = bt.Original
	case ExtractJVP:
		t, err = JVPType(bt.Original, DiffConfig{Params: bt.Params, Result: bt.Result}, b.Oracle)
	case ExtractVJP:
		t, err = VJPType(bt.Original, DiffConfig{Params: bt.Params, Result: bt.Result}, b.Oracle)
	}
	if err != nil {
		panic(fmt.Sprintf("differentiable_function_extract: %v", err))
	}
	in := &DiffFuncExtract{X: x, Extract: e}
	in.res = b.result(in, t)
	b.emit(in)
	return in.res
}

// Br emits an unconditional branch.
func (b *Builder) Br(dest BlockID, args ...*Value) {
	b.blk.append(&Br{Dest: dest, Args: args})
}

// CondBr emits a conditional branch.
func (b *Builder) CondBr(cond *Value, then BlockID, thenArgs []*Value, els BlockID, elseArgs []*Value) {
	b.blk.append(&CondBr{Cond: cond, Then: then, ThenArgs: thenArgs, Else: els, ElseArgs: elseArgs})
}

// SwitchEnum emits an enum dispatch.
func (b *Builder) SwitchEnum(x *Value, cases []SwitchCase) {
	if _, ok := x.Type().(*EnumType); !ok {
		panic(fmt.Sprintf("switch_enum of non-enum value of type %s", x.Type()))
	}
	b.blk.append(&SwitchEnum{X: x, Cases: cases})
}

// Return emits a function return.
func (b *Builder) Return(val *Value) {
	b.blk.append(&Return{Val: val})
}

// Unreachable emits a trap.
func (b *Builder) Unreachable() {
	b.blk.append(&Unreachable{})
}
