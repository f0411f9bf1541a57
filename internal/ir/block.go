package ir

// BlockID is a stable handle for a basic block within its function. Blocks
// reference each other by ID rather than by pointer: generation creates,
// rewires, and discards blocks, and integer handles keep those edits cheap
// and acyclic.
type BlockID int

// InvalidBlock is the zero-ish sentinel for "no block".
const InvalidBlock BlockID = -1

// Block is a basic block: an ordered list of instructions ending in a
// terminator, with SSA block parameters receiving values along incoming
// edges.
type Block struct {
	id     BlockID
	fn     *Function
	params []*Value
	instrs []Instr
}

// ID returns the block's handle.
func (b *Block) ID() BlockID { return b.id }

// Func returns the owning function.
func (b *Block) Func() *Function { return b.fn }

// Params returns the block parameters.
func (b *Block) Params() []*Value { return b.params }

// Instrs returns the instruction list, terminator last.
func (b *Block) Instrs() []Instr { return b.instrs }

// AddParam appends a block parameter of the given type and returns it.
func (b *Block) AddParam(t Type, name string) *Value {
	v := b.fn.newValue(t, nil, b.id)
	if name != "" {
		v.SetName(name)
	}
	b.params = append(b.params, v)
	return v
}

// Terminator returns the block's terminator, or nil if the block is still
// open.
func (b *Block) Terminator() Terminator {
	if len(b.instrs) == 0 {
		return nil
	}
	t, ok := b.instrs[len(b.instrs)-1].(Terminator)
	if !ok {
		return nil
	}
	return t
}

// Succs returns the successor block IDs, or nil for an open block.
func (b *Block) Succs() []BlockID {
	t := b.Terminator()
	if t == nil {
		return nil
	}
	return t.Succs()
}

// append adds an instruction, registering its result value with the
// function.
func (b *Block) append(in Instr) {
	b.instrs = append(b.instrs, in)
	if _, ok := in.(Terminator); ok {
		b.fn.invalidateCFG()
	}
}

// insertBefore places in immediately before mark. Panics if mark is not in
// this block.
func (b *Block) insertBefore(mark, in Instr) {
	for i, cur := range b.instrs {
		if cur == mark {
			b.instrs = append(b.instrs, nil)
			copy(b.instrs[i+1:], b.instrs[i:])
			b.instrs[i] = in
			return
		}
	}
	panic("ir: insertion mark not in block")
}

// Remove deletes an instruction from the block. Uses of its result, if
// any, must have been rewritten first.
func (b *Block) Remove(in Instr) {
	for i, cur := range b.instrs {
		if cur == in {
			b.instrs = append(b.instrs[:i], b.instrs[i+1:]...)
			if _, ok := in.(Terminator); ok {
				b.fn.invalidateCFG()
			}
			return
		}
	}
}
