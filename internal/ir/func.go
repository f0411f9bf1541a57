package ir

import "fmt"

// Visibility of a function within the module's surrounding compilation.
type Visibility int

const (
	// Public functions are visible outside the module.
	Public Visibility = iota
	// Private functions are module-private. Derivative-only helpers
	// (pullbacks, differentials, thunks, linear map types) are Private.
	Private
)

func (v Visibility) String() string {
	if v == Private {
		return "private"
	}
	return "public"
}

// Function is an IR function: an arena of basic blocks addressed by
// BlockID, with the entry block holding the parameter list. Indirect
// results appear as leading address-typed entry parameters, before the
// declared parameters.
type Function struct {
	Name       string
	Type       *FunctionType
	Visibility Visibility

	// NoDerivative marks the function opaque to differentiation: activity
	// analysis does not propagate through calls to it and derivative
	// resolution rejects it.
	NoDerivative bool

	mod    *Module
	blocks []*Block
	nextID int

	dom  *DomTree
	pdom *DomTree
}

// NewBlock appends a fresh, empty block to the function's block arena.
func (f *Function) NewBlock() *Block {
	b := &Block{id: BlockID(len(f.blocks)), fn: f}
	f.blocks = append(f.blocks, b)
	f.invalidateCFG()
	return b
}

// Blocks returns the block arena in creation order. Entry is Blocks()[0].
func (f *Function) Blocks() []*Block { return f.blocks }

// Block resolves a BlockID.
func (f *Function) Block(id BlockID) *Block { return f.blocks[int(id)] }

// Entry returns the entry block, or nil for a bodyless declaration.
func (f *Function) Entry() *Block {
	if len(f.blocks) == 0 {
		return nil
	}
	return f.blocks[0]
}

// Params returns the entry block parameters: indirect-result buffers first,
// then the declared parameters.
func (f *Function) Params() []*Value {
	e := f.Entry()
	if e == nil {
		return nil
	}
	return e.Params()
}

// ParamValue returns the entry parameter for declared parameter index i,
// skipping past the indirect-result buffers.
func (f *Function) ParamValue(i int) *Value {
	return f.Params()[len(f.Type.IndirectResults())+i]
}

// IndirectOutValue returns the entry parameter buffering indirect result i
// (counting indirect results only).
func (f *Function) IndirectOutValue(i int) *Value {
	return f.Params()[i]
}

// Module returns the owning module.
func (f *Function) Module() *Module { return f.mod }

// ReturnBlock returns the unique block terminated by Return, or nil if the
// function has none (which makes it non-differentiable).
func (f *Function) ReturnBlock() *Block {
	for _, b := range f.blocks {
		if _, ok := b.Terminator().(*Return); ok {
			return b
		}
	}
	return nil
}

// Preds returns the predecessor block IDs of the given block, in block
// creation order for determinism.
func (f *Function) Preds(id BlockID) []BlockID {
	var out []BlockID
	for _, b := range f.blocks {
		for _, s := range b.Succs() {
			if s == id {
				out = append(out, b.id)
				break
			}
		}
	}
	return out
}

func (f *Function) newValue(t Type, def Instr, blk BlockID) *Value {
	v := &Value{id: f.nextID, typ: t, def: def, blk: blk}
	f.nextID++
	return v
}

func (f *Function) invalidateCFG() {
	f.dom = nil
	f.pdom = nil
}

func (f *Function) String() string {
	return fmt.Sprintf("@%s : %s", f.Name, f.Type)
}
