// Package interp is a reference interpreter for the IR.
//
// It exists to execute generated derivative code in tests: pullback
// linearity, thunk transparency, and the end-to-end scenarios all run
// original and derivative functions through it and compare results. It is a
// plain big-step evaluator with no performance ambitions.
package interp

import (
	"errors"
	"fmt"

	"github.com/born-ml/gradir/internal/ir"
)

// ErrTrap is returned when execution reaches an unreachable instruction,
// e.g. a stubbed-out derivative.
var ErrTrap = errors.New("trap: unreachable executed")

// Value is a runtime value. One of Float, Int, Bool, Tuple, Struct, Enum,
// *Cell, Closure, or Bundle.
type Value interface{ isVal() }

// Float is a runtime float.
type Float float64

// Int is a runtime integer.
type Int int64

// Bool is a runtime boolean.
type Bool bool

// Tuple is a runtime tuple.
type Tuple []Value

// Struct is a runtime struct value.
type Struct struct {
	Ty     *ir.StructType
	Fields []Value
}

// Enum is a runtime enum value.
type Enum struct {
	Ty      *ir.EnumType
	Case    int
	Payload Value
}

// Cell is a memory location; address-kind values evaluate to *Cell. A cell
// produced by struct_element_addr is a view into its parent cell: loads
// read through and stores write back, so aliased addresses stay coherent.
type Cell struct {
	V      Value
	parent *Cell
	field  int
}

// NewCell returns a fresh cell holding v (which may be nil for
// uninitialized memory).
func NewCell(v Value) *Cell { return &Cell{V: v} }

// Get reads the cell's current value, following view links.
func (c *Cell) Get() Value {
	if c.parent == nil {
		return c.V
	}
	pv, ok := c.parent.Get().(Struct)
	if !ok {
		return nil
	}
	return pv.Fields[c.field]
}

// Set writes the cell, following view links.
func (c *Cell) Set(v Value) {
	if c.parent == nil {
		c.V = v
		return
	}
	pv, _ := c.parent.Get().(Struct)
	fields := append([]Value(nil), pv.Fields...)
	fields[c.field] = v
	c.parent.Set(Struct{Ty: pv.Ty, Fields: fields})
}

// Closure is a function value with zero or more bound trailing arguments.
type Closure struct {
	Fn    *ir.Function
	Bound []Value
}

// Bundle is a differentiable-function bundle value.
type Bundle struct {
	Original Value
	JVP      Value
	VJP      Value
}

func (Float) isVal()   {}
func (Int) isVal()     {}
func (Bool) isVal()    {}
func (Tuple) isVal()   {}
func (Struct) isVal()  {}
func (Enum) isVal()    {}
func (*Cell) isVal()   {}
func (Closure) isVal() {}
func (Bundle) isVal()  {}

// Interp evaluates functions of a module.
type Interp struct {
	Mod *ir.Module

	// MaxSteps bounds the total number of instructions evaluated per
	// top-level call, guarding tests against runaway loops. Zero means the
	// default of one million.
	MaxSteps int

	steps int
}

// New returns an interpreter over mod.
func New(mod *ir.Module) *Interp {
	return &Interp{Mod: mod}
}

// CallName invokes the named function with the given arguments. Indirect
// results and parameters must be passed as *Cell.
func (in *Interp) CallName(name string, args ...Value) (Value, error) {
	fn := in.Mod.Func(name)
	if fn == nil {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	in.steps = 0
	return in.call(fn, args)
}

// Call invokes a function value (usually a Closure) with the given
// arguments; bound arguments are appended after them.
func (in *Interp) Call(fnVal Value, args ...Value) (Value, error) {
	in.steps = 0
	return in.apply(fnVal, args)
}

func (in *Interp) apply(fnVal Value, args []Value) (Value, error) {
	cl, ok := fnVal.(Closure)
	if !ok {
		return nil, fmt.Errorf("call of non-function value %T", fnVal)
	}
	full := make([]Value, 0, len(args)+len(cl.Bound))
	full = append(full, args...)
	full = append(full, cl.Bound...)
	return in.call(cl.Fn, full)
}

func (in *Interp) limit() int {
	if in.MaxSteps > 0 {
		return in.MaxSteps
	}
	return 1_000_000
}

func (in *Interp) call(fn *ir.Function, args []Value) (Value, error) {
	entry := fn.Entry()
	if entry == nil {
		return nil, fmt.Errorf("call of bodyless function @%s", fn.Name)
	}
	if len(args) != len(entry.Params()) {
		return nil, fmt.Errorf("@%s called with %d arguments, want %d",
			fn.Name, len(args), len(entry.Params()))
	}
	env := make(map[*ir.Value]Value)
	for i, p := range entry.Params() {
		env[p] = args[i]
	}
	blk := entry
	for {
		for _, instr := range blk.Instrs() {
			in.steps++
			if in.steps > in.limit() {
				return nil, fmt.Errorf("@%s: step limit exceeded", fn.Name)
			}
			if t, ok := instr.(ir.Terminator); ok {
				next, nextArgs, ret, err := in.evalTerminator(fn, env, t)
				if err != nil {
					return nil, fmt.Errorf("@%s: %w", fn.Name, err)
				}
				if next == ir.InvalidBlock {
					return ret, nil
				}
				blk = fn.Block(next)
				if len(nextArgs) != len(blk.Params()) {
					return nil, fmt.Errorf("@%s: bb%d expects %d arguments, got %d",
						fn.Name, int(next), len(blk.Params()), len(nextArgs))
				}
				for i, p := range blk.Params() {
					env[p] = nextArgs[i]
				}
				goto nextBlock
			}
			if err := in.evalInstr(env, instr); err != nil {
				return nil, fmt.Errorf("@%s: %w", fn.Name, err)
			}
		}
		return nil, fmt.Errorf("@%s: block bb%d has no terminator", fn.Name, int(blk.ID()))
	nextBlock:
	}
}

func (in *Interp) evalTerminator(fn *ir.Function, env map[*ir.Value]Value, t ir.Terminator) (ir.BlockID, []Value, Value, error) {
	get := func(v *ir.Value) Value { return env[v] }
	switch t := t.(type) {
	case *ir.Return:
		if t.Val == nil {
			return ir.InvalidBlock, nil, nil, nil
		}
		return ir.InvalidBlock, nil, get(t.Val), nil
	case *ir.Unreachable:
		return ir.InvalidBlock, nil, nil, ErrTrap
	case *ir.Br:
		return t.Dest, evalArgs(env, t.Args), nil, nil
	case *ir.CondBr:
		cond, ok := get(t.Cond).(Bool)
		if !ok {
			return ir.InvalidBlock, nil, nil, fmt.Errorf("cond_br on non-boolean")
		}
		if cond {
			return t.Then, evalArgs(env, t.ThenArgs), nil, nil
		}
		return t.Else, evalArgs(env, t.ElseArgs), nil, nil
	case *ir.SwitchEnum:
		ev, ok := get(t.X).(Enum)
		if !ok {
			return ir.InvalidBlock, nil, nil, fmt.Errorf("switch_enum on non-enum value %T", get(t.X))
		}
		for _, c := range t.Cases {
			if c.Case == ev.Case {
				var args []Value
				if ev.Ty.Cases[ev.Case].Payload != nil {
					args = []Value{ev.Payload}
				}
				return c.Dest, args, nil, nil
			}
		}
		return ir.InvalidBlock, nil, nil, fmt.Errorf("switch_enum: unmatched case %d of %s", ev.Case, ev.Ty)
	default:
		return ir.InvalidBlock, nil, nil, fmt.Errorf("unknown terminator %T", t)
	}
}

func evalArgs(env map[*ir.Value]Value, vals []*ir.Value) []Value {
	out := make([]Value, len(vals))
	for i, v := range vals {
		out[i] = env[v]
	}
	return out
}

func (in *Interp) evalInstr(env map[*ir.Value]Value, instr ir.Instr) error {
	get := func(v *ir.Value) Value { return env[v] }
	set := func(v Value) {
		if r := instr.Result(); r != nil {
			env[r] = v
		}
	}
	switch instr := instr.(type) {
	case *ir.Const:
		switch instr.Lit.Kind {
		case ir.LitFloat:
			set(Float(instr.Lit.F))
		case ir.LitInt:
			set(Int(instr.Lit.I))
		default:
			set(Bool(instr.Lit.B))
		}
	case *ir.BinOp:
		x, okx := get(instr.X).(Float)
		y, oky := get(instr.Y).(Float)
		if !okx || !oky {
			return fmt.Errorf("%s on non-float operands", instr.Kind)
		}
		switch instr.Kind {
		case ir.OpAdd:
			set(x + y)
		case ir.OpSub:
			set(x - y)
		case ir.OpMul:
			set(x * y)
		case ir.OpDiv:
			set(x / y)
		}
	case *ir.Neg:
		x, ok := get(instr.X).(Float)
		if !ok {
			return fmt.Errorf("neg on non-float operand")
		}
		set(-x)
	case *ir.FuncRef:
		set(Closure{Fn: instr.Fn})
	case *ir.Call:
		args := evalArgs(env, instr.IndirectOuts)
		args = append(args, evalArgs(env, instr.Args)...)
		res, err := in.apply(get(instr.Callee), args)
		if err != nil {
			return err
		}
		set(res)
	case *ir.PartialApply:
		cl, ok := get(instr.Callee).(Closure)
		if !ok {
			return fmt.Errorf("partial_apply of non-function value")
		}
		bound := append(evalArgs(env, instr.Bound), cl.Bound...)
		set(Closure{Fn: cl.Fn, Bound: bound})
	case *ir.Tuple:
		set(Tuple(evalArgs(env, instr.Elems)))
	case *ir.TupleExtract:
		tp, ok := get(instr.X).(Tuple)
		if !ok {
			return fmt.Errorf("tuple_extract of non-tuple value %T", get(instr.X))
		}
		set(tp[instr.Index])
	case *ir.StructNew:
		set(Struct{Ty: instr.Ty, Fields: evalArgs(env, instr.Fields)})
	case *ir.FieldExtract:
		sv, ok := get(instr.X).(Struct)
		if !ok {
			return fmt.Errorf("struct_extract of non-struct value %T", get(instr.X))
		}
		set(sv.Fields[instr.Field])
	case *ir.FieldAddr:
		cell, ok := get(instr.X).(*Cell)
		if !ok {
			return fmt.Errorf("struct_element_addr of non-address value")
		}
		if _, ok := cell.Get().(Struct); !ok {
			return fmt.Errorf("struct_element_addr into non-struct cell")
		}
		set(&Cell{parent: cell, field: instr.Field})
	case *ir.EnumNew:
		var payload Value
		if instr.Payload != nil {
			payload = get(instr.Payload)
		}
		set(Enum{Ty: instr.Ty, Case: instr.Case, Payload: payload})
	case *ir.Alloc:
		set(&Cell{})
	case *ir.Dealloc:
		// Stack discipline is checked structurally by the emitters; the
		// interpreter has nothing to free.
	case *ir.Load:
		cell, ok := get(instr.Addr).(*Cell)
		if !ok {
			return fmt.Errorf("load of non-address value %T", get(instr.Addr))
		}
		v := cell.Get()
		if v == nil {
			return fmt.Errorf("load of uninitialized memory")
		}
		set(v)
	case *ir.Store:
		cell, ok := get(instr.Addr).(*Cell)
		if !ok {
			return fmt.Errorf("store to non-address value %T", get(instr.Addr))
		}
		cell.Set(get(instr.Val))
	case *ir.CopyAddr:
		src, ok1 := get(instr.Src).(*Cell)
		dst, ok2 := get(instr.Dst).(*Cell)
		if !ok1 || !ok2 {
			return fmt.Errorf("copy_addr of non-address operands")
		}
		v := src.Get()
		if v == nil {
			return fmt.Errorf("copy_addr from uninitialized memory")
		}
		dst.Set(v)
	case *ir.DiffFuncNew:
		bundle := Bundle{Original: get(instr.Original)}
		if instr.JVP != nil {
			bundle.JVP = get(instr.JVP)
		}
		if instr.VJP != nil {
			bundle.VJP = get(instr.VJP)
		}
		set(bundle)
	case *ir.DiffFuncExtract:
		bv, ok := get(instr.X).(Bundle)
		if !ok {
			return fmt.Errorf("differentiable_function_extract of non-bundle value")
		}
		switch instr.Extract {
		case ir.ExtractOriginal:
			set(bv.Original)
		case ir.ExtractJVP:
			if bv.JVP == nil {
				return fmt.Errorf("bundle has no jvp")
			}
			set(bv.JVP)
		default:
			if bv.VJP == nil {
				return fmt.Errorf("bundle has no vjp")
			}
			set(bv.VJP)
		}
	default:
		return fmt.Errorf("unknown instruction %T", instr)
	}
	return nil
}
