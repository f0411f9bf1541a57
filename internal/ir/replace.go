package ir

// ReplaceUses rewrites every operand reference to old across the function
// to new. Block parameters are left alone; only instruction operands
// change.
func (f *Function) ReplaceUses(old, new *Value) {
	swap := func(v *Value) *Value {
		if v == old {
			return new
		}
		return v
	}
	swapAll := func(vals []*Value) {
		for i, v := range vals {
			if v == old {
				vals[i] = new
			}
		}
	}
	for _, blk := range f.blocks {
		for _, in := range blk.instrs {
			switch in := in.(type) {
			case *BinOp:
				in.X, in.Y = swap(in.X), swap(in.Y)
			case *Neg:
				in.X = swap(in.X)
			case *Call:
				in.Callee = swap(in.Callee)
				swapAll(in.IndirectOuts)
				swapAll(in.Args)
			case *PartialApply:
				in.Callee = swap(in.Callee)
				swapAll(in.Bound)
			case *Tuple:
				swapAll(in.Elems)
			case *TupleExtract:
				in.X = swap(in.X)
			case *StructNew:
				swapAll(in.Fields)
			case *FieldExtract:
				in.X = swap(in.X)
			case *FieldAddr:
				in.X = swap(in.X)
			case *EnumNew:
				if in.Payload != nil {
					in.Payload = swap(in.Payload)
				}
			case *Dealloc:
				in.Addr = swap(in.Addr)
			case *Load:
				in.Addr = swap(in.Addr)
			case *Store:
				in.Val, in.Addr = swap(in.Val), swap(in.Addr)
			case *CopyAddr:
				in.Src, in.Dst = swap(in.Src), swap(in.Dst)
			case *DiffFuncNew:
				in.Original = swap(in.Original)
				if in.JVP != nil {
					in.JVP = swap(in.JVP)
				}
				if in.VJP != nil {
					in.VJP = swap(in.VJP)
				}
			case *DiffFuncExtract:
				in.X = swap(in.X)
			case *Br:
				swapAll(in.Args)
			case *CondBr:
				in.Cond = swap(in.Cond)
				swapAll(in.ThenArgs)
				swapAll(in.ElseArgs)
			case *SwitchEnum:
				in.X = swap(in.X)
			case *Return:
				if in.Val != nil {
					in.Val = swap(in.Val)
				}
			}
		}
	}
}
