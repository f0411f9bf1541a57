// Package activity implements differentiation activity analysis.
//
// A value is varied if it depends on one of the chosen parameters, useful
// if it contributes to the chosen result, and active if both. Reverse- and
// forward-mode generation consult activity to decide which instructions
// need derivative rewriting and which clone verbatim.
package activity

import (
	"github.com/born-ml/gradir/internal/ir"
)

// Info holds the analysis result for one (function, config) pair.
type Info struct {
	fn     *ir.Function
	cfg    ir.DiffConfig
	varied map[*ir.Value]ir.IndexSet
	useful map[*ir.Value]bool
}

// Analyze runs both sweeps over fn for the given configuration.
//
// Analysis never fails: values of non-differentiable type simply end up
// inactive, and the emitters diagnose missing tangent spaces where they
// actually matter.
func Analyze(fn *ir.Function, cfg ir.DiffConfig, oracle ir.Oracle) *Info {
	info := &Info{
		fn:     fn,
		cfg:    cfg,
		varied: make(map[*ir.Value]ir.IndexSet),
		useful: make(map[*ir.Value]bool),
	}
	info.runVaried()
	info.runUseful()
	return info
}

// IsVaried reports whether v depends on parameter param.
func (a *Info) IsVaried(v *ir.Value, param int) bool {
	return a.varied[v].Has(param)
}

// IsVariedAny reports whether v depends on any parameter in set.
func (a *Info) IsVariedAny(v *ir.Value, set ir.IndexSet) bool {
	return !(a.varied[v] & set).IsEmpty()
}

// Varied returns the full variedness set of v.
func (a *Info) Varied(v *ir.Value) ir.IndexSet { return a.varied[v] }

// IsUseful reports whether v contributes to the chosen result.
func (a *Info) IsUseful(v *ir.Value) bool { return a.useful[v] }

// IsActive reports whether v is both varied (w.r.t. the chosen parameter
// set) and useful.
func (a *Info) IsActive(v *ir.Value) bool {
	return a.IsVariedAny(v, a.cfg.Params) && a.useful[v]
}

// ActiveParams returns the subset of set that v is varied with respect to.
func (a *Info) ActiveParams(v *ir.Value, set ir.IndexSet) ir.IndexSet {
	return a.varied[v] & set
}

// Config returns the analyzed configuration.
func (a *Info) Config() ir.DiffConfig { return a.cfg }

// runVaried is the forward sweep: seed each parameter as varied in its own
// index set, then propagate operand variedness to results in dominance
// order until a fixed point (loops need the iteration).
func (a *Info) runVaried() {
	for i := range a.fn.Type.Params {
		a.varied[a.fn.ParamValue(i)] = ir.Indices(i)
	}

	order := a.fn.DomTree().Order()
	for changed := true; changed; {
		changed = false
		for _, bid := range order {
			blk := a.fn.Block(bid)
			for _, instr := range blk.Instrs() {
				if a.variedStep(instr) {
					changed = true
				}
			}
		}
	}
}

func (a *Info) join(v *ir.Value, set ir.IndexSet) bool {
	if v == nil || set.IsEmpty() {
		return false
	}
	old := a.varied[v]
	merged := old.Union(set)
	if merged == old {
		return false
	}
	a.varied[v] = merged
	return true
}

// joinAddr marks an address value varied, recursing through the chain of
// address projections that defines it, so a varied store into a field makes
// the whole aggregate's buffer varied.
func (a *Info) joinAddr(v *ir.Value, set ir.IndexSet) bool {
	changed := a.join(v, set)
	if def := v.Def(); def != nil {
		if fa, ok := def.(*ir.FieldAddr); ok {
			if a.joinAddr(fa.X, set) {
				changed = true
			}
		}
	}
	return changed
}

func (a *Info) operandUnion(instr ir.Instr) ir.IndexSet {
	var set ir.IndexSet
	for _, op := range instr.Operands() {
		set = set.Union(a.varied[op])
	}
	return set
}

func (a *Info) variedStep(instr ir.Instr) bool {
	switch instr := instr.(type) {
	case *ir.Call:
		// Calls propagate activity regardless of the callee;
		// non-differentiable callees are diagnosed at canonicalization.
		var set ir.IndexSet
		for _, arg := range instr.Args {
			set = set.Union(a.varied[arg])
		}
		changed := a.join(instr.Result(), set)
		for _, out := range instr.IndirectOuts {
			if a.joinAddr(out, set) {
				changed = true
			}
		}
		return changed

	case *ir.Store:
		return a.joinAddr(instr.Addr, a.varied[instr.Val])

	case *ir.CopyAddr:
		return a.joinAddr(instr.Dst, a.varied[instr.Src])

	case *ir.FieldExtract:
		if instr.StructTy().Fields[instr.Field].NoDerivative {
			return false
		}
		return a.join(instr.Result(), a.varied[instr.X])

	case *ir.FieldAddr:
		if instr.StructTy().Fields[instr.Field].NoDerivative {
			return false
		}
		return a.join(instr.Result(), a.varied[instr.X])

	case ir.Terminator:
		// Branch arguments flow into successor block parameters.
		changed := false
		flow := func(dest ir.BlockID, args []*ir.Value) {
			params := a.fn.Block(dest).Params()
			for i, arg := range args {
				if i < len(params) && a.join(params[i], a.varied[arg]) {
					changed = true
				}
			}
		}
		switch t := instr.(type) {
		case *ir.Br:
			flow(t.Dest, t.Args)
		case *ir.CondBr:
			flow(t.Then, t.ThenArgs)
			flow(t.Else, t.ElseArgs)
		case *ir.SwitchEnum:
			for _, c := range t.Cases {
				params := a.fn.Block(c.Dest).Params()
				if len(params) > 0 && a.join(params[len(params)-1], a.varied[t.X]) {
					changed = true
				}
			}
		}
		return changed

	default:
		return a.join(instr.Result(), a.operandUnion(instr))
	}
}

// runUseful is the backward sweep: seed the chosen result, then propagate
// result usefulness to operands in post-dominance order until a fixed
// point.
func (a *Info) runUseful() {
	// Seed the chosen result: an indirect result seeds its buffer
	// parameter, a direct result seeds the returned value (or the matching
	// tuple element when there are several direct results).
	res := a.fn.Type.Results[a.cfg.Result]
	if res.Indirect {
		pos := 0
		for i := 0; i < a.cfg.Result; i++ {
			if a.fn.Type.Results[i].Indirect {
				pos++
			}
		}
		a.markUseful(a.fn.IndirectOutValue(pos))
	} else if retBlk := a.fn.ReturnBlock(); retBlk != nil {
		ret := retBlk.Terminator().(*ir.Return)
		if ret.Val != nil {
			seed := ret.Val
			if direct := a.fn.Type.DirectResults(); len(direct) > 1 {
				if tup, ok := seed.Def().(*ir.Tuple); ok {
					pos := 0
					for i := 0; i < a.cfg.Result; i++ {
						if !a.fn.Type.Results[i].Indirect {
							pos++
						}
					}
					seed = tup.Elems[pos]
				}
			}
			a.markUseful(seed)
		}
	}

	order := a.fn.PostDomTree().Order()
	for changed := true; changed; {
		changed = false
		for _, bid := range order {
			blk := a.fn.Block(bid)
			instrs := blk.Instrs()
			for i := len(instrs) - 1; i >= 0; i-- {
				if a.usefulStep(instrs[i]) {
					changed = true
				}
			}
		}
	}
}

// markUseful marks v useful, recursing through the address projection that
// defines it, so a useful field buffer makes its aggregate buffer useful.
func (a *Info) markUseful(v *ir.Value) bool {
	if v == nil || a.useful[v] {
		return false
	}
	a.useful[v] = true
	if def := v.Def(); def != nil {
		if fa, ok := def.(*ir.FieldAddr); ok {
			a.markUseful(fa.X)
		}
	}
	return true
}

func (a *Info) usefulStep(instr ir.Instr) bool {
	changed := false
	markAll := func(vals []*ir.Value) {
		for _, v := range vals {
			if a.markUseful(v) {
				changed = true
			}
		}
	}
	switch instr := instr.(type) {
	case *ir.Call:
		anyUseful := a.useful[instr.Result()]
		for _, out := range instr.IndirectOuts {
			anyUseful = anyUseful || a.useful[out]
		}
		// In-out aliasing shows up as a useful address argument.
		for _, arg := range instr.Args {
			if arg.IsAddress() && a.useful[arg] {
				anyUseful = true
			}
		}
		if anyUseful {
			markAll(instr.Args)
		}
		return changed

	case *ir.Store:
		if a.useful[instr.Addr] {
			markAll([]*ir.Value{instr.Val})
		}
		return changed

	case *ir.CopyAddr:
		if a.useful[instr.Dst] {
			markAll([]*ir.Value{instr.Src})
		}
		return changed

	case *ir.Load:
		// A memory read with a useful result makes its address useful.
		if a.useful[instr.Result()] {
			markAll([]*ir.Value{instr.Addr})
		}
		return changed

	case ir.Terminator:
		flow := func(dest ir.BlockID, args []*ir.Value) {
			params := a.fn.Block(dest).Params()
			for i, arg := range args {
				if i < len(params) && a.useful[params[i]] {
					if a.markUseful(arg) {
						changed = true
					}
				}
			}
		}
		switch t := instr.(type) {
		case *ir.Br:
			flow(t.Dest, t.Args)
		case *ir.CondBr:
			flow(t.Then, t.ThenArgs)
			flow(t.Else, t.ElseArgs)
		case *ir.SwitchEnum:
			for _, c := range t.Cases {
				params := a.fn.Block(c.Dest).Params()
				if len(params) > 0 && a.useful[params[len(params)-1]] {
					if a.markUseful(t.X) {
						changed = true
					}
				}
			}
		}
		return changed

	default:
		if r := instr.Result(); r != nil && a.useful[r] {
			markAll(instr.Operands())
		}
		return changed
	}
}
