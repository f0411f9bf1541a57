// Package reverse synthesizes reverse-mode derivatives.
//
// For one original function and derivative configuration the emitter fills
// a pre-created empty VJP with a clone of the original body that threads
// linear map state through control flow, then emits the pullback function
// that retraces the recorded execution backwards, accumulating adjoints.
//
// The VJP clone keeps the original's shape. Every branch goes through a
// per-edge trampoline block that wraps the current block's linear map
// struct into the destination's branching trace case and appends it as an
// extra branch argument. The return block bundles its struct, partially
// applies the pullback over it, and returns (original results, pullback).
package reverse

import (
	"fmt"

	"github.com/born-ml/gradir/internal/activity"
	"github.com/born-ml/gradir/internal/adjoint"
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/linearmap"
	"github.com/born-ml/gradir/internal/thunk"
)

// Resolver supplies derivative values for active callees encountered
// during cloning. The orchestrator implements it; resolution may emit
// extraction or thunking instructions through the given builder.
type Resolver interface {
	CalleeVJP(b *ir.Builder, call *ir.Call, callee *ir.Value, cfg ir.DiffConfig) (*ir.Value, error)
}

// State tracks emitter progress. Failed is reachable from every state.
type State int

const (
	EmptyVjpCreated State = iota
	BuildingLinearMapLayout
	Cloning
	EmittingPullback
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case EmptyVjpCreated:
		return "EmptyVjpCreated"
	case BuildingLinearMapLayout:
		return "BuildingLinearMapLayout"
	case Cloning:
		return "Cloning"
	case EmittingPullback:
		return "EmittingPullback"
	case Done:
		return "Done"
	default:
		return "Failed"
	}
}

// Emitter carries the working state of one reverse-mode run.
type Emitter struct {
	fn       *ir.Function
	cfg      ir.DiffConfig
	oracle   ir.Oracle
	thunks   *thunk.Builder
	resolver Resolver

	state  State
	act    *activity.Info
	layout *linearmap.Layout

	vjp *ir.Function
	pb  *ir.Function

	// cloning state
	vmap       map[*ir.Value]*ir.Value
	cloneBlk   map[ir.BlockID]*ir.Block
	linear     map[ir.BlockID][]*ir.Value
	structVal  map[ir.BlockID]*ir.Value
	traceParam map[ir.BlockID]*ir.Value

	// pullback state
	reach    map[ir.BlockID]bool
	pbBlk    map[ir.BlockID]*ir.Block
	pbParams map[ir.BlockID][]*ir.Value
	adjBuf   map[*ir.Value]*ir.Value
	bufs     []*ir.Value
	arena    *adjoint.Arena
	adj      map[*ir.Value]*adjoint.Value
}

// Emit fills the pre-created empty vjp for fn under cfg and synthesizes
// its pullback, returning the pullback function. On error the emitter
// removes everything it created itself; the caller owns vjp and any
// thunks, and removes those during rollback.
func Emit(fn *ir.Function, cfg ir.DiffConfig, vjp *ir.Function, oracle ir.Oracle, thunks *thunk.Builder, resolver Resolver) (*ir.Function, error) {
	e := &Emitter{
		fn:         fn,
		cfg:        cfg,
		oracle:     oracle,
		thunks:     thunks,
		resolver:   resolver,
		state:      EmptyVjpCreated,
		vjp:        vjp,
		vmap:       make(map[*ir.Value]*ir.Value),
		cloneBlk:   make(map[ir.BlockID]*ir.Block),
		linear:     make(map[ir.BlockID][]*ir.Value),
		structVal:  make(map[ir.BlockID]*ir.Value),
		traceParam: make(map[ir.BlockID]*ir.Value),
		adjBuf:     make(map[*ir.Value]*ir.Value),
	}
	pb, err := e.run()
	if err != nil {
		e.fail()
		return nil, err
	}
	return pb, nil
}

// State returns the emitter's current state.
func (e *Emitter) State() State { return e.state }

func (e *Emitter) run() (*ir.Function, error) {
	if err := e.precheckStructure(); err != nil {
		return nil, err
	}
	e.act = activity.Analyze(e.fn, e.cfg, e.oracle)
	if err := e.precheckActivity(); err != nil {
		return nil, err
	}

	e.state = BuildingLinearMapLayout
	layout, err := linearmap.Build(e.fn, e.cfg, e.act, linearmap.Pullback, e.oracle)
	if err != nil {
		return nil, diag.Errorf(diag.NonDifferentiableType, e.loc(""), err.Error())
	}
	e.layout = layout
	if err := e.createPullbackShell(); err != nil {
		return nil, err
	}

	e.state = Cloning
	if err := e.clone(); err != nil {
		return nil, err
	}

	e.state = EmittingPullback
	if err := e.emitPullback(); err != nil {
		return nil, err
	}

	e.state = Done
	return e.pb, nil
}

func (e *Emitter) fail() {
	e.state = Failed
	if e.pb != nil {
		e.fn.Module().RemoveFunc(e.pb.Name)
	}
	if e.layout != nil {
		e.layout.Discard()
	}
}

func (e *Emitter) loc(instr string) diag.Loc {
	return diag.Loc{Fn: e.fn.Name, Instr: instr}
}

// precheckStructure rejects function shapes no reverse sweep can
// reconstruct, before any analysis runs.
func (e *Emitter) precheckStructure() error {
	ret := e.fn.ReturnBlock()
	if ret == nil {
		return diag.Errorf(diag.StructuralUnsupported, e.loc(""), "function has no return block")
	}

	// Blocks the reverse sweep will retrace: everything the return block
	// is reachable from.
	e.reach = make(map[ir.BlockID]bool)
	work := []ir.BlockID{ret.ID()}
	for len(work) > 0 {
		bid := work[len(work)-1]
		work = work[:len(work)-1]
		if e.reach[bid] {
			continue
		}
		e.reach[bid] = true
		work = append(work, e.fn.Preds(bid)...)
	}

	for _, blk := range e.fn.Blocks() {
		term := blk.Terminator()
		if term == nil {
			return diag.Errorf(diag.StructuralUnsupported, e.loc(""), fmt.Sprintf("bb%d has no terminator", int(blk.ID())))
		}
		if !e.reach[blk.ID()] {
			continue
		}
		switch t := term.(type) {
		case *ir.Br, *ir.SwitchEnum, *ir.Return:
		case *ir.CondBr:
			// Two distinct edges to the same block collapse into one trace
			// case, so the sweep could not tell them apart.
			if t.Then == t.Else {
				return diag.Errorf(diag.StructuralUnsupported, e.loc(term.Op()), "cond_br with identical destinations")
			}
		default:
			return diag.Errorf(diag.StructuralUnsupported, e.loc(term.Op()), "unsupported terminator for reverse-mode differentiation")
		}
	}
	return nil
}

// precheckActivity rejects constructs the sweep has no adjoint rule for,
// once activity is known.
func (e *Emitter) precheckActivity() error {
	entryID := e.fn.Entry().ID()
	for _, blk := range e.fn.Blocks() {
		if !e.reach[blk.ID()] {
			continue
		}
		if blk.ID() != entryID {
			for _, p := range blk.Params() {
				if p.IsAddress() && e.act.IsActive(p) {
					return diag.Errorf(diag.UnsupportedConstruct, e.loc(""), "active address-typed block parameter")
				}
			}
		}
		for _, in := range blk.Instrs() {
			switch in := in.(type) {
			case *ir.SwitchEnum:
				for _, c := range in.Cases {
					params := e.fn.Block(c.Dest).Params()
					if len(params) > 0 && e.act.IsActive(params[len(params)-1]) {
						return diag.Errorf(diag.UnsupportedConstruct, e.loc(in.Op()), "differentiation through an enum payload")
					}
				}
			case *ir.Call:
				if _, need := linearmap.CallConfig(in, e.act); need && len(in.CalleeType().Results) != 1 {
					return diag.Errorf(diag.UnsupportedConstruct, e.loc(in.Op()), "active call with multiple results")
				}
			}
		}
	}
	return nil
}

// createPullbackShell declares the pullback function: the mathematical
// pullback signature with the return block's linear map struct as an extra
// trailing parameter, which the VJP binds by partial application.
func (e *Emitter) createPullbackShell() error {
	pbT, err := ir.PullbackType(e.fn.Type, e.cfg, e.oracle)
	if err != nil {
		return diag.Errorf(diag.NonDifferentiableType, e.loc(""), err.Error())
	}
	full := &ir.FunctionType{
		Params: append(append([]ir.Param(nil), pbT.Params...),
			ir.Param{Type: e.layout.StructOf(e.fn.ReturnBlock().ID())}),
		Results: append([]ir.Result(nil), pbT.Results...),
	}
	mod := e.fn.Module()
	name := mod.UniqueFuncName(fmt.Sprintf("_AD__%s_PB__wrt_%s", e.fn.Name, idxSuffix(e.cfg.Params)))
	e.pb = mod.MustNewFunc(name, full)
	e.pb.Visibility = ir.Private
	return nil
}

// emitError carries a diagnostic out of builder-driven emission via panic;
// the per-phase recover turns it back into an error.
type emitError struct{ err error }

func (e *Emitter) bail(err error) {
	panic(emitError{err: err})
}

func (e *Emitter) recovered(r any, err *error) {
	if r == nil {
		return
	}
	if ee, ok := r.(emitError); ok {
		*err = ee.err
		return
	}
	*err = diag.Errorf(diag.UnsupportedConstruct, e.loc(""), fmt.Sprint(r))
}

// m resolves an original value to its clone.
func (e *Emitter) m(v *ir.Value) *ir.Value {
	nv, ok := e.vmap[v]
	if !ok {
		e.bail(diag.Errorf(diag.StructuralUnsupported, e.loc(""), fmt.Sprintf("use of %s outside its dominance region", v.Name())))
	}
	return nv
}

func (e *Emitter) mapAll(vals []*ir.Value) []*ir.Value {
	out := make([]*ir.Value, len(vals))
	for i, v := range vals {
		out[i] = e.m(v)
	}
	return out
}

// clone fills the VJP body.
func (e *Emitter) clone() (err error) {
	defer func() { e.recovered(recover(), &err) }()

	// Block shells first, so forward branches resolve. Entry parameters
	// mirror the original; every other block gains a trailing trace
	// parameter fed by the predecessor trampolines.
	entryID := e.fn.Entry().ID()
	for _, blk := range e.fn.Blocks() {
		nb := e.vjp.NewBlock()
		e.cloneBlk[blk.ID()] = nb
		if blk.ID() == entryID {
			for _, r := range e.vjp.Type.IndirectResults() {
				nb.AddParam(ir.AddressOf(r.Type), "")
			}
			for i := range e.vjp.Type.Params {
				nb.AddParam(e.vjp.Type.ArgType(i), "")
			}
			orig := e.fn.Params()
			for i, p := range nb.Params() {
				e.vmap[orig[i]] = p
			}
			continue
		}
		for _, p := range blk.Params() {
			e.vmap[p] = nb.AddParam(p.Type(), "")
		}
		e.traceParam[blk.ID()] = nb.AddParam(e.layout.TraceOf(blk.ID()), "")
	}

	// Bodies in dominance order, so operand clones exist before their
	// uses; leftover blocks (unreachable from entry) follow in creation
	// order.
	seen := make(map[ir.BlockID]bool)
	order := e.fn.DomTree().Order()
	for _, bid := range order {
		seen[bid] = true
	}
	for _, blk := range e.fn.Blocks() {
		if !seen[blk.ID()] {
			order = append(order, blk.ID())
		}
	}
	for _, bid := range order {
		e.cloneBlock(bid)
	}
	return nil
}

func (e *Emitter) cloneBlock(bid ir.BlockID) {
	blk := e.fn.Block(bid)
	b := ir.NewBuilder(e.cloneBlk[bid])
	b.Oracle = e.oracle

	for _, in := range blk.Instrs() {
		if term, ok := in.(ir.Terminator); ok {
			e.cloneTerminator(b, bid, term)
			continue
		}
		e.cloneInstr(b, bid, in)
	}
}

func (e *Emitter) cloneInstr(b *ir.Builder, bid ir.BlockID, in ir.Instr) {
	bind := func(nv *ir.Value) {
		if r := in.Result(); r != nil {
			e.vmap[r] = nv
		}
	}
	switch in := in.(type) {
	case *ir.Const:
		bind(b.Const(in.Lit))
	case *ir.BinOp:
		x, y := e.m(in.X), e.m(in.Y)
		bind(b.BinOp(in.Kind, x, y))
		if e.layout.FieldIndexOf(in) >= 0 {
			// Nonlinear arithmetic banks its primal operands for the
			// reverse rule.
			e.linear[bid] = append(e.linear[bid], b.Tuple(x, y))
		}
	case *ir.Neg:
		bind(b.Neg(e.m(in.X)))
	case *ir.FuncRef:
		bind(b.FuncRef(in.Fn))
	case *ir.Call:
		e.cloneCall(b, bid, in)
	case *ir.PartialApply:
		bind(b.PartialApply(e.m(in.Callee), e.mapAll(in.Bound)...))
	case *ir.Tuple:
		bind(b.Tuple(e.mapAll(in.Elems)...))
	case *ir.TupleExtract:
		bind(b.TupleExtract(e.m(in.X), in.Index))
	case *ir.StructNew:
		bind(b.StructNew(in.Ty, e.mapAll(in.Fields)...))
	case *ir.FieldExtract:
		bind(b.FieldExtract(e.m(in.X), in.Field))
	case *ir.FieldAddr:
		bind(b.FieldAddr(e.m(in.X), in.Field))
	case *ir.EnumNew:
		var payload *ir.Value
		if in.Payload != nil {
			payload = e.m(in.Payload)
		}
		bind(b.EnumNew(in.Ty, in.Case, payload))
	case *ir.Alloc:
		bind(b.Alloc(in.Elem))
	case *ir.Dealloc:
		b.Dealloc(e.m(in.Addr))
	case *ir.Load:
		bind(b.Load(e.m(in.Addr)))
	case *ir.Store:
		b.Store(e.m(in.Val), e.m(in.Addr))
	case *ir.CopyAddr:
		b.CopyAddr(e.m(in.Src), e.m(in.Dst))
	case *ir.DiffFuncNew:
		var jvp, vjp *ir.Value
		if in.JVP != nil {
			jvp = e.m(in.JVP)
		}
		if in.VJP != nil {
			vjp = e.m(in.VJP)
		}
		bind(b.DiffFuncNew(in.Config, e.m(in.Original), jvp, vjp))
	case *ir.DiffFuncExtract:
		bind(b.DiffFuncExtract(e.m(in.X), in.Extract))
	default:
		e.bail(diag.Errorf(diag.UnsupportedConstruct, e.loc(in.Op()), "no cloning rule"))
	}
}

// cloneCall clones a call, rewriting active ones to the resolved VJP and
// recording the returned pullback into the block's linear map list.
func (e *Emitter) cloneCall(b *ir.Builder, bid ir.BlockID, call *ir.Call) {
	callee := e.m(call.Callee)
	outs := e.mapAll(call.IndirectOuts)
	args := e.mapAll(call.Args)

	ccfg, active := e.layout.CalleeConfig(call)
	if !active {
		nv := b.Call(callee, outs, args)
		if call.Result() != nil {
			e.vmap[call.Result()] = nv
		}
		return
	}

	vjpVal, err := e.resolver.CalleeVJP(b, call, callee, ccfg)
	if err != nil {
		e.bail(err)
	}
	res := b.Call(vjpVal, outs, args)
	parts := splitDirect(b, res, vjpVal.Type().(*ir.FunctionType))
	pbVal := parts[len(parts)-1]

	// The struct slot was laid out from the callee's declared type; a
	// resolved derivative with a different convention gets reabstracted
	// into the slot.
	slot := e.layout.FieldIndexOf(call)
	slotT := e.layout.StructOf(bid).Fields[slot].Type.(*ir.FunctionType)
	pbVal, err = e.thunks.Reabstract(b, pbVal, slotT)
	if err != nil {
		e.bail(err)
	}
	e.linear[bid] = append(e.linear[bid], pbVal)

	if call.Result() != nil {
		nDirect := len(call.CalleeType().DirectResults())
		if nDirect == 1 {
			e.vmap[call.Result()] = parts[0]
		} else {
			e.vmap[call.Result()] = b.Tuple(parts[:nDirect]...)
		}
	}
}

func (e *Emitter) cloneTerminator(b *ir.Builder, bid ir.BlockID, term ir.Terminator) {
	switch t := term.(type) {
	case *ir.Return:
		st := e.buildStruct(b, bid)
		pbVal := b.PartialApply(b.FuncRef(e.pb), st)
		direct := e.fn.Type.DirectResults()
		var ret *ir.Value
		switch {
		case t.Val == nil || len(direct) == 0:
			ret = pbVal
		case len(direct) == 1:
			ret = b.Tuple(e.m(t.Val), pbVal)
		default:
			// Flatten the original result tuple and append the pullback.
			orig := e.m(t.Val)
			elems := make([]*ir.Value, 0, len(direct)+1)
			for i := range direct {
				elems = append(elems, b.TupleExtract(orig, i))
			}
			ret = b.Tuple(append(elems, pbVal)...)
		}
		b.Return(ret)

	case *ir.Br:
		e.structVal[bid] = e.buildStruct(b, bid)
		tr := e.trampoline(bid, t.Dest, e.mapAll(t.Args))
		b.Br(tr)

	case *ir.CondBr:
		e.structVal[bid] = e.buildStruct(b, bid)
		cond := e.m(t.Cond)
		thenTr := e.trampoline(bid, t.Then, e.mapAll(t.ThenArgs))
		elseTr := e.trampoline(bid, t.Else, e.mapAll(t.ElseArgs))
		b.CondBr(cond, thenTr, nil, elseTr, nil)

	case *ir.SwitchEnum:
		e.structVal[bid] = e.buildStruct(b, bid)
		x := e.m(t.X)
		enumTy := t.EnumTy()
		cases := make([]ir.SwitchCase, len(t.Cases))
		for i, c := range t.Cases {
			tr := e.switchTrampoline(bid, c.Dest, enumTy.Cases[c.Case].Payload)
			cases[i] = ir.SwitchCase{Case: c.Case, Dest: tr}
		}
		b.SwitchEnum(x, cases)

	case *ir.Unreachable:
		b.Unreachable()

	default:
		e.bail(diag.Errorf(diag.StructuralUnsupported, e.loc(term.Op()), "unsupported terminator for reverse-mode differentiation"))
	}
}

// buildStruct packs the block's linear maps, prefixed by the incoming
// trace for non-entry blocks, into its linear map struct.
func (e *Emitter) buildStruct(b *ir.Builder, bid ir.BlockID) *ir.Value {
	var fields []*ir.Value
	if e.layout.TraceFieldIndex(bid) >= 0 {
		fields = append(fields, e.traceParam[bid])
	}
	fields = append(fields, e.linear[bid]...)
	return b.StructNew(e.layout.StructOf(bid), fields...)
}

// trampoline builds the per-edge block that forwards the branch arguments
// and appends the destination's trace case.
func (e *Emitter) trampoline(bid, dest ir.BlockID, args []*ir.Value) ir.BlockID {
	tr := e.vjp.NewBlock()
	tb := ir.NewBuilder(tr)
	trace := tb.EnumNew(e.layout.TraceOf(dest), e.layout.CaseIndex(bid, dest), e.structVal[bid])
	tb.Br(e.cloneBlk[dest].ID(), append(args, trace)...)
	return tr.ID()
}

// switchTrampoline is the trampoline for a switch_enum arm; the payload
// arrives as the trampoline's own trailing parameter and is forwarded.
func (e *Emitter) switchTrampoline(bid, dest ir.BlockID, payload ir.Type) ir.BlockID {
	tr := e.vjp.NewBlock()
	var fwd []*ir.Value
	if payload != nil {
		fwd = append(fwd, tr.AddParam(payload, ""))
	}
	tb := ir.NewBuilder(tr)
	trace := tb.EnumNew(e.layout.TraceOf(dest), e.layout.CaseIndex(bid, dest), e.structVal[bid])
	tb.Br(e.cloneBlk[dest].ID(), append(fwd, trace)...)
	return tr.ID()
}

// splitDirect unpacks a call's register result into the callee's direct
// results in order.
func splitDirect(b *ir.Builder, res *ir.Value, ft *ir.FunctionType) []*ir.Value {
	direct := ft.DirectResults()
	switch len(direct) {
	case 0:
		return nil
	case 1:
		return []*ir.Value{res}
	default:
		out := make([]*ir.Value, len(direct))
		for i := range direct {
			out[i] = b.TupleExtract(res, i)
		}
		return out
	}
}

// idxSuffix renders an index set for use inside a generated function name.
func idxSuffix(s ir.IndexSet) string {
	out := ""
	for _, i := range s.Members() {
		if out != "" {
			out += "_"
		}
		out += fmt.Sprint(i)
	}
	return out
}
