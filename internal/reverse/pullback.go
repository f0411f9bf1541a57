package reverse

import (
	"fmt"

	"github.com/born-ml/gradir/internal/adjoint"
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/ir"
)

// The pullback retraces the recorded execution backwards. It has one
// block per original block the return is reachable from, visited against
// the flow of the original CFG. A pullback block receives the running
// adjoint of every active value visible in its original block, plus that
// block's linear map struct; it processes the block's instructions in
// reverse, then switches over the incoming trace to continue into the
// right predecessor's pullback block through a per-edge trampoline that
// folds the block-parameter adjoints onto the edge's branch arguments.
//
// Adjoints of address-kind values live in buffers instead: allocated and
// zero-filled in the synthetic entry (which dominates every pullback
// block), accumulated into by the reverse rules, and deallocated in the
// synthetic exit. Field projections of a buffered aggregate become field
// projections of its adjoint buffer, skipping excluded fields.

func (e *Emitter) emitPullback() (err error) {
	defer func() { e.recovered(recover(), &err) }()

	e.arena = adjoint.NewArena()
	e.pbBlk = make(map[ir.BlockID]*ir.Block)

	retBlk := e.fn.ReturnBlock()
	ret := retBlk.Terminator().(*ir.Return)
	resDecl := e.fn.Type.Results[e.cfg.Result]

	// Where the external seed lands: the returned value (or its tuple
	// element) for a direct result, the chosen out buffer's adjoint for an
	// indirect one.
	var seedTarget, seedRoot *ir.Value
	if resDecl.Indirect {
		seedRoot = e.fn.IndirectOutValue(indirectPos(e.fn.Type, e.cfg.Result))
	} else if ret.Val != nil {
		seedTarget = ret.Val
		if len(e.fn.Type.DirectResults()) > 1 {
			tup, ok := seedTarget.Def().(*ir.Tuple)
			if !ok {
				return diag.Errorf(diag.UnsupportedConstruct, e.loc(""), "return of an opaque multi-result value")
			}
			seedTarget = tup.Elems[directPos(e.fn.Type, e.cfg.Result)]
		}
	}

	e.computePBParams()

	// Synthetic entry: function parameters, adjoint buffers, and the jump
	// into the return block's pullback.
	entry := e.pb.NewBlock()
	for _, r := range e.pb.Type.IndirectResults() {
		entry.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range e.pb.Type.Params {
		entry.AddParam(e.pb.Type.ArgType(i), "")
	}
	seedVal := e.pb.ParamValue(0)
	structParam := e.pb.ParamValue(1)

	for _, blk := range e.fn.Blocks() {
		if !e.reach[blk.ID()] {
			continue
		}
		nb := e.pb.NewBlock()
		for _, v := range e.pbParams[blk.ID()] {
			nb.AddParam(e.tangent(v.Type()), "")
		}
		nb.AddParam(e.layout.StructOf(blk.ID()), "")
		e.pbBlk[blk.ID()] = nb
	}

	eb := ir.NewBuilder(entry)
	eb.Oracle = e.oracle
	eacc := &adjoint.Accumulator{Arena: e.arena, B: eb, Oracle: e.oracle}
	for _, v := range e.bufferRoots(seedRoot) {
		elem := v.Type().(*ir.AddressType).Elem
		buf := eb.Alloc(e.tangent(elem))
		e.adjBuf[v] = buf
		e.bufs = append(e.bufs, buf)
		if v == seedRoot {
			eb.CopyAddr(seedVal, buf)
		} else {
			eacc.EmitZeroInto(buf)
		}
	}
	var args []*ir.Value
	for _, v := range e.pbParams[retBlk.ID()] {
		if v == seedTarget {
			args = append(args, seedVal)
		} else {
			args = append(args, eacc.EmitZero(e.tangent(v.Type())))
		}
	}
	eb.Br(e.pbBlk[retBlk.ID()].ID(), append(args, structParam)...)

	for _, blk := range e.fn.Blocks() {
		if e.reach[blk.ID()] {
			e.processPBBlock(blk)
		}
	}
	return nil
}

// computePBParams fixes, per block, the list of original values whose
// running adjoints its pullback block receives: every active object-kind
// value with a tangent space whose definition dominates the block, in
// definition order.
func (e *Emitter) computePBParams() {
	dom := e.fn.DomTree()
	var defs []*ir.Value
	for _, bid := range dom.Order() {
		blk := e.fn.Block(bid)
		defs = append(defs, blk.Params()...)
		for _, in := range blk.Instrs() {
			if r := in.Result(); r != nil {
				defs = append(defs, r)
			}
		}
	}
	e.pbParams = make(map[ir.BlockID][]*ir.Value)
	for _, blk := range e.fn.Blocks() {
		if !e.reach[blk.ID()] {
			continue
		}
		var list []*ir.Value
		for _, v := range defs {
			if v.IsAddress() || !e.act.IsActive(v) {
				continue
			}
			if _, ok := e.oracle.TangentSpace(v.Type()); !ok {
				continue
			}
			if dom.Dominates(v.Block(), blk.ID()) {
				list = append(list, v)
			}
		}
		e.pbParams[blk.ID()] = list
	}
}

// bufferRoots lists the address values that need their own adjoint
// buffer: active allocations and address-typed entry parameters, plus the
// requested indirect parameters and the seeded out buffer regardless of
// activity. Derived field addresses become views into their parent's
// buffer instead.
func (e *Emitter) bufferRoots(seedRoot *ir.Value) []*ir.Value {
	wanted := make(map[*ir.Value]bool)
	for _, i := range e.cfg.Params.Members() {
		if e.fn.Type.Params[i].Indirect {
			wanted[e.fn.ParamValue(i)] = true
		}
	}
	var roots []*ir.Value
	for _, v := range e.fn.Params() {
		if v.IsAddress() && (wanted[v] || v == seedRoot || e.act.IsActive(v)) {
			roots = append(roots, v)
		}
	}
	for _, blk := range e.fn.Blocks() {
		if !e.reach[blk.ID()] {
			continue
		}
		for _, in := range blk.Instrs() {
			if al, ok := in.(*ir.Alloc); ok && e.act.IsActive(al.Result()) {
				roots = append(roots, al.Result())
			}
		}
	}
	return roots
}

// buffer resolves the adjoint buffer for an address value, deriving field
// views on demand. Returns nil for addresses with no adjoint state.
func (e *Emitter) buffer(bld *ir.Builder, addr *ir.Value) *ir.Value {
	if buf, ok := e.adjBuf[addr]; ok {
		return buf
	}
	if fa, ok := addr.Def().(*ir.FieldAddr); ok {
		if fa.StructTy().Fields[fa.Field].NoDerivative {
			return nil
		}
		parent := e.buffer(bld, fa.X)
		if parent == nil {
			return nil
		}
		return bld.FieldAddr(parent, ir.TangentFieldIndex(fa.StructTy(), fa.Field))
	}
	return nil
}

func (e *Emitter) processPBBlock(blk *ir.Block) {
	nb := e.pbBlk[blk.ID()]
	bld := ir.NewBuilder(nb)
	bld.Oracle = e.oracle
	acc := &adjoint.Accumulator{Arena: e.arena, B: bld, Oracle: e.oracle}

	e.adj = make(map[*ir.Value]*adjoint.Value)
	params := nb.Params()
	for i, v := range e.pbParams[blk.ID()] {
		e.adj[v] = e.arena.Concrete(params[i])
	}
	structParam := params[len(params)-1]

	instrs := blk.Instrs()
	for i := len(instrs) - 1; i >= 0; i-- {
		if _, ok := instrs[i].(ir.Terminator); ok {
			continue
		}
		e.reverseInstr(bld, acc, structParam, instrs[i])
	}

	if blk.ID() == e.fn.Entry().ID() {
		e.emitExit(bld, acc)
	} else {
		e.emitTransition(bld, acc, blk, structParam)
	}
}

// take removes and returns the running adjoint of v, or nil.
func (e *Emitter) take(v *ir.Value) *adjoint.Value {
	if v == nil {
		return nil
	}
	a, ok := e.adj[v]
	if !ok {
		return nil
	}
	delete(e.adj, v)
	return a
}

// addAdj folds a contribution into v's running adjoint.
func (e *Emitter) addAdj(acc *adjoint.Accumulator, v *ir.Value, a *adjoint.Value) {
	if cur, ok := e.adj[v]; ok {
		e.adj[v] = acc.Accumulate(cur, a)
	} else {
		e.adj[v] = a
	}
}

func (e *Emitter) reverseInstr(bld *ir.Builder, acc *adjoint.Accumulator, structParam *ir.Value, in ir.Instr) {
	switch in := in.(type) {
	case *ir.Const, *ir.FuncRef, *ir.Alloc, *ir.Dealloc, *ir.FieldAddr:
		// No adjoint flow at the definition; field address adjoints are
		// derived views resolved by buffer().

	case *ir.BinOp:
		e.reverseBinOp(bld, acc, structParam, in)

	case *ir.Neg:
		d := e.take(in.Result())
		if d == nil || d.IsZero() {
			return
		}
		if e.act.IsActive(in.X) {
			e.addAdj(acc, in.X, e.arena.Concrete(bld.Neg(acc.Materialize(d))))
		}

	case *ir.Tuple:
		d := e.take(in.Result())
		if d == nil {
			return
		}
		parts := acc.Explode(d)
		for i, el := range in.Elems {
			if e.act.IsActive(el) {
				e.addAdj(acc, el, parts[i])
			}
		}

	case *ir.TupleExtract:
		d := e.take(in.Result())
		if d == nil {
			return
		}
		tt := e.tangent(in.X.Type()).(*ir.TupleType)
		elems := make([]*adjoint.Value, len(tt.Elems))
		for k, et := range tt.Elems {
			elems[k] = e.arena.Zero(et)
		}
		elems[in.Index] = d
		e.addAdj(acc, in.X, e.arena.Aggregate(tt, elems))

	case *ir.StructNew:
		d := e.take(in.Result())
		if d == nil {
			return
		}
		parts := acc.Explode(d)
		for j, fv := range in.Fields {
			tj := ir.TangentFieldIndex(in.Ty, j)
			if tj >= 0 && e.act.IsActive(fv) {
				e.addAdj(acc, fv, parts[tj])
			}
		}

	case *ir.FieldExtract:
		if in.StructTy().Fields[in.Field].NoDerivative {
			return
		}
		d := e.take(in.Result())
		if d == nil {
			return
		}
		st := e.tangent(in.X.Type()).(*ir.StructType)
		elems := make([]*adjoint.Value, len(st.Fields))
		for k, f := range st.Fields {
			elems[k] = e.arena.Zero(f.Type)
		}
		elems[ir.TangentFieldIndex(in.StructTy(), in.Field)] = d
		e.addAdj(acc, in.X, e.arena.Aggregate(st, elems))

	case *ir.Load:
		d := e.take(in.Result())
		if d == nil {
			return
		}
		if buf := e.buffer(bld, in.Addr); buf != nil {
			acc.AccumulateInBuffer(buf, d)
		}

	case *ir.Store:
		buf := e.buffer(bld, in.Addr)
		if buf == nil {
			return
		}
		// The store killed the previous contents, so its adjoint moves out
		// of the buffer and the buffer resets to zero.
		cur := bld.Load(buf)
		if e.act.IsActive(in.Val) {
			e.addAdj(acc, in.Val, e.arena.Concrete(cur))
		}
		acc.EmitZeroInto(buf)

	case *ir.CopyAddr:
		dbuf := e.buffer(bld, in.Dst)
		if dbuf == nil {
			return
		}
		cur := bld.Load(dbuf)
		if sbuf := e.buffer(bld, in.Src); sbuf != nil {
			acc.AccumulateInBuffer(sbuf, e.arena.Concrete(cur))
		}
		acc.EmitZeroInto(dbuf)

	case *ir.Call:
		e.reverseCall(bld, acc, structParam, in)

	default:
		if r := in.Result(); r != nil {
			if _, bound := e.adj[r]; bound {
				e.bail(diag.Errorf(diag.UnsupportedConstruct, e.loc(in.Op()), "no reverse rule"))
			}
		}
	}
}

func (e *Emitter) reverseBinOp(bld *ir.Builder, acc *adjoint.Accumulator, structParam *ir.Value, in *ir.BinOp) {
	d := e.take(in.Result())
	if d == nil || d.IsZero() {
		return
	}
	dv := acc.Materialize(d)
	add := func(v, contrib *ir.Value) {
		if e.act.IsActive(v) {
			e.addAdj(acc, v, e.arena.Concrete(contrib))
		}
	}
	switch in.Kind {
	case ir.OpAdd:
		add(in.X, dv)
		add(in.Y, dv)
	case ir.OpSub:
		add(in.X, dv)
		add(in.Y, bld.Neg(dv))
	case ir.OpMul, ir.OpDiv:
		prim := bld.FieldExtract(structParam, e.layout.FieldIndexOf(in))
		px := bld.TupleExtract(prim, 0)
		py := bld.TupleExtract(prim, 1)
		if in.Kind == ir.OpMul {
			add(in.X, bld.Mul(dv, py))
			add(in.Y, bld.Mul(dv, px))
		} else {
			add(in.X, bld.Div(dv, py))
			add(in.Y, bld.Neg(bld.Div(bld.Mul(dv, px), bld.Mul(py, py))))
		}
	}
}

// reverseCall extracts the banked pullback from the struct, seeds it with
// the call result's adjoint, and accumulates the produced adjoints onto
// the original arguments.
func (e *Emitter) reverseCall(bld *ir.Builder, acc *adjoint.Accumulator, structParam *ir.Value, in *ir.Call) {
	ccfg, active := e.layout.CalleeConfig(in)
	if !active {
		return
	}
	pbVal := bld.FieldExtract(structParam, e.layout.FieldIndexOf(in))
	pbFT := pbVal.Type().(*ir.FunctionType)
	ct := in.CalleeType()

	var seedArg, seedBuf *ir.Value
	if ct.Results[0].Indirect {
		seedBuf = e.buffer(bld, in.IndirectOuts[0])
		if seedBuf == nil {
			e.bail(diag.Errorf(diag.UnsupportedConstruct, e.loc(in.Op()), "active result buffer with untracked adjoint"))
		}
		seedArg = seedBuf
	} else {
		d := e.take(in.Result())
		if d == nil {
			d = e.arena.Zero(e.tangent(ct.Results[0].Type))
		}
		seedArg = acc.Materialize(d)
	}

	// Scratch buffers catch the pullback's indirect adjoints.
	type scratch struct {
		arg *ir.Value
		buf *ir.Value
	}
	var outs []*ir.Value
	var scratches []scratch
	for r, i := range ccfg.Params.Members() {
		if !pbFT.Results[r].Indirect {
			continue
		}
		buf := bld.Alloc(pbFT.Results[r].Type)
		outs = append(outs, buf)
		scratches = append(scratches, scratch{arg: in.Args[i], buf: buf})
	}

	res := bld.Call(pbVal, outs, []*ir.Value{seedArg})
	parts := splitDirect(bld, res, pbFT)

	di := 0
	for r, i := range ccfg.Params.Members() {
		if pbFT.Results[r].Indirect {
			continue
		}
		if e.act.IsActive(in.Args[i]) {
			e.addAdj(acc, in.Args[i], e.arena.Concrete(parts[di]))
		}
		di++
	}
	for _, s := range scratches {
		if buf := e.buffer(bld, s.arg); buf != nil {
			acc.AccumulateInBuffer(buf, e.arena.Concrete(bld.Load(s.buf)))
		}
		bld.Dealloc(s.buf)
	}
	if seedBuf != nil {
		// The forward call overwrote this buffer, so its adjoint is spent.
		acc.EmitZeroInto(seedBuf)
	}
}

// emitTransition ends a non-entry pullback block: materialize the
// surviving adjoints once, then switch over the incoming trace into the
// per-edge trampolines.
func (e *Emitter) emitTransition(bld *ir.Builder, acc *adjoint.Accumulator, blk *ir.Block, structParam *ir.Value) {
	bid := blk.ID()
	traceVal := bld.FieldExtract(structParam, e.layout.TraceFieldIndex(bid))

	mat := make(map[*ir.Value]*ir.Value)
	for _, v := range e.pbParams[bid] {
		if a, ok := e.adj[v]; ok {
			delete(e.adj, v)
			mat[v] = acc.Materialize(a)
		}
	}

	var cases []ir.SwitchCase
	for _, pred := range e.fn.Preds(bid) {
		tramp := e.pbTrampoline(blk, pred, mat)
		cases = append(cases, ir.SwitchCase{Case: e.layout.CaseIndex(pred, bid), Dest: tramp})
	}
	bld.SwitchEnum(traceVal, cases)
}

// pbTrampoline builds the reverse per-edge block: it receives the
// predecessor's linear map struct as the trace payload, folds this block's
// parameter adjoints onto the edge's branch arguments, and branches into
// the predecessor's pullback block.
func (e *Emitter) pbTrampoline(blk *ir.Block, pred ir.BlockID, mat map[*ir.Value]*ir.Value) ir.BlockID {
	tr := e.pb.NewBlock()
	payload := tr.AddParam(e.layout.StructOf(pred), "")
	tb := ir.NewBuilder(tr)
	tb.Oracle = e.oracle
	tacc := &adjoint.Accumulator{Arena: e.arena, B: tb, Oracle: e.oracle}

	local := make(map[*ir.Value]*ir.Value, len(mat))
	for v, m := range mat {
		local[v] = m
	}

	// The incoming parameter adjoints are spent on this edge; any earlier
	// instance of the same parameter starts over from zero.
	for _, p := range blk.Params() {
		if _, ok := mat[p]; ok {
			delete(local, p)
		}
	}
	eargs := edgeArgs(e.fn.Block(pred).Terminator(), blk.ID())
	for i, p := range blk.Params() {
		m, ok := mat[p]
		if !ok || eargs == nil || i >= len(eargs) {
			continue
		}
		a := eargs[i]
		if !e.act.IsActive(a) {
			continue
		}
		if cur, ok := local[a]; ok {
			sum := tacc.Accumulate(e.arena.Concrete(cur), e.arena.Concrete(m))
			local[a] = tacc.Materialize(sum)
		} else {
			local[a] = m
		}
	}

	var args []*ir.Value
	for _, v := range e.pbParams[pred] {
		if mv, ok := local[v]; ok {
			args = append(args, mv)
		} else {
			args = append(args, tacc.EmitZero(e.tangent(v.Type())))
		}
	}
	tb.Br(e.pbBlk[pred].ID(), append(args, payload)...)
	return tr.ID()
}

// emitExit ends the entry block's pullback: materialize the requested
// parameter adjoints, copy the indirect ones into the caller's slots,
// release the adjoint buffers, and return.
func (e *Emitter) emitExit(bld *ir.Builder, acc *adjoint.Accumulator) {
	var direct []*ir.Value
	outIdx := 0
	for _, i := range e.cfg.Params.Members() {
		p := e.fn.Type.Params[i]
		v := e.fn.ParamValue(i)
		if p.Indirect {
			bld.CopyAddr(e.adjBuf[v], e.pb.IndirectOutValue(outIdx))
			outIdx++
			continue
		}
		if a, ok := e.adj[v]; ok {
			delete(e.adj, v)
			direct = append(direct, acc.Materialize(a))
		} else {
			direct = append(direct, acc.EmitZero(e.tangent(p.Type)))
		}
	}
	for i := len(e.bufs) - 1; i >= 0; i-- {
		bld.Dealloc(e.bufs[i])
	}
	switch len(direct) {
	case 0:
		bld.Return(nil)
	case 1:
		bld.Return(direct[0])
	default:
		bld.Return(bld.Tuple(direct...))
	}
}

// tangent returns the tangent type of t, failing the run when t has none.
func (e *Emitter) tangent(t ir.Type) ir.Type {
	ts, ok := e.oracle.TangentSpace(t)
	if !ok {
		e.bail(diag.Errorf(diag.NonDifferentiableType, e.loc(""), fmt.Sprintf("type %s has no tangent space", t)))
	}
	return ts.Type
}

// edgeArgs returns the branch arguments a terminator passes along the
// edge to dest, or nil for payload-carrying switch edges.
func edgeArgs(term ir.Terminator, dest ir.BlockID) []*ir.Value {
	switch t := term.(type) {
	case *ir.Br:
		return t.Args
	case *ir.CondBr:
		if t.Then == dest {
			return t.ThenArgs
		}
		return t.ElseArgs
	default:
		return nil
	}
}

// directPos maps a result index to its position among the direct results.
func directPos(ft *ir.FunctionType, result int) int {
	n := 0
	for i := 0; i < result; i++ {
		if !ft.Results[i].Indirect {
			n++
		}
	}
	return n
}

// indirectPos maps a result index to its position among the indirect
// results.
func indirectPos(ft *ir.FunctionType, result int) int {
	n := 0
	for i := 0; i < result; i++ {
		if ft.Results[i].Indirect {
			n++
		}
	}
	return n
}
