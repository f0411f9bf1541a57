package forward

import (
	"github.com/born-ml/gradir/internal/adjoint"
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/ir"
)

// The differential replays the block in original order over tangents: each
// instruction's tangent rule mirrors the primal computation directly, with
// nonlinear rules reading their banked primal operands and active calls
// reading their banked callee differentials out of the linear map struct.
// Tangents of address values live in buffers zero-filled up front and
// released before the return.

func (e *Emitter) emitDifferential() (err error) {
	defer func() { e.recovered(recover(), &err) }()

	entry := e.df.NewBlock()
	for _, r := range e.df.Type.IndirectResults() {
		entry.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range e.df.Type.Params {
		entry.AddParam(e.df.Type.ArgType(i), "")
	}
	b := ir.NewBuilder(entry)
	b.Oracle = e.oracle
	acc := &adjoint.Accumulator{Arena: adjoint.NewArena(), B: b, Oracle: e.oracle}
	structParam := e.df.ParamValue(len(e.df.Type.Params) - 1)

	// Requested parameter tangents arrive as arguments; indirect ones are
	// already buffers.
	for k, i := range e.cfg.Params.Members() {
		v := e.fn.ParamValue(i)
		if e.fn.Type.Params[i].Indirect {
			e.tanBuf[v] = e.df.ParamValue(k)
		} else {
			e.tan[v] = e.df.ParamValue(k)
		}
	}

	// Remaining active address parameters, and the chosen out buffer, get
	// zero-filled tangent buffers of their own.
	resDecl := e.fn.Type.Results[e.cfg.Result]
	var outRoot *ir.Value
	if resDecl.Indirect {
		outRoot = e.fn.IndirectOutValue(indirectPos(e.fn.Type, e.cfg.Result))
	}
	for _, v := range e.fn.Params() {
		if !v.IsAddress() {
			continue
		}
		if _, ok := e.tanBuf[v]; ok {
			continue
		}
		if v != outRoot && !e.act.IsActive(v) {
			continue
		}
		elem := v.Type().(*ir.AddressType).Elem
		buf := b.Alloc(e.tangent(elem))
		acc.EmitZeroInto(buf)
		e.tanBuf[v] = buf
		e.owned = append(e.owned, buf)
	}

	for _, in := range e.fn.Entry().Instrs() {
		if term, ok := in.(ir.Terminator); ok {
			ret, ok := term.(*ir.Return)
			if !ok {
				e.bail(diag.Errorf(diag.StructuralUnsupported, e.loc(term.Op()), "unsupported terminator for forward-mode differentiation"))
			}
			e.emitReturnTangent(b, acc, ret)
			continue
		}
		e.tangentRule(b, acc, structParam, in)
	}
	return nil
}

// tangentOf returns v's tangent, materializing and caching a zero for
// values no rule produced one for.
func (e *Emitter) tangentOf(b *ir.Builder, acc *adjoint.Accumulator, v *ir.Value) *ir.Value {
	if t, ok := e.tan[v]; ok {
		return t
	}
	t := acc.EmitZero(e.tangent(v.Type()))
	e.tan[v] = t
	return t
}

// bufOf resolves the tangent buffer of an address, deriving field views on
// demand. Returns nil for addresses with no tangent state.
func (e *Emitter) bufOf(b *ir.Builder, addr *ir.Value) *ir.Value {
	if buf, ok := e.tanBuf[addr]; ok {
		return buf
	}
	if fa, ok := addr.Def().(*ir.FieldAddr); ok {
		if fa.StructTy().Fields[fa.Field].NoDerivative {
			return nil
		}
		parent := e.bufOf(b, fa.X)
		if parent == nil {
			return nil
		}
		return b.FieldAddr(parent, ir.TangentFieldIndex(fa.StructTy(), fa.Field))
	}
	return nil
}

func (e *Emitter) tangentRule(b *ir.Builder, acc *adjoint.Accumulator, structParam *ir.Value, in ir.Instr) {
	set := func(t *ir.Value) {
		r := in.Result()
		if r != nil && e.act.IsActive(r) {
			e.tan[r] = t
		}
	}
	active := in.Result() != nil && e.act.IsActive(in.Result())

	switch in := in.(type) {
	case *ir.BinOp:
		if !active {
			return
		}
		tx := e.tangentOf(b, acc, in.X)
		ty := e.tangentOf(b, acc, in.Y)
		switch in.Kind {
		case ir.OpAdd:
			set(b.Add(tx, ty))
		case ir.OpSub:
			set(b.Sub(tx, ty))
		case ir.OpMul, ir.OpDiv:
			prim := b.FieldExtract(structParam, e.layout.FieldIndexOf(in))
			px := b.TupleExtract(prim, 0)
			py := b.TupleExtract(prim, 1)
			if in.Kind == ir.OpMul {
				set(b.Add(b.Mul(tx, py), b.Mul(px, ty)))
			} else {
				set(b.Sub(b.Div(tx, py), b.Div(b.Mul(px, ty), b.Mul(py, py))))
			}
		}

	case *ir.Neg:
		if active {
			set(b.Neg(e.tangentOf(b, acc, in.X)))
		}

	case *ir.Tuple:
		if !active {
			return
		}
		elems := make([]*ir.Value, len(in.Elems))
		for i, el := range in.Elems {
			elems[i] = e.tangentOf(b, acc, el)
		}
		set(b.Tuple(elems...))

	case *ir.TupleExtract:
		if active {
			set(b.TupleExtract(e.tangentOf(b, acc, in.X), in.Index))
		}

	case *ir.StructNew:
		if !active {
			return
		}
		st := e.tangent(in.Ty).(*ir.StructType)
		var fields []*ir.Value
		for j, fv := range in.Fields {
			if in.Ty.Fields[j].NoDerivative {
				continue
			}
			fields = append(fields, e.tangentOf(b, acc, fv))
		}
		set(b.StructNew(st, fields...))

	case *ir.FieldExtract:
		if !active || in.StructTy().Fields[in.Field].NoDerivative {
			return
		}
		set(b.FieldExtract(e.tangentOf(b, acc, in.X), ir.TangentFieldIndex(in.StructTy(), in.Field)))

	case *ir.Alloc:
		if !e.act.IsActive(in.Result()) {
			return
		}
		buf := b.Alloc(e.tangent(in.Elem))
		acc.EmitZeroInto(buf)
		e.tanBuf[in.Result()] = buf
		e.owned = append(e.owned, buf)

	case *ir.Dealloc:
		if buf, ok := e.tanBuf[in.Addr]; ok && e.releaseOwned(buf) {
			b.Dealloc(buf)
		}

	case *ir.Load:
		if !active {
			return
		}
		if buf := e.bufOf(b, in.Addr); buf != nil {
			set(b.Load(buf))
		}

	case *ir.Store:
		if buf := e.bufOf(b, in.Addr); buf != nil {
			b.Store(e.tangentOf(b, acc, in.Val), buf)
		}

	case *ir.CopyAddr:
		dbuf := e.bufOf(b, in.Dst)
		if dbuf == nil {
			return
		}
		if sbuf := e.bufOf(b, in.Src); sbuf != nil {
			b.CopyAddr(sbuf, dbuf)
		} else {
			acc.EmitZeroInto(dbuf)
		}

	case *ir.Call:
		e.tangentCall(b, acc, structParam, in)
	}
}

// tangentCall extracts the banked differential, feeds it the argument
// tangents, and routes its result tangent to the call's result.
func (e *Emitter) tangentCall(b *ir.Builder, acc *adjoint.Accumulator, structParam *ir.Value, in *ir.Call) {
	ccfg, active := e.layout.CalleeConfig(in)
	if !active {
		return
	}
	dfVal := b.FieldExtract(structParam, e.layout.FieldIndexOf(in))
	dfFT := dfVal.Type().(*ir.FunctionType)

	var args, scratch []*ir.Value
	for k, i := range ccfg.Params.Members() {
		if dfFT.Params[k].Indirect {
			buf := e.bufOf(b, in.Args[i])
			if buf == nil {
				buf = b.Alloc(dfFT.Params[k].Type)
				acc.EmitZeroInto(buf)
				scratch = append(scratch, buf)
			}
			args = append(args, buf)
		} else {
			args = append(args, e.tangentOf(b, acc, in.Args[i]))
		}
	}

	if in.CalleeType().Results[0].Indirect {
		buf := e.bufOf(b, in.IndirectOuts[0])
		if buf == nil {
			buf = b.Alloc(dfFT.Results[0].Type)
			scratch = append(scratch, buf)
		}
		b.Call(dfVal, []*ir.Value{buf}, args)
	} else {
		res := b.Call(dfVal, nil, args)
		if in.Result() != nil && e.act.IsActive(in.Result()) {
			e.tan[in.Result()] = res
		}
	}
	for i := len(scratch) - 1; i >= 0; i-- {
		b.Dealloc(scratch[i])
	}
}

func (e *Emitter) emitReturnTangent(b *ir.Builder, acc *adjoint.Accumulator, ret *ir.Return) {
	resDecl := e.fn.Type.Results[e.cfg.Result]
	if resDecl.Indirect {
		src := e.tanBuf[e.fn.IndirectOutValue(indirectPos(e.fn.Type, e.cfg.Result))]
		b.CopyAddr(src, e.df.IndirectOutValue(0))
		e.deallocOwned(b)
		b.Return(nil)
		return
	}

	target := ret.Val
	if target != nil && len(e.fn.Type.DirectResults()) > 1 {
		tup, ok := target.Def().(*ir.Tuple)
		if !ok {
			e.bail(diag.Errorf(diag.UnsupportedConstruct, e.loc(""), "return of an opaque multi-result value"))
		}
		target = tup.Elems[directPos(e.fn.Type, e.cfg.Result)]
	}
	var t *ir.Value
	if target != nil {
		t = e.tangentOf(b, acc, target)
	}
	e.deallocOwned(b)
	b.Return(t)
}

// releaseOwned marks buf released, reporting whether this emitter still
// owned it.
func (e *Emitter) releaseOwned(buf *ir.Value) bool {
	for i, o := range e.owned {
		if o == buf {
			e.owned = append(e.owned[:i], e.owned[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Emitter) deallocOwned(b *ir.Builder) {
	for i := len(e.owned) - 1; i >= 0; i-- {
		b.Dealloc(e.owned[i])
	}
	e.owned = nil
}

func (e *Emitter) tangent(t ir.Type) ir.Type {
	ts, ok := e.oracle.TangentSpace(t)
	if !ok {
		e.bail(diag.Errorf(diag.NonDifferentiableType, e.loc(""), "type has no tangent space"))
	}
	return ts.Type
}

func directPos(ft *ir.FunctionType, result int) int {
	n := 0
	for i := 0; i < result; i++ {
		if !ft.Results[i].Indirect {
			n++
		}
	}
	return n
}

func indirectPos(ft *ir.FunctionType, result int) int {
	n := 0
	for i := 0; i < result; i++ {
		if ft.Results[i].Indirect {
			n++
		}
	}
	return n
}
