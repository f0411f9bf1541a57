// Package forward generates forward-mode derivatives: for an original
// function it fills a JVP returning the original results plus a
// differential closure, and synthesizes that differential.
//
// The structure mirrors the reverse emitter, with two simplifications.
// The tangent rules run in original instruction order and are not
// inverted, so tangents are materialized eagerly instead of symbolically.
// And only single-block functions are supported; control flow in forward
// mode is rejected up front with its own diagnostic.
package forward

import (
	"fmt"

	"github.com/born-ml/gradir/internal/activity"
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/linearmap"
	"github.com/born-ml/gradir/internal/thunk"
)

// Resolver resolves a callee to its JVP under a derivative configuration.
type Resolver interface {
	CalleeJVP(b *ir.Builder, call *ir.Call, callee *ir.Value, cfg ir.DiffConfig) (*ir.Value, error)
}

// State tracks emitter progress, for tests and failure reporting.
type State int

const (
	EmptyJvpCreated State = iota
	BuildingLinearMapLayout
	Cloning
	EmittingDifferential
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case EmptyJvpCreated:
		return "empty-jvp-created"
	case BuildingLinearMapLayout:
		return "building-linear-map-layout"
	case Cloning:
		return "cloning"
	case EmittingDifferential:
		return "emitting-differential"
	case Done:
		return "done"
	default:
		return "failed"
	}
}

// Emitter fills a pre-created empty JVP and synthesizes its differential.
type Emitter struct {
	fn       *ir.Function
	cfg      ir.DiffConfig
	oracle   ir.Oracle
	thunks   *thunk.Builder
	resolver Resolver

	state  State
	act    *activity.Info
	layout *linearmap.Layout

	jvp *ir.Function
	df  *ir.Function

	// cloning state
	vmap   map[*ir.Value]*ir.Value
	linear []*ir.Value

	// differential state
	tan    map[*ir.Value]*ir.Value
	tanBuf map[*ir.Value]*ir.Value
	owned  []*ir.Value
}

// Emit fills the pre-created empty jvp for fn under cfg and synthesizes
// its differential, returning the differential function. On error the
// emitter removes everything it created itself; the caller owns jvp and
// any thunks, and removes those during rollback.
func Emit(fn *ir.Function, cfg ir.DiffConfig, jvp *ir.Function, oracle ir.Oracle, thunks *thunk.Builder, resolver Resolver) (*ir.Function, error) {
	e := &Emitter{
		fn:       fn,
		cfg:      cfg,
		oracle:   oracle,
		thunks:   thunks,
		resolver: resolver,
		state:    EmptyJvpCreated,
		jvp:      jvp,
		vmap:     make(map[*ir.Value]*ir.Value),
		tan:      make(map[*ir.Value]*ir.Value),
		tanBuf:   make(map[*ir.Value]*ir.Value),
	}
	df, err := e.run()
	if err != nil {
		e.fail()
		return nil, err
	}
	return df, nil
}

// EmitStub fills jvp with a body that traps at runtime, for configurations
// where forward-mode derivatives are declared but never materialized.
func EmitStub(jvp *ir.Function) {
	entry := jvp.NewBlock()
	for _, r := range jvp.Type.IndirectResults() {
		entry.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range jvp.Type.Params {
		entry.AddParam(jvp.Type.ArgType(i), "")
	}
	ir.NewBuilder(entry).Unreachable()
}

// State returns the emitter's current state.
func (e *Emitter) State() State { return e.state }

func (e *Emitter) run() (*ir.Function, error) {
	if err := e.precheck(); err != nil {
		return nil, err
	}
	e.act = activity.Analyze(e.fn, e.cfg, e.oracle)
	if err := e.precheckActivity(); err != nil {
		return nil, err
	}

	e.state = BuildingLinearMapLayout
	layout, err := linearmap.Build(e.fn, e.cfg, e.act, linearmap.Differential, e.oracle)
	if err != nil {
		return nil, diag.Errorf(diag.NonDifferentiableType, e.loc(""), err.Error())
	}
	e.layout = layout
	if err := e.createDifferentialShell(); err != nil {
		return nil, err
	}

	e.state = Cloning
	if err := e.clone(); err != nil {
		return nil, err
	}

	e.state = EmittingDifferential
	if err := e.emitDifferential(); err != nil {
		return nil, err
	}

	e.state = Done
	return e.df, nil
}

func (e *Emitter) fail() {
	e.state = Failed
	if e.df != nil {
		e.fn.Module().RemoveFunc(e.df.Name)
	}
	if e.layout != nil {
		e.layout.Discard()
	}
}

func (e *Emitter) loc(instr string) diag.Loc {
	return diag.Loc{Fn: e.fn.Name, Instr: instr}
}

func (e *Emitter) precheck() error {
	if e.fn.ReturnBlock() == nil {
		return diag.Errorf(diag.StructuralUnsupported, e.loc(""), "function has no return block")
	}
	if len(e.fn.Blocks()) > 1 {
		return diag.Errorf(diag.StructuralUnsupported, e.loc(""), "forward-mode differentiation of control flow is not supported")
	}
	return nil
}

func (e *Emitter) precheckActivity() error {
	for _, in := range e.fn.Entry().Instrs() {
		call, ok := in.(*ir.Call)
		if !ok {
			continue
		}
		if _, need := linearmap.CallConfig(call, e.act); !need {
			continue
		}
		if len(call.CalleeType().Results) != 1 {
			return diag.Errorf(diag.UnsupportedConstruct, e.loc(in.Op()), "active call with multiple results")
		}
	}
	return nil
}

func (e *Emitter) createDifferentialShell() error {
	dfT, err := ir.DifferentialType(e.fn.Type, e.cfg, e.oracle)
	if err != nil {
		return diag.Errorf(diag.NonDifferentiableType, e.loc(""), err.Error())
	}
	full := &ir.FunctionType{
		Params: append(append([]ir.Param(nil), dfT.Params...),
			ir.Param{Type: e.layout.StructOf(e.fn.Entry().ID())}),
		Results: append([]ir.Result(nil), dfT.Results...),
	}
	mod := e.fn.Module()
	name := mod.UniqueFuncName(fmt.Sprintf("_AD__%s_DF__wrt_%s", e.fn.Name, idxSuffix(e.cfg.Params)))
	e.df = mod.MustNewFunc(name, full)
	e.df.Visibility = ir.Private
	return nil
}

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

func (e *Emitter) m(v *ir.Value) *ir.Value {
	nv, ok := e.vmap[v]
	if !ok {
		e.bail(diag.Errorf(diag.StructuralUnsupported, e.loc(""), fmt.Sprintf("use of %s before its definition", v.Name())))
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

// clone fills the JVP body: a verbatim copy of the single block, with
// active calls rewritten to resolved JVPs whose differentials are banked
// into the linear map struct, and the return rewritten to append the
// partially applied differential.
func (e *Emitter) clone() (err error) {
	defer func() { e.recovered(recover(), &err) }()

	blk := e.fn.Entry()
	nb := e.jvp.NewBlock()
	for _, r := range e.jvp.Type.IndirectResults() {
		nb.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range e.jvp.Type.Params {
		nb.AddParam(e.jvp.Type.ArgType(i), "")
	}
	orig := e.fn.Params()
	for i, p := range nb.Params() {
		e.vmap[orig[i]] = p
	}

	b := ir.NewBuilder(nb)
	b.Oracle = e.oracle
	for _, in := range blk.Instrs() {
		if term, ok := in.(ir.Terminator); ok {
			e.cloneTerminator(b, term)
			continue
		}
		e.cloneInstr(b, in)
	}
	return nil
}

func (e *Emitter) cloneInstr(b *ir.Builder, in ir.Instr) {
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
			e.linear = append(e.linear, b.Tuple(x, y))
		}
	case *ir.Neg:
		bind(b.Neg(e.m(in.X)))
	case *ir.FuncRef:
		bind(b.FuncRef(in.Fn))
	case *ir.Call:
		e.cloneCall(b, in)
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

func (e *Emitter) cloneCall(b *ir.Builder, call *ir.Call) {
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

	jvpVal, err := e.resolver.CalleeJVP(b, call, callee, ccfg)
	if err != nil {
		e.bail(err)
	}
	res := b.Call(jvpVal, outs, args)
	parts := splitDirect(b, res, jvpVal.Type().(*ir.FunctionType))
	dfVal := parts[len(parts)-1]

	slot := e.layout.FieldIndexOf(call)
	slotT := e.layout.StructOf(e.fn.Entry().ID()).Fields[slot].Type.(*ir.FunctionType)
	dfVal, err = e.thunks.Reabstract(b, dfVal, slotT)
	if err != nil {
		e.bail(err)
	}
	e.linear = append(e.linear, dfVal)

	if call.Result() != nil {
		nDirect := len(call.CalleeType().DirectResults())
		if nDirect == 1 {
			e.vmap[call.Result()] = parts[0]
		} else {
			e.vmap[call.Result()] = b.Tuple(parts[:nDirect]...)
		}
	}
}

func (e *Emitter) cloneTerminator(b *ir.Builder, term ir.Terminator) {
	switch t := term.(type) {
	case *ir.Return:
		st := b.StructNew(e.layout.StructOf(e.fn.Entry().ID()), e.linear...)
		dfVal := b.PartialApply(b.FuncRef(e.df), st)
		direct := e.fn.Type.DirectResults()
		var ret *ir.Value
		switch {
		case t.Val == nil || len(direct) == 0:
			ret = dfVal
		case len(direct) == 1:
			ret = b.Tuple(e.m(t.Val), dfVal)
		default:
			orig := e.m(t.Val)
			elems := make([]*ir.Value, 0, len(direct)+1)
			for i := range direct {
				elems = append(elems, b.TupleExtract(orig, i))
			}
			ret = b.Tuple(append(elems, dfVal)...)
		}
		b.Return(ret)

	case *ir.Unreachable:
		b.Unreachable()

	default:
		e.bail(diag.Errorf(diag.StructuralUnsupported, e.loc(term.Op()), "unsupported terminator for forward-mode differentiation"))
	}
}

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
