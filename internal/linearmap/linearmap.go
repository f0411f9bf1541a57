// Package linearmap lays out the per-block state derivative generation
// threads through control flow.
//
// For every basic block of the original function it declares a linear map
// struct capturing the partial derivatives produced while that block
// executed: one field per active call (the callee's pullback or
// differential) and one per nonlinear arithmetic instruction (the primal
// operands its reverse/forward rule needs). Non-entry blocks additionally
// get a branching trace enum, one case per incoming edge, whose payload is
// the predecessor's linear map struct; the incoming trace value is the
// struct's leading field. The reverse sweep switches over the trace to
// retrace execution backwards.
package linearmap

import (
	"fmt"

	"github.com/born-ml/gradir/internal/activity"
	"github.com/born-ml/gradir/internal/ir"
)

// Kind selects which linear maps the layout carries.
type Kind int

const (
	// Pullback lays out reverse-mode state.
	Pullback Kind = iota
	// Differential lays out forward-mode state.
	Differential
)

func (k Kind) String() string {
	if k == Differential {
		return "DF"
	}
	return "PB"
}

type edge struct {
	from, to ir.BlockID
}

// Layout is the computed per-block layout for one (function, config).
type Layout struct {
	fn   *ir.Function
	cfg  ir.DiffConfig
	kind Kind

	structs    map[ir.BlockID]*ir.StructType
	traces     map[ir.BlockID]*ir.EnumType
	fieldOf    map[ir.Instr]int
	calleeCfg  map[*ir.Call]ir.DiffConfig
	traceField map[ir.BlockID]int
	caseOf     map[edge]int
}

// CallConfig computes the minimal derivative configuration for a call:
// the subset of argument positions that are active at the call site, with
// result index 0. The second return is false for calls that need no
// derivative at all.
func CallConfig(call *ir.Call, act *activity.Info) (ir.DiffConfig, bool) {
	var params ir.IndexSet
	for i, arg := range call.Args {
		if act.IsActive(arg) {
			params = params.With(i)
		}
	}
	resultActive := call.Result() != nil && act.IsActive(call.Result())
	for _, out := range call.IndirectOuts {
		if act.IsActive(out) {
			resultActive = true
		}
	}
	if params.IsEmpty() || !resultActive {
		return ir.DiffConfig{}, false
	}
	return ir.DiffConfig{Params: params, Result: 0}, true
}

// Build computes the layout and declares its nominal types beside the
// original function, module-private.
func Build(fn *ir.Function, cfg ir.DiffConfig, act *activity.Info, kind Kind, oracle ir.Oracle) (*Layout, error) {
	l := &Layout{
		fn:         fn,
		cfg:        cfg,
		kind:       kind,
		structs:    make(map[ir.BlockID]*ir.StructType),
		traces:     make(map[ir.BlockID]*ir.EnumType),
		fieldOf:    make(map[ir.Instr]int),
		calleeCfg:  make(map[*ir.Call]ir.DiffConfig),
		traceField: make(map[ir.BlockID]int),
		caseOf:     make(map[edge]int),
	}

	// Trace enums first: linear map structs of non-entry blocks lead with
	// the incoming trace value.
	for _, blk := range fn.Blocks() {
		if blk.ID() == fn.Entry().ID() {
			continue
		}
		et := &ir.EnumType{
			Name:    fmt.Sprintf("_AD__%s_Trace%s__bb%d", fn.Name, kind, int(blk.ID())),
			Private: true,
		}
		l.traces[blk.ID()] = et
	}

	for _, blk := range fn.Blocks() {
		st := &ir.StructType{
			Name:    fmt.Sprintf("_AD__%s_%s__bb%d", fn.Name, kind, int(blk.ID())),
			Private: true,
		}
		l.structs[blk.ID()] = st
		l.traceField[blk.ID()] = -1
		if tr, ok := l.traces[blk.ID()]; ok {
			l.traceField[blk.ID()] = len(st.Fields)
			st.Fields = append(st.Fields, ir.StructField{
				Name: "trace", Type: tr, NoDerivative: true,
			})
		}
		for idx, instr := range blk.Instrs() {
			ft, err := l.linearMapField(instr, act, oracle, idx)
			if err != nil {
				return nil, err
			}
			if ft == nil {
				continue
			}
			l.fieldOf[instr] = len(st.Fields)
			st.Fields = append(st.Fields, *ft)
		}
	}

	// One trace case per incoming edge, in predecessor order. A
	// predecessor with two edges to the same block (both cond_br targets)
	// gets one case per edge.
	for _, blk := range fn.Blocks() {
		tr, ok := l.traces[blk.ID()]
		if !ok {
			continue
		}
		for _, pred := range fn.Preds(blk.ID()) {
			e := edge{from: pred, to: blk.ID()}
			if _, dup := l.caseOf[e]; dup {
				continue
			}
			l.caseOf[e] = len(tr.Cases)
			tr.Cases = append(tr.Cases, ir.EnumCase{
				Name:    fmt.Sprintf("pred%d", int(pred)),
				Payload: l.structs[pred],
				Boxed:   l.edgeClosesLoop(pred, blk.ID()),
			})
		}
	}

	mod := fn.Module()
	for _, blk := range fn.Blocks() {
		mod.DeclareStruct(l.structs[blk.ID()])
		if tr, ok := l.traces[blk.ID()]; ok {
			mod.DeclareEnum(tr)
		}
	}
	return l, nil
}

// edgeClosesLoop reports whether pred -> succ is a back edge, which makes
// the trace enum recursive and forces a boxed payload.
func (l *Layout) edgeClosesLoop(pred, succ ir.BlockID) bool {
	return l.fn.DomTree().Dominates(succ, pred)
}

// linearMapField returns the struct field an instruction contributes, or
// nil for instructions that carry no state across the sweep.
func (l *Layout) linearMapField(instr ir.Instr, act *activity.Info, oracle ir.Oracle, idx int) (*ir.StructField, error) {
	switch instr := instr.(type) {
	case *ir.Call:
		cfg, need := CallConfig(instr, act)
		if !need {
			return nil, nil
		}
		l.calleeCfg[instr] = cfg
		var (
			t   ir.Type
			err error
		)
		if l.kind == Pullback {
			t, err = ir.PullbackType(instr.CalleeType(), cfg, oracle)
		} else {
			t, err = ir.DifferentialType(instr.CalleeType(), cfg, oracle)
		}
		if err != nil {
			return nil, fmt.Errorf("active call: %w", err)
		}
		name := "pullback"
		if l.kind == Differential {
			name = "differential"
		}
		return &ir.StructField{
			Name: fmt.Sprintf("%s_%d", name, idx), Type: t, NoDerivative: true,
		}, nil

	case *ir.BinOp:
		// Nonlinear arithmetic needs its primal operands on the other side
		// of the sweep; linear ops do not.
		if instr.Kind.IsLinear() {
			return nil, nil
		}
		if instr.Result() == nil || !act.IsActive(instr.Result()) {
			return nil, nil
		}
		return &ir.StructField{
			Name: fmt.Sprintf("primal_%d", idx),
			Type: ir.TupleOf(ir.Float, ir.Float), NoDerivative: true,
		}, nil

	default:
		return nil, nil
	}
}

// StructOf returns the linear map struct for a block.
func (l *Layout) StructOf(b ir.BlockID) *ir.StructType { return l.structs[b] }

// TraceOf returns the branching trace enum of a non-entry block, or nil.
func (l *Layout) TraceOf(b ir.BlockID) *ir.EnumType { return l.traces[b] }

// TraceFieldIndex returns the struct field index holding the incoming
// trace value, or -1 for the entry block.
func (l *Layout) TraceFieldIndex(b ir.BlockID) int { return l.traceField[b] }

// FieldIndexOf returns the struct field index an original instruction's
// linear map occupies, or -1.
func (l *Layout) FieldIndexOf(instr ir.Instr) int {
	if i, ok := l.fieldOf[instr]; ok {
		return i
	}
	return -1
}

// CalleeConfig returns the derivative configuration recorded for an active
// call during layout.
func (l *Layout) CalleeConfig(call *ir.Call) (ir.DiffConfig, bool) {
	cfg, ok := l.calleeCfg[call]
	return cfg, ok
}

// CaseIndex returns the trace enum case for the edge pred -> succ.
func (l *Layout) CaseIndex(pred, succ ir.BlockID) int {
	if c, ok := l.caseOf[edge{from: pred, to: succ}]; ok {
		return c
	}
	return -1
}

// Kind returns the layout's linear map kind.
func (l *Layout) Kind() Kind { return l.kind }

// Discard removes the layout's declared types from the module. Rollback
// after a failed run calls this.
func (l *Layout) Discard() {
	mod := l.fn.Module()
	for _, st := range l.structs {
		mod.RemoveStruct(st.Name)
	}
	for _, tr := range l.traces {
		mod.RemoveEnum(tr.Name)
	}
}
