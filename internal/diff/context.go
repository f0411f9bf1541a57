// Package diff drives the differentiation transform over a module: it
// collects pending differentiable-function bundle markers and explicit
// requests into a worklist, canonicalizes a derivative witness for each,
// and runs the reverse and forward emitters to fill them. Failure anywhere
// rolls back every function and type the run created, so a module either
// gets all its derivatives or none of the affected ones.
package diff

import (
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/thunk"
)

// Config controls one transform run.
type Config struct {
	// ForwardMode emits real differentials for JVPs. When false, bundle
	// markers get a JVP stub that traps if ever called, matching the
	// contract that forward mode is opt-in.
	ForwardMode bool

	// KeepExtracts disables folding of differentiable_function_extract
	// instructions whose operand is a bundle built in the same function.
	KeepExtracts bool
}

// WitnessKey identifies a differentiability witness: one original function
// under one derivative configuration.
type WitnessKey struct {
	Fn     string
	Params ir.IndexSet
	Result int
}

// Witness binds an original function and configuration to its synthesized
// derivatives. JVP and VJP are created empty before emission, so recursive
// requests resolve to the in-progress function.
type Witness struct {
	Original *ir.Function
	Config   ir.DiffConfig

	JVP          *ir.Function
	VJP          *ir.Function
	Pullback     *ir.Function
	Differential *ir.Function
}

// Invoker records why a derivative request exists. Indirect requests chain
// back to the site that triggered them, and diagnostics emit one note per
// link.
type Invoker struct {
	Loc    diag.Loc
	Parent *Invoker
}

func (inv *Invoker) notes() []diag.Note {
	var out []diag.Note
	for cur := inv; cur != nil; cur = cur.Parent {
		out = append(out, diag.Note{Loc: cur.Loc, Args: []any{"required by differentiation here"}})
	}
	return out
}

// NestedApplyInfo records, per differentiated call site, the configuration
// the site wanted against the one the resolved witness provides, and
// whether the callee's linear map needed reabstraction.
type NestedApplyInfo struct {
	Desired      ir.DiffConfig
	Actual       ir.DiffConfig
	Reabstracted bool
}

// Context is the per-run transform state. It is created for one module,
// run once, and discarded; nothing in it is shared or reused.
type Context struct {
	Mod    *ir.Module
	Oracle ir.Oracle
	Sink   diag.Sink
	Config Config

	thunks    *thunk.Builder
	witnesses map[WitnessKey]*Witness
	applies   map[*ir.Call]NestedApplyInfo
	fills     []markerFill

	preFuncs   map[string]bool
	preStructs map[string]bool
	preEnums   map[string]bool
}

// markerFill records a derivative reference installed into a pre-existing
// body, so a failed run can detach it again.
type markerFill struct {
	blk    *ir.Block
	marker *ir.DiffFuncNew
	vjp    *ir.Value
	jvp    *ir.Value
}

// NewContext prepares a transform run over mod. The snapshot of existing
// declarations taken here bounds what a failed run is allowed to remove.
func NewContext(mod *ir.Module, oracle ir.Oracle, sink diag.Sink, cfg Config) *Context {
	c := &Context{
		Mod:        mod,
		Oracle:     oracle,
		Sink:       sink,
		Config:     cfg,
		thunks:     thunk.NewBuilder(mod, oracle),
		witnesses:  make(map[WitnessKey]*Witness),
		applies:    make(map[*ir.Call]NestedApplyInfo),
		preFuncs:   make(map[string]bool),
		preStructs: make(map[string]bool),
		preEnums:   make(map[string]bool),
	}
	for _, fn := range mod.Funcs() {
		c.preFuncs[fn.Name] = true
	}
	for _, st := range mod.Structs() {
		c.preStructs[st.Name] = true
	}
	for _, et := range mod.Enums() {
		c.preEnums[et.Name] = true
	}
	return c
}

// Witnesses returns the witnesses canonicalized so far, keyed by request.
func (c *Context) Witnesses() map[WitnessKey]*Witness { return c.witnesses }

// ApplyInfo returns the recorded call-site adaptation info.
func (c *Context) ApplyInfo() map[*ir.Call]NestedApplyInfo { return c.applies }

// diagnose routes an emitter error to the sink, appending the invoker
// note chain.
func (c *Context) diagnose(err error, inv *Invoker) {
	de, ok := err.(*diag.Error)
	if !ok {
		de = &diag.Error{D: diag.Diagnostic{
			Kind: diag.UnsupportedConstruct,
			Args: []any{err.Error()},
		}}
	}
	d := de.D
	if inv != nil {
		d.Notes = append(d.Notes, inv.notes()...)
	}
	if c.Sink != nil {
		c.Sink.Diagnose(d)
	}
}

// rollback removes every function, struct, and enum the run added to the
// module, leaving it as the snapshot saw it. Markers filled earlier in the
// run are detached first; their references would otherwise name functions
// the rollback removes.
func (c *Context) rollback() {
	for _, f := range c.fills {
		if f.vjp != nil {
			f.marker.VJP = nil
			f.blk.Remove(f.vjp.Def())
		}
		if f.jvp != nil {
			f.marker.JVP = nil
			f.blk.Remove(f.jvp.Def())
		}
	}
	c.fills = nil
	for _, fn := range append([]*ir.Function(nil), c.Mod.Funcs()...) {
		if !c.preFuncs[fn.Name] {
			c.Mod.RemoveFunc(fn.Name)
		}
	}
	for _, st := range append([]*ir.StructType(nil), c.Mod.Structs()...) {
		if !c.preStructs[st.Name] {
			c.Mod.RemoveStruct(st.Name)
		}
	}
	for _, et := range append([]*ir.EnumType(nil), c.Mod.Enums()...) {
		if !c.preEnums[et.Name] {
			c.Mod.RemoveEnum(et.Name)
		}
	}
	c.witnesses = make(map[WitnessKey]*Witness)
}
