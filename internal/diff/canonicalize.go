package diff

import (
	"fmt"

	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/forward"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/reverse"
	"github.com/born-ml/gradir/internal/thunk"
)

// witnessFor returns the witness for fn under cfg, creating an empty one
// on first request.
func (c *Context) witnessFor(fn *ir.Function, cfg ir.DiffConfig) *Witness {
	key := WitnessKey{Fn: fn.Name, Params: cfg.Params, Result: cfg.Result}
	if w, ok := c.witnesses[key]; ok {
		return w
	}
	w := &Witness{Original: fn, Config: cfg}
	c.witnesses[key] = w
	return w
}

// Canonicalize fills the requested derivative of a witness, creating the
// empty derivative function first so recursive resolution finds it, then
// running the matching emitter. Derivative visibility mirrors the
// original; pullbacks and differentials stay module-private.
func (c *Context) Canonicalize(w *Witness, kind thunk.Kind, inv *Invoker) error {
	fn := w.Original
	if kind == thunk.VJP {
		if w.VJP != nil {
			return nil
		}
		vjpT, err := ir.VJPType(fn.Type, w.Config, c.Oracle)
		if err != nil {
			return diag.Errorf(diag.NonDifferentiableType, diag.Loc{Fn: fn.Name}, err.Error())
		}
		name := c.Mod.UniqueFuncName(fmt.Sprintf("_AD__%s_VJP__wrt_%s", fn.Name, idxSuffix(w.Config.Params)))
		vjp := c.Mod.MustNewFunc(name, vjpT)
		vjp.Visibility = fn.Visibility
		w.VJP = vjp

		pb, err := reverse.Emit(fn, w.Config, vjp, c.Oracle, c.thunks, &resolver{c: c, inv: inv})
		if err != nil {
			return err
		}
		w.Pullback = pb
		return nil
	}

	if w.JVP != nil {
		return nil
	}
	jvpT, err := ir.JVPType(fn.Type, w.Config, c.Oracle)
	if err != nil {
		return diag.Errorf(diag.NonDifferentiableType, diag.Loc{Fn: fn.Name}, err.Error())
	}
	name := c.Mod.UniqueFuncName(fmt.Sprintf("_AD__%s_JVP__wrt_%s", fn.Name, idxSuffix(w.Config.Params)))
	jvp := c.Mod.MustNewFunc(name, jvpT)
	jvp.Visibility = fn.Visibility
	w.JVP = jvp

	if !c.Config.ForwardMode {
		forward.EmitStub(jvp)
		return nil
	}
	df, err := forward.Emit(fn, w.Config, jvp, c.Oracle, c.thunks, &resolver{c: c, inv: inv})
	if err != nil {
		return err
	}
	w.Differential = df
	return nil
}

// resolver adapts the context to the emitters' callee-resolution
// interfaces, threading the invoker chain for diagnostics.
type resolver struct {
	c   *Context
	inv *Invoker
}

func (r *resolver) CalleeVJP(b *ir.Builder, call *ir.Call, callee *ir.Value, cfg ir.DiffConfig) (*ir.Value, error) {
	return r.c.resolveDerivative(b, call, callee, cfg, thunk.VJP, r.inv)
}

func (r *resolver) CalleeJVP(b *ir.Builder, call *ir.Call, callee *ir.Value, cfg ir.DiffConfig) (*ir.Value, error) {
	return r.c.resolveDerivative(b, call, callee, cfg, thunk.JVP, r.inv)
}

// resolveDerivative resolves a callee to a derivative function value under
// a fixed precedence: an already-bundled value extracts directly; a direct
// function reference reuses the cheapest superset witness or canonicalizes
// a minimal new one; a bodiless declaration resolves through the oracle's
// requirement table. Anything else is opaque. A witness covering a strict
// superset of the requested parameters gets narrowed through a
// subset-parameters thunk.
func (c *Context) resolveDerivative(b *ir.Builder, call *ir.Call, callee *ir.Value, cfg ir.DiffConfig, kind thunk.Kind, inv *Invoker) (*ir.Value, error) {
	site := diag.Loc{Fn: b.Block().Func().Name, Instr: call.Op()}

	if bt, ok := callee.Type().(*ir.BundleType); ok {
		actual := ir.DiffConfig{Params: bt.Params, Result: bt.Result}
		if actual.Result != cfg.Result || !actual.Params.IsSupersetOf(cfg.Params) {
			return nil, diag.Errorf(diag.NonDifferentiableCallee, site, "bundle does not cover the requested configuration")
		}
		ext := ir.ExtractVJP
		if kind == thunk.JVP {
			ext = ir.ExtractJVP
		}
		val := b.DiffFuncExtract(callee, ext)
		return c.narrow(b, call, val, bt.Original, kind, cfg, actual)
	}

	fr, ok := callee.Def().(*ir.FuncRef)
	if !ok {
		return nil, diag.Errorf(diag.NonDifferentiableCallee, site, "callee is opaque to differentiation")
	}
	fn := fr.Fn
	if fn.NoDerivative {
		return nil, diag.Errorf(diag.NonDifferentiableCallee, site, "function is marked non-differentiable")
	}

	if len(fn.Blocks()) == 0 {
		// A bodiless declaration is a dynamic-dispatch requirement; its
		// derivative must come from the oracle's table.
		resolved, actualParams, found := c.Oracle.ResolveRequirementDerivative(fn.Name, cfg.Params)
		if !found {
			return nil, diag.Errorf(diag.NonDifferentiableCallee, site, "requirement declares no derivative")
		}
		actual := ir.DiffConfig{Params: actualParams, Result: cfg.Result}
		w := c.witnessFor(resolved, actual)
		if err := c.Canonicalize(w, kind, &Invoker{Loc: site, Parent: inv}); err != nil {
			return nil, err
		}
		return c.derivativeRef(b, call, w, fn.Type, kind, cfg)
	}

	w := c.supersetWitness(fn, cfg)
	if w == nil {
		w = c.witnessFor(fn, cfg)
	}
	if err := c.Canonicalize(w, kind, &Invoker{Loc: site, Parent: inv}); err != nil {
		return nil, err
	}
	return c.derivativeRef(b, call, w, fn.Type, kind, cfg)
}

// supersetWitness finds an existing witness for fn whose parameter set
// covers cfg with the fewest extra indices, smallest set on ties.
func (c *Context) supersetWitness(fn *ir.Function, cfg ir.DiffConfig) *Witness {
	var best *Witness
	var bestExtra int
	for key, w := range c.witnesses {
		if key.Fn != fn.Name || key.Result != cfg.Result || !key.Params.IsSupersetOf(cfg.Params) {
			continue
		}
		extra := key.Params.Count() - cfg.Params.Count()
		if best == nil || extra < bestExtra ||
			(extra == bestExtra && key.Params < best.Config.Params) {
			best, bestExtra = w, extra
		}
	}
	return best
}

// derivativeRef materializes a reference to the witness's derivative,
// narrowed to the requested parameter set when the witness covers more.
func (c *Context) derivativeRef(b *ir.Builder, call *ir.Call, w *Witness, origT *ir.FunctionType, kind thunk.Kind, cfg ir.DiffConfig) (*ir.Value, error) {
	deriv := w.VJP
	if kind == thunk.JVP {
		deriv = w.JVP
	}
	return c.narrow(b, call, b.FuncRef(deriv), origT, kind, cfg, w.Config)
}

// narrow wraps a derivative value in a subset-parameters thunk when actual
// strictly covers desired, and records the call site's adaptation.
func (c *Context) narrow(b *ir.Builder, call *ir.Call, val *ir.Value, origT *ir.FunctionType, kind thunk.Kind, desired, actual ir.DiffConfig) (*ir.Value, error) {
	c.applies[call] = NestedApplyInfo{
		Desired:      desired,
		Actual:       actual,
		Reabstracted: desired.Params != actual.Params,
	}
	if desired.Params == actual.Params {
		return val, nil
	}
	th, err := c.thunks.SubsetDerivative(origT, kind, desired, actual)
	if err != nil {
		return nil, err
	}
	return b.PartialApply(b.FuncRef(th), val), nil
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
