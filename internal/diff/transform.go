package diff

import (
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/ir"
	"github.com/born-ml/gradir/internal/thunk"
)

// Run processes every pending differentiable-function bundle marker in the
// module: for each one it canonicalizes a witness for the original, fills
// the marker's missing derivative components, and finally folds redundant
// bundle extractions. On any failure it diagnoses, rolls the module back
// to its pre-run state, and reports false; the markers keep their missing
// components and the surrounding compilation proceeds without derivatives.
func (c *Context) Run() bool {
	type pending struct {
		fn     *ir.Function
		blk    *ir.Block
		marker *ir.DiffFuncNew
	}
	var work []pending
	for _, fn := range c.Mod.Funcs() {
		for _, blk := range fn.Blocks() {
			for _, in := range blk.Instrs() {
				if m, ok := in.(*ir.DiffFuncNew); ok && (m.JVP == nil || m.VJP == nil) {
					work = append(work, pending{fn: fn, blk: blk, marker: m})
				}
			}
		}
	}

	for _, p := range work {
		if err := c.fill(p.fn, p.blk, p.marker); err != nil {
			c.diagnose(err, &Invoker{Loc: diag.Loc{Fn: p.fn.Name, Instr: p.marker.Op()}})
			c.rollback()
			return false
		}
	}
	if !c.Config.KeepExtracts {
		c.foldExtracts()
	}
	return true
}

// fill canonicalizes the marker's witness and materializes its missing
// derivative references immediately before the marker.
func (c *Context) fill(fn *ir.Function, blk *ir.Block, m *ir.DiffFuncNew) error {
	loc := diag.Loc{Fn: fn.Name, Instr: m.Op()}
	fr, ok := m.Original.Def().(*ir.FuncRef)
	if !ok {
		return diag.Errorf(diag.NonDifferentiableCallee, loc, "bundle original is not a direct function reference")
	}
	w := c.witnessFor(fr.Fn, m.Config)
	inv := &Invoker{Loc: loc}
	if err := c.Canonicalize(w, thunk.VJP, inv); err != nil {
		return err
	}
	if err := c.Canonicalize(w, thunk.JVP, inv); err != nil {
		return err
	}

	b := ir.NewBuilderBefore(blk, m)
	b.Oracle = c.Oracle
	rec := markerFill{blk: blk, marker: m}
	if m.VJP == nil {
		m.VJP = b.FuncRef(w.VJP)
		rec.vjp = m.VJP
	}
	if m.JVP == nil {
		m.JVP = b.FuncRef(w.JVP)
		rec.jvp = m.JVP
	}
	if rec.vjp != nil || rec.jvp != nil {
		c.fills = append(c.fills, rec)
	}
	return nil
}

// Request canonicalizes derivatives for an explicit per-function request,
// outside any bundle marker. Both derivative kinds are produced, the JVP
// as a stub unless forward mode is enabled. On failure the whole run's
// output is rolled back.
func (c *Context) Request(fn *ir.Function, cfg ir.DiffConfig) (*Witness, error) {
	w := c.witnessFor(fn, cfg)
	inv := &Invoker{Loc: diag.Loc{Fn: fn.Name}}
	if err := c.Canonicalize(w, thunk.VJP, inv); err != nil {
		c.diagnose(err, inv)
		c.rollback()
		return nil, err
	}
	if err := c.Canonicalize(w, thunk.JVP, inv); err != nil {
		c.diagnose(err, inv)
		c.rollback()
		return nil, err
	}
	return w, nil
}

// foldExtracts rewrites extractions from bundles built in the same
// function to the bundled component itself and deletes the extraction.
func (c *Context) foldExtracts() {
	for _, fn := range c.Mod.Funcs() {
		for _, blk := range fn.Blocks() {
			for _, in := range append([]ir.Instr(nil), blk.Instrs()...) {
				ex, ok := in.(*ir.DiffFuncExtract)
				if !ok {
					continue
				}
				m, ok := ex.X.Def().(*ir.DiffFuncNew)
				if !ok {
					continue
				}
				var comp *ir.Value
				switch ex.Extract {
				case ir.ExtractOriginal:
					comp = m.Original
				case ir.ExtractJVP:
					comp = m.JVP
				case ir.ExtractVJP:
					comp = m.VJP
				}
				if comp == nil {
					continue
				}
				fn.ReplaceUses(ex.Result(), comp)
				blk.Remove(ex)
			}
		}
	}
}
