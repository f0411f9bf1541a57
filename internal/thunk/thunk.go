// Package thunk synthesizes forwarding functions that adapt derivative
// values between calling conventions.
//
// Two kinds exist. Reabstraction thunks convert a function value between
// ABI-compatible conventions, passing the same declared types directly or
// through buffers. Subset-parameters thunks narrow a derivative built for
// a larger parameter set down to a requested subset: the reverse flavor
// discards unrequested adjoint outputs, the forward flavor feeds zero
// tangents for unrequested inputs.
//
// Every thunk takes the function it wraps as its trailing parameter, so a
// single partial application of the wrapped value produces the adapted
// value. Thunks are deduplicated by structural signature and must be
// referentially transparent: thunk-then-call equals performing the same
// adaptation inline at the call site.
package thunk

import (
	"fmt"
	"strings"

	"github.com/born-ml/gradir/internal/adjoint"
	"github.com/born-ml/gradir/internal/ir"
)

// Kind selects which derivative flavor a subset thunk adapts.
type Kind int

const (
	// VJP narrows a reverse-mode derivative; its pullback's unrequested
	// adjoints are discarded.
	VJP Kind = iota
	// JVP narrows a forward-mode derivative; its differential's
	// unrequested tangents are fed zeros.
	JVP
)

func (k Kind) String() string {
	if k == JVP {
		return "JVP"
	}
	return "VJP"
}

// Builder creates and caches thunks within one module. Thunks generated
// through one builder accumulate in Generated so a failed transform run
// can remove them again.
type Builder struct {
	Mod    *ir.Module
	Oracle ir.Oracle

	// Generated lists every thunk this builder created, in creation order.
	Generated []*ir.Function

	cache map[string]*ir.Function
}

// NewBuilder returns a thunk builder for the given module.
func NewBuilder(mod *ir.Module, oracle ir.Oracle) *Builder {
	return &Builder{Mod: mod, Oracle: oracle, cache: make(map[string]*ir.Function)}
}

func (tb *Builder) newThunk(base string, ft *ir.FunctionType) *ir.Function {
	fn := tb.Mod.MustNewFunc(tb.Mod.UniqueFuncName(base), ft)
	fn.Visibility = ir.Private
	tb.Generated = append(tb.Generated, fn)
	return fn
}

// Reabstract adapts fnVal, a function value, so it can be used where a
// value of type to is expected, emitting through b. When the types already
// agree fnVal is returned unchanged; otherwise the reabstraction thunk is
// partially applied over fnVal.
func (tb *Builder) Reabstract(b *ir.Builder, fnVal *ir.Value, to *ir.FunctionType) (*ir.Value, error) {
	from, ok := fnVal.Type().(*ir.FunctionType)
	if !ok {
		return nil, fmt.Errorf("reabstract non-function value of type %s", fnVal.Type())
	}
	if ir.Equal(from, to) {
		return fnVal, nil
	}
	th, err := tb.Reabstraction(from, to)
	if err != nil {
		return nil, err
	}
	return b.PartialApply(b.FuncRef(th), fnVal), nil
}

// Reabstraction returns the thunk converting a function of type from into
// one of type to. The two types must agree on declared parameter and
// result types and differ only in directness. The thunk's signature is
// to's with one extra trailing parameter of type from.
func (tb *Builder) Reabstraction(from, to *ir.FunctionType) (*ir.Function, error) {
	if err := checkABICompatible(from, to); err != nil {
		return nil, err
	}
	key := "reab|" + from.String() + "|" + to.String()
	if fn, ok := tb.cache[key]; ok {
		return fn, nil
	}

	ft := &ir.FunctionType{
		Params:  append(append([]ir.Param(nil), to.Params...), ir.Param{Type: from}),
		Results: append([]ir.Result(nil), to.Results...),
	}
	fn := tb.newThunk("_AD__reab_thunk", ft)
	entry := fn.NewBlock()
	for _, r := range to.IndirectResults() {
		entry.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range to.Params {
		entry.AddParam(to.ArgType(i), "")
	}
	callee := entry.AddParam(from, "")
	bld := ir.NewBuilder(entry)

	var temps []*ir.Value

	// Adapt each argument to the wrapped convention.
	args := make([]*ir.Value, len(from.Params))
	for i, fp := range from.Params {
		av := fn.ParamValue(i)
		switch {
		case fp.Indirect == to.Params[i].Indirect:
			args[i] = av
		case fp.Indirect:
			buf := bld.Alloc(fp.Type)
			bld.Store(av, buf)
			args[i] = buf
			temps = append(temps, buf)
		default:
			args[i] = bld.Load(av)
		}
	}

	// Buffers for the wrapped call's indirect results. Where our own
	// convention returns the result directly, a scratch buffer catches it
	// for a load afterwards.
	var outs []*ir.Value
	type surfaced struct {
		pos int
		buf *ir.Value
	}
	var pending []surfaced
	for j, fr := range from.Results {
		if !fr.Indirect {
			continue
		}
		if to.Results[j].Indirect {
			outs = append(outs, fn.IndirectOutValue(indirectIndexOf(to, j)))
		} else {
			buf := bld.Alloc(fr.Type)
			outs = append(outs, buf)
			pending = append(pending, surfaced{pos: j, buf: buf})
			temps = append(temps, buf)
		}
	}

	res := bld.Call(callee, outs, args)
	direct := splitDirect(bld, res, from)

	// Value produced for each result position, from whichever convention
	// the wrapped call used.
	byPos := make(map[int]*ir.Value)
	di := 0
	for j, fr := range from.Results {
		if !fr.Indirect {
			byPos[j] = direct[di]
			di++
		}
	}
	for _, s := range pending {
		byPos[s.pos] = bld.Load(s.buf)
	}

	var myDirect []*ir.Value
	for j, tr := range to.Results {
		if tr.Indirect {
			// Already written through the shared buffer unless the wrapped
			// call returned it directly.
			if v, ok := byPos[j]; ok && !from.Results[j].Indirect {
				bld.Store(v, fn.IndirectOutValue(indirectIndexOf(to, j)))
			}
		} else {
			myDirect = append(myDirect, byPos[j])
		}
	}

	for i := len(temps) - 1; i >= 0; i-- {
		bld.Dealloc(temps[i])
	}
	emitReturn(bld, myDirect)

	tb.cache[key] = fn
	return fn, nil
}

// SubsetDerivative returns the thunk narrowing a derivative of kind for
// the actual parameter subset down to the desired one. The thunk's
// signature is the desired derivative's with one extra trailing parameter,
// the actual derivative function. Its body forwards the original
// arguments, then wraps the returned linear map with the matching subset
// linear-map thunk (and a reabstraction thunk if the convention still
// differs).
func (tb *Builder) SubsetDerivative(orig *ir.FunctionType, kind Kind, desired, actual ir.DiffConfig) (*ir.Function, error) {
	if desired.Result != actual.Result {
		return nil, fmt.Errorf("subset thunk: result index mismatch %d vs %d", desired.Result, actual.Result)
	}
	if !actual.Params.IsSupersetOf(desired.Params) {
		return nil, fmt.Errorf("subset thunk: %s does not cover %s", actual.Params, desired.Params)
	}

	desiredFT, actualFT, err := derivativeTypes(orig, kind, desired, actual, tb.Oracle)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("subset|%s|%s|%s|%s", kind, orig, desired, actual)
	if fn, ok := tb.cache[key]; ok {
		return fn, nil
	}

	ft := &ir.FunctionType{
		Params:  append(append([]ir.Param(nil), desiredFT.Params...), ir.Param{Type: actualFT}),
		Results: append([]ir.Result(nil), desiredFT.Results...),
	}
	base := fmt.Sprintf("_AD__subset_%s_thunk__wrt_%s__of_%s",
		kind, idxName(desired.Params), idxName(actual.Params))
	fn := tb.newThunk(base, ft)
	entry := fn.NewBlock()
	for _, r := range desiredFT.IndirectResults() {
		entry.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range desiredFT.Params {
		entry.AddParam(desiredFT.ArgType(i), "")
	}
	callee := entry.AddParam(actualFT, "")
	bld := ir.NewBuilder(entry)

	// Both derivatives share the original's signature up to the trailing
	// linear map, so arguments and indirect-result buffers forward as-is.
	args := make([]*ir.Value, len(orig.Params))
	for i := range orig.Params {
		args[i] = fn.ParamValue(i)
	}
	outs := make([]*ir.Value, len(actualFT.IndirectResults()))
	for i := range outs {
		outs[i] = fn.IndirectOutValue(i)
	}
	res := bld.Call(callee, outs, args)
	direct := splitDirect(bld, res, actualFT)
	actualLinear := direct[len(direct)-1]

	inner, err := tb.subsetLinearMap(orig, kind, desired, actual)
	if err != nil {
		return nil, err
	}
	wrapped := bld.PartialApply(bld.FuncRef(inner), actualLinear)
	want := desiredFT.Results[len(desiredFT.Results)-1].Type.(*ir.FunctionType)
	wrapped, err = tb.Reabstract(bld, wrapped, want)
	if err != nil {
		return nil, err
	}

	myDirect := append(direct[:len(direct)-1:len(direct)-1], wrapped)
	emitReturn(bld, myDirect)

	tb.cache[key] = fn
	return fn, nil
}

// subsetLinearMap builds the inner thunk adapting the linear map itself:
// a pullback dropping unrequested adjoints, or a differential padding
// unrequested tangents with zeros.
func (tb *Builder) subsetLinearMap(orig *ir.FunctionType, kind Kind, desired, actual ir.DiffConfig) (*ir.Function, error) {
	if kind == VJP {
		return tb.subsetPullback(orig, desired, actual)
	}
	return tb.subsetDifferential(orig, desired, actual)
}

func (tb *Builder) subsetPullback(orig *ir.FunctionType, desired, actual ir.DiffConfig) (*ir.Function, error) {
	pbDesired, err := ir.PullbackType(orig, desired, tb.Oracle)
	if err != nil {
		return nil, err
	}
	pbActual, err := ir.PullbackType(orig, actual, tb.Oracle)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("subsetpb|%s|%s|%s", orig, desired, actual)
	if fn, ok := tb.cache[key]; ok {
		return fn, nil
	}

	ft := &ir.FunctionType{
		Params:  append(append([]ir.Param(nil), pbDesired.Params...), ir.Param{Type: pbActual}),
		Results: append([]ir.Result(nil), pbDesired.Results...),
	}
	base := fmt.Sprintf("_AD__subset_PB_thunk__wrt_%s__of_%s",
		idxName(desired.Params), idxName(actual.Params))
	fn := tb.newThunk(base, ft)
	entry := fn.NewBlock()

	// One out buffer per indirect desired adjoint, keyed by the original
	// parameter index it belongs to.
	ourOut := make(map[int]*ir.Value)
	for d, member := range desired.Params.Members() {
		if pbDesired.Results[d].Indirect {
			ourOut[member] = entry.AddParam(ir.AddressOf(pbDesired.Results[d].Type), "")
		}
	}
	seedParam := entry.AddParam(pbDesired.ArgType(0), "")
	callee := entry.AddParam(pbActual, "")
	bld := ir.NewBuilder(entry)

	var temps []*ir.Value
	var outs []*ir.Value
	for a, member := range actual.Params.Members() {
		if !pbActual.Results[a].Indirect {
			continue
		}
		if buf, ok := ourOut[member]; ok {
			outs = append(outs, buf)
		} else {
			// Unrequested indirect adjoint lands in a scratch buffer and is
			// dropped.
			buf := bld.Alloc(pbActual.Results[a].Type)
			outs = append(outs, buf)
			temps = append(temps, buf)
		}
	}

	res := bld.Call(callee, outs, []*ir.Value{seedParam})
	direct := splitDirect(bld, res, pbActual)

	var myDirect []*ir.Value
	di := 0
	for a, member := range actual.Params.Members() {
		if pbActual.Results[a].Indirect {
			continue
		}
		if desired.Params.Has(member) {
			myDirect = append(myDirect, direct[di])
		}
		di++
	}

	for i := len(temps) - 1; i >= 0; i-- {
		bld.Dealloc(temps[i])
	}
	emitReturn(bld, myDirect)

	tb.cache[key] = fn
	return fn, nil
}

func (tb *Builder) subsetDifferential(orig *ir.FunctionType, desired, actual ir.DiffConfig) (*ir.Function, error) {
	dfDesired, err := ir.DifferentialType(orig, desired, tb.Oracle)
	if err != nil {
		return nil, err
	}
	dfActual, err := ir.DifferentialType(orig, actual, tb.Oracle)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("subsetdf|%s|%s|%s", orig, desired, actual)
	if fn, ok := tb.cache[key]; ok {
		return fn, nil
	}

	ft := &ir.FunctionType{
		Params:  append(append([]ir.Param(nil), dfDesired.Params...), ir.Param{Type: dfActual}),
		Results: append([]ir.Result(nil), dfDesired.Results...),
	}
	base := fmt.Sprintf("_AD__subset_DF_thunk__wrt_%s__of_%s",
		idxName(desired.Params), idxName(actual.Params))
	fn := tb.newThunk(base, ft)
	entry := fn.NewBlock()
	for _, r := range dfDesired.IndirectResults() {
		entry.AddParam(ir.AddressOf(r.Type), "")
	}
	for i := range dfDesired.Params {
		entry.AddParam(dfDesired.ArgType(i), "")
	}
	callee := entry.AddParam(dfActual, "")
	bld := ir.NewBuilder(entry)
	ac := &adjoint.Accumulator{B: bld, Oracle: tb.Oracle}

	var temps []*ir.Value
	args := make([]*ir.Value, len(dfActual.Params))
	for a, member := range actual.Params.Members() {
		if d := desired.Params.PositionOf(member); d >= 0 {
			args[a] = fn.ParamValue(d)
			continue
		}
		// Unrequested parameter: its tangent is the additive identity.
		if dfActual.Params[a].Indirect {
			buf := bld.Alloc(dfActual.Params[a].Type)
			ac.EmitZeroInto(buf)
			args[a] = buf
			temps = append(temps, buf)
		} else {
			args[a] = ac.EmitZero(dfActual.Params[a].Type)
		}
	}
	outs := make([]*ir.Value, len(dfActual.IndirectResults()))
	for i := range outs {
		outs[i] = fn.IndirectOutValue(i)
	}
	res := bld.Call(callee, outs, args)

	for i := len(temps) - 1; i >= 0; i-- {
		bld.Dealloc(temps[i])
	}
	if res == nil {
		bld.Return(nil)
	} else {
		bld.Return(res)
	}

	tb.cache[key] = fn
	return fn, nil
}

func derivativeTypes(orig *ir.FunctionType, kind Kind, desired, actual ir.DiffConfig, oracle ir.Oracle) (desiredFT, actualFT *ir.FunctionType, err error) {
	if kind == VJP {
		desiredFT, err = ir.VJPType(orig, desired, oracle)
		if err != nil {
			return nil, nil, err
		}
		actualFT, err = ir.VJPType(orig, actual, oracle)
		return desiredFT, actualFT, err
	}
	desiredFT, err = ir.JVPType(orig, desired, oracle)
	if err != nil {
		return nil, nil, err
	}
	actualFT, err = ir.JVPType(orig, actual, oracle)
	return desiredFT, actualFT, err
}

// checkABICompatible verifies that two function types agree modulo
// directness.
func checkABICompatible(from, to *ir.FunctionType) error {
	if len(from.Params) != len(to.Params) || len(from.Results) != len(to.Results) {
		return fmt.Errorf("reabstraction of incompatible types %s and %s", from, to)
	}
	for i := range from.Params {
		if !ir.Equal(from.Params[i].Type, to.Params[i].Type) {
			return fmt.Errorf("reabstraction: parameter %d differs between %s and %s", i, from, to)
		}
	}
	for i := range from.Results {
		if !ir.Equal(from.Results[i].Type, to.Results[i].Type) {
			return fmt.Errorf("reabstraction: result %d differs between %s and %s", i, from, to)
		}
	}
	return nil
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

func emitReturn(b *ir.Builder, direct []*ir.Value) {
	switch len(direct) {
	case 0:
		b.Return(nil)
	case 1:
		b.Return(direct[0])
	default:
		b.Return(b.Tuple(direct...))
	}
}

// indirectIndexOf returns result j's index among ft's indirect results.
func indirectIndexOf(ft *ir.FunctionType, j int) int {
	n := 0
	for i := 0; i < j; i++ {
		if ft.Results[i].Indirect {
			n++
		}
	}
	return n
}

// idxName renders an index set for use inside a function name.
func idxName(s ir.IndexSet) string {
	parts := make([]string, 0, s.Count())
	for _, i := range s.Members() {
		parts = append(parts, fmt.Sprint(i))
	}
	return strings.Join(parts, "_")
}
