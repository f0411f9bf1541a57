package ir

import "fmt"

// TangentKind classifies the shape of a type's tangent space.
type TangentKind int

const (
	// TangentLeaf marks a self-tangent type: perturbations have the same
	// type as the value (floats).
	TangentLeaf TangentKind = iota
	// TangentAggregate marks a composite whose tangent is the product of its
	// members' tangents, with excluded members omitted.
	TangentAggregate
)

// TangentSpace describes the tangent space of a differentiable type.
type TangentSpace struct {
	Kind TangentKind

	// Type is the tangent type itself: the original type for leaves, a
	// synthesized aggregate for composites.
	Type Type
}

// Oracle answers type-system questions the transform cannot answer itself:
// whether a type is differentiable and what its tangent space looks like,
// and how a dynamic-dispatch requirement resolves to a derivative.
//
// Implementations must be deterministic: the transform's output is a pure
// function of the IR and the oracle's answers.
type Oracle interface {
	// TangentSpace returns the tangent space of t, or ok=false if t is not
	// differentiable.
	TangentSpace(t Type) (TangentSpace, bool)

	// ResolveRequirementDerivative resolves a derivative for a
	// dynamic-dispatch requirement named by req, differentiated with respect
	// to the desired parameter subset. It returns the witnessing function
	// and the actual subset, or found=false when the requirement declares no
	// derivative.
	ResolveRequirementDerivative(req string, desired IndexSet) (fn *Function, actual IndexSet, found bool)
}

// StdOracle is the default Oracle: floats are leaves, tuples and structs are
// fieldwise aggregates (minus NoDerivative fields), everything else is
// non-differentiable. Dynamic-dispatch requirements resolve through an
// explicit registration table.
type StdOracle struct {
	cache        map[string]tangentAnswer
	requirements map[string]requirementEntry
}

type tangentAnswer struct {
	space TangentSpace
	ok    bool
}

type requirementEntry struct {
	fn     *Function
	params IndexSet
}

// NewStdOracle returns an empty StdOracle.
func NewStdOracle() *StdOracle {
	return &StdOracle{
		cache:        make(map[string]tangentAnswer),
		requirements: make(map[string]requirementEntry),
	}
}

// RegisterRequirementDerivative declares that dynamic-dispatch requirement
// req has the given derivative function for the given parameter subset.
func (o *StdOracle) RegisterRequirementDerivative(req string, fn *Function, params IndexSet) {
	o.requirements[req] = requirementEntry{fn: fn, params: params}
}

// ResolveRequirementDerivative implements Oracle.
func (o *StdOracle) ResolveRequirementDerivative(req string, desired IndexSet) (*Function, IndexSet, bool) {
	e, ok := o.requirements[req]
	if !ok || !e.params.IsSupersetOf(desired) {
		return nil, 0, false
	}
	return e.fn, e.params, true
}

// TangentSpace implements Oracle.
func (o *StdOracle) TangentSpace(t Type) (TangentSpace, bool) {
	key := t.String()
	if a, ok := o.cache[key]; ok {
		return a.space, a.ok
	}
	space, ok := o.computeTangentSpace(t)
	o.cache[key] = tangentAnswer{space: space, ok: ok}
	return space, ok
}

func (o *StdOracle) computeTangentSpace(t Type) (TangentSpace, bool) {
	switch t := t.(type) {
	case *FloatType:
		return TangentSpace{Kind: TangentLeaf, Type: Float}, true

	case *AddressType:
		elem, ok := o.TangentSpace(t.Elem)
		if !ok {
			return TangentSpace{}, false
		}
		return TangentSpace{Kind: elem.Kind, Type: AddressOf(elem.Type)}, true

	case *TupleType:
		elems := make([]Type, 0, len(t.Elems))
		for _, e := range t.Elems {
			es, ok := o.TangentSpace(e)
			if !ok {
				return TangentSpace{}, false
			}
			elems = append(elems, es.Type)
		}
		return TangentSpace{Kind: TangentAggregate, Type: TupleOf(elems...)}, true

	case *StructType:
		// The tangent of a struct is a struct over the differentiable
		// fields; NoDerivative fields are omitted from the layout.
		tan := &StructType{Name: t.Name + "_Tangent", Private: t.Private}
		for _, f := range t.Fields {
			if f.NoDerivative {
				continue
			}
			fs, ok := o.TangentSpace(f.Type)
			if !ok {
				return TangentSpace{}, false
			}
			tan.Fields = append(tan.Fields, StructField{Name: f.Name, Type: fs.Type})
		}
		return TangentSpace{Kind: TangentAggregate, Type: tan}, true

	default:
		// Ints, bools, enums, functions: no tangent space.
		return TangentSpace{}, false
	}
}

// TangentFieldIndex maps a field index of an original struct to the
// corresponding field index in its tangent struct, skipping NoDerivative
// fields. Returns -1 for excluded fields.
func TangentFieldIndex(st *StructType, field int) int {
	if st.Fields[field].NoDerivative {
		return -1
	}
	idx := 0
	for i := 0; i < field; i++ {
		if !st.Fields[i].NoDerivative {
			idx++
		}
	}
	return idx
}

// DiffConfig identifies a derivative configuration: the parameter subset
// differentiated with respect to, and the single result index differentiated
// of.
type DiffConfig struct {
	Params IndexSet
	Result int
}

func (c DiffConfig) String() string {
	return fmt.Sprintf("wrt %s result %d", c.Params, c.Result)
}

// PullbackType computes the type of a pullback for the given original
// function type: it maps the chosen result's tangent (the seed) to the
// tangents of the chosen parameters. Tangent positions inherit the
// indirectness of their original positions.
func PullbackType(orig *FunctionType, cfg DiffConfig, oracle Oracle) (*FunctionType, error) {
	seed, err := resultTangent(orig, cfg.Result, oracle)
	if err != nil {
		return nil, err
	}
	pb := &FunctionType{
		Params: []Param{{Type: seed.Type, Indirect: orig.Results[cfg.Result].Indirect}},
	}
	for _, i := range cfg.Params.Members() {
		p := orig.Params[i]
		ts, ok := oracle.TangentSpace(p.Type)
		if !ok {
			return nil, fmt.Errorf("parameter %d: %w", i, errNoTangent(p.Type))
		}
		pb.Results = append(pb.Results, Result{Type: ts.Type, Indirect: p.Indirect})
	}
	return pb, nil
}

// DifferentialType computes the type of a differential for the given
// original function type: it maps the chosen parameters' tangents to the
// chosen result's tangent.
func DifferentialType(orig *FunctionType, cfg DiffConfig, oracle Oracle) (*FunctionType, error) {
	df := &FunctionType{}
	for _, i := range cfg.Params.Members() {
		p := orig.Params[i]
		ts, ok := oracle.TangentSpace(p.Type)
		if !ok {
			return nil, fmt.Errorf("parameter %d: %w", i, errNoTangent(p.Type))
		}
		df.Params = append(df.Params, Param{Type: ts.Type, Indirect: p.Indirect})
	}
	seed, err := resultTangent(orig, cfg.Result, oracle)
	if err != nil {
		return nil, err
	}
	df.Results = []Result{{Type: seed.Type, Indirect: orig.Results[cfg.Result].Indirect}}
	return df, nil
}

// VJPType computes the type of a VJP: the original signature with the
// pullback appended to the results.
func VJPType(orig *FunctionType, cfg DiffConfig, oracle Oracle) (*FunctionType, error) {
	pb, err := PullbackType(orig, cfg, oracle)
	if err != nil {
		return nil, err
	}
	vjp := &FunctionType{Params: append([]Param(nil), orig.Params...)}
	vjp.Results = append(vjp.Results, orig.Results...)
	vjp.Results = append(vjp.Results, Result{Type: pb})
	return vjp, nil
}

// JVPType computes the type of a JVP: the original signature with the
// differential appended to the results.
func JVPType(orig *FunctionType, cfg DiffConfig, oracle Oracle) (*FunctionType, error) {
	df, err := DifferentialType(orig, cfg, oracle)
	if err != nil {
		return nil, err
	}
	jvp := &FunctionType{Params: append([]Param(nil), orig.Params...)}
	jvp.Results = append(jvp.Results, orig.Results...)
	jvp.Results = append(jvp.Results, Result{Type: df})
	return jvp, nil
}

func resultTangent(orig *FunctionType, result int, oracle Oracle) (TangentSpace, error) {
	if result < 0 || result >= len(orig.Results) {
		return TangentSpace{}, fmt.Errorf("result index %d out of range", result)
	}
	ts, ok := oracle.TangentSpace(orig.Results[result].Type)
	if !ok {
		return TangentSpace{}, fmt.Errorf("result %d: %w", result, errNoTangent(orig.Results[result].Type))
	}
	return ts, nil
}

func errNoTangent(t Type) error {
	return fmt.Errorf("type %s has no tangent space", t)
}
