// Package diag defines the structured diagnostics the transform reports.
//
// The transform never renders text for users: it hands (location, kind,
// structured arguments) to a Sink owned by the surrounding compiler.
// Indirect differentiation requests carry note chains so the terminal
// error points back at the originating request site.
package diag

import "fmt"

// Kind classifies a diagnostic.
type Kind int

const (
	// StructuralUnsupported: the function shape cannot be differentiated at
	// all (no return block, or a branch kind the active mode cannot
	// reconstruct).
	StructuralUnsupported Kind = iota
	// NonDifferentiableType: a value's type has no tangent space where one
	// is required.
	NonDifferentiableType
	// NonDifferentiableCallee: an opaque callee, a missing external
	// derivative, or a dynamic-dispatch target without a declared
	// derivative.
	NonDifferentiableCallee
	// UnmetGenericRequirement: extra derivative requirements not satisfied.
	UnmetGenericRequirement
	// UnsupportedConstruct: active in-out aliasing, multiple simultaneously
	// active results, enum-typed differentiation, or writes to
	// global/captured-mutable storage.
	UnsupportedConstruct
	// FragilityViolation: a restricted-visibility derivative used across a
	// boundary that must survive separate compilation.
	FragilityViolation
)

func (k Kind) String() string {
	switch k {
	case StructuralUnsupported:
		return "StructuralUnsupported"
	case NonDifferentiableType:
		return "NonDifferentiableType"
	case NonDifferentiableCallee:
		return "NonDifferentiableCallee"
	case UnmetGenericRequirement:
		return "UnmetGenericRequirement"
	case UnsupportedConstruct:
		return "UnsupportedConstruct"
	default:
		return "FragilityViolation"
	}
}

// Loc anchors a diagnostic: a function name and, optionally, the rendered
// instruction it concerns.
type Loc struct {
	Fn    string
	Instr string
}

func (l Loc) String() string {
	if l.Instr == "" {
		return "@" + l.Fn
	}
	return fmt.Sprintf("@%s: %s", l.Fn, l.Instr)
}

// Note is one link of an indirect-request chain.
type Note struct {
	Loc  Loc
	Args []any
}

// Diagnostic is one reported failure.
type Diagnostic struct {
	Kind  Kind
	Loc   Loc
	Args  []any
	Notes []Note
}

// Sink receives diagnostics. Implementations render or collect; the
// transform only emits.
type Sink interface {
	Diagnose(d Diagnostic)
}

// Collector is a Sink that records everything, for tests and for callers
// that postprocess.
type Collector struct {
	All []Diagnostic
}

// Diagnose implements Sink.
func (c *Collector) Diagnose(d Diagnostic) { c.All = append(c.All, d) }

// First returns the first diagnostic of the given kind, or nil.
func (c *Collector) First(k Kind) *Diagnostic {
	for i := range c.All {
		if c.All[i].Kind == k {
			return &c.All[i]
		}
	}
	return nil
}

// Error is a diagnostic carried as a Go error between emitter layers.
// The orchestrator unwraps it, attaches the invoker note chain, and routes
// it to the sink.
type Error struct {
	D Diagnostic
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.D.Kind, e.D.Loc, e.D.Args)
}

// Errorf builds a diagnostic error.
func Errorf(kind Kind, loc Loc, args ...any) error {
	return &Error{D: Diagnostic{Kind: kind, Loc: loc, Args: args}}
}
