// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package diff runs the automatic-differentiation transform over an IR
// module: it synthesizes reverse-mode VJP/pullback pairs and forward-mode
// JVP/differential pairs for every pending differentiable-function bundle
// and every explicit request.
//
// Example:
//
//	mod, _ := ir.Parse(src, oracle)
//	var diags diff.Collector
//	ctx := diff.NewContext(mod, oracle, &diags, diff.Config{})
//	w, err := ctx.Request(mod.Func("square"), ir.DiffConfig{Params: ir.Indices(0)})
package diff

import (
	"github.com/born-ml/gradir/internal/diag"
	"github.com/born-ml/gradir/internal/diff"
	"github.com/born-ml/gradir/internal/ir"
)

// Transform surface.
type (
	Config          = diff.Config
	Context         = diff.Context
	Witness         = diff.Witness
	WitnessKey      = diff.WitnessKey
	Invoker         = diff.Invoker
	NestedApplyInfo = diff.NestedApplyInfo
)

// Diagnostics.
type (
	Diagnostic = diag.Diagnostic
	Kind       = diag.Kind
	Loc        = diag.Loc
	Sink       = diag.Sink
	Collector  = diag.Collector
)

const (
	StructuralUnsupported   = diag.StructuralUnsupported
	NonDifferentiableType   = diag.NonDifferentiableType
	NonDifferentiableCallee = diag.NonDifferentiableCallee
	UnmetGenericRequirement = diag.UnmetGenericRequirement
	UnsupportedConstruct    = diag.UnsupportedConstruct
	FragilityViolation      = diag.FragilityViolation
)

// NewContext prepares a transform run over mod, reporting diagnostics to
// sink.
func NewContext(mod *ir.Module, oracle ir.Oracle, sink Sink, cfg Config) *Context {
	return diff.NewContext(mod, oracle, sink, cfg)
}
