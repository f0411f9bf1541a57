// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package ir exposes the SSA intermediate representation the
// differentiation transform operates on.
//
// A Module holds functions, each a graph of basic blocks with SSA block
// parameters. Modules can be built programmatically through Builder or
// parsed from the textual form:
//
//	mod, err := ir.Parse(src, ir.NewStdOracle())
//	fmt.Println(ir.Print(mod))
package ir

import (
	"github.com/born-ml/gradir/internal/ir"
)

// Core IR structure.
type (
	Module   = ir.Module
	Function = ir.Function
	Block    = ir.Block
	BlockID  = ir.BlockID
	Value    = ir.Value
	Instr    = ir.Instr
	Builder  = ir.Builder
)

// Types.
type (
	Type         = ir.Type
	FunctionType = ir.FunctionType
	StructType   = ir.StructType
	EnumType     = ir.EnumType
	TupleType    = ir.TupleType
	AddressType  = ir.AddressType
	BundleType   = ir.BundleType
)

// Differentiation surface.
type (
	DiffConfig   = ir.DiffConfig
	IndexSet     = ir.IndexSet
	Oracle       = ir.Oracle
	StdOracle    = ir.StdOracle
	TangentSpace = ir.TangentSpace
)

// NewModule returns an empty module.
func NewModule() *Module { return ir.NewModule() }

// NewStdOracle returns the default type-system oracle: floats are leaves,
// tuples and structs are fieldwise aggregates.
func NewStdOracle() *StdOracle { return ir.NewStdOracle() }

// Parse reads a module from its textual form.
func Parse(src string, oracle Oracle) (*Module, error) { return ir.Parse(src, oracle) }

// Print renders a module in its textual form.
func Print(m *Module) string { return ir.Print(m) }

// Indices builds an index set from its members.
func Indices(members ...int) IndexSet { return ir.Indices(members...) }
