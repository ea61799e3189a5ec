/*
 *	Copyright 2025 The graphmem Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package ir is the functional expression IR the memory planner operates on.
//
// A program is a Function whose body is an immutable tree of Expr nodes, each
// with a statically resolved shape: either a tensor shape or a tuple of tensor
// shapes (see the shapes package). Node identity is pointer identity -- the
// planner keys its maps on the *Expr values themselves, so a node must not be
// copied once built.
//
// The node kinds are deliberately few: Var (function parameter or let-bound
// name), Constant, Call (operator application), Tuple, TupleGetItem, Let, If,
// plus the leaf references Op and GlobalVar which produce no value storage of
// their own. Nested Function nodes may appear as call operators; passes do not
// recurse into them.
package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/tensorvm/graphmem/types/shapes"
)

// Expr is an expression node. Every node knows its result shape; nodes that
// produce no value (Op, GlobalVar) report an invalid shape.
type Expr interface {
	shapes.HasShape
	fmt.Stringer
}

// Var is a variable: a function parameter, or a name bound by a Let.
type Var struct {
	Name     string
	VarShape shapes.Shape
}

// NewVar creates a variable of the given shape.
func NewVar(name string, shape shapes.Shape) *Var {
	return &Var{Name: name, VarShape: shape}
}

func (v *Var) Shape() shapes.Shape { return v.VarShape }
func (v *Var) String() string      { return fmt.Sprintf("%%%s: %s", v.Name, v.VarShape) }

// Constant is an embedded constant tensor. Only its shape matters to planning;
// Value optionally carries the host data for downstream consumers.
type Constant struct {
	ConstShape shapes.Shape
	Value      any
}

// NewConstant creates a constant of the given shape.
func NewConstant(shape shapes.Shape) *Constant {
	return &Constant{ConstShape: shape}
}

func (c *Constant) Shape() shapes.Shape { return c.ConstShape }
func (c *Constant) String() string      { return fmt.Sprintf("const: %s", c.ConstShape) }

// Op is a reference to a named primitive operator. It produces no storage.
type Op struct {
	Name string
}

// NewOp creates an operator reference.
func NewOp(name string) *Op { return &Op{Name: name} }

func (o *Op) Shape() shapes.Shape { return shapes.Invalid() }
func (o *Op) String() string      { return o.Name }

// GlobalVar is a reference to a global definition. It produces no storage.
type GlobalVar struct {
	Name string
}

// NewGlobalVar creates a global reference.
func NewGlobalVar(name string) *GlobalVar { return &GlobalVar{Name: name} }

func (g *GlobalVar) Shape() shapes.Shape { return shapes.Invalid() }
func (g *GlobalVar) String() string      { return "@" + g.Name }

// Call applies an operator (or function) to an ordered argument list. The
// result shape is supplied by whoever type-checked the call: operator
// signatures are outside this package.
type Call struct {
	Op        Expr
	Args      []Expr
	CallShape shapes.Shape
}

// NewCall creates a call with the given (already inferred) result shape.
func NewCall(op Expr, shape shapes.Shape, args ...Expr) *Call {
	if !shape.Ok() {
		exceptions.Panicf("ir.NewCall(%s): call must have a valid result shape", op)
	}
	return &Call{Op: op, Args: args, CallShape: shape}
}

func (c *Call) Shape() shapes.Shape { return c.CallShape }

func (c *Call) String() string {
	parts := make([]string, 0, len(c.Args))
	for _, arg := range c.Args {
		parts = append(parts, arg.String())
	}
	return fmt.Sprintf("%s(%s)", c.Op, strings.Join(parts, ", "))
}

// Tuple aggregates the outputs of its fields. Its shape is the tuple of the
// field shapes; it owns no storage of its own.
type Tuple struct {
	Fields     []Expr
	tupleShape shapes.Shape
}

// NewTuple creates a tuple node from the given fields.
func NewTuple(fields ...Expr) *Tuple {
	elements := make([]shapes.Shape, 0, len(fields))
	for _, field := range fields {
		elements = append(elements, field.Shape())
	}
	return &Tuple{Fields: fields, tupleShape: shapes.MakeTuple(elements)}
}

func (t *Tuple) Shape() shapes.Shape { return t.tupleShape }

func (t *Tuple) String() string {
	parts := make([]string, 0, len(t.Fields))
	for _, field := range t.Fields {
		parts = append(parts, field.String())
	}
	return fmt.Sprintf("(%s)", strings.Join(parts, ", "))
}

// TupleGetItem projects one field out of a tuple-valued expression. The index
// is not validated at construction: out-of-range projections are reported by
// the passes that consume the tree, with the context of the whole function.
type TupleGetItem struct {
	Tuple Expr
	Index int
}

// NewTupleGetItem creates a projection of field index from tuple.
func NewTupleGetItem(tuple Expr, index int) *TupleGetItem {
	return &TupleGetItem{Tuple: tuple, Index: index}
}

func (t *TupleGetItem) Shape() shapes.Shape {
	tupleShape := t.Tuple.Shape()
	if !tupleShape.IsTuple() || t.Index < 0 || t.Index >= tupleShape.TupleSize() {
		return shapes.Invalid()
	}
	return tupleShape.TupleShapes[t.Index]
}

func (t *TupleGetItem) String() string { return fmt.Sprintf("%s.%d", t.Tuple, t.Index) }

// Let binds Value to Var for use inside Body. The let expression evaluates to
// its body.
type Let struct {
	Var   *Var
	Value Expr
	Body  Expr
}

// NewLet creates a let binding.
func NewLet(v *Var, value, body Expr) *Let {
	return &Let{Var: v, Value: value, Body: body}
}

func (l *Let) Shape() shapes.Shape { return l.Body.Shape() }

func (l *Let) String() string {
	return fmt.Sprintf("let %%%s = %s in %s", l.Var.Name, l.Value, l.Body)
}

// If is a conditional expression. The memory planner does not support it; it
// exists so front ends can build complete trees and get a proper error.
type If struct {
	Cond, Then, Else Expr
}

// NewIf creates a conditional.
func NewIf(cond, then, otherwise Expr) *If {
	return &If{Cond: cond, Then: then, Else: otherwise}
}

func (i *If) Shape() shapes.Shape { return i.Then.Shape() }

func (i *If) String() string {
	return fmt.Sprintf("if %s then %s else %s", i.Cond, i.Then, i.Else)
}

// Function is a function definition: ordered parameters and a body expression.
// Functions are also Exprs so they can appear as call operators (sub-functions
// are opaque to the planner).
type Function struct {
	Params []*Var
	Body   Expr
}

// NewFunction creates a function from its parameters and body.
func NewFunction(params []*Var, body Expr) *Function {
	return &Function{Params: params, Body: body}
}

func (f *Function) Shape() shapes.Shape { return f.Body.Shape() }

func (f *Function) String() string {
	parts := make([]string, 0, len(f.Params))
	for _, param := range f.Params {
		parts = append(parts, param.String())
	}
	return fmt.Sprintf("fn(%s) -> %s", strings.Join(parts, ", "), f.Body)
}
