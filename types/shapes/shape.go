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

// Package shapes defines Shape, the static type of a tensor: its DType (unit
// element type), vector lanes and dimensions.
//
// Shape is used both by the expression IR (see the ir package) and by the
// memory planner (see the memplan package), which turns shapes into byte and
// image-block reservations. A Shape can also represent a tuple of tensor
// shapes, in which case DType is invalid and TupleShapes holds the elements.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: index of a dimension. The size of an axis is its dimension.
//   - DType: the data type of the unit element, enumerated in
//     github.com/gomlx/gopjrt/dtypes.
//   - Lanes: number of DType elements packed per unit element for vectorized
//     layouts. Almost always 1; image-backed buffers use the channel axis
//     instead, which is kept as a shape dimension.
//   - Scalar: a shape with no dimensions, a single value of the DType.
//
// Dimensions must be non-negative. The sentinel UnknownDim marks a symbolic
// (not statically known) extent; the planner refuses such shapes, but they are
// representable so that front ends can carry them up to that point.
package shapes

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"slices"

	"github.com/gomlx/exceptions"
)

// UnknownDim is the value of a dimension that is not statically known.
//
// Shapes holding it are valid IR, but cannot be planned or allocated.
const UnknownDim = int(-1)

// Shape represents the static type of a tensor: dtype, lanes and dimensions --
// or a tuple of tensor shapes.
//
// Use Make (or MakeVec, MakeTuple) to create one.
type Shape struct {
	DType       DType
	Lanes       int
	Dimensions  []int
	TupleShapes []Shape // Shapes of the tuple, if this is a tuple.
}

// Make returns a Shape with the given dtype and dimensions and a single lane.
//
// Dimensions must be non-negative or UnknownDim; anything else panics.
func Make(dtype DType, dimensions ...int) Shape {
	return MakeVec(dtype, 1, dimensions...)
}

// MakeVec returns a Shape whose unit element is a vector of lanes values of
// the given dtype. See Make.
func MakeVec(dtype DType, lanes int, dimensions ...int) Shape {
	s := Shape{DType: dtype, Lanes: lanes, Dimensions: slices.Clone(dimensions)}
	if lanes <= 0 {
		exceptions.Panicf("shapes.MakeVec(%s): lanes must be positive, got %d", dtype, lanes)
	}
	for _, dim := range dimensions {
		if dim < 0 && dim != UnknownDim {
			exceptions.Panicf("shapes.MakeVec(%s): cannot create a shape with negative dimension %d", dtype, dim)
		}
	}
	return s
}

// MakeTuple returns a shape representing a tuple of elements with the given
// shapes.
func MakeTuple(elements []Shape) Shape {
	return Shape{DType: InvalidDType, TupleShapes: slices.Clone(elements)}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: InvalidDType} }

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType || len(s.TupleShapes) > 0 }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Rank() == 0 }

// IsTuple returns whether the shape represents a tuple.
func (s Shape) IsTuple() bool { return s.DType == InvalidDType && len(s.TupleShapes) > 0 }

// TupleSize returns the number of elements in the tuple, if it is a tuple.
func (s Shape) TupleSize() int { return len(s.TupleShapes) }

// Dim returns the dimension of the given axis. A negative axis counts from the
// end, as in slice indexing. Panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself, so Shape satisfies interfaces that
// expect a Shape() accessor.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, s.TupleSize())
		for _, element := range s.TupleShapes {
			parts = append(parts, element.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	dtype := strings.ToLower(s.DType.String())
	if s.Lanes > 1 {
		dtype = fmt.Sprintf("%sx%d", dtype, s.Lanes)
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", dtype)
	}
	return fmt.Sprintf("(%s)%v", dtype, s.Dimensions)
}

// Size returns the number of unit elements needed for this shape, the product
// of all dimensions. Symbolic dimensions make the result meaningless; see
// CheckConcrete.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Bits returns the number of bits of one unit element: the dtype's bits times
// the lanes.
func (s Shape) Bits() int64 {
	return 8 * int64(s.DType.Memory()) * int64(s.Lanes)
}

// Memory returns the bytes needed to store an array of the given shape:
// ceil(bits·lanes / 8) bytes per element times the number of elements.
func (s Shape) Memory() int64 {
	return ((s.Bits() + 7) / 8) * int64(s.Size())
}

// CheckConcrete returns an error if any dimension of the shape is symbolic or
// negative, in which case no memory can be reserved for it.
func (s Shape) CheckConcrete() error {
	for _, dim := range s.Dimensions {
		if dim == UnknownDim {
			return errors.Errorf("cannot allocate memory for symbolic tensor shape %s", s)
		}
		if dim < 0 {
			return errors.Errorf("cannot allocate memory for tensor with negative dimension %d (shape %s)", dim, s)
		}
	}
	return nil
}

// NumTensors returns how many tensors a value of this shape produces: 1 for a
// tensor shape, TupleSize() for a tuple.
func (s Shape) NumTensors() int {
	if s.IsTuple() {
		return s.TupleSize()
	}
	return 1
}

// TensorShapes returns the flat list of tensor shapes a value of this shape
// produces: the shape itself, or the tuple elements. Tuple elements must be
// tensor shapes themselves; nested tuples panic.
func (s Shape) TensorShapes() []Shape {
	if !s.IsTuple() {
		return []Shape{s}
	}
	for _, element := range s.TupleShapes {
		if element.IsTuple() {
			exceptions.Panicf("nested tuple shapes are not supported (shape=%s)", s)
		}
	}
	return s.TupleShapes
}

// Equal compares two shapes for equality: dtype, lanes and dimensions -- and,
// for tuples, element-wise equality.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.Lanes != s2.Lanes {
		return false
	}
	if s.IsTuple() {
		if s.TupleSize() != s2.TupleSize() {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDType compares dtype and lanes only. This is the identity under which
// 2D image blocks may be shared.
func (s Shape) EqualDType(s2 Shape) bool {
	return s.DType == s2.DType && s.Lanes == s2.Lanes
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Lanes = s.Lanes
	s2.Dimensions = slices.Clone(s.Dimensions)
	if s.TupleSize() > 0 {
		s2.TupleShapes = make([]Shape, 0, len(s.TupleShapes))
		for _, subShape := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, subShape.Clone())
		}
	}
	return
}

// HasShape is an interface for objects that have an associated Shape: ir.Expr
// nodes and Shape itself implement it.
type HasShape interface {
	Shape() Shape
}
