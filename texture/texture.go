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

// Package texture implements the deterministic collapse of an N-d tensor
// shape into a 2D image shape (height, width, channel), parameterized by a
// storage-scope convention.
//
// The last dimension is always the channel axis: it is carried through as a
// separate tag (it selects the image element type downstream) and is never
// multiplied into width or height. The remaining axes are split by an axis
// separator derived from the scope:
//
//	"texture" (and any other texture scope):  separator = rank-2
//	    [N,C,H,W,c] -> height=N*C*H, width=W, channel=c
//	"texture:weight":                         separator = 1
//	    [O,I,H,W,c] -> height=O, width=I*H*W, channel=c
//	"texture:nhwc":                           separator = 2
//	    [N,H,W,C]   -> height=N*H, width=W, channel=C
package texture

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/tensorvm/graphmem/types/shapes"
)

// Shape2D is a flattened 2D image shape. Width and height are in image
// elements; Channel is the trailing axis carried through for the element type.
type Shape2D struct {
	Width, Height, Channel int64
}

func (s Shape2D) String() string {
	return fmt.Sprintf("%dx%d (channel=%d)", s.Width, s.Height, s.Channel)
}

// Area returns width times height, the block area reserved for the image.
// The channel axis is not included.
func (s Shape2D) Area() int64 { return s.Width * s.Height }

// IsTextureStorage reports whether a storage scope is backed by a 2D image:
// any scope containing the substring "texture".
func IsTextureStorage(scope string) bool {
	return strings.Contains(scope, "texture")
}

// Scope conventions with a fixed axis separator.
const (
	WeightScope = "texture:weight"
	NHWCScope   = "texture:nhwc"
)

// LayoutSeparator returns the axis separator that partitions an Nd shape of
// the given rank in 2D under the given scope convention. Axes below the
// separator flatten into height, the rest (minus the channel axis) into
// width. Panics on non-texture scopes.
func LayoutSeparator(rank int, scope string) int {
	switch {
	case scope == WeightScope:
		return 1
	case scope == NHWCScope:
		return 2
	case IsTextureStorage(scope):
		return rank - 2
	}
	exceptions.Panicf("unknown texture lowering convention %q", scope)
	return 0
}

// Flatten collapses an Nd shape into a 2D image shape given the axis
// separator. The shape must be concrete and the separator must fall inside
// the rank.
func Flatten(shape shapes.Shape, axis int) Shape2D {
	if err := shape.CheckConcrete(); err != nil {
		exceptions.Panicf("texture.Flatten: %v", err)
	}
	rank := shape.Rank()
	if axis < 0 || axis >= rank {
		exceptions.Panicf("texture.Flatten: axis separator %d out of range for rank %d shape %s", axis, rank, shape)
	}
	flat := Shape2D{Width: 1, Height: 1, Channel: int64(shape.Dimensions[rank-1])}
	for i := 0; i < rank-1; i++ {
		if i < axis {
			flat.Height *= int64(shape.Dimensions[i])
		} else {
			flat.Width *= int64(shape.Dimensions[i])
		}
	}
	return flat
}

// FlattenForScope is Flatten with the separator derived from the scope.
func FlattenForScope(shape shapes.Shape, scope string) Shape2D {
	return Flatten(shape, LayoutSeparator(shape.Rank(), scope))
}
