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

package memplan

import (
	"math"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/gomlx/exceptions"
	"github.com/tensorvm/graphmem/texture"
)

// memBlock is the per-storage-id state of the image pool: the owning token
// and the current block extent. The extent can only grow, when a reuse
// expands the block to fit a new tensor.
type memBlock struct {
	tok  *StorageToken
	x, y int64 // width, height
}

// tokenAllocator2D manages 2D image buffers keyed by (width, height, dtype).
// Released blocks go to a free set; a request picks the free block of the
// same dtype that minimizes expansion, provided the expansion stays within
// the size of the requested tensor.
type tokenAllocator2D struct {
	blocks map[int64]*memBlock
	free   map[int64]struct{}
}

func newTokenAllocator2D() tokenAllocator2D {
	return tokenAllocator2D{
		blocks: make(map[int64]*memBlock),
		free:   make(map[int64]struct{}),
	}
}

// size2D flattens the token's tensor to the 2D image shape of its scope
// convention. Fails on symbolic or negative dimensions.
func size2D(tok *StorageToken) texture.Shape2D {
	return texture.FlattenForScope(tok.Shape, tok.Scope)
}

// request searches the free set for a reusable image block. For every free
// block of identical dtype it computes the expansion needed to cover the
// request and keeps the candidate minimizing the added area, breaking added
// ties (at zero) by the least wasted area. The winner is accepted only if its
// added area does not exceed the requested area, capping growth per reuse to
// the size of the new tensor. Returns nil when no candidate qualifies.
func (a *tokenAllocator2D) request(proto *StorageToken) *StorageToken {
	shape := size2D(proto)
	requestedSize := shape.Area()
	minAddedSize := int64(math.MaxInt64)
	minWastedSize := int64(math.MaxInt64)
	bestStorageID := int64(-1)
	var bestMem memBlock
	// Free ids are visited in ascending order to keep planning deterministic.
	freeIDs := maps.Keys(a.free)
	slices.Sort(freeIDs)
	for _, freeID := range freeIDs {
		cached := a.blocks[freeID]
		// Only blocks holding the same element type can back this tensor.
		if !cached.tok.Shape.EqualDType(proto.Shape) {
			continue
		}
		cachedSize := cached.x * cached.y
		newMem := memBlock{x: max(cached.x, shape.Width), y: max(cached.y, shape.Height)}
		expandedSize := newMem.x * newMem.y
		addedSize := expandedSize - cachedSize
		wastedSize := expandedSize - requestedSize
		// Prioritize minimization of added size first, then minimize wasted
		// size among blocks which would not require expansion.
		if (minAddedSize > 0 && addedSize < minAddedSize) ||
			(minAddedSize == 0 && addedSize == 0 && wastedSize < minWastedSize) {
			minAddedSize = addedSize
			minWastedSize = wastedSize
			bestStorageID = freeID
			bestMem = newMem
		}
	}
	if bestStorageID < 0 || minAddedSize > requestedSize {
		return nil
	}
	block := a.blocks[bestStorageID]
	block.x, block.y = bestMem.x, bestMem.y
	block.tok.RefCounter = proto.RefCounter
	delete(a.free, bestStorageID)
	return block.tok
}

// alloc records a fresh image block for the prototype under the given
// storage id.
func (a *tokenAllocator2D) alloc(proto *StorageToken, storageID int64) *StorageToken {
	shape := size2D(proto)
	proto.StorageID = storageID
	a.blocks[storageID] = &memBlock{tok: proto, x: shape.Width, y: shape.Height}
	return proto
}

// checkForRelease adds the token's block to the free set once its last
// consumer is gone.
func (a *tokenAllocator2D) checkForRelease(tok *StorageToken) {
	if tok.StorageID < 0 {
		exceptions.Panicf("releasing a token that was never allocated: %s", tok)
	}
	if tok.RefCounter < 0 {
		exceptions.Panicf("token over-released: %s", tok)
	}
	if tok.RefCounter == 0 {
		a.free[tok.StorageID] = struct{}{}
	}
}
