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

// tokenAllocator dispatches requests to the linear or image sub-allocator
// based on the token's storage scope and owns the monotonically increasing
// storage-id counter shared by both.
type tokenAllocator struct {
	storageIDs int64
	alloc1d    tokenAllocator1D
	alloc2d    tokenAllocator2D
}

func newTokenAllocator() *tokenAllocator {
	return &tokenAllocator{
		alloc1d: newTokenAllocator1D(),
		alloc2d: newTokenAllocator2D(),
	}
}

// alloc creates a brand-new storage id for the prototype.
func (a *tokenAllocator) alloc(proto *StorageToken) *StorageToken {
	storageID := a.storageIDs
	a.storageIDs++
	if proto.is2D {
		return a.alloc2d.alloc(proto, storageID)
	}
	return a.alloc1d.alloc(proto, storageID)
}

// request tries sub-allocator reuse first and falls back to alloc, so it
// never returns nil.
func (a *tokenAllocator) request(proto *StorageToken) *StorageToken {
	var tok *StorageToken
	if proto.is2D {
		tok = a.alloc2d.request(proto)
	} else {
		tok = a.alloc1d.request(proto)
	}
	if tok == nil {
		tok = a.alloc(proto)
	}
	return tok
}

// checkForRelease returns the token to its sub-allocator's free list if its
// reference count dropped to zero.
func (a *tokenAllocator) checkForRelease(tok *StorageToken) {
	if tok.is2D {
		a.alloc2d.checkForRelease(tok)
	} else {
		a.alloc1d.checkForRelease(tok)
	}
}

// numStorageIDs returns how many distinct storage ids were handed out.
func (a *tokenAllocator) numStorageIDs() int64 { return a.storageIDs }

// totalAllocBytes returns the high-water byte total of the linear pool.
func (a *tokenAllocator) totalAllocBytes() int64 { return a.alloc1d.totalAllocBytes() }
