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
	"github.com/gomlx/exceptions"
	"github.com/google/btree"
)

// matchRange bounds the fuzzy size match of the linear pool: a request of
// size s may reuse a free buffer whose recorded size lies in
// [s/matchRange, s*matchRange]. Zero would disable reuse entirely.
const matchRange = 16

// freeItem is one entry of the linear pool's free list, ordered by recorded
// byte size. seq breaks ties in insertion order, giving the free list the
// semantics of an ordered multimap.
type freeItem struct {
	size int64
	seq  uint64
	tok  *StorageToken
}

func freeItemLess(a, b freeItem) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.seq < b.seq
}

// tokenAllocator1D manages linear byte buffers: fresh allocation, a
// size-ordered free list, and fuzzy size-match reuse within matchRange.
type tokenAllocator1D struct {
	free *btree.BTreeG[freeItem]
	seq  uint64
	data []*StorageToken
}

func newTokenAllocator1D() tokenAllocator1D {
	return tokenAllocator1D{free: btree.NewG[freeItem](8, freeItemLess)}
}

// memorySize returns the byte size a token's tensor requires: the product of
// its dimensions times ceil(bits·lanes/8). Fails on symbolic or negative
// dimensions.
func memorySize(tok *StorageToken) int64 {
	if err := tok.Shape.CheckConcrete(); err != nil {
		exceptions.Panicf("%v", err)
	}
	return tok.Shape.Memory()
}

// request searches the free list for a reusable buffer for the prototype.
// Entries of size >= the request are preferred, scanned upward from the
// closest fit; then entries below it, scanned downward. The first entry on a
// matching device wins. Returns nil when nothing within range fits.
func (a *tokenAllocator1D) request(proto *StorageToken) *StorageToken {
	size := memorySize(proto)
	if matchRange == 0 {
		return nil
	}
	var hit freeItem
	found := false
	// Scan free buffers of size in [size, size*matchRange], ascending.
	a.free.AscendGreaterOrEqual(freeItem{size: size}, func(item freeItem) bool {
		if item.size > size*matchRange {
			return false
		}
		if item.tok.DeviceType != proto.DeviceType {
			return true
		}
		hit, found = item, true
		return false
	})
	if !found {
		// Then free buffers of size in [size/matchRange, size), descending.
		a.free.DescendLessOrEqual(freeItem{size: size}, func(item freeItem) bool {
			if item.size < size/matchRange {
				return false
			}
			if item.tok.DeviceType != proto.DeviceType {
				return true
			}
			hit, found = item, true
			return false
		})
	}
	if !found {
		return nil
	}
	tok := hit.tok
	tok.MaxBytes = max(tok.MaxBytes, size)
	tok.RefCounter = proto.RefCounter
	a.free.Delete(hit)
	return tok
}

// alloc turns the prototype itself into a freshly allocated token with the
// given storage id.
func (a *tokenAllocator1D) alloc(proto *StorageToken, storageID int64) *StorageToken {
	proto.MaxBytes = memorySize(proto)
	proto.StorageID = storageID
	a.data = append(a.data, proto)
	return proto
}

// checkForRelease returns the token to the free list once its last consumer
// is gone. The token must already be allocated and consistently counted.
func (a *tokenAllocator1D) checkForRelease(tok *StorageToken) {
	if tok.StorageID < 0 {
		exceptions.Panicf("releasing a token that was never allocated: %s", tok)
	}
	if tok.RefCounter < 0 {
		exceptions.Panicf("token over-released: %s", tok)
	}
	if tok.RefCounter == 0 {
		a.seq++
		a.free.ReplaceOrInsert(freeItem{size: tok.MaxBytes, seq: a.seq, tok: tok})
	}
}

// totalAllocBytes returns the high-water total of all linear buffers ever
// allocated from this pool.
func (a *tokenAllocator1D) totalAllocBytes() int64 {
	var total int64
	for _, tok := range a.data {
		total += tok.MaxBytes
	}
	return total
}
