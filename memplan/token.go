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
	"fmt"

	"github.com/tensorvm/graphmem/texture"
	"github.com/tensorvm/graphmem/types/shapes"
)

// StorageToken is the planner's unit of reservation: one per tensor produced
// by an expression. Tokens are created by the liveness pass with their shape,
// device and scope; the assignment pass sets StorageID and drives RefCounter
// down as consumers are visited. Two tokens sharing a StorageID share memory.
type StorageToken struct {
	// RefCounter is the number of remaining consumers. A token whose counter
	// reaches zero after a consume may be returned to a free list.
	RefCounter int

	// MaxBytes is, for linear buffers, the high-water-mark byte size across
	// every request this token has served.
	MaxBytes int64

	// Shape of the produced tensor, for size and dtype queries.
	Shape shapes.Shape

	// DeviceType identifies the target device; 0 means unannotated.
	DeviceType int

	// StorageID is assigned on first allocation and immutable thereafter.
	// -1 means unassigned.
	StorageID int64

	// Scope classifies the buffer's backing kind: "global" for linear
	// buffers, any scope containing "texture" for 2D images.
	Scope string

	// is2D caches texture.IsTextureStorage(Scope); computed once at creation.
	is2D bool
}

func (t *StorageToken) String() string {
	return fmt.Sprintf("StorageToken{id=%d, shape=%s, device=%d, scope=%q, refs=%d, maxBytes=%d}",
		t.StorageID, t.Shape, t.DeviceType, t.Scope, t.RefCounter, t.MaxBytes)
}

const arenaChunkSize = 256

// arena bump-allocates StorageTokens in fixed-capacity chunks, so the
// returned pointers stay stable while the arena grows. All tokens of a
// planning run live until the arena is dropped; there is no per-token free.
type arena struct {
	chunks [][]StorageToken
}

// newToken creates a token with an unassigned storage id.
func (a *arena) newToken(shape shapes.Shape, deviceType int, scope string) *StorageToken {
	if len(a.chunks) == 0 || len(a.chunks[len(a.chunks)-1]) == arenaChunkSize {
		a.chunks = append(a.chunks, make([]StorageToken, 0, arenaChunkSize))
	}
	chunk := &a.chunks[len(a.chunks)-1]
	*chunk = append(*chunk, StorageToken{
		Shape:      shape,
		DeviceType: deviceType,
		StorageID:  -1,
		Scope:      scope,
		is2D:       texture.IsTextureStorage(scope),
	})
	return &(*chunk)[len(*chunk)-1]
}

// size returns the number of tokens created so far.
func (a *arena) size() int {
	n := 0
	for _, chunk := range a.chunks {
		n += len(chunk)
	}
	return n
}
