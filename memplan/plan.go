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

// Package memplan assigns storage to every tensor produced by a function
// body, reusing buffers whenever liveness permits, so that graph execution
// needs only constant-time lookups instead of per-tensor allocations.
//
// The planner runs two passes over the expression tree in identical order: a
// liveness pass that creates one prototype StorageToken per produced tensor
// and counts its consumers, and an assignment pass that turns prototypes into
// storage ids, drawing from two pools: a linear byte pool with fuzzy
// size-match reuse for "global"-scoped buffers, and a 2D image pool for
// "texture"-scoped buffers keyed by (width, height, dtype).
//
// Entry point:
//
//	storage, err := memplan.PlanMemory(fn, targets)
//
// The result maps every storage-carrying expression to the parallel triple
// (storage ids, device types, storage scopes) of its outputs, ready for code
// generation and runtime buffer allocation. Errors are fatal to the
// compilation of the function; there are no retry semantics.
//
// Per-target storage scopes and per-node device types come from the hooks in
// the target package; without hooks everything is an unannotated "global"
// buffer. The planner refuses symbolic shapes and conditional expressions.
package memplan

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/tensorvm/graphmem/ir"
	"github.com/tensorvm/graphmem/target"
)

// NodeStorage is the planned storage of one expression's outputs: three
// parallel arrays, one entry per produced tensor.
type NodeStorage struct {
	StorageIDs    []int64
	DeviceTypes   []int
	StorageScopes []string
}

// StorageMap is the planner's result: the NodeStorage of every expression
// that carries storage tokens. Aliasing expressions (tuples, projections,
// lets) map to the ids of the tokens they forward; expressions producing no
// value (operator and global references) are absent.
type StorageMap map[ir.Expr]*NodeStorage

// PlanMemory plans the storage of every tensor produced by fn's body for the
// given target map. It is deterministic: the same function and hooks yield
// the same plan.
func PlanMemory(fn *ir.Function, targets target.Map) (storage StorageMap, err error) {
	err = exceptions.TryCatch[error](func() { storage = planMemory(fn, targets) })
	if err != nil {
		return nil, err
	}
	return storage, nil
}

func planMemory(fn *ir.Function, targets target.Map) StorageMap {
	tokenArena := &arena{}
	prototypes := collectPrototypes(fn, targets, tokenArena)
	assign := newAssignPass(prototypes)
	assign.run(fn)

	storage := make(StorageMap, len(assign.tokens))
	numAnnotated, numTokens := 0, 0
	for e, tokens := range assign.tokens {
		node := &NodeStorage{
			StorageIDs:    make([]int64, 0, len(tokens)),
			DeviceTypes:   make([]int, 0, len(tokens)),
			StorageScopes: make([]string, 0, len(tokens)),
		}
		for _, tok := range tokens {
			if tok.DeviceType != 0 {
				numAnnotated++
			}
			numTokens++
			node.StorageIDs = append(node.StorageIDs, tok.StorageID)
			node.DeviceTypes = append(node.DeviceTypes, tok.DeviceType)
			node.StorageScopes = append(node.StorageScopes, tok.Scope)
		}
		storage[e] = node
	}
	// Either all or none of the outputs carry a device annotation.
	if numAnnotated != 0 && numAnnotated != numTokens {
		exceptions.Panicf("%d out of %d expression outputs are assigned virtual device types; "+
			"either all or none of the expressions must be annotated", numAnnotated, numTokens)
	}
	if klog.V(2).Enabled() {
		klog.Infof("memplan: planned %d expressions into %d storage ids (%d tokens, %s of linear buffers)",
			len(storage), assign.alloc.numStorageIDs(), tokenArena.size(),
			humanize.IBytes(uint64(assign.alloc.totalAllocBytes())))
	}
	return storage
}

// Validate checks the invariants every planned map must satisfy: parallel
// arrays of equal length, assigned non-negative storage ids, and a single
// device type per storage id. All violations are reported, not just the
// first.
func (m StorageMap) Validate() error {
	var err error
	deviceOfID := make(map[int64]int)
	for e, node := range m {
		if len(node.StorageIDs) != len(node.DeviceTypes) || len(node.StorageIDs) != len(node.StorageScopes) {
			err = multierr.Append(err, errors.Errorf(
				"expression %s has ragged storage arrays: %d ids, %d device types, %d scopes",
				e, len(node.StorageIDs), len(node.DeviceTypes), len(node.StorageScopes)))
			continue
		}
		for i, storageID := range node.StorageIDs {
			if storageID < 0 {
				err = multierr.Append(err, errors.Errorf(
					"expression %s output %d has no storage id assigned", e, i))
				continue
			}
			if previous, seen := deviceOfID[storageID]; seen {
				if previous != node.DeviceTypes[i] {
					err = multierr.Append(err, errors.Errorf(
						"storage id %d is annotated with device types %d and %d",
						storageID, previous, node.DeviceTypes[i]))
				}
			} else {
				deviceOfID[storageID] = node.DeviceTypes[i]
			}
		}
	}
	return err
}
