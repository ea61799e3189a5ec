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
	"github.com/tensorvm/graphmem/ir"
	"github.com/tensorvm/graphmem/target"
)

// assignPass walks the tree in the same order as the liveness pass, consuming
// the prototype map: each producer gets a buffer from the allocator (reusing
// released ones where the scope permits), and argument buffers are released
// as their last consumer is visited.
type assignPass struct {
	tokenVisitor
	prototypes map[ir.Expr][]*StorageToken
	alloc      *tokenAllocator
}

func newAssignPass(prototypes map[ir.Expr][]*StorageToken) *assignPass {
	p := &assignPass{
		tokenVisitor: makeTokenVisitor(),
		prototypes:   prototypes,
		alloc:        newTokenAllocator(),
	}
	p.tokenVisitor.createToken = p.assignTokens
	p.tokenVisitor.visitCall = p.assignCall
	return p
}

// assignTokens realizes the prototypes of a producing node. Call results with
// global scope go through the allocator's reuse path; everything else
// (parameters, constants and non-global call results) gets a fresh buffer that
// is pinned so it is never handed back to a free list.
//
// Only the "global" scope is eligible for linear reuse: other non-texture
// scopes name memory the planner cannot see through, so they always allocate
// fresh. Keep this guard narrow; widening it is a behavior change, not a fix.
func (p *assignPass) assignTokens(e ir.Expr, canRealloc bool) {
	if _, ok := p.tokens[e]; ok {
		exceptions.Panicf("storage already assigned to expression %s", e)
	}
	protos, ok := p.prototypes[e]
	if !ok {
		exceptions.Panicf("no prototype storage tokens for expression %s", e)
	}
	tokens := make([]*StorageToken, 0, len(protos))
	for _, proto := range protos {
		if canRealloc && proto.Scope == target.GlobalScope {
			tokens = append(tokens, p.alloc.request(proto))
		} else {
			allocated := p.alloc.alloc(proto)
			// Ensure it never gets deallocated.
			allocated.RefCounter++
			tokens = append(tokens, allocated)
		}
	}
	p.tokens[e] = tokens
}

// assignCall allocates the call's results, then consumes its arguments: each
// argument token loses one reference and is released when none remain. The
// call's own tokens are also checked, so an orphaned output with no consumers
// frees immediately.
func (p *assignPass) assignCall(call *ir.Call) {
	var args []*StorageToken
	for _, arg := range call.Args {
		args = append(args, p.getTokens(arg)...)
	}
	p.assignTokens(call, true)
	for _, tok := range p.tokens[call] {
		p.alloc.checkForRelease(tok)
	}
	for _, tok := range args {
		tok.RefCounter--
		p.alloc.checkForRelease(tok)
	}
}
