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

// livenessPass builds the prototype token map: one fresh StorageToken per
// tensor produced by a parameter, constant or call, with device type and
// storage scope resolved through the target hooks, and RefCounter counting
// the consumers of each token (plus one for function outputs).
type livenessPass struct {
	tokenVisitor
	arena   *arena
	devices target.DeviceMap
	scopes  target.ScopeMap
}

// collectPrototypes runs the liveness pass over fn and returns the prototype
// map. Tokens are backed by the given arena.
func collectPrototypes(fn *ir.Function, targets target.Map, a *arena) map[ir.Expr][]*StorageToken {
	p := &livenessPass{
		tokenVisitor: makeTokenVisitor(),
		arena:        a,
		devices:      target.CollectDeviceInfo(fn),
	}
	p.scopes = target.CollectStorageInfo(fn, p.devices, targets)
	p.tokenVisitor.createToken = p.newPrototype
	p.tokenVisitor.visitCall = p.countCallRefs
	p.run(fn)
	return p.tokens
}

// newPrototype creates the fresh token list for a producing node: one token
// per tensor of the node's shape, tagged with the node's device type and the
// hook-provided storage scopes ("global" when absent).
// canRealloc only matters to the assignment pass; every prototype is fresh.
func (p *livenessPass) newPrototype(e ir.Expr, canRealloc bool) {
	if _, ok := p.tokens[e]; ok {
		exceptions.Panicf("storage tokens already assigned to expression %s", e)
	}
	shape := e.Shape()
	if !shape.Ok() {
		exceptions.Panicf("expression %s produces no value to reserve storage for", e)
	}
	tensorShapes := shape.TensorShapes()
	scopes, hasScopes := p.scopes[e]
	if hasScopes && len(scopes) != len(tensorShapes) {
		exceptions.Panicf("storage scope hook returned %d scopes for the %d outputs of %s",
			len(scopes), len(tensorShapes), e)
	}
	deviceType := p.devices[e]
	tokens := make([]*StorageToken, 0, len(tensorShapes))
	for i, tensorShape := range tensorShapes {
		scope := target.GlobalScope
		if hasScopes {
			scope = scopes[i]
		}
		tokens = append(tokens, p.arena.newToken(tensorShape, deviceType, scope))
	}
	p.tokens[e] = tokens
}

// countCallRefs creates the call's result tokens, then counts the call as a
// consumer of every argument token.
func (p *livenessPass) countCallRefs(call *ir.Call) {
	p.newPrototype(call, true)
	for _, arg := range call.Args {
		for _, tok := range p.getTokens(arg) {
			tok.RefCounter++
		}
	}
}
