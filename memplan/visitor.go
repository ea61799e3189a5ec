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
)

// tokenVisitor is the traversal shared by the liveness and assignment passes.
// Each pass is a function from node to token list, memoized in tokens; the
// pass-specific behavior (how tokens are created, how calls consume their
// arguments) is plugged in through the two function fields. Both passes visit
// the tree in the exact same order, which is what makes prototypes and
// assignments correspond.
type tokenVisitor struct {
	tokens  map[ir.Expr][]*StorageToken
	visited map[ir.Expr]bool

	// createToken populates tokens[e]. canRealloc is true for call results,
	// which may reuse released buffers; parameters and constants may not.
	createToken func(e ir.Expr, canRealloc bool)

	// visitCall handles operator application: result creation plus the
	// pass-specific argument bookkeeping.
	visitCall func(call *ir.Call)
}

func makeTokenVisitor() tokenVisitor {
	return tokenVisitor{
		tokens:  make(map[ir.Expr][]*StorageToken),
		visited: make(map[ir.Expr]bool),
	}
}

// run visits a whole function: parameters first, then the body. Every token
// in the function's result list is pinned with an extra reference so outputs
// are never reused for intermediates and survive to serialization.
func (v *tokenVisitor) run(fn *ir.Function) {
	for _, param := range fn.Params {
		v.createToken(param, false)
	}
	for _, tok := range v.getTokens(fn.Body) {
		tok.RefCounter++
	}
}

// getTokens visits e if needed and returns its token list. Every
// value-producing expression must have one by the time it is consumed.
func (v *tokenVisitor) getTokens(e ir.Expr) []*StorageToken {
	v.visit(e)
	tokens, ok := v.tokens[e]
	if !ok {
		exceptions.Panicf("expression %s produces no storage tokens", e)
	}
	return tokens
}

// visit dispatches on the node kind, at most once per node.
func (v *tokenVisitor) visit(e ir.Expr) {
	if v.visited[e] {
		return
	}
	v.visited[e] = true
	switch node := e.(type) {
	case *ir.Constant:
		v.createToken(node, false)
	case *ir.Call:
		v.visitCall(node)
	case *ir.Tuple:
		// A tuple owns no storage: it aliases the tokens of its fields.
		var fields []*StorageToken
		for _, field := range node.Fields {
			fields = append(fields, v.getTokens(field)...)
		}
		v.tokens[node] = fields
	case *ir.TupleGetItem:
		tokens := v.getTokens(node.Tuple)
		if node.Index < 0 || node.Index >= len(tokens) {
			exceptions.Panicf("tuple projection index %d out of range for a tuple of %d fields: %s",
				node.Index, len(tokens), node)
		}
		v.tokens[node] = []*StorageToken{tokens[node.Index]}
	case *ir.Let:
		v.tokens[node.Var] = v.getTokens(node.Value)
		v.tokens[node] = v.getTokens(node.Body)
	case *ir.Var, *ir.GlobalVar, *ir.Op:
		// References produce nothing here: parameters are handled by run,
		// let-bound vars by their Let.
	case *ir.Function:
		// Sub-functions are opaque: do not recurse.
	case *ir.If:
		exceptions.Panicf("conditional expressions are not supported by the memory planner: encountered %s", node)
	default:
		exceptions.Panicf("memory planner does not recognize expression kind %T", e)
	}
}
