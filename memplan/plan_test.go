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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/tensorvm/graphmem/ir"
	"github.com/tensorvm/graphmem/target"
	"github.com/tensorvm/graphmem/types/shapes"
)

func f32(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }

func opCall(name string, shape shapes.Shape, args ...ir.Expr) *ir.Call {
	return ir.NewCall(ir.NewOp(name), shape, args...)
}

func mustPlan(t *testing.T, fn *ir.Function, targets target.Map) StorageMap {
	t.Helper()
	storage, err := PlanMemory(fn, targets)
	require.NoError(t, err)
	require.NoError(t, storage.Validate())
	return storage
}

func distinctIDs(storage StorageMap) map[int64]bool {
	ids := make(map[int64]bool)
	for _, node := range storage {
		for _, id := range node.StorageIDs {
			ids[id] = true
		}
	}
	return ids
}

// y = op(x): two distinct storage ids, parameter and result.
func TestChain(t *testing.T) {
	x := ir.NewVar("x", f32(2, 16))
	y := opCall("nn.relu", x.Shape(), x)
	fn := ir.NewFunction([]*ir.Var{x}, y)

	storage := mustPlan(t, fn, target.Map{})
	require.Len(t, storage, 2)
	require.NotEqual(t, storage[x].StorageIDs[0], storage[y].StorageIDs[0])
	require.Equal(t, []string{"global"}, storage[y].StorageScopes)
	require.Equal(t, []int{0}, storage[y].DeviceTypes)
}

// a = op1(x); b = op2(x); c = op3(a, b): a and b live simultaneously, so all
// producers get distinct ids.
func TestDiamond(t *testing.T) {
	x := ir.NewVar("x", f32(64))
	a := opCall("exp", x.Shape(), x)
	b := opCall("negative", x.Shape(), x)
	c := opCall("add", x.Shape(), a, b)
	fn := ir.NewFunction([]*ir.Var{x}, c)

	storage := mustPlan(t, fn, target.Map{})
	require.Len(t, distinctIDs(storage), 4)
}

// a = op(x); b = op(a); c = op(b): by the time c allocates, a has been
// released, so c reuses a's buffer.
func TestSequentialReuse(t *testing.T) {
	x := ir.NewVar("x", f32(64))
	a := opCall("exp", x.Shape(), x)
	b := opCall("exp", x.Shape(), a)
	c := opCall("exp", x.Shape(), b)
	fn := ir.NewFunction([]*ir.Var{x}, c)

	storage := mustPlan(t, fn, target.Map{})
	require.Equal(t, storage[a].StorageIDs[0], storage[c].StorageIDs[0])
	require.NotEqual(t, storage[a].StorageIDs[0], storage[b].StorageIDs[0])
	require.Len(t, distinctIDs(storage), 3)
}

// A let-bound value with no consumers is released as soon as it is created,
// and its buffer backs the next allocation of matching size.
func TestOrphanReleasedImmediately(t *testing.T) {
	x := ir.NewVar("x", f32(64))
	unused := opCall("zeros", f32(64)) // nullary producer, never consumed
	v := ir.NewVar("v", unused.Shape())
	result := opCall("exp", x.Shape(), x)
	fn := ir.NewFunction([]*ir.Var{x}, ir.NewLet(v, unused, result))

	storage := mustPlan(t, fn, target.Map{})
	require.Equal(t, storage[unused].StorageIDs[0], storage[result].StorageIDs[0])
}

// A tuple returned from the function introduces no storage of its own and
// pins every field as an output.
func TestTupleOutputsPinned(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	a := opCall("exp", x.Shape(), x)
	b := opCall("negative", x.Shape(), x)
	tuple := ir.NewTuple(a, b)
	fn := ir.NewFunction([]*ir.Var{x}, tuple)

	storage := mustPlan(t, fn, target.Map{})
	require.Equal(t, []int64{storage[a].StorageIDs[0], storage[b].StorageIDs[0]}, storage[tuple].StorageIDs)
	require.Len(t, distinctIDs(storage), 3)
}

// A tuple field that no call and no output ever consumes is an orphan: its
// buffer is released on creation and recycled by the next producer.
func TestProjectionDropsUnusedField(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	a := opCall("exp", x.Shape(), x)
	b := opCall("negative", x.Shape(), x)
	tuple := ir.NewTuple(a, b)
	proj := ir.NewTupleGetItem(tuple, 1)
	fn := ir.NewFunction([]*ir.Var{x}, proj)

	storage := mustPlan(t, fn, target.Map{})
	require.Equal(t, []int64{storage[b].StorageIDs[0]}, storage[proj].StorageIDs)
	// a's buffer was free by the time b allocated, so b moved into it.
	require.Equal(t, storage[a].StorageIDs[0], storage[b].StorageIDs[0])
	require.Len(t, distinctIDs(storage), 2)
}

// A call producing a tuple gets one token per field; fields without
// consumers are orphans and free immediately.
func TestTupleOutputCall(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	split := opCall("split", shapes.MakeTuple([]shapes.Shape{f32(4), f32(4)}), x)
	proj := ir.NewTupleGetItem(split, 0)
	fn := ir.NewFunction([]*ir.Var{x}, proj)

	storage := mustPlan(t, fn, target.Map{})
	require.Len(t, storage[split].StorageIDs, 2)
	require.NotEqual(t, storage[split].StorageIDs[0], storage[split].StorageIDs[1])
	require.Equal(t, storage[split].StorageIDs[0], storage[proj].StorageIDs[0])
}

func TestTupleIndexOutOfRange(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	a := opCall("exp", x.Shape(), x)
	b := opCall("negative", x.Shape(), x)
	proj := ir.NewTupleGetItem(ir.NewTuple(a, b), 2)
	fn := ir.NewFunction([]*ir.Var{x}, proj)

	_, err := PlanMemory(fn, target.Map{})
	require.ErrorContains(t, err, "index 2 out of range for a tuple of 2 fields")
}

func TestConditionalUnsupported(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	cond := ir.NewVar("c", shapes.Make(dtypes.Bool))
	body := ir.NewIf(cond, x, x)
	fn := ir.NewFunction([]*ir.Var{x, cond}, body)

	_, err := PlanMemory(fn, target.Map{})
	require.ErrorContains(t, err, "conditional expressions are not supported")
}

func TestSymbolicShapeRefused(t *testing.T) {
	x := ir.NewVar("x", shapes.Make(dtypes.Float32, shapes.UnknownDim, 8))
	fn := ir.NewFunction([]*ir.Var{x}, opCall("exp", x.Shape(), x))

	_, err := PlanMemory(fn, target.Map{})
	require.ErrorContains(t, err, "symbolic tensor shape")
}

func TestNegativeShapeRefused(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	x.VarShape.Dimensions[0] = -8
	fn := ir.NewFunction([]*ir.Var{x}, opCall("exp", x.Shape(), x))

	_, err := PlanMemory(fn, target.Map{})
	require.ErrorContains(t, err, "negative dimension -8")
}

func TestDuplicateNodeFails(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	fn := ir.NewFunction([]*ir.Var{x, x}, opCall("exp", x.Shape(), x))

	_, err := PlanMemory(fn, target.Map{})
	require.ErrorContains(t, err, "already assigned")
}

func TestScopeArityMismatch(t *testing.T) {
	targets := target.Map{4: target.New("opencl").WithAttr("device", "ritmo")}
	x := ir.NewVar("x", f32(8))
	split := opCall("split", shapes.MakeTuple([]shapes.Shape{f32(4), f32(4)}), x)
	fn := ir.NewFunction([]*ir.Var{x}, split)

	target.RegisterStorageInfo(target.StorageInfoKey(targets), func(fn *ir.Function, devices target.DeviceMap, targets target.Map) target.ScopeMap {
		return target.ScopeMap{fn.Body: {"global"}} // two outputs, one scope
	})
	_, err := PlanMemory(fn, targets)
	require.ErrorContains(t, err, "returned 1 scopes for the 2 outputs")
}

func TestMixedDeviceAnnotationFails(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	y := opCall("exp", x.Shape(), x)
	fn := ir.NewFunction([]*ir.Var{x}, y)

	target.RegisterDeviceAnalysis(func(fn *ir.Function) target.DeviceMap {
		return target.DeviceMap{fn.Body: 4} // annotates the call but not the parameter
	})
	defer target.RegisterDeviceAnalysis(nil)

	_, err := PlanMemory(fn, target.Map{})
	require.ErrorContains(t, err, "either all or none")
}

// Buffers on different devices never share storage, even when sizes match.
func TestNoReuseAcrossDevices(t *testing.T) {
	x := ir.NewVar("x", f32(64))
	a := opCall("exp", x.Shape(), x)
	b := opCall("exp", x.Shape(), a)
	c := opCall("exp", x.Shape(), b)
	fn := ir.NewFunction([]*ir.Var{x}, c)

	target.RegisterDeviceAnalysis(func(fn *ir.Function) target.DeviceMap {
		return target.DeviceMap{x: 1, a: 1, b: 2, c: 2}
	})
	defer target.RegisterDeviceAnalysis(nil)

	storage := mustPlan(t, fn, target.Map{})
	// c would reuse a's released buffer, but a lives on another device.
	require.NotEqual(t, storage[a].StorageIDs[0], storage[c].StorageIDs[0])
	require.Equal(t, []int{2}, storage[c].DeviceTypes)
}

// Texture-scoped buffers are allocated directly, never through the linear
// reuse path: every producer in the chain keeps its own image block, and the
// scope survives to serialization.
func TestTexturePlanning(t *testing.T) {
	targets := target.Map{4: target.New("opencl").WithAttr("device", "adreno")}

	x := ir.NewVar("x", f32(1, 64, 64, 4))
	a := opCall("nn.conv2d", f32(1, 64, 64, 4), x)
	b := opCall("nn.relu", f32(1, 32, 128, 4), a)
	c := opCall("concatenate", b.Shape(), b)
	fn := ir.NewFunction([]*ir.Var{x}, c)

	allTexture := func(fn *ir.Function, devices target.DeviceMap, targets target.Map) target.ScopeMap {
		scopes := target.ScopeMap{}
		var walk func(e ir.Expr)
		walk = func(e ir.Expr) {
			switch node := e.(type) {
			case *ir.Call:
				scopes[node] = []string{"texture"}
				for _, arg := range node.Args {
					walk(arg)
				}
			case *ir.Var:
				scopes[node] = []string{"texture"}
			}
		}
		for _, param := range fn.Params {
			walk(param)
		}
		walk(fn.Body)
		return scopes
	}
	target.RegisterStorageInfo(target.StorageInfoKey(targets), allTexture)

	storage := mustPlan(t, fn, targets)
	require.Equal(t, []string{"texture"}, storage[a].StorageScopes)
	require.Equal(t, []string{"texture"}, storage[x].StorageScopes)
	// A released global buffer could be reused here; texture blocks are
	// allocated fresh per producer by the pass.
	require.Len(t, distinctIDs(storage), 4)
}

// Planning is deterministic: two runs over the same function and hooks yield
// identical triples.
func TestPlanningIsDeterministic(t *testing.T) {
	x := ir.NewVar("x", f32(64))
	a := opCall("exp", x.Shape(), x)
	b := opCall("negative", x.Shape(), x)
	c := opCall("add", x.Shape(), a, b)
	d := opCall("exp", x.Shape(), c)
	fn := ir.NewFunction([]*ir.Var{x}, d)

	first := mustPlan(t, fn, target.Map{})
	second := mustPlan(t, fn, target.Map{})
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("plans differ between runs (-first +second):\n%s", diff)
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	x := ir.NewVar("x", f32(8))
	y := ir.NewVar("y", f32(8))
	broken := StorageMap{
		x: {StorageIDs: []int64{-1}, DeviceTypes: []int{0}, StorageScopes: []string{"global"}},
		y: {StorageIDs: []int64{0, 1}, DeviceTypes: []int{0}, StorageScopes: []string{"global"}},
	}
	err := broken.Validate()
	require.ErrorContains(t, err, "no storage id assigned")
	require.ErrorContains(t, err, "ragged storage arrays")
}

// Function parameters keep their buffers for the whole plan even when fully
// consumed, so a later allocation can never squat on an input.
func TestParameterPinned(t *testing.T) {
	x := ir.NewVar("x", f32(64))
	a := opCall("add", x.Shape(), x, x) // consumes both of x's references
	b := opCall("exp", x.Shape(), a)
	c := opCall("exp", x.Shape(), b)
	fn := ir.NewFunction([]*ir.Var{x}, c)

	storage := mustPlan(t, fn, target.Map{})
	// If x were releasable it would be the first free buffer in line when c
	// allocates; instead c reuses a and x keeps its own id.
	require.Equal(t, storage[a].StorageIDs[0], storage[c].StorageIDs[0])
	require.NotEqual(t, storage[x].StorageIDs[0], storage[c].StorageIDs[0])
	require.Len(t, distinctIDs(storage), 3)
}
