/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/stackedboxes/pytracejit/pkg/helpers"
	"gitlab.com/stackedboxes/pytracejit/pkg/il"
)

func buildSimpleReturn(t *testing.T) CompileRequest {
	t.Helper()
	b := il.NewBuilder()
	b.EmitConstI4(42)
	b.EmitReturn(true)
	return CompileRequest{
		Name:         "f",
		Instructions: b.Instructions,
		LocalTypes:   b.LocalTypes(),
		MaxStack:     b.MaxStackDepth(),
	}
}

func TestInterpBackendRunsASimpleReturn(t *testing.T) {
	be := NewInterpBackend(nil)
	entry, err := be.Compile(buildSimpleReturn(t))
	require.NoError(t, err)

	result, err := entry.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(42), result)
}

func TestInterpBackendAddsTwoFloats(t *testing.T) {
	b := il.NewBuilder()
	b.EmitConstR8(1.5)
	b.EmitConstR8(2.5)
	b.EmitAdd(il.TypeR8)
	b.EmitReturn(true)
	req := CompileRequest{Name: "f", Instructions: b.Instructions, MaxStack: b.MaxStackDepth()}

	be := NewInterpBackend(nil)
	entry, err := be.Compile(req)
	require.NoError(t, err)

	result, err := entry.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, result)
}

func TestInterpBackendDispatchesHelperCalls(t *testing.T) {
	b := il.NewBuilder()
	b.EmitConstI4(10)
	b.EmitConstI4(20)
	b.EmitCall(int(helpers.Add), 2, il.TypePointer)
	b.EmitReturn(true)
	req := CompileRequest{Name: "f", Instructions: b.Instructions, MaxStack: b.MaxStackDepth()}

	table := HelperTable{
		helpers.Add: func(args []interface{}) (interface{}, error) {
			return args[0].(int32) + args[1].(int32), nil
		},
	}
	be := NewInterpBackend(table)
	entry, err := be.Compile(req)
	require.NoError(t, err)

	result, err := entry.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(30), result)
}

func TestInterpBackendBranchesOnCondition(t *testing.T) {
	b := il.NewBuilder()
	trueLabel := b.DefineLabel()
	b.EmitConstI4(1)
	b.EmitConstI4(1)
	b.EmitCEq(il.TypeI4)
	b.EmitBranch(il.BrTrue, trueLabel)
	b.EmitConstI4(0)
	b.EmitReturn(true)
	b.MarkLabel(trueLabel)
	b.EmitConstI4(99)
	b.EmitReturn(true)
	req := CompileRequest{Name: "f", Instructions: b.Instructions, MaxStack: b.MaxStackDepth()}

	be := NewInterpBackend(nil)
	entry, err := be.Compile(req)
	require.NoError(t, err)

	result, err := entry.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(99), result)
}

func TestInterpBackendRejectsDanglingBranchLabel(t *testing.T) {
	b := il.NewBuilder()
	danglingLabel := b.DefineLabel()
	b.EmitConstI4(1)
	b.EmitBranch(il.BrTrue, danglingLabel)
	req := CompileRequest{Name: "f", Instructions: b.Instructions}

	be := NewInterpBackend(nil)
	_, err := be.Compile(req)
	assert.Error(t, err)
}

func TestRegisterLookupUnregisterRoundTrip(t *testing.T) {
	be := NewInterpBackend(nil)
	entry, err := be.Compile(buildSimpleReturn(t))
	require.NoError(t, err)

	id := Register(entry)
	before := Count()

	found, ok := Lookup(id)
	require.True(t, ok)
	assert.Same(t, entry, found)

	Unregister(id)
	assert.Equal(t, before-1, Count())

	_, ok = Lookup(id)
	assert.False(t, ok, "an unregistered handle must no longer resolve")
}

func TestLocalStoreThenLoadRoundTrips(t *testing.T) {
	b := il.NewBuilder()
	local := b.DefineLocal(il.TypeI4, false)
	b.EmitConstI4(7)
	b.EmitStore(local)
	b.EmitLoad(local)
	b.EmitReturn(true)
	req := CompileRequest{
		Name:         "f",
		Instructions: b.Instructions,
		LocalTypes:   b.LocalTypes(),
		MaxStack:     b.MaxStackDepth(),
	}

	be := NewInterpBackend(nil)
	entry, err := be.Compile(req)
	require.NoError(t, err)

	result, err := entry.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(7), result)
}
