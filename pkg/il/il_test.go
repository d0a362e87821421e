/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package il

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineLocalAssignsIncreasingIndices(t *testing.T) {
	b := NewBuilder()
	l0 := b.DefineLocal(TypeI4, false)
	l1 := b.DefineLocal(TypeR8, false)
	assert.Equal(t, 0, l0.index)
	assert.Equal(t, 1, l1.index)
	assert.Equal(t, 2, b.NumLocals())
	assert.Equal(t, []Type{TypeI4, TypeR8}, b.LocalTypes())
}

func TestFreeLocalIsReusedByCachedDefine(t *testing.T) {
	b := NewBuilder()
	l0 := b.DefineLocal(TypeI4, true)
	b.FreeLocal(l0)
	l1 := b.DefineLocal(TypeI4, true)
	assert.Equal(t, l0.index, l1.index, "a freed local of the same type should be recycled")
	assert.Equal(t, 1, b.NumLocals(), "recycling must not grow the local count")
}

func TestFreeLocalNotReusedWithoutCache(t *testing.T) {
	b := NewBuilder()
	l0 := b.DefineLocal(TypeI4, true)
	b.FreeLocal(l0)
	l1 := b.DefineLocal(TypeI4, false)
	assert.NotEqual(t, l0.index, l1.index)
	assert.Equal(t, 2, b.NumLocals())
}

func TestFreeLocalKeepsSeparateFreeListsPerType(t *testing.T) {
	b := NewBuilder()
	li := b.DefineLocal(TypeI4, true)
	b.FreeLocal(li)
	lr := b.DefineLocal(TypeR8, true)
	assert.NotEqual(t, li.index, lr.index, "a freed i4 local must not satisfy an r8 request")
}

func TestMarkLabelRecordsInstructionOffset(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI4(1)
	label := b.DefineLabel()
	assert.Equal(t, -1, b.LabelOffset(label))
	b.MarkLabel(label)
	assert.Equal(t, 1, b.LabelOffset(label))
}

func TestMarkLabelTwicePanics(t *testing.T) {
	b := NewBuilder()
	label := b.DefineLabel()
	b.MarkLabel(label)
	assert.Panics(t, func() { b.MarkLabel(label) })
}

func TestStackDepthTracksPushesAndPops(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI4(1)
	b.EmitConstI4(2)
	b.EmitAdd(TypeI4)
	assert.Equal(t, 2, b.MaxStackDepth())
	b.EmitReturn(true)
}

func TestCompositeComparisonsEmitNegation(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI4(1)
	b.EmitConstI4(2)
	b.EmitCGe(TypeI4)
	require.Len(t, b.Instructions, 4)
	assert.Equal(t, OpCLt, b.Instructions[2].Op)
	assert.Equal(t, OpNot, b.Instructions[3].Op)
}

func TestEmitCallVoidDoesNotPushStack(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI4(1)
	b.EmitCall(42, 1, TypeVoid)
	last := b.Instructions[len(b.Instructions)-1]
	assert.Equal(t, OpCall, last.Op)
	assert.Equal(t, 1, last.NArgs)
	assert.Equal(t, 1, b.MaxStackDepth(), "a void call must not push a result")
}

func TestEmitBoxThenUnboxRoundTripsStackDepth(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI4(7)
	b.EmitBox(TypeI4)
	last := b.Instructions[len(b.Instructions)-1]
	assert.Equal(t, OpBox, last.Op)
	assert.Equal(t, TypeI4, last.Type)
	assert.Equal(t, 1, b.MaxStackDepth(), "box converts in place, it does not grow the stack")

	b.EmitUnbox(TypeI4)
	last = b.Instructions[len(b.Instructions)-1]
	assert.Equal(t, OpUnbox, last.Op)
	assert.Equal(t, 1, b.MaxStackDepth())
}

func TestEmitBranchConditionalPopsCondition(t *testing.T) {
	b := NewBuilder()
	b.EmitConstI4(1)
	label := b.DefineLabel()
	b.EmitBranch(BrTrue, label)
	assert.Equal(t, 0, b.stackDepth, "a conditional branch consumes its condition")
	b.MarkLabel(label)
	last := b.Instructions[len(b.Instructions)-2]
	assert.Equal(t, OpBranch, last.Op)
	assert.Equal(t, BrTrue, last.Branch)
}
