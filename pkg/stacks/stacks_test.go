/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package stacks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueStackPushPopOrder(t *testing.T) {
	s := NewValueStack()
	s.Push(Object)
	s.Push(Value)
	assert.Equal(t, 2, s.Depth())
	assert.Equal(t, Value, s.Pop())
	assert.Equal(t, Object, s.Pop())
	assert.Equal(t, 0, s.Depth())
}

func TestTruncateReturnsRemovedSlotsAndResetsDepth(t *testing.T) {
	s := NewValueStack()
	s.Push(Object)
	s.Push(Object)
	s.Push(Value)
	s.Push(Object)

	removed := s.Truncate(1)
	assert.Equal(t, []SlotKind{Object, Value, Object}, removed)
	assert.Equal(t, 1, s.Depth())
}

func TestObjectSlotsAboveCountsOnlyObjectKind(t *testing.T) {
	s := NewValueStack()
	s.Push(Object)
	s.Push(Value)
	s.Push(Object)
	s.Push(Value)
	assert.Equal(t, 2, s.ObjectSlotsAbove(0))
	assert.Equal(t, 1, s.ObjectSlotsAbove(2))
}

func TestBlockStackPushPopAndTop(t *testing.T) {
	b := NewBlockStack()
	b.Push(Block{Kind: BlockFinally, StackDepth: 0, HandlerIndex: 1})
	b.Push(Block{Kind: BlockWith, StackDepth: 3, HandlerIndex: 2})

	top, ok := b.Top()
	assert.True(t, ok)
	assert.Equal(t, BlockWith, top.Kind)

	popped := b.Pop()
	assert.Equal(t, 2, popped.HandlerIndex)
	assert.Equal(t, 1, b.Depth())
}

func TestBlockStackTopOnEmptyReturnsFalse(t *testing.T) {
	b := NewBlockStack()
	_, ok := b.Top()
	assert.False(t, ok)
}

func TestBlockStackEachVisitsOutermostFirst(t *testing.T) {
	b := NewBlockStack()
	b.Push(Block{HandlerIndex: 1})
	b.Push(Block{HandlerIndex: 2})
	b.Push(Block{HandlerIndex: 3})

	var order []int
	b.Each(func(blk Block) { order = append(order, blk.HandlerIndex) })
	assert.Equal(t, []int{1, 2, 3}, order)
}
