/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package cow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneSharesUntilMutation(t *testing.T) {
	v := NewVector[int](3)
	v.Replace(0, 1)
	v.Replace(1, 2)
	v.Replace(2, 3)

	clone := v.Clone()
	assert.True(t, Same(v, clone))

	clone.Replace(0, 99)
	assert.False(t, Same(v, clone), "mutating the clone must break sharing")
	assert.Equal(t, 1, v.Get(0), "the original must be untouched")
	assert.Equal(t, 99, clone.Get(0))
}

func TestVectorPushPop(t *testing.T) {
	v := NewVector[string](0)
	v.PushBack("a")
	v.PushBack("b")
	assert.Equal(t, 2, v.Len())
	assert.Equal(t, "b", v.Back())
	v.PopBack()
	assert.Equal(t, 1, v.Len())
	assert.Equal(t, "a", v.Get(0))
}

func TestSetCloneAndInsert(t *testing.T) {
	s := NewSet[int]()
	s.Insert(1)
	s.Insert(2)

	clone := s.Clone()
	clone.Insert(3)

	assert.Equal(t, 2, s.Len(), "original set must not see the clone's insert")
	assert.Equal(t, 3, clone.Len())
	assert.True(t, clone.Contains(1))
	assert.True(t, clone.Contains(3))
	assert.False(t, s.Contains(3))
}

func TestVectorSliceIsDefensiveCopy(t *testing.T) {
	v := NewVector[int](2)
	v.Replace(0, 1)
	v.Replace(1, 2)
	sl := v.Slice()
	sl[0] = 999
	assert.Equal(t, 1, v.Get(0))
}
