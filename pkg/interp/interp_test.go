/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/stackedboxes/pytracejit/pkg/absval"
	"gitlab.com/stackedboxes/pytracejit/pkg/bytecode"
)

// def f(): return 1
func simpleReturnCode() *bytecode.Code {
	return &bytecode.Code{
		Name: "f",
		Instructions: []byte{
			byte(bytecode.LOAD_CONST), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
		Consts:    []bytecode.Const{{Kind: bytecode.ConstInt, Value: int64(1)}},
		NumLocals: 0,
	}
}

func TestInterpretSimpleReturnInfersIntReturnType(t *testing.T) {
	code := simpleReturnCode()
	ai := New(code)
	ok := ai.Interpret()
	require.True(t, ok)
	assert.Equal(t, absval.Int, ai.ReturnInfo().Kind)
}

func TestPreprocessRejectsGeneratorFlag(t *testing.T) {
	code := simpleReturnCode()
	code.Flags |= bytecode.FlagGenerator
	ai := New(code)
	assert.False(t, ai.Interpret())
}

func TestPreprocessRejectsUnsupportedOpcode(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.YIELD_VALUE), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
	}
	ai := New(code)
	assert.False(t, ai.Interpret())
}

func TestPreprocessRejectsForbiddenGlobal(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_GLOBAL), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
		Names: []string{"eval"},
	}
	ai := New(code)
	assert.False(t, ai.Interpret())
}

// def f(x):
//
//	y = x + x
//	return y
func TestParameterPlusParameterEscapesBothBecauseKindIsUnknown(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_FAST), 0, // 0: x
			byte(bytecode.LOAD_FAST), 0, // 2: x
			byte(bytecode.BINARY_ADD), 0, // 4
			byte(bytecode.STORE_FAST), 1, // 6: y
			byte(bytecode.LOAD_FAST), 1, // 8: y
			byte(bytecode.RETURN_VALUE), 0, // 10
		},
		ArgCount:  1,
		NumLocals: 2,
		VarNames:  []string{"x", "y"},
	}
	ai := New(code)
	require.True(t, ai.Interpret())

	// x is a parameter, so its declared kind is Any; BINARY_ADD on two Any
	// operands is not in any closed row, so both operand sources (the two
	// LOAD_FAST results) must escape and the addition result is Any.
	assert.Equal(t, absval.Any, ai.ReturnInfo().Kind)
	assert.True(t, ai.ShouldBox(0))
	assert.True(t, ai.ShouldBox(2))
}

// Two LOAD_CONST floats added together must stay Float and not escape
// (spec.md's Float+Float row is closed).
func TestConstFloatAdditionStaysUnboxed(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_CONST), 0, // 0
			byte(bytecode.LOAD_CONST), 1, // 2
			byte(bytecode.BINARY_ADD), 0, // 4
			byte(bytecode.RETURN_VALUE), 0, // 6
		},
		Consts: []bytecode.Const{
			{Kind: bytecode.ConstFloat, Value: 1.0},
			{Kind: bytecode.ConstFloat, Value: 2.0},
		},
	}
	ai := New(code)
	require.True(t, ai.Interpret())
	assert.Equal(t, absval.Float, ai.ReturnInfo().Kind)
	assert.False(t, ai.ShouldBox(4), "Float+Float is a closed op; its sources must not escape")
}

// Scenario 7 from spec.md §8: x = 1; y = 2.0; return x + y must escape
// both LOAD_CONST sources, because Int's row does not close against Float.
func TestIntPlusFloatEscapesBothOperands(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_CONST), 0, // 0: x = 1
			byte(bytecode.STORE_FAST), 0, // 2
			byte(bytecode.LOAD_CONST), 1, // 4: y = 2.0
			byte(bytecode.STORE_FAST), 1, // 6
			byte(bytecode.LOAD_FAST), 0, // 8
			byte(bytecode.LOAD_FAST), 1, // 10
			byte(bytecode.BINARY_ADD), 0, // 12
			byte(bytecode.RETURN_VALUE), 0, // 14
		},
		Consts: []bytecode.Const{
			{Kind: bytecode.ConstInt, Value: int64(1)},
			{Kind: bytecode.ConstFloat, Value: 2.0},
		},
		NumLocals: 2,
		VarNames:  []string{"x", "y"},
	}
	ai := New(code)
	require.True(t, ai.Interpret())
	assert.Equal(t, absval.Any, ai.ReturnInfo().Kind)
	assert.True(t, ai.ShouldBox(0), "the LOAD_CONST feeding x must escape")
	assert.True(t, ai.ShouldBox(4), "the LOAD_CONST feeding y must escape")
}

// if x: return 1 else: return 2 -- both branches return Int, so the merged
// return type stays Int; locals at the join must agree too.
func TestBranchMergeMatchingReturnTypesStaysConcrete(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_FAST), 0, // 0: x
			byte(bytecode.POP_JUMP_IF_FALSE), 8, // 2 -> else at 8
			byte(bytecode.LOAD_CONST), 0, // 4: 1
			byte(bytecode.RETURN_VALUE), 0, // 6
			byte(bytecode.LOAD_CONST), 1, // 8: 2
			byte(bytecode.RETURN_VALUE), 0, // 10
		},
		Consts: []bytecode.Const{
			{Kind: bytecode.ConstInt, Value: int64(1)},
			{Kind: bytecode.ConstInt, Value: int64(2)},
		},
		ArgCount:  1,
		NumLocals: 1,
		VarNames:  []string{"x"},
	}
	ai := New(code)
	require.True(t, ai.Interpret())
	assert.Equal(t, absval.Int, ai.ReturnInfo().Kind)
}

func TestUnsupportedOpcodeMarksPermanentlyNonJittable(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.SETUP_WITH), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
	}
	ai := New(code)
	assert.False(t, ai.Interpret())
}

func TestParametersStartAsDefinitelyAssignedAny(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_FAST), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
		ArgCount:  1,
		NumLocals: 1,
		VarNames:  []string{"x"},
	}
	ai := New(code)
	require.True(t, ai.Interpret())
	local := ai.LocalInfoAt(0, 0)
	assert.Equal(t, absval.Any, local.Value.Kind)
	assert.False(t, local.MaybeUndefined)
}

func TestUnassignedLocalStartsUndefinedAndMaybeUndefined(t *testing.T) {
	code := &bytecode.Code{
		Instructions: []byte{
			byte(bytecode.LOAD_CONST), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
		Consts:    []bytecode.Const{{Kind: bytecode.ConstInt, Value: int64(1)}},
		NumLocals: 1,
		VarNames:  []string{"y"},
	}
	ai := New(code)
	require.True(t, ai.Interpret())
	local := ai.LocalInfoAt(0, 0)
	assert.Equal(t, absval.Undefined, local.Value.Kind)
	assert.True(t, local.MaybeUndefined)
}
