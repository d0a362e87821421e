/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package jit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/stackedboxes/pytracejit/pkg/backend"
	"gitlab.com/stackedboxes/pytracejit/pkg/bytecode"
	"gitlab.com/stackedboxes/pytracejit/pkg/helpers"
)

// def f(): return 42
func simpleReturnCode() *bytecode.Code {
	return &bytecode.Code{
		Name: "f",
		Instructions: []byte{
			byte(bytecode.LOAD_CONST), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
		Consts: []bytecode.Const{{Kind: bytecode.ConstInt, Value: int64(42)}},
	}
}

// bookkeepingHelpers fakes the frame/lasti plumbing Generate's prologue and
// per-instruction loop always emit (helpers.PushFrame, helpers.LastiInit,
// helpers.LastiUpdate, helpers.PopFrame, helpers.EHTrace) -- every program
// compiled through Generate calls these regardless of what it does, so any
// test that runs Compile's output through InterpBackend needs them resolved
// the same way a real backend would have them statically linked in.
func bookkeepingHelpers() backend.HelperTable {
	noop := func(args []interface{}) (interface{}, error) { return nil, nil }
	return backend.HelperTable{
		helpers.PushFrame:   noop,
		helpers.PopFrame:    noop,
		helpers.LastiInit:   noop,
		helpers.LastiUpdate: noop,
		helpers.EHTrace:     noop,
	}
}

func withHelpers(extra backend.HelperTable) backend.HelperTable {
	table := bookkeepingHelpers()
	for k, v := range extra {
		table[k] = v
	}
	return table
}

func TestCompileAndInvokeSimpleReturn(t *testing.T) {
	be := backend.NewInterpBackend(bookkeepingHelpers())
	result, err := Compile(simpleReturnCode(), be)
	require.NoError(t, err)
	defer backend.Unregister(result.ID)

	out, err := result.Entry.Invoke(nil)
	require.NoError(t, err)
	assert.Equal(t, int32(42), out)

	_, ok := backend.Lookup(result.ID)
	assert.True(t, ok, "Compile must register its Entry in the jitted_code table")
}

// def f(a, b): return a + b
func addTwoParamsCode() *bytecode.Code {
	return &bytecode.Code{
		Name:     "f",
		ArgCount: 2,
		VarNames: []string{"a", "b"},
		Instructions: []byte{
			byte(bytecode.LOAD_FAST), 0,
			byte(bytecode.LOAD_FAST), 1,
			byte(bytecode.BINARY_ADD), 0,
			byte(bytecode.RETURN_VALUE), 0,
		},
		NumLocals: 2,
	}
}

func TestCompileAndInvokeAddsTwoParameters(t *testing.T) {
	table := withHelpers(backend.HelperTable{
		helpers.Add: func(args []interface{}) (interface{}, error) {
			return args[0].(int32) + args[1].(int32), nil
		},
	})
	be := backend.NewInterpBackend(table)
	result, err := Compile(addTwoParamsCode(), be)
	require.NoError(t, err)
	defer backend.Unregister(result.ID)

	out, err := result.Entry.Invoke([]interface{}{int32(42), int32(100)})
	require.NoError(t, err)
	assert.Equal(t, int32(142), out)
}

func TestCompileRejectsGeneratorFunctions(t *testing.T) {
	code := &bytecode.Code{
		Name:  "f",
		Flags: bytecode.FlagGenerator,
	}
	be := backend.NewInterpBackend(nil)

	_, err := Compile(code, be)
	require.Error(t, err)

	var notJITtable *NotJITtableError
	require.True(t, errors.As(err, &notJITtable))
	assert.Equal(t, StatusUnsupported, notJITtable.Status)
}

func TestCompileReportsBackendFailureAsNotJITtable(t *testing.T) {
	code := simpleReturnCode()
	_, err := Compile(code, failingBackend{})
	require.Error(t, err)

	var notJITtable *NotJITtableError
	require.True(t, errors.As(err, &notJITtable))
	assert.Equal(t, StatusBackendFailed, notJITtable.Status)
}

type failingBackend struct{}

func (failingBackend) Compile(req backend.CompileRequest) (backend.Entry, error) {
	return nil, &backend.CompileError{Msg: "no native backend is wired in this test"}
}
