/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/stackedboxes/pytracejit/pkg/il"
)

func TestLookupKnownTokenReturnsDescriptor(t *testing.T) {
	d, ok := Lookup(Add)
	require.True(t, ok)
	assert.Equal(t, "add", d.Name)
	assert.Equal(t, il.TypePointer, d.Return)
	assert.Len(t, d.Args, 2)
}

func TestLookupOutOfRangeTokenFails(t *testing.T) {
	_, ok := Lookup(Token(-1))
	assert.False(t, ok)

	_, ok = Lookup(Token(Count() + 100))
	assert.False(t, ok)
}

func TestEveryTokenHasAUniqueNonEmptyName(t *testing.T) {
	seen := make(map[string]bool, Count())
	for i := 0; i < Count(); i++ {
		d, ok := Lookup(Token(i))
		require.True(t, ok)
		require.NotEmpty(t, d.Name)
		assert.False(t, seen[d.Name], "duplicate helper name %q", d.Name)
		seen[d.Name] = true
	}
}

func TestCategoryOfGroupsBinaryOpsTogether(t *testing.T) {
	cat, ok := CategoryOf(Add)
	require.True(t, ok)
	assert.Equal(t, CategoryBinaryOp, cat)

	cat, ok = CategoryOf(InplaceXor)
	require.True(t, ok)
	assert.Equal(t, CategoryBinaryOp, cat)
}

func TestRefcountHelpersReturnVoidOrObject(t *testing.T) {
	decref, ok := Lookup(Decref)
	require.True(t, ok)
	assert.Equal(t, il.TypeVoid, decref.Return)

	decrefAndNull, ok := Lookup(DecrefAndNull)
	require.True(t, ok)
	assert.Equal(t, il.TypePointer, decrefAndNull.Return)
}

// periodic_work reports failure via the int -1/0 convention (spec.md §6),
// not a boxed null -- this is the resolved Open Question from spec.md §9.
func TestPeriodicWorkUsesIntStatusConvention(t *testing.T) {
	d, ok := Lookup(PeriodicWork)
	require.True(t, ok)
	assert.Equal(t, il.TypeI4, d.Return)
	assert.True(t, d.IntStat)
	assert.Empty(t, d.Args)
}

func TestUnaryNotIntReturnsBoolNotObject(t *testing.T) {
	d, ok := Lookup(NotInt)
	require.True(t, ok)
	assert.Equal(t, il.TypeBool, d.Return)

	obj, ok := Lookup(NotObject)
	require.True(t, ok)
	assert.Equal(t, il.TypePointer, obj.Return)
}

func TestCollectionConstructorsTakeASizeHint(t *testing.T) {
	for _, tok := range []Token{TupleNew, ListNew, DictNewPresized} {
		d, ok := Lookup(tok)
		require.True(t, ok)
		require.Len(t, d.Args, 1)
		assert.Equal(t, il.TypeI4, d.Args[0])
	}
}

func TestExceptionHelpersCoverFullTaxonomy(t *testing.T) {
	for _, tok := range []Token{
		RaiseVarargs, Reraise, PrepareException, UnwindEH,
		CompareExceptions, PyErrSetString, PyErrRestore,
		UnboundLocal, EHTrace, CheckFunctionResult,
	} {
		_, ok := Lookup(tok)
		assert.True(t, ok, "expected exception helper token to resolve")
	}
}
