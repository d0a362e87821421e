/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package helpers implements the host runtime helper catalogue (spec.md
// §6): a fixed, numbered table of (token, return type, argument type
// list) descriptors the code generator emits `il.Builder.EmitCall` tokens
// against. The catalogue itself is a process-global, read-only-after-init
// table, per spec.md §5's "Shared resources" ("A process-global table of
// helper-function descriptors (method token -> native entry + signature).
// Read-only after init.").
//
// Grounded on spec.md §6's category table; this package supplies the
// token numbering and signatures the categories describe, in the same
// spirit as the teacher's pkg/vm built-in-function table (a fixed,
// name-indexed dispatch table populated once at VM construction and never
// mutated afterward).
package helpers

import "gitlab.com/stackedboxes/pytracejit/pkg/il"

// Token identifies one helper in the catalogue; it is the value
// il.Builder.EmitCall's token parameter carries.
type Token int

// Descriptor is one catalogue entry: the helper's declared name, return
// type and argument types. The code generator does not consult it (each
// EmitCall site passes its own argument count and result type); the
// interpreting backend looks a call's token up here for its Name.
type Descriptor struct {
	Name    string
	Return  il.Type
	Args    []il.Type
	IntStat bool // true if this helper reports failure via the int -1/0 convention rather than a null pointer
}

// Category groups related tokens for documentation/trace purposes; it has
// no effect on dispatch.
type Category string

const (
	CategoryBinaryOp   Category = "binary_op"
	CategoryUnaryOp    Category = "unary_op"
	CategoryCollection Category = "collection"
	CategoryNameAttr   Category = "name_attr"
	CategoryCall       Category = "call"
	CategoryIteration  Category = "iteration"
	CategoryRefcount   Category = "refcount"
	CategoryException  Category = "exception"
	CategoryFrame      Category = "frame"
	CategoryImport     Category = "import"
	CategoryFunction   Category = "function"
	CategoryMisc       Category = "misc"
)

// entry bundles a Descriptor with its Category for the table below.
type entry struct {
	Descriptor
	Category Category
}

const (
	// Binary ops (spec.md §6 "Binary ops"). Every arithmetic/bitwise
	// helper has the same boxed-object signature: (object, object) ->
	// object-or-null; specialization to unboxed kinds is the CG's choice
	// of which token to emit, not a different signature.
	Add Token = iota
	Sub
	Mul
	TrueDiv
	FloorDiv
	Mod
	Pow
	MatMul
	Subscr
	Contains
	NotContains
	LShift
	RShift
	And
	Or
	Xor
	InplaceAdd
	InplaceSub
	InplaceMul
	InplaceTrueDiv
	InplaceFloorDiv
	InplaceMod
	InplacePow
	InplaceLShift
	InplaceRShift
	InplaceAnd
	InplaceOr
	InplaceXor

	// Unary ops.
	Positive
	Negative
	NotObject
	NotInt
	Invert

	// Collections.
	TupleNew
	ListNew
	DictNewPresized
	SetNew
	ListStore
	TupleStore
	ListAppend
	ListExtend
	ListToTuple
	DeleteSubscr
	DictStore
	DictMerge
	DictUpdate
	SetAdd
	SetUpdate
	BuildSlice
	BuildMap
	BuildString

	// Names & attrs.
	LoadName
	StoreName
	DeleteName
	LoadAttr
	StoreAttr
	DeleteAttr
	LoadGlobal
	StoreGlobal
	DeleteGlobal
	LoadMethod
	LoadBuildClass
	LoadClassderef

	// Control & calls.
	Call0
	Call1
	Call2
	Call3
	Call4
	CallNWithTuple
	CallKwWithTuple
	CallArgs
	CallKwargs
	MethodCall
	MethodCallN
	FancyCall

	// Iteration.
	GetIter
	IterNext

	// Refcount.
	Incref
	Decref
	DecrefAndNull

	// Exceptions.
	RaiseVarargs
	Reraise
	PrepareException
	UnwindEH
	CompareExceptions
	PyErrSetString
	PyErrRestore
	UnboundLocal
	EHTrace
	CheckFunctionResult

	// Frame management.
	PushFrame
	PopFrame
	LastiInit
	LastiUpdate

	// Imports.
	ImportName
	ImportFrom
	ImportStar

	// Functions.
	NewFunction
	SetClosure
	SetDefaults
	SetKwDefaults
	SetAnnotations

	// Misc.
	IsTrue
	PrintExpr
	FormatValue
	PyObjectStr
	PyObjectRepr
	PyObjectASCII
	PyObjectFormat
	PeriodicWork

	numTokens
)

var object = il.TypePointer

func binOp(name string) entry {
	return entry{Descriptor{Name: name, Return: object, Args: []il.Type{object, object}}, CategoryBinaryOp}
}

func unOp(name string, ret il.Type) entry {
	return entry{Descriptor{Name: name, Return: ret, Args: []il.Type{object}}, CategoryUnaryOp}
}

// catalogue is the process-global, read-only-after-init token table.
// Indexing is by Token, matching spec.md §5's "method token -> native
// entry + signature".
var catalogue = [numTokens]entry{
	Add:             binOp("add"),
	Sub:             binOp("sub"),
	Mul:             binOp("mul"),
	TrueDiv:         binOp("truediv"),
	FloorDiv:        binOp("floordiv"),
	Mod:             binOp("mod"),
	Pow:             binOp("pow"),
	MatMul:          binOp("matmul"),
	Subscr:          binOp("subscr"),
	// Contains/NotContains are CONTAINS_OP's own dedicated helpers (`x in y`
	// and `x not in y`), distinct from Subscr (`y[x]`) -- grounded on
	// original_source/Pyjion/pycomp.h's METHOD_CONTAINS_TOKEN/
	// METHOD_NOTCONTAINS_TOKEN, each its own entry rather than one token
	// plus a post-hoc negation.
	Contains:        entry{Descriptor{Name: "contains", Return: il.TypeBool, Args: []il.Type{object, object}}, CategoryBinaryOp},
	NotContains:     entry{Descriptor{Name: "not_contains", Return: il.TypeBool, Args: []il.Type{object, object}}, CategoryBinaryOp},
	LShift:          binOp("lshift"),
	RShift:          binOp("rshift"),
	And:             binOp("and"),
	Or:              binOp("or"),
	Xor:             binOp("xor"),
	InplaceAdd:      binOp("inplace_add"),
	InplaceSub:      binOp("inplace_sub"),
	InplaceMul:      binOp("inplace_mul"),
	InplaceTrueDiv:  binOp("inplace_truediv"),
	InplaceFloorDiv: binOp("inplace_floordiv"),
	InplaceMod:      binOp("inplace_mod"),
	InplacePow:      binOp("inplace_pow"),
	InplaceLShift:   binOp("inplace_lshift"),
	InplaceRShift:   binOp("inplace_rshift"),
	InplaceAnd:      binOp("inplace_and"),
	InplaceOr:       binOp("inplace_or"),
	InplaceXor:      binOp("inplace_xor"),

	Positive:  unOp("positive", object),
	Negative:  unOp("negative", object),
	NotObject: unOp("not_object", object),
	NotInt:    unOp("not_int", il.TypeBool),
	Invert:    unOp("invert", object),

	TupleNew:        entry{Descriptor{Name: "tuple_new", Return: object, Args: []il.Type{il.TypeI4}}, CategoryCollection},
	ListNew:         entry{Descriptor{Name: "list_new", Return: object, Args: []il.Type{il.TypeI4}}, CategoryCollection},
	DictNewPresized: entry{Descriptor{Name: "dict_new_presized", Return: object, Args: []il.Type{il.TypeI4}}, CategoryCollection},
	SetNew:          entry{Descriptor{Name: "set_new", Return: object, Args: nil}, CategoryCollection},
	ListStore:       entry{Descriptor{Name: "list_store", Return: il.TypeVoid, Args: []il.Type{object, il.TypeI4, object}}, CategoryCollection},
	TupleStore:      entry{Descriptor{Name: "tuple_store", Return: il.TypeVoid, Args: []il.Type{object, il.TypeI4, object}}, CategoryCollection},
	ListAppend:      entry{Descriptor{Name: "list_append", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	ListExtend:      entry{Descriptor{Name: "list_extend", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	ListToTuple:     entry{Descriptor{Name: "list_to_tuple", Return: object, Args: []il.Type{object}}, CategoryCollection},
	// DeleteSubscr is DELETE_SUBSCR's own helper (del obj[idx]), distinct
	// from DictStore (obj[idx] = val) -- grounded on original_source/
	// Pyjion/pycomp.h's METHOD_DELETESUBSCR_TOKEN / pycomp.cpp's
	// PyJit_DeleteSubscr(container, index).
	DeleteSubscr:    entry{Descriptor{Name: "delete_subscr", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	DictStore:       entry{Descriptor{Name: "dict_store", Return: il.TypeI4, Args: []il.Type{object, object, object}, IntStat: true}, CategoryCollection},
	DictMerge:       entry{Descriptor{Name: "dict_merge", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	DictUpdate:      entry{Descriptor{Name: "dict_update", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	SetAdd:          entry{Descriptor{Name: "set_add", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	SetUpdate:       entry{Descriptor{Name: "set_update", Return: il.TypeI4, Args: []il.Type{object, object}, IntStat: true}, CategoryCollection},
	BuildSlice:      entry{Descriptor{Name: "build_slice", Return: object, Args: []il.Type{object, object, object}}, CategoryCollection},
	BuildMap:        entry{Descriptor{Name: "build_map", Return: object, Args: []il.Type{il.TypeI4}}, CategoryCollection},
	BuildString:     entry{Descriptor{Name: "build_string", Return: object, Args: []il.Type{il.TypeI4}}, CategoryCollection},

	LoadName:       entry{Descriptor{Name: "load_name", Return: object, Args: []il.Type{object, il.TypeI4}}, CategoryNameAttr},
	StoreName:      entry{Descriptor{Name: "store_name", Return: il.TypeI4, Args: []il.Type{object, il.TypeI4, object}, IntStat: true}, CategoryNameAttr},
	DeleteName:     entry{Descriptor{Name: "delete_name", Return: il.TypeI4, Args: []il.Type{object, il.TypeI4}, IntStat: true}, CategoryNameAttr},
	LoadAttr:       entry{Descriptor{Name: "load_attr", Return: object, Args: []il.Type{object, il.TypeI4}}, CategoryNameAttr},
	StoreAttr:      entry{Descriptor{Name: "store_attr", Return: il.TypeI4, Args: []il.Type{object, il.TypeI4, object}, IntStat: true}, CategoryNameAttr},
	DeleteAttr:     entry{Descriptor{Name: "delete_attr", Return: il.TypeI4, Args: []il.Type{object, il.TypeI4}, IntStat: true}, CategoryNameAttr},
	LoadGlobal:     entry{Descriptor{Name: "load_global", Return: object, Args: []il.Type{object, il.TypeI4}}, CategoryNameAttr},
	StoreGlobal:    entry{Descriptor{Name: "store_global", Return: il.TypeI4, Args: []il.Type{object, il.TypeI4, object}, IntStat: true}, CategoryNameAttr},
	DeleteGlobal:   entry{Descriptor{Name: "delete_global", Return: il.TypeI4, Args: []il.Type{object, il.TypeI4}, IntStat: true}, CategoryNameAttr},
	LoadMethod:     entry{Descriptor{Name: "load_method", Return: object, Args: []il.Type{object, il.TypeI4}}, CategoryNameAttr},
	LoadBuildClass: entry{Descriptor{Name: "load_build_class", Return: object, Args: nil}, CategoryNameAttr},
	LoadClassderef: entry{Descriptor{Name: "load_classderef", Return: object, Args: []il.Type{object, il.TypeI4}}, CategoryNameAttr},

	Call0:           entry{Descriptor{Name: "call0", Return: object, Args: []il.Type{object}}, CategoryCall},
	Call1:           entry{Descriptor{Name: "call1", Return: object, Args: []il.Type{object, object}}, CategoryCall},
	Call2:           entry{Descriptor{Name: "call2", Return: object, Args: []il.Type{object, object, object}}, CategoryCall},
	Call3:           entry{Descriptor{Name: "call3", Return: object, Args: []il.Type{object, object, object, object}}, CategoryCall},
	Call4:           entry{Descriptor{Name: "call4", Return: object, Args: []il.Type{object, object, object, object, object}}, CategoryCall},
	CallNWithTuple:  entry{Descriptor{Name: "call_n_with_tuple", Return: object, Args: []il.Type{object, object}}, CategoryCall},
	CallKwWithTuple: entry{Descriptor{Name: "call_kw_with_tuple", Return: object, Args: []il.Type{object, object, object}}, CategoryCall},
	CallArgs:        entry{Descriptor{Name: "call_args", Return: object, Args: []il.Type{object, object}}, CategoryCall},
	CallKwargs:      entry{Descriptor{Name: "call_kwargs", Return: object, Args: []il.Type{object, object, object}}, CategoryCall},
	MethodCall:      entry{Descriptor{Name: "method_call", Return: object, Args: []il.Type{object, object}}, CategoryCall},
	MethodCallN:     entry{Descriptor{Name: "method_call_n", Return: object, Args: []il.Type{object, object, il.TypeI4}}, CategoryCall},
	FancyCall:       entry{Descriptor{Name: "fancy_call", Return: object, Args: []il.Type{object, object, object}}, CategoryCall},

	GetIter:  entry{Descriptor{Name: "get_iter", Return: object, Args: []il.Type{object}}, CategoryIteration},
	IterNext: entry{Descriptor{Name: "iter_next", Return: object, Args: []il.Type{object}}, CategoryIteration},

	Incref:        entry{Descriptor{Name: "incref", Return: il.TypeVoid, Args: []il.Type{object}}, CategoryRefcount},
	Decref:        entry{Descriptor{Name: "decref", Return: il.TypeVoid, Args: []il.Type{object}}, CategoryRefcount},
	DecrefAndNull: entry{Descriptor{Name: "decref_and_null", Return: object, Args: []il.Type{object}}, CategoryRefcount},

	RaiseVarargs:        entry{Descriptor{Name: "raise_varargs", Return: il.TypeI4, Args: []il.Type{object, object, object}, IntStat: true}, CategoryException},
	Reraise:             entry{Descriptor{Name: "reraise", Return: il.TypeI4, Args: []il.Type{object, object, object}, IntStat: true}, CategoryException},
	PrepareException:    entry{Descriptor{Name: "prepare_exception", Return: il.TypeVoid, Args: nil}, CategoryException},
	UnwindEH:            entry{Descriptor{Name: "unwind_eh", Return: il.TypeVoid, Args: []il.Type{il.TypeI4}}, CategoryException},
	CompareExceptions:   entry{Descriptor{Name: "compare_exceptions", Return: il.TypeBool, Args: []il.Type{object, object}}, CategoryException},
	PyErrSetString:      entry{Descriptor{Name: "pyerr_setstring", Return: il.TypeVoid, Args: []il.Type{object, object}}, CategoryException},
	PyErrRestore:        entry{Descriptor{Name: "pyerr_restore", Return: il.TypeVoid, Args: []il.Type{object, object, object}}, CategoryException},
	UnboundLocal:        entry{Descriptor{Name: "unbound_local", Return: il.TypeVoid, Args: []il.Type{object}}, CategoryException},
	EHTrace:             entry{Descriptor{Name: "eh_trace", Return: il.TypeVoid, Args: nil}, CategoryException},
	CheckFunctionResult: entry{Descriptor{Name: "check_function_result", Return: object, Args: []il.Type{object}}, CategoryException},

	PushFrame:   entry{Descriptor{Name: "push_frame", Return: il.TypeVoid, Args: nil}, CategoryFrame},
	PopFrame:    entry{Descriptor{Name: "pop_frame", Return: il.TypeVoid, Args: nil}, CategoryFrame},
	LastiInit:   entry{Descriptor{Name: "lasti_init", Return: il.TypeVoid, Args: []il.Type{il.TypeI4}}, CategoryFrame},
	LastiUpdate: entry{Descriptor{Name: "lasti_update", Return: il.TypeVoid, Args: []il.Type{il.TypeI4}}, CategoryFrame},

	ImportName: entry{Descriptor{Name: "import_name", Return: object, Args: []il.Type{object, object, object}}, CategoryImport},
	ImportFrom: entry{Descriptor{Name: "import_from", Return: object, Args: []il.Type{object, object}}, CategoryImport},
	ImportStar: entry{Descriptor{Name: "import_star", Return: il.TypeI4, Args: []il.Type{object}, IntStat: true}, CategoryImport},

	NewFunction:    entry{Descriptor{Name: "new_function", Return: object, Args: []il.Type{object, object}}, CategoryFunction},
	SetClosure:     entry{Descriptor{Name: "set_closure", Return: il.TypeVoid, Args: []il.Type{object, object}}, CategoryFunction},
	SetDefaults:    entry{Descriptor{Name: "set_defaults", Return: il.TypeVoid, Args: []il.Type{object, object}}, CategoryFunction},
	SetKwDefaults:  entry{Descriptor{Name: "set_kw_defaults", Return: il.TypeVoid, Args: []il.Type{object, object}}, CategoryFunction},
	SetAnnotations: entry{Descriptor{Name: "set_annotations", Return: il.TypeVoid, Args: []il.Type{object, object}}, CategoryFunction},

	IsTrue:         entry{Descriptor{Name: "is_true", Return: il.TypeBool, Args: []il.Type{object}}, CategoryMisc},
	PrintExpr:      entry{Descriptor{Name: "print_expr", Return: il.TypeVoid, Args: []il.Type{object}}, CategoryMisc},
	FormatValue:    entry{Descriptor{Name: "format_value", Return: object, Args: []il.Type{object, object}}, CategoryMisc},
	PyObjectStr:    entry{Descriptor{Name: "pyobject_str", Return: object, Args: []il.Type{object}}, CategoryMisc},
	PyObjectRepr:   entry{Descriptor{Name: "pyobject_repr", Return: object, Args: []il.Type{object}}, CategoryMisc},
	PyObjectASCII:  entry{Descriptor{Name: "pyobject_ascii", Return: object, Args: []il.Type{object}}, CategoryMisc},
	PyObjectFormat: entry{Descriptor{Name: "pyobject_format", Return: object, Args: []il.Type{object, object}}, CategoryMisc},
	// periodic_work's return convention resolves SPEC_FULL.md's "Supplemented
	// features" #3 / spec.md §9's open question: int-status (0 ok, nonzero
	// error), not the "true on error" boolean one header implied.
	PeriodicWork: entry{Descriptor{Name: "periodic_work", Return: il.TypeI4, Args: nil, IntStat: true}, CategoryMisc},
}

// Lookup returns the Descriptor for token. Every Token value from this
// package is valid; a Token fabricated outside it (e.g. by truncation or
// arithmetic) is an internal-compiler-error condition the caller should
// treat as a compile failure rather than index out of range.
func Lookup(token Token) (Descriptor, bool) {
	if token < 0 || int(token) >= len(catalogue) {
		return Descriptor{}, false
	}
	return catalogue[token].Descriptor, true
}

// CategoryOf returns the documentation category for token.
func CategoryOf(token Token) (Category, bool) {
	if token < 0 || int(token) >= len(catalogue) {
		return "", false
	}
	return catalogue[token].Category, true
}

// Count returns the number of tokens in the catalogue.
func Count() int { return int(numTokens) }
