/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package absval implements the abstract-value lattice of spec.md §3/§4.1:
// one variant per concrete kind the host VM's values can have, plus Any
// (top) and Undefined (bottom/unassigned), and the unary/binary/compare/
// merge/truth operations the abstract interpreter drives.
//
// Grounded on original_source/Pyjion/absvalue.h and absvalue.cpp (the
// AbstractValue class hierarchy and its per-kind binary/unary/compare
// tables), collapsed per spec.md §9's design note — "virtual dispatch on
// AbstractValue collapses to a match on the kind tag" — into a single
// Value type carrying a Kind tag, with big switch statements standing in
// for the per-kind two-dimensional tables. Every kind is logically a
// singleton (spec.md §3): since Value is just a Kind tag, Of(k) always
// returns the same comparable value for a given k, so callers can compare
// Values with == exactly as the teacher compares type tags in
// pkg/frontend/type_checker.go's `node.LHS.Type().Tag == node.RHS.Type().Tag`.
package absval

import "gitlab.com/stackedboxes/pytracejit/pkg/source"

// Kind is the tag on an abstract value (spec.md glossary).
type Kind int

const (
	Any Kind = iota
	Undefined
	Int
	Float
	Bool
	List
	Dict
	Tuple
	Set
	Str
	Bytes
	None
	Function
	Slice
	Complex
)

var kindNames = [...]string{
	"Any", "Undefined", "Int", "Float", "Bool", "List", "Dict", "Tuple",
	"Set", "Str", "Bytes", "None", "Function", "Slice", "Complex",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// IsKnown reports whether k is a concrete kind (not Any/Undefined) — the
// predicate spec.md §4.1 calls "known ⇔ not Any/Undefined", used by
// Compare to decide whether it can return Bool outright.
func (k Kind) IsKnown() bool {
	return k != Any && k != Undefined
}

// Value is an abstract value: just its Kind, per the design note above.
type Value struct {
	Kind Kind
}

// Of returns the (singleton, in the sense of always-equal) Value for k.
func Of(k Kind) Value { return Value{Kind: k} }

var (
	AnyValue       = Of(Any)
	UndefinedValue = Of(Undefined)
	IntValue       = Of(Int)
	FloatValue     = Of(Float)
	BoolValue      = Of(Bool)
	ListValue      = Of(List)
	DictValue      = Of(Dict)
	TupleValue     = Of(Tuple)
	SetValue       = Of(Set)
	StrValue       = Of(Str)
	BytesValue     = Of(Bytes)
	NoneValue      = Of(None)
	FunctionValue  = Of(Function)
	SliceValue     = Of(Slice)
	ComplexValue   = Of(Complex)
)

// WithSource pairs a Value with the Source that produced it, mirroring
// AbstractValueWithSources in the original.
type WithSource struct {
	Value  Value
	Source *source.Source
}

func (w WithSource) escapes() {
	w.Source.Escapes()
}

// NeedsBoxing reports whether w's source has escaped, or true if w carries
// no source at all (spec.md §3).
func (w WithSource) NeedsBoxing() bool {
	return w.Source.NeedsBoxing()
}

// BinaryOp enumerates the binary/in-place operators the lattice tables
// are defined over (spec.md §3's table).
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpTrueDiv
	OpFloorDiv
	OpMod
	OpPow
	OpMatMul
	OpLShift
	OpRShift
	OpAnd
	OpOr
	OpXor
	OpSubscr
)

// UnaryOp enumerates the unary operators.
type UnaryOp int

const (
	OpPositive UnaryOp = iota
	OpNegative
	OpNot
	OpInvert
)

// CompareOp enumerates comparison/identity/membership operators.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIs
	OpIsNot
	OpIn
	OpNotIn
)

func isSequence(k Kind) bool {
	return k == Str || k == Bytes || k == List || k == Tuple
}

// escapeBoth marks both operand sources as escaped and returns Any — the
// fallback spec.md §4.1 requires for "any operator/kind combination not in
// the tables": "escape both sources, return Any. This keeps the analysis
// sound without enumerating the protocol."
func escapeBoth(self *source.Source, other WithSource) Value {
	self.Escapes()
	other.escapes()
	return AnyValue
}

// Unary applies a unary operator to a value of kind v, given the source of
// the operand. Per spec.md §3: positive/negative/invert preserve numeric
// kind; not always yields Bool; negative on Bool yields Int.
func (v Value) Unary(self *source.Source, op UnaryOp) Value {
	if op == OpNot {
		// `not` never makes the operand escape and always yields Bool,
		// whatever the operand's kind (unlike Truth, which escapes every
		// kind but Bool, Int and Float).
		return BoolValue
	}

	switch v.Kind {
	case Int, Float, Complex:
		if op == OpPositive || op == OpNegative {
			return v
		}
		if op == OpInvert && v.Kind == Int {
			return v
		}
	case Bool:
		switch op {
		case OpPositive:
			return BoolValue
		case OpNegative:
			// -True == -1, an Int: spec.md §4.1 "negative on Bool yields Int".
			return IntValue
		}
	}

	self.Escapes()
	return AnyValue
}

// Binary applies a binary/in-place operator. self is the left operand's
// source; other carries the right operand's value and source.
//
// Rows are indexed by the LEFT operand's kind, matching spec.md §3's
// table exactly: e.g. Int closes arithmetic only against another Int —
// Int+Float is NOT in the Int row (only Int/Bool division is), so it
// falls through to the escape-both/Any default. This is what makes
// scenario 7 of spec.md §8 (`x = 1; y = 2.0; return x + y`) escape both
// LOAD_CONST sources even though the Float row would happily close
// Float+Int: the operand order matters, because the table models which
// concrete helper the code generator can call without boxing, not
// mathematical commutativity.
func (v Value) Binary(self *source.Source, op BinaryOp, other WithSource) Value {
	right := other.Value.Kind

	switch v.Kind {
	case Int:
		switch op {
		case OpAdd, OpSub, OpFloorDiv, OpMod, OpPow, OpLShift, OpRShift, OpAnd, OpOr, OpXor:
			if right == Int {
				return IntValue
			}
		case OpMul:
			if right == Int {
				return IntValue
			}
			if isSequence(right) {
				return other.Value
			}
		case OpTrueDiv:
			if right == Int || right == Bool {
				return FloatValue
			}
		}

	case Bool:
		switch op {
		case OpTrueDiv:
			if right == Int || right == Bool {
				return FloatValue
			}
		}

	case Float:
		switch op {
		case OpAdd, OpSub, OpMul, OpTrueDiv, OpFloorDiv, OpMod, OpPow:
			if right == Float || right == Int || right == Bool {
				return FloatValue
			}
		}
		switch op {
		case OpAdd, OpSub, OpMul, OpTrueDiv, OpPow:
			if right == Complex {
				return ComplexValue
			}
		}

	case Complex:
		switch op {
		case OpAdd, OpSub, OpMul, OpTrueDiv, OpPow:
			if right == Bool || right == Complex || right == Float || right == Int {
				return ComplexValue
			}
		}

	case Str:
		switch op {
		case OpAdd:
			if right == Str {
				return StrValue
			}
		case OpMod:
			// String interpolation always returns a str when it succeeds,
			// regardless of the right-hand operand's kind (the original's
			// StringValue::binary special-cases BINARY_MODULO the same way).
			return StrValue
		case OpMul:
			if right == Int || right == Bool {
				return StrValue
			}
		}

	case Bytes:
		switch op {
		case OpMul:
			if right == Int || right == Bool {
				return BytesValue
			}
		}

	case Tuple:
		if op == OpAdd && right == Tuple {
			return TupleValue
		}

	case List:
		if op == OpAdd && right == List {
			return ListValue
		}

	case Set:
		switch op {
		case OpAnd, OpOr, OpSub, OpXor:
			if right == Set {
				return SetValue
			}
		}
	}

	return escapeBoth(self, other)
}

// Compare implements the comparison/identity/membership table. Per
// spec.md §4.1: returns Bool only when both kinds are known (a custom
// host type could override rich comparison to return something else), and
// identity/membership operators (is/is not/in/not in) always yield Bool
// without needing either operand's concrete kind.
func (v Value) Compare(self *source.Source, op CompareOp, other WithSource) Value {
	switch op {
	case OpIs, OpIsNot, OpIn, OpNotIn:
		return BoolValue
	}

	if v.Kind.IsKnown() && other.Value.Kind.IsKnown() {
		return BoolValue
	}

	return escapeBoth(self, other)
}

// MergeWith computes the lattice join: identical kind yields self;
// Undefined merged with anything yields that other value (Undefined is
// the lattice's bottom/unit); anything else yields Any.
func (v Value) MergeWith(other Value) Value {
	if v.Kind == other.Kind {
		return v
	}
	if v.Kind == Undefined {
		return other
	}
	if other.Kind == Undefined {
		return v
	}
	return AnyValue
}

// Truth is the hook invoked before conditional branches. Bool, Int, and
// Float can be tested for truthiness without boxing, so they do not force
// their source to escape; every other kind does, matching
// original_source/Pyjion/absvalue.cpp's default AbstractValue::truth
// (which escapes) versus BoolValue/IntegerValue/FloatValue's overrides
// (which don't).
func (v Value) Truth(self *source.Source) {
	switch v.Kind {
	case Bool, Int, Float:
		return
	}
	self.Escapes()
}

// IsAlwaysTrue and IsAlwaysFalse are reserved for future constant folding;
// every variant currently answers false, matching the original.
func (v Value) IsAlwaysTrue() bool  { return false }
func (v Value) IsAlwaysFalse() bool { return false }
