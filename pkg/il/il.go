/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package il implements the small, typed, stack-based intermediate
// language the code generator emits for the native backend to consume
// (spec.md §4.4). It is a reworking of
// original_source/Pyjion/ilgen.h's ILGenerator: rather than emitting raw
// CIL bytes with byte-offset-patched branches, Builder emits a slice of
// typed Instruction values and resolves branch targets by label index, the
// representation a Go backend would naturally want (no byte-level
// relocation bookkeeping needed).
package il

import "fmt"

// Type is the IL's value-type system: the typed widths spec.md §4.4 lists
// ("Emit typed constants (i4, i8, native-int, r8, pointer, null)").
type Type int

const (
	TypeVoid Type = iota
	TypeI4
	TypeI8
	TypeNativeInt
	TypeR8
	TypeBool
	TypePointer // a boxed/owned host object reference
)

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeI4:
		return "i4"
	case TypeI8:
		return "i8"
	case TypeNativeInt:
		return "native int"
	case TypeR8:
		return "r8"
	case TypeBool:
		return "bool"
	case TypePointer:
		return "pointer"
	default:
		return "?"
	}
}

// Local identifies one defined local slot by index.
type Local struct {
	index int
	typ   Type
}

func (l Local) Type() Type { return l.typ }

// Index returns l's slot index, for a backend that keeps its own local
// array parallel to Builder.LocalTypes() rather than opening up Local's
// unexported fields.
func (l Local) Index() int { return l.index }

// Label identifies a branch target, resolved at MarkLabel time.
type Label struct {
	index int
}

// BranchKind enumerates the conditional/unconditional branch forms.
type BranchKind int

const (
	BrAlways BranchKind = iota
	BrTrue
	BrFalse
)

// Opcode enumerates the IL's own instruction set: stack manipulation,
// arithmetic, comparisons, locals, branches, and calls (spec.md §4.4).
type Opcode int

const (
	OpLoadConstI4 Opcode = iota
	OpLoadConstI8
	OpLoadConstR8
	OpLoadConstPointer
	OpLoadNull

	OpDup
	OpPop
	OpRotTwo
	OpRotThree
	OpRotFour

	OpLoadLocal
	OpStoreLocal
	OpLoadLocalAddr

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpNot

	OpCEq
	OpCLt
	OpCGt

	OpBranch
	OpMark // pseudo-op: marks a label's position in the stream

	OpCall

	OpBox   // converts an unboxed I4/R8/Bool on the stack into a boxed Pointer
	OpUnbox // converts a boxed Pointer known to hold an I4/R8 into its unboxed form

	OpReturn
)

// Instruction is one emitted IL operation. Not every field is meaningful
// for every Opcode; see the Emit* helpers below for the field each one
// populates.
type Instruction struct {
	Op       Opcode
	Type     Type
	IntConst int64
	F64Const float64
	Local    Local
	Label    Label
	Branch   BranchKind
	Token    int // method token, resolved through the symbol table (pkg/helpers)
	NArgs    int // argument count for OpCall
}

// Builder accumulates a method's IL stream plus its locals and labels,
// mirroring ILGenerator. Compile hands the finished artifact to a Backend
// (pkg/backend).
type Builder struct {
	Instructions []Instruction

	locals     []Type
	freeLocals map[Type][]Local

	labels     []int // label index -> instruction index once marked, -1 until then
	stackDepth int
	maxDepth   int
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{freeLocals: make(map[Type][]Local)}
}

// DefineLocal allocates a local slot of the given type. If cache is true
// and a previously freed local of the same type is available, it is reused
// instead of growing the local count — the "per-type free-list" spec.md
// §4.4 describes.
func (b *Builder) DefineLocal(t Type, cache bool) Local {
	if cache {
		if free := b.freeLocals[t]; len(free) > 0 {
			l := free[len(free)-1]
			b.freeLocals[t] = free[:len(free)-1]
			return l
		}
	}
	l := Local{index: len(b.locals), typ: t}
	b.locals = append(b.locals, t)
	return l
}

// FreeLocal releases local for reuse by a later DefineLocal(t, true) call
// of the same type, within the same method.
func (b *Builder) FreeLocal(local Local) {
	b.freeLocals[local.typ] = append(b.freeLocals[local.typ], local)
}

// NumLocals returns the number of distinct local slots defined so far
// (freed slots still count; they are reused, not removed).
func (b *Builder) NumLocals() int { return len(b.locals) }

// LocalTypes returns the type of every defined local, in slot order, for
// handing to the backend.
func (b *Builder) LocalTypes() []Type {
	out := make([]Type, len(b.locals))
	copy(out, b.locals)
	return out
}

// DefineLabel reserves a new, as-yet-unmarked label.
func (b *Builder) DefineLabel() Label {
	b.labels = append(b.labels, -1)
	return Label{index: len(b.labels) - 1}
}

// MarkLabel fixes label's position to the current end of the instruction
// stream. A label may be marked exactly once.
func (b *Builder) MarkLabel(label Label) {
	if b.labels[label.index] != -1 {
		panic(fmt.Sprintf("il: label %d marked twice", label.index))
	}
	b.labels[label.index] = len(b.Instructions)
	b.Instructions = append(b.Instructions, Instruction{Op: OpMark, Label: label})
}

func (b *Builder) emit(ins Instruction) {
	b.Instructions = append(b.Instructions, ins)
}

func (b *Builder) push() {
	b.stackDepth++
	if b.stackDepth > b.maxDepth {
		b.maxDepth = b.stackDepth
	}
}

func (b *Builder) pop(n int) { b.stackDepth -= n }

// MaxStackDepth returns the high-water mark of the IL stack simulation,
// which Compile reports to the backend alongside the instruction stream.
func (b *Builder) MaxStackDepth() int { return b.maxDepth }

// EmitConstI4/I8/R8/Pointer/Null push a typed constant.
func (b *Builder) EmitConstI4(v int32) {
	b.emit(Instruction{Op: OpLoadConstI4, Type: TypeI4, IntConst: int64(v)})
	b.push()
}

func (b *Builder) EmitConstI8(v int64) {
	b.emit(Instruction{Op: OpLoadConstI8, Type: TypeI8, IntConst: v})
	b.push()
}

func (b *Builder) EmitConstR8(v float64) {
	b.emit(Instruction{Op: OpLoadConstR8, Type: TypeR8, F64Const: v})
	b.push()
}

func (b *Builder) EmitConstPointer(token int) {
	b.emit(Instruction{Op: OpLoadConstPointer, Type: TypePointer, Token: token})
	b.push()
}

func (b *Builder) EmitNull() {
	b.emit(Instruction{Op: OpLoadNull, Type: TypePointer})
	b.push()
}

// Stack manipulation, specialized per typed width per spec.md §4.4 so
// floats and booleans do not need boxing to be permuted — in this Go
// rendering the width distinction lives in Instruction.Type, carried along
// for the backend rather than needing separate opcodes per width.
func (b *Builder) EmitDup(t Type) {
	b.emit(Instruction{Op: OpDup, Type: t})
	b.push()
}

func (b *Builder) EmitPop() {
	b.emit(Instruction{Op: OpPop})
	b.pop(1)
}

func (b *Builder) EmitRotTwo(t Type)   { b.emit(Instruction{Op: OpRotTwo, Type: t}) }
func (b *Builder) EmitRotThree(t Type) { b.emit(Instruction{Op: OpRotThree, Type: t}) }
func (b *Builder) EmitRotFour(t Type)  { b.emit(Instruction{Op: OpRotFour, Type: t}) }

// EmitLoad/Store/LoadAddr operate on a defined Local.
func (b *Builder) EmitLoad(local Local) {
	b.emit(Instruction{Op: OpLoadLocal, Type: local.typ, Local: local})
	b.push()
}

func (b *Builder) EmitStore(local Local) {
	b.emit(Instruction{Op: OpStoreLocal, Type: local.typ, Local: local})
	b.pop(1)
}

func (b *Builder) EmitLoadAddr(local Local) {
	b.emit(Instruction{Op: OpLoadLocalAddr, Type: TypeNativeInt, Local: local})
	b.push()
}

// Arithmetic and comparisons pop two, push one.
func (b *Builder) emitBinOp(op Opcode, t Type) {
	b.emit(Instruction{Op: op, Type: t})
	b.pop(2)
	b.push()
}

func (b *Builder) EmitAdd(t Type) { b.emitBinOp(OpAdd, t) }
func (b *Builder) EmitSub(t Type) { b.emitBinOp(OpSub, t) }
func (b *Builder) EmitMul(t Type) { b.emitBinOp(OpMul, t) }
func (b *Builder) EmitDiv(t Type) { b.emitBinOp(OpDiv, t) }
func (b *Builder) EmitRem(t Type) { b.emitBinOp(OpRem, t) }
func (b *Builder) EmitAnd(t Type) { b.emitBinOp(OpAnd, t) }
func (b *Builder) EmitOr(t Type)  { b.emitBinOp(OpOr, t) }
func (b *Builder) EmitXor(t Type) { b.emitBinOp(OpXor, t) }
func (b *Builder) EmitCEq(t Type) { b.emitBinOp(OpCEq, t) }
func (b *Builder) EmitCLt(t Type) { b.emitBinOp(OpCLt, t) }
func (b *Builder) EmitCGt(t Type) { b.emitBinOp(OpCGt, t) }

// EmitCGe/CLe/CNe are composites built from ceq/clt/cgt plus a boolean
// not, matching spec.md §4.4 ("ceq clt cgt and composites for le, ge,
// ne").
func (b *Builder) EmitCGe(t Type) {
	b.EmitCLt(t)
	b.EmitNot()
}

func (b *Builder) EmitCLe(t Type) {
	b.EmitCGt(t)
	b.EmitNot()
}

func (b *Builder) EmitCNe(t Type) {
	b.EmitCEq(t)
	b.EmitNot()
}

// Unary negate/not pop one, push one.
func (b *Builder) EmitNeg(t Type) {
	b.emit(Instruction{Op: OpNeg, Type: t})
	b.pop(1)
	b.push()
}

func (b *Builder) EmitNot() {
	b.emit(Instruction{Op: OpNot, Type: TypeBool})
	b.pop(1)
	b.push()
}

// EmitBranch emits a (possibly conditional) branch to label. BrTrue/BrFalse
// pop the condition; BrAlways pops nothing.
func (b *Builder) EmitBranch(kind BranchKind, label Label) {
	b.emit(Instruction{Op: OpBranch, Branch: kind, Label: label})
	if kind != BrAlways {
		b.pop(1)
	}
}

// EmitCall emits a call to the helper identified by token (resolved
// through pkg/helpers' symbol table), consuming nArgs stack slots and
// pushing one result of type retType. Pass TypeVoid for helpers that
// return nothing (the stack is not pushed).
func (b *Builder) EmitCall(token int, nArgs int, retType Type) {
	b.emit(Instruction{Op: OpCall, Token: token, NArgs: nArgs, Type: retType})
	b.pop(nArgs)
	if retType != TypeVoid {
		b.push()
	}
}

// EmitBox converts the unboxed value of type t on top of the stack (TypeI4,
// TypeR8, or TypeBool) into a boxed TypePointer, the tagged-value escape
// Pyjion's own emit_box_float/emit_box_bool/emit_box_tagged_ptr perform
// when a value computed unboxed turns out to be needed as a real object
// (stored to a local, returned, or passed to a helper).
func (b *Builder) EmitBox(t Type) {
	b.emit(Instruction{Op: OpBox, Type: t})
	b.pop(1)
	b.push()
}

// EmitUnbox converts a boxed TypePointer known (by the caller, i.e. the
// code generator, via the abstract interpreter's type info) to hold a
// value of type t into its unboxed form, mirroring
// emit_unbox_int_tagged/emit_unbox_float.
func (b *Builder) EmitUnbox(t Type) {
	b.emit(Instruction{Op: OpUnbox, Type: t})
	b.pop(1)
	b.push()
}

// EmitReturn pops the return value (if any) and ends the method.
func (b *Builder) EmitReturn(hasValue bool) {
	b.emit(Instruction{Op: OpReturn})
	if hasValue {
		b.pop(1)
	}
}

// LabelOffset returns the instruction index label was marked at. Used by
// backends/tests that want to resolve branches themselves; -1 if label was
// never marked (an internal-compiler-error condition by the time Compile
// runs).
func (b *Builder) LabelOffset(label Label) int {
	return b.labels[label.index]
}
