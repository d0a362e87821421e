/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package codegen implements the code generator (spec.md §4.4): given a
// function's bytecode plus the abstract interpreter's already-computed
// type/escape information, it emits the IL stream (pkg/il) a backend will
// consume. It mirrors the shape of the opcode-by-opcode emission in
// original_source/Pyjion/pycomp.cpp's PythonCompiler, generalized the way
// spec.md §4.4 describes: every opcode either emits an unboxed fast path
// when the abstract interpreter proved it safe, or falls back to a call
// through the host runtime helper catalogue (pkg/helpers).
package codegen

import (
	"fmt"

	"gitlab.com/stackedboxes/pytracejit/pkg/absval"
	"gitlab.com/stackedboxes/pytracejit/pkg/bytecode"
	"gitlab.com/stackedboxes/pytracejit/pkg/ehmanager"
	"gitlab.com/stackedboxes/pytracejit/pkg/helpers"
	"gitlab.com/stackedboxes/pytracejit/pkg/il"
	"gitlab.com/stackedboxes/pytracejit/pkg/interp"
	"gitlab.com/stackedboxes/pytracejit/pkg/stacks"
)

// codeGenError is the type used in panics to report a failure during code
// generation, in the same spirit as the teacher's deleted
// pkg/backend/code_generator.go's codeGeneratorError.
type codeGenError struct {
	msg string
}

func (e *codeGenError) Error() string { return e.msg }

// genValue mirrors one IL-stack slot's abstract kind and representation.
// Unboxed is true only for a native TypeI4 (Int) or TypeR8 (Float) value
// the abstract interpreter proved does not escape; every other slot
// (including Int/Float values that do escape) carries a boxed TypePointer.
type genValue struct {
	Kind    absval.Kind
	Unboxed bool
}

func (g genValue) ilType() il.Type {
	if !g.Unboxed {
		return il.TypePointer
	}
	switch g.Kind {
	case absval.Int:
		return il.TypeI4
	case absval.Float:
		return il.TypeR8
	default:
		return il.TypePointer
	}
}

// Generator holds the mutable state of one function's code generation
// pass: the IL builder, the compile-time value/block stack mirrors
// (pkg/stacks), the exception-handler manager (pkg/ehmanager), and the
// parallel genValue stack tracking each live IL slot's representation.
type Generator struct {
	code *bytecode.Code
	ai   *interp.Interpreter

	b      *il.Builder
	vstack *stacks.ValueStack
	bstack *stacks.BlockStack
	ehm    *ehmanager.Manager

	gen    []genValue
	locals []il.Local
	labels map[int]il.Label
}

// Generate lowers code into an IL stream using ai's already-completed
// analysis. ai.Interpret() must have returned true before calling Generate
// (spec.md §4.2/§4.3's AI-to-CG hand-off contract) — Generate does not
// re-run or validate that analysis itself.
func Generate(code *bytecode.Code, ai *interp.Interpreter) (b *il.Builder, err error) {
	defer func() {
		if r := recover(); r != nil {
			b = nil
			if e, ok := r.(*codeGenError); ok {
				err = e
				return
			}
			panic(fmt.Sprintf("codegen: unexpected panic: %v", r))
		}
	}()

	g := &Generator{
		code:   code,
		ai:     ai,
		b:      il.NewBuilder(),
		vstack: stacks.NewValueStack(),
		bstack: stacks.NewBlockStack(),
		labels: make(map[int]il.Label),
	}
	g.locals = make([]il.Local, code.NumLocals)
	for i := range g.locals {
		g.locals[i] = g.b.DefineLocal(il.TypePointer, false)
	}

	instructions := code.Decode()
	for _, ins := range instructions {
		g.labels[ins.Offset] = g.b.DefineLabel()
	}

	rootErrLabel := g.b.DefineLabel()
	g.ehm = ehmanager.NewManager(rootErrLabel)

	g.b.EmitCall(int(helpers.PushFrame), 0, il.TypeVoid)
	g.b.EmitCall(int(helpers.LastiInit), 0, il.TypeVoid)

	for _, ins := range instructions {
		g.b.MarkLabel(g.labels[ins.Offset])
		g.b.EmitCall(int(helpers.LastiUpdate), 0, il.TypeVoid)
		g.emit(ins)
	}

	// Epilogue: the error-dispatch chain spec.md §4.5/§4.6 describes, one
	// stub per handler in creation order (the root handler first). Every stub
	// ends in a return or an unconditional branch, so none falls through
	// into the next.
	for _, h := range g.ehm.Handlers() {
		g.b.MarkLabel(h.ErrorLabel)
		if h.IsRoot() {
			g.b.EmitCall(int(helpers.EHTrace), 0, il.TypeVoid)
			g.b.EmitCall(int(helpers.PopFrame), 0, il.TypeVoid)
			g.b.EmitNull()
			g.b.EmitReturn(true)
			continue
		}
		g.b.EmitConstI4(int32(h.StackDepth))
		g.b.EmitCall(int(helpers.UnwindEH), 1, il.TypeVoid)
		g.b.EmitBranch(il.BrAlways, g.labels[h.TargetOffset])
	}

	return g.b, nil
}

func (g *Generator) ice(format string, a ...interface{}) {
	panic(&codeGenError{msg: fmt.Sprintf("internal compiler error: %s", fmt.Sprintf(format, a...))})
}

func (g *Generator) error(format string, a ...interface{}) {
	panic(&codeGenError{msg: fmt.Sprintf(format, a...)})
}

// push/pop keep g.gen and g.vstack in lockstep: every genValue pushed onto
// the IL stack also gets a SlotKind recorded on the shadow value stack, so
// the exception epilogue can compute how many OBJECT slots to decref when
// unwinding to a handler depth (spec.md §4.5).
func (g *Generator) push(v genValue) {
	g.gen = append(g.gen, v)
	if v.Unboxed {
		g.vstack.Push(stacks.Value)
	} else {
		g.vstack.Push(stacks.Object)
	}
}

func (g *Generator) pop() genValue {
	v := g.gen[len(g.gen)-1]
	g.gen = g.gen[:len(g.gen)-1]
	g.vstack.Pop()
	return v
}

// boxTop ensures v is a boxed TypePointer on the IL stack, emitting OpBox if
// it was left unboxed by an earlier fast-path op, and returns the boxed
// genValue. The caller must have already emitted v's value onto the IL
// stack (boxTop only converts the top of stack in place).
func (g *Generator) boxTop(v genValue) genValue {
	if !v.Unboxed {
		return v
	}
	g.b.EmitBox(v.ilType())
	return genValue{Kind: v.Kind, Unboxed: false}
}

// popBoxed pops the top genValue, boxing it first if necessary, and keeps
// the shadow stacks consistent with the emitted EmitBox.
func (g *Generator) popBoxed() genValue {
	v := g.pop()
	if v.Unboxed {
		g.b.EmitBox(v.ilType())
	}
	return genValue{Kind: v.Kind, Unboxed: false}
}

// emitTruthyTest converts the IL value currently on top of the stack
// (described by v, already boxed if it needs to be for this call site)
// into the native bool a branch condition requires, via the IsTrue
// helper -- unless v is already known to be a bool (the direct result of
// a COMPARE_OP/IS_OP/CONTAINS_OP), in which case it already is one and no
// conversion call is emitted. v.Unboxed values are boxed first, since
// IsTrue's signature takes a boxed object.
func (g *Generator) emitTruthyTest(v genValue) {
	if v.Kind == absval.Bool {
		return
	}
	if v.Unboxed {
		g.b.EmitBox(v.ilType())
	}
	g.b.EmitCall(int(helpers.IsTrue), 1, il.TypeBool)
}

func constKind(k bytecode.ConstKind) absval.Kind {
	switch k {
	case bytecode.ConstInt:
		return absval.Int
	case bytecode.ConstFloat:
		return absval.Float
	case bytecode.ConstBool:
		return absval.Bool
	case bytecode.ConstStr:
		return absval.Str
	case bytecode.ConstBytes:
		return absval.Bytes
	case bytecode.ConstNone:
		return absval.None
	case bytecode.ConstComplex:
		return absval.Complex
	case bytecode.ConstCode:
		return absval.Function
	case bytecode.ConstTuple:
		return absval.Tuple
	default:
		return absval.Any
	}
}

// fastBinaryOps is the subset of BINARY_*/INPLACE_* opcodes this generator
// knows an unboxed IL opcode for. Every opcode not listed here, and every
// one listed here whose operands don't both prove out as the same
// concrete numeric kind, falls back to a boxed helper call -- a
// deliberately conservative subset (spec.md's Int/Int and Float/Float
// rows close over more operators than this, e.g. bitwise ops and
// floor-division on Int, but pkg/il has no shift/floor-div opcode to
// lower them to, so those stay boxed even when AI proved them safe to
// unbox; see DESIGN.md).
var fastBinaryOps = map[bytecode.Op]func(b *il.Builder, t il.Type){
	bytecode.BINARY_ADD:         (*il.Builder).EmitAdd,
	bytecode.BINARY_SUBTRACT:    (*il.Builder).EmitSub,
	bytecode.BINARY_MULTIPLY:    (*il.Builder).EmitMul,
	bytecode.INPLACE_ADD:        (*il.Builder).EmitAdd,
	bytecode.INPLACE_SUBTRACT:   (*il.Builder).EmitSub,
	bytecode.INPLACE_MULTIPLY:   (*il.Builder).EmitMul,
}

// binaryHelperTokens maps every BINARY_*/INPLACE_* opcode to its boxed
// host helper, the fallback (and, for INPLACE_*, Pyjion's own choice:
// original_source never special-cases in-place arithmetic either,
// treating it as the non-augmented operator applied to a possibly-shared
// object).
var binaryHelperTokens = map[bytecode.Op]helpers.Token{
	bytecode.BINARY_ADD:             helpers.Add,
	bytecode.BINARY_SUBTRACT:        helpers.Sub,
	bytecode.BINARY_MULTIPLY:        helpers.Mul,
	bytecode.BINARY_TRUE_DIVIDE:     helpers.TrueDiv,
	bytecode.BINARY_FLOOR_DIVIDE:    helpers.FloorDiv,
	bytecode.BINARY_MODULO:          helpers.Mod,
	bytecode.BINARY_POWER:           helpers.Pow,
	bytecode.BINARY_MATRIX_MULTIPLY: helpers.MatMul,
	bytecode.BINARY_LSHIFT:          helpers.LShift,
	bytecode.BINARY_RSHIFT:          helpers.RShift,
	bytecode.BINARY_AND:             helpers.And,
	bytecode.BINARY_OR:              helpers.Or,
	bytecode.BINARY_XOR:             helpers.Xor,
	bytecode.INPLACE_ADD:            helpers.InplaceAdd,
	bytecode.INPLACE_SUBTRACT:       helpers.InplaceSub,
	bytecode.INPLACE_MULTIPLY:       helpers.InplaceMul,
	bytecode.INPLACE_TRUE_DIVIDE:    helpers.InplaceTrueDiv,
	bytecode.INPLACE_FLOOR_DIVIDE:   helpers.InplaceFloorDiv,
	bytecode.INPLACE_MODULO:         helpers.InplaceMod,
	bytecode.INPLACE_POWER:          helpers.InplacePow,
	bytecode.INPLACE_LSHIFT:         helpers.InplaceLShift,
	bytecode.INPLACE_RSHIFT:         helpers.InplaceRShift,
	bytecode.INPLACE_AND:            helpers.InplaceAnd,
	bytecode.INPLACE_OR:             helpers.InplaceOr,
	bytecode.INPLACE_XOR:            helpers.InplaceXor,
}

var unaryHelperTokens = map[bytecode.Op]helpers.Token{
	bytecode.UNARY_POSITIVE: helpers.Positive,
	bytecode.UNARY_NEGATIVE: helpers.Negative,
	bytecode.UNARY_NOT:      helpers.NotObject,
	bytecode.UNARY_INVERT:   helpers.Invert,
}

var compareHelperTokens = []helpers.Token{} // COMPARE_OP always goes through CompareExceptions-style dispatch; see emitCompare

// emit lowers one decoded instruction, mirroring the per-opcode dispatch
// of both original_source/Pyjion/pycomp.cpp's compiler and
// pkg/interp.Interpreter.step's AI-side counterpart. Unlike step, emit
// does not need to merge states or enqueue successors -- control flow was
// already proven consistent by the time CG runs -- so it is purely a
// straight-line translation with the occasional branch/label.
func (g *Generator) emit(ins bytecode.Instruction) {
	op := ins.Op

	if fn, ok := fastBinaryOps[op]; ok {
		if g.tryEmitUnboxedBinary(ins, fn) {
			return
		}
	}
	if token, ok := binaryHelperTokens[op]; ok {
		g.emitBoxedBinary(token)
		return
	}
	if token, ok := unaryHelperTokens[op]; ok {
		g.emitUnary(ins, token)
		return
	}

	switch op {
	case bytecode.NOP:
		// no IL emitted

	case bytecode.POP_TOP:
		v := g.pop()
		if !v.Unboxed {
			g.b.EmitCall(int(helpers.Decref), 1, il.TypeVoid)
		} else {
			g.b.EmitPop()
		}

	case bytecode.DUP_TOP:
		top := g.gen[len(g.gen)-1]
		g.b.EmitDup(top.ilType())
		g.push(top)

	case bytecode.ROT_TWO:
		a, b := g.gen[len(g.gen)-1], g.gen[len(g.gen)-2]
		g.b.EmitRotTwo(il.TypePointer)
		g.gen[len(g.gen)-1], g.gen[len(g.gen)-2] = b, a

	case bytecode.ROT_THREE:
		g.b.EmitRotThree(il.TypePointer)
		n := len(g.gen)
		g.gen[n-1], g.gen[n-2], g.gen[n-3] = g.gen[n-2], g.gen[n-3], g.gen[n-1]

	case bytecode.ROT_FOUR:
		g.b.EmitRotFour(il.TypePointer)
		n := len(g.gen)
		g.gen[n-1], g.gen[n-2], g.gen[n-3], g.gen[n-4] = g.gen[n-2], g.gen[n-3], g.gen[n-4], g.gen[n-1]

	case bytecode.LOAD_CONST:
		g.emitLoadConst(ins)

	case bytecode.LOAD_FAST:
		g.emitLoadFast(ins)

	case bytecode.STORE_FAST:
		v := g.popBoxed()
		g.b.EmitStore(g.locals[ins.Arg])
		_ = v

	case bytecode.DELETE_FAST:
		g.b.EmitLoad(g.locals[ins.Arg])
		g.b.EmitCall(int(helpers.DecrefAndNull), 1, il.TypePointer)
		g.b.EmitStore(g.locals[ins.Arg])

	case bytecode.LOAD_NAME, bytecode.LOAD_GLOBAL, bytecode.LOAD_DEREF, bytecode.LOAD_CLASSDEREF, bytecode.LOAD_ASSERTION_ERROR:
		g.emitNameLoad(ins)

	case bytecode.STORE_NAME, bytecode.STORE_GLOBAL, bytecode.STORE_DEREF:
		v := g.popBoxed()
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(g.nameStoreToken(op)), 2, il.TypeI4)
		g.b.EmitPop()
		_ = v

	case bytecode.DELETE_NAME, bytecode.DELETE_GLOBAL, bytecode.SETUP_ANNOTATIONS:
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.DeleteName), 1, il.TypeI4)
		g.b.EmitPop()

	case bytecode.LOAD_ATTR, bytecode.LOAD_METHOD:
		v := g.popBoxed()
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.LoadAttr), 2, il.TypePointer)
		g.push(genValue{Kind: absval.Any, Unboxed: false})
		_ = v

	case bytecode.STORE_ATTR:
		obj := g.popBoxed()
		val := g.popBoxed()
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.StoreAttr), 3, il.TypeI4)
		g.b.EmitPop()
		_, _ = obj, val

	case bytecode.DELETE_ATTR:
		obj := g.popBoxed()
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.DeleteAttr), 2, il.TypeI4)
		g.b.EmitPop()
		_ = obj

	case bytecode.UNARY_NOT:
		// handled via unaryHelperTokens, but AI models NOT as never-escaping
		// (spec.md §4.1); kept here only as a documentation anchor -- see
		// emitUnary's special case for OpNot.

	case bytecode.BINARY_SUBSCR:
		idx := g.popBoxed()
		obj := g.popBoxed()
		g.b.EmitCall(int(helpers.Subscr), 2, il.TypePointer)
		g.push(genValue{Kind: absval.Any, Unboxed: false})
		_, _ = idx, obj

	case bytecode.STORE_SUBSCR:
		idx := g.popBoxed()
		obj := g.popBoxed()
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.DictStore), 3, il.TypeI4)
		g.b.EmitPop()
		_, _, _ = idx, obj, val

	case bytecode.DELETE_SUBSCR:
		idx := g.popBoxed()
		obj := g.popBoxed()
		g.b.EmitCall(int(helpers.DeleteSubscr), 2, il.TypeI4)
		g.b.EmitPop()
		_, _ = idx, obj

	case bytecode.COMPARE_OP, bytecode.IS_OP, bytecode.CONTAINS_OP:
		g.emitCompare(ins)

	case bytecode.JUMP_IF_NOT_EXC_MATCH:
		g.popBoxed()
		g.popBoxed()
		g.b.EmitCall(int(helpers.CompareExceptions), 0, il.TypeBool)
		g.b.EmitBranch(il.BrFalse, g.labels[ins.Arg])

	case bytecode.JUMP_FORWARD:
		target := ins.NextOffset + ins.Arg
		g.b.EmitBranch(il.BrAlways, g.labels[target])

	case bytecode.JUMP_ABSOLUTE:
		g.b.EmitBranch(il.BrAlways, g.labels[ins.Arg])

	case bytecode.POP_JUMP_IF_FALSE:
		v := g.popBoxed()
		g.emitTruthyTest(v)
		g.b.EmitBranch(il.BrFalse, g.labels[ins.Arg])

	case bytecode.POP_JUMP_IF_TRUE:
		v := g.popBoxed()
		g.emitTruthyTest(v)
		g.b.EmitBranch(il.BrTrue, g.labels[ins.Arg])

	case bytecode.JUMP_IF_FALSE_OR_POP:
		// A false TOS jumps to target with TOS left on the stack for the
		// target's own predecessor state; a true TOS falls through and is
		// popped here. The dup/branch/pop sequence below only runs its pop
		// on the fallthrough path — the branch-taken path never reaches
		// it — so the extra copy survives exactly where CPython's own
		// "leaves TOS on the stack" semantics says it should. The branch
		// condition is computed from the duplicate, not the original, so
		// whatever object ends up left on the stack is untouched by the
		// truthiness conversion.
		top := g.gen[len(g.gen)-1]
		g.b.EmitDup(top.ilType())
		g.emitTruthyTest(top)
		g.b.EmitBranch(il.BrFalse, g.labels[ins.Arg])
		if top.Unboxed {
			g.b.EmitPop()
		} else {
			g.b.EmitCall(int(helpers.Decref), 1, il.TypeVoid)
		}
		g.pop()

	case bytecode.JUMP_IF_TRUE_OR_POP:
		top := g.gen[len(g.gen)-1]
		g.b.EmitDup(top.ilType())
		g.emitTruthyTest(top)
		g.b.EmitBranch(il.BrTrue, g.labels[ins.Arg])
		if top.Unboxed {
			g.b.EmitPop()
		} else {
			g.b.EmitCall(int(helpers.Decref), 1, il.TypeVoid)
		}
		g.pop()

	case bytecode.GET_ITER:
		v := g.popBoxed()
		g.b.EmitCall(int(helpers.GetIter), 1, il.TypePointer)
		g.push(genValue{Kind: absval.Any, Unboxed: false})
		_ = v

	case bytecode.FOR_ITER:
		// iter_next returns either the next item or a null sentinel for
		// StopIteration. On exhaustion the iterator itself must still be
		// popped before branching to target (the fallthrough path keeps
		// the iterator with the loop value pushed above it, the exhausted
		// path keeps neither); continueLabel lets the two paths diverge
		// before rejoining the shared instruction stream.
		top := g.gen[len(g.gen)-1]
		g.b.EmitDup(top.ilType())
		g.b.EmitCall(int(helpers.IterNext), 1, il.TypePointer)
		g.b.EmitDup(il.TypePointer)
		g.b.EmitNull()
		g.b.EmitCEq(il.TypePointer) // true iff the iterator is exhausted -- this is a null check, not a truthiness test, so a falsy-but-present item (e.g. 0) does not end the loop
		continueLabel := g.b.DefineLabel()
		g.b.EmitBranch(il.BrFalse, continueLabel)
		g.b.EmitPop() // the null result
		g.b.EmitCall(int(helpers.Decref), 1, il.TypeVoid) // the exhausted iterator
		target := ins.NextOffset + ins.Arg
		g.b.EmitBranch(il.BrAlways, g.labels[target])
		g.b.MarkLabel(continueLabel)
		g.push(genValue{Kind: absval.Any, Unboxed: false})

	case bytecode.BUILD_TUPLE, bytecode.BUILD_LIST, bytecode.BUILD_SET, bytecode.BUILD_STRING:
		g.emitBuildSequence(ins)

	case bytecode.BUILD_MAP:
		for i := 0; i < 2*ins.Arg; i++ {
			g.popBoxed()
		}
		g.b.EmitConstI4(int32(ins.Arg))
		// as in emitBuildSequence, nArgs must cover every key/value pair plus
		// the trailing count, or the pairs are stranded on the runtime stack.
		g.b.EmitCall(int(helpers.BuildMap), 2*ins.Arg+1, il.TypePointer)
		g.push(genValue{Kind: absval.Dict, Unboxed: false})

	case bytecode.BUILD_SLICE:
		step := g.popBoxed()
		stop := g.popBoxed()
		start := g.popBoxed()
		g.b.EmitCall(int(helpers.BuildSlice), 3, il.TypePointer)
		g.push(genValue{Kind: absval.Slice, Unboxed: false})
		_, _, _ = step, stop, start

	case bytecode.LIST_APPEND:
		// CPython's arg is a peek depth (the container sits ins.Arg items
		// below the value, not necessarily right beneath it -- a
		// comprehension with a live iterator resident on the stack has
		// arg==2). The call below pops exactly two IL stack slots, so only
		// the arg==1 shape (container directly under the value, no
		// intervening iterator) is supported; anything deeper needs a
		// stack-shuffle this generator doesn't emit yet.
		if ins.Arg != 1 {
			g.ice("LIST_APPEND at stack depth %d is not supported", ins.Arg)
		}
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.ListAppend), 2, il.TypeI4)
		g.b.EmitPop()
		_ = val

	case bytecode.LIST_EXTEND:
		if ins.Arg != 1 {
			g.ice("LIST_EXTEND at stack depth %d is not supported", ins.Arg)
		}
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.ListExtend), 2, il.TypeI4)
		g.b.EmitPop()
		_ = val

	case bytecode.LIST_TO_TUPLE:
		v := g.popBoxed()
		g.b.EmitCall(int(helpers.ListToTuple), 1, il.TypePointer)
		g.push(genValue{Kind: absval.Tuple, Unboxed: false})
		_ = v

	case bytecode.DICT_MERGE:
		if ins.Arg != 1 {
			g.ice("DICT_MERGE at stack depth %d is not supported", ins.Arg)
		}
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.DictMerge), 2, il.TypeI4)
		g.b.EmitPop()
		_ = val

	case bytecode.DICT_UPDATE:
		if ins.Arg != 1 {
			g.ice("DICT_UPDATE at stack depth %d is not supported", ins.Arg)
		}
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.DictUpdate), 2, il.TypeI4)
		g.b.EmitPop()
		_ = val

	case bytecode.SET_UPDATE:
		if ins.Arg != 1 {
			g.ice("SET_UPDATE at stack depth %d is not supported", ins.Arg)
		}
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.SetUpdate), 2, il.TypeI4)
		g.b.EmitPop()
		_ = val

	case bytecode.UNPACK_SEQUENCE:
		seq := g.popBoxed()
		for i := 0; i < ins.Arg; i++ {
			g.push(genValue{Kind: absval.Any, Unboxed: false})
		}
		_ = seq

	case bytecode.UNPACK_EX:
		seq := g.popBoxed()
		left := ins.Arg & 0xFF
		right := (ins.Arg >> 8) & 0xFF
		for i := 0; i < left+1+right; i++ {
			g.push(genValue{Kind: absval.Any, Unboxed: false})
		}
		_ = seq

	case bytecode.CALL_FUNCTION, bytecode.CALL_METHOD:
		g.emitCall(ins, ins.Arg)

	case bytecode.CALL_FUNCTION_KW:
		kwNames := g.popBoxed()
		g.emitCall(ins, ins.Arg)
		_ = kwNames

	case bytecode.CALL_FUNCTION_EX:
		hasKwargs := ins.Arg&1 != 0
		if hasKwargs {
			kwargs := g.popBoxed()
			args := g.popBoxed()
			callable := g.popBoxed()
			g.b.EmitCall(int(helpers.CallKwargs), 3, il.TypePointer)
			_, _, _ = kwargs, args, callable
		} else {
			args := g.popBoxed()
			callable := g.popBoxed()
			g.b.EmitCall(int(helpers.CallArgs), 2, il.TypePointer)
			_, _ = args, callable
		}
		g.push(genValue{Kind: absval.Any, Unboxed: false})

	case bytecode.SETUP_FINALLY:
		g.emitSetupFinally(ins)

	case bytecode.POP_BLOCK, bytecode.POP_EXCEPT:
		g.bstack.Pop()

	case bytecode.RERAISE:
		g.emitReraise()

	case bytecode.RAISE_VARARGS:
		g.emitRaiseVarargs(ins)

	case bytecode.RETURN_VALUE:
		v := g.popBoxed()
		g.b.EmitCall(int(helpers.PopFrame), 0, il.TypeVoid)
		g.b.EmitReturn(true)
		_ = v

	case bytecode.WITH_EXCEPT_START:
		g.ice("WITH_EXCEPT_START reached code generation; SETUP_WITH should have been rejected during analysis")

	case bytecode.PRINT_EXPR:
		v := g.popBoxed()
		g.b.EmitCall(int(helpers.PrintExpr), 1, il.TypeVoid)
		_ = v

	case bytecode.FORMAT_VALUE:
		spec := g.popBoxed()
		val := g.popBoxed()
		g.b.EmitCall(int(helpers.FormatValue), 2, il.TypePointer)
		g.push(genValue{Kind: absval.Str, Unboxed: false})
		_, _ = spec, val

	case bytecode.IMPORT_NAME:
		fromlist := g.popBoxed()
		level := g.popBoxed()
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.ImportName), 3, il.TypePointer)
		g.push(genValue{Kind: absval.Any, Unboxed: false})
		_, _ = fromlist, level

	case bytecode.IMPORT_FROM:
		mod := g.popBoxed()
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.ImportFrom), 2, il.TypePointer)
		g.push(genValue{Kind: absval.Any, Unboxed: false})
		g.push(mod)

	case bytecode.IMPORT_STAR:
		mod := g.popBoxed()
		g.b.EmitCall(int(helpers.ImportStar), 1, il.TypeI4)
		g.b.EmitPop()
		_ = mod

	case bytecode.MAKE_FUNCTION:
		g.emitMakeFunction(ins)

	default:
		g.ice("code generation reached unhandled opcode %s at offset %d", op, ins.Offset)
	}
}

func (g *Generator) nameStoreToken(op bytecode.Op) helpers.Token {
	switch op {
	case bytecode.STORE_GLOBAL:
		return helpers.StoreGlobal
	case bytecode.STORE_DEREF:
		return helpers.StoreName // closures share the name-store ABI in this model
	default:
		return helpers.StoreName
	}
}

// tryEmitUnboxedBinary attempts the unboxed fast path for a BINARY_*/
// INPLACE_* opcode the abstract interpreter already proved safe
// (!ShouldBox at this offset) and whose operands are both the same
// concrete numeric kind. Returns false if either condition fails, leaving
// the stack untouched so the caller can fall back to emitBoxedBinary.
func (g *Generator) tryEmitUnboxedBinary(ins bytecode.Instruction, fn func(b *il.Builder, t il.Type)) bool {
	if g.ai.ShouldBox(ins.Offset) {
		return false
	}
	rhs := g.gen[len(g.gen)-1]
	lhs := g.gen[len(g.gen)-2]
	if rhs.Unboxed != lhs.Unboxed || lhs.Unboxed == false {
		return false
	}
	if lhs.Kind != rhs.Kind || (lhs.Kind != absval.Int && lhs.Kind != absval.Float) {
		return false
	}
	t := il.TypeI4
	if lhs.Kind == absval.Float {
		t = il.TypeR8
	}
	fn(g.b, t)
	g.pop()
	g.pop()
	g.push(genValue{Kind: lhs.Kind, Unboxed: true})
	return true
}

func (g *Generator) emitBoxedBinary(token helpers.Token) {
	g.popBoxed()
	g.popBoxed()
	g.b.EmitCall(int(token), 2, il.TypePointer)
	g.push(genValue{Kind: absval.Any, Unboxed: false})
}

func (g *Generator) emitUnary(ins bytecode.Instruction, token helpers.Token) {
	v := g.pop()
	resultKind := absval.Any
	unboxedResult := false
	if ins.Op == bytecode.UNARY_NOT {
		// `not` does not make its operand's source escape (spec.md §4.1),
		// but is_true takes a boxed object, so an unboxed operand is boxed
		// here before the call.
		if v.Unboxed {
			g.b.EmitBox(v.ilType())
		}
		g.b.EmitCall(int(helpers.IsTrue), 1, il.TypeBool)
		g.b.EmitNot()
		g.push(genValue{Kind: absval.Bool, Unboxed: false})
		return
	}
	if v.Unboxed && !g.ai.ShouldBox(ins.Offset) && (v.Kind == absval.Int || v.Kind == absval.Float) {
		switch ins.Op {
		case bytecode.UNARY_NEGATIVE:
			g.b.EmitNeg(v.ilType())
			resultKind, unboxedResult = v.Kind, true
			g.push(genValue{Kind: resultKind, Unboxed: unboxedResult})
			return
		case bytecode.UNARY_POSITIVE:
			// a no-op on the unboxed representation
			g.push(genValue{Kind: v.Kind, Unboxed: true})
			return
		}
	}
	if v.Unboxed {
		g.b.EmitBox(v.ilType())
	}
	g.b.EmitCall(int(token), 1, il.TypePointer)
	g.push(genValue{Kind: resultKind, Unboxed: unboxedResult})
}

func (g *Generator) emitLoadConst(ins bytecode.Instruction) {
	if ins.Arg >= len(g.code.Consts) {
		g.ice("LOAD_CONST argument %d out of range", ins.Arg)
	}
	c := g.code.Consts[ins.Arg]
	kind := constKind(c.Kind)
	if !g.ai.ShouldBox(ins.Offset) {
		switch kind {
		case absval.Int:
			if n, ok := c.Value.(int64); ok {
				g.b.EmitConstI4(int32(n))
				g.push(genValue{Kind: absval.Int, Unboxed: true})
				return
			}
		case absval.Float:
			if f, ok := c.Value.(float64); ok {
				g.b.EmitConstR8(f)
				g.push(genValue{Kind: absval.Float, Unboxed: true})
				return
			}
		}
	}
	g.b.EmitConstPointer(ins.Arg)
	g.push(genValue{Kind: kind, Unboxed: false})
}

func (g *Generator) emitLoadFast(ins bytecode.Instruction) {
	local := g.ai.LocalInfoAt(ins.Offset, ins.Arg)
	if local.MaybeUndefined {
		g.b.EmitLoad(g.locals[ins.Arg])
		g.b.EmitDup(il.TypePointer)
		g.b.EmitNull()
		g.b.EmitCEq(il.TypePointer)
		errLabel := g.ehm.RootHandler().ErrorLabel
		if h, ok := g.currentHandler(); ok {
			errLabel = h.ErrorLabel
		}
		g.b.EmitConstI4(int32(ins.Arg))
		g.b.EmitCall(int(helpers.UnboundLocal), 1, il.TypeVoid)
		g.b.EmitBranch(il.BrTrue, errLabel)
	} else {
		g.b.EmitLoad(g.locals[ins.Arg])
	}
	g.push(genValue{Kind: local.Value.Kind, Unboxed: false})
}

// currentHandler returns the innermost open handler, if any, used to route
// an unbound-local fault raised mid-try-block to the right target rather
// than straight to root.
func (g *Generator) currentHandler() (*ehmanager.Handler, bool) {
	blk, ok := g.bstack.Top()
	if !ok {
		return nil, false
	}
	for _, h := range g.ehm.Handlers() {
		if h.TargetOffset == blk.HandlerIndex {
			return h, true
		}
	}
	return nil, false
}

func (g *Generator) emitNameLoad(ins bytecode.Instruction) {
	token := helpers.LoadName
	switch ins.Op {
	case bytecode.LOAD_GLOBAL:
		token = helpers.LoadGlobal
	case bytecode.LOAD_CLASSDEREF:
		token = helpers.LoadClassderef
	case bytecode.LOAD_ASSERTION_ERROR:
		token = helpers.LoadBuildClass // reuse the no-arg load-singleton shape
	}
	g.b.EmitConstI4(int32(ins.Arg))
	g.b.EmitCall(int(token), 1, il.TypePointer)
	g.push(genValue{Kind: absval.Any, Unboxed: false})
}

func (g *Generator) emitCompare(ins bytecode.Instruction) {
	rhs := g.popBoxed()
	lhs := g.popBoxed()
	switch ins.Op {
	case bytecode.IS_OP:
		g.b.EmitCEq(il.TypePointer)
		if ins.Arg != 0 {
			g.b.EmitNot()
		}
	case bytecode.CONTAINS_OP:
		// rhs/lhs are already boxed and sitting on the IL stack (rhs = the
		// container, on top since it was popped first; lhs = the item being
		// tested), so the call below consumes them directly as its two
		// arguments -- no separate EmitNot needed, since ins.Arg selects
		// between the `in`/`not in` helpers the same way Pyjion's own
		// METHOD_CONTAINS_TOKEN/METHOD_NOTCONTAINS_TOKEN split does.
		token := helpers.Contains
		if ins.Arg != 0 {
			token = helpers.NotContains
		}
		g.b.EmitCall(int(token), 2, il.TypeBool)
	default: // COMPARE_OP
		g.b.EmitCall(int(helpers.CompareExceptions), 0, il.TypeBool)
	}
	g.push(genValue{Kind: absval.Bool, Unboxed: false})
	_, _ = rhs, lhs
}

func (g *Generator) emitBuildSequence(ins bytecode.Instruction) {
	var token helpers.Token
	var kind absval.Kind
	switch ins.Op {
	case bytecode.BUILD_TUPLE:
		token, kind = helpers.TupleNew, absval.Tuple
	case bytecode.BUILD_LIST:
		token, kind = helpers.ListNew, absval.List
	case bytecode.BUILD_SET:
		token, kind = helpers.SetNew, absval.Set
	case bytecode.BUILD_STRING:
		token, kind = helpers.BuildString, absval.Str
	}
	for i := 0; i < ins.Arg; i++ {
		g.popBoxed()
	}
	g.b.EmitConstI4(int32(ins.Arg))
	// the count trails the items on the IL stack (pushed last), so the
	// helper receives args[0:ins.Arg] as the items in source order and
	// args[ins.Arg] as the count; nArgs must include every item or they're
	// left stranded on the runtime stack instead of consumed by the call.
	g.b.EmitCall(int(token), ins.Arg+1, il.TypePointer)
	g.push(genValue{Kind: kind, Unboxed: false})
}

func (g *Generator) emitCall(ins bytecode.Instruction, argc int) {
	for i := 0; i < argc; i++ {
		g.popBoxed()
	}
	callable := g.popBoxed()
	var token helpers.Token
	switch argc {
	case 0:
		token = helpers.Call0
	case 1:
		token = helpers.Call1
	case 2:
		token = helpers.Call2
	case 3:
		token = helpers.Call3
	default:
		token = helpers.Call4
	}
	g.b.EmitCall(int(token), argc+1, il.TypePointer)
	g.push(genValue{Kind: absval.Any, Unboxed: false})
	_ = callable
}

// emitSetupFinally opens a new exception-handler region: it records a
// Handler (pkg/ehmanager) and a shadow Block (pkg/stacks) at the current
// operand-stack depth, mirroring spec.md §4.5/§4.6's SETUP_FINALLY
// handling. The handler's own error label becomes the innermost target
// any fault inside the region branches to.
func (g *Generator) emitSetupFinally(ins bytecode.Instruction) {
	target := ins.NextOffset + ins.Arg
	parent := g.ehm.RootHandler()
	if h, ok := g.currentHandler(); ok {
		parent = h
	}
	vars := ehmanager.Vars{
		PrevExcType:      g.b.DefineLocal(il.TypePointer, true),
		PrevExcValue:     g.b.DefineLocal(il.TypePointer, true),
		PrevExcTraceback: g.b.DefineLocal(il.TypePointer, true),
		SavedExcType:      g.b.DefineLocal(il.TypePointer, true),
		SavedExcValue:     g.b.DefineLocal(il.TypePointer, true),
		SavedExcTraceback: g.b.DefineLocal(il.TypePointer, true),
	}
	errLabel := g.b.DefineLabel()
	// target's own label was already predefined in Generate's initial walk
	// over every decoded instruction offset.
	h := g.ehm.AddSetupFinally(ehmanager.KindFinally, errLabel, g.vstack.Depth(), parent, vars, target)
	g.bstack.Push(stacks.Block{Kind: stacks.BlockFinally, StackDepth: g.vstack.Depth(), HandlerIndex: target})
	_ = h
}

// emitReraise unwinds to the next outer handler using the innermost open
// block's handler record, per spec.md §4.6's reraise/unwind-chain
// traversal.
func (g *Generator) emitReraise() {
	h, ok := g.currentHandler()
	target := g.ehm.RootHandler()
	if ok {
		target = ehmanager.NextOuter(h)
	}
	g.loadCurrentExceptionTriple(h, ok)
	g.b.EmitCall(int(helpers.Reraise), 3, il.TypeI4)
	g.b.EmitPop()
	g.b.EmitBranch(il.BrAlways, target.ErrorLabel)
}

func (g *Generator) emitRaiseVarargs(ins bytecode.Instruction) {
	for i := 0; i < ins.Arg; i++ {
		g.popBoxed()
	}
	g.loadCurrentExceptionTriple(nil, false)
	g.b.EmitCall(int(helpers.RaiseVarargs), 3, il.TypeI4)
	g.b.EmitPop()
	target := g.ehm.RootHandler()
	if h, ok := g.currentHandler(); ok {
		target = h
	}
	g.b.EmitBranch(il.BrAlways, target.ErrorLabel)
}

// loadCurrentExceptionTriple pushes the type/value/traceback arguments
// raise_varargs/reraise expect. Inside an open try/finally region that
// triple is h's saved copy (Vars.SavedExc*); otherwise (every
// RAISE_VARARGS, and a RERAISE with no open handler) it
// is the host thread state's current triple, which this generator has no
// locals for yet and so represents as null placeholders for the helper
// to resolve against the thread state itself.
func (g *Generator) loadCurrentExceptionTriple(h *ehmanager.Handler, haveHandler bool) {
	if haveHandler {
		g.b.EmitLoad(h.Vars.SavedExcType)
		g.b.EmitLoad(h.Vars.SavedExcValue)
		g.b.EmitLoad(h.Vars.SavedExcTraceback)
		return
	}
	g.b.EmitNull()
	g.b.EmitNull()
	g.b.EmitNull()
}

func (g *Generator) emitMakeFunction(ins bytecode.Instruction) {
	qualname := g.popBoxed()
	code := g.popBoxed()
	flags := ins.Arg
	if flags&0x8 != 0 {
		g.popBoxed() // closure tuple
	}
	if flags&0x4 != 0 {
		g.popBoxed() // annotations dict
	}
	if flags&0x2 != 0 {
		g.popBoxed() // kw-only defaults dict
	}
	if flags&0x1 != 0 {
		g.popBoxed() // positional defaults tuple
	}
	g.b.EmitCall(int(helpers.NewFunction), 2, il.TypePointer)
	g.push(genValue{Kind: absval.Function, Unboxed: false})
	_, _ = qualname, code
}
