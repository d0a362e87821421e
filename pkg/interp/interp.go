/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package interp implements the Abstract Interpreter (spec.md §4.2): a
// forward, flow-sensitive abstract interpretation over a function's
// bytecode that infers, for every instruction offset, an InterpreterState
// (operand stack + local map) and the function's abstract return type,
// while tracking value provenance so the code generator knows what must be
// boxed.
//
// Grounded on original_source/Pyjion/absint.h/.cpp's AbstractInterpreter:
// the same preprocess -> init_starting_state -> worklist fixpoint shape,
// and the same InterpreterState/AbstractLocalInfo/AbstractStackInfo record
// split, reworked into Go with pkg/cow's copy-on-write vector standing in
// for CowVector<AbstractLocalInfo> and pkg/source/pkg/absval standing in
// for AbstractSource/AbstractValue. The worklist is a plain FIFO slice
// queue, matching the teacher's own preference (seen throughout the
// deleted pkg/vm) for a slice-backed queue over a container library for
// small, single-threaded work lists.
package interp

import (
	"fmt"

	"golang.org/x/exp/slices"

	"gitlab.com/stackedboxes/pytracejit/pkg/absval"
	"gitlab.com/stackedboxes/pytracejit/pkg/bytecode"
	"gitlab.com/stackedboxes/pytracejit/pkg/cow"
	"gitlab.com/stackedboxes/pytracejit/pkg/source"
)

// forbiddenGlobals are the frame-introspection builtins spec.md §4.2 names:
// "references to host frame-introspection builtins whose names are
// literally vars, dir, locals, eval loaded as globals -- those can read/
// modify the frame and would break fast-local caching."
var forbiddenGlobals = []string{"vars", "dir", "locals", "eval"}

// compareOps is COMPARE_OP's argument-indexed operator table, in CPython's
// own cmp_op order.
var compareOps = []absval.CompareOp{
	absval.OpLt, absval.OpLe, absval.OpEq, absval.OpNe, absval.OpGt, absval.OpGe,
}

// binaryOps maps each BINARY_*/INPLACE_* opcode to the operator absval's
// lattice tables are indexed by; in-place opcodes share their binary
// counterpart's row, since the lattice has no separate notion of
// in-place mutation (spec.md §3's table lists pure binary operators only).
var binaryOps = map[bytecode.Op]absval.BinaryOp{
	bytecode.BINARY_ADD:             absval.OpAdd,
	bytecode.BINARY_SUBTRACT:        absval.OpSub,
	bytecode.BINARY_MULTIPLY:        absval.OpMul,
	bytecode.BINARY_TRUE_DIVIDE:     absval.OpTrueDiv,
	bytecode.BINARY_FLOOR_DIVIDE:    absval.OpFloorDiv,
	bytecode.BINARY_MODULO:          absval.OpMod,
	bytecode.BINARY_POWER:           absval.OpPow,
	bytecode.BINARY_MATRIX_MULTIPLY: absval.OpMatMul,
	bytecode.BINARY_LSHIFT:          absval.OpLShift,
	bytecode.BINARY_RSHIFT:          absval.OpRShift,
	bytecode.BINARY_AND:             absval.OpAnd,
	bytecode.BINARY_OR:              absval.OpOr,
	bytecode.BINARY_XOR:             absval.OpXor,
	bytecode.INPLACE_ADD:            absval.OpAdd,
	bytecode.INPLACE_SUBTRACT:       absval.OpSub,
	bytecode.INPLACE_MULTIPLY:       absval.OpMul,
	bytecode.INPLACE_TRUE_DIVIDE:    absval.OpTrueDiv,
	bytecode.INPLACE_FLOOR_DIVIDE:   absval.OpFloorDiv,
	bytecode.INPLACE_MODULO:         absval.OpMod,
	bytecode.INPLACE_POWER:          absval.OpPow,
	bytecode.INPLACE_LSHIFT:         absval.OpLShift,
	bytecode.INPLACE_RSHIFT:         absval.OpRShift,
	bytecode.INPLACE_AND:            absval.OpAnd,
	bytecode.INPLACE_OR:             absval.OpOr,
	bytecode.INPLACE_XOR:            absval.OpXor,
}

var unaryOps = map[bytecode.Op]absval.UnaryOp{
	bytecode.UNARY_POSITIVE: absval.OpPositive,
	bytecode.UNARY_NEGATIVE: absval.OpNegative,
	bytecode.UNARY_NOT:      absval.OpNot,
	bytecode.UNARY_INVERT:   absval.OpInvert,
}

func constKindToValue(k bytecode.ConstKind) absval.Value {
	switch k {
	case bytecode.ConstInt:
		return absval.IntValue
	case bytecode.ConstFloat:
		return absval.FloatValue
	case bytecode.ConstBool:
		return absval.BoolValue
	case bytecode.ConstStr:
		return absval.StrValue
	case bytecode.ConstBytes:
		return absval.BytesValue
	case bytecode.ConstNone:
		return absval.NoneValue
	case bytecode.ConstComplex:
		return absval.ComplexValue
	case bytecode.ConstCode:
		return absval.FunctionValue
	case bytecode.ConstTuple:
		return absval.TupleValue
	default:
		return absval.AnyValue
	}
}

// StackInfo pairs an abstract value with the source that produced it,
// mirroring original_source/Pyjion/absint.h's AbstractStackInfo.
type StackInfo struct {
	Value  absval.Value
	Source *source.Source
}

func (s StackInfo) escapes() StackInfo {
	if s.Source != nil {
		s.Source.Escapes()
	}
	return s
}

// needsBoxing reports the escape bit, treating a nil source as already
// escaped -- spec.md §3: "An Any/Undefined value contributes no source;
// combining with a missing source forces the other to escape (unknown
// provenance is treated as leaking)."
func (s StackInfo) needsBoxing() bool {
	if s.Source == nil {
		return true
	}
	return s.Source.NeedsBoxing()
}

// mergeWith joins two StackInfo values: kind-merge plus source-combine,
// per spec.md §3's "Corresponding slots are joined pointwise (kind-merge,
// source-combine)."
func (s StackInfo) mergeWith(other StackInfo) StackInfo {
	merged := StackInfo{
		Value:  s.Value.MergeWith(other.Value),
		Source: source.Combine(s.Source, other.Source),
	}
	// "If kinds differ after the merge, the merged source is forced to
	// escape": either contributor disagreeing with the merged kind means
	// the merge widened, so the provenance can no longer justify unboxing.
	if s.Value.Kind != merged.Value.Kind || other.Value.Kind != merged.Value.Kind {
		merged = merged.escapes()
	}
	return merged
}

// equal drives fixpoint convergence. It intentionally compares only Kind
// and the escape bit, not source identity: Kind (15 values) x escaped
// (2 values) is a small, finite, monotonically-increasing lattice per
// slot, which is what guarantees the worklist terminates. Two visits that
// allocate distinct Source objects but land on the same (Kind, escaped)
// pair must compare equal, or the fixpoint would never settle.
func (s StackInfo) equal(other StackInfo) bool {
	return s.Value.Kind == other.Value.Kind && s.needsBoxing() == other.needsBoxing()
}

// LocalInfo tracks one local slot's abstract state: its value/source plus
// whether it may still be unassigned along some path, mirroring
// AbstractLocalInfo.
type LocalInfo struct {
	StackInfo
	MaybeUndefined bool
}

func (l LocalInfo) mergeWith(other LocalInfo) LocalInfo {
	return LocalInfo{
		StackInfo:      l.StackInfo.mergeWith(other.StackInfo),
		MaybeUndefined: l.MaybeUndefined || other.MaybeUndefined,
	}
}

func (l LocalInfo) equal(other LocalInfo) bool {
	return l.StackInfo.equal(other.StackInfo) && l.MaybeUndefined == other.MaybeUndefined
}

// State is the per-program-point (stack, locals) pair, mirroring
// InterpreterState. The stack is an ordinary slice (nearly every
// instruction touches it, so COW buys little, matching the original's own
// choice); locals are a cow.Vector, cloned cheaply between states that
// don't write to them.
type State struct {
	Stack  []StackInfo
	Locals cow.Vector[LocalInfo]
}

func (s State) clone() State {
	stack := make([]StackInfo, len(s.Stack))
	copy(stack, s.Stack)
	return State{Stack: stack, Locals: s.Locals.Clone()}
}

func (s *State) push(info StackInfo)   { s.Stack = append(s.Stack, info) }
func (s *State) popRaw() StackInfo     { top := s.Stack[len(s.Stack)-1]; s.Stack = s.Stack[:len(s.Stack)-1]; return top }
func (s *State) popEscaping() StackInfo {
	return s.popRaw().escapes()
}
func (s *State) peek() StackInfo { return s.Stack[len(s.Stack)-1] }

// mergeState computes the join of two states at a join point (spec.md §3).
// A stack-depth mismatch is the "Stacks must have identical size at
// reachable joins" hard invariant; violating it is an internal-compiler-
// error condition, raised here as a panic the caller (Interpret) recovers
// from and turns into a false/unsupported verdict.
func mergeState(a, b State) (State, bool) {
	if len(a.Stack) != len(b.Stack) {
		panic(fmt.Sprintf("interp: stack depth mismatch at join (%d vs %d)", len(a.Stack), len(b.Stack)))
	}

	changed := false
	stack := make([]StackInfo, len(a.Stack))
	for i := range a.Stack {
		merged := a.Stack[i].mergeWith(b.Stack[i])
		if !merged.equal(a.Stack[i]) {
			changed = true
		}
		stack[i] = merged
	}

	locals := a.Locals.Clone()
	for i := 0; i < a.Locals.Len(); i++ {
		merged := a.Locals.Get(i).mergeWith(b.Locals.Get(i))
		if !merged.equal(a.Locals.Get(i)) {
			changed = true
		}
		locals.Replace(i, merged)
	}

	return State{Stack: stack, Locals: locals}, changed
}

// Interpreter runs the abstract interpretation of one Code object.
type Interpreter struct {
	code *bytecode.Code
	arena *source.Arena

	byOffset     map[int]bytecode.Instruction
	order        []int // offsets in stream order, for deterministic dump()
	blockOpeners map[int]int

	offsetSource map[int]*source.Source // per-offset Const/Local/Intermediate source cache

	startStates map[int]State
	hasInfo     map[int]bool
	returnValue absval.Value

	worklist []int
	queued   map[int]bool
}

// New binds an Interpreter to code, mirroring
// AbstractInterpreter::AbstractInterpreter(PyCodeObject*). It takes no
// compiler or options argument: the analysis needs only code, so it runs
// standalone in tests exactly as it does inside the pipeline.
func New(code *bytecode.Code) *Interpreter {
	return &Interpreter{
		code:         code,
		arena:        source.NewArena(),
		byOffset:     make(map[int]bytecode.Instruction),
		blockOpeners: make(map[int]int),
		offsetSource: make(map[int]*source.Source),
		startStates:  make(map[int]State),
		hasInfo:      make(map[int]bool),
		returnValue:  absval.UndefinedValue,
		queued:       make(map[int]bool),
	}
}

// Interpret runs preprocessing and the fixpoint; it returns false if the
// function contains an unsupported construct, per spec.md §4.2.
func (ai *Interpreter) Interpret() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if !ai.preprocess() {
		return false
	}
	ai.initStartingState()
	ai.runFixpoint()
	return true
}

// preprocess performs the single linear scan spec.md §4.2 describes:
// reject unsupported opcodes/flags/forbidden-global references, and map
// each POP_BLOCK/POP_EXCEPT to the SETUP_FINALLY that opened its block.
func (ai *Interpreter) preprocess() bool {
	if ai.code.Flags.Has(bytecode.FlagCoroutine) || ai.code.Flags.Has(bytecode.FlagGenerator) {
		return false
	}

	var openBlocks []int
	for _, ins := range ai.code.Decode() {
		ai.byOffset[ins.Offset] = ins
		ai.order = append(ai.order, ins.Offset)

		if bytecode.IsUnsupported(ins.Op) {
			return false
		}
		switch ins.Op {
		case bytecode.LOAD_GLOBAL:
			if ins.Arg < len(ai.code.Names) && slices.Contains(forbiddenGlobals, ai.code.Names[ins.Arg]) {
				return false
			}
		case bytecode.SETUP_FINALLY:
			target := ins.NextOffset + ins.Arg
			openBlocks = append(openBlocks, target)
		case bytecode.POP_BLOCK, bytecode.POP_EXCEPT:
			if len(openBlocks) == 0 {
				return false
			}
			opener := openBlocks[len(openBlocks)-1]
			openBlocks = openBlocks[:len(openBlocks)-1]
			ai.blockOpeners[ins.Offset] = opener
		}
	}
	return len(openBlocks) == 0
}

// initStartingState installs the entry state at offset 0, per spec.md
// §4.2's "Starting state": parameters (positional + keyword-only) start
// Any/definitely-assigned; a trailing varargs slot is Tuple; a trailing
// varkwargs slot is Dict; everything else starts Undefined/maybe-
// undefined.
func (ai *Interpreter) initStartingState() {
	n := ai.code.NumLocals
	locals := cow.NewVector[LocalInfo](n)
	paramCount := ai.code.ArgCount + ai.code.KwOnlyArgCount

	slot := 0
	for ; slot < paramCount && slot < n; slot++ {
		locals.Replace(slot, LocalInfo{
			StackInfo: StackInfo{Value: absval.AnyValue, Source: ai.arena.New(source.Local)},
		})
	}
	if ai.code.Flags.Has(bytecode.FlagVarArgs) && slot < n {
		locals.Replace(slot, LocalInfo{StackInfo: StackInfo{Value: absval.TupleValue, Source: ai.arena.New(source.Local)}})
		slot++
	}
	if ai.code.Flags.Has(bytecode.FlagVarKwArgs) && slot < n {
		locals.Replace(slot, LocalInfo{StackInfo: StackInfo{Value: absval.DictValue, Source: ai.arena.New(source.Local)}})
		slot++
	}
	for ; slot < n; slot++ {
		locals.Replace(slot, LocalInfo{
			StackInfo:      StackInfo{Value: absval.UndefinedValue},
			MaybeUndefined: true,
		})
	}

	ai.startStates[0] = State{Locals: locals}
	ai.hasInfo[0] = true
	ai.enqueue(0)
}

func (ai *Interpreter) enqueue(offset int) {
	if ai.queued[offset] {
		return
	}
	ai.worklist = append(ai.worklist, offset)
	ai.queued[offset] = true
}

func (ai *Interpreter) dequeue() int {
	offset := ai.worklist[0]
	ai.worklist = ai.worklist[1:]
	delete(ai.queued, offset)
	return offset
}

// updateStartState merges newState into the existing start state at
// target (or installs it outright, the first time target is reached) and
// enqueues target if the result changed, per spec.md §4.2's
// update_start_state/fixpoint description.
func (ai *Interpreter) updateStartState(newState State, target int) {
	existing, ok := ai.startStates[target]
	if !ok {
		ai.startStates[target] = newState
		ai.hasInfo[target] = true
		ai.enqueue(target)
		return
	}
	merged, changed := mergeState(existing, newState)
	ai.startStates[target] = merged
	if changed {
		ai.enqueue(target)
	}
}

// runFixpoint drains the worklist, walking each dequeued offset's basic
// block one instruction at a time until a control-flow instruction or the
// end of the decoded stream, per spec.md §4.2's fixpoint description.
func (ai *Interpreter) runFixpoint() {
	for len(ai.worklist) > 0 {
		offset := ai.dequeue()
		ai.walkFrom(offset)
	}
}

func (ai *Interpreter) walkFrom(start int) {
	offset := start
	state := ai.startStates[start].clone()

	for {
		ins, ok := ai.byOffset[offset]
		if !ok {
			return
		}

		terminates := ai.step(&state, ins)
		if terminates {
			return
		}
		if bytecode.IsTerminator(ins.Op) {
			return
		}
		// Plain fall-through: hand the post-effect state to the next
		// instruction and keep walking in this same pass rather than
		// re-entering the worklist, matching spec.md §4.2's "Falls
		// through by also updating the offset of the next instruction".
		next := ins.NextOffset
		ai.updateStartState(state.clone(), next)
		if !ai.queued[next] {
			// Nothing changed and next was already fully analysed;
			// nothing left to do along this path.
			return
		}
		offset = next
		state = ai.startStates[next].clone()
		delete(ai.queued, next)
		ai.removeFromWorklist(next)
	}
}

func (ai *Interpreter) removeFromWorklist(offset int) {
	idx := slices.Index(ai.worklist, offset)
	if idx >= 0 {
		ai.worklist = slices.Delete(ai.worklist, idx, idx+1)
	}
}

// step applies one instruction's abstract effect to state (which is
// mutated in place) and handles any control-flow successors other than
// plain fall-through, enqueuing them via updateStartState. It returns true
// if the instruction never falls through to the next offset (redundant
// with bytecode.IsTerminator for most opcodes, but also true for
// conditional branches, which this function fully resolves itself).
func (ai *Interpreter) step(state *State, ins bytecode.Instruction) bool {
	op := ins.Op

	if binOp, ok := binaryOps[op]; ok {
		rhs := state.popRaw()
		lhs := state.popRaw()
		result := lhs.Value.Binary(lhs.Source, binOp, absval.WithSource{Value: rhs.Value, Source: rhs.Source})
		state.push(StackInfo{Value: result, Source: ai.intermediateSource(ins.Offset, lhs.Source, rhs.Source, result)})
		return false
	}

	if unOp, ok := unaryOps[op]; ok {
		v := state.popRaw()
		result := v.Value.Unary(v.Source, unOp)
		state.push(StackInfo{Value: result, Source: ai.intermediateSource(ins.Offset, v.Source, nil, result)})
		return false
	}

	switch op {
	case bytecode.NOP:
		// no effect

	case bytecode.POP_TOP:
		state.popEscaping()

	case bytecode.DUP_TOP:
		state.push(state.peek())

	case bytecode.ROT_TWO:
		n := len(state.Stack)
		state.Stack[n-1], state.Stack[n-2] = state.Stack[n-2], state.Stack[n-1]

	case bytecode.ROT_THREE:
		n := len(state.Stack)
		state.Stack[n-1], state.Stack[n-2], state.Stack[n-3] = state.Stack[n-2], state.Stack[n-3], state.Stack[n-1]

	case bytecode.ROT_FOUR:
		n := len(state.Stack)
		state.Stack[n-1], state.Stack[n-2], state.Stack[n-3], state.Stack[n-4] =
			state.Stack[n-2], state.Stack[n-3], state.Stack[n-4], state.Stack[n-1]

	case bytecode.LOAD_CONST:
		var c bytecode.Const
		if ins.Arg < len(ai.code.Consts) {
			c = ai.code.Consts[ins.Arg]
		}
		value := constKindToValue(c.Kind)
		src := ai.offsetSourceFor(ins.Offset, source.Const)
		state.push(StackInfo{Value: value, Source: src})

	case bytecode.LOAD_FAST:
		local := state.Locals.Get(ins.Arg)
		src := ai.offsetSourceFor(ins.Offset, source.Local)
		// Link the load to the stored value's source, so a later escape of
		// the loaded value also escapes the value that was stored.
		source.Combine(src, local.Source)
		state.push(StackInfo{Value: local.Value, Source: src})

	case bytecode.STORE_FAST:
		v := state.popRaw()
		state.Locals.Replace(ins.Arg, LocalInfo{StackInfo: v, MaybeUndefined: false})

	case bytecode.DELETE_FAST:
		state.Locals.Replace(ins.Arg, LocalInfo{StackInfo: StackInfo{Value: absval.UndefinedValue}, MaybeUndefined: true})

	case bytecode.LOAD_DEREF, bytecode.LOAD_CLASSDEREF, bytecode.LOAD_NAME, bytecode.LOAD_GLOBAL, bytecode.LOAD_ASSERTION_ERROR:
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.STORE_DEREF, bytecode.STORE_NAME, bytecode.STORE_GLOBAL:
		state.popEscaping()

	case bytecode.DELETE_NAME, bytecode.DELETE_GLOBAL, bytecode.SETUP_ANNOTATIONS, bytecode.IMPORT_STAR:
		// no stack effect modeled beyond the opaque host operation itself

	case bytecode.LOAD_ATTR, bytecode.LOAD_METHOD:
		v := state.popEscaping()
		_ = v
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})
		if op == bytecode.LOAD_METHOD {
			// LOAD_METHOD pushes a second, optional self slot; modeled as
			// Any/unknown like the method itself.
			state.push(StackInfo{Value: absval.AnyValue, Source: nil})
		}

	case bytecode.STORE_ATTR:
		state.popEscaping()
		state.popEscaping()

	case bytecode.DELETE_ATTR:
		state.popEscaping()

	case bytecode.BINARY_SUBSCR:
		rhs := state.popEscaping()
		lhs := state.popEscaping()
		_ = rhs
		_ = lhs
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.STORE_SUBSCR:
		state.popEscaping()
		state.popEscaping()
		state.popEscaping()

	case bytecode.DELETE_SUBSCR:
		state.popEscaping()
		state.popEscaping()

	case bytecode.COMPARE_OP:
		cmp := absval.OpEq
		if ins.Arg < len(compareOps) {
			cmp = compareOps[ins.Arg]
		}
		rhs := state.popRaw()
		lhs := state.popRaw()
		result := lhs.Value.Compare(lhs.Source, cmp, absval.WithSource{Value: rhs.Value, Source: rhs.Source})
		state.push(StackInfo{Value: result, Source: ai.intermediateSource(ins.Offset, lhs.Source, rhs.Source, result)})

	case bytecode.IS_OP:
		cmp := absval.OpIs
		if ins.Arg != 0 {
			cmp = absval.OpIsNot
		}
		rhs := state.popRaw()
		lhs := state.popRaw()
		result := lhs.Value.Compare(lhs.Source, cmp, absval.WithSource{Value: rhs.Value, Source: rhs.Source})
		state.push(StackInfo{Value: result, Source: ai.intermediateSource(ins.Offset, lhs.Source, rhs.Source, result)})

	case bytecode.CONTAINS_OP:
		cmp := absval.OpIn
		if ins.Arg != 0 {
			cmp = absval.OpNotIn
		}
		rhs := state.popRaw()
		lhs := state.popRaw()
		result := lhs.Value.Compare(lhs.Source, cmp, absval.WithSource{Value: rhs.Value, Source: rhs.Source})
		state.push(StackInfo{Value: result, Source: ai.intermediateSource(ins.Offset, lhs.Source, rhs.Source, result)})

	case bytecode.JUMP_IF_NOT_EXC_MATCH:
		state.popEscaping()
		state.popEscaping()
		target := ins.Arg
		ai.updateStartState(state.clone(), target)
		ai.updateStartState(state.clone(), ins.NextOffset)
		return true

	case bytecode.JUMP_FORWARD:
		target := ins.NextOffset + ins.Arg
		ai.updateStartState(state.clone(), target)
		return true

	case bytecode.JUMP_ABSOLUTE:
		target := ins.Arg
		ai.updateStartState(state.clone(), target)
		return true

	case bytecode.POP_JUMP_IF_FALSE, bytecode.POP_JUMP_IF_TRUE:
		cond := state.popRaw()
		cond.Value.Truth(cond.Source)
		target := ins.Arg
		ai.updateStartState(state.clone(), target)
		ai.updateStartState(state.clone(), ins.NextOffset)
		return true

	case bytecode.JUMP_IF_FALSE_OR_POP, bytecode.JUMP_IF_TRUE_OR_POP:
		cond := state.peek()
		cond.Value.Truth(cond.Source)
		branchState := state.clone()
		target := ins.Arg
		ai.updateStartState(branchState, target)
		fallState := state.clone()
		fallState.popRaw()
		ai.updateStartState(fallState, ins.NextOffset)
		return true

	case bytecode.GET_ITER:
		v := state.popEscaping()
		_ = v
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.FOR_ITER:
		// Two logical successors: the loop body, with an extra pushed
		// iterated value, or the exhausted-iterator jump target, with the
		// iterator itself popped.
		target := ins.NextOffset + ins.Arg

		bodyState := state.clone()
		bodyState.push(StackInfo{Value: absval.AnyValue, Source: nil})
		ai.updateStartState(bodyState, ins.NextOffset)

		doneState := state.clone()
		doneState.popEscaping()
		ai.updateStartState(doneState, target)
		return true

	case bytecode.BUILD_TUPLE, bytecode.BUILD_LIST, bytecode.BUILD_SET, bytecode.BUILD_STRING:
		for i := 0; i < ins.Arg; i++ {
			state.popEscaping()
		}
		result := collectionKindFor(op)
		state.push(StackInfo{Value: result, Source: ai.intermediateSource(ins.Offset, nil, nil, result)})

	case bytecode.BUILD_MAP:
		for i := 0; i < ins.Arg*2; i++ {
			state.popEscaping()
		}
		state.push(StackInfo{Value: absval.DictValue, Source: ai.intermediateSource(ins.Offset, nil, nil, absval.DictValue)})

	case bytecode.BUILD_SLICE:
		n := 2
		if ins.Arg == 3 {
			n = 3
		}
		for i := 0; i < n; i++ {
			state.popEscaping()
		}
		state.push(StackInfo{Value: absval.SliceValue, Source: ai.intermediateSource(ins.Offset, nil, nil, absval.SliceValue)})

	case bytecode.LIST_APPEND, bytecode.LIST_EXTEND, bytecode.SET_UPDATE, bytecode.DICT_MERGE, bytecode.DICT_UPDATE:
		state.popEscaping()

	case bytecode.LIST_TO_TUPLE:
		state.popEscaping()
		state.push(StackInfo{Value: absval.TupleValue, Source: ai.intermediateSource(ins.Offset, nil, nil, absval.TupleValue)})

	case bytecode.UNPACK_SEQUENCE:
		state.popEscaping()
		for i := 0; i < ins.Arg; i++ {
			state.push(StackInfo{Value: absval.AnyValue, Source: nil})
		}

	case bytecode.UNPACK_EX:
		state.popEscaping()
		before := ins.Arg & 0xFF
		after := (ins.Arg >> 8) & 0xFF
		for i := 0; i < before+after+1; i++ {
			state.push(StackInfo{Value: absval.AnyValue, Source: nil})
		}

	case bytecode.CALL_FUNCTION, bytecode.CALL_METHOD:
		for i := 0; i < ins.Arg; i++ {
			state.popEscaping()
		}
		state.popEscaping() // the callable (and, for CALL_METHOD, self was already pushed by LOAD_METHOD)
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.CALL_FUNCTION_KW:
		state.popEscaping() // keyword-name tuple
		for i := 0; i < ins.Arg; i++ {
			state.popEscaping()
		}
		state.popEscaping()
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.CALL_FUNCTION_EX:
		if ins.Arg&0x01 != 0 {
			state.popEscaping() // kwargs dict
		}
		state.popEscaping() // args tuple
		state.popEscaping() // callable
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.SETUP_FINALLY:
		target := ins.NextOffset + ins.Arg
		handlerState := state.clone()
		handlerState.push(StackInfo{Value: absval.AnyValue, Source: nil})
		ai.updateStartState(handlerState, target)
		ai.updateStartState(state.clone(), ins.NextOffset)
		return true

	case bytecode.POP_BLOCK, bytecode.POP_EXCEPT:
		// Shadow-block bookkeeping lives in pkg/stacks/pkg/ehmanager during
		// code generation; the AI's only concern is that the block opener
		// was recorded during preprocessing (already verified).

	case bytecode.RERAISE, bytecode.RAISE_VARARGS:
		for i := 0; i < ins.Arg; i++ {
			state.popEscaping()
		}
		return true

	case bytecode.RETURN_VALUE:
		v := state.popRaw()
		ai.returnValue = ai.returnValue.MergeWith(v.Value)
		return true

	case bytecode.WITH_EXCEPT_START:
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.PRINT_EXPR:
		state.popEscaping()

	case bytecode.FORMAT_VALUE:
		if ins.Arg&0x04 != 0 {
			state.popEscaping() // format spec
		}
		state.popEscaping()
		state.push(StackInfo{Value: absval.StrValue, Source: ai.intermediateSource(ins.Offset, nil, nil, absval.StrValue)})

	case bytecode.IMPORT_NAME:
		state.popEscaping()
		state.popEscaping()
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.IMPORT_FROM:
		state.push(StackInfo{Value: absval.AnyValue, Source: nil})

	case bytecode.MAKE_FUNCTION:
		state.popEscaping() // code/qualname
		if ins.Arg&0x08 != 0 {
			state.popEscaping() // closure tuple
		}
		if ins.Arg&0x04 != 0 {
			state.popEscaping() // annotations dict
		}
		if ins.Arg&0x02 != 0 {
			state.popEscaping() // kwdefaults dict
		}
		if ins.Arg&0x01 != 0 {
			state.popEscaping() // defaults tuple
		}
		state.push(StackInfo{Value: absval.FunctionValue, Source: ai.intermediateSource(ins.Offset, nil, nil, absval.FunctionValue)})

	default:
		panic(fmt.Sprintf("interp: unmodeled opcode %v", op))
	}

	return false
}

func collectionKindFor(op bytecode.Op) absval.Value {
	switch op {
	case bytecode.BUILD_TUPLE:
		return absval.TupleValue
	case bytecode.BUILD_LIST:
		return absval.ListValue
	case bytecode.BUILD_SET:
		return absval.SetValue
	case bytecode.BUILD_STRING:
		return absval.StrValue
	default:
		return absval.AnyValue
	}
}

// offsetSourceFor returns the cached Const/Local source for offset,
// allocating one on first visit -- spec.md §4.3: "allocates a fresh
// Local/Const/Intermediate source (reused if the same opcode offset is
// revisited during fixpoint)".
func (ai *Interpreter) offsetSourceFor(offset int, kind source.Kind) *source.Source {
	if s, ok := ai.offsetSource[offset]; ok {
		return s
	}
	s := ai.arena.New(kind)
	ai.offsetSource[offset] = s
	return s
}

// intermediateSource returns the cached Intermediate source for a
// computed result at offset, combining its operand sources the first time
// the offset is visited and simply reusing that combined group on later
// revisits (the combine has already happened; later visits only need a
// stable handle to check/force escaping on).
func (ai *Interpreter) intermediateSource(offset int, a, b *source.Source, result absval.Value) *source.Source {
	if s, ok := ai.offsetSource[offset]; ok {
		return s
	}
	combined := source.Combine(a, b)
	if combined == nil {
		combined = ai.arena.New(source.Intermediate)
	}
	ai.offsetSource[offset] = combined
	return combined
}

// LocalInfoAt returns the abstract state of local slot localIndex as of
// just before the instruction at byteCodeIndex executes.
func (ai *Interpreter) LocalInfoAt(byteCodeIndex, localIndex int) LocalInfo {
	return ai.startStates[byteCodeIndex].Locals.Get(localIndex)
}

// StackInfoAt returns the abstract operand stack as of just before the
// instruction at byteCodeIndex executes, bottom-first.
func (ai *Interpreter) StackInfoAt(byteCodeIndex int) []StackInfo {
	return ai.startStates[byteCodeIndex].Stack
}

// ReturnInfo returns the function's inferred abstract return type.
func (ai *Interpreter) ReturnInfo() absval.Value {
	return ai.returnValue
}

// HasInfo reports whether byteCodeIndex was reached during analysis.
func (ai *Interpreter) HasInfo(byteCodeIndex int) bool {
	return ai.hasInfo[byteCodeIndex]
}

// ShouldBox reports whether the value produced at byteCodeIndex (a
// LOAD_FAST, LOAD_CONST, or arithmetic instruction, per spec.md §4.3) must
// be emitted in boxed form.
func (ai *Interpreter) ShouldBox(byteCodeIndex int) bool {
	src, ok := ai.offsetSource[byteCodeIndex]
	if !ok {
		return true
	}
	return src.NeedsBoxing()
}
