/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package backend

import (
	"fmt"
	"math"

	"gitlab.com/stackedboxes/pytracejit/pkg/helpers"
	"gitlab.com/stackedboxes/pytracejit/pkg/il"
)

// HelperTable resolves a helper token (pkg/helpers) into a callable Go
// function for InterpBackend to invoke on OpCall. Tests and cmd/pytracejit
// supply one stocked with fakes for the helpers a given program actually
// exercises; unresolved tokens are a runtime error rather than a panic, so
// a test backend run reports "unimplemented helper" the same way a real
// backend would report "unresolved symbol" at link time.
type HelperTable map[helpers.Token]func(args []interface{}) (interface{}, error)

// InterpBackend is a Backend that runs IL directly with a tree-walking
// loop instead of emitting native code — a black-box stand-in that lets
// the rest of the module be exercised end-to-end without a real code
// generator, the same role the teacher's pkg/vm.VM plays for
// pkg/backend.GenerateCode's bytecode.Chunk output: a wholly separate
// package that walks the instruction stream with a switch over opcodes
// and an explicit operand stack.
type InterpBackend struct {
	Helpers HelperTable
}

// NewInterpBackend returns an InterpBackend dispatching calls through
// helpers.
func NewInterpBackend(helperTable HelperTable) *InterpBackend {
	return &InterpBackend{Helpers: helperTable}
}

// Compile validates req (every label referenced by a branch must resolve
// to some instruction in the stream, the way a real backend's relocation
// pass would reject a dangling symbol) and returns an Entry that replays
// req.Instructions on Invoke.
func (b *InterpBackend) Compile(req CompileRequest) (Entry, error) {
	for i, ins := range req.Instructions {
		if ins.Op == il.OpBranch {
			if !labelResolves(req.Instructions, ins.Label) {
				return nil, ice("%s: branch at instruction %d targets an unmarked label", req.Name, i)
			}
		}
	}
	return &interpEntry{req: req, helpers: b.Helpers}, nil
}

func labelResolves(instructions []il.Instruction, label il.Label) bool {
	for _, ins := range instructions {
		if ins.Op == il.OpMark && ins.Label == label {
			return true
		}
	}
	return false
}

// interpEntry is the InterpBackend's Entry: it owns no native memory, so
// Release is a no-op, but it still participates in the same registry
// lifecycle a real backend's entries would.
type interpEntry struct {
	req     CompileRequest
	helpers HelperTable
}

func (e *interpEntry) Release() {}

// frame is one Invoke call's mutable execution state: an operand stack of
// boxed interface{} values (unboxed I4/R8/Bool values travel as their Go
// native type; TypePointer values travel as whatever the host object
// representation is — opaque to this backend), the local-slot array, and
// the instruction pointer.
type frame struct {
	stack  []interface{}
	locals []interface{}
	ip     int
}

func (f *frame) push(v interface{}) { f.stack = append(f.stack, v) }

func (f *frame) pop() interface{} {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (e *interpEntry) Invoke(args []interface{}) (interface{}, error) {
	f := &frame{
		locals: make([]interface{}, len(e.req.LocalTypes)),
		stack:  make([]interface{}, 0, e.req.MaxStack),
	}
	copy(f.locals, args)

	labelOffset := make(map[il.Label]int)
	for i, ins := range e.req.Instructions {
		if ins.Op == il.OpMark {
			labelOffset[ins.Label] = i
		}
	}

	for f.ip < len(e.req.Instructions) {
		ins := e.req.Instructions[f.ip]
		f.ip++

		switch ins.Op {
		case il.OpMark:
			// no-op at runtime, a pure assembly-time marker

		case il.OpLoadConstI4:
			f.push(int32(ins.IntConst))
		case il.OpLoadConstI8:
			f.push(ins.IntConst)
		case il.OpLoadConstR8:
			f.push(ins.F64Const)
		case il.OpLoadConstPointer:
			f.push(nil) // resolved by the embedder in a real backend; opaque here
		case il.OpLoadNull:
			f.push(nil)

		case il.OpDup:
			top := f.pop()
			f.push(top)
			f.push(top)
		case il.OpPop:
			f.pop()
		case il.OpRotTwo:
			a, b := f.pop(), f.pop()
			f.push(a)
			f.push(b)
		case il.OpRotThree:
			a, b, c := f.pop(), f.pop(), f.pop()
			f.push(a)
			f.push(c)
			f.push(b)
		case il.OpRotFour:
			a, b, c, d := f.pop(), f.pop(), f.pop(), f.pop()
			f.push(a)
			f.push(d)
			f.push(c)
			f.push(b)

		case il.OpLoadLocal:
			f.push(f.locals[ins.Local.Index()])
		case il.OpStoreLocal:
			f.locals[ins.Local.Index()] = f.pop()
		case il.OpLoadLocalAddr:
			return nil, fmt.Errorf("interp backend: load_addr has no native-pointer representation")

		case il.OpAdd, il.OpSub, il.OpMul, il.OpDiv, il.OpRem:
			rhs, lhs := f.pop(), f.pop()
			result, err := arith(ins.Op, ins.Type, lhs, rhs)
			if err != nil {
				return nil, err
			}
			f.push(result)
		case il.OpNeg:
			v := f.pop()
			f.push(negate(ins.Type, v))
		case il.OpAnd, il.OpOr, il.OpXor:
			rhs, lhs := f.pop(), f.pop()
			f.push(bitwise(ins.Op, lhs, rhs))
		case il.OpNot:
			v := f.pop().(bool)
			f.push(!v)

		case il.OpCEq, il.OpCLt, il.OpCGt:
			rhs, lhs := f.pop(), f.pop()
			f.push(compare(ins.Op, ins.Type, lhs, rhs))

		case il.OpBranch:
			taken := true
			if ins.Branch != il.BrAlways {
				cond := f.pop().(bool)
				taken = (ins.Branch == il.BrTrue) == cond
			}
			if taken {
				f.ip = labelOffset[ins.Label] + 1
			}

		case il.OpCall:
			result, err := e.dispatchCall(f, ins)
			if err != nil {
				return nil, err
			}
			if ins.Type != il.TypeVoid {
				f.push(result)
			}

		case il.OpBox, il.OpUnbox:
			// this backend carries every value as an untyped interface{},
			// so representation conversion is a no-op at runtime; a real
			// native backend is where box/unbox actually move bits
			// between a tagged register and a heap-allocated object.

		case il.OpReturn:
			if len(f.stack) > 0 {
				return f.pop(), nil
			}
			return nil, nil

		default:
			return nil, fmt.Errorf("interp backend: unhandled IL opcode %v", ins.Op)
		}
	}
	return nil, fmt.Errorf("interp backend: instruction stream fell off the end without a return")
}

func (e *interpEntry) dispatchCall(f *frame, ins il.Instruction) (interface{}, error) {
	token := helpers.Token(ins.Token)
	desc, ok := helpers.Lookup(token)
	if !ok {
		return nil, fmt.Errorf("interp backend: unknown helper token %d", ins.Token)
	}
	args := make([]interface{}, ins.NArgs)
	for i := ins.NArgs - 1; i >= 0; i-- {
		args[i] = f.pop()
	}
	fn, ok := e.helpers[token]
	if !ok {
		return nil, fmt.Errorf("interp backend: no fake registered for helper %q", desc.Name)
	}
	return fn(args)
}

func arith(op il.Opcode, t il.Type, lhs, rhs interface{}) (interface{}, error) {
	if t == il.TypeR8 {
		a, b := lhs.(float64), rhs.(float64)
		switch op {
		case il.OpAdd:
			return a + b, nil
		case il.OpSub:
			return a - b, nil
		case il.OpMul:
			return a * b, nil
		case il.OpDiv:
			return a / b, nil
		case il.OpRem:
			return math.Mod(a, b), nil
		}
	}
	a, b := toInt64(lhs), toInt64(rhs)
	switch op {
	case il.OpAdd:
		return a + b, nil
	case il.OpSub:
		return a - b, nil
	case il.OpMul:
		return a * b, nil
	case il.OpDiv:
		if b == 0 {
			return nil, fmt.Errorf("interp backend: integer division by zero")
		}
		return a / b, nil
	case il.OpRem:
		return a % b, nil
	}
	return nil, fmt.Errorf("interp backend: unhandled arithmetic opcode %v", op)
}

func negate(t il.Type, v interface{}) interface{} {
	if t == il.TypeR8 {
		return -v.(float64)
	}
	return -toInt64(v)
}

func bitwise(op il.Opcode, lhs, rhs interface{}) interface{} {
	a, b := toInt64(lhs), toInt64(rhs)
	switch op {
	case il.OpAnd:
		return a & b
	case il.OpOr:
		return a | b
	case il.OpXor:
		return a ^ b
	}
	return nil
}

func compare(op il.Opcode, t il.Type, lhs, rhs interface{}) bool {
	if t == il.TypeR8 {
		a, b := lhs.(float64), rhs.(float64)
		switch op {
		case il.OpCEq:
			return a == b
		case il.OpCLt:
			return a < b
		case il.OpCGt:
			return a > b
		}
	}
	a, b := toInt64(lhs), toInt64(rhs)
	switch op {
	case il.OpCEq:
		return a == b
	case il.OpCLt:
		return a < b
	case il.OpCGt:
		return a > b
	}
	return false
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}
