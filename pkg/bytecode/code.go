/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package bytecode

import (
	"fmt"
	"io"
	"strings"
)

// Flags describes the function-level attributes spec.md §3 calls out under
// "Bytecode view": varargs, varkwargs, coroutine, generator.
type Flags uint8

const (
	FlagVarArgs Flags = 1 << iota
	FlagVarKwArgs
	FlagCoroutine
	FlagGenerator
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Code is the host function's bytecode view: a fixed-width instruction
// stream plus the constant/name/local-name/free-variable tuples and the
// argument-count/flag metadata the abstract interpreter and code generator
// need. It plays the role the teacher's bytecode.Chunk played for
// Romualdo, generalized from a single-language constant pool to the
// richer CPython-family function shape spec.md §3 describes.
type Code struct {
	// Instructions is the raw (opcode, arg) byte stream, with EXTENDED_ARG
	// prefixes as described in spec.md §6.
	Instructions []byte

	// Consts is the constant pool, indexed by LOAD_CONST's argument.
	Consts []Const

	// Names is referenced by LOAD_NAME/STORE_NAME/LOAD_GLOBAL/LOAD_ATTR/etc.
	Names []string

	// VarNames holds the fast-local names, indexed by LOAD_FAST/STORE_FAST's
	// argument. Its length is NumLocals.
	VarNames []string

	// FreeVars holds free-variable (cell) names, referenced by
	// LOAD_DEREF/STORE_DEREF/LOAD_CLASSDEREF.
	FreeVars []string

	// ArgCount is the number of positional parameters.
	ArgCount int

	// KwOnlyArgCount is the number of keyword-only parameters.
	KwOnlyArgCount int

	// NumLocals is the total number of fast-local slots, including
	// parameters, the varargs/varkwargs slots (if present), and plain
	// locals.
	NumLocals int

	Flags Flags

	// Name is used only for trace output and error messages.
	Name string
}

// Const is a constant-pool entry. Kind mirrors absval.Kind so AI can seed a
// LOAD_CONST's abstract value without re-deriving it from the Go type of
// Value.
type Const struct {
	Kind  ConstKind
	Value interface{}
}

// ConstKind enumerates the possible shapes of a bytecode constant.
type ConstKind int

const (
	ConstInt ConstKind = iota
	ConstFloat
	ConstBool
	ConstStr
	ConstBytes
	ConstNone
	ConstComplex
	ConstCode // a nested code object, for MAKE_FUNCTION
	ConstTuple
)

func (c Const) String() string {
	return fmt.Sprintf("%v", c.Value)
}

// Instruction is a single decoded (offset, opcode, argument) triple,
// produced by Decode. Arg already has any EXTENDED_ARG bits folded in, and
// Offset/NextOffset are byte offsets into Code.Instructions so they can be
// used directly as map keys by the AI and CG (spec.md's "per-offset"
// states).
type Instruction struct {
	Offset     int
	NextOffset int
	Op         Op
	Arg        int
}

// Decode walks c.Instructions from the start, yielding one Instruction per
// logical opcode (i.e. EXTENDED_ARG prefixes are folded into the
// instruction they extend rather than yielded standalone), matching
// spec.md §6's "Values ≥ 8 bits use one or more preceding EXTENDED_ARG
// units whose arguments become the high bits of the following opcode's
// argument, shifted 8 bits per level."
func (c *Code) Decode() []Instruction {
	var out []Instruction
	ext := 0
	for i := 0; i < len(c.Instructions); i += 2 {
		op := Op(c.Instructions[i])
		arg := ext | int(c.Instructions[i+1])
		if op == EXTENDED_ARG {
			ext = arg << 8
			continue
		}
		ext = 0
		out = append(out, Instruction{
			Offset:     i,
			NextOffset: i + 2,
			Op:         op,
			Arg:        arg,
		})
	}
	return out
}

// InstructionAt decodes the single instruction starting at offset,
// including any EXTENDED_ARG prefixes immediately preceding it. offset must
// point at a non-EXTENDED_ARG opcode (a valid jump target never points into
// an EXTENDED_ARG run).
func (c *Code) InstructionAt(offset int) Instruction {
	ext := 0
	start := offset
	for start >= 2 && Op(c.Instructions[start-2]) == EXTENDED_ARG {
		start -= 2
	}
	for i := start; i < offset; i += 2 {
		ext = (ext | int(c.Instructions[i+1])) << 8
	}
	op := Op(c.Instructions[offset])
	arg := ext | int(c.Instructions[offset+1])
	return Instruction{Offset: offset, NextOffset: offset + 2, Op: op, Arg: arg}
}

// Disassemble renders the full instruction stream as text, in the same
// spirit as bytecode.Chunk.Disassemble from the teacher.
func (c *Code) Disassemble(out io.Writer) {
	fmt.Fprintf(out, "== %v ==\n", c.Name)
	for _, ins := range c.Decode() {
		c.disassembleInstruction(out, ins)
	}
}

func (c *Code) disassembleInstruction(out io.Writer, ins Instruction) {
	fmt.Fprintf(out, "%04d %-22s", ins.Offset, ins.Op.String())
	switch ins.Op {
	case LOAD_CONST:
		if ins.Arg < len(c.Consts) {
			fmt.Fprintf(out, " %4d (%v)", ins.Arg, c.Consts[ins.Arg])
		}
	case LOAD_FAST, STORE_FAST, DELETE_FAST:
		if ins.Arg < len(c.VarNames) {
			fmt.Fprintf(out, " %4d (%v)", ins.Arg, c.VarNames[ins.Arg])
		}
	case LOAD_NAME, STORE_NAME, LOAD_GLOBAL, STORE_GLOBAL, LOAD_ATTR, STORE_ATTR, LOAD_METHOD:
		if ins.Arg < len(c.Names) {
			fmt.Fprintf(out, " %4d (%v)", ins.Arg, c.Names[ins.Arg])
		}
	default:
		if ins.Arg != 0 {
			fmt.Fprintf(out, " %4d", ins.Arg)
		}
	}
	fmt.Fprint(out, "\n")
}

// String implements fmt.Stringer for convenient test failure messages.
func (c *Code) String() string {
	var sb strings.Builder
	c.Disassemble(&sb)
	return sb.String()
}
