/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package asmtext implements a tiny textual assembler/disassembler for
// bytecode.Code, a supplement SPEC_FULL.md calls out: the original Pyjion
// has no such format (it reads live CPython code objects), so this package
// exists purely to let tests and demos express the eight end-to-end
// regression programs as readable fixtures, the same role
// bytecode.Code.Disassemble plays for the teacher's own Chunk disassembly
// (pkg/bytecode.Chunk.DisassembleInstruction), except round-trippable back
// into a *bytecode.Code.
//
// The format is line-oriented:
//
//	.name f
//	.argcount 2
//	.kwonlyargcount 0
//	.numlocals 2
//	.varnames a b
//	.names
//	.freevars
//	.flags
//	.consts
//	  int 42
//	.code
//	  loop:
//	  LOAD_FAST 0
//	  LOAD_FAST 1
//	  BINARY_ADD 0
//	  POP_JUMP_IF_FALSE @loop
//	  RETURN_VALUE 0
//
// Directive lines (leading '.') set a *bytecode.Code field; everything
// after .code is an instruction listing. A bare "name:" line defines a
// label at the current byte offset; an operand written "@name" is resolved
// to that label, as either an absolute offset or a relative displacement
// depending on the opcode (bytecode.IsAbsoluteJump/IsRelativeJump).
//
// This assembler only ever emits single-byte operands (0-255); it does not
// synthesize EXTENDED_ARG prefixes, since none of the regression fixtures
// this package exists for need an operand that large. AssembleError names
// the line that does.
package asmtext

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/stackedboxes/pytracejit/pkg/bytecode"
)

// AssembleError reports a problem found while assembling source text,
// with the 1-based line number it occurred on.
type AssembleError struct {
	Line int
	Msg  string
}

func (e *AssembleError) Error() string {
	return fmt.Sprintf("asmtext: line %d: %s", e.Line, e.Msg)
}

var mnemonics = map[string]bytecode.Op{
	"NOP": bytecode.NOP, "POP_TOP": bytecode.POP_TOP, "DUP_TOP": bytecode.DUP_TOP,
	"ROT_TWO": bytecode.ROT_TWO, "ROT_THREE": bytecode.ROT_THREE, "ROT_FOUR": bytecode.ROT_FOUR,
	"LOAD_CONST": bytecode.LOAD_CONST, "LOAD_FAST": bytecode.LOAD_FAST,
	"STORE_FAST": bytecode.STORE_FAST, "DELETE_FAST": bytecode.DELETE_FAST,
	"LOAD_NAME": bytecode.LOAD_NAME, "STORE_NAME": bytecode.STORE_NAME, "DELETE_NAME": bytecode.DELETE_NAME,
	"LOAD_GLOBAL": bytecode.LOAD_GLOBAL, "STORE_GLOBAL": bytecode.STORE_GLOBAL, "DELETE_GLOBAL": bytecode.DELETE_GLOBAL,
	"LOAD_ATTR": bytecode.LOAD_ATTR, "STORE_ATTR": bytecode.STORE_ATTR, "DELETE_ATTR": bytecode.DELETE_ATTR,
	"LOAD_METHOD": bytecode.LOAD_METHOD,
	"LOAD_DEREF": bytecode.LOAD_DEREF, "STORE_DEREF": bytecode.STORE_DEREF, "LOAD_CLASSDEREF": bytecode.LOAD_CLASSDEREF,
	"UNARY_POSITIVE": bytecode.UNARY_POSITIVE, "UNARY_NEGATIVE": bytecode.UNARY_NEGATIVE,
	"UNARY_NOT": bytecode.UNARY_NOT, "UNARY_INVERT": bytecode.UNARY_INVERT,
	"BINARY_ADD": bytecode.BINARY_ADD, "BINARY_SUBTRACT": bytecode.BINARY_SUBTRACT,
	"BINARY_MULTIPLY": bytecode.BINARY_MULTIPLY, "BINARY_TRUE_DIVIDE": bytecode.BINARY_TRUE_DIVIDE,
	"BINARY_FLOOR_DIVIDE": bytecode.BINARY_FLOOR_DIVIDE, "BINARY_MODULO": bytecode.BINARY_MODULO,
	"BINARY_POWER": bytecode.BINARY_POWER, "BINARY_MATRIX_MULTIPLY": bytecode.BINARY_MATRIX_MULTIPLY,
	"BINARY_LSHIFT": bytecode.BINARY_LSHIFT, "BINARY_RSHIFT": bytecode.BINARY_RSHIFT,
	"BINARY_AND": bytecode.BINARY_AND, "BINARY_OR": bytecode.BINARY_OR, "BINARY_XOR": bytecode.BINARY_XOR,
	"BINARY_SUBSCR": bytecode.BINARY_SUBSCR, "STORE_SUBSCR": bytecode.STORE_SUBSCR, "DELETE_SUBSCR": bytecode.DELETE_SUBSCR,
	"INPLACE_ADD": bytecode.INPLACE_ADD, "INPLACE_SUBTRACT": bytecode.INPLACE_SUBTRACT,
	"INPLACE_MULTIPLY": bytecode.INPLACE_MULTIPLY, "INPLACE_TRUE_DIVIDE": bytecode.INPLACE_TRUE_DIVIDE,
	"INPLACE_FLOOR_DIVIDE": bytecode.INPLACE_FLOOR_DIVIDE, "INPLACE_MODULO": bytecode.INPLACE_MODULO,
	"INPLACE_POWER": bytecode.INPLACE_POWER, "INPLACE_LSHIFT": bytecode.INPLACE_LSHIFT,
	"INPLACE_RSHIFT": bytecode.INPLACE_RSHIFT, "INPLACE_AND": bytecode.INPLACE_AND,
	"INPLACE_OR": bytecode.INPLACE_OR, "INPLACE_XOR": bytecode.INPLACE_XOR,
	"COMPARE_OP": bytecode.COMPARE_OP, "IS_OP": bytecode.IS_OP, "CONTAINS_OP": bytecode.CONTAINS_OP,
	"JUMP_FORWARD": bytecode.JUMP_FORWARD, "JUMP_ABSOLUTE": bytecode.JUMP_ABSOLUTE,
	"POP_JUMP_IF_FALSE": bytecode.POP_JUMP_IF_FALSE, "POP_JUMP_IF_TRUE": bytecode.POP_JUMP_IF_TRUE,
	"JUMP_IF_FALSE_OR_POP": bytecode.JUMP_IF_FALSE_OR_POP, "JUMP_IF_TRUE_OR_POP": bytecode.JUMP_IF_TRUE_OR_POP,
	"JUMP_IF_NOT_EXC_MATCH": bytecode.JUMP_IF_NOT_EXC_MATCH,
	"GET_ITER": bytecode.GET_ITER, "FOR_ITER": bytecode.FOR_ITER,
	"BUILD_TUPLE": bytecode.BUILD_TUPLE, "BUILD_LIST": bytecode.BUILD_LIST, "BUILD_SET": bytecode.BUILD_SET,
	"BUILD_MAP": bytecode.BUILD_MAP, "BUILD_SLICE": bytecode.BUILD_SLICE, "BUILD_STRING": bytecode.BUILD_STRING,
	"LIST_APPEND": bytecode.LIST_APPEND, "LIST_EXTEND": bytecode.LIST_EXTEND, "LIST_TO_TUPLE": bytecode.LIST_TO_TUPLE,
	"DICT_MERGE": bytecode.DICT_MERGE, "DICT_UPDATE": bytecode.DICT_UPDATE, "SET_UPDATE": bytecode.SET_UPDATE,
	"UNPACK_SEQUENCE": bytecode.UNPACK_SEQUENCE, "UNPACK_EX": bytecode.UNPACK_EX,
	"CALL_FUNCTION": bytecode.CALL_FUNCTION, "CALL_FUNCTION_KW": bytecode.CALL_FUNCTION_KW,
	"CALL_METHOD": bytecode.CALL_METHOD, "CALL_FUNCTION_EX": bytecode.CALL_FUNCTION_EX,
	"SETUP_FINALLY": bytecode.SETUP_FINALLY, "POP_BLOCK": bytecode.POP_BLOCK, "POP_EXCEPT": bytecode.POP_EXCEPT,
	"RERAISE": bytecode.RERAISE, "RAISE_VARARGS": bytecode.RAISE_VARARGS,
	"LOAD_ASSERTION_ERROR": bytecode.LOAD_ASSERTION_ERROR, "WITH_EXCEPT_START": bytecode.WITH_EXCEPT_START,
	"RETURN_VALUE": bytecode.RETURN_VALUE, "PRINT_EXPR": bytecode.PRINT_EXPR, "FORMAT_VALUE": bytecode.FORMAT_VALUE,
	"SETUP_ANNOTATIONS": bytecode.SETUP_ANNOTATIONS,
	"IMPORT_NAME": bytecode.IMPORT_NAME, "IMPORT_FROM": bytecode.IMPORT_FROM, "IMPORT_STAR": bytecode.IMPORT_STAR,
	"MAKE_FUNCTION": bytecode.MAKE_FUNCTION,
	"YIELD_VALUE": bytecode.YIELD_VALUE, "YIELD_FROM": bytecode.YIELD_FROM,
	"SETUP_WITH": bytecode.SETUP_WITH, "SETUP_ASYNC_WITH": bytecode.SETUP_ASYNC_WITH,
	"GET_AWAITABLE": bytecode.GET_AWAITABLE, "GET_AITER": bytecode.GET_AITER, "GET_ANEXT": bytecode.GET_ANEXT,
	"EXTENDED_ARG": bytecode.EXTENDED_ARG,
}

var constKindNames = map[string]bytecode.ConstKind{
	"int": bytecode.ConstInt, "float": bytecode.ConstFloat, "bool": bytecode.ConstBool,
	"str": bytecode.ConstStr, "bytes": bytecode.ConstBytes, "none": bytecode.ConstNone,
	"code": bytecode.ConstCode,
}

var flagNames = map[string]bytecode.Flags{
	"varargs": bytecode.FlagVarArgs, "varkwargs": bytecode.FlagVarKwArgs,
	"coroutine": bytecode.FlagCoroutine, "generator": bytecode.FlagGenerator,
}

type pendingInstr struct {
	line    int
	op      bytecode.Op
	operand string // either a decimal literal or "@label"
}

// Assemble parses source into a *bytecode.Code, or an *AssembleError naming
// the offending line.
func Assemble(source string) (*bytecode.Code, error) {
	code := &bytecode.Code{}
	// Names and string constants recur constantly within one program (an
	// attribute name showing up in both .names and a LOAD_CONST string, a
	// varname reused across nested scopes' .freevars) -- intern them so
	// equal-content names/strings share one backing string the way a real
	// host's code-object loader would, rather than carrying one fresh copy
	// per mention in the source text.
	interner := bytecode.NewStringInterner()
	var consts []bytecode.Const
	var instrs []pendingInstr
	labels := make(map[string]int) // label name -> byte offset
	inCode := false
	section := ""

	scanner := bufio.NewScanner(strings.NewReader(source))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ".") {
			inCode = false
			fields := strings.Fields(line)
			directive := fields[0]
			rest := fields[1:]
			switch directive {
			case ".name":
				if len(rest) != 1 {
					return nil, &AssembleError{lineNo, ".name wants exactly one argument"}
				}
				code.Name = interner.Intern(rest[0])
			case ".argcount":
				n, err := strconv.Atoi(rest[0])
				if err != nil {
					return nil, &AssembleError{lineNo, "bad .argcount: " + err.Error()}
				}
				code.ArgCount = n
			case ".kwonlyargcount":
				n, err := strconv.Atoi(rest[0])
				if err != nil {
					return nil, &AssembleError{lineNo, "bad .kwonlyargcount: " + err.Error()}
				}
				code.KwOnlyArgCount = n
			case ".numlocals":
				n, err := strconv.Atoi(rest[0])
				if err != nil {
					return nil, &AssembleError{lineNo, "bad .numlocals: " + err.Error()}
				}
				code.NumLocals = n
			case ".varnames":
				code.VarNames = internAll(interner, rest)
			case ".names":
				code.Names = internAll(interner, rest)
			case ".freevars":
				code.FreeVars = internAll(interner, rest)
			case ".flags":
				for _, name := range rest {
					bit, ok := flagNames[name]
					if !ok {
						return nil, &AssembleError{lineNo, fmt.Sprintf("unknown flag %q", name)}
					}
					code.Flags |= bit
				}
			case ".consts":
				section = "consts"
			case ".code":
				section = "code"
				inCode = true
			default:
				return nil, &AssembleError{lineNo, fmt.Sprintf("unknown directive %q", directive)}
			}
			continue
		}

		switch section {
		case "consts":
			c, err := parseConst(lineNo, line, interner)
			if err != nil {
				return nil, err
			}
			consts = append(consts, c)

		case "code":
			if strings.HasSuffix(line, ":") && !strings.Contains(line, " ") {
				name := strings.TrimSuffix(line, ":")
				labels[name] = len(instrs) * 2
				continue
			}
			fields := strings.Fields(line)
			op, ok := mnemonics[strings.ToUpper(fields[0])]
			if !ok {
				return nil, &AssembleError{lineNo, fmt.Sprintf("unknown opcode %q", fields[0])}
			}
			operand := "0"
			if len(fields) > 1 {
				operand = fields[1]
			}
			instrs = append(instrs, pendingInstr{line: lineNo, op: op, operand: operand})

		default:
			return nil, &AssembleError{lineNo, "instruction or constant outside any section"}
		}
	}
	if !inCode && section != "code" {
		// A program with no .code section at all is not an error per se
		// (a code object can legitimately have zero instructions), but
		// warn loudly is unnecessary; fall through.
	}

	code.Consts = consts

	out := make([]byte, len(instrs)*2)
	for i, pi := range instrs {
		offset := i * 2
		nextOffset := offset + 2
		var arg int
		if strings.HasPrefix(pi.operand, "@") {
			name := strings.TrimPrefix(pi.operand, "@")
			target, ok := labels[name]
			if !ok {
				return nil, &AssembleError{pi.line, fmt.Sprintf("undefined label %q", name)}
			}
			if bytecode.IsAbsoluteJump(pi.op) {
				arg = target
			} else if bytecode.IsRelativeJump(pi.op) {
				arg = target - nextOffset
			} else {
				return nil, &AssembleError{pi.line, fmt.Sprintf("%s is not a jump opcode, cannot take a label operand", pi.op)}
			}
		} else {
			n, err := strconv.Atoi(pi.operand)
			if err != nil {
				return nil, &AssembleError{pi.line, "bad operand: " + err.Error()}
			}
			arg = n
		}
		if arg < 0 || arg > 255 {
			return nil, &AssembleError{pi.line, fmt.Sprintf("operand %d does not fit in one byte (EXTENDED_ARG is not supported by this assembler)", arg)}
		}
		out[offset] = byte(pi.op)
		out[offset+1] = byte(arg)
	}
	code.Instructions = out

	return code, nil
}

func stripComment(line string) string {
	if i := strings.Index(line, ";"); i >= 0 {
		return line[:i]
	}
	return line
}

// internAll interns every element of names in place, returning a fresh
// slice (names itself is strings.Fields' backing array and is reused
// across directive lines, so it isn't safe to mutate).
func internAll(si *bytecode.StringInterner, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = si.Intern(n)
	}
	return out
}

func parseConst(lineNo int, line string, si *bytecode.StringInterner) (bytecode.Const, error) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		if fields[0] == "none" {
			return bytecode.Const{Kind: bytecode.ConstNone}, nil
		}
		return bytecode.Const{}, &AssembleError{lineNo, "malformed const line, want \"<kind> <value>\""}
	}
	kind, ok := constKindNames[fields[0]]
	if !ok {
		return bytecode.Const{}, &AssembleError{lineNo, fmt.Sprintf("unknown const kind %q", fields[0])}
	}
	raw := strings.TrimSpace(fields[1])
	switch kind {
	case bytecode.ConstInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return bytecode.Const{}, &AssembleError{lineNo, "bad int const: " + err.Error()}
		}
		return bytecode.Const{Kind: kind, Value: n}, nil
	case bytecode.ConstFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return bytecode.Const{}, &AssembleError{lineNo, "bad float const: " + err.Error()}
		}
		return bytecode.Const{Kind: kind, Value: f}, nil
	case bytecode.ConstBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return bytecode.Const{}, &AssembleError{lineNo, "bad bool const: " + err.Error()}
		}
		return bytecode.Const{Kind: kind, Value: b}, nil
	case bytecode.ConstStr:
		return bytecode.Const{Kind: kind, Value: si.Intern(unquote(raw))}, nil
	case bytecode.ConstBytes:
		return bytecode.Const{Kind: kind, Value: []byte(unquote(raw))}, nil
	case bytecode.ConstNone:
		return bytecode.Const{Kind: kind}, nil
	case bytecode.ConstCode:
		// raw names another block assembled in the same AssembleUnit call;
		// Value holds that name until AssembleUnit resolves it to the
		// sibling *bytecode.Code (see AssembleUnit). A standalone Assemble
		// call has no sibling to resolve against, so the Const simply
		// carries the bare name as its Value.
		return bytecode.Const{Kind: kind, Value: raw}, nil
	default:
		return bytecode.Const{}, &AssembleError{lineNo, fmt.Sprintf("const kind %q not supported by this assembler", fields[0])}
	}
}

// AssembleUnit assembles each of blocks (independently, via Assemble) into
// one bytecode.Unit, the way a host compiler emits a module's top-level
// code plus one Code per nested function body. A "code" const in one
// block's .consts section names another block by its .name; once every
// block is assembled, AssembleUnit resolves each such const's Value from
// the sibling's name to its *bytecode.Code, so MAKE_FUNCTION's nested-code
// operand (bytecode.ConstCode) has a real producer instead of dangling.
// Blocks may reference each other regardless of order.
func AssembleUnit(blocks ...string) (*bytecode.Unit, *bytecode.DebugInfo, error) {
	u := &bytecode.Unit{}
	di := &bytecode.DebugInfo{}
	assembled := make([]*bytecode.Code, len(blocks))
	byName := make(map[string]*bytecode.Code, len(blocks))

	for i, src := range blocks {
		code, err := Assemble(src)
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", i, err)
		}
		assembled[i] = code
		byName[code.Name] = code
	}

	for _, code := range assembled {
		for i, c := range code.Consts {
			if c.Kind != bytecode.ConstCode {
				continue
			}
			name, _ := c.Value.(string)
			target, ok := byName[name]
			if !ok {
				return nil, nil, fmt.Errorf("code %q references undefined nested code %q", code.Name, name)
			}
			code.Consts[i].Value = target
		}
	}

	for _, code := range assembled {
		dst := bytecode.AddCode(u, di, code.Name)
		*dst = *code
	}

	return u, di, nil
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Disassemble renders code back into asmtext source, synthesizing a label
// at every byte offset some instruction jumps to, so the output reads
// naturally. Complex, tuple and code constants are written only as
// "; unsupported const kind" comment lines, which Assemble ignores, so a
// Code holding such constants does not re-Assemble to an equivalent one.
func Disassemble(code *bytecode.Code) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, ".name %s\n", code.Name)
	fmt.Fprintf(&sb, ".argcount %d\n", code.ArgCount)
	fmt.Fprintf(&sb, ".kwonlyargcount %d\n", code.KwOnlyArgCount)
	fmt.Fprintf(&sb, ".numlocals %d\n", code.NumLocals)
	if len(code.VarNames) > 0 {
		fmt.Fprintf(&sb, ".varnames %s\n", strings.Join(code.VarNames, " "))
	}
	if len(code.Names) > 0 {
		fmt.Fprintf(&sb, ".names %s\n", strings.Join(code.Names, " "))
	}
	if len(code.FreeVars) > 0 {
		fmt.Fprintf(&sb, ".freevars %s\n", strings.Join(code.FreeVars, " "))
	}
	if flags := flagsToNames(code.Flags); len(flags) > 0 {
		fmt.Fprintf(&sb, ".flags %s\n", strings.Join(flags, " "))
	}

	if len(code.Consts) > 0 {
		sb.WriteString(".consts\n")
		for _, c := range code.Consts {
			sb.WriteString("  " + constLine(c) + "\n")
		}
	}

	instructions := code.Decode()
	targets := map[int]bool{}
	for _, ins := range instructions {
		if bytecode.IsAbsoluteJump(ins.Op) {
			targets[ins.Arg] = true
		} else if bytecode.IsRelativeJump(ins.Op) {
			targets[ins.NextOffset+ins.Arg] = true
		}
	}

	sb.WriteString(".code\n")
	for _, ins := range instructions {
		if targets[ins.Offset] {
			fmt.Fprintf(&sb, "  L%d:\n", ins.Offset)
		}
		operand := strconv.Itoa(ins.Arg)
		if bytecode.IsAbsoluteJump(ins.Op) {
			operand = fmt.Sprintf("@L%d", ins.Arg)
		} else if bytecode.IsRelativeJump(ins.Op) {
			operand = fmt.Sprintf("@L%d", ins.NextOffset+ins.Arg)
		}
		fmt.Fprintf(&sb, "  %s %s\n", ins.Op, operand)
	}

	return sb.String()
}

func flagsToNames(f bytecode.Flags) []string {
	var names []string
	for name, bit := range flagNames {
		if f.Has(bit) {
			names = append(names, name)
		}
	}
	return names
}

func constLine(c bytecode.Const) string {
	switch c.Kind {
	case bytecode.ConstInt:
		return fmt.Sprintf("int %d", c.Value)
	case bytecode.ConstFloat:
		return fmt.Sprintf("float %v", c.Value)
	case bytecode.ConstBool:
		return fmt.Sprintf("bool %v", c.Value)
	case bytecode.ConstStr:
		return fmt.Sprintf("str %q", c.Value)
	case bytecode.ConstBytes:
		return fmt.Sprintf("bytes %q", c.Value)
	case bytecode.ConstNone:
		return "none"
	default:
		return fmt.Sprintf("; unsupported const kind %d", c.Kind)
	}
}
