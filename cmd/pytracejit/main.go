/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Command pytracejit is a thin harness for spec.md §8's "concrete
// end-to-end scenarios": given an asmtext source file (pkg/asmtext) and
// a command-line argument vector, it assembles, JITs, and invokes the
// function, printing the result the way the scenarios table does (a
// repr-style rendering, or "<NULL>" if the call raised). It mirrors the
// teacher's cmd/romulangc: read a file, drive the pipeline stage by
// stage, map each stage's failure to a distinct non-zero exit code.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gitlab.com/stackedboxes/pytracejit/pkg/asmtext"
	"gitlab.com/stackedboxes/pytracejit/pkg/backend"
	"gitlab.com/stackedboxes/pytracejit/pkg/helpers"
	"gitlab.com/stackedboxes/pytracejit/pkg/jit"
)

const (
	exitCodeSuccess = iota
	exitCodeAssembleError
	exitCodeNotJITtable
	exitCodeInvokeError
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pytracejit <file.pjasm> [arg ...]\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(args[0], args[1:]))
}

func run(path string, rawArgs []string) int {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading %s: %v\n", path, err)
		return exitCodeAssembleError
	}

	code, err := asmtext.Assemble(string(source))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeAssembleError
	}

	be := backend.NewInterpBackend(defaultHelperTable())
	result, err := jit.Compile(code, be)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeNotJITtable
	}
	defer backend.Unregister(result.ID)

	callArgs := make([]interface{}, len(rawArgs))
	for i, a := range rawArgs {
		callArgs[i] = parseArgument(a)
	}

	out, err := result.Entry.Invoke(callArgs)
	if err != nil {
		fmt.Println("<NULL>")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeInvokeError
	}

	fmt.Println(repr(out))
	return exitCodeSuccess
}

// parseArgument interprets one command-line argument as a Python-ish
// literal: an integer or float if it parses as one, the literal string
// otherwise.
func parseArgument(raw string) interface{} {
	if n, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return int32(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// repr renders v the way CPython's repr() would, for the handful of
// value shapes InterpBackend ever produces.
func repr(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		s := strconv.FormatFloat(val, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	case string:
		return "'" + val + "'"
	case []interface{}:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = repr(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// defaultHelperTable supplies fakes for the frame/lasti bookkeeping calls
// every compiled program emits regardless of what it computes (Generate's
// prologue and per-instruction loop always call these); a real host
// embedding pytracejit would wire these to its own frame-stack and
// last-instruction tracking instead of no-ops. Scenarios that also need
// domain helpers (arithmetic, attribute access, iteration, ...) must build
// on pkg/jit and pkg/backend directly and supply their own table, since this
// harness has no Python runtime to resolve those against.
func defaultHelperTable() backend.HelperTable {
	noop := func(args []interface{}) (interface{}, error) { return nil, nil }
	return backend.HelperTable{
		helpers.PushFrame:   noop,
		helpers.PopFrame:    noop,
		helpers.LastiInit:   noop,
		helpers.LastiUpdate: noop,
		helpers.EHTrace:     noop,
	}
}
