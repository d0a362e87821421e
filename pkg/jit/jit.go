/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package jit orchestrates the pipeline spec.md §2 lays out end to end:
// bytecode -> AI -> (per-offset states, source facts, "unsupported"
// verdict) -> CG -> IL buffer -> backend -> code address. It plays the
// role the teacher's pkg/vm.VM.Interpret plays for its own pipeline
// (parse -> compile -> run), generalized to a compile-only entry point:
// this package never executes anything itself, it only drives the AI,
// the code generator, and a Backend to either a runnable Entry or a
// reason the function must keep running under the interpreter.
package jit

import (
	"fmt"

	"github.com/google/uuid"

	"gitlab.com/stackedboxes/pytracejit/pkg/backend"
	"gitlab.com/stackedboxes/pytracejit/pkg/bytecode"
	"gitlab.com/stackedboxes/pytracejit/pkg/codegen"
	"gitlab.com/stackedboxes/pytracejit/pkg/il"
	"gitlab.com/stackedboxes/pytracejit/pkg/interp"
)

// Status classifies why Compile did or didn't produce runnable code,
// mirroring the teacher's vm.InterpretResult (InterpretOK /
// InterpretCompileError / InterpretRuntimeError) three-way split, bent to
// this pipeline's own outcomes.
type Status int

const (
	// StatusOK means Compile succeeded; Result.Entry is runnable.
	StatusOK Status = iota

	// StatusUnsupported means the abstract interpreter rejected the
	// function outright (spec.md §7's "Unsupported-construct": AI
	// returned false). The frame is permanently non-JITtable; no IL was
	// ever generated.
	StatusUnsupported

	// StatusCodeGenFailed means the code generator raised an internal
	// error while lowering an analyzed function (spec.md §7's "Stack
	// underflow during CG" / any other ice()).
	StatusCodeGenFailed

	// StatusBackendFailed means the code generator produced IL but the
	// backend declined to compile it (spec.md §7's "Backend failure").
	StatusBackendFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupported:
		return "unsupported"
	case StatusCodeGenFailed:
		return "codegen failed"
	case StatusBackendFailed:
		return "backend failed"
	default:
		return "?"
	}
}

// NotJITtableError reports why Compile declined to produce code. Per
// spec.md §7's propagation policy ("the JIT itself recovers nothing at
// compile time; any failure aborts compilation") and user-visible
// behavior ("a function that fails to JIT continues to run under the
// interpreter"), this is an ordinary error value, never a panic: the
// caller's fallback is to keep interpreting the frame, not to crash.
type NotJITtableError struct {
	Status Status
	Reason string
}

func (e *NotJITtableError) Error() string {
	return fmt.Sprintf("%s: not JITtable (%s)", e.Status, e.Reason)
}

// Result is a successfully compiled function: Entry is the callable
// native code, and ID is the jitted_code registry handle (spec.md §9)
// under which it lives until the caller calls backend.Unregister.
type Result struct {
	ID    uuid.UUID
	Entry backend.Entry
}

// Compile runs code through the full AI -> codegen -> backend pipeline.
// On any failure it returns a *NotJITtableError and no Result, so the
// caller's uniform response is "keep running this frame under the
// interpreter" regardless of which stage declined.
func Compile(code *bytecode.Code, be backend.Backend) (*Result, error) {
	ai := interp.New(code)
	if !ai.Interpret() {
		return nil, &NotJITtableError{
			Status: StatusUnsupported,
			Reason: fmt.Sprintf("%q contains a construct the abstract interpreter does not support", code.Name),
		}
	}

	b, err := codegen.Generate(code, ai)
	if err != nil {
		return nil, &NotJITtableError{
			Status: StatusCodeGenFailed,
			Reason: err.Error(),
		}
	}

	req := backend.CompileRequest{
		Name:         code.Name,
		Instructions: b.Instructions,
		ParamTypes:   paramTypes(code),
		LocalTypes:   b.LocalTypes(),
		MaxStack:     b.MaxStackDepth(),
	}

	entry, err := be.Compile(req)
	if err != nil {
		return nil, &NotJITtableError{
			Status: StatusBackendFailed,
			Reason: err.Error(),
		}
	}

	return &Result{ID: backend.Register(entry), Entry: entry}, nil
}

// paramTypes reports the IL type of each of code's positional/keyword-only
// parameter slots. Every local, parameters included, is a uniformly boxed
// il.TypePointer in this code generator (see pkg/codegen's DESIGN.md
// entry), so every parameter is TypePointer regardless of the argument's
// runtime kind.
func paramTypes(code *bytecode.Code) []il.Type {
	n := code.ArgCount + code.KwOnlyArgCount
	types := make([]il.Type, n)
	for i := range types {
		types[i] = il.TypePointer
	}
	return types
}
