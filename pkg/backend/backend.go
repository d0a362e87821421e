/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package backend implements the black-box native-backend boundary
// spec.md §4.4's "Compile" step hands IL across, plus the process-global
// `jitted_code` table spec.md §9 describes ("Global mutable tables ...
// become process-initialized once and then immutable, except for the
// per-frame extra-state pointer ... a destructor hook ... removes it from
// the weak map"). The core never assumes any particular code generator
// (x86-64, ARM64, a bytecode interpreter); it only depends on the Backend
// interface below, the same boundary the teacher draws between
// pkg/backend.GenerateCode (producing a portable bytecode.Chunk) and
// pkg/vm.VM (an entirely separate package that executes it).
package backend

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"gitlab.com/stackedboxes/pytracejit/pkg/il"
)

// CompileRequest is everything a Backend needs to turn an IL stream into
// something runnable, the bundle spec.md §4.4 describes handing over:
// "the IL, parameter types, local types, and stack depth".
type CompileRequest struct {
	Name        string
	Instructions []il.Instruction
	ParamTypes  []il.Type
	LocalTypes  []il.Type
	MaxStack    int
}

// CompileError reports why a Backend declined to compile a request — the
// "compile failure" spec.md §4.4 names as Compile's other possible
// outcome.
type CompileError struct {
	Msg string
}

func (e *CompileError) Error() string { return e.Msg }

// Entry is an opaque, backend-owned compiled method. Invoke runs it;
// Release frees whatever native resources the backend allocated,
// mirroring spec.md §4.4's "ownership of a JIT code object that knows how
// to free the backend-allocated memory in its destructor".
type Entry interface {
	Invoke(args []interface{}) (interface{}, error)
	Release()
}

// Backend is the native-code-generation boundary: given a CompileRequest,
// it either returns a runnable Entry or a CompileError. Every concrete
// backend (a real native-code emitter, or the InterpBackend test double
// below) implements only this.
type Backend interface {
	Compile(req CompileRequest) (Entry, error)
}

// registry is the process-global `jitted_code` table (spec.md §9): every
// successfully compiled method is kept here under a uuid.UUID handle
// rather than a raw code-address pointer, so the table (and its tests)
// never depend on address identity — the Go analogue of the destructor
// hook spec.md describes removing a freed entry from the weak map.
var (
	registryMu sync.Mutex
	registry   = make(map[uuid.UUID]Entry)
)

// Register installs entry in the process-global jitted_code table and
// returns the handle under which it is stored.
func Register(entry Entry) uuid.UUID {
	id := uuid.New()
	registryMu.Lock()
	registry[id] = entry
	registryMu.Unlock()
	return id
}

// Lookup returns the Entry registered under id, if any.
func Lookup(id uuid.UUID) (Entry, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	e, ok := registry[id]
	return e, ok
}

// Unregister removes id from the table and calls Release on its Entry —
// the "destructor hook ... removes it from the weak map" spec.md §9
// describes, invoked when the host frame owning the compiled method's
// extra-state pointer is freed.
func Unregister(id uuid.UUID) {
	registryMu.Lock()
	e, ok := registry[id]
	delete(registry, id)
	registryMu.Unlock()
	if ok {
		e.Release()
	}
}

// Count reports how many entries are currently registered, for tests that
// want to confirm Unregister actually frees its slot.
func Count() int {
	registryMu.Lock()
	defer registryMu.Unlock()
	return len(registry)
}

func ice(format string, a ...interface{}) error {
	return &CompileError{Msg: fmt.Sprintf("internal compiler error: %s", fmt.Sprintf(format, a...))}
}
