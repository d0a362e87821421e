/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

// Package ehmanager implements the exception-handler manager (spec.md
// §4.6): it tracks nested try/finally (and try/with) regions and their
// per-region "previous exception" locals, and produces, in the epilogue,
// the chain of error-dispatch stubs the code generator emits after all
// opcodes have been processed.
//
// Grounded on spec.md §4.6's description of the manager's state and
// operations; the broader shape — an ordered, append-only vector of
// records with a root/back-pointer chain, queried during a dedicated
// epilogue pass — mirrors original_source/Pyjion/absint.h's own
// append-only `m_values`/`m_sources` vectors (freed/consumed once, in
// order, at the end of interpretation) and the teacher's own
// pass-based `codeGenerator` (passOne/passTwo) in its deleted
// pkg/backend/code_generator.go, which likewise defers certain emission
// decisions to a second, dedicated pass over previously recorded state.
package ehmanager

import (
	"fmt"

	"gitlab.com/stackedboxes/pytracejit/pkg/il"
)

// Vars is the per-region ExceptionVars block spec.md §4.5 describes:
// "three locals: the thread state's previous exception triple; plus
// three locals used when the region is a try/finally and must preserve
// its own exception triple across the finally body".
type Vars struct {
	// PrevExcType, PrevExcValue, PrevExcTraceback hold the thread state's
	// exception triple as it stood before this handler's region began.
	PrevExcType, PrevExcValue, PrevExcTraceback il.Local
	// SavedExcType, SavedExcValue, SavedExcTraceback preserve this
	// region's own exception triple across a finally body that might
	// itself raise and clear the thread state's current exception.
	SavedExcType, SavedExcValue, SavedExcTraceback il.Local
}

// Kind distinguishes a try/finally region from a try/with region; both
// are opened by a SETUP_FINALLY-family opcode per spec.md §4.5.
type Kind int

const (
	KindFinally Kind = iota
	KindWith
)

// Handler is one exception-handler record: a back-pointer to the
// enclosing handler (or nil for the root), its error-target label, a
// snapshot of the operand-stack shape when the region began, and its
// ExceptionVars locals (spec.md §4.6: "Each handler holds: a
// back-pointer to the enclosing handler (or null for root), its
// error-target label, a copy of the operand-stack shape at the point the
// region began, and its ExceptionVars locals").
type Handler struct {
	Kind         Kind
	Parent       *Handler
	ErrorLabel   il.Label
	StackDepth   int
	Vars         Vars
	TargetOffset int
}

// IsRoot reports whether h is the manager's root handler.
func (h *Handler) IsRoot() bool { return h.Parent == nil }

// Manager holds the ordered handler vector (root at index 0) and the
// offset→handler index used to mark labels as the code generator reaches
// each handler's target (spec.md §4.6).
type Manager struct {
	handlers       []*Handler
	byTargetOffset map[int]*Handler
}

// NewManager creates a Manager with only the root handler installed.
// Its error target is the epilogue's final "pop frame, return failure"
// path (spec.md §4.5: "install a root error handler whose error target
// is the final 'return NULL' path").
func NewManager(rootErrorLabel il.Label) *Manager {
	root := &Handler{ErrorLabel: rootErrorLabel, StackDepth: 0}
	return &Manager{
		handlers:       []*Handler{root},
		byTargetOffset: make(map[int]*Handler),
	}
}

// RootHandler returns the manager's always-present root handler.
func (m *Manager) RootHandler() *Handler { return m.handlers[0] }

// AddSetupFinally records a new handler opened by a SETUP_FINALLY-family
// opcode at the given target offset, chained to parent (spec.md §4.6:
// "add_setup_finally(label, stack, parent, vars, target_offset)").
func (m *Manager) AddSetupFinally(kind Kind, errorLabel il.Label, stackDepth int, parent *Handler, vars Vars, targetOffset int) *Handler {
	h := &Handler{
		Kind:         kind,
		Parent:       parent,
		ErrorLabel:   errorLabel,
		StackDepth:   stackDepth,
		Vars:         vars,
		TargetOffset: targetOffset,
	}
	m.handlers = append(m.handlers, h)
	m.byTargetOffset[targetOffset] = h
	return h
}

// IsHandlerAtOffset reports whether some handler's target is at offset.
func (m *Manager) IsHandlerAtOffset(offset int) bool {
	_, ok := m.byTargetOffset[offset]
	return ok
}

// HandlerAtOffset returns the handler whose target is at offset, or nil.
func (m *Manager) HandlerAtOffset(offset int) *Handler {
	return m.byTargetOffset[offset]
}

// Handlers returns every handler in creation order (root first), the
// order spec.md §4.5's epilogue walks: "After emitting all opcodes, for
// every handler in creation order: mark its error label...".
func (m *Manager) Handlers() []*Handler {
	out := make([]*Handler, len(m.handlers))
	copy(out, m.handlers)
	return out
}

// UnwindChain returns h's chain from itself up to (and including) the
// root handler, innermost first — the "unwind-to-root traversal" spec.md
// §4.6 names. (RERAISE itself steps outward one level with NextOuter.)
func UnwindChain(h *Handler) []*Handler {
	var chain []*Handler
	for cur := h; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	return chain
}

// NextOuter returns h's enclosing handler, or h itself if h is already
// the root handler — the fallback spec.md
// §4.5 describes for a handler with "no" explicit recovery target:
// "branch to the handler's real recovery target (or the next outer
// handler if none)".
func NextOuter(h *Handler) *Handler {
	if h.Parent == nil {
		return h
	}
	return h.Parent
}

// String renders a handler for diagnostics/trace output.
func (h *Handler) String() string {
	if h.IsRoot() {
		return "handler(root)"
	}
	return fmt.Sprintf("handler(target=%d, depth=%d)", h.TargetOffset, h.StackDepth)
}
