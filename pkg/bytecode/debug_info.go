/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package bytecode

import (
	"errors"
	"io"
)

// DebugInfo holds information matching a Unit that is not strictly
// necessary to compile or run a function but is useful for error
// reporting: the name of each Code and the lasti->source-line mapping
// `original_source/pyjion/pyjit.cpp`'s `lasti` tracking depends on at
// runtime.
type DebugInfo struct {
	// CodeNames contains the names of the functions in a Unit. One entry
	// per entry in the corresponding Unit.Codes.
	CodeNames []string

	// CodeLines[i][offset] is the source line that generated the
	// instruction at Unit.Codes[i].Instructions[offset]. Indexed by byte
	// offset, not instruction count, so it lines up directly with
	// Instruction.Offset.
	CodeLines [][]int
}

// ReadDebugInfo deserializes a DebugInfo, reading binary data from r.
func ReadDebugInfo(r io.Reader) (*DebugInfo, error) {
	return nil, errors.New("not implemented yet")
}

// WriteTo serializes di, writing binary data to w.
func (di *DebugInfo) WriteTo(w io.Writer) (n int64, err error) {
	return 0, errors.New("not implemented yet")
}
