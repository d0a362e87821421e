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

// UnitMagic is the "magic number" identifying a serialized Unit, adapted
// from the teacher's CSWMagic. It spells "PTJCode" followed by a SUB
// character.
var UnitMagic = []byte{0x50, 0x54, 0x4A, 0x43, 0x6F, 0x64, 0x65, 0x1A}

// UnitVersion is the current version of the serialized Unit format.
const UnitVersion byte = 0

// Unit groups every Code object compiled from one host module: the
// top-level code plus every nested function's Code, referenced from
// MAKE_FUNCTION via ConstCode constants. This plays the role the teacher's
// CompiledStoryworld played for a bundle of Chunks.
//
// Overall file format (never finished in the teacher either — kept here as
// the same documented-but-unimplemented placeholder, since nothing in this
// core actually needs on-disk persistence of compiled units; the JIT always
// consumes a live, in-process Code):
//
// - Magic
//
// - 8-bit version (currently 0)
//
// - 32-bit size (binary data size in bytes, little endian)
//
// - 32-bit CRC32 of the binary data (IEEE polynomial, little endian)
//
// - Binary data
type Unit struct {
	// Codes holds every Code object in the unit; index 0 is the module's
	// top-level code.
	Codes []*Code
}

// ReadUnit deserializes a Unit, reading binary data from r.
func ReadUnit(r io.Reader) (*Unit, error) {
	return nil, errors.New("not implemented yet")
}

// WriteTo serializes u, writing binary data to w.
func (u *Unit) WriteTo(w io.Writer) (n int64, err error) {
	return 0, errors.New("not implemented yet")
}
