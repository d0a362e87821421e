/******************************************************************************\
* pytracejit                                                                    *
*                                                                              *
* Copyright 2024 The pytracejit Authors                                        *
* Licensed under the MIT license (see LICENSE.txt for details)                 *
\******************************************************************************/

package bytecode

// AddCode adds a new, empty Code to u and a matching entry to di. Returns
// the new Code.
func AddCode(u *Unit, di *DebugInfo, name string) *Code {
	newCode := &Code{Name: name}
	u.Codes = append(u.Codes, newCode)
	di.CodeNames = append(di.CodeNames, name)
	di.CodeLines = append(di.CodeLines, []int{})
	return newCode
}
