/*
Authmilter - Mail authentication gateway for MTAs.
Copyright © 2024 The authmilter developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package module

// Result values as defined by RFC 8601. Not every method uses every
// value.
const (
	ResultNone      = "none"
	ResultPass      = "pass"
	ResultFail      = "fail"
	ResultNeutral   = "neutral"
	ResultPolicy    = "policy"
	ResultSoftFail  = "softfail"
	ResultTempError = "temperror"
	ResultPermError = "permerror"
)

// Prop is one ordered key=value property of an AuthResult fragment,
// e.g. smtp.mailfrom=user@example.org or header.d=example.org.
type Prop struct {
	Key   string
	Value string
}

// AuthResult is one method result destined for the
// Authentication-Results header: method=value, an optional parenthesized
// comment and an ordered property list.
//
// Properties are a slice, not a map: the assembler guarantees
// byte-identical output for identical fragment lists and tests rely on
// property order.
type AuthResult struct {
	Method  string
	Value   string
	Comment string
	Props   []Prop
}

// TempError is a convenience constructor for the fragment emitted when
// a handler cannot produce a verdict.
func TempError(method, comment string) AuthResult {
	return AuthResult{Method: method, Value: ResultTempError, Comment: comment}
}

// PermError is the counterpart of TempError for definitive failures.
func PermError(method, comment string) AuthResult {
	return AuthResult{Method: method, Value: ResultPermError, Comment: comment}
}
