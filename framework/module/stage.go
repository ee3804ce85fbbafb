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

// Stage identifies a point in the message lifecycle at which handler
// callbacks are dispatched.
type Stage int

// Lifecycle stages in protocol order. Header and Body stages repeat,
// once per header field and per body chunk respectively.
const (
	StageConnect Stage = iota
	StageHelo
	StageMailFrom
	StageRcptTo
	StageHeader
	StageEOH
	StageBody
	StageEOM
	StageAbort
	StageClose
)

var stageNames = map[Stage]string{
	StageConnect:  "connect",
	StageHelo:     "helo",
	StageMailFrom: "envfrom",
	StageRcptTo:   "envrcpt",
	StageHeader:   "header",
	StageEOH:      "eoh",
	StageBody:     "body",
	StageEOM:      "eom",
	StageAbort:    "abort",
	StageClose:    "close",
}

func (s Stage) String() string {
	name, ok := stageNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// Stages lists all lifecycle stages in dispatch order.
var Stages = []Stage{
	StageConnect, StageHelo, StageMailFrom, StageRcptTo,
	StageHeader, StageEOH, StageBody, StageEOM,
	StageAbort, StageClose,
}
