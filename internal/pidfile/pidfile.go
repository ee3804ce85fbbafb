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

// Package pidfile implements the PID file handshake between the
// running master and the control commands.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Ident is the process identity string the control commands look for
// when validating a PID file against the process table.
const Ident = "authmilter"

// Write records the current process in the PID file.
func Write(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// Remove deletes the PID file. Missing files are not an error, the
// master may have crashed before writing it.
func Remove(path string) {
	_ = os.Remove(path)
}

// Read parses the PID file.
func Read(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile: malformed pid in %s", path)
	}
	return pid, nil
}

// Running reports whether the PID file at path points to a live
// master. The PID is considered valid only if the process exists and,
// when the process table exposes command lines, its command line
// names this program.
func Running(path string) (pid int, running bool) {
	pid, err := Read(path)
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// cmdlineMatches checks a /proc style NUL-separated command line for
// the program identity.
func cmdlineMatches(cmdline []byte) bool {
	return strings.Contains(string(cmdline), Ident)
}
