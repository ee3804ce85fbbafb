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

package main

import (
	authmiltercli "github.com/authmilter/authmilter/internal/cli"

	// Handler modules register themselves here.
	_ "github.com/authmilter/authmilter/internal/handlers/dkim"
	_ "github.com/authmilter/authmilter/internal/handlers/dmarc"
	_ "github.com/authmilter/authmilter/internal/handlers/ptr"
	_ "github.com/authmilter/authmilter/internal/handlers/spf"
	_ "github.com/authmilter/authmilter/internal/handlers/trustedip"
)

func main() {
	authmiltercli.Run()
}
