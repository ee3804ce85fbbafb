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

// Package authmiltercli holds the shared urfave/cli application the
// subcommands register themselves into.
package authmiltercli

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/authmilter/authmilter/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "authmilter"
	app.Usage = "mail authentication gateway for MTAs"
	app.Description = `Authmilter runs SPF, DKIM, DMARC and related authentication checks on
messages an MTA hands it over the milter protocol (or an SMTP proxy
hop) and returns an Authentication-Results header together with a
disposition.

'run' starts the gateway in the foreground; the other subcommands
control a running master through its PID file.
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
}

// AddSubcommand registers a subcommand with the application.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

// Run executes the application. It is the entry point called from
// cmd/authmilter.
func Run() {
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
