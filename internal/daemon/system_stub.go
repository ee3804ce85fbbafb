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

//go:build !unix

package daemon

import (
	"fmt"
	"net"

	"github.com/authmilter/authmilter/framework/log"
)

func bindListener(spec Listener) (net.Listener, error) {
	l, err := net.Listen(spec.Endpoint.Network(), spec.Endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("cannot bind %s: %v", spec.Endpoint, err)
	}
	return l, nil
}

func dropPrivileges(cfg *Config, logger log.Logger) error {
	if cfg.Chroot != "" || cfg.RunAs != "" || cfg.RunGroup != "" {
		logger.Printf("runas/rungroup/chroot are not supported on this platform, ignored")
	}
	return nil
}
