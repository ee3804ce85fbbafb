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

//go:build unix

package daemon

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/authmilter/authmilter/framework/log"
)

// bindListener binds one data listener. The umask override applies
// only while a unix socket is created, so the socket file gets the
// configured permissions regardless of the process umask.
func bindListener(spec Listener) (net.Listener, error) {
	if spec.Endpoint.Network() == "unix" {
		// A previous instance that crashed leaves the socket file
		// behind; bind would fail with EADDRINUSE.
		if _, err := os.Stat(spec.Endpoint.Path); err == nil {
			_ = os.Remove(spec.Endpoint.Path)
		}

		if spec.Umask >= 0 {
			old := syscall.Umask(spec.Umask)
			defer syscall.Umask(old)
		}
	}

	l, err := net.Listen(spec.Endpoint.Network(), spec.Endpoint.Address())
	if err != nil {
		return nil, fmt.Errorf("cannot bind %s: %v", spec.Endpoint, err)
	}
	return l, nil
}

// dropPrivileges applies chroot/rungroup/runas, in that order.
// Without root the directives are logged and ignored, matching the
// behavior documented for daemonization.
func dropPrivileges(cfg *Config, logger log.Logger) error {
	if cfg.Chroot == "" && cfg.RunAs == "" && cfg.RunGroup == "" {
		return nil
	}
	if os.Geteuid() != 0 {
		logger.Printf("not running as root, runas/rungroup/chroot ignored")
		return nil
	}

	uid, gid := -1, -1
	if cfg.RunAs != "" {
		u, err := user.Lookup(cfg.RunAs)
		if err != nil {
			return fmt.Errorf("daemon: runas: %v", err)
		}
		uid, _ = strconv.Atoi(u.Uid)
		gid, _ = strconv.Atoi(u.Gid)
	}
	if cfg.RunGroup != "" {
		g, err := user.LookupGroup(cfg.RunGroup)
		if err != nil {
			return fmt.Errorf("daemon: rungroup: %v", err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}

	// The log file must stay writable after the UID change.
	if uid >= 0 && cfg.ErrorLog != "stderr" && cfg.ErrorLog != "syslog" && cfg.ErrorLog != "off" {
		if err := os.Chown(cfg.ErrorLog, uid, gid); err != nil {
			logger.Printf("cannot chown log file: %v", err)
		}
	}

	if cfg.Chroot != "" {
		if err := syscall.Chroot(cfg.Chroot); err != nil {
			return fmt.Errorf("daemon: chroot: %v", err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("daemon: chroot: %v", err)
		}
	}
	if gid >= 0 {
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("daemon: setgid: %v", err)
		}
	}
	if uid >= 0 {
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("daemon: setuid: %v", err)
		}
	}
	return nil
}
