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

package exterrors

import (
	"net"
)

func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	dnsErr, ok := err.(*net.DNSError)
	if !ok {
		// Return non-nil in case the caller wants to extend it with its
		// own values.
		return "", map[string]interface{}{}
	}

	// Neither the server name nor the DNS name is usually useful, so
	// exclude them.
	return dnsErr.Err, map[string]interface{}{}
}
