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

package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint represents a listener address in the form accepted by the
// 'connection' and 'metric_connection' directives:
//
//	inet:PORT@HOST
//	unix:PATH
//
// The component parts may be updated as setup proceeds but Original
// should never be changed.
type Endpoint struct {
	Original, Scheme, Host, Port, Path string
}

// String returns a human-friendly print of the address.
func (e Endpoint) String() string {
	if e.Original != "" {
		return e.Original
	}
	if e.Scheme == "unix" {
		return "unix:" + e.Path
	}
	return "inet:" + e.Port + "@" + e.Host
}

func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) Address() string {
	if e.Scheme == "unix" {
		return e.Path
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// Equal reports whether two endpoints refer to the same listener
// address after normalization.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Network() == other.Network() && e.Address() == other.Address()
}

// ParseEndpoint parses an endpoint string into a structured format with
// separate scheme, host, port and path portions, as well as the original
// input string.
func ParseEndpoint(str string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(str, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("malformed endpoint: %s", str)
	}

	switch scheme {
	case "unix":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("malformed endpoint, empty socket path: %s", str)
		}
		return Endpoint{Original: str, Scheme: "unix", Path: rest}, nil
	case "inet":
		port, host, ok := strings.Cut(rest, "@")
		if !ok {
			return Endpoint{}, fmt.Errorf("malformed endpoint, expected PORT@HOST: %s", str)
		}
		portNo, err := strconv.Atoi(port)
		if err != nil || portNo <= 0 || portNo > 65535 {
			return Endpoint{}, fmt.Errorf("malformed endpoint, invalid port: %s", str)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("malformed endpoint, empty host: %s", str)
		}
		return Endpoint{Original: str, Scheme: "inet", Host: host, Port: port}, nil
	}
	return Endpoint{}, fmt.Errorf("unknown endpoint scheme: %s", scheme)
}
