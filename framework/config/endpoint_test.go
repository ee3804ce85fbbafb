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
	"strings"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	e, err := ParseEndpoint("inet:4000@127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Scheme != "inet" || e.Host != "127.0.0.1" || e.Port != "4000" {
		t.Errorf("endpoint = %+v", e)
	}
	if e.Network() != "tcp" || e.Address() != "127.0.0.1:4000" {
		t.Errorf("network=%s address=%s", e.Network(), e.Address())
	}

	e, err = ParseEndpoint("unix:/run/authmilter.sock")
	if err != nil {
		t.Fatal(err)
	}
	if e.Scheme != "unix" || e.Path != "/run/authmilter.sock" {
		t.Errorf("endpoint = %+v", e)
	}
	if e.Network() != "unix" || e.Address() != "/run/authmilter.sock" {
		t.Errorf("network=%s address=%s", e.Network(), e.Address())
	}
}

func TestParseEndpoint_Errors(t *testing.T) {
	for _, str := range []string{
		"",
		"4000",
		"inet:4000",
		"inet:nope@127.0.0.1",
		"inet:0@127.0.0.1",
		"inet:99999@127.0.0.1",
		"inet:4000@",
		"unix:",
		"tls:4000@127.0.0.1",
	} {
		if _, err := ParseEndpoint(str); err == nil {
			t.Errorf("%q accepted", str)
		}
	}
}

func TestEndpoint_Equal(t *testing.T) {
	a, err := ParseEndpoint("inet:4000@127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseEndpoint("inet:4000@127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseEndpoint("inet:4001@127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if !a.Equal(b) {
		t.Error("identical endpoints not equal")
	}
	if a.Equal(c) {
		t.Error("different ports equal")
	}
	if !strings.Contains(a.String(), "4000") {
		t.Errorf("String() = %q", a.String())
	}
}
