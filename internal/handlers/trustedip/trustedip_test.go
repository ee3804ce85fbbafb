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

package trustedip

import (
	"net"
	"strings"
	"testing"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/module"
	"github.com/authmilter/authmilter/internal/testutils"
)

func initHandler(t *testing.T, cfg string) *Handler {
	t.Helper()
	h, err := New()
	if err != nil {
		t.Fatal(err)
	}

	node := config.Node{Name: modName}
	if cfg != "" {
		nodes, err := config.Read(strings.NewReader(cfg), "test")
		if err != nil {
			t.Fatal(err)
		}
		node.Children = nodes
	}
	if err := h.Init(config.NewMap(node)); err != nil {
		t.Fatal(err)
	}
	return h.(*Handler)
}

func classify(t *testing.T, h *Handler, ip string) *module.Context {
	t.Helper()
	ctx := module.NewContext("mx.example.com", nil, testutils.Logger(t, modName))
	ctx.ClientIP = net.ParseIP(ip)
	if err := h.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	return ctx
}

func TestDefaults_Loopback(t *testing.T) {
	h := initHandler(t, "")

	if ctx := classify(t, h, "127.0.0.1"); !ctx.IsLocalIP {
		t.Error("127.0.0.1 not classified as local")
	}
	if ctx := classify(t, h, "::1"); !ctx.IsLocalIP {
		t.Error("::1 not classified as local")
	}
	if ctx := classify(t, h, "198.51.100.1"); ctx.IsLocalIP || ctx.IsTrustedIP {
		t.Error("198.51.100.1 classified as local or trusted by default")
	}
}

func TestTrustedNets(t *testing.T) {
	h := initHandler(t, "trusted_nets 192.0.2.0/24 2001:db8::/32\n")

	if ctx := classify(t, h, "192.0.2.55"); !ctx.IsTrustedIP {
		t.Error("192.0.2.55 not classified as trusted")
	}
	if ctx := classify(t, h, "2001:db8::1"); !ctx.IsTrustedIP {
		t.Error("2001:db8::1 not classified as trusted")
	}
	if ctx := classify(t, h, "198.51.100.1"); ctx.IsTrustedIP {
		t.Error("198.51.100.1 classified as trusted")
	}
}

func TestBareAddress(t *testing.T) {
	h := initHandler(t, "trusted_nets 203.0.113.7\n")

	if ctx := classify(t, h, "203.0.113.7"); !ctx.IsTrustedIP {
		t.Error("exact address not classified as trusted")
	}
	if ctx := classify(t, h, "203.0.113.8"); ctx.IsTrustedIP {
		t.Error("neighbor address classified as trusted")
	}
}

func TestInvalidNet(t *testing.T) {
	h, err := New()
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := config.Read(strings.NewReader("trusted_nets not-a-net\n"), "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Init(config.NewMap(config.Node{Name: modName, Children: nodes})); err == nil {
		t.Error("expected an error for an unparsable network")
	}
}
