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

// Package trustedip classifies the connecting client against the
// configured local and trusted networks.
//
// It only writes the IsLocalIP/IsTrustedIP context flags; handlers with
// external-only guards consult them. It declares no ordering
// constraints itself, guarded handlers declare themselves after it.
package trustedip

import (
	"fmt"
	"net"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

const modName = "trusted_ip"

var defaultLocalNets = []string{"127.0.0.0/8", "::1/128"}

type Handler struct {
	localNets   []*net.IPNet
	trustedNets []*net.IPNet

	log log.Logger
}

func New() (module.Handler, error) {
	return &Handler{log: log.Logger{Name: modName}}, nil
}

func (h *Handler) Name() string {
	return modName
}

func (h *Handler) Init(cfg *config.Map) error {
	var localRaw, trustedRaw []string
	cfg.Bool("debug", false, &h.log.Debug)
	cfg.StringList("local_nets", false, defaultLocalNets, &localRaw)
	cfg.StringList("trusted_nets", false, nil, &trustedRaw)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var err error
	if h.localNets, err = parseNets(localRaw); err != nil {
		return fmt.Errorf("%s: local_nets: %w", modName, err)
	}
	if h.trustedNets, err = parseNets(trustedRaw); err != nil {
		return fmt.Errorf("%s: trusted_nets: %w", modName, err)
	}
	return nil
}

func parseNets(raw []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(raw))
	for _, s := range raw {
		// Bare addresses are accepted as host routes.
		if ip := net.ParseIP(s); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) Connect(ctx *module.Context) error {
	if ctx.ClientIP == nil {
		return nil
	}
	if contains(h.localNets, ctx.ClientIP) {
		ctx.IsLocalIP = true
		ctx.Log.Debugf("%v is a local address", ctx.ClientIP)
	}
	if contains(h.trustedNets, ctx.ClientIP) {
		ctx.IsTrustedIP = true
		ctx.Log.Debugf("%v is a trusted address", ctx.ClientIP)
	}
	return nil
}

func init() {
	module.Register(modName, New)
}
