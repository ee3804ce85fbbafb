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

// Package ptr implements the iprev/PTR handler: the reverse DNS name of
// the client is forward-confirmed and compared against the HELO name.
//
// The outcome is emitted as an informational x-ptr fragment rendered
// into its own header, not into the canonical Authentication-Results
// line. The handler runs only for external clients.
package ptr

import (
	"context"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/dns"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

const modName = "ptr"

type Handler struct {
	log log.Logger
}

func New() (module.Handler, error) {
	return &Handler{log: log.Logger{Name: modName}}, nil
}

func (h *Handler) Name() string {
	return modName
}

func (h *Handler) Init(cfg *config.Map) error {
	cfg.Bool("debug", false, &h.log.Debug)
	_, err := cfg.Process()
	return err
}

// Classification flags must be in place before the lookup decision.
func (h *Handler) Ordering(module.Stage) (before, after []string) {
	return nil, []string{"trusted_ip"}
}

func (h *Handler) Connect(ctx *module.Context) error {
	if ctx.ClientIP == nil || ctx.IsInternal() {
		return nil
	}

	rdns, err := dns.LookupAddr(context.Background(), ctx.Resolver, ctx.ClientIP)
	if err != nil {
		ctx.Log.DebugMsg("rdns lookup failed", "ip", ctx.ClientIP, "reason", err.Error())
	}
	ctx.ClientRDNS = rdns

	verified, err := dns.VerifyPTR(context.Background(), ctx.Resolver, ctx.ClientIP)
	if err != nil {
		return err
	}
	ctx.VerifiedPTR = verified
	return nil
}

func (h *Handler) EndOfMessage(ctx *module.Context) error {
	if ctx.IsInternal() {
		return nil
	}

	value := module.ResultFail
	if ctx.VerifiedPTR != "" && dns.Equal(ctx.VerifiedPTR, ctx.HeloName) {
		value = module.ResultPass
	}

	ctx.AddAuxResult(module.AuthResult{
		Method: "x-ptr",
		Value:  value,
		Props: []module.Prop{
			{Key: "x-ptr-helo", Value: ctx.HeloName},
			{Key: "x-ptr-lookup", Value: ctx.VerifiedPTR},
		},
	})
	return nil
}

func init() {
	module.Register(modName, New)
}
