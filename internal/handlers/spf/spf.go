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

// Package spf implements the SPF handler on top of blitiri.com.ar/go/spf.
//
// The check runs at the envelope sender stage so the result is
// available to later handlers (DMARC alignment in particular). For a
// null reverse-path the HELO identity is checked instead, as required
// by RFC 7208.
package spf

import (
	"context"
	"strings"

	"blitiri.com.ar/go/spf"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

const modName = "spf"

type Handler struct {
	failAction     string
	softfailAction string

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
	cfg.String("fail_action", false, "ignore", &h.failAction)
	cfg.String("softfail_action", false, "ignore", &h.softfailAction)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	for _, action := range []string{h.failAction, h.softfailAction} {
		switch action {
		case "ignore", "reject", "quarantine":
		default:
			return config.NodeErr(config.Node{Name: modName}, "invalid action: %s", action)
		}
	}
	return nil
}

func (h *Handler) MailFrom(ctx *module.Context, from string) error {
	if ctx.ClientIP == nil {
		return nil
	}

	sender := from
	helo := ctx.HeloName
	if sender == "" {
		// RFC 7208, Section 2.4: null reverse-path, check the HELO
		// identity instead.
		sender = "postmaster@" + helo
	}

	opts := []spf.Option{spf.WithContext(context.Background())}
	if ctx.Resolver != nil {
		opts = append(opts, spf.WithResolver(ctx.Resolver))
	}
	res, err := spf.CheckHostWithSender(ctx.ClientIP, helo, sender, opts...)
	ctx.Log.Debugf("spf result: %s (%v)", res, err)

	frag := module.AuthResult{
		Method: modName,
		Props: []module.Prop{
			{Key: "smtp.mailfrom", Value: from},
			{Key: "smtp.helo", Value: helo},
		},
	}
	// The library always returns an error value usable as the reason.
	if err != nil {
		frag.Comment = err.Error()
	}

	switch res {
	case spf.None:
		frag.Value = module.ResultNone
	case spf.Neutral:
		frag.Value = module.ResultNeutral
	case spf.Pass:
		frag.Value = module.ResultPass
	case spf.Fail:
		frag.Value = module.ResultFail
		h.apply(ctx, h.failAction, "SPF authentication failed")
	case spf.SoftFail:
		frag.Value = module.ResultSoftFail
		h.apply(ctx, h.softfailAction, "SPF authentication soft-failed")
	case spf.TempError:
		frag.Value = module.ResultTempError
	case spf.PermError:
		frag.Value = module.ResultPermError
	default:
		frag.Value = module.ResultNone
	}

	ctx.AddAuthResult(frag)
	ctx.SetHandlerState(modName, frag.Value)
	return nil
}

func (h *Handler) apply(ctx *module.Context, action, reason string) {
	if ctx.IsInternal() {
		return
	}
	switch action {
	case "reject":
		ctx.SetReject(reason)
	case "quarantine":
		ctx.SetQuarantine(reason)
	}
}

// Domain returns the domain of the checked identity, used by DMARC for
// alignment.
func Domain(ctx *module.Context) string {
	from := ctx.EnvelopeFrom
	if from == "" {
		return ctx.HeloName
	}
	if at := strings.LastIndex(from, "@"); at != -1 {
		return from[at+1:]
	}
	return from
}

func init() {
	module.Register(modName, New)
}
