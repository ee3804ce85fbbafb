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

// Package dmarc implements the DMARC handler.
//
// It does not run its own SPF or DKIM checks: it aligns the fragments
// already emitted by the spf and dkim handlers against the RFC5322.From
// domain, which is why it declares itself after both at end-of-message.
package dmarc

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"
	"golang.org/x/net/publicsuffix"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/dns"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

const modName = "dmarc"

type Handler struct {
	applyPolicy bool

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
	cfg.Bool("apply_policy", true, &h.applyPolicy)
	_, err := cfg.Process()
	return err
}

func (h *Handler) Ordering(stage module.Stage) (before, after []string) {
	if stage == module.StageEOM {
		return nil, []string{"spf", "dkim"}
	}
	return nil, nil
}

func (h *Handler) Header(ctx *module.Context, name, value string) error {
	if !strings.EqualFold(name, "From") {
		return nil
	}
	if _, ok := ctx.HandlerState(modName); ok {
		// Multiple From headers, keep the first one.
		return nil
	}

	addr, err := mail.ParseAddress(value)
	if err != nil {
		ctx.Log.DebugMsg("unparsable From header", "value", value, "reason", err.Error())
		return nil
	}
	if at := strings.LastIndex(addr.Address, "@"); at != -1 {
		ctx.SetHandlerState(modName, addr.Address[at+1:])
	}
	return nil
}

func (h *Handler) EndOfMessage(ctx *module.Context) error {
	fromDomainRaw, ok := ctx.HandlerState(modName)
	if !ok {
		// No usable From header, nothing to align against.
		return nil
	}
	fromDomain := fromDomainRaw.(string)

	record, policyDomain, err := h.fetchRecord(ctx, fromDomain)
	if err != nil {
		return err
	}

	frag := module.AuthResult{
		Method: modName,
		Props:  []module.Prop{{Key: "header.from", Value: fromDomain}},
	}

	if record == nil {
		frag.Value = module.ResultNone
		ctx.AddAuthResult(frag)
		return nil
	}

	aligned, temperr := h.evaluate(ctx, fromDomain, record)
	switch {
	case aligned:
		frag.Value = module.ResultPass
	case temperr:
		frag.Value = module.ResultTempError
		frag.Comment = "alignment source temporarily unavailable"
	default:
		frag.Value = module.ResultFail
		frag.Comment = "no aligned identifiers"
		h.enforce(ctx, record, policyDomain, fromDomain)
	}
	ctx.AddAuthResult(frag)
	return nil
}

// fetchRecord resolves the applicable DMARC record: the From domain's
// own record, falling back to the organizational domain's one.
func (h *Handler) fetchRecord(ctx *module.Context, fromDomain string) (*dmarc.Record, string, error) {
	opts := &dmarc.LookupOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return ctx.Resolver.LookupTXT(context.Background(), dns.FQDN(domain))
		},
	}

	record, err := dmarc.LookupWithOptions(fromDomain, opts)
	if err == nil {
		return record, fromDomain, nil
	}
	if !errors.Is(err, dmarc.ErrNoPolicy) {
		return nil, "", err
	}

	orgDomain, perr := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if perr != nil || strings.EqualFold(orgDomain, fromDomain) {
		return nil, "", nil
	}

	record, err = dmarc.LookupWithOptions(orgDomain, opts)
	if err != nil {
		if errors.Is(err, dmarc.ErrNoPolicy) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return record, orgDomain, nil
}

// evaluate checks SPF and DKIM alignment using the fragments emitted by
// the respective handlers earlier in this stage.
func (h *Handler) evaluate(ctx *module.Context, fromDomain string, record *dmarc.Record) (aligned, temperr bool) {
	for _, res := range ctx.AuthResults() {
		switch res.Method {
		case "dkim":
			domain := propValue(res, "header.d")
			if !isAligned(fromDomain, domain, record.DKIMAlignment) {
				continue
			}
			switch res.Value {
			case module.ResultPass:
				return true, false
			case module.ResultTempError:
				temperr = true
			}
		case "spf":
			domain := propValue(res, "smtp.mailfrom")
			if at := strings.LastIndex(domain, "@"); at != -1 {
				domain = domain[at+1:]
			}
			if domain == "" {
				domain = propValue(res, "smtp.helo")
			}
			if !isAligned(fromDomain, domain, record.SPFAlignment) {
				continue
			}
			switch res.Value {
			case module.ResultPass:
				return true, false
			case module.ResultTempError:
				temperr = true
			}
		}
	}
	return false, temperr
}

// enforce applies the record's policy for external clients.
func (h *Handler) enforce(ctx *module.Context, record *dmarc.Record, policyDomain, fromDomain string) {
	if !h.applyPolicy || ctx.IsInternal() {
		return
	}

	policy := record.Policy
	if !strings.EqualFold(policyDomain, fromDomain) && record.SubdomainPolicy != "" {
		policy = record.SubdomainPolicy
	}
	if record.Percent != nil && *record.Percent < 100 {
		ctx.Log.DebugMsg("policy sampled out", "pct", *record.Percent, "domain", policyDomain)
		return
	}

	switch policy {
	case dmarc.PolicyReject:
		ctx.SetReject("DMARC policy violation for " + fromDomain)
	case dmarc.PolicyQuarantine:
		ctx.SetQuarantine("DMARC policy violation for " + fromDomain)
	}
}

func propValue(res module.AuthResult, key string) string {
	for _, prop := range res.Props {
		if prop.Key == key {
			return prop.Value
		}
	}
	return ""
}

func isAligned(fromDomain, authDomain string, mode dmarc.AlignmentMode) bool {
	if authDomain == "" {
		return false
	}
	if mode == dmarc.AlignmentStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}

	orgFrom, err := publicsuffix.EffectiveTLDPlusOne(fromDomain)
	if err != nil {
		return false
	}
	orgAuth, err := publicsuffix.EffectiveTLDPlusOne(authDomain)
	if err != nil {
		return false
	}
	return strings.EqualFold(orgFrom, orgAuth)
}

func init() {
	module.Register(modName, New)
}
