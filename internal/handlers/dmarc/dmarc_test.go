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

package dmarc

import (
	"strings"
	"testing"

	"github.com/foxcpp/go-mockdns"

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

func testCtx(t *testing.T, zones map[string]mockdns.Zone) *module.Context {
	t.Helper()
	return module.NewContext("mx.example.com", &mockdns.Resolver{Zones: zones}, testutils.Logger(t, modName))
}

func run(t *testing.T, h *Handler, ctx *module.Context, from string) {
	t.Helper()
	if err := h.Header(ctx, "From", from); err != nil {
		t.Fatal(err)
	}
	if err := h.EndOfMessage(ctx); err != nil {
		t.Fatal(err)
	}
}

func dmarcFragment(t *testing.T, ctx *module.Context) module.AuthResult {
	t.Helper()
	for _, res := range ctx.AuthResults() {
		if res.Method == modName {
			return res
		}
	}
	t.Fatalf("no dmarc fragment in %+v", ctx.AuthResults())
	return module.AuthResult{}
}

func TestDMARC_PassViaSPF(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	})
	ctx.AddAuthResult(module.AuthResult{
		Method: "spf", Value: module.ResultPass,
		Props: []module.Prop{{Key: "smtp.mailfrom", Value: "user@example.org"}},
	})

	run(t, h, ctx, "Alice <user@example.org>")

	frag := dmarcFragment(t, ctx)
	if frag.Value != module.ResultPass {
		t.Errorf("fragment = %+v, want dmarc=pass", frag)
	}
	if got := propValue(frag, "header.from"); got != "example.org" {
		t.Errorf("header.from = %q", got)
	}
	if ctx.Disposition() != module.DispContinue {
		t.Errorf("pass changed disposition: %v", ctx.Disposition())
	}
}

func TestDMARC_PassViaAlignedDKIM(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	})
	// Relaxed alignment: a subdomain signature is acceptable.
	ctx.AddAuthResult(module.AuthResult{
		Method: "dkim", Value: module.ResultPass,
		Props: []module.Prop{{Key: "header.d", Value: "mail.example.org"}},
	})
	ctx.AddAuthResult(module.AuthResult{
		Method: "spf", Value: module.ResultFail,
		Props: []module.Prop{{Key: "smtp.mailfrom", Value: "user@elsewhere.example.com"}},
	})

	run(t, h, ctx, "user@example.org")

	if frag := dmarcFragment(t, ctx); frag.Value != module.ResultPass {
		t.Errorf("fragment = %+v, want dmarc=pass", frag)
	}
}

func TestDMARC_RejectPolicy(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	})
	ctx.AddAuthResult(module.AuthResult{
		Method: "spf", Value: module.ResultFail,
		Props: []module.Prop{{Key: "smtp.mailfrom", Value: "user@elsewhere.example.com"}},
	})

	run(t, h, ctx, "user@example.org")

	if frag := dmarcFragment(t, ctx); frag.Value != module.ResultFail {
		t.Errorf("fragment = %+v, want dmarc=fail", frag)
	}
	if ctx.Disposition() != module.DispReject {
		t.Errorf("disposition = %v, want reject", ctx.Disposition())
	}
}

func TestDMARC_QuarantinePolicy(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=quarantine"}},
	})

	run(t, h, ctx, "user@example.org")

	if ctx.Disposition() != module.DispQuarantine {
		t.Errorf("disposition = %v, want quarantine", ctx.Disposition())
	}
}

func TestDMARC_PolicyNotAppliedWhenDisabled(t *testing.T) {
	h := initHandler(t, "apply_policy no\n")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	})

	run(t, h, ctx, "user@example.org")

	if frag := dmarcFragment(t, ctx); frag.Value != module.ResultFail {
		t.Errorf("fragment = %+v, want dmarc=fail", frag)
	}
	if ctx.Disposition() != module.DispContinue {
		t.Errorf("disposition = %v, want continue", ctx.Disposition())
	}
}

func TestDMARC_PolicyNotAppliedForInternal(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject"}},
	})
	ctx.IsTrustedIP = true

	run(t, h, ctx, "user@example.org")

	if ctx.Disposition() != module.DispContinue {
		t.Errorf("disposition = %v, want continue", ctx.Disposition())
	}
}

func TestDMARC_NoRecord(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{})

	run(t, h, ctx, "user@example.org")

	if frag := dmarcFragment(t, ctx); frag.Value != module.ResultNone {
		t.Errorf("fragment = %+v, want dmarc=none", frag)
	}
}

func TestDMARC_OrgDomainFallback(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, map[string]mockdns.Zone{
		"_dmarc.example.org.": {TXT: []string{"v=DMARC1; p=reject; sp=quarantine"}},
	})

	run(t, h, ctx, "user@mail.example.org")

	if frag := dmarcFragment(t, ctx); frag.Value != module.ResultFail {
		t.Errorf("fragment = %+v, want dmarc=fail", frag)
	}
	// Subdomain policy applies: quarantine, not reject.
	if ctx.Disposition() != module.DispQuarantine {
		t.Errorf("disposition = %v, want quarantine", ctx.Disposition())
	}
}

func TestDMARC_NoFromHeader(t *testing.T) {
	h := initHandler(t, "")
	ctx := testCtx(t, nil)

	if err := h.EndOfMessage(ctx); err != nil {
		t.Fatal(err)
	}
	if results := ctx.AuthResults(); len(results) != 0 {
		t.Errorf("expected no fragments, got %+v", results)
	}
}
