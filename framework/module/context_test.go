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

package module

import (
	"testing"

	"github.com/authmilter/authmilter/framework/log"
)

func testCtx() *Context {
	return NewContext("mx.example.com", nil, log.Logger{Out: log.NopOutput{}})
}

func TestContext_DispositionMonotonic(t *testing.T) {
	ctx := testCtx()

	if ctx.Disposition() != DispContinue {
		t.Fatalf("initial disposition = %v", ctx.Disposition())
	}

	ctx.SetQuarantine("suspicious")
	if ctx.Disposition() != DispQuarantine {
		t.Errorf("disposition = %v", ctx.Disposition())
	}

	ctx.SetReject("policy violation")
	if ctx.Disposition() != DispReject || ctx.RejectReason() != "policy violation" {
		t.Errorf("disposition = %v, reason = %q", ctx.Disposition(), ctx.RejectReason())
	}

	// Relaxation requests are ignored, including their reason text.
	ctx.SetTempFail("try later")
	if ctx.Disposition() != DispReject || ctx.RejectReason() != "policy violation" {
		t.Errorf("relaxed to %v (%q)", ctx.Disposition(), ctx.RejectReason())
	}
}

func TestContext_ResetMessage(t *testing.T) {
	ctx := testCtx()

	ctx.EnvelopeFrom = "sender@example.org"
	ctx.EnvelopeRcpt = []string{"rcpt@example.com"}
	ctx.AddAuthResult(AuthResult{Method: "spf", Value: "pass"})
	ctx.AddAuxResult(AuthResult{Method: "x-local", Value: "pass"})
	ctx.AddAuxHeader("X-Test", "1")
	ctx.SetHandlerState("spf", "partial")
	ctx.SetReject("no")

	discarded := ctx.ResetMessage()
	if discarded != 2 {
		t.Errorf("discarded = %d", discarded)
	}

	if ctx.EnvelopeFrom != "" || ctx.EnvelopeRcpt != nil {
		t.Error("envelope survived reset")
	}
	if len(ctx.AuthResults()) != 0 || len(ctx.AuxResults()) != 0 || len(ctx.AuxHeaders()) != 0 {
		t.Error("fragments survived reset")
	}
	if _, ok := ctx.HandlerState("spf"); ok {
		t.Error("handler state survived reset")
	}
	if ctx.Disposition() != DispContinue || ctx.RejectReason() != "" {
		t.Error("disposition survived reset")
	}

	// Connection-scoped fields stay.
	if ctx.Hostname != "mx.example.com" {
		t.Errorf("hostname = %q", ctx.Hostname)
	}
	ctx.MessagesServed = 2
	ctx.ResetMessage()
	if ctx.MessagesServed != 2 {
		t.Errorf("message count reset with message state: %d", ctx.MessagesServed)
	}
}

func TestContext_HandlerState(t *testing.T) {
	ctx := testCtx()

	if _, ok := ctx.HandlerState("dkim"); ok {
		t.Error("state present before set")
	}
	ctx.SetHandlerState("dkim", 42)
	v, ok := ctx.HandlerState("dkim")
	if !ok || v.(int) != 42 {
		t.Errorf("state = %v, %v", v, ok)
	}

	// Slots are per handler name.
	if _, ok := ctx.HandlerState("spf"); ok {
		t.Error("state leaked across handlers")
	}
}

func TestContext_IsInternal(t *testing.T) {
	ctx := testCtx()
	if ctx.IsInternal() {
		t.Error("plain connection classified internal")
	}

	ctx.IsLocalIP = true
	if !ctx.IsInternal() {
		t.Error("local IP not classified internal")
	}

	ctx = testCtx()
	ctx.IsAuthenticated = true
	if !ctx.IsInternal() {
		t.Error("authenticated session not classified internal")
	}
}
