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

package milter

import (
	"encoding/binary"
	"net"
	"strings"
	"testing"

	"github.com/authmilter/authmilter/framework/module"
	"github.com/authmilter/authmilter/internal/testutils"
)

// scriptBackend adapts the scriptable test handler to the Backend
// interface, calling every hook unconditionally.
type scriptBackend struct {
	h *testutils.Handler
}

func (b scriptBackend) Connect(ctx *module.Context)                 { _ = b.h.Connect(ctx) }
func (b scriptBackend) Helo(ctx *module.Context, name string)       { _ = b.h.Helo(ctx, name) }
func (b scriptBackend) MailFrom(ctx *module.Context, from string)   { _ = b.h.MailFrom(ctx, from) }
func (b scriptBackend) RcptTo(ctx *module.Context, rcpt string)     { _ = b.h.RcptTo(ctx, rcpt) }
func (b scriptBackend) Header(ctx *module.Context, k, v string)     { _ = b.h.Header(ctx, k, v) }
func (b scriptBackend) EndOfHeaders(ctx *module.Context)            { _ = b.h.EndOfHeaders(ctx) }
func (b scriptBackend) Body(ctx *module.Context, chunk []byte)      { _ = b.h.Body(ctx, chunk) }
func (b scriptBackend) EndOfMessage(ctx *module.Context)            { _ = b.h.EndOfMessage(ctx) }
func (b scriptBackend) Abort(ctx *module.Context)                   { _ = b.h.Abort(ctx) }
func (b scriptBackend) Close(ctx *module.Context)                   { _ = b.h.CloseConn(ctx) }

type mta struct {
	t    *testing.T
	conn net.Conn
}

func (m *mta) send(code Code, data []byte) {
	m.t.Helper()
	if err := WriteFrame(m.conn, &Message{Code: code, Data: data}, 0); err != nil {
		m.t.Fatalf("send %c: %v", code, err)
	}
}

func (m *mta) recv() *Message {
	m.t.Helper()
	msg, err := ReadFrame(m.conn, 0)
	if err != nil {
		m.t.Fatalf("recv: %v", err)
	}
	return msg
}

func (m *mta) expect(code ActionCode) *Message {
	m.t.Helper()
	msg := m.recv()
	if msg.Code != Code(code) {
		m.t.Fatalf("got response %c, want %c", byte(msg.Code), byte(code))
	}
	return msg
}

func (m *mta) negotiate() {
	m.t.Helper()
	payload := appendUint32(nil, ProtocolVersion)
	payload = appendUint32(payload, 0x1ff) // all action bits
	payload = appendUint32(payload, 0)
	m.send(CodeOptNeg, payload)

	resp := m.recv()
	if resp.Code != CodeOptNeg {
		m.t.Fatalf("negotiation response code %c", byte(resp.Code))
	}
	if len(resp.Data) < 12 {
		m.t.Fatalf("negotiation response too short: %d", len(resp.Data))
	}
}

func (m *mta) connect() {
	m.t.Helper()
	payload := appendCString(nil, "mx.example.org")
	payload = append(payload, '4')
	payload = appendUint16(payload, 2525)
	payload = appendCString(payload, "198.51.100.1")
	m.send(CodeConn, payload)
	m.expect(ActContinue)
}

func (m *mta) envelope() {
	m.t.Helper()
	m.send(CodeMail, appendCString(nil, "<user@example.org>"))
	m.expect(ActContinue)
	m.send(CodeRcpt, appendCString(nil, "<rcpt@example.com>"))
	m.expect(ActContinue)
}

func startSession(t *testing.T, backend Backend) (*mta, chan *module.Context) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
	})

	engine := New("mx.example.com", backend, nil, testutils.Logger(t, "milter"))

	done := make(chan *module.Context, 1)
	go func() {
		ctx, err := engine.Handle(server)
		if err != nil {
			t.Errorf("Handle: %v", err)
		}
		done <- ctx
	}()

	return &mta{t: t, conn: client}, done
}

func TestSession_NegotiatedActions(t *testing.T) {
	m, _ := startSession(t, scriptBackend{&testutils.Handler{HandlerName: "noop"}})

	payload := appendUint32(nil, ProtocolVersion)
	payload = appendUint32(payload, 0x1ff) // all action bits
	payload = appendUint32(payload, 0)
	m.send(CodeOptNeg, payload)

	resp := m.recv()
	if resp.Code != CodeOptNeg {
		t.Fatalf("negotiation response code %c", byte(resp.Code))
	}
	actions := binary.BigEndian.Uint32(resp.Data[4:8])
	if actions != OptMask {
		t.Errorf("actions = %#x, want %#x", actions, OptMask)
	}
	for _, bit := range []uint32{OptAddHeader, OptChangeBody, OptChangeHeader, OptQuarantine, OptChangeFrom} {
		if actions&bit == 0 {
			t.Errorf("action bit %#x not advertised", bit)
		}
	}

	m.send(CodeQuit, nil)
}

func TestSession_FullMessage(t *testing.T) {
	handler := &testutils.Handler{
		HandlerName: "spf",
		OnEOM: func(ctx *module.Context) error {
			ctx.AddAuthResult(module.AuthResult{
				Method: "spf", Value: module.ResultPass,
				Props: []module.Prop{{Key: "smtp.mailfrom", Value: ctx.EnvelopeFrom}},
			})
			return nil
		},
	}
	m, done := startSession(t, scriptBackend{handler})

	m.negotiate()
	m.connect()

	m.send(CodeHelo, appendCString(nil, "mx.example.org"))
	m.expect(ActContinue)

	// Postfix-style queue id macro before MAIL.
	macro := append([]byte{byte(CodeMail)}, appendCString(appendCString(nil, "i"), "4CV5xyz123")...)
	m.send(CodeMacro, macro)

	m.envelope()

	hdr := appendCString(appendCString(nil, "From"), "user@example.org")
	m.send(CodeHeader, hdr)
	m.expect(ActContinue)
	m.send(CodeEOH, nil)
	m.expect(ActContinue)
	m.send(CodeBody, []byte("hello\r\n"))
	m.expect(ActContinue)

	m.send(CodeEOB, nil)
	ins := m.expect(ActInsertHeader)
	parts := decodeCStrings(ins.Data[4:])
	if len(parts) != 2 || parts[0] != "Authentication-Results" {
		t.Fatalf("unexpected insheader payload: %q", parts)
	}
	if !strings.Contains(parts[1], "spf=pass smtp.mailfrom=user@example.org") {
		t.Errorf("header value %q misses the spf fragment", parts[1])
	}
	if !strings.HasPrefix(parts[1], "mx.example.com") {
		t.Errorf("header value %q misses the authserv-id", parts[1])
	}
	m.expect(ActContinue)

	m.send(CodeQuit, nil)
	ctx := <-done
	if ctx.QueueID != "4CV5xyz123" {
		t.Errorf("queue id macro not applied: %q", ctx.QueueID)
	}
}

func TestSession_RejectAtEOM(t *testing.T) {
	handler := &testutils.Handler{
		HandlerName: "dmarc",
		OnEOM: func(ctx *module.Context) error {
			ctx.SetReject("DMARC policy violation")
			return nil
		},
	}
	m, done := startSession(t, scriptBackend{handler})

	m.negotiate()
	m.connect()
	m.envelope()
	m.send(CodeEOH, nil)
	m.expect(ActContinue)

	m.send(CodeEOB, nil)
	resp := m.expect(ActReplyCode)
	reply := readCString(resp.Data)
	if !strings.HasPrefix(reply, "550 5.7.1 ") || !strings.Contains(reply, "DMARC policy violation") {
		t.Errorf("unexpected reply: %q", reply)
	}

	m.send(CodeQuit, nil)
	<-done
}

func TestSession_TempFailAtMailFrom(t *testing.T) {
	handler := &testutils.Handler{
		HandlerName: "spf",
		OnMailFrom: func(ctx *module.Context, _ string) error {
			ctx.SetTempFail("try again later")
			return nil
		},
	}
	m, done := startSession(t, scriptBackend{handler})

	m.negotiate()
	m.connect()

	m.send(CodeMail, appendCString(nil, "<user@example.org>"))
	resp := m.expect(ActReplyCode)
	if reply := readCString(resp.Data); !strings.HasPrefix(reply, "451 4.7.1 ") {
		t.Errorf("unexpected reply: %q", reply)
	}

	m.send(CodeQuit, nil)
	<-done
}

func TestSession_AbortDiscardsMessage(t *testing.T) {
	handler := &testutils.Handler{
		HandlerName: "spf",
		OnMailFrom: func(ctx *module.Context, from string) error {
			ctx.AddAuthResult(module.AuthResult{Method: "spf", Value: module.ResultPass})
			return nil
		},
	}
	m, done := startSession(t, scriptBackend{handler})

	m.negotiate()
	m.connect()
	m.envelope()

	m.send(CodeAbort, nil)

	// Second message on the same connection: the aborted fragments must
	// not leak into its header.
	m.envelope()
	m.send(CodeEOH, nil)
	m.expect(ActContinue)
	m.send(CodeEOB, nil)
	ins := m.expect(ActInsertHeader)
	parts := decodeCStrings(ins.Data[4:])
	if n := strings.Count(parts[1], "spf=pass"); n != 1 {
		t.Errorf("expected exactly one spf fragment, header: %q", parts[1])
	}
	m.expect(ActContinue)

	m.send(CodeQuit, nil)
	<-done
}

func TestSession_CommandOutOfOrder(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	engine := New("mx.example.com", scriptBackend{&testutils.Handler{}}, nil, testutils.Logger(t, "milter"))

	done := make(chan error, 1)
	go func() {
		_, err := engine.Handle(server)
		done <- err
	}()

	m := &mta{t: t, conn: client}
	m.negotiate()

	// MAIL before CONNECT is a protocol violation.
	m.send(CodeMail, appendCString(nil, "<user@example.org>"))
	if err := <-done; err == nil {
		t.Fatal("expected a protocol error")
	} else if !strings.Contains(err.Error(), "unexpected command") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestSession_AuthMacroTrusted(t *testing.T) {
	var sawAuth bool
	handler := &testutils.Handler{
		HandlerName: "spf",
		OnEOM: func(ctx *module.Context) error {
			sawAuth = ctx.IsAuthenticated && ctx.AuthIdentity == "submituser"
			return nil
		},
	}
	m, done := startSession(t, scriptBackend{handler})

	m.negotiate()
	m.connect()

	macro := append([]byte{byte(CodeMail)}, appendCString(appendCString(nil, "{auth_authen}"), "submituser")...)
	m.send(CodeMacro, macro)
	m.envelope()
	m.send(CodeEOH, nil)
	m.expect(ActContinue)
	m.send(CodeEOB, nil)
	m.expect(ActInsertHeader)
	m.expect(ActContinue)

	m.send(CodeQuit, nil)
	<-done

	if !sawAuth {
		t.Error("auth_authen macro not reflected in the context")
	}
}
