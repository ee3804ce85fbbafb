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

package smtpfront

import (
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/module"
	"github.com/authmilter/authmilter/internal/testutils"
)

type capturedMsg struct {
	From string
	Rcpt []string
	Body string
}

type captureBackend struct {
	msgs chan capturedMsg
}

func (b *captureBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &captureSession{backend: b}, nil
}

type captureSession struct {
	backend *captureBackend
	msg     capturedMsg
}

func (s *captureSession) Reset() {
	s.msg = capturedMsg{}
}

func (s *captureSession) Logout() error { return nil }

func (s *captureSession) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}

func (s *captureSession) Mail(from string, opts *smtp.MailOptions) error {
	s.msg.From = from
	return nil
}

func (s *captureSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.msg.Rcpt = append(s.msg.Rcpt, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Body = string(body)
	s.backend.msgs <- s.msg
	return nil
}

func startDownstream(t *testing.T) (config.Endpoint, chan capturedMsg) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	be := &captureBackend{msgs: make(chan capturedMsg, 1)}
	srv := smtp.NewServer(be)
	srv.Domain = "downstream.example.org"
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	port := l.Addr().(*net.TCPAddr).Port
	endp, err := config.ParseEndpoint("inet:" + strconv.Itoa(port) + "@127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return endp, be.msgs
}

func TestForwarder_Submit(t *testing.T) {
	endp, msgs := startDownstream(t)

	f := NewForwarder(endp, "mx.example.com", testutils.Logger(t, "forward"))
	ctx := module.NewContext("mx.example.com", nil, testutils.Logger(t, "ctx"))
	ctx.EnvelopeFrom = "sender@example.org"
	ctx.EnvelopeRcpt = []string{"one@example.com", "two@example.com"}

	msg := "Authentication-Results: mx.example.com; spf=pass\r\n" +
		"Subject: hi\r\n\r\nhello\r\n"
	if err := f.Submit(ctx, strings.NewReader(msg)); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-msgs:
		if got.From != "sender@example.org" {
			t.Errorf("from = %q", got.From)
		}
		if len(got.Rcpt) != 2 || got.Rcpt[1] != "two@example.com" {
			t.Errorf("rcpt = %v", got.Rcpt)
		}
		if !strings.Contains(got.Body, "Authentication-Results: mx.example.com") {
			t.Errorf("body missing gateway header:\n%s", got.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("downstream never received the message")
	}
}

func TestForwarder_ConnectFailure(t *testing.T) {
	// A listener that is closed right away guarantees a refused port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	endp, err := config.ParseEndpoint("inet:" + strconv.Itoa(port) + "@127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	f := NewForwarder(endp, "mx.example.com", testutils.Logger(t, "forward"))
	f.ConnectTimeout = time.Second
	ctx := module.NewContext("mx.example.com", nil, testutils.Logger(t, "ctx"))
	if err := f.Submit(ctx, strings.NewReader("x")); err == nil {
		t.Error("submit to dead downstream succeeded")
	}
}
