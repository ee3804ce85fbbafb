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
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/exterrors"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

// Forwarder relays processed messages to the downstream MTA over a
// fresh SMTP connection per message. Its Submit method matches
// SubmitFunc.
type Forwarder struct {
	Endpoint config.Endpoint
	Hostname string
	Log      log.Logger

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
}

// NewForwarder returns a Forwarder with the usual timeouts.
func NewForwarder(endp config.Endpoint, hostname string, logger log.Logger) *Forwarder {
	return &Forwarder{
		Endpoint: endp,
		Hostname: hostname,
		Log:      logger,

		ConnectTimeout:    time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
	}
}

// Submit sends msg downstream using the envelope recorded in ctx.
func (f *Forwarder) Submit(ctx *module.Context, msg io.Reader) error {
	conn, err := net.DialTimeout(f.Endpoint.Network(), f.Endpoint.Address(), f.ConnectTimeout)
	if err != nil {
		return f.wrapErr(err)
	}

	cl := smtp.NewClient(conn)
	cl.CommandTimeout = f.CommandTimeout
	cl.SubmissionTimeout = f.SubmissionTimeout
	defer cl.Close()

	if err := cl.Hello(f.Hostname); err != nil {
		return f.wrapErr(err)
	}
	if err := cl.Mail(ctx.EnvelopeFrom, &smtp.MailOptions{}); err != nil {
		return f.wrapErr(err)
	}
	for _, rcpt := range ctx.EnvelopeRcpt {
		if err := cl.Rcpt(rcpt, &smtp.RcptOptions{}); err != nil {
			return f.wrapErr(fmt.Errorf("RCPT %s: %w", rcpt, err))
		}
	}

	wc, err := cl.Data()
	if err != nil {
		return f.wrapErr(err)
	}
	if _, err := io.Copy(wc, msg); err != nil {
		wc.Close()
		return f.wrapErr(err)
	}
	if err := wc.Close(); err != nil {
		return f.wrapErr(err)
	}

	ctx.Log.DebugMsg("message forwarded", "downstream", f.Endpoint.String())
	return cl.Quit()
}

func (f *Forwarder) wrapErr(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"downstream": f.Endpoint.String(),
	})
}
