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

// Package smtpfront implements the SMTP protocol engine.
//
// It is the alternative to the milter engine for MTAs that cannot
// speak milter: the MTA relays each message through a short-lived
// SMTP hop, the gateway runs the same handler stages over it and
// hands the message, with the Authentication-Results header
// prepended, to the configured submit hook.
package smtpfront

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/authmilter/authmilter/framework/dns"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
	"github.com/authmilter/authmilter/internal/authres"
)

// Backend receives the lifecycle callbacks, identical to the milter
// engine's. *pipeline.Pipeline implements it.
type Backend interface {
	Connect(ctx *module.Context)
	Helo(ctx *module.Context, name string)
	MailFrom(ctx *module.Context, from string)
	RcptTo(ctx *module.Context, rcpt string)
	Header(ctx *module.Context, name, value string)
	EndOfHeaders(ctx *module.Context)
	Body(ctx *module.Context, chunk []byte)
	EndOfMessage(ctx *module.Context)
	Abort(ctx *module.Context)
	Close(ctx *module.Context)
}

// QuarantineHeaderName marks a relayed message whose disposition was
// quarantine. The milter engine expresses the same request with the
// wire-level quarantine action; this protocol has no equivalent, so
// downstream filters match on the header instead.
const QuarantineHeaderName = "X-Authmilter-Quarantine"

// SubmitFunc receives the processed message: the gateway headers
// followed by the original message, as one RFC 5322 byte stream.
// It is called only for messages that were not rejected or discarded.
type SubmitFunc func(ctx *module.Context, msg io.Reader) error

// Engine drives SMTP sessions against the handler pipeline.
type Engine struct {
	Hostname string
	Backend  Backend
	Resolver dns.Resolver
	Log      log.Logger

	// Submit relays the processed message. When nil the message is
	// dropped after processing, which is only useful for testing.
	Submit SubmitFunc

	MaxMessageBytes int64

	connectionsTotal prometheus.Counter
	messagesTotal    *prometheus.CounterVec
}

// New returns an Engine serving the given backend.
func New(hostname string, backend Backend, resolver dns.Resolver, logger log.Logger) *Engine {
	return &Engine{
		Hostname: hostname,
		Backend:  backend,
		Resolver: resolver,
		Log:      logger,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmilter_smtp_connections_total",
			Help: "SMTP sessions accepted.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmilter_smtp_messages_total",
			Help: "Messages processed to end-of-data, by final disposition.",
		}, []string{"disposition"}),
	}
}

// RegisterMetrics registers the engine collectors with the worker
// registry.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{e.connectionsTotal, e.messagesTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handle serves one SMTP session on conn and blocks until the client
// disconnects. The returned context reflects the session's final
// state, nil if the client vanished before the greeting.
func (e *Engine) Handle(conn net.Conn) (*module.Context, error) {
	e.connectionsTotal.Inc()

	done := make(chan *module.Context, 1)
	srv := smtp.NewServer(&backend{engine: e, done: done})
	srv.Domain = e.Hostname
	srv.MaxMessageBytes = e.MaxMessageBytes
	// The MTA is a trusted local peer, it may forward the SASL
	// identity without TLS on the hop.
	srv.AllowInsecureAuth = true
	defer srv.Close()

	nc := &notifyConn{Conn: conn, closed: make(chan struct{})}
	l := &oneShotListener{conn: nc, addr: conn.LocalAddr(), closed: make(chan struct{})}
	go func() {
		// Serve returns once the listener is exhausted, while the
		// session goroutine keeps running.
		_ = srv.Serve(l)
	}()

	select {
	case ctx := <-done:
		return ctx, nil
	case <-nc.closed:
		// Logout runs before the connection close, so a buffered
		// context is already there if a session ever existed.
		select {
		case ctx := <-done:
			return ctx, nil
		default:
			return nil, nil
		}
	}
}

// notifyConn signals when the protocol library closes the connection,
// covering clients that vanish before the session is established.
type notifyConn struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
}

func (c *notifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.closed) })
	return err
}

type backend struct {
	engine *Engine
	done   chan *module.Context
}

func (be *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	e := be.engine

	ctx := module.NewContext(e.Hostname, e.Resolver, e.Log)
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		ctx.ClientIP = addr.IP
	}
	ctx.HeloName = c.Hostname()

	e.Backend.Connect(ctx)
	e.Backend.Helo(ctx, c.Hostname())

	if err := dispositionError(ctx); err != nil {
		// The session never starts; report the final state anyway.
		be.report(ctx)
		return nil, err
	}

	return &session{engine: e, backend: be, ctx: ctx}, nil
}

func (be *backend) report(ctx *module.Context) {
	select {
	case be.done <- ctx:
	default:
	}
}

type session struct {
	engine  *Engine
	backend *backend
	ctx     *module.Context

	inMessage bool
}

// AuthPlain records the identity the upstream MTA already verified.
// The gateway itself does not check credentials, the same way the
// milter engine trusts the {auth_authen} macro.
func (s *session) AuthPlain(username, password string) error {
	s.ctx.IsAuthenticated = true
	s.ctx.AuthIdentity = username
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.inMessage = true
	s.engine.Backend.MailFrom(s.ctx, from)
	return dispositionError(s.ctx)
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.engine.Backend.RcptTo(s.ctx, to)
	return dispositionError(s.ctx)
}

func (s *session) Data(r io.Reader) error {
	e := s.engine
	ctx := s.ctx
	s.inMessage = false

	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Malformed message header",
		}
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	fields := hdr.Fields()
	for fields.Next() {
		e.Backend.Header(ctx, fields.Key(), fields.Value())
	}
	e.Backend.EndOfHeaders(ctx)
	e.Backend.Body(ctx, body)
	e.Backend.EndOfMessage(ctx)

	disp := ctx.Disposition()
	e.messagesTotal.WithLabelValues(disp.String()).Inc()
	ctx.MessagesServed++
	defer ctx.ResetMessage()

	switch disp {
	case module.DispReject:
		return dispositionError(ctx)
	case module.DispTempFail:
		return dispositionError(ctx)
	case module.DispDiscard:
		ctx.Log.Msg("message discarded")
		return nil
	}

	// There is no quarantine action on this protocol, the marker
	// header carries the request downstream instead.
	quarantined := disp == module.DispQuarantine
	if quarantined {
		ctx.Log.Msg("message quarantined", "reason", quarantineReason(ctx))
	}

	if e.Submit == nil {
		ctx.Log.DebugMsg("no submit hook, message dropped")
		return nil
	}

	var out bytes.Buffer
	out.WriteString(authres.HeaderName)
	out.WriteString(": ")
	out.WriteString(authres.Header(ctx.Hostname, ctx.AuthResults()))
	out.WriteString("\r\n")
	if quarantined {
		out.WriteString(QuarantineHeaderName)
		out.WriteString(": ")
		out.WriteString(quarantineReason(ctx))
		out.WriteString("\r\n")
	}
	for _, f := range authres.AuxHeaders(ctx.AuxResults()) {
		out.WriteString(f.Key)
		out.WriteString(": ")
		out.WriteString(f.Value)
		out.WriteString("\r\n")
	}
	for _, f := range ctx.AuxHeaders() {
		out.WriteString(f.Key)
		out.WriteString(": ")
		out.WriteString(f.Value)
		out.WriteString("\r\n")
	}
	if err := textproto.WriteHeader(&out, hdr); err != nil {
		return err
	}
	out.Write(body)

	if err := e.Submit(ctx, &out); err != nil {
		ctx.Log.Error("submit failed", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Submission failed",
		}
	}
	return nil
}

// Reset is called on RSET and after each message.
func (s *session) Reset() {
	if s.inMessage {
		s.engine.Backend.Abort(s.ctx)
		s.ctx.ResetMessage()
		s.inMessage = false
	}
}

func (s *session) Logout() error {
	s.Reset()
	s.engine.Backend.Close(s.ctx)
	s.backend.report(s.ctx)
	return nil
}

// dispositionError maps the context disposition to the SMTP reply the
// MTA should see. Continue, accept and quarantine map to success; a
// quarantined message is still relayed, marked with
// QuarantineHeaderName for downstream to act on.
func dispositionError(ctx *module.Context) error {
	switch ctx.Disposition() {
	case module.DispReject:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      rejectText(ctx),
		}
	case module.DispTempFail:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      rejectText(ctx),
		}
	}
	return nil
}

func rejectText(ctx *module.Context) string {
	if reason := ctx.RejectReason(); reason != "" {
		return reason
	}
	return "Message refused by policy"
}

func quarantineReason(ctx *module.Context) string {
	if reason := ctx.RejectReason(); reason != "" {
		return reason
	}
	return "policy"
}

// oneShotListener yields a single pre-accepted connection. The
// supervisor owns the real listeners and dispatches connections to
// workers one at a time.
type oneShotListener struct {
	conn   net.Conn
	addr   net.Addr
	closed chan struct{}
	used   bool
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	if l.used {
		<-l.closed
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}

func (l *oneShotListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *oneShotListener) Addr() net.Addr { return l.addr }
