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
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/authmilter/authmilter/framework/dns"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

// Backend receives the lifecycle callbacks decoded from the milter
// stream. *pipeline.Pipeline implements it.
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

// Engine drives milter sessions against the handler pipeline.
type Engine struct {
	Hostname string
	Backend  Backend
	Resolver dns.Resolver
	Log      log.Logger

	// Zero disables the corresponding deadline.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	connectionsTotal prometheus.Counter
	messagesTotal    *prometheus.CounterVec
	protocolErrors   prometheus.Counter
}

// New returns an Engine serving the given backend.
func New(hostname string, backend Backend, resolver dns.Resolver, logger log.Logger) *Engine {
	return &Engine{
		Hostname: hostname,
		Backend:  backend,
		Resolver: resolver,
		Log:      logger,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmilter_milter_connections_total",
			Help: "Milter sessions accepted.",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmilter_milter_messages_total",
			Help: "Messages processed to end-of-message, by final disposition.",
		}, []string{"disposition"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmilter_milter_protocol_errors_total",
			Help: "Sessions terminated due to a protocol violation.",
		}),
	}
}

// RegisterMetrics registers the engine collectors with the worker
// registry.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{e.connectionsTotal, e.messagesTotal, e.protocolErrors} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handle serves one milter session. It returns when the MTA quits, the
// connection fails or the peer violates the protocol. The connection is
// closed on return.
//
// The returned context reflects the session's final state; the caller
// inspects its ExitOnClose flag. The error is nil for clean shutdowns
// (SMFIC_QUIT or EOF before negotiation).
func (e *Engine) Handle(conn net.Conn) (*module.Context, error) {
	e.connectionsTotal.Inc()

	s := &session{
		engine: e,
		conn:   conn,
		state:  stateNegotiate,
	}
	return s.serve()
}
