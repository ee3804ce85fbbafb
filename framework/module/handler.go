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

// Package module contains the handler registry and the interfaces
// implemented by authentication handler modules.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each authentication check shipped with authmilter (SPF, DKIM, DMARC,
// PTR, ...) is a handler module. A handler registers itself in an init
// function and is activated when its name appears in the load_handlers
// directive.
package module

import (
	"github.com/authmilter/authmilter/framework/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler is the interface implemented by all handler modules.
//
// Lifecycle callbacks are discovered through the optional per-stage
// interfaces below. A handler only receives callbacks for the stages it
// implements.
type Handler interface {
	// Name reports the handler name used in load_handlers, in ordering
	// declarations and in logs.
	Name() string

	// Init reads the handler configuration from its directive block.
	// It is called once per worker, before the first connection.
	Init(cfg *config.Map) error
}

// Per-stage callback interfaces. A callback receives the shared
// connection Context and stage-specific arguments. Returning an error
// converts the handler outcome for this message into temperror (or
// permerror if the error is wrapped with exterrors.WithTemporary(err,
// false)); it never aborts the other handlers.
type (
	ConnectHandler interface {
		Connect(ctx *Context) error
	}
	HeloHandler interface {
		Helo(ctx *Context, name string) error
	}
	SenderHandler interface {
		MailFrom(ctx *Context, from string) error
	}
	RcptHandler interface {
		RcptTo(ctx *Context, rcpt string) error
	}
	HeaderHandler interface {
		Header(ctx *Context, name, value string) error
	}
	EOHHandler interface {
		EndOfHeaders(ctx *Context) error
	}
	BodyHandler interface {
		Body(ctx *Context, chunk []byte) error
	}
	EOMHandler interface {
		EndOfMessage(ctx *Context) error
	}
	AbortHandler interface {
		Abort(ctx *Context) error
	}
	CloseHandler interface {
		CloseConn(ctx *Context) error
	}
)

// Orderer is implemented by handlers that declare ordering dependencies
// on their peers. For the given stage, the handler requests to run
// before all handlers named in before and after all handlers named in
// after. Referencing a handler that is not loaded is not an error, the
// edge is ignored.
type Orderer interface {
	Ordering(stage Stage) (before, after []string)
}

// MetricsDeclarer is implemented by handlers exposing their own
// counters. The registerer is the per-worker metrics registry served by
// the metrics sideband listener.
type MetricsDeclarer interface {
	RegisterMetrics(reg prometheus.Registerer) error
}

// Setup is called in the worker after all handlers are initialized and
// ordered, before the first connection is accepted.
type SetupHandler interface {
	Setup() error
}

// Destroy is called when the worker shuts down.
type DestroyHandler interface {
	Destroy() error
}
