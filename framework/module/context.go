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
	"net"

	"github.com/authmilter/authmilter/framework/dns"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/google/uuid"
)

// Disposition is the verdict returned to the MTA for a message.
type Disposition int

// Dispositions ordered by strictness. SetDisposition keeps the stricter
// of the current and requested value, so a handler can never relax a
// verdict set by another handler.
const (
	DispContinue Disposition = iota
	DispAccept
	DispQuarantine
	DispTempFail
	DispDiscard
	DispReject
)

func (d Disposition) String() string {
	switch d {
	case DispContinue:
		return "continue"
	case DispAccept:
		return "accept"
	case DispQuarantine:
		return "quarantine"
	case DispTempFail:
		return "tempfail"
	case DispDiscard:
		return "discard"
	case DispReject:
		return "reject"
	}
	return "unknown"
}

// HeaderField is a single auxiliary header emitted in addition to
// Authentication-Results.
type HeaderField struct {
	Key   string
	Value string
}

// Context is the typed scratchpad shared by all handlers processing one
// connection.
//
// It is constructed at connection accept, mutated only by handlers
// during their own callbacks (dispatch within a connection is strictly
// sequential, so no locking is needed) and destroyed at connection
// close. Message-scoped state is reset between messages of the same
// connection.
type Context struct {
	// Hostname is the server-id used as the authserv-id of the emitted
	// Authentication-Results header.
	Hostname string

	// ClientIP is the address of the SMTP client as reported by the MTA.
	ClientIP net.IP
	// ClientName is the client host name as reported by the MTA
	// (usually its own rDNS lookup result).
	ClientName string
	// ClientRDNS is the raw PTR name for ClientIP.
	ClientRDNS string
	// VerifiedPTR is the PTR name that forward-confirmed to ClientIP
	// (the iprev property), empty if none did.
	VerifiedPTR string

	HeloName string

	// Classification flags derived from configured CIDR lists and the
	// MTA's SASL state. Many handlers short-circuit when any is set.
	IsLocalIP       bool
	IsTrustedIP     bool
	IsAuthenticated bool
	AuthIdentity    string

	EnvelopeFrom string
	EnvelopeRcpt []string

	// QueueID is the MTA-assigned identifier, available once known.
	// Used as the log correlation key.
	QueueID string

	// Macros holds the milter macros received for the current message.
	Macros map[string]string

	Log      log.Logger
	Resolver dns.Resolver

	// ExitOnClose requests worker termination after this connection,
	// with ExitOnCloseError carrying the cause (nil for clean
	// diagnostic exits).
	ExitOnClose      bool
	ExitOnCloseError error

	// MessagesServed counts the messages processed to end-of-message
	// on this connection. The supervisor charges it against the
	// per-worker message budget, so it survives ResetMessage.
	MessagesServed int

	handlerState map[string]interface{}
	results      []AuthResult
	auxResults   []AuthResult
	auxHeaders   []HeaderField

	disposition  Disposition
	rejectReason string
}

// NewContext returns a Context for a newly accepted connection.
// The base logger is copied with the connection id attached.
func NewContext(hostname string, resolver dns.Resolver, logger log.Logger) *Context {
	ctx := &Context{
		Hostname: hostname,
		Resolver: resolver,
		Macros:   map[string]string{},
	}
	ctx.QueueID = uuid.New().String()[:8]
	ctx.Log = logger
	ctx.Log.Fields = map[string]interface{}{"qid": ctx.QueueID}
	return ctx
}

// SetQueueID replaces the synthetic queue id with the MTA-assigned one
// and rebinds the log correlation key.
func (ctx *Context) SetQueueID(id string) {
	if id == "" {
		return
	}
	ctx.QueueID = id
	ctx.Log.Fields = map[string]interface{}{"qid": id}
}

// IsInternal reports whether the client is local, trusted or
// authenticated. Handlers checking external-origin policies (PTR, SPF
// policy enforcement, ADSP) short-circuit when it returns true.
func (ctx *Context) IsInternal() bool {
	return ctx.IsLocalIP || ctx.IsTrustedIP || ctx.IsAuthenticated
}

// HandlerState returns the private per-message state slot of the named
// handler.
func (ctx *Context) HandlerState(handler string) (interface{}, bool) {
	state, ok := ctx.handlerState[handler]
	return state, ok
}

// SetHandlerState stores the private per-message state of the named
// handler. The slot is cleared at abort and at end-of-message.
func (ctx *Context) SetHandlerState(handler string, state interface{}) {
	if ctx.handlerState == nil {
		ctx.handlerState = map[string]interface{}{}
	}
	ctx.handlerState[handler] = state
}

// AddAuthResult appends fragments to the Authentication-Results header
// of the current message. Fragments are append-only within a message,
// order is preserved in the assembled header.
func (ctx *Context) AddAuthResult(res ...AuthResult) {
	ctx.results = append(ctx.results, res...)
}

// AddAuxResult appends an informational fragment that is emitted as a
// separate header instead of becoming part of the canonical
// Authentication-Results line.
func (ctx *Context) AddAuxResult(res ...AuthResult) {
	ctx.auxResults = append(ctx.auxResults, res...)
}

// AddAuxHeader appends a literal auxiliary header to be prepended after
// Authentication-Results.
func (ctx *Context) AddAuxHeader(key, value string) {
	ctx.auxHeaders = append(ctx.auxHeaders, HeaderField{Key: key, Value: value})
}

// AuthResults returns the accumulated Authentication-Results fragments
// in append order.
func (ctx *Context) AuthResults() []AuthResult {
	return ctx.results
}

// AuxResults returns the accumulated auxiliary fragments in append
// order.
func (ctx *Context) AuxResults() []AuthResult {
	return ctx.auxResults
}

// AuxHeaders returns the accumulated literal auxiliary headers.
func (ctx *Context) AuxHeaders() []HeaderField {
	return ctx.auxHeaders
}

// Disposition returns the strictest disposition requested so far.
func (ctx *Context) Disposition() Disposition {
	return ctx.disposition
}

// RejectReason returns the text that accompanies a reject/tempfail/
// quarantine disposition.
func (ctx *Context) RejectReason() string {
	return ctx.rejectReason
}

// SetDisposition requests a disposition. The stricter of the current
// and requested value wins; relaxation requests are ignored.
func (ctx *Context) SetDisposition(d Disposition, reason string) {
	if d <= ctx.disposition {
		return
	}
	ctx.disposition = d
	ctx.rejectReason = reason
}

func (ctx *Context) SetReject(reason string)     { ctx.SetDisposition(DispReject, reason) }
func (ctx *Context) SetTempFail(reason string)   { ctx.SetDisposition(DispTempFail, reason) }
func (ctx *Context) SetQuarantine(reason string) { ctx.SetDisposition(DispQuarantine, reason) }

// ResetMessage clears all message-scoped state, preparing the Context
// for the next message on the same connection. It returns the number of
// result fragments discarded, which the caller logs at debug level on
// abort.
func (ctx *Context) ResetMessage() int {
	discarded := len(ctx.results) + len(ctx.auxResults)

	ctx.EnvelopeFrom = ""
	ctx.EnvelopeRcpt = nil
	ctx.Macros = map[string]string{}
	ctx.handlerState = nil
	ctx.results = nil
	ctx.auxResults = nil
	ctx.auxHeaders = nil
	ctx.disposition = DispContinue
	ctx.rejectReason = ""

	return discarded
}
