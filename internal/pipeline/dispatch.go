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

package pipeline

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/authmilter/authmilter/framework/exterrors"
	"github.com/authmilter/authmilter/framework/module"
)

// Connect dispatches the connection-established callback.
func (p *Pipeline) Connect(ctx *module.Context) {
	p.runStage(ctx, module.StageConnect, func(h module.Handler) error {
		return h.(module.ConnectHandler).Connect(ctx)
	})
}

// Helo dispatches the HELO/EHLO callback.
func (p *Pipeline) Helo(ctx *module.Context, name string) {
	ctx.HeloName = name
	p.runStage(ctx, module.StageHelo, func(h module.Handler) error {
		return h.(module.HeloHandler).Helo(ctx, name)
	})
}

// MailFrom dispatches the envelope sender callback.
func (p *Pipeline) MailFrom(ctx *module.Context, from string) {
	ctx.EnvelopeFrom = from
	p.runStage(ctx, module.StageMailFrom, func(h module.Handler) error {
		return h.(module.SenderHandler).MailFrom(ctx, from)
	})
}

// RcptTo dispatches the envelope recipient callback, once per
// recipient.
func (p *Pipeline) RcptTo(ctx *module.Context, rcpt string) {
	ctx.EnvelopeRcpt = append(ctx.EnvelopeRcpt, rcpt)
	p.runStage(ctx, module.StageRcptTo, func(h module.Handler) error {
		return h.(module.RcptHandler).RcptTo(ctx, rcpt)
	})
}

// Header dispatches one header field.
func (p *Pipeline) Header(ctx *module.Context, name, value string) {
	p.runStage(ctx, module.StageHeader, func(h module.Handler) error {
		return h.(module.HeaderHandler).Header(ctx, name, value)
	})
}

// EndOfHeaders dispatches the end-of-headers callback.
func (p *Pipeline) EndOfHeaders(ctx *module.Context) {
	p.runStage(ctx, module.StageEOH, func(h module.Handler) error {
		return h.(module.EOHHandler).EndOfHeaders(ctx)
	})
}

// Body dispatches one body chunk.
func (p *Pipeline) Body(ctx *module.Context, chunk []byte) {
	p.runStage(ctx, module.StageBody, func(h module.Handler) error {
		return h.(module.BodyHandler).Body(ctx, chunk)
	})
}

// EndOfMessage dispatches the end-of-message callback. After it
// returns, the accumulated fragments are final and the engine assembles
// the response.
func (p *Pipeline) EndOfMessage(ctx *module.Context) {
	p.runStage(ctx, module.StageEOM, func(h module.Handler) error {
		return h.(module.EOMHandler).EndOfMessage(ctx)
	})
}

// Abort dispatches the message-aborted callback and discards all
// message-scoped state.
func (p *Pipeline) Abort(ctx *module.Context) {
	p.runStage(ctx, module.StageAbort, func(h module.Handler) error {
		return h.(module.AbortHandler).Abort(ctx)
	})

	if discarded := ctx.ResetMessage(); discarded != 0 {
		ctx.Log.DebugMsg("message aborted", "discarded_results", discarded)
	}
}

// Close dispatches the connection-closed callback.
func (p *Pipeline) Close(ctx *module.Context) {
	p.runStage(ctx, module.StageClose, func(h module.Handler) error {
		return h.(module.CloseHandler).CloseConn(ctx)
	})
}

// runStage invokes the callback on every handler participating in the
// stage, in the precomputed order.
//
// A handler error never stops the stage: it is converted into a
// temperror (or permerror for errors marked non-temporary) fragment
// carrying the handler name as the method, so the failure is visible in
// the emitted Authentication-Results header. Panics are contained the
// same way. Abort and close run after message state is already doomed,
// so their errors are only logged.
func (p *Pipeline) runStage(ctx *module.Context, stage module.Stage, dispatch func(module.Handler) error) {
	for _, h := range p.order[stage] {
		start := time.Now()
		err := p.runCallback(ctx, h, stage, dispatch)
		p.callbackDuration.WithLabelValues(h.Name(), stage.String()).Observe(time.Since(start).Seconds())

		if err == nil {
			continue
		}

		ctx.Log.Error("handler failed", err, "handler", h.Name(), "stage", stage)
		if stage == module.StageAbort || stage == module.StageClose {
			p.callbackErrors.WithLabelValues(h.Name(), "error").Inc()
			continue
		}

		if exterrors.IsTemporaryOrUnspec(err) {
			p.callbackErrors.WithLabelValues(h.Name(), "temperror").Inc()
			ctx.AddAuthResult(module.TempError(h.Name(), err.Error()))
		} else {
			p.callbackErrors.WithLabelValues(h.Name(), "permerror").Inc()
			ctx.AddAuthResult(module.PermError(h.Name(), err.Error()))
		}
	}
}

func (p *Pipeline) runCallback(ctx *module.Context, h module.Handler, stage module.Stage, dispatch func(module.Handler) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			ctx.Log.Msg("panic in handler", "handler", h.Name(), "stage", stage, "value", fmt.Sprint(rec), "stack", string(stack))
			err = fmt.Errorf("%s: panic during %s", h.Name(), stage)
		}
	}()
	return dispatch(h)
}
