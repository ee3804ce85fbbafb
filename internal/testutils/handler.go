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

// Package testutils provides test helpers shared by authmilter test
// suites: a testing.T-bound logger and a scriptable handler module.
package testutils

import (
	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/module"
)

// Handler is a scriptable handler module for pipeline and engine tests.
//
// It records the stages it was called at in Calls and optionally
// invokes the per-stage hooks. Unset hooks make the corresponding
// callback a successful no-op.
type Handler struct {
	HandlerName string

	// Before and After declare ordering constraints applied to every
	// stage.
	Before []string
	After  []string

	Calls []module.Stage

	OnConnect  func(*module.Context) error
	OnHelo     func(*module.Context, string) error
	OnMailFrom func(*module.Context, string) error
	OnRcptTo   func(*module.Context, string) error
	OnHeader   func(*module.Context, string, string) error
	OnEOH      func(*module.Context) error
	OnBody     func(*module.Context, []byte) error
	OnEOM      func(*module.Context) error
	OnAbort    func(*module.Context) error
	OnClose    func(*module.Context) error
}

func (h *Handler) Name() string {
	if h.HandlerName == "" {
		return "test_handler"
	}
	return h.HandlerName
}

func (h *Handler) Init(*config.Map) error {
	return nil
}

func (h *Handler) Ordering(module.Stage) (before, after []string) {
	return h.Before, h.After
}

func (h *Handler) record(stage module.Stage) {
	h.Calls = append(h.Calls, stage)
}

func (h *Handler) Connect(ctx *module.Context) error {
	h.record(module.StageConnect)
	if h.OnConnect != nil {
		return h.OnConnect(ctx)
	}
	return nil
}

func (h *Handler) Helo(ctx *module.Context, name string) error {
	h.record(module.StageHelo)
	if h.OnHelo != nil {
		return h.OnHelo(ctx, name)
	}
	return nil
}

func (h *Handler) MailFrom(ctx *module.Context, from string) error {
	h.record(module.StageMailFrom)
	if h.OnMailFrom != nil {
		return h.OnMailFrom(ctx, from)
	}
	return nil
}

func (h *Handler) RcptTo(ctx *module.Context, rcpt string) error {
	h.record(module.StageRcptTo)
	if h.OnRcptTo != nil {
		return h.OnRcptTo(ctx, rcpt)
	}
	return nil
}

func (h *Handler) Header(ctx *module.Context, name, value string) error {
	h.record(module.StageHeader)
	if h.OnHeader != nil {
		return h.OnHeader(ctx, name, value)
	}
	return nil
}

func (h *Handler) EndOfHeaders(ctx *module.Context) error {
	h.record(module.StageEOH)
	if h.OnEOH != nil {
		return h.OnEOH(ctx)
	}
	return nil
}

func (h *Handler) Body(ctx *module.Context, chunk []byte) error {
	h.record(module.StageBody)
	if h.OnBody != nil {
		return h.OnBody(ctx, chunk)
	}
	return nil
}

func (h *Handler) EndOfMessage(ctx *module.Context) error {
	h.record(module.StageEOM)
	if h.OnEOM != nil {
		return h.OnEOM(ctx)
	}
	return nil
}

func (h *Handler) Abort(ctx *module.Context) error {
	h.record(module.StageAbort)
	if h.OnAbort != nil {
		return h.OnAbort(ctx)
	}
	return nil
}

func (h *Handler) CloseConn(ctx *module.Context) error {
	h.record(module.StageClose)
	if h.OnClose != nil {
		return h.OnClose(ctx)
	}
	return nil
}
