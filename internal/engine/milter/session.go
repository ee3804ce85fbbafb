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
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/authmilter/authmilter/framework/module"
	"github.com/authmilter/authmilter/internal/authres"
)

// sessionState tracks the position in the per-connection command
// sequence. Commands arriving outside their allowed state are protocol
// violations and terminate the session.
type sessionState int

const (
	stateNegotiate sessionState = iota // expect SMFIC_OPTNEG
	stateReady                         // negotiated, expect SMFIC_CONNECT
	stateConnected                     // client known, expect HELO or MAIL
	stateMail                          // envelope sender known
	stateRcpt                          // at least one recipient known
	stateHeaders                       // inside the header block
	stateBody                          // headers done, expect body chunks
)

func (s sessionState) String() string {
	switch s {
	case stateNegotiate:
		return "negotiate"
	case stateReady:
		return "ready"
	case stateConnected:
		return "connected"
	case stateMail:
		return "mail"
	case stateRcpt:
		return "rcpt"
	case stateHeaders:
		return "headers"
	case stateBody:
		return "body"
	}
	return "unknown"
}

type session struct {
	engine *Engine
	conn   net.Conn
	state  sessionState

	ctx *module.Context

	// Action flags granted by the MTA during negotiation.
	mtaActions uint32
}

var errSessionDone = errors.New("milter: session closed by MTA")

func (s *session) serve() (*module.Context, error) {
	defer s.conn.Close()

	s.ctx = module.NewContext(s.engine.Hostname, s.engine.Resolver, s.engine.Log)

	for {
		msg, err := ReadFrame(s.conn, s.engine.ReadTimeout)
		if err != nil {
			s.closeBackend()
			if errors.Is(err, io.EOF) {
				return s.ctx, nil
			}
			return s.ctx, fmt.Errorf("milter: read: %w", err)
		}

		resp, err := s.process(msg)
		if err != nil {
			s.closeBackend()
			if errors.Is(err, errSessionDone) {
				return s.ctx, nil
			}
			s.engine.protocolErrors.Inc()
			return s.ctx, err
		}

		for _, r := range resp {
			if err := WriteFrame(s.conn, r, s.engine.WriteTimeout); err != nil {
				s.closeBackend()
				return s.ctx, fmt.Errorf("milter: write: %w", err)
			}
		}
	}
}

func (s *session) closeBackend() {
	if s.state > stateReady {
		s.engine.Backend.Close(s.ctx)
	}
	s.state = stateNegotiate
}

func (s *session) violation(msg *Message) error {
	return fmt.Errorf("milter: unexpected command %q in state %s", byte(msg.Code), s.state)
}

func (s *session) process(msg *Message) ([]*Message, error) {
	// Macros may precede any command once negotiation is done.
	if msg.Code == CodeMacro {
		if s.state == stateNegotiate {
			return nil, s.violation(msg)
		}
		s.ingestMacros(msg.Data)
		return nil, nil
	}

	switch msg.Code {
	case CodeOptNeg:
		if s.state != stateNegotiate {
			return nil, s.violation(msg)
		}
		resp, err := s.negotiate(msg.Data)
		if err != nil {
			return nil, err
		}
		s.state = stateReady
		return []*Message{resp}, nil

	case CodeConn:
		if s.state != stateReady {
			return nil, s.violation(msg)
		}
		if err := s.parseConnect(msg.Data); err != nil {
			return nil, err
		}
		s.state = stateConnected
		s.engine.Backend.Connect(s.ctx)
		return s.eventResponse(), nil

	case CodeHelo:
		if s.state != stateConnected {
			return nil, s.violation(msg)
		}
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: helo: empty payload")
		}
		s.engine.Backend.Helo(s.ctx, readCString(msg.Data))
		return s.eventResponse(), nil

	case CodeMail:
		if s.state != stateConnected {
			return nil, s.violation(msg)
		}
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: mail: empty payload")
		}
		s.state = stateMail
		s.engine.Backend.MailFrom(s.ctx, stripAngle(readCString(msg.Data)))
		return s.eventResponse(), nil

	case CodeRcpt:
		if s.state != stateMail && s.state != stateRcpt {
			return nil, s.violation(msg)
		}
		if len(msg.Data) == 0 {
			return nil, fmt.Errorf("milter: rcpt: empty payload")
		}
		s.state = stateRcpt
		s.engine.Backend.RcptTo(s.ctx, stripAngle(readCString(msg.Data)))
		return s.eventResponse(), nil

	case CodeData:
		if s.state != stateRcpt {
			return nil, s.violation(msg)
		}
		s.state = stateHeaders
		return s.eventResponse(), nil

	case CodeHeader:
		// Postfix may omit SMFIC_DATA depending on configuration.
		if s.state != stateRcpt && s.state != stateHeaders {
			return nil, s.violation(msg)
		}
		s.state = stateHeaders
		parts := decodeCStrings(msg.Data)
		if len(parts) != 2 {
			return nil, fmt.Errorf("milter: header: expected 2 strings, got %d", len(parts))
		}
		s.engine.Backend.Header(s.ctx, parts[0], parts[1])
		return s.eventResponse(), nil

	case CodeEOH:
		if s.state != stateRcpt && s.state != stateHeaders {
			return nil, s.violation(msg)
		}
		s.state = stateBody
		s.engine.Backend.EndOfHeaders(s.ctx)
		return s.eventResponse(), nil

	case CodeBody:
		if s.state != stateBody {
			return nil, s.violation(msg)
		}
		s.engine.Backend.Body(s.ctx, msg.Data)
		return s.eventResponse(), nil

	case CodeEOB:
		if s.state != stateBody {
			return nil, s.violation(msg)
		}
		resp := s.endOfMessage()
		s.state = stateConnected
		return resp, nil

	case CodeAbort:
		// Abort outside a message is a no-op, not a violation: the MTA
		// sends one when the client resets between messages.
		if s.state >= stateMail {
			s.engine.Backend.Abort(s.ctx)
			// The backend normally resets the message state itself;
			// this is a backstop for backends that do not.
			if discarded := s.ctx.ResetMessage(); discarded != 0 {
				s.ctx.Log.Debugf("dropped %d fragments of aborted message", discarded)
			}
		}
		if s.state > stateConnected {
			s.state = stateConnected
		}
		return nil, nil

	case CodeUnknown:
		if s.state < stateConnected {
			return nil, s.violation(msg)
		}
		// Unknown SMTP command forwarded by the MTA, nothing to check.
		return []*Message{{Code: Code(ActContinue)}}, nil

	case CodeQuitNewConn:
		s.closeBackend()
		s.ctx = module.NewContext(s.engine.Hostname, s.engine.Resolver, s.engine.Log)
		s.state = stateReady
		return nil, nil

	case CodeQuit:
		return nil, errSessionDone

	default:
		return nil, s.violation(msg)
	}
}

// negotiate answers SMFIC_OPTNEG. The engine accepts every event the
// MTA can send (protocol mask 0) and requests the header and
// quarantine actions it needs, limited to what the MTA offers.
func (s *session) negotiate(data []byte) (*Message, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("milter: optneg: short payload: %d", len(data))
	}
	mtaVersion := binary.BigEndian.Uint32(data[:4])
	mtaActions := binary.BigEndian.Uint32(data[4:8])

	version := uint32(ProtocolVersion)
	if mtaVersion < version {
		version = mtaVersion
	}
	if version < MinProtocolVersion {
		return nil, fmt.Errorf("milter: optneg: unsupported protocol version: %d", mtaVersion)
	}

	s.mtaActions = mtaActions & OptMask

	resp := make([]byte, 0, 12)
	resp = appendUint32(resp, version)
	resp = appendUint32(resp, s.mtaActions)
	resp = appendUint32(resp, 0)
	return &Message{Code: CodeOptNeg, Data: resp}, nil
}

// parseConnect decodes SMFIC_CONNECT: hostname, family byte, port and
// address.
func (s *session) parseConnect(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("milter: conn: empty payload")
	}
	hostname := readCString(data)
	data = data[len(hostname)+1:]
	if len(data) == 0 {
		return fmt.Errorf("milter: conn: missing protocol family")
	}
	family := data[0]
	data = data[1:]

	switch family {
	case 'U': // unknown
		return nil
	case 'L': // unix socket client, treated as local
		s.ctx.IsLocalIP = true
		return nil
	case '4', '6':
		if len(data) < 2 {
			return fmt.Errorf("milter: conn: truncated address")
		}
		data = data[2:] // port, unused
		addr := readCString(data)
		addr = strings.TrimPrefix(addr, "IPv6:")
		addr = strings.TrimPrefix(addr, "[")
		addr = strings.TrimSuffix(addr, "]")
		ip := net.ParseIP(addr)
		if ip == nil {
			return fmt.Errorf("milter: conn: cannot parse address: %q", addr)
		}
		s.ctx.ClientIP = ip
		// Sendmail passes "[1.2.3.4]" as the hostname when there is no
		// PTR record.
		if !strings.HasPrefix(hostname, "[") {
			s.ctx.ClientName = hostname
		}
		return nil
	default:
		return fmt.Errorf("milter: conn: unexpected protocol family: %c", family)
	}
}

// ingestMacros stores a SMFIC_MACRO payload into the context and
// applies the macros the engine itself understands.
func (s *session) ingestMacros(data []byte) {
	if len(data) == 0 {
		return
	}
	pairs := decodeCStrings(data[1:])
	if len(pairs)%2 == 1 {
		pairs = append(pairs, "")
	}
	for i := 0; i+1 < len(pairs); i += 2 {
		name, value := pairs[i], pairs[i+1]
		s.ctx.Macros[name] = value

		switch name {
		case "i":
			s.ctx.SetQueueID(value)
		case "{auth_authen}":
			if value != "" {
				s.ctx.IsAuthenticated = true
				s.ctx.AuthIdentity = value
			}
		}
	}
}

// eventResponse maps the context disposition to the per-event reply.
// Accept is not actioned mid-stream: processing continues so the
// remaining handlers still run and the final header is complete.
func (s *session) eventResponse() []*Message {
	switch s.ctx.Disposition() {
	case module.DispReject:
		return []*Message{s.replyCode("550 5.7.1", s.ctx.RejectReason(), ActReject)}
	case module.DispTempFail:
		return []*Message{s.replyCode("451 4.7.1", s.ctx.RejectReason(), ActTempFail)}
	case module.DispDiscard:
		return []*Message{{Code: Code(ActDiscard)}}
	default:
		return []*Message{{Code: Code(ActContinue)}}
	}
}

// replyCode builds SMFIR_REPLYCODE when a reason is set, falling back
// to the bare action otherwise.
func (s *session) replyCode(prefix, reason string, fallback ActionCode) *Message {
	if reason == "" {
		return &Message{Code: Code(fallback)}
	}
	return &Message{
		Code: Code(ActReplyCode),
		Data: appendCString(nil, prefix+" "+reason),
	}
}

// endOfMessage runs the EOM stage and assembles the response sequence:
// header modifications first, then quarantine if requested, then the
// final action.
func (s *session) endOfMessage() []*Message {
	s.engine.Backend.EndOfMessage(s.ctx)

	var resp []*Message

	disp := s.ctx.Disposition()
	s.engine.messagesTotal.WithLabelValues(disp.String()).Inc()
	s.ctx.MessagesServed++

	// Header changes are pointless for messages that will not be
	// delivered.
	if disp != module.DispReject && disp != module.DispDiscard {
		headers := []module.HeaderField{{
			Key:   authres.HeaderName,
			Value: authres.Header(s.ctx.Hostname, s.ctx.AuthResults()),
		}}
		headers = append(headers, authres.AuxHeaders(s.ctx.AuxResults())...)
		headers = append(headers, s.ctx.AuxHeaders()...)

		for i, hdr := range headers {
			resp = append(resp, s.insertHeader(i, hdr))
		}
	}

	var final *Message
	switch disp {
	case module.DispReject:
		final = s.replyCode("550 5.7.1", s.ctx.RejectReason(), ActReject)
	case module.DispTempFail:
		final = s.replyCode("451 4.7.1", s.ctx.RejectReason(), ActTempFail)
	case module.DispDiscard:
		final = &Message{Code: Code(ActDiscard)}
	case module.DispQuarantine:
		if s.mtaActions&OptQuarantine != 0 {
			resp = append(resp, &Message{
				Code: Code(ActQuarantine),
				Data: appendCString(nil, s.ctx.RejectReason()),
			})
		} else {
			s.ctx.Log.Msg("quarantine requested but not negotiated, accepting")
		}
		final = &Message{Code: Code(ActContinue)}
	case module.DispAccept:
		final = &Message{Code: Code(ActAccept)}
	default:
		final = &Message{Code: Code(ActContinue)}
	}
	resp = append(resp, final)

	if discarded := s.ctx.ResetMessage(); discarded != 0 {
		// ResetMessage returns the fragments it dropped; at EOM they
		// were all consumed above, so this is only reachable for the
		// reject/discard path.
		s.ctx.Log.Debugf("dropped %d fragments of undelivered message", discarded)
	}
	return resp
}

// insertHeader builds SMFIR_INSHEADER placing the header at the given
// index, or SMFIR_ADDHEADER when the MTA did not grant header
// insertion.
func (s *session) insertHeader(index int, hdr module.HeaderField) *Message {
	if s.mtaActions&OptAddHeader == 0 && s.mtaActions&OptChangeHeader == 0 {
		s.ctx.Log.Msg("header actions not negotiated, dropping header", "key", hdr.Key)
		return &Message{Code: Code(ActProgress)}
	}

	if s.mtaActions&OptChangeHeader == 0 {
		data := appendCString(nil, hdr.Key)
		data = appendCString(data, hdr.Value)
		return &Message{Code: Code(ActAddHeader), Data: data}
	}

	data := appendUint32(nil, uint32(index))
	data = appendCString(data, hdr.Key)
	data = appendCString(data, hdr.Value)
	return &Message{Code: Code(ActInsertHeader), Data: data}
}

// stripAngle removes the RFC 5321 angle brackets around an envelope
// address.
func stripAngle(addr string) string {
	if len(addr) >= 2 && addr[0] == '<' && addr[len(addr)-1] == '>' {
		return addr[1 : len(addr)-1]
	}
	return addr
}
