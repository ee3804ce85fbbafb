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

// Package milter implements the MTA side listener for the sendmail
// milter protocol (the protocol spoken by libmilter, as implemented by
// sendmail and postfix).
//
// Frames are a 4-byte big-endian length followed by a one-byte command
// code and command-specific payload. Strings inside payloads are
// NUL-terminated.
package milter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Code identifies a command sent by the MTA.
type Code byte

const (
	CodeOptNeg      Code = 'O' // SMFIC_OPTNEG
	CodeMacro       Code = 'D' // SMFIC_MACRO
	CodeConn        Code = 'C' // SMFIC_CONNECT
	CodeQuit        Code = 'Q' // SMFIC_QUIT
	CodeHelo        Code = 'H' // SMFIC_HELO
	CodeMail        Code = 'M' // SMFIC_MAIL
	CodeRcpt        Code = 'R' // SMFIC_RCPT
	CodeHeader      Code = 'L' // SMFIC_HEADER
	CodeEOH         Code = 'N' // SMFIC_EOH
	CodeBody        Code = 'B' // SMFIC_BODY
	CodeEOB         Code = 'E' // SMFIC_BODYEOB
	CodeAbort       Code = 'A' // SMFIC_ABORT
	CodeData        Code = 'T' // SMFIC_DATA
	CodeQuitNewConn Code = 'K' // SMFIC_QUIT_NC
	CodeUnknown     Code = 'U' // SMFIC_UNKNOWN
)

// ActionCode identifies a response sent back to the MTA.
type ActionCode byte

const (
	ActAccept    ActionCode = 'a' // SMFIR_ACCEPT
	ActContinue  ActionCode = 'c' // SMFIR_CONTINUE
	ActDiscard   ActionCode = 'd' // SMFIR_DISCARD
	ActReject    ActionCode = 'r' // SMFIR_REJECT
	ActTempFail  ActionCode = 't' // SMFIR_TEMPFAIL
	ActReplyCode ActionCode = 'y' // SMFIR_REPLYCODE
	ActProgress  ActionCode = 'p' // SMFIR_PROGRESS

	ActAddHeader    ActionCode = 'h' // SMFIR_ADDHEADER
	ActInsertHeader ActionCode = 'i' // SMFIR_INSHEADER
	ActChangeHeader ActionCode = 'm' // SMFIR_CHGHEADER
	ActQuarantine   ActionCode = 'q' // SMFIR_QUARANTINE
)

// Action flags requested during negotiation (SMFIF_*).
const (
	OptAddHeader    uint32 = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody   uint32 = 1 << 1 // SMFIF_CHGBODY
	OptChangeHeader uint32 = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine   uint32 = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom   uint32 = 1 << 8 // SMFIF_CHGFROM

	// OptMask is the full action set advertised during negotiation.
	OptMask = OptAddHeader | OptChangeBody | OptChangeHeader | OptQuarantine | OptChangeFrom
)

// Protocol version spoken by this implementation. Versions down to 2
// are accepted from the MTA.
const (
	ProtocolVersion    = 6
	MinProtocolVersion = 2
)

// Internal protocol mask bits used for buffer size negotiation, masked
// out of the MTA's protocol offer.
const optInternal uint32 = 1<<28 | 1<<29 | 1<<30

// Message is one protocol frame, in either direction.
type Message struct {
	Code Code
	Data []byte
}

// Frames larger than this indicate a desynchronized or malicious peer.
const maxFrameSize = 1024*1024 + 1

// ReadFrame reads one frame. A zero timeout disables the read deadline.
func ReadFrame(conn net.Conn, timeout time.Duration) (*Message, error) {
	if timeout != 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > maxFrameSize {
		return nil, fmt.Errorf("milter: invalid frame length: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}

	return &Message{Code: Code(data[0]), Data: data[1:]}, nil
}

// WriteFrame writes one frame. A zero timeout disables the write
// deadline.
func WriteFrame(conn net.Conn, msg *Message, timeout time.Duration) error {
	if timeout != 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	length := len(msg.Data) + 1
	if length > maxFrameSize {
		return fmt.Errorf("milter: frame too large: %d", length)
	}

	buf := make([]byte, 0, 5+len(msg.Data))
	buf = append(buf, byte(length>>24), byte(length>>16), byte(length>>8), byte(length), byte(msg.Code))
	buf = append(buf, msg.Data...)
	_, err := conn.Write(buf)
	return err
}

// readCString returns the string up to the first NUL, or all of data if
// there is none.
func readCString(data []byte) string {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data)
	}
	return string(data[:pos])
}

// decodeCStrings splits NUL-separated strings. The trailing NUL is
// optional.
func decodeCStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return strings.Split(string(data), "\x00")
}

// appendCString appends s followed by a NUL terminator.
func appendCString(dest []byte, s string) []byte {
	dest = append(dest, s...)
	return append(dest, 0)
}

func appendUint16(dest []byte, val uint16) []byte {
	return append(dest, byte(val>>8), byte(val))
}

func appendUint32(dest []byte, val uint32) []byte {
	return append(dest, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
}
