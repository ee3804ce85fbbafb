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

package dns

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/miekg/dns"
)

// Code classifies a lookup failure. Handlers use it to decide between
// temperror and permerror outcomes.
type Code int

const (
	// CodeNXDomain - the name definitively does not exist.
	CodeNXDomain Code = iota
	// CodeServFail - the server answered but could not complete the
	// query; a retry may succeed.
	CodeServFail
	// CodeTimeout - no answer arrived within the per-query deadline.
	CodeTimeout
	// CodeMalformed - the answer could not be parsed or the query was
	// not a valid DNS name.
	CodeMalformed
)

func (c Code) String() string {
	switch c {
	case CodeNXDomain:
		return "nxdomain"
	case CodeServFail:
		return "servfail"
	case CodeTimeout:
		return "timeout"
	case CodeMalformed:
		return "malformed"
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// RCodeError is returned when the RCODE in a response is neither NOERROR
// nor NXDOMAIN.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	switch err.Code {
	case dns.RcodeFormatError:
		return "dns: rcode FORMERR when looking up " + err.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + err.Name
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + err.Name
	case dns.RcodeNotImplemented:
		return "dns: rcode NOTIMP when looking up " + err.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

// IsNotFound reports whether err indicates a definitive NXDOMAIN answer.
func IsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

// Classify maps an arbitrary lookup error to a Code.
func Classify(err error) Code {
	if IsNotFound(err) {
		return CodeNXDomain
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimeout
		}
		if dnsErr.IsTemporary {
			return CodeServFail
		}
		return CodeMalformed
	}
	var rcodeErr RCodeError
	if errors.As(err, &rcodeErr) {
		if rcodeErr.Code == dns.RcodeServerFailure {
			return CodeServFail
		}
		return CodeMalformed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	return CodeServFail
}
