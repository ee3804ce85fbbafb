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

// Package proxy_protocol wraps data listeners with HAProxy PROXY
// protocol support, so the gateway sees the real client address when
// it sits behind a load balancer.
package proxy_protocol

import (
	"net"
	"strings"

	proxyprotocol "github.com/c0va23/go-proxyprotocol"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/log"
)

// ProxyProtocol is the parsed proxy_protocol directive.
type ProxyProtocol struct {
	trust []net.IPNet
}

// Directive parses the proxy_protocol config directive:
//
//	proxy_protocol [networks...]
//	proxy_protocol {
//	    trust networks...
//	}
//
// An empty trust list accepts the PROXY header from any source.
func Directive(node config.Node) (*ProxyProtocol, error) {
	p := ProxyProtocol{}

	var trustList []string
	if len(node.Children) != 0 {
		childM := config.NewMap(node)
		childM.StringList("trust", false, nil, &trustList)
		if _, err := childM.Process(); err != nil {
			return nil, err
		}
	}
	trustList = append(trustList, node.Args...)

	for _, trust := range trustList {
		if !strings.Contains(trust, "/") {
			if strings.Contains(trust, ":") {
				trust += "/128"
			} else {
				trust += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return nil, config.NodeErr(node, "invalid trusted network: %v", err)
		}
		p.trust = append(p.trust, *ipNet)
	}

	return &p, nil
}

// NewListener wraps inner so that accepted connections have their
// remote address replaced with the one carried in the PROXY header,
// when the header comes from a trusted source.
func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	sourceChecker := func(upstream net.Addr) (bool, error) {
		switch addr := upstream.(type) {
		case *net.TCPAddr:
			if len(p.trust) == 0 {
				return true, nil
			}
			for _, trusted := range p.trust {
				if trusted.Contains(addr.IP) {
					return true, nil
				}
			}
		case *net.UnixAddr:
			// Local socket peers are always trusted.
			return true, nil
		}

		logger.Printf("proxy_protocol: connection from untrusted source %s", upstream)
		return false, nil
	}

	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
