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
	"net"
	"time"

	"github.com/miekg/dns"
)

// ExtResolver is a Resolver implementation that talks to the configured
// DNS servers directly using the miekg/dns client instead of the
// platform resolver.
//
// It is used when the 'dns_server' directive overrides the system
// resolver configuration, e.g. to pin lookups to a local validating
// resolver.
type ExtResolver struct {
	cl  *dns.Client
	cfg *dns.ClientConfig
}

// NewExtResolver reads the system resolver configuration
// (/etc/resolv.conf) and returns a resolver querying those servers
// directly. If server is non-empty ("IP" or "IP:PORT"), it replaces the
// configured server list.
func NewExtResolver(server string) (*ExtResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if server != "" {
		host, port, err := net.SplitHostPort(server)
		if err != nil {
			host = server
			port = "53"
		}
		cfg.Servers = []string{host}
		cfg.Port = port
	}

	cl := &dns.Client{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{cl: cl, cfg: cfg}, nil
}

func (e *ExtResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var (
		resp    *dns.Msg
		lastErr error
	)
	for _, srv := range e.cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.cfg.Port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			name := ""
			if len(msg.Question) != 0 {
				name = msg.Question[0].Name
			}
			return nil, &net.DNSError{
				Err:        "no such host",
				Name:       name,
				IsNotFound: true,
			}
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			continue
		}
		break
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return resp, nil
}

func (e *ExtResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	msg.SetEdns0(4096, false)
	return e.exchange(ctx, msg)
}

func (e *ExtResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	revAddr, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}

	resp, err := e.query(ctx, revAddr, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		ptrRR, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		names = append(names, ptrRR.Ptr)
	}
	return names, nil
}

func (e *ExtResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, err := e.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	strs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		strs = append(strs, addr.IP.String())
	}
	return strs, nil
}

func (e *ExtResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := e.query(ctx, FQDN(name), dns.TypeMX)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{Host: mxRR.Mx, Pref: mxRR.Preference})
	}
	return mxs, nil
}

func (e *ExtResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := e.query(ctx, FQDN(name), dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	records := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		txtRR, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		joined := ""
		for _, part := range txtRR.Txt {
			joined += part
		}
		records = append(records, joined)
	}
	return records, nil
}

func (e *ExtResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	name := FQDN(host)

	respA, err := e.query(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	// AAAA failure alone should not fail the whole lookup on
	// IPv4-only resolvers.
	respAAAA, err := e.query(ctx, name, dns.TypeAAAA)
	if err != nil {
		respAAAA = nil
	}

	var addrs []net.IPAddr
	for _, rr := range respA.Answer {
		aRR, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addrs = append(addrs, net.IPAddr{IP: aRR.A})
	}
	if respAAAA != nil {
		for _, rr := range respAAAA.Answer {
			aaaaRR, ok := rr.(*dns.AAAA)
			if !ok {
				continue
			}
			addrs = append(addrs, net.IPAddr{IP: aaaaRR.AAAA})
		}
	}
	return addrs, nil
}
