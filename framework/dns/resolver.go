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

// Package dns defines the resolver facade used by all authentication
// handlers for DNS lookups.
//
// The process-wide resolver applies a per-query timeout and caches
// results in an in-memory LRU keyed by (qname, qtype). Handlers must not
// use net.DefaultResolver directly, otherwise lookups bypass the cache
// and the deadline policy.
package dns

import (
	"context"
	"net"
	"strings"
)

// Resolver is the interface describing DNS-related methods used by
// authmilter.
//
// It is implemented by net.DefaultResolver and by the caching resolver
// returned by New. Methods behave the same way as net.Resolver's.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) (names []string, err error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// LookupAddr is a convenience wrapper for Resolver.LookupAddr.
//
// It returns the first name with the trailing dot stripped.
func LookupAddr(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimRight(names[0], "."), nil
}

// VerifyPTR performs the iprev check (RFC 8601, Section 3): it looks up
// the PTR name for ip and confirms that the name resolves back to ip.
//
// The returned name is empty if there is no PTR record or if no returned
// name forward-confirms.
func VerifyPTR(ctx context.Context, r Resolver, ip net.IP) (string, error) {
	names, err := r.LookupAddr(ctx, ip.String())
	if err != nil {
		return "", err
	}

	for _, name := range names {
		name = strings.TrimRight(name, ".")
		addrs, err := r.LookupIPAddr(ctx, FQDN(name))
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IP.Equal(ip) {
				return name, nil
			}
		}
	}
	return "", nil
}
