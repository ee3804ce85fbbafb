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
	"testing"
	"time"
)

// countingResolver counts upstream queries per method.
type countingResolver struct {
	txt  map[string][]string
	errs map[string]error

	queries int
}

func (r *countingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	r.queries++
	return nil, r.errs[addr]
}

func (r *countingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.queries++
	return nil, r.errs[host]
}

func (r *countingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	r.queries++
	return nil, r.errs[name]
}

func (r *countingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	r.queries++
	if err := r.errs[name]; err != nil {
		return nil, err
	}
	return r.txt[name], nil
}

func (r *countingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	r.queries++
	return nil, r.errs[host]
}

func TestCache_Hit(t *testing.T) {
	upstream := &countingResolver{txt: map[string][]string{
		"example.org.": {"v=spf1 -all"},
	}}
	r := New(upstream, Opts{})

	for i := 0; i < 3; i++ {
		recs, err := r.LookupTXT(context.Background(), "example.org.")
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) != 1 || recs[0] != "v=spf1 -all" {
			t.Fatalf("records = %v", recs)
		}
	}

	if upstream.queries != 1 {
		t.Errorf("upstream queried %d times", upstream.queries)
	}
}

func TestCache_KeyedByType(t *testing.T) {
	upstream := &countingResolver{txt: map[string][]string{}}
	r := New(upstream, Opts{})

	r.LookupTXT(context.Background(), "example.org.")
	r.LookupMX(context.Background(), "example.org.")
	r.LookupTXT(context.Background(), "example.org.")
	r.LookupMX(context.Background(), "example.org.")

	// Same qname, distinct qtypes: two upstream queries, two hits.
	if upstream.queries != 2 {
		t.Errorf("upstream queried %d times", upstream.queries)
	}
}

func TestCache_Expiry(t *testing.T) {
	upstream := &countingResolver{txt: map[string][]string{}}
	r := New(upstream, Opts{CacheTTL: 10 * time.Millisecond})

	r.LookupTXT(context.Background(), "example.org.")
	time.Sleep(20 * time.Millisecond)
	r.LookupTXT(context.Background(), "example.org.")

	if upstream.queries != 2 {
		t.Errorf("upstream queried %d times", upstream.queries)
	}
}

func TestCache_Eviction(t *testing.T) {
	upstream := &countingResolver{txt: map[string][]string{}}
	r := New(upstream, Opts{CacheSize: 2})

	r.LookupTXT(context.Background(), "a.example.org.")
	r.LookupTXT(context.Background(), "b.example.org.")
	r.LookupTXT(context.Background(), "c.example.org.")
	// a was evicted as the oldest entry, b and c are still cached.
	r.LookupTXT(context.Background(), "b.example.org.")
	r.LookupTXT(context.Background(), "c.example.org.")
	r.LookupTXT(context.Background(), "a.example.org.")

	if upstream.queries != 4 {
		t.Errorf("upstream queried %d times", upstream.queries)
	}
}

func TestCache_NegativeCached(t *testing.T) {
	nx := &net.DNSError{Err: "no such host", Name: "missing.example.org.", IsNotFound: true}
	upstream := &countingResolver{errs: map[string]error{
		"missing.example.org.": nx,
	}}
	r := New(upstream, Opts{})

	for i := 0; i < 2; i++ {
		_, err := r.LookupTXT(context.Background(), "missing.example.org.")
		if err == nil {
			t.Fatal("lookup of missing name succeeded")
		}
	}

	if upstream.queries != 1 {
		t.Errorf("NXDOMAIN not cached, upstream queried %d times", upstream.queries)
	}
}

func TestCache_TimeoutNotCached(t *testing.T) {
	to := &net.DNSError{Err: "i/o timeout", Name: "slow.example.org.", IsTimeout: true}
	upstream := &countingResolver{errs: map[string]error{
		"slow.example.org.": to,
	}}
	r := New(upstream, Opts{})

	for i := 0; i < 2; i++ {
		if _, err := r.LookupTXT(context.Background(), "slow.example.org."); err == nil {
			t.Fatal("lookup of timing-out name succeeded")
		}
	}

	if upstream.queries != 2 {
		t.Errorf("timeout cached, upstream queried %d times", upstream.queries)
	}
}
