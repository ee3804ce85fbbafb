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
	"container/list"
	"context"
	"net"
	"sync"
	"time"
)

// Defaults used by New when the corresponding Opts field is zero.
const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultCacheSize    = 1024
	DefaultCacheTTL     = 5 * time.Minute
)

type Opts struct {
	// QueryTimeout is the per-query deadline applied on top of whatever
	// deadline the caller context carries.
	QueryTimeout time.Duration

	// CacheSize is the maximum amount of (qname, qtype) entries kept.
	CacheSize int

	// CacheTTL is how long a cached answer stays valid. The cache does
	// not inspect record TTLs, the facade TTL is deliberately short.
	CacheTTL time.Duration
}

// cachingResolver wraps an upstream Resolver with a per-query timeout
// and an LRU cache keyed by (qname, qtype).
//
// The resolver is safe for concurrent use. Each worker owns its own
// instance, the cache is not shared across workers.
type cachingResolver struct {
	upstream Resolver
	opts     Opts

	mu    sync.Mutex
	lru   *list.List
	index map[cacheKey]*list.Element
}

type cacheKey struct {
	qname string
	qtype string
}

type cacheEntry struct {
	key     cacheKey
	value   interface{}
	err     error
	expires time.Time
}

// New returns the caching resolver used as the process-wide facade.
// Passing a nil upstream uses net.DefaultResolver.
func New(upstream Resolver, opts Opts) Resolver {
	if upstream == nil {
		upstream = net.DefaultResolver
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &cachingResolver{
		upstream: upstream,
		opts:     opts,
		lru:      list.New(),
		index:    make(map[cacheKey]*list.Element),
	}
}

func (r *cachingResolver) cached(key cacheKey) (interface{}, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.index[key]
	if !ok {
		return nil, nil, false
	}
	ent := elem.Value.(*cacheEntry)
	if time.Now().After(ent.expires) {
		r.lru.Remove(elem)
		delete(r.index, key)
		return nil, nil, false
	}
	r.lru.MoveToFront(elem)
	return ent.value, ent.err, true
}

func (r *cachingResolver) store(key cacheKey, value interface{}, err error) {
	// Timeouts are not negatively cached: the next query may well make
	// it in time.
	if err != nil && Classify(err) == CodeTimeout {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.index[key]; ok {
		r.lru.Remove(elem)
		delete(r.index, key)
	}
	ent := &cacheEntry{key: key, value: value, err: err, expires: time.Now().Add(r.opts.CacheTTL)}
	r.index[key] = r.lru.PushFront(ent)

	for r.lru.Len() > r.opts.CacheSize {
		oldest := r.lru.Back()
		r.lru.Remove(oldest)
		delete(r.index, oldest.Value.(*cacheEntry).key)
	}
}

func (r *cachingResolver) lookup(ctx context.Context, key cacheKey, fetch func(context.Context) (interface{}, error)) (interface{}, error) {
	if val, err, ok := r.cached(key); ok {
		return val, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()

	val, err := fetch(ctx)
	r.store(key, val, err)
	return val, err
}

func (r *cachingResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	val, err := r.lookup(ctx, cacheKey{addr, "PTR"}, func(ctx context.Context) (interface{}, error) {
		return r.upstream.LookupAddr(ctx, addr)
	})
	if val == nil {
		return nil, err
	}
	return val.([]string), err
}

func (r *cachingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	val, err := r.lookup(ctx, cacheKey{host, "host"}, func(ctx context.Context) (interface{}, error) {
		return r.upstream.LookupHost(ctx, host)
	})
	if val == nil {
		return nil, err
	}
	return val.([]string), err
}

func (r *cachingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	val, err := r.lookup(ctx, cacheKey{name, "MX"}, func(ctx context.Context) (interface{}, error) {
		return r.upstream.LookupMX(ctx, name)
	})
	if val == nil {
		return nil, err
	}
	return val.([]*net.MX), err
}

func (r *cachingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	val, err := r.lookup(ctx, cacheKey{name, "TXT"}, func(ctx context.Context) (interface{}, error) {
		return r.upstream.LookupTXT(ctx, name)
	})
	if val == nil {
		return nil, err
	}
	return val.([]string), err
}

func (r *cachingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	val, err := r.lookup(ctx, cacheKey{host, "A"}, func(ctx context.Context) (interface{}, error) {
		return r.upstream.LookupIPAddr(ctx, host)
	})
	if val == nil {
		return nil, err
	}
	return val.([]net.IPAddr), err
}
