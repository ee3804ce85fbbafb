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

// Package supervisor maintains the pool of connection workers.
//
// The pool mirrors a classic preforking server: a fixed floor of
// workers is kept alive, spares are grown and shrunk with load, and
// each worker retires after serving a fixed number of connections so
// that slow leaks in handler state cannot accumulate forever.
package supervisor

import (
	"errors"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

// HandleFunc serves one accepted connection to completion. The
// returned context carries the worker exit request, if any.
type HandleFunc func(conn net.Conn) (*module.Context, error)

// Config sizes the worker pool. Zero fields take the defaults.
type Config struct {
	MinWorkers      int // floor of live workers (default 20)
	MaxWorkers      int // hard cap (default 100)
	MinSpareWorkers int // grow when fewer workers are idle (default 10)
	MaxSpareWorkers int // shrink when more workers are idle (default 20)

	// MaxRequestsPerWorker is the number of messages a worker serves
	// before it retires and is replaced (default 200). The count is
	// taken from Context.MessagesServed at the end of each connection.
	MaxRequestsPerWorker int
}

func (c *Config) applyDefaults() {
	if c.MinWorkers == 0 {
		c.MinWorkers = 20
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = 100
	}
	if c.MinSpareWorkers == 0 {
		c.MinSpareWorkers = 10
	}
	if c.MaxSpareWorkers == 0 {
		c.MaxSpareWorkers = 20
	}
	if c.MaxRequestsPerWorker == 0 {
		c.MaxRequestsPerWorker = 200
	}
}

// Check rejects pool sizes that cannot work.
func (c Config) Check() error {
	if c.MinWorkers > c.MaxWorkers {
		return errors.New("supervisor: min workers above max workers")
	}
	if c.MinSpareWorkers > c.MaxSpareWorkers {
		return errors.New("supervisor: min spare workers above max spare workers")
	}
	if c.MinWorkers < 1 || c.MaxRequestsPerWorker < 1 {
		return errors.New("supervisor: worker counts must be positive")
	}
	return nil
}

// Pool runs the workers and feeds them accepted connections.
type Pool struct {
	cfg    Config
	handle HandleFunc
	log    log.Logger

	forkedTotal prometheus.Counter
	reapedTotal prometheus.Counter

	conns chan net.Conn

	mu      sync.Mutex
	total   int
	idle    int
	retire  int // workers asked to retire at next idle moment
	nextID  int
	stopped bool

	stop chan struct{}
	wg   sync.WaitGroup

	// ExitRequested is closed when a worker asked the daemon to shut
	// down (ExitOnClose). ExitError carries the cause, read it only
	// after ExitRequested is closed.
	ExitRequested chan struct{}
	ExitError     error
	exitOnce      sync.Once
}

// New returns a stopped pool. Call Serve to start it.
func New(cfg Config, handle HandleFunc, logger log.Logger) (*Pool, error) {
	cfg.applyDefaults()
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:    cfg,
		handle: handle,
		log:    logger,
		forkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmilter_forked_children_total",
			Help: "Workers started over the lifetime of the master.",
		}),
		reapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authmilter_reaped_children_total",
			Help: "Workers that exited and were reaped.",
		}),
		conns:         make(chan net.Conn),
		stop:          make(chan struct{}),
		ExitRequested: make(chan struct{}),
	}, nil
}

// RegisterMetrics registers the pool counters.
func (p *Pool) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{p.forkedTotal, p.reapedTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start spins up the initial worker floor.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.total < p.cfg.MinWorkers {
		p.spawnLocked()
	}
}

// Serve accepts connections from l and dispatches them to workers.
// It returns when the listener is closed or the pool is stopped.
// Run it in its own goroutine, once per listener.
func (p *Pool) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-p.stop:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		select {
		case p.conns <- conn:
		case <-p.stop:
			conn.Close()
			return nil
		}
	}
}

// Dispatch hands one already-accepted connection to the pool. It
// blocks until a worker takes it or the pool stops.
func (p *Pool) Dispatch(conn net.Conn) {
	select {
	case p.conns <- conn:
	case <-p.stop:
		conn.Close()
	}
}

// Stop shuts the pool down and waits for in-flight connections.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
}

// Counts reports the live and idle worker counts, for the status
// command and for tests.
func (p *Pool) Counts() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, p.idle
}

func (p *Pool) requestExit(err error) {
	p.exitOnce.Do(func() {
		p.ExitError = err
		close(p.ExitRequested)
	})
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	p.nextID++
	id := p.nextID
	p.total++
	p.idle++
	p.forkedTotal.Inc()

	p.wg.Add(1)
	go p.worker(id)
}

// reap accounts for a worker exit and refills the floor.
func (p *Pool) reap(id int) {
	p.reapedTotal.Inc()

	p.mu.Lock()
	p.total--
	p.idle--
	if !p.stopped && p.total < p.cfg.MinWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.wg.Done()
	p.log.DebugMsg("worker reaped", "worker", id)
}

// markBusy flips the worker to busy and grows the spare pool if the
// idle count dropped below the floor.
func (p *Pool) markBusy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle--
	for !p.stopped && p.idle < p.cfg.MinSpareWorkers && p.total < p.cfg.MaxWorkers {
		p.spawnLocked()
	}
}

// markIdle flips the worker back to idle. It reports whether the
// worker should retire because the spare pool overflowed.
func (p *Pool) markIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle++
	if p.idle > p.cfg.MaxSpareWorkers && p.total > p.cfg.MinWorkers {
		p.retire++
	}
	if p.retire > 0 {
		p.retire--
		return true
	}
	return false
}

func (p *Pool) worker(id int) {
	defer p.reap(id)

	served := 0
	for {
		select {
		case <-p.stop:
			return
		case conn := <-p.conns:
			p.markBusy()
			ctx, err := p.handle(conn)
			if err != nil {
				p.log.Error("connection failed", err, "worker", id)
			}
			// The budget is counted in messages, not connections; a
			// single milter or SMTP session can carry many messages.
			if ctx != nil {
				served += ctx.MessagesServed
			}

			if ctx != nil && ctx.ExitOnClose {
				p.markIdle()
				if ctx.ExitOnCloseError != nil {
					p.log.Error("worker exit requested", ctx.ExitOnCloseError, "worker", id)
				} else {
					p.log.Msg("worker exit requested", "worker", id)
				}
				p.requestExit(ctx.ExitOnCloseError)
				return
			}

			retire := p.markIdle()
			if served >= p.cfg.MaxRequestsPerWorker {
				p.log.DebugMsg("worker served its message budget", "worker", id, "served", served)
				return
			}
			if retire {
				return
			}
		}
	}
}
