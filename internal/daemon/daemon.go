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

// Package daemon assembles the gateway from its parts: configuration,
// resolver, handler pipeline, protocol engine, worker pool and the
// metrics endpoint.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/dns"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
	"github.com/authmilter/authmilter/internal/engine/milter"
	"github.com/authmilter/authmilter/internal/engine/smtpfront"
	"github.com/authmilter/authmilter/internal/metrics"
	"github.com/authmilter/authmilter/internal/pipeline"
	"github.com/authmilter/authmilter/internal/proxy_protocol"
	"github.com/authmilter/authmilter/internal/supervisor"
)

// ErrReload is returned by Run after SIGHUP. The caller re-reads the
// configuration and runs a fresh daemon; existing connections finish
// on the old worker pool before Run returns.
var ErrReload = errors.New("daemon: reload requested")

// engine abstracts over the two protocol engines.
type engine interface {
	Handle(conn net.Conn) (*module.Context, error)
	RegisterMetrics(reg prometheus.Registerer) error
}

// Daemon is one fully assembled gateway instance.
type Daemon struct {
	cfg *Config
	log log.Logger

	registry  *prometheus.Registry
	pipeline  *pipeline.Pipeline
	engine    engine
	pool      *supervisor.Pool
	listeners []net.Listener
	metrics   *metrics.Endpoint
}

// New assembles a daemon from cfg. Fatal configuration mistakes
// (unknown handler, dependency cycle, endpoint collision) surface
// here, before any socket is bound.
func New(cfg *Config) (*Daemon, error) {
	logger := log.DefaultLogger
	logger.Debug = cfg.Debug

	out, err := logOutput(cfg.ErrorLog)
	if err != nil {
		return nil, err
	}
	logger.Out = out

	for _, warn := range cfg.Deprecations {
		logger.Printf("%s", warn)
	}

	d := &Daemon{
		cfg:      cfg,
		log:      logger,
		registry: prometheus.NewRegistry(),
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		return nil, err
	}

	pipelineLog := logger
	pipelineLog.Name = "pipeline"
	d.pipeline, err = pipeline.New(pipelineLog, cfg.LoadHandlers, cfg.HandlerBlocks)
	if err != nil {
		return nil, err
	}

	engineLog := logger
	engineLog.Name = cfg.Protocol
	switch cfg.Protocol {
	case "milter":
		d.engine = milter.New(cfg.Hostname, d.pipeline, resolver, engineLog)
	case "smtp":
		eng := smtpfront.New(cfg.Hostname, d.pipeline, resolver, engineLog)
		fwdLog := logger
		fwdLog.Name = "forward"
		eng.Submit = smtpfront.NewForwarder(cfg.ForwardEndpoint, cfg.Hostname, fwdLog).Submit
		d.engine = eng
	default:
		return nil, fmt.Errorf("daemon: unknown protocol: %s", cfg.Protocol)
	}

	poolLog := logger
	poolLog.Name = "supervisor"
	d.pool, err = supervisor.New(cfg.Workers, d.engine.Handle, poolLog)
	if err != nil {
		return nil, err
	}

	if cfg.HasMetrics {
		var data []config.Endpoint
		for _, l := range cfg.Listeners {
			data = append(data, l.Endpoint)
		}
		if err := metrics.CheckCollision(cfg.MetricEndpoint, data); err != nil {
			return nil, err
		}
	}

	d.registry.MustRegister(collectors.NewGoCollector())
	for _, reg := range []func(prometheus.Registerer) error{
		d.pipeline.RegisterMetrics,
		d.engine.RegisterMetrics,
		d.pool.RegisterMetrics,
	} {
		if err := reg(d.registry); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Run binds the listeners and serves until a shutdown signal, a
// worker exit request or a listener failure. It returns ErrReload
// after SIGHUP, nil on clean shutdown.
func (d *Daemon) Run() error {
	cfg := d.cfg

	if err := d.bindListeners(); err != nil {
		return err
	}
	defer d.closeListeners()

	if cfg.HasMetrics {
		metricsLog := d.log
		metricsLog.Name = "metrics"
		m, err := metrics.New(cfg.MetricEndpoint, d.registry, metricsLog)
		if err != nil {
			return err
		}
		d.metrics = m
		defer m.Close()
	}

	// Sockets are bound, nothing needs root from here on.
	if err := dropPrivileges(cfg, d.log); err != nil {
		return err
	}

	if err := d.pipeline.Setup(); err != nil {
		return err
	}
	defer d.pipeline.Destroy()

	d.pool.Start()
	defer d.pool.Stop()

	var group errgroup.Group
	for _, l := range d.listeners {
		l := l
		group.Go(func() error { return d.pool.Serve(l) })
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- group.Wait() }()

	for _, l := range d.listeners {
		d.log.Printf("listening on %s (%s)", l.Addr(), cfg.Protocol)
	}

	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		if s == syscall.SIGHUP {
			d.log.Printf("SIGHUP received, reloading")
			d.closeListeners()
			return ErrReload
		}
		d.log.Printf("signal received (%v), shutting down", s)
		d.closeListeners()
		return nil
	case <-d.pool.ExitRequested:
		d.dumpDiagnostics()
		d.closeListeners()
		if err := d.pool.ExitError; err != nil {
			return fmt.Errorf("daemon: worker requested shutdown: %w", err)
		}
		d.log.Printf("worker requested shutdown")
		return nil
	case err := <-serveDone:
		d.closeListeners()
		if err != nil {
			return fmt.Errorf("daemon: listener failed: %w", err)
		}
		return nil
	}
}

func (d *Daemon) bindListeners() error {
	for _, spec := range d.cfg.Listeners {
		l, err := bindListener(spec)
		if err != nil {
			d.closeListeners()
			return fmt.Errorf("daemon: %v", err)
		}
		if d.cfg.ProxyProtocol != nil {
			proxyLog := d.log
			proxyLog.Name = "proxy_protocol"
			l = proxy_protocol.NewListener(l, d.cfg.ProxyProtocol, proxyLog)
		}
		d.listeners = append(d.listeners, l)
	}
	return nil
}

func (d *Daemon) closeListeners() {
	for _, l := range d.listeners {
		_ = l.Close()
	}
	d.listeners = nil
}

// dumpDiagnostics logs a process snapshot before an exit_on_close
// shutdown, so the state that prompted the exit is preserved.
func (d *Daemon) dumpDiagnostics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	d.log.Msg("diagnostic dump",
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc", ms.HeapAlloc,
		"sys", ms.Sys,
		"num_gc", ms.NumGC)

	if profile := pprof.Lookup("goroutine"); profile != nil {
		_ = profile.WriteTo(d.log.DebugWriter(), 1)
	}
}

func buildResolver(cfg *Config) (dns.Resolver, error) {
	var upstream dns.Resolver
	if cfg.DNSServer != "" {
		ext, err := dns.NewExtResolver(cfg.DNSServer)
		if err != nil {
			return nil, fmt.Errorf("daemon: dns_server: %v", err)
		}
		upstream = ext
	}
	return dns.New(upstream, dns.Opts{}), nil
}

func logOutput(target string) (log.Output, error) {
	switch target {
	case "stderr":
		return log.WriterOutput(os.Stderr, false), nil
	case "syslog":
		out, err := log.SyslogOutput()
		if err != nil {
			return nil, fmt.Errorf("daemon: cannot connect to syslog: %v", err)
		}
		return out, nil
	case "off":
		return log.NopOutput{}, nil
	default:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("daemon: cannot open log file: %v", err)
		}
		return log.WriteCloserOutput(f, true), nil
	}
}
