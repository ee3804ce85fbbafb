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

// Package metrics implements the sideband listener exposing the
// Prometheus registry of the daemon.
//
// Scrapes are stateless and read-only, they never touch connection
// state of the protocol engines.
package metrics

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/log"
)

// Endpoint serves the metrics registry on its own listener.
type Endpoint struct {
	Registry *prometheus.Registry

	serv net.Listener
	http http.Server
	log  log.Logger
}

// CheckCollision refuses configurations where the metrics listener
// shares an address with a data listener. Such a misconfiguration
// would route MTA connections into the scrape handler.
func CheckCollision(metric config.Endpoint, data []config.Endpoint) error {
	for _, ep := range data {
		if metric.Equal(ep) {
			return fmt.Errorf("metrics: endpoint %s collides with data endpoint %s", metric, ep)
		}
	}
	return nil
}

// New binds the metrics endpoint and starts serving scrapes in the
// background.
func New(endp config.Endpoint, reg *prometheus.Registry, logger log.Logger) (*Endpoint, error) {
	l, err := net.Listen(endp.Network(), endp.Address())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	e := &Endpoint{
		Registry: reg,
		serv:     l,
		log:      logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	}))
	e.http = http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := e.http.Serve(l); err != nil && err != http.ErrServerClosed {
			e.log.Error("metrics endpoint failed", err)
		}
	}()

	e.log.Debugf("metrics listening on %s", endp)
	return e, nil
}

// Addr returns the bound listener address. Useful when the endpoint
// was configured with port 0.
func (e *Endpoint) Addr() net.Addr {
	return e.serv.Addr()
}

func (e *Endpoint) Close() error {
	return e.http.Close()
}
