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

package daemon

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/internal/proxy_protocol"
	"github.com/authmilter/authmilter/internal/supervisor"
)

// Listener is one parsed data listener spec.
type Listener struct {
	// Name is the key of the connections block the listener came
	// from, empty for the top-level connection directive.
	Name     string
	Endpoint config.Endpoint

	// Umask applies while binding a unix socket, -1 when not set.
	Umask int
}

// Config is the parsed daemon configuration.
type Config struct {
	Hostname string
	Debug    bool

	// Protocol selects the engine, "milter" or "smtp".
	Protocol string

	LoadHandlers  []string
	HandlerBlocks map[string]config.Node

	Listeners []Listener

	// ForwardEndpoint is the downstream MTA for SMTP mode.
	ForwardEndpoint config.Endpoint

	MetricEndpoint config.Endpoint
	HasMetrics     bool

	Workers       supervisor.Config
	ListenBacklog int

	ErrorLog string

	RunAs    string
	RunGroup string
	Chroot   string

	DNSServer string

	LocalNetworks   []string
	TrustedNetworks []string

	ProxyProtocol *proxy_protocol.ProxyProtocol

	// Deprecations collects warnings about legacy directives, the
	// daemon logs them once at startup.
	Deprecations []string
}

// ParseConfig reads and validates the daemon configuration. Directive
// blocks whose name matches a loaded handler are collected for that
// handler, any other unknown directive is an error.
func ParseConfig(r io.Reader, location string) (*Config, error) {
	nodes, err := config.Read(r, location)
	if err != nil {
		return nil, err
	}
	return configFromNodes(nodes, location)
}

func configFromNodes(nodes []config.Node, location string) (*Config, error) {
	cfg := &Config{
		HandlerBlocks: map[string]config.Node{},
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	var (
		connection   []string
		forwardConn  string
		metricConn   string
		metricPort   string
		metricHost   string
		deprecations []string
	)

	m := config.NewMap(config.Node{Name: "authmilter", File: location, Children: nodes})
	m.AllowUnknown()

	m.String("hostname", false, hostname, &cfg.Hostname)
	m.Bool("debug", false, &cfg.Debug)
	m.String("protocol", false, "milter", &cfg.Protocol)
	m.StringList("load_handlers", false, nil, &cfg.LoadHandlers)
	m.StringList("connection", false, nil, &connection)
	m.String("forward_connection", false, "", &forwardConn)
	m.String("metric_connection", false, "", &metricConn)
	m.String("metric_port", false, "", &metricPort)
	m.String("metric_host", false, "", &metricHost)
	m.Int("min_children", false, 20, &cfg.Workers.MinWorkers)
	m.Int("max_children", false, 100, &cfg.Workers.MaxWorkers)
	m.Int("min_spare_children", false, 10, &cfg.Workers.MinSpareWorkers)
	m.Int("max_spare_children", false, 20, &cfg.Workers.MaxSpareWorkers)
	m.Int("max_requests_per_child", false, 200, &cfg.Workers.MaxRequestsPerWorker)
	m.Int("listen_backlog", false, 20, &cfg.ListenBacklog)
	m.String("error_log", false, "stderr", &cfg.ErrorLog)
	m.String("runas", false, "", &cfg.RunAs)
	m.String("rungroup", false, "", &cfg.RunGroup)
	m.String("chroot", false, "", &cfg.Chroot)
	m.String("dns_server", false, "", &cfg.DNSServer)
	m.StringList("local_networks", false, nil, &cfg.LocalNetworks)
	m.StringList("trusted_networks", false, nil, &cfg.TrustedNetworks)
	m.Callback("connections", func(_ *config.Map, node config.Node) error {
		for _, group := range node.Children {
			l, err := parseListenerGroup(group)
			if err != nil {
				return err
			}
			cfg.Listeners = append(cfg.Listeners, l)
		}
		return nil
	})
	m.Callback("proxy_protocol", func(_ *config.Map, node config.Node) error {
		p, err := proxy_protocol.Directive(node)
		if err != nil {
			return err
		}
		cfg.ProxyProtocol = p
		return nil
	})

	unknown, err := m.Process()
	if err != nil {
		return nil, err
	}

	loaded := map[string]bool{}
	for _, name := range cfg.LoadHandlers {
		loaded[name] = true
	}
	for _, node := range unknown {
		if !loaded[node.Name] {
			return nil, config.NodeErr(node, "unknown directive: %s", node.Name)
		}
		if _, ok := cfg.HandlerBlocks[node.Name]; ok {
			return nil, config.NodeErr(node, "duplicate handler block: %s", node.Name)
		}
		cfg.HandlerBlocks[node.Name] = node
	}

	if cfg.Protocol != "milter" && cfg.Protocol != "smtp" {
		return nil, fmt.Errorf("%s: invalid protocol: %s", location, cfg.Protocol)
	}

	for _, str := range connection {
		endp, err := config.ParseEndpoint(str)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", location, err)
		}
		cfg.Listeners = append(cfg.Listeners, Listener{Endpoint: endp, Umask: -1})
	}
	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("%s: at least one connection directive is required", location)
	}

	// SMTP mode relays accepted messages downstream, so it cannot run
	// without a forwarding target.
	if cfg.Protocol == "smtp" {
		if forwardConn == "" {
			return nil, fmt.Errorf("%s: protocol smtp requires forward_connection", location)
		}
		endp, err := config.ParseEndpoint(forwardConn)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", location, err)
		}
		cfg.ForwardEndpoint = endp
	} else if forwardConn != "" {
		return nil, fmt.Errorf("%s: forward_connection is only valid with protocol smtp", location)
	}

	// metric_port/metric_host predate the endpoint grammar. They are
	// merged into a metric_connection equivalent.
	if metricPort != "" {
		if metricConn != "" {
			return nil, fmt.Errorf("%s: metric_connection and metric_port are mutually exclusive", location)
		}
		if metricHost == "" {
			metricHost = "127.0.0.1"
		}
		metricConn = "inet:" + metricPort + "@" + metricHost
		deprecations = append(deprecations, "metric_port/metric_host are deprecated, use metric_connection")
	} else if metricHost != "" {
		return nil, fmt.Errorf("%s: metric_host requires metric_port", location)
	}
	if metricConn != "" {
		endp, err := config.ParseEndpoint(metricConn)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", location, err)
		}
		cfg.MetricEndpoint = endp
		cfg.HasMetrics = true
	}

	if err := cfg.Workers.Check(); err != nil {
		return nil, fmt.Errorf("%s: %v", location, err)
	}

	cfg.injectNetworkLists()
	cfg.Deprecations = deprecations
	return cfg, nil
}

func parseListenerGroup(group config.Node) (Listener, error) {
	l := Listener{Name: group.Name, Umask: -1}

	var (
		endp  string
		umask string
	)
	m := config.NewMap(group)
	m.String("connection", true, "", &endp)
	m.String("umask", false, "", &umask)
	if _, err := m.Process(); err != nil {
		return l, err
	}

	parsed, err := config.ParseEndpoint(endp)
	if err != nil {
		return l, config.NodeErr(group, "%v", err)
	}
	l.Endpoint = parsed

	if umask != "" {
		val, err := strconv.ParseUint(umask, 8, 12)
		if err != nil {
			return l, config.NodeErr(group, "invalid umask: %s", umask)
		}
		l.Umask = int(val)
	}
	return l, nil
}

// injectNetworkLists feeds the global CIDR lists into the trusted_ip
// handler block, unless the block already sets its own.
func (cfg *Config) injectNetworkLists() {
	if len(cfg.LocalNetworks) == 0 && len(cfg.TrustedNetworks) == 0 {
		return
	}

	var loaded bool
	for _, name := range cfg.LoadHandlers {
		if name == "trusted_ip" {
			loaded = true
		}
	}
	if !loaded {
		return
	}

	block, ok := cfg.HandlerBlocks["trusted_ip"]
	if !ok {
		block = config.Node{Name: "trusted_ip"}
	}

	has := map[string]bool{}
	for _, child := range block.Children {
		has[child.Name] = true
	}
	if len(cfg.LocalNetworks) != 0 && !has["local_nets"] {
		block.Children = append(block.Children, config.Node{
			Name: "local_nets", Args: cfg.LocalNetworks,
		})
	}
	if len(cfg.TrustedNetworks) != 0 && !has["trusted_nets"] {
		block.Children = append(block.Children, config.Node{
			Name: "trusted_nets", Args: cfg.TrustedNetworks,
		})
	}
	cfg.HandlerBlocks["trusted_ip"] = block
}
