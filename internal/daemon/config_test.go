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
	"reflect"
	"strings"
	"testing"
)

func parse(t *testing.T, text string) *Config {
	t.Helper()
	cfg, err := ParseConfig(strings.NewReader(text), "test")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestParseConfig_Full(t *testing.T) {
	cfg := parse(t, `
hostname mx.example.com
protocol milter
debug yes

load_handlers trusted_ip ptr spf dkim dmarc

connection inet:4000@127.0.0.1
connections {
    local {
        connection unix:/run/authmilter.sock
        umask 0117
    }
}
metric_connection inet:9101@127.0.0.1

min_children 5
max_children 10
max_requests_per_child 50

trusted_networks 192.0.2.0/24

spf {
    fail_action reject
}
`)

	if cfg.Hostname != "mx.example.com" {
		t.Errorf("hostname = %q", cfg.Hostname)
	}
	if !cfg.Debug {
		t.Error("debug not set")
	}
	if want := []string{"trusted_ip", "ptr", "spf", "dkim", "dmarc"}; !reflect.DeepEqual(cfg.LoadHandlers, want) {
		t.Errorf("load_handlers = %v", cfg.LoadHandlers)
	}

	if len(cfg.Listeners) != 2 {
		t.Fatalf("listeners = %+v", cfg.Listeners)
	}
	if cfg.Listeners[0].Endpoint.Address() != "127.0.0.1:4000" {
		t.Errorf("first listener = %+v", cfg.Listeners[0])
	}
	if cfg.Listeners[1].Endpoint.Path != "/run/authmilter.sock" {
		t.Errorf("second listener = %+v", cfg.Listeners[1])
	}
	if cfg.Listeners[1].Umask != 0o117 {
		t.Errorf("umask = %o", cfg.Listeners[1].Umask)
	}

	if !cfg.HasMetrics || cfg.MetricEndpoint.Address() != "127.0.0.1:9101" {
		t.Errorf("metric endpoint = %+v", cfg.MetricEndpoint)
	}

	if cfg.Workers.MinWorkers != 5 || cfg.Workers.MaxWorkers != 10 || cfg.Workers.MaxRequestsPerWorker != 50 {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	// Unset sizes keep their documented defaults.
	if cfg.Workers.MinSpareWorkers != 10 || cfg.Workers.MaxSpareWorkers != 20 {
		t.Errorf("spare workers = %+v", cfg.Workers)
	}

	if _, ok := cfg.HandlerBlocks["spf"]; !ok {
		t.Error("spf handler block not collected")
	}
}

func TestParseConfig_TrustedNetworksInjected(t *testing.T) {
	cfg := parse(t, `
load_handlers trusted_ip
connection inet:4000@127.0.0.1
local_networks 10.0.0.0/8
trusted_networks 192.0.2.0/24
`)

	block, ok := cfg.HandlerBlocks["trusted_ip"]
	if !ok {
		t.Fatal("no trusted_ip block synthesized")
	}
	found := map[string][]string{}
	for _, child := range block.Children {
		found[child.Name] = child.Args
	}
	if !reflect.DeepEqual(found["local_nets"], []string{"10.0.0.0/8"}) {
		t.Errorf("local_nets = %v", found["local_nets"])
	}
	if !reflect.DeepEqual(found["trusted_nets"], []string{"192.0.2.0/24"}) {
		t.Errorf("trusted_nets = %v", found["trusted_nets"])
	}
}

func TestParseConfig_LegacyMetricPort(t *testing.T) {
	cfg := parse(t, `
load_handlers spf
connection inet:4000@127.0.0.1
metric_port 9101
`)

	if !cfg.HasMetrics || cfg.MetricEndpoint.Address() != "127.0.0.1:9101" {
		t.Errorf("metric endpoint = %+v", cfg.MetricEndpoint)
	}
	if len(cfg.Deprecations) == 0 {
		t.Error("no deprecation warning recorded")
	}
}

func TestParseConfig_UnknownDirective(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`
load_handlers spf
connection inet:4000@127.0.0.1
frobnicate yes
`), "test")
	if err == nil || !strings.Contains(err.Error(), "unknown directive") {
		t.Errorf("err = %v", err)
	}
}

func TestParseConfig_BlockForUnloadedHandler(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`
load_handlers spf
connection inet:4000@127.0.0.1
dkim {
    check_dkim 1
}
`), "test")
	if err == nil || !strings.Contains(err.Error(), "unknown directive") {
		t.Errorf("err = %v", err)
	}
}

func TestParseConfig_NoConnection(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("load_handlers spf\n"), "test")
	if err == nil || !strings.Contains(err.Error(), "connection") {
		t.Errorf("err = %v", err)
	}
}

func TestParseConfig_InvalidProtocol(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`
protocol imap
connection inet:4000@127.0.0.1
`), "test")
	if err == nil || !strings.Contains(err.Error(), "invalid protocol") {
		t.Errorf("err = %v", err)
	}
}

func TestParseConfig_SMTPForward(t *testing.T) {
	cfg := parse(t, `
protocol smtp
load_handlers spf
connection inet:4000@127.0.0.1
forward_connection inet:10025@127.0.0.1
`)
	if cfg.ForwardEndpoint.Address() != "127.0.0.1:10025" {
		t.Errorf("forward endpoint = %+v", cfg.ForwardEndpoint)
	}

	_, err := ParseConfig(strings.NewReader(`
protocol smtp
connection inet:4000@127.0.0.1
`), "test")
	if err == nil || !strings.Contains(err.Error(), "forward_connection") {
		t.Errorf("missing forward_connection accepted: %v", err)
	}

	_, err = ParseConfig(strings.NewReader(`
protocol milter
connection inet:4000@127.0.0.1
forward_connection inet:10025@127.0.0.1
`), "test")
	if err == nil || !strings.Contains(err.Error(), "only valid with protocol smtp") {
		t.Errorf("forward_connection with milter accepted: %v", err)
	}
}

func TestParseConfig_MetricPortConflict(t *testing.T) {
	_, err := ParseConfig(strings.NewReader(`
connection inet:4000@127.0.0.1
metric_connection inet:9101@127.0.0.1
metric_port 9102
`), "test")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("err = %v", err)
	}
}
