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

// Package pipeline instantiates the configured handler modules and
// dispatches lifecycle callbacks to them in dependency order.
//
// The execution order for each stage is computed once at startup and
// cached; connections never pay the sorting cost.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/module"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/authmilter/authmilter/framework/log"
)

// Pipeline holds the initialized handler set of one worker together
// with the per-stage execution order.
type Pipeline struct {
	handlers map[string]module.Handler
	order    map[module.Stage][]module.Handler

	log log.Logger

	callbackDuration *prometheus.HistogramVec
	callbackErrors   *prometheus.CounterVec
}

// New instantiates the named handlers from the global registry,
// initializes each from its configuration block and computes the
// per-stage execution order.
//
// blocks maps handler names to their directive blocks; handlers without
// a block are initialized with an empty one. An unknown handler name or
// an ordering cycle is a startup error: the worker must not accept
// connections with a partially built pipeline.
func New(logger log.Logger, names []string, blocks map[string]config.Node) (*Pipeline, error) {
	instances := make([]module.Handler, 0, len(names))
	for _, name := range names {
		factory, err := module.Get(name)
		if err != nil {
			return nil, err
		}
		h, err := factory()
		if err != nil {
			return nil, fmt.Errorf("pipeline: %s: %w", name, err)
		}

		block, ok := blocks[name]
		if !ok {
			block = config.Node{Name: name}
		}
		if err := h.Init(config.NewMap(block)); err != nil {
			return nil, fmt.Errorf("pipeline: %s: %w", name, err)
		}

		instances = append(instances, h)
	}

	return NewFromHandlers(logger, instances)
}

// NewFromHandlers builds a Pipeline around already initialized handler
// instances. It is the backend of New and is used directly by tests.
func NewFromHandlers(logger log.Logger, instances []module.Handler) (*Pipeline, error) {
	p := &Pipeline{
		handlers: make(map[string]module.Handler, len(instances)),
		order:    make(map[module.Stage][]module.Handler, len(module.Stages)),
		log:      logger,
		callbackDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authmilter_handler_duration_seconds",
			Help:    "Duration of handler callbacks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "stage"}),
		callbackErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authmilter_handler_errors_total",
			Help: "Handler callbacks that returned an error or panicked.",
		}, []string{"handler", "kind"}),
	}

	for _, h := range instances {
		if _, ok := p.handlers[h.Name()]; ok {
			return nil, fmt.Errorf("pipeline: handler loaded twice: %s", h.Name())
		}
		p.handlers[h.Name()] = h
	}

	for _, stage := range module.Stages {
		order, err := p.buildOrder(stage)
		if err != nil {
			return nil, err
		}
		p.order[stage] = order
	}

	return p, nil
}

// buildOrder computes the execution order for one stage.
//
// Only handlers implementing the stage's callback participate. Ordering
// constraints come from the Orderer interface; constraints referencing
// handlers that are not loaded or do not participate in the stage are
// ignored. Ties are broken by handler name, so the order is stable
// across workers and restarts.
func (p *Pipeline) buildOrder(stage module.Stage) ([]module.Handler, error) {
	participants := make([]string, 0, len(p.handlers))
	for name, h := range p.handlers {
		if implementsStage(h, stage) {
			participants = append(participants, name)
		}
	}
	sort.Strings(participants)

	present := make(map[string]bool, len(participants))
	for _, name := range participants {
		present[name] = true
	}

	// successors[a] containing b means a must run before b.
	successors := make(map[string][]string, len(participants))
	indegree := make(map[string]int, len(participants))
	addEdge := func(from, to string) {
		if !present[from] || !present[to] || from == to {
			return
		}
		successors[from] = append(successors[from], to)
		indegree[to]++
	}

	for _, name := range participants {
		orderer, ok := p.handlers[name].(module.Orderer)
		if !ok {
			continue
		}
		before, after := orderer.Ordering(stage)
		for _, other := range before {
			addEdge(name, other)
		}
		for _, other := range after {
			addEdge(other, name)
		}
	}

	// Kahn's algorithm. The ready list is kept sorted so that among
	// unconstrained candidates the lexicographically smallest runs
	// first.
	ready := make([]string, 0, len(participants))
	for _, name := range participants {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]module.Handler, 0, len(participants))
	for len(ready) != 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, p.handlers[name])

		released := false
		for _, succ := range successors[name] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(participants) {
		remaining := make([]string, 0, len(participants)-len(order))
		for _, name := range participants {
			if indegree[name] != 0 {
				remaining = append(remaining, name)
			}
		}
		return nil, fmt.Errorf("pipeline: could not build order list for stage %s, dependency cycle involving: %v", stage, remaining)
	}

	return order, nil
}

func implementsStage(h module.Handler, stage module.Stage) bool {
	switch stage {
	case module.StageConnect:
		_, ok := h.(module.ConnectHandler)
		return ok
	case module.StageHelo:
		_, ok := h.(module.HeloHandler)
		return ok
	case module.StageMailFrom:
		_, ok := h.(module.SenderHandler)
		return ok
	case module.StageRcptTo:
		_, ok := h.(module.RcptHandler)
		return ok
	case module.StageHeader:
		_, ok := h.(module.HeaderHandler)
		return ok
	case module.StageEOH:
		_, ok := h.(module.EOHHandler)
		return ok
	case module.StageBody:
		_, ok := h.(module.BodyHandler)
		return ok
	case module.StageEOM:
		_, ok := h.(module.EOMHandler)
		return ok
	case module.StageAbort:
		_, ok := h.(module.AbortHandler)
		return ok
	case module.StageClose:
		_, ok := h.(module.CloseHandler)
		return ok
	}
	return false
}

// StageOrder returns the handler names in execution order for the given
// stage.
func (p *Pipeline) StageOrder(stage module.Stage) []string {
	names := make([]string, 0, len(p.order[stage]))
	for _, h := range p.order[stage] {
		names = append(names, h.Name())
	}
	return names
}

// Handler returns the loaded handler instance with the given name.
func (p *Pipeline) Handler(name string) (module.Handler, bool) {
	h, ok := p.handlers[name]
	return h, ok
}

// RegisterMetrics registers the pipeline's own collectors and those of
// all loaded handlers with the worker registry.
func (p *Pipeline) RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(p.callbackDuration); err != nil {
		return err
	}
	if err := reg.Register(p.callbackErrors); err != nil {
		return err
	}

	for _, name := range p.names() {
		decl, ok := p.handlers[name].(module.MetricsDeclarer)
		if !ok {
			continue
		}
		if err := decl.RegisterMetrics(reg); err != nil {
			return fmt.Errorf("pipeline: %s: %w", name, err)
		}
	}
	return nil
}

// Setup runs the post-init hook of all handlers that have one. It is
// called once per worker, after metrics registration and before the
// first connection.
func (p *Pipeline) Setup() error {
	for _, name := range p.names() {
		setup, ok := p.handlers[name].(module.SetupHandler)
		if !ok {
			continue
		}
		if err := setup.Setup(); err != nil {
			return fmt.Errorf("pipeline: %s: %w", name, err)
		}
	}
	return nil
}

// Destroy runs the shutdown hook of all handlers that have one. Errors
// are logged, not returned: shutdown proceeds regardless.
func (p *Pipeline) Destroy() {
	for _, name := range p.names() {
		destroy, ok := p.handlers[name].(module.DestroyHandler)
		if !ok {
			continue
		}
		if err := destroy.Destroy(); err != nil {
			p.log.Error("handler destroy failed", err, "handler", name)
		}
	}
}

func (p *Pipeline) names() []string {
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
