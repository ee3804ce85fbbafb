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

package module

import (
	"fmt"
	"sort"
	"sync"
)

// FuncNewHandler creates a new, not yet initialized, instance of a
// handler module.
type FuncNewHandler func() (Handler, error)

var (
	handlersLock sync.RWMutex
	handlers     = map[string]FuncNewHandler{}
)

// Register adds a handler module constructor to the global registry.
//
// It is meant to be called from handler packages' init functions. An
// attempt to register a duplicate name panics: two handlers with the
// same name indicate a linking mistake that cannot be recovered from.
func Register(name string, factory FuncNewHandler) {
	handlersLock.Lock()
	defer handlersLock.Unlock()

	if _, ok := handlers[name]; ok {
		panic(fmt.Sprintf("module: duplicate handler name: %s", name))
	}
	handlers[name] = factory
}

// Get returns the constructor of the named handler module.
// An unknown name in load_handlers is fatal at worker startup.
func Get(name string) (FuncNewHandler, error) {
	handlersLock.RLock()
	defer handlersLock.RUnlock()

	factory, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("module: unknown handler: %s", name)
	}
	return factory, nil
}

// List returns the names of all registered handler modules, sorted.
func List() []string {
	handlersLock.RLock()
	defer handlersLock.RUnlock()

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
