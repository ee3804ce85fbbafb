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

package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

type matcher struct {
	name       string
	required   bool
	defaultVal func() (interface{}, error)
	mapper     func(*Map, Node) (interface{}, error)
	store      *reflect.Value

	customCallback func(*Map, Node) error
}

func (m *matcher) assign(val interface{}) {
	valRefl := reflect.ValueOf(val)
	// Convert untyped nil into typed nil. Otherwise Set will panic.
	if !valRefl.IsValid() {
		valRefl = reflect.Zero(m.store.Type())
	}

	m.store.Set(valRefl)
}

// Map implements reflection-based conversion between configuration
// directives and Go variables.
type Map struct {
	allowUnknown bool

	// All values saved by Map during processing.
	Values map[string]interface{}

	entries map[string]matcher

	// Config block used by Process.
	Block Node
}

func NewMap(block Node) *Map {
	return &Map{Block: block}
}

// AllowUnknown makes config.Map skip unknown configuration directives
// instead of failing.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

// Bool maps the directive 'name [yes|no]' to a bool variable.
// A directive without arguments is interpreted as 'yes'.
func (m *Map) Bool(name string, defaultVal bool, store *bool) {
	m.Custom(name, false, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Children) != 0 {
			return nil, NodeErr(node, "can't declare a block here")
		}
		if len(node.Args) == 0 {
			return true, nil
		}
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected exactly one argument")
		}
		switch node.Args[0] {
		case "1", "true", "on", "yes":
			return true, nil
		case "0", "false", "off", "no":
			return false, nil
		}
		return nil, NodeErr(node, "bool argument should be 'yes' or 'no'")
	}, store)
}

// String maps the directive 'name <string>' to a string variable.
func (m *Map) String(name string, required bool, defaultVal string, store *string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Children) != 0 {
			return nil, NodeErr(node, "can't declare a block here")
		}
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected exactly one argument")
		}
		return node.Args[0], nil
	}, store)
}

// StringList maps the directive 'name <string>...' to a []string variable.
func (m *Map) StringList(name string, required bool, defaultVal []string, store *[]string) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Children) != 0 {
			return nil, NodeErr(node, "can't declare a block here")
		}
		if len(node.Args) == 0 {
			return nil, NodeErr(node, "expected at least one argument")
		}
		return node.Args, nil
	}, store)
}

// Int maps the directive 'name <number>' to an int variable.
func (m *Map) Int(name string, required bool, defaultVal int, store *int) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Children) != 0 {
			return nil, NodeErr(node, "can't declare a block here")
		}
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected exactly one argument")
		}
		i, err := strconv.Atoi(node.Args[0])
		if err != nil {
			return nil, NodeErr(node, "invalid integer: %s", node.Args[0])
		}
		return i, nil
	}, store)
}

// Duration maps the directive 'name <duration>' (Go duration syntax) to a
// time.Duration variable.
func (m *Map) Duration(name string, required bool, defaultVal time.Duration, store *time.Duration) {
	m.Custom(name, required, func() (interface{}, error) {
		return defaultVal, nil
	}, func(_ *Map, node Node) (interface{}, error) {
		if len(node.Children) != 0 {
			return nil, NodeErr(node, "can't declare a block here")
		}
		if len(node.Args) != 1 {
			return nil, NodeErr(node, "expected exactly one argument")
		}
		d, err := time.ParseDuration(node.Args[0])
		if err != nil {
			return nil, NodeErr(node, "%v", err)
		}
		return d, nil
	}, store)
}

// Custom maps the directive with the specified name to a variable of an
// arbitrary type, using the mapper callback for conversion.
//
// If the directive is not present in the processed block and required is
// false, the value returned by defaultVal is stored. A required directive
// that is missing makes Process fail.
func (m *Map) Custom(name string, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), store interface{}) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("duplicate directive: " + name)
	}

	val := reflect.ValueOf(store).Elem()
	m.entries[name] = matcher{
		name:       name,
		required:   required,
		defaultVal: defaultVal,
		mapper:     mapper,
		store:      &val,
	}
}

// Callback maps the directive with the specified name to a function call.
// Unlike Custom, the directive may be repeated.
func (m *Map) Callback(name string, mapper func(*Map, Node) error) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[name]; ok {
		panic("duplicate directive: " + name)
	}

	m.entries[name] = matcher{
		name:           name,
		customCallback: mapper,
	}
}

// Process maps variables from the Block and returns the list of unmatched
// directives if AllowUnknown was called, erroring out otherwise.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Block)
}

// ProcessWith is Process but for an arbitrary node.
func (m *Map) ProcessWith(block Node) (unknown []Node, err error) {
	matched := make(map[string]struct{})
	m.Values = make(map[string]interface{})

	for _, subnode := range block.Children {
		matcher, ok := m.entries[subnode.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(subnode, "unexpected directive: %s", subnode.Name)
			}
			unknown = append(unknown, subnode)
			continue
		}

		if matcher.customCallback != nil {
			if err := matcher.customCallback(m, subnode); err != nil {
				return nil, err
			}
			matched[subnode.Name] = struct{}{}
			continue
		}

		if _, ok := matched[subnode.Name]; ok {
			return nil, NodeErr(subnode, "duplicate directive: %s", subnode.Name)
		}
		matched[subnode.Name] = struct{}{}

		val, err := matcher.mapper(m, subnode)
		if err != nil {
			return nil, err
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	for name, matcher := range m.entries {
		if _, ok := matched[name]; ok {
			continue
		}
		if matcher.customCallback != nil {
			continue
		}

		if matcher.required {
			return nil, NodeErr(block, "missing required directive: %s", name)
		}

		val, err := matcher.defaultVal()
		if err != nil {
			return nil, fmt.Errorf("%s: %v", name, err)
		}
		m.Values[matcher.name] = val
		if matcher.store != nil {
			matcher.assign(val)
		}
	}

	return unknown, nil
}
