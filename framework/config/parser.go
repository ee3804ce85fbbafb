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

// Package config implements the authmilter configuration file format:
// a tree of directives, each directive being a name, optional arguments
// and an optional block of child directives enclosed in braces.
//
//	load_handlers ptr dkim spf dmarc
//	connection inet:8892@localhost
//	dkim {
//	    check_dkim 1
//	}
package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Node represents a single parsed configuration directive.
type Node struct {
	// Name is the first token of the directive line.
	Name string

	// Args are the remaining tokens of the directive line.
	Args []string

	// Children is non-nil if the directive was followed by a brace
	// block, it contains all directives of that block.
	Children []Node

	// File and Line point to the place the directive was read from,
	// for use in error messages.
	File string
	Line int
}

// NodeErr returns an error formatted with the node source location.
func NodeErr(node Node, format string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(format, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(format, args...))
}

// Read parses the configuration from r. The location string is used in
// error messages (usually it is the file path).
func Read(r io.Reader, location string) ([]Node, error) {
	p := parser{scanner: bufio.NewScanner(r), file: location}
	nodes, err := p.readBlock(false)
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

type parser struct {
	scanner *bufio.Scanner
	file    string
	line    int
}

func (p *parser) readBlock(inBlock bool) ([]Node, error) {
	var nodes []Node

	for p.scanner.Scan() {
		p.line++
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "}" {
			if !inBlock {
				return nil, fmt.Errorf("%s:%d: unexpected '}'", p.file, p.line)
			}
			return nodes, nil
		}

		openBlock := false
		if strings.HasSuffix(line, "{") {
			openBlock = true
			line = strings.TrimSpace(strings.TrimSuffix(line, "{"))
		}

		tokens, err := splitTokens(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %v", p.file, p.line, err)
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("%s:%d: missing directive name", p.file, p.line)
		}

		node := Node{
			Name: tokens[0],
			Args: tokens[1:],
			File: p.file,
			Line: p.line,
		}
		if openBlock {
			children, err := p.readBlock(true)
			if err != nil {
				return nil, err
			}
			if children == nil {
				children = []Node{}
			}
			node.Children = children
		}

		nodes = append(nodes, node)
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	if inBlock {
		return nil, fmt.Errorf("%s:%d: missing '}'", p.file, p.line)
	}

	return nodes, nil
}

func splitTokens(line string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, ch := range line {
		switch {
		case ch == '"':
			quoted = !quoted
			started = true
		case !quoted && (ch == ' ' || ch == '\t'):
			if started {
				tokens = append(tokens, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(ch)
			started = true
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quoted string")
	}
	if started {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
