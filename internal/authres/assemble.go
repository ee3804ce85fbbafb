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

// Package authres assembles the Authentication-Results header (RFC
// 8601) from the result fragments accumulated by handlers.
//
// The assembler is deterministic: given the same fragment list (same
// order, same content) it yields byte-identical output.
package authres

import (
	"strings"

	"github.com/authmilter/authmilter/framework/module"
)

// HeaderName is the name of the primary emitted header.
const HeaderName = "Authentication-Results"

// Header formats the Authentication-Results header value for the given
// authserv-id and fragments. Fragment order is preserved, so the
// method ordering in the emitted header mirrors handler execution
// order. Exact duplicate fragments are dropped.
//
// An empty fragment list yields "<authserv-id>; none".
func Header(authservID string, results []module.AuthResult) string {
	results = dedupe(results)

	b := strings.Builder{}
	b.WriteString(authservID)

	if len(results) == 0 {
		b.WriteString("; none")
		return b.String()
	}

	for _, res := range results {
		b.WriteString(";\r\n\t")
		writeFragment(&b, res)
	}
	return b.String()
}

// AuxHeaders renders informational fragments (added via
// Context.AddAuxResult) into stand-alone headers. The header name is
// the upper-cased method name, the value carries the method=result
// token followed by the properties, matching the layout of an
// Authentication-Results entry.
func AuxHeaders(aux []module.AuthResult) []module.HeaderField {
	fields := make([]module.HeaderField, 0, len(aux))
	for _, res := range dedupe(aux) {
		b := strings.Builder{}
		writeFragment(&b, res)
		fields = append(fields, module.HeaderField{
			Key:   strings.ToUpper(res.Method),
			Value: b.String(),
		})
	}
	return fields
}

func writeFragment(b *strings.Builder, res module.AuthResult) {
	b.WriteString(res.Method)
	b.WriteByte('=')
	b.WriteString(res.Value)
	if res.Comment != "" {
		b.WriteString(" (")
		b.WriteString(sanitizeComment(res.Comment))
		b.WriteByte(')')
	}
	for _, prop := range res.Props {
		b.WriteByte(' ')
		b.WriteString(prop.Key)
		b.WriteByte('=')
		b.WriteString(sanitizeValue(prop.Value))
	}
}

func dedupe(results []module.AuthResult) []module.AuthResult {
	if len(results) < 2 {
		return results
	}

	seen := make(map[string]struct{}, len(results))
	out := results[:0:0]
	for _, res := range results {
		key := fingerprint(res)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, res)
	}
	return out
}

func fingerprint(res module.AuthResult) string {
	b := strings.Builder{}
	b.WriteString(res.Method)
	b.WriteByte(0)
	b.WriteString(res.Value)
	b.WriteByte(0)
	b.WriteString(res.Comment)
	for _, prop := range res.Props {
		b.WriteByte(0)
		b.WriteString(prop.Key)
		b.WriteByte('=')
		b.WriteString(prop.Value)
	}
	return b.String()
}

// sanitizeComment strips characters that would terminate the comment
// or break header folding.
func sanitizeComment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '(', ')', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

// sanitizeValue normalizes whitespace inside property values.
func sanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
