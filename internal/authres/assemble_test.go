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

package authres

import (
	"testing"

	msgauth "github.com/emersion/go-msgauth/authres"

	"github.com/authmilter/authmilter/framework/module"
)

func TestHeader_Empty(t *testing.T) {
	got := Header("mx.example.com", nil)
	if got != "mx.example.com; none" {
		t.Errorf("Header() = %q", got)
	}
}

func TestHeader_Full(t *testing.T) {
	results := []module.AuthResult{
		{Method: "x-ptr", Value: module.ResultPass, Props: []module.Prop{
			{Key: "x-ptr-helo", Value: "mx.example.org"},
			{Key: "x-ptr-lookup", Value: "mx.example.org"},
		}},
		{Method: "spf", Value: module.ResultPass, Props: []module.Prop{
			{Key: "smtp.mailfrom", Value: "user@example.org"},
		}},
		{Method: "dkim", Value: module.ResultPass, Comment: "1024-bit rsa key", Props: []module.Prop{
			{Key: "header.d", Value: "example.org"},
			{Key: "header.b", Value: "AbCdEfGh"},
		}},
	}

	want := "mx.example.com;\r\n\t" +
		"x-ptr=pass x-ptr-helo=mx.example.org x-ptr-lookup=mx.example.org;\r\n\t" +
		"spf=pass smtp.mailfrom=user@example.org;\r\n\t" +
		"dkim=pass (1024-bit rsa key) header.d=example.org header.b=AbCdEfGh"
	got := Header("mx.example.com", results)
	if got != want {
		t.Errorf("Header() =\n%q\nwant\n%q", got, want)
	}
}

func TestHeader_Deterministic(t *testing.T) {
	results := []module.AuthResult{
		{Method: "spf", Value: module.ResultSoftFail, Props: []module.Prop{
			{Key: "smtp.mailfrom", Value: "user@example.org"},
			{Key: "smtp.helo", Value: "mx.example.org"},
		}},
		{Method: "dkim", Value: module.ResultFail},
	}

	first := Header("mx.example.com", results)
	for i := 0; i < 100; i++ {
		if got := Header("mx.example.com", results); got != first {
			t.Fatalf("iteration %d differs:\n%q\n%q", i, got, first)
		}
	}
}

func TestHeader_Dedupe(t *testing.T) {
	dup := module.AuthResult{Method: "dkim", Value: module.ResultPass, Props: []module.Prop{
		{Key: "header.d", Value: "example.org"},
	}}
	distinct := module.AuthResult{Method: "dkim", Value: module.ResultPass, Props: []module.Prop{
		{Key: "header.d", Value: "example.net"},
	}}

	got := Header("mx.example.com", []module.AuthResult{dup, distinct, dup})
	want := "mx.example.com;\r\n\t" +
		"dkim=pass header.d=example.org;\r\n\t" +
		"dkim=pass header.d=example.net"
	if got != want {
		t.Errorf("Header() = %q, want %q", got, want)
	}
}

func TestHeader_ParsesBack(t *testing.T) {
	results := []module.AuthResult{
		{Method: "spf", Value: module.ResultPass, Props: []module.Prop{
			{Key: "smtp.mailfrom", Value: "user@example.org"},
		}},
		{Method: "dmarc", Value: module.ResultFail, Props: []module.Prop{
			{Key: "header.from", Value: "example.org"},
		}},
	}

	id, parsed, err := msgauth.Parse(Header("mx.example.com", results))
	if err != nil {
		t.Fatalf("emitted header does not parse: %v", err)
	}
	if id != "mx.example.com" {
		t.Errorf("authserv-id = %q", id)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d results, want 2", len(parsed))
	}
	spf, ok := parsed[0].(*msgauth.SPFResult)
	if !ok {
		t.Fatalf("first result is %T", parsed[0])
	}
	if spf.Value != msgauth.ResultPass || spf.From != "user@example.org" {
		t.Errorf("spf parsed as %+v", spf)
	}
	dmarc, ok := parsed[1].(*msgauth.DMARCResult)
	if !ok {
		t.Fatalf("second result is %T", parsed[1])
	}
	if dmarc.Value != msgauth.ResultFail || dmarc.From != "example.org" {
		t.Errorf("dmarc parsed as %+v", dmarc)
	}
}

func TestHeader_CommentSanitized(t *testing.T) {
	got := Header("mx.example.com", []module.AuthResult{
		{Method: "dkim", Value: module.ResultTempError, Comment: "lookup failed (timeout)\r\nX-Evil: yes"},
	})
	want := "mx.example.com;\r\n\tdkim=temperror (lookup failed timeoutX-Evil: yes)"
	if got != want {
		t.Errorf("Header() = %q", got)
	}
}

func TestAuxHeaders(t *testing.T) {
	fields := AuxHeaders([]module.AuthResult{
		{Method: "x-ptr", Value: module.ResultPass, Props: []module.Prop{
			{Key: "x-ptr-helo", Value: "mx.example.com"},
			{Key: "x-ptr-lookup", Value: "mx.example.com"},
		}},
	})
	if len(fields) != 1 {
		t.Fatalf("got %d fields", len(fields))
	}
	if fields[0].Key != "X-PTR" {
		t.Errorf("key = %q", fields[0].Key)
	}
	want := "x-ptr=pass x-ptr-helo=mx.example.com x-ptr-lookup=mx.example.com"
	if fields[0].Value != want {
		t.Errorf("value = %q, want %q", fields[0].Value, want)
	}
}
