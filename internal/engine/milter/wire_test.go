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

package milter

import (
	"bytes"
	"net"
	"reflect"
	"testing"
)

func TestFrameRoundtrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := &Message{Code: CodeHelo, Data: appendCString(nil, "mx.example.org")}
	go func() {
		_ = WriteFrame(client, want, 0)
	}()

	got, err := ReadFrame(server, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != want.Code || !bytes.Equal(got.Data, want.Data) {
		t.Errorf("got %c %q, want %c %q", byte(got.Code), got.Data, byte(want.Code), want.Data)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteFrame(client, &Message{Code: CodeEOH}, 0)
	}()

	got, err := ReadFrame(server, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != CodeEOH || len(got.Data) != 0 {
		t.Errorf("got %c with %d bytes of data", byte(got.Code), len(got.Data))
	}
}

func TestFrameLengthZero(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{0, 0, 0, 0})
	}()

	if _, err := ReadFrame(server, 0); err == nil {
		t.Error("expected an error for a zero-length frame")
	}
}

func TestCStrings(t *testing.T) {
	data := appendCString(appendCString(nil, "From"), "user@example.org")
	if got := decodeCStrings(data); !reflect.DeepEqual(got, []string{"From", "user@example.org"}) {
		t.Errorf("decodeCStrings = %q", got)
	}
	if got := readCString(data); got != "From" {
		t.Errorf("readCString = %q", got)
	}
	// Trailing NUL is optional.
	if got := decodeCStrings([]byte("a\x00b")); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("decodeCStrings = %q", got)
	}
}
