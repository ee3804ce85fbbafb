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

// Package dkim implements the DKIM verification handler on top of
// github.com/emersion/go-msgauth/dkim.
//
// The message is reassembled in CRLF-canonical form across the header,
// eoh and body stages and verified at end-of-message. One fragment is
// emitted per signature, carrying header.d, header.i and header.b (the
// first 8 characters of the signature value).
//
// X-Google-DKIM-Signature headers are opportunistically ingested as
// synthesized DKIM-Signature headers so signatures rewritten by Google
// infrastructure still get a verdict.
package dkim

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/authmilter/authmilter/framework/config"
	"github.com/authmilter/authmilter/framework/log"
	"github.com/authmilter/authmilter/framework/module"
)

const modName = "dkim"

// Values for the check_dkim directive.
const (
	// Emit dkim=none when the message carries no signatures.
	modeReportNone = 1
	// Stay silent when the message carries no signatures.
	modeSilentNone = 2
)

type Handler struct {
	mode int

	log log.Logger
}

func New() (module.Handler, error) {
	return &Handler{log: log.Logger{Name: modName}}, nil
}

func (h *Handler) Name() string {
	return modName
}

func (h *Handler) Init(cfg *config.Map) error {
	cfg.Bool("debug", false, &h.log.Debug)
	cfg.Int("check_dkim", false, modeReportNone, &h.mode)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if h.mode != modeReportNone && h.mode != modeSilentNone {
		return fmt.Errorf("%s: check_dkim must be %d or %d", modName, modeReportNone, modeSilentNone)
	}
	return nil
}

// sigInfo holds the tags of one signature header in wire order, needed
// for the header.b property and the key lookup.
type sigInfo struct {
	domain     string
	selector   string
	identifier string
	b          string
}

// msgState reassembles the canonical message for the streaming
// verifier.
type msgState struct {
	buf  bytes.Buffer
	sigs []sigInfo
}

func (h *Handler) state(ctx *module.Context) *msgState {
	if st, ok := ctx.HandlerState(modName); ok {
		return st.(*msgState)
	}
	st := &msgState{}
	ctx.SetHandlerState(modName, st)
	return st
}

func (h *Handler) Header(ctx *module.Context, name, value string) error {
	st := h.state(ctx)

	st.buf.WriteString(name)
	st.buf.WriteString(": ")
	st.buf.WriteString(value)
	st.buf.WriteString("\r\n")

	switch {
	case strings.EqualFold(name, "DKIM-Signature"):
		st.sigs = append(st.sigs, parseSigTags(value))
	case strings.EqualFold(name, "X-Google-DKIM-Signature"):
		st.buf.WriteString("DKIM-Signature: ")
		st.buf.WriteString(value)
		st.buf.WriteString("\r\n")
		st.sigs = append(st.sigs, parseSigTags(value))
	}
	return nil
}

func (h *Handler) EndOfHeaders(ctx *module.Context) error {
	h.state(ctx).buf.WriteString("\r\n")
	return nil
}

func (h *Handler) Body(ctx *module.Context, chunk []byte) error {
	h.state(ctx).buf.Write(chunk)
	return nil
}

func (h *Handler) EndOfMessage(ctx *module.Context) error {
	st := h.state(ctx)

	if len(st.sigs) == 0 {
		if h.mode == modeReportNone {
			ctx.AddAuthResult(module.AuthResult{
				Method:  modName,
				Value:   module.ResultNone,
				Comment: "no signatures found",
			})
		}
		return nil
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(st.buf.Bytes()), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return ctx.Resolver.LookupTXT(context.Background(), domain)
		},
	})
	if err != nil {
		return err
	}

	for i, verif := range verifications {
		var sig sigInfo
		if i < len(st.sigs) {
			sig = st.sigs[i]
		}
		ctx.AddAuthResult(h.fragment(ctx, verif, sig))
	}
	return nil
}

func (h *Handler) fragment(ctx *module.Context, verif *dkim.Verification, sig sigInfo) module.AuthResult {
	frag := module.AuthResult{Method: modName, Value: module.ResultPass}

	if verif.Err != nil {
		frag.Value = module.ResultFail
		frag.Comment = strings.TrimPrefix(verif.Err.Error(), "dkim: ")
		if dkim.IsPermFail(verif.Err) {
			frag.Value = module.ResultPermError
		}
		if dkim.IsTempFail(verif.Err) {
			frag.Value = module.ResultTempError
		}
	} else {
		frag.Comment = h.keyComment(ctx, sig)
	}

	domain := verif.Domain
	if domain == "" {
		domain = sig.domain
	}
	identifier := verif.Identifier
	if identifier == "" {
		identifier = sig.identifier
	}
	if identifier == "" && domain != "" {
		identifier = "@" + domain
	}

	frag.Props = []module.Prop{
		{Key: "header.d", Value: domain},
		{Key: "header.i", Value: identifier},
		{Key: "header.b", Value: firstChars(sig.b, 8)},
	}
	return frag
}

// keyComment describes the verified public key, e.g. "2048-bit rsa
// key". The record is served from the resolver cache since the
// verifier fetched it a moment ago. An empty comment is returned when
// the key cannot be described.
func (h *Handler) keyComment(ctx *module.Context, sig sigInfo) string {
	if sig.selector == "" || sig.domain == "" {
		return ""
	}

	txts, err := ctx.Resolver.LookupTXT(context.Background(), sig.selector+"._domainkey."+sig.domain)
	if err != nil || len(txts) == 0 {
		return ""
	}

	tags := parseTagList(strings.Join(txts, ""))
	keyData, err := base64.StdEncoding.DecodeString(tags["p"])
	if err != nil {
		return ""
	}

	switch tags["k"] {
	case "ed25519":
		if len(keyData) == ed25519.PublicKeySize {
			return "ed25519 key"
		}
		return ""
	default: // "rsa" or unset
		key, err := x509.ParsePKIXPublicKey(keyData)
		if err != nil {
			// Some deployments publish the bare RSA key instead of the
			// SubjectPublicKeyInfo wrapping.
			rsaKey, err := x509.ParsePKCS1PublicKey(keyData)
			if err != nil {
				return ""
			}
			return fmt.Sprintf("%d-bit rsa key", rsaKey.N.BitLen())
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%d-bit rsa key", rsaKey.N.BitLen())
	}
}

func parseSigTags(value string) sigInfo {
	tags := parseTagList(value)
	return sigInfo{
		domain:     tags["d"],
		selector:   tags["s"],
		identifier: tags["i"],
		b:          tags["b"],
	}
}

// parseTagList parses the tag=value list syntax used by signature
// headers and key records. Whitespace inside values (header folding) is
// dropped.
func parseTagList(s string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		eq := strings.IndexByte(part, '=')
		if eq == -1 {
			continue
		}
		name := strings.TrimSpace(part[:eq])
		value := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\r', '\n':
				return -1
			}
			return r
		}, part[eq+1:])
		if name != "" {
			tags[name] = value
		}
	}
	return tags
}

func firstChars(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func init() {
	module.Register(modName, New)
}
