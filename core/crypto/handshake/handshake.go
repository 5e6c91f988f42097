// handshake.go - Circuit extension key agreement.
// Copyright (C) 2026  The torproto Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package handshake implements the key agreement variants used to create
// and extend circuits.  Each variant provides a client side driven in two
// phases, and the matching relay side used by tests and harnesses.
package handshake

import (
	"crypto/sha1"
	"errors"
	"io"
)

var (
	// ErrAuth is the error returned when a handshake reply fails
	// authentication.
	ErrAuth = errors.New("handshake: authentication failed")

	errMalformed = errors.New("handshake: malformed handshake message")
)

// KeyGen yields key material derived from a completed handshake.
type KeyGen interface {
	// Expand returns the next n bytes of derived key material.
	Expand(n int) ([]byte, error)
}

// kdfTorGen implements KeyGen using the legacy KDF-TOR construction:
// K = H(secret | [0]) | H(secret | [1]) | ...
type kdfTorGen struct {
	secret []byte
	buf    []byte
	ctr    byte
}

func newKDFTor(secret []byte) *kdfTorGen {
	return &kdfTorGen{secret: append([]byte{}, secret...)}
}

func (g *kdfTorGen) Expand(n int) ([]byte, error) {
	for len(g.buf) < n {
		h := sha1.New()
		h.Write(g.secret)
		h.Write([]byte{g.ctr})
		g.buf = h.Sum(g.buf)
		g.ctr++
	}
	out := g.buf[:n]
	g.buf = g.buf[n:]
	return out, nil
}

// readerGen implements KeyGen over any unbounded key stream reader.
type readerGen struct {
	r io.Reader
}

func (g *readerGen) Expand(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(g.r, out); err != nil {
		return nil, err
	}
	return out, nil
}
