// fast.go - Legacy CREATE_FAST key agreement.
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

package handshake

import (
	"crypto/subtle"
	"io"
)

// FastKeyLength is the length of the key material exchanged by the fast
// handshake.
const FastKeyLength = 20

// FastClient is the client side of the legacy fast handshake.  It provides
// no authentication whatsoever and is only usable for the first hop, where
// the channel itself already authenticated the relay.
type FastClient struct {
	x [FastKeyLength]byte
}

// NewFastClient generates the client's key material, returning the client
// state and the bytes to place in a CREATE_FAST cell.
func NewFastClient(rng io.Reader) (*FastClient, [FastKeyLength]byte, error) {
	c := new(FastClient)
	if _, err := io.ReadFull(rng, c.x[:]); err != nil {
		return nil, c.x, err
	}
	return c, c.x, nil
}

// Complete consumes the CREATED_FAST reply and returns the hop's KeyGen.
func (c *FastClient) Complete(y, kh [FastKeyLength]byte) (KeyGen, error) {
	kg, derived := fastKDF(c.x, y)
	if subtle.ConstantTimeCompare(derived[:], kh[:]) != 1 {
		return nil, ErrAuth
	}
	return kg, nil
}

// FastServer is the relay side of the fast handshake: given the client's
// X it produces Y, the derivative key hash, and the hop's KeyGen.
func FastServer(rng io.Reader, x [FastKeyLength]byte) (y, kh [FastKeyLength]byte, kg KeyGen, err error) {
	if _, err = io.ReadFull(rng, y[:]); err != nil {
		return
	}
	kg, kh = fastKDF(x, y)
	return
}

func fastKDF(x, y [FastKeyLength]byte) (KeyGen, [FastKeyLength]byte) {
	secret := make([]byte, 0, 2*FastKeyLength)
	secret = append(secret, x[:]...)
	secret = append(secret, y[:]...)
	g := newKDFTor(secret)

	// The first FastKeyLength bytes of the KDF output are the derivative
	// key data used to confirm both sides derived the same stream.
	var kh [FastKeyLength]byte
	b, _ := g.Expand(FastKeyLength)
	copy(kh[:], b)
	return g, kh
}
