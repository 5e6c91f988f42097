// onion.go - Layered relay cell crypto.
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

// Package onion implements the layered relay cell crypto applied between a
// client and each hop of a circuit.  Outbound cells are encrypted once per
// hop, outside in; inbound cells are peeled one layer at a time until a
// hop's layer recognizes the cell and authenticates it against that hop's
// running digest.
package onion

import (
	"crypto/cipher"
	"crypto/sha1"
	"encoding"
	"encoding/binary"
	"errors"
	"hash"

	"gitlab.com/yawning/bsaes.git"

	"github.com/torwell/torproto/core/relay"
)

const (
	// TagLength is the length of the authentication tag derived from a
	// hop's running digest, in bytes.
	TagLength = sha1.Size

	// KeyMaterialLength is the length of the key material required to
	// initialize one hop's crypto state: two digest seeds and two AES-128
	// keys.
	KeyMaterialLength = 2*sha1.Size + 2*aesKeyLength

	aesKeyLength = 16
)

var (
	// ErrNotRecognized is the error returned when no layer recognizes an
	// inbound cell.
	ErrNotRecognized = errors.New("onion: inbound cell not recognized by any layer")

	errNoSuchLayer = errors.New("onion: no crypto layer for requested hop")
)

// OutboundLayer is a single hop's crypto state for cells flowing away from
// the client.
type OutboundLayer interface {
	// Originate prepares a cell addressed to this hop: it folds the body
	// into the hop's running digest, fills in the digest field and returns
	// the full length tag a SENDME acknowledging this cell must carry.
	Originate(body *[relay.BodyLength]byte) []byte

	// Encrypt applies this hop's layer to the body.
	Encrypt(body *[relay.BodyLength]byte)
}

// InboundLayer is a single hop's crypto state for cells flowing towards
// the client.
type InboundLayer interface {
	// Decrypt peels this hop's layer off the body.  If the cell
	// originated at this hop, the second return is true and the first is
	// the full length tag to use in an acknowledging SENDME.
	Decrypt(body *[relay.BodyLength]byte) ([]byte, bool)
}

// OutboundCrypt is the client's outbound crypto state for a whole circuit
// leg, one layer per hop.
type OutboundCrypt struct {
	layers []OutboundLayer
}

// NewOutboundCrypt constructs an empty OutboundCrypt.
func NewOutboundCrypt() *OutboundCrypt {
	return new(OutboundCrypt)
}

// AddLayer appends a hop's layer.
func (c *OutboundCrypt) AddLayer(l OutboundLayer) {
	c.layers = append(c.layers, l)
}

// NumLayers returns the number of layers.
func (c *OutboundCrypt) NumLayers() int {
	return len(c.layers)
}

// Encrypt prepares body for the given hop and applies all layers from that
// hop inward, returning the SENDME tag recorded for the cell.
func (c *OutboundCrypt) Encrypt(body *[relay.BodyLength]byte, hop int) ([]byte, error) {
	if hop < 0 || hop >= len(c.layers) {
		return nil, errNoSuchLayer
	}
	tag := c.layers[hop].Originate(body)
	for i := hop; i >= 0; i-- {
		c.layers[i].Encrypt(body)
	}
	return tag, nil
}

// InboundCrypt is the client's inbound crypto state for a whole circuit
// leg, one layer per hop.
type InboundCrypt struct {
	layers []InboundLayer
}

// NewInboundCrypt constructs an empty InboundCrypt.
func NewInboundCrypt() *InboundCrypt {
	return new(InboundCrypt)
}

// AddLayer appends a hop's layer.
func (c *InboundCrypt) AddLayer(l InboundLayer) {
	c.layers = append(c.layers, l)
}

// NumLayers returns the number of layers.
func (c *InboundCrypt) NumLayers() int {
	return len(c.layers)
}

// Decrypt peels layers off body until one recognizes the cell, returning
// the originating hop and the SENDME tag for the cell.
func (c *InboundCrypt) Decrypt(body *[relay.BodyLength]byte) (int, []byte, error) {
	for i, l := range c.layers {
		if tag, ok := l.Decrypt(body); ok {
			return i, tag, nil
		}
	}
	return 0, nil, ErrNotRecognized
}

// tor1 holds one direction of a hop's tor1 crypto state: an AES-128-CTR
// keystream and a running SHA-1 digest.
type tor1 struct {
	format relay.Format
	stream cipher.Stream
	digest hash.Hash
}

func newTor1(format relay.Format, digestSeed, key []byte) *tor1 {
	blk, err := bsaes.NewCipher(key)
	if err != nil {
		panic("onion: BUG: bsaes.NewCipher: " + err.Error())
	}
	iv := make([]byte, blk.BlockSize())
	d := sha1.New()
	d.Write(digestSeed)
	return &tor1{
		format: format,
		stream: cipher.NewCTR(blk, iv),
		digest: d,
	}
}

func (t *tor1) xor(body *[relay.BodyLength]byte) {
	t.stream.XORKeyStream(body[:], body[:])
}

// originate fills in the digest field of a body whose recognized and
// digest fields are zeroed, and returns the full length tag.
func (t *tor1) originate(body *[relay.BodyLength]byte) []byte {
	off := t.format.DigestOffset()
	for i := 0; i < relay.DigestLength; i++ {
		body[off+i] = 0
	}
	t.digest.Write(body[:])
	tag := t.digest.Sum(nil)
	copy(body[off:off+relay.DigestLength], tag[:relay.DigestLength])
	return tag
}

// recognize checks whether a decrypted body is addressed to this hop, and
// if so commits it to the running digest and returns the full length tag.
func (t *tor1) recognize(body *[relay.BodyLength]byte) ([]byte, bool) {
	rOff := t.format.RecognizedOffset()
	if binary.BigEndian.Uint16(body[rOff:rOff+relay.RecognizedLength]) != 0 {
		return nil, false
	}

	dOff := t.format.DigestOffset()
	var received [relay.DigestLength]byte
	copy(received[:], body[dOff:dOff+relay.DigestLength])
	for i := 0; i < relay.DigestLength; i++ {
		body[dOff+i] = 0
	}

	clone := cloneDigest(t.digest)
	clone.Write(body[:])
	tag := clone.Sum(nil)
	if !bytesEq(tag[:relay.DigestLength], received[:]) {
		// A zero recognized field can occur by chance; restore the body
		// and let an inner layer try.
		copy(body[dOff:dOff+relay.DigestLength], received[:])
		return nil, false
	}

	t.digest = clone
	return tag, true
}

// clientLayer is the client side crypto state for one hop.
type clientLayer struct {
	fwd  *tor1
	back *tor1
}

// NewClientLayers initializes the client side layers for one hop from
// KeyMaterialLength bytes of handshake derived key material, bound to the
// relay body format negotiated for the hop.
func NewClientLayers(format relay.Format, keys []byte) (OutboundLayer, InboundLayer, error) {
	if len(keys) != KeyMaterialLength {
		return nil, nil, errors.New("onion: invalid key material length")
	}
	df, db, kf, kb := splitKeys(keys)
	l := &clientLayer{
		fwd:  newTor1(format, df, kf),
		back: newTor1(format, db, kb),
	}
	return l, l, nil
}

func (l *clientLayer) Originate(body *[relay.BodyLength]byte) []byte {
	return l.fwd.originate(body)
}

func (l *clientLayer) Encrypt(body *[relay.BodyLength]byte) {
	l.fwd.xor(body)
}

func (l *clientLayer) Decrypt(body *[relay.BodyLength]byte) ([]byte, bool) {
	l.back.xor(body)
	return l.back.recognize(body)
}

// RelayCrypt is the relay side crypto state for one hop, the mirror image
// of a clientLayer.  The engine itself never runs relay side; this exists
// for tests and harnesses that impersonate relays.
type RelayCrypt struct {
	fwd  *tor1
	back *tor1
}

// NewRelayCrypt initializes a relay side crypto state from the same key
// material as the client side of the hop.
func NewRelayCrypt(format relay.Format, keys []byte) (*RelayCrypt, error) {
	if len(keys) != KeyMaterialLength {
		return nil, errors.New("onion: invalid key material length")
	}
	df, db, kf, kb := splitKeys(keys)
	return &RelayCrypt{
		fwd:  newTor1(format, df, kf),
		back: newTor1(format, db, kb),
	}, nil
}

// DecryptForward peels the relay's layer off an outbound (client to relay)
// body.  Recognition semantics match InboundLayer.Decrypt.
func (r *RelayCrypt) DecryptForward(body *[relay.BodyLength]byte) ([]byte, bool) {
	r.fwd.xor(body)
	return r.fwd.recognize(body)
}

// Originate prepares and encrypts an inbound (relay to client) body
// originated at this relay, returning the SENDME tag for the cell.
func (r *RelayCrypt) Originate(body *[relay.BodyLength]byte) []byte {
	tag := r.back.originate(body)
	r.back.xor(body)
	return tag
}

// EncryptBack applies the relay's inbound layer to a body originated at a
// hop further from the client.
func (r *RelayCrypt) EncryptBack(body *[relay.BodyLength]byte) {
	r.back.xor(body)
}

func splitKeys(keys []byte) (df, db, kf, kb []byte) {
	df = keys[0:sha1.Size]
	db = keys[sha1.Size : 2*sha1.Size]
	kf = keys[2*sha1.Size : 2*sha1.Size+aesKeyLength]
	kb = keys[2*sha1.Size+aesKeyLength:]
	return
}

func cloneDigest(h hash.Hash) hash.Hash {
	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		panic("onion: BUG: digest is not marshalable")
	}
	st, err := m.MarshalBinary()
	if err != nil {
		panic("onion: BUG: failed to marshal digest state: " + err.Error())
	}
	c := sha1.New()
	if err = c.(encoding.BinaryUnmarshaler).UnmarshalBinary(st); err != nil {
		panic("onion: BUG: failed to unmarshal digest state: " + err.Error())
	}
	return c
}

func bytesEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
