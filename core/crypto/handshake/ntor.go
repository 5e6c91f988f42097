// ntor.go - ntor key agreement.
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
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// NodeIDLength is the length of a relay identity digest.
	NodeIDLength = 20

	// CurveKeyLength is the length of an X25519 public key.
	CurveKeyLength = 32

	// AuthLength is the length of the handshake authentication tag.
	AuthLength = sha256.Size

	// NtorMsgLength is the length of the client's ntor handshake message.
	NtorMsgLength = NodeIDLength + 2*CurveKeyLength

	// NtorReplyLength is the length of the relay's ntor handshake reply.
	NtorReplyLength = CurveKeyLength + AuthLength

	ntorProtoID = "ntor-curve25519-sha256-1"
)

var (
	ntorTMac    = []byte(ntorProtoID + ":mac")
	ntorTKey    = []byte(ntorProtoID + ":key_extract")
	ntorTVerify = []byte(ntorProtoID + ":verify")
	ntorMExpand = []byte(ntorProtoID + ":key_expand")
	ntorServer  = []byte("Server")
)

// NtorPublicKey is the identity and onion key of the relay being extended
// to.
type NtorPublicKey struct {
	ID  [NodeIDLength]byte
	Key [CurveKeyLength]byte
}

// NtorKeypair is a relay's onion keypair, used by the relay side.
type NtorKeypair struct {
	private [CurveKeyLength]byte
	public  [CurveKeyLength]byte
}

// NewNtorKeypair generates a relay onion keypair.
func NewNtorKeypair(rng io.Reader) (*NtorKeypair, error) {
	kp := new(NtorKeypair)
	if _, err := io.ReadFull(rng, kp.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// Public returns the public component of the keypair.
func (kp *NtorKeypair) Public() [CurveKeyLength]byte {
	return kp.public
}

// NtorClient is the client side of the ntor handshake.
type NtorClient struct {
	pub NtorPublicKey
	x   [CurveKeyLength]byte
	bX  [CurveKeyLength]byte
}

// NewNtorClient generates the client's ephemeral key, returning the client
// state and the handshake message bytes.
func NewNtorClient(rng io.Reader, pub *NtorPublicKey) (*NtorClient, []byte, error) {
	c := &NtorClient{pub: *pub}
	if _, err := io.ReadFull(rng, c.x[:]); err != nil {
		return nil, nil, err
	}
	bigX, err := curve25519.X25519(c.x[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	copy(c.bX[:], bigX)

	msg := make([]byte, 0, NtorMsgLength)
	msg = append(msg, pub.ID[:]...)
	msg = append(msg, pub.Key[:]...)
	msg = append(msg, c.bX[:]...)
	return c, msg, nil
}

// Complete consumes the relay's reply and returns the hop's KeyGen.
func (c *NtorClient) Complete(reply []byte) (KeyGen, error) {
	if len(reply) != NtorReplyLength {
		return nil, errMalformed
	}
	var bigY [CurveKeyLength]byte
	copy(bigY[:], reply[:CurveKeyLength])
	auth := reply[CurveKeyLength:]

	xy, err := curve25519.X25519(c.x[:], bigY[:])
	if err != nil {
		return nil, ErrAuth
	}
	xb, err := curve25519.X25519(c.x[:], c.pub.Key[:])
	if err != nil {
		return nil, ErrAuth
	}

	secretInput := ntorSecretInput(xy, xb, &c.pub.ID, &c.pub.Key, &c.bX, &bigY)
	expected := ntorAuth(secretInput, &c.pub.ID, &c.pub.Key, &c.bX, &bigY)
	if subtle.ConstantTimeCompare(expected, auth) != 1 {
		return nil, ErrAuth
	}

	return ntorKeyGen(secretInput), nil
}

// NtorServerHandshake is the relay side of the ntor handshake: given the
// client's message it produces the reply and the hop's KeyGen.
func NtorServerHandshake(rng io.Reader, id *[NodeIDLength]byte, kp *NtorKeypair, msg []byte) ([]byte, KeyGen, error) {
	if len(msg) != NtorMsgLength {
		return nil, nil, errMalformed
	}
	if subtle.ConstantTimeCompare(msg[:NodeIDLength], id[:]) != 1 {
		return nil, nil, ErrAuth
	}
	if subtle.ConstantTimeCompare(msg[NodeIDLength:NodeIDLength+CurveKeyLength], kp.public[:]) != 1 {
		return nil, nil, ErrAuth
	}
	var bigX [CurveKeyLength]byte
	copy(bigX[:], msg[NodeIDLength+CurveKeyLength:])

	var y [CurveKeyLength]byte
	if _, err := io.ReadFull(rng, y[:]); err != nil {
		return nil, nil, err
	}
	bigYs, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	var bigY [CurveKeyLength]byte
	copy(bigY[:], bigYs)

	xy, err := curve25519.X25519(y[:], bigX[:])
	if err != nil {
		return nil, nil, ErrAuth
	}
	xb, err := curve25519.X25519(kp.private[:], bigX[:])
	if err != nil {
		return nil, nil, ErrAuth
	}

	secretInput := ntorSecretInput(xy, xb, id, &kp.public, &bigX, &bigY)
	auth := ntorAuth(secretInput, id, &kp.public, &bigX, &bigY)

	reply := make([]byte, 0, NtorReplyLength)
	reply = append(reply, bigY[:]...)
	reply = append(reply, auth...)
	return reply, ntorKeyGen(secretInput), nil
}

func ntorSecretInput(xy, xb []byte, id *[NodeIDLength]byte, bigB, bigX, bigY *[CurveKeyLength]byte) []byte {
	si := make([]byte, 0, 2*CurveKeyLength+NtorMsgLength+CurveKeyLength+len(ntorProtoID))
	si = append(si, xy...)
	si = append(si, xb...)
	si = append(si, id[:]...)
	si = append(si, bigB[:]...)
	si = append(si, bigX[:]...)
	si = append(si, bigY[:]...)
	si = append(si, []byte(ntorProtoID)...)
	return si
}

func ntorAuth(secretInput []byte, id *[NodeIDLength]byte, bigB, bigX, bigY *[CurveKeyLength]byte) []byte {
	m := hmac.New(sha256.New, ntorTVerify)
	m.Write(secretInput)
	verify := m.Sum(nil)

	m = hmac.New(sha256.New, ntorTMac)
	m.Write(verify)
	m.Write(id[:])
	m.Write(bigB[:])
	m.Write(bigY[:])
	m.Write(bigX[:])
	m.Write([]byte(ntorProtoID))
	m.Write(ntorServer)
	return m.Sum(nil)
}

func ntorKeyGen(secretInput []byte) KeyGen {
	return &readerGen{r: hkdf.New(sha256.New, secretInput, ntorTKey, ntorMExpand)}
}
