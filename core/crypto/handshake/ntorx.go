// ntorx.go - ntor key agreement with auxiliary data.
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
	"encoding/binary"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const ntorXProtoID = "ntorx-curve25519-shake256-1"

var (
	ntorXTMac    = []byte(ntorXProtoID + ":mac")
	ntorXTVerify = []byte(ntorXProtoID + ":verify")
	ntorXMExpand = []byte(ntorXProtoID + ":key_expand")
)

// NtorXClient is the client side of the ntor variant that exchanges
// authenticated auxiliary data alongside the key agreement.  The auxiliary
// blobs are carried in the clear but bound into the authentication tag, so
// tampering with them fails the handshake.
type NtorXClient struct {
	pub NtorPublicKey
	x   [CurveKeyLength]byte
	bX  [CurveKeyLength]byte
	aux []byte
}

// NewNtorXClient generates the client's ephemeral key, returning the
// client state and the handshake message bytes carrying clientAux.
func NewNtorXClient(rng io.Reader, pub *NtorPublicKey, clientAux []byte) (*NtorXClient, []byte, error) {
	c := &NtorXClient{pub: *pub, aux: append([]byte{}, clientAux...)}
	if _, err := io.ReadFull(rng, c.x[:]); err != nil {
		return nil, nil, err
	}
	bigX, err := curve25519.X25519(c.x[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	copy(c.bX[:], bigX)

	msg := make([]byte, 0, NtorMsgLength+2+len(clientAux))
	msg = append(msg, pub.ID[:]...)
	msg = append(msg, pub.Key[:]...)
	msg = append(msg, c.bX[:]...)
	msg = appendAux(msg, clientAux)
	return c, msg, nil
}

// Complete consumes the relay's reply, returning the server's auxiliary
// data and the hop's KeyGen.
func (c *NtorXClient) Complete(reply []byte) ([]byte, KeyGen, error) {
	if len(reply) < CurveKeyLength+AuthLength+2 {
		return nil, nil, errMalformed
	}
	var bigY [CurveKeyLength]byte
	copy(bigY[:], reply[:CurveKeyLength])
	auth := reply[CurveKeyLength : CurveKeyLength+AuthLength]
	serverAux, rest, err := consumeAux(reply[CurveKeyLength+AuthLength:])
	if err != nil || len(rest) != 0 {
		return nil, nil, errMalformed
	}

	xy, err := curve25519.X25519(c.x[:], bigY[:])
	if err != nil {
		return nil, nil, ErrAuth
	}
	xb, err := curve25519.X25519(c.x[:], c.pub.Key[:])
	if err != nil {
		return nil, nil, ErrAuth
	}

	secretInput := ntorXSecretInput(xy, xb, &c.pub.ID, &c.pub.Key, &c.bX, &bigY)
	expected := ntorXAuth(secretInput, c.aux, serverAux)
	if subtle.ConstantTimeCompare(expected, auth) != 1 {
		return nil, nil, ErrAuth
	}

	return serverAux, ntorXKeyGen(secretInput), nil
}

// NtorXServerHandshake is the relay side of the auxiliary data handshake.
// It returns the reply bytes carrying serverAux, the client's auxiliary
// data, and the hop's KeyGen.
func NtorXServerHandshake(rng io.Reader, id *[NodeIDLength]byte, kp *NtorKeypair, msg, serverAux []byte) ([]byte, []byte, KeyGen, error) {
	if len(msg) < NtorMsgLength+2 {
		return nil, nil, nil, errMalformed
	}
	if subtle.ConstantTimeCompare(msg[:NodeIDLength], id[:]) != 1 {
		return nil, nil, nil, ErrAuth
	}
	if subtle.ConstantTimeCompare(msg[NodeIDLength:NodeIDLength+CurveKeyLength], kp.public[:]) != 1 {
		return nil, nil, nil, ErrAuth
	}
	var bigX [CurveKeyLength]byte
	copy(bigX[:], msg[NodeIDLength+CurveKeyLength:NtorMsgLength])
	clientAux, rest, err := consumeAux(msg[NtorMsgLength:])
	if err != nil || len(rest) != 0 {
		return nil, nil, nil, errMalformed
	}

	var y [CurveKeyLength]byte
	if _, err := io.ReadFull(rng, y[:]); err != nil {
		return nil, nil, nil, err
	}
	bigYs, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, err
	}
	var bigY [CurveKeyLength]byte
	copy(bigY[:], bigYs)

	xy, err := curve25519.X25519(y[:], bigX[:])
	if err != nil {
		return nil, nil, nil, ErrAuth
	}
	xb, err := curve25519.X25519(kp.private[:], bigX[:])
	if err != nil {
		return nil, nil, nil, ErrAuth
	}

	secretInput := ntorXSecretInput(xy, xb, id, &kp.public, &bigX, &bigY)
	auth := ntorXAuth(secretInput, clientAux, serverAux)

	reply := make([]byte, 0, CurveKeyLength+AuthLength+2+len(serverAux))
	reply = append(reply, bigY[:]...)
	reply = append(reply, auth...)
	reply = appendAux(reply, serverAux)
	return reply, clientAux, ntorXKeyGen(secretInput), nil
}

func ntorXSecretInput(xy, xb []byte, id *[NodeIDLength]byte, bigB, bigX, bigY *[CurveKeyLength]byte) []byte {
	si := make([]byte, 0, 2*CurveKeyLength+NtorMsgLength+CurveKeyLength+len(ntorXProtoID))
	si = append(si, xy...)
	si = append(si, xb...)
	si = append(si, id[:]...)
	si = append(si, bigB[:]...)
	si = append(si, bigX[:]...)
	si = append(si, bigY[:]...)
	si = append(si, []byte(ntorXProtoID)...)
	return si
}

func ntorXAuth(secretInput, clientAux, serverAux []byte) []byte {
	m := hmac.New(sha256.New, ntorXTVerify)
	m.Write(secretInput)
	verify := m.Sum(nil)

	m = hmac.New(sha256.New, ntorXTMac)
	m.Write(verify)
	m.Write(appendAux(nil, clientAux))
	m.Write(appendAux(nil, serverAux))
	m.Write([]byte(ntorXProtoID))
	m.Write(ntorServer)
	return m.Sum(nil)
}

func ntorXKeyGen(secretInput []byte) KeyGen {
	x := sha3.NewShake256()
	x.Write(secretInput)
	x.Write(ntorXMExpand)
	return &readerGen{r: x}
}

func appendAux(b, aux []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(aux)))
	b = append(b, tmp[:]...)
	return append(b, aux...)
}

func consumeAux(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, errMalformed
	}
	aLen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+aLen {
		return nil, nil, errMalformed
	}
	return append([]byte{}, b[2:2+aLen]...), b[2+aLen:], nil
}
