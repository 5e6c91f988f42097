// relay_test.go - Relay body format and message tests.
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

package relay

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMessages() []Outer {
	nonce := bytes.Repeat([]byte{0xa5}, LinkNonceLength)
	return []Outer{
		{Stream: 1, Msg: &Begin{Addr: "example.com", Port: 443, Flags: 5}},
		{Stream: 1, Msg: &Begin{Addr: "2001:db8::1", Port: 80}},
		{Stream: 2, Msg: &Data{Payload: []byte("some application bytes")}},
		{Stream: 2, Msg: &End{Reason: EndDone}},
		{Stream: 3, Msg: &Connected{Addr: []byte{192, 0, 2, 1}, TTL: 3600}},
		{Stream: 3, Msg: &Connected{}},
		{Msg: &Sendme{Tag: bytes.Repeat([]byte{0x5a}, SendmeTagLength)}},
		{Stream: 4, Msg: &Sendme{}},
		{Msg: &Truncated{Reason: 3}},
		{Msg: &Extend2{
			LinkSpecs: []LinkSpec{
				{Type: LinkSpecIPv4, Spec: []byte{192, 0, 2, 1, 0x01, 0xbb}},
				{Type: LinkSpecLegacyID, Spec: bytes.Repeat([]byte{0x77}, 20)},
			},
			HandshakeType: 2,
			HandshakeData: []byte("ntor client bytes"),
		}},
		{Msg: &Extended2{HandshakeData: []byte("ntor relay bytes")}},
		{Msg: &ConfluxLink{Payload: LinkPayload{Version: 1, Nonce: nonce}}},
		{Msg: &ConfluxLinked{Payload: LinkPayload{Version: 1, Nonce: nonce}}},
	}
}

func TestMessageRoundTripsV0(t *testing.T) {
	d := NewDecoder(V0)
	for _, m := range testMessages() {
		body, err := EncodeBody(V0, m)
		require.NoError(t, err, "%T", m.Msg)

		msgs, err := d.Decode(body)
		require.NoError(t, err, "%T", m.Msg)
		require.Len(t, msgs, 1)
		require.Equal(t, m.Msg.Cmd(), msgs[0].Cmd)
		require.Equal(t, m.Stream, msgs[0].Stream)

		parsed, err := msgs[0].Parse()
		require.NoError(t, err, "%T", m.Msg)
		require.Equal(t, m.Msg, parsed, "%T", m.Msg)
	}
}

func TestMessagePackingV1(t *testing.T) {
	msgs := []Outer{
		{Stream: 7, Msg: &Connected{}},
		{Stream: 7, Msg: &Data{Payload: []byte("first")}},
		{Stream: 9, Msg: &Data{Payload: []byte("second")}},
		{Msg: &Sendme{Tag: bytes.Repeat([]byte{0x11}, SendmeTagLength)}},
	}
	body, err := EncodeBody(V1, msgs...)
	require.NoError(t, err)

	decoded, err := NewDecoder(V1).Decode(body)
	require.NoError(t, err)
	require.Len(t, decoded, len(msgs))
	for i, u := range decoded {
		require.Equal(t, msgs[i].Msg.Cmd(), u.Cmd)
		require.Equal(t, msgs[i].Stream, u.Stream)
		parsed, err := u.Parse()
		require.NoError(t, err)
		require.Equal(t, msgs[i].Msg, parsed)
	}
}

func TestEncodeBodyLimits(t *testing.T) {
	// V0 carries exactly one message.
	_, err := EncodeBody(V0)
	require.Error(t, err)
	_, err = EncodeBody(V0,
		Outer{Stream: 1, Msg: &Data{Payload: []byte("a")}},
		Outer{Stream: 1, Msg: &Data{Payload: []byte("b")}})
	require.Error(t, err)

	// A maximum size payload fits; one byte more does not.
	big := &Data{Payload: bytes.Repeat([]byte{0xcc}, MaxPayloadLength)}
	_, err = EncodeBody(V0, Outer{Stream: 1, Msg: big})
	require.NoError(t, err)
	big.Payload = append(big.Payload, 0xcc)
	_, err = EncodeBody(V0, Outer{Stream: 1, Msg: big})
	require.Error(t, err)

	// V1 rejects a set of messages that overflows the body.
	half := &Data{Payload: bytes.Repeat([]byte{0xdd}, BodyLength/2)}
	_, err = EncodeBody(V1, Outer{Stream: 1, Msg: half}, Outer{Stream: 2, Msg: half})
	require.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	// V0 length field pointing past the payload area.
	body := new([BodyLength]byte)
	body[0] = byte(CmdData)
	body[9] = 0xff
	body[10] = 0xff
	_, err := NewDecoder(V0).Decode(body)
	require.Error(t, err)

	// V1 body with nothing but padding.
	_, err = NewDecoder(V1).Decode(new([BodyLength]byte))
	require.Error(t, err)

	// Sendme with a tag length that disagrees with the body.
	u := &Unparsed{Cmd: CmdSendme, Body: []byte{1, 0, 5, 0xaa}}
	_, err = u.Parse()
	require.Error(t, err)

	// Begin missing its NUL terminator.
	u = &Unparsed{Cmd: CmdBegin, Body: []byte("example.com:80")}
	_, err = u.Parse()
	require.Error(t, err)

	// Conflux link with a bad version.
	link := &ConfluxLink{Payload: LinkPayload{Version: 2, Nonce: bytes.Repeat([]byte{1}, LinkNonceLength)}}
	u = &Unparsed{Cmd: CmdConfluxLink, Body: link.ToBytes(nil)}
	_, err = u.Parse()
	require.Error(t, err)
}

func TestEndLegacyEncoding(t *testing.T) {
	// An END with no reason byte is read as EndMisc.
	u := &Unparsed{Cmd: CmdEnd}
	parsed, err := u.Parse()
	require.NoError(t, err)
	require.Equal(t, EndMisc, parsed.(*End).Reason)
}

func TestCmdProperties(t *testing.T) {
	require.True(t, CmdData.CountsTowardsWindows())
	require.False(t, CmdBegin.CountsTowardsWindows())
	require.False(t, CmdSendme.CountsTowardsWindows())

	require.True(t, CmdBegin.IsStreamOpener())
	require.False(t, CmdData.IsStreamOpener())

	require.True(t, CmdData.AcceptsStreamID(1))
	require.False(t, CmdData.AcceptsStreamID(0))
	require.True(t, CmdSendme.AcceptsStreamID(0))
	require.True(t, CmdSendme.AcceptsStreamID(1))
	require.True(t, CmdExtended2.AcceptsStreamID(0))
	require.False(t, CmdExtended2.AcceptsStreamID(1))
}

func TestFormatOffsets(t *testing.T) {
	require.Equal(t, 1, V0.RecognizedOffset())
	require.Equal(t, 5, V0.DigestOffset())
	require.Equal(t, 0, V1.RecognizedOffset())
	require.Equal(t, RecognizedLength, V1.DigestOffset())
}
