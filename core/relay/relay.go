// relay.go - Relay cell body formats.
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

// Package relay implements the relay cell body formats and the relay
// messages carried end to end between the client and an individual circuit
// hop, underneath the onion crypto.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BodyLength is the length of a relay cell body in bytes.
	BodyLength = 509

	// MaxPayloadLength is the maximum length of a single relay message
	// payload in bytes, common to both body formats.
	MaxPayloadLength = BodyLength - v0HeaderLength

	// RecognizedLength is the length of the recognized field in bytes.
	RecognizedLength = 2

	// DigestLength is the length of the truncated digest field in bytes.
	DigestLength = 4

	v0HeaderLength = 1 + RecognizedLength + 2 + DigestLength + 2
	v1Preamble     = RecognizedLength + DigestLength
	v1MsgOverhead  = 1 + 2 + 2
)

var (
	errInvalidMessage = errors.New("relay: invalid relay message")
	errBodyOverflow   = errors.New("relay: messages exceed relay cell body")
)

// StreamID is a per-hop application stream identifier.  The zero value
// addresses no stream; such messages are meta messages that control the
// circuit itself.
type StreamID uint16

// Cmd is a relay message command.
type Cmd byte

const (
	// CmdBegin opens an application stream.
	CmdBegin Cmd = 1

	// CmdData carries application stream payload.
	CmdData Cmd = 2

	// CmdEnd closes an application stream.
	CmdEnd Cmd = 3

	// CmdConnected acknowledges a CmdBegin.
	CmdConnected Cmd = 4

	// CmdSendme replenishes a flow control window.
	CmdSendme Cmd = 5

	// CmdTruncated reports a downstream hop failure.
	CmdTruncated Cmd = 9

	// CmdExtend2 requests a circuit extension.
	CmdExtend2 Cmd = 14

	// CmdExtended2 answers a CmdExtend2.
	CmdExtended2 Cmd = 15

	// CmdConfluxLink requests linking a circuit leg into a conflux set.
	CmdConfluxLink Cmd = 19

	// CmdConfluxLinked answers a CmdConfluxLink.
	CmdConfluxLinked Cmd = 20
)

// String returns a human readable representation of the command.
func (c Cmd) String() string {
	switch c {
	case CmdBegin:
		return "BEGIN"
	case CmdData:
		return "DATA"
	case CmdEnd:
		return "END"
	case CmdConnected:
		return "CONNECTED"
	case CmdSendme:
		return "SENDME"
	case CmdTruncated:
		return "TRUNCATED"
	case CmdExtend2:
		return "EXTEND2"
	case CmdExtended2:
		return "EXTENDED2"
	case CmdConfluxLink:
		return "CONFLUX_LINK"
	case CmdConfluxLinked:
		return "CONFLUX_LINKED"
	default:
		return fmt.Sprintf("[unknown 0x%02x]", byte(c))
	}
}

// AcceptsStreamID returns true if the command may be addressed to the
// given stream ID.
func (c Cmd) AcceptsStreamID(id StreamID) bool {
	switch c {
	case CmdBegin, CmdData, CmdEnd, CmdConnected:
		return id != 0
	case CmdSendme:
		// Circuit level (zero) or stream level (non-zero).
		return true
	case CmdTruncated, CmdExtend2, CmdExtended2, CmdConfluxLink, CmdConfluxLinked:
		return id == 0
	default:
		return false
	}
}

// CountsTowardsWindows returns true if a message with this command is
// subject to circuit and stream level flow control.
func (c Cmd) CountsTowardsWindows() bool {
	return c == CmdData
}

// IsStreamOpener returns true if the command opens a fresh stream on the
// addressed stream ID.
func (c Cmd) IsStreamOpener() bool {
	return c == CmdBegin
}

// Format is a relay cell body format version.
type Format byte

const (
	// V0 carries exactly one message per relay cell.
	V0 Format = 0

	// V1 packs one or more messages into a relay cell.
	V1 Format = 1
)

// RecognizedOffset returns the offset of the recognized field within a
// relay cell body of this format.
func (f Format) RecognizedOffset() int {
	if f == V0 {
		return 1
	}
	return 0
}

// DigestOffset returns the offset of the truncated digest field within a
// relay cell body of this format.
func (f Format) DigestOffset() int {
	if f == V0 {
		return 5
	}
	return RecognizedLength
}

// Unparsed is a decoded but not yet parsed relay message.
type Unparsed struct {
	Cmd    Cmd
	Stream StreamID
	Body   []byte
}

// Parse parses the message body into its typed representation.
func (u *Unparsed) Parse() (Message, error) {
	switch u.Cmd {
	case CmdBegin:
		return beginFromBytes(u.Body)
	case CmdData:
		return dataFromBytes(u.Body)
	case CmdEnd:
		return endFromBytes(u.Body)
	case CmdConnected:
		return connectedFromBytes(u.Body)
	case CmdSendme:
		return sendmeFromBytes(u.Body)
	case CmdTruncated:
		return truncatedFromBytes(u.Body)
	case CmdExtend2:
		return extend2FromBytes(u.Body)
	case CmdExtended2:
		return extended2FromBytes(u.Body)
	case CmdConfluxLink:
		return confluxLinkFromBytes(u.Body)
	case CmdConfluxLinked:
		return confluxLinkedFromBytes(u.Body)
	default:
		return nil, fmt.Errorf("relay: unknown relay command: %v", u.Cmd)
	}
}

// Outer is a relay message together with the stream it is addressed to.
type Outer struct {
	Stream StreamID
	Msg    Message
}

// EncodeBody encodes msgs into a relay cell body of the given format.  The
// recognized and digest fields are left zeroed; filling them in is the
// onion crypto's job.  V0 accepts exactly one message.
func EncodeBody(f Format, msgs ...Outer) (*[BodyLength]byte, error) {
	body := new([BodyLength]byte)

	switch f {
	case V0:
		if len(msgs) != 1 {
			return nil, fmt.Errorf("relay: format V0 carries exactly one message, got %d", len(msgs))
		}
		m := msgs[0]
		data := m.Msg.ToBytes(nil)
		if len(data) > MaxPayloadLength {
			return nil, errBodyOverflow
		}
		body[0] = byte(m.Msg.Cmd())
		binary.BigEndian.PutUint16(body[3:5], uint16(m.Stream))
		binary.BigEndian.PutUint16(body[9:11], uint16(len(data)))
		copy(body[v0HeaderLength:], data)
	case V1:
		off := v1Preamble
		for _, m := range msgs {
			data := m.Msg.ToBytes(nil)
			if off+v1MsgOverhead+len(data) > BodyLength {
				return nil, errBodyOverflow
			}
			body[off] = byte(m.Msg.Cmd())
			binary.BigEndian.PutUint16(body[off+1:off+3], uint16(m.Stream))
			binary.BigEndian.PutUint16(body[off+3:off+5], uint16(len(data)))
			copy(body[off+v1MsgOverhead:], data)
			off += v1MsgOverhead + len(data)
		}
	default:
		return nil, fmt.Errorf("relay: unsupported format: %d", f)
	}

	return body, nil
}

// Decoder decodes relay cell bodies received from a single hop, bound to
// the body format negotiated for that hop.
type Decoder struct {
	format Format
}

// NewDecoder constructs a Decoder for the given format.
func NewDecoder(f Format) *Decoder {
	return &Decoder{format: f}
}

// Format returns the body format this decoder is bound to.
func (d *Decoder) Format() Format {
	return d.format
}

// Decode decodes a decrypted relay cell body into the messages it carries.
func (d *Decoder) Decode(body *[BodyLength]byte) ([]Unparsed, error) {
	switch d.format {
	case V0:
		cmd := Cmd(body[0])
		sid := StreamID(binary.BigEndian.Uint16(body[3:5]))
		dLen := int(binary.BigEndian.Uint16(body[9:11]))
		if dLen > MaxPayloadLength {
			return nil, errInvalidMessage
		}
		data := make([]byte, dLen)
		copy(data, body[v0HeaderLength:v0HeaderLength+dLen])
		return []Unparsed{{Cmd: cmd, Stream: sid, Body: data}}, nil
	case V1:
		var msgs []Unparsed
		off := v1Preamble
		for off < BodyLength {
			cmd := Cmd(body[off])
			if cmd == 0 {
				// Zero command starts the padding.
				break
			}
			if off+v1MsgOverhead > BodyLength {
				return nil, errInvalidMessage
			}
			sid := StreamID(binary.BigEndian.Uint16(body[off+1 : off+3]))
			dLen := int(binary.BigEndian.Uint16(body[off+3 : off+5]))
			if off+v1MsgOverhead+dLen > BodyLength {
				return nil, errInvalidMessage
			}
			data := make([]byte, dLen)
			copy(data, body[off+v1MsgOverhead:off+v1MsgOverhead+dLen])
			msgs = append(msgs, Unparsed{Cmd: cmd, Stream: sid, Body: data})
			off += v1MsgOverhead + dLen
		}
		if len(msgs) == 0 {
			return nil, errInvalidMessage
		}
		return msgs, nil
	default:
		return nil, fmt.Errorf("relay: unsupported format: %d", d.format)
	}
}
