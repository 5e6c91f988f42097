// messages.go - Relay messages.
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
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	// SendmeTagLength is the length of the authentication tag carried by
	// a circuit level SENDME.
	SendmeTagLength = 20

	// LinkNonceLength is the length of a conflux link nonce.
	LinkNonceLength = 32

	sendmeVersionTagged = 1
)

// Message is the common interface exposed by all relay message structures.
type Message interface {
	// Cmd returns the relay command for this message.
	Cmd() Cmd

	// ToBytes appends the serialized message body to slice b, and returns
	// the resulting slice.
	ToBytes(b []byte) []byte
}

// Begin is a de-serialized BEGIN message.
type Begin struct {
	Addr  string
	Port  uint16
	Flags uint32
}

// Cmd returns the relay command for this message.
func (m *Begin) Cmd() Cmd { return CmdBegin }

// ToBytes appends the serialized Begin to slice b, and returns the
// resulting slice.
func (m *Begin) ToBytes(b []byte) []byte {
	var tmp [4]byte
	b = append(b, []byte(fmt.Sprintf("%s:%d", m.Addr, m.Port))...)
	b = append(b, 0x00)
	binary.BigEndian.PutUint32(tmp[:], m.Flags)
	b = append(b, tmp[:]...)
	return b
}

func beginFromBytes(b []byte) (Message, error) {
	idx := -1
	for i, v := range b {
		if v == 0x00 {
			idx = i
			break
		}
	}
	if idx < 0 || len(b) < idx+1+4 {
		return nil, errInvalidMessage
	}
	addrport := string(b[:idx])
	sep := strings.LastIndexByte(addrport, ':')
	if sep < 0 {
		return nil, errInvalidMessage
	}
	var port uint16
	if _, err := fmt.Sscanf(addrport[sep+1:], "%d", &port); err != nil {
		return nil, errInvalidMessage
	}
	m := new(Begin)
	m.Addr = addrport[:sep]
	m.Port = port
	m.Flags = binary.BigEndian.Uint32(b[idx+1 : idx+5])
	return m, nil
}

// Data is a de-serialized DATA message.
type Data struct {
	Payload []byte
}

// Cmd returns the relay command for this message.
func (m *Data) Cmd() Cmd { return CmdData }

// ToBytes appends the serialized Data to slice b, and returns the
// resulting slice.
func (m *Data) ToBytes(b []byte) []byte {
	return append(b, m.Payload...)
}

func dataFromBytes(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, errInvalidMessage
	}
	m := new(Data)
	m.Payload = append([]byte{}, b...)
	return m, nil
}

// EndReason is the reason carried by an END message.
type EndReason byte

const (
	// EndMisc is the catch-all end reason.
	EndMisc EndReason = 1

	// EndDone indicates an orderly stream close.
	EndDone EndReason = 6

	// EndResourceLimit indicates a resource backlog.
	EndResourceLimit EndReason = 8
)

// End is a de-serialized END message.
type End struct {
	Reason EndReason
}

// Cmd returns the relay command for this message.
func (m *End) Cmd() Cmd { return CmdEnd }

// ToBytes appends the serialized End to slice b, and returns the
// resulting slice.
func (m *End) ToBytes(b []byte) []byte {
	return append(b, byte(m.Reason))
}

func endFromBytes(b []byte) (Message, error) {
	m := new(End)
	if len(b) == 0 {
		// Tolerated for interoperability with ancient implementations.
		m.Reason = EndMisc
		return m, nil
	}
	m.Reason = EndReason(b[0])
	return m, nil
}

// Connected is a de-serialized CONNECTED message.
type Connected struct {
	Addr []byte
	TTL  uint32
}

// Cmd returns the relay command for this message.
func (m *Connected) Cmd() Cmd { return CmdConnected }

// ToBytes appends the serialized Connected to slice b, and returns the
// resulting slice.
func (m *Connected) ToBytes(b []byte) []byte {
	if len(m.Addr) == 0 {
		return b
	}
	var tmp [4]byte
	b = append(b, m.Addr...)
	binary.BigEndian.PutUint32(tmp[:], m.TTL)
	b = append(b, tmp[:]...)
	return b
}

func connectedFromBytes(b []byte) (Message, error) {
	m := new(Connected)
	if len(b) == 0 {
		return m, nil
	}
	switch len(b) {
	case 4 + 4:
		m.Addr = append([]byte{}, b[:4]...)
		m.TTL = binary.BigEndian.Uint32(b[4:])
	case 16 + 4:
		m.Addr = append([]byte{}, b[:16]...)
		m.TTL = binary.BigEndian.Uint32(b[16:])
	default:
		return nil, errInvalidMessage
	}
	return m, nil
}

// Sendme is a de-serialized SENDME message.  Circuit level SENDMEs carry
// an authentication tag binding the acknowledgement to the acknowledged
// data; stream level SENDMEs carry none.
type Sendme struct {
	Tag []byte
}

// Cmd returns the relay command for this message.
func (m *Sendme) Cmd() Cmd { return CmdSendme }

// ToBytes appends the serialized Sendme to slice b, and returns the
// resulting slice.
func (m *Sendme) ToBytes(b []byte) []byte {
	if len(m.Tag) == 0 {
		return b
	}
	var tmp [2]byte
	b = append(b, sendmeVersionTagged)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(m.Tag)))
	b = append(b, tmp[:]...)
	b = append(b, m.Tag...)
	return b
}

func sendmeFromBytes(b []byte) (Message, error) {
	m := new(Sendme)
	if len(b) == 0 {
		return m, nil
	}
	if len(b) < 3 || b[0] != sendmeVersionTagged {
		return nil, errInvalidMessage
	}
	tLen := int(binary.BigEndian.Uint16(b[1:3]))
	if tLen != SendmeTagLength || len(b) != 3+tLen {
		return nil, errInvalidMessage
	}
	m.Tag = append([]byte{}, b[3:]...)
	return m, nil
}

// Truncated is a de-serialized TRUNCATED message.
type Truncated struct {
	Reason byte
}

// Cmd returns the relay command for this message.
func (m *Truncated) Cmd() Cmd { return CmdTruncated }

// ToBytes appends the serialized Truncated to slice b, and returns the
// resulting slice.
func (m *Truncated) ToBytes(b []byte) []byte {
	return append(b, m.Reason)
}

func truncatedFromBytes(b []byte) (Message, error) {
	if len(b) != 1 {
		return nil, errInvalidMessage
	}
	return &Truncated{Reason: b[0]}, nil
}

// LinkSpecType identifies the kind of a link specifier.
type LinkSpecType byte

const (
	// LinkSpecIPv4 is an IPv4 address and port.
	LinkSpecIPv4 LinkSpecType = 0

	// LinkSpecIPv6 is an IPv6 address and port.
	LinkSpecIPv6 LinkSpecType = 1

	// LinkSpecLegacyID is a legacy relay identity digest.
	LinkSpecLegacyID LinkSpecType = 2

	// LinkSpecEd25519ID is an Ed25519 relay identity.
	LinkSpecEd25519ID LinkSpecType = 3
)

// LinkSpec tells a relay how to reach the next relay in a circuit.
type LinkSpec struct {
	Type LinkSpecType
	Spec []byte
}

// Extend2 is a de-serialized EXTEND2 message.
type Extend2 struct {
	LinkSpecs     []LinkSpec
	HandshakeType uint16
	HandshakeData []byte
}

// Cmd returns the relay command for this message.
func (m *Extend2) Cmd() Cmd { return CmdExtend2 }

// ToBytes appends the serialized Extend2 to slice b, and returns the
// resulting slice.
func (m *Extend2) ToBytes(b []byte) []byte {
	var tmp [2]byte
	b = append(b, byte(len(m.LinkSpecs)))
	for _, ls := range m.LinkSpecs {
		b = append(b, byte(ls.Type), byte(len(ls.Spec)))
		b = append(b, ls.Spec...)
	}
	binary.BigEndian.PutUint16(tmp[:], m.HandshakeType)
	b = append(b, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], uint16(len(m.HandshakeData)))
	b = append(b, tmp[:]...)
	b = append(b, m.HandshakeData...)
	return b
}

func extend2FromBytes(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, errInvalidMessage
	}
	m := new(Extend2)
	nSpecs := int(b[0])
	b = b[1:]
	for i := 0; i < nSpecs; i++ {
		if len(b) < 2 {
			return nil, errInvalidMessage
		}
		sLen := int(b[1])
		if len(b) < 2+sLen {
			return nil, errInvalidMessage
		}
		ls := LinkSpec{Type: LinkSpecType(b[0])}
		ls.Spec = append([]byte{}, b[2:2+sLen]...)
		m.LinkSpecs = append(m.LinkSpecs, ls)
		b = b[2+sLen:]
	}
	if len(b) < 4 {
		return nil, errInvalidMessage
	}
	m.HandshakeType = binary.BigEndian.Uint16(b[0:2])
	dLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) != 4+dLen {
		return nil, errInvalidMessage
	}
	m.HandshakeData = append([]byte{}, b[4:]...)
	return m, nil
}

// Extended2 is a de-serialized EXTENDED2 message.
type Extended2 struct {
	HandshakeData []byte
}

// Cmd returns the relay command for this message.
func (m *Extended2) Cmd() Cmd { return CmdExtended2 }

// ToBytes appends the serialized Extended2 to slice b, and returns the
// resulting slice.
func (m *Extended2) ToBytes(b []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(m.HandshakeData)))
	b = append(b, tmp[:]...)
	b = append(b, m.HandshakeData...)
	return b
}

func extended2FromBytes(b []byte) (Message, error) {
	if len(b) < 2 {
		return nil, errInvalidMessage
	}
	dLen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) != 2+dLen {
		return nil, errInvalidMessage
	}
	m := new(Extended2)
	m.HandshakeData = append([]byte{}, b[2:]...)
	return m, nil
}

// LinkPayload is the CBOR encoded body shared by the CONFLUX_LINK and
// CONFLUX_LINKED messages.
type LinkPayload struct {
	Version uint8  `cbor:"version"`
	Nonce   []byte `cbor:"nonce"`
}

func (p *LinkPayload) validate() error {
	if p.Version != 1 {
		return fmt.Errorf("relay: unsupported conflux link version: %d", p.Version)
	}
	if len(p.Nonce) != LinkNonceLength {
		return errInvalidMessage
	}
	return nil
}

// ConfluxLink is a de-serialized CONFLUX_LINK message.
type ConfluxLink struct {
	Payload LinkPayload
}

// Cmd returns the relay command for this message.
func (m *ConfluxLink) Cmd() Cmd { return CmdConfluxLink }

// ToBytes appends the serialized ConfluxLink to slice b, and returns the
// resulting slice.
func (m *ConfluxLink) ToBytes(b []byte) []byte {
	enc, err := cbor.Marshal(&m.Payload)
	if err != nil {
		// Marshaling a fixed-shape struct cannot fail.
		panic("relay: BUG: failed to marshal link payload: " + err.Error())
	}
	return append(b, enc...)
}

func confluxLinkFromBytes(b []byte) (Message, error) {
	m := new(ConfluxLink)
	if err := cbor.Unmarshal(b, &m.Payload); err != nil {
		return nil, errInvalidMessage
	}
	if err := m.Payload.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ConfluxLinked is a de-serialized CONFLUX_LINKED message.
type ConfluxLinked struct {
	Payload LinkPayload
}

// Cmd returns the relay command for this message.
func (m *ConfluxLinked) Cmd() Cmd { return CmdConfluxLinked }

// ToBytes appends the serialized ConfluxLinked to slice b, and returns
// the resulting slice.
func (m *ConfluxLinked) ToBytes(b []byte) []byte {
	enc, err := cbor.Marshal(&m.Payload)
	if err != nil {
		panic("relay: BUG: failed to marshal link payload: " + err.Error())
	}
	return append(b, enc...)
}

func confluxLinkedFromBytes(b []byte) (Message, error) {
	m := new(ConfluxLinked)
	if err := cbor.Unmarshal(b, &m.Payload); err != nil {
		return nil, errInvalidMessage
	}
	if err := m.Payload.validate(); err != nil {
		return nil, err
	}
	return m, nil
}
