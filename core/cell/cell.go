// cell.go - Channel cell commands.
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

// Package cell implements the channel level cell commands exchanged with
// the relay a channel is connected to.  Each cell is addressed to a
// channel-local circuit ID; the transport framing around a cell belongs to
// the channel implementation and not to this package.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CircIDLength is the length of a circuit ID in bytes.
	CircIDLength = 4

	// RelayBodyLength is the length of a RELAY/RELAY_EARLY cell body in
	// bytes.
	RelayBodyLength = 509

	// FastKeyLength is the length of the key material carried by the
	// CREATE_FAST/CREATED_FAST handshake.
	FastKeyLength = 20

	cmdOverhead = CircIDLength + 1
)

const (
	relay       commandID = 3
	destroy     commandID = 4
	createFast  commandID = 5
	createdFast commandID = 6
	relayEarly  commandID = 9
	create2     commandID = 10
	created2    commandID = 11
)

var errInvalidCommand = errors.New("cell: invalid channel command")

type commandID byte

// CircID is a channel-local circuit identifier.
type CircID uint32

// HandshakeType identifies the key agreement used by a CREATE2 cell.
type HandshakeType uint16

const (
	// HandshakeNtor is the X25519 ntor handshake.
	HandshakeNtor HandshakeType = 2

	// HandshakeNtorX is the ntor variant carrying auxiliary data.
	HandshakeNtorX HandshakeType = 3
)

// Command is the common interface exposed by all channel command
// structures.
type Command interface {
	// ToBytes appends the serialized command to slice b, and returns the
	// resulting slice.
	ToBytes(b []byte) []byte
}

// Cell is a channel cell: a command addressed to a circuit.
type Cell struct {
	Circ CircID
	Cmd  Command
}

// ToBytes serializes the cell and returns the resulting slice.
func (c *Cell) ToBytes() []byte {
	b := make([]byte, CircIDLength, cmdOverhead)
	binary.BigEndian.PutUint32(b[0:4], uint32(c.Circ))
	return c.Cmd.ToBytes(b)
}

// FromBytes deserializes a cell from the buffer b.
func FromBytes(b []byte) (*Cell, error) {
	if len(b) < cmdOverhead {
		return nil, errInvalidCommand
	}

	c := new(Cell)
	c.Circ = CircID(binary.BigEndian.Uint32(b[0:4]))
	id := b[4]
	b = b[5:]

	var err error
	switch commandID(id) {
	case createFast:
		c.Cmd, err = createFastFromBytes(b)
	case createdFast:
		c.Cmd, err = createdFastFromBytes(b)
	case create2:
		c.Cmd, err = create2FromBytes(b)
	case created2:
		c.Cmd, err = created2FromBytes(b)
	case relay:
		c.Cmd, err = relayFromBytes(b, false)
	case relayEarly:
		c.Cmd, err = relayFromBytes(b, true)
	case destroy:
		c.Cmd, err = destroyFromBytes(b)
	default:
		err = fmt.Errorf("cell: unknown channel command: 0x%02x", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateFast is a de-serialized CREATE_FAST command.
type CreateFast struct {
	X [FastKeyLength]byte
}

// ToBytes appends the serialized CreateFast to slice b, and returns the
// resulting slice.
func (c *CreateFast) ToBytes(b []byte) []byte {
	b = append(b, byte(createFast))
	b = append(b, c.X[:]...)
	return b
}

func createFastFromBytes(b []byte) (Command, error) {
	if len(b) != FastKeyLength {
		return nil, errInvalidCommand
	}
	c := new(CreateFast)
	copy(c.X[:], b)
	return c, nil
}

// CreatedFast is a de-serialized CREATED_FAST command.
type CreatedFast struct {
	Y  [FastKeyLength]byte
	KH [FastKeyLength]byte
}

// ToBytes appends the serialized CreatedFast to slice b, and returns the
// resulting slice.
func (c *CreatedFast) ToBytes(b []byte) []byte {
	b = append(b, byte(createdFast))
	b = append(b, c.Y[:]...)
	b = append(b, c.KH[:]...)
	return b
}

func createdFastFromBytes(b []byte) (Command, error) {
	if len(b) != 2*FastKeyLength {
		return nil, errInvalidCommand
	}
	c := new(CreatedFast)
	copy(c.Y[:], b[:FastKeyLength])
	copy(c.KH[:], b[FastKeyLength:])
	return c, nil
}

// Create2 is a de-serialized CREATE2 command.
type Create2 struct {
	Type HandshakeType
	Data []byte
}

// ToBytes appends the serialized Create2 to slice b, and returns the
// resulting slice.
func (c *Create2) ToBytes(b []byte) []byte {
	var tmp [4]byte
	b = append(b, byte(create2))
	binary.BigEndian.PutUint16(tmp[0:2], uint16(c.Type))
	binary.BigEndian.PutUint16(tmp[2:4], uint16(len(c.Data)))
	b = append(b, tmp[:]...)
	b = append(b, c.Data...)
	return b
}

func create2FromBytes(b []byte) (Command, error) {
	if len(b) < 4 {
		return nil, errInvalidCommand
	}
	c := new(Create2)
	c.Type = HandshakeType(binary.BigEndian.Uint16(b[0:2]))
	dLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) != 4+dLen {
		return nil, errInvalidCommand
	}
	c.Data = make([]byte, dLen)
	copy(c.Data, b[4:])
	return c, nil
}

// Created2 is a de-serialized CREATED2 command.
type Created2 struct {
	Data []byte
}

// ToBytes appends the serialized Created2 to slice b, and returns the
// resulting slice.
func (c *Created2) ToBytes(b []byte) []byte {
	var tmp [2]byte
	b = append(b, byte(created2))
	binary.BigEndian.PutUint16(tmp[:], uint16(len(c.Data)))
	b = append(b, tmp[:]...)
	b = append(b, c.Data...)
	return b
}

func created2FromBytes(b []byte) (Command, error) {
	if len(b) < 2 {
		return nil, errInvalidCommand
	}
	c := new(Created2)
	dLen := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) != 2+dLen {
		return nil, errInvalidCommand
	}
	c.Data = make([]byte, dLen)
	copy(c.Data, b[2:])
	return c, nil
}

// Relay is a de-serialized RELAY or RELAY_EARLY command, carrying an onion
// encrypted relay cell body.
type Relay struct {
	Early bool
	Body  [RelayBodyLength]byte
}

// ToBytes appends the serialized Relay to slice b, and returns the
// resulting slice.
func (c *Relay) ToBytes(b []byte) []byte {
	if c.Early {
		b = append(b, byte(relayEarly))
	} else {
		b = append(b, byte(relay))
	}
	b = append(b, c.Body[:]...)
	return b
}

func relayFromBytes(b []byte, early bool) (Command, error) {
	if len(b) != RelayBodyLength {
		return nil, errInvalidCommand
	}
	c := new(Relay)
	c.Early = early
	copy(c.Body[:], b)
	return c, nil
}

// Destroy is a de-serialized DESTROY command.
type Destroy struct {
	Reason DestroyReason
}

// ToBytes appends the serialized Destroy to slice b, and returns the
// resulting slice.
func (c *Destroy) ToBytes(b []byte) []byte {
	return append(b, byte(destroy), byte(c.Reason))
}

func destroyFromBytes(b []byte) (Command, error) {
	if len(b) != 1 {
		return nil, errInvalidCommand
	}
	return &Destroy{Reason: DestroyReason(b[0])}, nil
}

// DestroyReason is the reason carried by a DESTROY command.
type DestroyReason byte

const (
	// DestroyNone indicates no reason given.
	DestroyNone DestroyReason = 0

	// DestroyProtocol indicates a protocol violation.
	DestroyProtocol DestroyReason = 1

	// DestroyInternal indicates an internal error.
	DestroyInternal DestroyReason = 2

	// DestroyRequested indicates a client-requested teardown.
	DestroyRequested DestroyReason = 3

	// DestroyFinished indicates the circuit served its purpose.
	DestroyFinished DestroyReason = 9
)

// String returns a human readable representation of the reason.
func (r DestroyReason) String() string {
	switch r {
	case DestroyNone:
		return "none"
	case DestroyProtocol:
		return "protocol violation"
	case DestroyInternal:
		return "internal error"
	case DestroyRequested:
		return "requested"
	case DestroyFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown (0x%02x)", byte(r))
	}
}
