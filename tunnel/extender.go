// extender.go - Circuit creation and extension handshake driver.
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

package tunnel

import (
	"crypto/rand"

	"gopkg.in/op/go-logging.v1"

	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/crypto/handshake"
	"github.com/torwell/torproto/core/crypto/onion"
	"github.com/torwell/torproto/core/relay"
)

// CreateMethod selects the handshake used to create the first hop of a
// leg.
type CreateMethod struct {
	// Fast selects the legacy CREATE_FAST handshake.  It authenticates
	// nothing and is only acceptable because the channel already
	// authenticated the first relay.
	Fast bool

	// Key is the relay's identity and onion key, unused when Fast is set.
	Key handshake.NtorPublicKey

	// Type selects the CREATE2 handshake variant, unused when Fast is set.
	Type cell.HandshakeType

	// Aux is the auxiliary payload exchanged by the HandshakeNtorX
	// variant.
	Aux []byte

	// Format is the relay body format negotiated for the hop.
	Format relay.Format
}

// ExtendMethod selects the target and handshake of one circuit extension.
type ExtendMethod struct {
	// Key is the target relay's identity and onion key.
	Key handshake.NtorPublicKey

	// LinkSpecs tell the current last hop how to reach the target.
	LinkSpecs []relay.LinkSpec

	// Type selects the handshake variant.
	Type cell.HandshakeType

	// Aux is the auxiliary payload for the HandshakeNtorX variant.
	Aux []byte

	// Format is the relay body format negotiated for the new hop.
	Format relay.Format
}

// clientHandshake abstracts the second phase of the key agreement
// variants, so the extender is indifferent to which one is in flight.
type clientHandshake interface {
	complete(reply []byte) (handshake.KeyGen, error)
}

type ntorHandshake struct {
	c *handshake.NtorClient
}

func (h *ntorHandshake) complete(reply []byte) (handshake.KeyGen, error) {
	return h.c.Complete(reply)
}

type ntorXHandshake struct {
	c *handshake.NtorXClient

	// serverAux is the relay's authenticated auxiliary payload, populated
	// on completion.
	serverAux []byte
}

func (h *ntorXHandshake) complete(reply []byte) (handshake.KeyGen, error) {
	aux, kg, err := h.c.Complete(reply)
	if err != nil {
		return nil, err
	}
	h.serverAux = aux
	return kg, nil
}

func newClientHandshake(key *handshake.NtorPublicKey, hsType cell.HandshakeType, aux []byte) (clientHandshake, []byte, error) {
	switch hsType {
	case cell.HandshakeNtor:
		c, msg, err := handshake.NewNtorClient(rand.Reader, key)
		if err != nil {
			return nil, nil, err
		}
		return &ntorHandshake{c: c}, msg, nil
	case cell.HandshakeNtorX:
		c, msg, err := handshake.NewNtorXClient(rand.Reader, key, aux)
		if err != nil {
			return nil, nil, err
		}
		return &ntorXHandshake{c: c}, msg, nil
	default:
		return nil, nil, newBugError("unsupported handshake type %d", hsType)
	}
}

// installHop derives a new hop's key material from a completed handshake
// and appends the hop and its crypto layers to the leg.
func installHop(l *leg, format relay.Format, kg handshake.KeyGen) error {
	keys, err := kg.Expand(onion.KeyMaterialLength)
	if err != nil {
		return err
	}
	out, in, err := onion.NewClientLayers(format, keys)
	if err != nil {
		return err
	}
	l.addHop(format, out, in)
	return nil
}

// createHandshake is the client state of a first hop creation, covering
// both the CREATE_FAST and CREATE2 shapes.
type createHandshake struct {
	format relay.Format
	fast   *handshake.FastClient
	hs     clientHandshake
}

// newCreateHandshake computes the first handshake phase, returning the
// client state and the cell command to send.
func newCreateHandshake(m *CreateMethod) (*createHandshake, cell.Command, error) {
	c := &createHandshake{format: m.Format}
	if m.Fast {
		fc, x, err := handshake.NewFastClient(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		c.fast = fc
		return c, &cell.CreateFast{X: x}, nil
	}

	hs, msg, err := newClientHandshake(&m.Key, m.Type, m.Aux)
	if err != nil {
		return nil, nil, err
	}
	c.hs = hs
	return c, &cell.Create2{Type: m.Type, Data: msg}, nil
}

// complete consumes the relay's CREATED_FAST or CREATED2 reply and
// installs the first hop.
func (c *createHandshake) complete(l *leg, reply cell.Command) error {
	var kg handshake.KeyGen
	var err error

	switch r := reply.(type) {
	case *cell.CreatedFast:
		if c.fast == nil {
			return newProtocolError("CREATED_FAST in reply to CREATE2")
		}
		kg, err = c.fast.Complete(r.Y, r.KH)
	case *cell.Created2:
		if c.hs == nil {
			return newProtocolError("CREATED2 in reply to CREATE_FAST")
		}
		kg, err = c.hs.complete(r.Data)
	default:
		return newProtocolError("unexpected reply to a create cell")
	}
	if err != nil {
		return newHandshakeError(err)
	}
	if err = installHop(l, c.format, kg); err != nil {
		return newHandshakeError(err)
	}
	return nil
}

type extenderState int

const (
	extenderStarted extenderState = iota
	extenderAwaitingReply
	extenderCompleted
	extenderFailed
)

// circuitExtender drives exactly one EXTEND2/EXTENDED2 exchange.  While
// awaiting the reply it is installed as the leg's sole meta handler; its
// lifetime ends with the exchange.
type circuitExtender struct {
	leg    *leg
	hop    int
	state  extenderState
	format relay.Format
	hs     clientHandshake
	doneCh chan error
	log    *logging.Logger
}

// startExtension computes the handshake message, sends the EXTEND2 as a
// RELAY_EARLY cell, and installs the extender as the leg's meta handler.
func startExtension(l *leg, m *ExtendMethod, doneCh chan error, log *logging.Logger) error {
	if l.meta != nil {
		return ErrExtendInProgress
	}
	if l.numHops() == 0 {
		return newBugError("extension attempted before the first hop exists")
	}

	hs, hsMsg, err := newClientHandshake(&m.Key, m.Type, m.Aux)
	if err != nil {
		return err
	}

	e := &circuitExtender{
		leg:    l,
		hop:    l.lastHop(),
		state:  extenderStarted,
		format: m.Format,
		hs:     hs,
		doneCh: doneCh,
		log:    log,
	}

	msg := &relay.Extend2{
		LinkSpecs:     m.LinkSpecs,
		HandshakeType: uint16(m.Type),
		HandshakeData: hsMsg,
	}
	if err = l.sendRelayCell(e.hop, true, relay.Outer{Msg: msg}); err != nil {
		return err
	}

	e.state = extenderAwaitingReply
	l.meta = e
	return nil
}

func (e *circuitExtender) expectedHop() int {
	return e.hop
}

func (e *circuitExtender) fail(err error) {
	e.state = extenderFailed
	select {
	case e.doneCh <- err:
	default:
	}
}

func (e *circuitExtender) handleMsg(u relay.Unparsed) (bool, error) {
	if u.Cmd != relay.CmdExtended2 {
		return true, newProtocolError("%v while awaiting EXTENDED2", u.Cmd)
	}
	msg, err := u.Parse()
	if err != nil {
		return true, newProtocolError("EXTENDED2: %v", err)
	}

	kg, err := e.hs.complete(msg.(*relay.Extended2).HandshakeData)
	if err == nil {
		err = installHop(e.leg, e.format, kg)
	}
	if err != nil {
		// Fatal to this attempt only; the circuit survives.
		e.log.Warningf("Extension handshake failed: %v.", err)
		e.fail(newHandshakeError(err))
		return true, nil
	}

	e.state = extenderCompleted
	select {
	case e.doneCh <- nil:
	default:
	}
	return true, nil
}
