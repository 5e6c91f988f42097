// conflux.go - Multipath leg set.
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
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/relay"
)

// legID addresses one leg of a conflux set.  The generation is bumped on
// every slot reuse, so a stale ID held past its leg's removal can never
// alias a newer leg.
type legID struct {
	slot uint32
	gen  uint32
}

// String returns a human readable representation of the leg ID.
func (id legID) String() string {
	return fmt.Sprintf("leg:%d.%d", id.slot, id.gen)
}

type legSlot struct {
	leg *leg
	gen uint32
}

// legAction is one unit of per-leg work, produced by the leg's forwarder
// and consumed by the reactor.  Exactly one of cell, ready, or closed is
// meaningful.
type legAction struct {
	leg legID

	// cell is an inbound cell from the leg's channel.
	cell *cell.Cell

	// ready notes that some stream on the leg may be sendable.
	ready bool

	// closed notes that the leg's inbound cell feed terminated.
	closed bool
}

// confluxSet owns the legs that together form one logical tunnel.  It is
// touched only by the reactor goroutine; the forwarder goroutines feed
// actionCh without ever looking inside a leg.
type confluxSet struct {
	slots   []legSlot
	free    []uint32
	nLegs   int
	primary legID

	// linkNonce binds all legs of the set together on the wire; generated
	// lazily when the second leg is linked.
	linkNonce []byte

	actionCh chan legAction
}

func newConfluxSet() *confluxSet {
	return &confluxSet{actionCh: make(chan legAction)}
}

func (s *confluxSet) len() int {
	return s.nLegs
}

// insert adds a leg and returns its ID.  The first leg inserted becomes
// primary.
func (s *confluxSet) insert(l *leg) legID {
	var slot uint32
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, legSlot{})
		slot = uint32(len(s.slots) - 1)
	}
	s.slots[slot].gen++
	s.slots[slot].leg = l

	id := legID{slot: slot, gen: s.slots[slot].gen}
	l.id = id
	s.nLegs++
	if s.nLegs == 1 {
		s.primary = id
	}
	return id
}

// get resolves a leg ID, returning nil for stale or unknown IDs.
func (s *confluxSet) get(id legID) *leg {
	if int(id.slot) >= len(s.slots) {
		return nil
	}
	sl := &s.slots[id.slot]
	if sl.gen != id.gen {
		return nil
	}
	return sl.leg
}

// remove discards a leg and returns true when the set became empty, the
// unique trigger for reactor shutdown.  When the primary leg goes away
// another leg is promoted.
func (s *confluxSet) remove(id legID) (bool, error) {
	if s.get(id) == nil {
		return false, newBugError("remove of unknown %v", id)
	}
	s.slots[id.slot].leg = nil
	s.free = append(s.free, id.slot)
	s.nLegs--
	if s.nLegs == 0 {
		return true, nil
	}
	if s.primary == id {
		for slot := range s.slots {
			if l := s.slots[slot].leg; l != nil {
				s.primary = l.id
				break
			}
		}
	}
	return false, nil
}

// single returns the only leg, erroring when the set holds more or fewer
// than one.  Operations not generalized to multipath go through here.
func (s *confluxSet) single() (*leg, error) {
	if s.nLegs != 1 {
		return nil, ErrNotSingleLeg
	}
	for slot := range s.slots {
		if l := s.slots[slot].leg; l != nil {
			return l, nil
		}
	}
	return nil, newBugError("leg count and slots disagree")
}

// primaryLeg returns the designated primary leg.
func (s *confluxSet) primaryLeg() (*leg, error) {
	l := s.get(s.primary)
	if l == nil {
		return nil, newBugError("no primary leg")
	}
	return l, nil
}

// forEach visits every live leg.
func (s *confluxSet) forEach(f func(*leg)) {
	for slot := range s.slots {
		if l := s.slots[slot].leg; l != nil {
			f(l)
		}
	}
}

// nonce returns the set's link nonce, generating it on first use.
func (s *confluxSet) nonce() ([]byte, error) {
	if s.linkNonce == nil {
		n := make([]byte, relay.LinkNonceLength)
		if _, err := io.ReadFull(rand.Reader, n); err != nil {
			return nil, err
		}
		s.linkNonce = n
	}
	return s.linkNonce, nil
}

// confluxLinker is the meta handler for one CONFLUX_LINK/CONFLUX_LINKED
// exchange on a freshly created leg.
type confluxLinker struct {
	hop    int
	nonce  []byte
	doneCh chan error
}

// startLink sends the CONFLUX_LINK on the new leg and installs the linker
// as its meta handler.
func startLink(l *leg, nonce []byte, doneCh chan error) error {
	if l.meta != nil {
		return ErrExtendInProgress
	}
	link := &relay.ConfluxLink{
		Payload: relay.LinkPayload{
			Version: 1,
			Nonce:   append([]byte{}, nonce...),
		},
	}
	lk := &confluxLinker{
		hop:    l.lastHop(),
		nonce:  nonce,
		doneCh: doneCh,
	}
	if err := l.sendRelayCell(lk.hop, false, relay.Outer{Msg: link}); err != nil {
		return err
	}
	l.meta = lk
	return nil
}

func (lk *confluxLinker) expectedHop() int {
	return lk.hop
}

func (lk *confluxLinker) fail(err error) {
	select {
	case lk.doneCh <- err:
	default:
	}
}

func (lk *confluxLinker) handleMsg(u relay.Unparsed) (bool, error) {
	if u.Cmd != relay.CmdConfluxLinked {
		return true, newProtocolError("%v while awaiting CONFLUX_LINKED", u.Cmd)
	}
	msg, err := u.Parse()
	if err != nil {
		return true, newProtocolError("CONFLUX_LINKED: %v", err)
	}
	linked := msg.(*relay.ConfluxLinked)
	if subtle.ConstantTimeCompare(linked.Payload.Nonce, lk.nonce) != 1 {
		// The relay echoed a nonce from some other set; the new leg is
		// unusable.
		return true, newProtocolError("CONFLUX_LINKED nonce mismatch")
	}
	select {
	case lk.doneCh <- nil:
	default:
	}
	return true, nil
}
