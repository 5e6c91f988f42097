// streammap.go - Per-hop stream bookkeeping.
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
	"github.com/torwell/torproto/core/relay"
)

type streamState int

const (
	// streamOpen carries data in both directions.
	streamOpen streamState = iota

	// streamEndSent has had a local END queued but the peer has not yet
	// acknowledged with its own END.  Inbound messages are still validated
	// and flow controlled, but delivered nowhere.
	streamEndSent
)

// checkerState tracks which relay commands a client initiated stream may
// legitimately receive next.
type checkerState int

const (
	checkerAwaitingConnected checkerState = iota
	checkerConnected
	checkerEndReceived
)

// dataCmdChecker validates the command sequence on a data stream: exactly
// one CONNECTED, then DATA until END.
type dataCmdChecker struct {
	state checkerState
}

func (c *dataCmdChecker) check(cmd relay.Cmd) error {
	switch c.state {
	case checkerAwaitingConnected:
		switch cmd {
		case relay.CmdConnected:
			c.state = checkerConnected
		case relay.CmdEnd:
			c.state = checkerEndReceived
		default:
			return newProtocolError("%v received before CONNECTED", cmd)
		}
	case checkerConnected:
		switch cmd {
		case relay.CmdData, relay.CmdSendme:
		case relay.CmdEnd:
			c.state = checkerEndReceived
		default:
			return newProtocolError("%v received on a connected stream", cmd)
		}
	case checkerEndReceived:
		return newProtocolError("%v received after END", cmd)
	}
	return nil
}

// streamEntry is the per-stream state held in a hop's stream map.
type streamEntry struct {
	state streamState

	// inbox delivers inbound messages to the Stream reader.  It is bounded;
	// messages beyond its depth are dropped and counted.
	inbox chan relay.Message

	// outbox holds messages the Stream writer queued for transmission.
	// Only the reactor consumes it.
	outbox chan relay.Message

	sendW   *sendWindow
	recvW   *recvWindow
	checker *dataCmdChecker

	// connected is signalled exactly once, when the stream becomes usable
	// or when it fails before CONNECTED arrives.
	connected chan error

	// dropped counts inbound messages discarded because the inbox was
	// full or the stream was half closed.
	dropped uint64

	inboxClosed bool
}

// closeInbox closes the delivery queue, waking a blocked reader.
func (e *streamEntry) closeInbox() {
	if !e.inboxClosed {
		e.inboxClosed = true
		close(e.inbox)
	}
}

// signalConnected delivers the stream's one-shot readiness result.
func (e *streamEntry) signalConnected(err error) {
	select {
	case e.connected <- err:
	default:
	}
}

// streamMap is one hop's stream ID to stream state mapping, along with the
// round robin transmit scheduling state.
type streamMap struct {
	entries map[relay.StreamID]*streamEntry
	order   []relay.StreamID
	rrNext  int
	lastID  relay.StreamID
}

func newStreamMap() *streamMap {
	return &streamMap{entries: make(map[relay.StreamID]*streamEntry)}
}

func (m *streamMap) get(id relay.StreamID) *streamEntry {
	return m.entries[id]
}

func (m *streamMap) len() int {
	return len(m.entries)
}

// allocate binds ent to a fresh stream ID.  IDs are never reused while any
// open or half closed entry still references them.
func (m *streamMap) allocate(ent *streamEntry) (relay.StreamID, error) {
	for i := 0; i < 1<<16; i++ {
		m.lastID++
		if m.lastID == 0 {
			continue
		}
		if _, used := m.entries[m.lastID]; used {
			continue
		}
		m.insert(m.lastID, ent)
		return m.lastID, nil
	}
	return 0, ErrStreamIDExhausted
}

// insert binds ent to a specific ID, used for peer initiated streams and
// half closed ID reuse.
func (m *streamMap) insert(id relay.StreamID, ent *streamEntry) {
	m.entries[id] = ent
	m.order = append(m.order, id)
}

func (m *streamMap) remove(id relay.StreamID) {
	if _, ok := m.entries[id]; !ok {
		return
	}
	delete(m.entries, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if m.rrNext > i {
				m.rrNext--
			}
			break
		}
	}
}

// replace swaps the entry bound to id without disturbing its round robin
// position, used when a fresh BEGIN reuses a half closed ID.
func (m *streamMap) replace(id relay.StreamID, ent *streamEntry) {
	m.entries[id] = ent
}

func entryReady(ent *streamEntry) bool {
	return ent.state == streamOpen && len(ent.outbox) > 0 && ent.sendW.canSend()
}

// nextReady returns the next stream, in round robin order, that has queued
// outbound messages and send window capacity, or zero if none does.
func (m *streamMap) nextReady() (relay.StreamID, *streamEntry) {
	n := len(m.order)
	for i := 0; i < n; i++ {
		idx := (m.rrNext + i) % n
		id := m.order[idx]
		ent := m.entries[id]
		if entryReady(ent) {
			m.rrNext = (idx + 1) % n
			return id, ent
		}
	}
	return 0, nil
}

// anyReady returns true if any stream could transmit right now.
func (m *streamMap) anyReady() bool {
	for _, ent := range m.entries {
		if entryReady(ent) {
			return true
		}
	}
	return false
}
