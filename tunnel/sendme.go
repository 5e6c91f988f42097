// sendme.go - Flow control windows and SENDME accounting.
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
	"crypto/subtle"

	"github.com/torwell/torproto/core/relay"
)

// sendWindow tracks how many flow controlled cells may still be sent
// before the peer must acknowledge with a SENDME.  Circuit level windows
// additionally record one authentication tag per window increment, binding
// each expected SENDME to the data it acknowledges.
type sendWindow struct {
	window    int
	init      int
	increment int
	tagged    bool
	tags      [][]byte
}

func newCircuitSendWindow(init, increment int) *sendWindow {
	return &sendWindow{window: init, init: init, increment: increment, tagged: true}
}

func newStreamSendWindow(init, increment int) *sendWindow {
	return &sendWindow{window: init, init: init, increment: increment}
}

// canSend returns true if the window permits sending another cell.
func (w *sendWindow) canSend() bool {
	return w.window > 0
}

// take consumes one unit of send capacity.  When the window crosses an
// increment boundary the tag of the cell just sent is recorded as the tag
// the acknowledging SENDME must carry.
func (w *sendWindow) take(tag []byte) error {
	if w.window <= 0 {
		return newBugError("send window underflow")
	}
	w.window--
	if w.tagged && w.window%w.increment == 0 {
		w.tags = append(w.tags, append([]byte{}, tag...))
	}
	return nil
}

// handleSendme processes an acknowledging SENDME, validating its tag
// against the recorded one and replenishing the window.
func (w *sendWindow) handleSendme(tag []byte) error {
	if w.tagged {
		if len(w.tags) == 0 {
			return newProtocolError("SENDME arrived with no outstanding window increment")
		}
		expected := w.tags[0]
		w.tags = w.tags[1:]
		if len(tag) < relay.DigestLength {
			return newProtocolError("SENDME carries no usable tag")
		}
		// Only the leading digest-truncation needs to match; the tag a
		// peer echoes may be truncated to the wire digest length.
		n := len(tag)
		if n > len(expected) {
			return newProtocolError("SENDME tag longer than recorded tag")
		}
		if subtle.ConstantTimeCompare(tag, expected[:n]) != 1 {
			return newProtocolError("SENDME tag does not match recorded tag")
		}
	}
	if w.window+w.increment > w.init {
		return newProtocolError("SENDME would overflow the send window")
	}
	w.window += w.increment
	return nil
}

// recvWindow tracks how many flow controlled cells the peer may still send
// before this side must acknowledge with a SENDME.
type recvWindow struct {
	window    int
	init      int
	increment int
}

func newRecvWindow(init, increment int) *recvWindow {
	return &recvWindow{window: init, init: init, increment: increment}
}

// take accounts for one received flow controlled cell.
func (w *recvWindow) take() error {
	if w.window <= 0 {
		return newProtocolError("flow controlled cell exceeded the receive window")
	}
	w.window--
	return nil
}

// shouldSendme returns true once enough cells have arrived that a SENDME
// must be queued to keep the peer's window open.
func (w *recvWindow) shouldSendme() bool {
	return w.window <= w.init-w.increment
}

// sentSendme accounts for one queued SENDME.
func (w *recvWindow) sentSendme() {
	w.window += w.increment
}
