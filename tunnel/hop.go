// hop.go - Per-hop circuit state.
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
	"sync"

	"github.com/torwell/torproto/config"
	"github.com/torwell/torproto/core/relay"
)

// circHop is the state kept for one hop of a circuit leg: the stream map,
// the circuit level flow control windows, and the relay cell decoder bound
// to the body format negotiated with the hop.
//
// The stream map is the only leg state touched from outside the reactor
// goroutine, so it lives behind the Mutex.  The lock is held only for
// short map operations, never across channel sends.
type circHop struct {
	sync.Mutex

	num     int
	streams *streamMap

	sendW *sendWindow
	recvW *recvWindow

	decoder *relay.Decoder

	// lastTag is the full length tag of the most recently received flow
	// controlled cell, echoed in the next circuit level SENDME.
	lastTag []byte
}

func newCircHop(num int, flow *config.FlowControl, format relay.Format) *circHop {
	return &circHop{
		num:     num,
		streams: newStreamMap(),
		sendW:   newCircuitSendWindow(flow.CircuitWindow, flow.CircuitWindowIncrement),
		recvW:   newRecvWindow(flow.CircuitWindow, flow.CircuitWindowIncrement),
		decoder: relay.NewDecoder(format),
	}
}
