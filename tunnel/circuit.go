// circuit.go - Circuit leg.
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
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/torwell/torproto/config"
	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/crypto/onion"
	"github.com/torwell/torproto/core/relay"
)

// maxEarlyCells is the RELAY_EARLY budget of one leg.
const maxEarlyCells = 8

// metaHandler consumes meta cells on behalf of an in-flight control
// exchange, such as a circuit extension.  At most one handler is installed
// per leg at any time, and it only accepts cells from the hop it expects.
type metaHandler interface {
	// expectedHop is the hop the reply must originate from.
	expectedHop() int

	// handleMsg consumes one meta cell.  The first return is true when the
	// exchange is finished and the handler must be uninstalled.  A non-nil
	// error is fatal to the leg; failures scoped to the exchange itself are
	// reported through fail and a nil error.
	handleMsg(u relay.Unparsed) (bool, error)

	// fail reports a terminal error to whoever is waiting on the exchange.
	fail(err error)
}

// leg is one cryptographic path through a sequence of relays.  All fields
// except the per-hop stream maps are owned exclusively by the reactor
// goroutine.
type leg struct {
	id     legID
	circID cell.CircID

	ch Channel
	in <-chan *cell.Cell

	hops []*circHop
	fwd  *onion.OutboundCrypt
	back *onion.InboundCrypt

	// readyCh is signalled when some stream may have become sendable.
	readyCh chan struct{}

	meta     metaHandler
	acceptCh chan *InboundStream

	// linking is non-nil while the leg's create reply is outstanding.
	linking *pendingLink

	earlyRemaining int

	flow   *config.FlowControl
	queues *config.Queues
	cmdCh  chan<- interface{}
	deadCh <-chan struct{}
	log    *logging.Logger

	destroyed bool
}

func newLeg(circID cell.CircID, ch Channel, in <-chan *cell.Cell, cfg *config.Config, cmdCh chan<- interface{}, deadCh <-chan struct{}, log *logging.Logger) *leg {
	return &leg{
		circID:         circID,
		ch:             ch,
		in:             in,
		fwd:            onion.NewOutboundCrypt(),
		back:           onion.NewInboundCrypt(),
		readyCh:        make(chan struct{}, 1),
		earlyRemaining: maxEarlyCells,
		flow:           cfg.FlowControl,
		queues:         cfg.Queues,
		cmdCh:          cmdCh,
		deadCh:         deadCh,
		log:            log,
	}
}

func (l *leg) numHops() int {
	return len(l.hops)
}

func (l *leg) lastHop() int {
	return len(l.hops) - 1
}

// addHop appends a new hop and its crypto layers, keeping the hop list and
// both layer stacks in lockstep.
func (l *leg) addHop(format relay.Format, out onion.OutboundLayer, in onion.InboundLayer) {
	l.hops = append(l.hops, newCircHop(len(l.hops), l.flow, format))
	l.fwd.AddLayer(out)
	l.back.AddLayer(in)
}

func (l *leg) signalReady() {
	select {
	case l.readyCh <- struct{}{}:
	default:
	}
}

func (l *leg) clockSkew() time.Duration {
	return l.ch.ClockSkew()
}

func (l *leg) newStreamEntry() *streamEntry {
	return &streamEntry{
		inbox:     make(chan relay.Message, l.queues.StreamQueueDepth),
		outbox:    make(chan relay.Message, l.queues.StreamTxQueueDepth),
		sendW:     newStreamSendWindow(l.flow.StreamWindow, l.flow.StreamWindowIncrement),
		recvW:     newRecvWindow(l.flow.StreamWindow, l.flow.StreamWindowIncrement),
		checker:   new(dataCmdChecker),
		connected: make(chan error, 1),
	}
}

func (l *leg) newStream(hop int, id relay.StreamID, ent *streamEntry) *Stream {
	return &Stream{
		l:         l,
		hop:       hop,
		id:        id,
		inbox:     ent.inbox,
		outbox:    ent.outbox,
		connected: ent.connected,
		closedCh:  make(chan struct{}),
	}
}

// sendRelayCell encodes, onion encrypts, and transmits one relay cell
// addressed to the given hop.  Flow controlled messages deduct stream and
// circuit send capacity first; the circuit level tag is recorded after
// encryption.  Once a body has been encrypted it must be sent: the layered
// cipher state cannot be rewound, so a transport failure here is fatal to
// the leg.
func (l *leg) sendRelayCell(hop int, early bool, o relay.Outer) error {
	if hop < 0 || hop >= len(l.hops) {
		return newBugError("send to nonexistent hop %d", hop)
	}
	h := l.hops[hop]

	counts := o.Msg.Cmd().CountsTowardsWindows()
	if counts {
		if !h.sendW.canSend() {
			return newBugError("circuit send window exhausted on hop %d", hop)
		}
		h.Lock()
		ent := h.streams.get(o.Stream)
		if ent == nil || ent.state != streamOpen {
			h.Unlock()
			return ErrStreamNotFound
		}
		err := ent.sendW.take(nil)
		h.Unlock()
		if err != nil {
			return err
		}
	}

	body, err := relay.EncodeBody(h.decoder.Format(), o)
	if err != nil {
		return err
	}
	tag, err := l.fwd.Encrypt(body, hop)
	if err != nil {
		return newBugError("encrypt for hop %d: %v", hop, err)
	}
	if counts {
		if err = h.sendW.take(tag); err != nil {
			return err
		}
	}
	if early {
		if l.earlyRemaining <= 0 {
			return newProtocolError("RELAY_EARLY budget exhausted")
		}
		l.earlyRemaining--
	}

	return l.ch.SendCell(&cell.Cell{Circ: l.circID, Cmd: &cell.Relay{Early: early, Body: *body}})
}

// handleRelayCell peels an inbound relay cell, accounts for circuit level
// flow control, and dispatches every decoded message.  An error discards
// the rest of the message batch and is fatal to the leg.
func (l *leg) handleRelayCell(c *cell.Relay) error {
	body := c.Body
	hopNum, tag, err := l.back.Decrypt(&body)
	if err != nil {
		return newProtocolError("inbound cell: %v", err)
	}
	h := l.hops[hopNum]

	msgs, err := h.decoder.Decode(&body)
	if err != nil {
		return newProtocolError("inbound cell from hop %d: %v", hopNum, err)
	}

	for _, u := range msgs {
		if !u.Cmd.AcceptsStreamID(u.Stream) {
			return newProtocolError("%v addressed to stream %d", u.Cmd, u.Stream)
		}
		if u.Cmd.CountsTowardsWindows() {
			if err = h.recvW.take(); err != nil {
				return err
			}
			h.lastTag = append(h.lastTag[:0], tag...)
			if h.recvW.shouldSendme() {
				sm := &relay.Sendme{Tag: append([]byte{}, h.lastTag...)}
				if err = l.sendRelayCell(hopNum, false, relay.Outer{Msg: sm}); err != nil {
					return err
				}
				h.recvW.sentSendme()
			}
		}

		if u.Stream == 0 {
			err = l.handleMetaCell(hopNum, u)
		} else {
			err = l.handleStreamCell(h, u)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleMetaCell processes a message with no stream: SENDME and TRUNCATED
// are circuit control and handled here, anything else belongs to the
// installed meta handler.
func (l *leg) handleMetaCell(hopNum int, u relay.Unparsed) error {
	switch u.Cmd {
	case relay.CmdSendme:
		msg, err := u.Parse()
		if err != nil {
			return newProtocolError("circuit SENDME from hop %d: %v", hopNum, err)
		}
		sm := msg.(*relay.Sendme)
		if len(sm.Tag) == 0 {
			return newProtocolError("circuit SENDME from hop %d carries no tag", hopNum)
		}
		if err = l.hops[hopNum].sendW.handleSendme(sm.Tag); err != nil {
			return err
		}
		l.signalReady()
		return nil
	case relay.CmdTruncated:
		msg, err := u.Parse()
		if err != nil {
			return newProtocolError("TRUNCATED from hop %d: %v", hopNum, err)
		}
		return newProtocolError("hop %d reported TRUNCATED (reason 0x%02x)", hopNum, msg.(*relay.Truncated).Reason)
	}

	if l.meta == nil {
		return newProtocolError("unsolicited %v meta cell from hop %d", u.Cmd, hopNum)
	}
	if expected := l.meta.expectedHop(); expected != hopNum {
		// A reply originated by the wrong hop means an intermediate relay
		// is meddling with the exchange.  Fatal to the leg.
		m := l.meta
		l.meta = nil
		err := newProtocolError("%v meta cell from hop %d, expected hop %d", u.Cmd, hopNum, expected)
		m.fail(err)
		return err
	}

	m := l.meta
	done, err := m.handleMsg(u)
	if done || err != nil {
		l.meta = nil
	}
	if err != nil {
		m.fail(err)
		return err
	}
	return nil
}

// handleStreamCell routes a message to the addressed stream entry.
func (l *leg) handleStreamCell(h *circHop, u relay.Unparsed) error {
	msg, err := u.Parse()
	if err != nil {
		return newProtocolError("stream %d: %v", u.Stream, err)
	}

	var sendStreamSendme, gotSendme bool
	var acceptBegin *relay.Begin

	h.Lock()
	ent := h.streams.get(u.Stream)
	if ent == nil {
		h.Unlock()
		if u.Cmd.IsStreamOpener() && l.acceptCh != nil {
			return l.acceptStream(h, u.Stream, msg.(*relay.Begin))
		}
		return newProtocolError("%v for unknown stream %d", u.Cmd, u.Stream)
	}

	switch ent.state {
	case streamOpen:
		switch m := msg.(type) {
		case *relay.Connected:
			if err = ent.checker.check(u.Cmd); err != nil {
				break
			}
			ent.signalConnected(nil)
		case *relay.Sendme:
			if len(m.Tag) != 0 {
				err = newProtocolError("stream %d SENDME carries a tag", u.Stream)
				break
			}
			if err = ent.sendW.handleSendme(nil); err != nil {
				break
			}
			gotSendme = true
		case *relay.Data:
			if err = ent.checker.check(u.Cmd); err != nil {
				break
			}
			if err = ent.recvW.take(); err != nil {
				break
			}
			// A full inbox discards the message rather than erroring; the
			// slow reader only hurts itself.
			select {
			case ent.inbox <- m:
			default:
				ent.dropped++
			}
			if ent.recvW.shouldSendme() {
				sendStreamSendme = true
				ent.recvW.sentSendme()
			}
		case *relay.End:
			if err = ent.checker.check(u.Cmd); err != nil {
				break
			}
			select {
			case ent.inbox <- m:
			default:
				ent.dropped++
			}
			ent.closeInbox()
			ent.signalConnected(&EndError{Reason: byte(m.Reason)})
			h.streams.remove(u.Stream)
		default:
			err = newProtocolError("%v not valid on stream %d", u.Cmd, u.Stream)
		}
	case streamEndSent:
		// Half closed: our END is in flight.  Inbound traffic is still
		// validated and flow controlled, but delivered nowhere.
		switch m := msg.(type) {
		case *relay.End:
			h.streams.remove(u.Stream)
		case *relay.Data:
			if err = ent.recvW.take(); err != nil {
				break
			}
			ent.dropped++
			if ent.recvW.shouldSendme() {
				sendStreamSendme = true
				ent.recvW.sentSendme()
			}
		case *relay.Sendme:
			// Our transmit side is gone; nothing to replenish.
		case *relay.Begin:
			if l.acceptCh == nil {
				err = newProtocolError("BEGIN reusing half closed stream %d", u.Stream)
				break
			}
			acceptBegin = m
		default:
			err = newProtocolError("%v received on half closed stream %d", u.Cmd, u.Stream)
		}
	}
	h.Unlock()

	if err != nil {
		return err
	}
	if acceptBegin != nil {
		return l.acceptStream(h, u.Stream, acceptBegin)
	}
	if sendStreamSendme {
		return l.sendRelayCell(h.num, false, relay.Outer{Stream: u.Stream, Msg: &relay.Sendme{}})
	}
	if gotSendme {
		l.signalReady()
	}
	return nil
}

// acceptStream installs a peer initiated stream, replacing a half closed
// entry when the peer reuses its ID, and hands it to the accept channel.
func (l *leg) acceptStream(h *circHop, id relay.StreamID, b *relay.Begin) error {
	ent := l.newStreamEntry()
	ent.checker.state = checkerConnected

	h.Lock()
	if old := h.streams.get(id); old != nil {
		if old.state != streamEndSent {
			h.Unlock()
			return newProtocolError("BEGIN reusing live stream %d", id)
		}
		h.streams.replace(id, ent)
	} else {
		h.streams.insert(id, ent)
	}
	h.Unlock()

	in := &InboundStream{
		Stream: l.newStream(h.num, id, ent),
		Addr:   b.Addr,
		Port:   b.Port,
	}
	select {
	case l.acceptCh <- in:
	default:
		h.Lock()
		h.streams.remove(id)
		h.Unlock()
		return l.sendRelayCell(h.num, false, relay.Outer{Stream: id, Msg: &relay.End{Reason: relay.EndResourceLimit}})
	}
	return l.sendRelayCell(h.num, false, relay.Outer{Stream: id, Msg: &relay.Connected{}})
}

// beginStream allocates a stream on the given hop and sends its BEGIN.
// The returned stream becomes usable once the peer answers CONNECTED.
func (l *leg) beginStream(hop int, addr string, port uint16) (*Stream, error) {
	if hop < 0 || hop >= len(l.hops) {
		return nil, newBugError("begin stream on nonexistent hop %d", hop)
	}
	h := l.hops[hop]

	ent := l.newStreamEntry()
	h.Lock()
	id, err := h.streams.allocate(ent)
	h.Unlock()
	if err != nil {
		return nil, err
	}

	if err = l.sendRelayCell(hop, false, relay.Outer{Stream: id, Msg: &relay.Begin{Addr: addr, Port: port}}); err != nil {
		h.Lock()
		h.streams.remove(id)
		h.Unlock()
		return nil, err
	}
	return l.newStream(hop, id, ent), nil
}

// closeStream closes the local side of a stream.  With CloseSendEnd the
// entry lingers half closed until the peer's END arrives; CloseSendNothing
// tears down local state without telling the peer.
func (l *leg) closeStream(hop int, id relay.StreamID, behavior CloseStreamBehavior) error {
	if hop < 0 || hop >= len(l.hops) {
		return newBugError("close stream on nonexistent hop %d", hop)
	}
	h := l.hops[hop]

	h.Lock()
	ent := h.streams.get(id)
	if ent == nil || ent.state != streamOpen {
		h.Unlock()
		return ErrStreamNotFound
	}
	ent.closeInbox()
	ent.signalConnected(ErrStreamClosed)
	if behavior == CloseSendNothing {
		h.streams.remove(id)
		h.Unlock()
		return nil
	}
	ent.state = streamEndSent
	h.Unlock()

	return l.sendRelayCell(hop, false, relay.Outer{Stream: id, Msg: &relay.End{Reason: relay.EndDone}})
}

// pumpOne transmits at most one queued stream message, respecting the
// round robin order and both window levels.  The readiness signal is
// re-armed when more work remains.
func (l *leg) pumpOne() error {
	for _, h := range l.hops {
		if !h.sendW.canSend() {
			continue
		}
		h.Lock()
		id, ent := h.streams.nextReady()
		h.Unlock()
		if ent == nil {
			continue
		}

		var msg relay.Message
		select {
		case msg = <-ent.outbox:
		default:
			continue
		}
		if err := l.sendRelayCell(h.num, false, relay.Outer{Stream: id, Msg: msg}); err != nil {
			return err
		}
		break
	}
	if l.anyReady() {
		l.signalReady()
	}
	return nil
}

func (l *leg) anyReady() bool {
	for _, h := range l.hops {
		if !h.sendW.canSend() {
			continue
		}
		h.Lock()
		ready := h.streams.anyReady()
		h.Unlock()
		if ready {
			return true
		}
	}
	return false
}

// teardown releases the leg: a DESTROY goes upstream, every stream reader
// is woken, and pending begin waiters learn the failure.  Idempotent.
func (l *leg) teardown(reason cell.DestroyReason, cause error) {
	if l.destroyed {
		return
	}
	l.destroyed = true

	if err := l.ch.SendCell(&cell.Cell{Circ: l.circID, Cmd: &cell.Destroy{Reason: reason}}); err != nil {
		l.log.Debugf("Failed to send DESTROY: %v", err)
	}

	l.teardownStreams(cause)
}

// handleDestroy processes a DESTROY received from the relay: local state
// is torn down without echoing a DESTROY back.
func (l *leg) handleDestroy(c *cell.Destroy) {
	l.log.Noticef("Circuit destroyed by relay: %v.", c.Reason)
	l.destroyed = true
	l.teardownStreams(nil)
}

func (l *leg) teardownStreams(cause error) {
	if cause == nil {
		cause = ErrShutdown
	}
	for _, h := range l.hops {
		h.Lock()
		for _, ent := range h.streams.entries {
			ent.closeInbox()
			ent.signalConnected(cause)
		}
		h.Unlock()
	}
	if l.acceptCh != nil {
		close(l.acceptCh)
		l.acceptCh = nil
	}
	if m := l.meta; m != nil {
		l.meta = nil
		m.fail(cause)
	}
	if p := l.linking; p != nil {
		l.linking = nil
		replyErr(p.doneCh, cause)
	}
}
