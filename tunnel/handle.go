// handle.go - External circuit handle and streams.
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

// Package tunnel implements the client side, per-circuit cell processing
// engine: the reactor event loop, the circuit leg abstraction, the
// extension handshake driver, and the conflux leg set.
package tunnel

import (
	"io"
	"sync"
	"time"

	"github.com/torwell/torproto/config"
	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/log"
	"github.com/torwell/torproto/core/relay"
)

// CloseStreamBehavior selects what the peer learns when a stream is
// closed locally.
type CloseStreamBehavior int

const (
	// CloseSendEnd tells the peer with an END message.
	CloseSendEnd CloseStreamBehavior = iota

	// CloseSendNothing tears down local state silently, so the peer does
	// not learn the stream was abandoned.
	CloseSendNothing
)

// ClientCircuit is the externally visible handle to one logical tunnel.
// All methods are safe for concurrent use; they communicate with the
// reactor goroutine exclusively through its queues.
type ClientCircuit struct {
	r *Reactor
}

// New constructs a ClientCircuit and starts its reactor.  The circuit has
// no legs until Create succeeds.
func New(cfg *config.Config, logBackend *log.Backend) (*ClientCircuit, error) {
	if cfg == nil {
		cfg = config.Default()
	} else if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return &ClientCircuit{r: newReactor(cfg, logBackend)}, nil
}

// Create builds the first hop of the tunnel's initial leg over the given
// channel.  in is the channel's inbound cell feed for this circuit; it
// must be closed when the transport goes away.
func (c *ClientCircuit) Create(ch Channel, in <-chan *cell.Cell, m *CreateMethod) error {
	op := &ctrlCreateFirstHop{ch: ch, in: in, method: *m, doneCh: make(chan error, 1)}
	return c.errOp(op, op.doneCh)
}

// Extend adds one hop to the tunnel's only leg.  It fails with
// ErrNotSingleLeg once the tunnel has gone multipath.
func (c *ClientCircuit) Extend(m *ExtendMethod) error {
	op := &ctrlExtend{method: *m, doneCh: make(chan error, 1)}
	return c.errOp(op, op.doneCh)
}

// LinkLeg creates a one hop leg over a second channel and links it into
// the tunnel's conflux set.
func (c *ClientCircuit) LinkLeg(ch Channel, in <-chan *cell.Cell, m *CreateMethod) error {
	op := &ctrlLinkLeg{ch: ch, in: in, method: *m, doneCh: make(chan error, 1)}
	return c.errOp(op, op.doneCh)
}

// BeginStream opens an application stream to addr:port via the primary
// leg's last hop, returning once the peer answers CONNECTED.
func (c *ClientCircuit) BeginStream(addr string, port uint16) (*Stream, error) {
	op := &ctrlBeginStream{addr: addr, port: port, doneCh: make(chan beginResult, 1)}
	if err := c.send(op); err != nil {
		return nil, err
	}

	var res beginResult
	select {
	case res = <-op.doneCh:
	case <-c.r.deadCh:
		return nil, c.deadErr()
	}
	if res.err != nil {
		return nil, res.err
	}

	select {
	case err := <-res.s.connected:
		if err != nil {
			return nil, err
		}
		return res.s, nil
	case <-c.r.deadCh:
		return nil, c.deadErr()
	}
}

// AcceptStreams returns a channel delivering peer initiated streams.  It
// is closed when the primary leg goes away.
func (c *ClientCircuit) AcceptStreams() (<-chan *InboundStream, error) {
	op := &ctrlAcceptStreams{doneCh: make(chan acceptResult, 1)}
	if err := c.send(op); err != nil {
		return nil, err
	}
	select {
	case res := <-op.doneCh:
		return res.ch, res.err
	case <-c.r.deadCh:
		return nil, c.deadErr()
	}
}

// ClockSkew returns the estimated clock skew of the primary leg's first
// relay.
func (c *ClientCircuit) ClockSkew() (time.Duration, error) {
	op := &ctrlClockSkew{doneCh: make(chan skewResult, 1)}
	if err := c.send(op); err != nil {
		return 0, err
	}
	select {
	case res := <-op.doneCh:
		return res.skew, res.err
	case <-c.r.deadCh:
		return 0, c.deadErr()
	}
}

// Path returns the current leg count and the primary leg's hop count.
func (c *ClientCircuit) Path() (legs, hops int, err error) {
	op := &ctrlPathInfo{doneCh: make(chan pathInfo, 1)}
	if err = c.send(op); err != nil {
		return 0, 0, err
	}
	select {
	case info := <-op.doneCh:
		return info.legs, info.hops, info.err
	case <-c.r.deadCh:
		return 0, 0, c.deadErr()
	}
}

// Shutdown cleanly terminates the reactor and tears down every leg.  It
// is idempotent and returns once teardown has finished.
func (c *ClientCircuit) Shutdown() {
	select {
	case c.r.cmdCh <- &cmdShutdown{}:
	default:
	}
	c.r.Halt()
}

// DeadCh returns a channel closed once the circuit has fully terminated.
func (c *ClientCircuit) DeadCh() <-chan struct{} {
	return c.r.DeadCh()
}

// Err returns the circuit's terminal error, nil on clean shutdown.  Valid
// only after DeadCh is closed.
func (c *ClientCircuit) Err() error {
	return c.r.Err()
}

func (c *ClientCircuit) send(op interface{}) error {
	select {
	case c.r.ctrlCh <- op:
		return nil
	case <-c.r.deadCh:
		return c.deadErr()
	}
}

func (c *ClientCircuit) errOp(op interface{}, doneCh chan error) error {
	if err := c.send(op); err != nil {
		return err
	}
	select {
	case err := <-doneCh:
		return err
	case <-c.r.deadCh:
		// Prefer a reply that raced with termination.
		select {
		case err := <-doneCh:
			return err
		default:
		}
		return c.deadErr()
	}
}

func (c *ClientCircuit) deadErr() error {
	if err := c.r.Err(); err != nil {
		return err
	}
	return ErrShutdown
}

// Stream is one multiplexed application stream over the tunnel.  Reads
// and writes may each be used from one goroutine at a time.
type Stream struct {
	l   *leg
	hop int
	id  relay.StreamID

	inbox     <-chan relay.Message
	outbox    chan<- relay.Message
	connected <-chan error

	recvBuf []byte
	rdErr   error

	closeOnce sync.Once
	closedCh  chan struct{}
}

// ID returns the stream's per-hop identifier.
func (s *Stream) ID() relay.StreamID {
	return s.id
}

// Write queues p for transmission, chunked into DATA messages.  It blocks
// when the outbound queue is full; that back pressure extends through the
// reactor's windows to the network.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.closedCh:
		return 0, ErrStreamClosed
	default:
	}
	var written int
	for len(p) > 0 {
		n := len(p)
		if n > relay.MaxPayloadLength {
			n = relay.MaxPayloadLength
		}
		msg := &relay.Data{Payload: append([]byte{}, p[:n]...)}
		select {
		case s.outbox <- msg:
		case <-s.closedCh:
			return written, ErrStreamClosed
		case <-s.l.deadCh:
			return written, ErrShutdown
		}
		s.l.signalReady()
		written += n
		p = p[n:]
	}
	return written, nil
}

// Read returns the next received data, or io.EOF once the peer has ended
// the stream.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		if len(s.recvBuf) > 0 {
			n := copy(p, s.recvBuf)
			s.recvBuf = s.recvBuf[n:]
			return n, nil
		}
		if s.rdErr != nil {
			return 0, s.rdErr
		}

		msg, ok := <-s.inbox
		if !ok {
			s.rdErr = io.EOF
			return 0, io.EOF
		}
		switch m := msg.(type) {
		case *relay.Data:
			s.recvBuf = append(s.recvBuf, m.Payload...)
		case *relay.End:
			s.rdErr = io.EOF
			return 0, io.EOF
		}
	}
}

// Close closes the stream, telling the peer with an END.  Idempotent.
func (s *Stream) Close() error {
	s.close(CloseSendEnd)
	return nil
}

// Discard closes the stream without telling the peer, so the peer cannot
// learn the stream was abandoned.
func (s *Stream) Discard() {
	s.close(CloseSendNothing)
}

func (s *Stream) close(behavior CloseStreamBehavior) {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		cmd := &cmdCloseStream{leg: s.l.id, hop: s.hop, id: s.id, behavior: behavior}
		select {
		case s.l.cmdCh <- cmd:
		case <-s.l.deadCh:
		}
	})
}

// InboundStream is a stream initiated by the peer via BEGIN.
type InboundStream struct {
	*Stream

	// Addr and Port are the target carried by the peer's BEGIN.
	Addr string
	Port uint16
}
