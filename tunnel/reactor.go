// reactor.go - Circuit reactor loop.
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
	"errors"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/torwell/torproto/config"
	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/log"
	"github.com/torwell/torproto/core/relay"
	"github.com/torwell/torproto/core/worker"
)

var errDestroyed = errors.New("tunnel: circuit destroyed by relay")

var errChannelClosed = errors.New("tunnel: channel closed")

type reactorState int

const (
	stateAwaitingFirstHop reactorState = iota
	stateOperating
	stateTerminated
)

// ctrlOp is implemented by every request/response control operation, so
// queued requests can be aborted uniformly.
type ctrlOp interface {
	abort(err error)
}

type ctrlCreateFirstHop struct {
	ch     Channel
	in     <-chan *cell.Cell
	method CreateMethod
	doneCh chan error
}

func (op *ctrlCreateFirstHop) abort(err error) { replyErr(op.doneCh, err) }

type ctrlExtend struct {
	method ExtendMethod
	doneCh chan error
}

func (op *ctrlExtend) abort(err error) { replyErr(op.doneCh, err) }

type ctrlLinkLeg struct {
	ch     Channel
	in     <-chan *cell.Cell
	method CreateMethod
	doneCh chan error
}

func (op *ctrlLinkLeg) abort(err error) { replyErr(op.doneCh, err) }

type beginResult struct {
	s   *Stream
	err error
}

type ctrlBeginStream struct {
	addr   string
	port   uint16
	doneCh chan beginResult
}

func (op *ctrlBeginStream) abort(err error) {
	select {
	case op.doneCh <- beginResult{err: err}:
	default:
	}
}

type ctrlCloseStream struct {
	leg      legID
	hop      int
	id       relay.StreamID
	behavior CloseStreamBehavior
	doneCh   chan error
}

func (op *ctrlCloseStream) abort(err error) { replyErr(op.doneCh, err) }

type skewResult struct {
	skew time.Duration
	err  error
}

type ctrlClockSkew struct {
	doneCh chan skewResult
}

func (op *ctrlClockSkew) abort(err error) {
	select {
	case op.doneCh <- skewResult{err: err}:
	default:
	}
}

type acceptResult struct {
	ch  <-chan *InboundStream
	err error
}

type ctrlAcceptStreams struct {
	doneCh chan acceptResult
}

func (op *ctrlAcceptStreams) abort(err error) {
	select {
	case op.doneCh <- acceptResult{err: err}:
	default:
	}
}

type pathInfo struct {
	legs int
	hops int
	err  error
}

type ctrlPathInfo struct {
	doneCh chan pathInfo
}

func (op *ctrlPathInfo) abort(err error) {
	select {
	case op.doneCh <- pathInfo{err: err}:
	default:
	}
}

// Fire and forget commands.
type cmdShutdown struct{}

type cmdCloseStream struct {
	leg      legID
	hop      int
	id       relay.StreamID
	behavior CloseStreamBehavior
}

func replyErr(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

// Reactor is the single authority over one logical tunnel.  All leg state
// is mutated exclusively from its goroutine; external callers communicate
// through the command and control queues.
type Reactor struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	set *confluxSet

	cmdCh  chan interface{}
	ctrlCh chan interface{}

	// deadCh is closed once the loop has terminated and every leg has
	// been torn down.
	deadCh chan struct{}

	state      reactorState
	lastCircID uint32
	finalErr   error
}

func newReactor(cfg *config.Config, logBackend *log.Backend) *Reactor {
	r := &Reactor{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("tunnel/reactor"),
		set:        newConfluxSet(),
		cmdCh:      make(chan interface{}, 8),
		ctrlCh:     make(chan interface{}),
		deadCh:     make(chan struct{}),
	}
	r.Go(r.worker)
	return r
}

// Err returns the terminal error of the reactor loop, nil on a clean
// shutdown.  Valid only after DeadCh is closed.
func (r *Reactor) Err() error {
	return r.finalErr
}

// DeadCh returns a channel closed once the reactor has fully terminated.
func (r *Reactor) DeadCh() <-chan struct{} {
	return r.deadCh
}

func (r *Reactor) worker() {
	err := r.run()
	r.state = stateTerminated

	reason := cell.DestroyFinished
	switch {
	case err == errCleanShutdown:
		err = nil
		r.log.Noticef("Reactor terminated: clean shutdown.")
	case IsProtocolError(err):
		reason = cell.DestroyProtocol
		r.log.Errorf("Reactor terminated: %v.", err)
	default:
		reason = cell.DestroyInternal
		r.log.Errorf("Reactor terminated: %v.", err)
	}
	r.finalErr = err

	r.set.forEach(func(l *leg) {
		l.teardown(reason, err)
	})
	close(r.deadCh)
}

// run loops over runOnce until it produces a terminal signal.
func (r *Reactor) run() error {
	for {
		if err := r.runOnce(); err != nil {
			return err
		}
	}
}

// runOnce performs one cooperative selection and executes exactly one
// resulting action.  Before the first hop exists only the create control
// message and shutdown are acceptable.
func (r *Reactor) runOnce() error {
	switch r.state {
	case stateAwaitingFirstHop:
		select {
		case c := <-r.cmdCh:
			if _, ok := c.(*cmdShutdown); ok {
				return errCleanShutdown
			}
			return newBugError("command %T before the first hop exists", c)
		case c := <-r.ctrlCh:
			op, ok := c.(*ctrlCreateFirstHop)
			if !ok {
				if a, aOK := c.(ctrlOp); aOK {
					a.abort(newBugError("control %T before the first hop exists", c))
				}
				return newBugError("control %T before the first hop exists", c)
			}
			return r.handleCreateFirstHop(op)
		case <-r.HaltCh():
			return errCleanShutdown
		}
	case stateOperating:
		select {
		case c := <-r.cmdCh:
			return r.handleCmd(c)
		case c := <-r.ctrlCh:
			return r.handleCtrl(c)
		case act := <-r.set.actionCh:
			return r.handleLegAction(act)
		case <-r.HaltCh():
			return errCleanShutdown
		}
	}
	return newBugError("runOnce called in state %d", r.state)
}

func (r *Reactor) handleCmd(c interface{}) error {
	switch cmd := c.(type) {
	case *cmdShutdown:
		return errCleanShutdown
	case *cmdCloseStream:
		l := r.set.get(cmd.leg)
		if l == nil {
			return nil
		}
		if err := l.closeStream(cmd.hop, cmd.id, cmd.behavior); err != nil {
			if errors.Is(err, ErrStreamNotFound) {
				// Already closed by the peer.
				return nil
			}
			return r.legFailed(l, err)
		}
		return nil
	default:
		return newBugError("unknown command %T", c)
	}
}

func (r *Reactor) handleCtrl(c interface{}) error {
	switch op := c.(type) {
	case *ctrlCreateFirstHop:
		op.abort(newBugError("first hop already exists"))
		return nil
	case *ctrlExtend:
		l, err := r.set.single()
		if err != nil {
			op.abort(err)
			return nil
		}
		if err = startExtension(l, &op.method, op.doneCh, r.log); err != nil {
			op.abort(err)
			if !isRequestScoped(err) {
				return r.legFailed(l, err)
			}
		}
		// On success the reply is delivered by the extender when the
		// exchange resolves.
		return nil
	case *ctrlLinkLeg:
		return r.handleLinkLeg(op)
	case *ctrlBeginStream:
		l, err := r.set.primaryLeg()
		if err != nil {
			op.abort(err)
			return nil
		}
		s, err := l.beginStream(l.lastHop(), op.addr, op.port)
		if err != nil {
			op.abort(err)
			if !isRequestScoped(err) {
				return r.legFailed(l, err)
			}
			return nil
		}
		select {
		case op.doneCh <- beginResult{s: s}:
		default:
		}
		return nil
	case *ctrlCloseStream:
		l := r.set.get(op.leg)
		if l == nil {
			op.abort(ErrStreamNotFound)
			return nil
		}
		err := l.closeStream(op.hop, op.id, op.behavior)
		replyErr(op.doneCh, err)
		if err != nil && !isRequestScoped(err) {
			return r.legFailed(l, err)
		}
		return nil
	case *ctrlClockSkew:
		l, err := r.set.primaryLeg()
		if err != nil {
			op.abort(err)
			return nil
		}
		select {
		case op.doneCh <- skewResult{skew: l.clockSkew()}:
		default:
		}
		return nil
	case *ctrlAcceptStreams:
		l, err := r.set.primaryLeg()
		if err != nil {
			op.abort(err)
			return nil
		}
		if l.acceptCh == nil {
			l.acceptCh = make(chan *InboundStream, acceptQueueDepth)
		}
		select {
		case op.doneCh <- acceptResult{ch: l.acceptCh}:
		default:
		}
		return nil
	case *ctrlPathInfo:
		info := pathInfo{legs: r.set.len()}
		if l, err := r.set.primaryLeg(); err == nil {
			info.hops = l.numHops()
		}
		select {
		case op.doneCh <- info:
		default:
		}
		return nil
	default:
		return newBugError("unknown control %T", c)
	}
}

const acceptQueueDepth = 8

func (r *Reactor) handleCreateFirstHop(op *ctrlCreateFirstHop) error {
	l, err := r.createLeg(op.ch, op.in, &op.method)
	if err != nil {
		op.abort(err)
		if errors.Is(err, ErrShutdown) {
			return errCleanShutdown
		}
		return nil
	}
	r.set.insert(l)
	r.startForwarder(l)
	r.state = stateOperating
	replyErr(op.doneCh, nil)
	r.log.Debugf("First hop created on %v.", l.id)
	return nil
}

// pendingLink is the state of a linking leg whose create reply has not
// arrived yet.  The reply is routed through the leg's forwarder like any
// other inbound cell, so the loop never suspends on a slow second relay.
type pendingLink struct {
	hs     *createHandshake
	nonce  []byte
	doneCh chan error
}

func (r *Reactor) handleLinkLeg(op *ctrlLinkLeg) error {
	nonce, err := r.set.nonce()
	if err != nil {
		op.abort(err)
		return nil
	}
	l := newLeg(r.nextCircID(), op.ch, op.in, r.cfg, r.cmdCh, r.deadCh, r.logBackend.GetLogger("tunnel/circuit"))

	hs, createCmd, err := newCreateHandshake(&op.method)
	if err != nil {
		op.abort(err)
		return nil
	}
	if err = op.ch.SendCell(&cell.Cell{Circ: l.circID, Cmd: createCmd}); err != nil {
		op.abort(err)
		return nil
	}

	l.linking = &pendingLink{hs: hs, nonce: nonce, doneCh: op.doneCh}
	r.set.insert(l)
	r.startForwarder(l)
	r.log.Debugf("Linking new %v into the set.", l.id)
	return nil
}

// handleLinkReply completes a linking leg's create handshake and starts
// its CONFLUX_LINK exchange.
func (r *Reactor) handleLinkReply(l *leg, c *cell.Cell) error {
	p := l.linking
	l.linking = nil

	fail := func(err error) error {
		replyErr(p.doneCh, err)
		return r.legFailed(l, err)
	}

	if c.Circ != l.circID {
		return fail(newProtocolError("create reply for wrong circuit %d", c.Circ))
	}
	if d, isDestroy := c.Cmd.(*cell.Destroy); isDestroy {
		// The refusing relay already considers the circuit gone; no
		// DESTROY goes back.
		l.destroyed = true
		return fail(newHandshakeError(errors.New("relay refused circuit: " + d.Reason.String())))
	}
	if err := p.hs.complete(l, c.Cmd); err != nil {
		return fail(err)
	}
	if err := startLink(l, p.nonce, p.doneCh); err != nil {
		return fail(err)
	}
	return nil
}

// createLeg builds the tunnel's initial leg and drives its first hop
// creation handshake.  There is nothing else to service yet, so the
// inbound feed is read directly while awaiting the reply; legs linked
// later go through the pendingLink machinery instead.
func (r *Reactor) createLeg(ch Channel, in <-chan *cell.Cell, m *CreateMethod) (*leg, error) {
	l := newLeg(r.nextCircID(), ch, in, r.cfg, r.cmdCh, r.deadCh, r.logBackend.GetLogger("tunnel/circuit"))

	hs, createCmd, err := newCreateHandshake(m)
	if err != nil {
		return nil, err
	}
	if err = ch.SendCell(&cell.Cell{Circ: l.circID, Cmd: createCmd}); err != nil {
		return nil, err
	}

	select {
	case c, ok := <-in:
		if !ok {
			return nil, errChannelClosed
		}
		if c.Circ != l.circID {
			return nil, newProtocolError("create reply for wrong circuit %d", c.Circ)
		}
		if d, isDestroy := c.Cmd.(*cell.Destroy); isDestroy {
			return nil, newHandshakeError(errors.New("relay refused circuit: " + d.Reason.String()))
		}
		if err = hs.complete(l, c.Cmd); err != nil {
			return nil, err
		}
	case <-r.HaltCh():
		return nil, ErrShutdown
	}
	return l, nil
}

func (r *Reactor) nextCircID() cell.CircID {
	r.lastCircID++
	// The connection initiator allocates IDs with the high bit set.
	return cell.CircID(r.lastCircID | 0x80000000)
}

// startForwarder spawns the goroutine that fans this leg's inbound cells
// and readiness signals into the set's action stream.  Forwarders never
// touch leg state.
func (r *Reactor) startForwarder(l *leg) {
	id := l.id
	in := l.in
	ready := l.readyCh
	r.Go(func() {
		for {
			act := legAction{leg: id}
			select {
			case c, ok := <-in:
				if !ok {
					act.closed = true
				} else {
					act.cell = c
				}
			case <-ready:
				act.ready = true
			case <-r.deadCh:
				return
			}
			select {
			case r.set.actionCh <- act:
			case <-r.deadCh:
				return
			}
			if act.closed {
				return
			}
		}
	})
}

func (r *Reactor) handleLegAction(act legAction) error {
	l := r.set.get(act.leg)
	if l == nil {
		// Stale action from a removed leg's forwarder.
		return nil
	}

	switch {
	case act.closed:
		return r.legFailed(l, errChannelClosed)
	case act.cell != nil:
		if l.linking != nil {
			return r.handleLinkReply(l, act.cell)
		}
		switch cmd := act.cell.Cmd.(type) {
		case *cell.Relay:
			if err := l.handleRelayCell(cmd); err != nil {
				return r.legFailed(l, err)
			}
		case *cell.Destroy:
			l.handleDestroy(cmd)
			empty, err := r.set.remove(l.id)
			if err != nil {
				return err
			}
			if empty {
				return errDestroyed
			}
		default:
			return r.legFailed(l, newProtocolError("unexpected channel cell"))
		}
	case act.ready:
		if err := l.pumpOne(); err != nil {
			if errors.Is(err, ErrStreamNotFound) {
				// The stream vanished between the readiness scan and the
				// send; harmless.
				return nil
			}
			return r.legFailed(l, err)
		}
	}
	return nil
}

// legFailed tears down and removes one leg.  With other legs remaining the
// tunnel continues; removing the last leg terminates the reactor with the
// leg's error.
func (r *Reactor) legFailed(l *leg, cause error) error {
	reason := cell.DestroyInternal
	if IsProtocolError(cause) {
		reason = cell.DestroyProtocol
	} else if errors.Is(cause, errChannelClosed) {
		reason = cell.DestroyNone
	}
	l.teardown(reason, cause)

	empty, err := r.set.remove(l.id)
	if err != nil {
		return err
	}
	if empty {
		return cause
	}
	r.log.Warningf("Removed failed %v: %v.", l.id, cause)
	return nil
}

// isRequestScoped returns true for errors that are reported to the issuing
// caller without affecting the leg.
func isRequestScoped(err error) bool {
	switch {
	case errors.Is(err, ErrExtendInProgress),
		errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrStreamClosed),
		errors.Is(err, ErrStreamIDExhausted),
		errors.Is(err, ErrNotSingleLeg):
		return true
	}
	var hsErr *HandshakeError
	return errors.As(err, &hsErr)
}
