// tunnel_test.go - Circuit engine end to end tests.
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
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torwell/torproto/config"
	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/relay"
)

func TestCreateFast(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	rc.ch.skew = 42 * time.Second
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()

	createTestLeg(t, cc, rc)

	legs, hops, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 1, legs)
	require.Equal(t, 1, hops)

	skew, err := cc.ClockSkew()
	require.NoError(t, err)
	require.Equal(t, 42*time.Second, skew)

	cc.Shutdown()
	waitDead(t, cc)
	require.NoError(t, cc.Err())

	c := rc.nextCell()
	d, ok := c.Cmd.(*cell.Destroy)
	require.True(t, ok)
	require.Equal(t, cell.DestroyFinished, d.Reason)
}

func TestCreateNtor(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.Create(rc.ch, rc.in, &CreateMethod{
			Key:    rc.ntorKey(),
			Type:   cell.HandshakeNtor,
			Format: relay.V0,
		})
	}()
	rc.handleCreate()
	require.NoError(t, waitErr(t, errCh))

	legs, hops, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 1, legs)
	require.Equal(t, 1, hops)
}

func TestCreateRefused(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.Create(rc.ch, rc.in, &CreateMethod{Fast: true, Format: relay.V0})
	}()
	c := rc.nextCell()
	rc.in <- &cell.Cell{Circ: c.Circ, Cmd: &cell.Destroy{Reason: cell.DestroyInternal}}

	err := waitErr(t, errCh)
	require.Error(t, err)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
}

func TestExtend(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	// Hop 2, ntor.
	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.Extend(&ExtendMethod{
			Key:       rc.ntorKey(),
			LinkSpecs: []relay.LinkSpec{{Type: relay.LinkSpecIPv4, Spec: []byte{192, 0, 2, 1, 0x01, 0xbb}}},
			Type:      cell.HandshakeNtor,
			Format:    relay.V0,
		})
	}()
	rc.handleExtend(0)
	require.NoError(t, waitErr(t, errCh))

	_, hops, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 2, hops)

	// Hop 3, ntorx.
	go func() {
		errCh <- cc.Extend(&ExtendMethod{
			Key:       rc.ntorKey(),
			LinkSpecs: []relay.LinkSpec{{Type: relay.LinkSpecLegacyID, Spec: rc.id[:]}},
			Type:      cell.HandshakeNtorX,
			Aux:       []byte("aux-request"),
			Format:    relay.V0,
		})
	}()
	rc.handleExtend(1)
	require.NoError(t, waitErr(t, errCh))

	_, hops, err = cc.Path()
	require.NoError(t, err)
	require.Equal(t, 3, hops)

	// Exercise the full depth with a stream round trip.
	s, sid := beginTestStream(t, cc, rc, "example.com", 443)

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	hop, u := rc.recvMsg()
	require.Equal(t, 2, hop)
	require.Equal(t, relay.CmdData, u.Cmd)
	require.Equal(t, sid, u.Stream)
	msg, err := u.Parse()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.(*relay.Data).Payload)

	rc.sendRelay(2, relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte("world")}})
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))
}

// TestExtendReplyFromWrongHop checks that an EXTENDED2 originated by a
// hop other than the expected one fails the attempt and kills the leg.
func TestExtendReplyFromWrongHop(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	errCh := make(chan error, 1)
	extend := func() {
		errCh <- cc.Extend(&ExtendMethod{
			Key:       rc.ntorKey(),
			LinkSpecs: []relay.LinkSpec{{Type: relay.LinkSpecLegacyID, Spec: rc.id[:]}},
			Type:      cell.HandshakeNtor,
			Format:    relay.V0,
		})
	}

	go extend()
	rc.handleExtend(0)
	require.NoError(t, waitErr(t, errCh))

	// Second extension, with the reply originated by hop 0 instead of the
	// expected hop 1.  Only an intermediate relay tampering with the
	// exchange can produce this, so the whole leg is forfeit.
	go extend()
	rc.handleExtend(0)
	err := waitErr(t, errCh)
	require.Error(t, err)
	require.True(t, IsProtocolError(err))

	waitDead(t, cc)
	require.True(t, IsProtocolError(cc.Err()))

	c := rc.nextCell()
	d, ok := c.Cmd.(*cell.Destroy)
	require.True(t, ok)
	require.Equal(t, cell.DestroyProtocol, d.Reason)
}

// TestInboundBacklogDropped checks that data arriving faster than the
// application reads is dropped at delivery without failing the circuit.
func TestInboundBacklogDropped(t *testing.T) {
	cfg := &config.Config{
		FlowControl: &config.FlowControl{
			StreamWindow:          50,
			StreamWindowIncrement: 25,
		},
		Queues: &config.Queues{StreamQueueDepth: 3},
	}
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, cfg)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	s, sid := beginTestStream(t, cc, rc, "example.com", 80)

	for i := 0; i < 25; i++ {
		rc.sendRelay(0, relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte(fmt.Sprintf("chunk-%d", i))}})
	}

	// The 25th message crosses the stream window's low water mark, so a
	// stream level SENDME confirms all of the backlog was processed.
	_, u := rc.recvMsg()
	require.Equal(t, relay.CmdSendme, u.Cmd)
	require.Equal(t, sid, u.Stream)
	msg, err := u.Parse()
	require.NoError(t, err)
	require.Empty(t, msg.(*relay.Sendme).Tag)

	// Only the first three messages fit the delivery queue.
	buf := make([]byte, 64)
	for i := 0; i < 3; i++ {
		n, err := s.Read(buf)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("chunk-%d", i), string(buf[:n]))
	}

	// The overflow was dropped silently; the circuit is unharmed.
	legs, hops, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 1, legs)
	require.Equal(t, 1, hops)

	// And the stream keeps flowing once the application drains it.
	rc.sendRelay(0, relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte("after")}})
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "after", string(buf[:n]))
}

// TestSendmeBadTag checks that a circuit level SENDME carrying a tag that
// does not match the recorded cell digest kills the circuit.
func TestSendmeBadTag(t *testing.T) {
	cfg := &config.Config{
		FlowControl: &config.FlowControl{
			CircuitWindow:          10,
			CircuitWindowIncrement: 5,
		},
	}
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, cfg)
	createTestLeg(t, cc, rc)

	s, _ := beginTestStream(t, cc, rc, "example.com", 80)

	for i := 0; i < 5; i++ {
		_, err := s.Write([]byte{byte(i)})
		require.NoError(t, err)
		_, u := rc.recvMsg()
		require.Equal(t, relay.CmdData, u.Cmd)
	}

	bogus := make([]byte, relay.SendmeTagLength)
	rc.sendRelay(0, relay.Outer{Msg: &relay.Sendme{Tag: bogus}})

	waitDead(t, cc)
	err := cc.Err()
	require.Error(t, err)
	require.True(t, IsProtocolError(err))

	c := rc.nextCell()
	d, ok := c.Cmd.(*cell.Destroy)
	require.True(t, ok)
	require.Equal(t, cell.DestroyProtocol, d.Reason)
}

// TestCircuitWindowBackpressure checks that transmission stalls once the
// circuit window is exhausted and resumes on a correctly tagged SENDME.
func TestCircuitWindowBackpressure(t *testing.T) {
	cfg := &config.Config{
		FlowControl: &config.FlowControl{
			CircuitWindow:          2,
			CircuitWindowIncrement: 1,
		},
	}
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, cfg)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	s, sid := beginTestStream(t, cc, rc, "example.com", 80)

	for _, p := range []string{"a", "b", "c"} {
		_, err := s.Write([]byte(p))
		require.NoError(t, err)
	}

	var tags [][]byte
	for i := 0; i < 2; i++ {
		hop, msgs, tag := rc.recvRelay()
		require.Equal(t, 0, hop)
		require.Len(t, msgs, 1)
		require.Equal(t, relay.CmdData, msgs[0].Cmd)
		require.Equal(t, sid, msgs[0].Stream)
		tags = append(tags, tag)
	}

	// The window is spent; the third chunk must not leave the client.
	rc.expectNoCell(300 * time.Millisecond)

	// Acknowledge the first cell by its tag and the stalled chunk flows.
	rc.sendRelay(0, relay.Outer{Msg: &relay.Sendme{Tag: tags[0]}})
	_, u := rc.recvMsg()
	require.Equal(t, relay.CmdData, u.Cmd)
	msg, err := u.Parse()
	require.NoError(t, err)
	require.Equal(t, []byte("c"), msg.(*relay.Data).Payload)
}

func TestLinkLeg(t *testing.T) {
	rc1 := newRelayChain(t, relay.V0)
	rc2 := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	createTestLeg(t, cc, rc1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.LinkLeg(rc2.ch, rc2.in, &CreateMethod{Fast: true, Format: relay.V0})
	}()
	rc2.handleCreate()

	hop, u := rc2.recvMsg()
	require.Equal(t, 0, hop)
	require.Equal(t, relay.CmdConfluxLink, u.Cmd)
	msg, err := u.Parse()
	require.NoError(t, err)
	link := msg.(*relay.ConfluxLink)
	require.Len(t, link.Payload.Nonce, relay.LinkNonceLength)

	rc2.sendRelay(0, relay.Outer{Msg: &relay.ConfluxLinked{
		Payload: relay.LinkPayload{Version: link.Payload.Version, Nonce: link.Payload.Nonce},
	}})
	require.NoError(t, waitErr(t, errCh))

	legs, _, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 2, legs)

	// Extension is a single leg operation.
	require.ErrorIs(t, cc.Extend(&ExtendMethod{}), ErrNotSingleLeg)

	// Killing the secondary leg's transport sheds only that leg.
	close(rc2.in)
	require.Eventually(t, func() bool {
		legs, _, err := cc.Path()
		return err == nil && legs == 1
	}, testTimeout, 10*time.Millisecond)

	c := rc2.nextCell()
	_, ok := c.Cmd.(*cell.Destroy)
	require.True(t, ok)

	// Losing the last leg terminates the circuit.
	close(rc1.in)
	waitDead(t, cc)
	require.Error(t, cc.Err())
	require.Contains(t, cc.Err().Error(), "channel closed")
}

func TestLinkLegNonceMismatch(t *testing.T) {
	rc1 := newRelayChain(t, relay.V0)
	rc2 := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.LinkLeg(rc2.ch, rc2.in, &CreateMethod{Fast: true, Format: relay.V0})
	}()
	rc2.handleCreate()

	_, u := rc2.recvMsg()
	require.Equal(t, relay.CmdConfluxLink, u.Cmd)

	wrong := make([]byte, relay.LinkNonceLength)
	rc2.sendRelay(0, relay.Outer{Msg: &relay.ConfluxLinked{
		Payload: relay.LinkPayload{Version: 1, Nonce: wrong},
	}})

	err := waitErr(t, errCh)
	require.Error(t, err)
	require.True(t, IsProtocolError(err))

	// The botched leg is shed; the original leg carries on.
	require.Eventually(t, func() bool {
		legs, _, err := cc.Path()
		return err == nil && legs == 1
	}, testTimeout, 10*time.Millisecond)
}

// TestLinkLegPendingDoesNotStall checks that a second relay sitting on
// its create reply does not stop the rest of the tunnel from being
// serviced.
func TestLinkLegPendingDoesNotStall(t *testing.T) {
	rc1 := newRelayChain(t, relay.V0)
	rc2 := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc1)

	s, sid := beginTestStream(t, cc, rc1, "example.com", 80)

	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.LinkLeg(rc2.ch, rc2.in, &CreateMethod{Fast: true, Format: relay.V0})
	}()

	// The second relay receives the create but does not answer yet.
	created := rc2.nextCell()
	_, ok := created.Cmd.(*cell.CreateFast)
	require.True(t, ok)

	// Traffic on the primary leg keeps flowing both ways meanwhile.
	_, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	_, u := rc1.recvMsg()
	require.Equal(t, relay.CmdData, u.Cmd)
	require.Equal(t, sid, u.Stream)

	rc1.sendRelay(0, relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte("pong")}})
	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	// A late answer still completes the link.
	rc2.completeCreate(created)
	_, u = rc2.recvMsg()
	require.Equal(t, relay.CmdConfluxLink, u.Cmd)
	msg, err := u.Parse()
	require.NoError(t, err)
	link := msg.(*relay.ConfluxLink)
	rc2.sendRelay(0, relay.Outer{Msg: &relay.ConfluxLinked{
		Payload: relay.LinkPayload{Version: link.Payload.Version, Nonce: link.Payload.Nonce},
	}})
	require.NoError(t, waitErr(t, errCh))

	legs, _, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 2, legs)
}

func TestDestroyFromRelay(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	createTestLeg(t, cc, rc)

	rc.in <- &cell.Cell{Circ: rc.circID, Cmd: &cell.Destroy{Reason: cell.DestroyFinished}}

	waitDead(t, cc)
	require.Error(t, cc.Err())
	require.Contains(t, cc.Err().Error(), "destroyed")
}

// TestStreamHalfClose checks that a locally closed stream's ID stays
// reserved until the peer's END, and that a BEGIN may reclaim it once the
// circuit accepts inbound streams.
func TestStreamHalfClose(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	acceptCh, err := cc.AcceptStreams()
	require.NoError(t, err)

	s, sid := beginTestStream(t, cc, rc, "example.com", 80)
	require.Equal(t, sid, s.ID())

	require.NoError(t, s.Close())
	_, u := rc.recvMsg()
	require.Equal(t, relay.CmdEnd, u.Cmd)
	require.Equal(t, sid, u.Stream)

	// Data to a half closed stream is discarded without complaint.
	rc.sendRelay(0, relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte("late")}})

	// The peer reuses the half closed ID for its own BEGIN.
	rc.sendRelay(0, relay.Outer{Stream: sid, Msg: &relay.Begin{Addr: "inbound.example", Port: 9}})

	var in *InboundStream
	select {
	case in = <-acceptCh:
	case <-time.After(testTimeout):
		t.Fatal("timed out awaiting the inbound stream")
	}
	require.Equal(t, "inbound.example", in.Addr)
	require.Equal(t, uint16(9), in.Port)
	require.Equal(t, sid, in.ID())

	_, u = rc.recvMsg()
	require.Equal(t, relay.CmdConnected, u.Cmd)
	require.Equal(t, sid, u.Stream)

	// The inbound stream is usable both ways.
	_, err = in.Write([]byte("pong"))
	require.NoError(t, err)
	_, u = rc.recvMsg()
	require.Equal(t, relay.CmdData, u.Cmd)
	require.Equal(t, sid, u.Stream)

	rc.sendRelay(0, relay.Outer{Stream: sid, Msg: &relay.End{Reason: relay.EndDone}})
	buf := make([]byte, 8)
	_, err = in.Read(buf)
	require.Error(t, err)
}

func TestStreamEndedByPeer(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	type result struct {
		s   *Stream
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := cc.BeginStream("example.com", 80)
		resCh <- result{s: s, err: err}
	}()

	_, u := rc.recvMsg()
	require.Equal(t, relay.CmdBegin, u.Cmd)

	// The peer refuses the stream outright.
	rc.sendRelay(0, relay.Outer{Stream: u.Stream, Msg: &relay.End{Reason: relay.EndResourceLimit}})

	res := <-resCh
	require.Error(t, res.err)
	var endErr *EndError
	require.ErrorAs(t, res.err, &endErr)
	require.Equal(t, byte(relay.EndResourceLimit), endErr.Reason)
}

func TestStreamWriteAfterClose(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	s, sid := beginTestStream(t, cc, rc, "example.com", 80)
	require.NoError(t, s.Close())
	_, u := rc.recvMsg()
	require.Equal(t, relay.CmdEnd, u.Cmd)
	require.Equal(t, sid, u.Stream)

	_, err := s.Write([]byte("x"))
	require.ErrorIs(t, err, ErrStreamClosed)

	// A writer racing the close must observe either success or
	// ErrStreamClosed, never anything torn.
	s2, _ := beginTestStream(t, cc, rc, "example.com", 81)
	var wg sync.WaitGroup
	var writeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 32; i++ {
			if _, err := s2.Write([]byte("y")); err != nil {
				writeErr = err
				return
			}
		}
	}()
	s2.Discard()
	wg.Wait()
	if writeErr != nil {
		require.ErrorIs(t, writeErr, ErrStreamClosed)
	}
}

// TestPackedRelayCells runs a leg on the packed body format, delivering
// several messages in a single cell.
func TestPackedRelayCells(t *testing.T) {
	rc := newRelayChain(t, relay.V1)
	cc := newTestCircuit(t, nil)
	createTestLeg(t, cc, rc)

	s, sid := beginTestStream(t, cc, rc, "example.com", 80)

	_, err := s.Write([]byte("ping"))
	require.NoError(t, err)
	_, u := rc.recvMsg()
	require.Equal(t, relay.CmdData, u.Cmd)
	require.Equal(t, sid, u.Stream)

	// Two DATA messages and the END arrive packed into one cell.
	rc.sendRelay(0,
		relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte("first ")}},
		relay.Outer{Stream: sid, Msg: &relay.Data{Payload: []byte("second")}},
		relay.Outer{Stream: sid, Msg: &relay.End{Reason: relay.EndDone}})

	var got []byte
	buf := make([]byte, 32)
	for {
		n, err := s.Read(buf)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, buf[:n]...)
	}
	require.Equal(t, "first second", string(got))

	legs, hops, err := cc.Path()
	require.NoError(t, err)
	require.Equal(t, 1, legs)
	require.Equal(t, 1, hops)

	// A violation part way through a batch discards the remainder and
	// kills the leg.
	rc.sendRelay(0,
		relay.Outer{Stream: 99, Msg: &relay.Data{Payload: []byte("stray")}},
		relay.Outer{Stream: 99, Msg: &relay.Data{Payload: []byte("more")}})

	waitDead(t, cc)
	require.True(t, IsProtocolError(cc.Err()))
}

func TestStreamIDsDistinct(t *testing.T) {
	rc := newRelayChain(t, relay.V0)
	cc := newTestCircuit(t, nil)
	defer cc.Shutdown()
	createTestLeg(t, cc, rc)

	seen := make(map[relay.StreamID]bool)
	for i := 0; i < 8; i++ {
		_, sid := beginTestStream(t, cc, rc, "example.com", 80)
		require.False(t, seen[sid])
		require.NotZero(t, sid)
		seen[sid] = true
	}
}
