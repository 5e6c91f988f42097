// testchannel_test.go - In-memory channel and relay side test harness.
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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torwell/torproto/config"
	"github.com/torwell/torproto/core/cell"
	"github.com/torwell/torproto/core/crypto/handshake"
	"github.com/torwell/torproto/core/crypto/onion"
	"github.com/torwell/torproto/core/log"
	"github.com/torwell/torproto/core/relay"
)

const testTimeout = 10 * time.Second

// testChannel is an in-memory Channel feeding cells to the test's relay
// side.
type testChannel struct {
	sendCh chan *cell.Cell
	skew   time.Duration
}

func newTestChannel() *testChannel {
	return &testChannel{sendCh: make(chan *cell.Cell, 256)}
}

func (c *testChannel) SendCell(cl *cell.Cell) error {
	select {
	case c.sendCh <- cl:
		return nil
	default:
		return errors.New("testChannel: send queue full")
	}
}

func (c *testChannel) ClockSkew() time.Duration {
	return c.skew
}

// relayChain impersonates the relay side of one circuit leg.  All of its
// methods run on the test goroutine; only the client side is concurrent.
type relayChain struct {
	t      *testing.T
	format relay.Format

	ch *testChannel
	in chan *cell.Cell

	id     [handshake.NodeIDLength]byte
	kp     *handshake.NtorKeypair
	circID cell.CircID
	crypts []*onion.RelayCrypt
}

func newRelayChain(t *testing.T, format relay.Format) *relayChain {
	kp, err := handshake.NewNtorKeypair(rand.Reader)
	require.NoError(t, err)

	rc := &relayChain{
		t:      t,
		format: format,
		ch:     newTestChannel(),
		in:     make(chan *cell.Cell, 256),
		kp:     kp,
	}
	_, err = rand.Read(rc.id[:])
	require.NoError(t, err)
	return rc
}

func (rc *relayChain) ntorKey() handshake.NtorPublicKey {
	return handshake.NtorPublicKey{ID: rc.id, Key: rc.kp.Public()}
}

func (rc *relayChain) nextCell() *cell.Cell {
	select {
	case c := <-rc.ch.sendCh:
		return c
	case <-time.After(testTimeout):
		rc.t.Fatal("timed out awaiting a cell from the client")
	}
	return nil
}

func (rc *relayChain) expectNoCell(d time.Duration) {
	select {
	case c := <-rc.ch.sendCh:
		rc.t.Fatalf("unexpected cell: %T", c.Cmd)
	case <-time.After(d):
	}
}

func (rc *relayChain) installKeys(kg handshake.KeyGen) {
	keys, err := kg.Expand(onion.KeyMaterialLength)
	require.NoError(rc.t, err)
	crypt, err := onion.NewRelayCrypt(rc.format, keys)
	require.NoError(rc.t, err)
	rc.crypts = append(rc.crypts, crypt)
}

// handleCreate services the client's create cell, installing the first
// hop's crypto state.
func (rc *relayChain) handleCreate() {
	rc.completeCreate(rc.nextCell())
}

// completeCreate answers an already received create cell.
func (rc *relayChain) completeCreate(c *cell.Cell) {
	rc.circID = c.Circ

	switch cmd := c.Cmd.(type) {
	case *cell.CreateFast:
		y, kh, kg, err := handshake.FastServer(rand.Reader, cmd.X)
		require.NoError(rc.t, err)
		rc.installKeys(kg)
		rc.in <- &cell.Cell{Circ: c.Circ, Cmd: &cell.CreatedFast{Y: y, KH: kh}}
	case *cell.Create2:
		var reply []byte
		var kg handshake.KeyGen
		var err error
		switch cmd.Type {
		case cell.HandshakeNtor:
			reply, kg, err = handshake.NtorServerHandshake(rand.Reader, &rc.id, rc.kp, cmd.Data)
		case cell.HandshakeNtorX:
			reply, _, kg, err = handshake.NtorXServerHandshake(rand.Reader, &rc.id, rc.kp, cmd.Data, nil)
		default:
			rc.t.Fatalf("unexpected handshake type: %d", cmd.Type)
		}
		require.NoError(rc.t, err)
		rc.installKeys(kg)
		rc.in <- &cell.Cell{Circ: c.Circ, Cmd: &cell.Created2{Data: reply}}
	default:
		rc.t.Fatalf("unexpected cell awaiting create: %T", c.Cmd)
	}
}

// recvRelay receives one relay cell, peels it to the recognizing hop, and
// returns the hop, the decoded messages, and the cell's tag.
func (rc *relayChain) recvRelay() (int, []relay.Unparsed, []byte) {
	c := rc.nextCell()
	rel, ok := c.Cmd.(*cell.Relay)
	require.True(rc.t, ok, "expected a relay cell, got %T", c.Cmd)

	body := rel.Body
	for i, crypt := range rc.crypts {
		tag, recognized := crypt.DecryptForward(&body)
		if recognized {
			msgs, err := relay.NewDecoder(rc.format).Decode(&body)
			require.NoError(rc.t, err)
			return i, msgs, tag
		}
	}
	rc.t.Fatal("relay cell not recognized by any hop")
	return 0, nil, nil
}

// recvMsg receives one relay cell carrying exactly one message.
func (rc *relayChain) recvMsg() (int, relay.Unparsed) {
	hop, msgs, _ := rc.recvRelay()
	require.Len(rc.t, msgs, 1)
	return hop, msgs[0]
}

// sendRelay originates msgs at the given hop and routes the cell to the
// client, returning the cell's tag.
func (rc *relayChain) sendRelay(hop int, msgs ...relay.Outer) []byte {
	body, err := relay.EncodeBody(rc.format, msgs...)
	require.NoError(rc.t, err)
	tag := rc.crypts[hop].Originate(body)
	for i := hop - 1; i >= 0; i-- {
		rc.crypts[i].EncryptBack(body)
	}
	rc.in <- &cell.Cell{Circ: rc.circID, Cmd: &cell.Relay{Body: *body}}
	return tag
}

// handleExtend services one EXTEND2, originating the reply at fromHop.
// The new hop's keys are only installed when the reply comes from the hop
// the client expects.
func (rc *relayChain) handleExtend(fromHop int) {
	hop, u := rc.recvMsg()
	require.Equal(rc.t, relay.CmdExtend2, u.Cmd)
	require.Equal(rc.t, len(rc.crypts)-1, hop, "EXTEND2 must arrive at the last hop")

	msg, err := u.Parse()
	require.NoError(rc.t, err)
	ext := msg.(*relay.Extend2)

	var reply []byte
	var kg handshake.KeyGen
	switch cell.HandshakeType(ext.HandshakeType) {
	case cell.HandshakeNtor:
		reply, kg, err = handshake.NtorServerHandshake(rand.Reader, &rc.id, rc.kp, ext.HandshakeData)
	case cell.HandshakeNtorX:
		reply, _, kg, err = handshake.NtorXServerHandshake(rand.Reader, &rc.id, rc.kp, ext.HandshakeData, []byte("aux-reply"))
	default:
		rc.t.Fatalf("unexpected handshake type: %d", ext.HandshakeType)
	}
	require.NoError(rc.t, err)

	rc.sendRelay(fromHop, relay.Outer{Msg: &relay.Extended2{HandshakeData: reply}})
	if fromHop == len(rc.crypts)-1 {
		rc.installKeys(kg)
	}
}

func newTestCircuit(t *testing.T, cfg *config.Config) *ClientCircuit {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	cc, err := New(cfg, logBackend)
	require.NoError(t, err)
	return cc
}

// createTestLeg drives a CREATE_FAST exchange to completion.
func createTestLeg(t *testing.T, cc *ClientCircuit, rc *relayChain) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- cc.Create(rc.ch, rc.in, &CreateMethod{Fast: true, Format: rc.format})
	}()
	rc.handleCreate()
	require.NoError(t, waitErr(t, errCh))
}

// beginTestStream opens a stream and services the BEGIN/CONNECTED
// exchange.
func beginTestStream(t *testing.T, cc *ClientCircuit, rc *relayChain, addr string, port uint16) (*Stream, relay.StreamID) {
	type result struct {
		s   *Stream
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := cc.BeginStream(addr, port)
		resCh <- result{s: s, err: err}
	}()

	hop, u := rc.recvMsg()
	require.Equal(t, relay.CmdBegin, u.Cmd)
	msg, err := u.Parse()
	require.NoError(t, err)
	b := msg.(*relay.Begin)
	require.Equal(t, addr, b.Addr)
	require.Equal(t, port, b.Port)

	rc.sendRelay(hop, relay.Outer{Stream: u.Stream, Msg: &relay.Connected{}})

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		return res.s, u.Stream
	case <-time.After(testTimeout):
		t.Fatal("timed out awaiting BeginStream")
	}
	return nil, 0
}

func waitErr(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timed out awaiting a result")
	}
	return nil
}

func waitDead(t *testing.T, cc *ClientCircuit) {
	select {
	case <-cc.DeadCh():
	case <-time.After(testTimeout):
		t.Fatal("timed out awaiting circuit termination")
	}
}
