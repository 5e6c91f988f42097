// errors.go - Circuit engine errors.
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
	"fmt"
)

var (
	// ErrShutdown is the error returned when an operation is attempted
	// against a reactor that has terminated.
	ErrShutdown = errors.New("tunnel: reactor is shut down")

	// ErrNotSingleLeg is the error returned when an operation that has not
	// been generalized to multipath is attempted on a multi leg tunnel.
	ErrNotSingleLeg = errors.New("tunnel: operation requires exactly one leg")

	// ErrStreamNotFound is the error returned when a stream operation
	// addresses a stream ID with no live entry.
	ErrStreamNotFound = errors.New("tunnel: no such stream")

	// ErrExtendInProgress is the error returned when an extension or link
	// attempt is started while another reply handler is outstanding.
	ErrExtendInProgress = errors.New("tunnel: another extension is in progress")

	// ErrStreamIDExhausted is the error returned when a hop has no free
	// stream IDs left.
	ErrStreamIDExhausted = errors.New("tunnel: stream IDs exhausted")

	// ErrStreamClosed is the error returned when an operation addresses a
	// stream that was closed locally.
	ErrStreamClosed = errors.New("tunnel: stream is closed")

	// errCleanShutdown is the internal signal that the reactor loop should
	// wind down without reporting an error.
	errCleanShutdown = errors.New("tunnel: clean shutdown requested")
)

// ProtocolError is the error returned when a relay violates the protocol.
// Protocol violations are fatal to the leg they occurred on.
type ProtocolError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "tunnel: protocol violation: " + e.Err.Error()
}

// Unwrap returns the original error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(f string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// IsProtocolError returns true if err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pErr *ProtocolError
	return errors.As(err, &pErr)
}

// HandshakeError is the error returned when a circuit extension handshake
// fails.  Handshake failures are fatal to the extension attempt but not to
// the circuit.
type HandshakeError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return "tunnel: handshake failed: " + e.Err.Error()
}

// Unwrap returns the original error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func newHandshakeError(err error) error {
	return &HandshakeError{Err: err}
}

// BugError is the error returned when an internal invariant is violated.
// Unlike a ProtocolError it indicates a local defect rather than remote
// misbehavior, and is always fatal.
type BugError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *BugError) Error() string {
	return "tunnel: BUG: " + e.Err.Error()
}

// Unwrap returns the original error.
func (e *BugError) Unwrap() error {
	return e.Err
}

func newBugError(f string, a ...interface{}) error {
	return &BugError{Err: fmt.Errorf(f, a...)}
}

// EndError is the error reported when the peer ends a stream before it
// became usable.
type EndError struct {
	// Reason is the reason carried by the peer's END message.
	Reason byte
}

// Error implements the error interface.
func (e *EndError) Error() string {
	return fmt.Sprintf("tunnel: stream ended by peer (reason 0x%02x)", e.Reason)
}
